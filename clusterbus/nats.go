// Package clusterbus shares scheduling-change signals between the nodes of
// a clustered scheduler over NATS, so a trigger stored on one node wakes the
// firing loops of the others instead of waiting out their idle wait.
package clusterbus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
)

// Signal is the wire form of one scheduling change.
type Signal struct {
	Scheduler  string `json:"scheduler"`
	InstanceID string `json:"instance_id"`
	// CandidateMS is the new earliest fire time in unix milliseconds, or
	// nil when unknown.
	CandidateMS *int64 `json:"candidate_ms,omitempty"`
}

// NATSBus implements scheduler.WakeBus on NATS core pub/sub.
type NATSBus struct {
	nc         *nats.Conn
	owned      bool
	subject    string
	scheduler  string
	instanceID string
	logger     *zap.SugaredLogger
}

// Connect dials url and returns a bus that closes the connection on Close.
func Connect(url, subject, schedulerName, instanceID string, log *zap.SugaredLogger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("pulse "+schedulerName+" "+instanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	b := New(nc, subject, schedulerName, instanceID, log)
	b.owned = true
	logger.ClusterInfow(b.logger, "Wake bus connected",
		logger.FieldAddress, nc.ConnectedUrl(),
		"subject", b.subject)
	return b, nil
}

// FromConfig connects with the cluster section of cfg. It returns nil when
// no NATS URL is configured.
func FromConfig(cfg *am.Config, log *zap.SugaredLogger) (*NATSBus, error) {
	if cfg.Cluster.NATSURL == "" {
		return nil, nil
	}
	return Connect(cfg.Cluster.NATSURL, cfg.Cluster.NATSSubject, cfg.Scheduler.Name, cfg.Scheduler.InstanceID, log)
}

// New wraps an existing connection. Signals are published on
// subject.<schedulerName> so separate clusters can share a NATS server.
func New(nc *nats.Conn, subject, schedulerName, instanceID string, log *zap.SugaredLogger) *NATSBus {
	if subject == "" {
		subject = am.DefaultNATSSubject
	}
	return &NATSBus{
		nc:         nc,
		subject:    subject + "." + schedulerName,
		scheduler:  schedulerName,
		instanceID: instanceID,
		logger:     logger.OrNop(log),
	}
}

// Subject is the NATS subject the bus uses.
func (b *NATSBus) Subject() string { return b.subject }

// Publish announces a scheduling change to the other nodes.
func (b *NATSBus) Publish(candidate *time.Time) error {
	data, err := json.Marshal(b.signal(candidate))
	if err != nil {
		return errors.Wrap(err, "marshal wake signal")
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return errors.Wrap(err, "publish wake signal")
	}
	return nil
}

// Subscribe delivers the other nodes' signals to fn. Signals this node
// published are dropped.
func (b *NATSBus) Subscribe(fn func(candidate *time.Time)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		b.handle(msg.Data, fn)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to %s", b.subject)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close closes the connection when the bus dialed it.
func (b *NATSBus) Close() {
	if b.owned {
		b.nc.Close()
	}
}

func (b *NATSBus) signal(candidate *time.Time) Signal {
	s := Signal{Scheduler: b.scheduler, InstanceID: b.instanceID}
	if candidate != nil {
		ms := candidate.UnixMilli()
		s.CandidateMS = &ms
	}
	return s
}

func (b *NATSBus) handle(data []byte, fn func(candidate *time.Time)) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		logger.PulseWarnw(b.logger, "Dropping malformed wake signal", logger.FieldError, err)
		return
	}
	if s.InstanceID == b.instanceID || s.Scheduler != b.scheduler {
		return
	}
	var candidate *time.Time
	if s.CandidateMS != nil {
		t := time.UnixMilli(*s.CandidateMS)
		candidate = &t
	}
	logger.PulseDebugw(b.logger, "Wake signal received",
		logger.FieldInstanceID, s.InstanceID,
		logger.FieldNextFireTime, candidate)
	fn(candidate)
}
