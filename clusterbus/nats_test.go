package clusterbus

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/am"
)

func TestSignalRoundTrip(t *testing.T) {
	a := New(nil, "", "cluster", "a", nil)
	b := New(nil, "", "cluster", "b", nil)
	assert.Equal(t, am.DefaultNATSSubject+".cluster", a.Subject())

	at := time.UnixMilli(1_900_000_000_123)
	data, err := json.Marshal(a.signal(&at))
	require.NoError(t, err)

	var got []*time.Time
	b.handle(data, func(c *time.Time) { got = append(got, c) })
	require.Len(t, got, 1)
	require.NotNil(t, got[0])
	assert.True(t, at.Equal(*got[0]))

	data, err = json.Marshal(a.signal(nil))
	require.NoError(t, err)
	b.handle(data, func(c *time.Time) { got = append(got, c) })
	require.Len(t, got, 2)
	assert.Nil(t, got[1], "unknown candidate stays unknown")
}

func TestHandleDropsOwnAndForeignSignals(t *testing.T) {
	a := New(nil, "", "cluster", "a", nil)
	other := New(nil, "", "other", "z", nil)
	called := 0
	fn := func(*time.Time) { called++ }

	own, err := json.Marshal(a.signal(nil))
	require.NoError(t, err)
	a.handle(own, fn)

	foreign, err := json.Marshal(other.signal(nil))
	require.NoError(t, err)
	a.handle(foreign, fn)

	a.handle([]byte("not json"), fn)
	assert.Zero(t, called)
}

func TestFromConfigWithoutURL(t *testing.T) {
	bus, err := FromConfig(&am.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, bus)
}

// Needs a NATS server, e.g. PULSE_TEST_NATS_URL=nats://127.0.0.1:4222.
func TestNATSBusDeliversToPeers(t *testing.T) {
	url := os.Getenv("PULSE_TEST_NATS_URL")
	if url == "" {
		t.Skip("PULSE_TEST_NATS_URL not set")
	}
	a, err := Connect(url, "pulse.test", t.Name(), "a", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Connect(url, "pulse.test", t.Name(), "b", nil)
	require.NoError(t, err)
	defer b.Close()

	received := make(chan *time.Time, 4)
	unsub, err := b.Subscribe(func(c *time.Time) { received <- c })
	require.NoError(t, err)
	defer unsub()
	selfReceived := make(chan *time.Time, 4)
	unsubA, err := a.Subscribe(func(c *time.Time) { selfReceived <- c })
	require.NoError(t, err)
	defer unsubA()
	require.NoError(t, b.nc.Flush())
	require.NoError(t, a.nc.FlushTimeout(time.Second))

	at := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, a.Publish(&at))

	select {
	case c := <-received:
		require.NotNil(t, c)
		assert.True(t, at.Equal(*c))
	case <-time.After(5 * time.Second):
		t.Fatal("peer never received the signal")
	}
	select {
	case <-selfReceived:
		t.Fatal("publisher received its own signal")
	case <-time.After(200 * time.Millisecond):
	}
}
