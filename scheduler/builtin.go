package scheduler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/internal/httpclient"
	"github.com/teranos/pulse/logger"
)

// Built-in job types.
const (
	JobTypeNoop  = "noop"
	JobTypeLog   = "log"
	JobTypeShell = "shell"
	JobTypeHTTP  = "http"
)

// Data map keys read by the shell job.
const (
	ShellCommandKey = "command"
	ShellTimeoutKey = "timeout"
	ShellDirKey     = "dir"
)

// Data map keys read by the http job.
const (
	HTTPURLKey          = "url"
	HTTPMethodKey       = "method"
	HTTPBodyKey         = "body"
	HTTPContentTypeKey  = "content_type"
	HTTPTimeoutKey      = "timeout"
	HTTPAllowPrivateKey = "allow_private"
)

// maxResultSize bounds the output kept as a shell or http job's result.
const maxResultSize = 64 << 10

// RegisterBuiltins adds the noop, log, shell and http job types.
func RegisterBuiltins(r *JobRegistry, log *zap.SugaredLogger) {
	log = logger.OrNop(log).Named("job")
	r.RegisterFunc(JobTypeNoop, func(context.Context, *JobExecutionContext) error { return nil })
	r.RegisterFunc(JobTypeLog, func(_ context.Context, jc *JobExecutionContext) error {
		return logJob(log, jc)
	})
	r.RegisterFunc(JobTypeShell, shellJob)
	r.RegisterFunc(JobTypeHTTP, httpJob)
}

// logJob writes the merged data map of the fire to the log.
func logJob(log *zap.SugaredLogger, jc *JobExecutionContext) error {
	keys := make([]string, 0, len(jc.MergedJobDataMap))
	for k := range jc.MergedJobDataMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := []interface{}{
		logger.FieldJob, jc.JobDetail.Key.String(),
		logger.FieldTrigger, jc.Trigger.Key.String(),
		logger.FieldFireInstanceID, jc.FireInstanceID,
		logger.FieldScheduledFireTime, jc.ScheduledFireTime,
	}
	for _, k := range keys {
		kv = append(kv, "data."+k, jc.MergedJobDataMap[k])
	}
	logger.PulseInfow(log, "Log job fired", kv...)
	return nil
}

// shellJob runs the data map's command without a shell. The combined output
// becomes the result; a non-zero exit fails the fire.
func shellJob(ctx context.Context, jc *JobExecutionContext) error {
	command := jc.MergedJobDataMap.GetString(ShellCommandKey)
	if command == "" {
		return errors.NewInvalidRequestError("shell job %s has no %q in its data map", jc.JobDetail.Key, ShellCommandKey)
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return errors.Wrapf(err, "parse command of shell job %s", jc.JobDetail.Key)
	}
	if len(argv) == 0 {
		return errors.NewInvalidRequestError("shell job %s has an empty command", jc.JobDetail.Key)
	}

	if timeout, ok := jc.MergedJobDataMap.GetDuration(ShellTimeoutKey); ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = jc.MergedJobDataMap.GetString(ShellDirKey)
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := out.Bytes()
	if len(output) > maxResultSize {
		output = output[len(output)-maxResultSize:]
	}
	jc.SetResult(string(output))
	if runErr != nil {
		return errors.WithDetail(errors.Wrapf(runErr, "command %q", argv[0]), string(output))
	}
	return nil
}

// httpJob calls the data map's url. Any 2xx response succeeds and its body
// becomes the result. Non-public destinations need allow_private.
func httpJob(ctx context.Context, jc *JobExecutionContext) error {
	data := jc.MergedJobDataMap
	target := data.GetString(HTTPURLKey)
	if target == "" {
		return errors.NewInvalidRequestError("http job %s has no %q in its data map", jc.JobDetail.Key, HTTPURLKey)
	}
	timeout, _ := data.GetDuration(HTTPTimeoutKey)
	client := httpclient.New(httpclient.Options{
		Timeout:      timeout,
		AllowPrivate: data.GetBool(HTTPAllowPrivateKey),
	})
	if _, err := client.CheckURL(target); err != nil {
		return errors.Wrapf(err, "http job %s", jc.JobDetail.Key)
	}

	body := data.GetString(HTTPBodyKey)
	method := strings.ToUpper(data.GetString(HTTPMethodKey))
	if method == "" {
		method = http.MethodGet
		if body != "" {
			method = http.MethodPost
		}
	}
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return errors.NewInvalidRequestError("http job %s: %v", jc.JobDetail.Key, err)
	}
	if body != "" {
		ct := data.GetString(HTTPContentTypeKey)
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("User-Agent", "pulse")
	req.Header.Set("X-Pulse-Job", jc.JobDetail.Key.String())
	req.Header.Set("X-Pulse-Fire-Instance", jc.FireInstanceID)

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResultSize))
	if err != nil {
		return errors.Wrapf(err, "read response of %s %s", method, target)
	}
	jc.SetResult(string(out))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.WithDetail(errors.Newf("%s %s: %s", method, target, resp.Status), string(out))
	}
	return nil
}
