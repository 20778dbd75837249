package export

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultDatasetID   = "conversation"
	DefaultPollInitial = 5 * time.Second
	DefaultPollMax     = 60 * time.Second
	DefaultPollTimeout = 10 * time.Minute
)

// State is the lifecycle position of an export job
type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// StateOf maps a polled status onto the job lifecycle. A download reference
// means the job is complete whatever the status string says.
func StateOf(status *adapter.ExportStatus) State {
	if status.DownloadURL != "" {
		return StateComplete
	}
	switch strings.ToLower(strings.TrimSpace(status.Status)) {
	case "complete", "completed", "success":
		return StateComplete
	case "failed", "error":
		return StateFailed
	default:
		return StateRunning
	}
}

// Result is a downloaded and decoded export. Run returns the fields filled
// so far together with an error, so JobID and Payload may be set on failure.
type Result struct {
	JobID   string
	Payload []byte
	Rows    []model.RawRow
}

// Client drives the asynchronous export lifecycle: enqueue, poll, download
// and decode.
type Client struct {
	intercom    adapter.Intercom
	datasetID   string
	pollInitial time.Duration
	pollMax     time.Duration
	timeout     time.Duration
}

type Option func(*Client)

func WithDatasetID(id string) Option {
	return func(c *Client) {
		c.datasetID = id
	}
}

// WithPollInterval sets the first poll delay and its cap
func WithPollInterval(initial, max time.Duration) Option {
	return func(c *Client) {
		c.pollInitial = initial
		c.pollMax = max
	}
}

// WithTimeout sets the wall clock budget for a job to reach a terminal state
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func New(intercom adapter.Intercom, opts ...Option) *Client {
	c := &Client{
		intercom:    intercom,
		datasetID:   DefaultDatasetID,
		pollInitial: DefaultPollInitial,
		pollMax:     DefaultPollMax,
		timeout:     DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run exports window end to end
func (c *Client) Run(ctx context.Context, window model.Window, attributes []string) (*Result, error) {
	var result Result

	jobID, err := c.Enqueue(ctx, window, attributes)
	if err != nil {
		return &result, err
	}
	result.JobID = jobID

	status, err := c.Await(ctx, jobID)
	if err != nil {
		return &result, err
	}

	if result.Payload, err = c.Download(ctx, status); err != nil {
		return &result, err
	}

	if result.Rows, err = Decode(result.Payload); err != nil {
		return &result, goerr.Wrap(err, "failed to decode export", goerr.V("job_id", jobID))
	}
	return &result, nil
}

// Enqueue starts an export job for window and returns its identifier
func (c *Client) Enqueue(ctx context.Context, window model.Window, attributes []string) (string, error) {
	if err := window.Validate(); err != nil {
		return "", err
	}

	status, err := c.intercom.EnqueueExport(ctx, adapter.ExportRequest{
		DatasetID:    c.datasetID,
		AttributeIDs: attributes,
		StartTime:    window.Start.Unix(),
		EndTime:      window.End.Unix(),
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to enqueue export job")
	}

	logging.From(ctx).Info("export job enqueued",
		"job_id", status.JobID,
		"start", window.Start.Format(time.RFC3339),
		"end", window.End.Format(time.RFC3339))
	return status.JobID, nil
}

var errStillRunning = errors.New("export job still running")

// Await polls jobID with exponential backoff until it completes, fails or
// the timeout elapses. Transient poll errors are retried; any other error
// ends the wait.
func (c *Client) Await(ctx context.Context, jobID string) (*adapter.ExportStatus, error) {
	logger := logging.From(ctx)

	backoff := retry.NewExponential(c.pollInitial)
	backoff = retry.WithCappedDuration(c.pollMax, backoff)
	backoff = retry.WithMaxDuration(c.timeout, backoff)

	var (
		last    *adapter.ExportStatus
		lastErr error
		polls   int
	)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		polls++
		status, err := c.intercom.GetExportStatus(ctx, jobID)
		if err != nil {
			if errors.Is(err, model.ErrTransient) {
				lastErr = err
				logger.Warn("transient error while polling export job", "job_id", jobID, "poll", polls, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}

		last = status
		lastErr = nil
		state := StateOf(status)
		logger.Debug("export job polled", "job_id", jobID, "poll", polls, "status", status.Status, "state", state)

		switch state {
		case StateComplete:
			return nil
		case StateFailed:
			return goerr.Wrap(model.ErrJobFailed, "export job reported failure",
				goerr.V("job_id", jobID),
				goerr.V("status", status.Status),
				goerr.V("payload", status.Payload))
		default:
			return retry.RetryableError(errStillRunning)
		}
	})

	if err == nil {
		logger.Info("export job completed", "job_id", jobID, "polls", polls)
		return last, nil
	}

	if ctx.Err() != nil {
		return nil, goerr.Wrap(ctx.Err(), "export wait canceled", goerr.V("job_id", jobID))
	}

	// backoff exhausted while the job was running or the API kept failing
	if errors.Is(err, errStillRunning) || errors.Is(err, model.ErrTransient) {
		values := []goerr.Option{
			goerr.V("job_id", jobID),
			goerr.V("timeout", c.timeout.String()),
			goerr.V("polls", polls),
		}
		if last != nil {
			values = append(values, goerr.V("last_status", last.Status))
		}
		if lastErr != nil {
			values = append(values, goerr.V("last_error", lastErr.Error()))
		}
		return nil, goerr.Wrap(model.ErrJobTimeout, "export job did not finish in time", values...)
	}

	return nil, goerr.Wrap(err, "failed to await export job", goerr.V("job_id", jobID))
}

// Download fetches the job result, trying the presigned reference without
// credentials, then with the bearer credential, then the dedicated download
// endpoint. The error of the last attempt is returned if all fail.
func (c *Client) Download(ctx context.Context, status *adapter.ExportStatus) ([]byte, error) {
	logger := logging.From(ctx)

	type attempt struct {
		name string
		call func() ([]byte, error)
	}
	var attempts []attempt
	if status.DownloadURL != "" {
		attempts = append(attempts,
			attempt{"presigned", func() ([]byte, error) { return c.intercom.Fetch(ctx, status.DownloadURL, false) }},
			attempt{"presigned_with_auth", func() ([]byte, error) { return c.intercom.Fetch(ctx, status.DownloadURL, true) }},
		)
	}
	attempts = append(attempts,
		attempt{"download_endpoint", func() ([]byte, error) { return c.intercom.DownloadExport(ctx, status.JobID) }},
	)

	var lastErr error
	for _, a := range attempts {
		payload, err := a.call()
		if err == nil {
			logger.Info("export payload downloaded", "job_id", status.JobID, "method", a.name, "bytes", len(payload))
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, goerr.Wrap(ctx.Err(), "export download canceled", goerr.V("job_id", status.JobID))
		}
		logger.Warn("export download attempt failed", "job_id", status.JobID, "method", a.name, "error", err)
		lastErr = err
	}

	return nil, goerr.Wrap(lastErr, "all export download attempts failed",
		goerr.V("job_id", status.JobID),
		goerr.V("attempts", len(attempts)))
}
