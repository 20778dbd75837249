package backfill

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/classify"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/repository"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const DefaultDelay = 100 * time.Millisecond

// UseCase re-derives tags, classification and metric_date of records already
// stored in a sink from the conversation API
type UseCase struct {
	intercom   adapter.Intercom
	classifier *classify.Classifier
	repo       repository.Backfillable
	delay      time.Duration
	dryRun     bool
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithDelay sets the pause between two conversation lookups
func WithDelay(d time.Duration) Option {
	return func(uc *UseCase) {
		uc.delay = d
	}
}

// WithDryRun logs the planned patches without writing them
func WithDryRun(enabled bool) Option {
	return func(uc *UseCase) {
		uc.dryRun = enabled
	}
}

func New(intercom adapter.Intercom, classifier *classify.Classifier, repo repository.Backfillable, opts ...Option) *UseCase {
	uc := &UseCase{
		intercom:   intercom,
		classifier: classifier,
		repo:       repo,
		delay:      DefaultDelay,
	}
	for _, opt := range opts {
		opt(uc)
	}
	if uc.classifier == nil {
		uc.classifier = classify.New()
	}
	return uc
}

// Options selects the records to backfill. A non-empty ConversationID
// overrides Limit.
type Options struct {
	ConversationID model.ConversationID
	Limit          int
}

// Stats summarizes one backfill run
type Stats struct {
	Listed   int
	Patched  int
	NotFound int
	Failed   int
	Duration time.Duration
}

// Report converts the stats into run metrics
func (s *Stats) Report(success bool, finished time.Time) adapter.RunReport {
	return adapter.RunReport{
		Command: "backfill",
		Counters: map[string]int{
			"listed":    s.Listed,
			"patched":   s.Patched,
			"not_found": s.NotFound,
			"failed":    s.Failed,
		},
		Success:  success,
		Duration: s.Duration,
		Finished: finished,
	}
}

// Run patches each selected record. Per-record failures are logged and
// counted; only listing errors and cancellation end the run.
func (u *UseCase) Run(ctx context.Context, opts Options) (*Stats, error) {
	started := time.Now()
	stats := &Stats{}
	defer func() { stats.Duration = time.Since(started) }()

	logger := logging.From(ctx).With("run_id", model.NewRunID())
	ctx = logging.With(ctx, logger)

	ids := []model.ConversationID{opts.ConversationID}
	if opts.ConversationID == "" {
		listed, err := u.repo.ListConversationIDs(ctx, opts.Limit)
		if err != nil {
			return stats, goerr.Wrap(err, "failed to list stored conversations", goerr.V("sink", u.repo.Name()))
		}
		ids = listed
	}
	stats.Listed = len(ids)
	logger.Info("backfill started", "conversations", len(ids), "sink", u.repo.Name(), "dry_run", u.dryRun)

	for i, id := range ids {
		if i > 0 && u.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(u.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, goerr.Wrap(err, "backfill canceled", goerr.V("processed", i))
		}

		err := u.backfillOne(ctx, id)
		switch {
		case err == nil:
			stats.Patched++
		case errors.Is(err, model.ErrNotFound):
			stats.NotFound++
			logger.Info("conversation not found, skipped", "conversation_id", id)
		default:
			stats.Failed++
			logger.Warn("failed to backfill conversation", "conversation_id", id, "error", err)
		}
	}

	logger.Info("backfill finished",
		"patched", stats.Patched,
		"not_found", stats.NotFound,
		"failed", stats.Failed)
	return stats, nil
}

func (u *UseCase) backfillOne(ctx context.Context, id model.ConversationID) error {
	conv, err := u.intercom.GetConversation(ctx, id)
	if err != nil {
		return err
	}

	patch := repository.Patch{Classification: u.classifier.ClassifyContext(ctx, conv.Tags)}
	if conv.CreatedAt > 0 {
		date := civil.DateOf(time.Unix(conv.CreatedAt, 0).UTC())
		patch.MetricDate = &date
	}

	if u.dryRun {
		args := []any{
			"conversation_id", id,
			"tags", patch.Classification.Tags,
			"workspace", patch.Classification.Workspace,
			"is_escalation_queue", patch.Classification.IsEscalation,
		}
		if patch.MetricDate != nil {
			args = append(args, "metric_date", patch.MetricDate.String())
		}
		logging.From(ctx).Info("dry run, patch not applied", args...)
		return nil
	}

	return u.repo.PatchMetric(ctx, id, patch)
}
