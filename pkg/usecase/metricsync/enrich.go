package metricsync

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// enrichRecords replaces the classification of each record with one derived
// from the conversation's current tags. A failed lookup only affects its own
// record. The returned error is set only when ctx is canceled.
func (u *UseCase) enrichRecords(ctx context.Context, records []*model.MetricRecord, stats *Stats) error {
	logger := logging.From(ctx)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if u.enrichRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(u.enrichRPS), 1)
	}

	for start := 0; start < len(records); start += u.enrichBatchSize {
		if start > 0 && u.enrichDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(u.enrichDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return goerr.Wrap(err, "enrichment canceled", goerr.V("enriched", stats.Enriched))
		}

		end := min(start+u.enrichBatchSize, len(records))
		batch := records[start:end]
		results := make([]error, len(batch))

		var eg errgroup.Group
		eg.SetLimit(u.enrichConcurrency)
		for i, record := range batch {
			eg.Go(func() error {
				results[i] = u.enrichOne(ctx, limiter, record)
				return nil
			})
		}
		_ = eg.Wait()

		for i, err := range results {
			record := batch[i]
			if err != nil {
				stats.EnrichFailed++
				u.warn(ctx, stats, model.DataQualityWarning{
					ConversationID: record.ConversationID,
					Kind:           model.WarnEnrichmentFailed,
					Field:          "tags",
					Detail:         err.Error(),
				})
				continue
			}

			stats.Enriched++
			if len(record.Tags) > 0 && record.Workspace == model.WorkspaceUnknown {
				u.warn(ctx, stats, model.DataQualityWarning{
					ConversationID: record.ConversationID,
					Kind:           model.WarnUnclassifiedTags,
					Field:          "tags",
					Detail:         strings.Join(record.Tags, ","),
				})
			}
		}

		logger.Debug("enrichment batch done", "from", start, "to", end)
	}

	logger.Info("records enriched", "enriched", stats.Enriched, "failed", stats.EnrichFailed)
	return nil
}

func (u *UseCase) enrichOne(ctx context.Context, limiter *rate.Limiter, record *model.MetricRecord) error {
	if err := limiter.Wait(ctx); err != nil {
		return goerr.Wrap(err, "rate limiter wait failed")
	}

	conv, err := u.intercom.GetConversation(ctx, record.ConversationID)
	if err != nil {
		return err
	}

	record.ApplyClassification(u.classifier.ClassifyContext(ctx, conv.Tags))
	return nil
}
