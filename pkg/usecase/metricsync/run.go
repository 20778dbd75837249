package metricsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/export"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/normalize"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Run exports window, normalizes and enriches the rows and upserts them to
// the repository in batches. Batches written before a failure stay written.
func (u *UseCase) Run(ctx context.Context, window model.Window) (*Stats, error) {
	started := u.now()
	stats := newStats(model.NewRunID())
	defer func() { stats.Duration = u.now().Sub(started) }()

	logger := logging.From(ctx).With("run_id", stats.RunID)
	ctx = logging.With(ctx, logger)

	logger.Info("sync started",
		"start", window.Start,
		"end", window.End,
		"sink", u.repo.Name(),
		"enrich", u.enrich)

	directory, err := u.intercom.ListAdmins(ctx)
	if err != nil {
		if errors.Is(err, model.ErrAuth) || ctx.Err() != nil {
			return stats, goerr.Wrap(err, "failed to fetch agent directory")
		}
		logger.Warn("agent directory incomplete, continuing with partial map", "error", err, "admins", len(directory))
	}

	result, err := u.exporter.Run(ctx, window, u.fields.AttributeIDs())
	stats.JobID = result.JobID
	if stats.JobID != "" {
		logger = logger.With("job_id", stats.JobID)
		ctx = logging.With(ctx, logger)
	}
	if u.archive != nil && len(result.Payload) > 0 {
		u.archivePayload(ctx, result.JobID, result.Payload)
	}
	if err != nil {
		return stats, err
	}

	jobID, rows := result.JobID, result.Rows
	stats.Exported = len(rows)

	records := u.normalizeRows(ctx, rows, jobID, started, directory, stats)

	records, stats.Duplicates = model.DedupeRecords(records)
	if stats.Duplicates > 0 {
		logger.Info("duplicate conversations dropped", "count", stats.Duplicates)
	}

	if u.enrich {
		if err := u.enrichRecords(ctx, records, stats); err != nil {
			return stats, err
		}
	}

	records = u.dropInvalid(ctx, records, stats)
	if err := u.persist(ctx, records, stats); err != nil {
		return stats, err
	}

	logger.Info("sync finished",
		"exported", stats.Exported,
		"skipped", stats.Skipped,
		"invalid", stats.Invalid,
		"persisted", stats.Persisted,
		"warnings", stats.TotalWarnings())
	return stats, nil
}

func (u *UseCase) archivePayload(ctx context.Context, jobID string, payload []byte) {
	logger := logging.From(ctx)
	key := adapter.ArchiveKey(archivePrefix, jobID, u.now(), export.Sniff(payload).Extension())

	if err := u.archive.Put(ctx, key, payload, export.DetectMIME(payload)); err != nil {
		logger.Warn("failed to archive export payload", "key", key, "error", err)
		return
	}
	logger.Info("export payload archived", "key", key, "bytes", len(payload))
}

// normalizeRows converts every row carrying a conversation ID. Warnings are
// logged and counted; no record is dropped because of them.
func (u *UseCase) normalizeRows(
	ctx context.Context,
	rows []model.RawRow,
	jobID string,
	syncedAt time.Time,
	directory model.Directory,
	stats *Stats,
) []*model.MetricRecord {
	logger := logging.From(ctx)
	n := normalize.New(directory,
		normalize.WithFields(u.fields),
		normalize.WithClassifier(u.classifier),
		normalize.WithClock(u.now),
	)

	records := make([]*model.MetricRecord, 0, len(rows))
	for i, row := range rows {
		record, warnings, ok := n.Normalize(ctx, row)
		if !ok {
			stats.Skipped++
			logger.Warn("row without conversation_id skipped", "row", i+1)
			continue
		}

		for _, w := range warnings {
			u.warn(ctx, stats, w)
		}
		record.ExportJobID = jobID
		record.SyncedAt = syncedAt.UTC()
		records = append(records, record)
	}
	stats.Normalized = len(records)

	logger.Info("rows normalized", "rows", len(rows), "records", len(records), "skipped", stats.Skipped)
	return records
}

// warn counts w and logs it. A secondary timestamp is expected often enough
// to be logged at debug level only.
func (u *UseCase) warn(ctx context.Context, stats *Stats, w model.DataQualityWarning) {
	stats.Warnings[w.Kind]++

	level := slog.LevelWarn
	if w.Kind == model.WarnTimestampSecondary {
		level = slog.LevelDebug
	}
	logging.From(ctx).Log(ctx, level, "data quality warning",
		"conversation_id", w.ConversationID,
		"kind", w.Kind,
		"field", w.Field,
		"detail", w.Detail)
}

// dropInvalid removes records a sink would reject. Each one is counted and
// reported as a warning.
func (u *UseCase) dropInvalid(ctx context.Context, records []*model.MetricRecord, stats *Stats) []*model.MetricRecord {
	valid := records[:0]
	for _, r := range records {
		if err := r.Validate(); err != nil {
			stats.Invalid++
			u.warn(ctx, stats, model.DataQualityWarning{
				ConversationID: r.ConversationID,
				Kind:           model.WarnInvalidRecord,
				Detail:         err.Error(),
			})
			continue
		}
		valid = append(valid, r)
	}
	return valid
}

// persist upserts records in batches and stops at the first failed batch
func (u *UseCase) persist(ctx context.Context, records []*model.MetricRecord, stats *Stats) error {
	logger := logging.From(ctx)

	for start, batch := 0, 0; start < len(records); start, batch = start+u.batchSize, batch+1 {
		if err := ctx.Err(); err != nil {
			return goerr.Wrap(err, "sync canceled before persisting", goerr.V("batch", batch))
		}

		end := min(start+u.batchSize, len(records))
		chunk := records[start:end]
		if err := u.repo.UpsertMetrics(ctx, chunk); err != nil {
			return goerr.Wrap(errors.Join(model.ErrSinkWrite, err), "failed to upsert batch",
				goerr.V("batch", batch),
				goerr.V("sink", u.repo.Name()),
				goerr.V("size", len(chunk)),
				goerr.V("persisted", stats.Persisted))
		}

		stats.Persisted += len(chunk)
		logger.Debug("batch persisted", "batch", batch, "size", len(chunk), "sink", u.repo.Name())
	}
	return nil
}
