package repository

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/convsync/pkg/model"
)

// Repository persists metric records. UpsertMetrics must be idempotent:
// writing the same batch twice leaves the store as after one write.
type Repository interface {
	// Name identifies the sink in logs and errors
	Name() string

	// UpsertMetrics inserts or replaces records keyed by conversation_id
	UpsertMetrics(ctx context.Context, records []*model.MetricRecord) error
}

// Patch is a partial update applied to a stored record
type Patch struct {
	Classification model.Classification
	MetricDate     *civil.Date
}

// Backfillable is a Repository whose stored records can be listed and patched
type Backfillable interface {
	Repository

	// ListConversationIDs returns stored conversation IDs, newest metric_date
	// first. limit <= 0 means no limit.
	ListConversationIDs(ctx context.Context, limit int) ([]model.ConversationID, error)

	// PatchMetric updates the classification and optionally metric_date of one record
	PatchMetric(ctx context.Context, id model.ConversationID, patch Patch) error
}

// prepare dedupes a batch and fills defaults every sink relies on
func prepare(records []*model.MetricRecord) []*model.MetricRecord {
	out, _ := model.DedupeRecords(records)
	for _, r := range out {
		if r.Tags == nil {
			r.Tags = []string{}
		}
		if r.Workspace == "" {
			r.Workspace = model.WorkspaceUnknown
		}
	}
	return out
}

func kindString(k *model.EscalationKind) *string {
	if k == nil {
		return nil
	}
	s := string(*k)
	return &s
}
