package repository

import (
	"context"
	"net/url"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

const DefaultFirestoreCollection = "conversation_metrics"

// Firestore stores one document per conversation, the document ID being the
// conversation ID. Set replaces the whole document, which makes writes
// idempotent.
type Firestore struct {
	client     *firestore.Client
	collection string
}

// NewFirestore creates a new Firestore sink
func NewFirestore(ctx context.Context, projectID, databaseID, collection string) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.Wrap(model.ErrInvalidConfig, "firestore project is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	if collection == "" {
		collection = DefaultFirestoreCollection
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	return &Firestore{client: client, collection: collection}, nil
}

func (f *Firestore) Name() string { return "firestore" }

// Close closes the underlying client
func (f *Firestore) Close() error {
	return f.client.Close()
}

// FirestoreDocID converts a conversation ID into a valid document ID. The
// mapping is reversible, so distinct IDs never share a document.
func FirestoreDocID(id model.ConversationID) string {
	return url.PathEscape(string(id))
}

// firestoreDoc flattens a record; civil.Date has no Firestore mapping so
// metric_date is stored as YYYY-MM-DD.
func firestoreDoc(r *model.MetricRecord) map[string]any {
	return map[string]any{
		"conversation_id":       string(r.ConversationID),
		"metric_date":           r.MetricDate.String(),
		"agent_id":              r.AgentID,
		"agent_name":            r.AgentName,
		"score":                 r.Score,
		"explanation":           r.Explanation,
		"resolution_status":     r.ResolutionStatus,
		"rating_source":         r.RatingSource,
		"tags":                  r.Tags,
		"workspace":             string(r.Workspace),
		"is_escalation_queue":   r.IsEscalationQueue,
		"escalation_queue_kind": kindString(r.EscalationQueueKind),
		"export_job_id":         r.ExportJobID,
		"synced_at":             r.SyncedAt,
	}
}

func (f *Firestore) UpsertMetrics(ctx context.Context, records []*model.MetricRecord) error {
	records = prepare(records)
	if len(records) == 0 {
		return nil
	}

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(records))
	for _, r := range records {
		doc := f.client.Collection(f.collection).Doc(FirestoreDocID(r.ConversationID))
		job, err := bw.Set(doc, firestoreDoc(r))
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue firestore write", goerr.V("conversation_id", r.ConversationID))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write firestore document",
				goerr.V("collection", f.collection),
				goerr.V("conversation_id", records[i].ConversationID))
		}
	}
	return nil
}
