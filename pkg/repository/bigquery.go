package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/googleapi"
)

// bqRow is the BigQuery shape of a record, used both as the table schema
// and as the element type of the MERGE source parameter.
type bqRow struct {
	ConversationID      string               `bigquery:"conversation_id"`
	MetricDate          civil.Date           `bigquery:"metric_date"`
	AgentID             string               `bigquery:"agent_id"`
	AgentName           string               `bigquery:"agent_name"`
	Score               bigquery.NullFloat64 `bigquery:"score"`
	Explanation         bigquery.NullString  `bigquery:"explanation"`
	ResolutionStatus    string               `bigquery:"resolution_status"`
	RatingSource        string               `bigquery:"rating_source"`
	Tags                []string             `bigquery:"tags"`
	Workspace           string               `bigquery:"workspace"`
	IsEscalationQueue   bool                 `bigquery:"is_escalation_queue"`
	EscalationQueueKind bigquery.NullString  `bigquery:"escalation_queue_kind"`
	ExportJobID         string               `bigquery:"export_job_id"`
	SyncedAt            time.Time            `bigquery:"synced_at"`
}

func toBQRow(r *model.MetricRecord) bqRow {
	row := bqRow{
		ConversationID:    string(r.ConversationID),
		MetricDate:        r.MetricDate,
		AgentID:           r.AgentID,
		AgentName:         r.AgentName,
		ResolutionStatus:  r.ResolutionStatus,
		RatingSource:      r.RatingSource,
		Tags:              r.Tags,
		Workspace:         string(r.Workspace),
		IsEscalationQueue: r.IsEscalationQueue,
		ExportJobID:       r.ExportJobID,
		SyncedAt:          r.SyncedAt.UTC(),
	}
	if r.Score != nil {
		row.Score = bigquery.NullFloat64{Float64: *r.Score, Valid: true}
	}
	if r.Explanation != nil {
		row.Explanation = bigquery.NullString{StringVal: *r.Explanation, Valid: true}
	}
	if r.EscalationQueueKind != nil {
		row.EscalationQueueKind = bigquery.NullString{StringVal: string(*r.EscalationQueueKind), Valid: true}
	}
	return row
}

// BigQuery upserts each batch with a MERGE statement whose source is the
// batch passed as an array-of-struct query parameter.
type BigQuery struct {
	client  *bigquery.Client
	dataset string
	table   string
}

// NewBigQuery creates a BigQuery sink and creates the table, partitioned by
// metric_date, when it does not exist yet.
func NewBigQuery(ctx context.Context, projectID, dataset, table string) (*BigQuery, error) {
	if projectID == "" || dataset == "" {
		return nil, goerr.Wrap(model.ErrInvalidConfig, "bigquery project and dataset are required")
	}
	if table == "" {
		table = DefaultTable
	}

	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	bq := &BigQuery{client: client, dataset: dataset, table: table}
	if err := bq.ensureTable(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return bq, nil
}

func (b *BigQuery) Name() string { return "bigquery" }

// Close closes the underlying client
func (b *BigQuery) Close() error {
	return b.client.Close()
}

func (b *BigQuery) ensureTable(ctx context.Context) error {
	t := b.client.Dataset(b.dataset).Table(b.table)
	_, err := t.Metadata(ctx)
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return goerr.Wrap(err, "failed to get table metadata", goerr.V("dataset", b.dataset), goerr.V("table", b.table))
	}

	schema, err := bigquery.InferSchema(bqRow{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer table schema")
	}
	md := &bigquery.TableMetadata{
		Schema:           schema,
		TimePartitioning: &bigquery.TimePartitioning{Field: "metric_date"},
		Clustering:       &bigquery.Clustering{Fields: []string{"workspace"}},
	}
	if err := t.Create(ctx, md); err != nil {
		return goerr.Wrap(err, "failed to create table", goerr.V("dataset", b.dataset), goerr.V("table", b.table))
	}
	return nil
}

// MergeQuery returns the MERGE statement used to upsert rows into table
func MergeQuery(project, dataset, table string) string {
	cols := []string{
		"conversation_id", "metric_date", "agent_id", "agent_name", "score",
		"explanation", "resolution_status", "rating_source", "tags", "workspace",
		"is_escalation_queue", "escalation_queue_kind", "export_job_id", "synced_at",
	}

	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = S.%s", c, c))
	}
	values := make([]string, len(cols))
	for i, c := range cols {
		values[i] = "S." + c
	}

	return fmt.Sprintf("MERGE `%s.%s.%s` T\n"+
		"USING UNNEST(@rows) S\n"+
		"ON T.conversation_id = S.conversation_id\n"+
		"WHEN MATCHED THEN UPDATE SET %s\n"+
		"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		project, dataset, table,
		strings.Join(sets, ", "),
		strings.Join(cols, ", "),
		strings.Join(values, ", "))
}

func (b *BigQuery) UpsertMetrics(ctx context.Context, records []*model.MetricRecord) error {
	records = prepare(records)
	if len(records) == 0 {
		return nil
	}

	rows := make([]bqRow, len(records))
	for i, r := range records {
		rows[i] = toBQRow(r)
	}

	q := b.client.Query(MergeQuery(b.client.Project(), b.dataset, b.table))
	q.Parameters = []bigquery.QueryParameter{{Name: "rows", Value: rows}}

	job, err := q.Run(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to run merge query", goerr.V("table", b.table))
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to wait for merge query", goerr.V("job_id", job.ID()))
	}
	if err := status.Err(); err != nil {
		return goerr.Wrap(err, "merge query failed", goerr.V("job_id", job.ID()))
	}
	return nil
}
