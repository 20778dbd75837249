package repository

import (
	"context"
	"database/sql"
	"embed"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pressly/goose/v3"

	// pgx stdlib driver for database/sql, used by goose
	_ "github.com/jackc/pgx/v5/stdlib"
)

const DefaultTable = "conversation_metrics"

//go:embed migrations/*.sql
var migrationsFS embed.FS
var gooseMu sync.Mutex

// DB is the subset of pgxpool.Pool used by the Postgres sink
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var metricColumns = []string{
	"conversation_id",
	"metric_date",
	"agent_id",
	"agent_name",
	"score",
	"explanation",
	"resolution_status",
	"rating_source",
	"tags",
	"workspace",
	"is_escalation_queue",
	"escalation_queue_kind",
	"export_job_id",
	"synced_at",
}

// maxBindParams is the PostgreSQL limit of parameters in one statement
const maxBindParams = 65535

// maxUpsertRows is the number of records one INSERT statement can carry
var maxUpsertRows = maxBindParams / len(metricColumns)

// Postgres upserts records with INSERT ... ON CONFLICT, one statement per
// batch inside a transaction.
type Postgres struct {
	db    DB
	table string
}

func NewPostgres(db DB, table string) *Postgres {
	if table == "" {
		table = DefaultTable
	}
	return &Postgres{db: db, table: table}
}

// NewPostgresPool opens a connection pool for dsn and checks connectivity
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to connect to postgres")
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations to dsn
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return goerr.Wrap(err, "failed to open db for migrations")
	}
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return goerr.Wrap(err, "failed to set goose dialect")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return goerr.Wrap(err, "failed to apply migrations")
	}
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) tableIdent() string {
	return pgx.Identifier{p.table}.Sanitize()
}

func (p *Postgres) buildUpsert(records []*model.MetricRecord) (string, []any, error) {
	builder := squirrel.
		Insert(p.tableIdent()).
		Columns(metricColumns...).
		PlaceholderFormat(squirrel.Dollar)

	for _, r := range records {
		builder = builder.Values(
			string(r.ConversationID),
			r.MetricDate.In(time.UTC),
			r.AgentID,
			r.AgentName,
			r.Score,
			r.Explanation,
			r.ResolutionStatus,
			r.RatingSource,
			r.Tags,
			string(r.Workspace),
			r.IsEscalationQueue,
			kindString(r.EscalationQueueKind),
			r.ExportJobID,
			r.SyncedAt.UTC(),
		)
	}

	return builder.Suffix(upsertConflictClause()).ToSql()
}

func upsertConflictClause() string {
	sets := make([]string, 0, len(metricColumns)-1)
	for _, c := range metricColumns[1:] {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	return "ON CONFLICT (conversation_id) DO UPDATE SET " + strings.Join(sets, ", ")
}

func (p *Postgres) UpsertMetrics(ctx context.Context, records []*model.MetricRecord) (err error) {
	records = prepare(records)
	if len(records) == 0 {
		return nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// batches beyond the parameter limit are written as several statements
	// in one transaction
	for chunk := range slices.Chunk(records, maxUpsertRows) {
		query, args, err := p.buildUpsert(chunk)
		if err != nil {
			return goerr.Wrap(err, "failed to build upsert query")
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return goerr.Wrap(err, "failed to upsert metrics", goerr.V("table", p.table), goerr.V("count", len(chunk)))
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return goerr.Wrap(err, "failed to commit upsert", goerr.V("table", p.table))
	}
	return nil
}

func (p *Postgres) ListConversationIDs(ctx context.Context, limit int) ([]model.ConversationID, error) {
	builder := squirrel.
		Select("conversation_id").
		From(p.tableIdent()).
		OrderBy("metric_date DESC", "conversation_id").
		PlaceholderFormat(squirrel.Dollar)
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build select query")
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list conversation ids", goerr.V("table", p.table))
	}
	defer rows.Close()

	var ids []model.ConversationID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "failed to scan conversation id")
		}
		ids = append(ids, model.ConversationID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate conversation ids")
	}
	return ids, nil
}

func (p *Postgres) PatchMetric(ctx context.Context, id model.ConversationID, patch Patch) error {
	r := &model.MetricRecord{ConversationID: id}
	r.ApplyClassification(patch.Classification)

	builder := squirrel.
		Update(p.tableIdent()).
		Set("tags", r.Tags).
		Set("workspace", string(r.Workspace)).
		Set("is_escalation_queue", r.IsEscalationQueue).
		Set("escalation_queue_kind", kindString(r.EscalationQueueKind))
	if patch.MetricDate != nil {
		builder = builder.Set("metric_date", patch.MetricDate.In(time.UTC))
	}
	builder = builder.
		Where(squirrel.Eq{"conversation_id": string(id)}).
		PlaceholderFormat(squirrel.Dollar)

	query, args, err := builder.ToSql()
	if err != nil {
		return goerr.Wrap(err, "failed to build update query")
	}

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return goerr.Wrap(err, "failed to patch metric", goerr.V("conversation_id", id))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(model.ErrNotFound, "record not stored", goerr.V("conversation_id", id))
	}
	return nil
}
