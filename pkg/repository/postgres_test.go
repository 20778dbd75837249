package repository_test

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/repository"
	"github.com/m-mizutani/gt"
	"github.com/pashagolub/pgxmock/v4"
)

const upsertPrefix = `INSERT INTO "conversation_metrics" (conversation_id,metric_date,agent_id,agent_name,score,explanation,resolution_status,rating_source,tags,workspace,is_escalation_queue,escalation_queue_kind,export_job_id,synced_at) VALUES `

const conflictClause = ` ON CONFLICT (conversation_id) DO UPDATE SET metric_date = EXCLUDED.metric_date, agent_id = EXCLUDED.agent_id, agent_name = EXCLUDED.agent_name, score = EXCLUDED.score, explanation = EXCLUDED.explanation, resolution_status = EXCLUDED.resolution_status, rating_source = EXCLUDED.rating_source, tags = EXCLUDED.tags, workspace = EXCLUDED.workspace, is_escalation_queue = EXCLUDED.is_escalation_queue, escalation_queue_kind = EXCLUDED.escalation_queue_kind, export_job_id = EXCLUDED.export_job_id, synced_at = EXCLUDED.synced_at`

func sampleRecord(id string) *model.MetricRecord {
	kind := model.EscalationBilling
	return &model.MetricRecord{
		ConversationID:      model.ConversationID(id),
		MetricDate:          civil.Date{Year: 2023, Month: time.November, Day: 14},
		AgentID:             "123",
		AgentName:           "Alice",
		Score:               model.Ptr(4.68),
		ResolutionStatus:    model.ResolutionStatusDefault,
		RatingSource:        model.RatingSourceAI,
		Tags:                []string{"billing-top-up-issue"},
		Workspace:           model.WorkspaceUnknown,
		IsEscalationQueue:   true,
		EscalationQueueKind: &kind,
		ExportJobID:         "job-1",
		SyncedAt:            time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func recordArgs(id string) []any {
	return []any{
		id,
		time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC),
		"123",
		"Alice",
		pgxmock.AnyArg(),
		pgxmock.AnyArg(),
		model.ResolutionStatusDefault,
		model.RatingSourceAI,
		[]string{"billing-top-up-issue"},
		"Unknown",
		true,
		pgxmock.AnyArg(),
		"job-1",
		time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPostgresUpsertMetrics(t *testing.T) {
	mock, err := pgxmock.NewPool()
	gt.NoError(t, err)
	defer mock.Close()

	repo := repository.NewPostgres(mock, "")
	ctx := context.Background()

	query := regexp.QuoteMeta(upsertPrefix +
		"($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)," +
		"($15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)" +
		conflictClause)
	args := append(recordArgs("500"), recordArgs("501")...)

	// the same batch written twice produces the same statement
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(query).WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 2))
		mock.ExpectCommit()
	}

	for i := 0; i < 2; i++ {
		records := []*model.MetricRecord{sampleRecord("500"), sampleRecord("501")}
		gt.NoError(t, repo.UpsertMetrics(ctx, records))
	}
	gt.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertDedupesBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	gt.NoError(t, err)
	defer mock.Close()

	repo := repository.NewPostgres(mock, "")

	first := sampleRecord("500")
	first.AgentName = "Old"
	second := sampleRecord("500")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertPrefix + "($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)" + conflictClause)).
		WithArgs(recordArgs("500")...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	gt.NoError(t, repo.UpsertMetrics(context.Background(), []*model.MetricRecord{first, second}))
	gt.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertSplitsLargeBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	gt.NoError(t, err)
	defer mock.Close()

	repo := repository.NewPostgres(mock, "")

	// 4681 rows use 65534 parameters, one more would exceed the limit
	records := make([]*model.MetricRecord, 4682)
	for i := range records {
		records[i] = sampleRecord(strconv.Itoa(i))
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertPrefix) + `.*\(\$65521,.*\$65534\)` + regexp.QuoteMeta(conflictClause)).
		WillReturnResult(pgxmock.NewResult("INSERT", 4681))
	mock.ExpectExec(regexp.QuoteMeta(upsertPrefix + "($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)" + conflictClause)).
		WithArgs(recordArgs("4681")...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	gt.NoError(t, repo.UpsertMetrics(context.Background(), records))
	gt.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	gt.NoError(t, err)
	defer mock.Close()

	repo := repository.NewPostgres(mock, "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertPrefix)).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = repo.UpsertMetrics(context.Background(), []*model.MetricRecord{sampleRecord("500")})
	gt.Error(t, err)
	gt.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertEmptyBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	gt.NoError(t, err)
	defer mock.Close()

	gt.NoError(t, repository.NewPostgres(mock, "").UpsertMetrics(context.Background(), nil))
	gt.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListConversationIDs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	gt.NoError(t, err)
	defer mock.Close()

	repo := repository.NewPostgres(mock, "metrics")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT conversation_id FROM "metrics" ORDER BY metric_date DESC, conversation_id LIMIT 2`)).
		WillReturnRows(pgxmock.NewRows([]string{"conversation_id"}).AddRow("501").AddRow("500"))

	ids, err := repo.ListConversationIDs(context.Background(), 2)
	gt.NoError(t, err)
	gt.Equal(t, ids, []model.ConversationID{"501", "500"})
	gt.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPatchMetric(t *testing.T) {
	mock, err := pgxmock.NewPool()
	gt.NoError(t, err)
	defer mock.Close()

	repo := repository.NewPostgres(mock, "")
	ctx := context.Background()
	date := civil.Date{Year: 2023, Month: time.November, Day: 14}

	query := regexp.QuoteMeta(`UPDATE "conversation_metrics" SET tags = $1, workspace = $2, is_escalation_queue = $3, escalation_queue_kind = $4, metric_date = $5 WHERE conversation_id = $6`)
	mock.ExpectExec(query).
		WithArgs([]string{"cmd"}, "CamModelDirectory", false, pgxmock.AnyArg(), time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC), "500").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(query).
		WithArgs([]string{}, "Unknown", false, pgxmock.AnyArg(), pgxmock.AnyArg(), "404").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.PatchMetric(ctx, "500", repository.Patch{
		Classification: model.Classification{Tags: []string{"cmd"}, Workspace: model.WorkspaceCamModelDirectory},
		MetricDate:     &date,
	})
	gt.NoError(t, err)

	err = repo.PatchMetric(ctx, "404", repository.Patch{MetricDate: &date})
	gt.True(t, errors.Is(err, model.ErrNotFound))
	gt.NoError(t, mock.ExpectationsWereMet())
}
