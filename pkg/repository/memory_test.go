package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/repository"
	"github.com/m-mizutani/gt"
)

func TestMemoryUpsertIdempotent(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	records := []*model.MetricRecord{sampleRecord("500"), sampleRecord("501")}
	gt.NoError(t, repo.UpsertMetrics(ctx, records))
	first, ok := repo.Get("500")
	gt.True(t, ok)

	gt.NoError(t, repo.UpsertMetrics(ctx, records))
	second, ok := repo.Get("500")
	gt.True(t, ok)

	gt.Equal(t, repo.Len(), 2)
	gt.Equal(t, repo.Writes(), 2)
	gt.Equal(t, first, second)
}

func TestMemoryUpsertLastWins(t *testing.T) {
	repo := repository.NewMemory()

	old := sampleRecord("500")
	old.AgentName = "Old"
	gt.NoError(t, repo.UpsertMetrics(context.Background(), []*model.MetricRecord{old, sampleRecord("500")}))

	got, ok := repo.Get("500")
	gt.True(t, ok)
	gt.Equal(t, got.AgentName, "Alice")
	gt.Equal(t, repo.Len(), 1)
}

func TestMemoryDefaults(t *testing.T) {
	repo := repository.NewMemory()

	r := sampleRecord("500")
	r.Tags = nil
	r.Workspace = ""
	gt.NoError(t, repo.UpsertMetrics(context.Background(), []*model.MetricRecord{r}))

	got, _ := repo.Get("500")
	gt.Equal(t, got.Tags, []string{})
	gt.Equal(t, got.Workspace, model.WorkspaceUnknown)
}

func TestMemoryListAndPatch(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	older := sampleRecord("400")
	older.MetricDate = civil.Date{Year: 2023, Month: time.October, Day: 1}
	gt.NoError(t, repo.UpsertMetrics(ctx, []*model.MetricRecord{older, sampleRecord("501"), sampleRecord("500")}))

	ids, err := repo.ListConversationIDs(ctx, 0)
	gt.NoError(t, err)
	gt.Equal(t, ids, []model.ConversationID{"500", "501", "400"})

	ids, err = repo.ListConversationIDs(ctx, 1)
	gt.NoError(t, err)
	gt.Equal(t, ids, []model.ConversationID{"500"})

	date := civil.Date{Year: 2023, Month: time.November, Day: 2}
	gt.NoError(t, repo.PatchMetric(ctx, "400", repository.Patch{
		Classification: model.Classification{Tags: []string{"skyprivate"}, Workspace: model.WorkspaceSkyPrivate},
		MetricDate:     &date,
	}))
	got, _ := repo.Get("400")
	gt.Equal(t, got.Workspace, model.WorkspaceSkyPrivate)
	gt.Equal(t, got.MetricDate, date)
	gt.False(t, got.IsEscalationQueue)
	gt.Nil(t, got.EscalationQueueKind)

	err = repo.PatchMetric(ctx, "404", repository.Patch{})
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }

func (failingSink) UpsertMetrics(ctx context.Context, records []*model.MetricRecord) error {
	return errors.New("unavailable")
}

func TestMultiFansOut(t *testing.T) {
	a, b := repository.NewMemory(), repository.NewMemory()
	multi := repository.NewMulti(a, b)

	gt.Equal(t, multi.Name(), "memory,memory")
	gt.NoError(t, multi.UpsertMetrics(context.Background(), []*model.MetricRecord{sampleRecord("500")}))
	gt.Equal(t, a.Len(), 1)
	gt.Equal(t, b.Len(), 1)
}

func TestMultiStopsAtFirstFailure(t *testing.T) {
	after := repository.NewMemory()
	multi := repository.NewMulti(failingSink{}, after)

	err := multi.UpsertMetrics(context.Background(), []*model.MetricRecord{sampleRecord("500")})
	gt.Error(t, err)
	gt.Equal(t, after.Len(), 0)
}
