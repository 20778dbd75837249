package repository_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/repository"
	"github.com/m-mizutani/gt"
)

func TestPlanSheetWritesEmptyTab(t *testing.T) {
	plan := repository.PlanSheetWrites(nil, []*model.MetricRecord{sampleRecord("500")})

	gt.True(t, plan.WriteHeader)
	gt.A(t, plan.Updates).Length(0)
	gt.A(t, plan.Appends).Length(1)

	row := plan.Appends[0]
	gt.A(t, row).Length(len(repository.SheetColumns))
	gt.Equal(t, row[0], any("500"))
	gt.Equal(t, row[1], any("2023-11-14"))
	gt.Equal(t, row[4], any(4.68))
	gt.Equal(t, row[8], any("billing-top-up-issue"))
	gt.Equal(t, row[11], any("billing"))
	gt.Equal(t, row[13], any("2025-01-02T03:04:05Z"))
}

func TestPlanSheetWritesUpdatesExistingRows(t *testing.T) {
	column := [][]any{
		{"conversation_id"},
		{"400"},
		{},
		{"500"},
	}
	noScore := sampleRecord("600")
	noScore.Score = nil
	noScore.EscalationQueueKind = nil

	plan := repository.PlanSheetWrites(column, []*model.MetricRecord{sampleRecord("500"), noScore})

	gt.False(t, plan.WriteHeader)
	gt.A(t, plan.Updates).Length(1)
	gt.Equal(t, plan.Updates[0].Row, 4)
	gt.Equal(t, plan.Updates[0].Values[0], any("500"))

	gt.A(t, plan.Appends).Length(1)
	gt.Equal(t, plan.Appends[0][0], any("600"))
	gt.Equal(t, plan.Appends[0][4], any(""))
	gt.Equal(t, plan.Appends[0][11], any(""))
}

func TestPlanSheetWritesIgnoresHeaderMatch(t *testing.T) {
	column := [][]any{{"500"}}
	plan := repository.PlanSheetWrites(column, []*model.MetricRecord{sampleRecord("500")})

	gt.False(t, plan.WriteHeader)
	gt.A(t, plan.Updates).Length(0)
	gt.A(t, plan.Appends).Length(1)
}

func TestSheetsUpsertMetrics(t *testing.T) {
	spreadsheetID := os.Getenv("TEST_SHEETS_SPREADSHEET_ID")
	if spreadsheetID == "" {
		t.Skip("TEST_SHEETS_SPREADSHEET_ID must be set to run Sheets tests")
	}

	ctx := context.Background()
	repo, err := repository.NewSheets(ctx, spreadsheetID, os.Getenv("TEST_SHEETS_CREDENTIALS"), os.Getenv("TEST_SHEETS_TAB"))
	gt.NoError(t, err)

	records := []*model.MetricRecord{sampleRecord("sheet-500")}
	gt.NoError(t, repo.UpsertMetrics(ctx, records))
	gt.NoError(t, repo.UpsertMetrics(ctx, records))
}
