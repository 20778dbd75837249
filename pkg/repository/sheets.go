package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const DefaultSheetsTab = "conversation_metrics"

// SheetColumns is the header row written to an empty tab. Column A holds the
// conversation ID and is used to locate existing rows.
var SheetColumns = []string{
	"conversation_id", "metric_date", "agent_id", "agent_name", "score",
	"explanation", "resolution_status", "rating_source", "tags", "workspace",
	"is_escalation_queue", "escalation_queue_kind", "export_job_id", "synced_at",
}

// Sheets keeps one row per conversation in a spreadsheet tab
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	tab           string
}

// NewSheets creates a Sheets sink. When credentialsFile is empty,
// application default credentials are used.
func NewSheets(ctx context.Context, spreadsheetID, credentialsFile, tab string) (*Sheets, error) {
	if spreadsheetID == "" {
		return nil, goerr.Wrap(model.ErrInvalidConfig, "sheets spreadsheet id is required")
	}
	if tab == "" {
		tab = DefaultSheetsTab
	}

	opts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create sheets service", goerr.V("spreadsheet_id", spreadsheetID))
	}

	return &Sheets{svc: svc, spreadsheetID: spreadsheetID, tab: tab}, nil
}

func (s *Sheets) Name() string { return "sheets" }

// SheetUpdate overwrites one existing row (1-based, as in A1 notation)
type SheetUpdate struct {
	Row    int
	Values []any
}

// SheetPlan is the set of writes needed to upsert a batch into a tab
type SheetPlan struct {
	WriteHeader bool
	Updates     []SheetUpdate
	Appends     [][]any
}

// PlanSheetWrites decides, from the current column A values, which records
// replace existing rows and which are appended.
func PlanSheetWrites(idColumn [][]any, records []*model.MetricRecord) SheetPlan {
	var plan SheetPlan
	if len(idColumn) == 0 {
		plan.WriteHeader = true
	}

	rowOf := make(map[string]int, len(idColumn))
	for i, cells := range idColumn {
		if i == 0 || len(cells) == 0 {
			continue
		}
		id := strings.TrimSpace(fmt.Sprint(cells[0]))
		if id == "" {
			continue
		}
		if _, ok := rowOf[id]; !ok {
			rowOf[id] = i + 1
		}
	}

	for _, r := range records {
		values := sheetRow(r)
		if row, ok := rowOf[string(r.ConversationID)]; ok {
			plan.Updates = append(plan.Updates, SheetUpdate{Row: row, Values: values})
			continue
		}
		plan.Appends = append(plan.Appends, values)
	}
	return plan
}

func sheetRow(r *model.MetricRecord) []any {
	var score, explanation, kind any = "", "", ""
	if r.Score != nil {
		score = *r.Score
	}
	if r.Explanation != nil {
		explanation = *r.Explanation
	}
	if r.EscalationQueueKind != nil {
		kind = string(*r.EscalationQueueKind)
	}

	return []any{
		string(r.ConversationID),
		r.MetricDate.String(),
		r.AgentID,
		r.AgentName,
		score,
		explanation,
		r.ResolutionStatus,
		r.RatingSource,
		strings.Join(r.Tags, ", "),
		string(r.Workspace),
		r.IsEscalationQueue,
		kind,
		r.ExportJobID,
		r.SyncedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Sheets) rangeOf(a1 string) string {
	return fmt.Sprintf("'%s'!%s", s.tab, a1)
}

func (s *Sheets) UpsertMetrics(ctx context.Context, records []*model.MetricRecord) error {
	records = prepare(records)
	if len(records) == 0 {
		return nil
	}

	current, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeOf("A:A")).Context(ctx).Do()
	if err != nil {
		return goerr.Wrap(err, "failed to read id column", goerr.V("tab", s.tab))
	}
	plan := PlanSheetWrites(current.Values, records)

	var data []*sheets.ValueRange
	if plan.WriteHeader {
		header := make([]any, len(SheetColumns))
		for i, c := range SheetColumns {
			header[i] = c
		}
		data = append(data, &sheets.ValueRange{Range: s.rangeOf("A1"), Values: [][]any{header}})
	}
	for _, u := range plan.Updates {
		data = append(data, &sheets.ValueRange{
			Range:  s.rangeOf(fmt.Sprintf("A%d", u.Row)),
			Values: [][]any{u.Values},
		})
	}

	if len(data) > 0 {
		req := &sheets.BatchUpdateValuesRequest{ValueInputOption: "RAW", Data: data}
		if _, err := s.svc.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return goerr.Wrap(err, "failed to update rows", goerr.V("tab", s.tab), goerr.V("updates", len(plan.Updates)))
		}
	}

	if len(plan.Appends) > 0 {
		_, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, s.rangeOf("A:A"), &sheets.ValueRange{Values: plan.Appends}).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		if err != nil {
			return goerr.Wrap(err, "failed to append rows", goerr.V("tab", s.tab), goerr.V("appends", len(plan.Appends)))
		}
	}

	return nil
}
