package model_test

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/gt"
)

func TestRawRowAccessors(t *testing.T) {
	row := model.RawRow{
		"conversation_id":                " 500 ",
		"currently_assigned_teammate_id": "",
		"assignee_id":                    "42",
	}

	v, ok := row.Get("conversation_id")
	gt.True(t, ok)
	gt.Equal(t, v, "500")

	_, ok = row.Get("currently_assigned_teammate_id")
	gt.False(t, ok)

	_, ok = row.Get("missing")
	gt.False(t, ok)

	v, field, ok := row.First("currently_assigned_teammate_id", "currently_assigned_teammate_raw_id", "assignee_id")
	gt.True(t, ok)
	gt.Equal(t, v, "42")
	gt.Equal(t, field, "assignee_id")

	_, _, ok = row.First("nope", "also_nope")
	gt.False(t, ok)

	var nilRow model.RawRow
	_, ok = nilRow.Get("conversation_id")
	gt.False(t, ok)
}

func TestDedupeRecords(t *testing.T) {
	a1 := &model.MetricRecord{ConversationID: "a", AgentName: "first"}
	b := &model.MetricRecord{ConversationID: "b"}
	a2 := &model.MetricRecord{ConversationID: "a", AgentName: "second"}

	out, dropped := model.DedupeRecords([]*model.MetricRecord{a1, b, a2})
	gt.Equal(t, dropped, 1)
	gt.A(t, out).Length(2)
	gt.Equal(t, out[0].ConversationID, model.ConversationID("a"))
	gt.Equal(t, out[0].AgentName, "second")
	gt.Equal(t, out[1].ConversationID, model.ConversationID("b"))
}

func TestMetricRecordValidate(t *testing.T) {
	valid := func() *model.MetricRecord {
		return &model.MetricRecord{
			ConversationID: "500",
			MetricDate:     civil.Date{Year: 2023, Month: time.November, Day: 14},
			Score:          model.Ptr(4.68),
		}
	}

	gt.NoError(t, valid().Validate())

	r := valid()
	r.ConversationID = ""
	gt.Error(t, r.Validate())

	r = valid()
	r.MetricDate = civil.Date{}
	gt.Error(t, r.Validate())

	r = valid()
	r.MetricDate = civil.Date{Year: 10000, Month: time.January, Day: 1}
	gt.Error(t, r.Validate())

	r = valid()
	r.MetricDate = civil.Date{Year: -292275055, Month: time.May, Day: 16}
	gt.Error(t, r.Validate())

	r = valid()
	r.Score = model.Ptr(5.5)
	gt.Error(t, r.Validate())

	r = valid()
	r.EscalationQueueKind = model.Ptr(model.EscalationKind("ceq"))
	gt.Error(t, r.Validate())
}

func TestApplyClassificationDefaults(t *testing.T) {
	r := &model.MetricRecord{ConversationID: "1"}
	r.ApplyClassification(model.Classification{})
	gt.V(t, r.Tags).NotNil()
	gt.A(t, r.Tags).Length(0)
	gt.Equal(t, r.Workspace, model.WorkspaceUnknown)
	gt.False(t, r.IsEscalationQueue)
	gt.Nil(t, r.EscalationQueueKind)
}

func TestWindow(t *testing.T) {
	w, err := model.DateRange("2025-01-01", "2025-01-31")
	gt.NoError(t, err)
	gt.Equal(t, w.Start.Unix(), int64(1735689600))
	gt.Equal(t, w.End.Unix(), int64(1738281600))

	_, err = model.DateRange("2025-01-31", "2025-01-01")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrInvalidConfig))

	_, err = model.DateRange("yesterday", "2025-01-01")
	gt.Error(t, err)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	last := model.LastDays(now, 7)
	gt.Equal(t, last.End, now)
	gt.Equal(t, last.Start, time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC))
	gt.NoError(t, last.Validate())
}
