package model

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/goerr/v2"
)

type ConversationID string

type Workspace string

const (
	WorkspaceSkyPrivate        Workspace = "SkyPrivate"
	WorkspaceCamModelDirectory Workspace = "CamModelDirectory"
	WorkspaceUnknown           Workspace = "Unknown"
)

// EscalationPrefix is prepended to the workspace of escalated records when
// prefixed workspaces are enabled, e.g. "360_SkyPrivate".
const EscalationPrefix = "360_"

type EscalationKind string

const (
	EscalationBilling         EscalationKind = "billing"
	EscalationComplaintReview EscalationKind = "complaint-review"
	EscalationBoth            EscalationKind = "both"
)

// Validate checks if the escalation kind is one of the known values
func (k EscalationKind) Validate() error {
	switch k {
	case EscalationBilling, EscalationComplaintReview, EscalationBoth:
		return nil
	default:
		return goerr.New("invalid escalation kind", goerr.V("kind", k))
	}
}

const (
	AgentUnassigned = "Unassigned"

	ResolutionStatusDefault = "completed"

	RatingSourceAI   = "ai"
	RatingSourceNone = "none"
)

// MetricRecord is the canonical, persisted shape of one exported conversation
type MetricRecord struct {
	ConversationID   ConversationID `json:"conversation_id"`
	MetricDate       civil.Date     `json:"metric_date"`
	AgentID          string         `json:"agent_id"`
	AgentName        string         `json:"agent_name"`
	Score            *float64       `json:"score"`
	Explanation      *string        `json:"explanation"`
	ResolutionStatus string         `json:"resolution_status"`
	RatingSource     string         `json:"rating_source"`

	Tags                []string        `json:"tags"`
	Workspace           Workspace       `json:"workspace"`
	IsEscalationQueue   bool            `json:"is_escalation_queue"`
	EscalationQueueKind *EscalationKind `json:"escalation_queue_kind"`

	ExportJobID string    `json:"export_job_id"`
	SyncedAt    time.Time `json:"synced_at"`
}

// Validate checks the fields every persisted record must carry
func (r *MetricRecord) Validate() error {
	if r.ConversationID == "" {
		return goerr.New("conversation_id is empty")
	}
	if !r.MetricDate.IsValid() || r.MetricDate.Year < 1 || r.MetricDate.Year > 9999 {
		return goerr.New("metric_date is invalid",
			goerr.V("conversation_id", r.ConversationID),
			goerr.V("metric_date", r.MetricDate.String()))
	}
	if r.Score != nil && (*r.Score < 1.0 || *r.Score > 5.0) {
		return goerr.New("score out of range",
			goerr.V("conversation_id", r.ConversationID),
			goerr.V("score", *r.Score))
	}
	if r.EscalationQueueKind != nil {
		if err := r.EscalationQueueKind.Validate(); err != nil {
			return goerr.Wrap(err, "invalid escalation_queue_kind", goerr.V("conversation_id", r.ConversationID))
		}
	}
	return nil
}

// Classification is the tag-derived part of a record
type Classification struct {
	Tags         []string
	Workspace    Workspace
	IsEscalation bool
	Kind         *EscalationKind
}

// ApplyClassification overwrites the tag-derived fields of the record
func (r *MetricRecord) ApplyClassification(c Classification) {
	r.Tags = c.Tags
	if r.Tags == nil {
		r.Tags = []string{}
	}
	r.Workspace = c.Workspace
	if r.Workspace == "" {
		r.Workspace = WorkspaceUnknown
	}
	r.IsEscalationQueue = c.IsEscalation
	r.EscalationQueueKind = c.Kind
}

// DedupeRecords keeps the last record for each conversation ID, preserving
// the position of its first occurrence. It returns the number of dropped
// duplicates.
func DedupeRecords(records []*MetricRecord) ([]*MetricRecord, int) {
	index := make(map[ConversationID]int, len(records))
	out := make([]*MetricRecord, 0, len(records))
	for _, r := range records {
		if i, ok := index[r.ConversationID]; ok {
			out[i] = r
			continue
		}
		index[r.ConversationID] = len(out)
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
