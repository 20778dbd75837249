package normalize

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Fields lists the export columns read for each record attribute. Candidate
// lists are tried in order and the first non-blank value wins.
type Fields struct {
	ConversationID string
	Date           []string
	Agent          []string
	Score          []string
	Explanation    string
	Status         string
	Tags           string
}

// DefaultFields returns the column names of the conversation reporting dataset
func DefaultFields() Fields {
	return Fields{
		ConversationID: "conversation_id",
		Date:           []string{"conversation_started_at", "conversation_last_closed_at"},
		Agent:          []string{"currently_assigned_teammate_id", "currently_assigned_teammate_raw_id", "assignee_id"},
		Score:          []string{"ai_cx_score_rating", "conversation_rating", "fin_ai_agent_rating"},
		Explanation:    "ai_cx_score_explanation",
		Status:         "conversation_state",
		Tags:           "tags",
	}
}

// AttributeIDs returns every column the normalizer reads, used as the
// attribute list of the export request.
func (f Fields) AttributeIDs() []string {
	var ids []string
	seen := map[string]bool{}
	add := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				ids = append(ids, n)
			}
		}
	}
	add(f.ConversationID)
	add(f.Date...)
	add(f.Agent...)
	add(f.Score...)
	add(f.Explanation, f.Status)
	return ids
}

type DateSource string

const (
	DateSourceStarted DateSource = "started"
	DateSourceClosed  DateSource = "closed"
)

// ParseDateSource validates a --date-source value
func ParseDateSource(s string) (DateSource, error) {
	switch DateSource(strings.ToLower(strings.TrimSpace(s))) {
	case "", DateSourceStarted:
		return DateSourceStarted, nil
	case DateSourceClosed:
		return DateSourceClosed, nil
	default:
		return "", goerr.Wrap(model.ErrInvalidConfig, "unknown date source", goerr.V("date_source", s))
	}
}

// WithDateSource returns a copy of f whose date candidates start with the
// column of src.
func (f Fields) WithDateSource(src DateSource) Fields {
	if src == DateSourceClosed {
		f.Date = []string{"conversation_last_closed_at", "conversation_started_at"}
	} else {
		f.Date = []string{"conversation_started_at", "conversation_last_closed_at"}
	}
	return f
}

// Classifier derives the tag-based part of a record
type Classifier interface {
	Classify(tags []string) model.Classification
}

// Normalizer turns raw export rows into canonical records
type Normalizer struct {
	fields     Fields
	resolver   *IdentityResolver
	classifier Classifier
	now        func() time.Time
}

type Option func(*Normalizer)

func WithFields(f Fields) Option {
	return func(n *Normalizer) {
		n.fields = f
	}
}

// WithClassifier enables classification of an inline tags column
func WithClassifier(c Classifier) Option {
	return func(n *Normalizer) {
		n.classifier = c
	}
}

// WithClock overrides the clock used for the ingestion-date fallback
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

func New(directory model.Directory, opts ...Option) *Normalizer {
	n := &Normalizer{
		fields:   DefaultFields(),
		resolver: NewIdentityResolver(directory),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one row. ok is false only when the row has no
// conversation_id; every other defect is repaired with a fallback value and
// reported as a warning.
func (n *Normalizer) Normalize(ctx context.Context, row model.RawRow) (*model.MetricRecord, []model.DataQualityWarning, bool) {
	idValue, found := row.Get(n.fields.ConversationID)
	if !found {
		return nil, nil, false
	}
	id := model.ConversationID(idValue)

	var warnings []model.DataQualityWarning
	warn := func(kind model.WarningKind, field, detail string) {
		warnings = append(warnings, model.DataQualityWarning{
			ConversationID: id,
			Kind:           kind,
			Field:          field,
			Detail:         detail,
		})
	}

	record := &model.MetricRecord{
		ConversationID:   id,
		ResolutionStatus: model.ResolutionStatusDefault,
		RatingSource:     model.RatingSourceNone,
	}

	// metric_date
	date, field, ok := n.parseDate(row)
	switch {
	case !ok:
		date = civil.DateOf(n.now().UTC())
		warn(model.WarnTimestampFallback, strings.Join(n.fields.Date, ","), "no parseable timestamp, using ingestion date")
	case len(n.fields.Date) > 0 && field != n.fields.Date[0]:
		warn(model.WarnTimestampSecondary, field, "primary timestamp missing or invalid")
	}
	record.MetricDate = date

	// agent
	agentID, agentField, _ := row.First(n.fields.Agent...)
	record.AgentID = agentID
	name, resolved := n.resolver.Resolve(agentID)
	record.AgentName = name
	if !resolved {
		warn(model.WarnUnresolvedAgent, agentField, agentID)
	}

	// score
	if raw, scoreField, ok := row.First(n.fields.Score...); ok {
		if score, valid := NormalizeScore(raw); valid {
			record.Score = score
			record.RatingSource = model.RatingSourceAI
			logging.From(ctx).Debug("score field selected", "conversation_id", id, "field", scoreField)
		} else {
			warn(model.WarnInvalidScore, scoreField, raw)
		}
	} else {
		warn(model.WarnMissingScore, strings.Join(n.fields.Score, ","), "")
	}

	if v, ok := row.Get(n.fields.Explanation); ok {
		redacted := Redact(v)
		record.Explanation = &redacted
	}
	if v, ok := row.Get(n.fields.Status); ok {
		record.ResolutionStatus = v
	}

	// classification
	var cls model.Classification
	if raw, ok := row.Get(n.fields.Tags); ok && n.classifier != nil {
		tags := ParseTags(raw)
		cls = n.classifier.Classify(tags)
		if len(tags) > 0 && cls.Workspace == model.WorkspaceUnknown {
			warn(model.WarnUnclassifiedTags, n.fields.Tags, strings.Join(tags, ","))
		}
	}
	record.ApplyClassification(cls)

	return record, warnings, true
}

func (n *Normalizer) parseDate(row model.RawRow) (civil.Date, string, bool) {
	for _, field := range n.fields.Date {
		v, ok := row.Get(field)
		if !ok {
			continue
		}
		if d, ok := ParseDate(v); ok {
			return d, field, true
		}
	}
	return civil.Date{}, "", false
}

// ParseTags reads a tags cell that is either a JSON array of strings or a
// comma/semicolon separated list.
func ParseTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}

	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return compactTags(list)
		}
	}

	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	})
	return compactTags(parts)
}

func compactTags(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
