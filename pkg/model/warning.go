package model

type WarningKind string

const (
	WarnTimestampFallback  WarningKind = "timestamp_fallback"
	WarnTimestampSecondary WarningKind = "timestamp_secondary"
	WarnUnresolvedAgent    WarningKind = "unresolved_agent"
	WarnMissingScore       WarningKind = "missing_score"
	WarnInvalidScore       WarningKind = "invalid_score"
	WarnUnclassifiedTags   WarningKind = "unclassified_tags"
	WarnEnrichmentFailed   WarningKind = "enrichment_failed"
	WarnInvalidRecord      WarningKind = "invalid_record"
)

// DataQualityWarning records that a fallback value was used for a record.
// Warnings are logged and counted but never abort a run.
type DataQualityWarning struct {
	ConversationID ConversationID
	Kind           WarningKind
	Field          string
	Detail         string
}
