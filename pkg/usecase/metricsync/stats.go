package metricsync

import (
	"time"

	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/model"
)

// Stats summarizes one run. It is returned even when the run fails, holding
// the counters reached so far.
type Stats struct {
	RunID        model.RunID
	JobID        string
	Exported     int
	Skipped      int
	Normalized   int
	Duplicates   int
	Enriched     int
	EnrichFailed int
	Invalid      int
	Persisted    int
	Warnings     map[model.WarningKind]int
	Duration     time.Duration
}

func newStats(runID model.RunID) *Stats {
	return &Stats{RunID: runID, Warnings: make(map[model.WarningKind]int)}
}

// TotalWarnings returns the number of warnings of every kind
func (s *Stats) TotalWarnings() int {
	total := 0
	for _, n := range s.Warnings {
		total += n
	}
	return total
}

// Report converts the stats into the metrics written at the end of a run
func (s *Stats) Report(success bool, finished time.Time) adapter.RunReport {
	warnings := make(map[string]int, len(s.Warnings))
	for k, n := range s.Warnings {
		warnings[string(k)] = n
	}

	return adapter.RunReport{
		Command: "sync",
		Counters: map[string]int{
			"exported":      s.Exported,
			"skipped":       s.Skipped,
			"normalized":    s.Normalized,
			"duplicates":    s.Duplicates,
			"enriched":      s.Enriched,
			"enrich_failed": s.EnrichFailed,
			"invalid":       s.Invalid,
			"persisted":     s.Persisted,
		},
		Warnings: warnings,
		Success:  success,
		Duration: s.Duration,
		Finished: finished,
	}
}
