package adapter

import (
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "convsync"

// RunReport is the outcome of one CLI run exported as Prometheus metrics
type RunReport struct {
	Command  string
	Counters map[string]int
	Warnings map[string]int
	Success  bool
	Duration time.Duration
	Finished time.Time
}

// WriteRunMetrics writes report to path in the node_exporter textfile format.
// The file is replaced atomically.
func WriteRunMetrics(path string, report RunReport) error {
	reg := prometheus.NewRegistry()

	records := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "run_records",
		Help:      "Number of records per pipeline stage in the last run.",
	}, []string{"command", "stage"})
	warnings := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "run_warnings",
		Help:      "Number of data quality warnings per kind in the last run.",
	}, []string{"command", "kind"})
	success := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "run_success",
		Help:      "1 if the last run succeeded, 0 otherwise.",
	}, []string{"command"})
	duration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of the last run.",
	}, []string{"command"})
	finished := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "run_last_timestamp_seconds",
		Help:      "Unix time the last run finished.",
	}, []string{"command"})

	for _, c := range []prometheus.Collector{records, warnings, success, duration, finished} {
		if err := reg.Register(c); err != nil {
			return goerr.Wrap(err, "failed to register metric")
		}
	}

	for _, stage := range sortedKeys(report.Counters) {
		records.WithLabelValues(report.Command, stage).Set(float64(report.Counters[stage]))
	}
	for _, kind := range sortedKeys(report.Warnings) {
		warnings.WithLabelValues(report.Command, kind).Set(float64(report.Warnings[kind]))
	}
	if report.Success {
		success.WithLabelValues(report.Command).Set(1)
	} else {
		success.WithLabelValues(report.Command).Set(0)
	}
	duration.WithLabelValues(report.Command).Set(report.Duration.Seconds())
	if report.Finished.IsZero() {
		report.Finished = time.Now()
	}
	finished.WithLabelValues(report.Command).Set(float64(report.Finished.Unix()))

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return goerr.Wrap(err, "failed to write metrics file", goerr.V("path", path))
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
