package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/export"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/normalize"
	"github.com/m-mizutani/convsync/pkg/usecase/metricsync"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

type syncOptions struct {
	days              int64
	start             string
	end               string
	noEnrich          bool
	batchSize         int64
	enrichBatchSize   int64
	enrichDelay       time.Duration
	enrichConcurrency int64
	enrichRPS         float64
	dateSource        string
	pollTimeout       time.Duration
	archiveBucket     string
	metricsFile       string
}

// window resolves --start/--end or --days into the export window
func (o *syncOptions) window(now time.Time) (model.Window, error) {
	if o.start != "" || o.end != "" {
		if o.start == "" || o.end == "" {
			return model.Window{}, goerr.Wrap(model.ErrInvalidConfig, "--start and --end must be given together")
		}
		return model.DateRange(o.start, o.end)
	}
	if o.days <= 0 {
		return model.Window{}, goerr.Wrap(model.ErrInvalidConfig, "--days must be positive", goerr.V("days", o.days))
	}
	return model.LastDays(now, int(o.days)), nil
}

func syncCommand(g *globalConfig) *cli.Command {
	var (
		cfg  config
		opts syncOptions
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "days",
			Aliases:     []string{"d"},
			Usage:       "Export the last N days",
			Value:       1,
			Sources:     cli.EnvVars("CONVSYNC_DAYS"),
			Destination: &opts.days,
		},
		&cli.StringFlag{
			Name:        "start",
			Usage:       "Window start date (YYYY-MM-DD, UTC)",
			Destination: &opts.start,
		},
		&cli.StringFlag{
			Name:        "end",
			Usage:       "Window end date (YYYY-MM-DD, UTC, exclusive)",
			Destination: &opts.end,
		},
		&cli.BoolFlag{
			Name:        "no-enrich",
			Usage:       "Skip the per-conversation tag lookup",
			Sources:     cli.EnvVars("CONVSYNC_NO_ENRICH"),
			Destination: &opts.noEnrich,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "Records per upsert batch",
			Value:       metricsync.DefaultBatchSize,
			Sources:     cli.EnvVars("CONVSYNC_BATCH_SIZE"),
			Destination: &opts.batchSize,
		},
		&cli.IntFlag{
			Name:        "enrich-batch-size",
			Usage:       "Conversation lookups between two enrichment pauses",
			Value:       metricsync.DefaultEnrichBatchSize,
			Destination: &opts.enrichBatchSize,
		},
		&cli.DurationFlag{
			Name:        "enrich-delay",
			Usage:       "Pause between enrichment batches",
			Value:       metricsync.DefaultEnrichDelay,
			Destination: &opts.enrichDelay,
		},
		&cli.IntFlag{
			Name:        "enrich-concurrency",
			Usage:       "Parallel conversation lookups within a batch",
			Value:       metricsync.DefaultEnrichConcurrency,
			Destination: &opts.enrichConcurrency,
		},
		&cli.FloatFlag{
			Name:        "enrich-rps",
			Usage:       "Maximum conversation lookups per second (0 = unlimited)",
			Destination: &opts.enrichRPS,
		},
		&cli.StringFlag{
			Name:        "date-source",
			Usage:       "Timestamp preferred for metric_date (started, closed)",
			Value:       string(normalize.DateSourceStarted),
			Sources:     cli.EnvVars("CONVSYNC_DATE_SOURCE"),
			Destination: &opts.dateSource,
		},
		&cli.DurationFlag{
			Name:        "poll-timeout",
			Usage:       "Maximum wait for the export job",
			Value:       export.DefaultPollTimeout,
			Sources:     cli.EnvVars("CONVSYNC_POLL_TIMEOUT"),
			Destination: &opts.pollTimeout,
		},
		&cli.StringFlag{
			Name:        "archive-bucket",
			Usage:       "Cloud Storage bucket receiving raw export payloads",
			Sources:     cli.EnvVars("CONVSYNC_ARCHIVE_BUCKET"),
			Destination: &opts.archiveBucket,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "Write run metrics in Prometheus textfile format",
			Sources:     cli.EnvVars("CONVSYNC_METRICS_FILE"),
			Destination: &opts.metricsFile,
		},
	}
	flags = append(flags, intercomFlags(&cfg)...)
	flags = append(flags, classifierFlags(&cfg)...)
	flags = append(flags, sinkFlags(&cfg, []string{sinkPostgREST})...)

	return &cli.Command{
		Name:  "sync",
		Usage: "Export conversation metrics for a window and upsert them to the sinks",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := g.setup(ctx)
			if err != nil {
				return err
			}

			if err := cfg.validate(); err != nil {
				return err
			}
			window, err := opts.window(time.Now())
			if err != nil {
				return err
			}
			dateSource, err := normalize.ParseDateSource(opts.dateSource)
			if err != nil {
				return err
			}

			// Initialize dependencies
			intercom, err := cfg.newIntercom()
			if err != nil {
				return err
			}
			classifier, err := cfg.newClassifier(ctx)
			if err != nil {
				return err
			}
			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			ucOpts := []metricsync.Option{
				metricsync.WithFields(normalize.DefaultFields().WithDateSource(dateSource)),
				metricsync.WithBatchSize(int(opts.batchSize)),
				metricsync.WithEnrichment(!opts.noEnrich),
				metricsync.WithEnrichBatch(int(opts.enrichBatchSize), opts.enrichDelay),
				metricsync.WithEnrichConcurrency(int(opts.enrichConcurrency)),
				metricsync.WithEnrichRPS(opts.enrichRPS),
			}
			if opts.archiveBucket != "" {
				archive, err := adapter.NewArchive(ctx, opts.archiveBucket)
				if err != nil {
					return err
				}
				ucOpts = append(ucOpts, metricsync.WithArchive(archive))
			}

			exporter := export.New(intercom, export.WithTimeout(opts.pollTimeout))
			uc := metricsync.New(intercom, exporter, classifier, repo, ucOpts...)

			stats, runErr := uc.Run(ctx, window)
			if opts.metricsFile != "" && stats != nil {
				report := stats.Report(runErr == nil, time.Now())
				if err := adapter.WriteRunMetrics(opts.metricsFile, report); err != nil {
					logging.From(ctx).Warn("failed to write metrics file", "path", opts.metricsFile, "error", err)
				}
			}
			if runErr != nil {
				return goerr.Wrap(runErr, "sync failed")
			}

			fmt.Printf("job %s: %d exported, %d skipped, %d persisted, %d warnings\n",
				stats.JobID, stats.Exported, stats.Skipped, stats.Persisted, stats.TotalWarnings())
			return nil
		},
	}
}
