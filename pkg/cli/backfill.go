package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/usecase/backfill"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func backfillCommand(g *globalConfig) *cli.Command {
	var (
		cfg            config
		limit          int64
		conversationID string
		dryRun         bool
		delay          time.Duration
		metricsFile    string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of stored conversations to refresh (0 = all)",
			Destination: &limit,
		},
		&cli.StringFlag{
			Name:        "conversation-id",
			Usage:       "Refresh a single conversation",
			Destination: &conversationID,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "Log planned changes without writing them",
			Destination: &dryRun,
		},
		&cli.DurationFlag{
			Name:        "delay",
			Usage:       "Pause between conversation lookups",
			Value:       backfill.DefaultDelay,
			Destination: &delay,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "Write run metrics in Prometheus textfile format",
			Sources:     cli.EnvVars("CONVSYNC_METRICS_FILE"),
			Destination: &metricsFile,
		},
	}
	flags = append(flags, intercomFlags(&cfg)...)
	flags = append(flags, classifierFlags(&cfg)...)
	flags = append(flags, sinkFlags(&cfg, []string{sinkPostgREST})...)

	return &cli.Command{
		Name:  "backfill",
		Usage: "Refresh tags, classification and metric_date of stored records",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := g.setup(ctx)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			intercom, err := cfg.newIntercom()
			if err != nil {
				return err
			}
			classifier, err := cfg.newClassifier(ctx)
			if err != nil {
				return err
			}
			repo, closeRepo, err := cfg.newBackfillRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			uc := backfill.New(intercom, classifier, repo,
				backfill.WithDelay(delay),
				backfill.WithDryRun(dryRun),
			)
			stats, runErr := uc.Run(ctx, backfill.Options{
				ConversationID: model.ConversationID(conversationID),
				Limit:          int(limit),
			})
			if metricsFile != "" && stats != nil {
				if err := adapter.WriteRunMetrics(metricsFile, stats.Report(runErr == nil, time.Now())); err != nil {
					logging.From(ctx).Warn("failed to write metrics file", "path", metricsFile, "error", err)
				}
			}
			if runErr != nil {
				return goerr.Wrap(runErr, "backfill failed")
			}

			fmt.Printf("%d patched, %d not found, %d failed\n", stats.Patched, stats.NotFound, stats.Failed)
			return nil
		},
	}
}
