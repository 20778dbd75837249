package cli

import (
	"context"
	"slices"
	"strings"

	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/classify"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/repository"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// Sink names accepted by --sink
const (
	sinkPostgREST = "postgrest"
	sinkPostgres  = "postgres"
	sinkFirestore = "firestore"
	sinkBigQuery  = "bigquery"
	sinkSheets    = "sheets"
	sinkMemory    = "memory"
)

var knownSinks = []string{sinkPostgREST, sinkPostgres, sinkFirestore, sinkBigQuery, sinkSheets, sinkMemory}

// globalConfig holds flags shared by every command
type globalConfig struct {
	logLevel  string
	logFormat string
	envFile   string
}

// config holds source, classifier and sink settings of one command
type config struct {
	// Intercom
	intercomToken   string
	intercomAppID   string
	intercomBaseURL string
	intercomVersion string

	// Classifier
	classifierRules  string
	classifierPolicy string
	prefixEscalation bool

	// Sinks
	sinks              []string
	supabaseURL        string
	supabaseServiceKey string
	supabaseTable      string
	postgresDSN        string
	postgresMigrate    bool
	firestoreProject   string
	firestoreDatabase  string
	firestoreColl      string
	bigqueryProject    string
	bigqueryDataset    string
	bigqueryTable      string
	sheetsID           string
	sheetsCredentials  string
	sheetsTab          string
}

func globalFlags(g *globalConfig) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Aliases:     []string{"l"},
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("CONVSYNC_LOG_LEVEL"),
			Destination: &g.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("CONVSYNC_LOG_FORMAT"),
			Destination: &g.logFormat,
		},
		&cli.StringFlag{
			Name:        "env-file",
			Usage:       "Path to a .env file loaded before reading environment variables",
			Value:       ".env",
			Sources:     cli.EnvVars("CONVSYNC_ENV_FILE"),
			Destination: &g.envFile,
		},
	}
}

// setup builds the logger selected by the global flags and attaches it to ctx
func (g *globalConfig) setup(ctx context.Context) (context.Context, error) {
	format, err := logging.ParseFormat(g.logFormat)
	if err != nil {
		return ctx, goerr.Wrap(model.ErrInvalidConfig, "invalid --log-format", goerr.V("cause", err.Error()))
	}
	logger := logging.New(g.logLevel, nil, logging.WithFormat(format))
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

func intercomFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "intercom-token",
			Usage:       "Intercom access token",
			Sources:     cli.EnvVars("INTERCOM_TOKEN", "INTERCOM_ACCESS_TOKEN"),
			Destination: &cfg.intercomToken,
		},
		&cli.StringFlag{
			Name:        "intercom-app-id",
			Usage:       "Intercom workspace (app) ID used when polling export jobs",
			Value:       adapter.DefaultIntercomAppID,
			Sources:     cli.EnvVars("INTERCOM_APP_ID"),
			Destination: &cfg.intercomAppID,
		},
		&cli.StringFlag{
			Name:        "intercom-base-url",
			Usage:       "Intercom API base URL",
			Value:       adapter.DefaultIntercomBaseURL,
			Sources:     cli.EnvVars("INTERCOM_BASE_URL"),
			Destination: &cfg.intercomBaseURL,
		},
		&cli.StringFlag{
			Name:        "intercom-version",
			Usage:       "Intercom-Version header",
			Value:       adapter.DefaultIntercomVersion,
			Sources:     cli.EnvVars("INTERCOM_VERSION"),
			Destination: &cfg.intercomVersion,
		},
	}
}

func classifierFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "classifier-rules",
			Usage:       "YAML file overriding workspace and escalation keywords",
			Sources:     cli.EnvVars("CONVSYNC_CLASSIFIER_RULES"),
			Destination: &cfg.classifierRules,
		},
		&cli.StringFlag{
			Name:        "classifier-policy",
			Usage:       "Directory of Rego policies (package classify) overriding keyword rules",
			Sources:     cli.EnvVars("CONVSYNC_CLASSIFIER_POLICY"),
			Destination: &cfg.classifierPolicy,
		},
		&cli.BoolFlag{
			Name:        "prefix-escalation-workspace",
			Usage:       "Report escalated records of a known workspace as 360_<Workspace>",
			Sources:     cli.EnvVars("CONVSYNC_PREFIX_ESCALATION_WORKSPACE"),
			Destination: &cfg.prefixEscalation,
		},
	}
}

func sinkFlags(cfg *config, defaultSinks []string) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "sink",
			Usage:       "Destination sink, repeatable (" + strings.Join(knownSinks, ", ") + ")",
			Value:       defaultSinks,
			Sources:     cli.EnvVars("CONVSYNC_SINKS"),
			Destination: &cfg.sinks,
		},
		&cli.StringFlag{
			Name:        "supabase-url",
			Usage:       "Supabase (PostgREST) project URL",
			Sources:     cli.EnvVars("SUPABASE_URL", "VITE_SUPABASE_URL"),
			Destination: &cfg.supabaseURL,
		},
		&cli.StringFlag{
			Name:        "supabase-service-key",
			Usage:       "Supabase service role key",
			Sources:     cli.EnvVars("SUPABASE_SERVICE_ROLE_KEY"),
			Destination: &cfg.supabaseServiceKey,
		},
		&cli.StringFlag{
			Name:        "supabase-table",
			Usage:       "Table written through PostgREST",
			Value:       repository.DefaultTable,
			Sources:     cli.EnvVars("SUPABASE_TABLE"),
			Destination: &cfg.supabaseTable,
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "PostgreSQL connection string",
			Sources:     cli.EnvVars("DATABASE_URL"),
			Destination: &cfg.postgresDSN,
		},
		&cli.BoolFlag{
			Name:        "postgres-migrate",
			Usage:       "Apply schema migrations before writing",
			Sources:     cli.EnvVars("CONVSYNC_POSTGRES_MIGRATE"),
			Destination: &cfg.postgresMigrate,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project of the Firestore sink",
			Sources:     cli.EnvVars("FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "firestore-collection",
			Usage:       "Firestore collection",
			Value:       repository.DefaultFirestoreCollection,
			Sources:     cli.EnvVars("FIRESTORE_COLLECTION"),
			Destination: &cfg.firestoreColl,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project of the BigQuery sink",
			Sources:     cli.EnvVars("BIGQUERY_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset",
			Sources:     cli.EnvVars("BIGQUERY_DATASET_ID"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table",
			Value:       repository.DefaultTable,
			Sources:     cli.EnvVars("BIGQUERY_TABLE_ID"),
			Destination: &cfg.bigqueryTable,
		},
		&cli.StringFlag{
			Name:        "sheets-spreadsheet-id",
			Usage:       "Google Sheets spreadsheet ID",
			Sources:     cli.EnvVars("SHEETS_SPREADSHEET_ID"),
			Destination: &cfg.sheetsID,
		},
		&cli.StringFlag{
			Name:        "sheets-credentials",
			Usage:       "Service account key file for Google Sheets",
			Sources:     cli.EnvVars("GOOGLE_SA_FILE_PATH"),
			Destination: &cfg.sheetsCredentials,
		},
		&cli.StringFlag{
			Name:        "sheets-tab",
			Usage:       "Spreadsheet tab",
			Value:       repository.DefaultSheetsTab,
			Sources:     cli.EnvVars("SHEETS_TAB"),
			Destination: &cfg.sheetsTab,
		},
	}
}

// validate checks every credential the selected source and sinks need, so a
// misconfigured run fails before any network call
func (cfg *config) validate() error {
	if cfg.intercomToken == "" {
		return goerr.Wrap(model.ErrInvalidConfig, "intercom-token is required")
	}
	if len(cfg.sinks) == 0 {
		return goerr.Wrap(model.ErrInvalidConfig, "at least one --sink is required")
	}

	for _, sink := range cfg.sinks {
		var missing []string
		switch sink {
		case sinkPostgREST:
			if cfg.supabaseURL == "" {
				missing = append(missing, "supabase-url")
			}
			if cfg.supabaseServiceKey == "" {
				missing = append(missing, "supabase-service-key")
			}
		case sinkPostgres:
			if cfg.postgresDSN == "" {
				missing = append(missing, "postgres-dsn")
			}
		case sinkFirestore:
			if cfg.firestoreProject == "" {
				missing = append(missing, "firestore-project")
			}
		case sinkBigQuery:
			if cfg.bigqueryProject == "" {
				missing = append(missing, "bigquery-project")
			}
			if cfg.bigqueryDataset == "" {
				missing = append(missing, "bigquery-dataset")
			}
		case sinkSheets:
			if cfg.sheetsID == "" {
				missing = append(missing, "sheets-spreadsheet-id")
			}
		case sinkMemory:
		default:
			return goerr.Wrap(model.ErrInvalidConfig, "unknown sink",
				goerr.V("sink", sink),
				goerr.V("known", knownSinks))
		}
		if len(missing) > 0 {
			return goerr.Wrap(model.ErrInvalidConfig, "sink is missing required flags",
				goerr.V("sink", sink),
				goerr.V("missing", missing))
		}
	}
	return nil
}

// newIntercom creates the Intercom adapter
func (cfg *config) newIntercom() (adapter.Intercom, error) {
	return adapter.NewIntercom(cfg.intercomToken,
		adapter.WithIntercomBaseURL(cfg.intercomBaseURL),
		adapter.WithIntercomVersion(cfg.intercomVersion),
		adapter.WithIntercomAppID(cfg.intercomAppID),
	)
}

// newClassifier creates the tag classifier from rule and policy flags
func (cfg *config) newClassifier(ctx context.Context) (*classify.Classifier, error) {
	opts := []classify.Option{classify.WithEscalationPrefix(cfg.prefixEscalation)}

	if cfg.classifierRules != "" {
		rules, err := classify.LoadRules(cfg.classifierRules)
		if err != nil {
			return nil, err
		}
		opts = append(opts, classify.WithRules(rules))
	}

	if cfg.classifierPolicy != "" {
		policy, err := classify.LoadPolicy(ctx, cfg.classifierPolicy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, classify.WithPolicy(policy))
	}

	return classify.New(opts...), nil
}

// newSink creates one sink by name. The returned function releases its
// clients and is never nil.
func (cfg *config) newSink(ctx context.Context, name string) (repository.Repository, func(), error) {
	noop := func() {}

	switch name {
	case sinkPostgREST:
		repo, err := repository.NewPostgREST(cfg.supabaseURL, cfg.supabaseServiceKey, cfg.supabaseTable)
		return repo, noop, err

	case sinkPostgres:
		if cfg.postgresMigrate {
			if err := repository.Migrate(ctx, cfg.postgresDSN); err != nil {
				return nil, noop, err
			}
		}
		pool, err := repository.NewPostgresPool(ctx, cfg.postgresDSN)
		if err != nil {
			return nil, noop, err
		}
		return repository.NewPostgres(pool, ""), pool.Close, nil

	case sinkFirestore:
		repo, err := repository.NewFirestore(ctx, cfg.firestoreProject, cfg.firestoreDatabase, cfg.firestoreColl)
		if err != nil {
			return nil, noop, err
		}
		return repo, func() { _ = repo.Close() }, nil

	case sinkBigQuery:
		repo, err := repository.NewBigQuery(ctx, cfg.bigqueryProject, cfg.bigqueryDataset, cfg.bigqueryTable)
		if err != nil {
			return nil, noop, err
		}
		return repo, func() { _ = repo.Close() }, nil

	case sinkSheets:
		repo, err := repository.NewSheets(ctx, cfg.sheetsID, cfg.sheetsCredentials, cfg.sheetsTab)
		return repo, noop, err

	case sinkMemory:
		return repository.NewMemory(), noop, nil
	}

	return nil, noop, goerr.Wrap(model.ErrInvalidConfig, "unknown sink", goerr.V("sink", name))
}

// newRepository creates every selected sink, fanned out when more than one
// uniqueSinks drops repeated sink names, keeping the first occurrence
func uniqueSinks(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (cfg *config) newRepository(ctx context.Context) (repository.Repository, func(), error) {
	var (
		sinks   []repository.Repository
		closers []func()
	)
	closeAll := func() {
		for _, c := range slices.Backward(closers) {
			c()
		}
	}

	for _, name := range uniqueSinks(cfg.sinks) {
		sink, closer, err := cfg.newSink(ctx, name)
		if err != nil {
			closeAll()
			return nil, func() {}, goerr.Wrap(err, "failed to create sink", goerr.V("sink", name))
		}
		sinks = append(sinks, sink)
		closers = append(closers, closer)
	}

	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return repository.NewMulti(sinks...), closeAll, nil
}

// newBackfillRepository creates the single sink a backfill patches
func (cfg *config) newBackfillRepository(ctx context.Context) (repository.Backfillable, func(), error) {
	if len(cfg.sinks) != 1 {
		return nil, func() {}, goerr.Wrap(model.ErrInvalidConfig, "backfill needs exactly one --sink", goerr.V("sinks", cfg.sinks))
	}

	repo, closer, err := cfg.newSink(ctx, cfg.sinks[0])
	if err != nil {
		return nil, func() {}, err
	}
	b, ok := repo.(repository.Backfillable)
	if !ok {
		closer()
		return nil, func() {}, goerr.Wrap(model.ErrInvalidConfig, "sink does not support backfill", goerr.V("sink", cfg.sinks[0]))
	}
	return b, closer, nil
}
