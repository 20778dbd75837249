package cli

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

// Run executes the command line. Any failure is logged and reported with
// exit code 1.
func Run(ctx context.Context, argv []string) *Error {
	var g globalConfig

	cmd := &cli.Command{
		Name:  "convsync",
		Usage: "Sync Intercom conversation metrics into analytics stores",
		Flags: globalFlags(&g),
		Commands: []*cli.Command{
			syncCommand(&g),
			backfillCommand(&g),
		},
	}

	if err := loadEnvFile(argv); err != nil {
		logging.Default().Error("failed to load env file", "error", err)
		return &Error{Code: 1, Message: err.Error()}
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// loadEnvFile reads --env-file (or .env) into the process environment before
// flags are parsed, so that flag EnvVars sources can see its values.
// Variables already set in the environment win.
func loadEnvFile(argv []string) error {
	path, explicit := envFileArg(argv)
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return goerr.Wrap(err, "failed to read env file", goerr.V("path", path))
	}
	return nil
}

func envFileArg(argv []string) (string, bool) {
	for i, arg := range argv {
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "env-file" {
			continue
		}
		if hasValue {
			return value, true
		}
		if i+1 < len(argv) {
			return argv[i+1], true
		}
	}
	if v := os.Getenv("CONVSYNC_ENV_FILE"); v != "" {
		return v, true
	}
	return ".env", false
}
