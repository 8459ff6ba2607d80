package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/config"
	"github.com/cumulus13/ddf/daemon"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/tui"
	"github.com/mattn/go-isatty"
)

// LogFileName is the daemon's log next to its lock file, used when it has no
// terminal to write to.
const LogFileName = ".ddf_server.log"

// LogLevel picks the level: --debug, else the configured level.
func LogLevel(cfg config.Config, args []string) logger.LogLevel {
	if slices.Contains(args, "--debug") {
		return logger.LevelDebug
	}
	level, _ := logger.ParseLevel(cfg.Log.Level)
	return level
}

// NewLogger returns the process logger. A detached daemon logs to a file; the
// returned closer releases it.
func NewLogger(cfg config.Config, args []string) (logger.Logger, io.Closer) {
	level := LogLevel(cfg, args)
	if slices.Contains(args, daemon.ServerModeFlag) && !isatty.IsTerminal(os.Stderr.Fd()) {
		path := filepath.Join(filepath.Dir(cfg.Server.LockFile), LogFileName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			if level > logger.LevelInfo {
				level = logger.LevelInfo
			}
			return logger.NewWriterLogger(f, level), f
		}
	}
	return logger.NewConsoleLogger(level), noClose{}
}

type noClose struct{}

func (noClose) Close() error { return nil }

// Execute runs the command line args against app and returns the exit code.
func Execute(ctx context.Context, app *App, args []string, stdout, stderr io.Writer) int {
	app.args = args
	cmd := NewRootCommand(app)
	cmd.SetArgs(NormalizeArgs(args))
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var exit *ExitError
		if errors.As(err, &exit) {
			return exit.Code
		}
		tui.ShowError(stderr, "%s", err)
		return 1
	}
	return 0
}

// Main loads the configuration, builds the App and runs args.
func Main(ctx context.Context, args []string, version string) int {
	cfg := config.Load(logger.NewConsoleLogger())
	log, closer := NewLogger(cfg, args)
	defer closer.Close()
	log.Debug("config %s from %q", cfg.Cache, cfg.Source)

	app := NewApp(cfg, log, version)
	defer func() {
		if err := app.Close(); err != nil {
			log.Debug("closing cache: %s", err)
		}
	}()
	return Execute(ctx, app, args, os.Stdout, os.Stderr)
}
