package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/reikooters/kerything/internal/kerservice"
	"github.com/reikooters/kerything/pkg/config"
	"github.com/reikooters/kerything/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// CLI is the root command structure for the kerything indexing daemon.
type CLI struct {
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`
	Run      RunCmd `cmd:"" help:"Run the indexing daemon"`
}

// RunCmd starts the daemon: sqlite catalogue, pebble index-snapshot
// store, job supervisor, watch supervisor, and the D-Bus export, all
// wired together with fx the way the teacher wires pkg/db, pkg/btrfs,
// and pkg/api together for its web UI command.
type RunCmd struct{}

func (c *RunCmd) Run(cli *CLI) error {
	app := fx.New(
		fx.Provide(
			func() *config.Config {
				cfg := config.New()
				cfg.LogLevel = cli.LogLevel
				return cfg
			},
			provideLogger,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		db.Module,
		kerservice.Module,
	)

	app.Run()
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("kerythingd"),
		kong.Description("Local file-name search daemon"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return makeLogger(cfg.LogLevel)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
