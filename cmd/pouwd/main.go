package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"pouw/core/config"
)

var log = logging.Logger("pouwd")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pouwd",
		Usage: "Proof-of-useful-work node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				EnvVars: []string{"POUW_CONFIG"},
				Value:   "~/.pouw/config.toml",
				Usage:   "Read node configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				EnvVars: []string{"POUW_DATA_DIR"},
				Usage:   "Override the data directory",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"GOLOG_LOG_LEVEL"},
				Usage:   "Set the default log level for all loggers to `LEVEL`",
			},
			&cli.StringFlag{
				Name:    "log-level-named",
				EnvVars: []string{"POUW_LOG_LEVEL_NAMED"},
				Usage:   "Comma separated name:level pairs, for example 'pouw/net:debug,pouw/core:info'",
			},
		},
		Before: func(cctx *cli.Context) error {
			return setupLogging(cctx)
		},
		Commands: []*cli.Command{
			runCmd,
			inspectCmd,
		},
	}
}

func setupLogging(cctx *cli.Context) error {
	if lvl := cctx.String("log-level"); lvl != "" {
		if err := logging.SetLogLevel("*", lvl); err != nil {
			return err
		}
	}
	if named := cctx.String("log-level-named"); named != "" {
		for _, pair := range strings.Split(named, ",") {
			name, lvl, ok := strings.Cut(pair, ":")
			if !ok {
				return fmt.Errorf("log level %q is not name:level", pair)
			}
			if err := logging.SetLogLevel(name, lvl); err != nil {
				return fmt.Errorf("logger %s: %w", name, err)
			}
		}
	}
	return nil
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	path, err := expand(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if dir := cctx.String("data-dir"); dir != "" {
		cfg.Node.DataDir = dir
	}
	// an explicit --log-level wins over the file
	if cfg.Log.Level != "" && cctx.String("log-level") == "" {
		if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
