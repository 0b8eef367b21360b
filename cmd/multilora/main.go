package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/multilora/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "multilora",
		Usage: "Serve and manage many LoRA adapters over one frozen base model",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to config.yaml (default ~/.config/multilora/config.yaml)",
				Destination: &configFile,
			},
		}, loggingFlags()...),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inspectCmd(),
			forwardCmd(),
			adapterCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if debug {
		logLevel = "debug"
	}
	log, err := logger.Setup(logger.Options{Level: logLevel, Format: logFormat})
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
