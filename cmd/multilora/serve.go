package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/multilora/internal/api"
	"github.com/samcharles93/multilora/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr           string
		adapterDir     string
		defaultTargets []string
		readTimeout    time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the multi-adapter forward and adapter management API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "adapter-dir",
				Usage:       "directory API adapters are loaded from (path loads are refused without it)",
				Destination: &adapterDir,
			},
			&cli.StringSliceFlag{
				Name:        "default-targets",
				Usage:       "target modules for API adapters that name none",
				Value:       []string{"q_proj", "v_proj"},
				Destination: &defaultTargets,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, fileConfig, &addr, &adapterDir)
			log := logger.FromContext(ctx)

			m, err := loadModel(ctx)
			if err != nil {
				return err
			}
			server := api.NewServer(m, api.Options{
				Logger:         log,
				AdapterDir:     adapterDir,
				DefaultTargets: defaultTargets,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			names := make([]string, 0)
			for _, a := range m.Adapters() {
				names = append(names, a.Name)
			}
			log.Info("starting server", "address", addr, "adapters", names, "adapter_dir", adapterDir)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
