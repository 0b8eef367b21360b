package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/multilora/internal/logger"
	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/model"
	"github.com/samcharles93/multilora/internal/peft"
)

func adapterCmd() *cli.Command {
	return &cli.Command{
		Name:  "adapter",
		Usage: "Create and manage PEFT adapters",
		Commands: []*cli.Command{
			adapterInitCmd(),
		},
	}
}

func adapterInitCmd() *cli.Command {
	var (
		name    string
		out     string
		rank    int64
		alpha   float64
		dropout float64
		targets string
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Initialise a fresh adapter for a base model and save it in PEFT layout",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{Name: "name", Usage: "adapter name", Value: "default", Destination: &name},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Destination: &out},
			&cli.Int64Flag{Name: "r", Usage: "adapter rank", Value: 8, Destination: &rank},
			&cli.Float64Flag{Name: "alpha", Usage: "scaling numerator (scaling = alpha / r)", Value: 16, Destination: &alpha},
			&cli.Float64Flag{Name: "dropout", Usage: "dropout on the adapter path during training", Value: 0.05, Destination: &dropout},
			&cli.StringFlag{Name: "targets", Usage: "comma separated target modules (or \"all\")", Value: "q_proj,v_proj", Destination: &targets},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			if out == "" {
				return errors.New("--out is required")
			}
			log := logger.FromContext(ctx)

			m, err := loadModel(ctx)
			if err != nil {
				return err
			}
			cfg := lora.AdapterConfig{R: int(rank), Alpha: float32(alpha), Dropout: float32(dropout)}
			if err := m.InitAdapter(name, cfg, parseTargets(targets), nil); err != nil {
				return err
			}
			a, err := peft.FromModel(m, name, modelDir)
			if err != nil {
				return err
			}
			if err := peft.Save(out, a); err != nil {
				return fmt.Errorf("save adapter: %w", err)
			}
			info, _ := m.Adapter(name)
			log.Info("adapter saved", "adapter", name, "dir", out, "parameters", info.Parameters, "projections", info.Projections)
			return nil
		},
	}
}

func parseTargets(s string) model.Targets {
	if strings.EqualFold(strings.TrimSpace(s), "all") {
		return model.AllTargets()
	}
	var modules []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			modules = append(modules, f)
		}
	}
	return model.TargetsFrom(modules)
}
