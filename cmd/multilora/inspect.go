package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/multilora/internal/model"
	"github.com/samcharles93/multilora/internal/peft"
	"github.com/samcharles93/multilora/internal/pretrained"
)

func inspectCmd() *cli.Command {
	var (
		showTensors bool
		tensorLimit int64
		adapterPath string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show base model geometry, weights and adapter metadata",
		ArgsUsage: "[model-dir]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tensors", Usage: "list weight names, dtypes and shapes", Destination: &showTensors},
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "adapter", Usage: "PEFT adapter directory to describe", Destination: &adapterPath},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				dir = fileConfig.ModelDir
			}
			if dir == "" && adapterPath == "" {
				return errors.New("model directory or --adapter is required")
			}
			if dir != "" {
				if err := inspectModel(dir, showTensors, int(tensorLimit)); err != nil {
					return err
				}
			}
			if adapterPath != "" {
				return inspectAdapter(adapterPath)
			}
			return nil
		},
	}
}

func inspectModel(dir string, showTensors bool, limit int) error {
	cfg, err := pretrained.LoadConfig(dir)
	if err != nil {
		return err
	}
	g := model.GeometryFrom(cfg, 0)
	fmt.Printf("model:        %s\n", dir)
	fmt.Printf("type:         %s %v\n", cfg.ModelType, cfg.Architectures)
	fmt.Printf("layers:       %d\n", g.Layers)
	fmt.Printf("hidden:       %d (ffn %d)\n", g.Dim, g.FFN)
	fmt.Printf("heads:        %d (kv %d, head dim %d)\n", g.Heads, g.KVHeads, g.HeadDim)
	fmt.Printf("vocab:        %d\n", g.Vocab)
	fmt.Printf("max seq len:  %d\n", g.MaxSeqLen)
	fmt.Printf("rope theta:   %g\n", g.RopeTheta)
	fmt.Printf("norm eps:     %g\n", g.NormEps)
	if g.PadTokenID >= 0 {
		fmt.Printf("pad token:    %d\n", g.PadTokenID)
	}
	fmt.Printf("tied head:    %t\n", cfg.TieWordEmbeddings)

	ckpt, err := pretrained.OpenCheckpoint(dir)
	if err != nil {
		return err
	}
	defer func() { _ = ckpt.Close() }()
	names := ckpt.Names()
	fmt.Printf("shards:       %d\n", len(ckpt.Shards()))
	fmt.Printf("tensors:      %d\n", len(names))

	if !showTensors {
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\nNAME\tDTYPE\tSHAPE")
	for i, n := range names {
		if limit > 0 && i >= limit {
			_, _ = fmt.Fprintf(tw, "... %d more\t\t\n", len(names)-limit)
			break
		}
		info, _ := ckpt.Info(n)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\n", n, info.DType, info.Shape)
	}
	return tw.Flush()
}

func inspectAdapter(dir string) error {
	a, err := peft.Load(dir)
	if err != nil {
		return err
	}
	cfg := a.Config.AdapterConfig()
	fmt.Printf("\nadapter:      %s\n", dir)
	fmt.Printf("base model:   %s\n", a.Config.BaseModelNameOrPath)
	fmt.Printf("rank:         %d\n", cfg.R)
	fmt.Printf("alpha:        %g (scaling %g)\n", cfg.Alpha, cfg.Scaling())
	fmt.Printf("dropout:      %g\n", cfg.Dropout)
	fmt.Printf("targets:      %v\n", a.Config.TargetModules)
	fmt.Printf("factors:      %d\n", a.Weights.Len())
	return nil
}
