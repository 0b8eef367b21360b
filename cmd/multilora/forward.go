package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/multilora/internal/logger"
	"github.com/samcharles93/multilora/internal/logits"
	"github.com/samcharles93/multilora/internal/lora"
)

func forwardCmd() *cli.Command {
	var (
		rows     []string
		segments []string
		adapters []string
		top      int64
	)

	return &cli.Command{
		Name:  "forward",
		Usage: "Run one multi-adapter batch and print the next token per row",
		// Commas separate token ids inside a row; rows repeat the flag.
		DisableSliceFlagSeparator: true,
		Flags: append(commonModelFlags(),
			&cli.StringSliceFlag{
				Name:        "tokens",
				Aliases:     []string{"t"},
				Usage:       "one batch row of comma separated token ids (repeat per row)",
				Destination: &rows,
			},
			&cli.StringSliceFlag{
				Name:        "segment",
				Usage:       "adapter:start:end row range (empty adapter = base model)",
				Destination: &segments,
			},
			&cli.StringSliceFlag{
				Name:        "adapter",
				Usage:       "name=dir attaches a PEFT adapter before running",
				Destination: &adapters,
			},
			&cli.Int64Flag{
				Name:        "top",
				Usage:       "print the top-k logits at each row's last position",
				Value:       5,
				Destination: &top,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			log := logger.FromContext(ctx)

			tokens, err := parseRows(rows)
			if err != nil {
				return err
			}
			segs, err := parseSegments(segments, len(tokens))
			if err != nil {
				return err
			}

			m, err := loadModel(ctx)
			if err != nil {
				return err
			}
			for _, a := range adapters {
				name, dir, ok := strings.Cut(a, "=")
				if !ok || name == "" || dir == "" {
					return fmt.Errorf("invalid --adapter %q, want name=dir", a)
				}
				if err := attachAdapter(m, AdapterSpec{Name: name, Path: dir}); err != nil {
					return fmt.Errorf("adapter %q: %w", name, err)
				}
			}

			batch := &lora.Batch{Tokens: tokens, Segments: segs, Inference: true}
			start := time.Now()
			out, err := m.Forward(m.NewContext(seed), batch)
			if err != nil {
				return err
			}
			log.Info("forward complete", "batch", batch.ID, "rows", batch.Rows(), "seq", batch.SeqLen(), "took", time.Since(start))

			seq, vocab := out.Dim(1), out.Dim(2)
			for r := range tokens {
				seg, _ := batch.SegmentFor(r)
				last := out.Row(r)[(seq-1)*vocab : seq*vocab]
				ranked := logits.TopK(last, int(top))
				name := seg.Adapter
				if name == "" {
					name = "(base)"
				}
				fmt.Printf("row %d [%s] next=%d", r, name, ranked[0])
				for _, id := range ranked {
					fmt.Printf(" %d:%.4f", id, last[id])
				}
				fmt.Println()
			}
			return nil
		},
	}
}

// parseRows parses "1,2,3" rows into a token batch.
func parseRows(rows []string) ([][]int, error) {
	if len(rows) == 0 {
		return nil, errors.New("at least one --tokens row is required")
	}
	out := make([][]int, len(rows))
	for i, row := range rows {
		for _, f := range strings.Split(row, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid token %q", i, f)
			}
			out[i] = append(out[i], id)
		}
	}
	return out, nil
}

// parseSegments parses "adapter:start:end" ranges. With none given, every
// row runs on the base model.
func parseSegments(specs []string, rows int) ([]lora.Segment, error) {
	if len(specs) == 0 {
		return []lora.Segment{{Start: 0, End: rows}}, nil
	}
	out := make([]lora.Segment, len(specs))
	for i, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid --segment %q, want adapter:start:end", s)
		}
		start, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid --segment %q: %w", s, err)
		}
		end, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid --segment %q: %w", s, err)
		}
		out[i] = lora.Segment{Adapter: parts[0], Start: start, End: end}
	}
	return out, nil
}
