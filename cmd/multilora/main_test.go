package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/peft"
	"github.com/samcharles93/multilora/internal/pretrained/pretrainedtest"
)

func resetGlobals(t *testing.T) {
	t.Helper()
	configFile, fileConfig, modelDir = "", Config{}, ""
	quantMode, quantType, doubleQuant, dtype = "none", "nf4", false, "f32"
	threads, maxSeqLen, seed = 0, 0, 0
	logLevel, logFormat, debug = "info", "pretty", false
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:   "multilora",
		Flags:  append([]cli.Flag{&cli.StringFlag{Name: "config", Destination: &configFile}}, loggingFlags()...),
		Before: setup,
		Commands: []*cli.Command{
			inspectCmd(),
			forwardCmd(),
			adapterCmd(),
			versionCmd(),
		},
	}
}

func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := pretrainedtest.TinyConfig()
	pretrainedtest.WriteCheckpoint(t, dir, cfg, pretrainedtest.Weights(cfg, 1), 1)
	return dir
}

func TestLoadConfig(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
model_dir: /models/tiny
quant: 4bit
double_quant: true
seed: 7
adapters:
  - name: chat
    r: 8
    alpha: 16
    target_modules: [q_proj, v_proj]
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ModelDir != "/models/tiny" || cfg.Quant != "4bit" || cfg.DoubleQuant == nil || !*cfg.DoubleQuant {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Seed == nil || *cfg.Seed != 7 {
		t.Fatalf("seed = %v", cfg.Seed)
	}
	if len(cfg.Adapters) != 1 || cfg.Adapters[0].R != 8 || len(cfg.Adapters[0].TargetModules) != 2 {
		t.Fatalf("adapters = %+v", cfg.Adapters)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("quant: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyModelConfigKeepsExplicitFlags(t *testing.T) {
	resetGlobals(t)
	s := uint64(9)
	cfg := Config{ModelDir: "/from/config", Quant: "8bit", Seed: &s}

	cmd := &cli.Command{
		Name:  "x",
		Flags: commonModelFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, cfg)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"x", "--quant", "4bit"}); err != nil {
		t.Fatal(err)
	}
	if modelDir != "/from/config" {
		t.Fatalf("modelDir = %q", modelDir)
	}
	if quantMode != "4bit" {
		t.Fatalf("explicit --quant overridden: %q", quantMode)
	}
	if seed != 9 {
		t.Fatalf("seed = %d", seed)
	}
}

func TestParseHelpers(t *testing.T) {
	rows, err := parseRows([]string{"1, 2,3", "4,5,6"})
	if err != nil || len(rows) != 2 || rows[0][1] != 2 {
		t.Fatalf("parseRows = %v, %v", rows, err)
	}
	if _, err := parseRows([]string{"1,x"}); err == nil {
		t.Fatal("expected invalid token error")
	}

	segs, err := parseSegments([]string{"chat:0:1", ":1:2"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []lora.Segment{{Adapter: "chat", Start: 0, End: 1}, {Adapter: "", Start: 1, End: 2}}
	if len(segs) != 2 || segs[0] != want[0] || segs[1] != want[1] {
		t.Fatalf("parseSegments = %+v", segs)
	}
	if segs, _ := parseSegments(nil, 3); len(segs) != 1 || segs[0].End != 3 {
		t.Fatalf("default segment = %+v", segs)
	}
	if _, err := parseSegments([]string{"chat:0"}, 1); err == nil {
		t.Fatal("expected malformed segment error")
	}

	if got := parseTargets("all"); len(got) != 7 {
		t.Fatalf("parseTargets(all) = %v", got)
	}
	if got := parseTargets("q_proj, w2_proj"); !got["q_proj"] || !got["w2_proj"] {
		t.Fatalf("parseTargets = %v", got)
	}
}

func TestForwardTokensKeepCommasWithinRow(t *testing.T) {
	resetGlobals(t)
	cmd := forwardCmd()
	var got []string
	cmd.Action = func(_ context.Context, c *cli.Command) error {
		got = c.StringSlice("tokens")
		return nil
	}
	app := &cli.Command{Name: "multilora", Commands: []*cli.Command{cmd}}
	if err := app.Run(context.Background(), []string{"multilora", "forward", "--tokens", "1,2,3", "-t", "4,5,6"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows, err := parseRows(got)
	if err != nil {
		t.Fatalf("parseRows: %v", err)
	}
	if len(rows) != 2 || len(rows[0]) != 3 || rows[1][2] != 6 {
		t.Fatalf("rows = %v", rows)
	}
}

func TestAdapterInitAndForward(t *testing.T) {
	resetGlobals(t)
	dir := writeModel(t)
	out := filepath.Join(t.TempDir(), "chat")

	args := []string{"multilora", "--log-level", "error", "adapter", "init",
		"--model", dir, "--name", "chat", "--r", "4", "--alpha", "8", "--targets", "q_proj,w3_proj", "--out", out, "--seed", "3"}
	if err := newApp().Run(context.Background(), args); err != nil {
		t.Fatalf("adapter init: %v", err)
	}
	a, err := peft.Load(out)
	if err != nil {
		t.Fatalf("load saved adapter: %v", err)
	}
	if a.Config.R != 4 || a.Config.LoraAlpha != 8 {
		t.Fatalf("saved config = %+v", a.Config)
	}
	if want := 2 * 2 * 2; a.Weights.Len() != want {
		t.Fatalf("saved %d factors, want %d", a.Weights.Len(), want)
	}

	resetGlobals(t)
	args = []string{"multilora", "--log-level", "error", "forward", "--model", dir,
		"--adapter", "chat=" + out, "--tokens", "1,2,3", "--tokens", "1,2,3",
		"--segment", "chat:0:1", "--segment", ":1:2", "--top", "3"}
	if err := newApp().Run(context.Background(), args); err != nil {
		t.Fatalf("forward: %v", err)
	}

	resetGlobals(t)
	if err := newApp().Run(context.Background(), []string{"multilora", "inspect", "--tensors", "--adapter", out, dir}); err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func TestConfigAdaptersAttachOnLoad(t *testing.T) {
	resetGlobals(t)
	modelDir = writeModel(t)
	fileConfig = Config{Adapters: []AdapterSpec{
		{Name: "fresh", R: 2, Alpha: 2, TargetModules: []string{"k_proj"}},
		{Name: "defaults", R: 1, Alpha: 1},
	}}
	m, err := loadModel(context.Background())
	if err != nil {
		t.Fatalf("loadModel: %v", err)
	}
	infos := m.Adapters()
	if len(infos) != 2 {
		t.Fatalf("attached %d adapters, want 2", len(infos))
	}
	if got := infos[0]; got.Name != "defaults" || len(got.Projections) != 2 {
		t.Fatalf("defaults adapter = %+v", got)
	}
}

func TestConfigAdapterOverridesMergeWithSavedConfig(t *testing.T) {
	resetGlobals(t)
	modelDir = writeModel(t)
	m, err := loadModel(context.Background())
	if err != nil {
		t.Fatalf("loadModel: %v", err)
	}
	if err := m.InitAdapter("src", lora.AdapterConfig{R: 2, Alpha: 2, Dropout: 0.1}, map[string]bool{"v_proj": true}, nil); err != nil {
		t.Fatalf("InitAdapter: %v", err)
	}
	a, err := peft.FromModel(m, "src", "tiny")
	if err != nil {
		t.Fatalf("FromModel: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "src")
	if err := peft.Save(dir, a); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := attachAdapter(m, AdapterSpec{Name: "tuned", Alpha: 6, Path: dir}); err != nil {
		t.Fatalf("attachAdapter: %v", err)
	}
	info, ok := m.Adapter("tuned")
	if !ok {
		t.Fatal("adapter not attached")
	}
	if want := (lora.AdapterConfig{R: 2, Alpha: 6, Dropout: 0.1}); info.Config != want {
		t.Fatalf("config = %+v, want %+v", info.Config, want)
	}
}
