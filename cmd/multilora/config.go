package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/multilora/internal/logger"
	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/model"
	"github.com/samcharles93/multilora/internal/peft"
	"github.com/samcharles93/multilora/internal/quant"
	"github.com/samcharles93/multilora/internal/tensor"
)

// Config represents the multilora configuration file
// (~/.config/multilora/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	ModelDir string `yaml:"model_dir"`

	// Quantization and device
	Quant       string  `yaml:"quant"`
	QuantType   string  `yaml:"quant_type"`
	DoubleQuant *bool   `yaml:"double_quant"`
	DType       string  `yaml:"dtype"`
	Threads     *int64  `yaml:"threads"`
	MaxSeqLen   *int64  `yaml:"max_seq_len"`
	Seed        *uint64 `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	AdapterDir    string `yaml:"adapter_dir"`

	// Adapters attached at startup.
	Adapters []AdapterSpec `yaml:"adapters"`
}

// AdapterSpec attaches one adapter, fresh or from a PEFT directory.
type AdapterSpec struct {
	Name          string   `yaml:"name"`
	R             int      `yaml:"r"`
	Alpha         float32  `yaml:"alpha"`
	Dropout       float32  `yaml:"dropout"`
	TargetModules []string `yaml:"target_modules"`
	Path          string   `yaml:"path"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "multilora", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyModelConfig applies config file defaults to the model flags that were
// not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelDir != "" && !c.IsSet("model") {
		modelDir = cfg.ModelDir
	}
	if cfg.Quant != "" && !c.IsSet("quant") {
		quantMode = cfg.Quant
	}
	if cfg.QuantType != "" && !c.IsSet("quant-type") {
		quantType = cfg.QuantType
	}
	if cfg.DoubleQuant != nil && !c.IsSet("double-quant") {
		doubleQuant = *cfg.DoubleQuant
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		dtype = cfg.DType
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.MaxSeqLen != nil && !c.IsSet("max-seq-len") {
		maxSeqLen = *cfg.MaxSeqLen
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr, adapterDir *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.AdapterDir != "" && !c.IsSet("adapter-dir") {
		*adapterDir = cfg.AdapterDir
	}
}

func modelOptions(log logger.Logger) (model.Options, error) {
	mode, err := quant.ParseMode(quantMode)
	if err != nil {
		return model.Options{}, err
	}
	dt, err := tensor.ParseDType(dtype)
	if err != nil {
		return model.Options{}, err
	}
	return model.Options{
		Device:    tensor.Device{Name: "cpu", DType: dt, Threads: int(threads)},
		Logger:    log,
		Seed:      seed,
		MaxSeqLen: int(maxSeqLen),
		Quant: quant.Config{
			Mode:         mode,
			ComputeDType: dt,
			DoubleQuant:  doubleQuant,
			QuantType:    quantType,
		},
		Workers: int(threads),
	}, nil
}

// loadModel loads the base model named by the flags and attaches the
// adapters listed in the config file.
func loadModel(ctx context.Context) (*model.Model, error) {
	if modelDir == "" {
		return nil, errors.New("--model is required")
	}
	log := logger.FromContext(ctx)
	opts, err := modelOptions(log)
	if err != nil {
		return nil, err
	}
	m, err := model.Load(modelDir, opts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", modelDir, err)
	}
	if err := attachAdapters(m, fileConfig.Adapters); err != nil {
		return nil, err
	}
	return m, nil
}

func attachAdapters(m *model.Model, specs []AdapterSpec) error {
	for _, spec := range specs {
		if err := attachAdapter(m, spec); err != nil {
			return fmt.Errorf("adapter %q: %w", spec.Name, err)
		}
	}
	return nil
}

func attachAdapter(m *model.Model, spec AdapterSpec) error {
	cfg := lora.AdapterConfig{R: spec.R, Alpha: spec.Alpha, Dropout: spec.Dropout}
	targets := spec.TargetModules
	var source model.WeightSource
	if spec.Path != "" {
		a, err := peft.Load(spec.Path)
		if err != nil {
			return err
		}
		cfg = a.Config.Fill(cfg)
		if len(targets) == 0 {
			targets = a.Config.TargetModules
		}
		source = a.Weights
	}
	if len(targets) == 0 {
		targets = []string{string(model.ProjQ), string(model.ProjV)}
	}
	return m.InitAdapter(spec.Name, cfg, model.TargetsFrom(targets), source)
}
