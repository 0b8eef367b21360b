// Package peft persists adapters in the PEFT directory layout:
// adapter_config.json next to adapter_model.safetensors.
package peft

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/model"
	"github.com/samcharles93/multilora/internal/safetensors"
	"github.com/samcharles93/multilora/internal/tensor"
)

const (
	ConfigFile  = "adapter_config.json"
	WeightsFile = "adapter_model.safetensors"

	PeftTypeLoRA = "LORA"
	TaskCausalLM = "CAUSAL_LM"
)

var ErrInvalidAdapter = errors.New("peft: invalid adapter")

// Config is adapter_config.json. Only the LoRA fields are interpreted.
type Config struct {
	PeftType            string   `json:"peft_type"`
	TaskType            string   `json:"task_type,omitempty"`
	BaseModelNameOrPath string   `json:"base_model_name_or_path,omitempty"`
	R                   int      `json:"r"`
	LoraAlpha           float32  `json:"lora_alpha"`
	LoraDropout         float32  `json:"lora_dropout"`
	TargetModules       []string `json:"target_modules"`
	Bias                string   `json:"bias,omitempty"`
	InferenceMode       bool     `json:"inference_mode"`

	// Written by mlx-lm instead of r / lora_alpha.
	LoraParameters *struct {
		Rank  int     `json:"rank"`
		Alpha float32 `json:"alpha"`
		Scale float32 `json:"scale"`
	} `json:"lora_parameters,omitempty"`
}

// AdapterConfig returns the hyperparameters, falling back to
// lora_parameters when r or lora_alpha are missing.
func (c Config) AdapterConfig() lora.AdapterConfig {
	cfg := lora.AdapterConfig{R: c.R, Alpha: c.LoraAlpha, Dropout: c.LoraDropout}
	if lp := c.LoraParameters; lp != nil {
		if cfg.R == 0 {
			cfg.R = lp.Rank
		}
		if cfg.Alpha == 0 {
			cfg.Alpha = lp.Alpha
		}
		if cfg.Alpha == 0 && lp.Scale != 0 {
			cfg.Alpha = lp.Scale * float32(cfg.R)
		}
	}
	return cfg
}

// Fill returns cfg with every zero field taken from the persisted config.
func (c Config) Fill(cfg lora.AdapterConfig) lora.AdapterConfig {
	loaded := c.AdapterConfig()
	if cfg.R == 0 {
		cfg.R = loaded.R
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = loaded.Alpha
	}
	if cfg.Dropout == 0 {
		cfg.Dropout = loaded.Dropout
	}
	return cfg
}

func (c Config) Targets() model.Targets { return model.TargetsFrom(c.TargetModules) }

// Adapter is one persisted adapter.
type Adapter struct {
	Config  Config
	Weights *orderedmap.OrderedMap[string, *tensor.Tensor]
}

// FromModel extracts the adapter called name from m.
func FromModel(m *model.Model, name, baseModel string) (*Adapter, error) {
	info, ok := m.Adapter(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownAdapter, name)
	}
	weights, projs := m.AdapterWeights(name)
	targets := make([]string, len(projs))
	for i, p := range projs {
		targets[i] = string(p)
	}
	return &Adapter{
		Config: Config{
			PeftType:            PeftTypeLoRA,
			TaskType:            TaskCausalLM,
			BaseModelNameOrPath: baseModel,
			R:                   info.Config.R,
			LoraAlpha:           info.Config.Alpha,
			LoraDropout:         info.Config.Dropout,
			TargetModules:       targets,
			Bias:                "none",
		},
		Weights: weights,
	}, nil
}

// Attach initialises the adapter on m under name.
func (a *Adapter) Attach(m *model.Model, name string) error {
	return m.InitAdapter(name, a.Config.AdapterConfig(), a.Config.Targets(), a.Weights)
}

// Save writes the adapter into dir, creating it if needed. Factors are
// stored as F32.
func Save(dir string, a *Adapter) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(a.Config, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ConfigFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), append(raw, '\n'), 0o644); err != nil {
		return err
	}

	entries := make([]safetensors.Entry, 0, a.Weights.Len())
	for pair := a.Weights.Oldest(); pair != nil; pair = pair.Next() {
		entries = append(entries, safetensors.Entry{
			Name:   pair.Key,
			DType:  "F32",
			Shape:  pair.Value.Shape(),
			Values: pair.Value.Data(),
		})
	}
	return safetensors.WriteFile(filepath.Join(dir, WeightsFile), entries, map[string]string{"format": "pt"})
}

// Load reads an adapter directory written by Save or by PEFT.
func Load(dir string) (*Adapter, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAdapter, ConfigFile, err)
	}
	if cfg.PeftType != "" && !strings.EqualFold(cfg.PeftType, PeftTypeLoRA) {
		return nil, fmt.Errorf("%w: peft_type %q", ErrInvalidAdapter, cfg.PeftType)
	}
	if err := cfg.AdapterConfig().Validate(); err != nil {
		return nil, err
	}

	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	weights := orderedmap.New[string, *tensor.Tensor]()
	for _, name := range f.Names() {
		values, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		weights.Set(normalizeName(name), tensor.FromData(values, info.Shape...))
	}
	return &Adapter{Config: cfg, Weights: weights}, nil
}

// normalizeName drops the adapter slot PEFT inserts for named adapters,
// e.g. "lora_A.default.weight" becomes "lora_A.weight".
func normalizeName(name string) string {
	for _, f := range []string{"lora_A", "lora_B"} {
		i := strings.Index(name, "."+f+".")
		if i < 0 {
			continue
		}
		rest := name[i+len(f)+2:]
		if rest != "weight" && strings.HasSuffix(rest, ".weight") {
			return name[:i+len(f)+1] + ".weight"
		}
	}
	return name
}
