package pretrained

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

const (
	DefaultMaxSeqLen = 4096
	DefaultNormEps   = 1e-6
	DefaultRopeTheta = 10000
)

var ErrInvalidConfig = errors.New("invalid model config")

// Config is the subset of a Hugging Face llama config.json the adapter
// model needs. Load-time defaults are applied by ParseConfig.
type Config struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDim           int     `json:"head_dim"`
	VocabSize         int     `json:"vocab_size"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	NormEps           float64 `json:"norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`

	MaxSequenceLength     int `json:"max_sequence_length"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`

	PadTokenID        *int   `json:"pad_token_id"`
	TieWordEmbeddings bool   `json:"tie_word_embeddings"`
	TorchDType        string `json:"torch_dtype"`
}

// LoadConfig reads dir/config.json.
func LoadConfig(dir string) (Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(raw)
}

// ParseConfig decodes config.json and applies defaults: kv heads equal to
// heads, norm eps 1e-6, rope theta 10000 and a sequence limit taken from
// max_sequence_length, then max_position_embeddings, then 4096.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.NumKeyValueHeads <= 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = cfg.NormEps
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = DefaultNormEps
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = DefaultRopeTheta
	}
	if cfg.HeadDim == 0 && cfg.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden_size must be set", ErrInvalidConfig)
	case c.NumAttentionHeads <= 0:
		return fmt.Errorf("%w: num_attention_heads must be set", ErrInvalidConfig)
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("%w: num_hidden_layers must be set", ErrInvalidConfig)
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be set", ErrInvalidConfig)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("%w: intermediate_size must be set", ErrInvalidConfig)
	}
	return nil
}

// MaxSeqLen is the rotary table length for this model.
func (c Config) MaxSeqLen() int {
	switch {
	case c.MaxSequenceLength > 0:
		return c.MaxSequenceLength
	case c.MaxPositionEmbeddings > 0:
		return c.MaxPositionEmbeddings
	default:
		return DefaultMaxSeqLen
	}
}

// PadTokenIndex returns the embedding padding index, or -1 when unset.
func (c Config) PadTokenIndex() int {
	if c.PadTokenID == nil {
		return -1
	}
	return *c.PadTokenID
}
