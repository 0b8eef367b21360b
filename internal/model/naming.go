package model

import (
	"fmt"
	"slices"
	"strings"
)

// Projection names one of the seven adapted linear layers of a block.
type Projection string

const (
	ProjQ    Projection = "q_proj"
	ProjK    Projection = "k_proj"
	ProjV    Projection = "v_proj"
	ProjO    Projection = "o_proj"
	ProjGate Projection = "gate_proj"
	ProjDown Projection = "down_proj"
	ProjUp   Projection = "up_proj"
)

// Projections lists every projection in block order.
var Projections = []Projection{ProjQ, ProjK, ProjV, ProjO, ProjGate, ProjDown, ProjUp}

// Older adapters name the feed-forward projections w1/w2/w3.
var projectionAliases = map[string]Projection{
	"w1_proj": ProjGate,
	"w2_proj": ProjDown,
	"w3_proj": ProjUp,
}

// ParseProjection accepts a projection name or one of its legacy aliases.
func ParseProjection(s string) (Projection, error) {
	p := Projection(strings.TrimSpace(s))
	if slices.Contains(Projections, p) {
		return p, nil
	}
	if alias, ok := projectionAliases[string(p)]; ok {
		return alias, nil
	}
	return "", fmt.Errorf("%w: unknown target module %q", ErrConfigMismatch, s)
}

// Module is the checkpoint module path of p inside a decoder layer.
func (p Projection) Module() string {
	switch p {
	case ProjQ, ProjK, ProjV, ProjO:
		return "self_attn." + string(p)
	default:
		return "mlp." + string(p)
	}
}

// Targets flags which projections receive an adapter. Keys are projection
// names or aliases.
type Targets map[string]bool

// AllTargets flags every projection.
func AllTargets() Targets {
	t := make(Targets, len(Projections))
	for _, p := range Projections {
		t[string(p)] = true
	}
	return t
}

// TargetsFrom flags each named module.
func TargetsFrom(modules []string) Targets {
	t := make(Targets, len(modules))
	for _, m := range modules {
		t[m] = true
	}
	return t
}

// Projections resolves the flagged names to projections in block order.
func (t Targets) Projections() ([]Projection, error) {
	set := make(map[Projection]bool, len(t))
	for name, on := range t {
		if !on {
			continue
		}
		p, err := ParseProjection(name)
		if err != nil {
			return nil, err
		}
		set[p] = true
	}
	out := make([]Projection, 0, len(set))
	for _, p := range Projections {
		if set[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

const factorPrefix = "base_model.model."

// FactorName is the persisted name of one adapter factor; factor is "A" or
// "B".
func FactorName(layer int, p Projection, factor string) string {
	return fmt.Sprintf("%smodel.layers.%d.%s.lora_%s.weight", factorPrefix, layer, p.Module(), factor)
}
