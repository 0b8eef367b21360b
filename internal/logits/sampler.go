// Package logits turns a row of next-token logits into a token id.
package logits

import (
	"math"
	"math/rand/v2"
)

// SamplerConfig configures the behaviour of a Sampler. A zero Temperature
// selects greedy decoding.
type SamplerConfig struct {
	Seed          uint64  `json:"seed,omitempty"`
	Temperature   float32 `json:"temperature,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	TopP          float32 `json:"top_p,omitempty"`
	MinP          float32 `json:"min_p,omitempty"`
	RepeatPenalty float32 `json:"repeat_penalty,omitempty"`
	RepeatLastN   int     `json:"repeat_last_n,omitempty"`
}

// Sampler is not safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool

	scratch []float32
	topIdx  []int
	topVal  []float32
	prob    []float64
	seen    map[int]struct{}
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xda3e39cb94b95bdb)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[int]struct{}),
	}
}

// Sample draws one index from logits, which is left unmodified. recent
// holds the preceding token ids for the repetition penalty.
//
//  1. Penalise ids seen in the last RepeatLastN entries of recent.
//  2. Greedy configurations return the argmax.
//  3. Otherwise scale by 1/Temperature, keep the TopK largest, softmax,
//     drop entries below MinP times the best probability, cut at TopP
//     cumulative mass and draw.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	if len(logits) == 0 {
		return 0
	}
	if s.cfg.RepeatPenalty > 1.0 && len(recent) > 0 {
		if cap(s.scratch) < len(logits) {
			s.scratch = make([]float32, len(logits))
		}
		penalised := s.scratch[:len(logits)]
		copy(penalised, logits)

		clear(s.seen)
		start := max(len(recent)-s.cfg.RepeatLastN, 0)
		for _, id := range recent[start:] {
			if id < 0 || id >= len(penalised) {
				continue
			}
			if _, dup := s.seen[id]; dup {
				continue
			}
			s.seen[id] = struct{}{}
			if penalised[id] > 0 {
				penalised[id] /= s.cfg.RepeatPenalty
			} else {
				penalised[id] *= s.cfg.RepeatPenalty
			}
		}
		logits = penalised
	}

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return Argmax(logits)
	}

	k := min(s.cfg.TopK, len(logits))
	topIdx, topVal := s.topK(logits, k, 1/s.cfg.Temperature)

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		prob[i] = math.Exp(float64(topVal[i] - maxv))
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[n], topIdx[n] = prob[i], topIdx[i]
				kept += prob[i]
				n++
			}
		}
		prob = prob[:n]
		for i := range prob {
			prob[i] /= kept
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// Argmax returns the index of the largest value, the first on ties.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("logits: argmax of empty slice")
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// TopK returns the indices of the k largest values, largest first.
func TopK(x []float32, k int) []int {
	var s Sampler
	idx, _ := s.topK(x, min(max(k, 1), len(x)), 1)
	return append([]int(nil), idx...)
}

// topK returns the indices and values of the k largest elements in logits,
// scaled by invTemp, largest first. O(V*K), meant for small K.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 || len(logits) == 0 {
		return []int{0}, []float32{0}
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
