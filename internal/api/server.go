// Package api serves multi-adapter forward passes and adapter management
// over HTTP.
package api

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/multilora/internal/logger"
	"github.com/samcharles93/multilora/internal/logits"
	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/model"
	"github.com/samcharles93/multilora/internal/peft"
	"github.com/samcharles93/multilora/internal/tensor"
)

// Engine is the model surface the server drives. *model.Model implements it.
type Engine interface {
	Forward(ctx *tensor.Context, batch *lora.Batch) (*tensor.Tensor, error)
	InitAdapter(name string, cfg lora.AdapterConfig, targets model.Targets, source model.WeightSource) error
	DetachAdapter(name string) bool
	Adapters() []model.AdapterInfo
	Adapter(name string) (model.AdapterInfo, bool)
	NewContext(seed uint64) *tensor.Context
}

type Options struct {
	Logger logger.Logger
	// AdapterDir is the only place adapters may be loaded from; request
	// paths are resolved relative to it. Path loads are refused when empty.
	AdapterDir string
	// DefaultTargets apply to fresh adapters that name no target modules.
	DefaultTargets []string
}

// Server owns the engine. Forward passes and adapter changes are
// serialised; the engine is not safe for concurrent attach and forward.
type Server struct {
	mu     sync.Mutex
	engine Engine
	opts   Options
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(engine Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	if len(opts.DefaultTargets) == 0 {
		opts.DefaultTargets = []string{string(model.ProjQ), string(model.ProjV)}
	}
	return &Server{
		engine: engine,
		opts:   opts,
		log:    log,
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/forward", s.handleForward)
	e.GET("/v1/adapters", s.handleListAdapters)
	e.POST("/v1/adapters", s.handleAttachAdapter)
	e.GET("/v1/adapters/:name", s.handleGetAdapter)
	e.DELETE("/v1/adapters/:name", s.handleDetachAdapter)

	metrics := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	batch, err := req.batch()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	output := req.Output
	if output == "" {
		output = OutputNextToken
	}
	if output != OutputNextToken && output != OutputLogits {
		return writeBadRequest(c, fmt.Sprintf("output must be %q or %q", OutputNextToken, OutputLogits))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.Request().Context().Err(); err != nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "request cancelled", "cancelled")
	}
	var seed uint64
	if req.Seed != nil {
		seed = *req.Seed
	}
	out, err := s.engine.Forward(s.engine.NewContext(seed), batch)
	if err != nil {
		return writeModelError(c, err)
	}

	rows, seq, vocab := out.Dim(0), out.Dim(1), out.Dim(2)
	resp := ForwardResponse{
		ID:        "fwd_" + batch.ID,
		Object:    "forward",
		CreatedAt: s.clock().Unix(),
		Rows:      rows,
		SeqLen:    seq,
		Vocab:     vocab,
	}
	switch output {
	case OutputLogits:
		resp.Logits = splitLogits(out)
	default:
		resp.NextTokens = nextTokens(out, batch, req.sampler(seed))
	}
	return c.JSON(http.StatusOK, resp)
}

func (req ForwardRequest) batch() (*lora.Batch, error) {
	if len(req.Tokens) == 0 {
		return nil, newInvalidRequest("tokens is required")
	}
	segs := make([]lora.Segment, len(req.Segments))
	for i, sr := range req.Segments {
		segs[i] = lora.Segment{Adapter: sr.Adapter, Start: sr.Start, End: sr.End}
	}
	if len(segs) == 0 {
		segs = []lora.Segment{{Start: 0, End: len(req.Tokens)}}
	}
	return &lora.Batch{
		ID:          uuid.NewString(),
		Tokens:      req.Tokens,
		Segments:    segs,
		Inference:   true,
		PaddingMask: req.PaddingMask,
	}, nil
}

func splitLogits(t *tensor.Tensor) [][][]float32 {
	rows, seq, vocab := t.Dim(0), t.Dim(1), t.Dim(2)
	data := t.Data()
	out := make([][][]float32, rows)
	for r := range out {
		out[r] = make([][]float32, seq)
		for i := range out[r] {
			off := (r*seq + i) * vocab
			out[r][i] = data[off : off+vocab]
		}
	}
	return out
}

// nextTokens samples one id per row from the logits at its last unpadded
// position. The row's unpadded tokens feed the repetition penalty.
func nextTokens(t *tensor.Tensor, batch *lora.Batch, sampler *logits.Sampler) []int {
	seq, vocab := t.Dim(1), t.Dim(2)
	data := t.Data()
	out := make([]int, t.Dim(0))
	for r := range out {
		pos := seq - 1
		if batch.PaddingMask != nil {
			for pos > 0 && batch.PaddingMask[r][pos] {
				pos--
			}
		}
		off := (r*seq + pos) * vocab
		out[r] = sampler.Sample(data[off:off+vocab], batch.Tokens[r][:pos+1])
	}
	return out
}

func (s *Server) handleListAdapters(c *echo.Context) error {
	s.mu.Lock()
	list := s.engine.Adapters()
	s.mu.Unlock()
	return c.JSON(http.StatusOK, AdapterList{Object: "list", Data: list})
}

func (s *Server) handleGetAdapter(c *echo.Context) error {
	name := c.Param("name")
	s.mu.Lock()
	info, ok := s.engine.Adapter(name)
	s.mu.Unlock()
	if !ok {
		return writeNotFound(c, "adapter not found")
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleAttachAdapter(c *echo.Context) error {
	req, err := decodeJSON[AdapterRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return writeBadRequest(c, "name is required")
	}

	cfg := lora.AdapterConfig{R: req.R, Alpha: req.Alpha, Dropout: req.Dropout}
	targets := req.TargetModules
	var source model.WeightSource
	if req.Path != "" {
		dir, err := s.resolveAdapterPath(req.Path)
		if err != nil {
			return writeModelError(c, err)
		}
		a, err := peft.Load(dir)
		if err != nil {
			return writeModelError(c, err)
		}
		cfg = a.Config.Fill(cfg)
		if len(targets) == 0 {
			targets = a.Config.TargetModules
		}
		source = a.Weights
	}
	if len(targets) == 0 {
		targets = s.opts.DefaultTargets
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.InitAdapter(req.Name, cfg, model.TargetsFrom(targets), source); err != nil {
		return writeModelError(c, err)
	}
	info, _ := s.engine.Adapter(req.Name)
	s.log.Info("adapter attached via api", "adapter", req.Name, "path", req.Path)
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleDetachAdapter(c *echo.Context) error {
	name := c.Param("name")
	s.mu.Lock()
	ok := s.engine.DetachAdapter(name)
	s.mu.Unlock()
	if !ok {
		return writeNotFound(c, "adapter not found")
	}
	return c.JSON(http.StatusOK, DeletedResponse{ID: name, Object: "adapter.deleted", Deleted: true})
}

func (s *Server) resolveAdapterPath(p string) (string, error) {
	if s.opts.AdapterDir == "" {
		return "", newInvalidRequest("loading adapters by path requires an adapter directory")
	}
	if filepath.IsAbs(p) {
		return "", newInvalidRequest("path must be relative to the adapter directory")
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", newInvalidRequest("path escapes the adapter directory")
	}
	return filepath.Join(s.opts.AdapterDir, clean), nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
