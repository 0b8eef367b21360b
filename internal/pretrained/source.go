package pretrained

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/multilora/internal/safetensors"
	"github.com/samcharles93/multilora/internal/tensor"
)

var ErrMissingWeight = errors.New("missing weight")

// Source resolves checkpoint tensors by name.
type Source interface {
	Tensor(name string) (*tensor.Tensor, error)
	Has(name string) bool
}

// MapSource serves tensors already in memory.
type MapSource map[string]*tensor.Tensor

func (m MapSource) Tensor(name string) (*tensor.Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	return t, nil
}

func (m MapSource) Has(name string) bool {
	_, ok := m[name]
	return ok
}

const (
	singleFile = "model.safetensors"
	indexFile  = "model.safetensors.index.json"
)

// Checkpoint is a directory of one or more safetensors shards.
type Checkpoint struct {
	Dir    string
	shards map[string]*safetensors.File
	owner  map[string]*safetensors.File
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// OpenCheckpoint opens model.safetensors, or every shard listed in
// model.safetensors.index.json, or failing both every *.safetensors file in
// dir. Shards are opened concurrently.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	files, err := shardFiles(dir)
	if err != nil {
		return nil, err
	}
	c := &Checkpoint{
		Dir:    dir,
		shards: make(map[string]*safetensors.File, len(files)),
		owner:  make(map[string]*safetensors.File),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(4)
	for _, name := range files {
		g.Go(func() error {
			f, err := safetensors.Open(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("open shard %s: %w", name, err)
			}
			mu.Lock()
			c.shards[name] = f
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = c.Close()
		return nil, err
	}

	for _, name := range files {
		f := c.shards[name]
		for tn := range f.Tensors {
			if _, dup := c.owner[tn]; dup {
				_ = c.Close()
				return nil, fmt.Errorf("tensor %s present in more than one shard", tn)
			}
			c.owner[tn] = f
		}
	}
	return c, nil
}

func shardFiles(dir string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, indexFile))
	switch {
	case err == nil:
		var idx shardIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("parse %s: %w", indexFile, err)
		}
		var files []string
		for _, f := range idx.WeightMap {
			if !slices.Contains(files, f) {
				files = append(files, f)
			}
		}
		slices.Sort(files)
		if len(files) == 0 {
			return nil, fmt.Errorf("%s lists no shards", indexFile)
		}
		return files, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(dir, singleFile)); err == nil {
		return []string{singleFile}, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no safetensors weights in %s", dir)
	}
	files := make([]string, len(matches))
	for i, m := range matches {
		files[i] = filepath.Base(m)
	}
	slices.Sort(files)
	return files, nil
}

// Tensor decodes a weight to float32.
func (c *Checkpoint) Tensor(name string) (*tensor.Tensor, error) {
	f, ok := c.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.FromData(data, info.Shape...).SetName(name), nil
}

func (c *Checkpoint) Has(name string) bool {
	_, ok := c.owner[name]
	return ok
}

// Names returns every weight name, sorted.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.owner))
	for n := range c.owner {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Info returns the stored dtype and shape of a weight without decoding it.
func (c *Checkpoint) Info(name string) (safetensors.TensorInfo, bool) {
	f, ok := c.owner[name]
	if !ok {
		return safetensors.TensorInfo{}, false
	}
	return f.Tensor(name)
}

// Shards returns the shard file names in load order.
func (c *Checkpoint) Shards() []string {
	names := make([]string, 0, len(c.shards))
	for n := range c.shards {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (c *Checkpoint) Close() error {
	var errs []error
	for _, f := range c.shards {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
