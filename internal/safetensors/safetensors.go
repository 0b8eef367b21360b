// Package safetensors reads and writes the safetensors container used for
// base checkpoints and adapter weights.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
)

var (
	ErrCorruptFile      = errors.New("safetensors: corrupt file")
	ErrTensorNotFound   = errors.New("safetensors: tensor not found")
	ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")
)

const metadataKey = "__metadata__"

// maxHeaderLen bounds the JSON header so a corrupt length cannot trigger a
// huge allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an open safetensors container. The payload is memory-mapped when
// the platform allows it and read into memory otherwise. Close releases it.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and parses its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s has size %d", ErrCorruptFile, path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		data = make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), data); err != nil {
			return nil, err
		}
	}

	sf, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptFile, err)
	}

	sf := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
		data:      data,
	}
	if meta, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFile, err)
		}
		delete(raw, metadataKey)
	}

	payload := int64(len(data)) - sf.DataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptFile, name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > payload {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d,%d) outside payload of %d bytes", ErrCorruptFile, name, start, end, payload)
		}
		sf.Tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return sf, nil
}

// Close releases the mapping. Slices returned by Raw are invalid afterwards.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Raw returns the tensor's bytes without copying.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: %s is closed", f.Path)
	}
	off := f.DataStart
	return f.data[off+t.Start : off+t.End], t, nil
}

// ReadTensor returns a copy of the tensor's bytes.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	return slices.Clone(raw), info, nil
}

// ReadTensorF32 decodes an F32, F16 or BF16 tensor to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	out, err := DecodeF32(info.DType, raw, n)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// DecodeF32 converts n little-endian elements of dtype to float32.
func DecodeF32(dtype string, raw []byte, n int) ([]float32, error) {
	width, err := elemSize(dtype)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*width {
		return nil, fmt.Errorf("%w: %d bytes for %d %s elements", ErrCorruptFile, len(raw), n, dtype)
	}
	out := make([]float32, n)
	switch dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		copy(out, bfloat16.DecodeFloat32(raw))
	}
	return out, nil
}

// EncodeF32 converts values to little-endian bytes of dtype.
func EncodeF32(dtype string, values []float32) ([]byte, error) {
	switch dtype {
	case "F32":
		out := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case "F16":
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case "BF16":
		return bfloat16.EncodeFloat32(values), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

func elemSize(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
