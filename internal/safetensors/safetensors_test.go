package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeRaw creates a safetensors file from a header and payload.
func writeRaw(t *testing.T, path string, header map[string]any, payload []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(payload)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func openTemp(t *testing.T, header map[string]any, payload []byte) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, header, payload)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func tensorSpec(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{
		"weight": tensorSpec("F32", []int{2, 3}, 0, 24),
	}, make([]byte, 24))

	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor, got %d", len(f.Tensors))
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if info.DType != "F32" || len(info.Shape) != 2 || info.Shape[0] != 2 || info.Shape[1] != 3 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestOpenRejectsBadFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	short := filepath.Join(dir, "short.safetensors")
	if err := os.WriteFile(short, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(short); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("short file err = %v", err)
	}

	badJSON := filepath.Join(dir, "json.safetensors")
	raw := make([]byte, 8, 20)
	binary.LittleEndian.PutUint64(raw, 12)
	raw = append(raw, []byte("not valid js")...)
	if err := os.WriteFile(badJSON, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(badJSON); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("invalid json err = %v", err)
	}

	tests := map[string]map[string]any{
		"one offset":      {"t": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}}},
		"past payload":    {"t": tensorSpec("F32", []int{4}, 0, 16)},
		"reversed offset": {"t": tensorSpec("F32", []int{1}, 4, 0)},
	}
	for name, header := range tests {
		path := filepath.Join(dir, name+".safetensors")
		writeRaw(t, path, header, make([]byte, 4))
		if _, err := Open(path); !errors.Is(err, ErrCorruptFile) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}

func TestMetadataKeptApart(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      tensorSpec("F32", []int{4}, 0, 16),
	}, make([]byte, 16))
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor, got %d", len(f.Tensors))
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{"a": tensorSpec("F32", []int{1}, 0, 4)}, make([]byte, 4))
	if _, ok := f.Tensor("nonexistent"); ok {
		t.Fatal("expected tensor not found")
	}
	if _, _, err := f.ReadTensor("nonexistent"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadTensorF32Decodes(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 0, 24)
	for _, v := range []float32{1, 2, 3, 4} {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
	}
	payload = binary.LittleEndian.AppendUint16(payload, 0x3F80) // bf16 1.0
	payload = binary.LittleEndian.AppendUint16(payload, 0x4000) // bf16 2.0
	payload = binary.LittleEndian.AppendUint16(payload, 0x3C00) // f16 1.0
	payload = binary.LittleEndian.AppendUint16(payload, 0xC000) // f16 -2.0

	f := openTemp(t, map[string]any{
		"f32":  tensorSpec("F32", []int{4}, 0, 16),
		"bf16": tensorSpec("BF16", []int{2}, 16, 20),
		"f16":  tensorSpec("F16", []int{2}, 20, 24),
		"i32":  tensorSpec("I32", []int{1}, 0, 4),
		"bad":  tensorSpec("F32", []int{3}, 0, 8),
	}, payload)

	want := map[string][]float32{
		"f32":  {1, 2, 3, 4},
		"bf16": {1, 2},
		"f16":  {1, -2},
	}
	for name, values := range want {
		got, _, err := f.ReadTensorF32(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(got) != len(values) {
			t.Fatalf("%s: got %v want %v", name, got, values)
		}
		for i := range values {
			if got[i] != values[i] {
				t.Fatalf("%s[%d] = %g, want %g", name, i, got[i], values[i])
			}
		}
	}
	if _, _, err := f.ReadTensorF32("i32"); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("i32 err = %v", err)
	}
	if _, _, err := f.ReadTensorF32("bad"); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("size mismatch err = %v", err)
	}
}

func TestWriteFileReadBack(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.safetensors")
	entries := []Entry{
		{Name: "b", DType: "F32", Shape: []int{2, 2}, Values: []float32{0.1, -0.2, 0.3, 4}},
		{Name: "a", DType: "BF16", Shape: []int{3}, Values: []float32{1, 0.5, -3}},
		{Name: "c", DType: "F16", Shape: []int{1, 2}, Values: []float32{0.25, 8}},
	}
	if err := WriteFile(path, entries, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if got := f.Names(); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("names = %v", got)
	}
	if f.DataStart%8 != 0 {
		t.Fatalf("data start %d not aligned", f.DataStart)
	}
	for _, e := range entries {
		got, info, err := f.ReadTensorF32(e.Name)
		if err != nil {
			t.Fatalf("%s: %v", e.Name, err)
		}
		if info.DType != e.DType {
			t.Fatalf("%s dtype = %s", e.Name, info.DType)
		}
		for i, v := range e.Values {
			if got[i] != v {
				t.Fatalf("%s[%d] = %g, want %g", e.Name, i, got[i], v)
			}
		}
	}
}

func TestWriteRejectsBadEntries(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := Write(&buf, []Entry{{Name: "x", DType: "F32", Shape: []int{2}, Values: []float32{1}}}, nil); err == nil {
		t.Fatal("expected error for value count mismatch")
	}
	if err := Write(&buf, []Entry{{Name: "x", DType: "I8", Shape: []int{1}, Values: []float32{1}}}, nil); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("dtype err = %v", err)
	}
	dup := []Entry{
		{Name: "x", DType: "F32", Shape: []int{1}, Values: []float32{1}},
		{Name: "x", DType: "F32", Shape: []int{1}, Values: []float32{2}},
	}
	if err := Write(&buf, dup, nil); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestCloseInvalidatesReads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "c.safetensors")
	writeRaw(t, path, map[string]any{"a": tensorSpec("F32", []int{1}, 0, 4)}, make([]byte, 4))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.Raw("a"); err == nil {
		t.Fatal("expected error after Close")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
