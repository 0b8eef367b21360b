package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

// Entry is one tensor to be written.
type Entry struct {
	Name   string
	DType  string
	Shape  []int
	Values []float32
}

// Write encodes entries, in the order given, with optional metadata.
func Write(w io.Writer, entries []Entry, metadata map[string]string) error {
	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	payloads := make([][]byte, len(entries))
	var off int64
	for i, e := range entries {
		if _, dup := header[e.Name]; dup || e.Name == "" {
			return fmt.Errorf("safetensors: invalid or duplicate tensor name %q", e.Name)
		}
		n, err := numElements(e.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if n != len(e.Values) {
			return fmt.Errorf("tensor %s: %d values for shape %v", e.Name, len(e.Values), e.Shape)
		}
		raw, err := EncodeF32(e.DType, e.Values)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		payloads[i] = raw
		header[e.Name] = tensorHeader{
			DType:       e.DType,
			Shape:       slices.Clone(e.Shape),
			DataOffsets: []int64{off, off + int64(len(raw))},
		}
		off += int64(len(raw))
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// The data section starts on an 8-byte boundary.
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	bw := bufio.NewWriter(w)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	for _, p := range payloads {
		if _, err := bw.Write(p); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes entries to path atomically.
func WriteFile(path string, entries []Entry, metadata map[string]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := Write(tmp, entries, metadata); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
