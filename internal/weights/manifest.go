// Package weights stores decoder-stack parameters in a single file: a fixed
// header, a JSON manifest and a 64-byte aligned blob of little-endian tensor
// data that is memory mapped on open.
package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/dtype"
)

var (
	ErrTensorNotFound = errors.New("weights: tensor not found")
	ErrCorrupt        = errors.New("weights: corrupt file")
)

const (
	magic     = "FLLW"
	version   = 1
	headerLen = 16
	blobAlign = 64
)

// Manifest describes every tensor in the blob. Offsets are relative to the
// start of the blob.
type Manifest struct {
	Version int          `json:"version"`
	Config  block.Config `json:"config"`
	Layers  []Layer      `json:"layers"`
}

type Layer struct {
	Tensors []Entry `json:"tensors"`
}

type Entry struct {
	Name   string      `json:"name"`
	DType  dtype.DType `json:"dtype"`
	Shape  []int       `json:"shape"`
	Offset int64       `json:"offset"`
	Size   int64       `json:"size"`
	// Absent marks an optional parameter that was not stored.
	Absent bool `json:"absent,omitempty"`
}

// Find returns the entry named name in layer i.
func (m *Manifest) Find(layer int, name string) (Entry, error) {
	if layer < 0 || layer >= len(m.Layers) {
		return Entry{}, fmt.Errorf("%w: layer %d of %d", ErrTensorNotFound, layer, len(m.Layers))
	}
	i := slices.IndexFunc(m.Layers[layer].Tensors, func(e Entry) bool { return e.Name == name })
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: layer %d %q", ErrTensorNotFound, layer, name)
	}
	return m.Layers[layer].Tensors[i], nil
}

// Validate checks the manifest against the parameter list its config
// implies and against a blob of blobSize bytes.
func (m *Manifest) Validate(blobSize int64) error {
	if m.Version != version {
		return fmt.Errorf("%w: manifest version %d", ErrCorrupt, m.Version)
	}
	if err := m.Config.Validate(); err != nil {
		return err
	}
	if len(m.Layers) != m.Config.Layers {
		return fmt.Errorf("%w: %d layers for config of %d", ErrCorrupt, len(m.Layers), m.Config.Layers)
	}
	specs := block.Specs(m.Config)
	for li, l := range m.Layers {
		if len(l.Tensors) != len(specs) {
			return fmt.Errorf("%w: layer %d has %d tensors, want %d", ErrCorrupt, li, len(l.Tensors), len(specs))
		}
		for i, e := range l.Tensors {
			if e.Name != specs[i].Name {
				return fmt.Errorf("%w: layer %d tensor %d is %q, want %q", ErrCorrupt, li, i, e.Name, specs[i].Name)
			}
			if e.Absent {
				continue
			}
			n := int64(1)
			for _, d := range e.Shape {
				if d <= 0 {
					return fmt.Errorf("%w: %s shape %v", ErrCorrupt, e.Name, e.Shape)
				}
				n *= int64(d)
			}
			if e.DType.Size() == 0 || n*int64(e.DType.Size()) != e.Size {
				return fmt.Errorf("%w: %s: %d bytes for %s %v", ErrCorrupt, e.Name, e.Size, e.DType, e.Shape)
			}
			if e.Offset < 0 || e.Offset+e.Size < e.Offset || e.Offset+e.Size > blobSize {
				return fmt.Errorf("%w: %s at [%d, %d) outside blob of %d", ErrCorrupt, e.Name, e.Offset, e.Offset+e.Size, blobSize)
			}
		}
	}
	return nil
}

// header is magic, version (u32) and manifest length (u64).
func encodeHeader(manifestLen int) []byte {
	h := make([]byte, 0, headerLen)
	h = append(h, magic...)
	h = binary.LittleEndian.AppendUint32(h, version)
	return binary.LittleEndian.AppendUint64(h, uint64(manifestLen))
}

func decodeHeader(b []byte) (int64, error) {
	if len(b) < headerLen || string(b[:4]) != magic {
		return 0, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(b[4:]); v != version {
		return 0, fmt.Errorf("%w: version %d", ErrCorrupt, v)
	}
	n := binary.LittleEndian.Uint64(b[8:])
	if n > 1<<31 {
		return 0, fmt.Errorf("%w: manifest of %d bytes", ErrCorrupt, n)
	}
	return int64(n), nil
}

// blobStart is where the blob begins after a manifest of n bytes.
func blobStart(n int64) int64 {
	end := int64(headerLen) + n
	return (end + blobAlign - 1) / blobAlign * blobAlign
}

func parseManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}
	return m, nil
}
