package weights

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// Write encodes cfg and its per-layer parameter lists to w. Nil entries
// are recorded as absent.
func Write(w io.Writer, cfg block.Config, layers [][]*tensor.Tensor) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(layers) != cfg.Layers {
		return fmt.Errorf("weights: %d layers for config of %d", len(layers), cfg.Layers)
	}
	specs := block.Specs(cfg)
	m := Manifest{Version: version, Config: cfg, Layers: make([]Layer, len(layers))}
	var off int64
	for li, ps := range layers {
		if len(ps) != len(specs) {
			return fmt.Errorf("weights: layer %d has %d tensors, want %d", li, len(ps), len(specs))
		}
		entries := make([]Entry, len(ps))
		for i, t := range ps {
			e := Entry{Name: specs[i].Name}
			if t == nil {
				e.Absent = true
			} else {
				e.DType, e.Shape = t.DType(), t.Shape()
				e.Offset = off
				e.Size = int64(t.Len() * t.DType().Size())
				off = align(off + e.Size)
			}
			entries[i] = e
		}
		m.Layers[li] = Layer{Tensors: entries}
	}

	mb, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("weights: manifest: %w", err)
	}
	bw := bufio.NewWriterSize(w, 1<<20)
	if _, err := bw.Write(encodeHeader(len(mb))); err != nil {
		return err
	}
	if _, err := bw.Write(mb); err != nil {
		return err
	}
	if err := pad(bw, blobStart(int64(len(mb)))-int64(headerLen+len(mb))); err != nil {
		return err
	}
	var at int64
	for li, ps := range layers {
		for i, t := range ps {
			if t == nil {
				continue
			}
			e := m.Layers[li].Tensors[i]
			if err := pad(bw, e.Offset-at); err != nil {
				return err
			}
			if _, err := bw.Write(t.Bytes()); err != nil {
				return err
			}
			at = e.Offset + e.Size
		}
	}
	if err := pad(bw, align(at)-at); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteFile writes to path through a temporary file renamed into place.
func WriteFile(path string, cfg block.Config, layers [][]*tensor.Tensor) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := Write(tmp, cfg, layers); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteSynthetic writes deterministic random weights for cfg, layer i
// seeded with seed+i.
func WriteSynthetic(path string, cfg block.Config, seed int64) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	layers := make([][]*tensor.Tensor, cfg.Layers)
	for i := range layers {
		layers[i] = block.Synthetic(cfg, seed+int64(i))
	}
	return WriteFile(path, cfg, layers)
}

func align(n int64) int64 { return (n + blobAlign - 1) / blobAlign * blobAlign }

var zeros [blobAlign]byte

func pad(w io.Writer, n int64) error {
	for n > 0 {
		k := min(n, blobAlign)
		if _, err := w.Write(zeros[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
