package weights

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// File is an opened weights file.
type File struct {
	data     []byte
	blob     []byte
	manifest *Manifest
	mmapped  bool
}

// Open maps path read-only and validates its manifest. If mmap is
// unavailable it falls back to reading the file into memory. The returned
// file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < headerLen || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		wf, perr := parse(data, true)
		if perr != nil {
			_ = unix.Munmap(data)
			return nil, perr
		}
		return wf, nil
	}
	return OpenReaderAt(f, size)
}

// OpenReaderAt loads a weights file from r without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < headerLen || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, size)
	}
	data := make([]byte, size)
	if _, err := r.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return parse(data, false)
}

func parse(data []byte, mmapped bool) (*File, error) {
	n, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	start := blobStart(n)
	if start > int64(len(data)) {
		return nil, fmt.Errorf("%w: manifest of %d bytes in file of %d", ErrCorrupt, n, len(data))
	}
	m, err := parseManifest(data[headerLen : headerLen+n])
	if err != nil {
		return nil, err
	}
	blob := data[start:]
	if err := m.Validate(int64(len(blob))); err != nil {
		return nil, err
	}
	return &File{data: data, blob: blob, manifest: m, mmapped: mmapped}, nil
}

// Close releases the mapping. Tensors already decoded stay valid.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data, f.blob, f.mmapped = nil, nil, false
	return err
}

func (f *File) Manifest() *Manifest  { return f.manifest }
func (f *File) Config() block.Config { return f.manifest.Config }
func (f *File) Mapped() bool         { return f.mmapped }

// Tensor decodes one tensor of layer.
func (f *File) Tensor(layer int, name string) (*tensor.Tensor, error) {
	if f.data == nil {
		return nil, fmt.Errorf("%w: file closed", ErrTensorNotFound)
	}
	e, err := f.manifest.Find(layer, name)
	if err != nil {
		return nil, err
	}
	if e.Absent {
		return nil, nil
	}
	t, err := tensor.FromBytes(e.DType, f.blob[e.Offset:e.Offset+e.Size], e.Shape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return t, nil
}

// Layer decodes the full parameter list of one layer in constructor order.
func (f *File) Layer(i int) ([]*tensor.Tensor, error) {
	if i < 0 || i >= len(f.manifest.Layers) {
		return nil, fmt.Errorf("%w: layer %d of %d", ErrTensorNotFound, i, len(f.manifest.Layers))
	}
	entries := f.manifest.Layers[i].Tensors
	out := make([]*tensor.Tensor, len(entries))
	for j, e := range entries {
		t, err := f.Tensor(i, e.Name)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		out[j] = t
	}
	return out, nil
}

// LayerShard is Layer cut down to what rank holds in a world-wide
// tensor-parallel group.
func (f *File) LayerShard(i, rank, world int) ([]*tensor.Tensor, error) {
	ps, err := f.Layer(i)
	if err != nil {
		return nil, err
	}
	return block.Shard(f.manifest.Config, ps, rank, world)
}

// Stack builds the decoder stack for rank. A nil group loads every
// parameter unsharded.
func (f *File) Stack(opts block.Options) (*block.Stack, error) {
	rank, world := 0, 1
	if opts.Group != nil {
		rank, world = opts.Group.Rank(), opts.Group.Size()
	}
	layers := make([][]*tensor.Tensor, len(f.manifest.Layers))
	for i := range layers {
		ps, err := f.LayerShard(i, rank, world)
		if err != nil {
			return nil, err
		}
		layers[i] = ps
	}
	return block.NewStack(f.manifest.Config, layers, opts)
}
