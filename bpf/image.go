package bpf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/cilium/ebpf"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Image is a parsed BPF object file. Programs and maps are looked up by the
// names they have in the object.
//
// An Image owns every map it creates: Image.Close releases them.
type Image struct {
	logger   *zap.SugaredLogger
	kernel   Kernel
	spec     *ebpf.CollectionSpec
	programs map[string]*Program
	maps     map[string]*Map
	closed   bool
}

// LoadImage reads and parses the object file at path. Nothing is created in the
// kernel until a map is looked up or a program is loaded.
func LoadImage(logger *zap.SugaredLogger, kernel Kernel, path string) (*Image, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}

	logger.Infow("parsed image", "path", path, "programs", len(spec.Programs), "maps", len(spec.Maps))

	return NewImage(logger, kernel, spec), nil
}

// NewImage wraps an already parsed collection spec.
func NewImage(logger *zap.SugaredLogger, kernel Kernel, spec *ebpf.CollectionSpec) *Image {
	return &Image{
		logger:   logger,
		kernel:   kernel,
		spec:     spec,
		programs: make(map[string]*Program),
		maps:     make(map[string]*Map),
	}
}

// Program returns the handle for the named program. The handle starts out
// Unloaded; repeated lookups return the same handle.
func (i *Image) Program(name string) (*Program, error) {
	if p, ok := i.programs[name]; ok {
		return p, nil
	}

	spec, ok := i.spec.Programs[name]
	if !ok {
		return nil, fmt.Errorf("%w: program %q", ErrNotFound, name)
	}

	p := &Program{
		logger:      i.logger,
		image:       i,
		name:        name,
		spec:        spec,
		state:       Unloaded,
		attachments: make(map[attachKey]*Attachment),
	}
	i.programs[name] = p

	return p, nil
}

// Map returns the handle for the named map, creating the map in the kernel on
// first lookup. Maps do not go through the verifier, so the handle is usable
// straight away.
func (i *Image) Map(name string) (*Map, error) {
	if i.closed {
		return nil, fmt.Errorf("%w: image", ErrReleased)
	}

	if m, ok := i.maps[name]; ok {
		return m, nil
	}

	spec, ok := i.spec.Maps[name]
	if !ok {
		return nil, fmt.Errorf("%w: map %q", ErrNotFound, name)
	}

	fd, err := i.kernel.CreateMap(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create map %q: %w", name, err)
	}

	m := &Map{
		logger: i.logger,
		kernel: i.kernel,
		name:   name,
		spec:   spec,
		fd:     fd,
	}
	i.maps[name] = m

	i.logger.Infow("created map", "map", name, "type", spec.Type.String(), "capacity", spec.MaxEntries, "fd", fd.FD())

	return m, nil
}

// Programs lists the names of all programs in the image.
func (i *Image) Programs() []string {
	return sortedKeys(i.spec.Programs)
}

// Maps lists the names of all maps in the image.
func (i *Image) Maps() []string {
	return sortedKeys(i.spec.Maps)
}

// mapDescriptors creates any map not yet created and returns the descriptors of
// all maps, which a program load needs to resolve its map references.
func (i *Image) mapDescriptors() (map[string]Descriptor, error) {
	fds := make(map[string]Descriptor, len(i.spec.Maps))

	for _, name := range i.Maps() {
		m, err := i.Map(name)
		if err != nil {
			return nil, err
		}

		if m.released {
			return nil, fmt.Errorf("%w: map %q", ErrReleased, name)
		}

		fds[name] = m.fd
	}

	return fds, nil
}

// Close releases every map the image created. It is safe to call more than once.
func (i *Image) Close() error {
	if i.closed {
		return nil
	}

	i.closed = true

	var err error
	for _, name := range sortedKeys(i.maps) {
		err = multierr.Append(err, i.maps[name].Close())
	}

	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
