package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Map is a handle on a map created from an Image.
type Map struct {
	logger   *zap.SugaredLogger
	kernel   Kernel
	name     string
	spec     *ebpf.MapSpec
	fd       Descriptor
	released bool
}

func (m *Map) Name() string {
	return m.name
}

func (m *Map) Type() ebpf.MapType {
	return m.spec.Type
}

// Capacity is the map's maximum number of entries.
func (m *Map) Capacity() int {
	return int(m.spec.MaxEntries)
}

// ID returns the numeric descriptor, or -1 once the map is released.
func (m *Map) ID() int {
	if m.released {
		return -1
	}

	return m.fd.FD()
}

// Close releases the map. It is safe to call more than once.
func (m *Map) Close() error {
	if m.released {
		return nil
	}

	m.released = true

	if err := m.fd.Close(); err != nil {
		return fmt.Errorf("failed to release map %s: %w", m.name, err)
	}

	m.logger.Infow("released map", "map", m.name)

	return nil
}

// DispatchTable is a program array used for tail calls: the running program
// picks a key and the kernel jumps to whichever program occupies that slot.
//
// The table keeps a local record of what it installed so that occupants can be
// looked up and cleared without reading back from the kernel. Only one
// DispatchTable should write to a given map; concurrent writers from other
// processes race and the last write wins.
type DispatchTable struct {
	logger *zap.SugaredLogger
	m      *Map
	slots  []*Program
	closed bool
}

// NewDispatchTable wraps m, which must be a program array.
func NewDispatchTable(logger *zap.SugaredLogger, m *Map) (*DispatchTable, error) {
	if m.Type() != ebpf.ProgramArray {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotProgramArray, m.name, m.Type())
	}

	if m.released {
		return nil, fmt.Errorf("%w: map %s", ErrReleased, m.name)
	}

	return &DispatchTable{
		logger: logger,
		m:      m,
		slots:  make([]*Program, m.Capacity()),
	}, nil
}

func (t *DispatchTable) Name() string {
	return t.m.name
}

func (t *DispatchTable) Capacity() int {
	return len(t.slots)
}

func (t *DispatchTable) checkKey(key int) error {
	if key < 0 || key >= len(t.slots) {
		return fmt.Errorf("%w: key %d not in [0, %d) of %s", ErrIndexOutOfRange, key, len(t.slots), t.m.name)
	}

	return nil
}

// Set installs p at key, replacing whatever was there. p must hold a live
// descriptor (Loaded or Attached). On any error the slot is left as it was.
func (t *DispatchTable) Set(key int, p *Program) error {
	if t.closed {
		return fmt.Errorf("%w: dispatch table %s", ErrReleased, t.m.name)
	}

	if err := t.checkKey(key); err != nil {
		return err
	}

	if p == nil || !p.live() {
		state := "nil"
		if p != nil {
			state = p.state.String()
		}

		return fmt.Errorf("%w: slot %d (program is %s)", ErrProgramNotLoaded, key, state)
	}

	if err := t.m.kernel.UpdateProgramArray(t.m.fd, uint32(key), p.fd); err != nil {
		return fmt.Errorf("failed to install %s at %s[%d]: %w", p.name, t.m.name, key, err)
	}

	if prev := t.slots[key]; prev != nil && prev != p {
		t.logger.Infow("replaced dispatch slot", "table", t.m.name, "key", key, "old", prev.name, "new", p.name)
	}

	t.slots[key] = p

	t.logger.Infow("registered program in dispatch table", "table", t.m.name, "key", key, "program", p.name)

	return nil
}

// Lookup returns the program installed at key by this table.
func (t *DispatchTable) Lookup(key int) (*Program, bool) {
	if t.checkKey(key) != nil {
		return nil, false
	}

	p := t.slots[key]

	return p, p != nil
}

// Clear empties key. Clearing an empty slot is a no-op.
func (t *DispatchTable) Clear(key int) error {
	if err := t.checkKey(key); err != nil {
		return err
	}

	if t.slots[key] == nil || t.closed {
		return nil
	}

	if err := t.m.kernel.DeleteProgramArray(t.m.fd, uint32(key)); err != nil {
		return fmt.Errorf("failed to clear %s[%d]: %w", t.m.name, key, err)
	}

	t.slots[key] = nil

	return nil
}

// Occupied lists the keys that hold a program, in ascending order.
func (t *DispatchTable) Occupied() []int {
	var keys []int

	for k, p := range t.slots {
		if p != nil {
			keys = append(keys, k)
		}
	}

	return keys
}

// Close clears every occupied slot and then releases the map. Every step is
// attempted; the combined error is returned.
func (t *DispatchTable) Close() error {
	if t.closed {
		return nil
	}

	var err error
	for _, k := range t.Occupied() {
		err = multierr.Append(err, t.Clear(k))
	}

	t.closed = true

	return multierr.Append(err, t.m.Close())
}
