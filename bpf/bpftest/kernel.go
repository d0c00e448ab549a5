// Package bpftest provides an in-memory bpf.Kernel.
//
// Programs are simulated: each program name can be given a Behavior that
// decides the verdict for a frame and may tail call through a program array,
// so the whole dispatch graph can be exercised without privileges or a NIC.
package bpftest

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/tcassar-diss/xdpchain/bpf"
)

// MaxTailCalls mirrors the kernel's limit on chained tail calls.
const MaxTailCalls = 33

var ErrBadDescriptor = errors.New("bad descriptor")

// Behavior decides what a simulated program does with a frame.
type Behavior func(ctx *Context) bpf.Verdict

// Context is handed to a Behavior for one program invocation.
type Context struct {
	// Frame may be modified in place, like packet data in a real program.
	Frame []byte

	kernel *Kernel
	calls  int
}

// TailCall jumps to the program at key of the named program array. Like the
// kernel helper, it only returns (with ok false) when the jump failed: empty
// slot, unknown table or tail call limit reached.
func (c *Context) TailCall(table string, key uint32) (v bpf.Verdict, ok bool) {
	if c.calls >= MaxTailCalls {
		return 0, false
	}

	prog := c.kernel.slot(table, key)
	if prog == nil {
		return 0, false
	}

	c.calls++

	return c.kernel.execute(prog, c), true
}

// Op records one operation performed against the kernel.
type Op struct {
	Op   string
	Name string
	Err  error
}

type object struct {
	kernel *Kernel
	fd     int
	kind   string
	name   string
	closed bool

	// maps only
	spec  *ebpf.MapSpec
	slots map[uint32]*object
}

func (o *object) FD() int {
	return o.fd
}

func (o *object) Close() error {
	return o.kernel.closeObject(o)
}

type hook struct {
	kernel *Kernel
	iface  bpf.Interface
	mode   bpf.Mode
	prog   *object
	closed bool
}

func (h *hook) Close() error {
	return h.kernel.detach(h)
}

type iface struct {
	bpf.Interface
	unsupported map[bpf.Mode]bool
}

// Kernel is a fake bpf.Kernel. The zero value is not usable; call New.
type Kernel struct {
	mu sync.Mutex

	nextFD     int
	objects    map[int]*object
	maps       map[string]*object
	behaviors  map[string]Behavior
	rejects    map[string]string
	interfaces map[string]*iface
	hooks      map[int]*hook
	failures   map[string]error
	ops        []Op
}

// New returns an empty fake kernel with no interfaces.
func New() *Kernel {
	return &Kernel{
		nextFD:     3,
		objects:    make(map[int]*object),
		maps:       make(map[string]*object),
		behaviors:  make(map[string]Behavior),
		rejects:    make(map[string]string),
		interfaces: make(map[string]*iface),
		hooks:      make(map[int]*hook),
		failures:   make(map[string]error),
	}
}

// AddInterface adds a network interface. Modes listed in unsupported are
// refused by AttachXDP with bpf.ErrModeUnsupported.
func (k *Kernel) AddInterface(name string, unsupported ...bpf.Mode) bpf.Interface {
	k.mu.Lock()
	defer k.mu.Unlock()

	ifc := &iface{
		Interface:   bpf.Interface{Name: name, Index: len(k.interfaces) + 1},
		unsupported: make(map[bpf.Mode]bool),
	}

	for _, m := range unsupported {
		ifc.unsupported[m] = true
	}

	k.interfaces[name] = ifc

	return ifc.Interface
}

// Define sets the behavior of the named program. Programs without a behavior
// pass every frame.
func (k *Kernel) Define(program string, b Behavior) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.behaviors[program] = b
}

// Reject makes the verifier refuse the named program with the given log.
func (k *Kernel) Reject(program, log string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.rejects[program] = log
}

// FailOn makes the next operation op on the object called name fail with err.
// op is one of the names recorded by Operations, e.g. "detach" or "close-prog".
func (k *Kernel) FailOn(op, name string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.failures[op+":"+name] = err
}

// Operations returns every operation performed so far, in order.
func (k *Kernel) Operations() []Op {
	k.mu.Lock()
	defer k.mu.Unlock()

	return append([]Op(nil), k.ops...)
}

// OpenObjects counts descriptors that have not been closed.
func (k *Kernel) OpenObjects() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.objects)
}

// Attached returns the name of the program on the interface's hook, if any.
func (k *Kernel) Attached(ifname string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ifc, ok := k.interfaces[ifname]
	if !ok {
		return "", false
	}

	h, ok := k.hooks[ifc.Index]
	if !ok {
		return "", false
	}

	return h.prog.name, true
}

// Slot returns the name of the program at key of the named program array.
func (k *Kernel) Slot(table string, key uint32) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if p := k.slotLocked(table, key); p != nil {
		return p.name, true
	}

	return "", false
}

// Deliver simulates a frame arriving on the named interface and returns the
// final verdict. Interfaces without a program pass everything.
func (k *Kernel) Deliver(ifname string, frame []byte) (bpf.Verdict, error) {
	k.mu.Lock()
	ifc, ok := k.interfaces[ifname]
	if !ok {
		k.mu.Unlock()
		return bpf.XDPAborted, fmt.Errorf("%w: %s", bpf.ErrInterfaceNotFound, ifname)
	}

	h, ok := k.hooks[ifc.Index]
	k.mu.Unlock()

	if !ok {
		return bpf.XDPPass, nil
	}

	return k.execute(h.prog, &Context{Frame: frame, kernel: k}), nil
}

func (k *Kernel) execute(prog *object, ctx *Context) bpf.Verdict {
	k.mu.Lock()
	b, ok := k.behaviors[prog.name]
	k.mu.Unlock()

	if !ok {
		return bpf.XDPPass
	}

	return b(ctx)
}

func (k *Kernel) slot(table string, key uint32) *object {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.slotLocked(table, key)
}

func (k *Kernel) slotLocked(table string, key uint32) *object {
	m, ok := k.maps[table]
	if !ok {
		return nil
	}

	return m.slots[key]
}

// record appends an op, consuming any failure injected for it.
func (k *Kernel) record(op, name string, err error) error {
	if err == nil {
		if injected, ok := k.failures[op+":"+name]; ok {
			delete(k.failures, op+":"+name)
			err = injected
		}
	}

	k.ops = append(k.ops, Op{Op: op, Name: name, Err: err})

	return err
}

func (k *Kernel) newObject(kind, name string) *object {
	o := &object{kernel: k, fd: k.nextFD, kind: kind, name: name}
	k.nextFD++
	k.objects[o.fd] = o

	return o
}

func (k *Kernel) lookup(d bpf.Descriptor, kind string) (*object, error) {
	o, ok := d.(*object)
	if !ok || o.kernel != k || o.closed || o.kind != kind {
		return nil, fmt.Errorf("%w: not an open %s", ErrBadDescriptor, kind)
	}

	return o, nil
}

func (k *Kernel) CreateMap(spec *ebpf.MapSpec) (bpf.Descriptor, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.record("create-map", spec.Name, nil); err != nil {
		return nil, err
	}

	o := k.newObject("map", spec.Name)
	o.spec = spec.Copy()
	o.slots = make(map[uint32]*object)
	k.maps[spec.Name] = o

	return o, nil
}

func (k *Kernel) LoadProgram(
	coll *ebpf.CollectionSpec,
	name string,
	maps map[string]bpf.Descriptor,
) (bpf.Descriptor, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := coll.Programs[name]; !ok {
		return nil, k.record("load", name, fmt.Errorf("%w: program %s", bpf.ErrNotFound, name))
	}

	for mapName := range coll.Maps {
		if _, err := k.lookup(maps[mapName], "map"); err != nil {
			return nil, k.record("load", name, fmt.Errorf("unresolved map reference %s: %w", mapName, err))
		}
	}

	if log, ok := k.rejects[name]; ok {
		return nil, k.record("load", name, &bpf.VerifierError{
			Program: name,
			Log:     log,
			Err:     errors.New("permission denied"),
		})
	}

	if err := k.record("load", name, nil); err != nil {
		return nil, err
	}

	return k.newObject("prog", name), nil
}

func (k *Kernel) UpdateProgramArray(table bpf.Descriptor, key uint32, prog bpf.Descriptor) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.lookup(table, "map")
	if err != nil {
		return k.record("update", "", err)
	}

	p, err := k.lookup(prog, "prog")
	if err != nil {
		return k.record("update", m.name, err)
	}

	if m.spec.Type != ebpf.ProgramArray {
		return k.record("update", m.name, fmt.Errorf("%w: %s", bpf.ErrNotProgramArray, m.name))
	}

	if key >= m.spec.MaxEntries {
		return k.record("update", m.name, fmt.Errorf("%w: key %d", bpf.ErrIndexOutOfRange, key))
	}

	if err := k.record("update", m.name, nil); err != nil {
		return err
	}

	m.slots[key] = p

	return nil
}

func (k *Kernel) DeleteProgramArray(table bpf.Descriptor, key uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.lookup(table, "map")
	if err != nil {
		return k.record("delete", "", err)
	}

	if err := k.record("delete", m.name, nil); err != nil {
		return err
	}

	delete(m.slots, key)

	return nil
}

func (k *Kernel) LookupInterface(name string) (bpf.Interface, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ifc, ok := k.interfaces[name]
	if !ok {
		return bpf.Interface{}, fmt.Errorf("%w: %s", bpf.ErrInterfaceNotFound, name)
	}

	return ifc.Interface, nil
}

func (k *Kernel) AttachXDP(prog bpf.Descriptor, target bpf.Interface, mode bpf.Mode) (io.Closer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, err := k.lookup(prog, "prog")
	if err != nil {
		return nil, k.record("attach", "", err)
	}

	ifc, ok := k.interfaces[target.Name]
	if !ok || ifc.Index != target.Index {
		return nil, k.record("attach", p.name, fmt.Errorf("%w: %s", bpf.ErrInterfaceNotFound, target.Name))
	}

	if ifc.unsupported[mode] {
		return nil, k.record("attach", p.name, fmt.Errorf("%w: %s on %s", bpf.ErrModeUnsupported, mode, ifc.Name))
	}

	if _, busy := k.hooks[ifc.Index]; busy {
		return nil, k.record("attach", p.name, fmt.Errorf("%w: %s busy", bpf.ErrAlreadyAttached, ifc.Name))
	}

	if err := k.record("attach", p.name, nil); err != nil {
		return nil, err
	}

	h := &hook{kernel: k, iface: ifc.Interface, mode: mode, prog: p}
	k.hooks[ifc.Index] = h

	return h, nil
}

func (k *Kernel) detach(h *hook) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if h.closed {
		return k.record("detach", h.prog.name, fmt.Errorf("%w: link already closed", ErrBadDescriptor))
	}

	h.closed = true
	if k.hooks[h.iface.Index] == h {
		delete(k.hooks, h.iface.Index)
	}

	return k.record("detach", h.prog.name, nil)
}

func (k *Kernel) closeObject(o *object) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	op := "close-" + o.kind

	if o.closed {
		return k.record(op, o.name, fmt.Errorf("%w: fd %d already closed", ErrBadDescriptor, o.fd))
	}

	o.closed = true
	delete(k.objects, o.fd)

	if o.kind == "map" {
		// the last reference to a program array going away flushes it
		o.slots = map[uint32]*object{}
		if k.maps[o.name] == o {
			delete(k.maps, o.name)
		}
	}

	return k.record(op, o.name, nil)
}

func (k *Kernel) TestRun(prog bpf.Descriptor, frame []byte) (bpf.Verdict, error) {
	k.mu.Lock()
	p, err := k.lookup(prog, "prog")
	k.mu.Unlock()

	if err != nil {
		return bpf.XDPAborted, err
	}

	return k.execute(p, &Context{Frame: frame, kernel: k}), nil
}
