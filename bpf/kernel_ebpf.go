package bpf

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var errForeignDescriptor = errors.New("descriptor was not created by this kernel")

// EBPFKernel implements Kernel with cilium/ebpf and netlink.
type EBPFKernel struct {
	logger *zap.SugaredLogger
}

// NewKernel removes the memlock rlimit and returns a Kernel talking to the
// running kernel. It needs CAP_BPF and CAP_NET_ADMIN (or root).
func NewKernel(logger *zap.SugaredLogger) (*EBPFKernel, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock rlimit: %w", err)
	}

	return &EBPFKernel{logger: logger}, nil
}

func (k *EBPFKernel) CreateMap(spec *ebpf.MapSpec) (Descriptor, error) {
	spec = spec.Copy()
	// pinning is not managed here: maps live exactly as long as this process
	spec.Pinning = ebpf.PinNone

	// statically initialised program arrays refer to programs by name, which
	// only resolve inside a collection; slots are filled through
	// UpdateProgramArray instead
	if spec.Type == ebpf.ProgramArray {
		spec.Contents = nil
	}

	m, err := ebpf.NewMap(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create map %s: %w", spec.Name, err)
	}

	return m, nil
}

func (k *EBPFKernel) LoadProgram(
	coll *ebpf.CollectionSpec,
	name string,
	maps map[string]Descriptor,
) (Descriptor, error) {
	sub := coll.Copy()

	progSpec, ok := sub.Programs[name]
	if !ok {
		return nil, fmt.Errorf("%w: program %s", ErrNotFound, name)
	}

	sub.Programs = map[string]*ebpf.ProgramSpec{name: progSpec}

	replacements := make(map[string]*ebpf.Map, len(maps))
	for n, d := range maps {
		m, ok := d.(*ebpf.Map)
		if !ok {
			return nil, fmt.Errorf("%w: map %s", errForeignDescriptor, n)
		}

		replacements[n] = m
	}

	for _, ms := range sub.Maps {
		ms.Pinning = ebpf.PinNone
	}

	loaded, err := ebpf.NewCollectionWithOptions(sub, ebpf.CollectionOptions{
		MapReplacements: replacements,
	})
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			return nil, &VerifierError{
				Program: name,
				Log:     strings.Join(ve.Log, "\n"),
				Err:     err,
			}
		}

		return nil, fmt.Errorf("failed to load program %s: %w", name, err)
	}
	defer loaded.Close()

	prog := loaded.DetachProgram(name)
	if prog == nil {
		return nil, fmt.Errorf("%w: program %s missing from loaded collection", ErrNotFound, name)
	}

	return prog, nil
}

func (k *EBPFKernel) UpdateProgramArray(table Descriptor, key uint32, prog Descriptor) error {
	m, ok := table.(*ebpf.Map)
	if !ok {
		return errForeignDescriptor
	}

	p, ok := prog.(*ebpf.Program)
	if !ok {
		return errForeignDescriptor
	}

	if err := m.Update(key, p, ebpf.UpdateAny); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return fmt.Errorf("%w: key %d: %w", ErrIndexOutOfRange, key, err)
		}

		return fmt.Errorf("failed to update program array: %w", err)
	}

	return nil
}

func (k *EBPFKernel) DeleteProgramArray(table Descriptor, key uint32) error {
	m, ok := table.(*ebpf.Map)
	if !ok {
		return errForeignDescriptor
	}

	if err := m.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("failed to delete program array slot %d: %w", key, err)
	}

	return nil
}

func (k *EBPFKernel) LookupInterface(name string) (Interface, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		if errors.As(err, &netlink.LinkNotFoundError{}) {
			return Interface{}, fmt.Errorf("%w: %s", ErrInterfaceNotFound, name)
		}

		return Interface{}, fmt.Errorf("failed to look up interface %s: %w", name, err)
	}

	return Interface{Name: name, Index: l.Attrs().Index}, nil
}

var xdpFlags = map[Mode]link.XDPAttachFlags{
	ModeDefault: 0,
	ModeGeneric: link.XDPGenericMode,
	ModeDriver:  link.XDPDriverMode,
	ModeOffload: link.XDPOffloadMode,
}

func (k *EBPFKernel) AttachXDP(prog Descriptor, iface Interface, mode Mode) (io.Closer, error) {
	p, ok := prog.(*ebpf.Program)
	if !ok {
		return nil, errForeignDescriptor
	}

	flags, ok := xdpFlags[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModeUnsupported, mode)
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   p,
		Interface: iface.Index,
		Flags:     flags,
	})
	if err != nil {
		return nil, classifyAttachErr(err, iface, mode)
	}

	return l, nil
}

func classifyAttachErr(err error, iface Interface, mode Mode) error {
	switch {
	case errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%w: %s: %w", ErrInterfaceNotFound, iface.Name, err)
	case errors.Is(err, unix.EOPNOTSUPP),
		errors.Is(err, unix.EINVAL) && mode != ModeDefault:
		return fmt.Errorf("%w: %s on %s: %w", ErrModeUnsupported, mode, iface.Name, err)
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EEXIST):
		return fmt.Errorf("%w: %s already has an XDP program: %w", ErrAlreadyAttached, iface.Name, err)
	default:
		return fmt.Errorf("failed to attach to %s (%s): %w", iface.Name, mode, err)
	}
}

func (k *EBPFKernel) TestRun(prog Descriptor, frame []byte) (Verdict, error) {
	p, ok := prog.(*ebpf.Program)
	if !ok {
		return XDPAborted, errForeignDescriptor
	}

	ret, err := p.Run(&ebpf.RunOptions{Data: frame})
	if err != nil {
		return XDPAborted, fmt.Errorf("failed to test run program: %w", err)
	}

	return Verdict(ret), nil
}
