package bpf

import (
	"fmt"
	"io"
	"strings"

	"github.com/cilium/ebpf"
)

// Descriptor is a kernel object reference held by this process. The numeric
// descriptor is only ever read for diagnostics.
type Descriptor interface {
	FD() int
	Close() error
}

// Interface identifies a network interface by name and index.
type Interface struct {
	Name  string
	Index int
}

// Kernel is the set of kernel object operations xdpchain needs.
//
// Implementations translate kernel failures into this package's sentinel errors
// (ErrInterfaceNotFound, ErrModeUnsupported, ErrAlreadyAttached, *VerifierError)
// so that callers never have to inspect errno values.
type Kernel interface {
	// CreateMap creates the map described by spec.
	CreateMap(spec *ebpf.MapSpec) (Descriptor, error)
	// LoadProgram submits the named program of coll to the verifier. maps must
	// hold a descriptor for every map in coll.
	LoadProgram(coll *ebpf.CollectionSpec, name string, maps map[string]Descriptor) (Descriptor, error)
	// UpdateProgramArray installs prog at key, replacing any previous occupant.
	UpdateProgramArray(table Descriptor, key uint32, prog Descriptor) error
	// DeleteProgramArray empties key. Deleting an empty slot is not an error.
	DeleteProgramArray(table Descriptor, key uint32) error
	LookupInterface(name string) (Interface, error)
	AttachXDP(prog Descriptor, iface Interface, mode Mode) (io.Closer, error)
	// TestRun runs prog once against frame and returns its verdict.
	TestRun(prog Descriptor, frame []byte) (Verdict, error)
}

// Mode selects where on the receive path an XDP program runs.
type Mode int

const (
	// ModeDefault lets the kernel pick: native if the driver supports it,
	// generic otherwise.
	ModeDefault Mode = iota
	ModeGeneric
	ModeDriver
	ModeOffload
)

func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeGeneric:
		return "generic"
	case ModeDriver:
		return "driver"
	case ModeOffload:
		return "offload"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the names accepted on the command line and in config files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return ModeDefault, nil
	case "generic", "skb":
		return ModeGeneric, nil
	case "driver", "native", "drv":
		return ModeDriver, nil
	case "offload", "hw":
		return ModeOffload, nil
	default:
		return ModeDefault, fmt.Errorf("unknown attach mode %q (expected default, generic, driver or offload)", s)
	}
}

func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}

	*m = mode

	return nil
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Verdict is the action an XDP program returns for a frame.
type Verdict uint32

const (
	XDPAborted Verdict = iota
	XDPDrop
	XDPPass
	XDPTx
	XDPRedirect
)

func (v Verdict) String() string {
	switch v {
	case XDPAborted:
		return "XDP_ABORTED"
	case XDPDrop:
		return "XDP_DROP"
	case XDPPass:
		return "XDP_PASS"
	case XDPTx:
		return "XDP_TX"
	case XDPRedirect:
		return "XDP_REDIRECT"
	default:
		return fmt.Sprintf("XDP_UNKNOWN(%d)", uint32(v))
	}
}
