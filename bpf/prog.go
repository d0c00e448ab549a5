package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"
)

// State is the load state of a Program.
type State int

const (
	Unloaded State = iota
	Loaded
	Attached
	Failed
	Released
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Attached:
		return "attached"
	case Failed:
		return "failed"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Program is a handle on one named program of an Image.
//
// The kernel descriptor only exists between a successful Load and Release; it
// is never handed out, only its number via ID for logging.
type Program struct {
	logger      *zap.SugaredLogger
	image       *Image
	name        string
	spec        *ebpf.ProgramSpec
	state       State
	fd          Descriptor
	attachments map[attachKey]*Attachment
}

func (p *Program) Name() string {
	return p.name
}

func (p *Program) State() State {
	return p.state
}

func (p *Program) Type() ebpf.ProgramType {
	return p.spec.Type
}

// ID returns the numeric descriptor, or -1 when the program holds none.
func (p *Program) ID() int {
	if p.fd == nil {
		return -1
	}

	return p.fd.FD()
}

// live reports whether the program holds a kernel descriptor.
func (p *Program) live() bool {
	return p.state == Loaded || p.state == Attached
}

// Load submits the program to the verifier. On rejection the program moves to
// Failed and the returned error is a *VerifierError.
func (p *Program) Load() error {
	switch p.state {
	case Loaded, Attached:
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, p.name)
	case Released:
		return fmt.Errorf("%w: program %s", ErrReleased, p.name)
	}

	if p.image.closed {
		return fmt.Errorf("%w: image of program %s", ErrReleased, p.name)
	}

	maps, err := p.image.mapDescriptors()
	if err != nil {
		return fmt.Errorf("failed to prepare maps for %s: %w", p.name, err)
	}

	fd, err := p.image.kernel.LoadProgram(p.image.spec, p.name, maps)
	if err != nil {
		p.state = Failed
		return fmt.Errorf("failed to load %s: %w", p.name, err)
	}

	p.fd = fd
	p.state = Loaded

	p.logger.Infow("loaded program", "program", p.name, "type", p.spec.Type.String(), "fd", fd.FD())

	return nil
}

// Release closes the program's descriptor. Attachments should be detached
// first; the kernel keeps attached programs alive through their links.
// Release is safe to call more than once.
func (p *Program) Release() error {
	if p.state == Released {
		return nil
	}

	if n := len(p.attachments); n > 0 {
		p.logger.Warnw("releasing program with active attachments", "program", p.name, "attachments", n)
	}

	fd := p.fd
	p.fd = nil
	p.state = Released

	if fd == nil {
		return nil
	}

	if err := fd.Close(); err != nil {
		return fmt.Errorf("failed to release program %s: %w", p.name, err)
	}

	p.logger.Infow("released program", "program", p.name)

	return nil
}

// TestRun runs the program once in the kernel against frame, without any
// interface involved.
func (p *Program) TestRun(frame []byte) (Verdict, error) {
	if !p.live() {
		return XDPAborted, fmt.Errorf("%w: %s is %s", ErrNotLoaded, p.name, p.state)
	}

	return p.image.kernel.TestRun(p.fd, frame)
}
