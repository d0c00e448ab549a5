package bpf

import (
	"fmt"
	"io"

	"go.uber.org/zap"
)

type attachKey struct {
	iface string
	mode  Mode
}

// Attachment binds a program to an interface's XDP hook in one mode.
type Attachment struct {
	logger   *zap.SugaredLogger
	program  *Program
	key      attachKey
	iface    Interface
	link     io.Closer
	detached bool
}

// Attach binds the program to the XDP hook of the named interface.
//
// The requested mode is used as is: if it is unsupported the caller gets
// ErrModeUnsupported and decides whether to retry with another mode. A failed
// attach leaves the program's state untouched.
func (p *Program) Attach(iface string, mode Mode) (*Attachment, error) {
	if !p.live() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotLoaded, p.name, p.state)
	}

	key := attachKey{iface: iface, mode: mode}
	if _, ok := p.attachments[key]; ok {
		return nil, fmt.Errorf("%w: %s on %s (%s)", ErrAlreadyAttached, p.name, iface, mode)
	}

	kernel := p.image.kernel

	ifc, err := kernel.LookupInterface(iface)
	if err != nil {
		return nil, err
	}

	lnk, err := kernel.AttachXDP(p.fd, ifc, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to attach %s: %w", p.name, err)
	}

	a := &Attachment{
		logger:  p.logger,
		program: p,
		key:     key,
		iface:   ifc,
		link:    lnk,
	}

	p.attachments[key] = a
	p.state = Attached

	p.logger.Infow("attached program", "program", p.name, "iface", ifc.Name, "ifindex", ifc.Index, "mode", mode.String())

	return a, nil
}

func (a *Attachment) Program() *Program {
	return a.program
}

func (a *Attachment) Interface() Interface {
	return a.iface
}

func (a *Attachment) Mode() Mode {
	return a.key.mode
}

// Active reports whether the attachment has not been detached yet.
func (a *Attachment) Active() bool {
	return !a.detached
}

// Detach removes the program from the hook. Detaching twice is a no-op.
//
// The record is considered gone even if the kernel reports an error, so the
// link is never closed twice.
func (a *Attachment) Detach() error {
	if a.detached {
		return nil
	}

	a.detached = true

	p := a.program
	delete(p.attachments, a.key)

	if len(p.attachments) == 0 && p.state == Attached {
		p.state = Loaded
	}

	if err := a.link.Close(); err != nil {
		return fmt.Errorf("failed to detach %s from %s: %w", p.name, a.iface.Name, err)
	}

	a.logger.Infow("detached program", "program", p.name, "iface", a.iface.Name, "mode", a.key.mode.String())

	return nil
}
