package frontend

import (
	"context"
	"errors"
	"sync"

	"github.com/tcassar-diss/xdpchain/bpf"
	"github.com/tcassar-diss/xdpchain/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrAlreadyRun = errors.New("controller has already run")

// Controller owns every kernel object acquired during startup and releases
// them when the process is asked to stop.
//
// Teardown goes phase by phase: attachments are detached, dispatch tables
// cleared, programs released and finally image maps closed. Within a phase
// objects go in reverse order of acquisition.
type Controller struct {
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	attachments []*bpf.Attachment
	tables      []*bpf.DispatchTable
	programs    []*bpf.Program
	images      []*bpf.Image

	ran          bool
	teardownOnce sync.Once
	teardownErr  error
}

func NewController(logger *zap.SugaredLogger, m *metrics.Metrics) *Controller {
	return &Controller{
		logger:  logger,
		metrics: m,
	}
}

func (c *Controller) TrackImage(img *bpf.Image) {
	c.images = append(c.images, img)
}

func (c *Controller) TrackProgram(p *bpf.Program) {
	c.programs = append(c.programs, p)
}

func (c *Controller) TrackTable(t *bpf.DispatchTable) {
	c.tables = append(c.tables, t)
}

func (c *Controller) TrackAttachment(a *bpf.Attachment) {
	c.attachments = append(c.attachments, a)
}

// RunUntilSignal blocks until ctx is done and then tears everything down. It
// may only be called once.
func (c *Controller) RunUntilSignal(ctx context.Context) error {
	if c.ran {
		return ErrAlreadyRun
	}

	c.ran = true

	c.logger.Infow("resident, waiting for shutdown signal")

	<-ctx.Done()

	c.logger.Infow("shutdown requested, tearing down", "cause", context.Cause(ctx))

	return c.Teardown()
}

// Teardown releases every tracked object. Every step is attempted even if an
// earlier one failed; failures are logged and the first one is returned.
// Only the first call does any work.
func (c *Controller) Teardown() error {
	c.teardownOnce.Do(func() {
		c.teardownErr = c.teardown()
	})

	return c.teardownErr
}

func (c *Controller) teardown() error {
	var errs error

	step := func(what, name string, err error) {
		if err == nil {
			return
		}

		c.logger.Errorw("teardown step failed", "step", what, "object", name, "err", err)
		c.metrics.TeardownFailed()

		errs = multierr.Append(errs, err)
	}

	for i := len(c.attachments) - 1; i >= 0; i-- {
		a := c.attachments[i]
		step("detach", a.Program().Name()+"@"+a.Interface().Name, a.Detach())
	}

	for i := len(c.tables) - 1; i >= 0; i-- {
		t := c.tables[i]
		step("clear table", t.Name(), t.Close())
	}

	for i := len(c.programs) - 1; i >= 0; i-- {
		p := c.programs[i]
		step("release program", p.Name(), p.Release())
	}

	for i := len(c.images) - 1; i >= 0; i-- {
		step("close image", "", c.images[i].Close())
	}

	if errs == nil {
		c.logger.Infow("teardown complete")
		return nil
	}

	failures := multierr.Errors(errs)
	c.logger.Warnw("teardown finished with failures", "failures", len(failures))

	return failures[0]
}
