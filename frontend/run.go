package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tcassar-diss/xdpchain/bpf"
	"github.com/tcassar-diss/xdpchain/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StageOpenImage = "open image"
	StageLookup    = "lookup"
	StageLoad      = "load"
	StageRegister  = "register"
	StageAttach    = "attach"
)

// StageError reports which startup stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s error): %v", e.Stage, bpf.Classify(e.Err), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Deployment is a running tail call chain: the tail program registered in the
// dispatch table and the entry program attached to the interface.
type Deployment struct {
	Image      *bpf.Image
	Table      *bpf.DispatchTable
	Entry      *bpf.Program
	Tail       *bpf.Program
	Attachment *bpf.Attachment
	Controller *Controller
}

// Start opens the image at cfg.ImagePath and deploys it with Deploy.
func Start(logger *zap.SugaredLogger, kernel bpf.Kernel, cfg *Config, m *metrics.Metrics) (*Deployment, error) {
	img, err := openImage(logger, kernel, cfg, m)
	if err != nil {
		return nil, err
	}

	return Deploy(logger, img, cfg, m)
}

func openImage(logger *zap.SugaredLogger, kernel bpf.Kernel, cfg *Config, m *metrics.Metrics) (*bpf.Image, error) {
	img, err := bpf.LoadImage(logger, kernel, cfg.ImagePath)
	if err != nil {
		m.StartupFailed(StageOpenImage)
		logger.Errorw("failed to open image", "path", cfg.ImagePath, "err", err)

		return nil, &StageError{Stage: StageOpenImage, Err: err}
	}

	logger.Infow("opened image", "path", cfg.ImagePath, "programs", img.Programs(), "maps", img.Maps())

	return img, nil
}

// Deploy brings the chain up from an open image. The tail program is
// registered before the entry program is attached so no frame can reach an
// empty slot. On failure everything acquired so far, the image included, is
// torn down and a *StageError is returned.
func Deploy(logger *zap.SugaredLogger, img *bpf.Image, cfg *Config, m *metrics.Metrics) (*Deployment, error) {
	ctrl := NewController(logger, m)
	ctrl.TrackImage(img)

	d, err := deploy(logger, img, cfg, ctrl)
	if err != nil {
		stage := StageLookup

		var se *StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}

		m.StartupFailed(stage)
		logger.Errorw("startup failed, rolling back", "stage", stage, "err", err)

		if terr := ctrl.Teardown(); terr != nil {
			logger.Errorw("rollback incomplete", "err", terr)
		}

		return nil, err
	}

	return d, nil
}

func deploy(logger *zap.SugaredLogger, img *bpf.Image, cfg *Config, ctrl *Controller) (*Deployment, error) {
	fail := func(stage string, err error) (*Deployment, error) {
		return nil, &StageError{Stage: stage, Err: err}
	}

	// programs first: a missing name should not cost a map creation
	tail, err := img.Program(cfg.Programs.Tail)
	if err != nil {
		return fail(StageLookup, err)
	}

	entry, err := img.Program(cfg.Programs.Entry)
	if err != nil {
		return fail(StageLookup, err)
	}

	m, err := img.Map(cfg.Dispatch.Map)
	if err != nil {
		return fail(StageLookup, err)
	}

	table, err := bpf.NewDispatchTable(logger, m)
	if err != nil {
		return fail(StageLookup, err)
	}

	ctrl.TrackTable(table)
	ctrl.TrackProgram(tail)

	if err := tail.Load(); err != nil {
		return fail(StageLoad, err)
	}

	if err := table.Set(cfg.Dispatch.Slot, tail); err != nil {
		return fail(StageRegister, err)
	}

	ctrl.TrackProgram(entry)

	if err := entry.Load(); err != nil {
		return fail(StageLoad, err)
	}

	att, err := entry.Attach(cfg.Interface, cfg.Mode)
	if err != nil {
		return fail(StageAttach, err)
	}

	ctrl.TrackAttachment(att)

	logger.Infow(
		"chain is up",
		"entry", entry.Name(),
		"tail", tail.Name(),
		"table", table.Name(),
		"slot", cfg.Dispatch.Slot,
		"iface", cfg.Interface,
		"mode", cfg.Mode.String(),
	)

	return &Deployment{
		Image:      img,
		Table:      table,
		Entry:      entry,
		Tail:       tail,
		Attachment: att,
		Controller: ctrl,
	}, nil
}

// Run opens the image at cfg.ImagePath and hands it to RunImage.
func Run(ctx context.Context, logger *zap.SugaredLogger, kernel bpf.Kernel, cfg *Config) error {
	img, err := openImage(logger, kernel, cfg, nil)
	if err != nil {
		return err
	}

	return RunImage(ctx, logger, img, cfg)
}

// RunImage deploys img, keeps the chain resident until ctx is cancelled and
// then tears it down. If cfg.MetricsAddr is set a metrics endpoint is served
// alongside; if it fails the chain is torn down as well.
func RunImage(ctx context.Context, logger *zap.SugaredLogger, img *bpf.Image, cfg *Config) error {
	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
	}

	eg, ctx := errgroup.WithContext(ctx)

	if m != nil {
		eg.Go(func() error {
			return metrics.Serve(ctx, logger, cfg.MetricsAddr, m)
		})
	}

	eg.Go(func() error {
		d, err := Deploy(logger, img, cfg, m)
		if err != nil {
			return err
		}

		m.ObserveImage(d.Image)
		m.ObserveTable(d.Table)

		if cfg.Probe {
			if _, err := Probe(logger, d.Entry); err != nil {
				logger.Warnw("probe failed", "err", err)
			}
		}

		if err := logStats(logger, d.Image); err != nil {
			logger.Warnw("failed to log stats", "err", err)
		}

		err = d.Controller.RunUntilSignal(ctx)

		m.ObserveImage(d.Image)

		if err != nil {
			return fmt.Errorf("teardown failed: %w", err)
		}

		return nil
	})

	return eg.Wait()
}

func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	build := zap.NewProduction
	if verbose {
		build = zap.NewDevelopment
	}

	l, err := build()
	if err != nil {
		return nil, fmt.Errorf("failed to get zap logger: %w", err)
	}

	return l.Sugar(), nil
}

func logStats(logger *zap.SugaredLogger, img *bpf.Image) error {
	bts, err := json.Marshal(img.Stats())
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	logger.Infoln(string(bts))

	return nil
}
