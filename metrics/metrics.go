// Package metrics exposes the state of xdpchain's kernel objects to Prometheus.
//
// A nil *Metrics is valid and records nothing, so callers do not need to check
// whether metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tcassar-diss/xdpchain/bpf"
	"go.uber.org/zap"
)

var states = []bpf.State{bpf.Unloaded, bpf.Loaded, bpf.Attached, bpf.Failed, bpf.Released}

type Metrics struct {
	registry         *prometheus.Registry
	programState     *prometheus.GaugeVec
	dispatchSlots    *prometheus.GaugeVec
	maps             prometheus.Gauge
	attachments      prometheus.Gauge
	startupFailures  *prometheus.CounterVec
	teardownFailures prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		programState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xdpchain_program_state",
			Help: "1 for the current load state of each program, 0 for the others.",
		}, []string{"program", "state"}),
		dispatchSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xdpchain_dispatch_slot_occupied",
			Help: "1 if the dispatch table slot holds a program.",
		}, []string{"table", "slot", "program"}),
		maps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xdpchain_maps",
			Help: "Number of maps created and not yet released.",
		}),
		attachments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xdpchain_attachments",
			Help: "Number of active XDP attachments.",
		}),
		startupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xdpchain_startup_failures_total",
			Help: "Startup failures by stage.",
		}, []string{"stage"}),
		teardownFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xdpchain_teardown_failures_total",
			Help: "Teardown steps that returned an error.",
		}),
	}

	m.registry.MustRegister(
		m.programState,
		m.dispatchSlots,
		m.maps,
		m.attachments,
		m.startupFailures,
		m.teardownFailures,
	)

	return m
}

// ObserveImage records the state of every program and map of img.
func (m *Metrics) ObserveImage(img *bpf.Image) {
	if m == nil {
		return
	}

	stats := img.Stats()

	for program, current := range stats.Programs {
		for _, s := range states {
			v := 0.0
			if s.String() == current {
				v = 1
			}

			m.programState.WithLabelValues(program, s.String()).Set(v)
		}
	}

	m.maps.Set(float64(len(stats.Maps)))
	m.attachments.Set(float64(stats.Attachments))
}

// ObserveTable records which slots of t are occupied.
func (m *Metrics) ObserveTable(t *bpf.DispatchTable) {
	if m == nil {
		return
	}

	m.dispatchSlots.DeletePartialMatch(prometheus.Labels{"table": t.Name()})

	for _, k := range t.Occupied() {
		p, _ := t.Lookup(k)
		m.dispatchSlots.WithLabelValues(t.Name(), strconv.Itoa(k), p.Name()).Set(1)
	}
}

func (m *Metrics) StartupFailed(stage string) {
	if m == nil {
		return
	}

	m.startupFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) TeardownFailed() {
	if m == nil {
		return
	}

	m.teardownFailures.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, logger *zap.SugaredLogger, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		logger.Infow("serving metrics", "addr", addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("metrics endpoint failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down metrics endpoint: %w", err)
	}

	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint failed: %w", err)
	}

	return nil
}
