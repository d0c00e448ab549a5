package frontend_test

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/xdpchain/bpf"
	"github.com/tcassar-diss/xdpchain/bpf/bpftest"
	"github.com/tcassar-diss/xdpchain/frontend"
	"github.com/tcassar-diss/xdpchain/metrics"
)

func TestDeploy(t *testing.T) {
	f := newFixture(t)

	d, err := frontend.Deploy(f.logger, f.image, f.cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Controller.Teardown() })

	assert.Equal(t, bpf.Attached, d.Entry.State())
	assert.Equal(t, bpf.Loaded, d.Tail.State())

	occupant, ok := d.Table.Lookup(0)
	require.True(t, ok)
	assert.Same(t, d.Tail, occupant)

	name, ok := f.kernel.Slot(bpftest.ProgArray, 0)
	require.True(t, ok)
	assert.Equal(t, bpftest.Child, name)

	name, ok = f.kernel.Attached("eth0")
	require.True(t, ok)
	assert.Equal(t, bpftest.Parent, name)

	// the tail program is registered before the entry program goes live
	ops := f.ops(0)
	assert.Less(t, indexOf(ops, "update:"+bpftest.ProgArray), indexOf(ops, "load:"+bpftest.Parent))
	assert.Less(t, indexOf(ops, "load:"+bpftest.Parent), indexOf(ops, "attach:"+bpftest.Parent))
}

func TestDeploy_Failures(t *testing.T) {
	type testcase struct {
		name  string
		setup func(f *fixture)
		stage string
		err   error
		class bpf.ErrorClass
		noOps bool
	}

	cases := []testcase{
		{
			name:  "missing tail program",
			setup: func(f *fixture) { f.cfg.Programs.Tail = "nope" },
			stage: frontend.StageLookup,
			err:   bpf.ErrNotFound,
			class: bpf.ClassConfiguration,
			noOps: true,
		},
		{
			name:  "missing map",
			setup: func(f *fixture) { f.cfg.Dispatch.Map = "nope" },
			stage: frontend.StageLookup,
			err:   bpf.ErrNotFound,
			class: bpf.ClassConfiguration,
			noOps: true,
		},
		{
			name:  "map is not a program array",
			setup: func(f *fixture) { f.cfg.Dispatch.Map = bpftest.Counters },
			stage: frontend.StageLookup,
			err:   bpf.ErrNotProgramArray,
			class: bpf.ClassConfiguration,
		},
		{
			name:  "tail rejected by verifier",
			setup: func(f *fixture) { f.kernel.Reject(bpftest.Child, "invalid stack off=-520") },
			stage: frontend.StageLoad,
			err:   bpf.ErrVerifierRejected,
			class: bpf.ClassVerifier,
		},
		{
			name:  "slot out of range",
			setup: func(f *fixture) { f.cfg.Dispatch.Slot = 2 },
			stage: frontend.StageRegister,
			err:   bpf.ErrIndexOutOfRange,
			class: bpf.ClassResource,
		},
		{
			name:  "entry rejected by verifier",
			setup: func(f *fixture) { f.kernel.Reject(bpftest.Parent, "unreachable insn 7") },
			stage: frontend.StageLoad,
			err:   bpf.ErrVerifierRejected,
			class: bpf.ClassVerifier,
		},
		{
			name:  "interface not found",
			setup: func(f *fixture) { f.cfg.Interface = "nonexistent0" },
			stage: frontend.StageAttach,
			err:   bpf.ErrInterfaceNotFound,
			class: bpf.ClassAttachment,
		},
		{
			name:  "mode unsupported",
			setup: func(f *fixture) { f.cfg.Mode = bpf.ModeOffload },
			stage: frontend.StageAttach,
			err:   bpf.ErrModeUnsupported,
			class: bpf.ClassAttachment,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			c.setup(f)

			m := metrics.New()

			d, err := frontend.Deploy(f.logger, f.image, f.cfg, m)
			require.Nil(t, d)
			require.ErrorIs(t, err, c.err)

			var se *frontend.StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, c.stage, se.Stage)
			assert.Equal(t, c.class, bpf.Classify(err))
			assert.Contains(t, err.Error(), c.stage)

			// rolled back
			assert.Zero(t, f.kernel.OpenObjects())
			_, attached := f.kernel.Attached("eth0")
			assert.False(t, attached)

			if c.noOps {
				assert.Empty(t, f.kernel.Operations())
			}

			expected := fmt.Sprintf(`
# HELP xdpchain_startup_failures_total Startup failures by stage.
# TYPE xdpchain_startup_failures_total counter
xdpchain_startup_failures_total{stage=%q} 1
`, c.stage)
			require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "xdpchain_startup_failures_total"))
		})
	}
}

func TestStart_OpenImage(t *testing.T) {
	dir := t.TempDir()

	garbage := path.Join(dir, "garbage.o")
	require.NoError(t, os.WriteFile(garbage, []byte("not an elf"), 0o600))

	cases := map[string]error{
		path.Join(dir, "missing.o"): bpf.ErrFileNotFound,
		garbage:                     bpf.ErrParse,
	}

	for p, want := range cases {
		t.Run(path.Base(p), func(t *testing.T) {
			f := newFixture(t)
			f.cfg.ImagePath = p

			_, err := frontend.Start(f.logger, f.kernel, f.cfg, nil)
			require.ErrorIs(t, err, want)

			var se *frontend.StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, frontend.StageOpenImage, se.Stage)
			assert.Equal(t, bpf.ClassConfiguration, bpf.Classify(err))
			assert.Empty(t, f.kernel.Operations())
		})
	}
}

func TestRunImage(t *testing.T) {
	f := newFixture(t)
	f.cfg.Probe = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- frontend.RunImage(ctx, f.logger, f.image, f.cfg)
	}()

	require.Eventually(t, func() bool {
		_, ok := f.kernel.Attached("eth0")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	verdict, err := f.kernel.Deliver("eth0", bpftest.UDPFrame())
	require.NoError(t, err)
	assert.Equal(t, bpf.XDPPass, verdict)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunImage did not return after cancellation")
	}

	assert.Zero(t, f.kernel.OpenObjects())

	_, attached := f.kernel.Attached("eth0")
	assert.False(t, attached)
}

func TestRunImage_StartupFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Interface = "nonexistent0"

	err := frontend.RunImage(context.Background(), f.logger, f.image, f.cfg)

	var se *frontend.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, frontend.StageAttach, se.Stage)
	assert.Zero(t, f.kernel.OpenObjects())
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}

	return -1
}
