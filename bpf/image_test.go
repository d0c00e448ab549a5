package bpf_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/xdpchain/bpf"
	"github.com/tcassar-diss/xdpchain/bpf/bpftest"
	"go.uber.org/zap/zaptest"
)

func TestLoadImage_Errors(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.o")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not an ELF file"), 0o600))

	tests := []struct {
		name string
		path string
		err  error
	}{
		{name: "missing file", path: filepath.Join(dir, "missing.o"), err: bpf.ErrFileNotFound},
		{name: "malformed file", path: garbage, err: bpf.ErrParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := bpftest.New()

			img, err := bpf.LoadImage(zaptest.NewLogger(t).Sugar(), k, tt.path)
			require.ErrorIs(t, err, tt.err)
			require.Nil(t, img)
			require.Equal(t, bpf.ClassConfiguration, bpf.Classify(err))
			require.Empty(t, k.Operations(), "parsing must not touch the kernel")
		})
	}
}

func TestImage_Program(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{bpftest.Parent, bpftest.Child} {
		p, err := f.image.Program(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
		assert.Equal(t, bpf.Unloaded, p.State())
		assert.Equal(t, -1, p.ID())
		assert.Equal(t, ebpf.XDP, p.Type())

		again, err := f.image.Program(name)
		require.NoError(t, err)
		assert.Same(t, p, again)
	}

	_, err := f.image.Program("nope")
	require.ErrorIs(t, err, bpf.ErrNotFound)

	assert.Equal(t, []string{bpftest.Child, bpftest.Parent}, f.image.Programs())
	assert.Empty(t, f.kernel.Operations(), "program lookup must not touch the kernel")
}

func TestImage_Map(t *testing.T) {
	f := newFixture(t)

	m, err := f.image.Map(bpftest.ProgArray)
	require.NoError(t, err)
	assert.Equal(t, bpftest.ProgArray, m.Name())
	assert.Equal(t, ebpf.ProgramArray, m.Type())
	assert.Equal(t, 2, m.Capacity())
	assert.Positive(t, m.ID())

	again, err := f.image.Map(bpftest.ProgArray)
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Equal(t, 1, f.countOps("create-map", bpftest.ProgArray))

	_, err = f.image.Map("nope")
	require.ErrorIs(t, err, bpf.ErrNotFound)

	assert.Equal(t, []string{bpftest.Counters, bpftest.ProgArray}, f.image.Maps())
}

func TestImage_Close(t *testing.T) {
	f := newFixture(t)

	f.loaded(bpftest.Child)
	require.Equal(t, 3, f.kernel.OpenObjects()) // two maps, one program

	require.NoError(t, f.image.Close())
	require.NoError(t, f.image.Close())

	assert.Equal(t, 1, f.countOps("close-map", bpftest.ProgArray))
	assert.Equal(t, 1, f.countOps("close-map", bpftest.Counters))
	assert.Equal(t, 1, f.kernel.OpenObjects())

	_, err := f.image.Map(bpftest.ProgArray)
	require.ErrorIs(t, err, bpf.ErrReleased)

	require.ErrorIs(t, f.program(bpftest.Parent).Load(), bpf.ErrReleased)
}

func TestImage_Stats(t *testing.T) {
	f := newFixture(t)

	f.loaded(bpftest.Child)
	parent := f.loaded(bpftest.Parent)

	_, err := parent.Attach("eth0", bpf.ModeDefault)
	require.NoError(t, err)

	s := f.image.Stats()
	assert.Equal(t, map[string]string{bpftest.Parent: "attached", bpftest.Child: "loaded"}, s.Programs)
	assert.Equal(t, []string{bpftest.Counters, bpftest.ProgArray}, s.Maps)
	assert.Equal(t, 1, s.Attachments)
}
