package bpf_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/xdpchain/bpf"
	"github.com/tcassar-diss/xdpchain/bpf/bpftest"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	t      *testing.T
	kernel *bpftest.Kernel
	image  *bpf.Image
}

// newFixture returns an image with a parent/child pair and a two slot program
// array, backed by a fake kernel that has eth0.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	k := bpftest.New()
	k.AddInterface("eth0")
	k.Define(bpftest.Parent, bpftest.ParentBehavior(bpftest.ProgArray))
	k.Define(bpftest.Child, bpftest.ChildBehavior())

	img := bpf.NewImage(zaptest.NewLogger(t).Sugar(), k, bpftest.CollectionSpec(2))
	t.Cleanup(func() { _ = img.Close() })

	return &fixture{t: t, kernel: k, image: img}
}

func (f *fixture) program(name string) *bpf.Program {
	f.t.Helper()

	p, err := f.image.Program(name)
	require.NoError(f.t, err)

	return p
}

func (f *fixture) loaded(name string) *bpf.Program {
	f.t.Helper()

	p := f.program(name)
	require.NoError(f.t, p.Load())

	return p
}

func (f *fixture) table() *bpf.DispatchTable {
	f.t.Helper()

	m, err := f.image.Map(bpftest.ProgArray)
	require.NoError(f.t, err)

	tbl, err := bpf.NewDispatchTable(zaptest.NewLogger(f.t).Sugar(), m)
	require.NoError(f.t, err)

	return tbl
}

// countOps counts successful kernel operations of the given kind on name.
func (f *fixture) countOps(op, name string) int {
	n := 0

	for _, o := range f.kernel.Operations() {
		if o.Op == op && o.Name == name && o.Err == nil {
			n++
		}
	}

	return n
}
