package frontend_test

import (
	"testing"

	"github.com/tcassar-diss/xdpchain/bpf"
	"github.com/tcassar-diss/xdpchain/bpf/bpftest"
	"github.com/tcassar-diss/xdpchain/frontend"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	logger *zap.SugaredLogger
	kernel *bpftest.Kernel
	image  *bpf.Image
	cfg    *frontend.Config
}

// newFixture returns the parent/child image on a fake kernel with eth0 and a
// config that deploys it there.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()

	k := bpftest.New()
	k.AddInterface("eth0", bpf.ModeOffload)
	k.Define(bpftest.Parent, bpftest.ParentBehavior(bpftest.ProgArray))
	k.Define(bpftest.Child, bpftest.ChildBehavior())

	cfg := frontend.DefaultConfig()
	cfg.Interface = "eth0"

	return &fixture{
		logger: logger,
		kernel: k,
		image:  bpf.NewImage(logger, k, bpftest.CollectionSpec(2)),
		cfg:    cfg,
	}
}

// ops returns op:name for every kernel operation from index from onwards.
func (f *fixture) ops(from int) []string {
	var out []string

	for _, o := range f.kernel.Operations()[from:] {
		out = append(out, o.Op+":"+o.Name)
	}

	return out
}
