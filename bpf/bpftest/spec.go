package bpftest

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// Names used by CollectionSpec.
const (
	Parent    = "parent"
	Child     = "child"
	ProgArray = "prog_array"
	Counters  = "counters"
)

// CollectionSpec returns an object with an XDP entry program that tail calls
// through a program array of the given capacity, a child program for the
// array, and an unrelated hash map.
func CollectionSpec(capacity uint32) *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			ProgArray: {
				Name:       ProgArray,
				Type:       ebpf.ProgramArray,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: capacity,
			},
			Counters: {
				Name:       Counters,
				Type:       ebpf.Hash,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: 16,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			Parent: {
				Name:    Parent,
				Type:    ebpf.XDP,
				License: "GPL",
				Instructions: asm.Instructions{
					// tail call prog_array[0], fall through to XDP_PASS
					asm.LoadMapPtr(asm.R2, 0).WithReference(ProgArray),
					asm.Mov.Imm(asm.R3, 0),
					asm.FnTailCall.Call(),
					asm.Mov.Imm(asm.R0, 2),
					asm.Return(),
				},
			},
			Child: {
				Name:    Child,
				Type:    ebpf.XDP,
				License: "GPL",
				Instructions: asm.Instructions{
					asm.Mov.Imm(asm.R0, 3),
					asm.Return(),
				},
			},
		},
	}
}
