// Package bpf provides an interface for interacting with the kernelspace components
// of xdpchain.
//
// LoadImage parses a compiled BPF object and hands out named Program and Map handles.
// A Program is loaded through the verifier with Program.Load, registered into a
// DispatchTable for tail calls with DispatchTable.Set, and bound to an interface's
// XDP hook with Program.Attach.
//
// All kernel access goes through the Kernel interface. NewKernel returns the
// implementation backed by cilium/ebpf; package bpftest provides an in-memory one.
//
// This package is intended as an interface to kernelspace, without containing the
// startup or shutdown ordering, which lives in package frontend.
package bpf
