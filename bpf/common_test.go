package bpf_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/xdpchain/bpf"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		expected bpf.ErrorClass
	}{
		{err: nil, expected: ""},
		{err: fmt.Errorf("open: %w", bpf.ErrFileNotFound), expected: bpf.ClassConfiguration},
		{err: bpf.ErrNotFound, expected: bpf.ClassConfiguration},
		{err: &bpf.VerifierError{Program: "p", Err: errors.New("denied")}, expected: bpf.ClassVerifier},
		{err: fmt.Errorf("set: %w", bpf.ErrIndexOutOfRange), expected: bpf.ClassResource},
		{err: bpf.ErrProgramNotLoaded, expected: bpf.ClassResource},
		{err: bpf.ErrModeUnsupported, expected: bpf.ClassAttachment},
		{err: bpf.ErrAlreadyAttached, expected: bpf.ClassAttachment},
		{err: errors.New("something else"), expected: bpf.ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			require.Equal(t, tt.expected, bpf.Classify(tt.err))
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in       string
		expected bpf.Mode
		wantErr  bool
	}{
		{in: "", expected: bpf.ModeDefault},
		{in: "default", expected: bpf.ModeDefault},
		{in: "skb", expected: bpf.ModeGeneric},
		{in: "Generic", expected: bpf.ModeGeneric},
		{in: "native", expected: bpf.ModeDriver},
		{in: "driver", expected: bpf.ModeDriver},
		{in: "hw", expected: bpf.ModeOffload},
		{in: "offload", expected: bpf.ModeOffload},
		{in: "turbo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := bpf.ParseMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.expected, got)

			roundTrip, err := bpf.ParseMode(got.String())
			require.NoError(t, err)
			require.Equal(t, got, roundTrip)
		})
	}
}
