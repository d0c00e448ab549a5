package bpf

import (
	"errors"
	"fmt"
)

var (
	ErrFileNotFound      = errors.New("image file not found")
	ErrParse             = errors.New("failed to parse image")
	ErrNotFound          = errors.New("object not found in image")
	ErrVerifierRejected  = errors.New("program rejected by verifier")
	ErrAlreadyLoaded     = errors.New("program already loaded")
	ErrNotLoaded         = errors.New("program not loaded")
	ErrProgramNotLoaded  = errors.New("program must be loaded before it can be placed in a dispatch table")
	ErrReleased          = errors.New("object already released")
	ErrIndexOutOfRange   = errors.New("dispatch table index out of range")
	ErrNotProgramArray   = errors.New("map is not a program array")
	ErrInterfaceNotFound = errors.New("network interface not found")
	ErrModeUnsupported   = errors.New("attach mode unsupported on interface")
	ErrAlreadyAttached   = errors.New("program already attached")
)

// VerifierError is returned by Program.Load when the kernel refuses a program.
// Log holds the verifier's diagnostic output, when the kernel produced one.
type VerifierError struct {
	Program string
	Log     string
	Err     error
}

func (e *VerifierError) Error() string {
	if e.Log == "" {
		return fmt.Sprintf("%s: %s: %v", ErrVerifierRejected, e.Program, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v\n%s", ErrVerifierRejected, e.Program, e.Err, e.Log)
}

func (e *VerifierError) Is(target error) bool {
	return target == ErrVerifierRejected
}

func (e *VerifierError) Unwrap() error {
	return e.Err
}

// ErrorClass groups errors by how far startup got before failing.
type ErrorClass string

var (
	// ClassConfiguration covers missing images, programs and maps. Nothing in the
	// kernel has been touched yet.
	ClassConfiguration ErrorClass = "configuration"
	// ClassVerifier covers programs the kernel refused to load.
	ClassVerifier ErrorClass = "verifier"
	// ClassResource covers bad dispatch table slots and missing descriptors.
	ClassResource ErrorClass = "resource"
	// ClassAttachment covers missing interfaces, unsupported modes and duplicate
	// attachments.
	ClassAttachment ErrorClass = "attachment"
	ClassUnknown    ErrorClass = "unknown"
)

// Classify reports which ErrorClass err belongs to.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFileNotFound),
		errors.Is(err, ErrParse),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNotProgramArray):
		return ClassConfiguration
	case errors.Is(err, ErrVerifierRejected):
		return ClassVerifier
	case errors.Is(err, ErrIndexOutOfRange),
		errors.Is(err, ErrProgramNotLoaded),
		errors.Is(err, ErrNotLoaded),
		errors.Is(err, ErrAlreadyLoaded),
		errors.Is(err, ErrReleased):
		return ClassResource
	case errors.Is(err, ErrInterfaceNotFound),
		errors.Is(err, ErrModeUnsupported),
		errors.Is(err, ErrAlreadyAttached):
		return ClassAttachment
	default:
		return ClassUnknown
	}
}
