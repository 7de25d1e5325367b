package cycle

import (
	"context"
	"errors"
	"fmt"
)

// Code is a process exit status. Each fatal condition has its own code so an
// operator can tell failure classes apart from the exit status alone.
type Code int

const (
	CodeOK               Code = 0
	CodeSourceOpen       Code = 1
	CodeRead             Code = 2
	CodeSyncMark         Code = 3
	CodeParse            Code = 4
	CodeInterfaces       Code = 5
	CodeMetadata         Code = 6
	CodeCompression      Code = 7
	CodeUpload           Code = 8
	CodePersist          Code = 9
	CodeEndMarker        Code = 10
	CodeCompletionMarker Code = 11
	CodeAllocation       Code = 98
	CodeConfig           Code = 99
)

// Failure describes why a cycle ended in Failed.
type Failure struct {
	// State is the step that failed.
	State State
	Code  Code

	// Fatal failures end the process even when cycles repeat: continuing
	// would silently drop all future data.
	Fatal bool

	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("cycle failed while %s (exit %d): %v", f.State, f.Code, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure wraps err as a failure outside of any cycle, such as a source
// that cannot be opened at startup.
func NewFailure(state State, code Code, fatal bool, err error) *Failure {
	return &Failure{State: state, Code: code, Fatal: fatal, Err: err}
}

// IsFatal reports whether err must end the process.
func IsFatal(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Fatal
}

// ExitCode maps an error returned by a cycle, the scheduler, or startup to a
// process exit status. Cancellation is a clean exit; any other unclassified
// error happened before a cycle could run and counts as configuration.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return int(CodeOK)
	}
	var f *Failure
	if errors.As(err, &f) {
		return int(f.Code)
	}
	return int(CodeConfig)
}
