// Package status defines the failure classes a command can exit with. Every
// error that aborts a command carries exactly one Code; the CLI prints a
// single diagnostic and exits non-zero.
package status

import (
	"errors"
	"fmt"
)

type Code int

const (
	ErrorInvalidArgument Code = iota + 1
	ErrorPermissionDenied
	ErrorNotInitialized
	ErrorNotDeployed
	ErrorNoBackup
	ErrorNoUpdateInfo
	ErrorDeployFailed
	ErrorUpdateFailed
	ErrorProvisionFailed
)

var codeNames = map[Code]string{
	ErrorInvalidArgument:  "InvalidArgument",
	ErrorPermissionDenied: "PermissionDenied",
	ErrorNotInitialized:   "NotInitialized",
	ErrorNotDeployed:      "NotDeployed",
	ErrorNoBackup:         "NoBackup",
	ErrorNoUpdateInfo:     "NoUpdateInfo",
	ErrorDeployFailed:     "DeployFailed",
	ErrorUpdateFailed:     "UpdateFailed",
	ErrorProvisionFailed:  "ProvisionFailed",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the one error type commands propagate. Reason is the operator
// facing diagnostic, Err the underlying cause (may be nil).
type Error struct {
	ID     Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(id Code, format string, args ...interface{}) *Error {
	return &Error{ID: id, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a failure class to an underlying error. A nil cause is
// allowed so call sites don't need to special-case it.
func Wrap(id Code, err error, format string, args ...interface{}) *Error {
	return &Error{ID: id, Reason: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the failure class from an error chain, or 0 if the chain
// contains no *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.ID
	}
	return 0
}

// Is reports whether err carries the given failure class.
func Is(err error, id Code) bool {
	return CodeOf(err) == id
}
