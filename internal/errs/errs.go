// Package errs defines the error taxonomy shared by the engine, prefix and
// snapshot stores. Component-specific errors (IntegrityError, ArchiveError,
// FeedParseError) live beside the code that produces them.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names the type of object an error refers to.
type Kind string

const (
	KindEngine   Kind = "engine"
	KindPrefix   Kind = "prefix"
	KindSnapshot Kind = "snapshot"
	KindRelease  Kind = "release"
	KindProgram  Kind = "program"
)

// ErrLocked is returned when another invocation holds the lock for a target.
var ErrLocked = errors.New("target is locked by another operation")

// NotFoundError reports a missing engine version, prefix, snapshot, release
// or program.
type NotFoundError struct {
	Kind Kind
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// AlreadyExistsError reports a name collision.
type AlreadyExistsError struct {
	Kind Kind
	Name string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

// InUseError is returned when an engine version is still bound to prefixes.
type InUseError struct {
	Version  string
	Prefixes []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("engine %q is in use by prefixes: %s", e.Version, strings.Join(e.Prefixes, ", "))
}

// NetworkError wraps a failed feed or asset fetch.
type NetworkError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status code %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the request may succeed.
// Client errors other than 408 and 429 are permanent.
func (e *NetworkError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	if e.StatusCode == 408 || e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 500
}

// IOError reports a filesystem failure (permissions, disk space) with its path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NotFound is shorthand for constructing a NotFoundError.
func NotFound(kind Kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}

// AlreadyExists is shorthand for constructing an AlreadyExistsError.
func AlreadyExists(kind Kind, name string) error {
	return &AlreadyExistsError{Kind: kind, Name: name}
}

// IO wraps err as an IOError unless it is nil.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsAlreadyExists reports whether err is an AlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var target *AlreadyExistsError
	return errors.As(err, &target)
}

// IsInUse reports whether err is an InUseError.
func IsInUse(err error) bool {
	var target *InUseError
	return errors.As(err, &target)
}

// IsIO reports whether err is an IOError.
func IsIO(err error) bool {
	var target *IOError
	return errors.As(err, &target)
}

// IsRetryable reports whether err is a NetworkError worth retrying.
func IsRetryable(err error) bool {
	var target *NetworkError
	return errors.As(err, &target) && target.Retryable()
}
