// Package failure classifies low-level construction and start errors into
// the small set of categories a transfer server bootstrap reports to its
// caller.
//
// Classification happens where a platform call fails: the caller wraps the
// error with [New], which records the operation and the [Kind] derived
// from the underlying error. Code further up only inspects the Kind.
package failure

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
)

// Kind is the category of a failed listener construction or start.
type Kind int

const (
	// Unknown is any failure that fits no other category, including
	// timeouts.
	Unknown Kind = iota

	// PortInUse means the port was already bound by another socket.
	PortInUse

	// Permission means the OS refused the operation (privileged port,
	// sandbox policy, filesystem access).
	Permission

	// Config means the inputs were malformed: bad arguments, an invalid
	// shared-secret encoding, a bad host key or an unusable root path.
	Config
)

// String returns the snake_case name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case PortInUse:
		return "port_in_use"
	case Permission:
		return "permission_denied"
	case Config:
		return "config_error"
	default:
		return "failed"
	}
}

// ErrConfig marks an error as a configuration problem when no more
// specific cause is available.
var ErrConfig = errors.New("invalid configuration")

// Error is a classified failure of a single operation.
type Error struct {
	// Op names the failed operation (e.g. "listen", "open root").
	Op string

	// Kind is the classification of Err.
	Kind Kind

	// Err is the underlying error.
	Err error
}

// New classifies err and wraps it with the operation name. It returns nil
// if err is nil. An err that is already an *Error keeps its Kind.
func New(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: Classify(err), Err: err}
}

// Configf returns a Config-kind error with a formatted message.
func Configf(op, format string, args ...any) error {
	return &Error{Op: op, Kind: Config, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps err to a Kind. Errors already classified by [New] keep
// their Kind; otherwise the error chain is inspected for OS error codes
// first and then for the portable sentinels of io/fs.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if kind, ok := classifyErrno(err); ok {
		return kind
	}

	if errors.Is(err, fs.ErrPermission) {
		return Permission
	}

	var corrupt base64.CorruptInputError
	if errors.As(err, &corrupt) {
		return Config
	}
	if errors.Is(err, ErrConfig) || errors.Is(err, fs.ErrInvalid) || errors.Is(err, fs.ErrNotExist) {
		return Config
	}

	// Remaining path errors are I/O setup failures around the root.
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return Config
	}

	return Unknown
}

// Set accumulates which kinds were observed across a sequence of attempts.
type Set struct {
	permission bool
	config     bool
	portInUse  bool
	count      int
}

// Add records one classified failure.
func (s *Set) Add(kind Kind) {
	s.count++
	switch kind {
	case Permission:
		s.permission = true
	case Config:
		s.config = true
	case PortInUse:
		s.portInUse = true
	}
}

// Len reports how many failures were recorded.
func (s *Set) Len() int {
	return s.count
}

// Worst returns the kind to report after every attempt has failed.
// Permission wins over Config, which wins over PortInUse; Unknown is
// returned when none of them were seen.
func (s *Set) Worst() Kind {
	switch {
	case s.permission:
		return Permission
	case s.config:
		return Config
	case s.portInUse:
		return PortInUse
	default:
		return Unknown
	}
}
