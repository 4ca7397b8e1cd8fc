// Package errdefs defines the failure kinds a distcheck run can end with.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrRendezvous is returned when the group could not be formed: the coordinator
	// address is unreachable, its port is taken or not every rank arrived in time.
	ErrRendezvous = errors.New("rendezvous failed")

	// ErrTransport is returned when a formed group loses a connection mid-session.
	ErrTransport = errors.New("transport failure")

	// ErrConfigMismatch is returned when processes disagree on rank or world size,
	// or when the local configuration is invalid.
	ErrConfigMismatch = errors.New("configuration mismatch")

	// ErrProbeMismatch is returned when a collective returned an unexpected payload.
	ErrProbeMismatch = errors.New("probe payload mismatch")
)

// Error ties a failure kind to the rank and operation it happened in.
type Error struct {
	Kind error
	Rank int
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rank %d: %s: %v", e.Rank, e.Op, e.Kind)
	}
	return fmt.Sprintf("rank %d: %s: %v: %v", e.Rank, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an Error. An err that already carries a kind keeps it, so
// wrapping twice does not change how the failure is classified.
func New(kind error, rank int, op string, err error) error {
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Rank: rank, Op: op, Err: err}
}

func Rendezvous(rank int, op string, err error) error {
	return New(ErrRendezvous, rank, op, err)
}

func Transport(rank int, op string, err error) error {
	return New(ErrTransport, rank, op, err)
}

func ConfigMismatch(rank int, op string, err error) error {
	return New(ErrConfigMismatch, rank, op, err)
}

func ProbeMismatch(rank int, op string, err error) error {
	return New(ErrProbeMismatch, rank, op, err)
}

func IsRendezvous(err error) bool     { return errors.Is(err, ErrRendezvous) }
func IsTransport(err error) bool      { return errors.Is(err, ErrTransport) }
func IsConfigMismatch(err error) bool { return errors.Is(err, ErrConfigMismatch) }
func IsProbeMismatch(err error) bool  { return errors.Is(err, ErrProbeMismatch) }

// KindName returns a short label for the kind of err, used for metrics.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case IsRendezvous(err):
		return "rendezvous"
	case IsConfigMismatch(err):
		return "config_mismatch"
	case IsTransport(err):
		return "transport"
	case IsProbeMismatch(err):
		return "probe_mismatch"
	default:
		return "unknown"
	}
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsRendezvous(err):
		return 2
	case IsConfigMismatch(err):
		return 3
	case IsTransport(err):
		return 4
	case IsProbeMismatch(err):
		return 5
	default:
		return 1
	}
}
