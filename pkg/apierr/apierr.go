// Package apierr classifies errors into the taxonomy of spec §7 so the
// mediator and gateway HTTP layers can pick a status code without string
// matching. Callers wrap a sentinel with fmt.Errorf("...: %w", Sentinel)
// and the handlers recover it with errors.Is/errors.As.
package apierr

import (
	"errors"
	"strings"
)

// Kind is one of the error taxonomy buckets.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindAuthorization
	KindValidation
	KindContention
	KindCompilation
	KindRuntimeTask
	KindLiveness
)

var (
	// ErrTransport marks store/connector/gateway unreachability.
	ErrTransport = errors.New("transport error")
	// ErrUnauthorized is returned for both unauthenticated and
	// not-owner/not-sudo requests; the mediator never distinguishes the
	// two in its response so existence of a resource never leaks.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation marks an ill-formed experiment rejected at submission.
	ErrValidation = errors.New("validation error")
	// ErrContention marks a node lock conflict.
	ErrContention = errors.New("resource contention")
	// ErrCompilation marks a failed build recorded on a compilation row.
	ErrCompilation = errors.New("compilation error")
	// ErrLiveness marks an executor that missed its heartbeat deadline.
	ErrLiveness = errors.New("liveness error")
	// ErrNotFound marks a missing entity (surfaced as 404 by the gateway;
	// the mediator folds it into ErrUnauthorized to avoid leaking
	// existence).
	ErrNotFound = errors.New("not found")
)

// Classify maps an error to its taxonomy Kind by walking its Is chain.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrContention):
		return KindContention
	case errors.Is(err, ErrCompilation):
		return KindCompilation
	case errors.Is(err, ErrLiveness):
		return KindLiveness
	default:
		return KindUnknown
	}
}

// ConflictingNodes decorates ErrContention with the list of nodes that
// were already locked, so prepare() can report the precise conflict list
// spec §7 requires.
type ConflictingNodes struct {
	Nodes []string
}

func (c *ConflictingNodes) Error() string {
	return "nodes already locked: " + strings.Join(c.Nodes, ", ")
}

func (c *ConflictingNodes) Unwrap() error {
	return ErrContention
}
