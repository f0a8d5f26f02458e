package dataclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// FailureClass partitions transport failures the way retry policy needs them.
type FailureClass int

const (
	FailureNetwork FailureClass = iota
	FailureTimeout
	FailureHTTPStatus
	FailureMalformed
)

func (c FailureClass) String() string {
	switch c {
	case FailureNetwork:
		return "NETWORK"
	case FailureTimeout:
		return "TIMEOUT"
	case FailureHTTPStatus:
		return "HTTP_STATUS"
	case FailureMalformed:
		return "MALFORMED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotFound is returned when the snapshot layer does not know a fiber.
var ErrNotFound = errors.New("not found")

// Error is the client's typed failure. 4xx responses carry the server's
// rationale in Body and must not be retried blindly.
type Error struct {
	Class    FailureClass
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *Error) Error() string {
	switch e.Class {
	case FailureHTTPStatus:
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Class, e.Endpoint, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s %s: %v", e.Class, e.Endpoint, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Rationale strings the data layer embeds in 4xx bodies. The reconciler's
// retry policy keys off these.
const (
	reasonSequenceConflict = "TargetSequenceNumberMismatch"
	reasonCidNotFound      = "CidNotFound"
)

// IsSequenceConflict reports whether err is the data layer rejecting a stale
// targetSequenceNumber.
func IsSequenceConflict(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) || ce.Class != FailureHTTPStatus {
		return false
	}
	if ce.Status != 400 && ce.Status != 409 {
		return false
	}
	return strings.Contains(ce.Body, reasonSequenceConflict) ||
		strings.Contains(ce.Body, "sequence")
}

// IsCidNotFound reports whether err is the snapshot layer not yet knowing a
// just-created fiber's content id. Happens in the window between data-layer
// acceptance and snapshot inclusion.
func IsCidNotFound(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) || ce.Class != FailureHTTPStatus {
		return false
	}
	return strings.Contains(ce.Body, reasonCidNotFound)
}

// IsClientFault reports whether err is a 4xx that retrying cannot fix.
func IsClientFault(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Class == FailureHTTPStatus && ce.Status >= 400 && ce.Status < 500 &&
		!IsSequenceConflict(err) && !IsCidNotFound(err)
}

// IsRetryable reports whether err is worth retrying at the transport level.
func IsRetryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Class {
	case FailureNetwork, FailureTimeout:
		return true
	case FailureHTTPStatus:
		return ce.Status >= 500
	default:
		return false
	}
}

// classify converts a transport error into a typed Error.
func classify(endpoint string, err error) *Error {
	class := FailureNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		class = FailureTimeout
	}
	return &Error{Class: class, Endpoint: endpoint, Err: err}
}
