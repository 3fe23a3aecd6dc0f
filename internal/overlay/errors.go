// Package overlay implements the connection manager: peer-connection
// lifecycle, multiplexing over raw links, request/reply pairing, and
// relay-path establishment and maintenance (spec.md §4.2-§4.4, §4.8).
package overlay

import "fmt"

// RejectReason is a closed set of protocol-level rejection causes
// (spec.md §7).
type RejectReason string

const (
	ReasonConstraint        RejectReason = "CONSTRAINT"
	ReasonNoRelayIsOn       RejectReason = "NO_RELAY_IS_ON"
	ReasonEnableRelayIsOff  RejectReason = "ENABLE_RELAY_IS_OFF"
	ReasonDuplicatedKey     RejectReason = "DUPLICATED_KEY"
	ReasonNoExactKey        RejectReason = "NO_EXACT_KEY"
	ReasonSingleton         RejectReason = "SINGLETON"
	ReasonCirculated        RejectReason = "CIRCULATED"
	ReasonNotChanged        RejectReason = "NOT_CHANGED"
	ReasonNoSuchKey         RejectReason = "NO_SUCH_KEY"
	ReasonNoPublicURL       RejectReason = "NO_PUBLIC_URL"
)

// TimeoutError covers raw establishment, ack, and reply deadlines.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("overlay: %s timed out", e.Op) }

// NotConnectedError is returned when sending on a disconnected
// peer-connection.
type NotConnectedError struct {
	RemoteKey string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("overlay: not connected to %s", e.RemoteKey)
}

// DisconnectedError is surfaced to a request in flight when its
// peer-connection dies before a reply arrives.
type DisconnectedError struct {
	RemoteKey string
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("overlay: peer connection to %s disconnected while request in flight", e.RemoteKey)
}

// RejectionError wraps a protocol-level denial.
type RejectionError struct {
	Reason RejectReason
}

func (e *RejectionError) Error() string { return fmt.Sprintf("overlay: rejected: %s", e.Reason) }

// RetriableError signals a "nak" or a detected race; the calling
// algorithm (join/leave/repair/relay) retries with exponential backoff.
type RetriableError struct {
	Cause error
}

func (e *RetriableError) Error() string {
	if e.Cause == nil {
		return "overlay: retriable"
	}
	return fmt.Sprintf("overlay: retriable: %v", e.Cause)
}

func (e *RetriableError) Unwrap() error { return e.Cause }

// ClassNotFoundError wraps wire.ErrUnknownTag for callers that want to
// distinguish it from other decode failures without importing wire.
type ClassNotFoundError struct {
	Tag string
}

func (e *ClassNotFoundError) Error() string {
	return fmt.Sprintf("overlay: class not found: %s", e.Tag)
}

// PrototypeAlreadyRestoredError indicates a decoder was invoked twice on
// the same record — a programmer error, not a runtime condition.
type PrototypeAlreadyRestoredError struct {
	MsgID string
}

func (e *PrototypeAlreadyRestoredError) Error() string {
	return fmt.Sprintf("overlay: prototype already restored: %s", e.MsgID)
}
