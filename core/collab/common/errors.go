package common

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrPeerNotOnline      = errors.New("peer not online")
	ErrPeerUnavailable    = errors.New("peer unavailable")
	ErrRoomFull           = errors.New("room at capacity")
	ErrPeerBanned         = errors.New("peer is banned")
	ErrNotInvited         = errors.New("peer not invited")
	ErrNotMember          = errors.New("peer not a member")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrRoomDeleted        = errors.New("room deleted")
	ErrRoomNotActive      = errors.New("room not active")
	ErrStaleVersion       = errors.New("stale version")
	ErrRateLimited        = errors.New("rate limited")
)

// TransportError wraps connect, send and timeout failures. They are
// recovered locally through the reconnect path and only surface as
// conn:error / conn:reconnect-failed events.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks an envelope that failed validation. The envelope is
// dropped whole, never partially applied.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CapacityError reports a full room or queue. The operation fails
// synchronously and is not retried automatically.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s at capacity (%d)", e.Resource, e.Limit)
}

// PermissionError reports a denied room operation. Always a no-op
// returning failure, never a panic across the facade.
type PermissionError struct {
	Action string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s: %v", e.Action, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ConflictError reports a merge-incompatible sync write. The entry is
// flagged conflicting and resolution is deferred to the application.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on %q", e.Key)
}
