package common

import (
	"fmt"
	"time"
)

// EventKind identifies one of the closed set of event variants raised by
// the collaboration core. Consumers switch on the kind; there is no
// arbitrary callback registration.
type EventKind int

const (
	EventPeerStatusChanged EventKind = iota
	EventMessageSent
	EventMessageReceived
	EventPeerJoined
	EventPeerLeft
	EventMessageBroadcast
	EventMessagePrivate
	EventRoomStateChanged
	EventSettingsUpdated
	EventConnOpen
	EventConnClosed
	EventConnError
	EventReconnect
	EventReconnectFailed
	EventSyncConflict
	EventSyncUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventPeerStatusChanged:
		return "peer:status-changed"
	case EventMessageSent:
		return "message:sent"
	case EventMessageReceived:
		return "message:received"
	case EventPeerJoined:
		return "peer:joined"
	case EventPeerLeft:
		return "peer:left"
	case EventMessageBroadcast:
		return "message:broadcast"
	case EventMessagePrivate:
		return "message:private"
	case EventRoomStateChanged:
		return "room:state-changed"
	case EventSettingsUpdated:
		return "room:settings-updated"
	case EventConnOpen:
		return "conn:open"
	case EventConnClosed:
		return "conn:closed"
	case EventConnError:
		return "conn:error"
	case EventReconnect:
		return "conn:reconnect"
	case EventReconnectFailed:
		return "conn:reconnect-failed"
	case EventSyncConflict:
		return "sync:conflict"
	case EventSyncUpdated:
		return "sync:updated"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Event is a single notification from the core. Only the fields relevant
// to the kind are populated:
//
//	EventPeerStatusChanged  PeerID, OldStatus, NewStatus
//	EventMessageSent/Received/Broadcast/Private  PeerID, RoomID, Envelope
//	EventPeerJoined/Left    PeerID, RoomID, Reason (left only)
//	EventRoomStateChanged   RoomID, OldRoomState, NewRoomState
//	EventSettingsUpdated    RoomID
//	EventConnClosed         Code, Reason
//	EventConnError          Err
//	EventReconnect          Attempt
//	EventReconnectFailed    Attempt (total failed attempts)
//	EventSyncConflict       Key, Candidates
//	EventSyncUpdated        Key, Value, Version
type Event struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`

	PeerID string `json:"peer_id,omitempty"`
	RoomID string `json:"room_id,omitempty"`
	Reason string `json:"reason,omitempty"`

	OldStatus PeerStatus `json:"old_status,omitempty"`
	NewStatus PeerStatus `json:"new_status,omitempty"`

	OldRoomState RoomState `json:"old_room_state,omitempty"`
	NewRoomState RoomState `json:"new_room_state,omitempty"`

	Envelope *Envelope `json:"envelope,omitempty"`

	Code    int   `json:"code,omitempty"`
	Attempt int   `json:"attempt,omitempty"`
	Err     error `json:"-"`

	Key        string   `json:"key,omitempty"`
	Value      []byte   `json:"value,omitempty"`
	Version    uint64   `json:"version,omitempty"`
	Candidates [][]byte `json:"candidates,omitempty"`
}

// EmitFunc delivers an event to the owning coordinator's stream. It must
// never block.
type EmitFunc func(Event)
