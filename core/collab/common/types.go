package common

import (
	"fmt"
	"time"
)

// MessageType tags an envelope with one of the closed set of wire types.
type MessageType string

const (
	MessageTypeData   MessageType = "data"
	MessageTypePing   MessageType = "ping"
	MessageTypePong   MessageType = "pong"
	MessageTypeJoin   MessageType = "join"
	MessageTypeLeave  MessageType = "leave"
	MessageTypeSync   MessageType = "sync"
	MessageTypeCustom MessageType = "custom"
)

var knownMessageTypes = map[MessageType]struct{}{
	MessageTypeData:   {},
	MessageTypePing:   {},
	MessageTypePong:   {},
	MessageTypeJoin:   {},
	MessageTypeLeave:  {},
	MessageTypeSync:   {},
	MessageTypeCustom: {},
}

// Valid reports whether the type tag belongs to the closed set.
func (m MessageType) Valid() bool {
	_, ok := knownMessageTypes[m]
	return ok
}

// DeliveryStatus tracks an envelope through the sending pipeline.
type DeliveryStatus int

const (
	DeliveryPending DeliveryStatus = iota
	DeliverySent
	DeliveryDelivered
	DeliveryFailed
	DeliveryExpired
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryFailed:
		return "failed"
	case DeliveryExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Envelope is the unit of wire transmission. Routing metadata travels in
// the clear; the payload stays opaque to everything below the application.
type Envelope struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Room      string         `json:"room,omitempty"`
	Payload   []byte         `json:"payload,omitempty"`
	Priority  int            `json:"priority"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
	ExpiresAt int64          `json:"expires_at,omitempty"`
	Status    DeliveryStatus `json:"-"`
	Retries   int            `json:"-"`
}

// Expired reports whether the envelope's deadline has passed.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() >= e.ExpiresAt
}

// Clone returns a deep copy so callers never share payload slices.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make([]byte, len(e.Payload))
		copy(cp.Payload, e.Payload)
	}
	return &cp
}

// ConnState is the connection lifecycle state.
type ConnState int

const (
	ConnClosed ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosing
)

func (c ConnState) String() string {
	switch c {
	case ConnClosed:
		return "closed"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// PeerStatus is a remote participant's connectivity state.
type PeerStatus int

const (
	PeerOffline PeerStatus = iota
	PeerConnecting
	PeerOnline
	PeerBusy
)

func (p PeerStatus) String() string {
	switch p {
	case PeerOffline:
		return "offline"
	case PeerConnecting:
		return "connecting"
	case PeerOnline:
		return "online"
	case PeerBusy:
		return "busy"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// RoomState is the room lifecycle state. Deleted is terminal.
type RoomState int

const (
	RoomCreating RoomState = iota
	RoomActive
	RoomPaused
	RoomArchived
	RoomDeleted
)

func (r RoomState) String() string {
	switch r {
	case RoomCreating:
		return "creating"
	case RoomActive:
		return "active"
	case RoomPaused:
		return "paused"
	case RoomArchived:
		return "archived"
	case RoomDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// Capabilities describes what a peer is allowed and able to do.
type Capabilities struct {
	CanEdit        bool            `json:"can_edit"`
	CanView        bool            `json:"can_view"`
	CanSync        bool            `json:"can_sync"`
	CanBroadcast   bool            `json:"can_broadcast"`
	MaxPayloadSize int             `json:"max_payload_size"`
	Features       map[string]bool `json:"features,omitempty"`
}

// HasFeature reports whether a feature tag is present.
func (c Capabilities) HasFeature(tag string) bool {
	return c.Features[tag]
}

// DefaultCapabilities returns a viewer that can receive everything but
// mutate nothing.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		CanView:        true,
		CanSync:        true,
		MaxPayloadSize: 1024 * 1024,
	}
}

// PeerStats tracks per-peer traffic and liveness.
type PeerStats struct {
	BytesSent        uint64    `json:"bytes_sent"`
	BytesReceived    uint64    `json:"bytes_received"`
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	LatencyMs        float64   `json:"latency_ms"`
	LastSeen         time.Time `json:"last_seen"`
}

// RoomStats aggregates room activity.
type RoomStats struct {
	PeerCount     int       `json:"peer_count"`
	MessagesTotal uint64    `json:"messages_total"`
	BytesTotal    uint64    `json:"bytes_total"`
	LastActivity  time.Time `json:"last_activity"`
}

// ConflictStrategy selects how concurrent sync writes reconcile.
type ConflictStrategy string

const (
	StrategyLastWriterWins ConflictStrategy = "last-writer-wins"
	StrategyMerge          ConflictStrategy = "merge"
	StrategyManual         ConflictStrategy = "manual"
)

// Config is the session-wide configuration surface.
type Config struct {
	Endpoint             string           `json:"endpoint"`
	AutoReconnect        bool             `json:"auto_reconnect"`
	ReconnectInterval    time.Duration    `json:"reconnect_interval"`
	MaxReconnectDelay    time.Duration    `json:"max_reconnect_delay"`
	MaxReconnectAttempts int              `json:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration    `json:"connect_timeout"`
	HeartbeatInterval    time.Duration    `json:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration    `json:"heartbeat_timeout"`
	MaxQueueSize         int              `json:"max_queue_size"`
	RoomCapacity         int              `json:"room_capacity"`
	ActivityThreshold    time.Duration    `json:"activity_threshold"`
	SyncTTL              time.Duration    `json:"sync_ttl"`
	ConflictStrategy     ConflictStrategy `json:"conflict_strategy"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AutoReconnect:        true,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		MaxQueueSize:         100,
		RoomCapacity:         32,
		ActivityThreshold:    5 * time.Minute,
		SyncTTL:              1 * time.Hour,
		ConflictStrategy:     StrategyLastWriterWins,
	}
}

// ShortID trims an identifier for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
