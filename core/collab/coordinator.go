// Package collab is the entry point of the real-time collaboration core.
// The Coordinator composes the connection, protocol, peer registry, room
// and sync layers behind a single event-driven facade; it owns no state
// of its own, it only sequences calls and re-raises their events.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/peer"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/protocol"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/room"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/syncstate"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/transport"
)

// wire is the slice of the connection the coordinator drives. Satisfied
// by *transport.Connection; tests substitute an in-memory fake.
type wire interface {
	Connect(ctx context.Context) error
	Close() error
	Send(*common.Envelope) error
	State() common.ConnState
}

// joinInfo is the payload of join envelopes: who joined and what they can
// do.
type joinInfo struct {
	DisplayName  string              `json:"display_name"`
	Capabilities common.Capabilities `json:"capabilities"`
}

// syncPayload is the payload of sync envelopes.
type syncPayload struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Version uint64          `json:"version"`
	Origin  string          `json:"origin"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithDisplayName sets the local participant's display name.
func WithDisplayName(name string) Option {
	return func(c *Coordinator) { c.displayName = name }
}

// WithCapabilities sets the local participant's capability set.
func WithCapabilities(caps common.Capabilities) Option {
	return func(c *Coordinator) { c.caps = caps }
}

// WithCompression enables payload compression on the wire.
func WithCompression(alg string) Option {
	return func(c *Coordinator) { c.codecOpts = append(c.codecOpts, protocol.WithCompression(alg)) }
}

// WithEncryptionKey enables payload encryption on the wire.
func WithEncryptionKey(key []byte) Option {
	return func(c *Coordinator) { c.codecOpts = append(c.codecOpts, protocol.WithEncryptionKey(key)) }
}

// withWire substitutes the connection; used by tests.
func withWire(w wire) Option {
	return func(c *Coordinator) { c.conn = w }
}

// Coordinator is the single entry point consumed by the application
// layer above the core.
type Coordinator struct {
	localID     string
	displayName string
	caps        common.Capabilities
	cfg         common.Config
	logger      *slog.Logger
	codecOpts   []protocol.CodecOption

	codec *protocol.Codec
	conn  wire
	peers *peer.Registry
	sync  *syncstate.Engine
	dedup *protocol.Deduper
	local *peer.Peer

	roomsMu sync.RWMutex
	rooms   map[string]*room.Room

	events  chan common.Event
	dropped atomic.Uint64

	closeOnce sync.Once
}

// New creates a coordinator for the local participant.
func New(localID string, cfg common.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		localID:     localID,
		displayName: localID,
		caps:        common.DefaultCapabilities(),
		cfg:         cfg,
		logger:      slog.Default(),
		rooms:       make(map[string]*room.Room),
		events:      make(chan common.Event, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "collab", "node", common.ShortID(localID))

	c.codecOpts = append(c.codecOpts, protocol.WithMaxPayload(c.caps.MaxPayloadSize))
	c.codec = protocol.NewCodec(c.logger, c.codecOpts...)
	c.dedup = protocol.NewDeduper(100000, 0.01, 10*time.Minute)

	regCfg := peer.DefaultRegistryConfig()
	regCfg.QueueSize = cfg.MaxQueueSize
	regCfg.ActivityThreshold = cfg.ActivityThreshold
	c.peers = peer.NewRegistry(regCfg, c.emit, c.logger)

	c.sync = syncstate.NewEngine(syncstate.Config{
		Strategy:      cfg.ConflictStrategy,
		TTL:           cfg.SyncTTL,
		SweepInterval: time.Minute,
	}, c.emit, c.logger)

	if c.conn == nil {
		c.conn = transport.NewConnection(transport.Config{
			Endpoint:             cfg.Endpoint,
			AutoReconnect:        cfg.AutoReconnect,
			ConnectTimeout:       cfg.ConnectTimeout,
			ReconnectInterval:    cfg.ReconnectInterval,
			MaxReconnectDelay:    cfg.MaxReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			HeartbeatTimeout:     cfg.HeartbeatTimeout,
			QueueSize:            cfg.MaxQueueSize,
			MaxMessageSize:       10 * 1024 * 1024,
		}, c.codec, c.emit, c.handleInbound, c.logger)
	}

	// The local participant is itself a peer: room membership and sync
	// origins reference it by id.
	c.local = c.peers.Add(localID, c.displayName, c.caps)
	c.local.Connect()

	return c
}

// LocalID returns the local participant's id.
func (c *Coordinator) LocalID() string { return c.localID }

// Events returns the coordinator's event stream. Consumers that lag lose
// events; Dropped counts the losses.
func (c *Coordinator) Events() <-chan common.Event { return c.events }

// Dropped returns how many events were discarded because the stream was
// full.
func (c *Coordinator) Dropped() uint64 { return c.dropped.Load() }

// emit forwards an event to the stream without ever blocking.
func (c *Coordinator) emit(ev common.Event) {
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Connect establishes the coordination-endpoint connection.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect tears the connection down. Terminal until the next Connect.
func (c *Coordinator) Disconnect() error {
	return c.conn.Close()
}

// Close shuts the coordinator down entirely.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.sync.Close()
	})
	return err
}

// CreateRoom creates and activates a room hosted by this coordinator.
func (c *Coordinator) CreateRoom(id string, settings room.Settings) (*room.Room, error) {
	if id == "" {
		id = uuid.NewString()
	}
	c.roomsMu.Lock()
	if _, exists := c.rooms[id]; exists {
		c.roomsMu.Unlock()
		return nil, fmt.Errorf("room %q already exists", id)
	}
	r := room.New(id, settings, c.emit, c.logger)
	c.rooms[id] = r
	c.roomsMu.Unlock()

	if err := r.Activate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Room looks up a room by id.
func (c *Coordinator) Room(id string) (*room.Room, bool) {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	r, ok := c.rooms[id]
	return r, ok
}

// DeleteRoom transitions a room to DELETED and forgets it.
func (c *Coordinator) DeleteRoom(id string) error {
	c.roomsMu.Lock()
	r, ok := c.rooms[id]
	if ok {
		delete(c.rooms, id)
	}
	c.roomsMu.Unlock()
	if !ok {
		return fmt.Errorf("room %q not found", id)
	}
	return r.SetState(common.RoomDeleted)
}

// JoinRoom adds the local participant to a room and announces the join
// on the wire.
func (c *Coordinator) JoinRoom(roomID string) error {
	r, ok := c.Room(roomID)
	if !ok {
		return fmt.Errorf("room %q not found", roomID)
	}
	if err := r.AddPeer(c.local); err != nil {
		return err
	}

	payload, err := json.Marshal(joinInfo{DisplayName: c.displayName, Capabilities: c.caps})
	if err != nil {
		return err
	}
	return c.conn.Send(&common.Envelope{
		ID:        uuid.NewString(),
		Type:      common.MessageTypeJoin,
		From:      c.localID,
		Room:      roomID,
		Payload:   payload,
		Priority:  50,
		Timestamp: time.Now().UnixMilli(),
	})
}

// LeaveRoom removes the local participant and announces the leave.
// Envelopes still queued for peers known only through this room stay
// queued for their owners; the room's own pending deliveries die with
// the membership.
func (c *Coordinator) LeaveRoom(roomID, reason string) error {
	r, ok := c.Room(roomID)
	if !ok {
		return fmt.Errorf("room %q not found", roomID)
	}
	if err := r.Leave(c.localID, reason); err != nil {
		return err
	}
	return c.conn.Send(&common.Envelope{
		ID:        uuid.NewString(),
		Type:      common.MessageTypeLeave,
		From:      c.localID,
		Room:      roomID,
		Payload:   []byte(fmt.Sprintf("%q", reason)),
		Priority:  50,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Send queues a data envelope for one peer and pushes it toward the
// wire.
func (c *Coordinator) Send(toPeerID string, payload []byte, priority int) (string, error) {
	p, ok := c.peers.Get(toPeerID)
	if !ok {
		return "", common.ErrPeerUnavailable
	}
	env := &common.Envelope{
		ID:        uuid.NewString(),
		Type:      common.MessageTypeData,
		From:      c.localID,
		To:        toPeerID,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := p.SendMessage(env); err != nil {
		return "", err
	}
	if err := p.Flush(c.conn.Send); err != nil {
		// Queued for the reconnect flush; the envelope is not lost.
		c.logger.Debug("delivery deferred", "peer", common.ShortID(toPeerID), "error", err)
	}
	return env.ID, nil
}

// Broadcast delivers a data envelope to every member of the room except
// the local sender.
func (c *Coordinator) Broadcast(roomID string, payload []byte, priority int) (int, error) {
	r, ok := c.Room(roomID)
	if !ok {
		return 0, fmt.Errorf("room %q not found", roomID)
	}
	env := &common.Envelope{
		ID:        uuid.NewString(),
		Type:      common.MessageTypeData,
		From:      c.localID,
		Room:      roomID,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now().UnixMilli(),
	}
	return r.Broadcast(env, c.localID, c.deliverTo)
}

// SendPrivate delivers a data envelope to a single room member.
func (c *Coordinator) SendPrivate(roomID, toPeerID string, payload []byte, priority int) error {
	r, ok := c.Room(roomID)
	if !ok {
		return fmt.Errorf("room %q not found", roomID)
	}
	env := &common.Envelope{
		ID:        uuid.NewString(),
		Type:      common.MessageTypeData,
		From:      c.localID,
		To:        toPeerID,
		Room:      roomID,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now().UnixMilli(),
	}
	return r.SendPrivate(env, c.localID, toPeerID, c.deliverTo)
}

// deliverTo routes one envelope into a peer's queue and on toward the
// wire.
func (c *Coordinator) deliverTo(p *peer.Peer, env *common.Envelope) error {
	env.To = p.ID()
	if err := p.SendMessage(env); err != nil {
		return err
	}
	if err := p.Flush(c.conn.Send); err != nil {
		c.logger.Debug("delivery deferred", "peer", common.ShortID(p.ID()), "error", err)
	}
	return nil
}

// SyncWrite applies a local write to the shared table and replicates it.
// It returns the version assigned to the write.
func (c *Coordinator) SyncWrite(key string, value json.RawMessage) (uint64, error) {
	version := uint64(1)
	if entry, ok := c.sync.Peek(key); ok {
		version = entry.Version + 1
	}
	if _, err := c.sync.Write(key, value, version, c.localID); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(syncPayload{Key: key, Value: value, Version: version, Origin: c.localID})
	if err != nil {
		return 0, err
	}
	err = c.conn.Send(&common.Envelope{
		ID:        uuid.NewString(),
		Type:      common.MessageTypeSync,
		From:      c.localID,
		Payload:   payload,
		Priority:  75,
		Timestamp: time.Now().UnixMilli(),
	})
	return version, err
}

// SyncRead returns a snapshot of the entry for key.
func (c *Coordinator) SyncRead(key string) (syncstate.Entry, bool) {
	return c.sync.Read(key)
}

// SyncResolve applies an application-chosen value to a conflicting key.
func (c *Coordinator) SyncResolve(key string, value json.RawMessage) error {
	return c.sync.Resolve(key, value, c.localID)
}

// PeerStats returns a snapshot of every known peer's statistics.
func (c *Coordinator) PeerStats() map[string]common.PeerStats {
	return c.peers.Snapshot()
}

// RoomStats returns a snapshot of a room's aggregate statistics.
func (c *Coordinator) RoomStats(roomID string) (common.RoomStats, bool) {
	r, ok := c.Room(roomID)
	if !ok {
		return common.RoomStats{}, false
	}
	return r.Stats(), true
}

// handleInbound is the single entry point for decoded envelopes off the
// wire. Redelivered envelopes are dropped here before touching state.
func (c *Coordinator) handleInbound(env *common.Envelope) {
	if env.ID != "" && c.dedup.Seen(env.ID) {
		c.logger.Debug("duplicate envelope dropped", "id", common.ShortID(env.ID))
		return
	}

	switch env.Type {
	case common.MessageTypePing:
		c.handlePing(env)
	case common.MessageTypePong:
		if p, ok := c.peers.Get(env.From); ok {
			p.Pong(env.Timestamp)
		}
	case common.MessageTypeJoin:
		c.handleJoin(env)
	case common.MessageTypeLeave:
		c.handleLeave(env)
	case common.MessageTypeSync:
		c.handleSync(env)
	case common.MessageTypeData, common.MessageTypeCustom:
		if err := c.peers.Receive(env); err != nil {
			c.logger.Debug("inbound envelope rejected", "error", err)
		}
	}
}

func (c *Coordinator) handlePing(env *common.Envelope) {
	if p, ok := c.peers.Get(env.From); ok {
		p.ReceiveMessage(env)
	}
	pong := &common.Envelope{
		ID:        uuid.NewString(),
		Type:      common.MessageTypePong,
		From:      c.localID,
		To:        env.From,
		Priority:  100,
		Timestamp: env.Timestamp, // echoed so the sender can compute the round trip
	}
	if err := c.conn.Send(pong); err != nil {
		c.logger.Debug("pong send failed", "error", err)
	}
}

func (c *Coordinator) handleJoin(env *common.Envelope) {
	var info joinInfo
	if err := json.Unmarshal(env.Payload, &info); err != nil {
		c.logger.Warn("malformed join payload", "peer", common.ShortID(env.From), "error", err)
		return
	}
	if info.DisplayName == "" {
		info.DisplayName = env.From
	}
	if info.Capabilities.MaxPayloadSize == 0 {
		info.Capabilities = common.DefaultCapabilities()
	}

	p := c.peers.Add(env.From, info.DisplayName, info.Capabilities)
	p.Connect()

	if env.Room != "" {
		if r, ok := c.Room(env.Room); ok {
			if err := r.AddPeer(p); err != nil {
				c.logger.Debug("join rejected", "peer", common.ShortID(env.From), "error", err)
			}
		}
	}
}

func (c *Coordinator) handleLeave(env *common.Envelope) {
	var reason string
	_ = json.Unmarshal(env.Payload, &reason)

	if env.Room != "" {
		if r, ok := c.Room(env.Room); ok {
			_ = r.Leave(env.From, reason)
		}
	}
	if p, ok := c.peers.Get(env.From); ok {
		// A leave cancels deliveries still addressed to that peer.
		p.ClearQueue()
		p.Disconnect(reason)
	}
}

func (c *Coordinator) handleSync(env *common.Envelope) {
	var sp syncPayload
	if err := json.Unmarshal(env.Payload, &sp); err != nil {
		c.logger.Warn("malformed sync payload", "peer", common.ShortID(env.From), "error", err)
		return
	}
	if sp.Origin == "" {
		sp.Origin = env.From
	}
	if _, err := c.sync.Write(sp.Key, sp.Value, sp.Version, sp.Origin); err != nil {
		c.logger.Debug("sync write rejected", "key", sp.Key, "error", err)
	}
}
