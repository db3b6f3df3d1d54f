package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/room"
)

// fakeWire records outbound envelopes instead of dialing anything.
type fakeWire struct {
	mu    sync.Mutex
	state common.ConnState
	sent  []*common.Envelope
}

func (w *fakeWire) Connect(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = common.ConnOpen
	return nil
}

func (w *fakeWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = common.ConnClosed
	return nil
}

func (w *fakeWire) Send(env *common.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, env.Clone())
	return nil
}

func (w *fakeWire) State() common.ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWire) envelopes(types ...common.MessageType) []*common.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(types) == 0 {
		out := make([]*common.Envelope, len(w.sent))
		copy(out, w.sent)
		return out
	}
	var out []*common.Envelope
	for _, env := range w.sent {
		for _, typ := range types {
			if env.Type == typ {
				out = append(out, env)
			}
		}
	}
	return out
}

func editorCaps() common.Capabilities {
	return common.Capabilities{
		CanEdit:        true,
		CanView:        true,
		CanSync:        true,
		CanBroadcast:   true,
		MaxPayloadSize: 1024 * 1024,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeWire) {
	t.Helper()
	w := &fakeWire{}
	c := New("alice", common.DefaultConfig(),
		WithDisplayName("Alice"),
		WithCapabilities(editorCaps()),
		withWire(w),
	)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	return c, w
}

func joinedRoom(t *testing.T, c *Coordinator) *room.Room {
	t.Helper()
	r, err := c.CreateRoom("studio", room.Settings{
		Name:        "studio",
		Capacity:    10,
		Permissions: room.DefaultPermissions(),
	})
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom("studio"))
	return r
}

// announce feeds an inbound join for a remote peer through the wire path.
func announce(t *testing.T, c *Coordinator, peerID, roomID string) {
	t.Helper()
	payload, err := json.Marshal(joinInfo{DisplayName: peerID, Capabilities: editorCaps()})
	require.NoError(t, err)
	c.handleInbound(&common.Envelope{
		ID:        uuid.NewString(),
		Type:      common.MessageTypeJoin,
		From:      peerID,
		Room:      roomID,
		Payload:   payload,
		Priority:  50,
		Timestamp: time.Now().UnixMilli(),
	})
}

func TestCoordinatorJoinRoomAnnouncesOnWire(t *testing.T) {
	c, w := newTestCoordinator(t)
	r := joinedRoom(t, c)

	assert.True(t, r.IsMember("alice"))

	joins := w.envelopes(common.MessageTypeJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "alice", joins[0].From)
	assert.Equal(t, "studio", joins[0].Room)

	var info joinInfo
	require.NoError(t, json.Unmarshal(joins[0].Payload, &info))
	assert.Equal(t, "Alice", info.DisplayName)
	assert.True(t, info.Capabilities.CanEdit)
}

func TestCoordinatorInboundJoinRegistersPeer(t *testing.T) {
	c, _ := newTestCoordinator(t)
	r := joinedRoom(t, c)

	announce(t, c, "bob", "studio")

	p, ok := c.peers.Get("bob")
	require.True(t, ok)
	assert.Equal(t, common.PeerOnline, p.Status())
	assert.True(t, r.IsMember("bob"))
	assert.Equal(t, "studio", p.RoomID())
}

func TestCoordinatorSendToPeer(t *testing.T) {
	c, w := newTestCoordinator(t)
	joinedRoom(t, c)
	announce(t, c, "bob", "studio")

	id, err := c.Send("bob", []byte(`{"op":"move"}`), 5)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	data := w.envelopes(common.MessageTypeData)
	require.Len(t, data, 1)
	assert.Equal(t, id, data[0].ID)
	assert.Equal(t, "bob", data[0].To)
	assert.Equal(t, "alice", data[0].From)

	p, _ := c.peers.Get("bob")
	assert.Equal(t, uint64(1), p.Stats().MessagesSent)
	assert.Equal(t, 0, p.QueueLen())
}

func TestCoordinatorSendUnknownPeer(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Send("ghost", []byte("x"), 5)
	assert.ErrorIs(t, err, common.ErrPeerUnavailable)
}

func TestCoordinatorBroadcastExcludesSender(t *testing.T) {
	c, w := newTestCoordinator(t)
	joinedRoom(t, c)
	announce(t, c, "bob", "studio")
	announce(t, c, "carol", "studio")

	n, err := c.Broadcast("studio", []byte(`{"op":"sync-scene"}`), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var recipients []string
	for _, env := range w.envelopes(common.MessageTypeData) {
		recipients = append(recipients, env.To)
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, recipients)
	assert.NotContains(t, recipients, "alice")
}

func TestCoordinatorSendPrivate(t *testing.T) {
	c, w := newTestCoordinator(t)
	joinedRoom(t, c)
	announce(t, c, "bob", "studio")
	announce(t, c, "carol", "studio")

	require.NoError(t, c.SendPrivate("studio", "bob", []byte(`{"whisper":1}`), 5))

	data := w.envelopes(common.MessageTypeData)
	require.Len(t, data, 1)
	assert.Equal(t, "bob", data[0].To)

	assert.ErrorIs(t, c.SendPrivate("studio", "ghost", []byte("x"), 5), common.ErrNotMember)
}

func TestCoordinatorSyncWriteAssignsVersions(t *testing.T) {
	c, w := newTestCoordinator(t)

	v, err := c.SyncWrite("pos", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = c.SyncWrite("pos", json.RawMessage(`{"x":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	entry, found := c.SyncRead("pos")
	require.True(t, found)
	assert.JSONEq(t, `{"x":2}`, string(entry.Value))

	syncs := w.envelopes(common.MessageTypeSync)
	require.Len(t, syncs, 2)
	var sp syncPayload
	require.NoError(t, json.Unmarshal(syncs[1].Payload, &sp))
	assert.Equal(t, "pos", sp.Key)
	assert.Equal(t, uint64(2), sp.Version)
	assert.Equal(t, "alice", sp.Origin)
}

func TestCoordinatorInboundSyncApplies(t *testing.T) {
	c, _ := newTestCoordinator(t)
	announce(t, c, "bob", "")

	payload, err := json.Marshal(syncPayload{Key: "pos", Value: json.RawMessage(`{"x":9}`), Version: 5, Origin: "bob"})
	require.NoError(t, err)
	c.handleInbound(&common.Envelope{
		ID: uuid.NewString(), Type: common.MessageTypeSync, From: "bob",
		Payload: payload, Timestamp: time.Now().UnixMilli(),
	})

	entry, found := c.SyncRead("pos")
	require.True(t, found)
	assert.Equal(t, uint64(5), entry.Version)
	assert.JSONEq(t, `{"x":9}`, string(entry.Value))

	// A stale replica write cannot roll the key back.
	payload, err = json.Marshal(syncPayload{Key: "pos", Value: json.RawMessage(`{"x":1}`), Version: 3, Origin: "bob"})
	require.NoError(t, err)
	c.handleInbound(&common.Envelope{
		ID: uuid.NewString(), Type: common.MessageTypeSync, From: "bob",
		Payload: payload, Timestamp: time.Now().UnixMilli(),
	})

	entry, _ = c.SyncRead("pos")
	assert.Equal(t, uint64(5), entry.Version)
	assert.JSONEq(t, `{"x":9}`, string(entry.Value))
}

func TestCoordinatorInboundPingEchoesTimestamp(t *testing.T) {
	c, w := newTestCoordinator(t)
	announce(t, c, "bob", "")

	sentAt := time.Now().Add(-50 * time.Millisecond).UnixMilli()
	c.handleInbound(&common.Envelope{
		ID: uuid.NewString(), Type: common.MessageTypePing, From: "bob", To: "alice",
		Priority: 100, Timestamp: sentAt,
	})

	pongs := w.envelopes(common.MessageTypePong)
	require.Len(t, pongs, 1)
	assert.Equal(t, "bob", pongs[0].To)
	assert.Equal(t, sentAt, pongs[0].Timestamp)
}

func TestCoordinatorInboundPongUpdatesLatency(t *testing.T) {
	c, _ := newTestCoordinator(t)
	announce(t, c, "bob", "")

	c.handleInbound(&common.Envelope{
		ID: uuid.NewString(), Type: common.MessageTypePong, From: "bob", To: "alice",
		Timestamp: time.Now().Add(-80 * time.Millisecond).UnixMilli(),
	})

	p, _ := c.peers.Get("bob")
	assert.InDelta(t, 80, p.Stats().LatencyMs, 30)
}

func TestCoordinatorDuplicateInboundDropped(t *testing.T) {
	c, _ := newTestCoordinator(t)
	announce(t, c, "bob", "")

	env := &common.Envelope{
		ID: "dup-1", Type: common.MessageTypeData, From: "bob", To: "alice",
		Payload: []byte(`{"k":"v"}`), Timestamp: time.Now().UnixMilli(),
	}
	c.handleInbound(env)
	c.handleInbound(env.Clone())

	p, _ := c.peers.Get("bob")
	assert.Equal(t, uint64(1), p.Stats().MessagesReceived)
}

func TestCoordinatorInboundLeave(t *testing.T) {
	c, _ := newTestCoordinator(t)
	r := joinedRoom(t, c)
	announce(t, c, "bob", "studio")

	_, err := c.Send("bob", []byte("queued"), 5)
	require.NoError(t, err)

	reason, err := json.Marshal("session ended")
	require.NoError(t, err)
	c.handleInbound(&common.Envelope{
		ID: uuid.NewString(), Type: common.MessageTypeLeave, From: "bob", Room: "studio",
		Payload: reason, Timestamp: time.Now().UnixMilli(),
	})

	assert.False(t, r.IsMember("bob"))
	p, _ := c.peers.Get("bob")
	assert.Equal(t, common.PeerOffline, p.Status())
	assert.Equal(t, 0, p.QueueLen())
}

func TestCoordinatorLeaveRoomAnnounces(t *testing.T) {
	c, w := newTestCoordinator(t)
	r := joinedRoom(t, c)

	require.NoError(t, c.LeaveRoom("studio", "done"))
	assert.False(t, r.IsMember("alice"))

	leaves := w.envelopes(common.MessageTypeLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "studio", leaves[0].Room)
}

func TestCoordinatorDeleteRoom(t *testing.T) {
	c, _ := newTestCoordinator(t)
	r := joinedRoom(t, c)

	require.NoError(t, c.DeleteRoom("studio"))
	assert.Equal(t, common.RoomDeleted, r.State())
	_, ok := c.Room("studio")
	assert.False(t, ok)
	assert.Error(t, c.DeleteRoom("studio"))
}

func TestCoordinatorCreateRoomRejectsDuplicate(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.CreateRoom("studio", room.Settings{Permissions: room.DefaultPermissions()})
	require.NoError(t, err)
	_, err = c.CreateRoom("studio", room.Settings{Permissions: room.DefaultPermissions()})
	assert.Error(t, err)
}

func TestCoordinatorEventStream(t *testing.T) {
	c, _ := newTestCoordinator(t)
	joinedRoom(t, c)
	announce(t, c, "bob", "studio")

	kinds := make(map[common.EventKind]bool)
drain:
	for {
		select {
		case ev := <-c.Events():
			kinds[ev.Kind] = true
		default:
			break drain
		}
	}

	assert.True(t, kinds[common.EventRoomStateChanged])
	assert.True(t, kinds[common.EventPeerJoined])
	assert.True(t, kinds[common.EventPeerStatusChanged])
	assert.Zero(t, c.Dropped())
}

func TestCoordinatorStatsSnapshots(t *testing.T) {
	c, _ := newTestCoordinator(t)
	joinedRoom(t, c)
	announce(t, c, "bob", "studio")

	_, err := c.Broadcast("studio", []byte("hello"), 5)
	require.NoError(t, err)

	peers := c.PeerStats()
	assert.Contains(t, peers, "alice")
	assert.Contains(t, peers, "bob")

	stats, ok := c.RoomStats("studio")
	require.True(t, ok)
	assert.Equal(t, 2, stats.PeerCount)
	assert.Equal(t, uint64(1), stats.MessagesTotal)

	_, ok = c.RoomStats("missing")
	assert.False(t, ok)
}
