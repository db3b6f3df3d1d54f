package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockRelay is a minimal coordination endpoint: it records every decoded
// envelope and can push frames back to the most recent session.
type mockRelay struct {
	server *httptest.Server
	codec  *protocol.Codec

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []*common.Envelope
}

func newMockRelay() *mockRelay {
	r := &mockRelay{codec: protocol.NewCodec(nil)}
	r.server = httptest.NewServer(http.HandlerFunc(r.handleWS))
	return r
}

func (r *mockRelay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := r.codec.Decode(data)
		if err != nil {
			continue
		}
		r.mu.Lock()
		r.received = append(r.received, env)
		r.mu.Unlock()
	}
}

func (r *mockRelay) url() string {
	return strings.Replace(r.server.URL, "http", "ws", 1)
}

func (r *mockRelay) envelopes() []*common.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*common.Envelope, len(r.received))
	copy(out, r.received)
	return out
}

func (r *mockRelay) push(t *testing.T, env *common.Envelope) {
	data, err := r.codec.Encode(env)
	require.NoError(t, err)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.conns)
	require.NoError(t, r.conns[len(r.conns)-1].WriteMessage(websocket.TextMessage, data))
}

func (r *mockRelay) close() {
	r.server.Close()
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.ConnectTimeout = time.Second
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 40 * time.Millisecond
	return cfg
}

func collectEvents() (common.EmitFunc, chan common.Event) {
	events := make(chan common.Event, 64)
	return func(e common.Event) {
		select {
		case events <- e:
		default:
		}
	}, events
}

func waitForEvent(t *testing.T, events chan common.Event, kind common.EventKind, timeout time.Duration) common.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestConnectionConnectFlushesQueueInPriorityOrder(t *testing.T) {
	relay := newMockRelay()
	defer relay.close()

	emit, events := collectEvents()
	conn := NewConnection(testConfig(relay.url()), protocol.NewCodec(nil), emit, nil, nil)

	// Queued while closed; must flush priority-descending on connect.
	for _, e := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"high", 9}, {"mid", 5}} {
		require.NoError(t, conn.Send(&common.Envelope{
			ID: e.id, Type: common.MessageTypeData, Priority: e.priority,
			Timestamp: time.Now().UnixMilli(),
		}))
	}
	assert.Equal(t, 3, conn.QueueLen())
	assert.Equal(t, common.ConnClosed, conn.State())

	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	waitForEvent(t, events, common.EventConnOpen, time.Second)
	assert.Equal(t, common.ConnOpen, conn.State())

	assert.Eventually(t, func() bool {
		return len(relay.envelopes()) == 3
	}, time.Second, 10*time.Millisecond)

	var order []string
	for _, env := range relay.envelopes() {
		order = append(order, env.ID)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
	assert.Equal(t, 0, conn.QueueLen())
}

func TestConnectionConnectTwice(t *testing.T) {
	relay := newMockRelay()
	defer relay.close()

	conn := NewConnection(testConfig(relay.url()), protocol.NewCodec(nil), nil, nil, nil)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	assert.ErrorIs(t, conn.Connect(context.Background()), common.ErrAlreadyConnected)
}

func TestConnectionReconnectFailedAfterMaxAttempts(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.MaxReconnectAttempts = 4

	emit, events := collectEvents()
	conn := NewConnection(cfg, protocol.NewCodec(nil), emit, nil, nil)

	start := time.Now()
	err := conn.Connect(context.Background())
	require.Error(t, err)
	var terr *common.TransportError
	assert.ErrorAs(t, err, &terr)

	// Exactly three backoff retries follow the failed initial dial, then
	// the terminal event names the total failed attempts.
	var retries []common.Event
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case e := <-events:
			switch e.Kind {
			case common.EventReconnect:
				retries = append(retries, e)
			case common.EventReconnectFailed:
				assert.Equal(t, 4, e.Attempt)
				done = true
			}
		case <-deadline:
			t.Fatal("terminal reconnect event never arrived")
		}
	}
	require.Len(t, retries, 3)
	for i, e := range retries {
		assert.Equal(t, i+2, e.Attempt)
	}

	// The delay between attempts never decreases as backoff doubles.
	gaps := []time.Duration{retries[0].Time.Sub(start)}
	for i := 1; i < len(retries); i++ {
		gaps = append(gaps, retries[i].Time.Sub(retries[i-1].Time))
	}
	for i := 1; i < len(gaps); i++ {
		assert.GreaterOrEqual(t, gaps[i], gaps[i-1])
	}

	assert.Equal(t, common.ConnClosed, conn.State())

	// No further attempts after the terminal event.
	time.Sleep(150 * time.Millisecond)
	for {
		select {
		case e := <-events:
			assert.NotEqual(t, common.EventReconnect, e.Kind)
			continue
		default:
		}
		break
	}
}

func TestConnectionReconnectDisabled(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.AutoReconnect = false

	emit, events := collectEvents()
	conn := NewConnection(cfg, protocol.NewCodec(nil), emit, nil, nil)

	require.Error(t, conn.Connect(context.Background()))
	assert.Equal(t, common.ConnClosed, conn.State())

	// One dial, one error, no retries and no terminal reconnect event.
	waitForEvent(t, events, common.EventConnError, time.Second)
	time.Sleep(100 * time.Millisecond)
	select {
	case e := <-events:
		assert.NotEqual(t, common.EventReconnect, e.Kind)
		assert.NotEqual(t, common.EventReconnectFailed, e.Kind)
	default:
	}
}

func TestConnectionHeartbeatTimeoutForcesClose(t *testing.T) {
	relay := newMockRelay()
	defer relay.close()

	cfg := testConfig(relay.url())
	cfg.AutoReconnect = false
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond

	emit, events := collectEvents()
	conn := NewConnection(cfg, protocol.NewCodec(nil), emit, nil, nil)
	require.NoError(t, conn.Connect(context.Background()))

	// The relay swallows pings, so the watchdog must force-close.
	closed := waitForEvent(t, events, common.EventConnClosed, 2*time.Second)
	assert.Equal(t, "heartbeat timeout", closed.Reason)
	assert.Equal(t, common.ConnClosed, conn.State())
}

func TestConnectionAnswersConnectionProbe(t *testing.T) {
	relay := newMockRelay()
	defer relay.close()

	cfg := testConfig(relay.url())
	cfg.HeartbeatInterval = 0

	conn := NewConnection(cfg, protocol.NewCodec(nil), nil, nil, nil)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	relay.push(t, &common.Envelope{
		ID:        "probe-1",
		Type:      common.MessageTypePing,
		Priority:  100,
		Timestamp: time.Now().UnixMilli(),
	})

	assert.Eventually(t, func() bool {
		for _, env := range relay.envelopes() {
			if env.Type == common.MessageTypePong && env.ID == "probe-1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionDeliversInboundEnvelopes(t *testing.T) {
	relay := newMockRelay()
	defer relay.close()

	inbound := make(chan *common.Envelope, 1)
	conn := NewConnection(testConfig(relay.url()), protocol.NewCodec(nil), nil,
		func(env *common.Envelope) { inbound <- env }, nil)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	relay.push(t, &common.Envelope{
		ID:        "in-1",
		Type:      common.MessageTypeData,
		From:      "bob",
		Payload:   []byte(`{"k":"v"}`),
		Timestamp: time.Now().UnixMilli(),
	})

	select {
	case env := <-inbound:
		assert.Equal(t, "in-1", env.ID)
		assert.Equal(t, "bob", env.From)
	case <-time.After(time.Second):
		t.Fatal("inbound envelope not delivered")
	}
}

func TestConnectionCloseIsTerminal(t *testing.T) {
	relay := newMockRelay()
	defer relay.close()

	conn := NewConnection(testConfig(relay.url()), protocol.NewCodec(nil), nil, nil, nil)
	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Close())
	assert.Equal(t, common.ConnClosed, conn.State())

	// Envelopes sent after close queue for the next Connect; the close
	// itself drops anything pending.
	require.NoError(t, conn.Send(&common.Envelope{
		ID: "later", Type: common.MessageTypeData, Timestamp: time.Now().UnixMilli(),
	}))
	assert.Equal(t, 1, conn.QueueLen())
	require.NoError(t, conn.Close())
	assert.Equal(t, 0, conn.QueueLen())
}
