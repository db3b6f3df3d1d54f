// Package peer tracks remote participants: identity, capabilities,
// connectivity status, traffic statistics and a bounded outbound queue
// per peer.
package peer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
)

// latencySmoothing weights the previous estimate in the EWMA.
const latencySmoothing = 0.8

// Peer is one remote participant. All mutation goes through methods; the
// registry hands out snapshot copies only.
type Peer struct {
	id          string
	displayName string

	mu     sync.RWMutex
	caps   common.Capabilities
	status common.PeerStatus
	stats  common.PeerStats
	roomID string // non-owning lookup key, resolved through the coordinator

	queue             *common.PriorityQueue
	queueSize         int
	breaker           *gobreaker.CircuitBreaker
	activityThreshold time.Duration

	emit   common.EmitFunc
	logger *slog.Logger
}

// New creates a peer in the OFFLINE state.
func New(id, displayName string, caps common.Capabilities, queueSize int, activityThreshold time.Duration, emit common.EmitFunc, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(common.Event) {}
	}
	p := &Peer{
		id:                id,
		displayName:       displayName,
		caps:              caps,
		status:            common.PeerOffline,
		queue:             common.NewPriorityQueue(queueSize),
		queueSize:         queueSize,
		activityThreshold: activityThreshold,
		emit:              emit,
		logger:            logger.With("component", "peer", "peer", common.ShortID(id)),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "peer-" + id,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return p
}

// ID returns the peer's identity.
func (p *Peer) ID() string { return p.id }

// DisplayName returns the peer's display name.
func (p *Peer) DisplayName() string { return p.displayName }

// Status returns the current connectivity status.
func (p *Peer) Status() common.PeerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// RoomID returns the id of the room the peer currently belongs to.
func (p *Peer) RoomID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roomID
}

// SetRoomID records the peer's room membership key.
func (p *Peer) SetRoomID(id string) {
	p.mu.Lock()
	p.roomID = id
	p.mu.Unlock()
}

// Capabilities returns a copy of the capability set.
func (p *Peer) Capabilities() common.Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	caps := p.caps
	if p.caps.Features != nil {
		caps.Features = make(map[string]bool, len(p.caps.Features))
		for k, v := range p.caps.Features {
			caps.Features[k] = v
		}
	}
	return caps
}

// Stats returns a snapshot of the peer's statistics.
func (p *Peer) Stats() common.PeerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Connect marks the peer ONLINE. Idempotent: a repeated call raises no
// event.
func (p *Peer) Connect() {
	p.setStatus(common.PeerOnline, "")
}

// Disconnect marks the peer OFFLINE with a reason. Idempotent.
func (p *Peer) Disconnect(reason string) {
	p.setStatus(common.PeerOffline, reason)
}

// SetStatus transitions to an arbitrary status (CONNECTING, BUSY).
func (p *Peer) SetStatus(status common.PeerStatus) {
	p.setStatus(status, "")
}

func (p *Peer) setStatus(status common.PeerStatus, reason string) {
	p.mu.Lock()
	old := p.status
	if old == status {
		p.mu.Unlock()
		return
	}
	p.status = status
	p.stats.LastSeen = time.Now()
	p.mu.Unlock()

	p.logger.Debug("status changed", "old", old.String(), "new", status.String())
	p.emit(common.Event{
		Kind:      common.EventPeerStatusChanged,
		Time:      time.Now(),
		PeerID:    p.id,
		Reason:    reason,
		OldStatus: old,
		NewStatus: status,
	})
}

// SendMessage enqueues an envelope for the peer after validating status
// and capability limits, and updates sent statistics. Actual transmission
// happens when Flush drains the queue.
func (p *Peer) SendMessage(env *common.Envelope) error {
	p.mu.Lock()
	if p.status != common.PeerOnline {
		p.mu.Unlock()
		return fmt.Errorf("send to %s: %w", common.ShortID(p.id), common.ErrPeerNotOnline)
	}
	if p.caps.MaxPayloadSize > 0 && len(env.Payload) > p.caps.MaxPayloadSize {
		p.mu.Unlock()
		return &common.ProtocolError{
			Reason: fmt.Sprintf("payload %d exceeds peer limit %d", len(env.Payload), p.caps.MaxPayloadSize),
			Err:    common.ErrPayloadTooLarge,
		}
	}
	p.mu.Unlock()

	evicted, admitted := p.queue.Push(env)
	if !admitted {
		return &common.CapacityError{Resource: "peer queue", Limit: p.queueSize}
	}
	if evicted != nil {
		p.logger.Debug("peer queue overflow, evicted envelope",
			"id", common.ShortID(evicted.ID), "priority", evicted.Priority)
	}

	p.mu.Lock()
	p.stats.MessagesSent++
	p.stats.BytesSent += uint64(len(env.Payload))
	p.mu.Unlock()

	p.emit(common.Event{Kind: common.EventMessageSent, Time: time.Now(), PeerID: p.id, Envelope: env.Clone()})
	return nil
}

// Flush drains the outbound queue through the delivery circuit breaker.
// It stops at the first failure, leaving the failed envelope re-queued at
// the head of its tier.
func (p *Peer) Flush(transmit func(*common.Envelope) error) error {
	for {
		env, ok := p.queue.Pop()
		if !ok {
			return nil
		}
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, transmit(env)
		})
		if err != nil {
			p.queue.PushFront(env)
			return &common.TransportError{Op: "deliver", Err: err}
		}
		env.Status = common.DeliverySent
	}
}

// ReceiveMessage records an inbound envelope and raises the received
// event.
func (p *Peer) ReceiveMessage(env *common.Envelope) {
	p.mu.Lock()
	p.stats.MessagesReceived++
	p.stats.BytesReceived += uint64(len(env.Payload))
	p.stats.LastSeen = time.Now()
	p.mu.Unlock()

	p.emit(common.Event{Kind: common.EventMessageReceived, Time: time.Now(), PeerID: p.id, Envelope: env.Clone()})
}

// Ping builds a ping envelope addressed to this peer. The envelope's
// timestamp comes back in the pong and yields the round trip.
func (p *Peer) Ping(from string) *common.Envelope {
	return &common.Envelope{
		Type:      common.MessageTypePing,
		From:      from,
		To:        p.id,
		Priority:  100,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Pong folds a pong's echoed send-timestamp into the latency estimate.
func (p *Peer) Pong(sentAtMillis int64) {
	rtt := float64(time.Now().UnixMilli() - sentAtMillis)
	if rtt < 0 {
		return
	}
	p.mu.Lock()
	if p.stats.LatencyMs == 0 {
		p.stats.LatencyMs = rtt
	} else {
		p.stats.LatencyMs = latencySmoothing*p.stats.LatencyMs + (1-latencySmoothing)*rtt
	}
	p.stats.LastSeen = time.Now()
	p.mu.Unlock()
}

// IsActive reports whether the peer showed activity within the threshold.
func (p *Peer) IsActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isActiveLocked(time.Now())
}

func (p *Peer) isActiveLocked(now time.Time) bool {
	if p.stats.LastSeen.IsZero() {
		return false
	}
	return now.Sub(p.stats.LastSeen) <= p.activityThreshold
}

// CanSendMessages requires ONLINE and recent activity.
func (p *Peer) CanSendMessages() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == common.PeerOnline && p.isActiveLocked(time.Now())
}

// CanReceiveMessages requires ONLINE and recent activity.
func (p *Peer) CanReceiveMessages() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == common.PeerOnline && p.isActiveLocked(time.Now())
}

// ClearQueue cancels every pending delivery for this peer.
func (p *Peer) ClearQueue() []*common.Envelope {
	return p.queue.Clear()
}

// QueueLen returns the number of envelopes waiting for delivery.
func (p *Peer) QueueLen() int {
	return p.queue.Len()
}

// QueueSnapshot returns copies of the queued envelopes in drain order.
func (p *Peer) QueueSnapshot() []*common.Envelope {
	return p.queue.Snapshot()
}

// BreakerState exposes the delivery breaker state for diagnostics.
func (p *Peer) BreakerState() gobreaker.State {
	return p.breaker.State()
}
