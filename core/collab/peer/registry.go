package peer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
)

// RegistryConfig holds peer registry settings.
type RegistryConfig struct {
	QueueSize         int           `json:"queue_size"`
	ActivityThreshold time.Duration `json:"activity_threshold"`
	RateLimit         struct {
		MessagesPerSecond int64 `json:"messages_per_second"`
		BurstSize         int64 `json:"burst_size"`
	} `json:"rate_limit"`
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() RegistryConfig {
	cfg := RegistryConfig{
		QueueSize:         100,
		ActivityThreshold: 5 * time.Minute,
	}
	cfg.RateLimit.MessagesPerSecond = 100
	cfg.RateLimit.BurstSize = 200
	return cfg
}

// Registry is the id-keyed collection of known peers, with a token-bucket
// limiter throttling inbound traffic per peer.
type Registry struct {
	cfg    RegistryConfig
	emit   common.EmitFunc
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[string]*Peer

	limiter      *limiter.TokenBucket
	limiterStore store.Store
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, emit common.EmitFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:    cfg,
		emit:   emit,
		logger: logger.With("component", "peers"),
		peers:  make(map[string]*Peer),
	}
	r.limiterStore = store.NewMemoryStore(time.Minute)
	r.limiter, _ = limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.RateLimit.MessagesPerSecond,
			Duration: time.Second,
			Burst:    cfg.RateLimit.BurstSize,
		},
		r.limiterStore,
	)
	return r
}

// Add registers a peer if it is not already known and returns it.
func (r *Registry) Add(id, displayName string, caps common.Capabilities) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		return p
	}
	p := New(id, displayName, caps, r.cfg.QueueSize, r.cfg.ActivityThreshold, r.emit, r.logger)
	r.peers[id] = p
	r.logger.Debug("peer registered", "peer", common.ShortID(id), "name", displayName)
	return p
}

// Remove forgets a peer. Its queued envelopes are dropped.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if ok {
		p.ClearQueue()
		r.logger.Debug("peer removed", "peer", common.ShortID(id))
	}
}

// Get looks up a peer by id.
func (r *Registry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// List returns the known peers in no particular order.
func (r *Registry) List() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Receive routes an inbound envelope to its peer after the rate check.
func (r *Registry) Receive(env *common.Envelope) error {
	if env.From == "" {
		return &common.ProtocolError{Reason: "envelope without sender"}
	}
	if r.limiter != nil && !r.limiter.Allow(env.From) {
		r.logger.Warn("inbound rate limited", "peer", common.ShortID(env.From))
		return common.ErrRateLimited
	}

	p, ok := r.Get(env.From)
	if !ok {
		return common.ErrPeerUnavailable
	}
	p.ReceiveMessage(env)
	return nil
}

// Snapshot returns copies of every peer's stats keyed by peer id.
func (r *Registry) Snapshot() map[string]common.PeerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]common.PeerStats, len(r.peers))
	for id, p := range r.peers {
		out[id] = p.Stats()
	}
	return out
}
