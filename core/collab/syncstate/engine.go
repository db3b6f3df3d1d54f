// Package syncstate maintains the mapping of shared mutable keys to
// versioned values and reconciles concurrent writes so every peer
// converges on an identical final value per key, regardless of network
// arrival order.
package syncstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
)

// Entry is one versioned key/value record.
type Entry struct {
	Key         string                  `json:"key"`
	Value       json.RawMessage         `json:"value"`
	Version     uint64                  `json:"version"`
	Origin      string                  `json:"origin"`
	Strategy    common.ConflictStrategy `json:"strategy"`
	Conflicting bool                    `json:"conflicting"`
	Pinned      bool                    `json:"pinned"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

func (e *Entry) clone() Entry {
	cp := *e
	if e.Value != nil {
		cp.Value = make(json.RawMessage, len(e.Value))
		copy(cp.Value, e.Value)
	}
	return cp
}

// Config holds sync engine settings.
type Config struct {
	Strategy      common.ConflictStrategy `json:"strategy"`
	TTL           time.Duration           `json:"ttl"`
	SweepInterval time.Duration           `json:"sweep_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:      common.StrategyLastWriterWins,
		TTL:           1 * time.Hour,
		SweepInterval: 1 * time.Minute,
	}
}

// Engine accepts writes (key, value, version, origin) in any order and
// produces one converged value per key. Versions per key never decrease;
// a write at or below the stored version is rejected or flagged, never
// silently applied.
type Engine struct {
	cfg    Config
	emit   common.EmitFunc
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	sweepTicker *time.Ticker
	shutdown    chan struct{}
	closeOnce   sync.Once
}

// NewEngine creates an engine and starts its TTL sweep.
func NewEngine(cfg Config, emit common.EmitFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(common.Event) {}
	}
	if cfg.Strategy == "" {
		cfg.Strategy = common.StrategyLastWriterWins
	}
	e := &Engine{
		cfg:      cfg,
		emit:     emit,
		logger:   logger.With("component", "sync"),
		entries:  make(map[string]*Entry),
		shutdown: make(chan struct{}),
	}
	if cfg.SweepInterval > 0 && cfg.TTL > 0 {
		e.sweepTicker = time.NewTicker(cfg.SweepInterval)
		go e.sweepLoop()
	}
	return e
}

// Write applies one incoming write. It reports whether the value was
// accepted; stale writes return ErrStaleVersion and merge-incompatible
// writes return a ConflictError after flagging the entry.
func (e *Engine) Write(key string, value json.RawMessage, version uint64, origin string) (bool, error) {
	e.mu.Lock()

	stored, ok := e.entries[key]
	if !ok {
		entry := &Entry{
			Key:       key,
			Value:     append(json.RawMessage(nil), value...),
			Version:   version,
			Origin:    origin,
			Strategy:  e.cfg.Strategy,
			UpdatedAt: time.Now(),
		}
		e.entries[key] = entry
		e.mu.Unlock()
		e.emitUpdated(entry)
		return true, nil
	}

	switch {
	case version < stored.Version:
		e.mu.Unlock()
		return false, fmt.Errorf("write %s@%d behind %d: %w", key, version, stored.Version, common.ErrStaleVersion)
	case version == stored.Version:
		// Equal versions tie-break on origin so every replica picks the
		// same winner.
		if origin <= stored.Origin {
			e.mu.Unlock()
			return false, fmt.Errorf("write %s@%d lost tie-break: %w", key, version, common.ErrStaleVersion)
		}
	}

	switch stored.Strategy {
	case common.StrategyMerge:
		merged, mergeOK := mergeValues(stored.Value, value)
		if !mergeOK {
			return e.degradeToManualLocked(stored, value)
		}
		stored.Value = merged
	case common.StrategyManual:
		return e.degradeToManualLocked(stored, value)
	default: // last-writer-wins
		stored.Value = append(json.RawMessage(nil), value...)
	}

	stored.Version = version
	stored.Origin = origin
	stored.Conflicting = false
	stored.UpdatedAt = time.Now()
	entry := stored
	e.mu.Unlock()

	e.emitUpdated(entry)
	return true, nil
}

// degradeToManualLocked flags the entry and defers resolution to the
// application. Caller holds mu; it is released here.
func (e *Engine) degradeToManualLocked(stored *Entry, incoming json.RawMessage) (bool, error) {
	stored.Strategy = common.StrategyManual
	stored.Conflicting = true
	key := stored.Key
	candidates := [][]byte{
		append([]byte(nil), stored.Value...),
		append([]byte(nil), incoming...),
	}
	e.mu.Unlock()

	e.logger.Warn("sync conflict, manual resolution required", "key", key)
	e.emit(common.Event{
		Kind:       common.EventSyncConflict,
		Time:       time.Now(),
		Key:        key,
		Candidates: candidates,
	})
	return false, &common.ConflictError{Key: key}
}

// Resolve applies an application-chosen value to a conflicting entry,
// bumping the version past every candidate.
func (e *Engine) Resolve(key string, value json.RawMessage, origin string) error {
	e.mu.Lock()
	stored, ok := e.entries[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("resolve %q: no entry", key)
	}
	stored.Value = append(json.RawMessage(nil), value...)
	stored.Version++
	stored.Origin = origin
	stored.Conflicting = false
	stored.UpdatedAt = time.Now()
	entry := stored
	e.mu.Unlock()

	e.emitUpdated(entry)
	return nil
}

// Read returns a snapshot copy of the entry and marks it pinned against
// the TTL sweep.
func (e *Engine) Read(key string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored, ok := e.entries[key]
	if !ok {
		return Entry{}, false
	}
	stored.Pinned = true
	return stored.clone(), true
}

// Peek returns a snapshot without pinning.
func (e *Engine) Peek(key string) (Entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stored, ok := e.entries[key]
	if !ok {
		return Entry{}, false
	}
	return stored.clone(), true
}

// Keys returns the known keys in no particular order.
func (e *Engine) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.entries))
	for k := range e.entries {
		out = append(out, k)
	}
	return out
}

// Len returns the number of live entries.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Sweep removes unpinned entries idle past the TTL and returns how many
// were dropped.
func (e *Engine) Sweep() int {
	if e.cfg.TTL <= 0 {
		return 0
	}
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for key, entry := range e.entries {
		if !entry.Pinned && now.Sub(entry.UpdatedAt) > e.cfg.TTL {
			delete(e.entries, key)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Debug("swept stale entries", "removed", removed)
	}
	return removed
}

func (e *Engine) sweepLoop() {
	for {
		select {
		case <-e.shutdown:
			return
		case <-e.sweepTicker.C:
			e.Sweep()
		}
	}
}

// Close stops the sweep loop.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.shutdown)
		if e.sweepTicker != nil {
			e.sweepTicker.Stop()
		}
	})
}

func (e *Engine) emitUpdated(entry *Entry) {
	e.emit(common.Event{
		Kind:    common.EventSyncUpdated,
		Time:    time.Now(),
		Key:     entry.Key,
		Value:   append([]byte(nil), entry.Value...),
		Version: entry.Version,
	})
}

// mergeValues unions two JSON objects, fields from the higher-version
// (incoming) value winning where both are present. Non-object values
// cannot merge; the caller degrades the entry to manual. JSON null
// unmarshals into a nil map without error, so both sides must also be
// checked for nil before writing into the union.
func mergeValues(stored, incoming json.RawMessage) (json.RawMessage, bool) {
	var a, b map[string]json.RawMessage
	if err := json.Unmarshal(stored, &a); err != nil || a == nil {
		return nil, false
	}
	if err := json.Unmarshal(incoming, &b); err != nil || b == nil {
		return nil, false
	}
	for k, v := range b {
		a[k] = v
	}
	out, err := json.Marshal(a)
	if err != nil {
		return nil, false
	}
	return out, true
}
