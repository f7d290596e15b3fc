// Package registry tracks the set of devices that have ever opened an
// event stream (tracked, persisted to clients.json) and the set currently
// holding one (active, in-memory only). Active is always a subset of
// tracked.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tanq16/yamanaka/internal/logging"
	"github.com/tanq16/yamanaka/internal/syncevents"
)

// Subscription is one connection's claim on a device's live event channel.
// It doubles as the identity token for Deregister: a handler that lost its
// slot to a newer connection for the same device id cannot tear that newer
// connection down.
type Subscription struct {
	ch chan syncevents.Event
}

// Events returns the receive side of the subscription's channel. The channel
// is closed exactly once, by whichever call evicts the subscription from the
// active set.
func (s *Subscription) Events() <-chan syncevents.Event { return s.ch }

// Registry tracks known devices and, separately, which of them currently
// hold an open /api/events connection. The tracked set is persisted to
// clients.json by a debounced background flush, so a new insert never
// blocks on disk I/O while the
// membership lock is held. The active map never touches disk; an open
// channel is only meaningful to the process that holds it.
type Registry struct {
	mu      sync.RWMutex
	path    string
	tracked map[string]bool
	active  map[string]*Subscription

	channelCapacity int
	log             *logging.Logger

	dirty    bool
	flushCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration
}

// Option customizes Registry construction, primarily for tests.
type Option func(*Registry)

// WithFlushInterval overrides the background persistence cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

// New loads clientsPath if present and starts the background persistence
// loop. channelCapacity bounds each active device's live event channel; it
// is deliberately tiny so a slow subscriber overflows into the spool
// instead of buffering unboundedly.
func New(clientsPath string, channelCapacity int, logger *logging.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = logging.L()
	}
	if channelCapacity < 1 {
		channelCapacity = 1
	}
	r := &Registry{
		path:            clientsPath,
		tracked:         make(map[string]bool),
		active:          make(map[string]*Subscription),
		channelCapacity: channelCapacity,
		log:             logger.With(logging.String("component", "registry")),
		flushCh:         make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		interval:        5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	go r.loop()
	return r, nil
}

// load restores the tracked set from clients.json. The file is a JSON
// object of device id to boolean; only key presence matters. An absent
// file means an empty set.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var ids map[string]bool
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	for id := range ids {
		r.tracked[id] = true
	}
	return nil
}

func (r *Registry) loop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.flush(); err != nil {
				r.log.Error("registry flush failed", logging.Error(err))
			}
		case <-r.flushCh:
			if err := r.flush(); err != nil {
				r.log.Error("registry flush failed", logging.Error(err))
			}
		case <-r.stopCh:
			if err := r.flush(); err != nil {
				r.log.Error("registry final flush failed", logging.Error(err))
			}
			return
		}
	}
}

func (r *Registry) flush() error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	ids := make(map[string]bool, len(r.tracked))
	for id := range r.tracked {
		ids[id] = true
	}
	r.dirty = false
	r.mu.Unlock()

	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(r.path, data, 0o644)
}

func (r *Registry) signalFlush() {
	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

// Register opens a live event channel for deviceID, marks it active, and,
// on first sight, inserts it into the tracked set and triggers a
// persistence write. If the device already has a live channel (a reconnect
// racing its own teardown), the prior channel is closed and evicted under
// the same lock, so the old connection's relay loop ends and its later
// Deregister becomes a no-op.
func (r *Registry) Register(deviceID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.tracked[deviceID] {
		r.tracked[deviceID] = true
		r.dirty = true
		r.signalFlush()
	}
	if existing, ok := r.active[deviceID]; ok {
		close(existing.ch)
	}
	sub := &Subscription{ch: make(chan syncevents.Event, r.channelCapacity)}
	r.active[deviceID] = sub
	return sub
}

// Deregister closes sub's channel and removes it from the active set, but
// only if sub still owns deviceID's slot. A stale call from a connection
// that was already evicted by a newer Register does nothing, so a channel
// is never closed twice and a fresh connection is never torn down by its
// predecessor. The tracked set is untouched: there is no transition out of
// Tracked.
func (r *Registry) Deregister(deviceID string, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[deviceID]; ok && current == sub {
		close(current.ch)
		delete(r.active, deviceID)
	}
}

// TrySend attempts a non-blocking send to deviceID's active channel. It
// reports false if the device is not active or its channel is full, in
// which case the Broadcaster is expected to fall back to the spool.
func (r *Registry) TrySend(deviceID string, event syncevents.Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.active[deviceID]
	if !ok {
		return false
	}
	select {
	case sub.ch <- event:
		return true
	default:
		return false
	}
}

// IsActive reports whether deviceID currently holds an open event channel.
func (r *Registry) IsActive(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[deviceID]
	return ok
}

// IsTracked reports whether deviceID has ever opened an event stream.
func (r *Registry) IsTracked(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracked[deviceID]
}

// AllTracked returns every known device id, sorted for deterministic
// iteration, for the Broadcaster to walk.
func (r *Registry) AllTracked() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns how many devices currently hold an open stream.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Close stops the background persistence loop and flushes once more.
func (r *Registry) Close() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}
