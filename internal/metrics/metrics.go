// Package metrics tracks per-device and process-wide counters for the sync
// server, exposed through the /metrics endpoint in Prometheus text format:
// broadcasts delivered live, broadcasts spooled, and spool depth per device.
package metrics

import "sync"

// Snapshot is a point-in-time, mutex-free copy of the counters, safe to
// serialize or compare in tests.
type Snapshot struct {
	TrackedDevices int
	ActiveDevices  int
	DeliveredLive  int64
	Spooled        int64
	SpoolDepth     map[string]int64
}

// Registry accumulates counters as the server runs. The zero value is ready
// to use.
type Registry struct {
	mu            sync.RWMutex
	deliveredLive int64
	spooled       int64
	spoolDepth    map[string]int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{spoolDepth: make(map[string]int64)}
}

// ObserveDeliveredLive records a successful non-blocking send to an active
// device's channel.
func (r *Registry) ObserveDeliveredLive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveredLive++
}

// ObserveSpooled records a broadcast that fell back to the spool for
// deviceID, and updates that device's running spool depth.
func (r *Registry) ObserveSpooled(deviceID string, depthAfter int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spooled++
	if r.spoolDepth == nil {
		r.spoolDepth = make(map[string]int64)
	}
	r.spoolDepth[deviceID] = depthAfter
}

// ObserveDrained zeroes a device's tracked spool depth after a successful
// drain, so /metrics does not report stale backlog for a device that just
// reconnected.
func (r *Registry) ObserveDrained(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spoolDepth, deviceID)
}

// Snapshot copies out the current counters. trackedDevices and activeDevices
// are supplied by the caller (the registry package owns those sets) so this
// package stays decoupled from registry's internal locking.
func (r *Registry) Snapshot(trackedDevices, activeDevices int) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	depth := make(map[string]int64, len(r.spoolDepth))
	for k, v := range r.spoolDepth {
		depth[k] = v
	}
	return Snapshot{
		TrackedDevices: trackedDevices,
		ActiveDevices:  activeDevices,
		DeliveredLive:  r.deliveredLive,
		Spooled:        r.spooled,
		SpoolDepth:     depth,
	}
}
