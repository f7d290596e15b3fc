// Package broadcast implements fan-out of a
// single sync event to every tracked device except the one that produced it,
// delivering live where possible and falling back to the spool otherwise.
package broadcast

import (
	"errors"

	"github.com/tanq16/yamanaka/internal/logging"
	"github.com/tanq16/yamanaka/internal/metrics"
	"github.com/tanq16/yamanaka/internal/registry"
	"github.com/tanq16/yamanaka/internal/spool"
	"github.com/tanq16/yamanaka/internal/syncevents"
)

// Broadcaster ties the registry (who exists, who is listening live) to the
// spool (where an event goes when nobody is listening).
type Broadcaster struct {
	registry *registry.Registry
	spool    *spool.Spool
	metrics  *metrics.Registry
	log      *logging.Logger
}

// New constructs a Broadcaster over reg and sp. m may be nil, in which case
// delivery proceeds without counter updates.
func New(reg *registry.Registry, sp *spool.Spool, m *metrics.Registry, logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.L()
	}
	return &Broadcaster{registry: reg, spool: sp, metrics: m, log: logger.With(logging.String("component", "broadcast"))}
}

// Broadcast delivers event to every tracked device other than event.SenderID.
// For each recipient it attempts a non-blocking send through the registry's
// active channel; on failure (inactive device, or a full channel belonging
// to a slow subscriber) it falls back to spooling the event, guaranteeing
// every tracked device eventually observes it in order.
//
// A spool write failure for one recipient does not abort delivery to the
// rest; all such failures are collected and returned together.
func (b *Broadcaster) Broadcast(event syncevents.Event) error {
	var errs []error
	for _, id := range b.registry.AllTracked() {
		if id == event.SenderID {
			continue
		}
		if b.registry.TrySend(id, event) {
			if b.metrics != nil {
				b.metrics.ObserveDeliveredLive()
			}
			continue
		}
		if b.registry.IsActive(id) {
			b.log.Warn("live channel full, spilling event to spool",
				logging.String("device_id", id), logging.String("kind", string(event.Kind)))
		}
		if err := b.spool.Append(id, event); err != nil {
			b.log.Error("failed to spool event for device",
				logging.String("device_id", id), logging.Error(err))
			errs = append(errs, err)
			continue
		}
		if b.metrics != nil {
			depth, countErr := b.spool.Count(id)
			if countErr == nil {
				b.metrics.ObserveSpooled(id, int64(depth))
			}
		}
	}
	return errors.Join(errs...)
}
