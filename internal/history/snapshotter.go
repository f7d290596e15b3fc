package history

import (
	"time"

	"github.com/tanq16/yamanaka/internal/logging"
	"github.com/tanq16/yamanaka/internal/vaultstore"
)

// Snapshotter drives Store.Commit on a ticker and on demand (a push-
// triggered commit). Commits ride the vault's lock, so a snapshot never
// observes a half-written mutation.
type Snapshotter struct {
	store    *Store
	vault    *vaultstore.Store
	interval time.Duration
	retain   int
	log      *logging.Logger

	commitCh chan string
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSnapshotter wires store to vault, committing every interval and keeping
// only the most recent retain snapshots after each commit (retain <= 0 keeps
// all of them).
func NewSnapshotter(store *Store, vault *vaultstore.Store, interval time.Duration, retain int, logger *logging.Logger) *Snapshotter {
	if logger == nil {
		logger = logging.L()
	}
	return &Snapshotter{
		store:    store,
		vault:    vault,
		interval: interval,
		retain:   retain,
		log:      logger.With(logging.String("component", "history")),
		commitCh: make(chan string, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start initializes the store and spawns the background commit loop. Call
// Stop to shut it down cleanly.
func (s *Snapshotter) Start() error {
	if err := s.store.EnsureInitialized(); err != nil {
		return err
	}
	go s.loop()
	return nil
}

// TriggerCommit requests an out-of-band commit with message, used
// immediately after a push mutation. It does not block if a
// commit is already queued; the pending request's message wins.
func (s *Snapshotter) TriggerCommit(message string) {
	select {
	case s.commitCh <- message:
	default:
	}
}

func (s *Snapshotter) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.commitNow("scheduled snapshot")
		case message := <-s.commitCh:
			s.commitNow(message)
		case <-s.stopCh:
			return
		}
	}
}

// commitNow takes a snapshot of the vault's current contents. It relies on
// vaultstore.Store.ListAll's own shared lock (taken inside Commit) to block
// out concurrent writers for the duration of the walk, which is sufficient
// for a consistent snapshot, since writes only ever need that same lock in
// its exclusive form.
func (s *Snapshotter) commitNow(message string) {
	ref, err := s.store.Commit(s.vault, message)
	if err != nil {
		s.log.Error("history commit failed", logging.Error(err))
		return
	}
	if _, err := s.store.Prune(s.retain); err != nil {
		s.log.Error("history retention sweep failed", logging.Error(err))
	}
	s.log.Debug("history commit recorded", logging.String("hash", ref.Hash), logging.String("message", message))
}

// Stop halts the background loop. It does not perform a final commit: a
// shutdown is not itself a vault mutation worth recording.
func (s *Snapshotter) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
