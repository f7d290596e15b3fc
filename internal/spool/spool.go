// Package spool implements the per-device on-disk queue of events that
// could not be delivered live because the target device had no open event
// stream or its live channel was full.
package spool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tanq16/yamanaka/internal/logging"
	"github.com/tanq16/yamanaka/internal/syncevents"
)

// Spool persists missed events under root/<deviceID>/<timestamp>.json. Each
// device gets its own directory and its own lock, so Append and Drain never
// contend across devices; within a device, the lock serializes Append
// against Drain and the rare filename collision where two events land in
// the same nanosecond.
type Spool struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Spool rooted at dir, creating it if necessary.
func New(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Spool{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Spool) deviceDir(deviceID string) string {
	return filepath.Join(s.root, deviceID)
}

// lockFor returns deviceID's lock, creating it on first use. Locks are
// never removed: the set of devices is small and stable.
func (s *Spool) lockFor(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	return l
}

// Append writes event to deviceID's spool directory, named by the current
// nanosecond timestamp so Drain can recover insertion order by filename
// sort. A collision (two events spooled in the same nanosecond) advances
// the timestamp by one nanosecond until the create succeeds; timestamps
// stay fixed-width, so lexicographic order stays chronological.
func (s *Spool) Append(deviceID string, event syncevents.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l := s.lockFor(deviceID)
	l.Lock()
	defer l.Unlock()

	dir := s.deviceDir(deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for ts := time.Now().UnixNano(); ; ts++ {
		path := filepath.Join(dir, strconv.FormatInt(ts, 10)+".json")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return err
		}
		_, writeErr := file.Write(data)
		closeErr := file.Close()
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	}
}

// Count returns the number of spooled events waiting for deviceID. The
// Broadcaster uses it to report per-device spool depth after each append.
func (s *Spool) Count(deviceID string) (int, error) {
	entries, err := os.ReadDir(s.deviceDir(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(entries), nil
}

// Drain reads every spooled event for deviceID in filename (commit-time)
// order, then removes the device's spool directory entirely. An entry that
// cannot be read or decoded is skipped with a warning; the rest are still
// returned. It is the caller's responsibility
// to actually deliver the returned events before data loss becomes
// observable; Drain itself is not transactional with delivery.
func (s *Spool) Drain(deviceID string) ([]syncevents.Event, error) {
	l := s.lockFor(deviceID)
	l.Lock()
	defer l.Unlock()

	dir := s.deviceDir(deviceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	events := make([]syncevents.Event, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logging.L().Warn("skipping unreadable spool entry",
				logging.String("device_id", deviceID), logging.String("entry", name), logging.Error(err))
			continue
		}
		var event syncevents.Event
		if err := json.Unmarshal(data, &event); err != nil {
			logging.L().Warn("skipping undecodable spool entry",
				logging.String("device_id", deviceID), logging.String("entry", name), logging.Error(err))
			continue
		}
		events = append(events, event)
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	return events, nil
}
