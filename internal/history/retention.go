package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// Stats summarizes the outcome of a retention sweep.
type Stats struct {
	Refs        int
	Blobs       int
	RemovedRefs int
}

// Prune keeps only the most recent keep refs, deleting older ref files and
// any blob no longer referenced by a surviving ref. keep <= 0 is treated
// as "keep everything".
func (s *Store) Prune(keep int) (Stats, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, refsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{}, nil
		}
		return Stats{}, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	stats := Stats{Refs: len(names)}
	if keep <= 0 || len(names) <= keep {
		return s.finishPrune(stats)
	}

	cutoff := len(names) - keep
	surviving := make(map[string]bool)
	for i, name := range names {
		if i < cutoff {
			ref, readErr := s.readRef(name)
			if readErr == nil {
				surviving[ref.Hash] = false
			}
			if err := os.Remove(s.refPath(name)); err != nil {
				return stats, err
			}
			stats.RemovedRefs++
			continue
		}
		ref, readErr := s.readRef(name)
		if readErr != nil {
			continue
		}
		surviving[ref.Hash] = true
	}

	for hash, keepBlob := range surviving {
		if keepBlob {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, blobsDirName, hash)); err != nil && !os.IsNotExist(err) {
			return stats, err
		}
	}

	return s.finishPrune(stats)
}

func (s *Store) finishPrune(stats Stats) (Stats, error) {
	blobEntries, err := os.ReadDir(filepath.Join(s.root, blobsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}
	stats.Blobs = len(blobEntries)
	return stats, nil
}

func (s *Store) readRef(name string) (Ref, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		return Ref{}, err
	}
	var ref Ref
	if err := json.Unmarshal(data, &ref); err != nil {
		return Ref{}, err
	}
	return ref, nil
}
