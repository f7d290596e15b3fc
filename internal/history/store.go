// Package history implements periodic and push-triggered commits of the
// entire vault tree into a content-addressed, append-only store, plus a
// retention sweep that bounds how many past snapshots are kept on disk.
package history

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/golang/snappy"

	"github.com/tanq16/yamanaka/internal/vaultstore"
)

const (
	blobsDirName = "blobs"
	refsDirName  = "refs"
)

// Ref is a single recorded snapshot: the content hash of its (compressed)
// tar blob, the commit message, and when it was taken.
type Ref struct {
	Hash        string    `json:"hash"`
	Message     string    `json:"message"`
	CommittedAt time.Time `json:"committed_at"`
}

// Store is a content-addressed archive of whole-vault snapshots, rooted at
// <vault>/.history. Every commit is a gzip-free tar of the vault tree,
// compressed with snappy and stored under its sha256 hash, so identical
// vault states never duplicate storage.
type Store struct {
	root string
}

// Open returns a Store rooted at historyDir, which is created on first use
// via EnsureInitialized.
func Open(historyDir string) *Store {
	return &Store{root: historyDir}
}

// EnsureInitialized creates the store's directory layout if it does not yet
// exist. It is idempotent and safe to call on every startup.
func (s *Store) EnsureInitialized() error {
	if err := os.MkdirAll(filepath.Join(s.root, blobsDirName), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.root, refsDirName), 0o755)
}

// Commit archives every file under vault (via vaultstore.Store.ListAll,
// which already excludes the history and spool directories), stores the
// compressed tar under its content hash if not already present, and records
// a timestamped ref naming that hash and message. ListAll takes the vault's
// shared lock, so the snapshot is consistent with concurrent mutations.
func (s *Store) Commit(vault *vaultstore.Store, message string) (Ref, error) {
	files, err := vault.ListAll()
	if err != nil {
		return Ref{}, err
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, f := range files {
		// ListAll returns content base64-encoded for the wire; the archive
		// stores the original bytes so a restore needs no decoding step.
		raw, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return Ref{}, fmt.Errorf("history: undecodable content for %s: %w", f.Path, err)
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: f.Path,
			Mode: 0o644,
			Size: int64(len(raw)),
		}); err != nil {
			return Ref{}, err
		}
		if _, err := tw.Write(raw); err != nil {
			return Ref{}, err
		}
	}
	if err := tw.Close(); err != nil {
		return Ref{}, err
	}

	compressed := snappy.Encode(nil, tarBuf.Bytes())
	sum := sha256.Sum256(compressed)
	hash := hex.EncodeToString(sum[:])

	// Nothing changed since the last snapshot: succeed without recording
	// a new ref.
	if latest, ok, err := s.latestRef(); err != nil {
		return Ref{}, err
	} else if ok && latest.Hash == hash {
		return latest, nil
	}

	blobPath := filepath.Join(s.root, blobsDirName, hash)
	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		if err := os.WriteFile(blobPath, compressed, 0o644); err != nil {
			return Ref{}, err
		}
	} else if err != nil {
		return Ref{}, err
	}

	ref := Ref{Hash: hash, Message: message, CommittedAt: time.Now()}
	refData, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return Ref{}, err
	}
	refName := strconv.FormatInt(ref.CommittedAt.UnixNano(), 10) + ".json"
	if err := os.WriteFile(filepath.Join(s.root, refsDirName, refName), refData, 0o644); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Refs returns every recorded ref, oldest first.
func (s *Store) Refs() ([]Ref, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, refsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	refs := make([]Ref, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.root, refsDirName, name))
		if err != nil {
			return nil, err
		}
		var ref Ref
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Blob decompresses and returns the tar bytes stored under hash.
func (s *Store) Blob(hash string) ([]byte, error) {
	compressed, err := os.ReadFile(filepath.Join(s.root, blobsDirName, hash))
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, compressed)
}

// ExtractRef writes the decompressed tar blob named by ref to w, for
// operator-side inspection. The tar entries themselves are not unpacked.
func (s *Store) ExtractRef(ref Ref, w io.Writer) error {
	data, err := s.Blob(ref.Hash)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

// latestRef returns the most recently recorded ref, if any.
func (s *Store) latestRef() (Ref, bool, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, refsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return Ref{}, false, nil
		}
		return Ref{}, false, err
	}
	latest := ""
	for _, e := range entries {
		if !e.IsDir() && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return Ref{}, false, nil
	}
	ref, err := s.readRef(latest)
	if err != nil {
		return Ref{}, false, err
	}
	return ref, true, nil
}

func (s *Store) refPath(name string) string {
	return filepath.Join(s.root, refsDirName, name)
}
