// Package vaultstore implements all reads and writes of the on-disk file
// tree the sync server keeps authoritative, guarded by a single
// process-wide reader-writer lock shared with the history snapshotter.
package vaultstore

import (
	"archive/tar"
	"encoding/base64"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/tanq16/yamanaka/internal/logging"
)

// HistoryDirName is the hidden directory the history snapshotter owns.
// It is never walked, written, or exposed as a File.
const HistoryDirName = ".history"

// SpoolDirName is the directory the missed-event spool owns. It is excluded
// from walks and from clean_except_history the same way HistoryDirName is.
const SpoolDirName = "missed_events"

// ClientsFileName is the tracked-device registry persisted at the vault root.
const ClientsFileName = "clients.json"

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// File is a single vault entry as exposed to API callers: a forward-slash
// relative path and its base64-encoded content.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Store guards a single vault root directory. The zero value is not usable;
// construct with New.
type Store struct {
	root string
	mu   sync.RWMutex
	log  *logging.Logger
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Store{root: abs, log: logger.With(logging.String("component", "vaultstore"))}, nil
}

// Root returns the absolute vault root directory.
func (s *Store) Root() string { return s.root }

// reservedTopLevel reports whether name (a single path component at vault
// root) is one of the entries the store manages itself: the history and
// spool directories and the tracked-device registry file. None of them are
// user files; they are never listed, never writable through the API, and
// survive clean_except_history.
func reservedTopLevel(name string) bool {
	return name == HistoryDirName || name == SpoolDirName || name == ClientsFileName
}

// cleanRelative normalizes an API-supplied path into a vault-relative,
// forward-slash path, rejecting anything that escapes the root, is absolute,
// or targets a reserved entry. A rejection yields ErrBadPath without
// touching the filesystem.
func cleanRelative(raw string) (string, error) {
	if raw == "" {
		return "", ErrBadPath
	}
	clean := filepath.ToSlash(filepath.Clean(raw))
	if clean == "." || strings.HasPrefix(clean, "../") || clean == ".." || filepath.IsAbs(clean) {
		return "", ErrBadPath
	}
	first := clean
	if idx := strings.IndexByte(clean, '/'); idx >= 0 {
		first = clean[:idx]
	}
	if reservedTopLevel(first) {
		return "", ErrBadPath
	}
	return clean, nil
}

// absPath resolves a vault-relative path already validated by cleanRelative
// to an absolute path under the root. It performs no further checks; in
// particular, symlinks inside the vault are not resolved.
func (s *Store) absPath(relative string) string {
	return filepath.Join(s.root, filepath.FromSlash(relative))
}

// ListAll walks the vault root under a shared lock, skipping the history and
// spool directories, and returns every regular file with its content
// base64-encoded.
func (s *Store) ListAll() ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []File
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		relSlash := filepath.ToSlash(rel)
		first := relSlash
		if idx := strings.IndexByte(relSlash, '/'); idx >= 0 {
			first = relSlash[:idx]
		}
		if d.IsDir() {
			if reservedTopLevel(first) {
				return filepath.SkipDir
			}
			return nil
		}
		if reservedTopLevel(first) {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		files = append(files, File{
			Path:    relSlash,
			Content: base64.StdEncoding.EncodeToString(data),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Write creates any missing parent directories and writes bytes to path,
// under the store's exclusive lock.
func (s *Store) Write(path string, content []byte) error {
	rel, err := cleanRelative(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	full := s.absPath(rel)
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return err
	}
	return os.WriteFile(full, content, filePerm)
}

// Delete removes a single file under the store's exclusive lock. A missing
// file is not an error at this layer; the returned boolean reports whether
// a file was actually removed, so callers decide whether a missing file
// should suppress the resulting event.
func (s *Store) Delete(path string) (bool, error) {
	rel, err := cleanRelative(path)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	full := s.absPath(rel)
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CleanExceptHistory removes every top-level vault entry except the
// reserved ones (history, spool, clients.json) under the exclusive lock.
// It is the first step of an initial-replace mutation; wiping the
// tracked-device registry along with the user tree would orphan every
// offline device's backlog.
func (s *Store) CleanExceptHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if reservedTopLevel(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// ExtractTarGz decompresses and unpacks a gzipped tar stream into the vault
// root, under the exclusive lock. It is the second step of an initial-replace
// mutation, run immediately after CleanExceptHistory. Every entry path is
// subject to the same safety checks as Write; a directory or regular-file
// kind is required, anything else yields ErrArchiveFormat and aborts the
// extraction.
func (s *Store) ExtractTarGz(r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		// Archives built with `tar czf … -C vault .` carry a root entry
		// named "." or "./"; it names the extraction target itself, so it
		// is neither an escape nor a file to create.
		if filepath.ToSlash(filepath.Clean(header.Name)) == "." {
			continue
		}
		rel, err := cleanRelative(header.Name)
		if err != nil {
			return err
		}
		full := s.absPath(rel)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(full, dirPerm); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
				return err
			}
			out, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(out, tr)
			closeErr := out.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		default:
			return ErrArchiveFormat
		}
	}
}
