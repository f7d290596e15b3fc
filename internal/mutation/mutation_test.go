package mutation

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tanq16/yamanaka/internal/broadcast"
	"github.com/tanq16/yamanaka/internal/history"
	"github.com/tanq16/yamanaka/internal/registry"
	"github.com/tanq16/yamanaka/internal/spool"
	"github.com/tanq16/yamanaka/internal/syncevents"
	"github.com/tanq16/yamanaka/internal/vaultstore"
)

func newTestHandler(t *testing.T) (*Handler, *vaultstore.Store, *registry.Registry, *spool.Spool) {
	t.Helper()
	vaultDir := t.TempDir()
	vault, err := vaultstore.New(vaultDir, nil)
	if err != nil {
		t.Fatalf("vaultstore.New() returned error: %v", err)
	}
	reg, err := registry.New(filepath.Join(vaultDir, vaultstore.ClientsFileName), 4, nil, registry.WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("registry.New() returned error: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	sp, err := spool.New(filepath.Join(vaultDir, vaultstore.SpoolDirName))
	if err != nil {
		t.Fatalf("spool.New() returned error: %v", err)
	}
	b := broadcast.New(reg, sp, nil, nil)

	store := history.Open(filepath.Join(vaultDir, vaultstore.HistoryDirName))
	snap := history.NewSnapshotter(store, vault, time.Hour, 0, nil)
	if err := snap.Start(); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	t.Cleanup(snap.Stop)

	reg.Register("sender")
	return New(vault, b, snap, nil), vault, reg, sp
}

func TestPushWritesAndBroadcasts(t *testing.T) {
	h, vault, reg, _ := newTestHandler(t)
	receiver := reg.Register("receiver")
	content := base64.StdEncoding.EncodeToString([]byte("hello"))

	result := h.Push("sender", PushRequest{
		FilesToUpdate: []FileUpdate{{Path: "note.md", Content: content}},
	})
	if result.Updated != 1 || result.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	files, err := vault.ListAll()
	if err != nil {
		t.Fatalf("ListAll() returned error: %v", err)
	}
	if len(files) != 1 || files[0].Path != "note.md" || files[0].Content != content {
		t.Fatalf("unexpected files: %+v", files)
	}

	select {
	case event := <-receiver.Events():
		if event.Kind != syncevents.KindFileUpdated {
			t.Fatalf("unexpected event kind: %v", event.Kind)
		}
		if event.FileUpdated.ContentBase64 != content {
			t.Fatalf("broadcast content does not match wire content: %q", event.FileUpdated.ContentBase64)
		}
	default:
		t.Fatal("expected receiver to observe the push")
	}
}

func TestPushDeleteRemovesFileAndBroadcasts(t *testing.T) {
	h, vault, reg, _ := newTestHandler(t)
	content := base64.StdEncoding.EncodeToString([]byte("hello"))
	h.Push("sender", PushRequest{FilesToUpdate: []FileUpdate{{Path: "note.md", Content: content}}})

	receiver := reg.Register("receiver")
	result := h.Push("sender", PushRequest{FilesToDelete: []string{"note.md"}})
	if result.Deleted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	files, err := vault.ListAll()
	if err != nil {
		t.Fatalf("ListAll() returned error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected vault to be empty, got %+v", files)
	}

	select {
	case event := <-receiver.Events():
		if event.Kind != syncevents.KindFileDeleted || event.FileDeleted.Path != "note.md" {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("expected receiver to observe the delete")
	}
}

func TestPushDeleteOfMissingFileEmitsNothing(t *testing.T) {
	h, _, reg, _ := newTestHandler(t)
	receiver := reg.Register("receiver")

	result := h.Push("sender", PushRequest{FilesToDelete: []string{"ghost.md"}})
	if result.Deleted != 0 || result.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	select {
	case event := <-receiver.Events():
		t.Fatalf("expected no event for a missing file, got %+v", event)
	default:
	}
}

func TestPushSkipsBadPathAndContinues(t *testing.T) {
	h, vault, reg, _ := newTestHandler(t)
	receiver := reg.Register("receiver")

	result := h.Push("sender", PushRequest{
		FilesToUpdate: []FileUpdate{
			{Path: "../evil", Content: "eA=="},
			{Path: "ok.md", Content: "eQ=="},
		},
	})
	if result.Updated != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	files, err := vault.ListAll()
	if err != nil {
		t.Fatalf("ListAll() returned error: %v", err)
	}
	if len(files) != 1 || files[0].Path != "ok.md" {
		t.Fatalf("expected only ok.md inside the vault, got %+v", files)
	}

	select {
	case event := <-receiver.Events():
		if event.FileUpdated == nil || event.FileUpdated.Path != "ok.md" {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("expected one event for ok.md")
	}
	select {
	case event := <-receiver.Events():
		t.Fatalf("expected no second event, got %+v", event)
	default:
	}
}

func TestPushSkipsUndecodableContent(t *testing.T) {
	h, vault, _, _ := newTestHandler(t)

	result := h.Push("sender", PushRequest{
		FilesToUpdate: []FileUpdate{{Path: "bad.md", Content: "not base64!!!"}},
	})
	if result.Updated != 0 || result.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	files, err := vault.ListAll()
	if err != nil {
		t.Fatalf("ListAll() returned error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no file written, got %+v", files)
	}
}

func buildArchive(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatalf("WriteHeader() returned error: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar Write() returned error: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close() returned error: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close() returned error: %v", err)
	}
	return &buf
}

func TestInitialReplaceWipesExtractsAndSignalsFullSync(t *testing.T) {
	h, vault, reg, sp := newTestHandler(t)
	if err := vault.Write("old.txt", []byte("stale")); err != nil {
		t.Fatalf("Write() returned error: %v", err)
	}
	receiver := reg.Register("receiver")
	offline := reg.Register("offline")
	reg.Deregister("offline", offline)

	archive := buildArchive(t, map[string]string{"x/y.md": "hello"})
	if err := h.InitialReplace("sender", archive); err != nil {
		t.Fatalf("InitialReplace() returned error: %v", err)
	}

	files, err := vault.ListAll()
	if err != nil {
		t.Fatalf("ListAll() returned error: %v", err)
	}
	if len(files) != 1 || files[0].Path != "x/y.md" {
		t.Fatalf("expected only x/y.md to survive, got %+v", files)
	}
	if files[0].Content != base64.StdEncoding.EncodeToString([]byte("hello")) {
		t.Fatalf("unexpected content: %q", files[0].Content)
	}

	// Exactly one full_sync_required per recipient, no per-file events.
	select {
	case event := <-receiver.Events():
		if event.Kind != syncevents.KindFullSyncRequired {
			t.Fatalf("unexpected event kind: %v", event.Kind)
		}
	default:
		t.Fatal("expected connected receiver to be told to full-sync")
	}
	select {
	case event := <-receiver.Events():
		t.Fatalf("expected no further events, got %+v", event)
	default:
	}

	spooled, err := sp.Drain("offline")
	if err != nil {
		t.Fatalf("Drain() returned error: %v", err)
	}
	if len(spooled) != 1 || spooled[0].Kind != syncevents.KindFullSyncRequired {
		t.Fatalf("expected one spooled full_sync_required for offline device, got %+v", spooled)
	}
}

func TestInitialReplaceRejectsBadArchive(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	if err := h.InitialReplace("sender", bytes.NewBufferString("not a gzip stream")); err == nil {
		t.Fatal("expected an error for an invalid archive")
	}
}
