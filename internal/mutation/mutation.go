// Package mutation implements the operations that change vault state over
// the wire (Push, Initial Replace, and Pull), wiring the vault store, the
// broadcaster, and the history snapshotter together.
package mutation

import (
	"encoding/base64"
	"errors"
	"io"

	"github.com/tanq16/yamanaka/internal/broadcast"
	"github.com/tanq16/yamanaka/internal/history"
	"github.com/tanq16/yamanaka/internal/logging"
	"github.com/tanq16/yamanaka/internal/syncevents"
	"github.com/tanq16/yamanaka/internal/vaultstore"
)

// FileUpdate is a single entry in a push's files_to_update list. Content is
// base64 as received on the wire; it is decoded for the disk write but
// re-broadcast verbatim.
type FileUpdate struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PushRequest is the body of a push mutation: files to write and files to
// remove, applied deletes-first.
type PushRequest struct {
	FilesToUpdate []FileUpdate `json:"files_to_update"`
	FilesToDelete []string     `json:"files_to_delete"`
}

// PushResult counts what a push actually did. Per-file failures are skipped
// with a warning rather than failing the batch, so the counts can differ
// from the request's lengths.
type PushResult struct {
	Updated int
	Deleted int
	Skipped int
}

// Handler applies mutations, fans out the resulting events, and schedules a
// history commit after each accepted mutation.
type Handler struct {
	vault       *vaultstore.Store
	broadcaster *broadcast.Broadcaster
	snapshotter *history.Snapshotter
	log         *logging.Logger
}

// New wires a Handler over the given components.
func New(vault *vaultstore.Store, b *broadcast.Broadcaster, snap *history.Snapshotter, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.L()
	}
	return &Handler{vault: vault, broadcaster: b, snapshotter: snap, log: logger.With(logging.String("component", "mutation"))}
}

// Pull returns every file currently in the vault, the
// read-side counterpart with no broadcast or history side effects.
func (h *Handler) Pull() ([]vaultstore.File, error) {
	return h.vault.ListAll()
}

// Push applies req's deletes then updates on behalf of senderID. Each
// successful mutation produces one broadcast event, so a push touching N
// files produces N broadcasts and partial failures still make progress: a
// bad path, undecodable content, or storage failure skips that file with a
// warning and the rest of the batch continues. One history
// commit is triggered after the whole batch.
func (h *Handler) Push(senderID string, req PushRequest) PushResult {
	var result PushResult

	for _, path := range req.FilesToDelete {
		removed, err := h.vault.Delete(path)
		if err != nil {
			h.log.Warn("push delete skipped",
				logging.String("path", path), logging.Error(err))
			result.Skipped++
			continue
		}
		if !removed {
			h.log.Warn("push delete skipped, file not present", logging.String("path", path))
			result.Skipped++
			continue
		}
		result.Deleted++
		h.broadcast(syncevents.NewFileDeleted(senderID, path))
	}

	for _, update := range req.FilesToUpdate {
		data, err := base64.StdEncoding.DecodeString(update.Content)
		if err != nil {
			h.log.Warn("push update skipped, content is not valid base64",
				logging.String("path", update.Path), logging.Error(err))
			result.Skipped++
			continue
		}
		if err := h.vault.Write(update.Path, data); err != nil {
			if errors.Is(err, vaultstore.ErrBadPath) {
				h.log.Warn("push update skipped, path rejected", logging.String("path", update.Path))
			} else {
				h.log.Warn("push update skipped, write failed",
					logging.String("path", update.Path), logging.Error(err))
			}
			result.Skipped++
			continue
		}
		result.Updated++
		h.broadcast(syncevents.NewFileUpdated(senderID, update.Path, update.Content))
	}

	h.snapshotter.TriggerCommit("client push from " + senderID)
	return result
}

// InitialReplace wipes the vault (preserving history, spool, and the device
// registry) and extracts a gzipped tar archive in its place. Either step
// failing aborts with an error and no broadcast; on success exactly one
// full_sync_required event goes out. No incremental event can describe a
// whole-vault replacement, so recipients are pointed at a full pull
// instead.
func (h *Handler) InitialReplace(senderID string, archive io.Reader) error {
	if err := h.vault.CleanExceptHistory(); err != nil {
		return err
	}
	if err := h.vault.ExtractTarGz(archive); err != nil {
		return err
	}
	h.broadcast(syncevents.NewFullSyncRequired(senderID, "vault replaced by another device; full pull required"))
	h.snapshotter.TriggerCommit("initial sync from " + senderID)
	return nil
}

func (h *Handler) broadcast(event syncevents.Event) {
	if err := h.broadcaster.Broadcast(event); err != nil {
		h.log.Error("broadcast failed", logging.Error(err), logging.String("kind", string(event.Kind)))
	}
}
