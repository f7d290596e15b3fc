// Package syncevents defines the tagged-union event vocabulary broadcast to
// subscribers of the vault sync stream, and its wire (SSE) encoding.
package syncevents

import "encoding/json"

// Kind identifies which variant of the event union a frame carries. The
// wire vocabulary also reserves "file_created", but this implementation
// treats create and update identically: subscribers perform an upsert, so
// the emitted name is always KindFileUpdated when content is present.
type Kind string

const (
	KindFileUpdated      Kind = "file_updated"
	KindFileDeleted      Kind = "file_deleted"
	KindFullSyncRequired Kind = "full_sync_required"
)

// FileUpdated carries the full contents of a created or modified file.
// ContentBase64 is always non-empty.
type FileUpdated struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"content"`
}

// FileDeleted names a file removed from the vault. It carries no content.
type FileDeleted struct {
	Path string `json:"path"`
}

// FullSyncRequired tells a subscriber its incremental view can no longer be
// trusted and it must discard local state and perform a full pull.
type FullSyncRequired struct {
	Message string `json:"message"`
}

// Event is the tagged union delivered to the Broadcaster and, eventually, to
// subscribers. Exactly one of the payload fields is populated, matching Kind.
// SenderID is attached so the Broadcaster can suppress delivery back to the
// originating device; it is never serialized onto the wire.
type Event struct {
	Kind     Kind
	SenderID string

	FileUpdated      *FileUpdated
	FileDeleted      *FileDeleted
	FullSyncRequired *FullSyncRequired
}

// NewFileUpdated constructs an update/create event for path with base64 content.
func NewFileUpdated(senderID, path, contentBase64 string) Event {
	return Event{
		Kind:        KindFileUpdated,
		SenderID:    senderID,
		FileUpdated: &FileUpdated{Path: path, ContentBase64: contentBase64},
	}
}

// NewFileDeleted constructs a deletion event for path.
func NewFileDeleted(senderID, path string) Event {
	return Event{
		Kind:        KindFileDeleted,
		SenderID:    senderID,
		FileDeleted: &FileDeleted{Path: path},
	}
}

// NewFullSyncRequired constructs a full-resync signal carrying a human message.
func NewFullSyncRequired(senderID, message string) Event {
	return Event{
		Kind:             KindFullSyncRequired,
		SenderID:         senderID,
		FullSyncRequired: &FullSyncRequired{Message: message},
	}
}

// Payload returns the JSON body for whichever variant is populated, used
// as the data line of an SSE frame. The
// sender id is intentionally excluded from every marshaled payload.
func (e Event) Payload() ([]byte, error) {
	switch e.Kind {
	case KindFileUpdated:
		return json.Marshal(e.FileUpdated)
	case KindFileDeleted:
		return json.Marshal(e.FileDeleted)
	case KindFullSyncRequired:
		return json.Marshal(e.FullSyncRequired)
	default:
		return nil, errUnknownKind
	}
}

// MarshalJSON serializes the event as a single self-describing JSON
// document, the form the spool writes to disk.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind             Kind              `json:"kind"`
		FileUpdated      *FileUpdated      `json:"file_updated,omitempty"`
		FileDeleted      *FileDeleted      `json:"file_deleted,omitempty"`
		FullSyncRequired *FullSyncRequired `json:"full_sync_required,omitempty"`
	}
	return json.Marshal(wire{
		Kind:             e.Kind,
		FileUpdated:      e.FileUpdated,
		FileDeleted:      e.FileDeleted,
		FullSyncRequired: e.FullSyncRequired,
	})
}

// UnmarshalJSON restores an Event previously written by MarshalJSON. The
// sender id is not part of the spooled representation, so SenderID is left
// empty; the
// spool is only ever drained toward the recipient, which never needs it.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		Kind             Kind              `json:"kind"`
		FileUpdated      *FileUpdated      `json:"file_updated,omitempty"`
		FileDeleted      *FileDeleted      `json:"file_deleted,omitempty"`
		FullSyncRequired *FullSyncRequired `json:"full_sync_required,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.Kind = wire.Kind
	e.FileUpdated = wire.FileUpdated
	e.FileDeleted = wire.FileDeleted
	e.FullSyncRequired = wire.FullSyncRequired
	return nil
}

var errUnknownKind = errKind("syncevents: unknown event kind")

type errKind string

func (e errKind) Error() string { return string(e) }
