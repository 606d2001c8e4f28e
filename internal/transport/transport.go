// Package transport abstracts the bidirectional sync channel to the remote
// authoritative store: request/response calls with named operations, a
// fire-and-forget event emitter, and server push events.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/sly67/compote/internal/retry"
)

// Named operations understood by the remote store.
const (
	OpManifest   = "manifest-request"
	OpFileRead   = "file-read"
	OpFileWrite  = "file-write"
	OpFileCreate = "file-create"
	OpFileDelete = "file-delete"
	OpFileRename = "file-rename"
)

// Push event types sent by the remote store.
const (
	EventFileUpdated    = "file-updated"
	EventFileCreated    = "file-created"
	EventFileDeleted    = "file-deleted"
	EventFileRenamed    = "file-renamed"
	EventExternalUpdate = "external-update"
)

// ErrOffline is returned when the transport is not connected.
var ErrOffline = errors.New("sync transport is offline")

// Transient classifies err for retry. Offline and conflict are terminal:
// offline is the queue's job, and a conflict will not resolve itself by
// repeating the same write. Everything else gets another attempt.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrOffline) {
		return err
	}
	if _, ok := AsConflict(err); ok {
		return err
	}
	return retry.Retryable(err)
}

// ManifestEntry describes one remote-visible file. Used only for diffing;
// content is never trusted from a manifest.
type ManifestEntry struct {
	Path  string `json:"path"`
	Hash  string `json:"hash"`
	MTime int64  `json:"mtime"`
	Size  int64  `json:"size"`
}

// RemoteEvent is a server push notification.
type RemoteEvent struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	OldPath string `json:"oldPath,omitempty"`
	NewPath string `json:"newPath,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// ConflictError is returned when a write carries a stale expected hash.
type ConflictError struct {
	Path         string
	ExpectedHash string
	CurrentHash  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: expected hash %s, server has %s",
		e.Path, short(e.ExpectedHash), short(e.CurrentHash))
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	if hash == "" {
		return "(none)"
	}
	return hash
}

// AsConflict checks if an error is a ConflictError and returns it.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Transport is the remote synchronization channel. Every call returns
// ErrOffline when disconnected; requests that get no response inside the
// configured timeout fail rather than hang.
type Transport interface {
	// Connected reports whether the channel is currently usable.
	Connected() bool

	// Manifest fetches the remote file manifest.
	Manifest(ctx context.Context) ([]ManifestEntry, error)

	// ReadFile fetches full content and hash for one path.
	ReadFile(ctx context.Context, path string) (content []byte, hash string, err error)

	// WriteFile pushes content. A non-empty expectedHash makes the write
	// conditional: the server rejects with ConflictError if its current
	// hash differs. Returns the new server-side hash.
	WriteFile(ctx context.Context, path string, content []byte, expectedHash string) (string, error)

	// CreateFile pushes a new file and returns its server-side hash.
	CreateFile(ctx context.Context, path string, content []byte) (string, error)

	// DeleteFile removes the remote file.
	DeleteFile(ctx context.Context, path string) error

	// RenameFile moves the remote file.
	RenameFile(ctx context.Context, oldPath, newPath string) error

	// Emit sends a fire-and-forget event upstream.
	Emit(ctx context.Context, event string, payload any) error

	// Events returns the server push event channel.
	Events() <-chan RemoteEvent
}
