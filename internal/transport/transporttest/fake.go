// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/sly67/compote/internal/transport"
)

// Hash mirrors the content digest the sync core uses.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

type file struct {
	content []byte
	hash    string
}

// Fake is an in-memory remote store implementing transport.Transport.
// Failures can be injected per operation via Fail.
type Fake struct {
	mu        sync.Mutex
	connected bool
	files     map[string]file
	events    chan transport.RemoteEvent

	// Fail forces the named operation to return the given error.
	Fail map[string]error

	// Calls records the operations performed, in order ("file-write /a.note").
	Calls []string

	// Emitted records fire-and-forget events sent upstream.
	Emitted []string
}

// New creates a connected fake with the given initial remote files.
func New(initial map[string][]byte) *Fake {
	f := &Fake{
		connected: true,
		files:     make(map[string]file, len(initial)),
		events:    make(chan transport.RemoteEvent, 64),
		Fail:      make(map[string]error),
	}
	for path, content := range initial {
		f.files[path] = file{content: append([]byte(nil), content...), hash: Hash(content)}
	}
	return f
}

// SetConnected flips the connectivity state.
func (f *Fake) SetConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

// SetFile seeds or replaces a remote file directly.
func (f *Fake) SetFile(path string, content []byte) {
	f.mu.Lock()
	f.files[path] = file{content: append([]byte(nil), content...), hash: Hash(content)}
	f.mu.Unlock()
}

// File returns the current remote content and whether the path exists.
func (f *Fake) File(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[path]
	return fl.content, ok
}

// PushEvent delivers a server push event to the consumer.
func (f *Fake) PushEvent(ev transport.RemoteEvent) {
	f.events <- ev
}

func (f *Fake) gate(op, path string) error {
	if !f.connected {
		return transport.ErrOffline
	}
	f.Calls = append(f.Calls, op+" "+path)
	if err := f.Fail[op]; err != nil {
		return err
	}
	return nil
}

// Connected implements transport.Transport.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Events implements transport.Transport.
func (f *Fake) Events() <-chan transport.RemoteEvent {
	return f.events
}

// Manifest implements transport.Transport.
func (f *Fake) Manifest(ctx context.Context) ([]transport.ManifestEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(transport.OpManifest, ""); err != nil {
		return nil, err
	}

	entries := make([]transport.ManifestEntry, 0, len(f.files))
	for path, fl := range f.files {
		entries = append(entries, transport.ManifestEntry{
			Path: path,
			Hash: fl.hash,
			Size: int64(len(fl.content)),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// ReadFile implements transport.Transport.
func (f *Fake) ReadFile(ctx context.Context, path string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(transport.OpFileRead, path); err != nil {
		return nil, "", err
	}

	fl, ok := f.files[path]
	if !ok {
		return nil, "", fmt.Errorf("file-read failed: %s not found", path)
	}
	return append([]byte(nil), fl.content...), fl.hash, nil
}

// WriteFile implements transport.Transport.
func (f *Fake) WriteFile(ctx context.Context, path string, content []byte, expectedHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(transport.OpFileWrite, path); err != nil {
		return "", err
	}

	current := f.files[path].hash
	if expectedHash != "" && expectedHash != current {
		return "", &transport.ConflictError{
			Path:         path,
			ExpectedHash: expectedHash,
			CurrentHash:  current,
		}
	}

	hash := Hash(content)
	f.files[path] = file{content: append([]byte(nil), content...), hash: hash}
	return hash, nil
}

// CreateFile implements transport.Transport.
func (f *Fake) CreateFile(ctx context.Context, path string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(transport.OpFileCreate, path); err != nil {
		return "", err
	}

	hash := Hash(content)
	f.files[path] = file{content: append([]byte(nil), content...), hash: hash}
	return hash, nil
}

// DeleteFile implements transport.Transport.
func (f *Fake) DeleteFile(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(transport.OpFileDelete, path); err != nil {
		return err
	}
	delete(f.files, path)
	return nil
}

// RenameFile implements transport.Transport.
func (f *Fake) RenameFile(ctx context.Context, oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(transport.OpFileRename, oldPath+" -> "+newPath); err != nil {
		return err
	}

	fl, ok := f.files[oldPath]
	if !ok {
		return fmt.Errorf("file-rename failed: %s not found", oldPath)
	}
	delete(f.files, oldPath)
	f.files[newPath] = fl
	return nil
}

// Emit implements transport.Transport.
func (f *Fake) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrOffline
	}
	f.Emitted = append(f.Emitted, event)
	return nil
}

var _ transport.Transport = (*Fake)(nil)
