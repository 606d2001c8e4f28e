// Package syncer reconciles the local vault against the remote manifest and
// provides the single-file pull/push primitives plus the known-state cache
// backing optimistic concurrency.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sly67/compote/internal/guard"
	"github.com/sly67/compote/internal/logging"
	"github.com/sly67/compote/internal/metrics"
	"github.com/sly67/compote/internal/policy"
	"github.com/sly67/compote/internal/retry"
	"github.com/sly67/compote/internal/store"
	"github.com/sly67/compote/internal/transport"
)

// MissingStrategy decides what happens to a policy-allowed local file that
// the remote manifest does not know about.
type MissingStrategy string

const (
	// MissingDelete removes the local file.
	MissingDelete MissingStrategy = "delete"
	// MissingQuarantine moves the file under a timestamped quarantine root,
	// preserving its relative path.
	MissingQuarantine MissingStrategy = "quarantine"
	// MissingKeep leaves the file alone.
	MissingKeep MissingStrategy = "keep"
)

// quarantineBase is the vault-relative directory quarantined files move
// under. It must be covered by the policy deny-list.
const quarantineBase = ".quarantine"

// Options configures the engine.
type Options struct {
	Strategy MissingStrategy
	Retry    retry.Config
}

// Counts summarizes one reconciliation pass.
type Counts struct {
	Updated        int
	Created        int
	Deleted        int
	Quarantined    int
	QuarantineRoot string
}

type knownState struct {
	content []byte
	hash    string
}

// Engine is the sync engine. All mutating filesystem writes it performs go
// through the suppression guard so the write interceptor ignores the echoes.
type Engine struct {
	store     store.Store
	transport transport.Transport
	policy    *policy.Policy
	guard     *guard.Guard
	opts      Options

	mu    sync.RWMutex
	known map[string]knownState
}

// New creates a sync engine.
func New(st store.Store, tr transport.Transport, pol *policy.Policy, g *guard.Guard, opts Options) *Engine {
	if opts.Strategy == "" {
		opts.Strategy = MissingQuarantine
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Engine{
		store:     st,
		transport: tr,
		policy:    pol,
		guard:     g,
		opts:      opts,
		known:     make(map[string]knownState),
	}
}

// KnownHash returns the hash last confirmed to match the remote store, or
// "" if the path has no known state.
func (e *Engine) KnownHash(path string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.known[path].hash
}

// KnownContent returns the cached last-known-good content.
func (e *Engine) KnownContent(path string) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ks, ok := e.known[path]
	return ks.content, ok
}

// RecordKnown stores content+hash as the state confirmed to match remote.
func (e *Engine) RecordKnown(path string, content []byte, hash string) {
	e.mu.Lock()
	e.known[path] = knownState{content: content, hash: hash}
	e.mu.Unlock()
}

// ClearKnown drops the known state for a path.
func (e *Engine) ClearKnown(path string) {
	e.mu.Lock()
	delete(e.known, path)
	e.mu.Unlock()
}

// MoveKnown transfers known state from one path to another (renames).
func (e *Engine) MoveKnown(oldPath, newPath string) {
	e.mu.Lock()
	if ks, ok := e.known[oldPath]; ok {
		delete(e.known, oldPath)
		e.known[newPath] = ks
	}
	e.mu.Unlock()
}

// PullFile fetches one file from the remote store and writes it locally
// under the suppression guard, recording the new known state. A failed
// pull leaves local state untouched; the error is logged and returned for
// callers that want to react, but known state is simply left stale.
func (e *Engine) PullFile(ctx context.Context, path string) error {
	type pulled struct {
		content []byte
		hash    string
	}

	got, err := retry.DoWithResult(ctx, e.opts.Retry, func() (pulled, error) {
		content, hash, err := e.transport.ReadFile(ctx, path)
		return pulled{content: content, hash: hash}, transport.Transient(err)
	})
	if err != nil {
		metrics.RecordPull("error")
		logging.Warn("pull failed", logging.String("path", path), logging.Err(err))
		return fmt.Errorf("pull %s: %w", path, err)
	}

	err = e.guard.With(path, func() error {
		return e.store.Write(path, got.content)
	})
	if err != nil {
		metrics.RecordPull("error")
		logging.Error("pull could not write locally", logging.String("path", path), logging.Err(err))
		return err
	}

	e.RecordKnown(path, got.content, got.hash)
	metrics.RecordPull("ok")
	logging.Debug("pulled", logging.String("path", path), logging.Int("bytes", len(got.content)))
	return nil
}

// InitialSync reconciles the vault against the remote manifest. Paths in
// skip are excluded entirely (used right after an offline-queue flush so a
// stale manifest snapshot cannot clobber just-pushed content). Deletions
// and quarantines run before pulls.
func (e *Engine) InitialSync(ctx context.Context, skip map[string]struct{}) (Counts, error) {
	start := time.Now()
	var counts Counts

	manifest, err := retry.DoWithResult(ctx, e.opts.Retry, func() ([]transport.ManifestEntry, error) {
		m, err := e.transport.Manifest(ctx)
		return m, transport.Transient(err)
	})
	if err != nil {
		return counts, fmt.Errorf("fetch manifest: %w", err)
	}

	skipped := func(path string) bool {
		_, ok := skip[path]
		return ok
	}

	type pullItem struct {
		path   string
		update bool // local file exists but differs
	}

	remote := make(map[string]transport.ManifestEntry, len(manifest))
	var pulls []pullItem

	for _, entry := range manifest {
		path := policy.Normalize(entry.Path)
		if !e.policy.IsAllowed(path) {
			continue
		}
		remote[path] = entry
		if skipped(path) {
			continue
		}

		if !e.store.Exists(path) {
			pulls = append(pulls, pullItem{path: path})
			continue
		}

		content, err := e.store.Read(path)
		if err != nil {
			logging.Warn("cannot read local file, forcing pull",
				logging.String("path", path), logging.Err(err))
			pulls = append(pulls, pullItem{path: path, update: true})
			continue
		}
		if hash := store.ContentHash(content); hash != entry.Hash {
			pulls = append(pulls, pullItem{path: path, update: true})
		} else {
			// Already converged: record known state without a transfer.
			e.RecordKnown(path, content, hash)
		}
	}

	// Local-only files first, so a quarantine move can never collide with
	// a path about to be pulled.
	locals, err := e.store.List("")
	if err != nil {
		return counts, fmt.Errorf("list vault: %w", err)
	}

	quarantineRoot := ""
	for _, path := range locals {
		if !e.policy.IsAllowed(path) || skipped(path) {
			continue
		}
		if _, ok := remote[path]; ok {
			continue
		}

		switch e.opts.Strategy {
		case MissingDelete:
			err := e.guard.With(path, func() error { return e.store.Delete(path) })
			if err != nil {
				logging.Warn("could not delete local-only file",
					logging.String("path", path), logging.Err(err))
				continue
			}
			e.ClearKnown(path)
			counts.Deleted++

		case MissingQuarantine:
			root := quarantineRoot
			if root == "" {
				root = fmt.Sprintf("%s/%s", quarantineBase, start.Format("20060102-150405"))
			}
			if err := e.quarantine(path, root); err != nil {
				logging.Warn("could not quarantine local-only file",
					logging.String("path", path), logging.Err(err))
				continue
			}
			// Only report a root that actually received a file.
			quarantineRoot = root
			e.ClearKnown(path)
			counts.Quarantined++
			metrics.RecordQuarantine()

		case MissingKeep:
			// Leave it; it will be pushed when next modified.
		}
	}
	counts.QuarantineRoot = quarantineRoot

	for _, item := range pulls {
		if err := e.PullFile(ctx, item.path); err != nil {
			continue // logged by PullFile; state stays stale
		}
		if item.update {
			counts.Updated++
		} else {
			counts.Created++
		}
	}

	metrics.ObserveInitialSync(time.Since(start))
	logging.Info("initial sync complete",
		logging.Int("updated", counts.Updated),
		logging.Int("created", counts.Created),
		logging.Int("deleted", counts.Deleted),
		logging.Int("quarantined", counts.Quarantined))
	return counts, nil
}

// quarantine moves a file under root, preserving its relative path and
// never overwriting an existing quarantined file.
func (e *Engine) quarantine(path, root string) error {
	target := root + "/" + path
	for i := 1; e.store.Exists(target); i++ {
		target = fmt.Sprintf("%s/%s.%d", root, path, i)
	}
	return e.guard.With2(path, target, func() error {
		return e.store.Rename(path, target)
	})
}
