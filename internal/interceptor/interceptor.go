// Package interceptor turns local filesystem events into remote mutations.
// It is the write path of the sync daemon: pushes with optimistic
// concurrency, queues while offline, and reverts local state when the
// remote store rejects a change for good.
package interceptor

import (
	"context"
	"fmt"
	"strings"

	"github.com/sly67/compote/internal/board"
	"github.com/sly67/compote/internal/guard"
	"github.com/sly67/compote/internal/logging"
	"github.com/sly67/compote/internal/metrics"
	"github.com/sly67/compote/internal/policy"
	"github.com/sly67/compote/internal/queue"
	"github.com/sly67/compote/internal/store"
	"github.com/sly67/compote/internal/syncer"
	"github.com/sly67/compote/internal/transport"
)

// Notifier delivers user-facing notices, e.g. "remote changed, reapply
// your edits". A nil Notifier is valid and drops all notices.
type Notifier interface {
	Notify(path, message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(path, message string)

func (f NotifierFunc) Notify(path, message string) { f(path, message) }

// Config controls which offline mutations are queued for replay. Modify
// and create are always queued; deletes and renames are riskier to replay
// against a store that moved on, so they are opt-in.
type Config struct {
	QueueDeletes bool
	QueueRenames bool
}

// Interceptor receives watcher events and drives the corresponding remote
// mutations through the sync engine's known-state cache.
type Interceptor struct {
	store     store.Store
	transport transport.Transport
	policy    *policy.Policy
	guard     *guard.Guard
	engine    *syncer.Engine
	queue     *queue.Queue
	notifier  Notifier
	cfg       Config

	// ownsPath reports whether a live collaboration session currently owns
	// the path, in which case that session syncs it and we stay out.
	ownsPath func(path string) bool
}

// New creates an interceptor. ownsPath and notifier may be nil.
func New(st store.Store, tr transport.Transport, pol *policy.Policy, g *guard.Guard,
	eng *syncer.Engine, q *queue.Queue, notifier Notifier, ownsPath func(string) bool, cfg Config) *Interceptor {
	if ownsPath == nil {
		ownsPath = func(string) bool { return false }
	}
	return &Interceptor{
		store:     st,
		transport: tr,
		policy:    pol,
		guard:     g,
		engine:    eng,
		queue:     q,
		notifier:  notifier,
		cfg:       cfg,
		ownsPath:  ownsPath,
	}
}

// Status is a point-in-time snapshot of the write path.
type Status struct {
	Connected bool
	QueuedOps int
}

// Status reports the current connection and queue state.
func (ic *Interceptor) Status() Status {
	return Status{
		Connected: ic.transport.Connected(),
		QueuedOps: ic.queue.Len(),
	}
}

// skip decides whether an event for path is ours to handle at all.
func (ic *Interceptor) skip(path string) bool {
	if !ic.policy.IsAllowed(path) {
		return true
	}
	if ic.guard.IsSuppressed(path) {
		logging.Debug("suppressed echo", logging.String("path", path))
		return true
	}
	if ic.ownsPath(path) {
		logging.Debug("path owned by live session", logging.String("path", path))
		return true
	}
	return false
}

// HandleEvent processes one watcher event.
func (ic *Interceptor) HandleEvent(ctx context.Context, ev store.Event) {
	switch ev.Kind {
	case store.EventModify:
		if ic.skip(ev.Path) {
			return
		}
		ic.handleModify(ctx, ev.Path)
	case store.EventCreate:
		if ic.skip(ev.Path) {
			return
		}
		ic.handleCreate(ctx, ev.Path)
	case store.EventDelete:
		if ic.skip(ev.Path) {
			return
		}
		ic.handleDelete(ctx, ev.Path)
	case store.EventRename:
		// A rename into or out of policy scope degrades to a one-sided op.
		ic.handleRename(ctx, ev.OldPath, ev.Path)
	}
}

func (ic *Interceptor) handleModify(ctx context.Context, path string) {
	content, err := ic.store.Read(path)
	if err != nil {
		logging.Warn("cannot read modified file", logging.String("path", path), logging.Err(err))
		return
	}

	if !ic.transport.Connected() {
		ic.queue.Enqueue(queue.Op{Kind: queue.OpModify, Path: path, Content: content})
		logging.Debug("queued modify", logging.String("path", path))
		return
	}

	ic.push(ctx, path, content)
}

// push sends content with the known hash as precondition and settles the
// outcome: success records new known state, a conflict hands over to the
// conflict path, and any other failure reverts the local file.
func (ic *Interceptor) push(ctx context.Context, path string, content []byte) {
	newHash, err := ic.transport.WriteFile(ctx, path, content, ic.engine.KnownHash(path))
	if err == nil {
		ic.engine.RecordKnown(path, content, newHash)
		metrics.RecordPush("ok")
		logging.Debug("pushed", logging.String("path", path), logging.Int("bytes", len(content)))
		return
	}

	if conflict, ok := transport.AsConflict(err); ok {
		metrics.RecordPush("conflict")
		metrics.RecordConflict()
		ic.resolveConflict(ctx, path, content, conflict)
		return
	}

	metrics.RecordPush("error")
	logging.Warn("push failed, reverting local file", logging.String("path", path), logging.Err(err))
	ic.revert(path)
}

// resolveConflict settles a rejected conditional write. Boards merge: the
// structured format is designed so two divergent copies converge without
// losing entities. Notes cannot be merged, so remote wins and the user is
// told to reapply.
func (ic *Interceptor) resolveConflict(ctx context.Context, path string, local []byte, conflict *transport.ConflictError) {
	logging.Info("write conflict", logging.String("path", path), logging.Err(conflict))

	if strings.HasSuffix(path, ".board") && ic.mergeBoard(ctx, path, local) {
		return
	}
	if err := ic.engine.PullFile(ctx, path); err != nil {
		logging.Error("conflict pull failed", logging.String("path", path), logging.Err(err))
		return
	}
	ic.notify(path, "remote version restored; reapply your edits")
}

// mergeBoard attempts a single merge-and-repush for a conflicted board.
// It returns false when anything fails, letting the caller fall back to
// the pull-and-notify path.
func (ic *Interceptor) mergeBoard(ctx context.Context, path string, local []byte) bool {
	remoteContent, remoteHash, err := ic.transport.ReadFile(ctx, path)
	if err != nil {
		logging.Warn("board merge: cannot read remote", logging.String("path", path), logging.Err(err))
		return false
	}

	merged := board.Serialize(board.Merge(board.Parse(remoteContent), board.Parse(local)))

	newHash, err := ic.transport.WriteFile(ctx, path, merged, remoteHash)
	if err != nil {
		// Someone else won the race; one attempt only.
		logging.Warn("board merge: repush rejected", logging.String("path", path), logging.Err(err))
		return false
	}

	err = ic.guard.With(path, func() error { return ic.store.Write(path, merged) })
	if err != nil {
		logging.Error("board merge: cannot write merged board", logging.String("path", path), logging.Err(err))
		return false
	}

	ic.engine.RecordKnown(path, merged, newHash)
	metrics.RecordBoardMerge()
	logging.Info("board conflict merged", logging.String("path", path))
	return true
}

// revert restores the last content confirmed to match the remote store. A
// file with no known state was never on the remote, so revert removes it.
func (ic *Interceptor) revert(path string) {
	known, ok := ic.engine.KnownContent(path)

	var err error
	if ok {
		err = ic.guard.With(path, func() error { return ic.store.Write(path, known) })
	} else {
		err = ic.guard.With(path, func() error { return ic.store.Delete(path) })
	}
	if err != nil {
		logging.Error("revert failed", logging.String("path", path), logging.Err(err))
		return
	}

	metrics.RecordRevert()
	ic.notify(path, "change could not be saved to the server and was reverted")
}

func (ic *Interceptor) handleCreate(ctx context.Context, path string) {
	content, err := ic.store.Read(path)
	if err != nil {
		logging.Warn("cannot read created file", logging.String("path", path), logging.Err(err))
		return
	}

	if !ic.transport.Connected() {
		ic.queue.Enqueue(queue.Op{Kind: queue.OpCreate, Path: path, Content: content})
		logging.Debug("queued create", logging.String("path", path))
		return
	}

	hash, err := ic.transport.CreateFile(ctx, path, content)
	if err != nil {
		metrics.RecordPush("error")
		logging.Warn("create failed, removing local file", logging.String("path", path), logging.Err(err))
		ic.revert(path)
		return
	}

	ic.engine.RecordKnown(path, content, hash)
	metrics.RecordPush("ok")
	logging.Debug("created", logging.String("path", path))
}

func (ic *Interceptor) handleDelete(ctx context.Context, path string) {
	if !ic.transport.Connected() {
		if ic.cfg.QueueDeletes {
			ic.queue.Enqueue(queue.Op{Kind: queue.OpDelete, Path: path})
			logging.Debug("queued delete", logging.String("path", path))
			return
		}
		// Undo: restore from cache so local and remote stay converged.
		if known, ok := ic.engine.KnownContent(path); ok {
			err := ic.guard.With(path, func() error { return ic.store.Write(path, known) })
			if err != nil {
				logging.Error("could not undo offline delete",
					logging.String("path", path), logging.Err(err))
				return
			}
			ic.notify(path, "cannot delete while offline; file restored")
		}
		return
	}

	if err := ic.transport.DeleteFile(ctx, path); err != nil {
		// The file is already gone locally; resurrecting it would surprise
		// the user more than the lingering remote copy does.
		metrics.RecordPush("error")
		logging.Error("remote delete failed", logging.String("path", path), logging.Err(err))
		return
	}

	ic.engine.ClearKnown(path)
	metrics.RecordPush("ok")
	logging.Debug("deleted", logging.String("path", path))
}

func (ic *Interceptor) handleRename(ctx context.Context, oldPath, newPath string) {
	oldOK := ic.policy.IsAllowed(oldPath)
	newOK := ic.policy.IsAllowed(newPath)

	switch {
	case !oldOK && !newOK:
		return
	case oldOK && !newOK:
		// Moved out of scope: remote side sees a delete.
		if !ic.guard.IsSuppressed(oldPath) && !ic.ownsPath(oldPath) {
			ic.handleDelete(ctx, oldPath)
		}
		return
	case !oldOK && newOK:
		// Moved into scope: remote side sees a create.
		if !ic.guard.IsSuppressed(newPath) && !ic.ownsPath(newPath) {
			ic.handleCreate(ctx, newPath)
		}
		return
	}

	if ic.guard.IsSuppressed(oldPath) || ic.guard.IsSuppressed(newPath) {
		logging.Debug("suppressed echo", logging.String("path", oldPath))
		return
	}
	if ic.ownsPath(oldPath) || ic.ownsPath(newPath) {
		return
	}

	if !ic.transport.Connected() {
		if ic.cfg.QueueRenames {
			ic.queue.Enqueue(queue.Op{Kind: queue.OpRename, Path: oldPath, NewPath: newPath})
			logging.Debug("queued rename",
				logging.String("from", oldPath), logging.String("to", newPath))
			return
		}
		// Undo: move the file back so local and remote stay converged.
		err := ic.guard.With2(oldPath, newPath, func() error {
			return ic.store.Rename(newPath, oldPath)
		})
		if err != nil {
			logging.Error("could not undo offline rename",
				logging.String("from", oldPath), logging.String("to", newPath), logging.Err(err))
			return
		}
		ic.notify(oldPath, "cannot rename while offline; name restored")
		return
	}

	if err := ic.transport.RenameFile(ctx, oldPath, newPath); err != nil {
		metrics.RecordPush("error")
		logging.Error("remote rename failed",
			logging.String("from", oldPath), logging.String("to", newPath), logging.Err(err))
		return
	}

	ic.engine.MoveKnown(oldPath, newPath)
	metrics.RecordPush("ok")
	logging.Debug("renamed", logging.String("from", oldPath), logging.String("to", newPath))
}

// FlushQueue replays every queued operation best effort, clears the queue,
// and returns the set of paths the queue touched. The caller passes that
// set to InitialSync so a manifest snapshot taken before the flush cannot
// clobber the freshly pushed content.
func (ic *Interceptor) FlushQueue(ctx context.Context) map[string]struct{} {
	ops := ic.queue.Ops()
	affected := ic.queue.AffectedPaths()
	if len(ops) == 0 {
		return affected
	}

	logging.Info("flushing offline queue", logging.Int("ops", len(ops)))

	for _, op := range ops {
		if err := ic.replay(ctx, op); err != nil {
			metrics.RecordFlushFailure()
			logging.Warn("queued op failed",
				logging.String("op", string(op.Kind)),
				logging.String("path", op.Path),
				logging.Err(err))
		}
	}

	// At most once: failed ops are not retried, the sync that follows
	// reconciles whatever state they left behind.
	ic.queue.Clear()
	return affected
}

func (ic *Interceptor) replay(ctx context.Context, op queue.Op) error {
	switch op.Kind {
	case queue.OpModify:
		// Unconditional: the queued value is the user's latest word and the
		// known hash is too stale to mean anything after an outage.
		newHash, err := ic.transport.WriteFile(ctx, op.Path, op.Content, "")
		if err != nil {
			return err
		}
		ic.engine.RecordKnown(op.Path, op.Content, newHash)
		return nil

	case queue.OpCreate:
		hash, err := ic.transport.CreateFile(ctx, op.Path, op.Content)
		if err != nil {
			// Created on another device meanwhile; overwrite with ours.
			newHash, werr := ic.transport.WriteFile(ctx, op.Path, op.Content, "")
			if werr != nil {
				return err
			}
			hash = newHash
		}
		ic.engine.RecordKnown(op.Path, op.Content, hash)
		return nil

	case queue.OpDelete:
		if err := ic.transport.DeleteFile(ctx, op.Path); err != nil {
			return err
		}
		ic.engine.ClearKnown(op.Path)
		return nil

	case queue.OpRename:
		if err := ic.transport.RenameFile(ctx, op.Path, op.NewPath); err != nil {
			return err
		}
		ic.engine.MoveKnown(op.Path, op.NewPath)
		return nil
	}
	return fmt.Errorf("unknown queued op kind %q", op.Kind)
}

// HandleRemote applies a server push event to the local vault. Events pass
// the same filter as local ones: disallowed, suppressed, and live-session
// owned paths are never written by the sync side. All writes go through the
// suppression guard so the watcher echo is ignored.
func (ic *Interceptor) HandleRemote(ctx context.Context, ev transport.RemoteEvent) {
	switch ev.Type {
	case transport.EventFileUpdated, transport.EventFileCreated, transport.EventExternalUpdate:
		if ic.skip(ev.Path) {
			return
		}
		if ev.Hash != "" && ev.Hash == ic.engine.KnownHash(ev.Path) {
			return // our own push echoing back
		}
		if err := ic.engine.PullFile(ctx, ev.Path); err != nil {
			logging.Warn("could not apply remote update",
				logging.String("path", ev.Path), logging.Err(err))
		}

	case transport.EventFileDeleted:
		if ic.skip(ev.Path) {
			return
		}
		if !ic.store.Exists(ev.Path) {
			ic.engine.ClearKnown(ev.Path)
			return
		}
		err := ic.guard.With(ev.Path, func() error { return ic.store.Delete(ev.Path) })
		if err != nil {
			logging.Warn("could not apply remote delete",
				logging.String("path", ev.Path), logging.Err(err))
			return
		}
		ic.engine.ClearKnown(ev.Path)

	case transport.EventFileRenamed:
		if ic.skip(ev.OldPath) || ic.skip(ev.NewPath) {
			return
		}
		if !ic.store.Exists(ev.OldPath) {
			// Never had it; fetch the new path instead.
			if err := ic.engine.PullFile(ctx, ev.NewPath); err != nil {
				logging.Warn("could not fetch renamed file",
					logging.String("path", ev.NewPath), logging.Err(err))
			}
			return
		}
		err := ic.guard.With2(ev.OldPath, ev.NewPath, func() error {
			return ic.store.Rename(ev.OldPath, ev.NewPath)
		})
		if err != nil {
			logging.Warn("could not apply remote rename",
				logging.String("from", ev.OldPath), logging.String("to", ev.NewPath), logging.Err(err))
			return
		}
		ic.engine.MoveKnown(ev.OldPath, ev.NewPath)
	}
}

// notify delivers a user-facing notice if a notifier is configured.
func (ic *Interceptor) notify(path, message string) {
	if ic.notifier != nil {
		ic.notifier.Notify(path, message)
	}
}
