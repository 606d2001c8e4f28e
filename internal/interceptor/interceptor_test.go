package interceptor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sly67/compote/internal/guard"
	"github.com/sly67/compote/internal/policy"
	"github.com/sly67/compote/internal/queue"
	"github.com/sly67/compote/internal/retry"
	"github.com/sly67/compote/internal/store"
	"github.com/sly67/compote/internal/syncer"
	"github.com/sly67/compote/internal/transport"
	"github.com/sly67/compote/internal/transport/transporttest"
)

type fixture struct {
	ic      *Interceptor
	local   *store.Local
	fake    *transporttest.Fake
	eng     *syncer.Engine
	g       *guard.Guard
	q       *queue.Queue
	notices []string
}

func newFixture(t *testing.T, remote map[string][]byte, cfg Config) *fixture {
	t.Helper()
	local, err := store.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	fake := transporttest.New(remote)
	g := guard.New()
	q := queue.New()
	eng := syncer.New(local, fake, policy.Default(), g, syncer.Options{
		Strategy: syncer.MissingKeep,
		Retry:    retry.Config{MaxAttempts: 1, Multiplier: 2},
	})

	fx := &fixture{local: local, fake: fake, eng: eng, g: g, q: q}
	notify := NotifierFunc(func(path, message string) {
		fx.notices = append(fx.notices, path+": "+message)
	})
	fx.ic = New(local, fake, policy.Default(), g, eng, q, notify, nil, cfg)
	return fx
}

func (fx *fixture) modify(t *testing.T, path, content string) {
	t.Helper()
	if err := fx.local.Write(path, []byte(content)); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	fx.ic.HandleEvent(context.Background(), store.Event{Kind: store.EventModify, Path: path})
}

func TestModifyPushesWithKnownHash(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"a.note": []byte("v1")}, Config{})
	fx.eng.RecordKnown("a.note", []byte("v1"), transporttest.Hash([]byte("v1")))

	fx.modify(t, "a.note", "v2")

	if got, _ := fx.fake.File("a.note"); string(got) != "v2" {
		t.Errorf("remote = %q, want v2", got)
	}
	if fx.eng.KnownHash("a.note") != transporttest.Hash([]byte("v2")) {
		t.Error("known state not advanced after push")
	}
}

func TestSuppressedEventIgnored(t *testing.T) {
	fx := newFixture(t, nil, Config{})

	fx.g.Suppress("a.note")
	defer fx.g.Unsuppress("a.note")
	fx.modify(t, "a.note", "programmatic write")

	if len(fx.fake.Calls) != 0 {
		t.Errorf("suppressed write reached the transport: %v", fx.fake.Calls)
	}
}

func TestLiveSessionOwnedPathIgnored(t *testing.T) {
	fx := newFixture(t, nil, Config{})
	fx.ic.ownsPath = func(path string) bool { return path == "shared.note" }

	fx.modify(t, "shared.note", "session handles this")

	if len(fx.fake.Calls) != 0 {
		t.Errorf("owned path reached the transport: %v", fx.fake.Calls)
	}
}

func TestDisallowedPathIgnored(t *testing.T) {
	fx := newFixture(t, nil, Config{})

	fx.modify(t, "notes.db", "not a synced type")

	if len(fx.fake.Calls) != 0 {
		t.Errorf("disallowed path reached the transport: %v", fx.fake.Calls)
	}
}

func TestNoteConflictPullsAndNotifies(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"a.note": []byte("remote v2")}, Config{})
	// Known state is stale: remote moved on since.
	fx.eng.RecordKnown("a.note", []byte("v1"), transporttest.Hash([]byte("v1")))

	fx.modify(t, "a.note", "local edit")

	if got, _ := fx.local.Read("a.note"); string(got) != "remote v2" {
		t.Errorf("local = %q, want the remote version", got)
	}
	if got, _ := fx.fake.File("a.note"); string(got) != "remote v2" {
		t.Errorf("remote = %q, conflict must not overwrite it", got)
	}
	if len(fx.notices) != 1 || !strings.Contains(fx.notices[0], "reapply") {
		t.Errorf("notices = %v, want a reapply notice", fx.notices)
	}
}

func TestBoardConflictMergesAndRepushes(t *testing.T) {
	remoteBoard := []byte(`{"nodes":[{"id":"n2","updatedAt":5}],"edges":[]}`)
	fx := newFixture(t, map[string][]byte{"b.board": remoteBoard}, Config{})
	fx.eng.RecordKnown("b.board", []byte("stale"), transporttest.Hash([]byte("stale")))

	fx.modify(t, "b.board", `{"nodes":[{"id":"n1","updatedAt":3}],"edges":[]}`)

	got, _ := fx.fake.File("b.board")
	if !strings.Contains(string(got), `"n1"`) || !strings.Contains(string(got), `"n2"`) {
		t.Errorf("remote board = %s, want both entities after merge", got)
	}

	localGot, _ := fx.local.Read("b.board")
	if string(localGot) != string(got) {
		t.Errorf("local board %s differs from pushed merge %s", localGot, got)
	}
	if fx.eng.KnownHash("b.board") != transporttest.Hash(got) {
		t.Error("known state not recorded for the merged board")
	}
	if len(fx.notices) != 0 {
		t.Errorf("merged board should not raise a notice, got %v", fx.notices)
	}
}

func TestBoardConflictFallsBackToPull(t *testing.T) {
	remoteBoard := []byte(`{"nodes":[{"id":"n2","updatedAt":5}],"edges":[]}`)
	fx := newFixture(t, map[string][]byte{"b.board": remoteBoard}, Config{})
	fx.eng.RecordKnown("b.board", []byte("stale"), transporttest.Hash([]byte("stale")))
	fx.fake.Fail[transport.OpFileRead] = errors.New("read unavailable")

	fx.local.Write("b.board", []byte(`{"nodes":[{"id":"n1","updatedAt":3}],"edges":[]}`))
	fx.ic.HandleEvent(context.Background(), store.Event{Kind: store.EventModify, Path: "b.board"})
	delete(fx.fake.Fail, transport.OpFileRead)

	// Merge could not run and the fallback pull also failed, so local keeps
	// the user's version and the remote board is untouched.
	if got, _ := fx.fake.File("b.board"); string(got) != string(remoteBoard) {
		t.Errorf("remote board changed despite failed merge: %s", got)
	}
	if got, _ := fx.local.Read("b.board"); !strings.Contains(string(got), `"n1"`) {
		t.Errorf("local board = %s, want the local version kept", got)
	}
}

func TestPushFailureReverts(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"a.note": []byte("v1")}, Config{})
	fx.eng.RecordKnown("a.note", []byte("v1"), transporttest.Hash([]byte("v1")))
	fx.fake.Fail[transport.OpFileWrite] = errors.New("disk full")

	fx.modify(t, "a.note", "doomed edit")

	if got, _ := fx.local.Read("a.note"); string(got) != "v1" {
		t.Errorf("local = %q, want revert to last known content", got)
	}
	if len(fx.notices) != 1 || !strings.Contains(fx.notices[0], "reverted") {
		t.Errorf("notices = %v, want a revert notice", fx.notices)
	}
}

func TestCreateFailureRemovesLocalFile(t *testing.T) {
	fx := newFixture(t, nil, Config{})
	fx.fake.Fail[transport.OpFileCreate] = errors.New("quota exceeded")

	fx.local.Write("new.note", []byte("fresh"))
	fx.ic.HandleEvent(context.Background(), store.Event{Kind: store.EventCreate, Path: "new.note"})

	if fx.local.Exists("new.note") {
		t.Error("file with no known state should be removed after a failed create")
	}
}

func TestOfflineModifyQueuesAndFlushes(t *testing.T) {
	fx := newFixture(t, nil, Config{})
	fx.fake.SetConnected(false)

	fx.modify(t, "a.note", "first")
	fx.modify(t, "a.note", "second")
	fx.modify(t, "b.note", "other")

	if fx.q.Len() != 2 {
		t.Fatalf("queue length = %d, want 2 after coalescing", fx.q.Len())
	}

	fx.fake.SetConnected(true)
	affected := fx.ic.FlushQueue(context.Background())

	if got, _ := fx.fake.File("a.note"); string(got) != "second" {
		t.Errorf("remote a.note = %q, want the coalesced value", got)
	}
	if got, _ := fx.fake.File("b.note"); string(got) != "other" {
		t.Errorf("remote b.note = %q", got)
	}
	if fx.q.Len() != 0 {
		t.Error("queue not cleared after flush")
	}
	if _, ok := affected["a.note"]; !ok {
		t.Error("flushed path missing from the affected set")
	}
	if _, ok := affected["b.note"]; !ok {
		t.Error("flushed path missing from the affected set")
	}
}

func TestFlushClearsQueueOnFailure(t *testing.T) {
	fx := newFixture(t, nil, Config{})
	fx.fake.SetConnected(false)
	fx.modify(t, "a.note", "pending")

	fx.fake.SetConnected(true)
	fx.fake.Fail[transport.OpFileWrite] = errors.New("still broken")
	fx.ic.FlushQueue(context.Background())

	if fx.q.Len() != 0 {
		t.Error("queue must be cleared even when replay fails")
	}
}

func TestOfflineDeletePolicy(t *testing.T) {
	t.Run("undone by default", func(t *testing.T) {
		fx := newFixture(t, nil, Config{})
		fx.fake.SetConnected(false)
		fx.eng.RecordKnown("a.note", []byte("kept"), transporttest.Hash([]byte("kept")))

		fx.ic.HandleEvent(context.Background(), store.Event{Kind: store.EventDelete, Path: "a.note"})

		if fx.q.Len() != 0 {
			t.Error("delete queued despite QueueDeletes=false")
		}
		if got, _ := fx.local.Read("a.note"); string(got) != "kept" {
			t.Errorf("local = %q, want the file restored from cache", got)
		}
	})

	t.Run("queued when enabled", func(t *testing.T) {
		fx := newFixture(t, map[string][]byte{"a.note": []byte("v1")}, Config{QueueDeletes: true})
		fx.fake.SetConnected(false)
		fx.ic.HandleEvent(context.Background(), store.Event{Kind: store.EventDelete, Path: "a.note"})

		fx.fake.SetConnected(true)
		fx.ic.FlushQueue(context.Background())
		if _, ok := fx.fake.File("a.note"); ok {
			t.Error("queued delete was not replayed")
		}
	})
}

func TestOfflineRenameRevertedByDefault(t *testing.T) {
	fx := newFixture(t, nil, Config{})
	fx.fake.SetConnected(false)

	fx.local.Write("new.note", []byte("moved body"))
	fx.ic.HandleEvent(context.Background(), store.Event{
		Kind: store.EventRename, OldPath: "old.note", Path: "new.note",
	})

	if fx.q.Len() != 0 {
		t.Errorf("rename queued despite QueueRenames=false: %+v", fx.q.Ops())
	}
	if got, _ := fx.local.Read("old.note"); string(got) != "moved body" {
		t.Errorf("old path = %q, want the rename undone", got)
	}
	if fx.local.Exists("new.note") {
		t.Error("new path should be gone after the undo")
	}
}

func TestOfflineRenameQueuedWhenEnabled(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"old.note": []byte("body")}, Config{QueueRenames: true})
	fx.fake.SetConnected(false)
	fx.eng.RecordKnown("old.note", []byte("body"), transporttest.Hash([]byte("body")))

	fx.ic.HandleEvent(context.Background(), store.Event{
		Kind: store.EventRename, OldPath: "old.note", Path: "new.note",
	})

	ops := fx.q.Ops()
	if len(ops) != 1 || ops[0].Kind != queue.OpRename || ops[0].NewPath != "new.note" {
		t.Fatalf("ops = %+v, want a single queued rename", ops)
	}

	fx.fake.SetConnected(true)
	affected := fx.ic.FlushQueue(context.Background())

	if _, ok := fx.fake.File("new.note"); !ok {
		t.Error("queued rename not replayed")
	}
	if _, ok := affected["old.note"]; !ok {
		t.Error("old path missing from the affected set")
	}
	if _, ok := affected["new.note"]; !ok {
		t.Error("new path missing from the affected set")
	}
}

func TestOnlineRename(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"old.note": []byte("body")}, Config{})
	fx.eng.RecordKnown("old.note", []byte("body"), transporttest.Hash([]byte("body")))

	fx.ic.HandleEvent(context.Background(), store.Event{
		Kind: store.EventRename, OldPath: "old.note", Path: "new.note",
	})

	if _, ok := fx.fake.File("old.note"); ok {
		t.Error("old path still on remote after rename")
	}
	if got, _ := fx.fake.File("new.note"); string(got) != "body" {
		t.Errorf("new path content = %q", got)
	}
	if fx.eng.KnownHash("new.note") == "" || fx.eng.KnownHash("old.note") != "" {
		t.Error("known state did not follow the rename")
	}
}

func TestHandleRemoteUpdate(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"a.note": []byte("pushed by peer")}, Config{})

	fx.ic.HandleRemote(context.Background(), transport.RemoteEvent{
		Type: transport.EventFileUpdated, Path: "a.note",
	})

	if got, _ := fx.local.Read("a.note"); string(got) != "pushed by peer" {
		t.Errorf("local = %q", got)
	}
	if fx.eng.KnownHash("a.note") != transporttest.Hash([]byte("pushed by peer")) {
		t.Error("known state not recorded for the applied update")
	}
}

func TestHandleRemoteEchoOfOwnPushIgnored(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"a.note": []byte("mine")}, Config{})
	hash := transporttest.Hash([]byte("mine"))
	fx.eng.RecordKnown("a.note", []byte("mine"), hash)

	fx.ic.HandleRemote(context.Background(), transport.RemoteEvent{
		Type: transport.EventFileUpdated, Path: "a.note", Hash: hash,
	})

	if len(fx.fake.Calls) != 0 {
		t.Errorf("echo of own push triggered transport calls: %v", fx.fake.Calls)
	}
}

func TestHandleRemoteDefersToLiveSession(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"shared.note": []byte("remote version")}, Config{})
	fx.ic.ownsPath = func(path string) bool { return path == "shared.note" }

	fx.local.Write("shared.note", []byte("live session buffer"))

	fx.ic.HandleRemote(context.Background(), transport.RemoteEvent{
		Type: transport.EventFileUpdated, Path: "shared.note",
	})
	if got, _ := fx.local.Read("shared.note"); string(got) != "live session buffer" {
		t.Errorf("local = %q, owned paths must never be written by the sync side", got)
	}

	fx.ic.HandleRemote(context.Background(), transport.RemoteEvent{
		Type: transport.EventFileDeleted, Path: "shared.note",
	})
	if !fx.local.Exists("shared.note") {
		t.Error("remote delete applied to a live-session owned path")
	}

	fx.ic.HandleRemote(context.Background(), transport.RemoteEvent{
		Type: transport.EventFileRenamed, OldPath: "shared.note", NewPath: "moved.note",
	})
	if !fx.local.Exists("shared.note") || fx.local.Exists("moved.note") {
		t.Error("remote rename applied to a live-session owned path")
	}
}

func TestHandleRemoteSkipsSuppressedPath(t *testing.T) {
	fx := newFixture(t, map[string][]byte{"a.note": []byte("remote version")}, Config{})

	fx.local.Write("a.note", []byte("mid write"))
	fx.g.Suppress("a.note")
	defer fx.g.Unsuppress("a.note")

	fx.ic.HandleRemote(context.Background(), transport.RemoteEvent{
		Type: transport.EventFileUpdated, Path: "a.note",
	})

	if got, _ := fx.local.Read("a.note"); string(got) != "mid write" {
		t.Errorf("local = %q, suppressed paths must not be pulled over", got)
	}
}

func TestHandleRemoteDelete(t *testing.T) {
	fx := newFixture(t, nil, Config{})
	fx.local.Write("a.note", []byte("body"))
	fx.eng.RecordKnown("a.note", []byte("body"), transporttest.Hash([]byte("body")))

	fx.ic.HandleRemote(context.Background(), transport.RemoteEvent{
		Type: transport.EventFileDeleted, Path: "a.note",
	})

	if fx.local.Exists("a.note") {
		t.Error("remote delete not applied")
	}
	if fx.eng.KnownHash("a.note") != "" {
		t.Error("known state survived the remote delete")
	}
}

func TestHandleRemoteRename(t *testing.T) {
	fx := newFixture(t, nil, Config{})
	fx.local.Write("old.note", []byte("body"))
	fx.eng.RecordKnown("old.note", []byte("body"), transporttest.Hash([]byte("body")))

	fx.ic.HandleRemote(context.Background(), transport.RemoteEvent{
		Type: transport.EventFileRenamed, OldPath: "old.note", NewPath: "new.note",
	})

	if fx.local.Exists("old.note") || !fx.local.Exists("new.note") {
		t.Error("remote rename not applied")
	}
	if fx.eng.KnownHash("new.note") == "" {
		t.Error("known state did not follow the remote rename")
	}
}

func TestStatus(t *testing.T) {
	fx := newFixture(t, nil, Config{})
	fx.fake.SetConnected(false)
	fx.modify(t, "a.note", "pending")

	st := fx.ic.Status()
	if st.Connected {
		t.Error("Status.Connected = true while offline")
	}
	if st.QueuedOps != 1 {
		t.Errorf("Status.QueuedOps = %d, want 1", st.QueuedOps)
	}
}
