// Package queue holds mutations made while the sync transport is offline,
// for replay on reconnect.
package queue

import (
	"sync"

	"github.com/sly67/compote/internal/metrics"
)

// OpKind identifies the kind of a queued operation.
type OpKind string

const (
	OpModify OpKind = "modify"
	OpCreate OpKind = "create"
	OpDelete OpKind = "delete"
	OpRename OpKind = "rename"
)

// Op is a single pending mutation.
type Op struct {
	Kind    OpKind
	Path    string
	NewPath string // renames only
	Content []byte // modify and create only
}

// Queue is an ordered log of pending mutations. Modify and Create entries
// coalesce per path in place; Delete and Rename entries are always appended.
type Queue struct {
	mu  sync.Mutex
	ops []Op
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue adds an operation. A Modify or Create for a path that already has
// a Modify or Create entry replaces that entry's content in place, keeping
// its original queue position: only the newest value matters for convergence.
func (q *Queue) Enqueue(op Op) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.Kind == OpModify || op.Kind == OpCreate {
		for i := range q.ops {
			k := q.ops[i].Kind
			if (k == OpModify || k == OpCreate) && q.ops[i].Path == op.Path {
				q.ops[i].Content = op.Content
				metrics.SetQueueDepth(len(q.ops))
				return
			}
		}
	}

	q.ops = append(q.ops, op)
	metrics.RecordQueuedOp(string(op.Kind))
	metrics.SetQueueDepth(len(q.ops))
}

// Ops returns the queued operations in arrival order.
func (q *Queue) Ops() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Op, len(q.ops))
	copy(out, q.ops)
	return out
}

// AffectedPaths returns the set of paths touched by queued operations.
// Renames contribute both the old and the new path.
func (q *Queue) AffectedPaths() map[string]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	paths := make(map[string]struct{}, len(q.ops))
	for _, op := range q.ops {
		paths[op.Path] = struct{}{}
		if op.Kind == OpRename {
			paths[op.NewPath] = struct{}{}
		}
	}
	return paths
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear empties the queue unconditionally.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.ops = nil
	q.mu.Unlock()
	metrics.SetQueueDepth(0)
}
