package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/systemshift/oaksearch/internal/server/events"
)

// ErrBatchClosed is returned when a batch is used after Commit or Rollback
var ErrBatchClosed = errors.New("batch already committed or rolled back")

// propertyUpdate is a SetProperties call against an already committed node
type propertyUpdate struct {
	Path       string
	Properties Properties
}

// flushFunc persists a batch atomically. Creates must be insert-or-ignore.
type flushFunc func(ctx context.Context, creates []*Node, updates []propertyUpdate) error

// pendingBatch buffers node writes in memory and hands them to the backend
// in one transaction on Commit
type pendingBatch struct {
	exists  func(ctx context.Context, path string) (bool, error)
	flush   flushFunc
	emit    events.Emitter
	order   []string
	creates map[string]*Node
	updates []propertyUpdate
	known   map[string]bool
	closed  bool
}

func newPendingBatch(exists func(context.Context, string) (bool, error), flush flushFunc, emit events.Emitter) *pendingBatch {
	return &pendingBatch{
		exists:  exists,
		flush:   flush,
		emit:    emit,
		creates: make(map[string]*Node),
		known:   map[string]bool{"/": true},
	}
}

// CreateNode queues a node. The parent must exist or be queued in the same batch.
func (b *pendingBatch) CreateNode(ctx context.Context, node *Node) error {
	if b.closed {
		return ErrBatchClosed
	}
	if err := ValidatePath(node.Path); err != nil {
		return err
	}
	if node.Path == "/" {
		return fmt.Errorf("cannot create the root node")
	}
	if node.PrimaryType == "" {
		return fmt.Errorf("node %s: primary type is required", node.Path)
	}
	if _, ok := b.creates[node.Path]; ok {
		return fmt.Errorf("node %s: %w", node.Path, ErrExists)
	}

	parent := ParentOf(node.Path)
	if err := b.requireNode(ctx, parent); err != nil {
		return fmt.Errorf("creating %s: %w", node.Path, err)
	}

	n := *node
	b.creates[n.Path] = &n
	b.order = append(b.order, n.Path)
	return nil
}

// SetProperties merges props into a queued node, or queues an update of a
// committed one
func (b *pendingBatch) SetProperties(ctx context.Context, path string, props Properties) error {
	if b.closed {
		return ErrBatchClosed
	}
	if n, ok := b.creates[path]; ok {
		n.Properties = n.Properties.Merge(props)
		return nil
	}
	if err := b.requireNode(ctx, path); err != nil {
		return fmt.Errorf("setting properties on %s: %w", path, err)
	}
	b.updates = append(b.updates, propertyUpdate{Path: path, Properties: props})
	return nil
}

func (b *pendingBatch) requireNode(ctx context.Context, path string) error {
	if b.known[path] {
		return nil
	}
	if _, ok := b.creates[path]; ok {
		return nil
	}
	ok, err := b.exists(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("node %s: %w", path, ErrNotFound)
	}
	b.known[path] = true
	return nil
}

// Commit flushes every queued write in one backend transaction
func (b *pendingBatch) Commit(ctx context.Context) error {
	if b.closed {
		return ErrBatchClosed
	}
	b.closed = true
	if len(b.order) == 0 && len(b.updates) == 0 {
		return nil
	}

	creates := make([]*Node, 0, len(b.order))
	for _, p := range b.order {
		creates = append(creates, b.creates[p])
	}
	if err := b.flush(ctx, creates, b.updates); err != nil {
		return err
	}

	if b.emit != nil {
		ev := events.New(events.EventContentCommitted)
		ev.Count = len(creates) + len(b.updates)
		if len(creates) > 0 {
			ev.Path = creates[0].Path
		}
		b.emit(ev)
	}
	return nil
}

// Rollback discards every queued write
func (b *pendingBatch) Rollback(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.creates = nil
	b.order = nil
	b.updates = nil
	return nil
}

// Len returns the number of queued writes
func (b *pendingBatch) Len() int {
	return len(b.order) + len(b.updates)
}
