// Package indexer saves index definitions and rebuilds their backend
// indexes in the background. Callers poll the definition until its
// reindex flag clears, then check reindexError.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/systemshift/oaksearch/internal/server/content"
)

// ErrStopped is returned when work is submitted after Stop
var ErrStopped = errors.New("indexer stopped")

const defaultQueueSize = 64

// Store is the part of the repository the indexer needs
type Store interface {
	SaveIndexDefinition(ctx context.Context, def *content.IndexDefinition) error
	GetIndexDefinition(ctx context.Context, name string) (*content.IndexDefinition, error)
	RemoveIndexDefinition(ctx context.Context, name string) error
	Reindex(ctx context.Context, name string) error
	FailReindex(ctx context.Context, name, reason string) error
}

// Indexer runs reindex jobs one at a time on a worker goroutine
type Indexer struct {
	store   Store
	jobs    chan string
	pending sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(store Store, queueSize int) *Indexer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		store:  store,
		jobs:   make(chan string, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing reindex jobs
func (ix *Indexer) Start() {
	ix.wg.Add(1)
	go ix.run()
	log.Debug("Indexer started")
}

// Stop cancels the running job, discards queued ones and waits for the worker
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.closed = true
	ix.cancel()
	close(ix.jobs)
	ix.mu.Unlock()

	ix.wg.Wait()
	log.Debug("Indexer stopped")
}

// Wait blocks until every submitted job has finished
func (ix *Indexer) Wait() {
	ix.pending.Wait()
}

// Submit saves def, which marks it for reindexing, and queues the rebuild
func (ix *Indexer) Submit(ctx context.Context, def *content.IndexDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return ErrStopped
	}

	if err := ix.store.SaveIndexDefinition(ctx, def); err != nil {
		return fmt.Errorf("saving index %s: %w", def.Name, err)
	}
	return ix.enqueue(ctx, def.Name)
}

// Trigger queues a rebuild of an existing definition
func (ix *Indexer) Trigger(ctx context.Context, name string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return ErrStopped
	}
	if _, err := ix.store.GetIndexDefinition(ctx, name); err != nil {
		return err
	}
	return ix.enqueue(ctx, name)
}

// Remove drops a definition and its backend indexes
func (ix *Indexer) Remove(ctx context.Context, name string) error {
	if err := ix.store.RemoveIndexDefinition(ctx, name); err != nil {
		return err
	}
	log.Infof("Removed index %s", name)
	return nil
}

// enqueue must be called with mu held for reading
func (ix *Indexer) enqueue(ctx context.Context, name string) error {
	ix.pending.Add(1)
	select {
	case ix.jobs <- name:
		log.Infof("Queued reindex of %s", name)
		return nil
	case <-ctx.Done():
		ix.pending.Done()
		return ctx.Err()
	}
}

func (ix *Indexer) run() {
	defer ix.wg.Done()
	for name := range ix.jobs {
		ix.reindex(name)
		ix.pending.Done()
	}
}

func (ix *Indexer) reindex(name string) {
	if ix.ctx.Err() != nil {
		return
	}
	logger := log.WithField("index", name)
	logger.Info("Reindexing")
	if err := ix.store.Reindex(ix.ctx, name); err != nil {
		if errors.Is(err, content.ErrNotFound) {
			logger.Warn("Index removed before it could be reindexed")
			return
		}
		if ix.ctx.Err() != nil {
			logger.Warn("Reindex interrupted by shutdown")
			return
		}
		logger.Errorf("Reindex failed: %v", err)
		if err := ix.store.FailReindex(ix.ctx, name, err.Error()); err != nil {
			logger.Errorf("Recording reindex failure: %v", err)
		}
		return
	}
	logger.Info("Reindex complete")
}
