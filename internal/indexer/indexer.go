// Package indexer keeps the search index in step with the catalog.
//
// Every write carries a sequence number drawn from a hybrid clock (wall
// nanoseconds, bumped past the last value handed out), so the engine can
// discard a write that arrives after a newer one, even one made by another
// instance. Writes for one document are serialized; failed writes are
// retried with exponential backoff and then logged, never surfaced to the
// mutation path.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/engine"
	"github.com/megashop/citysearch/internal/repository"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// Op is an index write operation.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Job is a queued index write.
type Job struct {
	Kind domain.Kind
	ID   int64
	Op   Op
}

// Invalidator drops cached responses that depend on the given kinds.
type Invalidator interface {
	Invalidate(ctx context.Context, kinds ...domain.Kind) error
}

// Config tunes the write path.
type Config struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	RebuildLease time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    1024,
		MaxAttempts:  5,
		BackoffBase:  100 * time.Millisecond,
		RebuildLease: 30 * time.Minute,
	}
}

const stripeCount = 64

// Indexer maintains the index projection of the catalog.
type Indexer struct {
	engine       engine.SearchEngine
	docs         repository.DocumentSource
	lock         *cache.Lock
	invalidators []Invalidator
	cfg          Config
	logger       *slog.Logger

	seq     atomic.Int64
	stripes [stripeCount]sync.Mutex
	queue   chan Job

	mu    sync.Mutex
	dirty map[domain.Kind]map[int64]struct{} // kinds under rebuild

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New creates an indexer. The rebuild lock lives in store so that only one
// instance rebuilds at a time. Invalidators run after every write attempt,
// in order: responses are assembled from the catalog, so they go stale
// even when the index write fails.
func New(
	eng engine.SearchEngine,
	docs repository.DocumentSource,
	store cache.Store,
	cfg Config,
	logger *slog.Logger,
	invalidators ...Invalidator,
) *Indexer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		engine:       eng,
		docs:         docs,
		lock:         cache.NewLock(store, cache.RebuildLockKey, cfg.RebuildLease),
		invalidators: invalidators,
		cfg:          cfg,
		logger:       logger,
		queue:        make(chan Job, cfg.QueueSize),
		dirty:        make(map[domain.Kind]map[int64]struct{}),
		ctx:          ctx,
		cancel:       cancel,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

// AddInvalidator appends an invalidator. It must be called before the
// indexer starts writing.
func (ix *Indexer) AddInvalidator(inv Invalidator) {
	ix.invalidators = append(ix.invalidators, inv)
}

// Start launches the queue workers.
func (ix *Indexer) Start() {
	for range ix.cfg.Workers {
		ix.wg.Add(1)
		go ix.worker()
	}
}

// Close stops the workers and any background rebuild, and waits for them.
func (ix *Indexer) Close() {
	ix.cancel()
	ix.wg.Wait()
}

// Enqueue schedules a write without blocking. A full queue drops the job.
func (ix *Indexer) Enqueue(job Job) bool {
	select {
	case ix.queue <- job:
		return true
	default:
		queueDropped.Inc()
		ix.logger.Warn("index queue full, dropping job",
			slog.String("kind", string(job.Kind)),
			slog.Int64("id", job.ID),
			slog.String("op", string(job.Op)),
		)
		return false
	}
}

func (ix *Indexer) worker() {
	defer ix.wg.Done()
	for {
		select {
		case <-ix.ctx.Done():
			return
		case job := <-ix.queue:
			// Failures are logged and counted by write.
			_ = ix.write(ix.ctx, job.Kind, job.ID, job.Op)
		}
	}
}

// Upsert writes the current document of (kind, id). A missing entity has
// its document deleted instead.
func (ix *Indexer) Upsert(ctx context.Context, kind domain.Kind, id int64) error {
	return ix.write(ctx, kind, id, OpUpsert)
}

// Delete removes the document of (kind, id).
func (ix *Indexer) Delete(ctx context.Context, kind domain.Kind, id int64) error {
	return ix.write(ctx, kind, id, OpDelete)
}

// next returns max(wall clock, last+1). Versions from instances with
// roughly synchronized clocks order by the time the write was made.
func (ix *Indexer) next() int64 {
	for {
		last := ix.seq.Load()
		v := max(ix.now().UnixNano(), last+1)
		if ix.seq.CompareAndSwap(last, v) {
			return v
		}
	}
}

func (ix *Indexer) stripe(kind domain.Kind, id int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(kind))
	h.Write([]byte(strconv.FormatInt(id, 10)))
	return &ix.stripes[h.Sum32()%stripeCount]
}

func (ix *Indexer) write(ctx context.Context, kind domain.Kind, id int64, op Op) error {
	mu := ix.stripe(kind, id)
	mu.Lock()
	defer mu.Unlock()

	ix.markDirty(kind, id)

	var err error
	for attempt := 1; ; attempt++ {
		if err = ix.writeOnce(ctx, kind, id, op); err == nil {
			break
		}
		if !retryable(err) || attempt >= ix.cfg.MaxAttempts {
			break
		}
		indexRetries.WithLabelValues(string(kind), string(op)).Inc()
		if serr := ix.sleep(ctx, backoff(ix.cfg.BackoffBase, attempt)); serr != nil {
			err = errors.Join(err, serr)
			break
		}
	}

	ix.invalidate(context.WithoutCancel(ctx), kind)

	if err != nil {
		indexWrites.WithLabelValues(string(kind), string(op), "failed").Inc()
		ix.logger.WarnContext(ctx, "index write failed",
			slog.String("kind", string(kind)),
			slog.Int64("id", id),
			slog.String("op", string(op)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s %s/%d: %w", op, kind, id, err)
	}

	indexWrites.WithLabelValues(string(kind), string(op), "ok").Inc()
	return nil
}

func (ix *Indexer) writeOnce(ctx context.Context, kind domain.Kind, id int64, op Op) error {
	version := ix.next()
	if op == OpDelete {
		return ix.engine.Delete(ctx, kind, id, version)
	}
	body, err := ix.document(ctx, kind, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return ix.engine.Delete(ctx, kind, id, version)
	}
	if err != nil {
		return err
	}
	return ix.engine.Index(ctx, kind, domain.Document{ID: id, Body: body}, version)
}

// document loads the index body of (kind, id).
func (ix *Indexer) document(ctx context.Context, kind domain.Kind, id int64) (any, error) {
	switch kind {
	case domain.KindProducts:
		doc, err := ix.docs.ProductDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		return doc, nil
	case domain.KindCategories:
		doc, err := ix.docs.CategoryDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		return doc, nil
	case domain.KindBrands:
		doc, err := ix.docs.BrandDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		return doc, nil
	default:
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown index %q", kind))
	}
}

func (ix *Indexer) invalidate(ctx context.Context, kinds ...domain.Kind) {
	for _, inv := range ix.invalidators {
		if err := inv.Invalidate(ctx, kinds...); err != nil {
			ix.logger.WarnContext(ctx, "cache invalidation failed",
				slog.Any("kinds", kinds),
				slog.String("error", err.Error()),
			)
		}
	}
}

// markDirty records a live write to a kind that is being rebuilt. Such a
// write lands in the index that is about to be replaced, so it is replayed
// once the rebuild has swapped.
func (ix *Indexer) markDirty(kind domain.Kind, id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ids, ok := ix.dirty[kind]; ok {
		ids[id] = struct{}{}
	}
}

func (ix *Indexer) beginRebuild(kind domain.Kind) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dirty[kind] = make(map[int64]struct{})
}

// endRebuild stops tracking kind and returns its dirty ids in order.
func (ix *Indexer) endRebuild(kind domain.Kind) []int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ids := make([]int64, 0, len(ix.dirty[kind]))
	for id := range ix.dirty[kind] {
		ids = append(ids, id)
	}
	delete(ix.dirty, kind)
	slices.Sort(ids)
	return ids
}
