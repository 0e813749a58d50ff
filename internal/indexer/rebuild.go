package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/engine"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// Rebuild rebuilds every index and returns the document count per kind.
func (ix *Indexer) Rebuild(ctx context.Context) (map[domain.Kind]int, error) {
	return ix.RebuildKinds(ctx, domain.AllKinds()...)
}

// RebuildKind rebuilds one index.
func (ix *Indexer) RebuildKind(ctx context.Context, kind domain.Kind) (int, error) {
	counts, err := ix.RebuildKinds(ctx, kind)
	return counts[kind], err
}

// RebuildKinds rebuilds the given indexes under the rebuild lock. A rebuild
// in progress anywhere yields a Conflict carrying the remaining lease.
func (ix *Indexer) RebuildKinds(ctx context.Context, kinds ...domain.Kind) (map[domain.Kind]int, error) {
	token, err := ix.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer ix.release(token)
	return ix.rebuild(ctx, kinds)
}

// StartRebuild takes the rebuild lock and rebuilds the given indexes in the
// background. It fails only when the lock cannot be taken.
func (ix *Indexer) StartRebuild(ctx context.Context, kinds ...domain.Kind) error {
	token, err := ix.acquire(ctx)
	if err != nil {
		return err
	}
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		defer ix.release(token)
		if _, err := ix.rebuild(ix.ctx, kinds); err != nil {
			ix.logger.Error("background rebuild failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// scheduleRebuild starts a background rebuild, retrying after the holder's
// lease when another rebuild is running.
func (ix *Indexer) scheduleRebuild(kinds ...domain.Kind) {
	err := ix.StartRebuild(ix.ctx, kinds...)
	if err == nil {
		return
	}
	if appErr, ok := apperrors.As(err); ok && appErr.Status == http.StatusConflict {
		time.AfterFunc(appErr.RetryAfter, func() {
			if ix.ctx.Err() == nil {
				ix.scheduleRebuild(kinds...)
			}
		})
		return
	}
	ix.logger.Error("schedule rebuild failed", slog.Any("kinds", kinds), slog.String("error", err.Error()))
}

func (ix *Indexer) acquire(ctx context.Context) (string, error) {
	token, retryAfter, err := ix.lock.Acquire(ctx)
	if err != nil {
		return "", apperrors.Upstream("cache", err)
	}
	if token == "" {
		return "", apperrors.Conflict("Index rebuild already in progress.", retryAfter)
	}
	return token, nil
}

func (ix *Indexer) release(token string) {
	if err := ix.lock.Release(context.Background(), token); err != nil {
		ix.logger.Warn("release rebuild lock failed", slog.String("error", err.Error()))
	}
}

func (ix *Indexer) rebuild(ctx context.Context, kinds []domain.Kind) (map[domain.Kind]int, error) {
	counts := make(map[domain.Kind]int, len(kinds))
	for _, kind := range kinds {
		n, err := ix.rebuildKind(ctx, kind)
		if err != nil {
			return counts, err
		}
		counts[kind] = n
	}
	return counts, nil
}

func (ix *Indexer) rebuildKind(ctx context.Context, kind domain.Kind) (int, error) {
	start := time.Now()
	ix.beginRebuild(kind)

	n, err := ix.engine.Rebuild(ctx, kind, ix.next(), ix.stream(kind))
	dirty := ix.endRebuild(kind)
	if err != nil {
		rebuildDuration.WithLabelValues(string(kind), "failed").Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("rebuild %s: %w", kind, err)
	}

	for _, id := range dirty {
		// write logs its own failures.
		_ = ix.write(ctx, kind, id, OpUpsert)
	}
	ix.invalidate(ctx, kind)

	rebuildDuration.WithLabelValues(string(kind), "ok").Observe(time.Since(start).Seconds())
	ix.logger.InfoContext(ctx, "index rebuilt",
		slog.String("kind", string(kind)),
		slog.Int("documents", n),
		slog.Int("replayed", len(dirty)),
		slog.Duration("duration", time.Since(start)),
	)
	return n, nil
}

// stream reads every document of kind from the catalog. Entities deleted
// while streaming are skipped.
func (ix *Indexer) stream(kind domain.Kind) engine.DocumentStream {
	return func(ctx context.Context, emit func(domain.Document) error) error {
		ids, err := ix.docs.IDs(ctx, kind)
		if err != nil {
			return fmt.Errorf("list %s: %w", kind, err)
		}
		for _, id := range ids {
			body, err := ix.document(ctx, kind, id)
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load %s/%d: %w", kind, id, err)
			}
			if err := emit(domain.Document{ID: id, Body: body}); err != nil {
				return err
			}
		}
		return nil
	}
}
