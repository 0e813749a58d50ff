package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/megashop/citysearch/internal/domain"
	pkgkafka "github.com/megashop/citysearch/pkg/kafka"
)

// TopicCacheInvalidated carries result cache invalidations between
// instances.
var TopicCacheInvalidated = pkgkafka.Topic("search", "cache", "invalidated")

// InvalidationData is the payload of a cache invalidation event.
type InvalidationData struct {
	Kinds    []domain.Kind `json:"kinds"`
	Instance string        `json:"instance"`
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Broadcaster announces local invalidations to peer instances.
type Broadcaster struct {
	publisher Publisher
	instance  string
	source    string
}

// NewBroadcaster creates a broadcaster publishing on behalf of instance.
func NewBroadcaster(p Publisher, instance, source string) *Broadcaster {
	return &Broadcaster{publisher: p, instance: instance, source: source}
}

// Invalidate publishes an invalidation of kinds.
func (b *Broadcaster) Invalidate(ctx context.Context, kinds ...domain.Kind) error {
	event, err := pkgkafka.NewEvent(TopicCacheInvalidated, b.instance, "search_cache", b.source,
		InvalidationData{Kinds: kinds, Instance: b.instance})
	if err != nil {
		return err
	}
	return b.publisher.Publish(ctx, TopicCacheInvalidated, event)
}

// LocalCache is the cache peers' invalidations are applied to.
type LocalCache interface {
	Invalidate(ctx context.Context, kinds ...domain.Kind) error
	Shared() bool
}

// Listener applies invalidations announced by other instances.
type Listener struct {
	cache    LocalCache
	instance string
	logger   *slog.Logger
}

// NewListener creates a listener for instance.
func NewListener(c LocalCache, instance string, logger *slog.Logger) *Listener {
	return &Listener{cache: c, instance: instance, logger: logger}
}

// Handle applies one invalidation event. Own events and events for a cache
// that every instance already shares are skipped.
func (l *Listener) Handle(ctx context.Context, event *pkgkafka.Event) error {
	if event.EventType != TopicCacheInvalidated {
		return nil
	}
	var data InvalidationData
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal invalidation: %w", err)
	}
	if data.Instance == l.instance || l.cache.Shared() {
		return nil
	}
	if err := l.cache.Invalidate(ctx, data.Kinds...); err != nil {
		return fmt.Errorf("apply invalidation: %w", err)
	}
	l.logger.DebugContext(ctx, "applied peer invalidation",
		slog.String("peer", data.Instance),
		slog.Any("kinds", data.Kinds),
	)
	return nil
}
