package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/indexer"
	pkgkafka "github.com/megashop/citysearch/pkg/kafka"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingApplier struct {
	mu        sync.Mutex
	mutations []indexer.Mutation
	err       error
}

func (a *recordingApplier) Apply(_ context.Context, m indexer.Mutation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutations = append(a.mutations, m)
	return a.err
}

func catalogEvent(t *testing.T, entity indexer.Entity, action string, data any) *pkgkafka.Event {
	t.Helper()
	ev, err := pkgkafka.NewEvent(CatalogTopic(entity, action), "", string(entity), "catalog", data)
	require.NoError(t, err)
	return ev
}

// ---------------------------------------------------------------------------
// Catalog consumer
// ---------------------------------------------------------------------------

func TestCatalogTopics(t *testing.T) {
	topics := CatalogTopics()
	assert.Len(t, topics, 18)
	assert.Contains(t, topics, "megashop.catalog.price.updated")
	assert.Contains(t, topics, "megashop.catalog.city.deleted")
}

func TestConsumer_MapsEventsToMutations(t *testing.T) {
	tests := []struct {
		name   string
		entity indexer.Entity
		action string
		data   CatalogEventData
		want   indexer.Mutation
	}{
		{
			name: "product updated", entity: indexer.EntityProduct, action: ActionUpdated,
			data: CatalogEventData{ID: 1},
			want: indexer.Mutation{Entity: indexer.EntityProduct, ID: 1},
		},
		{
			name: "product deleted", entity: indexer.EntityProduct, action: ActionDeleted,
			data: CatalogEventData{ID: 1, CategoryID: 10},
			want: indexer.Mutation{Entity: indexer.EntityProduct, ID: 1, CategoryID: 10, Deleted: true},
		},
		{
			name: "price deleted refreshes product", entity: indexer.EntityPrice, action: ActionDeleted,
			data: CatalogEventData{ID: 5, ProductID: 1},
			want: indexer.Mutation{Entity: indexer.EntityPrice, ID: 5, ProductID: 1},
		},
		{
			name: "review created", entity: indexer.EntityReview, action: ActionCreated,
			data: CatalogEventData{ID: 9, ProductID: 2},
			want: indexer.Mutation{Entity: indexer.EntityReview, ID: 9, ProductID: 2},
		},
		{
			name: "brand deleted", entity: indexer.EntityBrand, action: ActionDeleted,
			data: CatalogEventData{ID: 20},
			want: indexer.Mutation{Entity: indexer.EntityBrand, ID: 20, Deleted: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &recordingApplier{}
			c := NewConsumer(applier, testLogger())

			require.NoError(t, c.Handle(context.Background(), catalogEvent(t, tt.entity, tt.action, tt.data)))
			require.Len(t, applier.mutations, 1)
			assert.Equal(t, tt.want, applier.mutations[0])
		})
	}
}

func TestConsumer_FallsBackToAggregateID(t *testing.T) {
	applier := &recordingApplier{}
	c := NewConsumer(applier, testLogger())

	ev, err := pkgkafka.NewEvent(CatalogTopic(indexer.EntityCategory, ActionCreated), "42", "category", "catalog", nil)
	require.NoError(t, err)
	require.NoError(t, c.Handle(context.Background(), ev))
	assert.Equal(t, int64(42), applier.mutations[0].ID)

	ev.AggregateID = "x"
	assert.Error(t, c.Handle(context.Background(), ev))
}

func TestConsumer_IgnoresUnknownEvents(t *testing.T) {
	applier := &recordingApplier{}
	c := NewConsumer(applier, testLogger())

	for _, et := range []string{"megashop.order.created", "megashop.catalog.order.created", "megashop.catalog.product.archived"} {
		require.NoError(t, c.Handle(context.Background(), &pkgkafka.Event{EventType: et}))
	}
	assert.Empty(t, applier.mutations)
}

func TestConsumer_PropagatesApplyErrors(t *testing.T) {
	applier := &recordingApplier{err: errors.New("index down")}
	c := NewConsumer(applier, testLogger())

	err := c.Handle(context.Background(), catalogEvent(t, indexer.EntityProduct, ActionUpdated, CatalogEventData{ID: 1}))
	assert.ErrorContains(t, err, "index down")
}

// fakeReader serves queued messages and records commits.
type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed += len(msgs)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_DuplicateEventsAppliedOnce(t *testing.T) {
	applier := &recordingApplier{}
	handler := pkgkafka.IdempotentHandler(
		NewIdempotencyStore(cache.NewMemoryStore(), time.Hour),
		"citysearch",
		NewConsumer(applier, testLogger()).Handle,
		testLogger(),
	)

	ev := catalogEvent(t, indexer.EntityProduct, ActionUpdated, CatalogEventData{ID: 1})
	raw, err := ev.Marshal()
	require.NoError(t, err)

	reader := &fakeReader{msgs: make(chan kafka.Message, 2)}
	topic := CatalogTopic(indexer.EntityProduct, ActionUpdated)
	reader.msgs <- kafka.Message{Topic: topic, Value: raw}
	reader.msgs <- kafka.Message{Topic: topic, Value: raw}

	consumer := pkgkafka.NewConsumerWithReader(reader, pkgkafka.ConsumerConfig{GroupID: "citysearch"}, handler, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	assert.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return reader.committed == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, applier.mutations, 1)
}

// ---------------------------------------------------------------------------
// Invalidation broadcast
// ---------------------------------------------------------------------------

type recordingPublisher struct {
	topics []string
	events []*pkgkafka.Event
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, ev *pkgkafka.Event) error {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, ev)
	return nil
}

type fakeLocalCache struct {
	shared bool
	kinds  []domain.Kind
}

func (c *fakeLocalCache) Invalidate(_ context.Context, kinds ...domain.Kind) error {
	c.kinds = append(c.kinds, kinds...)
	return nil
}

func (c *fakeLocalCache) Shared() bool { return c.shared }

func TestBroadcaster_PublishesInvalidation(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBroadcaster(pub, "node-a", "citysearch")

	require.NoError(t, b.Invalidate(context.Background(), domain.KindProducts, domain.KindCategories))

	require.Len(t, pub.events, 1)
	assert.Equal(t, "megashop.search.cache.invalidated", pub.topics[0])
	var data InvalidationData
	require.NoError(t, json.Unmarshal(pub.events[0].Data, &data))
	assert.Equal(t, InvalidationData{Kinds: []domain.Kind{domain.KindProducts, domain.KindCategories}, Instance: "node-a"}, data)
}

func TestListener_AppliesPeerInvalidations(t *testing.T) {
	pub := &recordingPublisher{}
	require.NoError(t, NewBroadcaster(pub, "node-a", "citysearch").Invalidate(context.Background(), domain.KindBrands))
	ev := pub.events[0]

	peer := &fakeLocalCache{}
	require.NoError(t, NewListener(peer, "node-b", testLogger()).Handle(context.Background(), ev))
	assert.Equal(t, []domain.Kind{domain.KindBrands}, peer.kinds)

	self := &fakeLocalCache{}
	require.NoError(t, NewListener(self, "node-a", testLogger()).Handle(context.Background(), ev))
	assert.Empty(t, self.kinds, "own events are already applied")

	shared := &fakeLocalCache{shared: true}
	require.NoError(t, NewListener(shared, "node-b", testLogger()).Handle(context.Background(), ev))
	assert.Empty(t, shared.kinds, "a shared cache saw the bump directly")
}

func TestIdempotencyStore(t *testing.T) {
	s := NewIdempotencyStore(cache.NewMemoryStore(), time.Hour)
	ctx := context.Background()

	seen, err := s.Contains(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Add(ctx, "e1"))
	seen, err = s.Contains(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, seen)
}
