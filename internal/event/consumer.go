// Package event connects the indexer to the catalog event stream and fans
// result cache invalidations out to peer instances.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/megashop/citysearch/internal/indexer"
	pkgkafka "github.com/megashop/citysearch/pkg/kafka"
)

// Catalog event actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

var catalogPrefix = pkgkafka.Topic("catalog") + "."

// CatalogTopic returns the topic of an entity action, for example
// "megashop.catalog.price.updated".
func CatalogTopic(entity indexer.Entity, action string) string {
	return pkgkafka.Topic("catalog", string(entity), action)
}

// CatalogTopics lists every topic the consumer subscribes to.
func CatalogTopics() []string {
	var topics []string
	for _, e := range indexer.Entities() {
		for _, a := range []string{ActionCreated, ActionUpdated, ActionDeleted} {
			topics = append(topics, CatalogTopic(e, a))
		}
	}
	return topics
}

// CatalogEventData is the payload of catalog events. ID is the mutated
// entity; reviews and prices also name their product.
type CatalogEventData struct {
	ID         int64 `json:"id"`
	ProductID  int64 `json:"product_id,omitempty"`
	CategoryID int64 `json:"category_id,omitempty"`
}

// Applier applies catalog mutations to the index.
type Applier interface {
	Apply(ctx context.Context, m indexer.Mutation) error
}

// Consumer turns catalog events into index mutations.
type Consumer struct {
	indexer Applier
	logger  *slog.Logger
}

// NewConsumer creates a catalog event consumer.
func NewConsumer(ix Applier, logger *slog.Logger) *Consumer {
	return &Consumer{indexer: ix, logger: logger}
}

// Handle processes a Kafka event based on its type.
func (c *Consumer) Handle(ctx context.Context, event *pkgkafka.Event) error {
	entity, action, ok := parseEventType(event.EventType)
	if !ok {
		c.logger.WarnContext(ctx, "unknown event type received",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
		)
		return nil
	}

	var data CatalogEventData
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("unmarshal %s data: %w", event.EventType, err)
		}
	}
	if data.ID == 0 && event.AggregateID != "" {
		id, err := strconv.ParseInt(event.AggregateID, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s aggregate id %q: %w", event.EventType, event.AggregateID, err)
		}
		data.ID = id
	}

	m := indexer.Mutation{
		Entity:     entity,
		ID:         data.ID,
		ProductID:  data.ProductID,
		CategoryID: data.CategoryID,
		// A deleted review or price changes its product, which still exists.
		Deleted: action == ActionDeleted && entity != indexer.EntityReview && entity != indexer.EntityPrice,
	}
	if err := c.indexer.Apply(ctx, m); err != nil {
		return fmt.Errorf("apply %s: %w", event.EventType, err)
	}

	c.logger.DebugContext(ctx, "applied catalog event",
		slog.String("event_type", event.EventType),
		slog.Int64("id", data.ID),
	)
	return nil
}

func parseEventType(eventType string) (indexer.Entity, string, bool) {
	rest, ok := strings.CutPrefix(eventType, catalogPrefix)
	if !ok {
		return "", "", false
	}
	entity, action, ok := strings.Cut(rest, ".")
	if !ok {
		return "", "", false
	}
	switch action {
	case ActionCreated, ActionUpdated, ActionDeleted:
	default:
		return "", "", false
	}
	for _, e := range indexer.Entities() {
		if string(e) == entity {
			return e, action, true
		}
	}
	return "", "", false
}
