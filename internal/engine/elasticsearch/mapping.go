package elasticsearch

import (
	"fmt"

	"github.com/megashop/citysearch/internal/domain"
)

// DefaultIndexPrefix prefixes every alias and concrete index name.
const DefaultIndexPrefix = "citysearch"

const indexSettings = `{
    "number_of_shards": 1,
    "number_of_replicas": 0,
    "analysis": {
      "normalizer": {
        "folded": {
          "type": "custom",
          "filter": ["lowercase"]
        }
      },
      "analyzer": {
        "folded_text": {
          "type": "custom",
          "tokenizer": "standard",
          "filter": ["lowercase"]
        }
      }
    }
  }`

// textField is a full-text field with the exact and wildcard subfields the
// renderer targets.
const textField = `{ "type": "text", "analyzer": "folded_text", "fields": { "exact": { "type": "keyword", "normalizer": "folded", "ignore_above": 512 }, "raw": { "type": "wildcard" } } }`

const productProperties = `{
      "id":              { "type": "long" },
      "title":           ` + textField + `,
      "description":     ` + textField + `,
      "slug":            { "type": "keyword" },
      "article":         { "type": "keyword", "fields": { "exact": { "type": "keyword", "normalizer": "folded" } } },
      "active":          { "type": "boolean" },
      "priority":        { "type": "integer" },
      "is_new":          { "type": "boolean" },
      "is_popular":      { "type": "boolean" },
      "rating":          { "type": "float" },
      "reviews_count":   { "type": "integer" },
      "category":        { "properties": { "id": { "type": "long" }, "name": { "type": "text", "analyzer": "folded_text" }, "slug": { "type": "keyword" } } },
      "brand":           { "properties": { "name": { "type": "text", "analyzer": "folded_text" }, "slug": { "type": "keyword" } } },
      "prices":          { "type": "nested", "properties": {
                             "cg_domain": { "type": "keyword" },
                             "price":     { "type": "scaled_float", "scaling_factor": 100 },
                             "old_price": { "type": "scaled_float", "scaling_factor": 100 },
                             "in_promo":  { "type": "boolean" } } },
      "unavailable_in":  { "type": "keyword" },
      "characteristics": { "type": "keyword" },
      "created_at":      { "type": "date" }
    }`

const categoryProperties = `{
      "id":              { "type": "long" },
      "name":            ` + textField + `,
      "slug":            { "type": "keyword" },
      "is_visible":      { "type": "boolean" },
      "products_exist":  { "type": "boolean" },
      "order":           { "type": "integer" },
      "characteristics": { "type": "keyword" }
    }`

const brandProperties = `{
      "id":     { "type": "long" },
      "name":   ` + textField + `,
      "slug":   { "type": "keyword" },
      "active": { "type": "boolean" },
      "order":  { "type": "integer" }
    }`

// buildIndexMapping returns the settings and mapping of a kind's index.
func buildIndexMapping(kind domain.Kind) string {
	var properties string
	switch kind {
	case domain.KindProducts:
		properties = productProperties
	case domain.KindCategories:
		properties = categoryProperties
	default:
		properties = brandProperties
	}
	return fmt.Sprintf(`{
  "settings": %s,
  "mappings": {
    "dynamic": "strict",
    "properties": %s
  }
}`, indexSettings, properties)
}
