package elasticsearch

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/megashop/citysearch/internal/query"
)

// Subfields added by the mappings to every full-text field.
const (
	exactSuffix    = ".exact"
	wildcardSuffix = ".raw"
)

// renderSubQuery builds the search body of one sub-query. Must clauses run
// in filter context, so only should clauses contribute to the score.
func renderSubQuery(sq query.SubQuery, size int) map[string]interface{} {
	boolQuery := map[string]interface{}{
		"filter": renderClauses(sq.Must),
	}
	if len(sq.MustNot) > 0 {
		boolQuery["must_not"] = renderClauses(sq.MustNot)
	}
	if len(sq.Should) > 0 {
		boolQuery["should"] = renderClauses(sq.Should)
		boolQuery["minimum_should_match"] = sq.MinimumShouldMatch
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": boolQuery,
		},
		"size":             size,
		"_source":          false,
		"track_total_hits": false,
		"sort": []interface{}{
			map[string]interface{}{"_score": "desc"},
			map[string]interface{}{"id": "asc"},
		},
	}
}

func renderClauses(clauses []query.Clause) []interface{} {
	out := make([]interface{}, 0, len(clauses))
	for _, c := range clauses {
		if r := renderClause(c); r != nil {
			out = append(out, r)
		}
	}
	return out
}

func renderClause(c query.Clause) map[string]interface{} {
	switch v := c.(type) {
	case query.Term:
		return map[string]interface{}{
			"term": map[string]interface{}{v.Field: v.Value},
		}
	case query.Terms:
		return map[string]interface{}{
			"terms": map[string]interface{}{v.Field: v.Values},
		}
	case query.Exact:
		return map[string]interface{}{
			"term": map[string]interface{}{
				v.Field + exactSuffix: map[string]interface{}{
					"value": v.Value,
					"boost": query.BoostOf(v),
				},
			},
		}
	case query.Fuzzy:
		return map[string]interface{}{
			"match": map[string]interface{}{
				v.Field: map[string]interface{}{
					"query":     v.Value,
					"fuzziness": "AUTO",
					"operator":  "and",
					"boost":     query.BoostOf(v),
				},
			},
		}
	case query.Wildcard:
		return map[string]interface{}{
			"wildcard": map[string]interface{}{
				v.Field + wildcardSuffix: map[string]interface{}{
					"value":            v.Pattern,
					"case_insensitive": true,
					"boost":            query.BoostOf(v),
				},
			},
		}
	case query.Phrase:
		return map[string]interface{}{
			"match_phrase": map[string]interface{}{
				v.Field: map[string]interface{}{
					"query": v.Value,
					"boost": query.BoostOf(v),
				},
			},
		}
	case query.Prefix:
		return map[string]interface{}{
			"match_bool_prefix": map[string]interface{}{
				v.Field: map[string]interface{}{
					"query":    v.Value,
					"operator": "and",
				},
			},
		}
	case query.Range:
		bounds := map[string]interface{}{}
		if v.GTE != nil {
			bounds["gte"] = number(*v.GTE)
		}
		if v.LTE != nil {
			bounds["lte"] = number(*v.LTE)
		}
		return map[string]interface{}{
			"range": map[string]interface{}{v.Field: bounds},
		}
	case query.Nested:
		return map[string]interface{}{
			"nested": map[string]interface{}{
				"path": v.Path,
				"query": map[string]interface{}{
					"bool": map[string]interface{}{
						"filter": renderClauses(v.Must),
					},
				},
			},
		}
	default:
		return nil
	}
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
