// Package query translates search requests into an engine-neutral clause
// tree. Engines render the tree into their own dialect.
package query

import (
	"github.com/shopspring/decimal"

	"github.com/megashop/citysearch/internal/domain"
)

// Clause is one node of a sub-query.
type Clause interface {
	clause()
}

// Term matches a keyword, boolean or numeric field exactly.
type Term struct {
	Field string
	Value any
}

// Terms matches when the field holds any of Values.
type Terms struct {
	Field  string
	Values []string
}

// Exact matches the whole field value, ignoring case.
type Exact struct {
	Field string
	Value string
	Boost float64
}

// Fuzzy matches every token of Value against the field's tokens with
// AUTO edit distance.
type Fuzzy struct {
	Field string
	Value string
	Boost float64
}

// Wildcard matches the whole field value against Pattern, where '*' is any
// run and '?' any single character. A backslash escapes the next character.
type Wildcard struct {
	Field   string
	Pattern string
	Boost   float64
}

// Phrase matches the tokens of Value as a contiguous sequence.
type Phrase struct {
	Field string
	Value string
	Boost float64
}

// Prefix matches when every token of Value but the last is a field token
// and the last is a prefix of one.
type Prefix struct {
	Field string
	Value string
}

// Range bounds a numeric field. Nil bounds are open.
type Range struct {
	Field string
	GTE   *decimal.Decimal
	LTE   *decimal.Decimal
}

// Nested matches when a single element of the object list at Path satisfies
// every clause in Must. Field names inside Must are absolute.
type Nested struct {
	Path string
	Must []Clause
}

func (Term) clause()     {}
func (Terms) clause()    {}
func (Exact) clause()    {}
func (Fuzzy) clause()    {}
func (Wildcard) clause() {}
func (Phrase) clause()   {}
func (Prefix) clause()   {}
func (Range) clause()    {}
func (Nested) clause()   {}

// BoostOf returns the scoring weight of a should clause. Unboosted clauses
// weigh 1.
func BoostOf(c Clause) float64 {
	var b float64
	switch v := c.(type) {
	case Exact:
		b = v.Boost
	case Fuzzy:
		b = v.Boost
	case Wildcard:
		b = v.Boost
	case Phrase:
		b = v.Boost
	}
	if b == 0 {
		return 1
	}
	return b
}

// SubQuery targets one index. Must and MustNot filter without scoring;
// matched Should clauses add their boosts to the score.
type SubQuery struct {
	Kind               domain.Kind
	Must               []Clause
	MustNot            []Clause
	Should             []Clause
	MinimumShouldMatch int
}

// IndexQuery is the OR of its sub-queries. Size caps the hits returned per
// sub-query.
type IndexQuery struct {
	Subqueries []SubQuery
	Size       int
}
