package domain

import "github.com/shopspring/decimal"

// Outcome tags the result of a per-city lookup.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNoPrice
	OutcomeUpstream
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNoPrice:
		return "no_price"
	case OutcomeUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Quote is a resolved city price.
type Quote struct {
	Price    decimal.Decimal
	OldPrice *decimal.Decimal
	InPromo  bool
}

// PriceResult is the tagged result of resolving one (product, city) pair.
// Quote is set only for OutcomeOK; Err only for OutcomeUpstream.
type PriceResult struct {
	Outcome Outcome
	Quote   Quote
	Err     error
}

// Priced reports whether a valid city price was found.
func (r PriceResult) Priced() bool { return r.Outcome == OutcomeOK }

// QuoteOf converts a price row into a quote.
func QuoteOf(p Price) Quote {
	return Quote{Price: p.Price, OldPrice: p.OldPrice, InPromo: p.InPromo()}
}
