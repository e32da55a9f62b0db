package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token is a single watchlist entry: market data for one asset plus the
// user-assigned quantity owned. ID is the stable identifier from the market
// data provider and is unique within a watchlist.
type Token struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Symbol    string          `json:"symbol"`
	Image     string          `json:"image,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Sparkline []float64       `json:"sparkline"` // 7-day trace, most-recent-last
	Holdings  decimal.Decimal `json:"holdings"`
}

// Value returns the market value of the held quantity (holdings * price).
func (t *Token) Value() decimal.Decimal {
	return t.Holdings.Mul(t.Price)
}

// TokenCandidate is the minimal record needed to add a token to the
// watchlist. It carries no market data; prices are fetched on add.
type TokenCandidate struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Image  string `json:"image,omitempty"`
}

// SearchResult is a lightweight token record returned by a text search.
type SearchResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Thumb  string `json:"thumb"`
}

// Candidate converts a search result into an addable candidate.
func (r SearchResult) Candidate() TokenCandidate {
	return TokenCandidate{ID: r.ID, Name: r.Name, Symbol: r.Symbol, Image: r.Thumb}
}

// TrendingResult is a curated trending entry: a search result plus its rank.
type TrendingResult struct {
	SearchResult
	Rank int `json:"market_cap_rank"`
}

// WatchlistState is the aggregate owned by the watchlist service. Tokens keep
// insertion order, which is the display order. Loading and Error are
// transient and are not persisted.
type WatchlistState struct {
	Tokens      []Token    `json:"tokens"`
	LastUpdated *time.Time `json:"last_updated"`
	Loading     bool       `json:"-"`
	Error       string     `json:"-"`
}

// FindToken returns a pointer to the token with the given id, or nil.
func (s *WatchlistState) FindToken(id string) *Token {
	for i := range s.Tokens {
		if s.Tokens[i].ID == id {
			return &s.Tokens[i]
		}
	}
	return nil
}

// TokenIDs returns the ids of all watched tokens in display order.
func (s *WatchlistState) TokenIDs() []string {
	ids := make([]string, 0, len(s.Tokens))
	for i := range s.Tokens {
		ids = append(ids, s.Tokens[i].ID)
	}
	return ids
}

// Snapshot is the persisted subset of watchlist state. Transient fields
// (loading, error) are excluded by contract.
type Snapshot struct {
	Tokens      []Token    `json:"tokens"`
	LastUpdated *time.Time `json:"last_updated"`
}

// AddOutcome reports the result for one candidate of a batch add. A failed
// market data fetch still adds a placeholder token; Err records why the
// entry has no price data. Added is false when the id was already watched.
type AddOutcome struct {
	ID    string
	Added bool
	Err   error
}

// ParseHoldings converts user-entered text into a holdings quantity.
// Non-numeric or negative input is clamped to zero, never rejected.
func ParseHoldings(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// ClampHoldings normalizes a holdings quantity: negative values become zero.
func ClampHoldings(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
