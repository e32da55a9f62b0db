package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Selectors: pure functions over a WatchlistState snapshot. They hold no
// state and are safe to call repeatedly from any surface.

var oneHundred = decimal.NewFromInt(100)

// PortfolioTotal returns the sum of holdings * price over all tokens.
// Tokens with zero holdings contribute zero naturally.
func PortfolioTotal(state WatchlistState) decimal.Decimal {
	total := decimal.Zero
	for i := range state.Tokens {
		total = total.Add(state.Tokens[i].Value())
	}
	return total
}

// TokenValue returns holdings * price for the token with the given id,
// or zero if the id is not watched.
func TokenValue(state WatchlistState, id string) decimal.Decimal {
	if t := state.FindToken(id); t != nil {
		return t.Value()
	}
	return decimal.Zero
}

// BreakdownEntry is one slice of the portfolio breakdown. Percentage is the
// token's share of the portfolio total, 0-100.
type BreakdownEntry struct {
	ID         string
	Label      string
	Value      decimal.Decimal
	Percentage decimal.Decimal
}

// Breakdown returns one entry per token with holdings > 0, in display order.
// With a zero portfolio total every percentage is zero rather than dividing
// by zero.
func Breakdown(state WatchlistState) []BreakdownEntry {
	total := PortfolioTotal(state)

	var entries []BreakdownEntry
	for i := range state.Tokens {
		t := &state.Tokens[i]
		if !t.Holdings.IsPositive() {
			continue
		}

		value := t.Value()
		pct := decimal.Zero
		if total.IsPositive() {
			pct = value.Div(total).Mul(oneHundred)
		}

		entries = append(entries, BreakdownEntry{
			ID:         t.ID,
			Label:      strings.ToUpper(t.Symbol),
			Value:      value,
			Percentage: pct,
		})
	}
	return entries
}

// Paginate returns the 1-based page slice of tokens and the total page
// count. An empty list has zero pages; a page outside [1, totalPages]
// yields an empty slice, never an error.
func Paginate(tokens []Token, page, pageSize int) ([]Token, int) {
	if len(tokens) == 0 || pageSize <= 0 {
		return nil, 0
	}

	totalPages := (len(tokens) + pageSize - 1) / pageSize
	if page < 1 || page > totalPages {
		return nil, totalPages
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if end > len(tokens) {
		end = len(tokens)
	}
	return tokens[start:end], totalPages
}
