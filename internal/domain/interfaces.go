package domain

import "context"

// MarketGateway defines the market data provider consumed by the watchlist.
// Implementations decide timeout and retry policy; callers see only the
// final result.
type MarketGateway interface {
	// ListMarketTokens returns the top tokens by market cap for a 1-based page.
	ListMarketTokens(ctx context.Context, page, pageSize int) ([]Token, error)
	// GetTokensByIDs returns current data for the given ids. Unknown ids are
	// omitted from the result. An empty id set returns nil without a request.
	GetTokensByIDs(ctx context.Context, ids []string) ([]Token, error)
	// SearchTokens returns lightweight records matching free text.
	SearchTokens(ctx context.Context, query string) ([]SearchResult, error)
	// ListTrendingTokens returns the provider's curated trending list.
	ListTrendingTokens(ctx context.Context) ([]TrendingResult, error)
}

// SnapshotStore persists watchlist snapshots. Load reports a missing or
// unreadable snapshot as absent (ok=false), never as an error. Save failures
// are logged by the implementation and swallowed; losing persistence must
// not take down the session.
type SnapshotStore interface {
	Load(key string) (*Snapshot, bool)
	Save(key string, snap *Snapshot)
}
