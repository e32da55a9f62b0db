package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tokenwatch/internal/domain"

	"github.com/shopspring/decimal"
)

// WatchlistService owns the watchlist state. All mutation goes through its
// commands; each command's mutation segment runs under the lock and completes
// before any other command or read observes the state. Network fetches happen
// outside the lock, so commands that race simply merge by id afterwards: a
// stale response for a removed token matches nothing and is ignored.
type WatchlistService struct {
	mu      sync.RWMutex
	state   domain.WatchlistState
	gateway domain.MarketGateway
	store   domain.SnapshotStore
	key     string

	saves sync.WaitGroup

	// writeMu serializes store writes; writtenSeq (guarded by writeMu)
	// tracks the newest snapshot persisted so far. saveSeq is guarded by mu.
	writeMu    sync.Mutex
	saveSeq    uint64
	writtenSeq uint64
}

// NewWatchlistService creates a service restored from the persisted snapshot
// under key, or from an empty default when none is readable.
func NewWatchlistService(gateway domain.MarketGateway, store domain.SnapshotStore, key string) *WatchlistService {
	s := &WatchlistService{
		gateway: gateway,
		store:   store,
		key:     key,
	}

	if snap, ok := store.Load(key); ok {
		s.state.Tokens = snap.Tokens
		s.state.LastUpdated = snap.LastUpdated
		slog.Info("Watchlist restored", slog.Int("tokens", len(snap.Tokens)))
	}

	return s
}

// State returns a copy of the current watchlist state. Token structs are
// copied by value; sparkline slices are shared but never mutated in place.
func (s *WatchlistService) State() domain.WatchlistState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyStateLocked()
}

func (s *WatchlistService) copyStateLocked() domain.WatchlistState {
	out := s.state
	out.Tokens = make([]domain.Token, len(s.state.Tokens))
	copy(out.Tokens, s.state.Tokens)
	return out
}

// AddTokens adds each candidate not already watched, fetching current market
// data per candidate. A failed fetch degrades that candidate to a placeholder
// entry (zero price, empty sparkline) instead of failing the batch; the
// returned outcomes record what happened to each id. Holdings start at zero
// and are never touched for ids that already exist.
func (s *WatchlistService) AddTokens(ctx context.Context, candidates []domain.TokenCandidate) []domain.AddOutcome {
	outcomes := make([]domain.AddOutcome, 0, len(candidates))

	s.mu.Lock()
	fresh := make([]domain.TokenCandidate, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.ID] || s.state.FindToken(c.ID) != nil {
			outcomes = append(outcomes, domain.AddOutcome{ID: c.ID, Added: false})
			continue
		}
		seen[c.ID] = true
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		s.mu.Unlock()
		return outcomes
	}
	s.state.Loading = true
	s.state.Error = ""
	s.mu.Unlock()

	type fetched struct {
		token   domain.Token
		outcome domain.AddOutcome
	}
	results := make([]fetched, 0, len(fresh))
	anyPriced := false

	for _, c := range fresh {
		token := domain.Token{
			ID:       c.ID,
			Name:     c.Name,
			Symbol:   c.Symbol,
			Image:    c.Image,
			Holdings: decimal.Zero,
		}
		outcome := domain.AddOutcome{ID: c.ID, Added: true}

		records, err := s.gateway.GetTokensByIDs(ctx, []string{c.ID})
		switch {
		case err != nil:
			outcome.Err = err
			slog.Warn("Add degraded to placeholder",
				slog.String("id", c.ID), slog.Any("error", err))
		case len(records) == 0:
			outcome.Err = domain.ErrEmptyResponse
			slog.Warn("Provider does not know token, placeholder added",
				slog.String("id", c.ID))
		default:
			r := records[0]
			token.Name = r.Name
			token.Symbol = r.Symbol
			if r.Image != "" {
				token.Image = r.Image
			}
			token.Price = r.Price
			token.Change24h = r.Change24h
			token.Sparkline = r.Sparkline
			anyPriced = true
		}

		results = append(results, fetched{token: token, outcome: outcome})
	}

	s.mu.Lock()
	for _, r := range results {
		// Re-check: a concurrent add may have won the race for this id.
		if s.state.FindToken(r.token.ID) != nil {
			r.outcome.Added = false
			outcomes = append(outcomes, r.outcome)
			continue
		}
		s.state.Tokens = append(s.state.Tokens, r.token)
		outcomes = append(outcomes, r.outcome)
	}
	s.state.Loading = false
	if anyPriced {
		now := time.Now()
		s.state.LastUpdated = &now
	}
	s.persistLocked()
	s.mu.Unlock()

	return outcomes
}

// RemoveToken removes the token with the given id. Removing an unknown id is
// a no-op, not an error.
func (s *WatchlistService) RemoveToken(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.state.Tokens {
		if s.state.Tokens[i].ID == id {
			s.state.Tokens = append(s.state.Tokens[:i], s.state.Tokens[i+1:]...)
			s.persistLocked()
			return
		}
	}
}

// SetHoldings assigns the held quantity for a token. Negative quantities are
// clamped to zero; an unknown id is a no-op.
func (s *WatchlistService) SetHoldings(id string, quantity decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.state.FindToken(id)
	if token == nil {
		return
	}
	token.Holdings = domain.ClampHoldings(quantity)
	s.persistLocked()
}

// SetHoldingsText assigns holdings from raw user input, as typed in an edit
// field. Non-numeric or negative input coerces to zero rather than erroring.
func (s *WatchlistService) SetHoldingsText(id, input string) {
	s.SetHoldings(id, domain.ParseHoldings(input))
}

// RefreshPrices fetches fresh market data for the current id set and merges
// it in by id. Ids the provider omits (delisted, unknown) keep their last
// known data. An empty watchlist completes immediately without a request.
func (s *WatchlistService) RefreshPrices(ctx context.Context) error {
	s.mu.Lock()
	ids := s.state.TokenIDs()
	if len(ids) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.state.Loading = true
	s.state.Error = ""
	s.mu.Unlock()

	records, err := s.gateway.GetTokensByIDs(ctx, ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Loading = false

	if err != nil {
		s.state.Error = err.Error()
		return err
	}

	updated := 0
	for i := range records {
		token := s.state.FindToken(records[i].ID)
		if token == nil {
			// Removed while the fetch was in flight. Stale data, skip.
			continue
		}
		token.Price = records[i].Price
		token.Change24h = records[i].Change24h
		token.Sparkline = records[i].Sparkline
		updated++
	}

	if updated > 0 {
		now := time.Now()
		s.state.LastUpdated = &now
		s.persistLocked()
	}
	return nil
}

// LoadInitialPage replaces the whole token list with the top tokens for the
// requested page, all with zero holdings. This is the "top tokens" population
// mode; it is mutually exclusive with incremental add/remove because the
// replace discards holdings of tokens not on the new page.
func (s *WatchlistService) LoadInitialPage(ctx context.Context, page, pageSize int) error {
	s.mu.Lock()
	s.state.Loading = true
	s.state.Error = ""
	s.mu.Unlock()

	records, err := s.gateway.ListMarketTokens(ctx, page, pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Loading = false

	if err != nil {
		s.state.Error = err.Error()
		return err
	}

	tokens := make([]domain.Token, len(records))
	for i := range records {
		tokens[i] = records[i]
		tokens[i].Holdings = decimal.Zero
	}
	s.state.Tokens = tokens
	now := time.Now()
	s.state.LastUpdated = &now
	s.persistLocked()
	return nil
}

// StartAutoRefresh starts a background poller calling RefreshPrices on the
// given interval until the context is cancelled.
func (s *WatchlistService) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Price auto-refresh stopped")
				return
			case <-ticker.C:
				if err := s.RefreshPrices(ctx); err != nil {
					slog.Warn("Price refresh failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// persistLocked schedules a snapshot write. The snapshot is built
// synchronously under the lock, so it is always internally consistent; the
// write itself happens off the command path. Writes are serialized and each
// snapshot carries a sequence number, so when two writes race, the one built
// from newer state always ends up durable: a write that arrives after a newer
// snapshot has already been persisted is dropped. Must be called with the
// lock held.
func (s *WatchlistService) persistLocked() {
	s.saveSeq++
	seq := s.saveSeq
	snap := &domain.Snapshot{
		Tokens:      make([]domain.Token, len(s.state.Tokens)),
		LastUpdated: s.state.LastUpdated,
	}
	copy(snap.Tokens, s.state.Tokens)

	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if seq <= s.writtenSeq {
			// A newer snapshot is already durable.
			return
		}
		s.writtenSeq = seq
		s.store.Save(s.key, snap)
	}()
}

// Flush blocks until all scheduled snapshot writes have completed.
func (s *WatchlistService) Flush() {
	s.saves.Wait()
}

// Close flushes pending writes and performs one final synchronous save.
func (s *WatchlistService) Close() {
	s.Flush()

	s.mu.RLock()
	seq := s.saveSeq
	snap := &domain.Snapshot{
		Tokens:      make([]domain.Token, len(s.state.Tokens)),
		LastUpdated: s.state.LastUpdated,
	}
	copy(snap.Tokens, s.state.Tokens)
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if seq > s.writtenSeq {
		s.writtenSeq = seq
	}
	s.store.Save(s.key, snap)
}
