package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokenwatch/internal/domain"

	"github.com/shopspring/decimal"
)

// fakeGateway is an in-memory market data provider.
type fakeGateway struct {
	mu      sync.Mutex
	records map[string]domain.Token // id -> current market data
	failIDs map[string]bool         // ids whose fetch fails
	err     error                   // top-level error for every call
	extra   []domain.Token          // returned on top of requested ids (stale data)
	calls   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		records: make(map[string]domain.Token),
		failIDs: make(map[string]bool),
	}
}

func (g *fakeGateway) setRecord(id string, price, change float64, sparkline []float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[id] = domain.Token{
		ID:        id,
		Name:      id,
		Symbol:    id,
		Price:     decimal.NewFromFloat(price),
		Change24h: decimal.NewFromFloat(change),
		Sparkline: sparkline,
	}
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) GetTokensByIDs(_ context.Context, ids []string) ([]domain.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	if g.err != nil {
		return nil, g.err
	}

	var out []domain.Token
	for _, id := range ids {
		if g.failIDs[id] {
			return nil, domain.NewNetworkError("get tokens", errors.New("provider down"))
		}
		if r, ok := g.records[id]; ok {
			out = append(out, r)
		}
	}
	out = append(out, g.extra...)
	return out, nil
}

func (g *fakeGateway) ListMarketTokens(_ context.Context, page, pageSize int) ([]domain.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	if g.err != nil {
		return nil, g.err
	}

	var out []domain.Token
	for _, r := range g.records {
		out = append(out, r)
	}
	if len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

func (g *fakeGateway) SearchTokens(_ context.Context, _ string) ([]domain.SearchResult, error) {
	return nil, nil
}

func (g *fakeGateway) ListTrendingTokens(_ context.Context) ([]domain.TrendingResult, error) {
	return nil, nil
}

// fakeStore is an in-memory snapshot store.
type fakeStore struct {
	mu    sync.Mutex
	snaps map[string]*domain.Snapshot
	saved int
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(map[string]*domain.Snapshot)}
}

func (s *fakeStore) Load(key string) (*domain.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[key]
	return snap, ok
}

func (s *fakeStore) Save(key string, snap *domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[key] = snap
	s.saved++
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

const testKey = "watchlist.snapshot"

func newTestService(gw *fakeGateway, store *fakeStore) *WatchlistService {
	return NewWatchlistService(gw, store, testKey)
}

func candidate(id string) domain.TokenCandidate {
	return domain.TokenCandidate{ID: id, Name: id, Symbol: id}
}

func TestAddTokens_FetchesMarketData(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, -2.5, []float64{1, 2, 3})
	svc := newTestService(gw, newFakeStore())

	outcomes := svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})
	if len(outcomes) != 1 || !outcomes[0].Added || outcomes[0].Err != nil {
		t.Fatalf("Expected clean add, got %+v", outcomes)
	}

	state := svc.State()
	if len(state.Tokens) != 1 {
		t.Fatalf("Expected 1 token, got %d", len(state.Tokens))
	}
	tok := state.Tokens[0]
	if !tok.Price.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("Expected price 50000, got %v", tok.Price)
	}
	if !tok.Change24h.Equal(decimal.NewFromFloat(-2.5)) {
		t.Errorf("Expected change -2.5, got %v", tok.Change24h)
	}
	if !tok.Holdings.IsZero() {
		t.Errorf("Expected zero holdings on add, got %v", tok.Holdings)
	}
	if state.LastUpdated == nil {
		t.Error("Expected LastUpdated to be set after a priced add")
	}
	if state.Loading {
		t.Error("Expected loading false after add completes")
	}
}

func TestAddTokens_NoDuplicates(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	svc := newTestService(gw, newFakeStore())

	// Same id twice in one batch, then the whole batch again
	batch := []domain.TokenCandidate{candidate("btc"), candidate("btc")}
	svc.AddTokens(context.Background(), batch)
	svc.AddTokens(context.Background(), batch)

	state := svc.State()
	if len(state.Tokens) != 1 {
		t.Errorf("Expected 1 token after duplicate adds, got %d", len(state.Tokens))
	}
}

func TestAddTokens_ReAddPreservesHoldings(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	svc := newTestService(gw, newFakeStore())

	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})
	svc.SetHoldings("btc", decimal.NewFromInt(2))

	outcomes := svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})
	if outcomes[0].Added {
		t.Error("Re-add of existing id should report Added=false")
	}

	state := svc.State()
	if !state.Tokens[0].Holdings.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Re-add must not reset holdings, got %v", state.Tokens[0].Holdings)
	}
}

func TestAddTokens_PartialFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, []float64{1, 2})
	gw.failIDs["eth"] = true
	svc := newTestService(gw, newFakeStore())

	outcomes := svc.AddTokens(context.Background(), []domain.TokenCandidate{
		candidate("btc"),
		candidate("eth"),
	})

	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Err != nil {
		t.Errorf("btc should fetch cleanly, got %v", outcomes[0].Err)
	}
	if !outcomes[1].Added || outcomes[1].Err == nil {
		t.Errorf("eth should be added as placeholder with an error, got %+v", outcomes[1])
	}

	state := svc.State()
	if len(state.Tokens) != 2 {
		t.Fatalf("Both candidates must land on the list, got %d", len(state.Tokens))
	}

	eth := state.FindToken("eth")
	if eth == nil {
		t.Fatal("eth placeholder missing")
	}
	if !eth.Price.IsZero() || !eth.Change24h.IsZero() || len(eth.Sparkline) != 0 {
		t.Error("Placeholder must have zero price/change and empty sparkline")
	}

	// Per-candidate failure is not a top-level rejection
	if state.Error != "" {
		t.Errorf("Partial failure must not set the state error, got %q", state.Error)
	}
}

func TestAddTokens_UnknownIDPlaceholder(t *testing.T) {
	gw := newFakeGateway() // provider knows nothing
	svc := newTestService(gw, newFakeStore())

	outcomes := svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("notacoin")})
	if !outcomes[0].Added || outcomes[0].Err == nil {
		t.Fatalf("Unknown id should degrade to placeholder, got %+v", outcomes[0])
	}

	state := svc.State()
	if len(state.Tokens) != 1 || !state.Tokens[0].Price.IsZero() {
		t.Error("Expected a single zero-priced placeholder")
	}
}

func TestRemoveToken_Idempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	gw.setRecord("eth", 3000, 1, nil)
	svc := newTestService(gw, newFakeStore())
	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc"), candidate("eth")})

	svc.RemoveToken("btc")
	first := svc.State()

	svc.RemoveToken("btc") // second remove of same id
	second := svc.State()

	if len(first.Tokens) != 1 || len(second.Tokens) != 1 {
		t.Fatalf("Expected 1 token after removes, got %d then %d", len(first.Tokens), len(second.Tokens))
	}
	if second.Tokens[0].ID != "eth" {
		t.Errorf("Expected eth to remain, got %s", second.Tokens[0].ID)
	}

	// Removing an id that never existed is a silent no-op
	svc.RemoveToken("notacoin")
	if len(svc.State().Tokens) != 1 {
		t.Error("Removing unknown id must not change the list")
	}
}

func TestSetHoldings(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	svc := newTestService(gw, newFakeStore())
	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})

	t.Run("valid quantity", func(t *testing.T) {
		svc.SetHoldings("btc", decimal.NewFromFloat(0.5))
		if h := svc.State().Tokens[0].Holdings; !h.Equal(decimal.NewFromFloat(0.5)) {
			t.Errorf("Expected 0.5, got %v", h)
		}
	})

	t.Run("negative clamped to zero", func(t *testing.T) {
		svc.SetHoldings("btc", decimal.NewFromInt(-3))
		if h := svc.State().Tokens[0].Holdings; !h.IsZero() {
			t.Errorf("Expected 0 after clamp, got %v", h)
		}
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		before := svc.State()
		svc.SetHoldings("notacoin", decimal.NewFromInt(10))
		after := svc.State()
		if len(before.Tokens) != len(after.Tokens) {
			t.Error("SetHoldings on unknown id must not change state")
		}
	})

	t.Run("text input", func(t *testing.T) {
		svc.SetHoldingsText("btc", "2.5")
		if h := svc.State().Tokens[0].Holdings; !h.Equal(decimal.NewFromFloat(2.5)) {
			t.Errorf("Expected 2.5, got %v", h)
		}
	})

	t.Run("garbage text coerces to zero", func(t *testing.T) {
		svc.SetHoldingsText("btc", "lots")
		if h := svc.State().Tokens[0].Holdings; !h.IsZero() {
			t.Errorf("Expected 0 for non-numeric input, got %v", h)
		}
	})
}

func TestRefreshPrices_MergesByID(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, []float64{1})
	gw.setRecord("eth", 3000, 2, []float64{2})
	svc := newTestService(gw, newFakeStore())
	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc"), candidate("eth")})
	svc.SetHoldings("btc", decimal.NewFromInt(1))

	gw.setRecord("btc", 51000, 3, []float64{1, 9})

	if err := svc.RefreshPrices(context.Background()); err != nil {
		t.Fatalf("RefreshPrices failed: %v", err)
	}

	state := svc.State()
	btc := state.FindToken("btc")
	if !btc.Price.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("Expected refreshed price 51000, got %v", btc.Price)
	}
	if len(btc.Sparkline) != 2 {
		t.Errorf("Expected refreshed sparkline, got %v", btc.Sparkline)
	}
	if !btc.Holdings.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Refresh must not touch holdings, got %v", btc.Holdings)
	}
	if state.LastUpdated == nil {
		t.Error("Expected LastUpdated after refresh")
	}
}

func TestRefreshPrices_OmittedIDsUnchanged(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	gw.setRecord("dead", 7, 0, nil)
	svc := newTestService(gw, newFakeStore())
	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc"), candidate("dead")})

	// Provider delists "dead": its record disappears, not an error
	gw.mu.Lock()
	delete(gw.records, "dead")
	gw.mu.Unlock()

	if err := svc.RefreshPrices(context.Background()); err != nil {
		t.Fatalf("RefreshPrices failed: %v", err)
	}

	state := svc.State()
	dead := state.FindToken("dead")
	if dead == nil {
		t.Fatal("Delisted token must stay on the list")
	}
	if !dead.Price.Equal(decimal.NewFromInt(7)) {
		t.Errorf("Delisted token must keep last known price, got %v", dead.Price)
	}
}

func TestRefreshPrices_EmptyWatchlist(t *testing.T) {
	gw := newFakeGateway()
	svc := newTestService(gw, newFakeStore())

	if err := svc.RefreshPrices(context.Background()); err != nil {
		t.Fatalf("Empty refresh must succeed, got %v", err)
	}
	if gw.callCount() != 0 {
		t.Errorf("Empty refresh must not hit the network, got %d calls", gw.callCount())
	}
	if svc.State().LastUpdated != nil {
		t.Error("Empty refresh must not touch LastUpdated")
	}
}

func TestRefreshPrices_ErrorKeepsTokens(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	svc := newTestService(gw, newFakeStore())
	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})

	gw.mu.Lock()
	gw.err = domain.NewNetworkError("get tokens", errors.New("provider down"))
	gw.mu.Unlock()

	if err := svc.RefreshPrices(context.Background()); err == nil {
		t.Fatal("Expected refresh error")
	}

	state := svc.State()
	if state.Error == "" {
		t.Error("Expected state error after failed refresh")
	}
	if state.Loading {
		t.Error("Expected loading false after failed refresh")
	}
	if len(state.Tokens) != 1 || !state.Tokens[0].Price.Equal(decimal.NewFromInt(50000)) {
		t.Error("Failed refresh must leave tokens unchanged")
	}

	// Next attempt clears the error
	gw.mu.Lock()
	gw.err = nil
	gw.mu.Unlock()
	if err := svc.RefreshPrices(context.Background()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if svc.State().Error != "" {
		t.Error("Successful refresh must clear the error")
	}
}

func TestRefreshPrices_Idempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, []float64{1, 2})
	gw.setRecord("eth", 3000, 2, []float64{3})
	svc := newTestService(gw, newFakeStore())
	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc"), candidate("eth")})

	if err := svc.RefreshPrices(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := svc.State().Tokens

	if err := svc.RefreshPrices(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := svc.State().Tokens

	if len(first) != len(second) {
		t.Fatalf("Token count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID ||
			!first[i].Price.Equal(second[i].Price) ||
			!first[i].Change24h.Equal(second[i].Change24h) ||
			!first[i].Holdings.Equal(second[i].Holdings) {
			t.Errorf("Token %s changed across idempotent refreshes", first[i].ID)
		}
	}
}

func TestRefreshPrices_StaleResponseIgnored(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	svc := newTestService(gw, newFakeStore())
	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})

	// Simulate a response carrying data for an id removed while in flight
	gw.mu.Lock()
	gw.extra = []domain.Token{{ID: "gone", Price: decimal.NewFromInt(1)}}
	gw.mu.Unlock()

	if err := svc.RefreshPrices(context.Background()); err != nil {
		t.Fatalf("RefreshPrices failed: %v", err)
	}

	state := svc.State()
	if state.FindToken("gone") != nil {
		t.Error("A record for an unwatched id must be ignored, not added")
	}
}

func TestLoadInitialPage(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	gw.setRecord("eth", 3000, 2, nil)
	svc := newTestService(gw, newFakeStore())

	if err := svc.LoadInitialPage(context.Background(), 1, 10); err != nil {
		t.Fatalf("LoadInitialPage failed: %v", err)
	}

	state := svc.State()
	if len(state.Tokens) != 2 {
		t.Fatalf("Expected 2 tokens, got %d", len(state.Tokens))
	}
	for _, tok := range state.Tokens {
		if !tok.Holdings.IsZero() {
			t.Errorf("Page load must initialize holdings to zero, got %v for %s", tok.Holdings, tok.ID)
		}
	}
	if state.LastUpdated == nil {
		t.Error("Expected LastUpdated after page load")
	}
}

func TestLoadInitialPage_ErrorKeepsTokens(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	svc := newTestService(gw, newFakeStore())
	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})

	gw.mu.Lock()
	gw.err = domain.NewNetworkError("list markets", errors.New("provider down"))
	gw.mu.Unlock()

	if err := svc.LoadInitialPage(context.Background(), 1, 10); err == nil {
		t.Fatal("Expected page load error")
	}

	state := svc.State()
	if len(state.Tokens) != 1 {
		t.Error("Failed page load must leave the previous list intact")
	}
	if state.Error == "" {
		t.Error("Expected state error after failed page load")
	}
}

func TestRestoreFromSnapshot(t *testing.T) {
	store := newFakeStore()
	store.Save(testKey, &domain.Snapshot{
		Tokens: []domain.Token{{
			ID:       "btc",
			Symbol:   "btc",
			Price:    decimal.NewFromInt(48000),
			Holdings: decimal.NewFromFloat(0.25),
		}},
	})

	svc := newTestService(newFakeGateway(), store)

	state := svc.State()
	if len(state.Tokens) != 1 || state.Tokens[0].ID != "btc" {
		t.Fatal("Expected restored token")
	}
	if !state.Tokens[0].Holdings.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("Expected restored holdings 0.25, got %v", state.Tokens[0].Holdings)
	}
}

func TestMutationsPersist(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	store := newFakeStore()
	svc := newTestService(gw, store)

	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})
	svc.SetHoldings("btc", decimal.NewFromInt(2))
	svc.RemoveToken("btc")
	svc.Close() // flush async writes, then one final synchronous save

	// Racing writes may be dropped in favor of newer ones, so the exact
	// count varies; what matters is that something was persisted and the
	// durable snapshot reflects the last mutation.
	if store.saveCount() < 1 {
		t.Errorf("Expected at least one save, got %d", store.saveCount())
	}

	snap, ok := store.Load(testKey)
	if !ok {
		t.Fatal("Expected persisted snapshot")
	}
	if len(snap.Tokens) != 0 {
		t.Errorf("Final snapshot should reflect the remove, got %d tokens", len(snap.Tokens))
	}
}

// slowStore stalls writes of non-empty snapshots, so the write scheduled by
// an add lags behind the one scheduled by a subsequent remove.
type slowStore struct {
	*fakeStore
}

func (s *slowStore) Save(key string, snap *domain.Snapshot) {
	if len(snap.Tokens) > 0 {
		time.Sleep(30 * time.Millisecond)
	}
	s.fakeStore.Save(key, snap)
}

func TestPersist_SlowWriteCannotOverwriteNewerState(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, 1, nil)
	inner := newFakeStore()
	svc := NewWatchlistService(gw, &slowStore{fakeStore: inner}, testKey)

	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})
	svc.RemoveToken("btc")
	svc.Flush()

	snap, ok := inner.Load(testKey)
	if !ok {
		t.Fatal("Expected persisted snapshot")
	}
	if len(snap.Tokens) != 0 {
		t.Errorf("Durable snapshot must reflect the remove, got %d tokens", len(snap.Tokens))
	}
}

// Scenario from the product surface: empty watchlist, add btc at 50000 with
// -2.5% change, set holdings to 0.1, portfolio total is 5000.
func TestScenario_AddAndValue(t *testing.T) {
	gw := newFakeGateway()
	gw.setRecord("btc", 50000, -2.5, nil)
	svc := newTestService(gw, newFakeStore())

	svc.AddTokens(context.Background(), []domain.TokenCandidate{candidate("btc")})
	svc.SetHoldings("btc", decimal.NewFromFloat(0.1))

	total := domain.PortfolioTotal(svc.State())
	if !total.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected portfolio total 5000, got %v", total)
	}
}
