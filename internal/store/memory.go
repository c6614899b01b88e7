package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/oddsmith/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	markets     map[string]*model.Market
	balances    map[string]*model.Balance
	positions   map[posKey]*model.Position
	trades      []model.TradeRecord
	transfers   []model.TransferRecord
	resolutions []model.ResolutionRecord

	defaultCash decimal.Decimal
}

type posKey struct {
	user    string
	market  string
	outcome model.Outcome
}

// NewMemoryStore creates a new in-memory store. defaultCash is the balance
// a user starts with on first contact.
func NewMemoryStore(defaultCash decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		markets:     make(map[string]*model.Market),
		balances:    make(map[string]*model.Balance),
		positions:   make(map[posKey]*model.Position),
		defaultCash: defaultCash,
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return ErrAlreadyExists
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) DeleteMarket(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[id]; !ok {
		return ErrNotFound
	}
	delete(s.markets, id)
	for k := range s.positions {
		if k.market == id {
			delete(s.positions, k)
		}
	}
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.balances[userID]; ok {
		cp := *b
		return &cp, nil
	}

	// Lazy default row on first contact.
	b := &model.Balance{
		UserID:         userID,
		Cash:           s.defaultCash,
		VolumeTraded:   decimal.Zero,
		VolumeResolved: decimal.Zero,
	}
	s.balances[userID] = b
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.positions[posKey{userID, marketID, outcome}]; ok {
		cp := *p
		return &cp, nil
	}
	return &model.Position{
		UserID:   userID,
		MarketID: marketID,
		Outcome:  outcome,
		Shares:   decimal.Zero,
	}, nil
}

func (s *MemoryStore) GetMarketPositions(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.market == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.user == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Apply commits the mutation under one lock: with a single writer holding
// the mutex the whole batch is atomic. The market version check still runs
// so the engine's optimistic-concurrency path is exercised in tests.
func (s *MemoryStore) Apply(_ context.Context, _ string, mut Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mut.Market != nil {
		current, ok := s.markets[mut.Market.ID]
		if !ok {
			return ErrNotFound
		}
		if current.Version != mut.Market.Version {
			return ErrConflict
		}
		cp := *mut.Market
		cp.Version++
		s.markets[cp.ID] = &cp
	}

	for _, p := range mut.Positions {
		k := posKey{p.UserID, p.MarketID, p.Outcome}
		if p.Shares.LessThanOrEqual(decimal.Zero) {
			delete(s.positions, k)
			continue
		}
		cp := p
		s.positions[k] = &cp
	}

	for _, b := range mut.Balances {
		cp := b
		s.balances[b.UserID] = &cp
	}

	if mut.Trade != nil {
		s.trades = append(s.trades, *mut.Trade)
	}
	if mut.Transfer != nil {
		s.transfers = append(s.transfers, *mut.Transfer)
	}
	s.resolutions = append(s.resolutions, mut.Resolutions...)

	return nil
}

func (s *MemoryStore) GetTradesByMarket(_ context.Context, marketID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for _, tr := range s.trades {
		if tr.MarketID == marketID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for _, tr := range s.trades {
		if tr.UserID == userID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTransfersByUser(_ context.Context, userID string) ([]model.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TransferRecord
	for _, tr := range s.transfers {
		if tr.FromUser == userID || tr.ToUser == userID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetResolutionsByMarket(_ context.Context, marketID string) ([]model.ResolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ResolutionRecord
	for _, r := range s.resolutions {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	return out, nil
}
