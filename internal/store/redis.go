package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oddsmith/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only hot read paths are cached: market rows, balances, and per-user
// position lists. Log queries always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write paths (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) DeleteMarket(ctx context.Context, id string) error {
	if err := s.primary.DeleteMarket(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// Apply forwards to the primary and drops every cache entry the mutation
// could have made stale. Invalidation after commit: a racing read may
// repopulate from the primary, never from pre-commit state.
func (s *CachedStore) Apply(ctx context.Context, marketID string, mut Mutation) error {
	if err := s.primary.Apply(ctx, marketID, mut); err != nil {
		return err
	}

	keys := make([]string, 0, 2+2*len(mut.Balances))
	if mut.Market != nil {
		keys = append(keys, marketKey(mut.Market.ID))
	}
	for _, b := range mut.Balances {
		keys = append(keys, balanceKey(b.UserID), positionsKey(b.UserID))
	}
	for _, p := range mut.Positions {
		keys = append(keys, positionsKey(p.UserID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through paths ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(userID)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(userID), data, s.ttl)
	}
	return b, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	// Single-position reads feed trade execution; always take the primary's
	// committed value rather than a possibly stale cache line.
	return s.primary.GetPosition(ctx, userID, marketID, outcome)
}

func (s *CachedStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.GetMarketPositions(ctx, marketID)
}

func (s *CachedStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByMarket(ctx, marketID)
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByUser(ctx, userID)
}

func (s *CachedStore) GetTransfersByUser(ctx context.Context, userID string) ([]model.TransferRecord, error) {
	return s.primary.GetTransfersByUser(ctx, userID)
}

func (s *CachedStore) GetResolutionsByMarket(ctx context.Context, marketID string) ([]model.ResolutionRecord, error) {
	return s.primary.GetResolutionsByMarket(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string       { return fmt.Sprintf("market:%s", id) }
func balanceKey(uid string) string     { return fmt.Sprintf("balance:%s", uid) }
func positionsKey(uid string) string   { return fmt.Sprintf("positions:%s", uid) }
