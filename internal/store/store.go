// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/oddsmith/market-engine/internal/model"
)

// Sentinel errors shared by all implementations. The engine maps these to
// its own error taxonomy; store internals never leak past this boundary.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a market whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned by Apply when the market row was committed by
	// another writer since it was read (optimistic version mismatch).
	// Safe to retry: nothing was written.
	ErrConflict = errors.New("store: write conflict")

	// ErrUnavailable is returned for transient backend failures. The failed
	// transaction did not commit; safe to retry.
	ErrUnavailable = errors.New("store: unavailable")
)

// Mutation is the unit of atomic change: a set of row updates plus log
// appends that must commit together or not at all. Every field is optional;
// nil/empty fields are skipped.
type Mutation struct {
	// Market is the fully updated market row. Its Version field must hold
	// the version the caller read; Apply fails with ErrConflict if the
	// stored row has moved on.
	Market *model.Market

	// Positions are upserted; a position with Shares <= 0 deletes the row.
	Positions []model.Position

	// Balances are upserted by user id.
	Balances []model.Balance

	// Log appends. Append-only: implementations never update these tables.
	Trade       *model.TradeRecord
	Transfer    *model.TransferRecord
	Resolutions []model.ResolutionRecord
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market. ErrAlreadyExists on duplicate id.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID. ErrNotFound if absent.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// DeleteMarket removes a market and cascades to its position rows.
	// Log tables are retained (append-only audit trail).
	DeleteMarket(ctx context.Context, id string) error

	// --- Balances and positions ---

	// GetBalance retrieves a user's balance, creating a default row on
	// first access.
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)

	// GetPosition retrieves one user's holding on one side of one market.
	// Returns a zero-share position (not an error) if absent.
	GetPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error)

	// GetMarketPositions returns every open position in a market.
	GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// GetUserPositions returns every open position held by a user.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Atomic commit ---

	// Apply commits a mutation all-or-nothing, keyed by market id.
	// ErrConflict if the market version check fails; in that case nothing
	// was written and the operation is safe to retry.
	Apply(ctx context.Context, marketID string, mut Mutation) error

	// --- Append-only log queries ---

	// GetTradesByMarket returns all trade rows for a market, oldest first.
	GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error)

	// GetTradesByUser returns all trade rows for a user, oldest first.
	GetTradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error)

	// GetTransfersByUser returns transfer rows touching a user, oldest first.
	GetTransfersByUser(ctx context.Context, userID string) ([]model.TransferRecord, error)

	// GetResolutionsByMarket returns redemption rows for a market.
	GetResolutionsByMarket(ctx context.Context, marketID string) ([]model.ResolutionRecord, error)
}
