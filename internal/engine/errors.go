package engine

import (
	"errors"
	"fmt"

	"github.com/oddsmith/market-engine/internal/store"
)

// Sentinel errors for economic rejections and store failures. Every error
// is detected before any write, so a rejected operation leaves no partial
// state. The handler layer maps these to HTTP status codes; the engine
// never leaks store-internal detail through an error kind.
var (
	ErrMarketNotFound     = errors.New("market_not_found")
	ErrMarketExists       = errors.New("market_already_exists")
	ErrMarketResolved     = errors.New("market_already_resolved")
	ErrMarketOpen         = errors.New("market_still_open")
	ErrInvalidMarketID    = errors.New("invalid_market_id")
	ErrInvalidOutcome     = errors.New("invalid_outcome")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidPercent     = errors.New("invalid_percent")
	ErrInsufficientCash   = errors.New("insufficient_cash")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrNothingToRedeem    = errors.New("nothing_to_redeem")
	ErrNotAuthorized      = errors.New("not_authorized")

	// Retryable store failures: the engine guarantees nothing was
	// committed, so the caller may safely retry. The engine itself never
	// auto-retries — that policy belongs to the caller.
	ErrStoreConflict    = errors.New("store_conflict")
	ErrStoreUnavailable = errors.New("store_unavailable")
)

// Retryable reports whether err is a transient failure the caller may
// retry without risk of a double-applied trade.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrStoreUnavailable)
}

// fromStore translates store sentinel errors into the engine taxonomy.
func fromStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrMarketNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrMarketExists
	case errors.Is(err, store.ErrConflict):
		return ErrStoreConflict
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
