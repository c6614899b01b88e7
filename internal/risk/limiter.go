// Package risk implements optional exposure limits on a user's cash at
// risk. Markets carry a free-form subject tag; positions in markets that
// share a subject tend to resolve together, so the limiter can cap both
// the stake in one market and the aggregate stake across a subject.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketExposureExceeded is returned when a buy would push a user's
	// cost basis in a single market beyond the per-market maximum.
	ErrMarketExposureExceeded = errors.New("risk: per-market exposure limit exceeded")

	// ErrSubjectExposureExceeded is returned when a buy would push a
	// user's aggregate cost basis across same-subject markets beyond the
	// subject maximum.
	ErrSubjectExposureExceeded = errors.New("risk: subject exposure limit exceeded")
)

// Limiter enforces exposure limits. A zero limit disables that check, so
// the zero-value Limiter accepts everything.
type Limiter struct {
	// MaxPerMarket caps a user's cost basis in any single market.
	MaxPerMarket decimal.Decimal

	// MaxPerSubject caps a user's aggregate cost basis across all markets
	// sharing one subject tag. Markets with an empty subject are exempt.
	MaxPerSubject decimal.Decimal
}

// NewLimiter creates a limiter with the given per-market and per-subject
// caps. Pass zero to disable a cap.
func NewLimiter(maxPerMarket, maxPerSubject decimal.Decimal) *Limiter {
	return &Limiter{MaxPerMarket: maxPerMarket, MaxPerSubject: maxPerSubject}
}

// Check validates whether spending stake more cash is within limits.
//
//   - subject: the traded market's subject tag ("" = untagged)
//   - stake: the cash about to be spent
//   - marketExposure: the user's current cost basis in the traded market
//   - subjectExposure: the user's current cost basis summed across all
//     markets sharing the subject, including the traded one
func (l *Limiter) Check(subject string, stake, marketExposure, subjectExposure decimal.Decimal) error {
	if l.MaxPerMarket.IsPositive() &&
		marketExposure.Add(stake).GreaterThan(l.MaxPerMarket) {
		return ErrMarketExposureExceeded
	}

	if l.MaxPerSubject.IsPositive() && subject != "" &&
		subjectExposure.Add(stake).GreaterThan(l.MaxPerSubject) {
		return ErrSubjectExposureExceeded
	}

	return nil
}
