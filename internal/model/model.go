// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome identifies one side of a binary market, or the special half
// resolution that pays both sides at $0.50.
type Outcome string

const (
	OutcomeYes  Outcome = "YES"
	OutcomeNo   Outcome = "NO"
	OutcomeHalf Outcome = "HALF" // resolution-only, never a trade side
)

// Side reports whether o is a valid trade side (YES or NO).
func (o Outcome) Side() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other trade side. Only meaningful for YES/NO.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Market represents one binary prediction market priced by the LMSR pool.
// Question, details, b, subject and creator are immutable after creation.
// QYes/QNo are cumulative shares issued by the pool — signed quantities
// relative to the pool, kept nonnegative in practice by the rule that no
// user position may go short.
type Market struct {
	ID          string          `json:"id" db:"id"`
	Question    string          `json:"question" db:"question"`
	Details     string          `json:"details,omitempty" db:"details"`
	Subject     string          `json:"subject,omitempty" db:"subject"`
	CreatorID   string          `json:"creator_id,omitempty" db:"creator_id"`
	B           decimal.Decimal `json:"b" db:"b"` // LMSR liquidity parameter
	QYes        decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo         decimal.Decimal `json:"q_no" db:"q_no"`
	ImpliedOdds decimal.Decimal `json:"implied_odds" db:"implied_odds"` // cached YES price
	Volume      decimal.Decimal `json:"volume_traded" db:"volume_traded"`
	Resolved    bool            `json:"resolved" db:"resolved"`
	Resolution  Outcome         `json:"resolution,omitempty" db:"resolution"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	LastTrade   *time.Time      `json:"last_trade,omitempty" db:"last_trade"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`

	// Version supports optimistic concurrency in the store layer.
	// Incremented by the store on every committed mutation of this row.
	// Serialized so cache round-trips preserve it.
	Version int64 `json:"version" db:"version"`
}

// Shares returns the issued share total for one side.
func (m *Market) Shares(side Outcome) decimal.Decimal {
	if side == OutcomeYes {
		return m.QYes
	}
	return m.QNo
}

// Balance is a user's (or the pool account's) cash row.
// Cash must never go negative for ordinary users.
type Balance struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Cash           decimal.Decimal `json:"cash" db:"cash"`
	VolumeTraded   decimal.Decimal `json:"volume_traded" db:"volume_traded"`
	VolumeResolved decimal.Decimal `json:"volume_resolved" db:"volume_resolved"`
}

// Position is one user's holding on one side of one market.
// Shares must stay >= 0 — users cannot go short against the pool.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   Outcome         `json:"outcome" db:"outcome"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis" db:"cost_basis"` // cash paid, for reporting
	LastTrade time.Time       `json:"last_trade" db:"last_trade"`
}

// TradeRecord is an immutable log row for one buy or sell.
// Shares and Amount are signed: positive for buys, negative for sells.
// Once written these rows are never updated or deleted.
type TradeRecord struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   Outcome         `json:"outcome" db:"outcome"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`     // average fill = amount/shares
	Balance   decimal.Decimal `json:"balance" db:"balance"` // user cash after trade
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// TransferKind labels rows in the transfer log.
type TransferKind string

const (
	TransferDeposit    TransferKind = "deposit"
	TransferWithdrawal TransferKind = "withdrawal"
	TransferUserToUser TransferKind = "transfer"
)

// TransferRecord is an immutable log row for a deposit, withdrawal or
// user-to-user transfer. FromUser is empty for deposits, ToUser is empty
// for withdrawals.
type TransferRecord struct {
	ID        string          `json:"id" db:"id"`
	Kind      TransferKind    `json:"kind" db:"kind"`
	FromUser  string          `json:"from_user,omitempty" db:"from_user"`
	ToUser    string          `json:"to_user,omitempty" db:"to_user"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Balance   decimal.Decimal `json:"balance" db:"balance"` // affected user's cash after
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// ResolutionRecord is an immutable log row for one user's redemption in a
// resolved market. Redeemed is 0 for losing-side positions.
type ResolutionRecord struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   Outcome         `json:"outcome" db:"outcome"` // side the shares were held on
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Redeemed  decimal.Decimal `json:"redeemed" db:"redeemed"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
