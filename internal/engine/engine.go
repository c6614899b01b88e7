// Package engine orchestrates trades, resolutions and redemptions for
// LMSR-priced binary markets. Every operation validates its preconditions
// before writing and commits through a single atomic store mutation, so a
// rejected operation never leaves partial state behind.
package engine

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsmith/market-engine/internal/lmsr"
	"github.com/oddsmith/market-engine/internal/model"
	"github.com/oddsmith/market-engine/internal/risk"
	"github.com/oddsmith/market-engine/internal/store"
)

// marketIDRegex constrains the caller-chosen public market ids
// (e.g. EVENT2025). Keeps ids safe for URLs, cache keys and chat commands.
var marketIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,31}$`)

var oneHundred = decimal.NewFromInt(100)

// Config carries the engine's economic policy knobs.
type Config struct {
	// PoolAccount is the balance row absorbing buy cash and funding
	// sells/redemptions. Defaults to "AMM".
	PoolAccount string

	// DefaultB is the liquidity parameter used when market creation does
	// not specify one. Defaults to 100.
	DefaultB decimal.Decimal

	// RedeemFee is the fraction withheld from redemption payouts (0.05 =
	// 5%).
	RedeemFee decimal.Decimal

	// SellFee is the fraction withheld from ordinary sell proceeds.
	// Defaults to 0 — whether sells should carry a fee at all is policy,
	// so it is a knob rather than a constant.
	SellFee decimal.Decimal
}

// Engine executes market operations against a Store. Mutations to one
// market's totals and to the participating users' cash are serialized by
// keyed locks; trades on different markets run fully in parallel. The
// store's optimistic version check backstops the locks when the engine is
// not the only writer.
type Engine struct {
	store   store.Store
	limiter *risk.Limiter
	cfg     Config
	locks   *keyedMutex
}

// New creates an Engine. Pass nil for limiter to disable exposure limits.
func New(st store.Store, limiter *risk.Limiter, cfg Config) *Engine {
	if cfg.PoolAccount == "" {
		cfg.PoolAccount = "AMM"
	}
	if cfg.DefaultB.LessThanOrEqual(decimal.Zero) {
		cfg.DefaultB = decimal.NewFromInt(100)
	}
	return &Engine{
		store:   st,
		limiter: limiter,
		cfg:     cfg,
		locks:   newKeyedMutex(),
	}
}

// PoolAccount returns the id of the market maker's balance row.
func (e *Engine) PoolAccount() string { return e.cfg.PoolAccount }

// --- Results ---

// TradeResult reports the effect of one executed buy or sell.
type TradeResult struct {
	TradeID    string          `json:"trade_id"`
	MarketID   string          `json:"market_id"`
	UserID     string          `json:"user_id"`
	Outcome    model.Outcome   `json:"outcome"`
	Shares     decimal.Decimal `json:"shares"`     // shares acquired (buy) or retired (sell)
	Amount     decimal.Decimal `json:"amount"`     // cash spent (buy) or received (sell)
	FillPrice  decimal.Decimal `json:"fill_price"` // average price per share
	NewOdds    decimal.Decimal `json:"new_odds"`   // YES price after the trade
	NewBalance decimal.Decimal `json:"new_balance"`
}

// ResolveResult reports the terminal state transition of a market.
type ResolveResult struct {
	MarketID      string          `json:"market_id"`
	Question      string          `json:"question"`
	Outcome       model.Outcome   `json:"outcome"`
	FinalOdds     decimal.Decimal `json:"final_odds"`
	WinningShares decimal.Decimal `json:"winning_shares"` // outstanding, redeemable
	LosingShares  decimal.Decimal `json:"losing_shares"`  // forfeited
	Holders       int             `json:"holders"`
}

// RedeemResult reports one user's redemption in a resolved market.
type RedeemResult struct {
	MarketID string          `json:"market_id"`
	UserID   string          `json:"user_id"`
	Shares   decimal.Decimal `json:"shares_redeemed"` // shares that paid out
	Payout   decimal.Decimal `json:"payout"`          // net of the redemption fee
	Fee      decimal.Decimal `json:"fee"`
	Balance  decimal.Decimal `json:"new_balance"`
}

// TransferResult reports a committed deposit, withdrawal or transfer.
type TransferResult struct {
	TransferID string             `json:"transfer_id"`
	Kind       model.TransferKind `json:"kind"`
	Amount     decimal.Decimal    `json:"amount"`
	Balance    decimal.Decimal    `json:"new_balance"` // affected (receiving) side
}

// --- Market lifecycle ---

// CreateMarketParams carries the admin request to open a new market.
type CreateMarketParams struct {
	ID        string
	Question  string
	Details   string
	Subject   string
	CreatorID string
	B         decimal.Decimal // zero → Config.DefaultB
	IsAdmin   bool            // pre-validated by the caller's auth layer
}

// CreateMarket opens a new market with zero shares on both sides and even
// odds.
func (e *Engine) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.Market, error) {
	if !p.IsAdmin {
		return nil, ErrNotAuthorized
	}
	if !marketIDRegex.MatchString(p.ID) {
		return nil, ErrInvalidMarketID
	}

	b := p.B
	if b.LessThanOrEqual(decimal.Zero) {
		b = e.cfg.DefaultB
	}
	mm, err := lmsr.NewMarketMaker(b)
	if err != nil {
		return nil, ErrInvalidAmount
	}

	market := &model.Market{
		ID:          p.ID,
		Question:    p.Question,
		Details:     p.Details,
		Subject:     p.Subject,
		CreatorID:   p.CreatorID,
		B:           b,
		QYes:        decimal.Zero,
		QNo:         decimal.Zero,
		ImpliedOdds: mm.Price(decimal.Zero, decimal.Zero),
		Volume:      decimal.Zero,
		CreatedAt:   time.Now().UTC(),
	}

	if err := e.store.CreateMarket(ctx, market); err != nil {
		return nil, fromStore(err)
	}

	slog.Info("market created",
		"market", market.ID,
		"question", market.Question,
		"b", b.String(),
		"creator", p.CreatorID,
	)
	return market, nil
}

// DeleteMarket removes a market and its dependent position rows. Audit
// logs are retained.
func (e *Engine) DeleteMarket(ctx context.Context, marketID string, isAdmin bool) error {
	if !isAdmin {
		return ErrNotAuthorized
	}

	unlock := e.locks.LockAll(marketKey(marketID))
	defer unlock()

	if err := e.store.DeleteMarket(ctx, marketID); err != nil {
		return fromStore(err)
	}
	slog.Info("market deleted", "market", marketID)
	return nil
}

// --- Trading ---

// Buy spends amount of the user's cash on outcome shares, at the price the
// LMSR curve dictates. The share delta is solved in closed form so that
// the cost of the issued shares equals the amount exactly.
func (e *Engine) Buy(ctx context.Context, marketID, userID string, outcome model.Outcome, amount decimal.Decimal) (*TradeResult, error) {
	if !outcome.Side() {
		return nil, ErrInvalidOutcome
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	// The pool never trades against itself.
	if userID == e.cfg.PoolAccount {
		return nil, ErrNotAuthorized
	}

	unlock := e.locks.LockAll(marketKey(marketID), userKey(userID), userKey(e.cfg.PoolAccount))
	defer unlock()

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fromStore(err)
	}
	if market.Resolved {
		return nil, ErrMarketResolved
	}
	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		return nil, fromStore(err)
	}

	bal, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fromStore(err)
	}
	if bal.Cash.LessThan(amount) {
		return nil, ErrInsufficientCash
	}

	if err := e.checkExposure(ctx, userID, market, amount); err != nil {
		return nil, err
	}

	qSide := market.Shares(outcome)
	qOther := market.Shares(outcome.Opposite())
	shares, err := mm.SharesForSpend(qSide, qOther, amount)
	if err != nil || !shares.IsPositive() {
		return nil, ErrInvalidAmount
	}

	pos, err := e.store.GetPosition(ctx, userID, marketID, outcome)
	if err != nil {
		return nil, fromStore(err)
	}
	pool, err := e.store.GetBalance(ctx, e.cfg.PoolAccount)
	if err != nil {
		return nil, fromStore(err)
	}

	now := time.Now().UTC()

	if outcome == model.OutcomeYes {
		market.QYes = market.QYes.Add(shares)
	} else {
		market.QNo = market.QNo.Add(shares)
	}
	market.ImpliedOdds = mm.Price(market.QYes, market.QNo)
	market.Volume = market.Volume.Add(amount)
	market.LastTrade = &now

	pos.Shares = pos.Shares.Add(shares)
	pos.CostBasis = pos.CostBasis.Add(amount)
	pos.LastTrade = now

	bal.Cash = bal.Cash.Sub(amount)
	bal.VolumeTraded = bal.VolumeTraded.Add(amount)
	pool.Cash = pool.Cash.Add(amount)
	pool.VolumeTraded = pool.VolumeTraded.Add(amount)

	fillPrice := amount.Div(shares).Round(lmsr.ShareScale)
	trade := &model.TradeRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  marketID,
		Outcome:   outcome,
		Shares:    shares,
		Amount:    amount,
		Price:     fillPrice,
		Balance:   bal.Cash,
		Timestamp: now,
	}

	mut := store.Mutation{
		Market:    market,
		Positions: []model.Position{*pos},
		Balances:  []model.Balance{*bal, *pool},
		Trade:     trade,
	}
	if err := e.store.Apply(ctx, marketID, mut); err != nil {
		return nil, fromStore(err)
	}

	slog.Info("buy executed",
		"trade_id", trade.ID,
		"market", marketID,
		"user", userID,
		"outcome", outcome,
		"amount", amount.String(),
		"shares", shares.String(),
		"odds", market.ImpliedOdds.String(),
	)

	return &TradeResult{
		TradeID:    trade.ID,
		MarketID:   marketID,
		UserID:     userID,
		Outcome:    outcome,
		Shares:     shares,
		Amount:     amount,
		FillPrice:  fillPrice,
		NewOdds:    market.ImpliedOdds,
		NewBalance: bal.Cash,
	}, nil
}

// Sell retires percent (0,100] of the user's shares on one side, paying
// out what the LMSR curve refunds (minus the configured sell fee, which
// stays in the pool).
func (e *Engine) Sell(ctx context.Context, marketID, userID string, outcome model.Outcome, percent decimal.Decimal) (*TradeResult, error) {
	if !outcome.Side() {
		return nil, ErrInvalidOutcome
	}
	if !percent.IsPositive() || percent.GreaterThan(oneHundred) {
		return nil, ErrInvalidPercent
	}
	if userID == e.cfg.PoolAccount {
		return nil, ErrNotAuthorized
	}

	unlock := e.locks.LockAll(marketKey(marketID), userKey(userID), userKey(e.cfg.PoolAccount))
	defer unlock()

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fromStore(err)
	}
	if market.Resolved {
		return nil, ErrMarketResolved
	}
	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		return nil, fromStore(err)
	}

	pos, err := e.store.GetPosition(ctx, userID, marketID, outcome)
	if err != nil {
		return nil, fromStore(err)
	}
	if !pos.Shares.IsPositive() {
		return nil, ErrInsufficientShares
	}

	delta := pos.Shares.Mul(percent).Div(oneHundred).Round(lmsr.ShareScale)
	if percent.Equal(oneHundred) {
		delta = pos.Shares // no rounding dust on a full exit
	}
	if !delta.IsPositive() {
		return nil, ErrInsufficientShares
	}

	qSide := market.Shares(outcome)
	qOther := market.Shares(outcome.Opposite())
	gross := mm.SellProceeds(qSide, qOther, delta)
	fee := gross.Mul(e.cfg.SellFee).Round(lmsr.ShareScale)
	payout := gross.Sub(fee)

	bal, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fromStore(err)
	}
	pool, err := e.store.GetBalance(ctx, e.cfg.PoolAccount)
	if err != nil {
		return nil, fromStore(err)
	}

	now := time.Now().UTC()

	if outcome == model.OutcomeYes {
		market.QYes = market.QYes.Sub(delta)
	} else {
		market.QNo = market.QNo.Sub(delta)
	}
	market.ImpliedOdds = mm.Price(market.QYes, market.QNo)
	market.Volume = market.Volume.Add(gross)
	market.LastTrade = &now

	remaining := pos.Shares.Sub(delta)
	pos.Shares = remaining
	if remaining.IsPositive() {
		// Scale the cost basis down with the stake sold.
		keep := decimal.NewFromInt(1).Sub(percent.Div(oneHundred))
		pos.CostBasis = pos.CostBasis.Mul(keep).Round(lmsr.ShareScale)
	} else {
		pos.CostBasis = decimal.Zero
	}
	pos.LastTrade = now

	bal.Cash = bal.Cash.Add(payout)
	bal.VolumeTraded = bal.VolumeTraded.Add(gross)
	pool.Cash = pool.Cash.Sub(payout)
	pool.VolumeTraded = pool.VolumeTraded.Add(gross)

	fillPrice := gross.Div(delta).Round(lmsr.ShareScale)
	trade := &model.TradeRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  marketID,
		Outcome:   outcome,
		Shares:    delta.Neg(),
		Amount:    payout.Neg(),
		Price:     fillPrice,
		Balance:   bal.Cash,
		Timestamp: now,
	}

	mut := store.Mutation{
		Market:    market,
		Positions: []model.Position{*pos},
		Balances:  []model.Balance{*bal, *pool},
		Trade:     trade,
	}
	if err := e.store.Apply(ctx, marketID, mut); err != nil {
		return nil, fromStore(err)
	}

	slog.Info("sell executed",
		"trade_id", trade.ID,
		"market", marketID,
		"user", userID,
		"outcome", outcome,
		"shares", delta.String(),
		"payout", payout.String(),
		"odds", market.ImpliedOdds.String(),
	)

	return &TradeResult{
		TradeID:    trade.ID,
		MarketID:   marketID,
		UserID:     userID,
		Outcome:    outcome,
		Shares:     delta,
		Amount:     payout,
		FillPrice:  fillPrice,
		NewOdds:    market.ImpliedOdds,
		NewBalance: bal.Cash,
	}, nil
}

// checkExposure enforces the optional risk limits before a buy.
func (e *Engine) checkExposure(ctx context.Context, userID string, market *model.Market, stake decimal.Decimal) error {
	if e.limiter == nil ||
		(!e.limiter.MaxPerMarket.IsPositive() && !e.limiter.MaxPerSubject.IsPositive()) {
		return nil
	}

	positions, err := e.store.GetUserPositions(ctx, userID)
	if err != nil {
		return fromStore(err)
	}

	marketExposure := decimal.Zero
	for _, p := range positions {
		if p.MarketID == market.ID {
			marketExposure = marketExposure.Add(p.CostBasis)
		}
	}

	subjectExposure := marketExposure
	if market.Subject != "" && e.limiter.MaxPerSubject.IsPositive() {
		markets, err := e.store.ListMarkets(ctx)
		if err != nil {
			return fromStore(err)
		}
		subjectOf := make(map[string]string, len(markets))
		for _, m := range markets {
			subjectOf[m.ID] = m.Subject
		}
		for _, p := range positions {
			if p.MarketID != market.ID && subjectOf[p.MarketID] == market.Subject {
				subjectExposure = subjectExposure.Add(p.CostBasis)
			}
		}
	}

	return e.limiter.Check(market.Subject, stake, marketExposure, subjectExposure)
}
