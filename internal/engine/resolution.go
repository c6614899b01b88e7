package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsmith/market-engine/internal/model"
	"github.com/oddsmith/market-engine/internal/store"
)

// redemptionRate returns the per-share payout for a held side given the
// market's resolution. HALF refunds both sides at $0.50.
func redemptionRate(resolution, held model.Outcome) decimal.Decimal {
	switch resolution {
	case model.OutcomeHalf:
		return decimal.NewFromFloat(0.5)
	case held:
		return decimal.NewFromInt(1)
	default:
		return decimal.Zero
	}
}

// Resolve fixes a market's outcome. It only flips the market to its
// terminal state; holders cash out individually through Redeem, so a slow
// or absent holder never blocks settlement.
func (e *Engine) Resolve(ctx context.Context, marketID string, outcome model.Outcome, isAdmin bool) (*ResolveResult, error) {
	if !isAdmin {
		return nil, ErrNotAuthorized
	}
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo && outcome != model.OutcomeHalf {
		return nil, ErrInvalidOutcome
	}

	unlock := e.locks.LockAll(marketKey(marketID))
	defer unlock()

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fromStore(err)
	}
	if market.Resolved {
		return nil, ErrMarketResolved
	}

	now := time.Now().UTC()
	market.Resolved = true
	market.Resolution = outcome
	market.ResolvedAt = &now

	if err := e.store.Apply(ctx, marketID, store.Mutation{Market: market}); err != nil {
		return nil, fromStore(err)
	}

	positions, err := e.store.GetMarketPositions(ctx, marketID)
	if err != nil {
		return nil, fromStore(err)
	}
	winning, losing := decimal.Zero, decimal.Zero
	holders := make(map[string]struct{})
	for _, p := range positions {
		holders[p.UserID] = struct{}{}
		if redemptionRate(outcome, p.Outcome).IsPositive() {
			winning = winning.Add(p.Shares)
		} else {
			losing = losing.Add(p.Shares)
		}
	}

	slog.Info("market resolved",
		"market", marketID,
		"outcome", outcome,
		"winning_shares", winning.String(),
		"holders", len(holders),
	)

	return &ResolveResult{
		MarketID:      marketID,
		Question:      market.Question,
		Outcome:       outcome,
		FinalOdds:     market.ImpliedOdds,
		WinningShares: winning,
		LosingShares:  losing,
		Holders:       len(holders),
	}, nil
}

// Redeem settles one user's positions in a resolved market: winning (or
// half-refunded) shares pay out at the resolution rate minus the
// redemption fee, losing shares are forfeited, and all of the user's
// position rows in the market are retired. Calling it again is a no-op
// rejected with ErrNothingToRedeem.
func (e *Engine) Redeem(ctx context.Context, marketID, userID string) (*RedeemResult, error) {
	if userID == e.cfg.PoolAccount {
		return nil, ErrNotAuthorized
	}

	unlock := e.locks.LockAll(marketKey(marketID), userKey(userID), userKey(e.cfg.PoolAccount))
	defer unlock()

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fromStore(err)
	}
	if !market.Resolved {
		return nil, ErrMarketOpen
	}

	now := time.Now().UTC()
	gross := decimal.Zero
	paidShares := decimal.Zero
	var retired []model.Position
	var records []model.ResolutionRecord

	for _, side := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
		pos, err := e.store.GetPosition(ctx, userID, marketID, side)
		if err != nil {
			return nil, fromStore(err)
		}
		if !pos.Shares.IsPositive() {
			continue
		}

		rate := redemptionRate(market.Resolution, side)
		value := pos.Shares.Mul(rate)
		gross = gross.Add(value)
		if rate.IsPositive() {
			paidShares = paidShares.Add(pos.Shares)
		}

		records = append(records, model.ResolutionRecord{
			ID:        uuid.New().String(),
			MarketID:  marketID,
			UserID:    userID,
			Outcome:   side,
			Shares:    pos.Shares,
			Redeemed:  value.Mul(decimal.NewFromInt(1).Sub(e.cfg.RedeemFee)).Round(8),
			Timestamp: now,
		})

		pos.Shares = decimal.Zero
		pos.CostBasis = decimal.Zero
		retired = append(retired, *pos)
	}

	if len(retired) == 0 {
		return nil, ErrNothingToRedeem
	}

	fee := gross.Mul(e.cfg.RedeemFee).Round(8)
	payout := gross.Sub(fee)

	bal, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fromStore(err)
	}
	pool, err := e.store.GetBalance(ctx, e.cfg.PoolAccount)
	if err != nil {
		return nil, fromStore(err)
	}

	bal.Cash = bal.Cash.Add(payout)
	bal.VolumeResolved = bal.VolumeResolved.Add(payout)
	pool.Cash = pool.Cash.Sub(payout)

	mut := store.Mutation{
		Positions:   retired,
		Balances:    []model.Balance{*bal, *pool},
		Resolutions: records,
	}
	if err := e.store.Apply(ctx, marketID, mut); err != nil {
		return nil, fromStore(err)
	}

	slog.Info("position redeemed",
		"market", marketID,
		"user", userID,
		"shares", paidShares.String(),
		"payout", payout.String(),
		"fee", fee.String(),
	)

	return &RedeemResult{
		MarketID: marketID,
		UserID:   userID,
		Shares:   paidShares,
		Payout:   payout,
		Fee:      fee,
		Balance:  bal.Cash,
	}, nil
}
