package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/oddsmith/market-engine/internal/engine"
	"github.com/oddsmith/market-engine/internal/model"
	"github.com/oddsmith/market-engine/internal/risk"
	"github.com/oddsmith/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEngine wires an Engine over an in-memory store with the standard
// 5% redemption fee. Users start with 1000 in cash.
func newTestEngine(t *testing.T) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore(d(1000))
	e := engine.New(ms, nil, engine.Config{
		RedeemFee: d(0.05),
	})
	return e, ms
}

func seedMarket(t *testing.T, e *engine.Engine, id string, b float64) *model.Market {
	t.Helper()
	m, err := e.CreateMarket(context.Background(), engine.CreateMarketParams{
		ID:        id,
		Question:  "Will it happen?",
		Subject:   "events",
		CreatorID: "admin",
		B:         d(b),
		IsAdmin:   true,
	})
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return m
}

// --- Market lifecycle ---

func TestCreateMarket_EvenOdds(t *testing.T) {
	e, _ := newTestEngine(t)
	m := seedMarket(t, e, "EVENT2026", 25)

	if !m.ImpliedOdds.Equal(d(0.5)) {
		t.Errorf("new market should open at even odds, got %s", m.ImpliedOdds)
	}
	if !m.QYes.IsZero() || !m.QNo.IsZero() {
		t.Errorf("new market should have zero shares, got yes=%s no=%s", m.QYes, m.QNo)
	}
}

func TestCreateMarket_InvalidID(t *testing.T) {
	e, _ := newTestEngine(t)

	for _, id := range []string{"", "has spaces", "-leading", "wa/y", "toolongtoolongtoolongtoolongtoolong"} {
		_, err := e.CreateMarket(context.Background(), engine.CreateMarketParams{
			ID: id, Question: "q", IsAdmin: true,
		})
		if !errors.Is(err, engine.ErrInvalidMarketID) {
			t.Errorf("id %q: expected ErrInvalidMarketID, got %v", id, err)
		}
	}
}

func TestCreateMarket_Duplicate(t *testing.T) {
	e, _ := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)

	_, err := e.CreateMarket(context.Background(), engine.CreateMarketParams{
		ID: "EVENT2026", Question: "again", IsAdmin: true,
	})
	if !errors.Is(err, engine.ErrMarketExists) {
		t.Errorf("expected ErrMarketExists, got %v", err)
	}
}

func TestCreateMarket_RequiresAdmin(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.CreateMarket(context.Background(), engine.CreateMarketParams{
		ID: "EVENT2026", Question: "q",
	})
	if !errors.Is(err, engine.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestDeleteMarket_RemovesPositionsKeepsLogs(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	if _, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(10)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if err := e.DeleteMarket(ctx, "EVENT2026", true); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := ms.GetMarket(ctx, "EVENT2026"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("market should be gone, got %v", err)
	}
	positions, _ := ms.GetUserPositions(ctx, "alice")
	if len(positions) != 0 {
		t.Errorf("positions should cascade, got %d", len(positions))
	}
	trades, _ := ms.GetTradesByUser(ctx, "alice")
	if len(trades) != 1 {
		t.Errorf("trade log should survive deletion, got %d rows", len(trades))
	}
	if _, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(5)); !errors.Is(err, engine.ErrMarketNotFound) {
		t.Errorf("trading a deleted market: got %v", err)
	}
}

// --- Buying ---

func TestBuy_MovesPriceAndDebitsCash(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	res, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(100))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// At b=25 and even odds, $100 buys more shares than spend/price
	// would suggest but fewer than 2x.
	if res.Shares.LessThanOrEqual(d(100)) || res.Shares.GreaterThanOrEqual(d(200)) {
		t.Errorf("expected shares in (100, 200), got %s", res.Shares)
	}
	if res.NewOdds.LessThanOrEqual(d(0.5)) {
		t.Errorf("YES buy should raise the YES price, got %s", res.NewOdds)
	}
	if !res.NewBalance.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", res.NewBalance)
	}

	pool, _ := ms.GetBalance(ctx, e.PoolAccount())
	if !pool.Cash.Equal(d(1100)) { // default 1000 + the 100 stake
		t.Errorf("pool should hold the stake, got %s", pool.Cash)
	}
}

func TestBuy_RecordsTradeAndPosition(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	res, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeNo, d(40))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	pos, _ := ms.GetPosition(ctx, "alice", "EVENT2026", model.OutcomeNo)
	if !pos.Shares.Equal(res.Shares) {
		t.Errorf("position shares %s != trade shares %s", pos.Shares, res.Shares)
	}
	if !pos.CostBasis.Equal(d(40)) {
		t.Errorf("cost basis should equal the spend, got %s", pos.CostBasis)
	}

	trades, _ := ms.GetTradesByMarket(ctx, "EVENT2026")
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade row, got %d", len(trades))
	}
	tr := trades[0]
	if !tr.Shares.Equal(res.Shares) || !tr.Amount.Equal(d(40)) {
		t.Errorf("trade row mismatch: shares=%s amount=%s", tr.Shares, tr.Amount)
	}
	if tr.Price.Mul(tr.Shares).Sub(tr.Amount).Abs().GreaterThan(d(0.001)) {
		t.Errorf("price*shares should ≈ amount, got %s * %s vs %s", tr.Price, tr.Shares, tr.Amount)
	}
}

func TestBuy_SharesMatchLiveMarketTotals(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	r1, _ := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(30))
	r2, _ := e.Buy(ctx, "EVENT2026", "bob", model.OutcomeYes, d(20))
	r3, _ := e.Buy(ctx, "EVENT2026", "bob", model.OutcomeNo, d(15))

	m, _ := ms.GetMarket(ctx, "EVENT2026")
	wantYes := r1.Shares.Add(r2.Shares)
	if !m.QYes.Equal(wantYes) {
		t.Errorf("q_yes=%s, sum of holdings=%s", m.QYes, wantYes)
	}
	if !m.QNo.Equal(r3.Shares) {
		t.Errorf("q_no=%s, holding=%s", m.QNo, r3.Shares)
	}
	if !m.Volume.Equal(d(65)) {
		t.Errorf("volume should accumulate spends, got %s", m.Volume)
	}
}

func TestBuy_InsufficientCash(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	_, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(1001))
	if !errors.Is(err, engine.ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}

	// Rejection must leave no trace.
	bal, _ := ms.GetBalance(ctx, "alice")
	if !bal.Cash.Equal(d(1000)) {
		t.Errorf("balance should be untouched, got %s", bal.Cash)
	}
	trades, _ := ms.GetTradesByUser(ctx, "alice")
	if len(trades) != 0 {
		t.Errorf("no trade row should exist, got %d", len(trades))
	}
}

func TestBuy_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	if _, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeHalf, d(10)); !errors.Is(err, engine.ErrInvalidOutcome) {
		t.Errorf("HALF is not tradable: got %v", err)
	}
	if _, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, decimal.Zero); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(-5)); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Errorf("negative amount: got %v", err)
	}
	if _, err := e.Buy(ctx, "MISSING", "alice", model.OutcomeYes, d(10)); !errors.Is(err, engine.ErrMarketNotFound) {
		t.Errorf("missing market: got %v", err)
	}
}

func TestBuy_ResolvedMarketRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	if _, err := e.Resolve(ctx, "EVENT2026", model.OutcomeYes, true); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(10)); !errors.Is(err, engine.ErrMarketResolved) {
		t.Errorf("expected ErrMarketResolved, got %v", err)
	}
	if _, err := e.Sell(ctx, "EVENT2026", "alice", model.OutcomeYes, d(50)); !errors.Is(err, engine.ErrMarketResolved) {
		t.Errorf("sell on resolved market: got %v", err)
	}
}

func TestBuy_ExposureLimit(t *testing.T) {
	ms := store.NewMemoryStore(d(10000))
	e := engine.New(ms, risk.NewLimiter(d(100), decimal.Zero), engine.Config{})
	seedMarket(t, e, "EVENT2026", 100)
	ctx := context.Background()

	if _, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(100)); err != nil {
		t.Fatalf("buy at the limit should pass: %v", err)
	}
	_, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(1))
	if !errors.Is(err, risk.ErrMarketExposureExceeded) {
		t.Errorf("expected ErrMarketExposureExceeded, got %v", err)
	}
}

func TestBuy_SubjectExposureLimit(t *testing.T) {
	ms := store.NewMemoryStore(d(10000))
	e := engine.New(ms, risk.NewLimiter(decimal.Zero, d(150)), engine.Config{})
	seedMarket(t, e, "GAME1", 100)
	seedMarket(t, e, "GAME2", 100)
	ctx := context.Background()

	if _, err := e.Buy(ctx, "GAME1", "alice", model.OutcomeYes, d(100)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := e.Buy(ctx, "GAME2", "alice", model.OutcomeYes, d(50)); err != nil {
		t.Fatalf("buy at subject limit should pass: %v", err)
	}
	_, err := e.Buy(ctx, "GAME2", "alice", model.OutcomeNo, d(1))
	if !errors.Is(err, risk.ErrSubjectExposureExceeded) {
		t.Errorf("expected ErrSubjectExposureExceeded, got %v", err)
	}
}

// --- Selling ---

func TestSell_ReturnsCash(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	buy, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(100))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	sell, err := e.Sell(ctx, "EVENT2026", "alice", model.OutcomeYes, d(100))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if !sell.Shares.Equal(buy.Shares) {
		t.Errorf("full exit should retire all shares: %s vs %s", sell.Shares, buy.Shares)
	}
	// Selling everything back unwinds the curve: proceeds ≈ original spend.
	if sell.Amount.Sub(d(100)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("round trip should return ≈ the spend, got %s", sell.Amount)
	}

	pos, _ := ms.GetPosition(ctx, "alice", "EVENT2026", model.OutcomeYes)
	if !pos.Shares.IsZero() {
		t.Errorf("position should be gone after full exit, got %s", pos.Shares)
	}
	m, _ := ms.GetMarket(ctx, "EVENT2026")
	if !m.QYes.IsZero() {
		t.Errorf("market totals should return to zero, got %s", m.QYes)
	}
}

func TestSell_PartialScalesCostBasis(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	buy, _ := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(100))
	sell, err := e.Sell(ctx, "EVENT2026", "alice", model.OutcomeYes, d(40))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	wantRetired := buy.Shares.Mul(d(0.4)).Round(8)
	if !sell.Shares.Equal(wantRetired) {
		t.Errorf("expected 40%% of shares retired, got %s want %s", sell.Shares, wantRetired)
	}

	pos, _ := ms.GetPosition(ctx, "alice", "EVENT2026", model.OutcomeYes)
	if pos.CostBasis.Sub(d(60)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("cost basis should scale to 60, got %s", pos.CostBasis)
	}
}

func TestSell_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	if _, err := e.Sell(ctx, "EVENT2026", "alice", model.OutcomeYes, d(50)); !errors.Is(err, engine.ErrInsufficientShares) {
		t.Errorf("sell with no position: got %v", err)
	}

	e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(10))
	for _, pct := range []float64{0, -10, 100.01, 200} {
		if _, err := e.Sell(ctx, "EVENT2026", "alice", model.OutcomeYes, d(pct)); !errors.Is(err, engine.ErrInvalidPercent) {
			t.Errorf("percent %v: expected ErrInvalidPercent, got %v", pct, err)
		}
	}
	// Holding YES does not allow selling NO.
	if _, err := e.Sell(ctx, "EVENT2026", "alice", model.OutcomeNo, d(50)); !errors.Is(err, engine.ErrInsufficientShares) {
		t.Errorf("selling the other side: got %v", err)
	}
}

// --- Resolution and redemption ---

func TestResolveAndRedeem_FullCycle(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	buy, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(100))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	e.Buy(ctx, "EVENT2026", "bob", model.OutcomeNo, d(50))

	res, err := e.Resolve(ctx, "EVENT2026", model.OutcomeYes, true)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !res.WinningShares.Equal(buy.Shares) {
		t.Errorf("winning shares %s != alice's holding %s", res.WinningShares, buy.Shares)
	}
	if res.Holders != 2 {
		t.Errorf("expected 2 holders, got %d", res.Holders)
	}

	// Winner redeems at $1/share minus the 5% fee.
	red, err := e.Redeem(ctx, "EVENT2026", "alice")
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	wantPayout := buy.Shares.Mul(d(0.95))
	if red.Payout.Sub(wantPayout).Abs().GreaterThan(d(0.001)) {
		t.Errorf("payout %s, want %s", red.Payout, wantPayout)
	}
	bal, _ := ms.GetBalance(ctx, "alice")
	if !bal.Cash.Equal(d(900).Add(red.Payout)) {
		t.Errorf("balance should be 900 + payout, got %s", bal.Cash)
	}

	// Second redemption is a no-op.
	if _, err := e.Redeem(ctx, "EVENT2026", "alice"); !errors.Is(err, engine.ErrNothingToRedeem) {
		t.Errorf("second redeem: expected ErrNothingToRedeem, got %v", err)
	}

	// Loser's shares are forfeited: position retired, nothing paid.
	lose, err := e.Redeem(ctx, "EVENT2026", "bob")
	if err != nil {
		t.Fatalf("loser redeem failed: %v", err)
	}
	if !lose.Payout.IsZero() {
		t.Errorf("losing redemption should pay 0, got %s", lose.Payout)
	}
	positions, _ := ms.GetUserPositions(ctx, "bob")
	if len(positions) != 0 {
		t.Errorf("loser's position should be retired, got %d", len(positions))
	}
}

func TestResolve_HalfRefundsBothSides(t *testing.T) {
	e, _ := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	buyYes, _ := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(60))
	buyNo, _ := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeNo, d(40))

	if _, err := e.Resolve(ctx, "EVENT2026", model.OutcomeHalf, true); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	red, err := e.Redeem(ctx, "EVENT2026", "alice")
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}

	want := buyYes.Shares.Add(buyNo.Shares).Mul(d(0.5)).Mul(d(0.95))
	if red.Payout.Sub(want).Abs().GreaterThan(d(0.001)) {
		t.Errorf("HALF payout %s, want %s", red.Payout, want)
	}
}

func TestResolve_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	if _, err := e.Resolve(ctx, "EVENT2026", model.OutcomeYes, false); !errors.Is(err, engine.ErrNotAuthorized) {
		t.Errorf("non-admin resolve: got %v", err)
	}
	if _, err := e.Resolve(ctx, "EVENT2026", model.Outcome("MAYBE"), true); !errors.Is(err, engine.ErrInvalidOutcome) {
		t.Errorf("invalid outcome: got %v", err)
	}
	if _, err := e.Redeem(ctx, "EVENT2026", "alice"); !errors.Is(err, engine.ErrMarketOpen) {
		t.Errorf("redeem before resolution: got %v", err)
	}

	if _, err := e.Resolve(ctx, "EVENT2026", model.OutcomeNo, true); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := e.Resolve(ctx, "EVENT2026", model.OutcomeYes, true); !errors.Is(err, engine.ErrMarketResolved) {
		t.Errorf("double resolve: got %v", err)
	}
}

func TestRedeem_WritesResolutionLog(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(20))
	e.Resolve(ctx, "EVENT2026", model.OutcomeYes, true)
	e.Redeem(ctx, "EVENT2026", "alice")

	recs, err := ms.GetResolutionsByMarket(ctx, "EVENT2026")
	if err != nil {
		t.Fatalf("failed to read resolutions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 resolution row, got %d", len(recs))
	}
	if recs[0].UserID != "alice" || recs[0].Outcome != model.OutcomeYes {
		t.Errorf("unexpected resolution row: %+v", recs[0])
	}
	if !recs[0].Redeemed.IsPositive() {
		t.Errorf("redeemed value should be positive, got %s", recs[0].Redeemed)
	}
}

// --- Conservation and concurrency ---

func TestCashConservation(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	// Sum of all cash (pool included) before any activity.
	total := func() decimal.Decimal {
		sum := decimal.Zero
		for _, u := range []string{"alice", "bob", e.PoolAccount()} {
			b, _ := ms.GetBalance(ctx, u)
			sum = sum.Add(b.Cash)
		}
		return sum
	}
	before := total()

	e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(100))
	e.Buy(ctx, "EVENT2026", "bob", model.OutcomeNo, d(75))
	e.Sell(ctx, "EVENT2026", "alice", model.OutcomeYes, d(30))
	e.Transfer(ctx, "bob", "alice", d(10))

	if diff := total().Sub(before); !diff.IsZero() {
		t.Errorf("trading and transfers must conserve cash, drifted by %s", diff)
	}

	// Redemption moves cash from the pool, the fee stays in it.
	e.Resolve(ctx, "EVENT2026", model.OutcomeYes, true)
	e.Redeem(ctx, "EVENT2026", "alice")
	e.Redeem(ctx, "EVENT2026", "bob")
	if diff := total().Sub(before); !diff.IsZero() {
		t.Errorf("redemption must conserve total cash, drifted by %s", diff)
	}
}

func TestConcurrentBuys_NoLostUpdates(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	const n = 20
	users := []string{"alice", "bob", "carol", "dave"}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := model.OutcomeYes
			if i%2 == 1 {
				side = model.OutcomeNo
			}
			if _, err := e.Buy(ctx, "EVENT2026", users[i%len(users)], side, d(5)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent buy failed: %v", err)
	}

	m, _ := ms.GetMarket(ctx, "EVENT2026")
	if !m.Volume.Equal(d(100)) {
		t.Errorf("all 20 x $5 buys must land, volume=%s", m.Volume)
	}

	// Market totals must equal the sum of everyone's holdings.
	sumYes, sumNo := decimal.Zero, decimal.Zero
	positions, _ := ms.GetMarketPositions(ctx, "EVENT2026")
	for _, p := range positions {
		if p.Outcome == model.OutcomeYes {
			sumYes = sumYes.Add(p.Shares)
		} else {
			sumNo = sumNo.Add(p.Shares)
		}
	}
	if !m.QYes.Equal(sumYes) || !m.QNo.Equal(sumNo) {
		t.Errorf("totals drifted: market (%s, %s) vs holdings (%s, %s)",
			m.QYes, m.QNo, sumYes, sumNo)
	}
}

func TestStaleVersionWrite_Conflicts(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMarket(t, e, "EVENT2026", 25)
	ctx := context.Background()

	// Simulate a second writer bypassing the engine's locks.
	stale, _ := ms.GetMarket(ctx, "EVENT2026")
	if _, err := e.Buy(ctx, "EVENT2026", "alice", model.OutcomeYes, d(10)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	err := ms.Apply(ctx, "EVENT2026", store.Mutation{Market: stale})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale write should conflict, got %v", err)
	}
	if !engine.Retryable(engine.ErrStoreConflict) {
		t.Error("store conflicts must be retryable")
	}
}

// --- Ledger ---

func TestDepositWithdraw(t *testing.T) {
	e, ms := newTestEngine(t)
	ctx := context.Background()

	dep, err := e.Deposit(ctx, "alice", d(250))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if !dep.Balance.Equal(d(1250)) {
		t.Errorf("expected 1250 after deposit, got %s", dep.Balance)
	}

	wd, err := e.Withdraw(ctx, "alice", d(1250))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if !wd.Balance.IsZero() {
		t.Errorf("expected 0 after withdrawal, got %s", wd.Balance)
	}
	if _, err := e.Withdraw(ctx, "alice", d(1)); !errors.Is(err, engine.ErrInsufficientCash) {
		t.Errorf("overdraft: got %v", err)
	}

	transfers, _ := ms.GetTransfersByUser(ctx, "alice")
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfer rows, got %d", len(transfers))
	}
	if transfers[0].Kind != model.TransferDeposit || transfers[1].Kind != model.TransferWithdrawal {
		t.Errorf("unexpected kinds: %s, %s", transfers[0].Kind, transfers[1].Kind)
	}
}

func TestTransfer(t *testing.T) {
	e, ms := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Transfer(ctx, "alice", "bob", d(300))
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if !res.Balance.Equal(d(1300)) {
		t.Errorf("recipient should hold 1300, got %s", res.Balance)
	}

	from, _ := ms.GetBalance(ctx, "alice")
	if !from.Cash.Equal(d(700)) {
		t.Errorf("sender should hold 700, got %s", from.Cash)
	}

	if _, err := e.Transfer(ctx, "alice", "bob", d(701)); !errors.Is(err, engine.ErrInsufficientCash) {
		t.Errorf("over-balance transfer: got %v", err)
	}
	if _, err := e.Transfer(ctx, "alice", "alice", d(1)); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Errorf("self transfer: got %v", err)
	}
}
