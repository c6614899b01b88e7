// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary YES/NO prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrInvalidSpend is returned when a buy amount is zero, negative,
	// or not a finite number.
	ErrInvalidSpend = errors.New("lmsr: spend amount must be positive and finite")

	// MinPrice is the lowest reported price (probability floor).
	// Prevents degenerate markets where shares appear worthless.
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest reported price (probability ceiling).
	// Prevents degenerate markets where the outcome appears "certain".
	MaxPrice = decimal.NewFromFloat(0.999)

	// ShareScale is the number of decimal places for share/cost rounding.
	ShareScale int32 = 8
)

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless — market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(2) for binary markets.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(exp(qYes/b) + exp(qNo/b))
//
// Uses logSumExp internally for numerical stability.
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	lse := logSumExp([]float64{qy / bf, qn / bf})
	cost := bf * lse

	return decimal.NewFromFloat(cost).Round(ShareScale)
}

// Price computes the instantaneous price (implied probability) for the YES
// outcome:
//
//	p_yes = exp(qYes / b) / (exp(qYes / b) + exp(qNo / b))
//
// This is the softmax function. Uses max-subtraction for numerical stability.
// Result is clamped to [MinPrice, MaxPrice] to prevent degenerate pricing.
func (m *MarketMaker) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	// Softmax with numerical stability: subtract max to avoid overflow.
	yOverB := qy / bf
	nOverB := qn / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)

	price := expYes / (expYes + expNo)
	result := decimal.NewFromFloat(price).Round(ShareScale)

	// Clamp to bounds.
	if result.LessThan(MinPrice) {
		return MinPrice
	}
	if result.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return result
}

// PriceNo returns the instantaneous price for the NO outcome: 1 - p_yes.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// TradeCost computes the cost of changing the first quantity by delta shares
// while the second stays fixed:
//
//	cost = C(qSide + delta, qOther) - C(qSide, qOther)
//
// Positive delta = buying (positive cost to trader).
// Negative delta = selling (negative cost = payout to trader).
// LMSR is symmetric, C(a, b) = C(b, a), so NO-side trades pass (qNo, qYes).
func (m *MarketMaker) TradeCost(qSide, qOther, delta decimal.Decimal) decimal.Decimal {
	costBefore := m.Cost(qSide, qOther)
	costAfter := m.Cost(qSide.Add(delta), qOther)
	return costAfter.Sub(costBefore)
}

// SharesForSpend solves the buy inversion in closed form: the number of
// shares delta >= 0 on the traded side such that
//
//	C(qSide + delta, qOther) - C(qSide, qOther) = spend
//
// Rearranging the cost function gives
//
//	delta = b * ln(exp((C0 + spend)/b) - exp(qOther/b)) - qSide
//
// computed stably as b*(T + log1p(-exp(x - T))) - qSide with
// T = (C0 + spend)/b and x = qOther/b. For spend > 0, x < T always holds,
// so no exp of a large positive argument is ever taken.
func (m *MarketMaker) SharesForSpend(qSide, qOther, spend decimal.Decimal) (decimal.Decimal, error) {
	spendF := spend.InexactFloat64()
	if spend.LessThanOrEqual(decimal.Zero) || math.IsInf(spendF, 0) || math.IsNaN(spendF) {
		return decimal.Zero, ErrInvalidSpend
	}

	bf := m.b.InexactFloat64()
	qs := qSide.InexactFloat64()
	qo := qOther.InexactFloat64()

	c0 := bf * logSumExp([]float64{qs / bf, qo / bf})
	t := (c0 + spendF) / bf
	x := qo / bf

	delta := bf*(t+math.Log1p(-math.Exp(x-t))) - qs
	if delta < 0 {
		// Float round-off on a tiny spend; a buy never retires shares.
		delta = 0
	}
	return decimal.NewFromFloat(delta).Round(ShareScale), nil
}

// SellProceeds computes the payout for retiring shares on the traded side:
//
//	payout = C(qSide, qOther) - C(qSide - shares, qOther)
//
// Always >= 0 for shares >= 0 by convexity of the cost function.
func (m *MarketMaker) SellProceeds(qSide, qOther, shares decimal.Decimal) decimal.Decimal {
	return m.TradeCost(qSide, qOther, shares.Neg()).Neg()
}

// FillPrice returns the average execution price per share for a trade.
//
//	fillPrice = cost / delta
//
// Positive for both buys (cost>0, delta>0) and sells (cost<0, delta<0).
func (m *MarketMaker) FillPrice(qSide, qOther, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return m.Price(qSide, qOther)
	}
	cost := m.TradeCost(qSide, qOther, delta)
	return cost.Div(delta).Round(ShareScale)
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(2)
// for binary markets, independent of trading volume.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	bf := m.b.InexactFloat64()
	loss := bf * math.Log(2)
	return decimal.NewFromFloat(loss).Round(ShareScale)
}
