// Package trade provides the HTTP handlers for market management, trade
// execution, resolution, redemption and the cash ledger.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/oddsmith/market-engine/internal/engine"
	"github.com/oddsmith/market-engine/internal/metrics"
	"github.com/oddsmith/market-engine/internal/model"
	"github.com/oddsmith/market-engine/internal/risk"
	"github.com/oddsmith/market-engine/internal/store"
)

// Service exposes the engine over HTTP. Admin operations (create, resolve,
// delete) require the configured admin token; an empty token disables the
// check for local development.
type Service struct {
	engine     *engine.Engine
	store      store.Store
	adminToken string
	wsHub      *WSHub // optional, nil disables broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(eng *engine.Engine, st store.Store, adminToken string, hub *WSHub) *Service {
	return &Service{
		engine:     eng,
		store:      st,
		adminToken: adminToken,
		wsHub:      hub,
	}
}

func (s *Service) isAdmin(r *http.Request) bool {
	return s.adminToken == "" || r.Header.Get("X-Admin-Token") == s.adminToken
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	ID        string          `json:"id"`
	Question  string          `json:"question"`
	Details   string          `json:"details,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	CreatorID string          `json:"creator_id,omitempty"`
	B         decimal.Decimal `json:"b"` // liquidity parameter; 0 → configured default
}

// TradeRequest is the JSON body for POST /trade. Buys spend Amount of
// cash; sells retire Percent of the held shares.
type TradeRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	Direction string          `json:"direction"` // "buy" or "sell"
	Outcome   model.Outcome   `json:"outcome"`   // "YES" or "NO"
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Percent   decimal.Decimal `json:"percent,omitempty"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome"` // "YES", "NO" or "HALF"
}

// RedeemRequest is the JSON body for POST /markets/{marketID}/redeem.
type RedeemRequest struct {
	UserID string `json:"user_id"`
}

// LedgerRequest is the JSON body for deposits, withdrawals and transfers.
type LedgerRequest struct {
	UserID   string          `json:"user_id"`
	FromUser string          `json:"from_user,omitempty"`
	ToUser   string          `json:"to_user,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

// PortfolioPosition is one market's holding with mark-to-market value.
type PortfolioPosition struct {
	MarketID  string          `json:"market_id"`
	Question  string          `json:"question,omitempty"`
	Outcome   model.Outcome   `json:"outcome"`
	Shares    decimal.Decimal `json:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Value     decimal.Decimal `json:"value"` // shares * current price
	PnL       decimal.Decimal `json:"unrealized_pnl"`
	Resolved  bool            `json:"resolved"`
}

// Portfolio is the response for GET /portfolio/{userID}.
type Portfolio struct {
	UserID         string              `json:"user_id"`
	Cash           decimal.Decimal     `json:"cash"`
	Positions      []PortfolioPosition `json:"positions"`
	TotalValue     decimal.Decimal     `json:"total_value"` // cash + position value
	TotalCostBasis decimal.Decimal     `json:"total_cost_basis"`
	TotalPnL       decimal.Decimal     `json:"total_pnl"`
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}

	market, err := s.engine.CreateMarket(r.Context(), engine.CreateMarketParams{
		ID:        req.ID,
		Question:  req.Question,
		Details:   req.Details,
		Subject:   req.Subject,
		CreatorID: req.CreatorID,
		B:         req.B,
		IsAdmin:   s.isAdmin(r),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_created",
			MarketID: market.ID,
			Question: market.Question,
			OddsYes:  market.ImpliedOdds.String(),
		})
	}

	writeJSON(w, http.StatusCreated, market)
}

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?subject=<tag> or ?open=true.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	subject := r.URL.Query().Get("subject")
	openOnly := r.URL.Query().Get("open") == "true"
	filtered := []model.Market{}
	for _, m := range markets {
		if subject != "" && m.Subject != subject {
			continue
		}
		if openOnly && m.Resolved {
			continue
		}
		filtered = append(filtered, m)
	}

	writeJSON(w, http.StatusOK, filtered)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	one := decimal.NewFromInt(1)
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"yes": market.ImpliedOdds,
		"no":  one.Sub(market.ImpliedOdds),
	})
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns trade rows, oldest first, to reconstruct the price path.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// DeleteMarket handles DELETE /api/v1/markets/{marketID}
func (s *Service) DeleteMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteMarket(r.Context(), chi.URLParam(r, "marketID"), s.isAdmin(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Trade execution ---

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	var res *engine.TradeResult
	var err error
	switch req.Direction {
	case "buy":
		res, err = s.engine.Buy(r.Context(), req.MarketID, req.UserID, req.Outcome, req.Amount)
	case "sell":
		res, err = s.engine.Sell(r.Context(), req.MarketID, req.UserID, req.Outcome, req.Percent)
	default:
		writeError(w, "direction must be buy or sell", http.StatusBadRequest)
		return
	}
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		writeEngineError(w, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(req.Direction, string(req.Outcome)).Inc()
	metrics.TradeLatency.WithLabelValues(req.Direction).Observe(time.Since(start).Seconds())

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: res.MarketID,
			UserID:   res.UserID,
			Outcome:  string(res.Outcome),
			Shares:   res.Shares.String(),
			Amount:   res.Amount.String(),
			OddsYes:  res.NewOdds.String(),
		})
	}

	writeJSON(w, http.StatusOK, res)
}

// --- Resolution and redemption ---

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Resolve(r.Context(), chi.URLParam(r, "marketID"), req.Outcome, s.isAdmin(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.ResolutionsTotal.WithLabelValues(string(req.Outcome)).Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: res.MarketID,
			Question: res.Question,
			Outcome:  string(res.Outcome),
		})
	}

	writeJSON(w, http.StatusOK, res)
}

// RedeemPosition handles POST /api/v1/markets/{marketID}/redeem
func (s *Service) RedeemPosition(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Redeem(r.Context(), chi.URLParam(r, "marketID"), req.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.RedemptionsTotal.Inc()

	writeJSON(w, http.StatusOK, res)
}

// GetMarketResolutions handles GET /api/v1/markets/{marketID}/resolutions
func (s *Service) GetMarketResolutions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.GetResolutionsByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to get resolutions", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.ResolutionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- Ledger handlers ---

// Deposit handles POST /api/v1/ledger/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.ledgerOp(w, r, func(req LedgerRequest) (*engine.TransferResult, error) {
		return s.engine.Deposit(r.Context(), req.UserID, req.Amount)
	})
}

// Withdraw handles POST /api/v1/ledger/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.ledgerOp(w, r, func(req LedgerRequest) (*engine.TransferResult, error) {
		return s.engine.Withdraw(r.Context(), req.UserID, req.Amount)
	})
}

// Transfer handles POST /api/v1/ledger/transfer
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	s.ledgerOp(w, r, func(req LedgerRequest) (*engine.TransferResult, error) {
		return s.engine.Transfer(r.Context(), req.FromUser, req.ToUser, req.Amount)
	})
}

func (s *Service) ledgerOp(w http.ResponseWriter, r *http.Request, op func(LedgerRequest) (*engine.TransferResult, error)) {
	var req LedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := op(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.TransfersTotal.WithLabelValues(string(res.Kind)).Inc()
	writeJSON(w, http.StatusOK, res)
}

// GetBalance handles GET /api/v1/balances/{userID}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.store.GetBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetUserTransfers handles GET /api/v1/users/{userID}/transfers
func (s *Service) GetUserTransfers(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.GetTransfersByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load transfers", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.TransferRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetUserTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.GetTradesByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- Portfolio ---

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Marks open positions to the current market odds.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	positions, err := s.store.GetUserPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	one := decimal.NewFromInt(1)
	out := []PortfolioPosition{}
	totalValue := bal.Cash
	totalCost := decimal.Zero
	totalPnL := decimal.Zero

	for _, p := range positions {
		pp := PortfolioPosition{
			MarketID:  p.MarketID,
			Outcome:   p.Outcome,
			Shares:    p.Shares,
			CostBasis: p.CostBasis,
		}

		market, err := s.store.GetMarket(ctx, p.MarketID)
		if err == nil {
			pp.Question = market.Question
			pp.Resolved = market.Resolved
			price := market.ImpliedOdds
			if p.Outcome == model.OutcomeNo {
				price = one.Sub(market.ImpliedOdds)
			}
			pp.Value = p.Shares.Mul(price).Round(2)
			pp.PnL = pp.Value.Sub(p.CostBasis).Round(2)
		}

		totalValue = totalValue.Add(pp.Value)
		totalCost = totalCost.Add(p.CostBasis)
		totalPnL = totalPnL.Add(pp.PnL)
		out = append(out, pp)
	}

	writeJSON(w, http.StatusOK, Portfolio{
		UserID:         userID,
		Cash:           bal.Cash,
		Positions:      out,
		TotalValue:     totalValue,
		TotalCostBasis: totalCost,
		TotalPnL:       totalPnL,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrMarketNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrInvalidMarketID),
		errors.Is(err, engine.ErrInvalidOutcome),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidPercent):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrNotAuthorized):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrMarketExists),
		errors.Is(err, engine.ErrMarketResolved),
		errors.Is(err, engine.ErrMarketOpen),
		errors.Is(err, engine.ErrInsufficientCash),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrNothingToRedeem),
		errors.Is(err, engine.ErrStoreConflict),
		errors.Is(err, risk.ErrMarketExposureExceeded),
		errors.Is(err, risk.ErrSubjectExposureExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrStoreUnavailable):
		writeError(w, "storage unavailable, retry later", http.StatusServiceUnavailable)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrInsufficientCash):
		return "insufficient_cash"
	case errors.Is(err, engine.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, engine.ErrMarketResolved):
		return "market_resolved"
	case errors.Is(err, risk.ErrMarketExposureExceeded),
		errors.Is(err, risk.ErrSubjectExposureExceeded):
		return "risk_limit"
	case errors.Is(err, engine.ErrStoreConflict):
		return "conflict"
	default:
		return "invalid_request"
	}
}
