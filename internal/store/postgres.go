package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oddsmith/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool        *pgxpool.Pool
	defaultCash decimal.Decimal
}

// NewPostgresStore creates a new PostgreSQL-backed store. defaultCash is the
// balance a user starts with on first contact.
func NewPostgresStore(pool *pgxpool.Pool, defaultCash decimal.Decimal) *PostgresStore {
	return &PostgresStore{pool: pool, defaultCash: defaultCash}
}

// InitSchema creates the tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", wrapPgErr(err))
	}
	return nil
}

// wrapPgErr maps driver errors onto the store's sentinel errors so that
// postgres internals never leak past this package.
func wrapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return ErrAlreadyExists
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

const marketColumns = `id, question, details, subject, creator_id,
	b::TEXT, q_yes::TEXT, q_no::TEXT, implied_odds::TEXT, volume_traded::TEXT,
	resolved, resolution, resolved_at, last_trade, created_at, version`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var b, qYes, qNo, odds, volume string
	var resolution string

	err := row.Scan(&m.ID, &m.Question, &m.Details, &m.Subject, &m.CreatorID,
		&b, &qYes, &qNo, &odds, &volume,
		&m.Resolved, &resolution, &m.ResolvedAt, &m.LastTrade, &m.CreatedAt, &m.Version)
	if err != nil {
		return nil, err
	}

	m.B, _ = decimal.NewFromString(b)
	m.QYes, _ = decimal.NewFromString(qYes)
	m.QNo, _ = decimal.NewFromString(qNo)
	m.ImpliedOdds, _ = decimal.NewFromString(odds)
	m.Volume, _ = decimal.NewFromString(volume)
	m.Resolution = model.Outcome(resolution)
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, details, subject, creator_id,
		        b, q_yes, q_no, implied_odds, volume_traded,
		        resolved, resolution, created_at, version)
		 VALUES ($1, $2, $3, $4, $5,
		        $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		        $11, $12, $13, $14)`,
		m.ID, m.Question, m.Details, m.Subject, m.CreatorID,
		m.B.String(), m.QYes.String(), m.QNo.String(),
		m.ImpliedOdds.String(), m.Volume.String(),
		m.Resolved, string(m.Resolution), m.CreatedAt, m.Version,
	)
	return wrapPgErr(err)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, wrapPgErr(err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, wrapPgErr(err)
		}
		markets = append(markets, *m)
	}
	return markets, wrapPgErr(rows.Err())
}

func (s *PostgresStore) DeleteMarket(ctx context.Context, id string) error {
	// positions cascade via the foreign key; log tables are retained.
	tag, err := s.pool.Exec(ctx, `DELETE FROM markets WHERE id = $1`, id)
	if err != nil {
		return wrapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	// Lazy default row on first contact.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, cash) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, s.defaultCash.String())
	if err != nil {
		return nil, wrapPgErr(err)
	}

	var b model.Balance
	var cash, traded, resolved string
	err = s.pool.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, volume_traded::TEXT, volume_resolved::TEXT
		 FROM balances WHERE user_id = $1`, userID).
		Scan(&b.UserID, &cash, &traded, &resolved)
	if err != nil {
		return nil, wrapPgErr(err)
	}

	b.Cash, _ = decimal.NewFromString(cash)
	b.VolumeTraded, _ = decimal.NewFromString(traded)
	b.VolumeResolved, _ = decimal.NewFromString(resolved)
	return &b, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	var p model.Position
	var shares, costBasis string
	var outcomeS string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, market_id, outcome, shares::TEXT, cost_basis::TEXT, last_trade
		 FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome = $3`,
		userID, marketID, string(outcome)).
		Scan(&p.UserID, &p.MarketID, &outcomeS, &shares, &costBasis, &p.LastTrade)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Position{
			UserID:   userID,
			MarketID: marketID,
			Outcome:  outcome,
			Shares:   decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, wrapPgErr(err)
	}

	p.Outcome = model.Outcome(outcomeS)
	p.Shares, _ = decimal.NewFromString(shares)
	p.CostBasis, _ = decimal.NewFromString(costBasis)
	return &p, nil
}

func (s *PostgresStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT user_id, market_id, outcome, shares::TEXT, cost_basis::TEXT, last_trade
		 FROM positions WHERE market_id = $1`, marketID)
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT user_id, market_id, outcome, shares::TEXT, cost_basis::TEXT, last_trade
		 FROM positions WHERE user_id = $1`, userID)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, arg any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var shares, costBasis, outcomeS string
		if err := rows.Scan(&p.UserID, &p.MarketID, &outcomeS, &shares, &costBasis, &p.LastTrade); err != nil {
			return nil, wrapPgErr(err)
		}
		p.Outcome = model.Outcome(outcomeS)
		p.Shares, _ = decimal.NewFromString(shares)
		p.CostBasis, _ = decimal.NewFromString(costBasis)
		positions = append(positions, p)
	}
	return positions, wrapPgErr(rows.Err())
}

// Apply commits the whole mutation in one transaction. The market row
// carries an optimistic version check: if another writer committed first,
// nothing is written and ErrConflict is returned.
func (s *PostgresStore) Apply(ctx context.Context, _ string, mut Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	if mut.Market != nil {
		m := mut.Market
		tag, err := tx.Exec(ctx,
			`UPDATE markets
			 SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC,
			     implied_odds = $4::NUMERIC, volume_traded = $5::NUMERIC,
			     resolved = $6, resolution = $7, resolved_at = $8, last_trade = $9,
			     version = version + 1
			 WHERE id = $1 AND version = $10`,
			m.ID, m.QYes.String(), m.QNo.String(),
			m.ImpliedOdds.String(), m.Volume.String(),
			m.Resolved, string(m.Resolution), m.ResolvedAt, m.LastTrade,
			m.Version,
		)
		if err != nil {
			return wrapPgErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
	}

	for _, p := range mut.Positions {
		if p.Shares.LessThanOrEqual(decimal.Zero) {
			if _, err := tx.Exec(ctx,
				`DELETE FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome = $3`,
				p.UserID, p.MarketID, string(p.Outcome)); err != nil {
				return wrapPgErr(err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (user_id, market_id, outcome, shares, cost_basis, last_trade)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (user_id, market_id, outcome)
			 DO UPDATE SET shares = EXCLUDED.shares, cost_basis = EXCLUDED.cost_basis,
			               last_trade = EXCLUDED.last_trade`,
			p.UserID, p.MarketID, string(p.Outcome),
			p.Shares.String(), p.CostBasis.String(), p.LastTrade); err != nil {
			return wrapPgErr(err)
		}
	}

	for _, b := range mut.Balances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (user_id, cash, volume_traded, volume_resolved)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)
			 ON CONFLICT (user_id)
			 DO UPDATE SET cash = EXCLUDED.cash, volume_traded = EXCLUDED.volume_traded,
			               volume_resolved = EXCLUDED.volume_resolved`,
			b.UserID, b.Cash.String(), b.VolumeTraded.String(), b.VolumeResolved.String()); err != nil {
			return wrapPgErr(err)
		}
	}

	if mut.Trade != nil {
		e := mut.Trade
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, market_id, outcome, shares, amount, price, balance, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
			e.ID, e.UserID, e.MarketID, string(e.Outcome),
			e.Shares.String(), e.Amount.String(), e.Price.String(), e.Balance.String(),
			e.Timestamp); err != nil {
			return wrapPgErr(err)
		}
	}

	if mut.Transfer != nil {
		e := mut.Transfer
		if _, err := tx.Exec(ctx,
			`INSERT INTO transfers (id, kind, from_user, to_user, amount, balance, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			e.ID, string(e.Kind), e.FromUser, e.ToUser,
			e.Amount.String(), e.Balance.String(), e.Timestamp); err != nil {
			return wrapPgErr(err)
		}
	}

	for _, r := range mut.Resolutions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO resolutions (id, user_id, market_id, outcome, shares, redeemed, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			r.ID, r.UserID, r.MarketID, string(r.Outcome),
			r.Shares.String(), r.Redeemed.String(), r.Timestamp); err != nil {
			return wrapPgErr(err)
		}
	}

	return wrapPgErr(tx.Commit(ctx))
}

func (s *PostgresStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	return s.queryTrades(ctx,
		`SELECT id, user_id, market_id, outcome, shares::TEXT, amount::TEXT, price::TEXT, balance::TEXT, timestamp
		 FROM trades WHERE market_id = $1 ORDER BY timestamp`, marketID)
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	return s.queryTrades(ctx,
		`SELECT id, user_id, market_id, outcome, shares::TEXT, amount::TEXT, price::TEXT, balance::TEXT, timestamp
		 FROM trades WHERE user_id = $1 ORDER BY timestamp`, userID)
}

func (s *PostgresStore) queryTrades(ctx context.Context, sql string, arg any) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var e model.TradeRecord
		var outcomeS, shares, amount, price, balance string
		if err := rows.Scan(&e.ID, &e.UserID, &e.MarketID, &outcomeS,
			&shares, &amount, &price, &balance, &e.Timestamp); err != nil {
			return nil, wrapPgErr(err)
		}
		e.Outcome = model.Outcome(outcomeS)
		e.Shares, _ = decimal.NewFromString(shares)
		e.Amount, _ = decimal.NewFromString(amount)
		e.Price, _ = decimal.NewFromString(price)
		e.Balance, _ = decimal.NewFromString(balance)
		trades = append(trades, e)
	}
	return trades, wrapPgErr(rows.Err())
}

func (s *PostgresStore) GetTransfersByUser(ctx context.Context, userID string) ([]model.TransferRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, from_user, to_user, amount::TEXT, balance::TEXT, timestamp
		 FROM transfers WHERE from_user = $1 OR to_user = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var transfers []model.TransferRecord
	for rows.Next() {
		var e model.TransferRecord
		var kind, amount, balance string
		if err := rows.Scan(&e.ID, &kind, &e.FromUser, &e.ToUser,
			&amount, &balance, &e.Timestamp); err != nil {
			return nil, wrapPgErr(err)
		}
		e.Kind = model.TransferKind(kind)
		e.Amount, _ = decimal.NewFromString(amount)
		e.Balance, _ = decimal.NewFromString(balance)
		transfers = append(transfers, e)
	}
	return transfers, wrapPgErr(rows.Err())
}

func (s *PostgresStore) GetResolutionsByMarket(ctx context.Context, marketID string) ([]model.ResolutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, outcome, shares::TEXT, redeemed::TEXT, timestamp
		 FROM resolutions WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var resolutions []model.ResolutionRecord
	for rows.Next() {
		var r model.ResolutionRecord
		var outcomeS, shares, redeemed string
		if err := rows.Scan(&r.ID, &r.UserID, &r.MarketID, &outcomeS,
			&shares, &redeemed, &r.Timestamp); err != nil {
			return nil, wrapPgErr(err)
		}
		r.Outcome = model.Outcome(outcomeS)
		r.Shares, _ = decimal.NewFromString(shares)
		r.Redeemed, _ = decimal.NewFromString(redeemed)
		resolutions = append(resolutions, r)
	}
	return resolutions, wrapPgErr(rows.Err())
}
