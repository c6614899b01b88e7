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

// Deposit credits a user's cash balance.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*TransferResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.LockAll(userKey(userID))
	defer unlock()

	bal, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fromStore(err)
	}
	bal.Cash = bal.Cash.Add(amount)

	rec := &model.TransferRecord{
		ID:        uuid.New().String(),
		Kind:      model.TransferDeposit,
		ToUser:    userID,
		Amount:    amount,
		Balance:   bal.Cash,
		Timestamp: time.Now().UTC(),
	}
	mut := store.Mutation{Balances: []model.Balance{*bal}, Transfer: rec}
	if err := e.store.Apply(ctx, "", mut); err != nil {
		return nil, fromStore(err)
	}

	slog.Info("deposit", "user", userID, "amount", amount.String(), "balance", bal.Cash.String())
	return &TransferResult{TransferID: rec.ID, Kind: rec.Kind, Amount: amount, Balance: bal.Cash}, nil
}

// Withdraw debits a user's cash balance. Fails rather than overdraw.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*TransferResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.LockAll(userKey(userID))
	defer unlock()

	bal, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fromStore(err)
	}
	if bal.Cash.LessThan(amount) {
		return nil, ErrInsufficientCash
	}
	bal.Cash = bal.Cash.Sub(amount)

	rec := &model.TransferRecord{
		ID:        uuid.New().String(),
		Kind:      model.TransferWithdrawal,
		FromUser:  userID,
		Amount:    amount,
		Balance:   bal.Cash,
		Timestamp: time.Now().UTC(),
	}
	mut := store.Mutation{Balances: []model.Balance{*bal}, Transfer: rec}
	if err := e.store.Apply(ctx, "", mut); err != nil {
		return nil, fromStore(err)
	}

	slog.Info("withdrawal", "user", userID, "amount", amount.String(), "balance", bal.Cash.String())
	return &TransferResult{TransferID: rec.ID, Kind: rec.Kind, Amount: amount, Balance: bal.Cash}, nil
}

// Transfer moves cash between two users atomically.
func (e *Engine) Transfer(ctx context.Context, fromUser, toUser string, amount decimal.Decimal) (*TransferResult, error) {
	if !amount.IsPositive() || fromUser == toUser {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.LockAll(userKey(fromUser), userKey(toUser))
	defer unlock()

	from, err := e.store.GetBalance(ctx, fromUser)
	if err != nil {
		return nil, fromStore(err)
	}
	if from.Cash.LessThan(amount) {
		return nil, ErrInsufficientCash
	}
	to, err := e.store.GetBalance(ctx, toUser)
	if err != nil {
		return nil, fromStore(err)
	}

	from.Cash = from.Cash.Sub(amount)
	to.Cash = to.Cash.Add(amount)

	rec := &model.TransferRecord{
		ID:        uuid.New().String(),
		Kind:      model.TransferUserToUser,
		FromUser:  fromUser,
		ToUser:    toUser,
		Amount:    amount,
		Balance:   to.Cash,
		Timestamp: time.Now().UTC(),
	}
	mut := store.Mutation{Balances: []model.Balance{*from, *to}, Transfer: rec}
	if err := e.store.Apply(ctx, "", mut); err != nil {
		return nil, fromStore(err)
	}

	slog.Info("transfer",
		"from", fromUser,
		"to", toUser,
		"amount", amount.String(),
	)
	return &TransferResult{TransferID: rec.ID, Kind: rec.Kind, Amount: amount, Balance: to.Cash}, nil
}
