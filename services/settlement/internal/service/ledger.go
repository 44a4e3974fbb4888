package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrSelfTransfer  = errors.New("transfer source and destination are the same")
)

// Deposit credits amount to the participant's wallet. A non-empty reference
// makes the call idempotent: replays fail with ErrDuplicateReference.
func (s *Service) Deposit(ctx context.Context, participantID uuid.UUID, asset string, amount decimal.Decimal, reference string) (entry storage.LedgerTransaction, err error) {
	defer s.observe("deposit", time.Now())
	if !amount.IsPositive() {
		return storage.LedgerTransaction{}, ErrInvalidAmount
	}
	asset = storage.NormalizeAsset(asset)
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		entry, err = applyLedger(ctx, tx, participantID, asset, storage.LedgerDeposit, amount, reference)
		return err
	})
	if err != nil {
		return storage.LedgerTransaction{}, err
	}
	s.logger.Info("deposit applied", "participant_id", participantID, "asset", asset, "amount", amount.String())
	return entry, nil
}

// Withdraw debits amount from the available balance.
func (s *Service) Withdraw(ctx context.Context, participantID uuid.UUID, asset string, amount decimal.Decimal, reference string) (entry storage.LedgerTransaction, err error) {
	defer s.observe("withdraw", time.Now())
	if !amount.IsPositive() {
		return storage.LedgerTransaction{}, ErrInvalidAmount
	}
	asset = storage.NormalizeAsset(asset)
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		entry, err = applyLedger(ctx, tx, participantID, asset, storage.LedgerWithdrawal, amount.Neg(), reference)
		return err
	})
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			s.countRejection(rej.Kind)
		}
		return storage.LedgerTransaction{}, err
	}
	s.logger.Info("withdrawal applied", "participant_id", participantID, "asset", asset, "amount", amount.String())
	return entry, nil
}

// Transfer moves available funds between two participants in one unit.
func (s *Service) Transfer(ctx context.Context, from, to uuid.UUID, asset string, amount decimal.Decimal, reference string) (err error) {
	defer s.observe("transfer", time.Now())
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	asset = storage.NormalizeAsset(asset)
	outRef, inRef := "", ""
	if reference != "" {
		outRef, inRef = reference+":out", reference+":in"
	}

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		// Lock both rows in a fixed order so concurrent transfers cannot
		// deadlock.
		first, second := from, to
		if second.String() < first.String() {
			first, second = second, first
		}
		for _, id := range []uuid.UUID{first, second} {
			if _, err := tx.GetWalletForUpdate(ctx, id, asset); err != nil {
				return fmt.Errorf("lock wallet: %w", err)
			}
		}
		if _, err := applyLedger(ctx, tx, from, asset, storage.LedgerTransferOut, amount.Neg(), outRef); err != nil {
			return err
		}
		_, err := applyLedger(ctx, tx, to, asset, storage.LedgerTransferIn, amount, inRef)
		return err
	})
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			s.countRejection(rej.Kind)
		}
		return err
	}
	s.logger.Info("transfer applied", "from", from, "to", to, "asset", asset, "amount", amount.String())
	return nil
}

// applyLedger changes one wallet by delta and records it. Debits come out of
// the available balance only.
func applyLedger(ctx context.Context, tx storage.Tx, participantID uuid.UUID, asset, kind string, delta decimal.Decimal, reference string) (storage.LedgerTransaction, error) {
	w, err := tx.GetWalletForUpdate(ctx, participantID, asset)
	if err != nil {
		return storage.LedgerTransaction{}, fmt.Errorf("lock wallet: %w", err)
	}
	before := w.Balance
	if delta.IsNegative() {
		if err := w.Debit(delta.Neg(), decimal.Zero); err != nil {
			if errors.Is(err, storage.ErrInsufficientBalance) {
				return storage.LedgerTransaction{}, rejectWithLimit(RejectInsufficientFunds, w.Available(), "%s %s exceeds available", delta.Neg(), asset)
			}
			return storage.LedgerTransaction{}, err
		}
	} else if err := w.Credit(delta); err != nil {
		return storage.LedgerTransaction{}, err
	}

	entry := storage.LedgerTransaction{
		ParticipantID: participantID,
		Asset:         asset,
		Kind:          kind,
		Amount:        delta,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		Reference:     reference,
	}
	inserted, err := tx.InsertLedgerTransaction(ctx, &entry)
	if err != nil {
		return storage.LedgerTransaction{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	if !inserted {
		return storage.LedgerTransaction{}, fmt.Errorf("%w: %s", ErrDuplicateReference, reference)
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return storage.LedgerTransaction{}, fmt.Errorf("save wallet: %w", err)
	}
	return entry, nil
}
