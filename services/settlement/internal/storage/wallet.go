package storage

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Locked)
}

// Validate checks 0 <= locked <= balance.
func (w Wallet) Validate() error {
	if w.Locked.IsNegative() || w.Locked.GreaterThan(w.Balance) {
		return fmt.Errorf("%w: %s/%s balance=%s locked=%s", ErrWalletInvariant, w.ParticipantID, w.Asset, w.Balance, w.Locked)
	}
	return nil
}

// Lock reserves amount out of the available balance.
func (w *Wallet) Lock(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("lock amount must not be negative")
	}
	if w.Available().LessThan(amount) {
		return ErrInsufficientBalance
	}
	w.Locked = w.Locked.Add(amount)
	return nil
}

// Unlock returns amount from locked to available.
func (w *Wallet) Unlock(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("unlock amount must not be negative")
	}
	if amount.GreaterThan(w.Locked) {
		return fmt.Errorf("%w: unlock %s exceeds locked %s", ErrWalletInvariant, amount, w.Locked)
	}
	w.Locked = w.Locked.Sub(amount)
	return nil
}

func (w *Wallet) Credit(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit amount must not be negative")
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}

// Debit removes amount from the balance. fromLocked of it is taken out of the
// locked portion, the rest must be available.
func (w *Wallet) Debit(amount, fromLocked decimal.Decimal) error {
	if amount.IsNegative() || fromLocked.IsNegative() {
		return fmt.Errorf("debit amounts must not be negative")
	}
	if fromLocked.GreaterThan(amount) {
		fromLocked = amount
	}
	if fromLocked.GreaterThan(w.Locked) {
		return fmt.Errorf("%w: debit %s from locked %s", ErrWalletInvariant, fromLocked, w.Locked)
	}
	if w.Available().LessThan(amount.Sub(fromLocked)) {
		return ErrInsufficientBalance
	}
	w.Locked = w.Locked.Sub(fromLocked)
	w.Balance = w.Balance.Sub(amount)
	return w.Validate()
}
