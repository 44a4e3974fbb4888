package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreditPayload moves collected trading fees to a house account.
type CreditPayload struct {
	TradeID uuid.UUID       `json:"trade_id"`
	Symbol  string          `json:"symbol"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
}

// NewJob builds a job whose id is derived from key, so enqueueing the same
// post-trade fact twice yields one row.
func NewJob(jobType, key string, payload any, maxAttempts int) (*storage.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return &storage.Job{
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(jobType+"|"+key)),
		Type:         jobType,
		Payload:      raw,
		Status:       storage.JobPending,
		MaxAttempts:  maxAttempts,
		ScheduledFor: time.Now().UTC(),
	}, nil
}

// LedgerReference is the idempotency marker a handler writes for job.
func LedgerReference(jobID uuid.UUID) string {
	return "job:" + jobID.String()
}

// CreditHandler credits Account with the payload amount exactly once per job.
type CreditHandler struct {
	Store   storage.Store
	Account uuid.UUID
	Kind    string
}

func (h *CreditHandler) Handle(ctx context.Context, job storage.Job) error {
	var p CreditPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if p.Asset == "" || p.Amount.IsNegative() {
		return Permanent(fmt.Errorf("invalid credit payload for job %s", job.ID))
	}
	if p.Amount.IsZero() {
		return nil
	}

	return h.Store.WithTx(ctx, func(tx storage.Tx) error {
		wallet, err := tx.GetWalletForUpdate(ctx, h.Account, p.Asset)
		if err != nil {
			return err
		}
		before := wallet.Balance
		if err := wallet.Credit(p.Amount); err != nil {
			return err
		}
		inserted, err := tx.InsertLedgerTransaction(ctx, &storage.LedgerTransaction{
			ParticipantID: h.Account,
			Asset:         p.Asset,
			Kind:          h.Kind,
			Amount:        p.Amount,
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Reference:     LedgerReference(job.ID),
		})
		if err != nil {
			return err
		}
		if !inserted {
			// An earlier attempt already applied this job.
			return nil
		}
		return tx.SaveWallet(ctx, wallet)
	})
}
