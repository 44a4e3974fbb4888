package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var Schema string

const orderColumns = `id, participant_id, symbol, side, type, COALESCE(price, 0)::text, COALESCE(stop_price, 0)::text,
	quantity::text, filled_quantity::text, reserved_amount::text, status, COALESCE(idempotency_key, ''),
	reject_reason, seq, created_at, updated_at`

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema applies the bootstrap DDL. Every statement is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT symbol, base_asset, quote_asset, asset_class, status,
			min_quantity::text, max_quantity::text, max_notional::text, max_position::text
		FROM instruments
		WHERE symbol = $1
	`, NormalizeSymbol(symbol))
	inst, err := scanInstrument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instrument{}, ErrNotFound
	}
	return inst, err
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]Instrument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, base_asset, quote_asset, asset_class, status,
			min_quantity::text, max_quantity::text, max_notional::text, max_position::text
		FROM instruments
		ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertInstrument(ctx context.Context, inst Instrument) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instruments (symbol, base_asset, quote_asset, asset_class, status, min_quantity, max_quantity, max_notional, max_position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol) DO UPDATE SET
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			asset_class = EXCLUDED.asset_class,
			status = EXCLUDED.status,
			min_quantity = EXCLUDED.min_quantity,
			max_quantity = EXCLUDED.max_quantity,
			max_notional = EXCLUDED.max_notional,
			max_position = EXCLUDED.max_position
	`, NormalizeSymbol(inst.Symbol), NormalizeAsset(inst.BaseAsset), NormalizeAsset(inst.QuoteAsset), inst.AssetClass, inst.Status,
		inst.MinQuantity.String(), inst.MaxQuantity.String(), inst.MaxNotional.String(), inst.MaxPosition.String())
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id uuid.UUID) (Participant, error) {
	var p Participant
	err := s.pool.QueryRow(ctx, `SELECT id, role, kyc_verified FROM participants WHERE id = $1`, id).
		Scan(&p.ID, &p.Role, &p.KYCVerified)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p Participant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (id, role, kyc_verified) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, kyc_verified = EXCLUDED.kyc_verified
	`, p.ID, p.Role, p.KYCVerified)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return order, err
}

func (s *PostgresStore) GetOrderByIdempotencyKey(ctx context.Context, participantID uuid.UUID, key string) (Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE participant_id = $1 AND idempotency_key = $2`,
		participantID, key)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return order, err
}

func (s *PostgresStore) ListStopOrders(ctx context.Context, symbol string) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE symbol = $1 AND status = 'pending' AND type IN ('stop_loss', 'take_profit')
		ORDER BY seq
	`, NormalizeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id, price::text, quantity::text,
			buyer_fee::text, seller_fee::text, maker_side, executed_at
		FROM trades
		WHERE symbol = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, NormalizeSymbol(symbol), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var price, qty, buyerFee, sellerFee string
		if err := rows.Scan(&t.ID, &t.Symbol, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&price, &qty, &buyerFee, &sellerFee, &t.MakerSide, &t.ExecutedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(field(price, &t.Price), field(qty, &t.Quantity), field(buyerFee, &t.BuyerFee), field(sellerFee, &t.SellerFee)); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWallet(ctx context.Context, participantID uuid.UUID, asset string) (Wallet, error) {
	return getWallet(ctx, s.pool, participantID, asset, false)
}

func (s *PostgresStore) ListLedgerTransactions(ctx context.Context, participantID uuid.UUID, asset string) ([]LedgerTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, participant_id, asset, kind, amount::text, balance_before::text, balance_after::text,
			COALESCE(reference, ''), created_at
		FROM ledger_transactions
		WHERE participant_id = $1 AND asset = $2
		ORDER BY created_at
	`, participantID, NormalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerTransaction
	for rows.Next() {
		var e LedgerTransaction
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.ParticipantID, &e.Asset, &e.Kind, &amount, &before, &after, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(field(amount, &e.Amount), field(before, &e.BalanceBefore), field(after, &e.BalanceAfter)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFeeRates(ctx context.Context) ([]FeeRate, error) {
	rows, err := s.pool.Query(ctx, `SELECT asset_class, maker_fee_bps::text, taker_fee_bps::text FROM fee_schedules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeeRate
	for rows.Next() {
		var r FeeRate
		var maker, taker string
		if err := rows.Scan(&r.AssetClass, &maker, &taker); err != nil {
			return nil, err
		}
		if err := parseDecimals(field(maker, &r.MakerFeeBps), field(taker, &r.TakerFeeBps)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListHoldingTiers(ctx context.Context) ([]HoldingTier, error) {
	rows, err := s.pool.Query(ctx, `SELECT min_holding::text, multiplier::text FROM holding_tiers ORDER BY min_holding`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HoldingTier
	for rows.Next() {
		var tier HoldingTier
		var minHolding, mult string
		if err := rows.Scan(&minHolding, &mult); err != nil {
			return nil, err
		}
		if err := parseDecimals(field(minHolding, &tier.MinHolding), field(mult, &tier.Multiplier)); err != nil {
			return nil, err
		}
		out = append(out, tier)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertFeeRate(ctx context.Context, rate FeeRate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fee_schedules (asset_class, maker_fee_bps, taker_fee_bps) VALUES ($1, $2, $3)
		ON CONFLICT (asset_class) DO UPDATE SET
			maker_fee_bps = EXCLUDED.maker_fee_bps,
			taker_fee_bps = EXCLUDED.taker_fee_bps
	`, rate.AssetClass, rate.MakerFeeBps.String(), rate.TakerFeeBps.String())
	return err
}

func (s *PostgresStore) UpsertHoldingTier(ctx context.Context, tier HoldingTier) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO holding_tiers (min_holding, multiplier) VALUES ($1, $2)
		ON CONFLICT (min_holding) DO UPDATE SET multiplier = EXCLUDED.multiplier
	`, tier.MinHolding.String(), tier.Multiplier.String())
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockSymbol(ctx context.Context, symbol string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "settlement:"+NormalizeSymbol(symbol))
	return err
}

func (t *pgTx) BumpBookVersion(ctx context.Context, symbol string) (int64, error) {
	var prev int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO book_versions (symbol, version) VALUES ($1, 1)
		ON CONFLICT (symbol) DO UPDATE SET version = book_versions.version + 1
		RETURNING version - 1
	`, NormalizeSymbol(symbol)).Scan(&prev)
	return prev, err
}

func (t *pgTx) CreateOrder(ctx context.Context, order *Order) (Order, bool, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (id, participant_id, symbol, side, type, price, stop_price, quantity, filled_quantity,
			reserved_amount, status, idempotency_key, reject_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (participant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING seq
	`, order.ID, order.ParticipantID, order.Symbol, order.Side, order.Type, nullableDecimal(order.Price),
		nullableDecimal(order.StopPrice), order.Quantity.String(), order.FilledQuantity.String(),
		order.ReservedAmount.String(), order.Status, nullableString(order.IdempotencyKey), order.RejectReason,
		order.CreatedAt, order.UpdatedAt).Scan(&order.Seq)
	if err == nil {
		return *order, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Order{}, false, err
	}

	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE participant_id = $1 AND idempotency_key = $2`,
		order.ParticipantID, order.IdempotencyKey)
	existing, err := scanOrder(row)
	if err != nil {
		return Order{}, false, fmt.Errorf("load order for idempotency key: %w", err)
	}
	return existing, true, nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *Order) error {
	order.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET type = $2, price = $3, stop_price = $4, quantity = $5, filled_quantity = $6,
			reserved_amount = $7, status = $8, reject_reason = $9, updated_at = $10
		WHERE id = $1
	`, order.ID, order.Type, nullableDecimal(order.Price), nullableDecimal(order.StopPrice), order.Quantity.String(),
		order.FilledQuantity.String(), order.ReservedAmount.String(), order.Status, order.RejectReason, order.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) RequeueOrder(ctx context.Context, order *Order) error {
	if err := t.UpdateOrder(ctx, order); err != nil {
		return err
	}
	return t.tx.QueryRow(ctx, `UPDATE orders SET seq = nextval('order_seq') WHERE id = $1 RETURNING seq`, order.ID).Scan(&order.Seq)
}

func (t *pgTx) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE symbol = $1 AND status IN ('pending', 'partial') AND type = 'limit'
		ORDER BY seq
	`, NormalizeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (t *pgTx) GetWallet(ctx context.Context, participantID uuid.UUID, asset string) (Wallet, error) {
	return getWallet(ctx, t.tx, participantID, asset, false)
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, participantID uuid.UUID, asset string) (*Wallet, error) {
	asset = NormalizeAsset(asset)
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO wallets (participant_id, asset, balance, locked_balance)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (participant_id, asset) DO NOTHING
	`, participantID, asset); err != nil {
		return nil, err
	}
	w, err := getWallet(ctx, t.tx, participantID, asset, true)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *Wallet) error {
	if err := w.Validate(); err != nil {
		return err
	}
	w.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE wallets SET balance = $3, locked_balance = $4, updated_at = $5
		WHERE participant_id = $1 AND asset = $2
	`, w.ParticipantID, NormalizeAsset(w.Asset), w.Balance.String(), w.Locked.String(), w.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *Trade) error {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id, price, quantity,
			buyer_fee, seller_fee, maker_side, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, trade.ID, trade.Symbol, trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID,
		trade.Price.String(), trade.Quantity.String(), trade.BuyerFee.String(), trade.SellerFee.String(),
		trade.MakerSide, trade.ExecutedAt)
	return err
}

func (t *pgTx) InsertLedgerTransaction(ctx context.Context, e *LedgerTransaction) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_transactions (id, participant_id, asset, kind, amount, balance_before, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reference) WHERE reference IS NOT NULL DO NOTHING
	`, e.ID, e.ParticipantID, NormalizeAsset(e.Asset), e.Kind, e.Amount.String(), e.BalanceBefore.String(),
		e.BalanceAfter.String(), nullableString(e.Reference), e.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) EnqueueJob(ctx context.Context, job *Job) error {
	return insertJob(ctx, t.tx, job)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getWallet(ctx context.Context, q querier, participantID uuid.UUID, asset string, forUpdate bool) (Wallet, error) {
	asset = NormalizeAsset(asset)
	query := `
		SELECT participant_id, asset, balance::text, locked_balance::text, updated_at
		FROM wallets
		WHERE participant_id = $1 AND asset = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var w Wallet
	var balance, locked string
	err := q.QueryRow(ctx, query, participantID, asset).Scan(&w.ParticipantID, &w.Asset, &balance, &locked, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{ParticipantID: participantID, Asset: asset}, nil
	}
	if err != nil {
		return Wallet{}, err
	}
	if err := parseDecimals(field(balance, &w.Balance), field(locked, &w.Locked)); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func scanInstrument(row pgx.Row) (Instrument, error) {
	var inst Instrument
	var minQty, maxQty, maxNotional, maxPosition string
	if err := row.Scan(&inst.Symbol, &inst.BaseAsset, &inst.QuoteAsset, &inst.AssetClass, &inst.Status,
		&minQty, &maxQty, &maxNotional, &maxPosition); err != nil {
		return Instrument{}, err
	}
	err := parseDecimals(field(minQty, &inst.MinQuantity), field(maxQty, &inst.MaxQuantity), field(maxNotional, &inst.MaxNotional), field(maxPosition, &inst.MaxPosition))
	return inst, err
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var price, stop, qty, filled, reserved string
	if err := row.Scan(&o.ID, &o.ParticipantID, &o.Symbol, &o.Side, &o.Type, &price, &stop, &qty, &filled, &reserved,
		&o.Status, &o.IdempotencyKey, &o.RejectReason, &o.Seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	err := parseDecimals(field(price, &o.Price), field(stop, &o.StopPrice), field(qty, &o.Quantity), field(filled, &o.FilledQuantity), field(reserved, &o.ReservedAmount))
	return o, err
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

var (
	_ Store    = (*PostgresStore)(nil)
	_ JobStore = (*PostgresStore)(nil)
)
