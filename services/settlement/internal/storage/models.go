package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket     = "market"
	TypeLimit      = "limit"
	TypeStopLoss   = "stop_loss"
	TypeTakeProfit = "take_profit"

	StatusPending   = "pending"
	StatusPartial   = "partial"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
)

const (
	InstrumentActive = "active"
	InstrumentHalted = "halted"
)

const (
	RoleUser        = "user"
	RoleMarketMaker = "market_maker"
	RoleAdmin       = "admin"
)

const (
	LedgerDeposit     = "deposit"
	LedgerWithdrawal  = "withdrawal"
	LedgerTransferIn  = "transfer_in"
	LedgerTransferOut = "transfer_out"
	LedgerRevenue     = "revenue"
	LedgerReward      = "reward"
)

const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Order is the durable record of a participant's instruction. Price and
// StopPrice are zero when not applicable. Seq orders resting orders of equal
// price; it is reassigned when an edit costs the order its time priority.
type Order struct {
	ID             uuid.UUID
	ParticipantID  uuid.UUID
	Symbol         string
	Side           string
	Type           string
	Price          decimal.Decimal
	StopPrice      decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	ReservedAmount decimal.Decimal
	Status         string
	IdempotencyKey string
	RejectReason   string
	Seq            int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o Order) IsOpen() bool {
	return o.Status == StatusPending || o.Status == StatusPartial
}

func (o Order) IsStop() bool {
	return o.Type == TypeStopLoss || o.Type == TypeTakeProfit
}

// Wallet is keyed by (participant, asset). Available is Balance - Locked.
type Wallet struct {
	ParticipantID uuid.UUID
	Asset         string
	Balance       decimal.Decimal
	Locked        decimal.Decimal
	UpdatedAt     time.Time
}

type Trade struct {
	ID          uuid.UUID
	Symbol      string
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	BuyerFee    decimal.Decimal
	SellerFee   decimal.Decimal
	MakerSide   string
	ExecutedAt  time.Time
}

func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

type LedgerTransaction struct {
	ID            uuid.UUID
	ParticipantID uuid.UUID
	Asset         string
	Kind          string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Reference     string
	CreatedAt     time.Time
}

type Job struct {
	ID           uuid.UUID
	Type         string
	Payload      json.RawMessage
	Status       string
	Attempts     int
	MaxAttempts  int
	ScheduledFor time.Time
	LockedAt     *time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

type Instrument struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	AssetClass  string
	Status      string
	MinQuantity decimal.Decimal
	MaxQuantity decimal.Decimal
	MaxNotional decimal.Decimal
	MaxPosition decimal.Decimal
}

func (i Instrument) Tradable() bool {
	return i.Status == InstrumentActive
}

type Participant struct {
	ID          uuid.UUID
	Role        string
	KYCVerified bool
}

// NormalizeSymbol upper-cases and trims a BASE-QUOTE symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// FeeRate is one row of the per-asset-class fee table, in basis points.
type FeeRate struct {
	AssetClass  string
	MakerFeeBps decimal.Decimal
	TakerFeeBps decimal.Decimal
}

type HoldingTier struct {
	MinHolding decimal.Decimal
	Multiplier decimal.Decimal
}
