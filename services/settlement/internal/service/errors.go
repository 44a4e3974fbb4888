package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type RejectionKind string

const (
	RejectInvalidMarket     RejectionKind = "INVALID_MARKET"
	RejectInvalidOrder      RejectionKind = "INVALID_ORDER"
	RejectInvalidSize       RejectionKind = "INVALID_SIZE"
	RejectInvalidPrice      RejectionKind = "INVALID_PRICE"
	RejectMaxNotional       RejectionKind = "MAX_NOTIONAL_EXCEEDED"
	RejectInsufficientFunds RejectionKind = "INSUFFICIENT_FUNDS"
	RejectCircuitBreaker    RejectionKind = "CIRCUIT_BREAKER_ACTIVE"
	RejectPositionLimit     RejectionKind = "POSITION_LIMIT_EXCEEDED"
	RejectNoLiquidity       RejectionKind = "NO_LIQUIDITY"
	RejectOrderNotFound     RejectionKind = "ORDER_NOT_FOUND"
	RejectInvalidOrderState RejectionKind = "INVALID_ORDER_STATE"
)

var ErrDuplicateReference = errors.New("ledger reference already applied")

// RejectionError is a synchronous, non-retryable refusal. Limit carries the
// bound the caller ran into, when there is one.
type RejectionError struct {
	Kind    RejectionKind
	Message string
	Limit   *decimal.Decimal
}

func (e *RejectionError) Error() string {
	if e.Limit != nil {
		return fmt.Sprintf("%s: %s (limit %s)", e.Kind, e.Message, e.Limit.String())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func reject(kind RejectionKind, format string, args ...any) *RejectionError {
	return &RejectionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func rejectWithLimit(kind RejectionKind, limit decimal.Decimal, format string, args ...any) *RejectionError {
	e := reject(kind, format, args...)
	e.Limit = &limit
	return e
}

// AsRejection unwraps err to a RejectionError.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// validation reports whether kind is raised before any state is touched.
func (k RejectionKind) validation() bool {
	switch k {
	case RejectInvalidMarket, RejectInvalidOrder, RejectInvalidSize, RejectInvalidPrice, RejectMaxNotional:
		return true
	}
	return false
}
