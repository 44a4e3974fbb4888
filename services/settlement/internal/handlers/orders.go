package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AfshinJalili/tokex/libs/httpmiddleware"
	"github.com/AfshinJalili/tokex/services/settlement/internal/gate"
	"github.com/AfshinJalili/tokex/services/settlement/internal/service"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ParticipantHeader = "X-Participant-ID"
	IdempotencyHeader = "Idempotency-Key"
)

type OrderService interface {
	SubmitOrder(ctx context.Context, input service.SubmitOrderInput) (service.SubmitOrderResult, error)
	UpdateOrder(ctx context.Context, input service.UpdateOrderInput) (service.UpdateOrderResult, error)
	CancelOrder(ctx context.Context, orderID, participantID uuid.UUID) (storage.Order, error)
}

type Handler struct {
	Service OrderService
	Logger  *slog.Logger
}

type createOrderRequest struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     string `json:"price"`
	StopPrice string `json:"stop_price"`
	Quantity  string `json:"quantity"`
}

type updateOrderRequest struct {
	Price     *string `json:"price"`
	StopPrice *string `json:"stop_price"`
	Quantity  *string `json:"quantity"`
}

type orderItem struct {
	OrderID        string  `json:"order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	Price          *string `json:"price,omitempty"`
	StopPrice      *string `json:"stop_price,omitempty"`
	Quantity       string  `json:"quantity"`
	Filled         string  `json:"filled_quantity"`
	Reserved       string  `json:"reserved_amount"`
	Status         string  `json:"status"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type tradeItem struct {
	TradeID   string `json:"trade_id"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	BuyerFee  string `json:"buyer_fee"`
	SellerFee string `json:"seller_fee"`
	MakerSide string `json:"maker_side"`
}

type orderResponse struct {
	Order    orderItem   `json:"order"`
	Trades   []tradeItem `json:"trades"`
	Existing bool        `json:"existing,omitempty"`
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func New(service OrderService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/orders", h.CreateOrder)
	r.PATCH("/orders/:id", h.UpdateOrder)
	r.DELETE("/orders/:id", h.CancelOrder)
}

func (h *Handler) CreateOrder(c *gin.Context) {
	participantID, ok := participantFromHeader(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid "+ParticipantHeader, nil)
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	quantity, err := parseDecimal(req.Quantity, true)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid quantity", nil)
		return
	}
	price, err := parseDecimal(req.Price, false)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid price", nil)
		return
	}
	stopPrice, err := parseDecimal(req.StopPrice, false)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid stop_price", nil)
		return
	}

	ctx := service.WithCorrelationID(c.Request.Context(), httpmiddleware.GetRequestID(c))
	result, err := h.Service.SubmitOrder(ctx, service.SubmitOrderInput{
		ParticipantID:  participantID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Price:          price,
		StopPrice:      stopPrice,
		Quantity:       quantity,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(IdempotencyHeader)),
	})
	if err != nil {
		h.writeServiceError(c, "submit order failed", err)
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	c.JSON(status, orderResponse{
		Order:    orderToItem(result.Order),
		Trades:   tradesToItems(result.Trades),
		Existing: result.Existing,
	})
}

func (h *Handler) UpdateOrder(c *gin.Context) {
	participantID, ok := participantFromHeader(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid "+ParticipantHeader, nil)
		return
	}
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id", nil)
		return
	}

	var req updateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	input := service.UpdateOrderInput{OrderID: orderID, ParticipantID: participantID}
	for _, field := range []struct {
		name string
		raw  *string
		dst  **decimal.Decimal
	}{
		{"price", req.Price, &input.Price},
		{"stop_price", req.StopPrice, &input.StopPrice},
		{"quantity", req.Quantity, &input.Quantity},
	} {
		if field.raw == nil {
			continue
		}
		v, err := parseDecimal(*field.raw, true)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+field.name, nil)
			return
		}
		*field.dst = &v
	}

	ctx := service.WithCorrelationID(c.Request.Context(), httpmiddleware.GetRequestID(c))
	result, err := h.Service.UpdateOrder(ctx, input)
	if err != nil {
		h.writeServiceError(c, "update order failed", err)
		return
	}
	c.JSON(http.StatusOK, orderResponse{Order: orderToItem(result.Order), Trades: tradesToItems(result.Trades)})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	participantID, ok := participantFromHeader(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid "+ParticipantHeader, nil)
		return
	}
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id", nil)
		return
	}

	ctx := service.WithCorrelationID(c.Request.Context(), httpmiddleware.GetRequestID(c))
	order, err := h.Service.CancelOrder(ctx, orderID, participantID)
	if err != nil {
		h.writeServiceError(c, "cancel order failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id":   order.ID.String(),
		"status":     order.Status,
		"updated_at": order.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeServiceError(c *gin.Context, msg string, err error) {
	if rej, ok := service.AsRejection(err); ok {
		var details map[string]string
		if rej.Limit != nil {
			details = map[string]string{"limit": rej.Limit.String()}
		}
		writeError(c, rejectionStatus(rej.Kind), string(rej.Kind), rej.Message, details)
		return
	}
	switch {
	case errors.Is(err, gate.ErrLockTimeout):
		writeError(c, http.StatusServiceUnavailable, "BUSY", "symbol is busy, retry", nil)
		return
	case errors.Is(err, storage.ErrStaleOrder), errors.Is(err, storage.ErrConflict):
		writeError(c, http.StatusConflict, "CONFLICT", "concurrent update, retry", nil)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusServiceUnavailable, "TIMEOUT", "request timed out", nil)
		return
	}
	h.Logger.Error(msg, "error", err, "request_id", httpmiddleware.GetRequestID(c))
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

func rejectionStatus(kind service.RejectionKind) int {
	switch kind {
	case service.RejectInvalidMarket, service.RejectInvalidOrder, service.RejectInvalidSize,
		service.RejectInvalidPrice, service.RejectMaxNotional:
		return http.StatusBadRequest
	case service.RejectOrderNotFound:
		return http.StatusNotFound
	case service.RejectInvalidOrderState:
		return http.StatusConflict
	case service.RejectCircuitBreaker:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func orderToItem(order storage.Order) orderItem {
	item := orderItem{
		OrderID:        order.ID.String(),
		Symbol:         order.Symbol,
		Side:           order.Side,
		Type:           order.Type,
		Quantity:       order.Quantity.String(),
		Filled:         order.FilledQuantity.String(),
		Reserved:       order.ReservedAmount.String(),
		Status:         order.Status,
		IdempotencyKey: order.IdempotencyKey,
		CreatedAt:      order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !order.Price.IsZero() {
		v := order.Price.String()
		item.Price = &v
	}
	if !order.StopPrice.IsZero() {
		v := order.StopPrice.String()
		item.StopPrice = &v
	}
	return item
}

func tradesToItems(trades []storage.Trade) []tradeItem {
	items := make([]tradeItem, 0, len(trades))
	for _, t := range trades {
		items = append(items, tradeItem{
			TradeID:   t.ID.String(),
			Price:     t.Price.String(),
			Quantity:  t.Quantity.String(),
			BuyerFee:  t.BuyerFee.String(),
			SellerFee: t.SellerFee.String(),
			MakerSide: t.MakerSide,
		})
	}
	return items
}

func participantFromHeader(c *gin.Context) (uuid.UUID, bool) {
	id, err := parseUUIDParam(c.GetHeader(ParticipantHeader))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

// parseDecimal treats an empty optional field as zero.
func parseDecimal(value string, required bool) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if required {
			return decimal.Zero, errors.New("missing value")
		}
		return decimal.Zero, nil
	}
	return decimal.NewFromString(trimmed)
}

func writeError(c *gin.Context, status int, code, message string, details map[string]string) {
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}
