// Package service is the settlement coordinator: it validates orders,
// reserves funds, drives the matching engine under the symbol gate and
// commits every fill with its ledger effects in one store transaction.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/tokex/libs/kafka"
	tracing "github.com/AfshinJalili/tokex/libs/trace"
	"github.com/AfshinJalili/tokex/services/settlement/internal/engine"
	"github.com/AfshinJalili/tokex/services/settlement/internal/fee"
	"github.com/AfshinJalili/tokex/services/settlement/internal/gate"
	"github.com/AfshinJalili/tokex/services/settlement/internal/risk"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// FeeProvider hands out the fee schedule in force.
type FeeProvider interface {
	Current() (*fee.Schedule, error)
}

type Config struct {
	// HoldingAsset is the utility token whose balance selects the fee tier.
	HoldingAsset string
	// RewardShareBps is the share of collected fees routed to rewards.
	RewardShareBps decimal.Decimal
	JobMaxAttempts int
	// RebuildBooks rebuilds the book from storage before every pass.
	RebuildBooks    bool
	MaxTriggerDepth int
	Topics          Topics
}

type Dependencies struct {
	Store     storage.Store
	Gate      gate.Gate
	Books     *engine.Books
	Fees      FeeProvider
	Guard     *risk.Guard
	Publisher kafka.Publisher
	Logger    *slog.Logger
	Metrics   *Metrics
}

type Service struct {
	store     storage.Store
	gate      gate.Gate
	books     *engine.Books
	fees      FeeProvider
	guard     *risk.Guard
	publisher kafka.Publisher
	logger    *slog.Logger
	metrics   *Metrics
	tracer    oteltrace.Tracer
	cfg       Config
	topics    Topics
	now       func() time.Time
}

func New(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("gate is required")
	}
	if deps.Fees == nil {
		return nil, errors.New("fee provider is required")
	}
	if deps.Books == nil {
		deps.Books = engine.NewBooks()
	}
	if deps.Guard == nil {
		deps.Guard = &risk.Guard{}
	}
	if deps.Publisher == nil {
		deps.Publisher = kafka.NoopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.RewardShareBps.IsNegative() || cfg.RewardShareBps.GreaterThan(decimal.NewFromInt(10000)) {
		return nil, fmt.Errorf("reward share %s bps out of range", cfg.RewardShareBps)
	}
	if cfg.JobMaxAttempts <= 0 {
		cfg.JobMaxAttempts = 5
	}
	if cfg.MaxTriggerDepth <= 0 {
		cfg.MaxTriggerDepth = 8
	}
	cfg.HoldingAsset = storage.NormalizeAsset(cfg.HoldingAsset)

	return &Service{
		store:     deps.Store,
		gate:      deps.Gate,
		books:     deps.Books,
		fees:      deps.Fees,
		guard:     deps.Guard,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracer:    tracing.Tracer("settlement"),
		cfg:       cfg,
		topics:    cfg.Topics.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start rebuilds the book of every known instrument from storage.
func (s *Service) Start(ctx context.Context) error {
	instruments, err := s.store.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}
	for _, inst := range instruments {
		if err := s.rebuild(ctx, inst.Symbol); err != nil {
			return err
		}
	}
	s.logger.Info("order books loaded", "symbols", len(instruments))
	return nil
}

func (s *Service) rebuild(ctx context.Context, symbol string) error {
	lease, ctx, err := s.acquire(ctx, symbol)
	if err != nil {
		return err
	}
	defer lease.Release()

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := s.lockSymbol(ctx, tx, symbol); err != nil {
			return err
		}
		s.books.Invalidate(symbol)
		_, err := s.books.Load(ctx, symbol, openOrders(tx, symbol))
		return err
	})
	if err != nil {
		s.books.Invalidate(symbol)
		return fmt.Errorf("rebuild %s: %w", symbol, err)
	}
	s.observeDepth(symbol)
	return nil
}

func (s *Service) Shutdown() {
	s.books.Flush()
}

// Book returns the cached book for symbol, if one is loaded.
func (s *Service) Book(symbol string) (*engine.OrderBook, bool) {
	return s.books.Get(symbol)
}

func (s *Service) acquire(ctx context.Context, symbol string) (*gate.Lease, context.Context, error) {
	start := time.Now()
	lease, err := s.gate.Acquire(ctx, symbol)
	if s.metrics != nil {
		s.metrics.GateWait.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, ctx, fmt.Errorf("acquire gate %s: %w", symbol, err)
	}
	return lease, lease.Context(ctx), nil
}

// lockSymbol opens every settlement transaction on symbol. It takes the
// store lock, then advances the book version so a cached book built before
// another process touched the symbol is dropped and rebuilt. The new version
// is stamped up front; if the transaction rolls back the stored version
// stays behind the stamp and the next pass rebuilds as well.
func (s *Service) lockSymbol(ctx context.Context, tx storage.Tx, symbol string) error {
	if err := tx.LockSymbol(ctx, symbol); err != nil {
		return err
	}
	prev, err := tx.BumpBookVersion(ctx, symbol)
	if err != nil {
		return fmt.Errorf("bump book version: %w", err)
	}
	switch {
	case s.cfg.RebuildBooks:
		s.books.Invalidate(symbol)
	case !s.books.Current(symbol, prev):
		if _, cached := s.books.Get(symbol); cached {
			s.invalidate(symbol, "stale")
		}
	}
	s.books.Stamp(symbol, prev+1)
	return nil
}

// loadBook must be called under the symbol gate, after lockSymbol.
func (s *Service) loadBook(ctx context.Context, tx storage.Tx, symbol string) (*engine.OrderBook, error) {
	return s.books.Load(ctx, symbol, openOrders(tx, symbol))
}

func (s *Service) invalidate(symbol, reason string) {
	s.books.Invalidate(symbol)
	if s.metrics != nil {
		s.metrics.BookRebuilds.WithLabelValues(reason).Inc()
	}
}

func openOrders(tx storage.Tx, symbol string) engine.Loader {
	return func(ctx context.Context) ([]*engine.Order, error) {
		orders, err := tx.ListOpenOrders(ctx, symbol)
		if err != nil {
			return nil, err
		}
		out := make([]*engine.Order, 0, len(orders))
		for _, o := range orders {
			if o.Type != storage.TypeLimit {
				continue
			}
			out = append(out, toEngineOrder(o))
		}
		return out, nil
	}
}

func toEngineOrder(o storage.Order) *engine.Order {
	orderType := engine.TypeLimit
	if o.Type == storage.TypeMarket {
		orderType = engine.TypeMarket
	}
	return &engine.Order{
		ID:            o.ID,
		ParticipantID: o.ParticipantID,
		Side:          o.Side,
		Type:          orderType,
		Price:         o.Price,
		Quantity:      o.Quantity,
		Filled:        o.FilledQuantity,
		Seq:           o.Seq,
	}
}

func (s *Service) participant(ctx context.Context, id uuid.UUID) (storage.Participant, error) {
	p, err := s.store.GetParticipant(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Participant{ID: id, Role: storage.RoleUser}, nil
	}
	if err != nil {
		return storage.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	return p, nil
}

// holding is the participant's balance of the fee-tier token.
func (s *Service) holding(ctx context.Context, tx storage.Tx, participantID uuid.UUID) (decimal.Decimal, error) {
	if s.cfg.HoldingAsset == "" {
		return decimal.Zero, nil
	}
	w, err := tx.GetWallet(ctx, participantID, s.cfg.HoldingAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load holding: %w", err)
	}
	return w.Balance, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return s.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) observe(operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SettlementDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (s *Service) countRejection(kind RejectionKind) {
	if s.metrics == nil {
		return
	}
	s.metrics.Rejections.WithLabelValues(string(kind)).Inc()
}

func (s *Service) observeDepth(symbol string) {
	if s.metrics == nil {
		return
	}
	book, ok := s.books.Get(symbol)
	if !ok {
		return
	}
	s.metrics.BookDepth.WithLabelValues(book.Symbol(), engine.SideBuy).Set(float64(book.Len(engine.SideBuy)))
	s.metrics.BookDepth.WithLabelValues(book.Symbol(), engine.SideSell).Set(float64(book.Len(engine.SideSell)))
}
