package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/engine"
	"github.com/AfshinJalili/tokex/services/settlement/internal/fee"
	"github.com/AfshinJalili/tokex/services/settlement/internal/gate"
	"github.com/AfshinJalili/tokex/services/settlement/internal/queue"
	"github.com/AfshinJalili/tokex/services/settlement/internal/risk"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

const symbol = "BTC-USD"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) PublishJSON(_ context.Context, topic, _ string, _ any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return 0, 0, nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type harness struct {
	svc       *Service
	store     *memory.Store
	publisher *recordingPublisher
	metrics   *Metrics
	breaker   *risk.CircuitBreaker
}

type option func(*Dependencies, *Config)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	store := memory.New()
	store.PutInstrument(storage.Instrument{
		Symbol:     symbol,
		BaseAsset:  "BTC",
		QuoteAsset: "USD",
		AssetClass: "crypto",
	})

	// 10 bps maker, 20 bps taker.
	schedule, err := fee.NewSchedule(map[string]fee.Rates{
		"crypto": {MakerBps: d("10"), TakerBps: d("20")},
	}, fee.Rates{MakerBps: d("10"), TakerBps: d("20")}, nil, decimal.Zero)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	fees := fee.NewCache()
	if err := fees.Load(context.Background(), fee.StaticSource{Schedule: schedule}); err != nil {
		t.Fatalf("load fees: %v", err)
	}

	h := &harness{
		store:     store,
		publisher: &recordingPublisher{},
		metrics:   NewMetrics(prometheus.NewRegistry()),
		breaker:   risk.NewCircuitBreaker(risk.BreakerConfig{ThresholdBps: d("1000")}),
	}
	deps := Dependencies{
		Store:     store,
		Gate:      gate.NewLocalGate(time.Second),
		Books:     engine.NewBooks(),
		Fees:      fees,
		Guard:     &risk.Guard{Breaker: h.breaker},
		Publisher: h.publisher,
		Logger:    testLogger(),
		Metrics:   h.metrics,
	}
	cfg := Config{HoldingAsset: "TKX", RewardShareBps: d("2000"), JobMaxAttempts: 3}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	svc, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) fund(t *testing.T, participant uuid.UUID, asset, amount string) {
	t.Helper()
	if _, err := h.svc.Deposit(context.Background(), participant, asset, d(amount), ""); err != nil {
		t.Fatalf("deposit %s %s: %v", amount, asset, err)
	}
}

func (h *harness) wallet(t *testing.T, participant uuid.UUID, asset string) storage.Wallet {
	t.Helper()
	w, err := h.store.GetWallet(context.Background(), participant, asset)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w
}

func (h *harness) order(t *testing.T, id uuid.UUID) storage.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return o
}

func (h *harness) limit(t *testing.T, participant uuid.UUID, side, qty, price string) SubmitOrderResult {
	t.Helper()
	res, err := h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: participant,
		Symbol:        symbol,
		Side:          side,
		Type:          storage.TypeLimit,
		Price:         d(price),
		Quantity:      d(qty),
	})
	if err != nil {
		t.Fatalf("limit %s %s@%s: %v", side, qty, price, err)
	}
	return res
}

func (h *harness) market(t *testing.T, participant uuid.UUID, side, qty string) SubmitOrderResult {
	t.Helper()
	res, err := h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: participant,
		Symbol:        symbol,
		Side:          side,
		Type:          storage.TypeMarket,
		Quantity:      d(qty),
	})
	if err != nil {
		t.Fatalf("market %s %s: %v", side, qty, err)
	}
	return res
}

// checkWallets asserts 0 <= locked <= balance on every wallet.
func (h *harness) checkWallets(t *testing.T) {
	t.Helper()
	for _, w := range h.store.Wallets() {
		if err := w.Validate(); err != nil {
			t.Fatalf("wallet invariant: %v", err)
		}
	}
}

func (h *harness) total(asset string) decimal.Decimal {
	sum := decimal.Zero
	for _, w := range h.store.Wallets() {
		if w.Asset == asset {
			sum = sum.Add(w.Balance)
		}
	}
	return sum
}

func expectRejection(t *testing.T, err error, kind RejectionKind) *RejectionError {
	t.Helper()
	rej, ok := AsRejection(err)
	if !ok {
		t.Fatalf("expected %s rejection, got %v", kind, err)
	}
	if rej.Kind != kind {
		t.Fatalf("expected %s, got %s (%s)", kind, rej.Kind, rej.Message)
	}
	return rej
}

func TestLimitBuyLocksNotionalPlusMaxFee(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.fund(t, buyer, "USD", "1000")

	res := h.limit(t, buyer, storage.SideBuy, "10", "50")
	if res.Order.Status != storage.StatusPending || len(res.Trades) != 0 {
		t.Fatalf("expected resting pending order, got %s with %d trades", res.Order.Status, len(res.Trades))
	}

	// 500 notional plus 20 bps, the higher of maker and taker.
	w := h.wallet(t, buyer, "USD")
	if !w.Locked.Equal(d("501")) {
		t.Fatalf("expected 501 locked, got %s", w.Locked)
	}
	if !w.Available().Equal(d("499")) {
		t.Fatalf("expected 499 available, got %s", w.Available())
	}
	if !res.Order.ReservedAmount.Equal(d("501")) {
		t.Fatalf("expected reservation recorded on order, got %s", res.Order.ReservedAmount)
	}
	book, ok := h.svc.Book(symbol)
	if !ok || book.Len(engine.SideBuy) != 1 {
		t.Fatalf("expected order resting in book")
	}
	if h.publisher.count("orders.accepted") != 1 {
		t.Fatalf("expected accepted event, got %v", h.publisher.topics)
	}
	h.checkWallets(t)
}

func TestMarketBuyFillsFIFOAcrossMakers(t *testing.T) {
	h := newHarness(t)
	s1, s2, buyer := uuid.New(), uuid.New(), uuid.New()
	h.fund(t, s1, "BTC", "5")
	h.fund(t, s2, "BTC", "5")
	h.fund(t, buyer, "USD", "1000")

	first := h.limit(t, s1, storage.SideSell, "5", "100")
	second := h.limit(t, s2, storage.SideSell, "5", "100")

	res := h.market(t, buyer, storage.SideBuy, "7")
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].SellOrderID != first.Order.ID || !res.Trades[0].Quantity.Equal(d("5")) {
		t.Fatalf("expected first maker filled 5 first, got %+v", res.Trades[0])
	}
	if res.Trades[1].SellOrderID != second.Order.ID || !res.Trades[1].Quantity.Equal(d("2")) {
		t.Fatalf("expected second maker filled 2, got %+v", res.Trades[1])
	}
	if res.Order.Status != storage.StatusFilled {
		t.Fatalf("expected taker filled, got %s", res.Order.Status)
	}

	if got := h.order(t, first.Order.ID); got.Status != storage.StatusFilled || !got.ReservedAmount.IsZero() {
		t.Fatalf("expected first maker filled and released, got %s reserved %s", got.Status, got.ReservedAmount)
	}
	if got := h.order(t, second.Order.ID); got.Status != storage.StatusPartial || !got.FilledQuantity.Equal(d("2")) {
		t.Fatalf("expected second maker partial 2, got %s %s", got.Status, got.FilledQuantity)
	}

	// 700 notional plus 1.4 taker fee.
	bw := h.wallet(t, buyer, "USD")
	if !bw.Balance.Equal(d("298.6")) || !bw.Locked.IsZero() {
		t.Fatalf("unexpected buyer USD %s locked %s", bw.Balance, bw.Locked)
	}
	if got := h.wallet(t, buyer, "BTC"); !got.Balance.Equal(d("7")) {
		t.Fatalf("expected buyer 7 BTC, got %s", got.Balance)
	}
	if got := h.wallet(t, s1, "USD"); !got.Balance.Equal(d("499.5")) {
		t.Fatalf("expected first seller 499.5 USD, got %s", got.Balance)
	}
	s2BTC := h.wallet(t, s2, "BTC")
	if !s2BTC.Balance.Equal(d("3")) || !s2BTC.Locked.Equal(d("3")) {
		t.Fatalf("expected second seller 3 BTC all locked, got %s/%s", s2BTC.Balance, s2BTC.Locked)
	}
	if h.publisher.count("trades.executed") != 2 {
		t.Fatalf("expected 2 trade events, got %v", h.publisher.topics)
	}
	if got := testutil.ToFloat64(h.metrics.TradesExecuted.WithLabelValues(symbol)); got != 2 {
		t.Fatalf("expected trades metric 2, got %v", got)
	}
	h.checkWallets(t)
}

func TestFeesConservedThroughRevenueQueue(t *testing.T) {
	h := newHarness(t)
	s1, s2, buyer := uuid.New(), uuid.New(), uuid.New()
	treasury, rewards := uuid.New(), uuid.New()
	h.fund(t, s1, "BTC", "5")
	h.fund(t, s2, "BTC", "5")
	h.fund(t, buyer, "USD", "1000")
	h.limit(t, s1, storage.SideSell, "5", "100")
	h.limit(t, s2, storage.SideSell, "5", "100")
	h.market(t, buyer, storage.SideBuy, "7")

	ctx := context.Background()
	jobs, err := h.store.ListJobs(ctx, storage.JobPending, 0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	// Two trades, each with a revenue and a reward job.
	if len(jobs) != 4 {
		t.Fatalf("expected 4 fee jobs, got %d", len(jobs))
	}

	// Fees left the traders but are not credited yet.
	if got := h.total("USD"); !got.Equal(d("997.9")) {
		t.Fatalf("expected 997.9 USD before jobs, got %s", got)
	}

	worker := queue.NewWorker(h.store, queue.Config{BatchSize: 10}, testLogger(), nil)
	worker.Register(queue.JobRevenueCollection, &queue.CreditHandler{Store: h.store, Account: treasury, Kind: storage.LedgerRevenue})
	worker.Register(queue.JobRewardDistribution, &queue.CreditHandler{Store: h.store, Account: rewards, Kind: storage.LedgerReward})
	if n, err := worker.ProcessBatch(ctx); err != nil || n != 4 {
		t.Fatalf("expected 4 jobs processed, got %d (%v)", n, err)
	}

	if got := h.total("USD"); !got.Equal(d("1000")) {
		t.Fatalf("USD not conserved: %s", got)
	}
	if got := h.total("BTC"); !got.Equal(d("10")) {
		t.Fatalf("BTC not conserved: %s", got)
	}
	// 2.1 total fees, 20% to rewards.
	if got := h.wallet(t, rewards, "USD"); !got.Balance.Equal(d("0.42")) {
		t.Fatalf("expected 0.42 rewards, got %s", got.Balance)
	}
	if got := h.wallet(t, treasury, "USD"); !got.Balance.Equal(d("1.68")) {
		t.Fatalf("expected 1.68 revenue, got %s", got.Balance)
	}
}

func TestIdempotentSubmitReturnsExistingOrder(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.fund(t, buyer, "USD", "1000")

	in := SubmitOrderInput{
		ParticipantID:  buyer,
		Symbol:         symbol,
		Side:           storage.SideBuy,
		Type:           storage.TypeLimit,
		Price:          d("50"),
		Quantity:       d("10"),
		IdempotencyKey: "client-1",
	}
	first, err := h.svc.SubmitOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := h.svc.SubmitOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Existing || second.Order.ID != first.Order.ID {
		t.Fatalf("expected existing order %s, got %+v", first.Order.ID, second)
	}
	if w := h.wallet(t, buyer, "USD"); !w.Locked.Equal(d("501")) {
		t.Fatalf("replay must not reserve again, locked %s", w.Locked)
	}
	if book, _ := h.svc.Book(symbol); book.Len(engine.SideBuy) != 1 {
		t.Fatalf("replay must not add to the book")
	}
}

func TestIdempotentReplayAfterHalt(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.fund(t, buyer, "USD", "1000")

	in := SubmitOrderInput{
		ParticipantID:  buyer,
		Symbol:         symbol,
		Side:           storage.SideBuy,
		Type:           storage.TypeLimit,
		Price:          d("50"),
		Quantity:       d("10"),
		IdempotencyKey: "client-halt",
	}
	first, err := h.svc.SubmitOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	h.store.PutInstrument(storage.Instrument{
		Symbol: symbol, BaseAsset: "BTC", QuoteAsset: "USD", AssetClass: "crypto",
		Status: storage.InstrumentHalted,
	})

	replay, err := h.svc.SubmitOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("replay on halted market: %v", err)
	}
	if !replay.Existing || replay.Order.ID != first.Order.ID {
		t.Fatalf("expected existing order %s, got %+v", first.Order.ID, replay)
	}

	in.IdempotencyKey = "client-new"
	_, err = h.svc.SubmitOrder(context.Background(), in)
	expectRejection(t, err, RejectInvalidMarket)
	if w := h.wallet(t, buyer, "USD"); !w.Locked.Equal(d("501")) {
		t.Fatalf("expected only the first reservation, locked %s", w.Locked)
	}
}

func TestConcurrentSubmitsShareIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.fund(t, buyer, "USD", "5000")

	const workers = 20
	results := make([]SubmitOrderResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
				ParticipantID:  buyer,
				Symbol:         symbol,
				Side:           storage.SideBuy,
				Type:           storage.TypeLimit,
				Price:          d("100"),
				Quantity:       d("10"),
				IdempotencyKey: "burst",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if results[i].Order.ID != results[0].Order.ID {
			t.Fatalf("expected one order, got %s and %s", results[0].Order.ID, results[i].Order.ID)
		}
		if !results[i].Existing {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creating submit, got %d", created)
	}
	if w := h.wallet(t, buyer, "USD"); !w.Locked.Equal(d("1002")) {
		t.Fatalf("expected 1002 locked, got %s", w.Locked)
	}
	if book, _ := h.svc.Book(symbol); book.Len(engine.SideBuy) != 1 {
		t.Fatalf("expected one resting bid")
	}
	if got := h.publisher.count(h.svc.topics.OrdersAccepted); got != 1 {
		t.Fatalf("expected one accepted event, got %d", got)
	}
	h.checkWallets(t)
}

func TestConcurrentCancelsAndMarketSells(t *testing.T) {
	h := newHarness(t)
	maker, taker := uuid.New(), uuid.New()
	h.fund(t, maker, "USD", "10000")
	h.fund(t, taker, "BTC", "10")

	var bids []uuid.UUID
	for i := 0; i < 10; i++ {
		bids = append(bids, h.limit(t, maker, storage.SideBuy, "1", "100").Order.ID)
	}

	var (
		mu     sync.Mutex
		trades []storage.Trade
		wg     sync.WaitGroup
	)
	for _, id := range bids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := h.svc.CancelOrder(context.Background(), id, maker)
			if rej, ok := AsRejection(err); err != nil && (!ok || rej.Kind != RejectInvalidOrderState) {
				t.Errorf("cancel %s: %v", id, err)
			}
		}(id)
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
				ParticipantID: taker, Symbol: symbol, Side: storage.SideSell, Type: storage.TypeMarket, Quantity: d("2"),
			})
			if rej, ok := AsRejection(err); err != nil && (!ok || rej.Kind != RejectNoLiquidity) {
				t.Errorf("market sell: %v", err)
				return
			}
			mu.Lock()
			trades = append(trades, res.Trades...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sold, fees := decimal.Zero, decimal.Zero
	for _, tr := range trades {
		sold = sold.Add(tr.Quantity)
		fees = fees.Add(tr.BuyerFee).Add(tr.SellerFee)
	}
	for _, id := range bids {
		if o := h.order(t, id); o.IsOpen() || !o.ReservedAmount.IsZero() {
			t.Fatalf("bid %s left %s with %s reserved", id, o.Status, o.ReservedAmount)
		}
	}
	if w := h.wallet(t, maker, "USD"); !w.Locked.IsZero() {
		t.Fatalf("expected maker USD unlocked, got %s", w.Locked)
	}
	if w := h.wallet(t, taker, "BTC"); !w.Locked.IsZero() || !w.Balance.Equal(d("10").Sub(sold)) {
		t.Fatalf("expected taker BTC %s/0, got %s/%s", d("10").Sub(sold), w.Balance, w.Locked)
	}
	if w := h.wallet(t, maker, "BTC"); !w.Balance.Equal(sold) {
		t.Fatalf("expected maker BTC %s, got %s", sold, w.Balance)
	}
	if got := h.total("USD").Add(fees); !got.Equal(d("10000")) {
		t.Fatalf("USD not conserved: wallets plus fees %s", got)
	}
	h.checkWallets(t)
}

func TestPriceTimePriority(t *testing.T) {
	h := newHarness(t)
	a, b, c, buyer := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	for _, p := range []uuid.UUID{a, b, c} {
		h.fund(t, p, "BTC", "1")
	}
	h.fund(t, buyer, "USD", "1000")

	h.limit(t, a, storage.SideSell, "1", "101")
	early := h.limit(t, b, storage.SideSell, "1", "100")
	late := h.limit(t, c, storage.SideSell, "1", "100")

	res := h.limit(t, buyer, storage.SideBuy, "2", "101")
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].SellOrderID != early.Order.ID || res.Trades[1].SellOrderID != late.Order.ID {
		t.Fatalf("expected better price then earlier time")
	}
	for _, tr := range res.Trades {
		if !tr.Price.Equal(d("100")) {
			t.Fatalf("expected maker price 100, got %s", tr.Price)
		}
		if tr.MakerSide != storage.SideSell {
			t.Fatalf("expected sell maker, got %s", tr.MakerSide)
		}
	}
	// Bought 2 at 100 with a 202 limit reservation; the rest is released.
	w := h.wallet(t, buyer, "USD")
	if !w.Locked.IsZero() || !w.Balance.Equal(d("799.6")) {
		t.Fatalf("unexpected buyer USD %s locked %s", w.Balance, w.Locked)
	}
	h.checkWallets(t)
}

func TestLimitRemainderRestsAsPartial(t *testing.T) {
	h := newHarness(t)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(t, seller, "BTC", "3")
	h.fund(t, buyer, "USD", "1000")
	h.limit(t, seller, storage.SideSell, "3", "40")

	res := h.limit(t, buyer, storage.SideBuy, "10", "50")
	if res.Order.Status != storage.StatusPartial || !res.Order.FilledQuantity.Equal(d("3")) {
		t.Fatalf("expected partial with 3 filled, got %s %s", res.Order.Status, res.Order.FilledQuantity)
	}
	// Remaining 7 at 50 still reserved with its fee headroom.
	w := h.wallet(t, buyer, "USD")
	if w.Locked.LessThan(d("350.7")) {
		t.Fatalf("expected remainder reservation of at least 350.7, got %s", w.Locked)
	}
	if !w.Locked.Equal(res.Order.ReservedAmount) {
		t.Fatalf("locked %s must equal order reservation %s", w.Locked, res.Order.ReservedAmount)
	}
	book, _ := h.svc.Book(symbol)
	bid, ok := book.BestBid()
	if !ok || !bid.Equal(d("50")) {
		t.Fatalf("expected remainder bid at 50, got %s", bid)
	}
}

func TestMarketRemainderIsCancelled(t *testing.T) {
	h := newHarness(t)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(t, seller, "BTC", "2")
	h.fund(t, buyer, "USD", "1000")
	h.limit(t, seller, storage.SideSell, "2", "100")

	res := h.market(t, buyer, storage.SideBuy, "5")
	if res.Order.Status != storage.StatusCancelled || !res.Order.FilledQuantity.Equal(d("2")) {
		t.Fatalf("expected cancelled after filling 2, got %s %s", res.Order.Status, res.Order.FilledQuantity)
	}
	if !res.Order.ReservedAmount.IsZero() {
		t.Fatalf("expected reservation released, got %s", res.Order.ReservedAmount)
	}
	if w := h.wallet(t, buyer, "USD"); !w.Locked.IsZero() {
		t.Fatalf("expected nothing locked, got %s", w.Locked)
	}
	if book, _ := h.svc.Book(symbol); book.Len(engine.SideBuy) != 0 {
		t.Fatalf("market remainder must not rest")
	}
}

func TestSelfTradeSettles(t *testing.T) {
	h := newHarness(t)
	p := uuid.New()
	h.fund(t, p, "BTC", "1")
	h.fund(t, p, "USD", "200")
	h.limit(t, p, storage.SideSell, "1", "100")
	res := h.limit(t, p, storage.SideBuy, "1", "100")
	if len(res.Trades) != 1 || res.Trades[0].BuyerID != res.Trades[0].SellerID {
		t.Fatalf("expected one self trade, got %+v", res.Trades)
	}
	// Only the fees leave: 0.2 taker and 0.1 maker.
	if w := h.wallet(t, p, "USD"); !w.Balance.Equal(d("199.7")) || !w.Locked.IsZero() {
		t.Fatalf("unexpected USD %s locked %s", w.Balance, w.Locked)
	}
	if w := h.wallet(t, p, "BTC"); !w.Balance.Equal(d("1")) || !w.Locked.IsZero() {
		t.Fatalf("unexpected BTC %s locked %s", w.Balance, w.Locked)
	}
}

func TestSubmitValidationRejections(t *testing.T) {
	h := newHarness(t)
	h.store.PutInstrument(storage.Instrument{
		Symbol: "ETH-USD", BaseAsset: "ETH", QuoteAsset: "USD", AssetClass: "crypto",
		Status: storage.InstrumentHalted,
	})
	h.store.PutInstrument(storage.Instrument{
		Symbol: "GOLD-USD", BaseAsset: "GOLD", QuoteAsset: "USD", AssetClass: "commodity",
		MinQuantity: d("1"), MaxQuantity: d("100"), MaxNotional: d("10000"),
	})
	p := uuid.New()

	cases := []struct {
		name string
		in   SubmitOrderInput
		kind RejectionKind
	}{
		{"unknown symbol", SubmitOrderInput{Symbol: "DOGE-USD", Side: "buy", Type: "limit", Price: d("1"), Quantity: d("1")}, RejectInvalidMarket},
		{"halted symbol", SubmitOrderInput{Symbol: "ETH-USD", Side: "buy", Type: "limit", Price: d("1"), Quantity: d("1")}, RejectInvalidMarket},
		{"bad side", SubmitOrderInput{Symbol: symbol, Side: "hold", Type: "limit", Price: d("1"), Quantity: d("1")}, RejectInvalidOrder},
		{"bad type", SubmitOrderInput{Symbol: symbol, Side: "buy", Type: "iceberg", Price: d("1"), Quantity: d("1")}, RejectInvalidOrder},
		{"zero quantity", SubmitOrderInput{Symbol: symbol, Side: "buy", Type: "limit", Price: d("1"), Quantity: d("0")}, RejectInvalidSize},
		{"below minimum", SubmitOrderInput{Symbol: "GOLD-USD", Side: "buy", Type: "limit", Price: d("1"), Quantity: d("0.5")}, RejectInvalidSize},
		{"above maximum", SubmitOrderInput{Symbol: "GOLD-USD", Side: "buy", Type: "limit", Price: d("1"), Quantity: d("101")}, RejectInvalidSize},
		{"zero limit price", SubmitOrderInput{Symbol: symbol, Side: "buy", Type: "limit", Quantity: d("1")}, RejectInvalidPrice},
		{"zero stop price", SubmitOrderInput{Symbol: symbol, Side: "sell", Type: "stop_loss", Quantity: d("1")}, RejectInvalidPrice},
		{"notional ceiling", SubmitOrderInput{Symbol: "GOLD-USD", Side: "buy", Type: "limit", Price: d("200"), Quantity: d("51")}, RejectMaxNotional},
		{"stop notional ceiling", SubmitOrderInput{Symbol: "GOLD-USD", Side: "sell", Type: "take_profit", StopPrice: d("1000"), Quantity: d("11")}, RejectMaxNotional},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.ParticipantID = p
			_, err := h.svc.SubmitOrder(context.Background(), tc.in)
			expectRejection(t, err, tc.kind)
		})
	}
	if got := testutil.ToFloat64(h.metrics.Rejections.WithLabelValues(string(RejectInvalidMarket))); got != 2 {
		t.Fatalf("expected 2 invalid market rejections counted, got %v", got)
	}
}

func TestInsufficientFundsRecordsRejectedOrder(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.fund(t, buyer, "USD", "100")

	in := SubmitOrderInput{
		ParticipantID:  buyer,
		Symbol:         symbol,
		Side:           storage.SideBuy,
		Type:           storage.TypeLimit,
		Price:          d("50"),
		Quantity:       d("10"),
		IdempotencyKey: "too-big",
	}
	_, err := h.svc.SubmitOrder(context.Background(), in)
	rej := expectRejection(t, err, RejectInsufficientFunds)
	if rej.Limit == nil || !rej.Limit.Equal(d("100")) {
		t.Fatalf("expected available 100 as limit, got %v", rej.Limit)
	}
	if w := h.wallet(t, buyer, "USD"); !w.Locked.IsZero() || !w.Balance.Equal(d("100")) {
		t.Fatalf("rejection must leave wallet untouched, got %s/%s", w.Balance, w.Locked)
	}
	if book, ok := h.svc.Book(symbol); ok && book.Len(engine.SideBuy) != 0 {
		t.Fatalf("rejected order must not rest")
	}

	// The key now belongs to the rejected order.
	h.fund(t, buyer, "USD", "1000")
	res, err := h.svc.SubmitOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Existing || res.Order.Status != storage.StatusRejected || res.Order.RejectReason != string(RejectInsufficientFunds) {
		t.Fatalf("expected recorded rejection, got %+v", res.Order)
	}
	if h.publisher.count("orders.rejected") != 1 {
		t.Fatalf("expected rejected event, got %v", h.publisher.topics)
	}
}

func TestMarketOrderWithoutLiquidity(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.fund(t, buyer, "USD", "1000")
	_, err := h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: buyer, Symbol: symbol, Side: storage.SideBuy, Type: storage.TypeMarket, Quantity: d("1"),
	})
	expectRejection(t, err, RejectNoLiquidity)
	if w := h.wallet(t, buyer, "USD"); !w.Locked.IsZero() {
		t.Fatalf("expected nothing locked, got %s", w.Locked)
	}
}

func TestMarketOrderNotionalCheckedAgainstBook(t *testing.T) {
	h := newHarness(t)
	h.store.PutInstrument(storage.Instrument{
		Symbol: symbol, BaseAsset: "BTC", QuoteAsset: "USD", AssetClass: "crypto", MaxNotional: d("1000"),
	})
	seller, buyer := uuid.New(), uuid.New()
	h.fund(t, seller, "BTC", "20")
	h.fund(t, buyer, "USD", "5000")
	h.limit(t, seller, storage.SideSell, "9", "100")
	h.limit(t, seller, storage.SideSell, "9", "110")

	_, err := h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: buyer, Symbol: symbol, Side: storage.SideBuy, Type: storage.TypeMarket, Quantity: d("10"),
	})
	rej := expectRejection(t, err, RejectMaxNotional)
	if !rej.Limit.Equal(d("1000")) {
		t.Fatalf("expected ceiling as limit, got %s", rej.Limit)
	}
}

func TestCircuitBreakerHaltsUsersNotMarketMakers(t *testing.T) {
	h := newHarness(t)
	user, mm := uuid.New(), uuid.New()
	h.store.PutParticipant(storage.Participant{ID: mm, Role: storage.RoleMarketMaker, KYCVerified: true})
	h.fund(t, user, "USD", "1000")
	h.fund(t, mm, "USD", "1000")

	h.breaker.RecordPrice(symbol, d("100"))
	if !h.breaker.RecordPrice(symbol, d("150")) {
		t.Fatalf("expected breaker to trip")
	}

	_, err := h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: user, Symbol: symbol, Side: storage.SideBuy, Type: storage.TypeLimit, Price: d("10"), Quantity: d("1"),
	})
	expectRejection(t, err, RejectCircuitBreaker)

	h.limit(t, mm, storage.SideBuy, "1", "10")
}

func TestPositionLimit(t *testing.T) {
	h := newHarness(t, func(deps *Dependencies, _ *Config) {
		deps.Guard.UnverifiedFactor = d("0.5")
	})
	h.store.PutInstrument(storage.Instrument{
		Symbol: symbol, BaseAsset: "BTC", QuoteAsset: "USD", AssetClass: "crypto", MaxPosition: d("10"),
	})
	verified, unverified := uuid.New(), uuid.New()
	h.store.PutParticipant(storage.Participant{ID: verified, Role: storage.RoleUser, KYCVerified: true})
	h.store.PutParticipant(storage.Participant{ID: unverified, Role: storage.RoleUser})
	for _, p := range []uuid.UUID{verified, unverified} {
		h.fund(t, p, "USD", "10000")
		h.fund(t, p, "BTC", "4")
	}

	h.limit(t, verified, storage.SideBuy, "6", "1")

	_, err := h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: unverified, Symbol: symbol, Side: storage.SideBuy, Type: storage.TypeLimit, Price: d("1"), Quantity: d("2"),
	})
	rej := expectRejection(t, err, RejectPositionLimit)
	if !rej.Limit.Equal(d("5")) {
		t.Fatalf("expected halved limit 5, got %s", rej.Limit)
	}

	// Sells never grow the position.
	h.limit(t, unverified, storage.SideSell, "4", "1000")
}

// peer builds a second coordinator on the same store and gate with its own
// book cache, as a second process would have.
func (h *harness) peer(t *testing.T) *Service {
	t.Helper()
	other, err := New(Dependencies{
		Store:  h.store,
		Gate:   h.svc.gate,
		Books:  engine.NewBooks(),
		Fees:   h.svc.fees,
		Logger: testLogger(),
	}, Config{HoldingAsset: "TKX", RewardShareBps: d("2000"), JobMaxAttempts: 3})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	if err := other.Start(context.Background()); err != nil {
		t.Fatalf("start peer: %v", err)
	}
	return other
}

func TestPeerCancelRebuildsCachedBook(t *testing.T) {
	h := newHarness(t)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(t, seller, "BTC", "1")
	h.fund(t, buyer, "USD", "1000")
	maker := h.limit(t, seller, storage.SideSell, "1", "100")

	other := h.peer(t)
	if _, err := other.CancelOrder(context.Background(), maker.Order.ID, seller); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res := h.limit(t, buyer, storage.SideBuy, "1", "100")
	if len(res.Trades) != 0 || res.Order.Status != storage.StatusPending {
		t.Fatalf("expected no fill against the cancelled maker, got %d trades %s", len(res.Trades), res.Order.Status)
	}
	book, _ := h.svc.Book(symbol)
	if _, ok := book.Get(maker.Order.ID); ok {
		t.Fatalf("rebuilt book must not contain the cancelled maker")
	}
	if got := testutil.ToFloat64(h.metrics.BookRebuilds.WithLabelValues("stale")); got != 1 {
		t.Fatalf("expected one stale rebuild, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.BookRebuilds.WithLabelValues("rollback")); got != 0 {
		t.Fatalf("expected no rollback, got %v", got)
	}
	h.checkWallets(t)
}

func TestStaleMakerIsCaughtUnderLock(t *testing.T) {
	h := newHarness(t)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(t, seller, "BTC", "1")
	h.fund(t, buyer, "USD", "1000")
	maker := h.limit(t, seller, storage.SideSell, "1", "100")

	if _, err := h.peer(t).CancelOrder(context.Background(), maker.Order.ID, seller); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Pretend the cached book already reflects the latest version, so only
	// the row check under lock can notice the cancelled maker.
	h.svc.books.Stamp(symbol, h.store.BookVersion(symbol))

	res := h.limit(t, buyer, storage.SideBuy, "1", "100")
	if len(res.Trades) != 0 || res.Order.Status != storage.StatusPending {
		t.Fatalf("expected no fill against the cancelled maker, got %d trades %s", len(res.Trades), res.Order.Status)
	}
	if got := testutil.ToFloat64(h.metrics.BookRebuilds.WithLabelValues("rollback")); got != 1 {
		t.Fatalf("expected one rollback rebuild, got %v", got)
	}
	h.checkWallets(t)
}

func TestTwoCoordinatorsShareOneBook(t *testing.T) {
	h := newHarness(t)
	other := h.peer(t)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(t, seller, "BTC", "2")
	h.fund(t, buyer, "USD", "1000")

	ask := h.limit(t, seller, storage.SideSell, "1", "100")

	res, err := other.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: buyer, Symbol: symbol, Side: storage.SideBuy, Type: storage.TypeLimit,
		Price: d("110"), Quantity: d("1"),
	})
	if err != nil {
		t.Fatalf("crossing buy on peer: %v", err)
	}
	if len(res.Trades) != 1 || !res.Trades[0].Price.Equal(d("100")) || res.Trades[0].SellOrderID != ask.Order.ID {
		t.Fatalf("expected the peer to fill the ask at 100, got %+v", res.Trades)
	}
	if got := h.order(t, ask.Order.ID); got.Status != storage.StatusFilled {
		t.Fatalf("expected ask filled, got %s", got.Status)
	}

	// The first coordinator must not match against the ask the peer filled,
	// and the peer must see liquidity the first one rests.
	h.limit(t, seller, storage.SideSell, "1", "105")
	mkt, err := other.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: buyer, Symbol: symbol, Side: storage.SideBuy, Type: storage.TypeMarket, Quantity: d("1"),
	})
	if err != nil {
		t.Fatalf("market buy on peer: %v", err)
	}
	if len(mkt.Trades) != 1 || !mkt.Trades[0].Price.Equal(d("105")) {
		t.Fatalf("expected a fill at 105, got %+v", mkt.Trades)
	}
	// The first coordinator still caches the 105 ask; its next pass reloads.
	h.limit(t, buyer, storage.SideBuy, "1", "1")
	if book, ok := h.svc.Book(symbol); !ok || book.Len(engine.SideSell) != 0 {
		t.Fatalf("first coordinator still shows filled asks after its next pass")
	}
	if w := h.wallet(t, seller, "BTC"); !w.Balance.IsZero() || !w.Locked.IsZero() {
		t.Fatalf("expected seller fully sold, got %s/%s", w.Balance, w.Locked)
	}
	h.checkWallets(t)
}

func TestFailedCommitLeavesStateAndRebuildsBook(t *testing.T) {
	h := newHarness(t)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(t, seller, "BTC", "1")
	h.fund(t, buyer, "USD", "1000")
	maker := h.limit(t, seller, storage.SideSell, "1", "100")

	boom := errors.New("disk full")
	h.store.SetCommitHook(func() error { return boom })
	_, err := h.svc.SubmitOrder(context.Background(), SubmitOrderInput{
		ParticipantID: buyer, Symbol: symbol, Side: storage.SideBuy, Type: storage.TypeMarket, Quantity: d("1"),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
	h.store.SetCommitHook(nil)

	if got := h.order(t, maker.Order.ID); got.Status != storage.StatusPending {
		t.Fatalf("maker must be untouched, got %s", got.Status)
	}
	if w := h.wallet(t, buyer, "USD"); !w.Balance.Equal(d("1000")) || !w.Locked.IsZero() {
		t.Fatalf("buyer must be untouched, got %s/%s", w.Balance, w.Locked)
	}

	res := h.market(t, buyer, storage.SideBuy, "1")
	if len(res.Trades) != 1 {
		t.Fatalf("expected the rebuilt book to still hold the maker")
	}
}

func TestStartRebuildsBooksFromStore(t *testing.T) {
	h := newHarness(t)
	seller := uuid.New()
	h.fund(t, seller, "BTC", "2")
	first := h.limit(t, seller, storage.SideSell, "1", "100")
	h.limit(t, seller, storage.SideSell, "1", "100")

	h.svc.Shutdown()
	if _, ok := h.svc.Book(symbol); ok {
		t.Fatalf("expected books flushed")
	}
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	book, ok := h.svc.Book(symbol)
	if !ok || book.Len(engine.SideSell) != 2 {
		t.Fatalf("expected 2 asks after restart")
	}
	depth := book.Depth()
	if len(depth.Asks) != 1 || depth.Asks[0].Orders != 2 {
		t.Fatalf("expected one level of two orders, got %+v", depth.Asks)
	}

	buyer := uuid.New()
	h.fund(t, buyer, "USD", "200")
	res := h.market(t, buyer, storage.SideBuy, "1")
	if res.Trades[0].SellOrderID != first.Order.ID {
		t.Fatalf("time priority lost across restart")
	}
}

func TestFeeIncreaseAfterMakerRestsDoesNotFailTaker(t *testing.T) {
	for _, tc := range []struct {
		name     string
		funding  string
		makerFee string
	}{
		{"exactly reserved", "1002", "2"},
		{"spare balance", "1100", "5"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			maker, taker := uuid.New(), uuid.New()
			h.fund(t, maker, "USD", tc.funding)
			h.fund(t, taker, "BTC", "10")
			bid := h.limit(t, maker, storage.SideBuy, "10", "100")
			if !bid.Order.ReservedAmount.Equal(d("1002")) {
				t.Fatalf("expected 1002 reserved, got %s", bid.Order.ReservedAmount)
			}

			raised, err := fee.NewSchedule(map[string]fee.Rates{
				"crypto": {MakerBps: d("50"), TakerBps: d("50")},
			}, fee.Rates{MakerBps: d("50"), TakerBps: d("50")}, nil, decimal.Zero)
			if err != nil {
				t.Fatalf("schedule: %v", err)
			}
			if err := h.svc.fees.(*fee.Cache).Load(context.Background(), fee.StaticSource{Schedule: raised}); err != nil {
				t.Fatalf("load fees: %v", err)
			}

			res := h.market(t, taker, storage.SideSell, "10")
			if len(res.Trades) != 1 || res.Order.Status != storage.StatusFilled {
				t.Fatalf("expected the taker filled, got %d trades %s", len(res.Trades), res.Order.Status)
			}
			tr := res.Trades[0]
			if !tr.BuyerFee.Equal(d(tc.makerFee)) || !tr.SellerFee.Equal(d("5")) {
				t.Fatalf("expected fees %s/5, got %s/%s", tc.makerFee, tr.BuyerFee, tr.SellerFee)
			}
			if got := h.order(t, bid.Order.ID); got.Status != storage.StatusFilled || !got.ReservedAmount.IsZero() {
				t.Fatalf("expected maker filled with nothing reserved, got %s %s", got.Status, got.ReservedAmount)
			}
			spare := d(tc.funding).Sub(d("1000")).Sub(d(tc.makerFee))
			if w := h.wallet(t, maker, "USD"); !w.Balance.Equal(spare) || !w.Locked.IsZero() {
				t.Fatalf("expected maker USD %s/0, got %s/%s", spare, w.Balance, w.Locked)
			}
			if w := h.wallet(t, taker, "USD"); !w.Balance.Equal(d("995")) {
				t.Fatalf("expected taker proceeds 995, got %s", w.Balance)
			}
			h.checkWallets(t)
		})
	}
}

func TestHoldingTierDiscountsFees(t *testing.T) {
	schedule, err := fee.NewSchedule(nil, fee.Rates{MakerBps: d("10"), TakerBps: d("20")},
		[]fee.Tier{{MinHolding: d("100"), Multiplier: d("0.5")}}, decimal.Zero)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	cache := fee.NewCache()
	_ = cache.Load(context.Background(), fee.StaticSource{Schedule: schedule})
	h := newHarness(t, func(deps *Dependencies, _ *Config) { deps.Fees = cache })

	seller, buyer := uuid.New(), uuid.New()
	h.fund(t, seller, "BTC", "1")
	h.fund(t, buyer, "USD", "1000")
	h.fund(t, buyer, "TKX", "150")
	h.limit(t, seller, storage.SideSell, "1", "100")

	res := h.market(t, buyer, storage.SideBuy, "1")
	if !res.Trades[0].BuyerFee.Equal(d("0.1")) {
		t.Fatalf("expected discounted taker fee 0.1, got %s", res.Trades[0].BuyerFee)
	}
	if !res.Trades[0].SellerFee.Equal(d("0.1")) {
		t.Fatalf("expected undiscounted maker fee 0.1, got %s", res.Trades[0].SellerFee)
	}
}
