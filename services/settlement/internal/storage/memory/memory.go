// Package memory is an in-process implementation of the settlement stores.
// Transactions are fully serialized and buffer their writes until commit, so
// a failed unit leaves no trace.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
)

type walletKey struct {
	participant uuid.UUID
	asset       string
}

type idemKey struct {
	participant uuid.UUID
	key         string
}

type Store struct {
	mu           sync.Mutex
	instruments  map[string]storage.Instrument
	participants map[uuid.UUID]storage.Participant
	orders       map[uuid.UUID]storage.Order
	idempotency  map[idemKey]uuid.UUID
	wallets      map[walletKey]storage.Wallet
	trades       []storage.Trade
	ledger       []storage.LedgerTransaction
	references   map[string]struct{}
	jobs         map[uuid.UUID]storage.Job
	bookVersions map[string]int64
	seq          int64
	commitHook   func() error
}

func New() *Store {
	return &Store{
		instruments:  make(map[string]storage.Instrument),
		participants: make(map[uuid.UUID]storage.Participant),
		orders:       make(map[uuid.UUID]storage.Order),
		idempotency:  make(map[idemKey]uuid.UUID),
		wallets:      make(map[walletKey]storage.Wallet),
		references:   make(map[string]struct{}),
		jobs:         make(map[uuid.UUID]storage.Job),
		bookVersions: make(map[string]int64),
	}
}

// SetCommitHook installs fn to run just before a transaction commits. A
// non-nil error aborts the commit.
func (s *Store) SetCommitHook(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = fn
}

func (s *Store) PutInstrument(inst storage.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.Symbol = storage.NormalizeSymbol(inst.Symbol)
	inst.BaseAsset = storage.NormalizeAsset(inst.BaseAsset)
	inst.QuoteAsset = storage.NormalizeAsset(inst.QuoteAsset)
	if inst.Status == "" {
		inst.Status = storage.InstrumentActive
	}
	s.instruments[inst.Symbol] = inst
}

func (s *Store) PutParticipant(p storage.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
}

// PutWallet overwrites a wallet balance without a ledger entry.
func (s *Store) PutWallet(w storage.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Asset = storage.NormalizeAsset(w.Asset)
	s.wallets[walletKey{w.ParticipantID, w.Asset}] = w
}

// BookVersion returns the committed book version of symbol.
func (s *Store) BookVersion(symbol string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookVersions[storage.NormalizeSymbol(symbol)]
}

// Wallets returns every wallet in no particular order.
func (s *Store) Wallets() []storage.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	return out
}

func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:           s,
		orders:      make(map[uuid.UUID]storage.Order),
		idempotency: make(map[idemKey]uuid.UUID),
		wallets:     make(map[walletKey]storage.Wallet),
		references:  make(map[string]struct{}),
		versions:    make(map[string]int64),
		seq:         s.seq,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if s.commitHook != nil {
		if err := s.commitHook(); err != nil {
			return err
		}
	}
	tx.commit()
	return nil
}

func (s *Store) GetInstrument(_ context.Context, symbol string) (storage.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[storage.NormalizeSymbol(symbol)]
	if !ok {
		return storage.Instrument{}, storage.ErrNotFound
	}
	return inst, nil
}

func (s *Store) ListInstruments(_ context.Context) ([]storage.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) GetParticipant(_ context.Context, id uuid.UUID) (storage.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return storage.Participant{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (storage.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return storage.Order{}, storage.ErrNotFound
	}
	return o, nil
}

func (s *Store) GetOrderByIdempotencyKey(_ context.Context, participantID uuid.UUID, key string) (storage.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idempotency[idemKey{participantID, key}]
	if !ok {
		return storage.Order{}, storage.ErrNotFound
	}
	return s.orders[id], nil
}

func (s *Store) ListStopOrders(_ context.Context, symbol string) ([]storage.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = storage.NormalizeSymbol(symbol)
	return s.filterOrders(func(o storage.Order) bool {
		return o.Symbol == symbol && o.Status == storage.StatusPending && o.IsStop()
	}), nil
}

func (s *Store) ListTrades(_ context.Context, symbol string, limit int) ([]storage.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = storage.NormalizeSymbol(symbol)
	var out []storage.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Symbol != symbol {
			continue
		}
		out = append(out, s.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetWallet(_ context.Context, participantID uuid.UUID, asset string) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset = storage.NormalizeAsset(asset)
	w, ok := s.wallets[walletKey{participantID, asset}]
	if !ok {
		return storage.Wallet{ParticipantID: participantID, Asset: asset}, nil
	}
	return w, nil
}

func (s *Store) ListLedgerTransactions(_ context.Context, participantID uuid.UUID, asset string) ([]storage.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset = storage.NormalizeAsset(asset)
	var out []storage.LedgerTransaction
	for _, e := range s.ledger {
		if e.ParticipantID == participantID && e.Asset == asset {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) filterOrders(keep func(storage.Order) bool) []storage.Order {
	var out []storage.Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

type memTx struct {
	s           *Store
	orders      map[uuid.UUID]storage.Order
	idempotency map[idemKey]uuid.UUID
	wallets     map[walletKey]storage.Wallet
	trades      []storage.Trade
	ledger      []storage.LedgerTransaction
	references  map[string]struct{}
	jobs        []storage.Job
	versions    map[string]int64
	seq         int64
}

func (t *memTx) commit() {
	s := t.s
	for id, o := range t.orders {
		s.orders[id] = o
	}
	for k, id := range t.idempotency {
		s.idempotency[k] = id
	}
	for k, w := range t.wallets {
		s.wallets[k] = w
	}
	s.trades = append(s.trades, t.trades...)
	s.ledger = append(s.ledger, t.ledger...)
	for ref := range t.references {
		s.references[ref] = struct{}{}
	}
	for _, j := range t.jobs {
		if _, exists := s.jobs[j.ID]; !exists {
			s.jobs[j.ID] = j
		}
	}
	for sym, v := range t.versions {
		s.bookVersions[sym] = v
	}
	s.seq = t.seq
}

func (t *memTx) LockSymbol(context.Context, string) error {
	return nil
}

func (t *memTx) BumpBookVersion(_ context.Context, symbol string) (int64, error) {
	symbol = storage.NormalizeSymbol(symbol)
	prev, ok := t.versions[symbol]
	if !ok {
		prev = t.s.bookVersions[symbol]
	}
	t.versions[symbol] = prev + 1
	return prev, nil
}

func (t *memTx) order(id uuid.UUID) (storage.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.s.orders[id]
	return o, ok
}

func (t *memTx) CreateOrder(_ context.Context, order *storage.Order) (storage.Order, bool, error) {
	if order.IdempotencyKey != "" {
		key := idemKey{order.ParticipantID, order.IdempotencyKey}
		id, ok := t.idempotency[key]
		if !ok {
			id, ok = t.s.idempotency[key]
		}
		if ok {
			existing, _ := t.order(id)
			return existing, true, nil
		}
		if order.ID == uuid.Nil {
			order.ID = uuid.New()
		}
		t.idempotency[key] = order.ID
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	t.seq++
	order.Seq = t.seq
	t.orders[order.ID] = *order
	return *order, false, nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id uuid.UUID) (*storage.Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) UpdateOrder(_ context.Context, order *storage.Order) error {
	current, ok := t.order(order.ID)
	if !ok {
		return storage.ErrNotFound
	}
	order.Seq = current.Seq
	order.UpdatedAt = time.Now().UTC()
	t.orders[order.ID] = *order
	return nil
}

func (t *memTx) RequeueOrder(ctx context.Context, order *storage.Order) error {
	if err := t.UpdateOrder(ctx, order); err != nil {
		return err
	}
	t.seq++
	order.Seq = t.seq
	t.orders[order.ID] = *order
	return nil
}

func (t *memTx) ListOpenOrders(_ context.Context, symbol string) ([]storage.Order, error) {
	symbol = storage.NormalizeSymbol(symbol)
	seen := make(map[uuid.UUID]struct{})
	var out []storage.Order
	keep := func(o storage.Order) {
		if o.Symbol == symbol && o.IsOpen() && o.Type == storage.TypeLimit {
			out = append(out, o)
		}
	}
	for id, o := range t.orders {
		seen[id] = struct{}{}
		keep(o)
	}
	for id, o := range t.s.orders {
		if _, ok := seen[id]; !ok {
			keep(o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) GetWallet(_ context.Context, participantID uuid.UUID, asset string) (storage.Wallet, error) {
	key := walletKey{participantID, storage.NormalizeAsset(asset)}
	if w, ok := t.wallets[key]; ok {
		return w, nil
	}
	if w, ok := t.s.wallets[key]; ok {
		return w, nil
	}
	return storage.Wallet{ParticipantID: participantID, Asset: key.asset}, nil
}

func (t *memTx) GetWalletForUpdate(ctx context.Context, participantID uuid.UUID, asset string) (*storage.Wallet, error) {
	w, err := t.GetWallet(ctx, participantID, asset)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *memTx) SaveWallet(_ context.Context, w *storage.Wallet) error {
	if err := w.Validate(); err != nil {
		return err
	}
	w.Asset = storage.NormalizeAsset(w.Asset)
	w.UpdatedAt = time.Now().UTC()
	t.wallets[walletKey{w.ParticipantID, w.Asset}] = *w
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, trade *storage.Trade) error {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	t.trades = append(t.trades, *trade)
	return nil
}

func (t *memTx) InsertLedgerTransaction(_ context.Context, e *storage.LedgerTransaction) (bool, error) {
	if e.Reference != "" {
		if _, ok := t.references[e.Reference]; ok {
			return false, nil
		}
		if _, ok := t.s.references[e.Reference]; ok {
			return false, nil
		}
		t.references[e.Reference] = struct{}{}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Asset = storage.NormalizeAsset(e.Asset)
	t.ledger = append(t.ledger, *e)
	return true, nil
}

func (t *memTx) EnqueueJob(_ context.Context, job *storage.Job) error {
	prepareJob(job)
	t.jobs = append(t.jobs, *job)
	return nil
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.JobStore = (*Store)(nil)
)
