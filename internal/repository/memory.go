package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketpay/internal/model"
)

type memoryState struct {
	wallets     map[model.Owner]model.Wallet
	revenue     model.RevenueWallet
	txByID      map[string]model.Transaction
	txByRef     map[string]string
	products    map[string]model.Product
	orders      map[string]model.Order
	escrows     map[string]model.Escrow
	escrowOrder map[string]string
	withdrawals map[string]model.Withdrawal
	wdByRef     map[string]string
	profiles    map[string]model.PayoutProfile
}

func newMemoryState() *memoryState {
	return &memoryState{
		wallets:     make(map[model.Owner]model.Wallet),
		revenue:     model.RevenueWallet{Balance: decimal.Zero},
		txByID:      make(map[string]model.Transaction),
		txByRef:     make(map[string]string),
		products:    make(map[string]model.Product),
		orders:      make(map[string]model.Order),
		escrows:     make(map[string]model.Escrow),
		escrowOrder: make(map[string]string),
		withdrawals: make(map[string]model.Withdrawal),
		wdByRef:     make(map[string]string),
		profiles:    make(map[string]model.PayoutProfile),
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		wallets:     make(map[model.Owner]model.Wallet, len(s.wallets)),
		revenue:     s.revenue,
		txByID:      make(map[string]model.Transaction, len(s.txByID)),
		txByRef:     make(map[string]string, len(s.txByRef)),
		products:    make(map[string]model.Product, len(s.products)),
		orders:      make(map[string]model.Order, len(s.orders)),
		escrows:     make(map[string]model.Escrow, len(s.escrows)),
		escrowOrder: make(map[string]string, len(s.escrowOrder)),
		withdrawals: make(map[string]model.Withdrawal, len(s.withdrawals)),
		wdByRef:     make(map[string]string, len(s.wdByRef)),
		profiles:    make(map[string]model.PayoutProfile, len(s.profiles)),
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.txByID {
		c.txByID[k] = v
	}
	for k, v := range s.txByRef {
		c.txByRef[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.escrowOrder {
		c.escrowOrder[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range s.wdByRef {
		c.wdByRef[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	return c
}

// MemoryRepository хранит журнал в памяти процесса. Используется без DATABASE_URI и в тестах.
//
// Транзакции сериализуются одним мьютексом: функция транзакции работает с копией
// состояния, которая заменяет текущее только при успешном завершении.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: newMemoryState(),
		now:   time.Now,
	}
}

// WithTx выполняет fn атомарно.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := r.state.clone()
	if err := fn(&memoryTx{state: work, now: r.now}); err != nil {
		return err
	}

	r.state = work
	return nil
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// GetWallet возвращает кошелёк владельца или model.ErrNotFound.
func (r *MemoryRepository) GetWallet(_ context.Context, owner model.Owner) (*model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.state.wallets[owner]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", owner, model.ErrNotFound)
	}
	return &w, nil
}

// ListWallets возвращает все кошельки.
func (r *MemoryRepository) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return (&memoryTx{state: r.state}).ListWallets(ctx)
}

// GetRevenueWallet возвращает кошелёк комиссий платформы.
func (r *MemoryRepository) GetRevenueWallet(_ context.Context) (*model.RevenueWallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw := r.state.revenue
	return &rw, nil
}

// GetTransactionByReference возвращает транзакцию по ключу идемпотентности.
func (r *MemoryRepository) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return (&memoryTx{state: r.state}).LockTransactionByReference(ctx, reference)
}

// ListTransactions возвращает транзакции владельца, новые первыми.
func (r *MemoryRepository) ListTransactions(_ context.Context, owner model.Owner) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for _, t := range r.state.txByID {
		if t.Owner == owner {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// SaveProduct добавляет или заменяет товар каталога.
func (r *MemoryRepository) SaveProduct(_ context.Context, p *model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.products[p.ID] = *p
	return nil
}

// ListOrders возвращает заказы, где владелец выступает покупателем или продавцом.
func (r *MemoryRepository) ListOrders(_ context.Context, owner model.Owner) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Order
	for _, o := range r.state.orders {
		if partyMatches(owner, o.BuyerID, o.SellerID) {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// GetEscrow возвращает эскроу по идентификатору.
func (r *MemoryRepository) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return (&memoryTx{state: r.state}).LockEscrow(ctx, id)
}

// ListEscrows возвращает эскроу, где владелец выступает покупателем или продавцом.
func (r *MemoryRepository) ListEscrows(_ context.Context, owner model.Owner) ([]model.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Escrow
	for _, e := range r.state.escrows {
		if partyMatches(owner, e.BuyerID, e.SellerID) {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// ListWithdrawals возвращает выводы продавца или все выводы при пустом sellerID.
func (r *MemoryRepository) ListWithdrawals(_ context.Context, sellerID string) ([]model.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Withdrawal
	for _, w := range r.state.withdrawals {
		if sellerID == "" || w.SellerID == sellerID {
			res = append(res, w)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// ListStaleWithdrawals возвращает зависшие в pending выводы, старые первыми.
func (r *MemoryRepository) ListStaleWithdrawals(_ context.Context, unknownBefore, abandonedBefore time.Time, limit int) ([]model.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Withdrawal
	for _, w := range r.state.withdrawals {
		if w.Status != model.WithdrawalPending {
			continue
		}
		if w.OutcomeUnknownAt != nil && !w.OutcomeUnknownAt.After(unknownBefore) ||
			w.OutcomeUnknownAt == nil && !w.CreatedAt.After(abandonedBefore) {
			res = append(res, w)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// GetPayoutProfile возвращает платёжный профиль продавца.
func (r *MemoryRepository) GetPayoutProfile(_ context.Context, sellerID string) (*model.PayoutProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.state.profiles[sellerID]
	if !ok {
		return nil, fmt.Errorf("payout profile %s: %w", sellerID, model.ErrNotFound)
	}
	return &p, nil
}

// SavePayoutProfile сохраняет платёжный профиль продавца.
func (r *MemoryRepository) SavePayoutProfile(_ context.Context, p *model.PayoutProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *p
	cp.UpdatedAt = r.now()
	r.state.profiles[p.SellerID] = cp
	return nil
}

func partyMatches(owner model.Owner, buyerID, sellerID string) bool {
	switch owner.Kind {
	case model.OwnerBuyer:
		return buyerID == owner.ID
	case model.OwnerSeller:
		return sellerID == owner.ID
	}
	return false
}

type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) timestamp() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

func (t *memoryTx) LockWallet(_ context.Context, owner model.Owner) (*model.Wallet, error) {
	if !owner.Kind.Valid() || owner.ID == "" {
		return nil, fmt.Errorf("wallet owner %q: %w", owner, model.ErrValidation)
	}
	w, ok := t.state.wallets[owner]
	if !ok {
		w = model.Wallet{
			Owner:         owner,
			Balance:       decimal.Zero,
			EscrowBalance: decimal.Zero,
			UpdatedAt:     t.timestamp(),
		}
		t.state.wallets[owner] = w
	}
	return &w, nil
}

func (t *memoryTx) SaveWallet(_ context.Context, w *model.Wallet) error {
	if w.Balance.IsNegative() || w.EscrowBalance.IsNegative() {
		return fmt.Errorf("wallet %s: negative balance: %w", w.Owner, model.ErrInsufficientFunds)
	}
	cp := *w
	cp.UpdatedAt = t.timestamp()
	t.state.wallets[w.Owner] = cp
	return nil
}

func (t *memoryTx) LockRevenueWallet(_ context.Context) (*model.RevenueWallet, error) {
	rw := t.state.revenue
	return &rw, nil
}

func (t *memoryTx) SaveRevenueWallet(_ context.Context, w *model.RevenueWallet) error {
	if w.Balance.IsNegative() {
		return fmt.Errorf("revenue wallet: negative balance: %w", model.ErrInsufficientFunds)
	}
	t.state.revenue = model.RevenueWallet{Balance: w.Balance, UpdatedAt: t.timestamp()}
	return nil
}

func (t *memoryTx) ListWallets(_ context.Context) ([]model.Wallet, error) {
	res := make([]model.Wallet, 0, len(t.state.wallets))
	for _, w := range t.state.wallets {
		res = append(res, w)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Owner.String() < res[j].Owner.String() })
	return res, nil
}

func (t *memoryTx) CreateTransaction(_ context.Context, tr *model.Transaction) error {
	if _, ok := t.state.txByRef[tr.Reference]; ok {
		return fmt.Errorf("transaction %s: %w", tr.Reference, model.ErrDuplicateReference)
	}
	cp := *tr
	now := t.timestamp()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	t.state.txByID[cp.ID] = cp
	t.state.txByRef[cp.Reference] = cp.ID
	*tr = cp
	return nil
}

func (t *memoryTx) LockTransactionByReference(_ context.Context, reference string) (*model.Transaction, error) {
	id, ok := t.state.txByRef[reference]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", reference, model.ErrNotFound)
	}
	tr := t.state.txByID[id]
	return &tr, nil
}

func (t *memoryTx) UpdateTransactionStatus(_ context.Context, id string, status model.TransactionStatus) error {
	tr, ok := t.state.txByID[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	tr.Status = status
	tr.UpdatedAt = t.timestamp()
	t.state.txByID[id] = tr
	return nil
}

func (t *memoryTx) GetProduct(_ context.Context, id string) (*model.Product, error) {
	p, ok := t.state.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	return &p, nil
}

func (t *memoryTx) CreateOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.state.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists: %w", o.ID, model.ErrValidation)
	}
	cp := *o
	now := t.timestamp()
	cp.CreatedAt, cp.UpdatedAt = now, now
	t.state.orders[o.ID] = cp
	*o = cp
	return nil
}

func (t *memoryTx) UpdateOrderStatus(_ context.Context, id string, status model.OrderStatus) error {
	o, ok := t.state.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	o.Status = status
	o.UpdatedAt = t.timestamp()
	t.state.orders[id] = o
	return nil
}

func (t *memoryTx) CreateEscrow(_ context.Context, e *model.Escrow) error {
	if _, ok := t.state.escrowOrder[e.OrderID]; ok {
		return fmt.Errorf("escrow for order %s already exists: %w", e.OrderID, model.ErrValidation)
	}
	cp := *e
	now := t.timestamp()
	cp.CreatedAt, cp.UpdatedAt = now, now
	t.state.escrows[e.ID] = cp
	t.state.escrowOrder[e.OrderID] = e.ID
	*e = cp
	return nil
}

func (t *memoryTx) LockEscrow(_ context.Context, id string) (*model.Escrow, error) {
	e, ok := t.state.escrows[id]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", id, model.ErrNotFound)
	}
	return &e, nil
}

func (t *memoryTx) LockEscrowByOrder(ctx context.Context, orderID string) (*model.Escrow, error) {
	id, ok := t.state.escrowOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("escrow for order %s: %w", orderID, model.ErrNotFound)
	}
	return t.LockEscrow(ctx, id)
}

func (t *memoryTx) UpdateEscrow(_ context.Context, e *model.Escrow) error {
	if _, ok := t.state.escrows[e.ID]; !ok {
		return fmt.Errorf("escrow %s: %w", e.ID, model.ErrNotFound)
	}
	cp := *e
	cp.UpdatedAt = t.timestamp()
	t.state.escrows[e.ID] = cp
	*e = cp
	return nil
}

func (t *memoryTx) SumOpenEscrows(_ context.Context) (map[string]decimal.Decimal, map[string]decimal.Decimal, error) {
	buyers := make(map[string]decimal.Decimal)
	sellers := make(map[string]decimal.Decimal)
	for _, e := range t.state.escrows {
		if e.IsTerminal() {
			continue
		}
		buyers[e.BuyerID] = buyers[e.BuyerID].Add(e.Amount)
		sellers[e.SellerID] = sellers[e.SellerID].Add(e.Amount)
	}
	return buyers, sellers, nil
}

func (t *memoryTx) CreateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	if _, ok := t.state.wdByRef[w.Reference]; ok {
		return fmt.Errorf("withdrawal %s: %w", w.Reference, model.ErrDuplicateReference)
	}
	cp := *w
	now := t.timestamp()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	t.state.withdrawals[w.ID] = cp
	t.state.wdByRef[w.Reference] = w.ID
	*w = cp
	return nil
}

func (t *memoryTx) LockWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	w, ok := t.state.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, model.ErrNotFound)
	}
	return &w, nil
}

func (t *memoryTx) LockWithdrawalByReference(ctx context.Context, reference string) (*model.Withdrawal, error) {
	id, ok := t.state.wdByRef[reference]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", reference, model.ErrNotFound)
	}
	return t.LockWithdrawal(ctx, id)
}

func (t *memoryTx) UpdateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	if _, ok := t.state.withdrawals[w.ID]; !ok {
		return fmt.Errorf("withdrawal %s: %w", w.ID, model.ErrNotFound)
	}
	cp := *w
	cp.UpdatedAt = t.timestamp()
	t.state.withdrawals[w.ID] = cp
	*w = cp
	return nil
}
