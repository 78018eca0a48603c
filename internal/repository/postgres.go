package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketpay/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// PostgresRepository предоставляет доступ к журналу в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Повторяются только конфликты сериализации, дедлоки и обрывы соединения.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func mapError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%s: %w", what, model.ErrDuplicateReference)
		case pgerrcode.CheckViolation:
			return fmt.Errorf("%s: %s: %w", what, pgErr.ConstraintName, model.ErrInsufficientFunds)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// WithTx выполняет fn в одной транзакции БД, повторяя её при конфликте сериализации.
// fn может быть вызвана повторно и не должна иметь внешних побочных эффектов.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	walletColumns      = `owner_id, owner_kind, balance::text, escrow_balance::text, updated_at`
	transactionColumns = `id, owner_id, owner_kind, order_id, reference, kind, amount::text, fee::text, status, created_at, updated_at`
	orderColumns       = `id, buyer_id, seller_id, product_id, total_amount::text, escrow_amount::text, status, created_at, updated_at`
	escrowColumns      = `id, order_id, buyer_id, seller_id, amount::text, status, seller_delivered, buyer_confirmed,
		refund_requested, dispute_reason, released_at, refunded_at, created_at, updated_at`
	withdrawalColumns = `id, seller_id, amount::text, fee::text, net_amount::text, bank_code, account_number, account_name,
		status, reference, transfer_code, failure_reason, outcome_unknown_at, needs_reconciliation, created_at, updated_at`
)

func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		s, dst := pairs[i].(string), pairs[i+1].(*decimal.Decimal)
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", s, err)
		}
		*dst = d
	}
	return nil
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var (
		w               model.Wallet
		kind            string
		balance, escrow string
	)
	if err := row.Scan(&w.Owner.ID, &kind, &balance, &escrow, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Owner.Kind = model.OwnerKind(kind)
	if err := parseDecimals(balance, &w.Balance, escrow, &w.EscrowBalance); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t                    model.Transaction
		kind, txKind, status string
		amount, fee          string
	)
	err := row.Scan(&t.ID, &t.Owner.ID, &kind, &t.OrderID, &t.Reference, &txKind,
		&amount, &fee, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Owner.Kind = model.OwnerKind(kind)
	t.Kind = model.TransactionKind(txKind)
	t.Status = model.TransactionStatus(status)
	if err := parseDecimals(amount, &t.Amount, fee, &t.Fee); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		total, escrow string
		status        string
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ProductID, &total, &escrow, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	if err := parseDecimals(total, &o.TotalAmount, escrow, &o.EscrowAmount); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanEscrow(row pgx.Row) (*model.Escrow, error) {
	var (
		e              model.Escrow
		amount, status string
	)
	err := row.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.SellerID, &amount, &status,
		&e.SellerDelivered, &e.BuyerConfirmed, &e.RefundRequested, &e.DisputeReason,
		&e.ReleasedAt, &e.RefundedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.EscrowStatus(status)
	if err := parseDecimals(amount, &e.Amount); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanWithdrawal(row pgx.Row) (*model.Withdrawal, error) {
	var (
		w                model.Withdrawal
		amount, fee, net string
		status           string
	)
	err := row.Scan(&w.ID, &w.SellerID, &amount, &fee, &net,
		&w.BankDetails.BankCode, &w.BankDetails.AccountNumber, &w.BankDetails.AccountName,
		&status, &w.Reference, &w.TransferCode, &w.FailureReason, &w.OutcomeUnknownAt, &w.NeedsReconciliation,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = model.WithdrawalStatus(status)
	if err := parseDecimals(amount, &w.Amount, fee, &w.Fee, net, &w.NetAmount); err != nil {
		return nil, err
	}
	return &w, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var res []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func listWallets(ctx context.Context, q querier) ([]model.Wallet, error) {
	rows, err := q.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY owner_kind, owner_id`)
	if err != nil {
		return nil, fmt.Errorf("select wallets: %w", err)
	}
	return collect(rows, scanWallet)
}

func transactionByReference(ctx context.Context, q querier, reference string, lock bool) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	t, err := scanTransaction(q.QueryRow(ctx, query, reference))
	if err != nil {
		return nil, mapError(err, "transaction "+reference)
	}
	return t, nil
}

func escrowByID(ctx context.Context, q querier, id string, lock bool) (*model.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	e, err := scanEscrow(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "escrow "+id)
	}
	return e, nil
}

func partyColumn(owner model.Owner) string {
	if owner.Kind == model.OwnerSeller {
		return "seller_id"
	}
	return "buyer_id"
}

// GetWallet возвращает кошелёк владельца или model.ErrNotFound.
func (r *PostgresRepository) GetWallet(ctx context.Context, owner model.Owner) (*model.Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND owner_kind = $2`,
		owner.ID, string(owner.Kind),
	))
	if err != nil {
		return nil, mapError(err, "wallet "+owner.String())
	}
	return w, nil
}

// ListWallets возвращает все кошельки.
func (r *PostgresRepository) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	return listWallets(ctx, r.pool)
}

// GetRevenueWallet возвращает кошелёк комиссий платформы.
func (r *PostgresRepository) GetRevenueWallet(ctx context.Context) (*model.RevenueWallet, error) {
	var (
		rw      model.RevenueWallet
		balance string
	)
	err := r.pool.QueryRow(ctx, `SELECT balance::text, updated_at FROM revenue_wallet WHERE id = 1`).
		Scan(&balance, &rw.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "revenue wallet")
	}
	if err := parseDecimals(balance, &rw.Balance); err != nil {
		return nil, err
	}
	return &rw, nil
}

// GetTransactionByReference возвращает транзакцию по ключу идемпотентности.
func (r *PostgresRepository) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return transactionByReference(ctx, r.pool, reference, false)
}

// ListTransactions возвращает транзакции владельца, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, owner model.Owner) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE owner_id = $1 AND owner_kind = $2
		 ORDER BY created_at DESC`,
		owner.ID, string(owner.Kind),
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	return collect(rows, scanTransaction)
}

// SaveProduct добавляет или заменяет товар каталога.
func (r *PostgresRepository) SaveProduct(ctx context.Context, p *model.Product) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO products (id, seller_id, name, price) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET seller_id = EXCLUDED.seller_id, name = EXCLUDED.name, price = EXCLUDED.price`,
		p.ID, p.SellerID, p.Name, p.Price.String(),
	)
	if err != nil {
		return fmt.Errorf("save product: %w", err)
	}
	return nil
}

// ListOrders возвращает заказы, где владелец выступает покупателем или продавцом.
func (r *PostgresRepository) ListOrders(ctx context.Context, owner model.Owner) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE `+partyColumn(owner)+` = $1 ORDER BY created_at DESC`,
		owner.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return collect(rows, scanOrder)
}

// GetEscrow возвращает эскроу по идентификатору.
func (r *PostgresRepository) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return escrowByID(ctx, r.pool, id, false)
}

// ListEscrows возвращает эскроу, где владелец выступает покупателем или продавцом.
func (r *PostgresRepository) ListEscrows(ctx context.Context, owner model.Owner) ([]model.Escrow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE `+partyColumn(owner)+` = $1 ORDER BY created_at DESC`,
		owner.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select escrows: %w", err)
	}
	return collect(rows, scanEscrow)
}

// ListWithdrawals возвращает выводы продавца или все выводы при пустом sellerID.
func (r *PostgresRepository) ListWithdrawals(ctx context.Context, sellerID string) ([]model.Withdrawal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+withdrawalColumns+`
		 FROM withdrawals
		 WHERE $1 = '' OR seller_id = $1
		 ORDER BY created_at DESC`,
		sellerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", err)
	}
	return collect(rows, scanWithdrawal)
}

// ListStaleWithdrawals возвращает зависшие в pending выводы, старые первыми.
func (r *PostgresRepository) ListStaleWithdrawals(ctx context.Context, unknownBefore, abandonedBefore time.Time, limit int) ([]model.Withdrawal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+withdrawalColumns+`
		 FROM withdrawals
		 WHERE status = $1
		   AND ((outcome_unknown_at IS NOT NULL AND outcome_unknown_at <= $2)
		     OR (outcome_unknown_at IS NULL AND created_at <= $3))
		 ORDER BY created_at
		 LIMIT $4`,
		string(model.WithdrawalPending), unknownBefore, abandonedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale withdrawals: %w", err)
	}
	return collect(rows, scanWithdrawal)
}

// GetPayoutProfile возвращает платёжный профиль продавца.
func (r *PostgresRepository) GetPayoutProfile(ctx context.Context, sellerID string) (*model.PayoutProfile, error) {
	var p model.PayoutProfile
	err := r.pool.QueryRow(ctx,
		`SELECT seller_id, bank_code, account_number, account_name, recipient_code, updated_at
		 FROM payout_profiles WHERE seller_id = $1`,
		sellerID,
	).Scan(&p.SellerID, &p.Bank.BankCode, &p.Bank.AccountNumber, &p.Bank.AccountName, &p.RecipientCode, &p.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "payout profile "+sellerID)
	}
	return &p, nil
}

// SavePayoutProfile сохраняет платёжный профиль продавца.
func (r *PostgresRepository) SavePayoutProfile(ctx context.Context, p *model.PayoutProfile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payout_profiles (seller_id, bank_code, account_number, account_name, recipient_code, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (seller_id) DO UPDATE SET
		   bank_code = EXCLUDED.bank_code,
		   account_number = EXCLUDED.account_number,
		   account_name = EXCLUDED.account_name,
		   recipient_code = EXCLUDED.recipient_code,
		   updated_at = now()`,
		p.SellerID, p.Bank.BankCode, p.Bank.AccountNumber, p.Bank.AccountName, p.RecipientCode,
	)
	if err != nil {
		return fmt.Errorf("save payout profile: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, owner model.Owner) (*model.Wallet, error) {
	if !owner.Kind.Valid() || owner.ID == "" {
		return nil, fmt.Errorf("wallet owner %q: %w", owner, model.ErrValidation)
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (owner_id, owner_kind) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		owner.ID, string(owner.Kind),
	)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	w, err := scanWallet(t.tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND owner_kind = $2 FOR UPDATE`,
		owner.ID, string(owner.Kind),
	))
	if err != nil {
		return nil, mapError(err, "lock wallet "+owner.String())
	}
	return w, nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $3, escrow_balance = $4, updated_at = now()
		 WHERE owner_id = $1 AND owner_kind = $2`,
		w.Owner.ID, string(w.Owner.Kind), w.Balance.String(), w.EscrowBalance.String(),
	)
	if err != nil {
		return mapError(err, "save wallet "+w.Owner.String())
	}
	return nil
}

func (t *pgTx) LockRevenueWallet(ctx context.Context) (*model.RevenueWallet, error) {
	var (
		rw      model.RevenueWallet
		balance string
	)
	err := t.tx.QueryRow(ctx, `SELECT balance::text, updated_at FROM revenue_wallet WHERE id = 1 FOR UPDATE`).
		Scan(&balance, &rw.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "lock revenue wallet")
	}
	if err := parseDecimals(balance, &rw.Balance); err != nil {
		return nil, err
	}
	return &rw, nil
}

func (t *pgTx) SaveRevenueWallet(ctx context.Context, w *model.RevenueWallet) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE revenue_wallet SET balance = $1, updated_at = now() WHERE id = 1`,
		w.Balance.String(),
	)
	if err != nil {
		return mapError(err, "save revenue wallet")
	}
	return nil
}

func (t *pgTx) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	return listWallets(ctx, t.tx)
}

func (t *pgTx) CreateTransaction(ctx context.Context, tr *model.Transaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (id, owner_id, owner_kind, order_id, reference, kind, amount, fee, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		tr.ID, tr.Owner.ID, string(tr.Owner.Kind), tr.OrderID, tr.Reference, string(tr.Kind),
		tr.Amount.String(), tr.Fee.String(), string(tr.Status),
	).Scan(&tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		return mapError(err, "create transaction "+tr.Reference)
	}
	return nil
}

func (t *pgTx) LockTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return transactionByReference(ctx, t.tx, reference, true)
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var (
		p     model.Product
		price string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, seller_id, name, price::text FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.SellerID, &p.Name, &price)
	if err != nil {
		return nil, mapError(err, "product "+id)
	}
	if err := parseDecimals(price, &p.Price); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, o *model.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (id, buyer_id, seller_id, product_id, total_amount, escrow_amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		o.ID, o.BuyerID, o.SellerID, o.ProductID, o.TotalAmount.String(), o.EscrowAmount.String(), string(o.Status),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return mapError(err, "create order "+o.ID)
	}
	return nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO escrows (id, order_id, buyer_id, seller_id, amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		e.ID, e.OrderID, e.BuyerID, e.SellerID, e.Amount.String(), string(e.Status),
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return mapError(err, "create escrow for order "+e.OrderID)
	}
	return nil
}

func (t *pgTx) LockEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return escrowByID(ctx, t.tx, id, true)
}

func (t *pgTx) LockEscrowByOrder(ctx context.Context, orderID string) (*model.Escrow, error) {
	e, err := scanEscrow(t.tx.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1 FOR UPDATE`, orderID,
	))
	if err != nil {
		return nil, mapError(err, "escrow for order "+orderID)
	}
	return e, nil
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *model.Escrow) error {
	err := t.tx.QueryRow(ctx,
		`UPDATE escrows SET
		   status = $2, seller_delivered = $3, buyer_confirmed = $4, refund_requested = $5,
		   dispute_reason = $6, released_at = $7, refunded_at = $8, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		e.ID, string(e.Status), e.SellerDelivered, e.BuyerConfirmed, e.RefundRequested,
		e.DisputeReason, e.ReleasedAt, e.RefundedAt,
	).Scan(&e.UpdatedAt)
	if err != nil {
		return mapError(err, "update escrow "+e.ID)
	}
	return nil
}

func (t *pgTx) SumOpenEscrows(ctx context.Context) (map[string]decimal.Decimal, map[string]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT buyer_id, seller_id, amount::text FROM escrows WHERE status NOT IN ($1, $2)`,
		string(model.EscrowReleased), string(model.EscrowRefunded),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("select open escrows: %w", err)
	}
	defer rows.Close()

	buyers := make(map[string]decimal.Decimal)
	sellers := make(map[string]decimal.Decimal)
	for rows.Next() {
		var buyerID, sellerID, amountStr string
		if err := rows.Scan(&buyerID, &sellerID, &amountStr); err != nil {
			return nil, nil, fmt.Errorf("scan escrow: %w", err)
		}
		var amount decimal.Decimal
		if err := parseDecimals(amountStr, &amount); err != nil {
			return nil, nil, err
		}
		buyers[buyerID] = buyers[buyerID].Add(amount)
		sellers[sellerID] = sellers[sellerID].Add(amount)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}
	return buyers, sellers, nil
}

func (t *pgTx) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO withdrawals (id, seller_id, amount, fee, net_amount, bank_code, account_number, account_name,
		   status, reference, transfer_code, failure_reason, outcome_unknown_at, needs_reconciliation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING created_at, updated_at`,
		w.ID, w.SellerID, w.Amount.String(), w.Fee.String(), w.NetAmount.String(),
		w.BankDetails.BankCode, w.BankDetails.AccountNumber, w.BankDetails.AccountName,
		string(w.Status), w.Reference, w.TransferCode, w.FailureReason, w.OutcomeUnknownAt, w.NeedsReconciliation,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return mapError(err, "create withdrawal "+w.Reference)
	}
	return nil
}

func (t *pgTx) LockWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	w, err := scanWithdrawal(t.tx.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		return nil, mapError(err, "withdrawal "+id)
	}
	return w, nil
}

func (t *pgTx) LockWithdrawalByReference(ctx context.Context, reference string) (*model.Withdrawal, error) {
	w, err := scanWithdrawal(t.tx.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE reference = $1 FOR UPDATE`, reference,
	))
	if err != nil {
		return nil, mapError(err, "withdrawal "+reference)
	}
	return w, nil
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	err := t.tx.QueryRow(ctx,
		`UPDATE withdrawals SET status = $2, transfer_code = $3, failure_reason = $4,
		   outcome_unknown_at = $5, needs_reconciliation = $6, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		w.ID, string(w.Status), w.TransferCode, w.FailureReason, w.OutcomeUnknownAt, w.NeedsReconciliation,
	).Scan(&w.UpdatedAt)
	if err != nil {
		return mapError(err, "update withdrawal "+w.ID)
	}
	return nil
}
