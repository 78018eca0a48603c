package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/escrow"
	"github.com/mmeshcher/marketpay/internal/gateway"
	"github.com/mmeshcher/marketpay/internal/ledger"
	"github.com/mmeshcher/marketpay/internal/metrics"
	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
)

type stubGateway struct {
	mu sync.Mutex

	chargeErr    error
	recipientErr error
	payoutErr    error
	onPayout     func()

	recipientDelay time.Duration

	charges        []gateway.ChargeMetadata
	chargeAmounts  []decimal.Decimal
	recipientCalls int
	payoutAmounts  []decimal.Decimal
	payoutRefs     []string
}

func (g *stubGateway) InitCharge(_ context.Context, _ string, amount decimal.Decimal, reference string, meta gateway.ChargeMetadata) (*gateway.ChargeInit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	g.charges = append(g.charges, meta)
	g.chargeAmounts = append(g.chargeAmounts, amount)
	return &gateway.ChargeInit{
		AuthorizationURL: "https://checkout.example.com/" + reference,
		AccessCode:       "ac_" + reference,
		Reference:        reference,
	}, nil
}

func (g *stubGateway) VerifyCharge(_ context.Context, reference string) (*gateway.ChargeStatus, error) {
	return &gateway.ChargeStatus{Reference: reference, Status: "success"}, nil
}

func (g *stubGateway) CreatePayoutRecipient(_ context.Context, bank model.BankDetails) (string, error) {
	g.mu.Lock()
	g.recipientCalls++
	err := g.recipientErr
	delay := g.recipientDelay
	g.mu.Unlock()

	time.Sleep(delay)
	if err != nil {
		return "", err
	}
	return "RCP_" + bank.AccountNumber, nil
}

func (g *stubGateway) InitiatePayout(ctx context.Context, _ string, amount decimal.Decimal, reference string) (*gateway.Payout, error) {
	g.mu.Lock()
	hook := g.onPayout
	g.payoutAmounts = append(g.payoutAmounts, amount)
	g.payoutRefs = append(g.payoutRefs, reference)
	err := g.payoutErr
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &gateway.Payout{Reference: reference, TransferCode: "TRF_" + reference, Status: "pending"}, nil
}

type fixture struct {
	svc     *Service
	repo    *repository.MemoryRepository
	wallets *ledger.Manager
	gw      *stubGateway
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	repo := repository.NewMemoryRepository()
	wallets := ledger.NewManager(repo)
	escrows := escrow.NewEngine(repo, wallets, zap.NewNop())
	gw := &stubGateway{}

	return &fixture{
		svc:     NewService(repo, wallets, escrows, gw, zap.NewNop(), opts),
		repo:    repo,
		wallets: wallets,
		gw:      gw,
	}
}

func (f *fixture) credit(t *testing.T, owner model.Owner, amount string) {
	t.Helper()
	ctx := context.Background()
	err := f.repo.WithTx(ctx, func(tx repository.Tx) error {
		return f.wallets.Credit(ctx, tx, ledger.Balance(owner), dec(amount))
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, owner model.Owner) decimal.Decimal {
	t.Helper()
	w, err := f.svc.GetWallet(context.Background(), owner)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) revenue(t *testing.T) decimal.Decimal {
	t.Helper()
	r, err := f.svc.GetRevenue(context.Background())
	require.NoError(t, err)
	return r.Balance
}

// seller настраивает продавца s1 с балансом и сохранёнными реквизитами.
func (f *fixture) seller(t *testing.T, balance string) {
	t.Helper()
	if balance != "0" {
		f.credit(t, model.Seller("s1"), balance)
	}
	_, err := f.svc.SaveBankDetails(context.Background(), "s1", model.BankDetails{
		BankCode:      "058",
		AccountNumber: "0123456785",
		AccountName:   "Ada Seller",
	})
	require.NoError(t, err)
}

func TestFee(t *testing.T) {
	svc := &Service{opts: DefaultOptions()}

	tests := []struct {
		amount string
		want   string
	}{
		{"1000", "20"},
		{"500", "10"},
		{"0.01", "0"},
		{"12.34", "0.25"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got := svc.Fee(dec(tt.amount))
			assert.True(t, dec(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	f.credit(t, model.Buyer("b1"), "1000")
	require.NoError(t, f.repo.SaveProduct(ctx, &model.Product{ID: "p1", SellerID: "s1", Name: "Lamp", Price: dec("300")}))

	order, esc, err := f.svc.PlaceOrder(ctx, "b1", "p1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, order.Status)
	assert.Equal(t, "s1", order.SellerID)
	assert.True(t, dec("300").Equal(order.EscrowAmount))
	assert.Equal(t, model.EscrowHolding, esc.Status)
	assert.Equal(t, order.ID, esc.OrderID)

	buyer, err := f.svc.GetWallet(ctx, model.Buyer("b1"))
	require.NoError(t, err)
	assert.True(t, dec("700").Equal(buyer.Balance))
	assert.True(t, dec("300").Equal(buyer.EscrowBalance))

	seller, err := f.svc.GetWallet(ctx, model.Seller("s1"))
	require.NoError(t, err)
	assert.True(t, seller.Balance.IsZero())
	assert.True(t, dec("300").Equal(seller.EscrowBalance))

	assert.Empty(t, f.gw.payoutRefs)
	assert.Empty(t, f.gw.charges)
}

func TestPlaceOrder_Rejections(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	f.credit(t, model.Buyer("b1"), "100")
	f.credit(t, model.Buyer("s1"), "1000")
	require.NoError(t, f.repo.SaveProduct(ctx, &model.Product{ID: "p1", SellerID: "s1", Name: "Lamp", Price: dec("300")}))

	_, _, err := f.svc.PlaceOrder(ctx, "b1", "p1")
	require.ErrorIs(t, err, model.ErrInsufficientFunds)

	_, _, err = f.svc.PlaceOrder(ctx, "s1", "p1")
	require.ErrorIs(t, err, model.ErrValidation)

	_, _, err = f.svc.PlaceOrder(ctx, "b1", "missing")
	require.ErrorIs(t, err, model.ErrNotFound)

	orders, err := f.svc.ListOrders(ctx, model.Buyer("b1"))
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.True(t, dec("100").Equal(f.balance(t, model.Buyer("b1"))))
}

func TestOrderLifecycleThroughService(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	f.credit(t, model.Buyer("b1"), "1000")
	require.NoError(t, f.repo.SaveProduct(ctx, &model.Product{ID: "p1", SellerID: "s1", Name: "Lamp", Price: dec("300")}))

	order, _, err := f.svc.PlaceOrder(ctx, "b1", "p1")
	require.NoError(t, err)

	_, err = f.svc.MarkDelivered(ctx, order.ID, "s1")
	require.NoError(t, err)
	esc, err := f.svc.ConfirmDelivery(ctx, order.ID, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, esc.Status)

	assert.True(t, dec("700").Equal(f.balance(t, model.Buyer("b1"))))
	assert.True(t, dec("300").Equal(f.balance(t, model.Seller("s1"))))

	report, err := f.svc.ReconcileEscrowProjections(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)
}

func TestInitDeposit(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	res, err := f.svc.InitDeposit(ctx, "b1", "b1@example.com", dec("1000"))
	require.NoError(t, err)
	assert.True(t, dec("20").Equal(res.Fee))
	assert.True(t, dec("1020").Equal(res.Total))
	assert.NotEmpty(t, res.AuthorizationURL)
	assert.Contains(t, res.Reference, "dep_")

	require.Len(t, f.gw.charges, 1)
	assert.True(t, dec("1020").Equal(f.gw.chargeAmounts[0]))
	assert.Equal(t, gateway.ChargeMetadata{BuyerID: "b1", DepositAmount: "1000", Fee: "20"}, f.gw.charges[0])

	tr, err := f.repo.GetTransactionByReference(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionDeposit, tr.Kind)
	assert.Equal(t, model.TransactionPending, tr.Status)
	assert.True(t, dec("1000").Equal(tr.Amount))
	assert.True(t, dec("20").Equal(tr.Fee))

	assert.True(t, f.balance(t, model.Buyer("b1")).IsZero(), "balance changes only on webhook")
	assert.True(t, f.revenue(t).IsZero())

	status, err := f.svc.VerifyDeposit(ctx, "b1", res.Reference)
	require.NoError(t, err)
	assert.Equal(t, "success", status.GatewayStatus)

	_, err = f.svc.VerifyDeposit(ctx, "b2", res.Reference)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestInitDeposit_Errors(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "10.001"} {
		_, err := f.svc.InitDeposit(ctx, "b1", "b1@example.com", dec(amount))
		require.ErrorIs(t, err, model.ErrValidation, amount)
	}

	_, err := f.svc.InitDeposit(ctx, "b1", " ", dec("10"))
	require.ErrorIs(t, err, model.ErrValidation)

	f.gw.chargeErr = gateway.ErrUnavailable
	_, err = f.svc.InitDeposit(ctx, "b1", "b1@example.com", dec("10"))
	require.ErrorIs(t, err, model.ErrGatewayUnavailable)

	txs, err := f.svc.ListTransactions(ctx, model.Buyer("b1"))
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestSaveBankDetails(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.SaveBankDetails(ctx, "s1", model.BankDetails{BankCode: "058", AccountNumber: "0123456789", AccountName: "Ada"})
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.SaveBankDetails(ctx, "s1", model.BankDetails{BankCode: "058", AccountNumber: "0123456785"})
	require.ErrorIs(t, err, model.ErrValidation)

	p, err := f.svc.SaveBankDetails(ctx, "s1", model.BankDetails{BankCode: "058", AccountNumber: " 0123456785 ", AccountName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "0123456785", p.Bank.AccountNumber)

	p.RecipientCode = "RCP_cached"
	require.NoError(t, f.repo.SavePayoutProfile(ctx, p))

	p, err = f.svc.SaveBankDetails(ctx, "s1", model.BankDetails{BankCode: "058", AccountNumber: "0123456785", AccountName: "Ada L."})
	require.NoError(t, err)
	assert.Equal(t, "RCP_cached", p.RecipientCode, "same account keeps recipient")

	p, err = f.svc.SaveBankDetails(ctx, "s1", model.BankDetails{BankCode: "011", AccountNumber: "1234567895", AccountName: "Ada"})
	require.NoError(t, err)
	assert.Empty(t, p.RecipientCode, "new account drops recipient")
}

func TestRequestWithdrawal(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.seller(t, "1000")

	w, err := f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalProcessing, w.Status)
	assert.True(t, dec("10").Equal(w.Fee))
	assert.True(t, dec("490").Equal(w.NetAmount))
	assert.Equal(t, "TRF_"+w.Reference, w.TransferCode)

	require.Len(t, f.gw.payoutAmounts, 1)
	assert.True(t, dec("490").Equal(f.gw.payoutAmounts[0]))

	assert.True(t, dec("500").Equal(f.balance(t, model.Seller("s1"))))
	assert.True(t, dec("10").Equal(f.revenue(t)))

	tr, err := f.repo.GetTransactionByReference(ctx, w.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionWithdrawal, tr.Kind)
	assert.Equal(t, model.TransactionPending, tr.Status)

	_, err = f.svc.RequestWithdrawal(ctx, "s1", dec("100"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.recipientCalls, "recipient code is cached")

	list, err := f.svc.ListWithdrawals(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRequestWithdrawal_Validation(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.RequestWithdrawal(ctx, "s1", dec("100"))
	require.ErrorIs(t, err, model.ErrNoPayoutProfile)

	f.seller(t, "100")

	_, err = f.svc.RequestWithdrawal(ctx, "s1", dec("0"))
	require.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.ErrorIs(t, err, model.ErrInsufficientFunds)

	list, err := f.svc.ListWithdrawals(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.gw.payoutRefs)
	assert.True(t, dec("100").Equal(f.balance(t, model.Seller("s1"))))
}

func TestRequestWithdrawal_AmountTooSmall(t *testing.T) {
	opts := DefaultOptions()
	opts.FeePercent = decimal.NewFromInt(100)
	f := newFixture(t, opts)
	f.seller(t, "100")

	_, err := f.svc.RequestWithdrawal(context.Background(), "s1", dec("10"))
	require.ErrorIs(t, err, model.ErrAmountTooSmall)
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestRequestWithdrawal_PayoutFailedIsCompensated(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.seller(t, "1000")
	f.gw.payoutErr = fmt.Errorf("transfer rejected: %w", gateway.ErrUnavailable)

	_, err := f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.ErrorIs(t, err, model.ErrWithdrawalRefunded)
	require.ErrorIs(t, err, model.ErrGatewayUnavailable)

	assert.True(t, dec("1000").Equal(f.balance(t, model.Seller("s1"))))
	assert.True(t, f.revenue(t).IsZero())

	list, err := f.svc.ListWithdrawals(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.WithdrawalFailed, list[0].Status)
	assert.NotEmpty(t, list[0].FailureReason)

	tr, err := f.repo.GetTransactionByReference(ctx, list[0].Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionFailed, tr.Status)
}

func TestRequestWithdrawal_RecipientFailure(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seller(t, "1000")
	f.gw.recipientErr = gateway.ErrUnavailable

	_, err := f.svc.RequestWithdrawal(context.Background(), "s1", dec("500"))
	require.ErrorIs(t, err, model.ErrWithdrawalRefunded)
	assert.Empty(t, f.gw.payoutRefs)
	assert.True(t, dec("1000").Equal(f.balance(t, model.Seller("s1"))))
}

func TestRequestWithdrawal_SurvivesClientCancel(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seller(t, "1000")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gw.onPayout = cancel

	w, err := f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalProcessing, w.Status)
	assert.True(t, dec("500").Equal(f.balance(t, model.Seller("s1"))))
}

func TestRequestWithdrawal_TimeoutWaitsForWebhook(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.seller(t, "1000")
	f.gw.payoutErr = gateway.ErrTimeout

	w, err := f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalPending, w.Status)
	assert.NotEmpty(t, w.FailureReason)
	assert.True(t, dec("500").Equal(f.balance(t, model.Seller("s1"))))

	require.NoError(t, f.svc.SettlePayout(ctx, w.Reference, "TRF_late"))
	require.NoError(t, f.svc.SettlePayout(ctx, w.Reference, "TRF_late"), "repeat is a no-op")

	list, err := f.svc.ListWithdrawals(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.WithdrawalPaid, list[0].Status)
	assert.Equal(t, "TRF_late", list[0].TransferCode)
	assert.Empty(t, list[0].FailureReason)

	tr, err := f.repo.GetTransactionByReference(ctx, w.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionSuccess, tr.Status)

	alerts := testutil.ToFloat64(metrics.ManualReconciliation)

	require.NoError(t, f.svc.FailPayout(ctx, w.Reference, "transfer reversed"))
	require.NoError(t, f.svc.FailPayout(ctx, w.Reference, "transfer reversed"))
	assert.True(t, dec("500").Equal(f.balance(t, model.Seller("s1"))), "paid withdrawal is not compensated")
	assert.Equal(t, alerts+1, testutil.ToFloat64(metrics.ManualReconciliation), "reversal after payment alerts once")

	list, err = f.svc.ListWithdrawals(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalPaid, list[0].Status)
	assert.True(t, list[0].NeedsReconciliation)
}

func TestRequestWithdrawal_TimeoutWithoutGraceCompensates(t *testing.T) {
	opts := DefaultOptions()
	opts.WithdrawalGracePeriod = 0
	f := newFixture(t, opts)
	f.seller(t, "1000")
	f.gw.payoutErr = gateway.ErrTimeout

	_, err := f.svc.RequestWithdrawal(context.Background(), "s1", dec("500"))
	require.ErrorIs(t, err, model.ErrWithdrawalRefunded)
	assert.True(t, dec("1000").Equal(f.balance(t, model.Seller("s1"))))
	assert.True(t, f.revenue(t).IsZero())
}

func TestFailPayout(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.seller(t, "1000")

	w, err := f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.NoError(t, err)

	require.NoError(t, f.svc.FailPayout(ctx, w.Reference, "account closed"))
	require.NoError(t, f.svc.FailPayout(ctx, w.Reference, "account closed"), "repeat is a no-op")

	assert.True(t, dec("1000").Equal(f.balance(t, model.Seller("s1"))))
	assert.True(t, f.revenue(t).IsZero())

	list, err := f.svc.ListAllWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.WithdrawalFailed, list[0].Status)
	assert.Equal(t, "account closed", list[0].FailureReason)

	alerts := testutil.ToFloat64(metrics.ManualReconciliation)

	require.NoError(t, f.svc.SettlePayout(ctx, w.Reference, "TRF_x"), "success after compensation is acknowledged")
	require.NoError(t, f.svc.SettlePayout(ctx, w.Reference, "TRF_x"))
	assert.Equal(t, alerts+1, testutil.ToFloat64(metrics.ManualReconciliation), "redelivery does not alert again")

	list, err = f.svc.ListAllWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalFailed, list[0].Status)
	assert.True(t, list[0].NeedsReconciliation)
	assert.Equal(t, "TRF_x", list[0].TransferCode)
	assert.True(t, dec("1000").Equal(f.balance(t, model.Seller("s1"))))

	err = f.svc.FailPayout(ctx, "wd_missing", "x")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompensateWithdrawal(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.seller(t, "1000")
	f.gw.payoutErr = gateway.ErrTimeout

	w, err := f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.NoError(t, err)

	require.NoError(t, f.svc.CompensateWithdrawal(ctx, w.ID, "operator refund"))
	require.NoError(t, f.svc.CompensateWithdrawal(ctx, w.ID, "operator refund"))
	assert.True(t, dec("1000").Equal(f.balance(t, model.Seller("s1"))))

	err = f.svc.CompensateWithdrawal(ctx, "missing", "x")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecoverStaleWithdrawals(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.seller(t, "1000")
	f.gw.payoutErr = gateway.ErrTimeout

	_, err := f.svc.RequestWithdrawal(ctx, "s1", dec("300"))
	require.NoError(t, err)

	n, err := f.svc.RecoverStaleWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "withdrawal is still inside grace period")
	assert.True(t, dec("700").Equal(f.balance(t, model.Seller("s1"))))

	f.svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	n, err = f.svc.RecoverStaleWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, dec("1000").Equal(f.balance(t, model.Seller("s1"))))
	assert.True(t, f.revenue(t).IsZero())

	n, err = f.svc.RecoverStaleWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverStaleWithdrawals_SkipsPayoutInFlight(t *testing.T) {
	opts := DefaultOptions()
	opts.WithdrawalGracePeriod = time.Second
	f := newFixture(t, opts)
	ctx := context.Background()
	f.seller(t, "1000")

	// Вывод без ответа шлюза: локальный шаг выполнен, выплата ещё в полёте.
	require.NoError(t, f.repo.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.CreateWithdrawal(ctx, &model.Withdrawal{
			ID: "w1", SellerID: "s1", Amount: dec("100"), NetAmount: dec("100"),
			Status: model.WithdrawalPending, Reference: "wd_w1",
		}); err != nil {
			return err
		}
		return tx.CreateTransaction(ctx, &model.Transaction{
			ID: "t1", Owner: model.Seller("s1"), Reference: "wd_w1",
			Kind: model.TransactionWithdrawal, Amount: dec("100"), Status: model.TransactionPending,
		})
	}))

	f.svc.now = func() time.Time { return time.Now().Add(5 * time.Second) }
	n, err := f.svc.RecoverStaleWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Попытка так и не записала результат: вывод брошен.
	f.svc.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	n, err = f.svc.RecoverStaleWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, dec("1100").Equal(f.balance(t, model.Seller("s1"))))
}

func TestRecoverStaleWithdrawals_SlowRecipient(t *testing.T) {
	opts := DefaultOptions()
	opts.GatewayTimeout = 100 * time.Millisecond
	opts.WithdrawalGracePeriod = 0
	f := newFixture(t, opts)
	ctx := context.Background()
	f.seller(t, "1000")
	f.gw.recipientDelay = 95 * time.Millisecond

	var (
		recovered  int
		recoverErr error
	)
	f.gw.onPayout = func() {
		recovered, recoverErr = f.svc.RecoverStaleWithdrawals(ctx)
	}

	w, err := f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.NoError(t, err)
	require.NoError(t, recoverErr)
	assert.Zero(t, recovered, "payout in flight is not compensated")
	assert.Equal(t, model.WithdrawalProcessing, w.Status)
	assert.Len(t, f.gw.payoutRefs, 1)
	assert.True(t, dec("500").Equal(f.balance(t, model.Seller("s1"))))
	assert.True(t, dec("10").Equal(f.revenue(t)))
}

func TestRequestWithdrawal_PayoutAcceptedAfterCompensation(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.seller(t, "1000")

	f.gw.onPayout = func() {
		list, err := f.svc.ListWithdrawals(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.NoError(t, f.svc.CompensateWithdrawal(ctx, list[0].ID, "operator refund"))
	}
	alerts := testutil.ToFloat64(metrics.ManualReconciliation)

	_, err := f.svc.RequestWithdrawal(ctx, "s1", dec("500"))
	require.ErrorIs(t, err, model.ErrManualReconciliation)
	assert.Equal(t, alerts+1, testutil.ToFloat64(metrics.ManualReconciliation))

	list, err := f.svc.ListWithdrawals(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.WithdrawalFailed, list[0].Status)
	assert.True(t, list[0].NeedsReconciliation)
	assert.Equal(t, "TRF_"+list[0].Reference, list[0].TransferCode)

	require.NoError(t, f.svc.SettlePayout(ctx, list[0].Reference, "TRF_"+list[0].Reference))
	assert.Equal(t, alerts+1, testutil.ToFloat64(metrics.ManualReconciliation), "webhook does not alert again")
}

func TestStartWithdrawalRecovery(t *testing.T) {
	opts := DefaultOptions()
	opts.RecoveryInterval = 10 * time.Millisecond
	f := newFixture(t, opts)
	f.seller(t, "1000")
	f.gw.payoutErr = gateway.ErrTimeout

	_, err := f.svc.RequestWithdrawal(context.Background(), "s1", dec("300"))
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.StartWithdrawalRecovery(ctx)

	assert.Eventually(t, func() bool {
		w, err := f.svc.GetWallet(context.Background(), model.Seller("s1"))
		return err == nil && dec("1000").Equal(w.Balance)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentWithdrawals(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.seller(t, "1000")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestWithdrawal(ctx, "s1", dec("150"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrInsufficientFunds):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, succeeded)
	assert.Equal(t, 4, rejected)
	assert.True(t, dec("100").Equal(f.balance(t, model.Seller("s1"))))
	assert.True(t, dec("18").Equal(f.revenue(t)))
}

func TestMoneyIsConserved(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	f.credit(t, model.Buyer("b1"), "1000")
	f.seller(t, "0")
	require.NoError(t, f.repo.SaveProduct(ctx, &model.Product{ID: "p1", SellerID: "s1", Name: "Lamp", Price: dec("600")}))

	order, _, err := f.svc.PlaceOrder(ctx, "b1", "p1")
	require.NoError(t, err)
	_, err = f.svc.MarkDelivered(ctx, order.ID, "s1")
	require.NoError(t, err)
	_, err = f.svc.ConfirmDelivery(ctx, order.ID, "b1")
	require.NoError(t, err)

	_, err = f.svc.RequestWithdrawal(ctx, "s1", dec("200"))
	require.NoError(t, err)

	f.gw.payoutErr = gateway.ErrUnavailable
	_, err = f.svc.RequestWithdrawal(ctx, "s1", dec("100"))
	require.ErrorIs(t, err, model.ErrWithdrawalRefunded)

	buyer, err := f.svc.GetWallet(ctx, model.Buyer("b1"))
	require.NoError(t, err)
	seller, err := f.svc.GetWallet(ctx, model.Seller("s1"))
	require.NoError(t, err)

	// 200 ушли продавцу во внешний банк.
	total := buyer.Balance.Add(buyer.EscrowBalance).Add(seller.Balance).Add(f.revenue(t)).Add(dec("196"))
	assert.True(t, dec("1000").Equal(total), "got %s", total)
}
