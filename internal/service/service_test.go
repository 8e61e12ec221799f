package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailcore/internal/apperr"
	"retailcore/internal/domain"
	"retailcore/internal/metrics"
	"retailcore/internal/store"
	"retailcore/internal/store/memory"
	"retailcore/internal/xid"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.New()
	return New(repo, metrics.New(prometheus.NewRegistry()), nil, Options{DefaultBranchCode: "NBO001"}), repo
}

func staffContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "employee", Role: domain.RoleEmployee})
}

func mustCreateProduct(t *testing.T, svc *Service, name, category string, price int64, supply ...domain.SupplyEntry) domain.Product {
	t.Helper()
	p, err := svc.CreateProduct(context.Background(), domain.ProductInput{
		Name: name, Category: category, PriceCents: price, Supply: supply,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", name, err)
	}
	return p
}

func supplyOf(t *testing.T, svc *Service, productID, branch string) int {
	t.Helper()
	p, err := svc.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	amount, _ := p.SupplyAt(branch)
	return amount
}

func cardSale(productID string, qty int) domain.RecordTransactionCommand {
	return domain.RecordTransactionCommand{
		UserID:        "employee",
		PaymentMethod: domain.PaymentCard,
		BranchCode:    "NBO001",
		LineItems:     []domain.LineItemInput{{ProductID: productID, Quantity: qty}},
	}
}

func TestRecordTransactionDecrementsThenRejectsShortfall(t *testing.T) {
	svc, _ := newTestService()
	ctx := staffContext()
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})

	result, err := svc.RecordTransaction(ctx, cardSale(p.ID, 3))
	if err != nil {
		t.Fatalf("first sale failed: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("first sale must not be a duplicate")
	}
	if got := supplyOf(t, svc, p.ID, "NBO001"); got != 2 {
		t.Fatalf("expected supply 2 after selling 3, got %d", got)
	}

	_, err = svc.RecordTransaction(ctx, cardSale(p.ID, 4))
	if !apperr.Is(err, apperr.KindInsufficientSupply) {
		t.Fatalf("expected insufficient supply, got %v", err)
	}
	if got := supplyOf(t, svc, p.ID, "NBO001"); got != 2 {
		t.Fatalf("rejected sale changed supply to %d", got)
	}

	page, err := svc.ListTransactions(ctx, domain.TransactionQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", page.Total)
	}
}

func TestRecordTransactionRejectsWholeSaleWhenOneLineIsShort(t *testing.T) {
	svc, _ := newTestService()
	plenty := mustCreateProduct(t, svc, "Flour", "Groceries", 100, domain.SupplyEntry{BranchCode: "NBO001", Amount: 50})
	scarce := mustCreateProduct(t, svc, "Tea", "Beverages", 300, domain.SupplyEntry{BranchCode: "NBO001", Amount: 1})

	cmd := cardSale(plenty.ID, 10)
	cmd.LineItems = append(cmd.LineItems, domain.LineItemInput{ProductID: scarce.ID, Quantity: 2})
	_, err := svc.RecordTransaction(staffContext(), cmd)
	require.True(t, apperr.Is(err, apperr.KindInsufficientSupply), "err=%v", err)

	assert.Equal(t, 50, supplyOf(t, svc, plenty.ID, "NBO001"))
	assert.Equal(t, 1, supplyOf(t, svc, scarce.ID, "NBO001"))
}

func TestRecordTransactionMissingBranchEntryIsInsufficient(t *testing.T) {
	svc, _ := newTestService()
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "MSA001", Amount: 9})

	_, err := svc.RecordTransaction(staffContext(), cardSale(p.ID, 1))
	assert.True(t, apperr.Is(err, apperr.KindInsufficientSupply), "err=%v", err)
}

func TestRecordTransactionConservesSupply(t *testing.T) {
	svc, _ := newTestService()
	ctx := staffContext()
	a := mustCreateProduct(t, svc, "A", "Cat", 100, domain.SupplyEntry{BranchCode: "NBO001", Amount: 30})
	b := mustCreateProduct(t, svc, "B", "Cat", 250, domain.SupplyEntry{BranchCode: "NBO001", Amount: 12})

	sold := map[string]int{}
	orders := [][2]int{{3, 1}, {5, 0}, {0, 4}, {20, 20}, {2, 2}, {1, 6}}
	for _, qty := range orders {
		cmd := domain.RecordTransactionCommand{PaymentMethod: "card"}
		if qty[0] > 0 {
			cmd.LineItems = append(cmd.LineItems, domain.LineItemInput{ProductID: a.ID, Quantity: qty[0]})
		}
		if qty[1] > 0 {
			cmd.LineItems = append(cmd.LineItems, domain.LineItemInput{ProductID: b.ID, Quantity: qty[1]})
		}
		if _, err := svc.RecordTransaction(ctx, cmd); err != nil {
			continue
		}
		sold[a.ID] += qty[0]
		sold[b.ID] += qty[1]

		assert.Equal(t, 30, supplyOf(t, svc, a.ID, "NBO001")+sold[a.ID])
		assert.Equal(t, 12, supplyOf(t, svc, b.ID, "NBO001")+sold[b.ID])
	}
	assert.Equal(t, 10, sold[a.ID])
	assert.Equal(t, 7, sold[b.ID])
}

func TestConcurrentSalesNeverDriveSupplyNegative(t *testing.T) {
	svc, _ := newTestService()
	p := mustCreateProduct(t, svc, "Speaker", "Electronics", 4999, domain.SupplyEntry{BranchCode: "NBO001", Amount: 40})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		negative bool
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(qty int) {
			defer wg.Done()
			_, err := svc.RecordTransaction(staffContext(), cardSale(p.ID, qty))
			current, _ := svc.GetProduct(context.Background(), p.ID)
			if amount, _ := current.SupplyAt("NBO001"); amount < 0 {
				mu.Lock()
				negative = true
				mu.Unlock()
			}
			if err == nil {
				mu.Lock()
				accepted += qty
				mu.Unlock()
				return
			}
			if !apperr.Is(err, apperr.KindInsufficientSupply) {
				t.Errorf("unexpected error: %v", err)
			}
		}(1 + i%3)
	}
	wg.Wait()

	final := supplyOf(t, svc, p.ID, "NBO001")
	assert.False(t, negative)
	assert.GreaterOrEqual(t, final, 0)
	assert.Equal(t, 40, final+accepted)
}

func TestRecordedTransactionRoundTrips(t *testing.T) {
	svc, _ := newTestService()
	ctx := staffContext()
	a := mustCreateProduct(t, svc, "A", "Cat", 150, domain.SupplyEntry{BranchCode: "KSM001", Amount: 10})
	b := mustCreateProduct(t, svc, "B", "Cat", 75, domain.SupplyEntry{BranchCode: "KSM001", Amount: 10})

	price := int64(150)
	amount := int64(150*2 + 75*3)
	result, err := svc.RecordTransaction(ctx, domain.RecordTransactionCommand{
		UserID:        "cashier-7",
		AmountCents:   &amount,
		PaymentMethod: "mpesa",
		BranchCode:    "ksm001",
		MpesaDetails:  &domain.MpesaDetails{PhoneNumber: " 254700000001 "},
		LineItems: []domain.LineItemInput{
			{ProductID: a.ID, Quantity: 2, UnitPriceCents: &price},
			{ProductID: b.ID, Quantity: 3},
		},
	})
	require.NoError(t, err)

	fetched, err := svc.GetTransaction(ctx, result.Transaction.OrderID)
	require.NoError(t, err)
	assert.Equal(t, amount, fetched.AmountCents)
	assert.Equal(t, []domain.LineItem{
		{ProductID: a.ID, Quantity: 2, UnitPriceCents: 150},
		{ProductID: b.ID, Quantity: 3, UnitPriceCents: 75},
	}, fetched.Products)
	assert.Equal(t, "KSM001", fetched.BranchCode)
	assert.Equal(t, domain.TxStatusCompleted, fetched.Status)
	require.NotNil(t, fetched.MpesaDetails)
	assert.Equal(t, "254700000001", fetched.MpesaDetails.PhoneNumber)
	assert.False(t, fetched.CreatedAt.IsZero())
}

func TestRecordTransactionValidation(t *testing.T) {
	svc, repo := newTestService()
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})
	wrongPrice := int64(2000)
	wrongAmount := int64(1)

	cases := []struct {
		name string
		cmd  func() domain.RecordTransactionCommand
		want apperr.Kind
	}{
		{"no lines", func() domain.RecordTransactionCommand {
			c := cardSale(p.ID, 1)
			c.LineItems = nil
			return c
		}, apperr.KindValidation},
		{"zero quantity", func() domain.RecordTransactionCommand { return cardSale(p.ID, 0) }, apperr.KindValidation},
		{"negative quantity", func() domain.RecordTransactionCommand { return cardSale(p.ID, -2) }, apperr.KindValidation},
		{"bad branch", func() domain.RecordTransactionCommand {
			c := cardSale(p.ID, 1)
			c.BranchCode = "NAIROBI"
			return c
		}, apperr.KindValidation},
		{"bad payment method", func() domain.RecordTransactionCommand {
			c := cardSale(p.ID, 1)
			c.PaymentMethod = "cash"
			return c
		}, apperr.KindValidation},
		{"mpesa without phone", func() domain.RecordTransactionCommand {
			c := cardSale(p.ID, 1)
			c.PaymentMethod = "mpesa"
			return c
		}, apperr.KindValidation},
		{"card with mpesa details", func() domain.RecordTransactionCommand {
			c := cardSale(p.ID, 1)
			c.MpesaDetails = &domain.MpesaDetails{PhoneNumber: "254700000000"}
			return c
		}, apperr.KindValidation},
		{"bad status", func() domain.RecordTransactionCommand {
			c := cardSale(p.ID, 1)
			c.Status = "refunded"
			return c
		}, apperr.KindValidation},
		{"price mismatch", func() domain.RecordTransactionCommand {
			c := cardSale(p.ID, 1)
			c.LineItems[0].UnitPriceCents = &wrongPrice
			return c
		}, apperr.KindValidation},
		{"amount mismatch", func() domain.RecordTransactionCommand {
			c := cardSale(p.ID, 1)
			c.AmountCents = &wrongAmount
			return c
		}, apperr.KindValidation},
		{"unknown product", func() domain.RecordTransactionCommand { return cardSale("prd_missing", 1) }, apperr.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordTransaction(staffContext(), tc.cmd())
			assert.Equal(t, tc.want, apperr.KindOf(err), "err=%v", err)
		})
	}

	all, err := repo.AllTransactions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 5, supplyOf(t, svc, p.ID, "NBO001"))
}

func TestRecordTransactionDefaultsFromActorAndConfig(t *testing.T) {
	svc, _ := newTestService()
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})

	cmd := cardSale(p.ID, 1)
	cmd.UserID = ""
	cmd.BranchCode = ""
	result, err := svc.RecordTransaction(staffContext(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "employee", result.Transaction.UserID)
	assert.Equal(t, "NBO001", result.Transaction.BranchCode)

	_, err = svc.RecordTransaction(context.Background(), cmd)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "anonymous sale without userId must fail")
}

func TestRecordTransactionIdempotencyKey(t *testing.T) {
	svc, _ := newTestService()
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})

	cmd := cardSale(p.ID, 2)
	cmd.IdempotencyKey = "till-4-0001"
	first, err := svc.RecordTransaction(staffContext(), cmd)
	require.NoError(t, err)
	second, err := svc.RecordTransaction(staffContext(), cmd)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.OrderID, second.Transaction.OrderID)
	assert.Equal(t, 3, supplyOf(t, svc, p.ID, "NBO001"))
}

func TestIdempotencyKeyReusedForDifferentSaleConflicts(t *testing.T) {
	svc, _ := newTestService()
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})

	cmd := cardSale(p.ID, 2)
	cmd.IdempotencyKey = "till-4-0002"
	_, err := svc.RecordTransaction(staffContext(), cmd)
	require.NoError(t, err)

	other := cardSale(p.ID, 1)
	other.IdempotencyKey = "till-4-0002"
	_, err = svc.RecordTransaction(staffContext(), other)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	other = cardSale(p.ID, 2)
	other.UserID = "someone-else"
	other.IdempotencyKey = "till-4-0002"
	_, err = svc.RecordTransaction(staffContext(), other)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	assert.Equal(t, 3, supplyOf(t, svc, p.ID, "NBO001"))
}

// blindIdempotencyRepo hides earlier keys from the lookup so the replay is
// detected by the store during commit.
type blindIdempotencyRepo struct {
	*memory.Store
}

func (blindIdempotencyRepo) FindTransactionByIdempotency(context.Context, string) (*domain.Transaction, error) {
	return nil, store.ErrNotFound
}

func TestIdempotencyConflictDetectedAtCommit(t *testing.T) {
	repo := blindIdempotencyRepo{Store: memory.New()}
	svc := New(repo, metrics.New(prometheus.NewRegistry()), nil, Options{DefaultBranchCode: "NBO001"})
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})

	cmd := cardSale(p.ID, 2)
	cmd.IdempotencyKey = "till-4-0003"
	first, err := svc.RecordTransaction(staffContext(), cmd)
	require.NoError(t, err)

	again, err := svc.RecordTransaction(staffContext(), cmd)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Transaction.OrderID, again.Transaction.OrderID)

	changed := cardSale(p.ID, 3)
	changed.IdempotencyKey = "till-4-0003"
	_, err = svc.RecordTransaction(staffContext(), changed)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	assert.Equal(t, 3, supplyOf(t, svc, p.ID, "NBO001"))
}

type cancelAwareRepo struct {
	*memory.Store
	commitErr error
	failWith  error
}

func (r *cancelAwareRepo) RecordTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	r.commitErr = ctx.Err()
	if r.failWith != nil {
		return nil, r.failWith
	}
	return r.Store.RecordTransaction(ctx, tx)
}

func TestCommitIgnoresCallerCancellation(t *testing.T) {
	repo := &cancelAwareRepo{Store: memory.New()}
	svc := New(repo, nil, nil, Options{})
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})

	ctx, cancel := context.WithCancel(staffContext())
	cancel()
	_, err := svc.RecordTransaction(ctx, cardSale(p.ID, 1))
	require.NoError(t, err)
	assert.NoError(t, repo.commitErr)
	assert.Equal(t, 4, supplyOf(t, svc, p.ID, "NBO001"))
}

func TestCommitFailureIsStorageError(t *testing.T) {
	repo := &cancelAwareRepo{Store: memory.New(), failWith: errors.New("connection reset by peer")}
	svc := New(repo, nil, nil, Options{})
	p := mustCreateProduct(t, svc, "Radio", "Electronics", 2500, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})

	_, err := svc.RecordTransaction(staffContext(), cardSale(p.ID, 1))
	assert.True(t, apperr.Is(err, apperr.KindStorage), "err=%v", err)
	assert.Equal(t, 5, supplyOf(t, svc, p.ID, "NBO001"))
}

func TestListTransactionsPagingAndSort(t *testing.T) {
	svc, _ := newTestService()
	ctx := staffContext()
	p := mustCreateProduct(t, svc, "Flour", "Groceries", 100, domain.SupplyEntry{BranchCode: "NBO001", Amount: 500})

	for i := 1; i <= 7; i++ {
		cmd := cardSale(p.ID, i)
		cmd.UserID = fmt.Sprintf("user-%d", i%2)
		_, err := svc.RecordTransaction(ctx, cmd)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	page, err := svc.ListTransactions(ctx, domain.TransactionQuery{Page: 1, PageSize: 3, SortBy: "amount"})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	require.Len(t, page.Transactions, 3)
	assert.Equal(t, int64(400), page.Transactions[0].AmountCents)

	newest, err := svc.ListTransactions(ctx, domain.TransactionQuery{PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(700), newest.Transactions[0].AmountCents)

	filtered, err := svc.ListTransactions(ctx, domain.TransactionQuery{Search: "USER-0", PageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, 3, filtered.Total)
	assert.Equal(t, maxPageSize, filtered.PageSize)

	beyond, err := svc.ListTransactions(ctx, domain.TransactionQuery{Page: 10})
	require.NoError(t, err)
	assert.NotNil(t, beyond.Transactions)
	assert.Empty(t, beyond.Transactions)

	_, err = svc.ListTransactions(ctx, domain.TransactionQuery{SortBy: "paymentDetails"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.ListTransactions(ctx, domain.TransactionQuery{Page: -1})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestGetTransactionNotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.GetTransaction(context.Background(), xid.New("ord"))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestGetTransactionRejectsMalformedID(t *testing.T) {
	svc, _ := newTestService()
	for _, id := range []string{"ord_nope", "not-an-order-id", xid.New("prd")} {
		_, err := svc.GetTransaction(context.Background(), id)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "id %q", id)
	}
}

func TestProductValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateProduct(ctx, domain.ProductInput{Name: "  "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.CreateProduct(ctx, domain.ProductInput{
		Name: "Dup", Supply: []domain.SupplyEntry{{BranchCode: "NBO001", Amount: 1}, {BranchCode: "nbo001", Amount: 2}},
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.CreateProduct(ctx, domain.ProductInput{
		Name: "Bad branch", Supply: []domain.SupplyEntry{{BranchCode: "NB01", Amount: 1}},
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.CreateProduct(ctx, domain.ProductInput{
		Name: "Negative", Supply: []domain.SupplyEntry{{BranchCode: "NBO001", Amount: -1}},
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.UpdateProduct(ctx, "prd_missing", domain.ProductInput{Name: "Ghost"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestReportsReconcileAfterProductDeletion(t *testing.T) {
	svc, _ := newTestService()
	ctx := staffContext()
	tv := mustCreateProduct(t, svc, "TV", "Electronics", 1000, domain.SupplyEntry{BranchCode: "NBO001", Amount: 5})
	gone := mustCreateProduct(t, svc, "Old stock", "Clearance", 100, domain.SupplyEntry{BranchCode: "NBO001", Amount: 10})

	_, err := svc.RecordTransaction(ctx, cardSale(tv.ID, 1))
	require.NoError(t, err)
	_, err = svc.RecordTransaction(ctx, cardSale(gone.ID, 5))
	require.NoError(t, err)
	require.NoError(t, svc.DeleteProduct(ctx, gone.ID))

	categories, err := svc.SalesByCategory(ctx)
	require.NoError(t, err)
	totals := map[string]int64{}
	for _, c := range categories {
		totals[c.Category] = c.TotalCents
	}
	assert.Equal(t, map[string]int64{"Electronics": 1000, "Uncategorized": 500}, totals)

	revenue, err := svc.RevenueTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), revenue)

	trending, err := svc.TrendingProducts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, trending, 2)

	buckets, err := svc.SalesOverTime(ctx, "month")
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1500), buckets[0].TotalCents)

	_, err = svc.SalesOverTime(ctx, "fortnight")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.TrendingProducts(ctx, -1)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	employees, err := svc.SalesByEmployee(ctx)
	require.NoError(t, err)
	require.Len(t, employees, 1)
	assert.Equal(t, 2, employees[0].Transactions)

	overview, err := svc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), overview.RevenueCents)
	assert.Zero(t, overview.OtherCents)
}

func TestReportsOnEmptyLedger(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	revenue, err := svc.RevenueTotal(ctx)
	require.NoError(t, err)
	assert.Zero(t, revenue)

	categories, err := svc.SalesByCategory(ctx)
	require.NoError(t, err)
	assert.Empty(t, categories)
}
