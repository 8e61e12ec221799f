package mongo

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"retailcore/internal/domain"
	"retailcore/internal/store"
	"retailcore/internal/xid"
)

func TestAmountFromDocumentToleratesLegacyValues(t *testing.T) {
	dec, err := primitive.ParseDecimal128("1250")
	require.NoError(t, err)

	cases := []struct {
		name string
		raw  any
		want int64
	}{
		{"int64", int64(1500), 1500},
		{"int32", int32(20), 20},
		{"double", 99.6, 100},
		{"numeric string", "750", 750},
		{"decimal", dec, 1250},
		{"missing", nil, 0},
		{"garbage string", "n/a", 0},
		{"nan", math.NaN(), 0},
		{"document", bson.M{"v": 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, amountFromDocument(tc.raw))
		})
	}
}

func TestTransactionDocumentKeepsPaymentBlocks(t *testing.T) {
	tx := domain.Transaction{
		OrderID:       "ord_1",
		UserID:        "u1",
		AmountCents:   500,
		PaymentMethod: domain.PaymentMpesa,
		Status:        domain.TxStatusCompleted,
		BranchCode:    "NBO001",
		Products:      []domain.LineItem{{ProductID: "prd_1", Quantity: 1, UnitPriceCents: 500}},
		MpesaDetails:  &domain.MpesaDetails{PhoneNumber: "254712345678"},
		CreatedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	doc := transactionFromDomain(tx)
	require.Nil(t, doc.PaymentDetails)
	require.NotNil(t, doc.MpesaDetails)
	assert.Equal(t, tx, doc.toDomain())
}

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("RETAILCORE_TEST_MONGO_URL")
	if uri == "" {
		t.Skip("set RETAILCORE_TEST_MONGO_URL (replica set) to run mongo integration tests")
	}
	s, err := New(context.Background(), uri, "retailcore_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordTransactionConditionalIncrement(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	product, err := s.CreateProduct(ctx, domain.Product{
		Name:       "Mongo IT",
		Category:   "Electronics",
		PriceCents: 100,
		Supply:     []domain.SupplyEntry{{BranchCode: "NBO001", Amount: 8}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.DeleteProduct(ctx, product.ID) })

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordTransaction(ctx, domain.Transaction{
				OrderID:       xid.New("ord"),
				UserID:        "it",
				AmountCents:   100,
				PaymentMethod: domain.PaymentCard,
				Status:        domain.TxStatusCompleted,
				BranchCode:    "NBO001",
				Products:      []domain.LineItem{{ProductID: product.ID, Quantity: 1, UnitPriceCents: 100}},
				CreatedAt:     time.Now().UTC(),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrInsufficientSupply) {
				t.Logf("sale aborted: %v", err)
			}
		}()
	}
	wg.Wait()

	reloaded, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	amount, _ := reloaded.SupplyAt("NBO001")
	assert.GreaterOrEqual(t, amount, 0)
	assert.Equal(t, 8, amount+succeeded)
}
