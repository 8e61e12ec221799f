package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"retailcore/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientSupply = errors.New("insufficient supply")
	ErrDuplicate          = errors.New("duplicate record")
	ErrInvalid            = errors.New("invalid record")
)

// ProductNotFound reports which product reference failed to resolve.
func ProductNotFound(productID string) error {
	return fmt.Errorf("product %s: %w", productID, ErrNotFound)
}

// SupplyShortfall reports which product and branch could not cover a sale.
func SupplyShortfall(productID string, branchCode string) error {
	return fmt.Errorf("product %s at branch %s: %w", productID, branchCode, ErrInsufficientSupply)
}

type CatalogStore interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
}

type LedgerStore interface {
	// RecordTransaction appends tx and decrements the branch supply of every
	// referenced product as one atomic unit. A decrement only applies when the
	// current amount covers the quantity; otherwise nothing is written and an
	// error wrapping ErrInsufficientSupply is returned. When tx carries an
	// idempotency key that was already recorded, the stored transaction is
	// returned unchanged and nothing is applied.
	RecordTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, orderID string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, query domain.TransactionQuery) (domain.TransactionPage, error)
	AllTransactions(ctx context.Context) ([]domain.Transaction, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogStore
	LedgerStore
	UserStore
	Ping(ctx context.Context) error
}

var SortableTransactionFields = map[string]bool{
	"createdAt":  true,
	"amount":     true,
	"userId":     true,
	"status":     true,
	"branchCode": true,
}

// MatchesSearch reports whether tx contains term in its order id, user id or branch code.
func MatchesSearch(tx domain.Transaction, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(tx.OrderID), term) ||
		strings.Contains(strings.ToLower(tx.UserID), term) ||
		strings.Contains(strings.ToLower(tx.BranchCode), term)
}
