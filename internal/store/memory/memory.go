package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"retailcore/internal/domain"
	"retailcore/internal/store"
	"retailcore/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	ledger             []*domain.Transaction
	transactionsByID   map[string]*domain.Transaction
	transactionsByIdem map[string]*domain.Transaction
	usersByUsername    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		ledger:             make([]*domain.Transaction, 0, 128),
		transactionsByID:   make(map[string]*domain.Transaction),
		transactionsByIdem: make(map[string]*domain.Transaction),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_EMPLOYEE_PASSWORD;
// when unset, dev defaults are used and a warning is logged.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	employeePwd := envOr("SEED_EMPLOYEE_PASSWORD", "employee123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_EMPLOYEE_PASSWORD") == "" {
		zap.L().Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_EMPLOYEE_PASSWORD to override",
			zap.String("component", "memory-store"))
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"employee", employeePwd, domain.RoleEmployee},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	seed := []domain.Product{
		{Name: "Samsung Galaxy A15", Category: "Electronics", PriceCents: 1899900, Rating: 4.3,
			Supply: []domain.SupplyEntry{{BranchCode: "NBO001", Amount: 25}, {BranchCode: "MSA001", Amount: 10}}},
		{Name: "JBL Go 3 Speaker", Category: "Electronics", PriceCents: 499900, Rating: 4.6,
			Supply: []domain.SupplyEntry{{BranchCode: "NBO001", Amount: 40}}},
		{Name: "Unga Maize Flour 2kg", Category: "Groceries", PriceCents: 21500, Rating: 4.1,
			Supply: []domain.SupplyEntry{{BranchCode: "NBO001", Amount: 300}, {BranchCode: "KSM001", Amount: 120}}},
		{Name: "Kimbo Cooking Fat 1kg", Category: "Groceries", PriceCents: 38000, Rating: 3.9,
			Supply: []domain.SupplyEntry{{BranchCode: "NBO001", Amount: 150}}},
		{Name: "Ketepa Pride Tea 100s", Category: "Beverages", PriceCents: 29900, Rating: 4.7,
			Supply: []domain.SupplyEntry{{BranchCode: "NBO001", Amount: 90}, {BranchCode: "MSA001", Amount: 60}}},
		{Name: "Omo Washing Powder 1kg", Category: "Household", PriceCents: 34500, Rating: 4.0,
			Supply: []domain.SupplyEntry{{BranchCode: "NBO001", Amount: 80}}},
	}
	for _, p := range seed {
		p.ID = xid.New("prd")
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ProductNotFound(id)
	}
	dup := cloneProduct(p)
	return &dup, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = cloneProduct(p)
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrDuplicate
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	product = cloneProduct(product)
	s.products[product.ID] = product
	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ProductNotFound(product.ID)
	}
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	product = cloneProduct(product)
	s.products[product.ID] = product
	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ProductNotFound(id)
	}
	delete(s.products, id)
	return nil
}

// RecordTransaction validates every demand against current supply before
// mutating anything, all under the write lock, so a rejected sale leaves the
// catalog untouched.
func (s *Store) RecordTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if existing, ok := s.transactionsByIdem[tx.IdempotencyKey]; ok {
			return cloneTransaction(existing), nil
		}
	}
	if _, exists := s.transactionsByID[tx.OrderID]; exists {
		return nil, store.ErrDuplicate
	}

	demand := tx.RequiredSupply()
	for _, d := range demand {
		product, ok := s.products[d.ProductID]
		if !ok {
			return nil, store.ProductNotFound(d.ProductID)
		}
		available, ok := product.SupplyAt(tx.BranchCode)
		if !ok || available < d.Quantity {
			return nil, store.SupplyShortfall(d.ProductID, tx.BranchCode)
		}
	}

	now := time.Now().UTC()
	for _, d := range demand {
		product := cloneProduct(s.products[d.ProductID])
		for i := range product.Supply {
			if product.Supply[i].BranchCode == tx.BranchCode {
				product.Supply[i].Amount -= d.Quantity
			}
		}
		product.UpdatedAt = now
		s.products[d.ProductID] = product
	}

	stored := cloneTransaction(&tx)
	s.ledger = append(s.ledger, stored)
	s.transactionsByID[stored.OrderID] = stored
	if stored.IdempotencyKey != "" {
		s.transactionsByIdem[stored.IdempotencyKey] = stored
	}
	return cloneTransaction(stored), nil
}

func (s *Store) FindTransactionByID(_ context.Context, orderID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, query domain.TransactionQuery) (domain.TransactionPage, error) {
	s.mu.RLock()
	matched := make([]domain.Transaction, 0, len(s.ledger))
	for _, tx := range s.ledger {
		if store.MatchesSearch(*tx, query.Search) {
			matched = append(matched, *cloneTransaction(tx))
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b domain.Transaction) int {
		c := compareTransactions(a, b, query.SortBy)
		if c == 0 {
			c = strings.Compare(a.OrderID, b.OrderID)
		}
		if query.SortDesc {
			return -c
		}
		return c
	})

	page := domain.TransactionPage{Total: len(matched), Page: query.Page, PageSize: query.PageSize}
	start := query.Page * query.PageSize
	if start >= len(matched) {
		page.Transactions = []domain.Transaction{}
		return page, nil
	}
	end := min(start+query.PageSize, len(matched))
	page.Transactions = matched[start:end]
	return page, nil
}

func (s *Store) AllTransactions(_ context.Context) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.ledger))
	for _, tx := range s.ledger {
		result = append(result, *cloneTransaction(tx))
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalid
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func compareTransactions(a, b domain.Transaction, field string) int {
	switch field {
	case "amount":
		return cmpInt64(a.AmountCents, b.AmountCents)
	case "userId":
		return strings.Compare(a.UserID, b.UserID)
	case "status":
		return strings.Compare(a.Status, b.Status)
	case "branchCode":
		return strings.Compare(a.BranchCode, b.BranchCode)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	dup.Supply = make([]domain.SupplyEntry, len(src.Supply))
	copy(dup.Supply, src.Supply)
	return dup
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Products = make([]domain.LineItem, len(src.Products))
	copy(dup.Products, src.Products)
	if src.PaymentDetails != nil {
		card := *src.PaymentDetails
		dup.PaymentDetails = &card
	}
	if src.MpesaDetails != nil {
		mpesa := *src.MpesaDetails
		dup.MpesaDetails = &mpesa
	}
	return &dup
}
