package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailcore/internal/domain"
	"retailcore/internal/store"
	"retailcore/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, rating, description, created_at, updated_at
		FROM products
		ORDER BY category, name, id
	`)
	if err != nil {
		return nil, err
	}
	products, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}
	if err := attachSupply(ctx, s.db, products); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	products, err := s.GetProductsByIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	product, ok := products[id]
	if !ok {
		return nil, store.ProductNotFound(id)
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, rating, description, created_at, updated_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	products, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}
	if err := attachSupply(ctx, s.db, products); err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, rating, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, product.ID, product.Name, product.Category, product.PriceCents, product.Rating, product.Description, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	if err := insertSupply(ctx, pgTx, product.ID, product.Supply); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &product, nil
}

// UpdateProduct replaces the product's attributes and its whole supply list.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	product.UpdatedAt = time.Now().UTC()
	err = pgTx.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, rating = $5, description = $6, updated_at = $7
		WHERE id = $1
		RETURNING created_at
	`, product.ID, product.Name, product.Category, product.PriceCents, product.Rating, product.Description, product.UpdatedAt).Scan(&product.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ProductNotFound(product.ID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM product_supply WHERE product_id = $1`, product.ID); err != nil {
		return nil, err
	}
	if err := insertSupply(ctx, pgTx, product.ID, product.Supply); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ProductNotFound(id)
	}
	return nil
}

// RecordTransaction runs the ledger insert and every supply decrement in one
// database transaction. Each decrement is a conditional UPDATE that only
// matches while amount >= quantity; concurrent writers on the same row queue on
// its lock and re-evaluate the condition against the committed value. Rows are
// touched in product id order so two sales never wait on each other in a cycle.
func (s *Store) RecordTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.IdempotencyKey != "" {
		existing, err := s.FindTransactionByIdempotency(ctx, tx.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	demand := tx.RequiredSupply()
	slices.SortFunc(demand, func(a, b domain.SupplyDemand) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	touched := make([]string, 0, len(demand))
	for _, d := range demand {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE product_supply
			SET amount = amount - $1
			WHERE product_id = $2 AND branch_code = $3 AND amount >= $1
		`, d.Quantity, d.ProductID, tx.BranchCode)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			var exists bool
			if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, d.ProductID).Scan(&exists); err != nil {
				return nil, err
			}
			if !exists {
				return nil, store.ProductNotFound(d.ProductID)
			}
			return nil, store.SupplyShortfall(d.ProductID, tx.BranchCode)
		}
		touched = append(touched, d.ProductID)
	}

	if _, err := pgTx.ExecContext(ctx, `UPDATE products SET updated_at = now() WHERE id = ANY($1)`, touched); err != nil {
		return nil, err
	}

	card := tx.PaymentDetails
	if card == nil {
		card = &domain.CardDetails{}
	}
	mpesa := tx.MpesaDetails
	if mpesa == nil {
		mpesa = &domain.MpesaDetails{}
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			order_id, user_id, amount_cents, payment_method, status, branch_code,
			card_last_four, card_brand, card_expiration, mpesa_phone, mpesa_transaction_id,
			idempotency_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tx.OrderID, tx.UserID, tx.AmountCents, tx.PaymentMethod, tx.Status, tx.BranchCode,
		nullIfEmpty(card.LastFourDigits), nullIfEmpty(card.CardBrand), nullIfEmpty(card.ExpirationDate),
		nullIfEmpty(mpesa.PhoneNumber), nullIfEmpty(mpesa.TransactionID),
		nullIfEmpty(tx.IdempotencyKey), tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			_ = pgTx.Rollback()
			if tx.IdempotencyKey != "" {
				if existing, findErr := s.FindTransactionByIdempotency(ctx, tx.IdempotencyKey); findErr == nil {
					return existing, nil
				}
			}
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	for i, item := range tx.Products {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (order_id, line_no, product_id, quantity, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5)
		`, tx.OrderID, i, item.ProductID, item.Quantity, item.UnitPriceCents)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &tx, nil
}

const transactionColumns = `
	order_id, user_id, amount_cents, payment_method, status, branch_code,
	card_last_four, card_brand, card_expiration, mpesa_phone, mpesa_transaction_id,
	idempotency_key, created_at
`

func (s *Store) FindTransactionByID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE order_id = $1`, orderID)
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
}

func (s *Store) findTransaction(ctx context.Context, query string, arg string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	txs := []domain.Transaction{tx}
	if err := attachLineItems(ctx, s.db, txs); err != nil {
		return nil, err
	}
	return &txs[0], nil
}

var sortColumns = map[string]string{
	"createdAt":  "created_at",
	"amount":     "amount_cents",
	"userId":     "user_id",
	"status":     "status",
	"branchCode": "branch_code",
}

func (s *Store) ListTransactions(ctx context.Context, query domain.TransactionQuery) (domain.TransactionPage, error) {
	page := domain.TransactionPage{Page: query.Page, PageSize: query.PageSize, Transactions: []domain.Transaction{}}

	column, ok := sortColumns[query.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "ASC"
	if query.SortDesc {
		direction = "DESC"
	}

	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query.Search))) + "%"
	filter := `
		WHERE $1 = '%%'
		   OR lower(order_id) LIKE $1
		   OR lower(user_id) LIKE $1
		   OR lower(branch_code) LIKE $1
	`

	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions `+filter, pattern).Scan(&page.Total); err != nil {
		return page, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM transactions
		%s
		ORDER BY %s %s NULLS LAST, order_id %s
		LIMIT $2 OFFSET $3
	`, transactionColumns, filter, column, direction, direction), pattern, query.PageSize, query.Page*query.PageSize)
	if err != nil {
		return page, err
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return page, err
	}
	if err := attachLineItems(ctx, s.db, txs); err != nil {
		return page, err
	}
	page.Transactions = txs
	return page, nil
}

func (s *Store) AllTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY created_at, order_id`)
	if err != nil {
		return nil, err
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if err := attachLineItems(ctx, s.db, txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalid
	}
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1, $2, $3, true, $4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, password, role, active, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanProducts(rows *sql.Rows) ([]domain.Product, error) {
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.Rating, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Supply = []domain.SupplyEntry{}
		products = append(products, p)
	}
	return products, rows.Err()
}

func attachSupply(ctx context.Context, q queryer, products []domain.Product) error {
	if len(products) == 0 {
		return nil
	}
	index := make(map[string]int, len(products))
	ids := make([]string, 0, len(products))
	for i, p := range products {
		index[p.ID] = i
		ids = append(ids, p.ID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, branch_code, amount
		FROM product_supply
		WHERE product_id = ANY($1)
		ORDER BY product_id, position
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var entry domain.SupplyEntry
		if err := rows.Scan(&productID, &entry.BranchCode, &entry.Amount); err != nil {
			return err
		}
		if i, ok := index[productID]; ok {
			products[i].Supply = append(products[i].Supply, entry)
		}
	}
	return rows.Err()
}

func insertSupply(ctx context.Context, pgTx *sql.Tx, productID string, supply []domain.SupplyEntry) error {
	for i, entry := range supply {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO product_supply (product_id, position, branch_code, amount)
			VALUES ($1, $2, $3, $4)
		`, productID, i, entry.BranchCode, entry.Amount)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrInvalid
			}
			return err
		}
	}
	return nil
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var tx domain.Transaction
	var amount sql.NullInt64
	var lastFour, brand, expiry, phone, mpesaRef, idem sql.NullString
	err := row.Scan(&tx.OrderID, &tx.UserID, &amount, &tx.PaymentMethod, &tx.Status, &tx.BranchCode,
		&lastFour, &brand, &expiry, &phone, &mpesaRef, &idem, &tx.CreatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	// Rows imported without an amount read as zero.
	tx.AmountCents = amount.Int64
	tx.IdempotencyKey = idem.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	if lastFour.Valid || brand.Valid || expiry.Valid {
		tx.PaymentDetails = &domain.CardDetails{
			LastFourDigits: lastFour.String,
			CardBrand:      brand.String,
			ExpirationDate: expiry.String,
		}
	}
	if phone.Valid || mpesaRef.Valid {
		tx.MpesaDetails = &domain.MpesaDetails{PhoneNumber: phone.String, TransactionID: mpesaRef.String}
	}
	tx.Products = []domain.LineItem{}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func attachLineItems(ctx context.Context, q queryer, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	index := make(map[string]int, len(txs))
	ids := make([]string, 0, len(txs))
	for i, tx := range txs {
		index[tx.OrderID] = i
		ids = append(ids, tx.OrderID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT order_id, product_id, quantity, unit_price_cents
		FROM transaction_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item domain.LineItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.Quantity, &item.UnitPriceCents); err != nil {
			return err
		}
		if i, ok := index[orderID]; ok {
			txs[i].Products = append(txs[i].Products, item)
		}
	}
	return rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}
