// Package mongo persists the catalog and ledger as documents: products embed
// their supply array and transactions embed their line items. Recording a sale
// needs multi-document transactions, so the server must run as a replica set.
package mongo

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"retailcore/internal/domain"
	"retailcore/internal/store"
	"retailcore/internal/xid"
)

type Store struct {
	client       *mongo.Client
	products     *mongo.Collection
	transactions *mongo.Collection
	users        *mongo.Collection
}

func New(ctx context.Context, uri string, database string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	db := client.Database(database)
	s := &Store{
		client:       client,
		products:     db.Collection("products"),
		transactions: db.Collection("transactions"),
		users:        db.Collection("users"),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "idempotencyKey", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	})
	return err
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

type supplyDoc struct {
	BranchCode string `bson:"branchCode"`
	Amount     int    `bson:"amount"`
}

type productDoc struct {
	ID          string      `bson:"_id"`
	Name        string      `bson:"name"`
	Category    string      `bson:"category"`
	Price       int64       `bson:"price"`
	Rating      float64     `bson:"rating"`
	Description string      `bson:"description"`
	Supply      []supplyDoc `bson:"supply"`
	CreatedAt   time.Time   `bson:"createdAt"`
	UpdatedAt   time.Time   `bson:"updatedAt"`
}

type lineDoc struct {
	Product  string `bson:"product"`
	Quantity int    `bson:"quantity"`
	Price    int64  `bson:"price"`
}

type cardDoc struct {
	LastFourDigits string `bson:"lastFourDigits,omitempty"`
	CardBrand      string `bson:"cardBrand,omitempty"`
	ExpirationDate string `bson:"expirationDate,omitempty"`
}

type mpesaDoc struct {
	PhoneNumber   string `bson:"phoneNumber,omitempty"`
	TransactionID string `bson:"transactionId,omitempty"`
}

type transactionDoc struct {
	OrderID        string    `bson:"_id"`
	UserID         string    `bson:"userId"`
	Amount         any       `bson:"amount"`
	PaymentMethod  string    `bson:"paymentMethod"`
	Status         string    `bson:"status"`
	BranchCode     string    `bson:"branchCode"`
	Products       []lineDoc `bson:"products"`
	PaymentDetails *cardDoc  `bson:"paymentDetails,omitempty"`
	MpesaDetails   *mpesaDoc `bson:"mpesaDetails,omitempty"`
	IdempotencyKey string    `bson:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `bson:"createdAt"`
}

type userDoc struct {
	Username  string    `bson:"_id"`
	Password  string    `bson:"password"`
	Role      string    `bson:"role"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	opts := options.Find().SetSort(bson.D{{Key: "category", Value: 1}, {Key: "name", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.products.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []productDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		products = append(products, doc.toDomain())
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var doc productDoc
	err := s.products.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ProductNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	product := doc.toDomain()
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	cursor, err := s.products.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var docs []productDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, doc := range docs {
		result[doc.ID] = doc.toDomain()
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
	if _, err := s.products.InsertOne(ctx, productFromDomain(product)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	doc := productFromDomain(product)
	update := bson.M{"$set": bson.M{
		"name":        doc.Name,
		"category":    doc.Category,
		"price":       doc.Price,
		"rating":      doc.Rating,
		"description": doc.Description,
		"supply":      doc.Supply,
		"updatedAt":   time.Now().UTC(),
	}}
	var updated productDoc
	err := s.products.FindOneAndUpdate(ctx, bson.M{"_id": product.ID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ProductNotFound(product.ID)
	}
	if err != nil {
		return nil, err
	}
	result := updated.toDomain()
	return &result, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.products.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ProductNotFound(id)
	}
	return nil
}

// RecordTransaction inserts the ledger document and applies each decrement
// inside one session transaction. A decrement matches only when the branch
// entry still holds at least the requested amount, so a lost race surfaces as
// an unmatched update and aborts the whole transaction.
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

	session, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer session.EndSession(ctx)

	now := time.Now().UTC()
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		for _, d := range demand {
			filter := bson.M{
				"_id": d.ProductID,
				"supply": bson.M{"$elemMatch": bson.M{
					"branchCode": tx.BranchCode,
					"amount":     bson.M{"$gte": d.Quantity},
				}},
			}
			update := bson.M{
				"$inc": bson.M{"supply.$.amount": -d.Quantity},
				"$set": bson.M{"updatedAt": now},
			}
			res, err := s.products.UpdateOne(sc, filter, update)
			if err != nil {
				return nil, err
			}
			if res.MatchedCount == 0 {
				count, err := s.products.CountDocuments(sc, bson.M{"_id": d.ProductID})
				if err != nil {
					return nil, err
				}
				if count == 0 {
					return nil, store.ProductNotFound(d.ProductID)
				}
				return nil, store.SupplyShortfall(d.ProductID, tx.BranchCode)
			}
		}
		if _, err := s.transactions.InsertOne(sc, transactionFromDomain(tx)); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if tx.IdempotencyKey != "" {
				if existing, findErr := s.FindTransactionByIdempotency(ctx, tx.IdempotencyKey); findErr == nil {
					return existing, nil
				}
			}
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &tx, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, bson.M{"_id": orderID})
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, bson.M{"idempotencyKey": key})
}

func (s *Store) findTransaction(ctx context.Context, filter bson.M) (*domain.Transaction, error) {
	var doc transactionDoc
	err := s.transactions.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx := doc.toDomain()
	return &tx, nil
}

var sortFields = map[string]string{
	"createdAt":  "createdAt",
	"amount":     "amount",
	"userId":     "userId",
	"status":     "status",
	"branchCode": "branchCode",
}

func (s *Store) ListTransactions(ctx context.Context, query domain.TransactionQuery) (domain.TransactionPage, error) {
	page := domain.TransactionPage{Page: query.Page, PageSize: query.PageSize, Transactions: []domain.Transaction{}}

	filter := bson.M{}
	if term := strings.TrimSpace(query.Search); term != "" {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(term), Options: "i"}
		filter["$or"] = bson.A{
			bson.M{"_id": pattern},
			bson.M{"userId": pattern},
			bson.M{"branchCode": pattern},
		}
	}

	total, err := s.transactions.CountDocuments(ctx, filter)
	if err != nil {
		return page, err
	}
	page.Total = int(total)

	field, ok := sortFields[query.SortBy]
	if !ok {
		field = "createdAt"
	}
	direction := 1
	if query.SortDesc {
		direction = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: field, Value: direction}, {Key: "_id", Value: direction}}).
		SetSkip(int64(query.Page * query.PageSize)).
		SetLimit(int64(query.PageSize))

	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return page, err
	}
	var docs []transactionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return page, err
	}
	for _, doc := range docs {
		page.Transactions = append(page.Transactions, doc.toDomain())
	}
	return page, nil
}

func (s *Store) AllTransactions(ctx context.Context) ([]domain.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.transactions.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []transactionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	txs := make([]domain.Transaction, 0, len(docs))
	for _, doc := range docs {
		txs = append(txs, doc.toDomain())
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
	_, err := s.users.InsertOne(ctx, userDoc{
		Username:  username,
		Password:  user.Password,
		Role:      user.Role,
		Active:    true,
		CreatedAt: user.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	cursor, err := s.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	users := make([]domain.UserAccount, 0, len(docs))
	for _, doc := range docs {
		users = append(users, domain.UserAccount{
			Username:  doc.Username,
			Password:  doc.Password,
			Role:      doc.Role,
			Active:    doc.Active,
			CreatedAt: doc.CreatedAt,
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": strings.ToLower(strings.TrimSpace(username))},
		bson.M{"$set": bson.M{"password": password}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func productFromDomain(p domain.Product) productDoc {
	supply := make([]supplyDoc, 0, len(p.Supply))
	for _, entry := range p.Supply {
		supply = append(supply, supplyDoc{BranchCode: entry.BranchCode, Amount: entry.Amount})
	}
	return productDoc{
		ID:          p.ID,
		Name:        p.Name,
		Category:    p.Category,
		Price:       p.PriceCents,
		Rating:      p.Rating,
		Description: p.Description,
		Supply:      supply,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (d productDoc) toDomain() domain.Product {
	supply := make([]domain.SupplyEntry, 0, len(d.Supply))
	for _, entry := range d.Supply {
		supply = append(supply, domain.SupplyEntry{BranchCode: entry.BranchCode, Amount: entry.Amount})
	}
	return domain.Product{
		ID:          d.ID,
		Name:        d.Name,
		Category:    d.Category,
		PriceCents:  d.Price,
		Rating:      d.Rating,
		Description: d.Description,
		Supply:      supply,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func transactionFromDomain(tx domain.Transaction) transactionDoc {
	lines := make([]lineDoc, 0, len(tx.Products))
	for _, item := range tx.Products {
		lines = append(lines, lineDoc{Product: item.ProductID, Quantity: item.Quantity, Price: item.UnitPriceCents})
	}
	doc := transactionDoc{
		OrderID:        tx.OrderID,
		UserID:         tx.UserID,
		Amount:         tx.AmountCents,
		PaymentMethod:  tx.PaymentMethod,
		Status:         tx.Status,
		BranchCode:     tx.BranchCode,
		Products:       lines,
		IdempotencyKey: tx.IdempotencyKey,
		CreatedAt:      tx.CreatedAt,
	}
	if tx.PaymentDetails != nil {
		doc.PaymentDetails = &cardDoc{
			LastFourDigits: tx.PaymentDetails.LastFourDigits,
			CardBrand:      tx.PaymentDetails.CardBrand,
			ExpirationDate: tx.PaymentDetails.ExpirationDate,
		}
	}
	if tx.MpesaDetails != nil {
		doc.MpesaDetails = &mpesaDoc{PhoneNumber: tx.MpesaDetails.PhoneNumber, TransactionID: tx.MpesaDetails.TransactionID}
	}
	return doc
}

func (d transactionDoc) toDomain() domain.Transaction {
	lines := make([]domain.LineItem, 0, len(d.Products))
	for _, line := range d.Products {
		lines = append(lines, domain.LineItem{ProductID: line.Product, Quantity: line.Quantity, UnitPriceCents: line.Price})
	}
	tx := domain.Transaction{
		OrderID:        d.OrderID,
		UserID:         d.UserID,
		AmountCents:    amountFromDocument(d.Amount),
		PaymentMethod:  d.PaymentMethod,
		Status:         d.Status,
		BranchCode:     d.BranchCode,
		Products:       lines,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if d.PaymentDetails != nil {
		tx.PaymentDetails = &domain.CardDetails{
			LastFourDigits: d.PaymentDetails.LastFourDigits,
			CardBrand:      d.PaymentDetails.CardBrand,
			ExpirationDate: d.PaymentDetails.ExpirationDate,
		}
	}
	if d.MpesaDetails != nil {
		tx.MpesaDetails = &domain.MpesaDetails{PhoneNumber: d.MpesaDetails.PhoneNumber, TransactionID: d.MpesaDetails.TransactionID}
	}
	return tx
}

// amountFromDocument reads legacy amounts stored as strings, doubles or
// decimals; anything unreadable counts as zero.
func amountFromDocument(raw any) int64 {
	if dec, ok := raw.(primitive.Decimal128); ok {
		raw = dec.String()
	}
	cents, _ := domain.CoerceCents(raw)
	return cents
}
