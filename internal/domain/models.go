package domain

import "time"

type SupplyEntry struct {
	BranchCode string `json:"branchCode" validate:"branchcode"`
	Amount     int    `json:"amount" validate:"gte=0"`
}

type Product struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	PriceCents  int64         `json:"price"`
	Rating      float64       `json:"rating"`
	Description string        `json:"description"`
	Supply      []SupplyEntry `json:"supply"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SupplyAt returns the amount held at branchCode and whether the branch has an entry.
func (p Product) SupplyAt(branchCode string) (int, bool) {
	for _, entry := range p.Supply {
		if entry.BranchCode == branchCode {
			return entry.Amount, true
		}
	}
	return 0, false
}

type LineItem struct {
	ProductID      string `json:"product"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"price"`
}

func (l LineItem) TotalCents() int64 {
	return l.UnitPriceCents * int64(l.Quantity)
}

type CardDetails struct {
	LastFourDigits string `json:"lastFourDigits"`
	CardBrand      string `json:"cardBrand"`
	ExpirationDate string `json:"expirationDate"`
}

type MpesaDetails struct {
	PhoneNumber   string `json:"phoneNumber"`
	TransactionID string `json:"transactionId,omitempty"`
}

type Transaction struct {
	OrderID        string        `json:"orderId"`
	UserID         string        `json:"userId"`
	AmountCents    int64         `json:"amount"`
	PaymentMethod  string        `json:"paymentMethod"`
	Status         string        `json:"status"`
	BranchCode     string        `json:"branchCode"`
	Products       []LineItem    `json:"products"`
	PaymentDetails *CardDetails  `json:"paymentDetails,omitempty"`
	MpesaDetails   *MpesaDetails `json:"mpesaDetails,omitempty"`
	IdempotencyKey string        `json:"-"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// RequiredSupply folds line items into the total quantity needed per product,
// preserving the order in which products first appear.
func (t Transaction) RequiredSupply() []SupplyDemand {
	index := make(map[string]int, len(t.Products))
	demand := make([]SupplyDemand, 0, len(t.Products))
	for _, item := range t.Products {
		if pos, ok := index[item.ProductID]; ok {
			demand[pos].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(demand)
		demand = append(demand, SupplyDemand{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return demand
}

type SupplyDemand struct {
	ProductID string
	Quantity  int
}

// RecordTransactionCommand is the validated input of the inventory adjustment workflow.
type RecordTransactionCommand struct {
	UserID         string
	AmountCents    *int64
	PaymentMethod  string
	Status         string
	BranchCode     string
	LineItems      []LineItemInput
	PaymentDetails *CardDetails
	MpesaDetails   *MpesaDetails
	IdempotencyKey string
}

type LineItemInput struct {
	ProductID      string
	Quantity       int
	UnitPriceCents *int64
}

type RecordTransactionResult struct {
	Transaction Transaction
	Duplicate   bool
}

type ProductInput struct {
	Name        string        `validate:"required,max=200"`
	Category    string        `validate:"max=100"`
	PriceCents  int64         `validate:"gte=0"`
	Rating      float64       `validate:"gte=0,lte=5"`
	Description string        `validate:"max=2000"`
	Supply      []SupplyEntry `validate:"uniquebranches,dive"`
}

type TransactionQuery struct {
	Page     int
	PageSize int
	SortBy   string
	SortDesc bool
	Search   string
}

type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Total        int           `json:"total"`
	Page         int           `json:"page"`
	PageSize     int           `json:"pageSize"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	PaymentCard  = "card"
	PaymentMpesa = "mpesa"
)

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
)

const UncategorizedCategory = "Uncategorized"
