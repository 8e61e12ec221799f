// Package reporting derives read-only sales statistics from a snapshot of the
// transaction ledger and product catalog. Every function is pure: the same
// snapshot always produces the same result, and an empty ledger produces
// zeroed output rather than an error.
package reporting

import (
	"cmp"
	"math/big"
	"slices"
	"strings"

	"retailcore/internal/domain"
)

type Granularity string

const (
	Daily   Granularity = "day"
	Monthly Granularity = "month"
)

func ParseGranularity(raw string) (Granularity, bool) {
	switch Granularity(strings.ToLower(strings.TrimSpace(raw))) {
	case Daily, "daily", "":
		return Daily, true
	case Monthly, "monthly":
		return Monthly, true
	}
	return "", false
}

type CategoryTotal struct {
	Category   string `json:"category"`
	TotalCents int64  `json:"total"`
}

type TrendingProduct struct {
	ProductID    string `json:"productId"`
	Name         string `json:"name,omitempty"`
	Category     string `json:"category"`
	Transactions int    `json:"transactions"`
	UnitsSold    int    `json:"unitsSold"`
}

type Bucket struct {
	Period       string `json:"period"`
	TotalCents   int64  `json:"total"`
	Transactions int    `json:"transactions"`
}

type EmployeeTotal struct {
	UserID       string `json:"userId"`
	Transactions int    `json:"transactions"`
	TotalCents   int64  `json:"total"`
}

type Overview struct {
	RevenueCents  int64           `json:"revenue"`
	Transactions  int             `json:"transactions"`
	TopCategories []CategoryTotal `json:"topCategories"`
	OtherCents    int64           `json:"other"`
}

const overviewCategories = 4

// RevenueTotal sums transaction amounts. Amounts are already coerced to
// integers at the storage boundary, so unreadable values arrive as zero.
func RevenueTotal(transactions []domain.Transaction) int64 {
	var total int64
	for _, tx := range transactions {
		total += tx.AmountCents
	}
	return total
}

// SalesByCategory spreads each transaction's amount across its line items in
// proportion to price x quantity and credits each share to the item's product
// category. Items whose product no longer resolves, or has no category, land
// in the Uncategorized bucket; a transaction without line items is credited
// there whole. The last item absorbs the integer remainder, so the sum of the
// result always equals RevenueTotal.
func SalesByCategory(transactions []domain.Transaction, products map[string]domain.Product) map[string]int64 {
	totals := make(map[string]int64)
	for _, tx := range transactions {
		if len(tx.Products) == 0 {
			if tx.AmountCents != 0 {
				totals[domain.UncategorizedCategory] += tx.AmountCents
			}
			continue
		}
		shares := allocate(tx.AmountCents, lineWeights(tx.Products))
		for i, item := range tx.Products {
			totals[categoryOf(item.ProductID, products)] += shares[i]
		}
	}
	return totals
}

// CategoryBreakdown is SalesByCategory ordered by total descending, then category name.
func CategoryBreakdown(transactions []domain.Transaction, products map[string]domain.Product) []CategoryTotal {
	totals := SalesByCategory(transactions, products)
	result := make([]CategoryTotal, 0, len(totals))
	for category, total := range totals {
		result = append(result, CategoryTotal{Category: category, TotalCents: total})
	}
	slices.SortFunc(result, func(a, b CategoryTotal) int {
		if c := cmp.Compare(b.TotalCents, a.TotalCents); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
	return result
}

// TrendingProducts counts the transactions each product appears in and
// returns the topN most frequent, ties broken by product id ascending.
func TrendingProducts(transactions []domain.Transaction, products map[string]domain.Product, topN int) []TrendingProduct {
	if topN <= 0 {
		return []TrendingProduct{}
	}
	byID := make(map[string]*TrendingProduct)
	for _, tx := range transactions {
		seen := make(map[string]bool, len(tx.Products))
		for _, item := range tx.Products {
			entry, ok := byID[item.ProductID]
			if !ok {
				entry = &TrendingProduct{ProductID: item.ProductID, Category: categoryOf(item.ProductID, products)}
				if p, found := products[item.ProductID]; found {
					entry.Name = p.Name
				}
				byID[item.ProductID] = entry
			}
			entry.UnitsSold += item.Quantity
			if !seen[item.ProductID] {
				seen[item.ProductID] = true
				entry.Transactions++
			}
		}
	}

	result := make([]TrendingProduct, 0, len(byID))
	for _, entry := range byID {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b TrendingProduct) int {
		if c := cmp.Compare(b.Transactions, a.Transactions); c != 0 {
			return c
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	if len(result) > topN {
		result = result[:topN]
	}
	return result
}

// SalesBuckets groups amounts by the UTC calendar day or month of createdAt,
// in ascending period order.
func SalesBuckets(transactions []domain.Transaction, granularity Granularity) []Bucket {
	layout := "2006-01-02"
	if granularity == Monthly {
		layout = "2006-01"
	}
	byPeriod := make(map[string]*Bucket)
	for _, tx := range transactions {
		period := tx.CreatedAt.UTC().Format(layout)
		bucket, ok := byPeriod[period]
		if !ok {
			bucket = &Bucket{Period: period}
			byPeriod[period] = bucket
		}
		bucket.TotalCents += tx.AmountCents
		bucket.Transactions++
	}

	result := make([]Bucket, 0, len(byPeriod))
	for _, bucket := range byPeriod {
		result = append(result, *bucket)
	}
	slices.SortFunc(result, func(a, b Bucket) int {
		return strings.Compare(a.Period, b.Period)
	})
	return result
}

// SalesByEmployee totals the ledger per recording user.
func SalesByEmployee(transactions []domain.Transaction) []EmployeeTotal {
	byUser := make(map[string]*EmployeeTotal)
	for _, tx := range transactions {
		userID := strings.TrimSpace(tx.UserID)
		if userID == "" {
			userID = "unknown"
		}
		entry, ok := byUser[userID]
		if !ok {
			entry = &EmployeeTotal{UserID: userID}
			byUser[userID] = entry
		}
		entry.Transactions++
		entry.TotalCents += tx.AmountCents
	}

	result := make([]EmployeeTotal, 0, len(byUser))
	for _, entry := range byUser {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b EmployeeTotal) int {
		if c := cmp.Compare(b.TotalCents, a.TotalCents); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return result
}

// BuildOverview reports revenue with the four largest categories broken out
// and everything else folded into OtherCents.
func BuildOverview(transactions []domain.Transaction, products map[string]domain.Product) Overview {
	revenue := RevenueTotal(transactions)
	breakdown := CategoryBreakdown(transactions, products)
	if len(breakdown) > overviewCategories {
		breakdown = breakdown[:overviewCategories]
	}
	var listed int64
	for _, c := range breakdown {
		listed += c.TotalCents
	}
	return Overview{
		RevenueCents:  revenue,
		Transactions:  len(transactions),
		TopCategories: breakdown,
		OtherCents:    revenue - listed,
	}
}

func categoryOf(productID string, products map[string]domain.Product) string {
	p, ok := products[productID]
	if !ok {
		return domain.UncategorizedCategory
	}
	category := strings.TrimSpace(p.Category)
	if category == "" {
		return domain.UncategorizedCategory
	}
	return category
}

func lineWeights(items []domain.LineItem) []int64 {
	weights := make([]int64, len(items))
	var sum int64
	for i, item := range items {
		if w := item.TotalCents(); w > 0 {
			weights[i] = w
			sum += w
		}
	}
	if sum == 0 {
		for i := range weights {
			weights[i] = 1
		}
	}
	return weights
}

// allocate splits amount across weights; the final share takes the remainder.
func allocate(amount int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	var sum int64
	for _, w := range weights {
		sum += w
	}
	total := big.NewInt(amount)
	denominator := big.NewInt(sum)
	var assigned int64
	for i := 0; i < len(weights)-1; i++ {
		share := new(big.Int).Mul(total, big.NewInt(weights[i]))
		share.Quo(share, denominator)
		shares[i] = share.Int64()
		assigned += shares[i]
	}
	shares[len(weights)-1] = amount - assigned
	return shares
}
