package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"retailcore/internal/apperr"
	"retailcore/internal/domain"
)

var registerBindingOnce sync.Once

// registerBindings installs the domain validation tags on gin's validator.
func registerBindings() {
	registerBindingOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			if err := domain.RegisterValidations(v); err != nil {
				panic(err)
			}
			v.RegisterTagNameFunc(func(field reflect.StructField) string {
				name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
				if name == "-" {
					return ""
				}
				return name
			})
		}
	})
}

type lineItemRequest struct {
	Product  string `json:"product" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,gt=0"`
	Price    *int64 `json:"price" binding:"omitempty,gte=0"`
}

type transactionRequest struct {
	UserID         string               `json:"userId"`
	Amount         *int64               `json:"amount" binding:"omitempty,gte=0"`
	Products       []lineItemRequest    `json:"products" binding:"required,min=1,dive"`
	PaymentMethod  string               `json:"paymentMethod" binding:"required,oneof=card mpesa"`
	Status         string               `json:"status" binding:"omitempty,oneof=pending completed failed"`
	BranchCode     string               `json:"branchCode" binding:"omitempty,branchcode"`
	PhoneNumber    string               `json:"phoneNumber"`
	PaymentDetails *domain.CardDetails  `json:"paymentDetails"`
	MpesaDetails   *domain.MpesaDetails `json:"mpesaDetails"`
}

func (r transactionRequest) toCommand(idempotencyKey string) domain.RecordTransactionCommand {
	items := make([]domain.LineItemInput, 0, len(r.Products))
	for _, item := range r.Products {
		items = append(items, domain.LineItemInput{
			ProductID:      item.Product,
			Quantity:       item.Quantity,
			UnitPriceCents: item.Price,
		})
	}

	mpesa := r.MpesaDetails
	if phone := strings.TrimSpace(r.PhoneNumber); phone != "" {
		if mpesa == nil {
			mpesa = &domain.MpesaDetails{}
		}
		if strings.TrimSpace(mpesa.PhoneNumber) == "" {
			mpesa.PhoneNumber = phone
		}
	}

	return domain.RecordTransactionCommand{
		UserID:         r.UserID,
		AmountCents:    r.Amount,
		PaymentMethod:  r.PaymentMethod,
		Status:         r.Status,
		BranchCode:     r.BranchCode,
		LineItems:      items,
		PaymentDetails: r.PaymentDetails,
		MpesaDetails:   mpesa,
		IdempotencyKey: idempotencyKey,
	}
}

type productRequest struct {
	Name        string               `json:"name" binding:"required"`
	Category    string               `json:"category"`
	Price       int64                `json:"price" binding:"gte=0"`
	Rating      float64              `json:"rating" binding:"gte=0,lte=5"`
	Description string               `json:"description"`
	Supply      []domain.SupplyEntry `json:"supply"`
}

func (r productRequest) toInput() domain.ProductInput {
	return domain.ProductInput{
		Name:        r.Name,
		Category:    r.Category,
		PriceCents:  r.Price,
		Rating:      r.Rating,
		Description: r.Description,
		Supply:      r.Supply,
	}
}

type transactionListQuery struct {
	Page     int    `form:"page" binding:"gte=0"`
	PageSize int    `form:"pageSize" binding:"gte=0"`
	Sort     string `form:"sort"`
	Search   string `form:"search"`
}

type sortSpec struct {
	Field string `json:"field"`
	Sort  string `json:"sort"`
}

// toQuery accepts sort either as {"field":"amount","sort":"asc"} or as a bare
// field name, optionally prefixed with "-" for descending.
func (q transactionListQuery) toQuery() (domain.TransactionQuery, error) {
	query := domain.TransactionQuery{Page: q.Page, PageSize: q.PageSize, Search: q.Search}

	raw := strings.TrimSpace(q.Sort)
	switch {
	case raw == "":
		return query, nil
	case strings.HasPrefix(raw, "{"):
		var spec sortSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return query, apperr.Validation("sort must be a JSON object with field and sort")
		}
		query.SortBy = strings.TrimSpace(spec.Field)
		switch strings.ToLower(strings.TrimSpace(spec.Sort)) {
		case "", "asc":
		case "desc":
			query.SortDesc = true
		default:
			return query, apperr.Validation("sort direction must be asc or desc")
		}
	default:
		query.SortBy = strings.TrimPrefix(raw, "-")
		query.SortDesc = strings.HasPrefix(raw, "-")
	}
	return query, nil
}

// bindError turns gin binding failures into validation errors with a
// field-level message.
func bindError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Validation(fmt.Sprintf("%s failed %q validation", jsonPath(fe.Namespace()), fe.Tag()))
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return apperr.Validation("request body too large")
	}
	if errors.Is(err, io.EOF) {
		return apperr.Validation("request body is required")
	}
	return apperr.Validation("invalid request body: " + err.Error())
}

// jsonPath drops the Go struct name from a validator namespace.
func jsonPath(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

func bindJSON(c *gin.Context, dest any) error {
	registerBindings()
	if err := c.ShouldBindJSON(dest); err != nil {
		return bindError(err)
	}
	return nil
}
