package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var branchCodePattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`)

func ValidBranchCode(code string) bool {
	return branchCodePattern.MatchString(code)
}

func ValidPaymentMethod(method string) bool {
	return method == PaymentCard || method == PaymentMpesa
}

func ValidStatus(status string) bool {
	switch status {
	case TxStatusPending, TxStatusCompleted, TxStatusFailed:
		return true
	}
	return false
}

// RegisterValidations installs the custom tags used by request and catalog structs.
func RegisterValidations(v *validator.Validate) error {
	if err := v.RegisterValidation("branchcode", func(fl validator.FieldLevel) bool {
		return ValidBranchCode(fl.Field().String())
	}); err != nil {
		return err
	}
	return v.RegisterValidation("uniquebranches", func(fl validator.FieldLevel) bool {
		supply, ok := fl.Field().Interface().([]SupplyEntry)
		if !ok {
			return false
		}
		return HasUniqueBranches(supply)
	})
}

func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterValidations(v); err != nil {
		panic(err)
	}
	return v
}

func HasUniqueBranches(supply []SupplyEntry) bool {
	seen := make(map[string]struct{}, len(supply))
	for _, entry := range supply {
		if _, dup := seen[entry.BranchCode]; dup {
			return false
		}
		seen[entry.BranchCode] = struct{}{}
	}
	return true
}

// CoerceCents turns a loosely typed stored amount into minor units.
// Values that are missing or not numeric yield (0, false).
func CoerceCents(raw any) (int64, bool) {
	switch v := raw.(type) {
	case nil:
		return 0, false
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float32:
		return coerceFloat(float64(v))
	case float64:
		return coerceFloat(v)
	case string:
		trimmed := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return coerceFloat(f)
		}
		return 0, false
	default:
		return 0, false
	}
}

func coerceFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/2 {
		return 0, false
	}
	return int64(math.Round(f)), true
}
