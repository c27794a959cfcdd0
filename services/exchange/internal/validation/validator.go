package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

var tokenPattern = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)

func ValidateOrderRequest(token, side, kind, amount, limitPrice string) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, validateToken(token)...)

	side = strings.ToLower(strings.TrimSpace(side))
	if side != "buy" && side != "sell" {
		errs = append(errs, FieldError{Field: "side", Message: "side must be buy or sell"})
	}

	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != "limit" && kind != "market" {
		errs = append(errs, FieldError{Field: "kind", Message: "kind must be limit or market"})
	}

	if _, err := parsePositiveDecimal(amount, "amount"); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}

	trimmedPrice := strings.TrimSpace(limitPrice)
	if kind == "limit" && trimmedPrice == "" {
		errs = append(errs, FieldError{Field: "limit_price", Message: "limit_price is required for limit orders"})
	}
	if kind == "market" && trimmedPrice != "" {
		errs = append(errs, FieldError{Field: "limit_price", Message: "limit_price is not allowed for market orders"})
	}
	if trimmedPrice != "" {
		if _, err := parsePositiveDecimal(trimmedPrice, "limit_price"); err != nil {
			errs = append(errs, FieldError{Field: "limit_price", Message: err.Error()})
		}
	}

	return errs
}

func ValidateCurveTradeRequest(token, side, amount string) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, validateToken(token)...)

	side = strings.ToLower(strings.TrimSpace(side))
	if side != "buy" && side != "sell" {
		errs = append(errs, FieldError{Field: "side", Message: "side must be buy or sell"})
	}

	if _, err := parsePositiveDecimal(amount, "amount"); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}

	return errs
}

func validateToken(token string) ValidationErrors {
	token = strings.TrimSpace(token)
	if token == "" {
		return ValidationErrors{{Field: "token", Message: "token is required"}}
	}
	if !tokenPattern.MatchString(strings.ToUpper(token)) {
		return ValidationErrors{{Field: "token", Message: "token must be 2-16 alphanumeric characters"}}
	}
	return nil
}

func parsePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}

func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
