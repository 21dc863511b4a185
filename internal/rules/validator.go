package rules

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
	"mexc-sniper/internal/exchange/mexc"
)

// gridTolerance absorbs representation noise when checking that a quantity
// sits on the step grid: |qty/step - round(qty/step)| must not exceed it.
var gridTolerance = decimal.New(1, -9) // 1e-9

// Result is the outcome of validating an order against symbol rules. All
// violated checks are reported, not just the first.
type Result struct {
	Valid  bool
	Errors []string
}

// Validator checks orders against the cached exchange rules.
type Validator struct {
	cache *Cache
}

func NewValidator(cache *Cache) *Validator {
	return &Validator{cache: cache}
}

// Validate checks qty and price against the rules for symbol. A missing rule
// set short-circuits with RULES_UNKNOWN; every other violation accumulates.
func (v *Validator) Validate(ctx context.Context, symbol string, price, qty decimal.Decimal) (Result, error) {
	r, found, err := v.cache.Rules(ctx, symbol)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Valid: false, Errors: []string{common.CodeRulesUnknown + ": no rules loaded for " + symbol}}, nil
	}

	var errs []string
	if r.Status != mexc.StatusEnabled {
		errs = append(errs, fmt.Sprintf("symbol %s is not enabled for trading", symbol))
	}
	if r.MinQty.IsPositive() && qty.LessThan(r.MinQty) {
		errs = append(errs, fmt.Sprintf("quantity %s below minimum %s", qty, r.MinQty))
	}
	if r.MaxQty.IsPositive() && qty.GreaterThan(r.MaxQty) {
		errs = append(errs, fmt.Sprintf("quantity %s above maximum %s", qty, r.MaxQty))
	}
	if r.StepSize.IsPositive() && !onGrid(qty, r.StepSize) {
		errs = append(errs, fmt.Sprintf("quantity %s is not a multiple of step size %s", qty, r.StepSize))
	}
	if r.TickSize.IsPositive() && price.IsPositive() && !onGrid(price, r.TickSize) {
		errs = append(errs, fmt.Sprintf("price %s is not a multiple of tick size %s", price, r.TickSize))
	}
	if r.MinNotional.IsPositive() && qty.Mul(price).LessThan(r.MinNotional) {
		errs = append(errs, fmt.Sprintf("notional %s below minimum %s", qty.Mul(price), r.MinNotional))
	}

	return Result{Valid: len(errs) == 0, Errors: errs}, nil
}

// AdjustPrice rounds price down to the nearest tick for symbol.
func (v *Validator) AdjustPrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	r, found, err := v.cache.Rules(ctx, symbol)
	if err != nil {
		return price, err
	}
	if !found || !r.TickSize.IsPositive() {
		return price, nil
	}
	return price.Div(r.TickSize).Floor().Mul(r.TickSize), nil
}

// AdjustQuantity rounds qty down to the nearest step for symbol.
func (v *Validator) AdjustQuantity(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	r, found, err := v.cache.Rules(ctx, symbol)
	if err != nil {
		return qty, err
	}
	if !found || !r.StepSize.IsPositive() {
		return qty, nil
	}
	return qty.Div(r.StepSize).Floor().Mul(r.StepSize), nil
}

// onGrid reports whether value is an integer multiple of step within
// gridTolerance after scaling.
func onGrid(value, step decimal.Decimal) bool {
	ratio := value.Div(step)
	return ratio.Sub(ratio.Round(0)).Abs().LessThanOrEqual(gridTolerance)
}
