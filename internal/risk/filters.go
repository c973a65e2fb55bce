package risk

import (
	"github.com/shopspring/decimal"

	"orderflow-pipeline/internal/errtax"
)

// RoundedOrder is the result of applying exchange filters to a raw
// order quantity/price: either the filter passed (possibly adjusting qty
// or price) or it rejected the order outright.
type RoundedOrder struct {
	Qty             float64
	Price           float64
	RoundingApplied bool
}

// ApplyFilters rounds qty down to the nearest step_size and price to the
// nearest tick_size using exact decimal arithmetic,
// since float64 rounding can drift by an ULP and silently produce an
// invalid exchange quantity. Returns errtax.KindFilterStepSize /
// KindFilterMinNotional when the filter cannot be satisfied.
func ApplyFilters(qty, price, tickSize, stepSize, minNotional float64) (RoundedOrder, error) {
	out := RoundedOrder{Qty: qty, Price: price}

	if stepSize > 0 {
		rounded := roundToStep(qty, stepSize)
		if rounded != qty {
			out.RoundingApplied = true
		}
		out.Qty = rounded
		if out.Qty <= 0 {
			return out, errtax.New(errtax.KindFilterStepSize, "qty rounds to zero at step_size")
		}
	}

	if tickSize > 0 && price > 0 {
		rounded := roundToTick(price, tickSize)
		if rounded != price {
			out.RoundingApplied = true
		}
		out.Price = rounded
	}

	notional := out.Qty * out.Price
	if minNotional > 0 && out.Price > 0 && notional < minNotional {
		suggested := roundToStep(minNotional/out.Price, maxFloat(stepSize, 0))
		return RoundedOrder{Qty: suggested, Price: out.Price}, errtax.New(
			errtax.KindFilterMinNotional, "order notional below min_notional")
	}

	return out, nil
}

// PriceCap computes the limit-order price cap aligned to tick_size for the
// stop/slippage policy: round-to-nearest, not
// round-down, since a cap is a target price, not a floor/ceiling.
func PriceCap(rawPrice, tickSize float64) float64 {
	if tickSize <= 0 {
		return rawPrice
	}
	return roundToTick(rawPrice, tickSize)
}

// roundToStep floors v to the nearest multiple of step using exact
// decimal division so repeated calls are bit-for-bit reproducible.
func roundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	dv := decimal.NewFromFloat(v)
	ds := decimal.NewFromFloat(step)
	steps := dv.Div(ds).Floor()
	out, _ := steps.Mul(ds).Float64()
	return out
}

// roundToTick rounds v to the nearest multiple of tick (half-up).
func roundToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	dv := decimal.NewFromFloat(v)
	dt := decimal.NewFromFloat(tick)
	steps := dv.DivRound(dt, 0)
	out, _ := steps.Mul(dt).Float64()
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
