package perps

import (
	"errors"
	"fmt"
	"math/big"
)

// Fixed-point scales used by the on-chain program. All rate math stays in
// big.Int until the final conversion to a float fraction.
const (
	BpsScale  = 10_000
	DbpsScale = 100_000
	RateScale = 1_000_000_000
	DebtScale = RateScale

	hoursPerYear = 24 * 365
)

// ErrConfiguration marks on-chain parameters the curve cannot be evaluated
// against, e.g. a jump-rate target utilization at or above the rate scale.
// Unlike decode or oracle problems it must never be handled by skipping the
// instrument.
var ErrConfiguration = errors.New("rate configuration error")

// FundingRates is the per-instrument output of the rate engine, expressed as
// plain fractions (0.0005 means 0.05% per hour).
type FundingRates struct {
	Hourly     float64
	Annualized float64
}

// ComputeFundingRates evaluates the borrow curve for one custody and returns
// the hourly rate plus its exact yearly extrapolation.
func ComputeFundingRates(c *CustodyRecord) (FundingRates, error) {
	scaled, err := c.HourlyBorrowRate(true)
	if err != nil {
		return FundingRates{}, err
	}
	hourly := scaledRateToFraction(scaled)
	return FundingRates{Hourly: hourly, Annualized: hourly * hoursPerYear}, nil
}

// HourlyBorrowRate returns the hourly rate in RateScale units. The mechanism
// is chosen by the borrow-rate block: a non-zero hourly deci-basis-point
// field selects the flat linear mechanism, otherwise the two-regime jump
// curve applies. useBorrowCurve picks which rate block supplies the linear
// mechanism's hourly figure.
func (c *CustodyRecord) HourlyBorrowRate(useBorrowCurve bool) (*big.Int, error) {
	if c.BorrowRateState.HourlyFundingDbps != 0 {
		return c.linearHourlyRate(useBorrowCurve), nil
	}
	return c.jumpHourlyRate()
}

func (c *CustodyRecord) linearHourlyRate(useBorrowCurve bool) *big.Int {
	dbps := c.FundingRateState.HourlyFundingDbps
	if useBorrowCurve {
		dbps = c.BorrowRateState.HourlyFundingDbps
	}
	owned := c.DebtAdjustedOwned()
	locked := c.DebtAdjustedLocked()
	if owned.Sign() == 0 || locked.Sign() == 0 {
		return new(big.Int)
	}
	// dbps to RateScale units per hour, then weighted by utilization.
	perHour := new(big.Int).SetUint64(dbps)
	perHour.Mul(perHour, big.NewInt(RateScale))
	perHour.Quo(perHour, big.NewInt(DbpsScale))
	return ceilDiv(new(big.Int).Mul(locked, perHour), owned)
}

func (c *CustodyRecord) jumpHourlyRate() (*big.Int, error) {
	slack := big.NewInt(RateScale)
	slack.Sub(slack, new(big.Int).SetUint64(c.JumpRate.TargetUtilization))
	if slack.Sign() <= 0 {
		return nil, fmt.Errorf("%w: target utilization %d exceeds rate scale", ErrConfiguration, c.JumpRate.TargetUtilization)
	}

	owned := c.DebtAdjustedOwned()
	locked := c.DebtAdjustedLocked()
	if owned.Sign() == 0 || locked.Sign() == 0 {
		return new(big.Int), nil
	}
	utilization := new(big.Int).Mul(locked, big.NewInt(RateScale))
	utilization.Quo(utilization, owned)

	target := new(big.Int).SetUint64(c.JumpRate.TargetUtilization)
	minRate := new(big.Int).SetUint64(c.JumpRate.MinRateBps)
	targetRate := new(big.Int).SetUint64(c.JumpRate.TargetRateBps)

	var yearlyBps *big.Int
	if utilization.Cmp(target) <= 0 {
		yearlyBps = new(big.Int).Set(minRate)
		if utilization.Sign() > 0 && target.Sign() > 0 {
			span := new(big.Int).Sub(targetRate, minRate)
			yearlyBps.Add(yearlyBps, ceilDiv(span.Mul(span, utilization), target))
		}
	} else {
		span := new(big.Int).SetUint64(c.JumpRate.MaxRateBps)
		span.Sub(span, targetRate)
		if span.Sign() < 0 {
			span.SetInt64(0)
		}
		excess := new(big.Int).Sub(utilization, target)
		if excess.Sign() < 0 {
			excess.SetInt64(0)
		}
		yearlyBps = new(big.Int).Set(targetRate)
		yearlyBps.Add(yearlyBps, ceilDiv(span.Mul(span, excess), slack))
	}

	yearly := yearlyBps.Mul(yearlyBps, big.NewInt(RateScale))
	yearly.Quo(yearly, big.NewInt(BpsScale))
	return yearly.Quo(yearly, big.NewInt(hoursPerYear)), nil
}

// DebtAdjustedOwned is assets.owned plus the outstanding net debt folded down
// from the debt scale, never less than the raw owned figure.
func (c *CustodyRecord) DebtAdjustedOwned() *big.Int {
	out := new(big.Int).SetUint64(c.Assets.Owned)
	return out.Add(out, c.debtCarry())
}

// DebtAdjustedLocked mirrors DebtAdjustedOwned for the locked side.
func (c *CustodyRecord) DebtAdjustedLocked() *big.Int {
	out := new(big.Int).SetUint64(c.Assets.Locked)
	return out.Add(out, c.debtCarry())
}

func (c *CustodyRecord) debtCarry() *big.Int {
	net := new(big.Int).Sub(bigOrZero(c.Debt), bigOrZero(c.AccruedInterest))
	carry := ceilDiv(net, big.NewInt(DebtScale))
	if carry.Sign() < 0 {
		carry.SetInt64(0)
	}
	return carry
}

// ceilDiv rounds the quotient toward the arithmetic ceiling, so negative
// numerators round toward zero instead of away from it.
func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 && (a.Sign() > 0) == (b.Sign() > 0) {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func scaledRateToFraction(scaled *big.Int) float64 {
	f := new(big.Float).SetInt(scaled)
	f.Quo(f, big.NewFloat(RateScale))
	out, _ := f.Float64()
	return out
}
