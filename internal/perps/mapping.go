package perps

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// ErrField reports a decoded account whose shape does not line up with the
// record types, e.g. a missing field or one with an unexpected Go type.
var ErrField = errors.New("unexpected record field")

// PoolFromRecord maps a decoded Pool account onto its typed record.
func PoolFromRecord(rec map[string]any) (*PoolRecord, error) {
	name, err := stringField(rec, "name")
	if err != nil {
		return nil, err
	}
	custodies, err := pubkeySliceField(rec, "custodies")
	if err != nil {
		return nil, err
	}
	return &PoolRecord{Name: name, Custodies: custodies}, nil
}

// CustodyFromRecord maps a decoded Custody account onto its typed record.
func CustodyFromRecord(rec map[string]any) (*CustodyRecord, error) {
	out := &CustodyRecord{}
	var err error
	if out.Mint, err = pubkeyField(rec, "mint"); err != nil {
		return nil, err
	}
	if out.Decimals, err = u8Field(rec, "decimals"); err != nil {
		return nil, err
	}

	oracle, err := mapField(rec, "oracle")
	if err != nil {
		return nil, err
	}
	if out.Oracle.OracleAccount, err = pubkeyField(oracle, "oracleAccount"); err != nil {
		return nil, err
	}
	if out.Oracle.OracleType, err = variantField(oracle, "oracleType"); err != nil {
		return nil, err
	}
	if out.Oracle.MaxPriceError, err = u64Field(oracle, "maxPriceError"); err != nil {
		return nil, err
	}
	if out.Oracle.MaxPriceAgeSec, err = u32Field(oracle, "maxPriceAgeSec"); err != nil {
		return nil, err
	}

	pricing, err := mapField(rec, "pricing")
	if err != nil {
		return nil, err
	}
	if out.Pricing.MinInitialLeverage, err = u64Field(pricing, "minInitialLeverage"); err != nil {
		return nil, err
	}
	if out.Pricing.MaxLeverage, err = u64Field(pricing, "maxLeverage"); err != nil {
		return nil, err
	}
	if out.Pricing.OnePctDepthAboveUsd, err = u64Field(pricing, "onePctDepthAboveUsd"); err != nil {
		return nil, err
	}
	if out.Pricing.OnePctDepthBelowUsd, err = u64Field(pricing, "onePctDepthBelowUsd"); err != nil {
		return nil, err
	}
	if out.Pricing.MaxGlobalLongSizes, err = u64Field(pricing, "maxGlobalLongSizes"); err != nil {
		return nil, err
	}
	if out.Pricing.MaxGlobalShortSizes, err = u64Field(pricing, "maxGlobalShortSizes"); err != nil {
		return nil, err
	}

	fees, err := mapField(rec, "fees")
	if err != nil {
		return nil, err
	}
	if out.Fees.IncreasePositionBps, err = u64Field(fees, "increasePositionBps"); err != nil {
		return nil, err
	}
	if out.Fees.DecreasePositionBps, err = u64Field(fees, "decreasePositionBps"); err != nil {
		return nil, err
	}

	assets, err := mapField(rec, "assets")
	if err != nil {
		return nil, err
	}
	if out.Assets.Owned, err = u64Field(assets, "owned"); err != nil {
		return nil, err
	}
	if out.Assets.Locked, err = u64Field(assets, "locked"); err != nil {
		return nil, err
	}
	if out.Assets.GuaranteedUsd, err = u64Field(assets, "guaranteedUsd"); err != nil {
		return nil, err
	}
	if out.Assets.GlobalShortSizes, err = u64Field(assets, "globalShortSizes"); err != nil {
		return nil, err
	}

	if out.FundingRateState, err = rateStateField(rec, "fundingRateState"); err != nil {
		return nil, err
	}
	if out.BorrowRateState, err = rateStateField(rec, "borrowRateState"); err != nil {
		return nil, err
	}

	jump, err := mapField(rec, "jumpRateState")
	if err != nil {
		return nil, err
	}
	if out.JumpRate.MinRateBps, err = u64Field(jump, "minRateBps"); err != nil {
		return nil, err
	}
	if out.JumpRate.MaxRateBps, err = u64Field(jump, "maxRateBps"); err != nil {
		return nil, err
	}
	if out.JumpRate.TargetRateBps, err = u64Field(jump, "targetRateBps"); err != nil {
		return nil, err
	}
	if out.JumpRate.TargetUtilization, err = u64Field(jump, "targetUtilization"); err != nil {
		return nil, err
	}

	bl, err := mapField(rec, "borrowLend")
	if err != nil {
		return nil, err
	}
	if out.BorrowLend.TotalLimitUsd, err = u64Field(bl, "totalLimitUsd"); err != nil {
		return nil, err
	}
	if out.BorrowLend.MaintenanceMarginBps, err = u64Field(bl, "maintenanceMarginBps"); err != nil {
		return nil, err
	}
	if out.BorrowLend.ProtocolFeeBps, err = u64Field(bl, "protocolFeeBps"); err != nil {
		return nil, err
	}
	if out.BorrowLend.LiquidationMarginBps, err = u64Field(bl, "liquidationMarginBps"); err != nil {
		return nil, err
	}
	if out.BorrowLend.LiquidationFeeBps, err = u64Field(bl, "liquidationFeeBps"); err != nil {
		return nil, err
	}

	if out.Debt, err = bigField(rec, "debt"); err != nil {
		return nil, err
	}
	if out.AccruedInterest, err = bigField(rec, "accruedInterest"); err != nil {
		return nil, err
	}
	if out.PriceImpactExponent, err = f64Field(rec, "priceImpactExponent"); err != nil {
		return nil, err
	}
	if out.MinPositionUsd, err = u64Field(rec, "minPositionUsd"); err != nil {
		return nil, err
	}
	return out, nil
}

func rateStateField(rec map[string]any, key string) (RateState, error) {
	m, err := mapField(rec, key)
	if err != nil {
		return RateState{}, err
	}
	var state RateState
	if state.CumulativeInterestRate, err = bigField(m, "cumulativeInterestRate"); err != nil {
		return RateState{}, err
	}
	if state.LastUpdate, err = i64Field(m, "lastUpdate"); err != nil {
		return RateState{}, err
	}
	if state.HourlyFundingDbps, err = u64Field(m, "hourlyFundingDbps"); err != nil {
		return RateState{}, err
	}
	return state, nil
}

func fieldValue(rec map[string]any, key string) (any, error) {
	v, ok := rec[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrField, key)
	}
	return v, nil
}

func stringField(rec map[string]any, key string) (string, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is %T, want string", ErrField, key, v)
	}
	return s, nil
}

func u8Field(rec map[string]any, key string) (uint8, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %T, want uint8", ErrField, key, v)
	}
	return n, nil
}

func u32Field(rec map[string]any, key string) (uint32, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(uint32)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %T, want uint32", ErrField, key, v)
	}
	return n, nil
}

func u64Field(rec map[string]any, key string) (uint64, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %T, want uint64", ErrField, key, v)
	}
	return n, nil
}

func i64Field(rec map[string]any, key string) (int64, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %T, want int64", ErrField, key, v)
	}
	return n, nil
}

func f64Field(rec map[string]any, key string) (float64, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %T, want float64", ErrField, key, v)
	}
	return n, nil
}

func bigField(rec map[string]any, key string) (*big.Int, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, want *big.Int", ErrField, key, v)
	}
	return n, nil
}

func pubkeyField(rec map[string]any, key string) (solana.PublicKey, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return solana.PublicKey{}, err
	}
	pk, ok := v.(solana.PublicKey)
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("%w: %q is %T, want public key", ErrField, key, v)
	}
	return pk, nil
}

func pubkeySliceField(rec map[string]any, key string) ([]solana.PublicKey, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, want list", ErrField, key, v)
	}
	keys := make([]solana.PublicKey, 0, len(items))
	for i, item := range items {
		pk, ok := item.(solana.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %q[%d] is %T, want public key", ErrField, key, i, item)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

func mapField(rec map[string]any, key string) (map[string]any, error) {
	v, err := fieldValue(rec, key)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, want nested record", ErrField, key, v)
	}
	return m, nil
}

func variantField(rec map[string]any, key string) (string, error) {
	m, err := mapField(rec, key)
	if err != nil {
		return "", err
	}
	return stringField(m, "variant")
}
