// Package perps holds the decoded on-chain records for one perpetuals venue
// and the funding/borrow rate engine that operates on them. Records are
// value types decoded fresh on every ingestion cycle and never persisted.
package perps

import (
	_ "embed"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// DefaultInterface is the program interface description shipped with the
// connector; config may point at a newer one on disk.
//
//go:embed perpetuals.json
var DefaultInterface []byte

type PoolRecord struct {
	Name      string
	Custodies []solana.PublicKey
}

type OracleParams struct {
	OracleAccount  solana.PublicKey
	OracleType     string
	MaxPriceError  uint64
	MaxPriceAgeSec uint32
}

type PricingParams struct {
	MinInitialLeverage  uint64
	MaxLeverage         uint64
	OnePctDepthAboveUsd uint64
	OnePctDepthBelowUsd uint64
	MaxGlobalLongSizes  uint64
	MaxGlobalShortSizes uint64
}

type FeeParams struct {
	IncreasePositionBps uint64
	DecreasePositionBps uint64
}

type AssetsParams struct {
	Owned            uint64
	Locked           uint64
	GuaranteedUsd    uint64
	GlobalShortSizes uint64
}

// RateState is one flat rate block; a custody carries two of them, one for
// funding and one for borrowing.
type RateState struct {
	CumulativeInterestRate *big.Int
	LastUpdate             int64
	HourlyFundingDbps      uint64
}

type JumpRateParams struct {
	MinRateBps        uint64
	MaxRateBps        uint64
	TargetRateBps     uint64
	TargetUtilization uint64 // parts per RateScale
}

type BorrowLendParams struct {
	TotalLimitUsd        uint64
	MaintenanceMarginBps uint64
	ProtocolFeeBps       uint64
	LiquidationMarginBps uint64
	LiquidationFeeBps    uint64
}

type CustodyRecord struct {
	Mint                solana.PublicKey
	Decimals            uint8
	Oracle              OracleParams
	Pricing             PricingParams
	Fees                FeeParams
	Assets              AssetsParams
	FundingRateState    RateState
	BorrowRateState     RateState
	JumpRate            JumpRateParams
	BorrowLend          BorrowLendParams
	Debt                *big.Int
	AccruedInterest     *big.Int
	PriceImpactExponent float64
	MinPositionUsd      uint64
}
