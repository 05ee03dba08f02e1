// Package feed drives one ingestion cycle against the perpetuals program:
// pool account, custody batch, oracle batch, slot read, and the assembly of
// normalized market records.
package feed

import "time"

type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// DepthLevel is one synthetic liquidity level. Size is in base units of the
// instrument, so size times price recovers the USD figure it was split from.
type DepthLevel struct {
	Side  Side    `json:"side"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// MarketRecord is the normalized per-instrument snapshot produced by one
// ingestion cycle. Records are value types, never mutated after assembly.
type MarketRecord struct {
	Symbol          string            `json:"symbol"`
	MarkPrice       float64           `json:"markPrice"`
	HourlyRate      float64           `json:"hourlyRate"`
	AnnualizedRate  float64           `json:"annualizedRate"`
	OpenInterestUsd float64           `json:"openInterestUsd"`
	TakerFeeBps     uint64            `json:"takerFeeBps"`
	MakerFeeBps     uint64            `json:"makerFeeBps"`
	MinQty          float64           `json:"minQty"`
	Depth           []DepthLevel      `json:"depth"`
	Metadata        map[string]string `json:"metadata"`
}

// Source tags the provenance of a snapshot.
type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// Snapshot is the result of one Fetch call.
type Snapshot struct {
	Markets     []MarketRecord `json:"markets"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Source      Source         `json:"source"`
}
