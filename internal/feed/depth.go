package feed

import "math"

// depthStepFraction is the price distance covered by a full ladder side, as
// a fraction of mark price.
const depthStepFraction = 0.01

const depthLevelsPerSide = 3

// SynthesizeDepth approximates a book from the pool's one-percent depth
// figures: each side with a positive USD amount is split into three equal
// levels at 1/3, 2/3 and 3/3 of a one-percent price step away from mark.
// The ladder is synthetic liquidity, not observed orders. A non-finite or
// non-positive mark price yields no levels.
func SynthesizeDepth(markPrice, belowUsd, aboveUsd float64) []DepthLevel {
	if !isPositiveFinite(markPrice) {
		return nil
	}
	levels := make([]DepthLevel, 0, 2*depthLevelsPerSide)
	levels = appendSide(levels, SideBid, markPrice, -1, belowUsd)
	levels = appendSide(levels, SideAsk, markPrice, +1, aboveUsd)
	return levels
}

func appendSide(levels []DepthLevel, side Side, markPrice, direction, usd float64) []DepthLevel {
	if !isPositiveFinite(usd) {
		return levels
	}
	sizePerLevel := usd / depthLevelsPerSide / markPrice
	for i := 1; i <= depthLevelsPerSide; i++ {
		offset := markPrice * depthStepFraction * float64(i) / depthLevelsPerSide
		levels = append(levels, DepthLevel{
			Side:  side,
			Price: markPrice + direction*offset,
			Size:  sizePerLevel,
		})
	}
	return levels
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
