// Package pyth parses the on-chain price account published by the external
// price-oracle program. The layout is a fixed-offset foreign binary contract
// with its own versioning, so it is parsed independently of the program
// interface registry.
package pyth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ErrFormat = errors.New("oracle format error")

const (
	magic            = 0xa1b2c3d4
	accountTypePrice = 3

	offsetMagic       = 0
	offsetVersion     = 4
	offsetAccountType = 8
	offsetExponent    = 20

	// aggregate price block
	offsetAggPrice       = 208
	offsetAggConf        = 216
	offsetAggStatus      = 224
	offsetAggPublishSlot = 232

	minAccountSize = 240
)

type Status uint32

const (
	StatusUnknown Status = iota
	StatusTrading
	StatusHalted
	StatusAuction
	StatusIgnored
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusTrading:
		return "trading"
	case StatusHalted:
		return "halted"
	case StatusAuction:
		return "auction"
	case StatusIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// PriceRecord is the decoded aggregate of one oracle price account.
type PriceRecord struct {
	RawPrice    int64
	RawConf     uint64
	Status      Status
	PublishSlot uint64
	Exponent    int32
	Version     uint32
}

// Price applies the account exponent to the raw price component. A zero raw
// component means the aggregate is unset and yields nil, not a zero price.
func (p *PriceRecord) Price() *float64 {
	if p.RawPrice == 0 {
		return nil
	}
	value := scale(float64(p.RawPrice), p.Exponent)
	return &value
}

// Conf applies the account exponent to the raw confidence component, with
// the same zero-is-unset rule as Price.
func (p *PriceRecord) Conf() *float64 {
	if p.RawConf == 0 {
		return nil
	}
	value := scale(float64(p.RawConf), p.Exponent)
	return &value
}

// ParsePrice decodes a price account from its fixed-offset layout.
func ParsePrice(data []byte) (*PriceRecord, error) {
	if len(data) < minAccountSize {
		return nil, fmt.Errorf("%w: account too short (%d bytes, need %d)", ErrFormat, len(data), minAccountSize)
	}
	if got := binary.LittleEndian.Uint32(data[offsetMagic:]); got != magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrFormat, got)
	}
	if got := binary.LittleEndian.Uint32(data[offsetAccountType:]); got != accountTypePrice {
		return nil, fmt.Errorf("%w: account type %d is not a price account", ErrFormat, got)
	}

	return &PriceRecord{
		Version:     binary.LittleEndian.Uint32(data[offsetVersion:]),
		Exponent:    int32(binary.LittleEndian.Uint32(data[offsetExponent:])),
		RawPrice:    int64(binary.LittleEndian.Uint64(data[offsetAggPrice:])),
		RawConf:     binary.LittleEndian.Uint64(data[offsetAggConf:]),
		Status:      Status(binary.LittleEndian.Uint32(data[offsetAggStatus:])),
		PublishSlot: binary.LittleEndian.Uint64(data[offsetAggPublishSlot:]),
	}, nil
}

func scale(component float64, exponent int32) float64 {
	if exponent < 0 {
		return component / math.Pow10(int(-exponent))
	}
	if exponent > 0 {
		return component * math.Pow10(int(exponent))
	}
	return component
}
