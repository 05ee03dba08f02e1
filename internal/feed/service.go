package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/stratosfi/perpfeed/internal/idl"
	"github.com/stratosfi/perpfeed/internal/perps"
	"github.com/stratosfi/perpfeed/internal/pyth"
)

// usdScale converts the program's integer USD figures to dollars.
const usdScale = 1_000_000

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxSlotDrift   = 25
)

// ErrEmptyResult reports a cycle that produced no usable markets: a pool
// with no custodies, a batch where nothing decoded, or every instrument
// filtered out as stale.
var ErrEmptyResult = errors.New("no live markets")

// RPCClient is the subset of the chain RPC surface one ingestion cycle
// needs. *rpc.Client satisfies it.
type RPCClient interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Provider serves a substitute snapshot when the live path fails.
type Provider interface {
	Markets(ctx context.Context) (*Snapshot, error)
}

// Params collects the collaborators and tunables for a Service.
type Params struct {
	Logger     *slog.Logger
	Client     RPCClient
	Registry   *idl.Registry
	Pool       solana.PublicKey
	Commitment rpc.CommitmentType

	// RequestTimeout bounds each outbound RPC call. MaxSlotDrift is the
	// oldest publish slot, relative to the current slot, still accepted
	// from the oracle.
	RequestTimeout time.Duration
	MaxSlotDrift   uint64

	Fallback Provider
	Metrics  *Metrics

	// Symbols maps mint addresses (base58) to display symbols, merged
	// over the built-in table.
	Symbols map[string]string
}

// FetchOptions control one Fetch call. ForceLive disables the fallback
// substitution so the caller sees the original error.
type FetchOptions struct {
	ForceLive bool
}

type Service struct {
	logger     *slog.Logger
	client     RPCClient
	registry   *idl.Registry
	pool       solana.PublicKey
	commitment rpc.CommitmentType
	timeout    time.Duration
	maxDrift   uint64
	fallback   Provider
	metrics    *Metrics
	symbols    map[string]string
}

func NewService(p Params) (*Service, error) {
	if p.Client == nil {
		return nil, errors.New("feed: rpc client is required")
	}
	if p.Registry == nil {
		return nil, errors.New("feed: layout registry is required")
	}
	if p.Pool.IsZero() {
		return nil, errors.New("feed: pool address is required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Commitment == "" {
		p.Commitment = rpc.CommitmentConfirmed
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = defaultRequestTimeout
	}
	if p.MaxSlotDrift == 0 {
		p.MaxSlotDrift = defaultMaxSlotDrift
	}
	symbols := make(map[string]string, len(defaultSymbols)+len(p.Symbols))
	for mint, sym := range defaultSymbols {
		symbols[mint] = sym
	}
	for mint, sym := range p.Symbols {
		symbols[mint] = sym
	}
	return &Service{
		logger:     p.Logger,
		client:     p.Client,
		registry:   p.Registry,
		pool:       p.Pool,
		commitment: p.Commitment,
		timeout:    p.RequestTimeout,
		maxDrift:   p.MaxSlotDrift,
		fallback:   p.Fallback,
		metrics:    p.Metrics,
		symbols:    symbols,
	}, nil
}

// Fetch runs one ingestion cycle. On a recoverable failure it substitutes
// the fallback dataset unless ForceLive was requested; configuration errors
// from the rate engine always surface as hard failures.
func (s *Service) Fetch(ctx context.Context, opts FetchOptions) (*Snapshot, error) {
	start := time.Now()
	snap, err := s.fetchLive(ctx)
	if err == nil {
		s.metrics.observeCycle(SourceLive, len(snap.Markets), time.Since(start))
		return snap, nil
	}
	if errors.Is(err, perps.ErrConfiguration) {
		return nil, err
	}
	if opts.ForceLive || s.fallback == nil {
		return nil, err
	}

	s.logger.Warn("live fetch failed, serving fallback dataset", "err", err)
	snap, fbErr := s.fallback.Markets(ctx)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback after live failure (%v): %w", err, fbErr)
	}
	snap.Source = SourceFallback
	s.metrics.observeCycle(SourceFallback, len(snap.Markets), time.Since(start))
	return snap, nil
}

func (s *Service) fetchLive(ctx context.Context) (*Snapshot, error) {
	pool, err := s.fetchPool(ctx)
	if err != nil {
		return nil, err
	}
	if len(pool.Custodies) == 0 {
		return nil, fmt.Errorf("%w: pool %s lists no custodies", ErrEmptyResult, s.pool)
	}

	custodies, err := s.fetchCustodies(ctx, pool.Custodies)
	if err != nil {
		return nil, err
	}

	oracleKeys := collectOracleKeys(custodies)
	prices, currentSlot, err := s.fetchOraclesAndSlot(ctx, oracleKeys)
	if err != nil {
		return nil, err
	}

	markets, err := s.assemble(pool, custodies, prices, currentSlot)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("%w: every instrument was filtered out", ErrEmptyResult)
	}
	return &Snapshot{
		Markets:     markets,
		LastUpdated: time.Now().UTC(),
		Source:      SourceLive,
	}, nil
}

func (s *Service) fetchPool(ctx context.Context) (*perps.PoolRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.GetAccountInfoWithOpts(callCtx, s.pool, &rpc.GetAccountInfoOpts{Commitment: s.commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch pool %s: %w", s.pool, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("pool account %s not found", s.pool)
	}
	rec, err := s.registry.DecodeAccount("Pool", resp.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode pool %s: %w", s.pool, err)
	}
	pool, err := perps.PoolFromRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("map pool %s: %w", s.pool, err)
	}
	return pool, nil
}

type custodyEntry struct {
	pubkey solana.PublicKey
	record *perps.CustodyRecord
}

func (s *Service) fetchCustodies(ctx context.Context, keys []solana.PublicKey) ([]custodyEntry, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.GetMultipleAccountsWithOpts(callCtx, keys, &rpc.GetMultipleAccountsOpts{Commitment: s.commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch %d custodies: %w", len(keys), err)
	}
	if resp == nil || len(resp.Value) != len(keys) {
		return nil, fmt.Errorf("fetch custodies: got %d accounts, want %d", respLen(resp), len(keys))
	}

	entries := make([]custodyEntry, 0, len(keys))
	for i, item := range resp.Value {
		if item == nil {
			s.logger.Warn("custody account missing, skipping", "pubkey", keys[i])
			s.metrics.observeSkip("custody_missing")
			continue
		}
		rec, err := s.registry.DecodeAccount("Custody", item.Data.GetBinary())
		if err != nil {
			s.logger.Warn("custody decode failed, skipping", "pubkey", keys[i], "err", err)
			s.metrics.observeSkip("custody_decode")
			continue
		}
		custody, err := perps.CustodyFromRecord(rec)
		if err != nil {
			s.logger.Warn("custody mapping failed, skipping", "pubkey", keys[i], "err", err)
			s.metrics.observeSkip("custody_decode")
			continue
		}
		entries = append(entries, custodyEntry{pubkey: keys[i], record: custody})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no custody account decoded", ErrEmptyResult)
	}
	return entries, nil
}

func collectOracleKeys(custodies []custodyEntry) []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{}, len(custodies))
	keys := make([]solana.PublicKey, 0, len(custodies))
	for _, entry := range custodies {
		key := entry.record.Oracle.OracleAccount
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// fetchOraclesAndSlot issues the oracle batch and the slot read concurrently;
// neither depends on the other and both results are consumed only after both
// branches finish.
func (s *Service) fetchOraclesAndSlot(ctx context.Context, oracleKeys []solana.PublicKey) (map[solana.PublicKey]*pyth.PriceRecord, uint64, error) {
	var (
		prices    map[solana.PublicKey]*pyth.PriceRecord
		pricesErr error
		slot      uint64
		slotErr   error
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		slot, slotErr = s.client.GetSlot(callCtx, s.commitment)
	}()

	prices, pricesErr = s.fetchOracles(ctx, oracleKeys)
	<-done

	if pricesErr != nil {
		return nil, 0, pricesErr
	}
	if slotErr != nil {
		return nil, 0, fmt.Errorf("fetch current slot: %w", slotErr)
	}
	return prices, slot, nil
}

func (s *Service) fetchOracles(ctx context.Context, keys []solana.PublicKey) (map[solana.PublicKey]*pyth.PriceRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.GetMultipleAccountsWithOpts(callCtx, keys, &rpc.GetMultipleAccountsOpts{Commitment: s.commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch %d oracle accounts: %w", len(keys), err)
	}
	if resp == nil || len(resp.Value) != len(keys) {
		return nil, fmt.Errorf("fetch oracles: got %d accounts, want %d", respLen(resp), len(keys))
	}

	prices := make(map[solana.PublicKey]*pyth.PriceRecord, len(keys))
	for i, item := range resp.Value {
		if item == nil {
			s.logger.Warn("oracle account missing", "pubkey", keys[i])
			continue
		}
		record, err := pyth.ParsePrice(item.Data.GetBinary())
		if err != nil {
			s.logger.Warn("oracle parse failed, instrument will be skipped", "pubkey", keys[i], "err", err)
			s.metrics.observeSkip("oracle_format")
			continue
		}
		prices[keys[i]] = record
	}
	return prices, nil
}

func (s *Service) assemble(pool *perps.PoolRecord, custodies []custodyEntry, prices map[solana.PublicKey]*pyth.PriceRecord, currentSlot uint64) ([]MarketRecord, error) {
	markets := make([]MarketRecord, 0, len(custodies))
	for _, entry := range custodies {
		custody := entry.record
		price, ok := prices[custody.Oracle.OracleAccount]
		if !ok {
			s.metrics.observeSkip("oracle_missing")
			continue
		}
		mark := price.Price()
		if mark == nil {
			s.logger.Warn("oracle price unset, skipping", "custody", entry.pubkey)
			s.metrics.observeSkip("price_unset")
			continue
		}
		if price.Status != pyth.StatusTrading {
			s.logger.Warn("oracle not trading, skipping",
				"custody", entry.pubkey, "status", price.Status.String())
			s.metrics.observeSkip("status")
			continue
		}
		if currentSlot > price.PublishSlot && currentSlot-price.PublishSlot > s.maxDrift {
			s.logger.Warn("oracle price stale, skipping",
				"custody", entry.pubkey,
				"publishSlot", price.PublishSlot,
				"currentSlot", currentSlot)
			s.metrics.observeSkip("stale")
			continue
		}
		if !isPositiveFinite(*mark) {
			s.metrics.observeSkip("price_invalid")
			continue
		}

		rates, err := perps.ComputeFundingRates(custody)
		if err != nil {
			if errors.Is(err, perps.ErrConfiguration) {
				return nil, fmt.Errorf("custody %s: %w", entry.pubkey, err)
			}
			s.logger.Warn("rate computation failed, skipping", "custody", entry.pubkey, "err", err)
			s.metrics.observeSkip("rates")
			continue
		}

		markets = append(markets, s.buildMarket(pool, entry, *mark, price, rates))
	}
	return markets, nil
}

func (s *Service) buildMarket(pool *perps.PoolRecord, entry custodyEntry, mark float64, price *pyth.PriceRecord, rates perps.FundingRates) MarketRecord {
	custody := entry.record
	oiUsd := (float64(custody.Assets.GuaranteedUsd) + float64(custody.Assets.GlobalShortSizes)) / usdScale

	metadata := map[string]string{
		"poolName":       pool.Name,
		"custody":        entry.pubkey.String(),
		"mint":           custody.Mint.String(),
		"oracleAccount":  custody.Oracle.OracleAccount.String(),
		"oracleType":     custody.Oracle.OracleType,
		"publishSlot":    fmt.Sprintf("%d", price.PublishSlot),
		"maxLeverage":    fmt.Sprintf("%d", custody.Pricing.MaxLeverage),
		"maintenanceBps": fmt.Sprintf("%d", custody.BorrowLend.MaintenanceMarginBps),
		"liquidationBps": fmt.Sprintf("%d", custody.BorrowLend.LiquidationMarginBps),
		"depthSynthetic": "true",
	}
	if conf := price.Conf(); conf != nil {
		metadata["confidence"] = fmt.Sprintf("%g", *conf)
	}

	minQty := 0.0
	if custody.MinPositionUsd > 0 {
		minQty = float64(custody.MinPositionUsd) / usdScale / mark
	}

	return MarketRecord{
		Symbol:          s.symbolFor(custody.Mint),
		MarkPrice:       mark,
		HourlyRate:      rates.Hourly,
		AnnualizedRate:  rates.Annualized,
		OpenInterestUsd: oiUsd,
		TakerFeeBps:     custody.Fees.IncreasePositionBps,
		MakerFeeBps:     custody.Fees.DecreasePositionBps,
		MinQty:          minQty,
		Depth: SynthesizeDepth(mark,
			float64(custody.Pricing.OnePctDepthBelowUsd)/usdScale,
			float64(custody.Pricing.OnePctDepthAboveUsd)/usdScale),
		Metadata: metadata,
	}
}

var defaultSymbols = map[string]string{
	"So11111111111111111111111111111111111111112":  "SOL-PERP",
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "USDC-PERP",
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": "USDT-PERP",
	"3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDzcqmJh": "BTC-PERP",
	"7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs": "ETH-PERP",
}

func (s *Service) symbolFor(mint solana.PublicKey) string {
	if sym, ok := s.symbols[mint.String()]; ok {
		return sym
	}
	b58 := mint.String()
	if len(b58) > 8 {
		b58 = b58[:8]
	}
	return b58 + "-PERP"
}

func respLen(resp *rpc.GetMultipleAccountsResult) int {
	if resp == nil {
		return 0
	}
	return len(resp.Value)
}
