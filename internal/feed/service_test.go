package feed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/stratosfi/perpfeed/internal/idl"
	"github.com/stratosfi/perpfeed/internal/perps"
	"github.com/stratosfi/perpfeed/internal/pyth"
)

var (
	solMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	ethMint = solana.MustPublicKeyFromBase58("7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs")
)

func testKey(tag byte) solana.PublicKey {
	var raw [32]byte
	for i := range raw {
		raw[i] = tag
	}
	return solana.PublicKeyFromBytes(raw[:])
}

type fakeRPC struct {
	accounts map[solana.PublicKey][]byte
	slot     uint64
	infoErr  error
}

func (f *fakeRPC) GetAccountInfoWithOpts(_ context.Context, key solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	data, ok := f.accounts[key]
	if !ok {
		return &rpc.GetAccountInfoResult{}, nil
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)},
	}, nil
}

func (f *fakeRPC) GetMultipleAccountsWithOpts(_ context.Context, keys []solana.PublicKey, _ *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	out := &rpc.GetMultipleAccountsResult{Value: make([]*rpc.Account, len(keys))}
	for i, key := range keys {
		if data, ok := f.accounts[key]; ok {
			out.Value[i] = &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}
		}
	}
	return out, nil
}

func (f *fakeRPC) GetSlot(_ context.Context, _ rpc.CommitmentType) (uint64, error) {
	return f.slot, nil
}

func appendLE32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func appendLE64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }

func appendLE128(b []byte, v uint64) []byte {
	b = appendLE64(b, v)
	return appendLE64(b, 0)
}

func feedRegistry(t *testing.T) *idl.Registry {
	t.Helper()
	reg, err := idl.BuildRegistry(perps.DefaultInterface)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	return reg
}

func accountBytes(t *testing.T, reg *idl.Registry, account string, payload []byte) []byte {
	t.Helper()
	layout, ok := reg.Layout(account)
	if !ok {
		t.Fatalf("no layout for %s", account)
	}
	return append(append([]byte{}, layout.Discriminator[:]...), payload...)
}

func encodePool(t *testing.T, reg *idl.Registry, name string, custodies ...solana.PublicKey) []byte {
	t.Helper()
	var b []byte
	b = appendLE32(b, uint32(len(name)))
	b = append(b, name...)
	b = appendLE32(b, uint32(len(custodies)))
	for _, key := range custodies {
		b = append(b, key[:]...)
	}
	b = appendLE128(b, 0)
	b = appendLE64(b, uint64(1_600_000_000))
	return accountBytes(t, reg, "Pool", b)
}

func encodeTestCustody(t *testing.T, reg *idl.Registry, mint, oracle solana.PublicKey, borrowDbps, targetUtil uint64) []byte {
	t.Helper()
	var b []byte
	b = append(b, mint[:]...)
	b = append(b, 9) // decimals

	b = append(b, oracle[:]...)
	b = appendLE32(b, 2) // OracleType::Pyth
	b = appendLE64(b, 10_000)
	b = appendLE32(b, 60)

	b = appendLE64(b, 1_0000)   // min initial leverage
	b = appendLE64(b, 100_0000) // max leverage
	b = appendLE64(b, 300_000_000_000)
	b = appendLE64(b, 150_000_000_000)
	b = appendLE64(b, 1_000_000_000_000)
	b = appendLE64(b, 900_000_000_000)

	b = appendLE64(b, 8) // taker bps
	b = appendLE64(b, 5) // maker bps

	b = appendLE64(b, 1_000_000) // owned
	b = appendLE64(b, 400_000)   // locked
	b = appendLE64(b, 7_000_000_000)
	b = appendLE64(b, 3_000_000_000)

	for i := 0; i < 2; i++ {
		b = appendLE128(b, 0)
		b = appendLE64(b, uint64(1_700_000_000))
		if i == 1 {
			b = appendLE64(b, borrowDbps)
		} else {
			b = appendLE64(b, 0)
		}
	}

	b = appendLE64(b, 100)
	b = appendLE64(b, 2000)
	b = appendLE64(b, 500)
	b = appendLE64(b, targetUtil)

	b = appendLE64(b, 5_000_000_000)
	b = appendLE64(b, 500)
	b = appendLE64(b, 10)
	b = appendLE64(b, 300)
	b = appendLE64(b, 50)

	b = appendLE128(b, 0) // debt
	b = appendLE128(b, 0) // accrued interest
	b = appendLE64(b, math.Float64bits(0.85))
	b = appendLE64(b, 25_000_000) // min position usd = $25
	return accountBytes(t, reg, "Custody", b)
}

func encodeOracle(rawPrice int64, status uint32, publishSlot uint64, exponent int32) []byte {
	b := make([]byte, 240)
	binary.LittleEndian.PutUint32(b[0:], 0xa1b2c3d4)
	binary.LittleEndian.PutUint32(b[4:], 2)
	binary.LittleEndian.PutUint32(b[8:], 3)
	binary.LittleEndian.PutUint32(b[20:], uint32(exponent))
	binary.LittleEndian.PutUint64(b[208:], uint64(rawPrice))
	binary.LittleEndian.PutUint64(b[216:], 120_000)
	binary.LittleEndian.PutUint32(b[224:], status)
	binary.LittleEndian.PutUint64(b[232:], publishSlot)
	return b
}

type feedFixture struct {
	pool     solana.PublicKey
	client   *fakeRPC
	registry *idl.Registry
}

// newTradingFixture wires a pool with two custodies: SOL behind a fresh
// Trading oracle and ETH behind a Halted one.
func newTradingFixture(t *testing.T) *feedFixture {
	t.Helper()
	reg := feedRegistry(t)

	pool := testKey(0x01)
	custodySol := testKey(0x02)
	custodyEth := testKey(0x03)
	oracleSol := testKey(0x04)
	oracleEth := testKey(0x05)

	client := &fakeRPC{
		slot: 1000,
		accounts: map[solana.PublicKey][]byte{
			pool:       encodePool(t, reg, "main", custodySol, custodyEth),
			custodySol: encodeTestCustody(t, reg, solMint, oracleSol, 100, 800_000_000),
			custodyEth: encodeTestCustody(t, reg, ethMint, oracleEth, 100, 800_000_000),
			oracleSol:  encodeOracle(2_150_000_000, uint32(pyth.StatusTrading), 990, -8),
			oracleEth:  encodeOracle(3_000_000_000_000, uint32(pyth.StatusHalted), 990, -8),
		},
	}
	return &feedFixture{pool: pool, client: client, registry: reg}
}

func (fx *feedFixture) service(t *testing.T, fallback Provider) *Service {
	t.Helper()
	svc, err := NewService(Params{
		Client:   fx.client,
		Registry: fx.registry,
		Pool:     fx.pool,
		Fallback: fallback,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

type staticProvider struct {
	snap *Snapshot
	err  error
}

func (p staticProvider) Markets(context.Context) (*Snapshot, error) {
	return p.snap, p.err
}

func TestFetchLiveEndToEnd(t *testing.T) {
	fx := newTradingFixture(t)
	svc := fx.service(t, nil)

	snap, err := svc.Fetch(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.Source != SourceLive {
		t.Fatalf("source = %q, want live", snap.Source)
	}
	if len(snap.Markets) != 1 {
		t.Fatalf("markets = %d, want the halted instrument filtered", len(snap.Markets))
	}

	market := snap.Markets[0]
	if market.Symbol != "SOL-PERP" {
		t.Fatalf("symbol = %q", market.Symbol)
	}
	if market.MarkPrice != 21.5 {
		t.Fatalf("mark = %v, want 21.5", market.MarkPrice)
	}
	if market.TakerFeeBps != 8 || market.MakerFeeBps != 5 {
		t.Fatalf("fees = %d/%d", market.TakerFeeBps, market.MakerFeeBps)
	}
	// dbps 100 against 40% utilization
	if math.Abs(market.HourlyRate-0.0004) > 1e-12 {
		t.Fatalf("hourly = %v, want 0.0004", market.HourlyRate)
	}
	if market.AnnualizedRate != market.HourlyRate*8760 {
		t.Fatalf("annualized = %v", market.AnnualizedRate)
	}
	if market.OpenInterestUsd != 10_000 {
		t.Fatalf("oi = %v", market.OpenInterestUsd)
	}
	if len(market.Depth) != 6 {
		t.Fatalf("depth levels = %d, want 6", len(market.Depth))
	}
	if market.Metadata["poolName"] != "main" || market.Metadata["depthSynthetic"] != "true" {
		t.Fatalf("metadata = %v", market.Metadata)
	}
	if market.MinQty != 25.0/21.5 {
		t.Fatalf("min qty = %v", market.MinQty)
	}
}

func TestStalenessBoundary(t *testing.T) {
	fx := newTradingFixture(t)
	svc := fx.service(t, nil)

	// Publish slot 990, tolerance 25: slot 1015 is the last accepted.
	fx.client.slot = 1015
	snap, err := svc.Fetch(context.Background(), FetchOptions{ForceLive: true})
	if err != nil {
		t.Fatalf("Fetch at drift 25: %v", err)
	}
	if len(snap.Markets) != 1 {
		t.Fatalf("markets = %d at drift 25, want 1", len(snap.Markets))
	}

	fx.client.slot = 1016
	if _, err := svc.Fetch(context.Background(), FetchOptions{ForceLive: true}); !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("err at drift 26 = %v, want ErrEmptyResult", err)
	}
}

func TestFallbackOnTransportFailure(t *testing.T) {
	fx := newTradingFixture(t)
	fx.client.infoErr = fmt.Errorf("connection refused")

	want := &Snapshot{
		Markets:     []MarketRecord{{Symbol: "SOL-PERP", MarkPrice: 20}},
		LastUpdated: time.Now(),
	}
	svc := fx.service(t, staticProvider{snap: want})

	snap, err := svc.Fetch(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.Source != SourceFallback {
		t.Fatalf("source = %q, want fallback", snap.Source)
	}
	if len(snap.Markets) != 1 || snap.Markets[0].Symbol != "SOL-PERP" {
		t.Fatalf("markets = %+v", snap.Markets)
	}
}

func TestForceLiveSkipsFallback(t *testing.T) {
	fx := newTradingFixture(t)
	fx.client.infoErr = fmt.Errorf("connection refused")
	svc := fx.service(t, staticProvider{snap: &Snapshot{Markets: []MarketRecord{{}}}})

	_, err := svc.Fetch(context.Background(), FetchOptions{ForceLive: true})
	if err == nil || !errors.Is(err, fx.client.infoErr) {
		t.Fatalf("err = %v, want the original transport error", err)
	}
}

func TestConfigurationErrorNeverFallsBack(t *testing.T) {
	fx := newTradingFixture(t)
	// Rebuild the SOL custody on the jump curve with a degenerate target.
	custodySol := testKey(0x02)
	oracleSol := testKey(0x04)
	fx.client.accounts[custodySol] = encodeTestCustody(t, fx.registry, solMint, oracleSol, 0, perps.RateScale)

	svc := fx.service(t, staticProvider{snap: &Snapshot{Markets: []MarketRecord{{}}}})
	_, err := svc.Fetch(context.Background(), FetchOptions{})
	if !errors.Is(err, perps.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration surfaced past the fallback", err)
	}
}

func TestEmptyPoolEscalates(t *testing.T) {
	fx := newTradingFixture(t)
	fx.client.accounts[fx.pool] = encodePool(t, fx.registry, "empty")
	svc := fx.service(t, nil)

	if _, err := svc.Fetch(context.Background(), FetchOptions{ForceLive: true}); !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("err = %v, want ErrEmptyResult", err)
	}
}

func TestPoolNotFoundEscalates(t *testing.T) {
	fx := newTradingFixture(t)
	delete(fx.client.accounts, fx.pool)
	svc := fx.service(t, nil)

	if _, err := svc.Fetch(context.Background(), FetchOptions{ForceLive: true}); err == nil {
		t.Fatal("expected an error for a missing pool account")
	}
}
