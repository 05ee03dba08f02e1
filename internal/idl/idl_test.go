package idl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
)

const testIDL = `{
	"version": "0.1.0",
	"name": "perpetuals",
	"accounts": [
		{
			"name": "sample_account",
			"type": {
				"kind": "struct",
				"fields": [
					{"name": "owner_key", "type": "publicKey"},
					{"name": "display_name", "type": "string"},
					{"name": "decimals", "type": "u8"},
					{"name": "total_amount", "type": "u64"},
					{"name": "signed_total", "type": "i64"},
					{"name": "cumulative_rate", "type": "u128"},
					{"name": "skew", "type": "i128"},
					{"name": "impact_exponent", "type": "f64"},
					{"name": "members", "type": {"vec": "publicKey"}},
					{"name": "cap", "type": {"option": "u64"}},
					{"name": "seed", "type": {"array": ["u8", 4]}},
					{"name": "rate_state", "type": {"defined": "rate_state"}},
					{"name": "mode", "type": {"defined": "sample_mode"}}
				]
			}
		}
	],
	"types": [
		{
			"name": "rate_state",
			"type": {
				"kind": "struct",
				"fields": [
					{"name": "cumulative_interest_rate", "type": "u128"},
					{"name": "last_update", "type": "i64"},
					{"name": "hourly_funding_dbps", "type": "u64"}
				]
			}
		},
		{
			"name": "sample_mode",
			"type": {
				"kind": "enum",
				"variants": [
					{"name": "none"},
					{"name": "scaled", "fields": [{"name": "factor", "type": "u64"}]},
					{"name": "pair", "fields": ["u32", "u32"]}
				]
			}
		}
	]
}`

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := BuildRegistry([]byte(testIDL))
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestBuildRegistryNormalizesNames(t *testing.T) {
	reg := mustRegistry(t)

	layout, ok := reg.Layout("SampleAccount")
	if !ok {
		t.Fatalf("expected SampleAccount layout")
	}
	if layout.Name != "SampleAccount" {
		t.Fatalf("expected normalized account name SampleAccount, got %q", layout.Name)
	}
	if _, ok := reg.Layout("sample_account"); !ok {
		t.Fatalf("expected raw account name to resolve to the same layout")
	}
	if layout.Type.Fields[0].Name != "ownerKey" {
		t.Fatalf("expected ownerKey, got %q", layout.Type.Fields[0].Name)
	}
	if layout.Type.Fields[0].Type.Primitive != "pubkey" {
		t.Fatalf("expected legacy publicKey aliased to pubkey, got %q", layout.Type.Fields[0].Type.Primitive)
	}

	// the account name must agree across both namespaces
	if _, ok := reg.types["SampleAccount"]; !ok {
		t.Fatalf("expected synthesized type definition for SampleAccount")
	}
}

func TestBuildRegistryRejectsUnknownShapes(t *testing.T) {
	cases := []string{
		`{"accounts":[{"name":"A","type":{"kind":"tuple","fields":[]}}]}`,
		`{"accounts":[{"name":"A","type":{"kind":"struct","fields":[{"name":"x","type":"u7"}]}}]}`,
		`{"accounts":[{"name":"A","type":{"kind":"struct","fields":[{"name":"x","type":{"defined":"Missing"}}]}}]}`,
	}
	for _, raw := range cases {
		if _, err := BuildRegistry([]byte(raw)); !errors.Is(err, ErrSchema) {
			t.Fatalf("expected schema error for %s, got %v", raw, err)
		}
	}
}

func encodeSampleAccount(t *testing.T) ([]byte, solana.PublicKey) {
	t.Helper()
	owner := solana.MustPublicKeyFromBase58("GpMobZUKPtEE1eiZQAADo2ecD54JXhNHPNts5kPGwLtb")

	var buf bytes.Buffer
	buf.Write(owner.Bytes())
	writeU32(&buf, 4)
	buf.WriteString("SOL1")
	buf.WriteByte(9)
	writeU64(&buf, 5_000)
	writeU64(&buf, uint64(^uint64(0)-41)) // -42 as two's complement i64
	writeU128(&buf, big.NewInt(1_000_000_007))
	writeI128(&buf, big.NewInt(-3))
	writeF64(&buf, 1.5)
	writeU32(&buf, 1)
	buf.Write(owner.Bytes())
	buf.WriteByte(1)
	writeU64(&buf, 77)
	buf.Write([]byte{9, 8, 7, 6})
	// rate_state
	writeU128(&buf, big.NewInt(123))
	writeU64(&buf, 1_700_000_000)
	writeU64(&buf, 250)
	// mode: variant 1 (Scaled) with factor
	writeU32(&buf, 1)
	writeU64(&buf, 12)

	return buf.Bytes(), owner
}

func TestDecodeRoundTrip(t *testing.T) {
	reg := mustRegistry(t)
	data, owner := encodeSampleAccount(t)

	record, err := reg.Decode("SampleAccount", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got := record["ownerKey"].(solana.PublicKey); !got.Equals(owner) {
		t.Fatalf("ownerKey mismatch: %s", got)
	}
	if record["displayName"].(string) != "SOL1" {
		t.Fatalf("displayName mismatch: %v", record["displayName"])
	}
	if record["decimals"].(uint8) != 9 {
		t.Fatalf("decimals mismatch: %v", record["decimals"])
	}
	if record["totalAmount"].(uint64) != 5_000 {
		t.Fatalf("totalAmount mismatch: %v", record["totalAmount"])
	}
	if record["signedTotal"].(int64) != -42 {
		t.Fatalf("signedTotal mismatch: %v", record["signedTotal"])
	}
	if record["cumulativeRate"].(*big.Int).Int64() != 1_000_000_007 {
		t.Fatalf("cumulativeRate mismatch: %v", record["cumulativeRate"])
	}
	if record["skew"].(*big.Int).Int64() != -3 {
		t.Fatalf("skew mismatch: %v", record["skew"])
	}
	if record["impactExponent"].(float64) != 1.5 {
		t.Fatalf("impactExponent mismatch: %v", record["impactExponent"])
	}
	members := record["members"].([]any)
	if len(members) != 1 || !members[0].(solana.PublicKey).Equals(owner) {
		t.Fatalf("members mismatch: %v", members)
	}
	if record["cap"].(uint64) != 77 {
		t.Fatalf("cap mismatch: %v", record["cap"])
	}
	seed := record["seed"].([]any)
	if len(seed) != 4 || seed[0].(uint8) != 9 || seed[3].(uint8) != 6 {
		t.Fatalf("seed mismatch: %v", seed)
	}
	rateState := record["rateState"].(map[string]any)
	if rateState["hourlyFundingDbps"].(uint64) != 250 {
		t.Fatalf("rateState mismatch: %v", rateState)
	}
	mode := record["mode"].(map[string]any)
	if mode["variant"].(string) != "Scaled" || mode["factor"].(uint64) != 12 {
		t.Fatalf("mode mismatch: %v", mode)
	}
}

func TestDecodeOptionAbsent(t *testing.T) {
	reg := mustRegistry(t)
	data, _ := encodeSampleAccount(t)

	// flip the option discriminant to absent and drop the payload
	offset := 32 + 4 + 4 + 1 + 8 + 8 + 16 + 16 + 8 + 4 + 32
	patched := append([]byte{}, data[:offset]...)
	patched = append(patched, 0)
	patched = append(patched, data[offset+1+8:]...)

	record, err := reg.Decode("SampleAccount", patched)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["cap"] != nil {
		t.Fatalf("expected absent option, got %v", record["cap"])
	}
}

func TestDecodeTruncatedAlwaysFails(t *testing.T) {
	reg := mustRegistry(t)
	data, _ := encodeSampleAccount(t)

	for size := 0; size < len(data); size++ {
		if _, err := reg.Decode("SampleAccount", data[:size]); !errors.Is(err, ErrDecode) {
			t.Fatalf("truncated buffer of %d bytes: expected decode error, got %v", size, err)
		}
	}
}

func TestDecodeOversizedVecCount(t *testing.T) {
	raw := `{"accounts":[{"name":"A","type":{"kind":"struct","fields":[{"name":"xs","type":{"vec":"u8"}}]}}]}`
	reg, err := BuildRegistry([]byte(raw))
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	// A corrupt count field claiming far more elements than the buffer
	// holds must fail as a decode error without allocating for the claim.
	var buf bytes.Buffer
	writeU32(&buf, math.MaxUint32)
	buf.Write([]byte{1, 2, 3, 4, 5})

	if _, err := reg.Decode("A", buf.Bytes()); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error for oversized vec count, got %v", err)
	}
}

func TestBuildRegistryRejectsCyclicTypes(t *testing.T) {
	cases := []string{
		`{"accounts":[{"name":"A","type":{"kind":"struct","fields":[{"name":"next","type":{"defined":"A"}}]}}]}`,
		`{"accounts":[{"name":"A","type":{"kind":"struct","fields":[{"name":"b","type":{"defined":"B"}}]}}],
		  "types":[{"name":"B","type":{"kind":"struct","fields":[{"name":"items","type":{"vec":{"defined":"B"}}}]}}]}`,
		`{"types":[
			{"name":"B","type":{"kind":"struct","fields":[{"name":"c","type":{"defined":"C"}}]}},
			{"name":"C","type":{"kind":"enum","variants":[{"name":"leaf"},{"name":"node","fields":[{"name":"b","type":{"defined":"B"}}]}]}}
		]}`,
	}
	for _, raw := range cases {
		if _, err := BuildRegistry([]byte(raw)); !errors.Is(err, ErrSchema) {
			t.Fatalf("expected schema error for cyclic description %s, got %v", raw, err)
		}
	}
}

func TestBuildRegistryAllowsSharedTypes(t *testing.T) {
	// the same type referenced from two places is a DAG, not a cycle
	raw := `{"accounts":[{"name":"A","type":{"kind":"struct","fields":[
		{"name":"x","type":{"defined":"Leaf"}},
		{"name":"y","type":{"defined":"Leaf"}}
	]}}],"types":[{"name":"Leaf","type":{"kind":"struct","fields":[{"name":"v","type":"u64"}]}}]}`
	if _, err := BuildRegistry([]byte(raw)); err != nil {
		t.Fatalf("expected shared reference to build, got %v", err)
	}
}

func TestDecodeUnknownAccount(t *testing.T) {
	reg := mustRegistry(t)
	if _, err := reg.Decode("NoSuchAccount", nil); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestDecodeAccountDiscriminator(t *testing.T) {
	reg := mustRegistry(t)
	payload, _ := encodeSampleAccount(t)
	layout, _ := reg.Layout("SampleAccount")

	data := append(append([]byte{}, layout.Discriminator[:]...), payload...)
	if _, err := reg.DecodeAccount("SampleAccount", data); err != nil {
		t.Fatalf("decode with discriminator: %v", err)
	}

	data[0] ^= 0xff
	if _, err := reg.DecodeAccount("SampleAccount", data); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error on discriminator mismatch, got %v", err)
	}
}

func TestDecodeEnumVariantOutOfRange(t *testing.T) {
	reg := mustRegistry(t)
	data, _ := encodeSampleAccount(t)

	binary.LittleEndian.PutUint32(data[len(data)-12:], 9)
	if _, err := reg.Decode("SampleAccount", data); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error for out-of-range variant, got %v", err)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeF64(buf *bytes.Buffer, v float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	buf.Write(tmp[:])
}

func writeU128(buf *bytes.Buffer, v *big.Int) {
	raw := v.FillBytes(make([]byte, 16))
	for i := len(raw) - 1; i >= 0; i-- {
		buf.WriteByte(raw[i])
	}
}

func writeI128(buf *bytes.Buffer, v *big.Int) {
	value := new(big.Int).Set(v)
	if value.Sign() < 0 {
		value.Add(value, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	writeU128(buf, value)
}
