package idl

import (
	"bytes"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Decode deserializes the canonical little-endian wire encoding of the named
// account into a record keyed by canonical field names. The wire bytes carry
// no self-description: the caller must supply the exact expected account
// name, and the buffer is expected to start at the first field (no
// discriminator prefix). Trailing padding after the last field is tolerated.
func (r *Registry) Decode(accountName string, data []byte) (map[string]any, error) {
	layout, ok := r.Layout(accountName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %q", ErrSchema, accountName)
	}

	dec := bin.NewBorshDecoder(data)
	record, err := r.decodeStruct(dec, layout.Type)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", layout.Name, err)
	}
	return record, nil
}

// DecodeAccount verifies and strips the 8-byte account discriminator before
// decoding the remaining bytes.
func (r *Registry) DecodeAccount(accountName string, data []byte) (map[string]any, error) {
	layout, ok := r.Layout(accountName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %q", ErrSchema, accountName)
	}
	if len(data) < len(layout.Discriminator) {
		return nil, fmt.Errorf("%w: account %s: buffer shorter than discriminator", ErrDecode, layout.Name)
	}
	if !bytes.Equal(data[:8], layout.Discriminator[:]) {
		return nil, fmt.Errorf("%w: account %s: discriminator mismatch", ErrDecode, layout.Name)
	}
	return r.Decode(accountName, data[8:])
}

func (r *Registry) decodeStruct(dec *bin.Decoder, node *TypeNode) (map[string]any, error) {
	if node == nil || node.Kind != TypeStruct {
		return nil, fmt.Errorf("%w: expected struct layout", ErrSchema)
	}
	record := make(map[string]any, len(node.Fields))
	for _, field := range node.Fields {
		value, err := r.decodeValue(dec, field.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		record[field.Name] = value
	}
	return record, nil
}

func (r *Registry) decodeValue(dec *bin.Decoder, node *TypeNode) (any, error) {
	switch node.Kind {
	case TypePrimitive:
		return r.decodePrimitive(dec, node.Primitive)
	case TypeVec:
		count, err := dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		// The count is untrusted wire data: cap the pre-allocation by what
		// the buffer could possibly hold so a corrupt length fails as a
		// short read instead of an oversized allocation.
		items := make([]any, 0, min(int(count), dec.Remaining()))
		for i := uint32(0); i < count; i++ {
			item, err := r.decodeValue(dec, node.Elem)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case TypeOption:
		present, err := dec.ReadUint8()
		if err != nil {
			return nil, shortRead(err)
		}
		if present == 0 {
			return nil, nil
		}
		return r.decodeValue(dec, node.Elem)
	case TypeArray:
		items := make([]any, 0, node.Len)
		for i := 0; i < node.Len; i++ {
			item, err := r.decodeValue(dec, node.Elem)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case TypeDefined:
		resolved, ok := r.types[node.Defined]
		if !ok {
			return nil, fmt.Errorf("%w: unresolved type reference %q", ErrSchema, node.Defined)
		}
		return r.decodeValue(dec, resolved)
	case TypeStruct:
		return r.decodeStruct(dec, node)
	case TypeEnum:
		index, err := dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		if int(index) >= len(node.Variants) {
			return nil, fmt.Errorf("%w: enum variant index %d out of range", ErrDecode, index)
		}
		variant := node.Variants[index]
		out := map[string]any{"variant": variant.Name}
		for _, field := range variant.Fields {
			value, err := r.decodeValue(dec, field.Type)
			if err != nil {
				return nil, fmt.Errorf("variant %s field %s: %w", variant.Name, field.Name, err)
			}
			out[field.Name] = value
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown type shape", ErrSchema)
	}
}

func (r *Registry) decodePrimitive(dec *bin.Decoder, name string) (any, error) {
	switch name {
	case "bool":
		v, err := dec.ReadUint8()
		if err != nil {
			return nil, shortRead(err)
		}
		return v != 0, nil
	case "u8":
		v, err := dec.ReadUint8()
		if err != nil {
			return nil, shortRead(err)
		}
		return v, nil
	case "i8":
		v, err := dec.ReadUint8()
		if err != nil {
			return nil, shortRead(err)
		}
		return int8(v), nil
	case "u16":
		v, err := dec.ReadUint16(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		return v, nil
	case "i16":
		v, err := dec.ReadUint16(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		return int16(v), nil
	case "u32":
		v, err := dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		return v, nil
	case "i32":
		v, err := dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		return int32(v), nil
	case "u64":
		v, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		return v, nil
	case "i64":
		v, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		return int64(v), nil
	case "u128":
		raw, err := dec.ReadNBytes(16)
		if err != nil {
			return nil, shortRead(err)
		}
		return uint128FromLE(raw), nil
	case "i128":
		raw, err := dec.ReadNBytes(16)
		if err != nil {
			return nil, shortRead(err)
		}
		return int128FromLE(raw), nil
	case "f32":
		v, err := dec.ReadFloat32(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		return v, nil
	case "f64":
		v, err := dec.ReadFloat64(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		return v, nil
	case "bytes":
		count, err := dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		raw, err := dec.ReadNBytes(int(count))
		if err != nil {
			return nil, shortRead(err)
		}
		return raw, nil
	case "string":
		count, err := dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, shortRead(err)
		}
		raw, err := dec.ReadNBytes(int(count))
		if err != nil {
			return nil, shortRead(err)
		}
		return string(raw), nil
	case "pubkey":
		raw, err := dec.ReadNBytes(32)
		if err != nil {
			return nil, shortRead(err)
		}
		return solana.PublicKeyFromBytes(raw), nil
	default:
		return nil, fmt.Errorf("%w: unknown primitive %q", ErrSchema, name)
	}
}

func shortRead(cause error) error {
	return fmt.Errorf("%w: %v", ErrDecode, cause)
}

func uint128FromLE(raw []byte) *big.Int {
	buf := make([]byte, len(raw))
	for i, b := range raw {
		buf[len(raw)-1-i] = b
	}
	return new(big.Int).SetBytes(buf)
}

func int128FromLE(raw []byte) *big.Int {
	out := uint128FromLE(raw)
	if raw[len(raw)-1]&0x80 != 0 {
		out.Sub(out, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return out
}
