package idl

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrSchema = errors.New("schema error")
	ErrDecode = errors.New("decode error")
)

type TypeKind int

const (
	TypePrimitive TypeKind = iota
	TypeVec
	TypeOption
	TypeArray
	TypeDefined
	TypeStruct
	TypeEnum
)

type TypeNode struct {
	Kind      TypeKind
	Primitive string
	Elem      *TypeNode
	Len       int
	Defined   string
	Fields    []Field
	Variants  []Variant
}

type Field struct {
	Name string
	Type *TypeNode
}

type Variant struct {
	Name   string
	Fields []Field
}

// AccountLayout is the canonical schema for one account type. Built once at
// startup from the raw interface description, immutable afterwards.
type AccountLayout struct {
	Name          string
	Discriminator [8]byte
	Type          *TypeNode
}

type Registry struct {
	accounts map[string]*AccountLayout
	types    map[string]*TypeNode
}

type rawIDL struct {
	Version  string       `json:"version"`
	Name     string       `json:"name"`
	Accounts []rawDefined `json:"accounts"`
	Types    []rawDefined `json:"types"`
}

type rawDefined struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

var primitives = map[string]struct{}{
	"bool": {}, "u8": {}, "i8": {}, "u16": {}, "i16": {},
	"u32": {}, "i32": {}, "u64": {}, "i64": {}, "u128": {}, "i128": {},
	"f32": {}, "f64": {}, "bytes": {}, "string": {}, "pubkey": {},
}

// legacy wire-name alias used by older interface descriptions
const legacyPubkeyName = "publicKey"

// BuildRegistry normalizes the raw interface description into a registry of
// account layouts keyed by canonical account name. All type and field names
// are normalized to one case convention so downstream code never
// special-cases naming. Malformed or unknown nested shapes fail here with a
// schema error rather than passing through unchanged.
func BuildRegistry(raw []byte) (*Registry, error) {
	var doc rawIDL
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse interface description: %v", ErrSchema, err)
	}

	reg := &Registry{
		accounts: make(map[string]*AccountLayout, len(doc.Accounts)),
		types:    make(map[string]*TypeNode, len(doc.Types)+len(doc.Accounts)),
	}

	for _, item := range doc.Types {
		name := normalizeTypeName(item.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: type with empty name", ErrSchema)
		}
		node, err := parseTypeJSON(item.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: type %s: %v", ErrSchema, item.Name, err)
		}
		reg.types[name] = node
	}

	for _, item := range doc.Accounts {
		name := normalizeTypeName(item.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: account with empty name", ErrSchema)
		}
		node, err := parseTypeJSON(item.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: account %s: %v", ErrSchema, item.Name, err)
		}
		// Accounts declared without a standalone type definition get one
		// synthesized from their own field list so both namespaces agree.
		if _, ok := reg.types[name]; !ok {
			reg.types[name] = node
		}
		reg.accounts[name] = &AccountLayout{
			Name:          name,
			Discriminator: accountDiscriminator(name),
			Type:          node,
		}
	}

	if err := reg.validateRefs(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Layout(accountName string) (*AccountLayout, bool) {
	layout, ok := r.accounts[normalizeTypeName(accountName)]
	return layout, ok
}

func (r *Registry) AccountNames() []string {
	names := make([]string, 0, len(r.accounts))
	for name := range r.accounts {
		names = append(names, name)
	}
	return names
}

func (r *Registry) validateRefs() error {
	inPath := make(map[string]bool)
	var walk func(node *TypeNode) error
	walk = func(node *TypeNode) error {
		if node == nil {
			return fmt.Errorf("%w: nil type node", ErrSchema)
		}
		switch node.Kind {
		case TypePrimitive:
			if _, ok := primitives[node.Primitive]; !ok {
				return fmt.Errorf("%w: unknown primitive %q", ErrSchema, node.Primitive)
			}
		case TypeVec, TypeOption, TypeArray:
			return walk(node.Elem)
		case TypeDefined:
			target, ok := r.types[node.Defined]
			if !ok {
				return fmt.Errorf("%w: unresolved type reference %q", ErrSchema, node.Defined)
			}
			// Chasing the reference here instead of at decode time means a
			// cyclic description is rejected up front rather than recursing
			// without bound on the first decode.
			if inPath[node.Defined] {
				return fmt.Errorf("%w: recursive type reference %q", ErrSchema, node.Defined)
			}
			inPath[node.Defined] = true
			err := walk(target)
			delete(inPath, node.Defined)
			return err
		case TypeStruct:
			for _, field := range node.Fields {
				if err := walk(field.Type); err != nil {
					return err
				}
			}
		case TypeEnum:
			for _, variant := range node.Variants {
				for _, field := range variant.Fields {
					if err := walk(field.Type); err != nil {
						return err
					}
				}
			}
		default:
			return fmt.Errorf("%w: unknown type shape", ErrSchema)
		}
		return nil
	}

	for name, node := range r.types {
		inPath[name] = true
		err := walk(node)
		delete(inPath, name)
		if err != nil {
			return fmt.Errorf("type %s: %w", name, err)
		}
	}
	return nil
}

func parseTypeJSON(raw json.RawMessage) (*TypeNode, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return normalizeType(value)
}

func normalizeType(raw any) (*TypeNode, error) {
	switch typed := raw.(type) {
	case string:
		name := typed
		if name == legacyPubkeyName {
			name = "pubkey"
		}
		if _, ok := primitives[name]; !ok {
			return nil, fmt.Errorf("unknown primitive %q", typed)
		}
		return &TypeNode{Kind: TypePrimitive, Primitive: name}, nil
	case map[string]any:
		return normalizeCompositeType(typed)
	default:
		return nil, fmt.Errorf("unsupported type shape %T", raw)
	}
}

func normalizeCompositeType(raw map[string]any) (*TypeNode, error) {
	if inner, ok := raw["vec"]; ok {
		elem, err := normalizeType(inner)
		if err != nil {
			return nil, err
		}
		return &TypeNode{Kind: TypeVec, Elem: elem}, nil
	}
	if inner, ok := raw["option"]; ok {
		elem, err := normalizeType(inner)
		if err != nil {
			return nil, err
		}
		return &TypeNode{Kind: TypeOption, Elem: elem}, nil
	}
	if inner, ok := raw["array"]; ok {
		pair, ok := inner.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("array type must be [element, length]")
		}
		elem, err := normalizeType(pair[0])
		if err != nil {
			return nil, err
		}
		length, ok := pair[1].(float64)
		if !ok || length < 0 || length != float64(int(length)) {
			return nil, fmt.Errorf("invalid array length %v", pair[1])
		}
		return &TypeNode{Kind: TypeArray, Elem: elem, Len: int(length)}, nil
	}
	if inner, ok := raw["defined"]; ok {
		switch ref := inner.(type) {
		case string:
			return &TypeNode{Kind: TypeDefined, Defined: normalizeTypeName(ref)}, nil
		case map[string]any:
			// newer descriptions wrap the reference: {"defined": {"name": "X"}}
			name, ok := ref["name"].(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("defined reference without a name")
			}
			return &TypeNode{Kind: TypeDefined, Defined: normalizeTypeName(name)}, nil
		default:
			return nil, fmt.Errorf("unsupported defined reference %T", inner)
		}
	}

	kind, _ := raw["kind"].(string)
	switch kind {
	case "struct":
		fields, err := normalizeFieldList(raw["fields"])
		if err != nil {
			return nil, err
		}
		return &TypeNode{Kind: TypeStruct, Fields: fields}, nil
	case "enum":
		variantsRaw, ok := raw["variants"].([]any)
		if !ok {
			return nil, fmt.Errorf("enum without variant list")
		}
		variants := make([]Variant, 0, len(variantsRaw))
		for _, item := range variantsRaw {
			variant, err := normalizeVariant(item)
			if err != nil {
				return nil, err
			}
			variants = append(variants, variant)
		}
		return &TypeNode{Kind: TypeEnum, Variants: variants}, nil
	default:
		return nil, fmt.Errorf("unknown composite type shape")
	}
}

func normalizeFieldList(raw any) ([]Field, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("field list must be an array")
	}
	fields := make([]Field, 0, len(items))
	for i, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			// positional field: the entry is the type itself
			node, err := normalizeType(item)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Name: positionalName(i), Type: node})
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("field %d without a name", i)
		}
		node, err := normalizeType(entry["type"])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields = append(fields, Field{Name: normalizeFieldName(name), Type: node})
	}
	return fields, nil
}

func normalizeVariant(raw any) (Variant, error) {
	switch typed := raw.(type) {
	case map[string]any:
		name, _ := typed["name"].(string)
		if name == "" {
			return Variant{}, fmt.Errorf("enum variant without a name")
		}
		variant := Variant{Name: normalizeTypeName(name)}
		fieldsRaw, ok := typed["fields"]
		if !ok || fieldsRaw == nil {
			return variant, nil
		}
		if _, isList := fieldsRaw.([]any); isList {
			fields, err := normalizeFieldList(fieldsRaw)
			if err != nil {
				return Variant{}, fmt.Errorf("variant %s: %w", name, err)
			}
			variant.Fields = fields
			return variant, nil
		}
		// single nested type payload
		node, err := normalizeType(fieldsRaw)
		if err != nil {
			return Variant{}, fmt.Errorf("variant %s: %w", name, err)
		}
		variant.Fields = []Field{{Name: positionalName(0), Type: node}}
		return variant, nil
	case string:
		return Variant{Name: normalizeTypeName(typed)}, nil
	default:
		return Variant{}, fmt.Errorf("unsupported enum variant shape %T", raw)
	}
}

func positionalName(index int) string {
	return fmt.Sprintf("field%d", index)
}

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func normalizeTypeName(raw string) string {
	name := toCamel(raw)
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func normalizeFieldName(raw string) string {
	name := toCamel(raw)
	if name == "" {
		return ""
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func toCamel(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	upperNext := false
	for _, r := range raw {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			upperNext = b.Len() > 0
			continue
		}
		if upperNext {
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
