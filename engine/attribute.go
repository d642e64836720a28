/*
attribute.go - Tagged-union attribute values and items

PURPOSE:
  The record table stores every field as a tagged value, e.g.
    {"S": "vial_20240805_1"}   string
    {"N": "2.5"}               number (decimal text)
    {"NULL": true}             null
    {"BOOL": false}            boolean
  Anything else (maps, lists, sets, binary) is carried as an opaque string
  so that one odd attribute never fails a whole scan.

JSON CODEC:
  MarshalJSON/UnmarshalJSON use the same tagged form, so items exported from
  the production table (DynamoDB JSON) can be imported into the local sqlite
  table and stored there verbatim.
*/
package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ATTRIBUTE
// =============================================================================

type AttrKind string

const (
	AttrString AttrKind = "S"
	AttrNumber AttrKind = "N"
	AttrNull   AttrKind = "NULL"
	AttrBool   AttrKind = "BOOL"
	AttrOpaque AttrKind = "OPAQUE"
)

// Attribute is one tagged value. Only the field matching Kind is meaningful.
type Attribute struct {
	Kind AttrKind
	S    string // string value, or number text for AttrNumber
	B    bool
	Tag  string // original tag for AttrOpaque
	Raw  string // original payload for AttrOpaque
}

func String(s string) Attribute          { return Attribute{Kind: AttrString, S: s} }
func Number(d decimal.Decimal) Attribute { return Attribute{Kind: AttrNumber, S: d.String()} }
func Null() Attribute                    { return Attribute{Kind: AttrNull} }
func Bool(b bool) Attribute              { return Attribute{Kind: AttrBool, B: b} }
func Opaque(tag, raw string) Attribute   { return Attribute{Kind: AttrOpaque, Tag: tag, Raw: raw} }

// NullableString returns S for a nil pointer as NULL.
func NullableString(s *string) Attribute {
	if s == nil {
		return Null()
	}
	return String(*s)
}

func (a Attribute) IsNull() bool { return a.Kind == AttrNull }

// Decimal parses a number attribute.
func (a Attribute) Decimal() (decimal.Decimal, error) {
	if a.Kind != AttrNumber {
		return decimal.Zero, fmt.Errorf("attribute is %s, not N", a.Kind)
	}
	return decimal.NewFromString(a.S)
}

// Text renders any attribute as plain text. Opaque values render as their raw payload.
func (a Attribute) Text() string {
	switch a.Kind {
	case AttrString, AttrNumber:
		return a.S
	case AttrBool:
		return fmt.Sprintf("%t", a.B)
	case AttrNull:
		return ""
	default:
		return a.Raw
	}
}

// Equal compares kind and payload.
func (a Attribute) Equal(b Attribute) bool { return a == b }

func (a Attribute) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case AttrString:
		return json.Marshal(map[string]string{"S": a.S})
	case AttrNumber:
		return json.Marshal(map[string]string{"N": a.S})
	case AttrNull:
		return []byte(`{"NULL":true}`), nil
	case AttrBool:
		return json.Marshal(map[string]bool{"BOOL": a.B})
	case AttrOpaque:
		raw := json.RawMessage(a.Raw)
		if !json.Valid(raw) {
			b, _ := json.Marshal(a.Raw)
			raw = b
		}
		return json.Marshal(map[string]json.RawMessage{a.Tag: raw})
	}
	return nil, fmt.Errorf("unknown attribute kind %q", a.Kind)
}

func (a *Attribute) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("attribute must be a tagged object: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("attribute must have exactly one tag, got %d", len(tagged))
	}
	for tag, payload := range tagged {
		switch tag {
		case "S":
			var s string
			if err := json.Unmarshal(payload, &s); err != nil {
				return fmt.Errorf("S payload: %w", err)
			}
			*a = String(s)
		case "N":
			var s string
			if err := json.Unmarshal(payload, &s); err != nil {
				// Some exports write numbers unquoted.
				s = string(bytes.TrimSpace(payload))
			}
			if _, err := decimal.NewFromString(s); err != nil {
				return fmt.Errorf("N payload %q: %w", s, err)
			}
			*a = Attribute{Kind: AttrNumber, S: s}
		case "NULL":
			*a = Null()
		case "BOOL":
			var b bool
			if err := json.Unmarshal(payload, &b); err != nil {
				return fmt.Errorf("BOOL payload: %w", err)
			}
			*a = Bool(b)
		default:
			*a = Opaque(tag, string(payload))
		}
	}
	return nil
}

// =============================================================================
// ITEM
// =============================================================================

// Item is one raw record as the store returns it.
type Item map[string]Attribute

// Clone returns a shallow copy; attributes are values so this is a full copy.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Names returns attribute names in sorted order.
func (it Item) Names() []string {
	names := make([]string, 0, len(it))
	for k := range it {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// EncodeItems renders items as a DynamoDB-JSON array.
func EncodeItems(items []Item) ([]byte, error) {
	return json.Marshal(items)
}

// DecodeItems parses a DynamoDB-JSON array, or an object with an "Items"
// array as written by `aws dynamodb scan`.
func DecodeItems(data []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var page struct {
			Items []Item `json:"Items"`
		}
		if err := json.Unmarshal(trimmed, &page); err != nil {
			return nil, err
		}
		return page.Items, nil
	}
	var items []Item
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	return items, nil
}
