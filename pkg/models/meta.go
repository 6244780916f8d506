package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MetaKind tags the variant held by a MetaValue.
type MetaKind uint8

const (
	MetaNull MetaKind = iota
	MetaString
	MetaNumber
	MetaBool
	MetaList
	MetaObject
)

// MetaValue is a tagged variant for the open-ended meta mapping of an event.
// Numbers keep their literal text so round-trips are exact.
type MetaValue struct {
	Kind   MetaKind
	Str    string
	Num    json.Number
	Bool   bool
	List   []MetaValue
	Object map[string]MetaValue
}

func StringValue(s string) MetaValue { return MetaValue{Kind: MetaString, Str: s} }
func BoolValue(b bool) MetaValue     { return MetaValue{Kind: MetaBool, Bool: b} }
func NumberValue(n string) MetaValue { return MetaValue{Kind: MetaNumber, Num: json.Number(n)} }
func NullValue() MetaValue           { return MetaValue{Kind: MetaNull} }

func (v MetaValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case MetaNull:
		return []byte("null"), nil
	case MetaString:
		return json.Marshal(v.Str)
	case MetaNumber:
		if v.Num == "" {
			return []byte("0"), nil
		}
		return []byte(v.Num), nil
	case MetaBool:
		return json.Marshal(v.Bool)
	case MetaList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case MetaObject:
		if v.Object == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Object)
	default:
		return nil, fmt.Errorf("unknown meta kind %d", v.Kind)
	}
}

func (v *MetaValue) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode meta value: %w", err)
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) MetaValue {
	switch x := raw.(type) {
	case nil:
		return NullValue()
	case string:
		return StringValue(x)
	case json.Number:
		return MetaValue{Kind: MetaNumber, Num: x}
	case bool:
		return BoolValue(x)
	case []any:
		list := make([]MetaValue, 0, len(x))
		for _, item := range x {
			list = append(list, fromAny(item))
		}
		return MetaValue{Kind: MetaList, List: list}
	case map[string]any:
		obj := make(map[string]MetaValue, len(x))
		for k, item := range x {
			obj[k] = fromAny(item)
		}
		return MetaValue{Kind: MetaObject, Object: obj}
	default:
		return StringValue(fmt.Sprint(x))
	}
}

// SortedMetaKeys returns the keys of m in lexical order.
func SortedMetaKeys(m map[string]MetaValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
