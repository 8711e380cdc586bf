package domain

import (
	"encoding/json"
	"fmt"
)

// MetadataValue is one scalar in a metadata map. The closed set of kinds
// (string, integer, bool) is deliberate: persisted metadata must stay
// queryable and must not grow nested structure.
type MetadataValue struct {
	Str  *string
	Int  *int64
	Bool *bool
}

func MetaString(s string) MetadataValue { return MetadataValue{Str: &s} }
func MetaInt(i int64) MetadataValue     { return MetadataValue{Int: &i} }
func MetaBool(b bool) MetadataValue     { return MetadataValue{Bool: &b} }

func (v MetadataValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Str != nil:
		return json.Marshal(*v.Str)
	case v.Int != nil:
		return json.Marshal(*v.Int)
	case v.Bool != nil:
		return json.Marshal(*v.Bool)
	default:
		return []byte("null"), nil
	}
}

func (v *MetadataValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Str = &s
		return nil
	}
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		v.Int = &i
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		v.Bool = &b
		return nil
	}
	return fmt.Errorf("metadata value %s is not a supported scalar", data)
}

// Metadata is the optional key/value annotation carried by payments and
// transactions. Stored as JSONB; nil maps persist as SQL NULL.
type Metadata map[string]MetadataValue

func (m Metadata) Value() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("Metadata.Value: %w", err)
	}
	return b, nil
}

func ParseMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("ParseMetadata: %w", err)
	}
	return m, nil
}
