package audit

import (
	"bytes"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// NormalizeMetadata validates m and converts it to the plain document form
// used for hashing and storage: nested map[string]any and []any containers,
// strings, bools, nil, int64, uint64, float64 and Decimal for numbers that
// none of the fixed-width types hold exactly. Entries are always hashed
// over this form so that a stored entry decodes to exactly what was hashed.
func NormalizeMetadata(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	if err := ValidateMetadata(m); err != nil {
		return nil, err
	}

	raw, err := marshalJSON(m)
	if err != nil {
		return nil, &EncodingError{Path: "metadata", Reason: err.Error()}
	}
	return decodeMetadataJSON(raw)
}

// decodeMetadataJSON parses a stored metadata document without losing
// integer precision.
func decodeMetadataJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, &EncodingError{Path: "metadata", Reason: err.Error()}
	}
	out, ok := plainNumbers(m).(map[string]any)
	if !ok {
		return nil, &EncodingError{Path: "metadata", Reason: "metadata must be an object"}
	}
	return out, nil
}

// plainNumbers replaces json.Number values and CBOR decimal fractions with
// int64, uint64 or float64 where that is exact, and with Decimal otherwise.
func plainNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return x
		}
		for k, item := range x {
			x[k] = plainNumbers(item)
		}
		return x
	case []any:
		for i := range x {
			x[i] = plainNumbers(x[i])
		}
		return x
	case json.Number:
		d, err := ParseDecimal(string(x))
		if err != nil {
			// left for the encoder to report
			return x
		}
		return d.native()
	case cbor.Tag:
		if d, ok := decimalFromCBOR(x); ok {
			return d.native()
		}
		return v
	default:
		return v
	}
}

// marshalJSON encodes v without HTML escaping.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
