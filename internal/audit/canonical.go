package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// FormatVersion identifies the canonical encoding and hashing rules. Bundles
// carry it so that verifiers can reject formats they do not implement.
const FormatVersion = 1

// TimestampLayout is the canonical text form of created_at.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const maxEncodeDepth = 64

// formatHeader prefixes every canonical encoding.
var formatHeader = []byte("ACL1")

// Value tags.
const (
	tagNull   = 'n'
	tagTrue   = 't'
	tagFalse  = 'f'
	tagString = 's'
	tagInt    = 'i'
	tagFloat  = 'd'
	tagArray  = 'a'
	tagMap    = 'm'
)

// EncodingError reports a value that has no canonical encoding.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "audit: encoding failed: " + e.Reason
	}
	return fmt.Sprintf("audit: encoding failed at %s: %s", e.Path, e.Reason)
}

// FormatTimestamp renders t in the canonical created_at form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// EncodeEntry produces the canonical byte form of every hashed field of e.
// Two entries with equal logical content always encode to equal bytes,
// regardless of map ordering or how numbers were represented in memory.
//
// Layout: the 4-byte header "ACL1" followed by scope_id, sequence_number,
// event_type, resource_type, resource_id, actor_id, metadata, ip_address,
// user_agent, created_at and prev_hash, each as a tagged value. Strings,
// integers and floats are written as tag, 4-byte big-endian length, bytes.
// Arrays and maps are written as tag, 4-byte count, members; map members
// are sorted by key bytes. Numbers are compared by exact decimal value.
//
// The entry id and entry_hash are not encoded. The id is a storage key
// assigned by the repository; the chain position is fixed by scope_id and
// sequence_number, which are hashed.
func EncodeEntry(e *Entry) ([]byte, error) {
	if e == nil {
		return nil, &EncodingError{Reason: "nil entry"}
	}

	enc := &encoder{}
	enc.buf.Write(formatHeader)

	if err := enc.str("scope_id", e.ScopeID); err != nil {
		return nil, err
	}
	enc.integer(strconv.FormatInt(e.Sequence, 10))
	if err := enc.str("event_type", string(e.EventType)); err != nil {
		return nil, err
	}
	if err := enc.str("resource_type", string(e.ResourceType)); err != nil {
		return nil, err
	}
	if err := enc.str("resource_id", e.ResourceID); err != nil {
		return nil, err
	}
	if err := enc.str("actor_id", e.ActorID); err != nil {
		return nil, err
	}
	if e.Metadata == nil {
		enc.header(tagMap, 0)
	} else if err := enc.value("metadata", e.Metadata, 1); err != nil {
		return nil, err
	}
	if err := enc.str("client_context.ip_address", e.Client.IPAddress); err != nil {
		return nil, err
	}
	if err := enc.str("client_context.user_agent", e.Client.UserAgent); err != nil {
		return nil, err
	}
	if err := enc.str("created_at", FormatTimestamp(e.CreatedAt)); err != nil {
		return nil, err
	}
	if err := enc.str("prev_hash", e.PrevHash.String()); err != nil {
		return nil, err
	}

	return enc.buf.Bytes(), nil
}

// ValidateMetadata reports whether m can be canonically encoded.
func ValidateMetadata(m map[string]any) error {
	if m == nil {
		return nil
	}
	enc := &encoder{}
	return enc.value("metadata", m, 1)
}

type encoder struct {
	buf bytes.Buffer
	// containers currently being walked, for cycle detection
	active map[uintptr]struct{}
}

func (enc *encoder) header(tag byte, n int) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(n))
	enc.buf.WriteByte(tag)
	enc.buf.Write(length[:])
}

func (enc *encoder) str(path, s string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Path: path, Reason: "string is not valid UTF-8"}
	}
	if strings.IndexByte(s, 0) >= 0 {
		return &EncodingError{Path: path, Reason: "string contains NUL"}
	}
	enc.header(tagString, len(s))
	enc.buf.WriteString(s)
	return nil
}

func (enc *encoder) integer(digits string) {
	enc.header(tagInt, len(digits))
	enc.buf.WriteString(digits)
}

func (enc *encoder) float(path string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodingError{Path: path, Reason: "NaN and infinite numbers are not allowed"}
	}
	d, err := ParseDecimal(strconv.FormatFloat(f, 'e', -1, 64))
	if err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	enc.decimal(d)
	return nil
}

func (enc *encoder) number(path string, n json.Number) error {
	d, err := ParseDecimal(string(n))
	if err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	enc.decimal(d)
	return nil
}

// decimal writes every number by its exact value. Integers that fit int64
// or uint64 share the integer form so 3, 3.0 and "3e0" agree; everything
// else is written in scientific notation with the shortest exact digits.
func (enc *encoder) decimal(d Decimal) {
	if digits, ok := d.integer(); ok {
		_, errInt := strconv.ParseInt(digits, 10, 64)
		_, errUint := strconv.ParseUint(digits, 10, 64)
		if errInt == nil || errUint == nil {
			enc.integer(digits)
			return
		}
	}
	s := d.scientific()
	enc.header(tagFloat, len(s))
	enc.buf.WriteString(s)
}

func (enc *encoder) enter(path string, ptr uintptr) error {
	if ptr == 0 {
		return nil
	}
	if enc.active == nil {
		enc.active = make(map[uintptr]struct{})
	}
	if _, ok := enc.active[ptr]; ok {
		return &EncodingError{Path: path, Reason: "cyclic value"}
	}
	enc.active[ptr] = struct{}{}
	return nil
}

func (enc *encoder) leave(ptr uintptr) {
	if ptr != 0 {
		delete(enc.active, ptr)
	}
}

func (enc *encoder) value(path string, v any, depth int) error {
	if depth > maxEncodeDepth {
		return &EncodingError{Path: path, Reason: fmt.Sprintf("nesting deeper than %d levels", maxEncodeDepth)}
	}

	switch x := v.(type) {
	case nil:
		enc.buf.WriteByte(tagNull)
		return nil
	case bool:
		if x {
			enc.buf.WriteByte(tagTrue)
		} else {
			enc.buf.WriteByte(tagFalse)
		}
		return nil
	case string:
		return enc.str(path, x)
	case json.Number:
		return enc.number(path, x)
	case int:
		enc.integer(strconv.FormatInt(int64(x), 10))
		return nil
	case int64:
		enc.integer(strconv.FormatInt(x, 10))
		return nil
	case uint64:
		enc.integer(strconv.FormatUint(x, 10))
		return nil
	case float64:
		return enc.float(path, x)
	case Decimal:
		enc.decimal(x)
		return nil
	case time.Time:
		return enc.str(path, FormatTimestamp(x))
	case Hash:
		return enc.str(path, x.String())
	case []byte:
		return &EncodingError{Path: path, Reason: "binary values are not supported"}
	case map[string]any:
		return enc.stringMap(path, x, depth)
	case []any:
		if x == nil {
			enc.buf.WriteByte(tagNull)
			return nil
		}
		ptr := uintptr(0)
		if len(x) > 0 {
			ptr = reflect.ValueOf(x).Pointer()
		}
		if err := enc.enter(path, ptr); err != nil {
			return err
		}
		defer enc.leave(ptr)
		enc.header(tagArray, len(x))
		for i, item := range x {
			if err := enc.value(path+"["+strconv.Itoa(i)+"]", item, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	return enc.reflectValue(path, reflect.ValueOf(v), depth)
}

func (enc *encoder) stringMap(path string, m map[string]any, depth int) error {
	if m == nil {
		enc.buf.WriteByte(tagNull)
		return nil
	}
	ptr := reflect.ValueOf(m).Pointer()
	if err := enc.enter(path, ptr); err != nil {
		return err
	}
	defer enc.leave(ptr)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	enc.header(tagMap, len(keys))
	for _, k := range keys {
		if err := enc.str(path+"."+k, k); err != nil {
			return err
		}
		if err := enc.value(path+"."+k, m[k], depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (enc *encoder) reflectValue(path string, rv reflect.Value, depth int) error {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			enc.buf.WriteByte(tagNull)
			return nil
		}
		var ptr uintptr
		if rv.Kind() == reflect.Pointer {
			ptr = rv.Pointer()
		}
		if err := enc.enter(path, ptr); err != nil {
			return err
		}
		defer enc.leave(ptr)
		return enc.value(path, rv.Elem().Interface(), depth+1)
	case reflect.Bool:
		return enc.value(path, rv.Bool(), depth)
	case reflect.String:
		return enc.str(path, rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		enc.integer(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		enc.integer(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return enc.float(path, rv.Float())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return &EncodingError{Path: path, Reason: "map keys must be strings"}
		}
		if rv.IsNil() {
			enc.buf.WriteByte(tagNull)
			return nil
		}
		ptr := rv.Pointer()
		if err := enc.enter(path, ptr); err != nil {
			return err
		}
		defer enc.leave(ptr)

		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		enc.header(tagMap, len(keys))
		for _, k := range keys {
			name := k.String()
			if err := enc.str(path+"."+name, name); err != nil {
				return err
			}
			if err := enc.value(path+"."+name, rv.MapIndex(k).Interface(), depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return &EncodingError{Path: path, Reason: "binary values are not supported"}
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			enc.buf.WriteByte(tagNull)
			return nil
		}
		var ptr uintptr
		if rv.Kind() == reflect.Slice && rv.Len() > 0 {
			ptr = rv.Pointer()
		}
		if err := enc.enter(path, ptr); err != nil {
			return err
		}
		defer enc.leave(ptr)

		enc.header(tagArray, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if err := enc.value(path+"["+strconv.Itoa(i)+"]", rv.Index(i).Interface(), depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported type %s", rv.Type())}
	}
}
