package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// item builds one tagged, length-prefixed value.
func item(tag byte, payload string) []byte {
	out := []byte{tag, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(out[1:], uint32(len(payload)))
	return append(out, payload...)
}

func container(tag byte, n int) []byte {
	out := []byte{tag, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(out[1:], uint32(n))
	return out
}

func TestEncodeEntry_Layout(t *testing.T) {
	e := &Entry{
		ID:        "ignored",
		ScopeID:   "org-1",
		Sequence:  1,
		EventType: EventDocumentSigned,
		Metadata: map[string]any{
			"b": true,
			"a": []any{int64(1), "x", nil},
		},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC),
	}

	var want []byte
	want = append(want, "ACL1"...)
	want = append(want, item('s', "org-1")...)
	want = append(want, item('i', "1")...)
	want = append(want, item('s', "DOCUMENT_SIGNED")...)
	want = append(want, item('s', "")...)
	want = append(want, item('s', "")...)
	want = append(want, item('s', "")...)
	want = append(want, container('m', 2)...)
	want = append(want, item('s', "a")...)
	want = append(want, container('a', 3)...)
	want = append(want, item('i', "1")...)
	want = append(want, item('s', "x")...)
	want = append(want, 'n')
	want = append(want, item('s', "b")...)
	want = append(want, 't')
	want = append(want, item('s', "")...)
	want = append(want, item('s', "")...)
	want = append(want, item('s', "2024-01-02T03:04:05.006Z")...)
	want = append(want, item('s', strings.Repeat("0", 64))...)

	got, err := EncodeEntry(e)
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeEntry() =\n%q\nwant\n%q", got, want)
	}
}

func TestEncodeEntry_Deterministic(t *testing.T) {
	build := func(keys []string) *Entry {
		meta := map[string]any{}
		for _, k := range keys {
			meta[k] = map[string]any{"nested": k, "list": []any{k, len(k)}}
		}
		return &Entry{ScopeID: "org-1", Sequence: 7, EventType: EventWireConfirmed, Metadata: meta}
	}

	first, err := EncodeEntry(build([]string{"alpha", "beta", "gamma", "delta"}))
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := EncodeEntry(build([]string{"delta", "gamma", "beta", "alpha"}))
		if err != nil {
			t.Fatalf("EncodeEntry() error = %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("EncodeEntry() differs for equal content")
		}
	}
}

func TestEncodeEntry_NumberNormalization(t *testing.T) {
	encode := func(v any) []byte {
		t.Helper()
		b, err := EncodeEntry(&Entry{ScopeID: "s", Sequence: 1, EventType: "X", Metadata: map[string]any{"n": v}})
		if err != nil {
			t.Fatalf("EncodeEntry(%v) error = %v", v, err)
		}
		return b
	}

	equal := [][]any{
		{3, int8(3), int32(3), int64(3), uint(3), uint8(3), uint64(3), 3.0, float32(3), json.Number("3"), json.Number("3.0"), json.Number("3e0")},
		{-12, int64(-12), -12.0, json.Number("-12")},
		{uint64(math.MaxUint64), json.Number("18446744073709551615")},
		{1.5, float32(1.5), json.Number("1.5"), json.Number("15e-1")},
		{1e22, json.Number("1e22"), json.Number("10000000000000000000000"), json.Number("10000000000000000000000.000")},
		{0.1, json.Number("0.1"), json.Number("1e-1"), json.Number("0.100")},
		{json.Number("12345678901234567890123"), json.Number("1.2345678901234567890123e22")},
	}
	for _, group := range equal {
		want := encode(group[0])
		for _, v := range group[1:] {
			if got := encode(v); !bytes.Equal(got, want) {
				t.Errorf("encoding of %T(%v) differs from %T(%v)", v, v, group[0], group[0])
			}
		}
	}

	if bytes.Equal(encode(3), encode("3")) {
		t.Error("number 3 and string \"3\" must encode differently")
	}
	if bytes.Equal(encode(0.1), encode(0.2)) {
		t.Error("distinct floats must encode differently")
	}
}

func TestEncodeEntry_ExactDecimals(t *testing.T) {
	encode := func(n string) []byte {
		t.Helper()
		b, err := EncodeEntry(&Entry{ScopeID: "s", Sequence: 1, EventType: "X", Metadata: map[string]any{"n": json.Number(n)}})
		if err != nil {
			t.Fatalf("EncodeEntry(%s) error = %v", n, err)
		}
		return b
	}

	distinct := [][2]string{
		{"12345678901234567890123", "12345678901234567890124"},
		{"0.10000000000000000000001", "0.1"},
		{"9007199254740993", "9007199254740992"},
		{"1e400", "1e401"},
	}
	for _, pair := range distinct {
		if bytes.Equal(encode(pair[0]), encode(pair[1])) {
			t.Errorf("%s and %s must encode differently", pair[0], pair[1])
		}
	}

	want := item(tagFloat, "1.2345678901234567890123e+22")
	if got := encode("12345678901234567890123"); !bytes.Contains(got, want) {
		t.Errorf("large integer should be written exactly, got %q", got)
	}
	want = item(tagFloat, "1.0000000000000000000001e-01")
	if got := encode("0.10000000000000000000001"); !bytes.Contains(got, want) {
		t.Errorf("precise fraction should be written exactly, got %q", got)
	}

	for _, n := range []string{"1e10000", "1e-10001", "1" + strings.Repeat("3", maxDecimalDigits)} {
		_, err := EncodeEntry(&Entry{Metadata: map[string]any{"n": json.Number(n)}})
		var encErr *EncodingError
		if !errors.As(err, &encErr) {
			t.Errorf("EncodeEntry(%.20s) error = %v, want *EncodingError", n, err)
		}
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0", want: "0"},
		{in: "-0.000", want: "0"},
		{in: "120", want: "120"},
		{in: "-1.50", want: "-1.5e+00"},
		{in: "1E+3", want: "1000"},
		{in: "2.5e-7", want: "2.5e-07"},
		{in: "1e41", want: "1e+41"},
		{in: "", wantErr: true},
		{in: "-", wantErr: true},
		{in: "1.", wantErr: true},
		{in: ".5", wantErr: true},
		{in: "1e", wantErr: true},
		{in: "0x10", wantErr: true},
		{in: "NaN", wantErr: true},
		{in: "1e99999999999999999999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDecimal(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseDecimal(%q) = %s, want error", tt.in, d)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDecimal(%q) error = %v", tt.in, err)
			}
			if d.String() != tt.want {
				t.Errorf("ParseDecimal(%q) = %s, want %s", tt.in, d, tt.want)
			}
		})
	}
}

func TestEncodeEntry_FieldBoundaries(t *testing.T) {
	a := &Entry{ScopeID: "s", Sequence: 1, EventType: "X", ResourceID: "ab", ActorID: "c"}
	b := &Entry{ScopeID: "s", Sequence: 1, EventType: "X", ResourceID: "a", ActorID: "bc"}

	encA, err := EncodeEntry(a)
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}
	encB, err := EncodeEntry(b)
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}
	if bytes.Equal(encA, encB) {
		t.Error("shifting bytes between fields must change the encoding")
	}
}

func TestHashEntry_IgnoresID(t *testing.T) {
	a := &Entry{ID: "6f1c2a", ScopeID: "s", Sequence: 1, EventType: "X", ActorID: "c"}
	b := *a
	b.ID = "re-imported-row"

	ha, err := HashEntry(GenesisHash(), a)
	if err != nil {
		t.Fatalf("HashEntry() error = %v", err)
	}
	hb, err := HashEntry(GenesisHash(), &b)
	if err != nil {
		t.Fatalf("HashEntry() error = %v", err)
	}
	if ha != hb {
		t.Error("the row id must not contribute to the entry hash")
	}
}

func TestEncodeEntry_NilMetadataEqualsEmpty(t *testing.T) {
	withNil, err := EncodeEntry(&Entry{ScopeID: "s", Sequence: 1, EventType: "X"})
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}
	withEmpty, err := EncodeEntry(&Entry{ScopeID: "s", Sequence: 1, EventType: "X", Metadata: map[string]any{}})
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}
	if !bytes.Equal(withNil, withEmpty) {
		t.Error("nil and empty metadata must encode identically")
	}
}

func TestEncodeEntry_TimestampPrecision(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 123_000_000, time.UTC)
	loc := time.FixedZone("UTC+2", 2*60*60)

	encode := func(ts time.Time) []byte {
		b, err := EncodeEntry(&Entry{ScopeID: "s", Sequence: 1, EventType: "X", CreatedAt: ts})
		if err != nil {
			t.Fatalf("EncodeEntry() error = %v", err)
		}
		return b
	}

	want := encode(base)
	if got := encode(base.Add(999 * time.Microsecond)); !bytes.Equal(got, want) {
		t.Error("sub-millisecond difference must not change the encoding")
	}
	if got := encode(base.In(loc)); !bytes.Equal(got, want) {
		t.Error("time zone must not change the encoding")
	}
	if got := encode(base.Add(time.Millisecond)); bytes.Equal(got, want) {
		t.Error("a millisecond difference must change the encoding")
	}
}

func TestEncodeEntry_Errors(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	cyclicSlice := []any{nil}
	cyclicSlice[0] = cyclicSlice

	deep := map[string]any{}
	cur := deep
	for i := 0; i < 70; i++ {
		next := map[string]any{}
		cur["d"] = next
		cur = next
	}

	tests := []struct {
		name  string
		entry *Entry
	}{
		{"nil entry", nil},
		{"function", &Entry{Metadata: map[string]any{"f": func() {}}}},
		{"channel", &Entry{Metadata: map[string]any{"c": make(chan int)}}},
		{"complex", &Entry{Metadata: map[string]any{"c": complex(1, 2)}}},
		{"bytes", &Entry{Metadata: map[string]any{"b": []byte("raw")}}},
		{"struct", &Entry{Metadata: map[string]any{"s": struct{ A int }{1}}}},
		{"int keys", &Entry{Metadata: map[string]any{"m": map[int]string{1: "a"}}}},
		{"NaN", &Entry{Metadata: map[string]any{"n": math.NaN()}}},
		{"infinity", &Entry{Metadata: map[string]any{"n": math.Inf(1)}}},
		{"invalid number", &Entry{Metadata: map[string]any{"n": json.Number("12abc")}}},
		{"invalid UTF-8 value", &Entry{Metadata: map[string]any{"s": "\xff\xfe"}}},
		{"invalid UTF-8 key", &Entry{Metadata: map[string]any{"\xff": 1}}},
		{"NUL in value", &Entry{Metadata: map[string]any{"s": "a\x00b"}}},
		{"NUL in field", &Entry{ScopeID: "org\x00"}},
		{"cycle", &Entry{Metadata: cyclic}},
		{"slice cycle", &Entry{Metadata: map[string]any{"s": cyclicSlice}}},
		{"too deep", &Entry{Metadata: deep}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeEntry(tt.entry)
			var encErr *EncodingError
			if !errors.As(err, &encErr) {
				t.Fatalf("EncodeEntry() error = %v, want *EncodingError", err)
			}
		})
	}
}

func TestEncodeEntry_SharedReferencesAreNotCycles(t *testing.T) {
	shared := map[string]any{"k": "v"}
	list := []any{"x"}
	e := &Entry{Metadata: map[string]any{"a": shared, "b": shared, "c": list, "d": list}}
	if _, err := EncodeEntry(e); err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}
}

func TestNormalizeMetadata(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	in := map[string]any{
		"int":    7,
		"big":    uint64(math.MaxUint64),
		"float":  2.5,
		"when":   ts,
		"tags":   []string{"a", "b"},
		"nested": map[string]int{"x": 1},
		"nil":    nil,
	}

	out, err := NormalizeMetadata(in)
	if err != nil {
		t.Fatalf("NormalizeMetadata() error = %v", err)
	}

	if v, ok := out["int"].(int64); !ok || v != 7 {
		t.Errorf("int = %#v, want int64(7)", out["int"])
	}
	if v, ok := out["big"].(uint64); !ok || v != math.MaxUint64 {
		t.Errorf("big = %#v, want uint64 max", out["big"])
	}
	if v, ok := out["float"].(float64); !ok || v != 2.5 {
		t.Errorf("float = %#v, want 2.5", out["float"])
	}
	if v, ok := out["when"].(string); !ok || v != "2025-01-01T00:00:00Z" {
		t.Errorf("when = %#v, want RFC 3339 string", out["when"])
	}
	if v, ok := out["tags"].([]any); !ok || len(v) != 2 {
		t.Errorf("tags = %#v, want []any of 2", out["tags"])
	}
	if v, ok := out["nested"].(map[string]any); !ok || v["x"] != int64(1) {
		t.Errorf("nested = %#v, want map with int64", out["nested"])
	}

	// normalizing twice is a no-op on the encoding
	again, err := NormalizeMetadata(out)
	if err != nil {
		t.Fatalf("NormalizeMetadata() second pass error = %v", err)
	}
	a, _ := EncodeEntry(&Entry{Metadata: out})
	b, _ := EncodeEntry(&Entry{Metadata: again})
	if !bytes.Equal(a, b) {
		t.Error("normalized metadata must be stable")
	}

	if _, err := NormalizeMetadata(map[string]any{"f": func() {}}); err == nil {
		t.Error("NormalizeMetadata() should reject functions")
	}
}

func TestNormalizeMetadata_KeepsExactNumbers(t *testing.T) {
	var in map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"amount":12345678901234567890123,"rate":0.10000000000000000000001,"plain":0.5,"count":42}`))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	out, err := NormalizeMetadata(in)
	if err != nil {
		t.Fatalf("NormalizeMetadata() error = %v", err)
	}
	if d, ok := out["amount"].(Decimal); !ok || d.String() != "12345678901234567890123" {
		t.Errorf("amount = %#v, want exact Decimal", out["amount"])
	}
	if d, ok := out["rate"].(Decimal); !ok || d.String() != "1.0000000000000000000001e-01" {
		t.Errorf("rate = %#v, want exact Decimal", out["rate"])
	}
	if v, ok := out["plain"].(float64); !ok || v != 0.5 {
		t.Errorf("plain = %#v, want float64 0.5", out["plain"])
	}
	if v, ok := out["count"].(int64); !ok || v != 42 {
		t.Errorf("count = %#v, want int64 42", out["count"])
	}

	raw, err := encodeMetadataJSON(out)
	if err != nil {
		t.Fatalf("encodeMetadataJSON() error = %v", err)
	}
	if !strings.Contains(raw, `"amount":12345678901234567890123`) || !strings.Contains(raw, `"rate":1.0000000000000000000001e-01`) {
		t.Errorf("stored metadata = %s, want exact number literals", raw)
	}
	decoded, err := decodeMetadataJSON([]byte(raw))
	if err != nil {
		t.Fatalf("decodeMetadataJSON() error = %v", err)
	}
	if decoded["amount"] != out["amount"] || decoded["rate"] != out["rate"] {
		t.Errorf("decoded = %#v, want %#v", decoded, out)
	}
}

func TestNormalizeMetadata_StorageRoundTrip(t *testing.T) {
	meta, err := NormalizeMetadata(map[string]any{
		"amount":  1234567890123,
		"ratio":   0.1,
		"huge":    1e20,
		"html":    "<b>&</b>",
		"unicode": "naïve ✓",
	})
	if err != nil {
		t.Fatalf("NormalizeMetadata() error = %v", err)
	}

	raw, err := encodeMetadataJSON(meta)
	if err != nil {
		t.Fatalf("encodeMetadataJSON() error = %v", err)
	}
	decoded, err := decodeMetadataJSON([]byte(raw))
	if err != nil {
		t.Fatalf("decodeMetadataJSON() error = %v", err)
	}

	before, _ := EncodeEntry(&Entry{Metadata: meta})
	after, _ := EncodeEntry(&Entry{Metadata: decoded})
	if !bytes.Equal(before, after) {
		t.Error("metadata must encode identically after a storage round trip")
	}
}
