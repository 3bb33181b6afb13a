package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Format is the serialization of an export bundle.
type Format string

const (
	// FormatJSON is a single JSON document.
	FormatJSON Format = "json"
	// FormatJSONL is a header line, one line per entry and a trailer line.
	// It can be written and read without holding the range in memory.
	FormatJSONL Format = "jsonl"
	// FormatCBOR is RFC 8949 core deterministic CBOR.
	FormatCBOR Format = "cbor"
)

// ParseFormat validates a format name. An empty name selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatJSONL:
		return FormatJSONL, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatCBOR:
		return "application/cbor"
	default:
		return "application/json"
	}
}

// Extension returns the file extension for the format, without the dot.
func (f Format) Extension() string {
	return string(f)
}

// ExportBundle is a self-contained, independently verifiable slice of a
// scope's chain.
type ExportBundle struct {
	FormatVersion int       `json:"format_version" cbor:"format_version"`
	ScopeID       string    `json:"scope_id" cbor:"scope_id"`
	RangeStart    int64     `json:"range_start" cbor:"range_start"`
	RangeEnd      int64     `json:"range_end" cbor:"range_end"`
	Entries       []*Entry  `json:"entries" cbor:"entries"`
	RootHash      Hash      `json:"root_hash" cbor:"root_hash"`
	GeneratedAt   time.Time `json:"generated_at" cbor:"generated_at"`
}

// bundleLine is one line of a JSONL bundle.
type bundleLine struct {
	Type string `json:"type"`

	// header
	FormatVersion int       `json:"format_version,omitempty"`
	ScopeID       string    `json:"scope_id,omitempty"`
	RangeStart    int64     `json:"range_start,omitempty"`
	RangeEnd      int64     `json:"range_end,omitempty"`
	GeneratedAt   time.Time `json:"generated_at,omitzero"`

	// entry
	Entry *Entry `json:"entry,omitempty"`

	// trailer
	Count    int64 `json:"count,omitempty"`
	RootHash *Hash `json:"root_hash,omitempty"`
}

const (
	lineHeader  = "header"
	lineEntry   = "entry"
	lineTrailer = "trailer"
)

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	var err error
	if cborEncMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("audit: cbor encoder options: %v", err))
	}
	decOpts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	if cborDecMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("audit: cbor decoder options: %v", err))
	}
}

// EncodeBundle writes b to w in the given format.
func EncodeBundle(w io.Writer, b *ExportBundle, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return enc.Encode(b)
	case FormatJSONL:
		jw := newJSONLWriter(w)
		if err := jw.header(b.ScopeID, b.RangeStart, b.RangeEnd, b.GeneratedAt); err != nil {
			return err
		}
		for _, e := range b.Entries {
			if err := jw.entry(e); err != nil {
				return err
			}
		}
		return jw.trailer(int64(len(b.Entries)), b.RootHash)
	case FormatCBOR:
		return cborEncMode.NewEncoder(w).Encode(b)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ReadBundle decodes a bundle. Numbers in metadata are decoded without
// loss of precision so that hashes can be recomputed.
func ReadBundle(r io.Reader, format Format) (*ExportBundle, error) {
	var (
		b   *ExportBundle
		err error
	)
	switch format {
	case FormatJSON:
		b = &ExportBundle{}
		dec := json.NewDecoder(r)
		dec.UseNumber()
		err = dec.Decode(b)
	case FormatJSONL:
		b, err = readJSONL(r)
	case FormatCBOR:
		b = &ExportBundle{}
		err = cborDecMode.NewDecoder(r).Decode(b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s bundle: %w", format, err)
	}
	if b.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b.FormatVersion)
	}
	for _, e := range b.Entries {
		if e == nil {
			return nil, errors.New("bundle contains a null entry")
		}
		if e.Metadata != nil {
			e.Metadata = plainNumbers(e.Metadata).(map[string]any)
		}
	}
	return b, nil
}

func readJSONL(r io.Reader) (*ExportBundle, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()

	b := &ExportBundle{}
	var sawHeader, sawTrailer bool
	var count int64
	for {
		var line bundleLine
		err := dec.Decode(&line)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if sawTrailer {
			return nil, errors.New("data after trailer")
		}

		switch line.Type {
		case lineHeader:
			if sawHeader {
				return nil, errors.New("duplicate header")
			}
			sawHeader = true
			b.FormatVersion = line.FormatVersion
			b.ScopeID = line.ScopeID
			b.RangeStart = line.RangeStart
			b.RangeEnd = line.RangeEnd
			b.GeneratedAt = line.GeneratedAt
		case lineEntry:
			if !sawHeader {
				return nil, errors.New("entry before header")
			}
			if line.Entry == nil {
				return nil, errors.New("entry line without entry")
			}
			b.Entries = append(b.Entries, line.Entry)
		case lineTrailer:
			sawTrailer = true
			count = line.Count
			if line.RootHash != nil {
				b.RootHash = *line.RootHash
			}
		default:
			return nil, fmt.Errorf("unknown line type %q", line.Type)
		}
	}

	if !sawHeader {
		return nil, errors.New("missing header")
	}
	if !sawTrailer {
		return nil, errors.New("missing trailer, bundle is truncated")
	}
	if count != int64(len(b.Entries)) {
		return nil, fmt.Errorf("trailer count %d does not match %d entries", count, len(b.Entries))
	}
	return b, nil
}

type jsonlWriter struct {
	enc *json.Encoder
}

func newJSONLWriter(w io.Writer) *jsonlWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonlWriter{enc: enc}
}

func (jw *jsonlWriter) header(scopeID string, from, to int64, generated time.Time) error {
	return jw.enc.Encode(bundleLine{
		Type:          lineHeader,
		FormatVersion: FormatVersion,
		ScopeID:       scopeID,
		RangeStart:    from,
		RangeEnd:      to,
		GeneratedAt:   generated,
	})
}

func (jw *jsonlWriter) entry(e *Entry) error {
	return jw.enc.Encode(bundleLine{Type: lineEntry, Entry: e})
}

func (jw *jsonlWriter) trailer(count int64, root Hash) error {
	return jw.enc.Encode(bundleLine{Type: lineTrailer, Count: count, RootHash: &root})
}

// VerifyBundle re-checks a bundle without access to the store. A bundle
// starting at sequence 1 must link to the genesis hash; a partial bundle is
// anchored on its first entry's prev hash.
func VerifyBundle(b *ExportBundle, opts VerifyOptions) *VerificationResult {
	if b == nil {
		return &VerificationResult{
			Valid:            false,
			Reason:           ReasonHashMismatch,
			Detail:           "no bundle",
			BrokenAtSequence: 0,
			VerifiedAt:       time.Now().UTC(),
		}
	}

	from := max(b.RangeStart, 1)
	w := &chainWalker{
		scopeID:         b.ScopeID,
		expected:        from,
		prev:            GenesisHash(),
		cont:            opts.ContinueOnBreak,
		anchorFromEntry: from > 1,
	}

	for _, e := range b.Entries {
		if e.Sequence > b.RangeEnd {
			w.report(e.Sequence, ReasonHashMismatch, "entry lies outside the bundle range")
			if w.stop() {
				break
			}
			continue
		}
		if err := w.visit(e); errors.Is(err, errStopScan) {
			break
		}
	}
	w.finish(b.RangeEnd)

	if !w.stop() && w.visited && w.lastHash != b.RootHash {
		w.report(b.RangeEnd, ReasonHashMismatch,
			fmt.Sprintf("root hash %s does not match last entry %s", b.RootHash, w.lastHash))
	}

	res := w.result(from, b.RangeEnd)
	res.VerifiedAt = time.Now().UTC()
	return res
}
