package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// HashSize is the length of an entry hash in bytes.
const HashSize = sha256.Size

// Hash is a SHA-256 digest linking one entry to the next. Its text form is
// 64 lowercase hex characters.
type Hash [HashSize]byte

// GenesisHash is the prev hash of the first entry of every scope.
func GenesisHash() Hash {
	return Hash{}
}

// IsZero reports whether h equals the genesis hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("invalid hash length %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash: %w", err)
	}
	return h, nil
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// MarshalCBOR encodes the hash as a text string so bundles read the same
// in every format.
func (h Hash) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(h.String())
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (h *Hash) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	return h.UnmarshalText([]byte(s))
}

// ComputeHash returns SHA-256(prev || encoded).
func ComputeHash(prev Hash, encoded []byte) Hash {
	hasher := sha256.New()
	hasher.Write(prev[:])
	hasher.Write(encoded)

	var out Hash
	copy(out[:], hasher.Sum(nil))
	return out
}

// HashEntry canonically encodes e and chains it onto prev. The entry's own
// PrevHash is replaced by prev for the computation, so a verifier can pass
// the hash it expects rather than the one stored.
func HashEntry(prev Hash, e *Entry) (Hash, error) {
	if e == nil {
		return Hash{}, &EncodingError{Reason: "nil entry"}
	}
	withPrev := *e
	withPrev.PrevHash = prev
	encoded, err := EncodeEntry(&withPrev)
	if err != nil {
		return Hash{}, err
	}
	return ComputeHash(prev, encoded), nil
}
