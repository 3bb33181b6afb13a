package audit

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Limits on numbers accepted in metadata.
const (
	maxDecimalDigits   = 256
	maxDecimalExponent = 9999
	// integral decimals up to this many digits are written without an exponent
	maxPlainDigits = 40
)

// cborTagDecimalFraction is the RFC 8949 tag for [exponent, mantissa].
const cborTagDecimalFraction = 4

var errInvalidNumber = errors.New("invalid number")

// Decimal is a metadata number that neither int64, uint64 nor float64 can
// hold exactly. Its value is coef × 10^exp, where coef is a run of decimal
// digits without leading or trailing zeros. The zero value is 0.
//
// Decimals encode as JSON numbers and as CBOR decimal fractions, and read
// back to an equal Decimal.
type Decimal struct {
	neg  bool
	coef string
	exp  int
}

// ParseDecimal parses a JSON number without rounding.
func ParseDecimal(s string) (Decimal, error) {
	invalid := func() (Decimal, error) {
		return Decimal{}, fmt.Errorf("%w %q", errInvalidNumber, s)
	}

	var d Decimal
	i := 0
	if i < len(s) && s[i] == '-' {
		d.neg = true
		i++
	}

	var digits []byte
	start := i
	for i < len(s) && isDigit(s[i]) {
		digits = append(digits, s[i])
		i++
	}
	if i == start {
		return invalid()
	}

	frac := 0
	if i < len(s) && s[i] == '.' {
		i++
		start = i
		for i < len(s) && isDigit(s[i]) {
			digits = append(digits, s[i])
			i++
		}
		if i == start {
			return invalid()
		}
		frac = i - start
	}

	exp := 0
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		expNeg := false
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			expNeg = s[i] == '-'
			i++
		}
		start = i
		for i < len(s) && isDigit(s[i]) {
			if exp <= 10*maxDecimalExponent {
				exp = exp*10 + int(s[i]-'0')
			}
			i++
		}
		if i == start {
			return invalid()
		}
		if expNeg {
			exp = -exp
		}
	}
	if i != len(s) {
		return invalid()
	}

	lead := 0
	for lead < len(digits) && digits[lead] == '0' {
		lead++
	}
	digits = digits[lead:]
	if len(digits) == 0 {
		return Decimal{}, nil
	}
	end := len(digits)
	for digits[end-1] == '0' {
		end--
	}
	exp += len(digits) - end - frac
	digits = digits[:end]

	if len(digits) > maxDecimalDigits {
		return Decimal{}, fmt.Errorf("number %q has more than %d significant digits", truncateNumber(s), maxDecimalDigits)
	}
	if adjusted := exp + len(digits) - 1; adjusted > maxDecimalExponent || adjusted < -maxDecimalExponent {
		return Decimal{}, fmt.Errorf("number %q is out of range", truncateNumber(s))
	}
	d.coef = string(digits)
	d.exp = exp
	return d, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func truncateNumber(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

// integer returns the plain digits of d when d is integral and short
// enough to write out.
func (d Decimal) integer() (string, bool) {
	if d.coef == "" {
		return "0", true
	}
	if d.exp < 0 || len(d.coef)+d.exp > maxPlainDigits {
		return "", false
	}
	var b strings.Builder
	if d.neg {
		b.WriteByte('-')
	}
	b.WriteString(d.coef)
	b.WriteString(strings.Repeat("0", d.exp))
	return b.String(), true
}

// scientific renders d the way strconv.FormatFloat does with 'e' and
// precision -1, so a float64 and its exact decimal render identically.
func (d Decimal) scientific() string {
	if d.coef == "" {
		return "0e+00"
	}
	var b strings.Builder
	if d.neg {
		b.WriteByte('-')
	}
	b.WriteByte(d.coef[0])
	if len(d.coef) > 1 {
		b.WriteByte('.')
		b.WriteString(d.coef[1:])
	}
	adjusted := d.exp + len(d.coef) - 1
	b.WriteByte('e')
	if adjusted < 0 {
		b.WriteByte('-')
		adjusted = -adjusted
	} else {
		b.WriteByte('+')
	}
	if adjusted < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.Itoa(adjusted))
	return b.String()
}

// String returns d as a JSON number.
func (d Decimal) String() string {
	if s, ok := d.integer(); ok {
		return s
	}
	return d.scientific()
}

// MarshalJSON implements json.Marshaler.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalCBOR implements cbor.Marshaler as a decimal fraction.
func (d Decimal) MarshalCBOR() ([]byte, error) {
	mantissa, ok := new(big.Int).SetString(d.coef, 10)
	if !ok {
		mantissa = new(big.Int)
	}
	if d.neg {
		mantissa.Neg(mantissa)
	}
	return cborEncMode.Marshal(cbor.Tag{
		Number:  cborTagDecimalFraction,
		Content: []any{int64(d.exp), mantissa},
	})
}

// native returns d as int64, uint64 or float64 when one of them holds it
// exactly, and d itself otherwise.
func (d Decimal) native() any {
	if digits, ok := d.integer(); ok {
		if i, err := strconv.ParseInt(digits, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(digits, 10, 64); err == nil {
			return u
		}
	}
	f, err := strconv.ParseFloat(d.scientific(), 64)
	if err != nil {
		return d
	}
	if back, err := ParseDecimal(strconv.FormatFloat(f, 'e', -1, 64)); err == nil && back == d {
		return f
	}
	return d
}

// decimalFromCBOR converts a decoded decimal fraction tag.
func decimalFromCBOR(t cbor.Tag) (Decimal, bool) {
	if t.Number != cborTagDecimalFraction {
		return Decimal{}, false
	}
	parts, ok := t.Content.([]any)
	if !ok || len(parts) != 2 {
		return Decimal{}, false
	}
	exp, ok := cborIntegerText(parts[0])
	if !ok {
		return Decimal{}, false
	}
	mantissa, ok := cborIntegerText(parts[1])
	if !ok {
		return Decimal{}, false
	}
	d, err := ParseDecimal(mantissa + "e" + exp)
	return d, err == nil
}

func cborIntegerText(v any) (string, bool) {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case big.Int:
		return x.String(), true
	case *big.Int:
		return x.String(), true
	default:
		return "", false
	}
}
