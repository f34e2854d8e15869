package codec

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/S0me0neR0man/dlistash/internal/layout"
)

var zero = decimal.Zero

// sign nibbles
const (
	signPlus     = 0x0C
	signMinus    = 0x0D
	signUnsigned = 0x0F
)

func signOf(nibble byte) (negative bool, ok bool) {
	switch nibble {
	case 0x0A, 0x0C, 0x0E, 0x0F:
		return false, true
	case 0x0B, 0x0D:
		return true, true
	}
	return false, false
}

// ToDecimal converts supported Go numeric values and numeric strings
func ToDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case *decimal.Decimal:
		if n == nil {
			return zero, fmt.Errorf("%w: nil decimal", ErrFieldType)
		}
		return *n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int8:
		return decimal.NewFromInt(int64(n)), nil
	case int16:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(n)), 0), nil
	case uint8:
		return decimal.NewFromInt(int64(n)), nil
	case uint16:
		return decimal.NewFromInt(int64(n)), nil
	case uint32:
		return decimal.NewFromInt(int64(n)), nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return zero, fmt.Errorf("%w: %v", ErrFieldType, err)
		}
		return d, nil
	}
	return zero, fmt.Errorf("%w: %T is not numeric", ErrFieldType, v)
}

// scaled returns d as the unscaled integer stored in field f
func scaled(d decimal.Decimal, f layout.Field) (*big.Int, error) {
	if !d.Truncate(int32(f.Scale)).Equal(d) {
		return nil, fmt.Errorf("%w: %s scale %d", ErrPrecisionLoss, d.String(), f.Scale)
	}
	n := d.Shift(int32(f.Scale)).BigInt()
	if n.Sign() < 0 && !f.Signed {
		return nil, fmt.Errorf("%w: negative %s in unsigned field", ErrValueOverflow, d.String())
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(f.Digits)), nil)
	if new(big.Int).Abs(n).Cmp(limit) >= 0 {
		return nil, fmt.Errorf("%w: %s exceeds %d digits", ErrValueOverflow, d.String(), f.Digits)
	}
	return n, nil
}

func digitsOf(n *big.Int, width int) string {
	s := new(big.Int).Abs(n).String()
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

func encodeNumber(d decimal.Decimal, f layout.Field, enc layout.Encoding) ([]byte, error) {
	n, err := scaled(d, f)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case layout.Packed:
		return encodePacked(n, f), nil
	case layout.Zoned:
		return encodeZoned(n, f, enc), nil
	case layout.Binary:
		return encodeBinary(n, f), nil
	}
	return nil, fmt.Errorf("%w: %s is not numeric", ErrFieldType, f.Type)
}

func decodeNumber(b []byte, f layout.Field, enc layout.Encoding) (decimal.Decimal, error) {
	var (
		n   *big.Int
		err error
	)
	switch f.Type {
	case layout.Packed:
		n, err = decodePacked(b)
	case layout.Zoned:
		n, err = decodeZoned(b, enc)
	case layout.Binary:
		n = decodeBinary(b, f.Signed)
	default:
		err = fmt.Errorf("%w: %s is not numeric", ErrFieldType, f.Type)
	}
	if err != nil {
		return zero, err
	}
	return decimal.NewFromBigInt(n, -int32(f.Scale)), nil
}

// encodePacked writes 2 digits per byte, the last low nibble carries the sign
func encodePacked(n *big.Int, f layout.Field) []byte {
	digits := digitsOf(n, 2*f.Length-1)
	sign := byte(signUnsigned)
	if f.Signed {
		sign = signPlus
		if n.Sign() < 0 {
			sign = signMinus
		}
	}

	out := make([]byte, f.Length)
	nibbles := make([]byte, 0, 2*f.Length)
	for i := 0; i < len(digits); i++ {
		nibbles = append(nibbles, digits[i]-'0')
	}
	nibbles = append(nibbles, sign)
	for i := range out {
		out[i] = nibbles[2*i]<<4 | nibbles[2*i+1]
	}
	return out
}

func decodePacked(b []byte) (*big.Int, error) {
	var sb strings.Builder
	for i, c := range b {
		hi, lo := c>>4, c&0x0F
		if hi > 9 {
			return nil, fmt.Errorf("%w: byte %d = %#02x", ErrInvalidDecimal, i, c)
		}
		sb.WriteByte('0' + hi)
		if i < len(b)-1 {
			if lo > 9 {
				return nil, fmt.Errorf("%w: byte %d = %#02x", ErrInvalidDecimal, i, c)
			}
			sb.WriteByte('0' + lo)
			continue
		}
		negative, ok := signOf(lo)
		if !ok {
			return nil, fmt.Errorf("%w: sign nibble %#x", ErrInvalidDecimal, lo)
		}
		n, _ := new(big.Int).SetString(sb.String(), 10)
		if negative {
			n.Neg(n)
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: empty field", ErrInvalidDecimal)
}

// encodeZoned writes one digit per byte, the sign sits in the zone of the last byte
func encodeZoned(n *big.Int, f layout.Field, enc layout.Encoding) []byte {
	digits := digitsOf(n, f.Length)
	out := make([]byte, f.Length)
	for i := 0; i < len(digits); i++ {
		d := digits[i] - '0'
		if enc == layout.ASCII {
			out[i] = 0x30 | d
		} else {
			out[i] = 0xF0 | d
		}
	}

	last := len(out) - 1
	d := out[last] & 0x0F
	switch {
	case enc == layout.ASCII && n.Sign() < 0:
		out[last] = 0x70 | d
	case enc == layout.ASCII:
	case !f.Signed:
		out[last] = signUnsigned<<4 | d
	case n.Sign() < 0:
		out[last] = signMinus<<4 | d
	default:
		out[last] = signPlus<<4 | d
	}
	return out
}

func decodeZoned(b []byte, enc layout.Encoding) (*big.Int, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty field", ErrInvalidDecimal)
	}

	var sb strings.Builder
	negative := false
	for i, c := range b {
		zone, d := c>>4, c&0x0F
		if d > 9 {
			return nil, fmt.Errorf("%w: byte %d = %#02x", ErrInvalidDecimal, i, c)
		}
		last := i == len(b)-1
		switch {
		case enc == layout.ASCII && last && zone == 0x7:
			negative = true
		case enc == layout.ASCII && zone == 0x3:
		case enc == layout.ASCII:
			return nil, fmt.Errorf("%w: byte %d = %#02x", ErrInvalidDecimal, i, c)
		case last:
			neg, ok := signOf(zone)
			if !ok {
				return nil, fmt.Errorf("%w: sign zone %#x", ErrInvalidDecimal, zone)
			}
			negative = neg
		case zone != 0x0F:
			return nil, fmt.Errorf("%w: byte %d = %#02x", ErrInvalidDecimal, i, c)
		}
		sb.WriteByte('0' + d)
	}

	n, _ := new(big.Int).SetString(sb.String(), 10)
	if negative {
		n.Neg(n)
	}
	return n, nil
}

// encodeBinary writes big endian two's complement
func encodeBinary(n *big.Int, f layout.Field) []byte {
	out := make([]byte, f.Length)
	v := uint64(n.Int64())
	switch f.Length {
	case 2:
		binary.BigEndian.PutUint16(out, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(out, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(out, v)
	}
	return out
}

func decodeBinary(b []byte, signed bool) *big.Int {
	switch len(b) {
	case 2:
		v := binary.BigEndian.Uint16(b)
		if signed {
			return big.NewInt(int64(int16(v)))
		}
		return big.NewInt(int64(v))
	case 4:
		v := binary.BigEndian.Uint32(b)
		if signed {
			return big.NewInt(int64(int32(v)))
		}
		return big.NewInt(int64(v))
	}
	v := binary.BigEndian.Uint64(b)
	if signed {
		return big.NewInt(int64(v))
	}
	return new(big.Int).SetUint64(v)
}
