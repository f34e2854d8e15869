package codec

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Compare orders two logical values of the same field type
func Compare(a, b any) (int, error) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("%w: compare string with %T", ErrFieldType, b)
		}
		return strings.Compare(x, y), nil
	case []byte:
		y, ok := b.([]byte)
		if !ok {
			return 0, fmt.Errorf("%w: compare bytes with %T", ErrFieldType, b)
		}
		return bytes.Compare(x, y), nil
	case decimal.Decimal:
		y, err := ToDecimal(b)
		if err != nil {
			return 0, err
		}
		return x.Cmp(y), nil
	}
	return 0, fmt.Errorf("%w: compare %T", ErrFieldType, a)
}

// Equal reports whether two views carry the same logical values
func Equal(a, b Values) bool {
	if len(a) != len(b) {
		return false
	}
	for name, va := range a {
		vb, ok := b[name]
		if !ok {
			return false
		}
		c, err := Compare(va, vb)
		if err != nil || c != 0 {
			return false
		}
	}
	return true
}
