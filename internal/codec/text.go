package codec

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/S0me0neR0man/dlistash/internal/layout"
)

const (
	ebcdicBlank = 0x40
	asciiBlank  = 0x20
)

func blank(enc layout.Encoding) byte {
	if enc == layout.ASCII {
		return asciiBlank
	}
	return ebcdicBlank
}

func trimBlank(s string) string {
	return strings.TrimRight(s, " ")
}

func decodeText(b []byte, enc layout.Encoding) (string, error) {
	if enc == layout.ASCII {
		if !utf8.Valid(b) {
			return "", fmt.Errorf("%w: not valid text", ErrFieldType)
		}
		return trimBlank(string(b)), nil
	}
	out, err := charmap.CodePage037.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFieldType, err)
	}
	return trimBlank(string(out)), nil
}

func encodeText(s string, length int, enc layout.Encoding) ([]byte, error) {
	var b []byte
	if enc == layout.ASCII {
		b = []byte(s)
	} else {
		var err error
		b, err = charmap.CodePage037.NewEncoder().Bytes([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFieldType, err)
		}
	}
	if len(b) > length {
		return nil, fmt.Errorf("%w: %d bytes for %d", ErrValueOverflow, len(b), length)
	}

	out := make([]byte, length)
	copy(out, b)
	for i := len(b); i < length; i++ {
		out[i] = blank(enc)
	}
	return out, nil
}
