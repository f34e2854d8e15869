// Package codec decodes and encodes raw segment bytes through overlay layouts
package codec

import (
	"errors"
	"fmt"
	"sort"

	"github.com/S0me0neR0man/dlistash/internal/layout"
)

var (
	ErrLayoutMismatch = errors.New("buffer shorter than overlay span")
	ErrInvalidDecimal = errors.New("invalid decimal data")
	ErrValueOverflow  = errors.New("value does not fit field")
	ErrPrecisionLoss  = errors.New("value has more decimal places than field scale")
	ErrFieldType      = errors.New("value type not valid for field")
)

// Values logical view of one overlay: char -> string, bytes -> []byte,
// zoned/packed/binary -> decimal.Decimal
type Values map[string]any

// Views decoded overlays of one segment keyed by overlay name
type Views map[string]Values

// FieldError reports the field a codec failure happened on
type FieldError struct {
	Overlay string
	Field   string
	Err     error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Overlay, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func checkSpan(raw []byte, o *layout.Overlay) error {
	if span := o.Span(); len(raw) < span {
		return fmt.Errorf("overlay %s: %w: %d < %d", o.Name, ErrLayoutMismatch, len(raw), span)
	}
	return nil
}

// Decode returns every field of overlay o read from raw
func Decode(raw []byte, o *layout.Overlay, enc layout.Encoding) (Values, error) {
	if err := checkSpan(raw, o); err != nil {
		return nil, err
	}
	values := make(Values, len(o.Fields))
	for _, f := range o.Fields {
		v, err := DecodeField(raw[f.Offset:f.End()], f, enc)
		if err != nil {
			return nil, &FieldError{Overlay: o.Name, Field: f.Name, Err: err}
		}
		values[f.Name] = v
	}
	return values, nil
}

// Encode patches the bytes of the fields named in values into a copy of existing.
// Bytes not covered by those fields are left untouched.
func Encode(values Values, o *layout.Overlay, enc layout.Encoding, existing []byte) ([]byte, error) {
	if err := checkSpan(existing, o); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]byte, len(existing))
	copy(out, existing)
	for _, name := range names {
		f, ok := o.Field(name)
		if !ok {
			return nil, &FieldError{Overlay: o.Name, Field: name, Err: layout.ErrUnknownField}
		}
		b, err := EncodeField(values[name], f, enc)
		if err != nil {
			return nil, &FieldError{Overlay: o.Name, Field: name, Err: err}
		}
		copy(out[f.Offset:f.End()], b)
	}
	return out, nil
}

// DecodeSegment decodes raw through every overlay of seg. The default overlay
// must decode; alternate overlays that do not fit the current bytes are left out.
func DecodeSegment(raw []byte, seg *layout.Segment) (Views, error) {
	views := make(Views, len(seg.Overlays))
	for i, o := range seg.Overlays {
		values, err := Decode(raw, o, seg.Encoding)
		if err != nil {
			if i == 0 || errors.Is(err, ErrLayoutMismatch) {
				return nil, err
			}
			continue
		}
		views[o.Name] = values
	}
	return views, nil
}

// Blank returns a fresh buffer: blanks for char fields, zeros for numerics
// of the default overlay
func Blank(seg *layout.Segment) []byte {
	raw := make([]byte, seg.Length)
	space := blank(seg.Encoding)
	for i := range raw {
		raw[i] = space
	}

	for _, f := range seg.Default().Fields {
		switch f.Type {
		case layout.Zoned, layout.Packed, layout.Binary:
			b, err := encodeNumber(zero, f, seg.Encoding)
			if err == nil {
				copy(raw[f.Offset:f.End()], b)
			}
		case layout.Bytes:
			for i := f.Offset; i < f.End(); i++ {
				raw[i] = 0
			}
		}
	}
	return raw
}

// DecodeField decodes one field from exactly its bytes
func DecodeField(b []byte, f layout.Field, enc layout.Encoding) (any, error) {
	switch f.Type {
	case layout.Char:
		return decodeText(b, enc)
	case layout.Bytes:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case layout.Zoned, layout.Packed, layout.Binary:
		return decodeNumber(b, f, enc)
	}
	return nil, fmt.Errorf("%w: %s", ErrFieldType, f.Type)
}

// EncodeField encodes v into exactly f.Length bytes
func EncodeField(v any, f layout.Field, enc layout.Encoding) ([]byte, error) {
	switch f.Type {
	case layout.Char:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return encodeText(s, f.Length, enc)
	case layout.Bytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %T for bytes", ErrFieldType, v)
		}
		if len(b) != f.Length {
			return nil, fmt.Errorf("%w: %d bytes for %d", ErrValueOverflow, len(b), f.Length)
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case layout.Zoned, layout.Packed, layout.Binary:
		d, err := ToDecimal(v)
		if err != nil {
			return nil, err
		}
		return encodeNumber(d, f, enc)
	}
	return nil, fmt.Errorf("%w: %s", ErrFieldType, f.Type)
}

// Coerce converts v into the logical type used by field f
func Coerce(v any, f layout.Field) (any, error) {
	switch f.Type {
	case layout.Char:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return trimBlank(s), nil
	case layout.Bytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("%w: %T for bytes", ErrFieldType, v)
	}
	return ToDecimal(v)
}
