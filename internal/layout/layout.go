// Package layout byte layouts of segments and their REDEFINES overlays
package layout

import (
	"errors"
	"fmt"
	"sort"
)

type FieldType string

const (
	Char   FieldType = "char"
	Zoned  FieldType = "zoned"
	Packed FieldType = "packed"
	Binary FieldType = "binary"
	Bytes  FieldType = "bytes"
)

type Encoding string

const (
	EBCDIC Encoding = "ebcdic"
	ASCII  Encoding = "ascii"
)

var (
	ErrSpanExceeded    = errors.New("overlay span exceeds segment length")
	ErrFieldOverlap    = errors.New("fields overlap within one overlay")
	ErrDuplicateName   = errors.New("duplicate name")
	ErrBadField        = errors.New("bad field definition")
	ErrUnknownSegment  = errors.New("unknown segment layout")
	ErrUnknownOverlay  = errors.New("unknown overlay")
	ErrUnknownField    = errors.New("unknown field")
	ErrUnknownEncoding = errors.New("unknown encoding")
)

// Field one elementary item of an overlay
type Field struct {
	Name   string
	Offset int
	Length int
	Type   FieldType
	Digits int // numeric types only
	Scale  int // implied decimal places
	Signed bool
}

// End returns offset one past the field
func (f Field) End() int {
	return f.Offset + f.Length
}

func (f Field) String() string {
	return fmt.Sprintf("%s %s[%d:%d]", f.Name, f.Type, f.Offset, f.End())
}

func (f *Field) normalize() error {
	const msg = "field"
	if f.Name == "" {
		return fmt.Errorf("%s: %w: empty name", msg, ErrBadField)
	}
	if f.Offset < 0 || f.Length <= 0 {
		return fmt.Errorf("%s %s: %w: offset=%d length=%d", msg, f.Name, ErrBadField, f.Offset, f.Length)
	}
	if f.Scale < 0 {
		return fmt.Errorf("%s %s: %w: negative scale", msg, f.Name, ErrBadField)
	}

	var maxDigits int
	switch f.Type {
	case Char, Bytes:
		if f.Digits != 0 || f.Scale != 0 {
			return fmt.Errorf("%s %s: %w: digits/scale on %s", msg, f.Name, ErrBadField, f.Type)
		}
		return nil
	case Zoned:
		maxDigits = f.Length
	case Packed:
		maxDigits = 2*f.Length - 1
	case Binary:
		switch f.Length {
		case 2:
			maxDigits = 4
		case 4:
			maxDigits = 9
		case 8:
			maxDigits = 18
		default:
			return fmt.Errorf("%s %s: %w: binary length must be 2, 4 or 8", msg, f.Name, ErrBadField)
		}
	default:
		return fmt.Errorf("%s %s: %w: unknown type %q", msg, f.Name, ErrBadField, f.Type)
	}

	if f.Digits == 0 {
		f.Digits = maxDigits
	}
	if f.Digits > maxDigits {
		return fmt.Errorf("%s %s: %w: %d digits do not fit %d bytes", msg, f.Name, ErrBadField, f.Digits, f.Length)
	}
	if f.Scale > f.Digits {
		return fmt.Errorf("%s %s: %w: scale %d > digits %d", msg, f.Name, ErrBadField, f.Scale, f.Digits)
	}
	return nil
}

// Overlay a named set of non-overlapping fields over a segment buffer
type Overlay struct {
	Name    string
	Segment string
	Fields  []Field

	byName map[string]int
}

// Span returns the max offset+length over all fields
func (o *Overlay) Span() int {
	span := 0
	for _, f := range o.Fields {
		if f.End() > span {
			span = f.End()
		}
	}
	return span
}

// Field returns field by name
func (o *Overlay) Field(name string) (Field, bool) {
	i, ok := o.byName[name]
	if !ok {
		return Field{}, false
	}
	return o.Fields[i], true
}

func (o *Overlay) validate(segLength int) error {
	if o.Name == "" {
		return fmt.Errorf("overlay of %s: %w: empty name", o.Segment, ErrBadField)
	}
	o.byName = make(map[string]int, len(o.Fields))
	for i := range o.Fields {
		if err := o.Fields[i].normalize(); err != nil {
			return fmt.Errorf("overlay %s: %w", o.Name, err)
		}
		if _, ok := o.byName[o.Fields[i].Name]; ok {
			return fmt.Errorf("overlay %s: %w: field %s", o.Name, ErrDuplicateName, o.Fields[i].Name)
		}
		o.byName[o.Fields[i].Name] = i
	}

	if span := o.Span(); span > segLength {
		return fmt.Errorf("overlay %s: %w: span %d > %d", o.Name, ErrSpanExceeded, span, segLength)
	}

	sorted := make([]Field, len(o.Fields))
	copy(sorted, o.Fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Offset < sorted[i-1].End() {
			return fmt.Errorf("overlay %s: %w: %v and %v", o.Name, ErrFieldOverlap, sorted[i-1], sorted[i])
		}
	}
	return nil
}

// Segment the byte layout of one segment type
type Segment struct {
	Name     string
	Length   int
	Encoding Encoding
	Overlays []*Overlay // Overlays[0] is the default view
}

// Default returns the primary overlay
func (s *Segment) Default() *Overlay {
	return s.Overlays[0]
}

// Overlay returns overlay by name
func (s *Segment) Overlay(name string) (*Overlay, bool) {
	for _, o := range s.Overlays {
		if o.Name == name {
			return o, true
		}
	}
	return nil, false
}

// FieldOf returns the field from the first overlay that declares it
func (s *Segment) FieldOf(name string) (Field, *Overlay, bool) {
	for _, o := range s.Overlays {
		if f, ok := o.Field(name); ok {
			return f, o, true
		}
	}
	return Field{}, nil, false
}

func (s *Segment) validate() error {
	if s.Name == "" {
		return fmt.Errorf("segment layout: %w: empty name", ErrBadField)
	}
	if s.Length <= 0 {
		return fmt.Errorf("segment layout %s: %w: length %d", s.Name, ErrBadField, s.Length)
	}
	switch s.Encoding {
	case "":
		s.Encoding = EBCDIC
	case EBCDIC, ASCII:
	default:
		return fmt.Errorf("segment layout %s: %w: %q", s.Name, ErrUnknownEncoding, s.Encoding)
	}
	if len(s.Overlays) == 0 {
		return fmt.Errorf("segment layout %s: %w: no overlays", s.Name, ErrBadField)
	}
	seen := make(map[string]bool, len(s.Overlays))
	for _, o := range s.Overlays {
		o.Segment = s.Name
		if seen[o.Name] {
			return fmt.Errorf("segment layout %s: %w: overlay %s", s.Name, ErrDuplicateName, o.Name)
		}
		seen[o.Name] = true
		if err := o.validate(s.Length); err != nil {
			return fmt.Errorf("segment layout %s: %w", s.Name, err)
		}
	}
	return nil
}
