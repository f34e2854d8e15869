package layout

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Registry immutable catalog of segment layouts, safe for concurrent readers
type Registry struct {
	segments map[string]*Segment
	overlays map[string]*Overlay
}

// NewRegistry validates segs and builds a registry
func NewRegistry(segs ...*Segment) (*Registry, error) {
	r := &Registry{
		segments: make(map[string]*Segment, len(segs)),
		overlays: make(map[string]*Overlay),
	}
	for _, s := range segs {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.segments[s.Name]; ok {
			return nil, fmt.Errorf("registry: %w: segment %s", ErrDuplicateName, s.Name)
		}
		r.segments[s.Name] = s
		for _, o := range s.Overlays {
			if prev, ok := r.overlays[o.Name]; ok {
				return nil, fmt.Errorf("registry: %w: overlay %s in %s and %s", ErrDuplicateName, o.Name, prev.Segment, s.Name)
			}
			r.overlays[o.Name] = o
		}
	}
	return r, nil
}

// Segment returns layout of a segment type
func (r *Registry) Segment(name string) (*Segment, error) {
	s, ok := r.segments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, name)
	}
	return s, nil
}

// Overlay returns overlay by its registry wide name
func (r *Registry) Overlay(name string) (*Overlay, error) {
	o, ok := r.overlays[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOverlay, name)
	}
	return o, nil
}

// Segments returns all segment layout names
func (r *Registry) Segments() []string {
	names := make([]string, 0, len(r.segments))
	for name := range r.segments {
		names = append(names, name)
	}
	return names
}

type fieldDoc struct {
	Name   string `yaml:"name"`
	Offset int    `yaml:"offset"`
	Length int    `yaml:"length"`
	Type   string `yaml:"type"`
	Digits int    `yaml:"digits"`
	Scale  int    `yaml:"scale"`
	Signed bool   `yaml:"signed"`
}

type overlayDoc struct {
	Name    string     `yaml:"name"`
	Default bool       `yaml:"default"`
	Fields  []fieldDoc `yaml:"fields"`
}

type segmentDoc struct {
	Segment  string       `yaml:"segment"`
	Length   int          `yaml:"length"`
	Encoding string       `yaml:"encoding"`
	Overlays []overlayDoc `yaml:"overlays"`
}

type document struct {
	Layouts []segmentDoc `yaml:"layouts"`
}

// Parse reads a layout descriptor document
func Parse(r io.Reader) ([]*Segment, error) {
	var doc document
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("layout document: %w", err)
	}

	segs := make([]*Segment, 0, len(doc.Layouts))
	for _, sd := range doc.Layouts {
		seg := &Segment{
			Name:     sd.Segment,
			Length:   sd.Length,
			Encoding: Encoding(sd.Encoding),
		}
		for _, od := range sd.Overlays {
			o := &Overlay{Name: od.Name, Segment: sd.Segment}
			for _, fd := range od.Fields {
				o.Fields = append(o.Fields, Field{
					Name:   fd.Name,
					Offset: fd.Offset,
					Length: fd.Length,
					Type:   FieldType(fd.Type),
					Digits: fd.Digits,
					Scale:  fd.Scale,
					Signed: fd.Signed,
				})
			}
			if od.Default {
				seg.Overlays = append([]*Overlay{o}, seg.Overlays...)
			} else {
				seg.Overlays = append(seg.Overlays, o)
			}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
