// Package metadata resolves DBD and PSB definitions into the immutable
// hierarchy model consulted by the call interpreter
package metadata

import (
	"errors"
	"fmt"

	"github.com/S0me0neR0man/dlistash/internal/layout"
)

const maxLevels = 15

var (
	ErrUnknownSegmentType = errors.New("unknown segment type")
	ErrCyclicHierarchy    = errors.New("cyclic hierarchy")
	ErrNoRoot             = errors.New("hierarchy has no root")
	ErrMultipleRoots      = errors.New("hierarchy has more than one root")
	ErrDuplicateSegment   = errors.New("duplicate segment type")
	ErrChildrenMismatch   = errors.New("children list does not match parent references")
	ErrUnorderedChildren  = errors.New("child list must be an ordered sequence")
	ErrUnknownKeyField    = errors.New("unknown key field")
	ErrLayoutLength       = errors.New("segment length differs from layout length")
	ErrTooDeep            = errors.New("hierarchy deeper than 15 levels")
	ErrBadDefinition      = errors.New("bad definition")
)

// SegmentType resolved node of a hierarchy
type SegmentType struct {
	Name       string
	Parent     *SegmentType
	Children   []*SegmentType // DBD sibling order
	Level      int            // root = 1
	Rank       int            // position among parent's children
	DeleteRule DeleteRule
	Layout     *layout.Segment
	Key        []layout.Field // byte ranges in the default overlay
}

// KeyBytes extracts the concatenated key of one segment instance
func (s *SegmentType) KeyBytes(raw []byte) []byte {
	var out []byte
	for _, f := range s.Key {
		if f.End() > len(raw) {
			return nil
		}
		out = append(out, raw[f.Offset:f.End()]...)
	}
	return out
}

// KeyLength length of the concatenated key
func (s *SegmentType) KeyLength() int {
	n := 0
	for _, f := range s.Key {
		n += f.Length
	}
	return n
}

// Path returns ancestors from root down to s inclusive
func (s *SegmentType) Path() []*SegmentType {
	path := make([]*SegmentType, s.Level)
	for cur := s; cur != nil; cur = cur.Parent {
		path[cur.Level-1] = cur
	}
	return path
}

// IsAncestorOf reports whether s is a strict ancestor of other
func (s *SegmentType) IsAncestorOf(other *SegmentType) bool {
	for cur := other.Parent; cur != nil; cur = cur.Parent {
		if cur == s {
			return true
		}
	}
	return false
}

// Hierarchy immutable resolved DBD
type Hierarchy struct {
	Name     string
	Sequence Sequence
	Root     *SegmentType

	types map[string]*SegmentType
	order []*SegmentType // hierarchic (pre-order) type sequence
}

// Segment returns a segment type by name
func (h *Hierarchy) Segment(name string) (*SegmentType, error) {
	st, ok := h.types[name]
	if !ok {
		return nil, fmt.Errorf("dbd %s: %w: %s", h.Name, ErrUnknownSegmentType, name)
	}
	return st, nil
}

// Types returns segment types in hierarchic sequence
func (h *Hierarchy) Types() []*SegmentType {
	return h.order
}

// NewHierarchy validates d against the layouts and builds the tree
func NewHierarchy(d *DBD, reg *layout.Registry) (*Hierarchy, error) {
	h := &Hierarchy{
		Name:     d.Name,
		Sequence: d.Sequence,
		types:    make(map[string]*SegmentType, len(d.Segments)),
	}
	switch h.Sequence {
	case "":
		h.Sequence = Declared
	case Declared, Physical:
	default:
		return nil, fmt.Errorf("dbd %s: %w: sequence %q", d.Name, ErrBadDefinition, d.Sequence)
	}
	defaultRule, err := deleteRuleOf(d.DeleteRule, Cascade)
	if err != nil {
		return nil, fmt.Errorf("dbd %s: %w", d.Name, err)
	}

	defs := make(map[string]*SegmentDef, len(d.Segments))
	parents := make(map[string]string, len(d.Segments))
	for i := range d.Segments {
		sd := &d.Segments[i]
		if sd.Name == "" {
			return nil, fmt.Errorf("dbd %s: %w: segment without name", d.Name, ErrBadDefinition)
		}
		if _, ok := defs[sd.Name]; ok {
			return nil, fmt.Errorf("dbd %s: %w: %s", d.Name, ErrDuplicateSegment, sd.Name)
		}
		defs[sd.Name] = sd
		parents[sd.Name] = sd.Parent
	}

	// children lists may carry the hierarchy top-down
	for _, sd := range d.Segments {
		for _, child := range sd.Children {
			if _, ok := defs[child]; !ok {
				return nil, fmt.Errorf("dbd %s: %w: child %s of %s", d.Name, ErrUnknownSegmentType, child, sd.Name)
			}
			switch parents[child] {
			case "":
				parents[child] = sd.Name
			case sd.Name:
			default:
				return nil, fmt.Errorf("dbd %s: %w: %s listed under %s but parent is %s",
					d.Name, ErrChildrenMismatch, child, sd.Name, parents[child])
			}
		}
	}

	for name, parent := range parents {
		if parent == "" {
			continue
		}
		if _, ok := defs[parent]; !ok {
			return nil, fmt.Errorf("dbd %s: %w: parent %s of %s", d.Name, ErrUnknownSegmentType, parent, name)
		}
	}
	if err := checkAcyclic(d.Name, parents); err != nil {
		return nil, err
	}

	for _, sd := range d.Segments {
		st, err := newSegmentType(d.Name, sd, defaultRule, reg)
		if err != nil {
			return nil, err
		}
		h.types[sd.Name] = st
	}

	// declaration order is sibling order unless a children list says otherwise
	for _, sd := range d.Segments {
		st := h.types[sd.Name]
		parent := parents[sd.Name]
		if parent == "" {
			if h.Root != nil {
				return nil, fmt.Errorf("dbd %s: %w: %s and %s", d.Name, ErrMultipleRoots, h.Root.Name, sd.Name)
			}
			h.Root = st
			continue
		}
		st.Parent = h.types[parent]
		if len(defs[parent].Children) == 0 {
			st.Parent.Children = append(st.Parent.Children, st)
		}
	}
	if h.Root == nil {
		return nil, fmt.Errorf("dbd %s: %w", d.Name, ErrNoRoot)
	}
	for _, sd := range d.Segments {
		if len(sd.Children) == 0 {
			continue
		}
		st := h.types[sd.Name]
		for _, child := range sd.Children {
			st.Children = append(st.Children, h.types[child])
		}
		for name, parent := range parents {
			if parent == sd.Name && !contains(sd.Children, name) {
				return nil, fmt.Errorf("dbd %s: %w: %s missing from children of %s", d.Name, ErrChildrenMismatch, name, sd.Name)
			}
		}
	}

	if err := h.number(h.Root, 1); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Hierarchy) number(st *SegmentType, level int) error {
	if level > maxLevels {
		return fmt.Errorf("dbd %s: %w: %s", h.Name, ErrTooDeep, st.Name)
	}
	st.Level = level
	h.order = append(h.order, st)
	for i, child := range st.Children {
		child.Rank = i
		if err := h.number(child, level+1); err != nil {
			return err
		}
	}
	return nil
}

func checkAcyclic(dbd string, parents map[string]string) error {
	for start := range parents {
		seen := map[string]bool{start: true}
		for cur := parents[start]; cur != ""; cur = parents[cur] {
			if seen[cur] {
				return fmt.Errorf("dbd %s: %w: through %s", dbd, ErrCyclicHierarchy, cur)
			}
			seen[cur] = true
		}
	}
	return nil
}

func newSegmentType(dbd string, sd SegmentDef, defaultRule DeleteRule, reg *layout.Registry) (*SegmentType, error) {
	layoutName := sd.Layout
	if layoutName == "" {
		layoutName = sd.Name
	}
	segLayout, err := reg.Segment(layoutName)
	if err != nil {
		return nil, fmt.Errorf("dbd %s segment %s: %w", dbd, sd.Name, err)
	}
	if sd.Bytes != 0 && sd.Bytes != segLayout.Length {
		return nil, fmt.Errorf("dbd %s segment %s: %w: %d != %d", dbd, sd.Name, ErrLayoutLength, sd.Bytes, segLayout.Length)
	}

	rule, err := deleteRuleOf(sd.DeleteRule, defaultRule)
	if err != nil {
		return nil, fmt.Errorf("dbd %s segment %s: %w", dbd, sd.Name, err)
	}

	st := &SegmentType{
		Name:       sd.Name,
		DeleteRule: rule,
		Layout:     segLayout,
	}
	for _, name := range sd.Key {
		f, ok := segLayout.Default().Field(name)
		if !ok {
			return nil, fmt.Errorf("dbd %s segment %s: %w: %s", dbd, sd.Name, ErrUnknownKeyField, name)
		}
		st.Key = append(st.Key, f)
	}
	return st, nil
}

func deleteRuleOf(r DeleteRule, def DeleteRule) (DeleteRule, error) {
	switch r {
	case "":
		return def, nil
	case Cascade, Reject:
		return r, nil
	}
	return "", fmt.Errorf("%w: delete rule %q", ErrBadDefinition, r)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
