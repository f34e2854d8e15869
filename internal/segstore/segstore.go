// Package segstore the tagged segment table contract shared by all adapters
package segstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound        = errors.New("segment not found")
	ErrParentNotFound  = errors.New("parent segment not found")
	ErrVersionConflict = errors.New("segment changed since it was read")
	ErrHasDependents   = errors.New("segment has dependents")
	ErrDuplicateKey    = errors.New("duplicate segment key under parent")
	ErrUnavailable     = errors.New("storage unavailable")
	ErrLockTimeout     = errors.New("lock wait timeout")
)

// RootParent parent id of root segments
const RootParent uint64 = 0

// Segment one row of the tagged table
type Segment struct {
	ID       uint64
	ParentID uint64
	Seq      uint64 // strictly increasing per parent
	Type     string
	Key      []byte // concatenated key fields, nil for unkeyed types
	Raw      []byte
	Version  uint64
}

func (s Segment) String() string {
	return fmt.Sprintf("%s id=%d parent=%d seq=%d v%d", s.Type, s.ID, s.ParentID, s.Seq, s.Version)
}

// KeyStep one level of a fully keyed hierarchic path
type KeyStep struct {
	Type string
	Key  []byte
}

// DeleteRule what Delete does when the segment has dependents
type DeleteRule int

const (
	Cascade DeleteRule = iota
	RejectDependents
)

// Order sibling order of children under one parent. Ranks nil means physical
// order by seq alone; otherwise by type rank, then seq.
type Order struct {
	Ranks map[string]int
}

// Less orders two siblings
func (o Order) Less(a, b Segment) bool {
	if o.Ranks != nil {
		ra, rb := o.Ranks[a.Type], o.Ranks[b.Type]
		if ra != rb {
			return ra < rb
		}
	}
	return a.Seq < b.Seq
}

// Sort sorts siblings in place
func (o Order) Sort(segs []Segment) {
	sort.SliceStable(segs, func(i, j int) bool { return o.Less(segs[i], segs[j]) })
}

// Store the tagged segment table. Reads of one call are snapshot consistent,
// writes are serialized by the underlying engine. Nothing is cached across calls.
type Store interface {
	// Children returns the direct children of parentID in order
	Children(ctx context.Context, table string, parentID uint64, order Order) ([]Segment, error)
	// Get returns segment by id
	Get(ctx context.Context, table string, id uint64) (Segment, error)
	// FetchByKey follows path from the root level down, matching type and key.
	// Returns the matched segments root first.
	FetchByKey(ctx context.Context, table string, path []KeyStep) ([]Segment, error)
	// Insert assigns ID, Seq and Version of seg and stores it
	Insert(ctx context.Context, table string, seg Segment) (Segment, error)
	// Update replaces raw bytes if the stored version is still version
	Update(ctx context.Context, table string, id, version uint64, raw []byte) (Segment, error)
	// Delete removes the segment and, under Cascade, every descendant.
	// Returns number of removed segments.
	Delete(ctx context.Context, table string, id, version uint64, rule DeleteRule) (int, error)
	Close() error
}

// FetchByKeyFunc walks path with a children reader, used by adapters whose
// snapshot reader already offers ordered children
func FetchByKeyFunc(path []KeyStep, children func(parentID uint64) ([]Segment, error)) ([]Segment, error) {
	if len(path) == 0 {
		return nil, ErrNotFound
	}
	parent := RootParent
	found := make([]Segment, 0, len(path))
	for _, step := range path {
		segs, err := children(parent)
		if err != nil {
			return nil, err
		}
		ok := false
		for _, s := range segs {
			if s.Type == step.Type && bytes.Equal(s.Key, step.Key) {
				found, ok = append(found, s), true
				parent = s.ID
				break
			}
		}
		if !ok {
			return nil, ErrNotFound
		}
	}
	return found, nil
}

// HasKeySibling reports whether segs already holds seg's type and key
func HasKeySibling(segs []Segment, seg Segment) bool {
	if len(seg.Key) == 0 {
		return false
	}
	for _, s := range segs {
		if s.Type == seg.Type && bytes.Equal(s.Key, seg.Key) {
			return true
		}
	}
	return false
}

// Clone deep copies byte slices so callers never alias stored rows
func (s Segment) Clone() Segment {
	out := s
	if s.Key != nil {
		out.Key = append([]byte(nil), s.Key...)
	}
	if s.Raw != nil {
		out.Raw = append([]byte(nil), s.Raw...)
	}
	return out
}
