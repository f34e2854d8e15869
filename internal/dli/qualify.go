package dli

import (
	"fmt"

	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/layout"
	"github.com/S0me0neR0man/dlistash/internal/metadata"
)

type cond struct {
	field layout.Field
	enc   layout.Encoding
	op    Op
	value any
}

func (c cond) match(raw []byte) (bool, error) {
	if c.field.End() > len(raw) {
		return false, fmt.Errorf("field %s: %w", c.field.Name, codec.ErrLayoutMismatch)
	}
	v, err := codec.DecodeField(raw[c.field.Offset:c.field.End()], c.field, c.enc)
	if err != nil {
		return false, fmt.Errorf("field %s: %w", c.field.Name, err)
	}
	n, err := codec.Compare(v, c.value)
	if err != nil {
		return false, err
	}
	switch c.op {
	case EQ:
		return n == 0, nil
	case NE:
		return n != 0, nil
	case GT:
		return n > 0, nil
	case GE:
		return n >= 0, nil
	case LT:
		return n < 0, nil
	}
	return n <= 0, nil
}

// qualifier compiled SSA: groups are ORed, conditions inside a group ANDed
type qualifier struct {
	st     *metadata.SegmentType
	groups [][]cond
}

func (q *qualifier) match(raw []byte) (bool, error) {
	if len(q.groups) == 0 {
		return true, nil
	}
	for _, g := range q.groups {
		all := true
		for _, c := range g {
			ok, err := c.match(raw)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

// keyValue returns the key bytes when q is exactly KEY = value on a single
// char or bytes key field
func (q *qualifier) keyValue() ([]byte, bool) {
	if len(q.st.Key) != 1 || len(q.groups) != 1 || len(q.groups[0]) != 1 {
		return nil, false
	}
	c := q.groups[0][0]
	key := q.st.Key[0]
	if c.op != EQ || c.field.Name != key.Name || c.field.Offset != key.Offset {
		return nil, false
	}
	if key.Type != layout.Char && key.Type != layout.Bytes {
		return nil, false
	}
	b, err := codec.EncodeField(c.value, key, c.enc)
	if err != nil {
		return nil, false
	}
	return b, true
}

func validOp(op Op) bool {
	switch op {
	case EQ, NE, GT, GE, LT, LE:
		return true
	}
	return false
}

// compile resolves SSAs against the PCB. Types must be sensitive and appear
// top down along one hierarchic path.
func compile(pcb *metadata.PCB, ssas []SSA) ([]*qualifier, error) {
	out := make([]*qualifier, 0, len(ssas))
	for i, ssa := range ssas {
		st, err := pcb.Segment(ssa.Segment)
		if err != nil {
			return nil, err
		}
		if i > 0 && !out[i-1].st.IsAncestorOf(st) {
			return nil, fmt.Errorf("%w: %s is not under %s", ErrBadSSA, st.Name, out[i-1].st.Name)
		}

		q := &qualifier{st: st}
		var group []cond
		for j, qu := range ssa.Quals {
			f, _, ok := st.Layout.FieldOf(qu.Field)
			if !ok {
				return nil, fmt.Errorf("%w: %s: %w: %s", ErrBadSSA, st.Name, layout.ErrUnknownField, qu.Field)
			}
			if !validOp(qu.Op) {
				return nil, fmt.Errorf("%w: operator %q", ErrBadSSA, qu.Op)
			}
			v, err := codec.Coerce(qu.Value, f)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %w", ErrBadSSA, st.Name, f.Name, err)
			}
			group = append(group, cond{field: f, enc: st.Layout.Encoding, op: qu.Op, value: v})
			if qu.Next == Or || j == len(ssa.Quals)-1 {
				q.groups = append(q.groups, group)
				group = nil
			}
		}
		out = append(out, q)
	}
	return out, nil
}

// levels expands compiled SSAs into one entry per hierarchic level from the
// root down to the last SSA type; levels without an SSA are unqualified
func levels(qs []*qualifier) []*qualifier {
	if len(qs) == 0 {
		return nil
	}
	path := qs[len(qs)-1].st.Path()
	out := make([]*qualifier, len(path))
	for i, st := range path {
		out[i] = &qualifier{st: st}
	}
	for _, q := range qs {
		out[q.st.Level-1] = q
	}
	return out
}
