package dli

import (
	"bytes"
	"context"
	"fmt"

	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/layout"
	"github.com/S0me0neR0man/dlistash/internal/metadata"
	"github.com/S0me0neR0man/dlistash/internal/segstore"
)

// ioBytes applies the io area to base and returns new segment bytes
func ioBytes(st *metadata.SegmentType, io IOArea, base []byte) ([]byte, error) {
	if io.Raw != nil {
		if len(io.Raw) != st.Layout.Length {
			return nil, fmt.Errorf("%w: %w: %d bytes for %s of %d",
				ErrBadIOArea, codec.ErrLayoutMismatch, len(io.Raw), st.Name, st.Layout.Length)
		}
		return append([]byte(nil), io.Raw...), nil
	}

	o := st.Layout.Default()
	if io.Overlay != "" {
		var ok bool
		if o, ok = st.Layout.Overlay(io.Overlay); !ok {
			return nil, fmt.Errorf("%w: %w: %s for %s", ErrBadIOArea, layout.ErrUnknownOverlay, io.Overlay, st.Name)
		}
	}
	raw, err := codec.Encode(io.Fields, o, st.Layout.Encoding, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadIOArea, err)
	}
	return raw, nil
}

func (c *cursor) allowed(st *metadata.SegmentType, code Code, can func(metadata.ProcOpt) bool) error {
	if p := c.pcb.ProcOptFor(st.Name); !can(p) {
		return fmt.Errorf("%w: %s on %s with procopt %q", ErrAccessDenied, code, st.Name, p)
	}
	return nil
}

// refresh replaces the cached row of seg in the position paths
func (c *cursor) refresh(seg segstore.Segment) {
	for _, path := range [][]node{c.path, c.parentage} {
		for i := range path {
			if path[i].seg.ID == seg.ID {
				path[i].seg = seg
			}
		}
	}
}

// replace patches the positioned segment. The write is checked against the
// version seen when the segment was retrieved.
func (c *cursor) replace(ctx context.Context, io IOArea) Result {
	if c.state != PositionedAt {
		return Result{Status: NotPositioned}
	}
	cur := c.path[len(c.path)-1]
	if err := c.allowed(cur.st, REPL, metadata.ProcOpt.CanReplace); err != nil {
		return fail(err)
	}
	if io.Raw == nil && len(io.Fields) == 0 {
		return fail(fmt.Errorf("%w: nothing to replace", ErrBadIOArea))
	}

	stored, err := c.store.Get(ctx, c.table, cur.seg.ID)
	if err != nil {
		return fail(err)
	}
	if stored.Version != cur.seg.Version {
		return fail(fmt.Errorf("%w: %s", segstore.ErrVersionConflict, stored.String()))
	}
	raw, err := ioBytes(cur.st, io, stored.Raw)
	if err != nil {
		return fail(err)
	}
	if !bytes.Equal(cur.st.KeyBytes(raw), stored.Key) {
		return fail(fmt.Errorf("%w: %s", ErrKeyChanged, stored.String()))
	}

	updated, err := c.store.Update(ctx, c.table, stored.ID, stored.Version, raw)
	if err != nil {
		return fail(err)
	}
	c.refresh(updated)
	return Result{Status: OK}
}

// delete removes the positioned segment by the delete rule of its type.
// On success the cursor must be repositioned.
func (c *cursor) delete(ctx context.Context) Result {
	if c.state != PositionedAt {
		return Result{Status: NotPositioned}
	}
	cur := c.path[len(c.path)-1]
	if err := c.allowed(cur.st, DLET, metadata.ProcOpt.CanDelete); err != nil {
		return fail(err)
	}

	rule := segstore.Cascade
	if cur.st.DeleteRule == metadata.Reject {
		rule = segstore.RejectDependents
	}
	if _, err := c.store.Delete(ctx, c.table, cur.seg.ID, cur.seg.Version, rule); err != nil {
		return fail(err)
	}
	c.state, c.path, c.parentage = Unpositioned, nil, nil
	return Result{Status: OK}
}

// insert adds a segment of the last SSA type. Higher SSAs locate the parent,
// without them the parent is taken from the current position.
func (c *cursor) insert(ctx context.Context, ssas []SSA, io IOArea) Result {
	if len(ssas) == 0 {
		return fail(fmt.Errorf("%w: ISRT needs the segment type", ErrBadSSA))
	}
	qs, err := compile(c.pcb, ssas)
	if err != nil {
		return fail(err)
	}
	target := qs[len(qs)-1]
	if len(target.groups) > 0 {
		return fail(fmt.Errorf("%w: ISRT segment %s must be unqualified", ErrBadSSA, target.st.Name))
	}
	if err := c.allowed(target.st, ISRT, metadata.ProcOpt.CanInsert); err != nil {
		return fail(err)
	}

	var parentPath []node
	if parentType := target.st.Parent; parentType != nil {
		upper := qs[:len(qs)-1]
		switch {
		case len(upper) == 0:
			if c.state != PositionedAt {
				return Result{Status: NotPositioned}
			}
			for i, n := range c.path {
				if n.st == parentType {
					parentPath = clonePath(c.path[:i+1])
				}
			}
			if parentPath == nil {
				return Result{Status: NotPositioned}
			}
		case upper[len(upper)-1].st != parentType:
			return fail(fmt.Errorf("%w: %s is not the parent of %s", ErrBadSSA, upper[len(upper)-1].st.Name, target.st.Name))
		default:
			if parentPath, err = c.search(ctx, levels(upper), nil); err != nil {
				return fail(err)
			}
			if parentPath == nil {
				return Result{Status: SegmentNotFound}
			}
		}
	}

	raw, err := ioBytes(target.st, io, codec.Blank(target.st.Layout))
	if err != nil {
		return fail(err)
	}
	seg := segstore.Segment{
		Type: target.st.Name,
		Key:  target.st.KeyBytes(raw),
		Raw:  raw,
	}
	if parentPath != nil {
		seg.ParentID = parentPath[len(parentPath)-1].seg.ID
	}
	inserted, err := c.store.Insert(ctx, c.table, seg)
	if err != nil {
		return fail(err)
	}

	path := clonePath(parentPath, node{seg: inserted, st: target.st})
	c.moveTo(path, true)
	return c.found(path)
}
