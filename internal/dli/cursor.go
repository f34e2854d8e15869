package dli

import (
	"context"
	"fmt"
	"sync"

	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/metadata"
	"github.com/S0me0neR0man/dlistash/internal/segstore"
)

// node one segment of a cursor path
type node struct {
	seg segstore.Segment
	st  *metadata.SegmentType
}

// cursor position of one PCB. Guarded by mu, segment content is re-read
// from the store on every call.
type cursor struct {
	mu    sync.Mutex
	pcb   *metadata.PCB
	store segstore.Store
	table string
	order segstore.Order

	state     State
	path      []node // root first
	parentage []node
}

func newCursor(pcb *metadata.PCB, store segstore.Store) *cursor {
	h := pcb.Hierarchy
	order := segstore.Order{}
	if h.Sequence != metadata.Physical {
		order.Ranks = make(map[string]int, len(h.Types()))
		for _, st := range h.Types() {
			order.Ranks[st.Name] = st.Rank
		}
	}
	return &cursor{
		pcb:   pcb,
		store: store,
		table: h.Name,
		order: order,
		state: Unpositioned,
	}
}

func fail(err error) Result {
	return Result{Status: statusOf(err), Err: err}
}

func clonePath(path []node, extra ...node) []node {
	out := make([]node, 0, len(path)+len(extra))
	out = append(out, path...)
	return append(out, extra...)
}

func steps(path []node) []PathStep {
	if path == nil {
		return nil
	}
	out := make([]PathStep, 0, len(path))
	for _, n := range path {
		out = append(out, PathStep{Type: n.st.Name, ID: n.seg.ID, Key: n.seg.Key})
	}
	return out
}

func (c *cursor) position() Position {
	return Position{State: c.state, Path: steps(c.path), Parentage: steps(c.parentage)}
}

func (c *cursor) call(ctx context.Context, call Call) Result {
	if nav, ok := call.Code.retrieval(); ok {
		qs, err := compile(c.pcb, call.SSAs)
		if err != nil {
			return fail(err)
		}
		switch nav {
		case GU:
			return c.getUnique(ctx, qs)
		case GN:
			return c.getNext(ctx, qs)
		default:
			return c.getNextWithinParent(ctx, qs)
		}
	}
	switch call.Code {
	case REPL:
		return c.replace(ctx, call.IO)
	case DLET:
		return c.delete(ctx)
	case ISRT:
		return c.insert(ctx, call.SSAs, call.IO)
	}
	return fail(fmt.Errorf("%w: %q", ErrUnknownCall, call.Code))
}

// children returns the sensitive children of parent, nil parent means roots
func (c *cursor) children(ctx context.Context, parent *node) ([]node, error) {
	parentID := segstore.RootParent
	var parentType *metadata.SegmentType
	if parent != nil {
		parentID = parent.seg.ID
		parentType = parent.st
	}
	segs, err := c.store.Children(ctx, c.table, parentID, c.order)
	if err != nil {
		return nil, err
	}
	out := make([]node, 0, len(segs))
	for _, seg := range segs {
		st, err := c.pcb.Segment(seg.Type)
		if err != nil || st.Parent != parentType {
			continue
		}
		out = append(out, node{seg: seg, st: st})
	}
	return out, nil
}

// advance returns the path of the next segment in hierarchic sequence after
// path, nil at the end. descend false skips the subtree under path.
func (c *cursor) advance(ctx context.Context, path []node, descend bool) ([]node, error) {
	if len(path) == 0 {
		roots, err := c.children(ctx, nil)
		if err != nil || len(roots) == 0 {
			return nil, err
		}
		return []node{roots[0]}, nil
	}

	if descend {
		kids, err := c.children(ctx, &path[len(path)-1])
		if err != nil {
			return nil, err
		}
		if len(kids) > 0 {
			return clonePath(path, kids[0]), nil
		}
	}

	for i := len(path) - 1; i >= 0; i-- {
		var parent *node
		if i > 0 {
			parent = &path[i-1]
		}
		sibs, err := c.children(ctx, parent)
		if err != nil {
			return nil, err
		}
		// by order, not by id, so a sibling deleted meanwhile still has a successor
		for _, s := range sibs {
			if c.order.Less(path[i].seg, s.seg) {
				return clonePath(path[:i], s), nil
			}
		}
	}
	return nil, nil
}

// matches reports whether path ends on the target of qs with every SSA
// satisfied by the segment at its level
func matches(path []node, qs []*qualifier) (bool, error) {
	if len(qs) == 0 {
		return true, nil
	}
	if path[len(path)-1].st != qs[len(qs)-1].st {
		return false, nil
	}
	for _, q := range qs {
		ok, err := q.match(path[q.st.Level-1].seg.Raw)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// prunes reports whether nothing under the last node of path can match qs
func prunes(path []node, qs []*qualifier) (bool, error) {
	if len(qs) == 0 {
		return false, nil
	}
	n := path[len(path)-1]
	target := qs[len(qs)-1].st
	if n.st == target || !n.st.IsAncestorOf(target) {
		return true, nil
	}
	for _, q := range qs {
		if q.st == n.st {
			ok, err := q.match(n.seg.Raw)
			return !ok, err
		}
	}
	return false, nil
}

func (c *cursor) moveTo(path []node, parentage bool) {
	c.state = PositionedAt
	c.path = path
	if parentage {
		c.parentage = path
	}
}

// found builds the result for the segment path ends on
func (c *cursor) found(path []node) Result {
	n := path[len(path)-1]
	view := &SegmentView{
		Type:  n.st.Name,
		Level: n.st.Level,
		ID:    n.seg.ID,
		Raw:   append([]byte(nil), n.seg.Raw...),
	}
	for _, p := range path {
		view.Key = append(view.Key, p.seg.Key...)
	}
	views, err := codec.DecodeSegment(n.seg.Raw, n.st.Layout)
	if err != nil {
		return Result{Status: LayoutMismatch, Segment: view, Err: fmt.Errorf("%s: %w", n.seg.String(), err)}
	}
	view.Views = views
	return Result{Status: OK, Segment: view}
}

func (c *cursor) getUnique(ctx context.Context, qs []*qualifier) Result {
	var (
		path []node
		err  error
	)
	switch {
	case len(qs) == 0:
		path, err = c.advance(ctx, nil, true)
	default:
		lv := levels(qs)
		if keys, ok := keyPath(lv); ok {
			path, err = c.fetchByKey(ctx, lv, keys)
		} else {
			path, err = c.search(ctx, lv, nil)
		}
	}
	if err != nil {
		return fail(err)
	}
	if path == nil {
		return Result{Status: SegmentNotFound}
	}
	c.moveTo(path, true)
	return c.found(path)
}

// keyPath returns the key of every level when each is qualified by key equality
func keyPath(lv []*qualifier) ([]segstore.KeyStep, bool) {
	out := make([]segstore.KeyStep, 0, len(lv))
	for _, q := range lv {
		key, ok := q.keyValue()
		if !ok {
			return nil, false
		}
		out = append(out, segstore.KeyStep{Type: q.st.Name, Key: key})
	}
	return out, true
}

func (c *cursor) fetchByKey(ctx context.Context, lv []*qualifier, keys []segstore.KeyStep) ([]node, error) {
	segs, err := c.store.FetchByKey(ctx, c.table, keys)
	if err != nil {
		if statusOf(err) == SegmentNotFound {
			return nil, nil
		}
		return nil, err
	}
	path := make([]node, 0, len(segs))
	for i, seg := range segs {
		path = append(path, node{seg: seg, st: lv[i].st})
	}
	return path, nil
}

// search finds the first path in hierarchic sequence satisfying lv
func (c *cursor) search(ctx context.Context, lv []*qualifier, prefix []node) ([]node, error) {
	var parent *node
	if len(prefix) > 0 {
		parent = &prefix[len(prefix)-1]
	}
	kids, err := c.children(ctx, parent)
	if err != nil {
		return nil, err
	}
	q := lv[len(prefix)]
	for _, k := range kids {
		if k.st != q.st {
			continue
		}
		ok, err := q.match(k.seg.Raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		path := clonePath(prefix, k)
		if len(path) == len(lv) {
			return path, nil
		}
		found, err := c.search(ctx, lv, path)
		if err != nil || found != nil {
			return found, err
		}
	}
	return nil, nil
}

func (c *cursor) getNext(ctx context.Context, qs []*qualifier) Result {
	if c.state == AtEndOfDatabase {
		return Result{Status: EndOfDatabase}
	}
	path := c.path
	descend := true
	for {
		next, err := c.advance(ctx, path, descend)
		if err != nil {
			return fail(err)
		}
		if next == nil {
			c.state, c.path, c.parentage = AtEndOfDatabase, nil, nil
			return Result{Status: EndOfDatabase}
		}
		ok, err := matches(next, qs)
		if err != nil {
			return fail(err)
		}
		if ok {
			c.moveTo(next, true)
			return c.found(next)
		}
		if descend, err = prunes(next, qs); err != nil {
			return fail(err)
		}
		descend = !descend
		path = next
	}
}

// getNextWithinParent walks the direct children of the parentage segment.
// Past the last child the position is kept.
func (c *cursor) getNextWithinParent(ctx context.Context, qs []*qualifier) Result {
	if c.parentage == nil {
		return Result{Status: NotPositioned}
	}
	depth := len(c.parentage)
	parent := c.parentage[depth-1]
	if len(qs) > 0 && qs[len(qs)-1].st.Parent != parent.st {
		return fail(fmt.Errorf("%w: %s is not a child of %s", ErrBadSSA, qs[len(qs)-1].st.Name, parent.st.Name))
	}

	var after *node
	if len(c.path) > depth && c.path[depth-1].seg.ID == parent.seg.ID {
		after = &c.path[depth]
	}
	kids, err := c.children(ctx, &parent)
	if err != nil {
		return fail(err)
	}
	for _, k := range kids {
		if after != nil && !c.order.Less(after.seg, k.seg) {
			continue
		}
		path := clonePath(c.parentage, k)
		ok, err := matches(path, qs)
		if err != nil {
			return fail(err)
		}
		if ok {
			c.moveTo(path, false)
			return c.found(path)
		}
	}
	return Result{Status: EndOfDatabase}
}
