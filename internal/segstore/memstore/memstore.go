// Package memstore the in-memory tagged segment table.
// Rows are ordered by a synthetic key (see Key type) held in a red-black tree.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/S0me0neR0man/dlistash/internal/segstore"
)

// idCounterParent parent slot of the per table id counter, never a real id
const idCounterParent uint64 = math.MaxUint64

type idKey struct {
	table uint32
	id    uint64
}

// Store thread safe in-memory segstore.Store.
// Readers share mu, writers hold it exclusively, so every call sees one state.
type Store struct {
	redBlackTree
	m  sync.Map // Key -> segstore.Segment, counter keys -> *uint64
	mu sync.RWMutex

	ids sync.Map // idKey -> Key

	tables    map[string]uint32
	tablesSFG singleflight.Group
	tablesMu  sync.Mutex

	closed atomic.Bool
	sugar  *zap.SugaredLogger
}

var _ segstore.Store = (*Store)(nil)

func New(logger *zap.Logger) *Store {
	return &Store{
		redBlackTree: redBlackTree{},
		tables:       make(map[string]uint32),
		sugar:        logger.Sugar(),
	}
}

// Len number of stored segments in every table
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("memstore: %w: closed", segstore.ErrUnavailable)
	}
	return ctx.Err()
}

// tableNo returns the table number, create registers unknown tables
func (s *Store) tableNo(table string, create bool) (uint32, bool) {
	s.tablesMu.Lock()
	no, ok := s.tables[table]
	s.tablesMu.Unlock()
	if ok || !create {
		return no, ok
	}

	res, _, shared := s.tablesSFG.Do(table, func() (interface{}, error) {
		s.tablesMu.Lock()
		defer s.tablesMu.Unlock()
		no, ok := s.tables[table]
		if !ok {
			no = uint32(len(s.tables) + 1)
			s.tables[table] = no
		}
		return no, nil
	})
	s.sugar.Debugw("tableNo", "table", table, "no", res, "shared", shared)
	return res.(uint32), true
}

// nextValue increments the counter stored under key
func (s *Store) nextValue(key Key) uint64 {
	var first uint64 = 1
	v, loaded := s.m.LoadOrStore(key, &first)
	if !loaded {
		return first
	}
	return atomic.AddUint64(v.(*uint64), 1)
}

func (s *Store) load(key Key) (segstore.Segment, bool) {
	v, ok := s.m.Load(key)
	if !ok {
		return segstore.Segment{}, false
	}
	seg, ok := v.(segstore.Segment)
	return seg, ok
}

func (s *Store) lookupID(table uint32, id uint64) (Key, segstore.Segment, bool) {
	v, ok := s.ids.Load(idKey{table: table, id: id})
	if !ok {
		return Key{}, segstore.Segment{}, false
	}
	key := v.(Key)
	seg, ok := s.load(key)
	return key, seg, ok
}

// children collects direct children in physical order, caller holds mu
func (s *Store) children(table uint32, parentID uint64) []segstore.Segment {
	var segs []segstore.Segment
	for n := s.ceiling(NewKey(table, parentID, 0)); n != nil; n = n.next() {
		if n.key.Table() != table || n.key.Parent() != parentID {
			break
		}
		if seg, ok := s.load(n.key); ok {
			segs = append(segs, seg)
		}
	}
	return segs
}

func (s *Store) Children(ctx context.Context, table string, parentID uint64, order segstore.Order) ([]segstore.Segment, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	no, ok := s.tableNo(table, false)
	if !ok {
		return nil, nil
	}

	s.mu.RLock()
	segs := s.children(no, parentID)
	s.mu.RUnlock()

	for i := range segs {
		segs[i] = segs[i].Clone()
	}
	order.Sort(segs)
	return segs, nil
}

func (s *Store) Get(ctx context.Context, table string, id uint64) (segstore.Segment, error) {
	if err := s.check(ctx); err != nil {
		return segstore.Segment{}, err
	}
	no, ok := s.tableNo(table, false)
	if !ok {
		return segstore.Segment{}, segstore.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, seg, ok := s.lookupID(no, id)
	if !ok {
		return segstore.Segment{}, segstore.ErrNotFound
	}
	return seg.Clone(), nil
}

func (s *Store) FetchByKey(ctx context.Context, table string, path []segstore.KeyStep) ([]segstore.Segment, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	no, ok := s.tableNo(table, false)
	if !ok {
		return nil, segstore.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	segs, err := segstore.FetchByKeyFunc(path, func(parentID uint64) ([]segstore.Segment, error) {
		return s.children(no, parentID), nil
	})
	if err != nil {
		return nil, err
	}
	for i := range segs {
		segs[i] = segs[i].Clone()
	}
	return segs, nil
}

func (s *Store) Insert(ctx context.Context, table string, seg segstore.Segment) (segstore.Segment, error) {
	const msg = "memstore.Insert:"
	if err := s.check(ctx); err != nil {
		return segstore.Segment{}, err
	}
	no, _ := s.tableNo(table, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	if seg.ParentID != segstore.RootParent {
		if _, _, ok := s.lookupID(no, seg.ParentID); !ok {
			return segstore.Segment{}, fmt.Errorf("%s %w: id %d", msg, segstore.ErrParentNotFound, seg.ParentID)
		}
	}
	if segstore.HasKeySibling(s.children(no, seg.ParentID), seg) {
		return segstore.Segment{}, fmt.Errorf("%s %w: %s", msg, segstore.ErrDuplicateKey, seg.Type)
	}

	seg = seg.Clone()
	seg.ID = s.nextValue(NewKey(no, idCounterParent, 0))
	seg.Seq = s.nextValue(NewKey(no, seg.ParentID, 0))
	seg.Version = 1

	key := NewKey(no, seg.ParentID, seg.Seq)
	s.m.Store(key, seg)
	s.ids.Store(idKey{table: no, id: seg.ID}, key)
	s.put(key)

	s.sugar.Debugw(msg, "table", table, "segment", seg.String())
	return seg.Clone(), nil
}

func (s *Store) Update(ctx context.Context, table string, id, version uint64, raw []byte) (segstore.Segment, error) {
	const msg = "memstore.Update:"
	if err := s.check(ctx); err != nil {
		return segstore.Segment{}, err
	}
	no, ok := s.tableNo(table, false)
	if !ok {
		return segstore.Segment{}, segstore.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, seg, ok := s.lookupID(no, id)
	if !ok {
		return segstore.Segment{}, fmt.Errorf("%s %w: id %d", msg, segstore.ErrNotFound, id)
	}
	if seg.Version != version {
		return segstore.Segment{}, fmt.Errorf("%s %w: id %d v%d, stored v%d", msg, segstore.ErrVersionConflict, id, version, seg.Version)
	}

	seg.Raw = append([]byte(nil), raw...)
	seg.Version++
	s.m.Store(key, seg)

	s.sugar.Debugw(msg, "table", table, "segment", seg.String())
	return seg.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, table string, id, version uint64, rule segstore.DeleteRule) (int, error) {
	const msg = "memstore.Delete:"
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	no, ok := s.tableNo(table, false)
	if !ok {
		return 0, segstore.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, seg, ok := s.lookupID(no, id)
	if !ok {
		return 0, fmt.Errorf("%s %w: id %d", msg, segstore.ErrNotFound, id)
	}
	if seg.Version != version {
		return 0, fmt.Errorf("%s %w: id %d v%d, stored v%d", msg, segstore.ErrVersionConflict, id, version, seg.Version)
	}
	if rule == segstore.RejectDependents && len(s.children(no, id)) > 0 {
		return 0, fmt.Errorf("%s %w: %s", msg, segstore.ErrHasDependents, seg.String())
	}

	// collect the subtree first, removal rebalances the tree
	keys := []Key{key}
	ids := []uint64{id}
	for i := 0; i < len(ids); i++ {
		for _, child := range s.children(no, ids[i]) {
			keys = append(keys, NewKey(no, child.ParentID, child.Seq))
			ids = append(ids, child.ID)
		}
	}
	for i, k := range keys {
		s.remove(k)
		s.m.Delete(k)
		s.ids.Delete(idKey{table: no, id: ids[i]})
	}

	s.sugar.Debugw(msg, "table", table, "segment", seg.String(), "removed", len(keys))
	return len(keys), nil
}
