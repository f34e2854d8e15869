// Package levelstore the tagged segment table on an embedded LevelDB.
//
// Key layout, all integers BigEndian so byte order is row order:
//
//	r/<table>/<parent 8><seq 8>  -> snappy(gob(record))
//	i/<table>/<id 8>             -> <parent 8><seq 8>
//	c/<table>/id                 -> last id
//	c/<table>/s<parent 8>        -> last seq under parent
package levelstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/dlistash/internal/segstore"
)

const defaultLockTimeout = 5 * time.Second

type record struct {
	ID      uint64
	Type    string
	Key     []byte
	Raw     []byte
	Version uint64
}

// reader the common part of leveldb.Snapshot and leveldb.Transaction
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Store segstore.Store on goleveldb. Reads use a snapshot per call, writes
// run in one transaction each, serialized by writeSem.
type Store struct {
	db          *leveldb.DB
	writeSem    chan struct{}
	lockTimeout time.Duration

	sugar *zap.SugaredLogger
}

var _ segstore.Store = (*Store)(nil)

// Open opens or creates the database directory path
func Open(path string, lockTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, options())
	if err != nil {
		return nil, fmt.Errorf("levelstore.Open: %w: %v", segstore.ErrUnavailable, err)
	}
	return newStore(db, lockTimeout, logger), nil
}

// OpenStorage opens the database on stor, storage.NewMemStorage() for tests
func OpenStorage(stor storage.Storage, lockTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	db, err := leveldb.Open(stor, options())
	if err != nil {
		return nil, fmt.Errorf("levelstore.OpenStorage: %w: %v", segstore.ErrUnavailable, err)
	}
	return newStore(db, lockTimeout, logger), nil
}

func options() *opt.Options {
	return &opt.Options{
		// records are snappy encoded already
		Compression: opt.NoCompression,
		Strict:      opt.DefaultStrict,
	}
}

func newStore(db *leveldb.DB, lockTimeout time.Duration, logger *zap.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{
		db:          db,
		writeSem:    make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		sugar:       logger.Sugar(),
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rowPrefix(table string, parentID uint64) []byte {
	b := make([]byte, 0, len(table)+11)
	b = append(b, "r/"...)
	b = append(b, table...)
	b = append(b, '/')
	return binary.BigEndian.AppendUint64(b, parentID)
}

func rowKey(table string, parentID, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(rowPrefix(table, parentID), seq)
}

func idKey(table string, id uint64) []byte {
	b := make([]byte, 0, len(table)+11)
	b = append(b, "i/"...)
	b = append(b, table...)
	b = append(b, '/')
	return binary.BigEndian.AppendUint64(b, id)
}

func idCounterKey(table string) []byte {
	return []byte("c/" + table + "/id")
}

func seqCounterKey(table string, parentID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("c/"+table+"/s"), parentID)
}

func encode(seg segstore.Segment) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(record{
		ID:      seg.ID,
		Type:    seg.Type,
		Key:     seg.Key,
		Raw:     seg.Raw,
		Version: seg.Version,
	})
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

func decode(key, value []byte) (segstore.Segment, error) {
	plain, err := snappy.Decode(nil, value)
	if err != nil {
		return segstore.Segment{}, fmt.Errorf("%w: %v", segstore.ErrUnavailable, err)
	}
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&rec); err != nil {
		return segstore.Segment{}, fmt.Errorf("%w: %v", segstore.ErrUnavailable, err)
	}
	n := len(key)
	return segstore.Segment{
		ID:       rec.ID,
		ParentID: binary.BigEndian.Uint64(key[n-16 : n-8]),
		Seq:      binary.BigEndian.Uint64(key[n-8:]),
		Type:     rec.Type,
		Key:      rec.Key,
		Raw:      rec.Raw,
		Version:  rec.Version,
	}, nil
}

// mapError folds goleveldb errors into segstore errors
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return segstore.ErrNotFound
	case errors.Is(err, leveldb.ErrClosed), errors.Is(err, leveldb.ErrSnapshotReleased),
		errors.Is(err, leveldb.ErrIterReleased), lerrors.IsCorrupted(err):
		return fmt.Errorf("%w: %v", segstore.ErrUnavailable, err)
	}
	return err
}

func children(r reader, table string, parentID uint64) ([]segstore.Segment, error) {
	it := r.NewIterator(util.BytesPrefix(rowPrefix(table, parentID)), nil)
	defer it.Release()

	var segs []segstore.Segment
	for it.Next() {
		seg, err := decode(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, mapError(it.Error())
}

func lookupID(r reader, table string, id uint64) ([]byte, segstore.Segment, error) {
	loc, err := r.Get(idKey(table, id), nil)
	if err != nil {
		return nil, segstore.Segment{}, mapError(err)
	}
	key := append(rowPrefix(table, binary.BigEndian.Uint64(loc[:8])), loc[8:]...)
	value, err := r.Get(key, nil)
	if err != nil {
		return nil, segstore.Segment{}, mapError(err)
	}
	seg, err := decode(key, value)
	return key, seg, err
}

// snapshot runs fn on a consistent view of the database
func (s *Store) snapshot(ctx context.Context, fn func(r reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return mapError(err)
	}
	defer snap.Release()
	return fn(snap)
}

// write runs fn in a transaction, committed when fn returns nil
func (s *Store) write(ctx context.Context, fn func(tr *leveldb.Transaction) error) error {
	const msg = "levelstore.write:"
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s %w after %s", msg, segstore.ErrLockTimeout, s.lockTimeout)
	}
	defer func() { <-s.writeSem }()

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return mapError(err)
	}
	if err := fn(tr); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		s.sugar.Errorw(msg, "err", err)
		return mapError(err)
	}
	return nil
}

func (s *Store) Children(ctx context.Context, table string, parentID uint64, order segstore.Order) ([]segstore.Segment, error) {
	var segs []segstore.Segment
	err := s.snapshot(ctx, func(r reader) error {
		var err error
		segs, err = children(r, table, parentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	order.Sort(segs)
	return segs, nil
}

func (s *Store) Get(ctx context.Context, table string, id uint64) (segstore.Segment, error) {
	var seg segstore.Segment
	err := s.snapshot(ctx, func(r reader) error {
		var err error
		_, seg, err = lookupID(r, table, id)
		return err
	})
	return seg, err
}

func (s *Store) FetchByKey(ctx context.Context, table string, path []segstore.KeyStep) ([]segstore.Segment, error) {
	var segs []segstore.Segment
	err := s.snapshot(ctx, func(r reader) error {
		var err error
		segs, err = segstore.FetchByKeyFunc(path, func(parentID uint64) ([]segstore.Segment, error) {
			return children(r, table, parentID)
		})
		return err
	})
	return segs, err
}

func nextValue(tr *leveldb.Transaction, key []byte) (uint64, error) {
	var v uint64
	cur, err := tr.Get(key, nil)
	switch {
	case err == nil:
		v = binary.BigEndian.Uint64(cur)
	case !errors.Is(err, leveldb.ErrNotFound):
		return 0, mapError(err)
	}
	v++
	return v, tr.Put(key, binary.BigEndian.AppendUint64(nil, v), nil)
}

func (s *Store) Insert(ctx context.Context, table string, seg segstore.Segment) (segstore.Segment, error) {
	const msg = "levelstore.Insert:"
	seg = seg.Clone()
	err := s.write(ctx, func(tr *leveldb.Transaction) error {
		r := tr
		if seg.ParentID != segstore.RootParent {
			if _, _, err := lookupID(r, table, seg.ParentID); err != nil {
				if errors.Is(err, segstore.ErrNotFound) {
					return fmt.Errorf("%s %w: id %d", msg, segstore.ErrParentNotFound, seg.ParentID)
				}
				return err
			}
		}
		siblings, err := children(r, table, seg.ParentID)
		if err != nil {
			return err
		}
		if segstore.HasKeySibling(siblings, seg) {
			return fmt.Errorf("%s %w: %s", msg, segstore.ErrDuplicateKey, seg.Type)
		}

		if seg.ID, err = nextValue(tr, idCounterKey(table)); err != nil {
			return err
		}
		if seg.Seq, err = nextValue(tr, seqCounterKey(table, seg.ParentID)); err != nil {
			return err
		}
		seg.Version = 1

		value, err := encode(seg)
		if err != nil {
			return err
		}
		if err := tr.Put(rowKey(table, seg.ParentID, seg.Seq), value, nil); err != nil {
			return mapError(err)
		}
		loc := binary.BigEndian.AppendUint64(binary.BigEndian.AppendUint64(nil, seg.ParentID), seg.Seq)
		return mapError(tr.Put(idKey(table, seg.ID), loc, nil))
	})
	if err != nil {
		return segstore.Segment{}, err
	}
	s.sugar.Debugw(msg, "table", table, "segment", seg.String())
	return seg, nil
}

func (s *Store) Update(ctx context.Context, table string, id, version uint64, raw []byte) (segstore.Segment, error) {
	const msg = "levelstore.Update:"
	var seg segstore.Segment
	err := s.write(ctx, func(tr *leveldb.Transaction) error {
		key, cur, err := lookupID(tr, table, id)
		if err != nil {
			return fmt.Errorf("%s %w: id %d", msg, err, id)
		}
		if cur.Version != version {
			return fmt.Errorf("%s %w: id %d v%d, stored v%d", msg, segstore.ErrVersionConflict, id, version, cur.Version)
		}
		cur.Raw = append([]byte(nil), raw...)
		cur.Version++
		value, err := encode(cur)
		if err != nil {
			return err
		}
		seg = cur
		return mapError(tr.Put(key, value, nil))
	})
	if err != nil {
		return segstore.Segment{}, err
	}
	s.sugar.Debugw(msg, "table", table, "segment", seg.String())
	return seg, nil
}

func (s *Store) Delete(ctx context.Context, table string, id, version uint64, rule segstore.DeleteRule) (int, error) {
	const msg = "levelstore.Delete:"
	removed := 0
	err := s.write(ctx, func(tr *leveldb.Transaction) error {
		r := tr
		key, cur, err := lookupID(r, table, id)
		if err != nil {
			return fmt.Errorf("%s %w: id %d", msg, err, id)
		}
		if cur.Version != version {
			return fmt.Errorf("%s %w: id %d v%d, stored v%d", msg, segstore.ErrVersionConflict, id, version, cur.Version)
		}

		keys := [][]byte{key}
		ids := []uint64{id}
		for i := 0; i < len(ids); i++ {
			kids, err := children(r, table, ids[i])
			if err != nil {
				return err
			}
			if i == 0 && rule == segstore.RejectDependents && len(kids) > 0 {
				return fmt.Errorf("%s %w: %s", msg, segstore.ErrHasDependents, cur.String())
			}
			for _, kid := range kids {
				keys = append(keys, rowKey(table, kid.ParentID, kid.Seq))
				ids = append(ids, kid.ID)
			}
		}

		for i, k := range keys {
			if err := tr.Delete(k, nil); err != nil {
				return mapError(err)
			}
			if err := tr.Delete(idKey(table, ids[i]), nil); err != nil {
				return mapError(err)
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.sugar.Debugw(msg, "table", table, "id", id, "removed", removed)
	return removed, nil
}
