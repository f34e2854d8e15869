// Package sqlstore the tagged segment table on MySQL.
// All segment types of all DBDs share one table, tbl names the DBD.
// The auto increment id doubles as the sibling seq, so seq never repeats.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/dlistash/internal/segstore"
)

const schema = `CREATE TABLE IF NOT EXISTS dli_segment (
	tbl          VARCHAR(64)     NOT NULL,
	id           BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	parent_id    BIGINT UNSIGNED NOT NULL,
	segment_type VARCHAR(64)     NOT NULL,
	seg_key      VARBINARY(255)  NULL,
	raw_bytes    BLOB            NOT NULL,
	version      BIGINT UNSIGNED NOT NULL,
	PRIMARY KEY (id),
	KEY dli_segment_children (tbl, parent_id, id),
	UNIQUE KEY dli_segment_key (tbl, parent_id, segment_type, seg_key)
) ENGINE=InnoDB`

const selectColumns = `SELECT id, parent_id, segment_type, seg_key, raw_bytes, version FROM dli_segment`

// MySQL server error numbers
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errLockDeadlock    = 1213
)

var readOnly = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// Store segstore.Store on MySQL. Reads run in a read-only REPEATABLE READ
// transaction, writes lock rows FOR UPDATE and check the stored version.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration

	sugar *zap.SugaredLogger
}

var _ segstore.Store = (*Store)(nil)

// Open connects to dsn and creates the segment table if needed
func Open(ctx context.Context, dsn string, lockTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	const msg = "sqlstore.Open:"
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}

	s := &Store{
		db:          sql.OpenDB(connector),
		lockTimeout: lockTimeout,
		sugar:       logger.Sugar(),
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("%s %w", msg, mapError(err))
	}
	s.sugar.Infow(msg, "addr", cfg.Addr, "db", cfg.DBName)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// mapError folds driver errors into segstore errors
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return segstore.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout, errLockDeadlock:
			return fmt.Errorf("%w: %v", segstore.ErrLockTimeout, err)
		case errDupEntry:
			return fmt.Errorf("%w: %v", segstore.ErrDuplicateKey, err)
		}
		return fmt.Errorf("%w: %v", segstore.ErrUnavailable, err)
	}
	// bad connections, refused dials and closed pools alike
	return fmt.Errorf("%w: %v", segstore.ErrUnavailable, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(r rowScanner) (segstore.Segment, error) {
	var seg segstore.Segment
	err := r.Scan(&seg.ID, &seg.ParentID, &seg.Type, &seg.Key, &seg.Raw, &seg.Version)
	seg.Seq = seg.ID
	return seg, err
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// querier the common part of *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func children(ctx context.Context, q querier, table string, parentID uint64, lock bool) ([]segstore.Segment, error) {
	query := selectColumns + ` WHERE tbl = ? AND parent_id = ? ORDER BY id`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, table, parentID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var segs []segstore.Segment
	for rows.Next() {
		seg, err := scan(rows)
		if err != nil {
			return nil, mapError(err)
		}
		segs = append(segs, seg)
	}
	return segs, mapError(rows.Err())
}

func get(ctx context.Context, q querier, table string, id uint64, lock bool) (segstore.Segment, error) {
	query := selectColumns + ` WHERE tbl = ? AND id = ?`
	if lock {
		query += ` FOR UPDATE`
	}
	seg, err := scan(q.QueryRowContext(ctx, query, table, id))
	return seg, mapError(err)
}

func (s *Store) read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, readOnly)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return mapError(tx.Commit())
}

func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const msg = "sqlstore.write:"
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.lockTimeout > 0 {
		secs := int(s.lockTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		if _, err := tx.ExecContext(ctx, "SET SESSION innodb_lock_wait_timeout = ?", secs); err != nil {
			return mapError(err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		s.sugar.Errorw(msg, "err", err)
		return mapError(err)
	}
	return nil
}

func (s *Store) Children(ctx context.Context, table string, parentID uint64, order segstore.Order) ([]segstore.Segment, error) {
	var segs []segstore.Segment
	err := s.read(ctx, func(tx *sql.Tx) error {
		var err error
		segs, err = children(ctx, tx, table, parentID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	order.Sort(segs)
	return segs, nil
}

func (s *Store) Get(ctx context.Context, table string, id uint64) (segstore.Segment, error) {
	return get(ctx, s.db, table, id, false)
}

func (s *Store) FetchByKey(ctx context.Context, table string, path []segstore.KeyStep) ([]segstore.Segment, error) {
	var segs []segstore.Segment
	err := s.read(ctx, func(tx *sql.Tx) error {
		var err error
		segs, err = segstore.FetchByKeyFunc(path, func(parentID uint64) ([]segstore.Segment, error) {
			return children(ctx, tx, table, parentID, false)
		})
		return err
	})
	return segs, err
}

func (s *Store) Insert(ctx context.Context, table string, seg segstore.Segment) (segstore.Segment, error) {
	const msg = "sqlstore.Insert:"
	seg = seg.Clone()
	err := s.write(ctx, func(tx *sql.Tx) error {
		if seg.ParentID != segstore.RootParent {
			if _, err := get(ctx, tx, table, seg.ParentID, true); err != nil {
				if errors.Is(err, segstore.ErrNotFound) {
					return fmt.Errorf("%s %w: id %d", msg, segstore.ErrParentNotFound, seg.ParentID)
				}
				return err
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO dli_segment (tbl, parent_id, segment_type, seg_key, raw_bytes, version) VALUES (?, ?, ?, ?, ?, 1)`,
			table, seg.ParentID, seg.Type, nullBytes(seg.Key), seg.Raw)
		if err != nil {
			return fmt.Errorf("%s %w", msg, mapError(err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return mapError(err)
		}
		seg.ID = uint64(id)
		seg.Seq = seg.ID
		seg.Version = 1
		return nil
	})
	if err != nil {
		return segstore.Segment{}, err
	}
	s.sugar.Debugw(msg, "table", table, "segment", seg.String())
	return seg, nil
}

func (s *Store) Update(ctx context.Context, table string, id, version uint64, raw []byte) (segstore.Segment, error) {
	const msg = "sqlstore.Update:"
	var seg segstore.Segment
	err := s.write(ctx, func(tx *sql.Tx) error {
		cur, err := get(ctx, tx, table, id, true)
		if err != nil {
			return fmt.Errorf("%s %w: id %d", msg, err, id)
		}
		if cur.Version != version {
			return fmt.Errorf("%s %w: id %d v%d, stored v%d", msg, segstore.ErrVersionConflict, id, version, cur.Version)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE dli_segment SET raw_bytes = ?, version = version + 1 WHERE tbl = ? AND id = ? AND version = ?`,
			raw, table, id, version)
		if err != nil {
			return mapError(err)
		}
		cur.Raw = append([]byte(nil), raw...)
		cur.Version++
		seg = cur
		return nil
	})
	if err != nil {
		return segstore.Segment{}, err
	}
	s.sugar.Debugw(msg, "table", table, "segment", seg.String())
	return seg, nil
}

func (s *Store) Delete(ctx context.Context, table string, id, version uint64, rule segstore.DeleteRule) (int, error) {
	const msg = "sqlstore.Delete:"
	removed := 0
	err := s.write(ctx, func(tx *sql.Tx) error {
		cur, err := get(ctx, tx, table, id, true)
		if err != nil {
			return fmt.Errorf("%s %w: id %d", msg, err, id)
		}
		if cur.Version != version {
			return fmt.Errorf("%s %w: id %d v%d, stored v%d", msg, segstore.ErrVersionConflict, id, version, cur.Version)
		}

		ids := []uint64{id}
		for i := 0; i < len(ids); i++ {
			kids, err := children(ctx, tx, table, ids[i], true)
			if err != nil {
				return err
			}
			if i == 0 && rule == segstore.RejectDependents && len(kids) > 0 {
				return fmt.Errorf("%s %w: %s", msg, segstore.ErrHasDependents, cur.String())
			}
			for _, kid := range kids {
				ids = append(ids, kid.ID)
			}
		}

		args := make([]any, 0, len(ids)+1)
		args = append(args, table)
		for _, v := range ids {
			args = append(args, v)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		res, err := tx.ExecContext(ctx, `DELETE FROM dli_segment WHERE tbl = ? AND id IN (`+placeholders+`)`, args...)
		if err != nil {
			return mapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapError(err)
		}
		removed = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.sugar.Debugw(msg, "table", table, "id", id, "removed", removed)
	return removed, nil
}
