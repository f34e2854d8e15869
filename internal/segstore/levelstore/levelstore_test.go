package levelstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/dlistash/internal/segstore"
	"github.com/S0me0neR0man/dlistash/internal/segstore/storetest"
)

func openMem(t *testing.T) *Store {
	s, err := OpenStorage(storage.NewMemStorage(), time.Second, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) segstore.Store {
		return openMem(t)
	})
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, time.Second, zap.NewNop())
	require.NoError(t, err)
	cust, err := s.Insert(ctx, "CUSTDB", segstore.Segment{Type: "CUSTOMER", Key: []byte("C001"), Raw: []byte("C001ALICE ")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, time.Second, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "CUSTDB", cust.ID)
	require.NoError(t, err)
	require.Equal(t, cust, got)

	next, err := s.Insert(ctx, "CUSTDB", segstore.Segment{Type: "CUSTOMER", Key: []byte("C002"), Raw: []byte("C002BOB   ")})
	require.NoError(t, err)
	require.Greater(t, next.ID, cust.ID)
	require.Greater(t, next.Seq, cust.Seq)
}

func TestStore_LockTimeout(t *testing.T) {
	s := openMem(t)
	defer s.Close()
	s.lockTimeout = 20 * time.Millisecond

	// hold the writer slot as a concurrent long write would
	s.writeSem <- struct{}{}
	defer func() { <-s.writeSem }()

	_, err := s.Insert(context.Background(), "CUSTDB", segstore.Segment{Type: "CUSTOMER", Raw: []byte("x")})
	require.ErrorIs(t, err, segstore.ErrLockTimeout)

	// reads are not blocked by writers
	_, err = s.Children(context.Background(), "CUSTDB", segstore.RootParent, segstore.Order{})
	require.NoError(t, err)
}

func TestStore_Closed(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "CUSTDB", 1)
	require.ErrorIs(t, err, segstore.ErrUnavailable)
}

func TestDecode_Corrupted(t *testing.T) {
	_, err := decode(rowKey("CUSTDB", 0, 1), []byte("not snappy"))
	require.ErrorIs(t, err, segstore.ErrUnavailable)
}
