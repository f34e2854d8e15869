// Package storetest behaviour checks every segstore.Store adapter must pass
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/S0me0neR0man/dlistash/internal/segstore"
)

const table = "CUSTDB"

// Run runs the suite, open returns an empty store
func Run(t *testing.T, open func(t *testing.T) segstore.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s segstore.Store)
	}{
		{"InsertAndChildren", testInsertAndChildren},
		{"RankedOrder", testRankedOrder},
		{"Get", testGet},
		{"ParentNotFound", testParentNotFound},
		{"DuplicateKey", testDuplicateKey},
		{"FetchByKey", testFetchByKey},
		{"Update", testUpdate},
		{"DeleteCascade", testDeleteCascade},
		{"DeleteReject", testDeleteReject},
		{"SeqNotReused", testSeqNotReused},
		{"TablesIsolated", testTablesIsolated},
		{"ConcurrentInsert", testConcurrentInsert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func insert(t *testing.T, s segstore.Store, parent uint64, typ, key string) segstore.Segment {
	t.Helper()
	var k []byte
	if key != "" {
		k = []byte(key)
	}
	seg, err := s.Insert(context.Background(), table, segstore.Segment{
		ParentID: parent,
		Type:     typ,
		Key:      k,
		Raw:      []byte(typ + ":" + key),
	})
	require.NoError(t, err)
	return seg
}

func types(segs []segstore.Segment) []string {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.Type+"#"+string(s.Key))
	}
	return out
}

func testInsertAndChildren(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	cust := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")
	require.NotZero(t, cust.ID)
	require.Equal(t, uint64(1), cust.Version)

	insert(t, s, cust.ID, "ORDER", "O001")
	insert(t, s, cust.ID, "INVOICE", "I001")
	insert(t, s, cust.ID, "ORDER", "O002")

	segs, err := s.Children(ctx, table, cust.ID, segstore.Order{})
	require.NoError(t, err)
	require.Equal(t, []string{"ORDER#O001", "INVOICE#I001", "ORDER#O002"}, types(segs))
	require.Less(t, segs[0].Seq, segs[1].Seq)
	require.Less(t, segs[1].Seq, segs[2].Seq)
	require.Equal(t, []byte("INVOICE:I001"), segs[1].Raw)

	roots, err := s.Children(ctx, table, segstore.RootParent, segstore.Order{})
	require.NoError(t, err)
	require.Equal(t, []string{"CUSTOMER#C001"}, types(roots))

	none, err := s.Children(ctx, "EMPTYDB", segstore.RootParent, segstore.Order{})
	require.NoError(t, err)
	require.Empty(t, none)
}

func testRankedOrder(t *testing.T, s segstore.Store) {
	cust := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")
	insert(t, s, cust.ID, "ORDER", "O001")
	insert(t, s, cust.ID, "INVOICE", "I001")
	insert(t, s, cust.ID, "ORDER", "O002")

	segs, err := s.Children(context.Background(), table, cust.ID, segstore.Order{Ranks: map[string]int{"ORDER": 0, "INVOICE": 1}})
	require.NoError(t, err)
	require.Equal(t, []string{"ORDER#O001", "ORDER#O002", "INVOICE#I001"}, types(segs))
}

func testGet(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	cust := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")

	got, err := s.Get(ctx, table, cust.ID)
	require.NoError(t, err)
	require.Equal(t, cust, got)

	// callers never alias stored bytes
	got.Raw[0] = 'X'
	again, err := s.Get(ctx, table, cust.ID)
	require.NoError(t, err)
	require.Equal(t, cust.Raw, again.Raw)

	_, err = s.Get(ctx, table, cust.ID+100)
	require.ErrorIs(t, err, segstore.ErrNotFound)
}

func testParentNotFound(t *testing.T, s segstore.Store) {
	_, err := s.Insert(context.Background(), table, segstore.Segment{ParentID: 42, Type: "ORDER", Raw: []byte("x")})
	require.ErrorIs(t, err, segstore.ErrParentNotFound)
}

func testDuplicateKey(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	c1 := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")
	c2 := insert(t, s, segstore.RootParent, "CUSTOMER", "C002")
	insert(t, s, c1.ID, "ORDER", "O001")

	_, err := s.Insert(ctx, table, segstore.Segment{ParentID: c1.ID, Type: "ORDER", Key: []byte("O001"), Raw: []byte("x")})
	require.ErrorIs(t, err, segstore.ErrDuplicateKey)

	// same key under another parent or another type is fine
	insert(t, s, c2.ID, "ORDER", "O001")
	insert(t, s, c1.ID, "INVOICE", "O001")

	// unkeyed segments never collide
	insert(t, s, c1.ID, "NOTE", "")
	insert(t, s, c1.ID, "NOTE", "")
}

func testFetchByKey(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	c1 := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")
	c2 := insert(t, s, segstore.RootParent, "CUSTOMER", "C002")
	insert(t, s, c1.ID, "ORDER", "O001")
	o2 := insert(t, s, c2.ID, "ORDER", "O001")

	got, err := s.FetchByKey(ctx, table, []segstore.KeyStep{
		{Type: "CUSTOMER", Key: []byte("C002")},
		{Type: "ORDER", Key: []byte("O001")},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, c2.ID, got[0].ID)
	require.Equal(t, o2.ID, got[1].ID)

	_, err = s.FetchByKey(ctx, table, []segstore.KeyStep{
		{Type: "CUSTOMER", Key: []byte("C003")},
	})
	require.ErrorIs(t, err, segstore.ErrNotFound)

	_, err = s.FetchByKey(ctx, table, nil)
	require.ErrorIs(t, err, segstore.ErrNotFound)
}

func testUpdate(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	cust := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")

	upd, err := s.Update(ctx, table, cust.ID, cust.Version, []byte("CUSTOMER:NEW"))
	require.NoError(t, err)
	require.Equal(t, cust.Version+1, upd.Version)
	require.Equal(t, cust.Seq, upd.Seq)
	require.Equal(t, cust.Key, upd.Key)

	got, err := s.Get(ctx, table, cust.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("CUSTOMER:NEW"), got.Raw)

	_, err = s.Update(ctx, table, cust.ID, cust.Version, []byte("stale"))
	require.ErrorIs(t, err, segstore.ErrVersionConflict)

	_, err = s.Update(ctx, table, cust.ID+100, 1, []byte("gone"))
	require.ErrorIs(t, err, segstore.ErrNotFound)
}

func testDeleteCascade(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	c1 := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")
	c2 := insert(t, s, segstore.RootParent, "CUSTOMER", "C002")
	o1 := insert(t, s, c1.ID, "ORDER", "O001")
	insert(t, s, o1.ID, "ITEM", "I001")
	insert(t, s, o1.ID, "ITEM", "I002")
	insert(t, s, c1.ID, "INVOICE", "V001")
	o2 := insert(t, s, c2.ID, "ORDER", "O001")

	_, err := s.Delete(ctx, table, c1.ID, c1.Version+1, segstore.Cascade)
	require.ErrorIs(t, err, segstore.ErrVersionConflict)

	n, err := s.Delete(ctx, table, c1.ID, c1.Version, segstore.Cascade)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	_, err = s.Get(ctx, table, o1.ID)
	require.ErrorIs(t, err, segstore.ErrNotFound)
	roots, err := s.Children(ctx, table, segstore.RootParent, segstore.Order{})
	require.NoError(t, err)
	require.Equal(t, []string{"CUSTOMER#C002"}, types(roots))

	_, err = s.Get(ctx, table, o2.ID)
	require.NoError(t, err)

	_, err = s.Delete(ctx, table, c1.ID, c1.Version, segstore.Cascade)
	require.ErrorIs(t, err, segstore.ErrNotFound)
}

func testDeleteReject(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	cust := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")
	ord := insert(t, s, cust.ID, "ORDER", "O001")

	_, err := s.Delete(ctx, table, cust.ID, cust.Version, segstore.RejectDependents)
	require.ErrorIs(t, err, segstore.ErrHasDependents)

	n, err := s.Delete(ctx, table, ord.ID, ord.Version, segstore.RejectDependents)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.Delete(ctx, table, cust.ID, cust.Version, segstore.RejectDependents)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testSeqNotReused(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	cust := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")
	o1 := insert(t, s, cust.ID, "ORDER", "O001")
	o2 := insert(t, s, cust.ID, "ORDER", "O002")

	_, err := s.Delete(ctx, table, o2.ID, o2.Version, segstore.Cascade)
	require.NoError(t, err)
	o3 := insert(t, s, cust.ID, "ORDER", "O003")
	require.Greater(t, o3.Seq, o2.Seq)
	require.NotEqual(t, o2.ID, o3.ID)

	segs, err := s.Children(ctx, table, cust.ID, segstore.Order{})
	require.NoError(t, err)
	require.Equal(t, []uint64{o1.ID, o3.ID}, []uint64{segs[0].ID, segs[1].ID})
}

func testTablesIsolated(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	cust := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")

	other, err := s.Insert(ctx, "PARTDB", segstore.Segment{Type: "PART", Key: []byte("P001"), Raw: []byte("p")})
	require.NoError(t, err)

	roots, err := s.Children(ctx, "PARTDB", segstore.RootParent, segstore.Order{})
	require.NoError(t, err)
	require.Equal(t, []string{"PART#P001"}, types(roots))

	got, err := s.Get(ctx, table, cust.ID)
	require.NoError(t, err)
	require.Equal(t, "CUSTOMER", got.Type)
	if other.ID != cust.ID {
		_, err = s.Get(ctx, table, other.ID)
		require.ErrorIs(t, err, segstore.ErrNotFound)
	}
}

func testConcurrentInsert(t *testing.T, s segstore.Store) {
	ctx := context.Background()
	cust := insert(t, s, segstore.RootParent, "CUSTOMER", "C001")

	const workers, perWorker = 8, 25
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uint64]bool)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seg, err := s.Insert(ctx, table, segstore.Segment{ParentID: cust.ID, Type: "NOTE", Raw: []byte("n")})
				require.NoError(t, err)
				mu.Lock()
				ids[seg.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, ids, workers*perWorker)

	segs, err := s.Children(ctx, table, cust.ID, segstore.Order{})
	require.NoError(t, err)
	require.Len(t, segs, workers*perWorker)
	for i := 1; i < len(segs); i++ {
		require.Less(t, segs[i-1].Seq, segs[i].Seq)
	}
}
