package dli

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/metadata"
	"github.com/S0me0neR0man/dlistash/internal/segstore"
	"github.com/S0me0neR0man/dlistash/internal/segstore/levelstore"
	"github.com/S0me0neR0man/dlistash/internal/segstore/memstore"
)

const testLayouts = `
layouts:
  - segment: CUSTOMER
    length: 10
    overlays:
      - name: CUSTOMER
        fields:
          - {name: CUSTNO, offset: 0, length: 4, type: char}
          - {name: NAME, offset: 4, length: 6, type: char}
      - name: CUSTALT
        fields:
          - {name: CUSTID, offset: 0, length: 4, type: char}
          - {name: REGION, offset: 4, length: 2, type: char}
  - segment: ORDER
    length: 8
    overlays:
      - name: ORDER
        fields:
          - {name: ORDNO, offset: 0, length: 4, type: char}
          - {name: QTY, offset: 4, length: 4, type: zoned}
  - segment: INVOICE
    length: 8
    overlays:
      - name: INVOICE
        fields:
          - {name: INVNO, offset: 0, length: 4, type: char}
          - {name: AMOUNT, offset: 4, length: 4, type: packed, scale: 2, signed: true}
  - segment: ITEM
    length: 4
    overlays:
      - name: ITEM
        fields:
          - {name: ITEMNO, offset: 0, length: 4, type: char}
`

// CUSTDB groups twins by declared type order, ORDER rejects deletes with items
const testDBD = `
dbd: CUSTDB
delete_rule: cascade
segments:
  - {name: CUSTOMER, key: [CUSTNO]}
  - {name: ORDER, parent: CUSTOMER, key: [ORDNO], delete_rule: reject}
  - {name: ITEM, parent: ORDER, key: [ITEMNO]}
  - {name: INVOICE, parent: CUSTOMER, key: [INVNO]}
`

// CUSTPHYS keeps twins in insertion order and cascades everywhere
const testPhysDBD = `
dbd: CUSTPHYS
sequence: physical
segments:
  - name: CUSTOMER
    key: [CUSTNO]
    children: [ORDER, INVOICE]
  - {name: ORDER, key: [ORDNO]}
  - {name: ITEM, parent: ORDER, key: [ITEMNO]}
  - {name: INVOICE, key: [INVNO]}
`

const testPSB = `
psb: CUSTPGM
pcbs:
  - {name: CUSTPCB, dbd: CUSTDB, procopt: A}
  - {name: PHYSPCB, dbd: CUSTPHYS, procopt: A}
  - name: READPCB
    dbd: CUSTDB
    procopt: G
    senseg:
      - {name: CUSTOMER}
      - {name: INVOICE}
`

var keyField = map[string]string{
	"CUSTOMER": "CUSTNO",
	"ORDER":    "ORDNO",
	"INVOICE":  "INVNO",
	"ITEM":     "ITEMNO",
}

func newEngine(t *testing.T, store segstore.Store) *Engine {
	t.Helper()
	catalog, err := metadata.LoadCatalog(fstest.MapFS{
		"cust.layout.yaml": {Data: []byte(testLayouts)},
		"cust.dbd.yaml":    {Data: []byte(testDBD)},
		"phys.dbd.yaml":    {Data: []byte(testPhysDBD)},
		"cust.psb.yaml":    {Data: []byte(testPSB)},
	})
	require.NoError(t, err)
	loader, err := metadata.NewLoader(catalog, 4, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(loader.Close)
	return NewEngine(loader, store, zap.NewNop())
}

func openProgram(t *testing.T, e *Engine) *Program {
	t.Helper()
	p, err := e.Open(context.Background(), "CUSTPGM")
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

var stores = map[string]func(t *testing.T) segstore.Store{
	"memstore": func(t *testing.T) segstore.Store {
		return memstore.New(zap.NewNop())
	},
	"levelstore": func(t *testing.T) segstore.Store {
		s, err := levelstore.OpenStorage(storage.NewMemStorage(), time.Second, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
}

func do(p *Program, code Code, pcb string, ssas ...SSA) Result {
	return p.Call(context.Background(), Call{Code: code, PCB: pcb, SSAs: ssas})
}

func isrt(t *testing.T, p *Program, pcb string, fields codec.Values, ssas ...SSA) *SegmentView {
	t.Helper()
	res := p.Call(context.Background(), Call{Code: ISRT, PCB: pcb, SSAs: ssas, IO: IOArea{Fields: fields}})
	require.Equal(t, OK, res.Status, "ISRT %v: %v", ssas, res.Err)
	return res.Segment
}

func label(v *SegmentView) string {
	return v.Type + "#" + v.Views[v.Type][keyField[v.Type]].(string)
}

func cust(no string) SSA {
	return Qualified("CUSTOMER", "CUSTNO", EQ, no)
}

func order(no string) SSA {
	return Qualified("ORDER", "ORDNO", EQ, no)
}

// seed loads through a program of its own, in this insertion order:
//
//	C1: ORDER O1 (ITEM I1, I2), INVOICE V1, ORDER O2 (ITEM I3)
//	C2: ORDER O3
func seed(t *testing.T, e *Engine, pcb string) {
	t.Helper()
	p, err := e.Open(context.Background(), "CUSTPGM")
	require.NoError(t, err)
	defer p.Close()

	isrt(t, p, pcb, codec.Values{"CUSTNO": "C1", "NAME": "ALICE"}, Unqualified("CUSTOMER"))
	isrt(t, p, pcb, codec.Values{"ORDNO": "O1", "QTY": 5}, cust("C1"), Unqualified("ORDER"))
	isrt(t, p, pcb, codec.Values{"ITEMNO": "I1"}, cust("C1"), order("O1"), Unqualified("ITEM"))
	isrt(t, p, pcb, codec.Values{"ITEMNO": "I2"}, cust("C1"), order("O1"), Unqualified("ITEM"))
	isrt(t, p, pcb, codec.Values{"INVNO": "V1", "AMOUNT": "12.50"}, cust("C1"), Unqualified("INVOICE"))
	isrt(t, p, pcb, codec.Values{"ORDNO": "O2", "QTY": 10}, cust("C1"), Unqualified("ORDER"))
	isrt(t, p, pcb, codec.Values{"ITEMNO": "I3"}, cust("C1"), order("O2"), Unqualified("ITEM"))
	isrt(t, p, pcb, codec.Values{"CUSTNO": "C2", "NAME": "BOB"}, Unqualified("CUSTOMER"))
	isrt(t, p, pcb, codec.Values{"ORDNO": "O3", "QTY": 7}, cust("C2"), Unqualified("ORDER"))
}

// collect repeats code until a non OK status and returns the labels seen
func collect(t *testing.T, p *Program, code Code, pcb string, ssas ...SSA) []string {
	t.Helper()
	var out []string
	for i := 0; i < 100; i++ {
		res := do(p, code, pcb, ssas...)
		if res.Status != OK {
			require.Equal(t, EndOfDatabase, res.Status, "after %v: %v", out, res.Err)
			return out
		}
		out = append(out, label(res.Segment))
	}
	t.Fatalf("%s did not end: %v", code, out)
	return nil
}

// faultStore injects storage errors and counts writes
type faultStore struct {
	segstore.Store

	mu     sync.Mutex
	err    error
	writes atomic.Int32
}

func (f *faultStore) inject(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *faultStore) fault() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *faultStore) Children(ctx context.Context, table string, parentID uint64, order segstore.Order) ([]segstore.Segment, error) {
	if err := f.fault(); err != nil {
		return nil, err
	}
	return f.Store.Children(ctx, table, parentID, order)
}

func (f *faultStore) Get(ctx context.Context, table string, id uint64) (segstore.Segment, error) {
	if err := f.fault(); err != nil {
		return segstore.Segment{}, err
	}
	return f.Store.Get(ctx, table, id)
}

func (f *faultStore) Insert(ctx context.Context, table string, seg segstore.Segment) (segstore.Segment, error) {
	f.writes.Add(1)
	return f.Store.Insert(ctx, table, seg)
}

func (f *faultStore) Update(ctx context.Context, table string, id, version uint64, raw []byte) (segstore.Segment, error) {
	f.writes.Add(1)
	if err := f.fault(); err != nil {
		return segstore.Segment{}, err
	}
	return f.Store.Update(ctx, table, id, version, raw)
}

func (f *faultStore) Delete(ctx context.Context, table string, id, version uint64, rule segstore.DeleteRule) (int, error) {
	f.writes.Add(1)
	if err := f.fault(); err != nil {
		return 0, err
	}
	return f.Store.Delete(ctx, table, id, version, rule)
}
