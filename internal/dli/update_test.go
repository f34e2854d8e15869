package dli

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/segstore/memstore"
)

func repl(p *Program, pcb string, io IOArea) Result {
	return p.Call(context.Background(), Call{Code: REPL, PCB: pcb, IO: io})
}

func qty(t *testing.T, p *Program, ssas ...SSA) decimal.Decimal {
	t.Helper()
	res := do(p, GU, "CUSTPCB", ssas...)
	require.Equal(t, OK, res.Status, res.Err)
	return res.Segment.Views["ORDER"]["QTY"].(decimal.Decimal)
}

func TestReplace(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)

	require.Equal(t, OK, do(p, GHU, "CUSTPCB", cust("C1"), order("O1")).Status)
	res := repl(p, "CUSTPCB", IOArea{Fields: codec.Values{"QTY": 42}})
	require.Equal(t, OK, res.Status, res.Err)
	require.True(t, decimal.NewFromInt(42).Equal(qty(t, p, cust("C1"), order("O1"))))

	// the cursor carries the new version, a second REPL needs no reread
	res = repl(p, "CUSTPCB", IOArea{Fields: codec.Values{"QTY": 43}})
	require.Equal(t, OK, res.Status, res.Err)
	res = repl(p, "CUSTPCB", IOArea{Fields: codec.Values{"QTY": 44}})
	require.Equal(t, OK, res.Status, res.Err)
	require.True(t, decimal.NewFromInt(44).Equal(qty(t, p, cust("C1"), order("O1"))))

	pos, err := p.Position("CUSTPCB")
	require.NoError(t, err)
	require.Equal(t, "ORDER", pos.Path[1].Type)
}

func TestReplace_Overlay(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)

	require.Equal(t, OK, do(p, GHU, "CUSTPCB", cust("C1")).Status)
	res := repl(p, "CUSTPCB", IOArea{Overlay: "CUSTALT", Fields: codec.Values{"REGION": "EU"}})
	require.Equal(t, OK, res.Status, res.Err)

	res = do(p, GU, "CUSTPCB", cust("C1"))
	require.Equal(t, OK, res.Status)
	require.Equal(t, "EUICE", res.Segment.Views["CUSTOMER"]["NAME"])

	res = repl(p, "CUSTPCB", IOArea{Overlay: "NOPE", Fields: codec.Values{"REGION": "EU"}})
	require.Equal(t, InvalidCall, res.Status)
}

func TestReplace_Unpositioned(t *testing.T) {
	store := &faultStore{Store: memstore.New(zap.NewNop())}
	e := newEngine(t, store)
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)
	writes := store.writes.Load()

	res := repl(p, "CUSTPCB", IOArea{Fields: codec.Values{"QTY": 1}})
	require.Equal(t, NotPositioned, res.Status)
	require.Equal(t, "GP", res.Status.Code())

	// end of database is not a position either
	require.Equal(t, OK, do(p, GU, "CUSTPCB", cust("C2"), order("O3")).Status)
	require.Equal(t, EndOfDatabase, do(p, GN, "CUSTPCB").Status)
	require.Equal(t, NotPositioned, repl(p, "CUSTPCB", IOArea{Fields: codec.Values{"QTY": 1}}).Status)
	require.Equal(t, NotPositioned, do(p, DLET, "CUSTPCB").Status)

	require.Equal(t, writes, store.writes.Load())
	require.True(t, decimal.NewFromInt(7).Equal(qty(t, p, cust("C2"), order("O3"))))
}

func TestReplace_Rejected(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)
	require.Equal(t, OK, do(p, GHU, "CUSTPCB", cust("C1"), order("O1")).Status)

	tests := []struct {
		name string
		io   IOArea
		want Status
	}{
		{"key change", IOArea{Fields: codec.Values{"ORDNO": "O9"}}, KeyFieldChanged},
		{"overflow", IOArea{Fields: codec.Values{"QTY": 123456}}, InvalidCall},
		{"not a number", IOArea{Fields: codec.Values{"QTY": "many"}}, InvalidCall},
		{"unknown field", IOArea{Fields: codec.Values{"NOPE": 1}}, InvalidCall},
		{"empty", IOArea{}, InvalidCall},
		{"short raw", IOArea{Raw: []byte{1, 2, 3}}, LayoutMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := repl(p, "CUSTPCB", tt.io)
			require.Equal(t, tt.want, res.Status, res.Err)
			require.Error(t, res.Err)
		})
	}

	// nothing was written and the cursor still holds O1
	require.True(t, decimal.NewFromInt(5).Equal(qty(t, p, cust("C1"), order("O1"))))
	res := repl(p, "CUSTPCB", IOArea{Fields: codec.Values{"ORDNO": "O1", "QTY": 6}})
	require.Equal(t, OK, res.Status, res.Err)
}

func TestReplace_Conflict(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p1, p2 := openProgram(t, e), openProgram(t, e)

	require.Equal(t, OK, do(p1, GHU, "CUSTPCB", cust("C1"), order("O1")).Status)
	require.Equal(t, OK, do(p2, GHU, "CUSTPCB", cust("C1"), order("O1")).Status)
	require.Equal(t, OK, repl(p2, "CUSTPCB", IOArea{Fields: codec.Values{"QTY": 1}}).Status)

	res := repl(p1, "CUSTPCB", IOArea{Fields: codec.Values{"QTY": 2}})
	require.Equal(t, UpdateConflict, res.Status)
	require.Equal(t, "BB", res.Status.Code())
	require.True(t, decimal.NewFromInt(1).Equal(qty(t, p1, cust("C1"), order("O1"))))

	// after a reread the write goes through
	require.Equal(t, OK, do(p1, GHU, "CUSTPCB", cust("C1"), order("O1")).Status)
	require.Equal(t, OK, repl(p1, "CUSTPCB", IOArea{Fields: codec.Values{"QTY": 2}}).Status)
}

func TestReplace_ProcOpt(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)

	require.Equal(t, OK, do(p, GU, "READPCB", cust("C1")).Status)
	res := repl(p, "READPCB", IOArea{Fields: codec.Values{"NAME": "X"}})
	require.Equal(t, AccessDenied, res.Status)
	require.Equal(t, AccessDenied, do(p, DLET, "READPCB").Status)
	res = p.Call(context.Background(), Call{
		Code: ISRT, PCB: "READPCB", SSAs: []SSA{cust("C1"), Unqualified("INVOICE")},
		IO: IOArea{Fields: codec.Values{"INVNO": "V2"}},
	})
	require.Equal(t, AccessDenied, res.Status)
}

func TestDelete_Reject(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)

	require.Equal(t, OK, do(p, GHU, "CUSTPCB", cust("C1"), order("O1")).Status)
	res := do(p, DLET, "CUSTPCB")
	require.Equal(t, DependentsExist, res.Status)
	require.Equal(t, "DX", res.Status.Code())
	require.Equal(t, OK, do(p, GU, "CUSTPCB", cust("C1"), order("O1")).Status)

	// once the items are gone the order may go
	for _, item := range []string{"I1", "I2"} {
		res = do(p, GHU, "CUSTPCB", cust("C1"), order("O1"), Qualified("ITEM", "ITEMNO", EQ, item))
		require.Equal(t, OK, res.Status)
		require.Equal(t, OK, do(p, DLET, "CUSTPCB").Status)
	}
	require.Equal(t, OK, do(p, GHU, "CUSTPCB", cust("C1"), order("O1")).Status)
	require.Equal(t, OK, do(p, DLET, "CUSTPCB").Status)

	require.Equal(t, OK, do(p, GU, "CUSTPCB", cust("C1")).Status)
	require.Equal(t, []string{"ORDER#O2", "INVOICE#V1"}, collect(t, p, GNP, "CUSTPCB"))
}

func TestDelete_Cascade(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)

	require.Equal(t, OK, do(p, GHU, "CUSTPCB", cust("C1")).Status)
	require.Equal(t, OK, do(p, DLET, "CUSTPCB").Status)

	pos, err := p.Position("CUSTPCB")
	require.NoError(t, err)
	require.Equal(t, Unpositioned, pos.State)
	require.Empty(t, pos.Parentage)
	require.Equal(t, NotPositioned, do(p, DLET, "CUSTPCB").Status)

	require.Equal(t, SegmentNotFound, do(p, GU, "CUSTPCB", cust("C1")).Status)
	require.Equal(t, SegmentNotFound, do(p, GU, "CUSTPCB", Qualified("ITEM", "ITEMNO", EQ, "I3")).Status)
	require.Equal(t, []string{"CUSTOMER#C2", "ORDER#O3"}, collect(t, p, GN, "CUSTPCB"))
}

func TestDelete_SubtreeSkipped(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "PHYSPCB")
	p1, p2 := openProgram(t, e), openProgram(t, e)

	// p2 sits inside the subtree p1 removes
	res := do(p2, GU, "PHYSPCB", cust("C1"), order("O1"), Qualified("ITEM", "ITEMNO", EQ, "I1"))
	require.Equal(t, OK, res.Status)

	require.Equal(t, OK, do(p1, GHU, "PHYSPCB", cust("C1"), order("O1")).Status)
	require.Equal(t, OK, do(p1, DLET, "PHYSPCB").Status)

	require.Equal(t, []string{"INVOICE#V1", "ORDER#O2", "ITEM#I3", "CUSTOMER#C2", "ORDER#O3"},
		collect(t, p2, GN, "PHYSPCB"))

	require.Equal(t, OK, do(p1, GU, "PHYSPCB", cust("C1")).Status)
	require.Equal(t, []string{"INVOICE#V1", "ORDER#O2", "ITEM#I3", "CUSTOMER#C2", "ORDER#O3"},
		collect(t, p1, GN, "PHYSPCB"))
}

func TestInsert(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)

	t.Run("under current position", func(t *testing.T) {
		require.Equal(t, OK, do(p, GU, "CUSTPCB", cust("C2"), order("O3")).Status)
		v := isrt(t, p, "CUSTPCB", codec.Values{"ORDNO": "O4", "QTY": 9}, Unqualified("ORDER"))
		require.Equal(t, "ORDER#O4", label(v))
		require.Equal(t, 2, v.Level)

		pos, err := p.Position("CUSTPCB")
		require.NoError(t, err)
		require.Equal(t, "ORDER", pos.Path[1].Type)
		require.Equal(t, v.ID, pos.Path[1].ID)
		require.Equal(t, EndOfDatabase, do(p, GNP, "CUSTPCB").Status)

		require.Equal(t, OK, do(p, GU, "CUSTPCB", cust("C2")).Status)
		require.Equal(t, []string{"ORDER#O3", "ORDER#O4"}, collect(t, p, GNP, "CUSTPCB"))
	})
	t.Run("same key under another parent", func(t *testing.T) {
		isrt(t, p, "CUSTPCB", codec.Values{"ORDNO": "O1"}, cust("C2"), Unqualified("ORDER"))
		require.Equal(t, OK, do(p, GU, "CUSTPCB", cust("C2"), order("O1")).Status)
	})
	t.Run("blank fields", func(t *testing.T) {
		v := isrt(t, p, "CUSTPCB", codec.Values{"CUSTNO": "C3"}, Unqualified("CUSTOMER"))
		require.Equal(t, "", v.Views["CUSTOMER"]["NAME"])
		v = isrt(t, p, "CUSTPCB", codec.Values{"ORDNO": "O5"}, Unqualified("ORDER"))
		require.True(t, decimal.Zero.Equal(v.Views["ORDER"]["QTY"].(decimal.Decimal)))
	})

	tests := []struct {
		name   string
		pcb    string
		fields codec.Values
		ssas   []SSA
		want   Status
	}{
		{"duplicate root", "CUSTPCB", codec.Values{"CUSTNO": "C1"}, []SSA{Unqualified("CUSTOMER")}, DuplicateSegment},
		{"duplicate twin", "CUSTPCB", codec.Values{"ORDNO": "O2"}, []SSA{cust("C1"), Unqualified("ORDER")}, DuplicateSegment},
		{"parent not found", "CUSTPCB", codec.Values{"ORDNO": "O1"}, []SSA{cust("C9"), Unqualified("ORDER")}, SegmentNotFound},
		{"qualified target", "CUSTPCB", codec.Values{"ORDNO": "O7"}, []SSA{cust("C1"), order("O7")}, InvalidSSA},
		{"skips the parent", "CUSTPCB", codec.Values{"ITEMNO": "I9"}, []SSA{cust("C1"), Unqualified("ITEM")}, InvalidSSA},
		{"no segment", "CUSTPCB", codec.Values{"ORDNO": "O7"}, nil, InvalidSSA},
		{"unknown type", "CUSTPCB", codec.Values{"ORDNO": "O7"}, []SSA{Unqualified("NOPE")}, InvalidSegmentType},
		{"bad value", "CUSTPCB", codec.Values{"ORDNO": "O7", "QTY": "x"}, []SSA{cust("C1"), Unqualified("ORDER")}, InvalidCall},
		{"not sensitive", "READPCB", codec.Values{"ORDNO": "O7"}, []SSA{cust("C1"), Unqualified("ORDER")}, AccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Call(context.Background(), Call{Code: ISRT, PCB: tt.pcb, SSAs: tt.ssas, IO: IOArea{Fields: tt.fields}})
			require.Equal(t, tt.want, res.Status, res.Err)
		})
	}
}

func TestInsert_Unpositioned(t *testing.T) {
	e := newEngine(t, memstore.New(zap.NewNop()))
	seed(t, e, "CUSTPCB")
	p := openProgram(t, e)

	res := p.Call(context.Background(), Call{
		Code: ISRT, PCB: "CUSTPCB", SSAs: []SSA{Unqualified("ORDER")},
		IO: IOArea{Fields: codec.Values{"ORDNO": "O7"}},
	})
	require.Equal(t, NotPositioned, res.Status)

	// positioned on a sibling type the parent is still on the path
	require.Equal(t, OK, do(p, GU, "CUSTPCB", cust("C1"), Unqualified("INVOICE")).Status)
	v := isrt(t, p, "CUSTPCB", codec.Values{"ORDNO": "O7"}, Unqualified("ORDER"))
	require.Equal(t, "ORDER#O7", label(v))
	require.Equal(t, OK, do(p, GU, "CUSTPCB", cust("C1"), order("O7")).Status)
}
