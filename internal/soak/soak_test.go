package soak

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	createState = "create"
	splitState  = "split"
	road1State  = "road1"
	road2State  = "road2"
)

func check(before Item, after Item) error {
	if !reflect.DeepEqual(before.Data, after.Data) {
		return fmt.Errorf("check error: %v not equal %v", before, after)
	}
	return nil
}

func TestSupervisor_Run(t *testing.T) {
	super := NewSupervisor(zap.NewNop())

	create := NewState(createState, 1, func(_ context.Context, data Item) (Item, error) {
		data.Next = splitState
		return data, nil
	})
	split := NewState(splitState, 2, func(_ context.Context, data Item) (Item, error) {
		switch rand.Intn(2) {
		case 0:
			data.Next = road1State
		case 1:
			data.Next = road2State
		}
		return data, nil
	})
	road1 := NewState(road1State, 1, func(_ context.Context, data Item) (Item, error) {
		return data, nil
	})
	road2 := NewState(road2State, 1, func(_ context.Context, data Item) (Item, error) {
		return data, nil
	})
	for _, s := range []*State{create, split, road1, road2} {
		s.SetCheckFunc(check)
		require.NoError(t, super.Add(s))
	}
	require.ErrorIs(t, super.Add(NewState(road1State, 1, road1.do)), ErrDuplicateState)

	super.SetSource(func(context.Context) (Item, error) {
		return Item{Next: createState, Data: 101}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	r, err := super.Run(ctx)
	require.NoError(t, err)
	require.False(t, r.Failed(), r.String())
	require.Positive(t, r.States[createState].Done)
	require.Positive(t, r.States[road1State].Done+r.States[road2State].Done)
	require.LessOrEqual(t, r.States[road1State].Done+r.States[road2State].Done, r.States[splitState].Done)
	require.Contains(t, r.String(), "split")
}

func TestSupervisor_Mismatch(t *testing.T) {
	super := NewSupervisor(zap.NewNop())

	flip := NewState("flip", 2, func(_ context.Context, data Item) (Item, error) {
		n := data.Data.(int)
		if n%2 == 0 {
			data.Data = n + 1
		}
		return data, nil
	})
	flip.SetCheckFunc(check)
	fail := NewState("fail", 1, func(context.Context, Item) (Item, error) {
		return Item{}, errors.New("boom")
	})
	require.NoError(t, super.Add(flip))
	require.NoError(t, super.Add(fail))

	n := 0
	super.SetSource(func(context.Context) (Item, error) {
		n++
		next := "flip"
		if n%5 == 0 {
			next = "fail"
		}
		return Item{Next: next, Data: n}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	r, err := super.Run(ctx)
	require.NoError(t, err)
	require.True(t, r.Failed())
	require.Positive(t, r.States["flip"].Mismatched)
	require.Positive(t, r.States["fail"].Failed)
	require.NotEmpty(t, r.Mismatches)
	require.LessOrEqual(t, len(r.Mismatches), maxMismatches)
}

func TestSupervisor_SourceError(t *testing.T) {
	super := NewSupervisor(zap.NewNop())
	require.NoError(t, super.Add(NewState("only", 1, func(_ context.Context, data Item) (Item, error) {
		return data, nil
	})))

	sourceErr := errors.New("no more data")
	n := 0
	super.SetSource(func(context.Context) (Item, error) {
		n++
		if n > 10 {
			return Item{}, sourceErr
		}
		return Item{Next: "only", Data: n}, nil
	})

	r, err := super.Run(context.Background())
	require.ErrorIs(t, err, sourceErr)
	require.LessOrEqual(t, r.States["only"].Done, int64(10))
}

func TestSupervisor_NotInitialized(t *testing.T) {
	super := NewSupervisor(zap.NewNop())
	_, err := super.Run(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)

	require.ErrorIs(t, super.Add(nil), ErrNotInitialized)
	require.ErrorIs(t, super.Add(NewState("x", 1, nil)), ErrNotInitialized)
}
