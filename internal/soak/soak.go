// Package soak routes generated items through named states, each served by
// its own worker goroutines, and checks every transition.
package soak

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotInitialized = errors.New("not initialized")
	ErrStateNotFound  = errors.New("state not found")
	ErrDuplicateState = errors.New("duplicate state")
)

const maxMismatches = 100

// Item travels between states. An empty Next ends its journey.
type Item struct {
	State string
	Next  string
	Data  any
}

func (d Item) String() string {
	return fmt.Sprintf("(%s) -> (%s) %v", d.State, d.Next, d.Data)
}

type DoFunc func(context.Context, Item) (Item, error)
type CheckFunc func(before, after Item) error
type SourceFunc func(context.Context) (Item, error)

type State struct {
	Name    string
	Workers int

	do    DoFunc
	check CheckFunc
	in    chan Item

	done     atomic.Int64
	failed   atomic.Int64
	mismatch atomic.Int64
}

func NewState(name string, workers int, do DoFunc) *State {
	if workers < 1 {
		workers = 1
	}
	return &State{
		Name:    name,
		Workers: workers,
		do:      do,
		in:      make(chan Item, workers),
	}
}

func (s *State) SetCheckFunc(f CheckFunc) {
	s.check = f
}

func (s *State) String() string {
	return fmt.Sprintf("%s workers=%d", s.Name, s.Workers)
}

// StateReport counters of one state
type StateReport struct {
	Done       int64
	Failed     int64
	Mismatched int64
}

type Report struct {
	States     map[string]StateReport
	Mismatches []string // first few check failures
}

// Failed reports whether any step failed or any check mismatched
func (r Report) Failed() bool {
	for _, s := range r.States {
		if s.Failed > 0 || s.Mismatched > 0 {
			return true
		}
	}
	return false
}

func (r Report) String() string {
	names := make([]string, 0, len(r.States))
	for name := range r.States {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		s := r.States[name]
		fmt.Fprintf(&b, "%-10s done=%d failed=%d mismatched=%d\n", name, s.Done, s.Failed, s.Mismatched)
	}
	for _, m := range r.Mismatches {
		fmt.Fprintf(&b, "mismatch: %s\n", m)
	}
	return b.String()
}

type Supervisor struct {
	states map[string]*State
	source SourceFunc

	mu         sync.Mutex
	mismatches []string

	sugar *zap.SugaredLogger
}

func NewSupervisor(logger *zap.Logger) *Supervisor {
	return &Supervisor{
		states: make(map[string]*State),
		sugar:  logger.Sugar(),
	}
}

func (sv *Supervisor) Add(s *State) error {
	if s == nil || s.do == nil {
		return fmt.Errorf("%w: state without do func", ErrNotInitialized)
	}
	if _, ok := sv.states[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateState, s.Name)
	}
	sv.states[s.Name] = s
	sv.sugar.Infow("added", "state", s.String())
	return nil
}

func (sv *Supervisor) SetSource(f SourceFunc) {
	sv.source = f
}

// Run feeds source items through the states until ctx is done or the source
// fails, and returns what happened
func (sv *Supervisor) Run(ctx context.Context) (Report, error) {
	if sv.source == nil || len(sv.states) == 0 {
		return Report{}, ErrNotInitialized
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sv.feed(gctx)
	})
	for _, s := range sv.states {
		s := s
		for i := 0; i < s.Workers; i++ {
			g.Go(func() error {
				sv.work(gctx, s)
				return nil
			})
		}
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	r := sv.report()
	sv.sugar.Infow("soak done", "failed", r.Failed(), "error", err)
	return r, err
}

func (sv *Supervisor) feed(ctx context.Context) error {
	for ctx.Err() == nil {
		item, err := sv.source(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("source: %w", err)
		}
		if err := sv.push(ctx, item); err != nil {
			sv.sugar.Errorw("feed", "item", item.String(), "error", err)
		}
	}
	return nil
}

func (sv *Supervisor) push(ctx context.Context, item Item) error {
	if item.Next == "" {
		return nil
	}
	s, ok := sv.states[item.Next]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStateNotFound, item.Next)
	}
	item.State = item.Next
	item.Next = ""
	select {
	case s.in <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sv *Supervisor) work(ctx context.Context, s *State) {
	for {
		select {
		case <-ctx.Done():
			return
		case before := <-s.in:
			after, err := s.do(ctx, before)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.failed.Add(1)
				sv.sugar.Errorw("do", "state", s.Name, "item", before.String(), "error", err)
				continue
			}
			s.done.Add(1)
			if s.check != nil {
				if err := s.check(before, after); err != nil {
					s.mismatch.Add(1)
					sv.mismatched(fmt.Sprintf("%s: %v", s.Name, err))
					continue
				}
			}
			if err := sv.push(ctx, after); err != nil && ctx.Err() == nil {
				sv.sugar.Errorw("route", "state", s.Name, "item", after.String(), "error", err)
			}
		}
	}
}

func (sv *Supervisor) mismatched(m string) {
	sv.sugar.Errorw("mismatch", "detail", m)
	sv.mu.Lock()
	if len(sv.mismatches) < maxMismatches {
		sv.mismatches = append(sv.mismatches, m)
	}
	sv.mu.Unlock()
}

func (sv *Supervisor) report() Report {
	r := Report{States: make(map[string]StateReport, len(sv.states))}
	for name, s := range sv.states {
		r.States[name] = StateReport{
			Done:       s.done.Load(),
			Failed:     s.failed.Load(),
			Mismatched: s.mismatch.Load(),
		}
	}
	sv.mu.Lock()
	r.Mismatches = append(r.Mismatches, sv.mismatches...)
	sv.mu.Unlock()
	return r
}
