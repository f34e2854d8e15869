// Package dli interprets DL/I calls against per program PCB cursors
package dli

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/dlistash/internal/metadata"
	"github.com/S0me0neR0man/dlistash/internal/segstore"
)

// Engine opens program instances over a shared catalog and store
type Engine struct {
	loader *metadata.Loader
	store  segstore.Store

	sugar *zap.SugaredLogger
}

func NewEngine(loader *metadata.Loader, store segstore.Store, logger *zap.Logger) *Engine {
	return &Engine{
		loader: loader,
		store:  store,
		sugar:  logger.Sugar(),
	}
}

// Open starts a program instance of psb with one unpositioned cursor per PCB.
// Metadata errors are returned here, before any call can run.
func (e *Engine) Open(ctx context.Context, psb string) (*Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta, err := e.loader.Program(psb)
	if err != nil {
		return nil, err
	}

	p := &Program{
		ID:      uuid.New(),
		Name:    meta.Name,
		meta:    meta,
		cursors: make(map[*metadata.PCB]*cursor, len(meta.PCBs)),
		sugar:   e.sugar,
	}
	for _, pcb := range meta.PCBs {
		p.cursors[pcb] = newCursor(pcb, e.store)
	}
	e.sugar.Infow("open program", "psb", meta.Name, "program", p.ID.String(), "pcbs", len(meta.PCBs))
	return p, nil
}

// Program one running instance of a PSB. Calls on one PCB are serialized,
// calls on different PCBs may run concurrently.
type Program struct {
	ID   uuid.UUID
	Name string

	meta    *metadata.Program
	cursors map[*metadata.PCB]*cursor // fixed at Open
	closed  atomic.Bool

	sugar *zap.SugaredLogger
}

// PCBs labels of the program's PCBs in PSB order
func (p *Program) PCBs() []string {
	names := make([]string, 0, len(p.meta.PCBs))
	for _, pcb := range p.meta.PCBs {
		names = append(names, pcb.Name)
	}
	return names
}

func (p *Program) cursor(name string) (*cursor, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("program %s: %w", p.ID, ErrProgramClosed)
	}
	pcb, err := p.meta.PCB(name)
	if err != nil {
		return nil, err
	}
	return p.cursors[pcb], nil
}

// Call executes one call and returns its status
func (p *Program) Call(ctx context.Context, c Call) Result {
	cur, err := p.cursor(c.PCB)
	if err != nil {
		return fail(err)
	}

	cur.mu.Lock()
	res := cur.call(ctx, c)
	cur.mu.Unlock()

	if res.Status.Fault() {
		p.sugar.Errorw("call", "program", p.ID.String(), "pcb", cur.pcb.Name, "code", c.Code,
			"ssa", c.SSAs, "status", res.Status.String(), "err", res.Err)
	} else {
		p.sugar.Debugw("call", "program", p.ID.String(), "pcb", cur.pcb.Name, "code", c.Code,
			"ssa", c.SSAs, "status", res.Status.String(), "err", res.Err)
	}
	return res
}

// Position returns the cursor of PCB name
func (p *Program) Position(name string) (Position, error) {
	cur, err := p.cursor(name)
	if err != nil {
		return Position{}, err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	return cur.position(), nil
}

// Close ends the instance, its cursors are dropped
func (p *Program) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.sugar.Infow("close program", "psb", p.Name, "program", p.ID.String())
	}
}
