package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/dlistash/internal/client"
	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/dli"
	"github.com/S0me0neR0man/dlistash/internal/server"
	"github.com/S0me0neR0man/dlistash/internal/soak"
)

const (
	insertState  = "insert"
	getState     = "get"
	replaceState = "replace"
	deleteState  = "delete"
	verifyState  = "verify"

	segment = "CUSTOMER"
)

var errStatus = errors.New("unexpected status")

// customer what the checker believes is stored
type customer struct {
	CustNo  string
	Name    string
	Deleted bool
}

func newCustomer() customer {
	no := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return customer{CustNo: no, Name: "NAME " + no}
}

func (c customer) ssa() string {
	return fmt.Sprintf("%s(CUSTNO=%s)", segment, c.CustNo)
}

// Checker drives insert, get, replace or delete, verify cycles through a
// pool of remote programs
type Checker struct {
	pool chan *client.GRPCClient
	pcb  string

	super *soak.Supervisor
	sugar *zap.SugaredLogger
}

func NewChecker(clients []*client.GRPCClient, pcb string, workers int, logger *zap.Logger) (*Checker, error) {
	c := &Checker{
		pool:  make(chan *client.GRPCClient, len(clients)),
		pcb:   pcb,
		super: soak.NewSupervisor(logger),
		sugar: logger.Sugar(),
	}
	for _, cl := range clients {
		c.pool <- cl
	}

	get := soak.NewState(getState, workers, c.get)
	get.SetCheckFunc(same)
	verify := soak.NewState(verifyState, workers, c.verify)
	verify.SetCheckFunc(same)

	for _, s := range []*soak.State{
		soak.NewState(insertState, workers, c.insert),
		get,
		soak.NewState(replaceState, workers, c.replace),
		soak.NewState(deleteState, workers, c.remove),
		verify,
	} {
		if err := c.super.Add(s); err != nil {
			return nil, err
		}
	}
	c.super.SetSource(func(context.Context) (soak.Item, error) {
		return soak.Item{Next: insertState, Data: newCustomer()}, nil
	})
	return c, nil
}

func (c *Checker) Run(ctx context.Context) (soak.Report, error) {
	return c.super.Run(ctx)
}

// same reports the difference between what was expected and what was read
func same(before, after soak.Item) error {
	if diff := cmp.Diff(before.Data, after.Data); diff != "" {
		return fmt.Errorf("%s (-want +got):\n%s", before.State, diff)
	}
	return nil
}

// with runs fn on one pooled program so position dependent calls stay on
// the same session
func (c *Checker) with(ctx context.Context, fn func(*client.GRPCClient) error) error {
	var cl *client.GRPCClient
	select {
	case cl = <-c.pool:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { c.pool <- cl }()
	return fn(cl)
}

func (c *Checker) call(ctx context.Context, cl *client.GRPCClient, req server.CallRequest, want ...dli.Status) (server.CallReply, error) {
	req.PCB = c.pcb
	reply, err := cl.Call(ctx, req)
	if err != nil {
		return reply, err
	}
	if len(want) == 0 {
		want = []dli.Status{dli.OK}
	}
	for _, w := range want {
		if reply.Status == w {
			return reply, nil
		}
	}
	return reply, fmt.Errorf("%w: %s %v %s: %s", errStatus, req.Code, req.SSAs, reply.Status, reply.Err)
}

func item(in soak.Item, cust customer, next string) soak.Item {
	in.Data = cust
	in.Next = next
	return in
}

func (c *Checker) insert(ctx context.Context, in soak.Item) (soak.Item, error) {
	cust := in.Data.(customer)
	err := c.with(ctx, func(cl *client.GRPCClient) error {
		_, err := c.call(ctx, cl, server.CallRequest{
			Code:   dli.ISRT,
			SSAs:   []string{segment},
			Fields: codec.Values{"CUSTNO": cust.CustNo, "NAME": cust.Name},
		})
		return err
	})
	if err != nil {
		return in, err
	}
	c.sugar.Debugw("inserted", "custno", cust.CustNo)
	return item(in, cust, getState), nil
}

// read returns the stored customer, Deleted when GU finds nothing
func (c *Checker) read(ctx context.Context, cl *client.GRPCClient, cust customer) (customer, error) {
	reply, err := c.call(ctx, cl, server.CallRequest{Code: dli.GU, SSAs: []string{cust.ssa()}}, dli.OK, dli.SegmentNotFound)
	if err != nil {
		return cust, err
	}
	if reply.Status == dli.SegmentNotFound {
		return customer{CustNo: cust.CustNo, Name: cust.Name, Deleted: true}, nil
	}
	view := reply.Segment.Views[segment]
	return customer{
		CustNo: fmt.Sprint(view["CUSTNO"]),
		Name:   fmt.Sprint(view["NAME"]),
	}, nil
}

func (c *Checker) get(ctx context.Context, in soak.Item) (soak.Item, error) {
	var got customer
	err := c.with(ctx, func(cl *client.GRPCClient) error {
		var err error
		got, err = c.read(ctx, cl, in.Data.(customer))
		return err
	})
	if err != nil {
		return in, err
	}
	next := replaceState
	if rand.Intn(2) == 0 {
		next = deleteState
	}
	return item(in, got, next), nil
}

func (c *Checker) replace(ctx context.Context, in soak.Item) (soak.Item, error) {
	cust := in.Data.(customer)
	cust.Name = "RENAMED " + cust.CustNo
	err := c.with(ctx, func(cl *client.GRPCClient) error {
		if _, err := c.call(ctx, cl, server.CallRequest{Code: dli.GHU, SSAs: []string{cust.ssa()}}); err != nil {
			return err
		}
		_, err := c.call(ctx, cl, server.CallRequest{Code: dli.REPL, Fields: codec.Values{"NAME": cust.Name}})
		return err
	})
	if err != nil {
		return in, err
	}
	return item(in, cust, verifyState), nil
}

func (c *Checker) remove(ctx context.Context, in soak.Item) (soak.Item, error) {
	cust := in.Data.(customer)
	err := c.with(ctx, func(cl *client.GRPCClient) error {
		if _, err := c.call(ctx, cl, server.CallRequest{Code: dli.GHU, SSAs: []string{cust.ssa()}}); err != nil {
			return err
		}
		_, err := c.call(ctx, cl, server.CallRequest{Code: dli.DLET})
		return err
	})
	if err != nil {
		return in, err
	}
	cust.Deleted = true
	return item(in, cust, verifyState), nil
}

func (c *Checker) verify(ctx context.Context, in soak.Item) (soak.Item, error) {
	var got customer
	err := c.with(ctx, func(cl *client.GRPCClient) error {
		var err error
		got, err = c.read(ctx, cl, in.Data.(customer))
		return err
	})
	if err != nil {
		return in, err
	}
	return item(in, got, ""), nil
}
