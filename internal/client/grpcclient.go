package client

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/S0me0neR0man/dlistash/internal/server"
	"github.com/S0me0neR0man/dlistash/internal/token"
)

var ErrNotOpen = errors.New("no open session")

// GRPCClient one remote program instance
type GRPCClient struct {
	conn    *grpc.ClientConn
	session *token.Session
	pcbs    []string
}

// NewGRPCClient dials target. Extra options come after the defaults, tests
// pass a bufconn dialer here.
func NewGRPCClient(target string, extra ...grpc.DialOption) (*GRPCClient, error) {
	c := GRPCClient{session: &token.Session{}}

	opts := []grpc.DialOption{
		grpc.WithPerRPCCredentials(c.session),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	var err error
	c.conn, err = grpc.Dial(target, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Open starts a program instance of psb and returns its PCB names
func (c *GRPCClient) Open(ctx context.Context, psb string) ([]string, error) {
	out, err := c.invoke(ctx, server.MethodOpen, server.EncodeOpen(psb))
	if err != nil {
		return nil, err
	}
	id, pcbs, err := server.DecodeOpened(out)
	if err != nil {
		return nil, err
	}
	c.session.Set(id)
	c.pcbs = pcbs
	return pcbs, nil
}

// PCBs names returned by the last Open
func (c *GRPCClient) PCBs() []string {
	return c.pcbs
}

func (c *GRPCClient) Session() string {
	return c.session.ID()
}

func (c *GRPCClient) Call(ctx context.Context, req server.CallRequest) (server.CallReply, error) {
	if c.session.ID() == "" {
		return server.CallReply{}, ErrNotOpen
	}
	in, err := server.EncodeCall(req)
	if err != nil {
		return server.CallReply{}, err
	}
	out, err := c.invoke(ctx, server.MethodCall, in)
	if err != nil {
		return server.CallReply{}, fmt.Errorf("%s %s: %w", req.Code, req.PCB, err)
	}
	return server.DecodeReply(out)
}

// CloseProgram ends the remote program instance, the connection stays usable
func (c *GRPCClient) CloseProgram(ctx context.Context) error {
	if c.session.ID() == "" {
		return nil
	}
	_, err := c.invoke(ctx, server.MethodClose, &structpb.Struct{})
	c.session.Set("")
	return err
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
