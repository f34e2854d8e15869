package server_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcmd "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/S0me0neR0man/dlistash/internal/client"
	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/config"
	"github.com/S0me0neR0man/dlistash/internal/dli"
	"github.com/S0me0neR0man/dlistash/internal/metadata"
	"github.com/S0me0neR0man/dlistash/internal/segstore/memstore"
	"github.com/S0me0neR0man/dlistash/internal/server"
)

var catalog = fstest.MapFS{
	"cust.layout.yaml": {Data: []byte(`
layouts:
  - segment: CUSTOMER
    length: 10
    overlays:
      - name: CUSTOMER
        fields:
          - {name: CUSTNO, offset: 0, length: 4, type: char}
          - {name: NAME, offset: 4, length: 6, type: char}
  - segment: ORDER
    length: 8
    overlays:
      - name: ORDER
        fields:
          - {name: ORDNO, offset: 0, length: 4, type: char}
          - {name: QTY, offset: 4, length: 4, type: zoned}
`)},
	"cust.dbd.yaml": {Data: []byte(`
dbd: CUSTDB
segments:
  - {name: CUSTOMER, key: [CUSTNO]}
  - {name: ORDER, parent: CUSTOMER, key: [ORDNO]}
`)},
	"cust.psb.yaml": {Data: []byte(`
psb: CUSTPGM
pcbs:
  - {name: CUSTPCB, dbd: CUSTDB, procopt: A}
`)},
}

type fixture struct {
	ss     *server.GRPCServer
	lis    *bufconn.Listener
	cancel context.CancelFunc
}

func start(t *testing.T, idle time.Duration) *fixture {
	t.Helper()
	cat, err := metadata.LoadCatalog(catalog)
	require.NoError(t, err)
	loader, err := metadata.NewLoader(cat, 4, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(loader.Close)

	conf := &config.Config{SessionIdle: config.Duration{Duration: idle}}
	engine := dli.NewEngine(loader, memstore.New(zap.NewNop()), zap.NewNop())

	f := &fixture{
		ss:  server.NewGRPCServer(engine, conf, zap.NewNop()),
		lis: bufconn.Listen(1 << 20),
	}
	var ctx context.Context
	ctx, f.cancel = context.WithCancel(context.Background())
	go func() { _ = f.ss.Serve(ctx, f.lis) }()
	t.Cleanup(func() {
		f.cancel()
		f.ss.Wait()
	})
	return f
}

func (f *fixture) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return f.lis.DialContext(ctx)
	})
}

func (f *fixture) client(t *testing.T) *client.GRPCClient {
	t.Helper()
	c, err := client.NewGRPCClient("bufnet", f.dialer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenCallClose(t *testing.T) {
	f := start(t, 0)
	c := f.client(t)
	ctx := context.Background()

	_, err := c.Call(ctx, server.CallRequest{PCB: "CUSTPCB", Code: dli.GU})
	require.ErrorIs(t, err, client.ErrNotOpen)

	pcbs, err := c.Open(ctx, "CUSTPGM")
	require.NoError(t, err)
	require.Equal(t, []string{"CUSTPCB"}, pcbs)
	require.NotEmpty(t, c.Session())
	require.Equal(t, 1, f.ss.Sessions())

	reply, err := c.Call(ctx, server.CallRequest{
		PCB: "CUSTPCB", Code: dli.ISRT, SSAs: []string{"CUSTOMER"},
		Fields: codec.Values{"CUSTNO": "C1", "NAME": "ALICE"},
	})
	require.NoError(t, err)
	require.Equal(t, dli.OK, reply.Status, reply.Err)

	reply, err = c.Call(ctx, server.CallRequest{
		PCB: "CUSTPCB", Code: dli.ISRT, SSAs: []string{"CUSTOMER(CUSTNO=C1)", "ORDER"},
		Fields: codec.Values{"ORDNO": "O1", "QTY": 12},
	})
	require.NoError(t, err)
	require.Equal(t, dli.OK, reply.Status, reply.Err)

	reply, err = c.Call(ctx, server.CallRequest{PCB: "CUSTPCB", Code: dli.GU, SSAs: []string{"CUSTOMER(CUSTNO = C1)"}})
	require.NoError(t, err)
	require.Equal(t, dli.OK, reply.Status)
	require.Equal(t, "CUSTOMER", reply.Segment.Type)
	require.Equal(t, 1, reply.Segment.Level)
	require.Len(t, reply.Segment.Raw, 10)
	require.Equal(t, codec.Values{"CUSTNO": "C1", "NAME": "ALICE"}, reply.Segment.Views["CUSTOMER"])

	reply, err = c.Call(ctx, server.CallRequest{PCB: "CUSTPCB", Code: dli.GN})
	require.NoError(t, err)
	require.Equal(t, dli.OK, reply.Status)
	require.Equal(t, "ORDER", reply.Segment.Type)
	require.Equal(t, "12", reply.Segment.Views["ORDER"]["QTY"])
	require.Len(t, reply.Segment.Key, 8)

	reply, err = c.Call(ctx, server.CallRequest{PCB: "CUSTPCB", Code: dli.GN})
	require.NoError(t, err)
	require.Equal(t, dli.EndOfDatabase, reply.Status)
	require.Nil(t, reply.Segment)

	require.NoError(t, c.CloseProgram(ctx))
	require.Equal(t, 0, f.ss.Sessions())
	_, err = c.Call(ctx, server.CallRequest{PCB: "CUSTPCB", Code: dli.GU})
	require.ErrorIs(t, err, client.ErrNotOpen)
}

func TestCall_Statuses(t *testing.T) {
	f := start(t, 0)
	c := f.client(t)
	ctx := context.Background()
	_, err := c.Open(ctx, "CUSTPGM")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  server.CallRequest
		want dli.Status
	}{
		{"bad ssa text", server.CallRequest{PCB: "CUSTPCB", Code: dli.GU, SSAs: []string{"CUSTOMER(CUSTNO"}}, dli.InvalidSSA},
		{"unknown type", server.CallRequest{PCB: "CUSTPCB", Code: dli.GU, SSAs: []string{"NOPE"}}, dli.InvalidSegmentType},
		{"unknown pcb", server.CallRequest{PCB: "NOPCB", Code: dli.GU}, dli.InvalidCall},
		{"unknown code", server.CallRequest{PCB: "CUSTPCB", Code: "XXXX"}, dli.InvalidCall},
		{"not positioned", server.CallRequest{PCB: "CUSTPCB", Code: dli.REPL, Fields: codec.Values{"NAME": "X"}}, dli.NotPositioned},
		{"not found", server.CallRequest{PCB: "CUSTPCB", Code: dli.GU, SSAs: []string{"CUSTOMER(CUSTNO=C9)"}}, dli.SegmentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := c.Call(ctx, tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.want, reply.Status, reply.Err)
			if tt.want != dli.SegmentNotFound && tt.want != dli.NotPositioned {
				require.NotEmpty(t, reply.Err)
			}
		})
	}
}

func TestSessionRequired(t *testing.T) {
	f := start(t, 0)
	conn, err := grpc.Dial("bufnet", f.dialer(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	in, err := server.EncodeCall(server.CallRequest{PCB: "CUSTPCB", Code: dli.GU})
	require.NoError(t, err)

	err = conn.Invoke(context.Background(), server.MethodCall, in, new(structpb.Struct))
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	for _, id := range []string{"not-a-uuid", "6f1c1d3e-4f2a-4c8e-9a57-1b2c3d4e5f60"} {
		ctx := grpcmd.AppendToOutgoingContext(context.Background(), server.SessionHeader, id)
		err = conn.Invoke(ctx, server.MethodClose, &structpb.Struct{}, new(structpb.Struct))
		require.Equal(t, codes.Unauthenticated, status.Code(err), id)
	}

	err = conn.Invoke(context.Background(), server.MethodOpen, server.EncodeOpen("NOPSB"), new(structpb.Struct))
	require.Equal(t, codes.NotFound, status.Code(err))
	err = conn.Invoke(context.Background(), server.MethodOpen, &structpb.Struct{}, new(structpb.Struct))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSessions_Isolated(t *testing.T) {
	f := start(t, 0)
	ctx := context.Background()
	c1, c2 := f.client(t), f.client(t)
	_, err := c1.Open(ctx, "CUSTPGM")
	require.NoError(t, err)
	_, err = c2.Open(ctx, "CUSTPGM")
	require.NoError(t, err)
	require.NotEqual(t, c1.Session(), c2.Session())
	require.Equal(t, 2, f.ss.Sessions())

	for _, no := range []string{"C1", "C2"} {
		reply, err := c1.Call(ctx, server.CallRequest{
			PCB: "CUSTPCB", Code: dli.ISRT, SSAs: []string{"CUSTOMER"}, Fields: codec.Values{"CUSTNO": no},
		})
		require.NoError(t, err)
		require.Equal(t, dli.OK, reply.Status, reply.Err)
	}

	// c1 sits on C2 after its inserts, c2 starts unpositioned
	reply, err := c1.Call(ctx, server.CallRequest{PCB: "CUSTPCB", Code: dli.GN})
	require.NoError(t, err)
	require.Equal(t, dli.EndOfDatabase, reply.Status)
	reply, err = c2.Call(ctx, server.CallRequest{PCB: "CUSTPCB", Code: dli.GN})
	require.NoError(t, err)
	require.Equal(t, "C1", reply.Segment.Views["CUSTOMER"]["CUSTNO"])
}

func TestIdleSessionsClosed(t *testing.T) {
	f := start(t, 50*time.Millisecond)
	c := f.client(t)
	ctx := context.Background()
	_, err := c.Open(ctx, "CUSTPGM")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.ss.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err = c.Call(ctx, server.CallRequest{PCB: "CUSTPCB", Code: dli.GU})
	var se interface{ GRPCStatus() *status.Status }
	require.True(t, errors.As(err, &se), err)
	require.Equal(t, codes.Unauthenticated, se.GRPCStatus().Code())
}

func TestGracefulStop(t *testing.T) {
	f := start(t, 0)
	c := f.client(t)
	_, err := c.Open(context.Background(), "CUSTPGM")
	require.NoError(t, err)
	require.Equal(t, 1, f.ss.Sessions())

	f.cancel()
	f.ss.Wait()
	require.Equal(t, 0, f.ss.Sessions())
}
