// Package server exposes program instances over gRPC. Open starts a program
// and returns a session id; later calls carry it in the "session" header.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcmd "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/S0me0neR0man/dlistash/internal/config"
	"github.com/S0me0neR0man/dlistash/internal/dli"
	"github.com/S0me0neR0man/dlistash/internal/metadata"
)

// SessionHeader metadata key routing a call to its program instance
const SessionHeader = "session"

var (
	errMissingSession = status.Errorf(codes.Unauthenticated, "missing session")
	errUnknownSession = status.Errorf(codes.Unauthenticated, "unknown session")
)

type sessionKey struct{}

type session struct {
	prog     *dli.Program
	lastUsed time.Time
}

type GRPCServer struct {
	engine *dli.Engine
	conf   *config.Config
	sugar  *zap.SugaredLogger
	gserv  *grpc.Server

	mu       sync.Mutex
	sessions map[uuid.UUID]*session

	wg sync.WaitGroup
}

func NewGRPCServer(engine *dli.Engine, conf *config.Config, logger *zap.Logger) *GRPCServer {
	ss := &GRPCServer{
		engine:   engine,
		conf:     conf,
		sugar:    logger.Sugar(),
		sessions: make(map[uuid.UUID]*session),
	}
	ss.gserv = grpc.NewServer(grpc.UnaryInterceptor(ss.ensureSession))
	RegisterDLIServer(ss.gserv, ss)
	return ss
}

// Start listens on conf.Listen and serves until ctx is done
func (ss *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", ss.conf.Listen)
	if err != nil {
		return err
	}
	return ss.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully and closes
// every open session
func (ss *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	ss.sugar.Infow("grpcserver start", "addr", lis.Addr().String())

	ss.wg.Add(2)
	go ss.reapIdle(ctx)
	go ss.gracefulStop(ctx)

	return ss.gserv.Serve(lis)
}

// reapIdle closes sessions unused for conf.SessionIdle
func (ss *GRPCServer) reapIdle(ctx context.Context) {
	defer ss.wg.Done()
	idle := ss.conf.SessionIdle.Duration
	if idle == 0 {
		return
	}

	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			for _, prog := range ss.expired(now.Add(-idle)) {
				ss.sugar.Infow("session idle", "session", prog.ID.String(), "psb", prog.Name)
				prog.Close()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (ss *GRPCServer) expired(before time.Time) []*dli.Program {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var out []*dli.Program
	for id, s := range ss.sessions {
		if s.lastUsed.Before(before) {
			out = append(out, s.prog)
			delete(ss.sessions, id)
		}
	}
	return out
}

func (ss *GRPCServer) gracefulStop(ctx context.Context) {
	defer ss.wg.Done()

	<-ctx.Done()
	ss.gserv.GracefulStop()

	ss.mu.Lock()
	for id, s := range ss.sessions {
		s.prog.Close()
		delete(ss.sessions, id)
	}
	ss.mu.Unlock()
}

func (ss *GRPCServer) Wait() {
	ss.wg.Wait()
}

// Sessions number of open program instances
func (ss *GRPCServer) Sessions() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

func (ss *GRPCServer) ensureSession(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if info.FullMethod == MethodOpen {
		return handler(ctx, req)
	}
	md, ok := grpcmd.FromIncomingContext(ctx)
	if !ok || len(md.Get(SessionHeader)) == 0 {
		return nil, errMissingSession
	}
	id, err := uuid.Parse(md.Get(SessionHeader)[0])
	if err != nil {
		return nil, errUnknownSession
	}

	ss.mu.Lock()
	s, ok := ss.sessions[id]
	if ok {
		s.lastUsed = time.Now()
	}
	ss.mu.Unlock()
	if !ok {
		return nil, errUnknownSession
	}
	return handler(context.WithValue(ctx, sessionKey{}, s.prog), req)
}

func (ss *GRPCServer) Open(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	psb := str(in, "psb")
	if psb == "" {
		return nil, status.Error(codes.InvalidArgument, "open needs psb")
	}
	prog, err := ss.engine.Open(ctx, psb)
	switch {
	case errors.Is(err, metadata.ErrUnknownPSB):
		return nil, status.Error(codes.NotFound, err.Error())
	case err != nil:
		ss.sugar.Errorw("engine.Open", "psb", psb, "error", err)
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}

	ss.mu.Lock()
	ss.sessions[prog.ID] = &session{prog: prog, lastUsed: time.Now()}
	ss.mu.Unlock()

	return EncodeOpened(prog.ID.String(), prog.PCBs()), nil
}

func (ss *GRPCServer) Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	prog := ctx.Value(sessionKey{}).(*dli.Program)

	req, err := DecodeCall(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	call := dli.Call{
		Code: req.Code,
		PCB:  req.PCB,
		IO:   dli.IOArea{Overlay: req.Overlay, Fields: req.Fields, Raw: req.Raw},
	}
	for _, text := range req.SSAs {
		ssa, err := dli.ParseSSA(text)
		if err != nil {
			// bad SSA text is a call outcome, not a transport failure
			return EncodeReply(dli.Result{Status: dli.InvalidSSA, Err: err})
		}
		call.SSAs = append(call.SSAs, ssa)
	}

	out, err := EncodeReply(prog.Call(ctx, call))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (ss *GRPCServer) Close(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	prog := ctx.Value(sessionKey{}).(*dli.Program)

	ss.mu.Lock()
	delete(ss.sessions, prog.ID)
	ss.mu.Unlock()
	prog.Close()

	return &structpb.Struct{}, nil
}
