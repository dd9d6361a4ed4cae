package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"trickle/internal/instrument"
	"trickle/internal/models"
	"trickle/internal/session"
)

const PushMethod = "/trickle.ingest.v1.Ingest/Push"

// jsonCodec lets agents speak gRPC without generated protobuf types. Callers
// select it with the "json" content subtype.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type IngestServer interface {
	Push(ctx context.Context, batch *models.Batch) (*models.IngestResult, error)
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: "trickle.ingest.v1.Ingest",
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trickle/ingest/v1/ingest.proto",
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(models.Batch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PushMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngestServer).Push(ctx, req.(*models.Batch))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCServer struct {
	ingester Ingester
	logger   *slog.Logger
	metrics  *instrument.Metrics
	srv      *grpc.Server
}

func NewGRPCServer(ingester Ingester, logger *slog.Logger, metrics *instrument.Metrics, opts ...grpc.ServerOption) *GRPCServer {
	g := &GRPCServer{ingester: ingester, logger: logger, metrics: metrics}
	opts = append(opts, grpc.ChainUnaryInterceptor(g.logCalls))
	g.srv = grpc.NewServer(opts...)
	g.srv.RegisterService(&ingestServiceDesc, g)
	return g
}

func (g *GRPCServer) Push(ctx context.Context, batch *models.Batch) (*models.IngestResult, error) {
	res, err := g.ingester.Ingest(ctx, *batch)
	g.metrics.Batch("grpc", session.Outcome(err))
	if err != nil {
		return nil, statusFromError(err)
	}
	return &res, nil
}

func (g *GRPCServer) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	g.logger.Info("grpc_request",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, err
}

func (g *GRPCServer) Serve(lis net.Listener) error {
	return g.srv.Serve(lis)
}

// Run listens on addr and serves until ctx is cancelled.
func (g *GRPCServer) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("grpc server listening", "addr", addr)
		errCh <- g.srv.Serve(lis)
	}()
	select {
	case <-ctx.Done():
		g.srv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func (g *GRPCServer) Stop() { g.srv.Stop() }

func statusFromError(err error) error {
	switch {
	case errors.Is(err, session.ErrInvalidBatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, session.ErrSourceBusy), errors.Is(err, session.ErrStore):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Push sends one batch over conn with the JSON codec.
func Push(ctx context.Context, conn grpc.ClientConnInterface, batch models.Batch) (models.IngestResult, error) {
	var res models.IngestResult
	err := conn.Invoke(ctx, PushMethod, &batch, &res, grpc.CallContentSubtype("json"))
	return res, err
}
