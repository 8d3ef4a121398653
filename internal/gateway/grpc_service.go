package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/dispatch"
	"github.com/haasonsaas/taskgate/internal/execution"
	"github.com/haasonsaas/taskgate/internal/ledger"
	"github.com/haasonsaas/taskgate/internal/runs"
)

const (
	dispatchServiceName = "taskgate.v1.DispatchService"

	// JSONContentSubtype selects the JSON codec on calls to the dispatch
	// service, e.g. grpc.CallContentSubtype(JSONContentSubtype).
	JSONContentSubtype = "json"

	defaultWatchInterval = 500 * time.Millisecond
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the dispatch service messages, which are plain Go
// structs shared with the HTTP API.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONContentSubtype }

// RunRequest names the run a run RPC acts on.
type RunRequest struct {
	RunID string `json:"runId"`
}

type dispatchServer interface {
	Dispatch(context.Context, *dispatch.Request) (*dispatch.Response, error)
	GetRun(context.Context, *RunRequest) (*dispatch.RunDetail, error)
	CancelRun(context.Context, *RunRequest) (*runs.Run, error)
	WatchRun(*RunRequest, grpc.ServerStream) error
}

var dispatchServiceDesc = grpc.ServiceDesc{
	ServiceName: dispatchServiceName,
	HandlerType: (*dispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: unaryHandler("Dispatch", dispatchServer.Dispatch)},
		{MethodName: "GetRun", Handler: unaryHandler("GetRun", dispatchServer.GetRun)},
		{MethodName: "CancelRun", Handler: unaryHandler("CancelRun", dispatchServer.CancelRun)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchRun",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(RunRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(dispatchServer).WatchRun(in, stream)
			},
		},
	},
	Metadata: "taskgate/v1/dispatch",
}

func unaryHandler[Req, Resp any](method string, call func(dispatchServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + dispatchServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(dispatchServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*Req))
		})
	}
}

// grpcService exposes the dispatcher to gRPC callers.
type grpcService struct {
	dispatcher    *dispatch.Dispatcher
	logger        *slog.Logger
	watchInterval time.Duration
}

func newGRPCService(dispatcher *dispatch.Dispatcher, watchInterval time.Duration, logger *slog.Logger) *grpcService {
	if watchInterval <= 0 {
		watchInterval = defaultWatchInterval
	}
	return &grpcService{dispatcher: dispatcher, logger: logger, watchInterval: watchInterval}
}

func (g *grpcService) Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	if req.RequestID == "" {
		req.RequestID = idempotencyKeyFromMetadata(ctx)
	}
	identity, _ := auth.ResultFromContext(ctx)
	resp, err := g.dispatcher.Dispatch(ctx, *req, identity)
	if err != nil {
		return nil, rpcError(err)
	}
	return resp, nil
}

func (g *grpcService) GetRun(ctx context.Context, req *RunRequest) (*dispatch.RunDetail, error) {
	identity, _ := auth.ResultFromContext(ctx)
	detail, err := g.dispatcher.RunDetail(ctx, req.RunID, identity)
	if err != nil {
		return nil, rpcError(err)
	}
	return detail, nil
}

func (g *grpcService) CancelRun(ctx context.Context, req *RunRequest) (*runs.Run, error) {
	identity, _ := auth.ResultFromContext(ctx)
	run, err := g.dispatcher.Cancel(ctx, req.RunID, identity)
	if err != nil {
		return nil, rpcError(err)
	}
	return run, nil
}

// WatchRun streams the run each time its status or phase changes and ends
// once the run is terminal.
func (g *grpcService) WatchRun(req *RunRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	identity, _ := auth.ResultFromContext(ctx)
	ticker := time.NewTicker(g.watchInterval)
	defer ticker.Stop()

	var last *runs.Run
	for {
		run, err := g.dispatcher.GetRun(ctx, req.RunID, identity)
		if err != nil {
			return rpcError(err)
		}
		if last == nil || run.Status != last.Status || run.CurrentPhase != last.CurrentPhase {
			if err := stream.SendMsg(run); err != nil {
				return err
			}
			last = run
		}
		if run.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}

func idempotencyKeyFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, key := range []string{"idempotency-key", "x-request-id"} {
		for _, value := range md.Get(key) {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// rpcError maps a dispatch error onto a gRPC status.
func rpcError(err error) error {
	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return status.Errorf(codes.FailedPrecondition, "insufficient credits: available %d, cost %d",
			insufficient.Balance.Available, insufficient.Cost)
	}
	e := execution.Normalize(err)
	return status.Error(grpcCode(e.Code), e.Message)
}

func grpcCode(code execution.Code) codes.Code {
	switch code {
	case execution.CodeInputValidation:
		return codes.InvalidArgument
	case execution.CodePermissionDenied:
		return codes.PermissionDenied
	case execution.CodePermissionRateLimit, execution.CodeResourceMemory:
		return codes.ResourceExhausted
	case execution.CodeTimeoutTotal, execution.CodeTimeoutNetwork:
		return codes.DeadlineExceeded
	case execution.CodeExternalAPI, execution.CodeExternalUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
