package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// StartRunRequest is the start_run request payload (spec §6). Timestamp is
// optional; nil means "use the server's clock".
type StartRunRequest struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// StartRunResponse is the start_run response payload.
type StartRunResponse struct {
	RunName string `json:"run_name"`
	RunID   string `json:"run_id"`
}

// EndRunRequest is empty; end_run takes no arguments.
type EndRunRequest struct{}

// EndRunResponse is empty; end_run returns nothing on success.
type EndRunResponse struct{}

// InfoRequest is empty; info takes no arguments.
type InfoRequest struct{}

// InfoResponse is the info response payload (spec §6).
type InfoResponse struct {
	PipelineName          string   `json:"pipeline_name"`
	RunName               string   `json:"run_name,omitempty"`
	RunID                 string   `json:"run_id,omitempty"`
	RunTimeSeconds        float64  `json:"run_time_seconds,omitempty"`
	WatchedProcessesCount int      `json:"watched_processes_count"`
	Preview               []string `json:"preview"`
	MatchedTasks          []string `json:"matched_tasks"`
}

// UpdateTagsRequest is the update_tags request payload.
type UpdateTagsRequest struct {
	Names []string `json:"names"`
}

// UpdateTagsResponse is empty; update_tags returns nothing on success.
type UpdateTagsResponse struct{}

// LogRequest is the log request payload.
type LogRequest struct {
	Message string `json:"message"`
}

// LogResponse is empty.
type LogResponse struct{}

// AlertRequest is the alert request payload.
type AlertRequest struct {
	Message string `json:"message"`
}

// AlertResponse is empty.
type AlertResponse struct{}

// Core is implemented by the run supervisor (internal/agent) and consumed
// by the Server below. Defined here rather than in internal/agent to avoid
// an import cycle: internal/agent depends on internal/rpc to register
// itself, not the other way around.
type Core interface {
	// StartRun begins a new observation run. It returns (nil, nil) when a
	// run is already active (spec §6 "or null when a run is already
	// active").
	StartRun(ctx context.Context, timestamp *time.Time) (*StartRunResponse, error)
	EndRun(ctx context.Context) error
	Info(ctx context.Context) (*InfoResponse, error)
	UpdateTags(ctx context.Context, names []string) error
	Log(ctx context.Context, message string) error
	Alert(ctx context.Context, message string) error
}

// Server adapts a Core to the hand-registered gRPC service descriptor
// below.
type Server struct {
	core Core
}

// NewServer wraps core for registration via Register.
func NewServer(core Core) *Server {
	return &Server{core: core}
}

func (s *Server) startRun(ctx context.Context, req *StartRunRequest) (*StartRunResponse, error) {
	resp, err := s.core.StartRun(ctx, req.Timestamp)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &StartRunResponse{}, nil
	}
	return resp, nil
}

func (s *Server) endRun(ctx context.Context, _ *EndRunRequest) (*EndRunResponse, error) {
	if err := s.core.EndRun(ctx); err != nil {
		return nil, err
	}
	return &EndRunResponse{}, nil
}

func (s *Server) info(ctx context.Context, _ *InfoRequest) (*InfoResponse, error) {
	return s.core.Info(ctx)
}

func (s *Server) updateTags(ctx context.Context, req *UpdateTagsRequest) (*UpdateTagsResponse, error) {
	if err := s.core.UpdateTags(ctx, req.Names); err != nil {
		return nil, err
	}
	return &UpdateTagsResponse{}, nil
}

func (s *Server) log(ctx context.Context, req *LogRequest) (*LogResponse, error) {
	if err := s.core.Log(ctx, req.Message); err != nil {
		return nil, err
	}
	return &LogResponse{}, nil
}

func (s *Server) alert(ctx context.Context, req *AlertRequest) (*AlertResponse, error) {
	if err := s.core.Alert(ctx, req.Message); err != nil {
		return nil, err
	}
	return &AlertResponse{}, nil
}

// serviceName is the gRPC service path component
// ("/<serviceName>/<method>").
const serviceName = "tracer.rpc.RunControl"

// handler adapts one Server method into the grpc.MethodHandler shape
// required by grpc.ServiceDesc. Generic over the request type so each
// registration below stays a one-liner.
func handler[Req any, Resp any](fn func(*Server, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return fn(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: s, FullMethod: serviceName}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*Req))
		})
	}
}

// ServiceDesc is the hand-registered descriptor that stands in for
// protoc-generated _grpc.pb.go output. Register it with grpc.NewServer via
// RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Core)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartRun", Handler: handler(func(s *Server, ctx context.Context, req *StartRunRequest) (*StartRunResponse, error) {
			return s.startRun(ctx, req)
		})},
		{MethodName: "EndRun", Handler: handler(func(s *Server, ctx context.Context, req *EndRunRequest) (*EndRunResponse, error) {
			return s.endRun(ctx, req)
		})},
		{MethodName: "Info", Handler: handler(func(s *Server, ctx context.Context, req *InfoRequest) (*InfoResponse, error) {
			return s.info(ctx, req)
		})},
		{MethodName: "UpdateTags", Handler: handler(func(s *Server, ctx context.Context, req *UpdateTagsRequest) (*UpdateTagsResponse, error) {
			return s.updateTags(ctx, req)
		})},
		{MethodName: "Log", Handler: handler(func(s *Server, ctx context.Context, req *LogRequest) (*LogResponse, error) {
			return s.log(ctx, req)
		})},
		{MethodName: "Alert", Handler: handler(func(s *Server, ctx context.Context, req *AlertRequest) (*AlertResponse, error) {
			return s.alert(ctx, req)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tracer/rpc.proto",
}

// Register attaches core's Server adapter to grpcServer under ServiceDesc.
func Register(grpcServer *grpc.Server, core Core) {
	grpcServer.RegisterService(&ServiceDesc, NewServer(core))
}
