package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/unitman/internal/manager"
	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

const serviceName = "unitman.v1.ControlPlane"

// Server exposes the manager over gRPC. One per daemon.
type Server struct {
	mgr *manager.Manager
	log *slog.Logger
}

func NewServer(mgr *manager.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{mgr: mgr, log: log}
}

// Register attaches the service to a grpc.Server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// mapError converts the core's typed errors into gRPC statuses. Policy
// errors carry their control-plane error code in the status message so a
// client can match on it.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*unitapi.ControlError); ok {
		switch ce {
		case unitapi.ErrNoSuchUnit:
			return status.Error(codes.NotFound, ce.Error())
		case unitapi.ErrUnitMasked, unitapi.ErrOnlyByDependency:
			return status.Error(codes.PermissionDenied, ce.Error())
		default:
			return status.Error(codes.FailedPrecondition, ce.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

func parseMode(s string) (unitapi.Mode, error) {
	if s == "" {
		return unitapi.ModeReplace, nil
	}
	mode, ok := unitapi.ParseMode(s)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "unknown mode %q", s)
	}
	return mode, nil
}

// jobVerb runs one mode-taking unit verb and wraps its job id.
func (s *Server) jobVerb(verb string, req *UnitRequest,
	call func(registry.UnitID, unitapi.Mode) (uint32, error)) (*JobReply, error) {

	reqID := uuid.NewString()
	mode, err := parseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	id, err := call(registry.UnitID(req.Unit), mode)
	if err != nil {
		s.log.Warn("control request failed",
			"request", reqID, "verb", verb, "unit", req.Unit, "err", err)
		return nil, mapError(err)
	}
	s.log.Info("control request",
		"request", reqID, "verb", verb, "unit", req.Unit, "mode", mode.String(), "job", id)
	reply := &JobReply{ID: id}
	if id != 0 {
		reply.Path = jobPath(id)
	}
	return reply, nil
}

func jobPath(id uint32) string {
	return fmt.Sprintf("/org/freedesktop/systemd1/job/%d", id)
}

func (s *Server) StartUnit(ctx context.Context, req *UnitRequest) (*JobReply, error) {
	return s.jobVerb("Start", req, s.mgr.StartUnit)
}

func (s *Server) StopUnit(ctx context.Context, req *UnitRequest) (*JobReply, error) {
	return s.jobVerb("Stop", req, s.mgr.StopUnit)
}

func (s *Server) ReloadUnit(ctx context.Context, req *UnitRequest) (*JobReply, error) {
	return s.jobVerb("Reload", req, s.mgr.ReloadUnit)
}

func (s *Server) RestartUnit(ctx context.Context, req *UnitRequest) (*JobReply, error) {
	return s.jobVerb("Restart", req, s.mgr.RestartUnit)
}

func (s *Server) TryRestartUnit(ctx context.Context, req *UnitRequest) (*JobReply, error) {
	return s.jobVerb("TryRestart", req, s.mgr.TryRestartUnit)
}

func (s *Server) ReloadOrRestartUnit(ctx context.Context, req *UnitRequest) (*JobReply, error) {
	return s.jobVerb("ReloadOrRestart", req, s.mgr.ReloadOrRestartUnit)
}

func (s *Server) ReloadOrTryRestartUnit(ctx context.Context, req *UnitRequest) (*JobReply, error) {
	return s.jobVerb("ReloadOrTryRestart", req, s.mgr.ReloadOrTryRestartUnit)
}

func (s *Server) IsolateUnit(ctx context.Context, req *UnitRequest) (*JobReply, error) {
	return s.jobVerb("Isolate", req, func(id registry.UnitID, _ unitapi.Mode) (uint32, error) {
		return s.mgr.IsolateUnit(id)
	})
}

func (s *Server) KillUnit(ctx context.Context, req *KillRequest) (*Empty, error) {
	var who unitapi.KillWho
	switch req.Who {
	case "main":
		who = unitapi.KillMain
	case "control":
		who = unitapi.KillControl
	case "all", "":
		who = unitapi.KillAll
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown kill target %q", req.Who)
	}
	if err := s.mgr.KillUnit(registry.UnitID(req.Unit), who, req.Signo); err != nil {
		return nil, mapError(err)
	}
	return &Empty{}, nil
}

func (s *Server) ResetFailedUnit(ctx context.Context, req *UnitRequest) (*Empty, error) {
	if err := s.mgr.ResetFailedUnit(registry.UnitID(req.Unit)); err != nil {
		return nil, mapError(err)
	}
	return &Empty{}, nil
}

func (s *Server) SetUnitProperties(ctx context.Context, req *SetPropertiesRequest) (*Empty, error) {
	if err := s.mgr.SetUnitProperties(registry.UnitID(req.Unit), req.Runtime, req.Properties); err != nil {
		return nil, mapError(err)
	}
	return &Empty{}, nil
}

func (s *Server) GetUnitProperties(ctx context.Context, req *UnitRequest) (*PropertiesReply, error) {
	st, err := s.mgr.UnitStatusOf(registry.UnitID(req.Unit))
	if err != nil {
		return nil, mapError(err)
	}
	return &PropertiesReply{Unit: st}, nil
}

func (s *Server) ListUnits(ctx context.Context, req *ListUnitsRequest) (*ListUnitsReply, error) {
	units, err := s.mgr.ListUnits()
	if err != nil {
		return nil, mapError(err)
	}
	return &ListUnitsReply{Units: units}, nil
}

// subscribe streams signals until the client goes away. The manager-side
// sink never blocks: a consumer that can't keep up loses each new event
// that arrives while its buffer is full, rather than stalling the loop.
func (s *Server) subscribe(stream grpc.ServerStream) error {
	var req SubscribeRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	ch := make(chan manager.Signal, 128)
	cancel := s.mgr.Subscribe(func(sig manager.Signal) {
		select {
		case ch <- sig:
		default:
		}
	})
	defer cancel()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case sig := <-ch:
			ev := SignalEvent{
				Kind: sig.Kind.String(),
				Unit: string(sig.Unit),
			}
			switch sig.Kind {
			case manager.SignalJobNew, manager.SignalJobRemoved:
				ev.JobID = sig.JobID
				ev.JobType = sig.JobType.String()
				if sig.Kind == manager.SignalJobRemoved {
					ev.Result = sig.Result.String()
				}
			case manager.SignalUnitChanged:
				ev.Active = sig.Active.String()
			}
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		}
	}
}

// unary builds one grpc.MethodDesc around a typed handler; the generated
// code a .pb.go would carry, written once generically instead.
func unary[Req any](name string, invoke func(*Server, context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return invoke(srv.(*Server), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) { return s.StartUnit(ctx, r) }),
		unary("StopUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) { return s.StopUnit(ctx, r) }),
		unary("ReloadUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) { return s.ReloadUnit(ctx, r) }),
		unary("RestartUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) { return s.RestartUnit(ctx, r) }),
		unary("TryRestartUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) { return s.TryRestartUnit(ctx, r) }),
		unary("ReloadOrRestartUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) {
			return s.ReloadOrRestartUnit(ctx, r)
		}),
		unary("ReloadOrTryRestartUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) {
			return s.ReloadOrTryRestartUnit(ctx, r)
		}),
		unary("IsolateUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) { return s.IsolateUnit(ctx, r) }),
		unary("KillUnit", func(s *Server, ctx context.Context, r *KillRequest) (any, error) { return s.KillUnit(ctx, r) }),
		unary("ResetFailedUnit", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) { return s.ResetFailedUnit(ctx, r) }),
		unary("SetUnitProperties", func(s *Server, ctx context.Context, r *SetPropertiesRequest) (any, error) {
			return s.SetUnitProperties(ctx, r)
		}),
		unary("GetUnitProperties", func(s *Server, ctx context.Context, r *UnitRequest) (any, error) { return s.GetUnitProperties(ctx, r) }),
		unary("ListUnits", func(s *Server, ctx context.Context, r *ListUnitsRequest) (any, error) { return s.ListUnits(ctx, r) }),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(*Server).subscribe(stream)
			},
		},
	},
}
