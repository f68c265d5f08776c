package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "github.com/rs/zerolog"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    "github.com/amirimatin/go-peerservice/pkg/observability/tracing"
    "github.com/amirimatin/go-peerservice/pkg/transport"
)

// ServiceName is the fully-qualified management service name.
const ServiceName = "peerservice.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    log    *zerolog.Logger
    tlsCfg *tls.Config

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
}

func NewServer(bind string, logger *zerolog.Logger) *Server {
    return &Server{bind: bind, log: logutil.Component(logger, "grpc")}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
    Data []byte `json:"data"`
}

// managementServer defines the methods we expose.
type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Members(ctx context.Context, in *empty) (*transport.MembersResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
    Call(ctx context.Context, in *transport.CallRequest) (*transport.CallResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if m.h.Status == nil { return nil, errUnsupported("status") }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    b, err := m.h.Status(ctx)
    end(err)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Members(ctx context.Context, _ *empty) (*transport.MembersResponse, error) {
    if m.h.Members == nil { return &transport.MembersResponse{Error: "members not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.members")
    out, err := m.h.Members(ctx)
    end(err)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if in == nil { in = &transport.LeaveRequest{} }
    if m.h.Leave == nil { return &transport.LeaveResponse{Accepted: false, Error: "leave not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    out, err := m.h.Leave(ctx, *in)
    end(err)
    if err != nil { return &transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Call(ctx context.Context, in *transport.CallRequest) (*transport.CallResponse, error) {
    if in == nil { in = &transport.CallRequest{} }
    if m.h.Call == nil { return &transport.CallResponse{Error: "call not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.call")
    out, err := m.h.Call(ctx, *in)
    end(err)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: ServiceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
        {MethodName: "Members", Handler: _Management_Members_Handler},
        {MethodName: "Leave", Handler: _Management_Leave_Handler},
        {MethodName: "Call", Handler: _Management_Call_Handler},
    },
}

func _Management_GetStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetStatus"}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(managementServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Members_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Members(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Members"}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(managementServer).Members(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Leave_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(transport.LeaveRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Leave(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Leave"}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(managementServer).Leave(ctx, req.(*transport.LeaveRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Call_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(transport.CallRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Call(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Call"}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(managementServer).Call(ctx, req.(*transport.CallRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})
    hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

    s.mu.Lock()
    s.lis, s.srv, s.health = lis, srv, hs
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() {
        if err := srv.Serve(lis); err != nil {
            s.log.Error().Err(err).Msg("server error")
        }
    }()
    s.log.Info().Str("addr", lis.Addr().String()).Msg("management server listening")
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, hs := s.srv, s.health
    s.srv, s.health = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
