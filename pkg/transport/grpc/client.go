package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-peerservice/pkg/transport"
)

// Client is the gRPC management client. Connections are cached per address
// until Close.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    mu    sync.Mutex
    conns map[string]*grpc.ClientConn
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout, conns: make(map[string]*grpc.ClientConn)}
}

// UseTLS sets TLS config for the client. It applies to connections dialed
// afterwards.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.mu.Lock()
    c.tlsCfg = cfg
    c.mu.Unlock()
    return c
}

func errUnsupported(what string) error { return fmt.Errorf("%s not supported", what) }

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if cc, ok := c.conns[addr]; ok { return cc, nil }
    creds := insecure.NewCredentials()
    if c.tlsCfg != nil { creds = credentials.NewTLS(c.tlsCfg) }
    cc, err := grpc.NewClient(addr,
        grpc.WithTransportCredentials(creds),
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype(codecName)),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    )
    if err != nil { return nil, err }
    c.conns[addr] = cc
    return cc, nil
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, err := c.conn(addr)
    if err != nil { return err }
    return cc.Invoke(cctx, "/"+ServiceName+"/"+method, in, out, grpc.WaitForReady(true))
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) GetMembers(ctx context.Context, addr string) (transport.MembersResponse, error) {
    var resp transport.MembersResponse
    if err := c.invoke(ctx, addr, "Members", &empty{}, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) PostCall(ctx context.Context, addr string, req transport.CallRequest) (transport.CallResponse, error) {
    var resp transport.CallResponse
    if err := c.invoke(ctx, addr, "Call", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

// Health queries the standard gRPC health service for the management
// service.
func (c *Client) Health(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, err := c.conn(addr)
    if err != nil { return healthpb.HealthCheckResponse_UNKNOWN, err }
    resp, err := healthpb.NewHealthClient(cc).Check(cctx, &healthpb.HealthCheckRequest{Service: ServiceName})
    if err != nil { return healthpb.HealthCheckResponse_UNKNOWN, err }
    return resp.GetStatus(), nil
}

// Close releases all cached connections.
func (c *Client) Close() error {
    c.mu.Lock()
    defer c.mu.Unlock()
    var errs []error
    for addr, cc := range c.conns {
        errs = append(errs, cc.Close())
        delete(c.conns, addr)
    }
    return errors.Join(errs...)
}

var _ transport.RPCClient = (*Client)(nil)
