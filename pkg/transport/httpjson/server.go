package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    "github.com/amirimatin/go-peerservice/pkg/observability/tracing"
    "github.com/amirimatin/go-peerservice/pkg/transport"
)

// Server is a minimal HTTP server exposing the management endpoints plus
// metrics and healthz.
type Server struct {
    bind   string
    log    *zerolog.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *zerolog.Logger) *Server {
    return &Server{bind: bind, log: logutil.Component(logger, "httpjson")}
}

// UseTLS serves HTTPS with cfg. A nil cfg keeps plain HTTP.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start launches the HTTP server and registers handlers backed by h. The
// server is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        data, err := h.Status(ctx)
        end(err)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/members", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Members == nil { http.Error(w, "members not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.members")
        resp, err := h.Members(ctx)
        end(err)
        if err != nil && resp.Error == "" { resp.Error = err.Error() }
        writeJSON(w, err, resp)
    })
    mux.HandleFunc("/leave", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Leave == nil { http.Error(w, "leave not supported", http.StatusNotImplemented); return }
        var req transport.LeaveRequest
        if err := decodeBody(r, &req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.leave")
        resp, err := h.Leave(ctx, req)
        end(err)
        if err != nil && resp.Error == "" { resp.Error = err.Error() }
        writeJSON(w, err, resp)
    })
    mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Call == nil { http.Error(w, "call not supported", http.StatusNotImplemented); return }
        var req transport.CallRequest
        if err := decodeBody(r, &req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.call")
        resp, err := h.Call(ctx, req)
        end(err)
        if err != nil && resp.Error == "" { resp.Error = err.Error() }
        writeJSON(w, err, resp)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv, s.ln = srv, ln
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            s.log.Error().Err(err).Msg("server error")
        }
    }()
    s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.tlsCfg != nil).Msg("management server listening")
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

func decodeBody(r *http.Request, v any) error {
    if r.ContentLength == 0 { return nil }
    return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, err error, v any) {
    w.Header().Set("Content-Type", "application/json")
    if err != nil { w.WriteHeader(http.StatusInternalServerError) }
    _ = json.NewEncoder(w).Encode(v)
}

var _ transport.RPCServer = (*Server)(nil)
