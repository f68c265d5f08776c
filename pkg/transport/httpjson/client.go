package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-peerservice/pkg/transport"
)

// Client is a thin HTTP client for the management API with simple retry
// and backoff on connection errors.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config of the underlying transport and switches the
// scheme to https. A nil cfg keeps plain HTTP.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.transport.TLSClientConfig = cfg
    c.isTLS = cfg != nil
    return c
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    b, status, err := c.do(ctx, http.MethodGet, addr, "/status", nil)
    if err != nil { return nil, err }
    if status != http.StatusOK { return nil, fmt.Errorf("status %d: %s", status, bytes.TrimSpace(b)) }
    return b, nil
}

func (c *Client) GetMembers(ctx context.Context, addr string) (transport.MembersResponse, error) {
    var out transport.MembersResponse
    err := c.roundTrip(ctx, http.MethodGet, addr, "/members", nil, &out, &out.Error)
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := c.roundTrip(ctx, http.MethodPost, addr, "/leave", req, &out, &out.Error)
    return out, err
}

func (c *Client) PostCall(ctx context.Context, addr string, req transport.CallRequest) (transport.CallResponse, error) {
    var out transport.CallResponse
    err := c.roundTrip(ctx, http.MethodPost, addr, "/call", req, &out, &out.Error)
    return out, err
}

// roundTrip sends in as JSON and decodes the reply into out. A non-200
// reply becomes an error, preferring the server supplied *errField.
func (c *Client) roundTrip(ctx context.Context, method, addr, path string, in, out any, errField *string) error {
    var body []byte
    if in != nil {
        var err error
        if body, err = json.Marshal(in); err != nil { return err }
    }
    b, status, err := c.do(ctx, method, addr, path, body)
    if err != nil { return err }
    _ = json.Unmarshal(b, out)
    if status != http.StatusOK {
        if *errField != "" { return errors.New(*errField) }
        return fmt.Errorf("%s status %d: %s", path, status, bytes.TrimSpace(b))
    }
    return nil
}

func (c *Client) do(ctx context.Context, method, addr, path string, body []byte) ([]byte, int, error) {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    url := fmt.Sprintf("%s://%s%s", scheme, addr, path)
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
        if err != nil { return nil, 0, err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err == nil {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            return b, resp.StatusCode, rerr
        }
        lastErr = err
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return nil, 0, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, 0, lastErr
}

var _ transport.RPCClient = (*Client)(nil)
