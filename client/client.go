package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"runtime"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/pathutil"
	"pkt.systems/bridged/internal/svcfields"
	"pkt.systems/bridged/internal/version"
	"pkt.systems/bridged/internal/wire"
)

// DefaultTimeout bounds one request/response exchange when the caller's
// context carries no deadline.
const DefaultTimeout = 30 * time.Second

// Client talks to one bridged endpoint. Every call dials a fresh connection,
// writes one request and reads one response. It is safe for concurrent use.
type Client struct {
	network       string
	address       string
	timeout       time.Duration
	clientVersion string
	logger        pslog.Logger
}

// ResponseError is returned by Invoke when the daemon answers with
// success=false.
type ResponseError struct {
	Kind      string
	Message   string
	RequestID string
	Errors    []string
}

func (e *ResponseError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// ErrorKind returns the wire error kind carried by err, or "" when err is not
// a *ResponseError.
func ErrorKind(err error) string {
	var rerr *ResponseError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

// Option customises client construction.
type Option func(*Client)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithClientVersion sets the client_version field sent with every request.
func WithClientVersion(v string) Option {
	return func(c *Client) {
		c.clientVersion = v
	}
}

// ParseEndpoint resolves an endpoint string into a network and address.
// Accepted forms: unix:///path, a bare filesystem path, tcp://host:port and
// host:port.
func ParseEndpoint(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", fmt.Errorf("client: endpoint required")
	}
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("client: parse endpoint: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "unix":
			p := u.Path
			if u.Host != "" {
				p = u.Host + u.Path
			}
			if p == "" {
				return "", "", fmt.Errorf("client: unix endpoint %q has no path", raw)
			}
			expanded, err := pathutil.ExpandUserAndEnv(p)
			if err != nil {
				return "", "", err
			}
			return "unix", expanded, nil
		case "tcp":
			if u.Host == "" {
				return "", "", fmt.Errorf("client: tcp endpoint %q has no host", raw)
			}
			return "tcp", u.Host, nil
		default:
			return "", "", fmt.Errorf("client: unsupported endpoint scheme %q", u.Scheme)
		}
	}
	if strings.ContainsAny(trimmed, `/\`) || strings.HasPrefix(trimmed, "~") || (runtime.GOOS != "windows" && !strings.Contains(trimmed, ":")) {
		expanded, err := pathutil.ExpandUserAndEnv(trimmed)
		if err != nil {
			return "", "", err
		}
		return "unix", expanded, nil
	}
	return "tcp", trimmed, nil
}

// New creates a client for endpoint.
// Example:
//
//	cli, err := client.New("unix:///tmp/bridged.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := cli.Call(ctx, "test", "ping", nil)
func New(endpoint string, opts ...Option) (*Client, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c := &Client{
		network:       network,
		address:       address,
		timeout:       DefaultTimeout,
		clientVersion: "bridged-go/" + version.Current(),
		logger:        pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint reports the resolved network and address.
func (c *Client) Endpoint() (string, string) { return c.network, c.address }

// Do sends req and returns the daemon's response. A failure response is not
// an error; transport problems are.
func (c *Client) Do(ctx context.Context, req api.Request) (api.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if req.ClientVersion == "" {
		req.ClientVersion = c.clientVersion
	}
	if req.Timestamp == 0 {
		req.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return api.Response{}, fmt.Errorf("client: dial %s %s: %w", c.network, c.address, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	started := time.Now()
	if err := wire.WriteRequest(conn, req); err != nil {
		return api.Response{}, err
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return api.Response{}, fmt.Errorf("client: %s.%s: %w", req.Module, req.Function, ctxErr)
		}
		return api.Response{}, err
	}
	c.logger.Debug("client.call",
		"module", req.Module,
		"function", req.Function,
		"success", resp.Success,
		"error_type", resp.ErrorType,
		"elapsed", time.Since(started),
	)
	return resp, nil
}

// Call is Do with the request fields spelled out.
func (c *Client) Call(ctx context.Context, module, function string, params any) (api.Response, error) {
	return c.Do(ctx, api.Request{Module: module, Function: function, Params: params})
}

// Invoke calls module.function and decodes the result into out (which may be
// nil). A failure response is returned as *ResponseError.
func (c *Client) Invoke(ctx context.Context, module, function string, params any, out any) error {
	resp, err := c.Call(ctx, module, function, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &ResponseError{Kind: resp.ErrorType, Message: resp.Error, RequestID: resp.RequestID, Errors: resp.Errors}
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("client: re-encode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode %s.%s result: %w", module, function, err)
	}
	return nil
}

// Ping calls test.ping.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.Invoke(ctx, "test", "ping", nil, &out); err != nil {
		return err
	}
	if out.Message != "pong" {
		return fmt.Errorf("client: unexpected ping reply %q", out.Message)
	}
	return nil
}
