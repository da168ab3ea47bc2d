package bridged

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/bridged/client"
	"pkt.systems/bridged/internal/governor"
	"pkt.systems/bridged/internal/records"
	"pkt.systems/pslog"
)

// TestServer wraps a running bridged.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	Endpoint string
	Client   *client.Client
	Config   Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	if level == pslog.NoLevel {
		level = pslog.DebugLevel
	}
	return pslog.NewWithOptions(writer, pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}

// NewClient returns a new client configured against the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.New(ts.Endpoint, opts...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	serverOpts    []Option
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields are
// defaulted during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket configures the server to listen on the provided unix socket path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = path
	})
}

// WithTestRecords sets the durable record store URL.
func WithTestRecords(url string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Records = url
	})
}

// WithTestBackend injects a pre-built record backend, for example one shared
// between two servers.
func WithTestBackend(backend records.Backend) TestServerOption {
	return WithTestServerOptions(WithBackend(backend))
}

// WithTestSampler replaces the process sampler feeding the governor.
func WithTestSampler(s governor.Sampler) TestServerOption {
	return WithTestServerOptions(WithSampler(s))
}

// WithTestServerOptions appends raw server options.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs to the provided testing logger at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestClientOptions appends client options used when auto-constructing the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a bridged server suitable for tests: in-memory
// records, a socket in a fresh temporary directory, no maintenance loops and
// an idle resource sampler. Call Stop to clean up resources.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Records:         "mem://",
			CleanupInterval: -1,
			HealthInterval:  -1,
			SampleInterval:  -1,
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	var tempDir string
	if cfg.Listen == "" {
		dir, err := os.MkdirTemp("", "bridged-test-")
		if err != nil {
			return nil, fmt.Errorf("test server: socket dir: %w", err)
		}
		tempDir = dir
		cfg.ListenProto = "unix"
		cfg.Listen = filepath.Join(dir, "bridged.sock")
	}
	removeTemp := func() {
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	serverOpts := append([]Option{WithLogger(logger), WithSampler(&governor.StaticSampler{})}, options.serverOpts...)

	type startResult struct {
		srv  *Server
		stop func(context.Context) error
		err  error
	}
	ctxServer, cancel := context.WithCancel(context.Background())
	resultCh := make(chan startResult, 1)
	go func() {
		srv, stop, err := StartServer(ctxServer, cfg, serverOpts...)
		resultCh <- startResult{srv: srv, stop: stop, err: err}
	}()
	var (
		res     startResult
		timeout <-chan time.Time
		ctxDone <-chan struct{}
	)
	if options.startTimeout > 0 {
		timeout = time.After(options.startTimeout)
	}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	select {
	case res = <-resultCh:
	case <-timeout:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = fmt.Errorf("test server start timeout after %s", options.startTimeout)
		}
	case <-ctxDone:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		cancel()
		removeTemp()
		return nil, res.err
	}
	srv := res.srv
	stop := func(stopCtx context.Context) error {
		defer removeTemp()
		defer cancel()
		return res.stop(stopCtx)
	}

	endpoint := "unix://" + srv.cfg.Listen
	if srv.cfg.ListenProto == "tcp" {
		endpoint = "tcp://" + srv.ListenerAddr().String()
	}
	ts := &TestServer{
		Server:   srv,
		Endpoint: endpoint,
		Config:   srv.cfg,
		stop:     stop,
	}
	if !options.disableClient {
		cli, err := client.New(endpoint, options.clientOpts...)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
