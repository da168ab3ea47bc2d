package bridged

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/audit"
	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/dbi"
	"pkt.systems/bridged/internal/dispatch"
	"pkt.systems/bridged/internal/governor"
	"pkt.systems/bridged/internal/loggingutil"
	"pkt.systems/bridged/internal/maintenance"
	"pkt.systems/bridged/internal/peercred"
	"pkt.systems/bridged/internal/pathutil"
	"pkt.systems/bridged/internal/records"
	"pkt.systems/bridged/internal/registry"
	"pkt.systems/bridged/internal/secret"
	"pkt.systems/bridged/internal/svcfields"
	"pkt.systems/bridged/internal/validate"
	"pkt.systems/bridged/internal/wire"
)

// Server owns the listener and every component a request passes through.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	backend    records.Backend
	sealer     secret.Sealer
	governor   *governor.Governor
	auditor    *audit.Auditor
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	validator  *validate.Validator
	database   *dbi.Adapter
	loops      *maintenance.Loops
	telemetry  *telemetryBundle
	closers    []io.Closer

	listener   net.Listener
	socketPath string
	readyOnce  sync.Once
	readyCh    chan struct{}

	acceptCtx    context.Context
	acceptCancel context.CancelFunc
	handlersMu   sync.Mutex
	closing      bool
	handlers     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Clock   clock.Clock
	Backend records.Backend
	Sealer  secret.Sealer
	Sampler governor.Sampler
	Modules []registry.Module
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithBackend injects a pre-built record backend (useful for tests). The
// server closes it on shutdown.
func WithBackend(b records.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithSealer overrides the configured credential sealer.
func WithSealer(s secret.Sealer) Option {
	return func(o *options) {
		o.Sealer = s
	}
}

// WithSampler replaces the process resource sampler.
func WithSampler(s governor.Sampler) Option {
	return func(o *options) {
		o.Sampler = s
	}
}

// WithModules registers additional adapter modules next to database.
func WithModules(modules ...registry.Module) Option {
	return func(o *options) {
		o.Modules = append(o.Modules, modules...)
	}
}

// NewServer constructs a bridged server according to cfg.
// Example:
//
//	cfg := bridged.Config{Listen: "/run/bridged.sock", Records: "disk:///var/lib/bridged"}
//	srv, err := bridged.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := clock.Ensure(o.Clock)
	s := &Server{
		cfg:          cfg,
		logger:       svcfields.WithSubsystem(logger, "bridged.server"),
		clock:        serverClock,
		readyCh:      make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.closeResources(context.Background())
		}
	}()

	s.telemetry, err = setupTelemetry(context.Background(), telemetryOptions{
		OTLPEndpoint:     cfg.OTLPEndpoint,
		MetricsListen:    cfg.MetricsListen,
		PprofListen:      cfg.PprofListen,
		ProfilingMetrics: cfg.EnableProfilingMetrics,
		Health: func() (string, []string) {
			if s.governor == nil {
				return "healthy", nil
			}
			return s.governor.Health()
		},
	}, svcfields.WithSubsystem(logger, "bridged.telemetry"))
	if err != nil {
		return nil, err
	}

	s.backend = o.Backend
	if s.backend == nil {
		s.backend, err = records.Open(context.Background(), cfg.Records, records.Options{
			Clock:  serverClock,
			Logger: logger,
			Watch:  cfg.RecordWatch,
		})
		if err != nil {
			return nil, fmt.Errorf("bridged: open records: %w", err)
		}
	}
	s.sealer = o.Sealer
	if s.sealer == nil {
		s.sealer, err = secret.New(cfg.CredentialSealer, secret.Options{
			KeyFile: cfg.CredentialKeyFile,
			Keyring: secret.KeyringOptions{
				Backends:     cfg.KeyringBackends,
				FileDir:      cfg.KeyringFileDir,
				FilePassword: cfg.KeyringPassword,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("bridged: credential sealer: %w", err)
		}
	}
	if s.sealer.Name() == secret.NameXOR {
		s.logger.Warn("bridged.credentials.obfuscated", "sealer", secret.NameXOR, "impact", "stored credentials are reversible without a key")
	}

	s.governor = governor.New(governor.Config{
		Limits: governor.Limits{
			MaxMemoryBytes:       cfg.MaxMemoryBytes,
			MaxCPUPercent:        cfg.MaxCPUPercent,
			MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
			MaxConcurrent:        int64(cfg.MaxConcurrent),
			MaxConnections:       int64(cfg.MaxConnections),
		},
		Sampler: o.Sampler,
		Clock:   serverClock,
		Logger:  logger,
	})

	auditLogger := logger
	if cfg.AuditLog != "" {
		if err := pathutil.EnsureParent(cfg.AuditLog); err != nil {
			return nil, fmt.Errorf("bridged: audit log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.AuditLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("bridged: open audit log: %w", err)
		}
		s.closers = append(s.closers, f)
		auditLogger = pslog.NewWithOptions(f, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}).With("app", "bridged")
	}
	var sinks []audit.Sink
	if cfg.AuditNATSURL != "" {
		sink, err := audit.NewNATSSink(cfg.AuditNATSURL, cfg.AuditNATSSubject, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	s.auditor = audit.New(audit.Config{Clock: serverClock, Logger: auditLogger, Sinks: sinks})

	s.database, err = dbi.New(dbi.Config{
		Backend:       s.backend,
		Sealer:        s.sealer,
		RecordTTL:     cfg.RecordTTL,
		CacheCapacity: cfg.CacheCapacity,
		CacheIdle:     cfg.ConnectionTimeout,
		Clock:         serverClock,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	modules := append([]registry.Module{s.database.Module()}, o.Modules...)
	s.registry, err = registry.New(dispatch.Reserved(), modules...)
	if err != nil {
		return nil, err
	}

	s.dispatcher = dispatch.New(dispatch.Config{
		Registry:    s.registry,
		Governor:    s.governor,
		Auditor:     s.auditor,
		Debug:       cfg.Debug,
		Clock:       serverClock,
		Logger:      logger,
		Endpoint:    cfg.Listen,
		Settings:    cfg.settings(),
		Connections: s.database.Connections,
		Shutdown:    s.requestShutdown,
	})

	var policies *validate.PolicySet
	if cfg.PolicyFile != "" {
		policies, err = validate.LoadPolicies(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		s.logger.Info("bridged.policies.loaded", "file", cfg.PolicyFile, "count", policies.Len())
	}
	s.validator = validate.New(validate.Config{
		Limits: validate.Limits{
			MaxStringLength: cfg.MaxStringLength,
			MaxArrayLength:  cfg.MaxArrayLength,
			MaxObjectDepth:  cfg.MaxObjectDepth,
			MaxParams:       cfg.MaxParams,
		},
		Strict:    !cfg.LenientValidation,
		Admin:     dispatch.AdminFunctions(),
		Whitelist: s.dispatcher,
		Policies:  policies,
	})

	s.loops, err = maintenance.New(maintenance.Config{
		Clock:  serverClock,
		Logger: logger,
		Tasks: []maintenance.Task{
			maintenance.StaleSweep(cfg.CleanupInterval, s.registry.Cleanup, s.dispatcher.MarkCleanup, serverClock, logger),
			maintenance.HealthLog(cfg.HealthInterval, s.governor, s.dispatcher.Perf(), logger),
			maintenance.ResourceSample(cfg.SampleInterval, s.governor),
		},
	})
	if err != nil {
		return nil, err
	}
	s.acceptCtx, s.acceptCancel = context.WithCancel(context.Background())
	return s, nil
}

// settings is the subset of the configuration reported by system.info.
func (c Config) settings() map[string]any {
	return map[string]any{
		"listen_proto":            c.ListenProto,
		"max_connections":         c.MaxConnections,
		"max_request_bytes":       c.MaxRequestBytes,
		"read_timeout":            c.ReadTimeout.String(),
		"connection_timeout":      c.ConnectionTimeout.String(),
		"cleanup_interval":        c.CleanupInterval.String(),
		"max_memory_bytes":        c.MaxMemoryBytes,
		"max_cpu_percent":         c.MaxCPUPercent,
		"max_requests_per_minute": c.MaxRequestsPerMinute,
		"max_concurrent":          c.MaxConcurrent,
		"strict_validation":       !c.LenientValidation,
		"record_ttl":              c.RecordTTL.String(),
		"credential_sealer":       c.CredentialSealer,
		"cache_capacity":          c.CacheCapacity,
		"debug":                   c.Debug,
	}
}

// ErrEndpointInUse is returned by Start when another daemon already answers
// on the configured unix socket.
var ErrEndpointInUse = errors.New("endpoint already in use")

// removeStaleSocket deletes a leftover socket file only when nothing answers
// on it.
func removeStaleSocket(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("listen unix %s: %w", path, ErrEndpointInUse)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("dial existing unix socket %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale unix socket: %w", err)
	}
	return nil
}

// Start binds the endpoint and serves until Shutdown is called.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := removeStaleSocket(s.cfg.Listen); err != nil {
			return err
		}
		if err := pathutil.EnsureParent(s.cfg.Listen); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Chmod(s.cfg.Listen, 0o600); err != nil {
			_ = ln.Close()
			return fmt.Errorf("restrict socket permissions: %w", err)
		}
		s.socketPath = s.cfg.Listen
	}
	s.listener = ln
	if err := s.governor.Sample(context.Background()); err != nil {
		s.logger.Debug("bridged.governor.initial_sample_failed", "error", err)
	}
	s.loops.Start(s.acceptCtx)
	s.signalReady()
	s.logger.Info("bridged.listener.ready",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"modules", s.registry.Modules(),
		"records", loggingutil.Mask(s.cfg.Records),
	)
	return s.acceptLoop(ln)
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		if _, err := s.governor.Wait(s.acceptCtx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.acceptCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Warn("bridged.listener.accept_failed", "error", err)
			select {
			case <-s.acceptCtx.Done():
				return nil
			case <-s.clock.After(50 * time.Millisecond):
			}
			continue
		}
		s.handlersMu.Lock()
		if s.closing {
			s.handlersMu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.handlers.Add(1)
		s.handlersMu.Unlock()
		release := s.governor.BeginConnection()
		go func() {
			defer s.handlers.Done()
			defer release()
			s.serveConn(conn)
		}()
	}
}

// serveConn handles exactly one request. Handlers run to completion even
// when shutdown starts, so the request context is not tied to the listener.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	ctx := context.Background()
	peer := peercred.Of(conn)
	client := peer.String()
	logger := s.logger.With("client", client)

	payload, err := wire.ReadRequest(conn, s.cfg.MaxRequestBytes, s.cfg.ReadTimeout)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrEmpty):
			logger.Debug("bridged.conn.empty")
		case errors.Is(err, wire.ErrTooLarge):
			s.governor.RecordRejected(api.ErrRequestTooLarge)
			ev := s.auditor.NewEvent(audit.TypeRequestTooLarge, audit.SeverityWarning)
			ev.Client = client
			ev.Details = map[string]any{"limit_bytes": s.cfg.MaxRequestBytes}
			ev.Remediation = "split the request or raise BRIDGED_MAX_REQUEST_SIZE"
			s.auditor.Record(ctx, ev)
			logger.Warn("bridged.conn.too_large", "error", err)
			s.reply(conn, logger, api.Failure(api.ErrRequestTooLarge, err.Error()))
		case errors.Is(err, wire.ErrMalformed):
			s.governor.RecordRejected(api.ErrInvalidJSON)
			logger.Warn("bridged.conn.malformed", "error", err)
			s.reply(conn, logger, api.Failure(api.ErrInvalidJSON, err.Error()))
		default:
			logger.Debug("bridged.conn.read_failed", "error", err)
		}
		return
	}
	raw, err := wire.Decode(payload)
	if err != nil {
		s.governor.RecordRejected(api.ErrInvalidJSON)
		s.reply(conn, logger, api.Failure(api.ErrInvalidJSON, err.Error()))
		return
	}

	res := s.validator.Validate(raw, client)
	if len(res.Events) > 0 {
		s.auditor.Record(ctx, res.Events...)
	}
	if !res.Valid {
		s.governor.RecordRejected(res.ErrorType)
		resp := api.Failure(res.ErrorType, strings.Join(res.Errors, "; "))
		resp.Module = res.Request.Module
		resp.Function = res.Request.Function
		resp.RequestID = res.Request.RequestID
		resp.Errors = res.Errors
		resp.Warnings = res.Warnings
		logger.Info("bridged.request.rejected", "error_type", res.ErrorType, "module", res.Request.Module, "function", res.Request.Function)
		s.reply(conn, logger, resp)
		return
	}
	req := res.Request
	if req.RequestID == "" {
		req.RequestID = xid.New().String()
	}
	s.reply(conn, logger, s.dispatcher.Dispatch(ctx, req, res.Warnings))
}

func (s *Server) reply(conn net.Conn, logger pslog.Logger, resp api.Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if err := wire.WriteResponse(conn, resp); err != nil {
		logger.Debug("bridged.conn.write_failed", "error", err)
	}
}

// requestShutdown is handed to system.shutdown. It returns at once; the
// triggering response is written before the listener's handlers drain.
func (s *Server) requestShutdown(reason string) {
	s.logger.Info("bridged.shutdown.requested", "reason", reason)
	go func() {
		_ = s.Shutdown(context.Background())
	}()
}

// Shutdown stops accepting, gives in-flight handlers the grace period,
// closes live database sessions while keeping their records, and removes
// the socket. Concurrent callers wait for the first to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		defer close(s.shutdownDone)
		s.shutdownErr = s.shutdown(ctx)
	})
	select {
	case <-s.shutdownDone:
		return s.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("bridged.shutdown.begin")
	s.acceptCancel()
	if l := s.listener; l != nil {
		_ = l.Close()
	}
	s.loops.Stop()
	s.handlersMu.Lock()
	s.closing = true
	s.handlersMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-s.clock.After(s.cfg.ShutdownGrace):
		s.logger.Warn("bridged.shutdown.grace_exceeded", "grace", s.cfg.ShutdownGrace, "in_flight", s.governor.Concurrent())
	case <-ctx.Done():
		s.logger.Warn("bridged.shutdown.aborted", "error", ctx.Err())
	}

	var errs []error
	if err := s.registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.closeResources(ctx)...)
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.logger.Info("bridged.shutdown.complete")
	return errors.Join(errs...)
}

func (s *Server) closeResources(ctx context.Context) []error {
	var errs []error
	if s.auditor != nil {
		if err := s.auditor.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range s.closers {
		_ = c.Close()
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// Done is closed once shutdown has completed, whichever way it started.
func (s *Server) Done() <-chan struct{} { return s.shutdownDone }

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.shutdownDone:
		return errors.New("bridged: server shut down before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// Governor exposes the resource governor.
func (s *Server) Governor() *governor.Governor { return s.governor }

// Auditor exposes the SecurityEvent log.
func (s *Server) Auditor() *audit.Auditor { return s.auditor }

// Database exposes the database adapter.
func (s *Server) Database() *dbi.Adapter { return s.database }

// StartServer starts a bridged server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := bridged.Config{Listen: "/tmp/bridged-test.sock", Records: "mem://"}
//	srv, stop, err := bridged.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	abort := func(cause error) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return cause
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		if err == nil {
			err = errors.New("bridged: server exited before becoming ready")
		}
		return nil, nil, abort(err)
	case <-waitCtx.Done():
		return nil, nil, abort(waitCtx.Err())
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = stop(context.Background())
			case <-srv.Done():
			}
		}()
	}
	return srv, stop, nil
}
