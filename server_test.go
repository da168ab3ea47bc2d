package bridged

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/client"
	"pkt.systems/bridged/internal/audit"
	"pkt.systems/bridged/internal/wire"
	"pkt.systems/pslog"
)

type testEnv struct {
	dir     string
	socket  string
	records string
	dbPath  string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix socket tests")
	}
	dir := t.TempDir()
	return testEnv{
		dir:     dir,
		socket:  filepath.Join(dir, "b.sock"),
		records: "disk://" + filepath.Join(dir, "records"),
		dbPath:  filepath.Join(dir, "app.db"),
	}
}

func (e testEnv) config() Config {
	return Config{
		Listen:          e.socket,
		ListenProto:     "unix",
		Records:         e.records,
		CleanupInterval: -1,
		HealthInterval:  -1,
		SampleInterval:  -1,
		ShutdownGrace:   2 * time.Second,
	}
}

func (e testEnv) dsn() string { return "dbi:SQLite:dbname=" + e.dbPath }

func startTestServer(t *testing.T, cfg Config) (*Server, *client.Client, func()) {
	t.Helper()
	ts := StartTestServer(t,
		WithTestConfig(cfg),
		WithTestClientOptions(client.WithTimeout(10*time.Second)),
	)
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop server: %v", err)
		}
	}
	return ts.Server, ts.Client, stop
}

func invoke(t *testing.T, cli *client.Client, module, function string, params any, out any) {
	t.Helper()
	if err := cli.Invoke(context.Background(), module, function, params, out); err != nil {
		t.Fatalf("%s.%s: %v", module, function, err)
	}
}

func seedItems(t *testing.T, cli *client.Client, dsn string) string {
	t.Helper()
	var conn struct {
		ConnectionID string `json:"connection_id"`
	}
	invoke(t, cli, "database", "connect", map[string]any{"dsn": dsn}, &conn)
	invoke(t, cli, "database", "execute_immediate", map[string]any{
		"connection_id": conn.ConnectionID,
		"sql":           "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)",
	}, nil)
	invoke(t, cli, "database", "execute_immediate", map[string]any{
		"connection_id": conn.ConnectionID,
		"sql":           "INSERT INTO items (id, name) VALUES (1, 'alpha'), (2, 'beta'), (3, 'gamma')",
	}, nil)
	return conn.ConnectionID
}

type fetchResult struct {
	Row      []any `json:"row"`
	Finished bool  `json:"finished"`
}

func TestPingOverSocket(t *testing.T) {
	env := newTestEnv(t)
	_, cli, _ := startTestServer(t, env.config())

	resp, err := cli.Call(context.Background(), "test", "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.Success {
		t.Fatalf("ping failed: %+v", resp)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["message"] != "pong" {
		t.Fatalf("unexpected result %#v", resp.Result)
	}
	if resp.ExecutionInfo == nil || resp.ExecutionInfo.RequestID == "" {
		t.Fatalf("request id not assigned: %+v", resp.ExecutionInfo)
	}
	info, err := os.Stat(env.socket)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Fatalf("socket permissions too open: %v", perm)
	}
}

func TestOversizeRequestIsRejected(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.config()
	cfg.MaxRequestBytes = 1024
	srv, _, _ := startTestServer(t, cfg)

	conn, err := net.Dial("unix", env.socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	go func() {
		_, _ = conn.Write([]byte(`{"module":"test","function":"echo","params":{"blob":"` + strings.Repeat("x", 8192) + `"}}`))
	}()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Success || resp.ErrorType != api.ErrRequestTooLarge {
		t.Fatalf("expected request_too_large, got %+v", resp)
	}
	snap := srv.Governor().Snapshot()
	if snap.RejectedRequests != 1 || snap.TotalRequests != 0 {
		t.Fatalf("unexpected counters %+v", snap)
	}
	found := false
	for _, ev := range srv.Auditor().Recent(10) {
		if ev.Type == audit.TypeRequestTooLarge {
			found = true
		}
	}
	if !found {
		t.Fatalf("no request_too_large security event recorded")
	}
}

func TestUnregisteredPairsNeverReachHandlers(t *testing.T) {
	env := newTestEnv(t)
	_, cli, _ := startTestServer(t, env.config())
	cases := []struct {
		module   string
		function string
		kind     string
	}{
		{module: "nosuch", function: "ping", kind: api.ErrUnauthorizedModule},
		{module: "database", function: "frobnicate", kind: api.ErrUnauthorizedFunction},
		{module: "test", function: "nosuch", kind: api.ErrSchema},
	}
	for _, tc := range cases {
		resp, err := cli.Call(context.Background(), tc.module, tc.function, nil)
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if resp.Success || resp.ErrorType == "" {
			t.Fatalf("%s.%s: expected rejection, got %+v", tc.module, tc.function, resp)
		}
		if tc.kind != api.ErrSchema && resp.ErrorType != tc.kind {
			t.Fatalf("%s.%s: expected %s, got %s", tc.module, tc.function, tc.kind, resp.ErrorType)
		}
	}
}

func TestDisconnectInvalidatesStatements(t *testing.T) {
	env := newTestEnv(t)
	_, cli, _ := startTestServer(t, env.config())
	connID := seedItems(t, cli, env.dsn())

	var prep struct {
		StatementID string `json:"statement_id"`
	}
	invoke(t, cli, "database", "prepare", map[string]any{"connection_id": connID, "sql": "SELECT id, name FROM items ORDER BY id"}, &prep)
	invoke(t, cli, "database", "execute_statement", map[string]any{"connection_id": connID, "statement_id": prep.StatementID}, nil)
	invoke(t, cli, "database", "disconnect", map[string]any{"connection_id": connID}, nil)

	err := cli.Invoke(context.Background(), "database", "fetch_row", map[string]any{"connection_id": connID, "statement_id": prep.StatementID}, nil)
	if client.ErrorKind(err) != api.ErrInvalidStatementID {
		t.Fatalf("expected invalid_statement_id, got %v", err)
	}
	err = cli.Invoke(context.Background(), "database", "ping", map[string]any{"connection_id": connID}, nil)
	if client.ErrorKind(err) != api.ErrInvalidConnectionID {
		t.Fatalf("expected invalid_connection_id, got %v", err)
	}
}

func TestConnectCachedAcrossClients(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.config()
	_, first, _ := startTestServer(t, cfg)
	second, err := client.New("unix://" + cfg.Listen)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	type cached struct {
		ConnectionID string `json:"connection_id"`
		Cached       bool   `json:"cached"`
	}
	var a, b cached
	invoke(t, first, "database", "connect_cached", map[string]any{"dsn": env.dsn(), "username": "app", "password": "first"}, &a)
	invoke(t, second, "database", "connect_cached", map[string]any{"dsn": env.dsn(), "username": "app", "password": "rotated"}, &b)
	if a.Cached || !b.Cached {
		t.Fatalf("unexpected cache flags first=%v second=%v", a.Cached, b.Cached)
	}
	if a.ConnectionID != b.ConnectionID {
		t.Fatalf("expected cache hit, got %s and %s", a.ConnectionID, b.ConnectionID)
	}
	var c cached
	invoke(t, second, "database", "connect_cached", map[string]any{"dsn": env.dsn(), "username": "app", "options": map[string]any{"AutoCommit": false}}, &c)
	if c.Cached || c.ConnectionID == a.ConnectionID {
		t.Fatalf("different flags must not share a cache entry: %+v", c)
	}
}

func TestStatementsSurviveRestart(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.config()
	_, cli, stop := startTestServer(t, cfg)
	connID := seedItems(t, cli, env.dsn())

	var prep struct {
		StatementID string `json:"statement_id"`
	}
	invoke(t, cli, "database", "prepare", map[string]any{"connection_id": connID, "sql": "SELECT id, name FROM items ORDER BY id;"}, &prep)
	var exec struct {
		ColumnInfo struct {
			Count int      `json:"count"`
			Names []string `json:"names"`
		} `json:"column_info"`
	}
	invoke(t, cli, "database", "execute_statement", map[string]any{"connection_id": connID, "statement_id": prep.StatementID}, &exec)
	if exec.ColumnInfo.Count != 2 || exec.ColumnInfo.Names[1] != "name" {
		t.Fatalf("unexpected column info %+v", exec.ColumnInfo)
	}
	var first fetchResult
	invoke(t, cli, "database", "fetch_row", map[string]any{"connection_id": connID, "statement_id": prep.StatementID}, &first)
	if first.Finished || first.Row[1] != "alpha" {
		t.Fatalf("unexpected first row %+v", first)
	}

	stop()
	_, cli, _ = startTestServer(t, cfg)

	var names []string
	for i := 0; i < 5; i++ {
		var next fetchResult
		invoke(t, cli, "database", "fetch_row", map[string]any{"connection_id": connID, "statement_id": prep.StatementID}, &next)
		if next.Finished {
			break
		}
		names = append(names, next.Row[1].(string))
	}
	if strings.Join(names, ",") != "beta,gamma" {
		t.Fatalf("restored fetch returned %v", names)
	}
}

func TestConcurrencyCounterReturnsToZero(t *testing.T) {
	env := newTestEnv(t)
	srv, cli, _ := startTestServer(t, env.config())
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = cli.Call(context.Background(), "test", "ping", nil)
			} else {
				var resp api.Response
				resp, err = cli.Call(context.Background(), "database", "ping", map[string]any{"connection_id": "missing"})
				if err == nil && resp.Success {
					err = errors.New("ping on unknown connection succeeded")
				}
			}
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("call: %v", err)
	}
	snap := srv.Governor().Snapshot()
	if snap.Concurrent != 0 {
		t.Fatalf("concurrent counter not balanced: %d", snap.Concurrent)
	}
	if snap.FailedRequests != 20 || snap.TotalRequests != 40 {
		t.Fatalf("unexpected totals %+v", snap)
	}
}

func TestSystemShutdownStopsServer(t *testing.T) {
	env := newTestEnv(t)
	srv, cli, _ := startTestServer(t, env.config())
	var out map[string]any
	invoke(t, cli, "system", "shutdown", nil, &out)
	select {
	case <-srv.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not shut down")
	}
	if _, err := os.Stat(env.socket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket not removed: %v", err)
	}
}

func TestSystemIntrospectionOverSocket(t *testing.T) {
	env := newTestEnv(t)
	_, cli, _ := startTestServer(t, env.config())
	seedItems(t, cli, env.dsn())

	var info struct {
		Modules []string `json:"loaded_modules"`
	}
	invoke(t, cli, "system", "info", nil, &info)
	if !strings.Contains(strings.Join(info.Modules, ","), "database") {
		t.Fatalf("database module not listed: %v", info.Modules)
	}
	var conns map[string]json.RawMessage
	invoke(t, cli, "system", "connections", nil, &conns)
	if _, ok := conns["handles"]; !ok {
		t.Fatalf("connections missing handle stats: %v", conns)
	}
	var cleanup map[string]any
	invoke(t, cli, "system", "cleanup", nil, &cleanup)
}

func TestTestServerDefaults(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket tests")
	}
	ts := StartTestServer(t, WithTestLoggerFromTB(t, pslog.InfoLevel))
	if !strings.HasPrefix(ts.Endpoint, "unix://") || ts.Config.Records != "mem://" {
		t.Fatalf("unexpected test server defaults: %s %s", ts.Endpoint, ts.Config.Records)
	}
	if err := ts.Client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	other, err := ts.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := other.Ping(context.Background()); err != nil {
		t.Fatalf("second client ping: %v", err)
	}
	if ts.Addr() == nil {
		t.Fatalf("listener address missing")
	}
}

func TestStartRefusesLiveSocket(t *testing.T) {
	env := newTestEnv(t)
	_, cli, _ := startTestServer(t, env.config())

	cfg := env.config()
	cfg.Records = "disk://" + filepath.Join(env.dir, "records-second")
	second, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = second.Shutdown(ctx)
	})
	if err := second.Start(); !errors.Is(err, ErrEndpointInUse) {
		t.Fatalf("expected ErrEndpointInUse, got %v", err)
	}
	if _, err := os.Stat(env.socket); err != nil {
		t.Fatalf("socket of running server removed: %v", err)
	}
	invoke(t, cli, "test", "ping", nil, nil)
}

func TestStartReplacesStaleSocket(t *testing.T) {
	env := newTestEnv(t)
	ln, err := net.Listen("unix", env.socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = ln.Close()
	if _, err := os.Stat(env.socket); err != nil {
		t.Fatalf("stale socket missing: %v", err)
	}

	_, cli, _ := startTestServer(t, env.config())
	invoke(t, cli, "test", "ping", nil, nil)
}
