package dbi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/records"
	"pkt.systems/bridged/internal/registry"
	"pkt.systems/bridged/internal/secret"
)

type harness struct {
	t       *testing.T
	root    string
	dbPath  string
	adapter *Adapter
	backend records.Backend
	clock   clock.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithClock(t, nil)
}

func newHarnessWithClock(t *testing.T, clk clock.Clock) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{t: t, root: filepath.Join(dir, "records"), dbPath: filepath.Join(dir, "app.db"), clock: clk}
	h.adapter, h.backend = h.open(nil)
	return h
}

// open builds an adapter over the shared record directory, as a freshly
// started daemon would.
func (h *harness) open(sealer secret.Sealer) (*Adapter, records.Backend) {
	h.t.Helper()
	backend, err := records.NewDisk(records.DiskConfig{Root: h.root, Clock: h.clock, JanitorInterval: -1})
	if err != nil {
		h.t.Fatalf("disk backend: %v", err)
	}
	h.t.Cleanup(func() { _ = backend.Close() })
	a, err := New(Config{Backend: backend, Sealer: sealer, Clock: h.clock})
	if err != nil {
		h.t.Fatalf("adapter: %v", err)
	}
	h.t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, backend
}

// restart drops every live handle and continues with a new adapter.
func (h *harness) restart() {
	h.t.Helper()
	if err := h.adapter.Shutdown(context.Background()); err != nil {
		h.t.Fatalf("shutdown: %v", err)
	}
	h.adapter, h.backend = h.open(nil)
}

func (h *harness) dsn() string { return "dbi:SQLite:dbname=" + h.dbPath }

func call(a *Adapter, function string, params any) (map[string]any, error) {
	for _, fn := range a.Module().Functions {
		if fn.Name != function {
			continue
		}
		args, err := registry.Bind(params, fn.Params)
		if err != nil {
			return nil, err
		}
		out, err := fn.Handler(context.Background(), args)
		if err != nil {
			return nil, err
		}
		m, _ := out.(map[string]any)
		return m, nil
	}
	return nil, fmt.Errorf("no function %s", function)
}

func (h *harness) must(function string, params any) map[string]any {
	h.t.Helper()
	out, err := call(h.adapter, function, params)
	if err != nil {
		h.t.Fatalf("%s: %v", function, err)
	}
	return out
}

func errorKind(err error) string {
	var re *registry.Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func (h *harness) seed(n int) string {
	h.t.Helper()
	conn := h.must("connect", map[string]any{"dsn": h.dsn(), "username": "scott", "password": "tiger"})
	id := conn["connection_id"].(string)
	h.must("execute_immediate", map[string]any{"connection_id": id, "sql": "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);"})
	for i := 1; i <= n; i++ {
		out := h.must("execute_immediate", map[string]any{
			"connection_id": id,
			"sql":           "INSERT INTO items (id, name) VALUES (?, ?)",
			"bind_values":   []any{json.Number(fmt.Sprint(i)), fmt.Sprintf("item-%d", i)},
		})
		if out["rows_affected"] != int64(1) {
			h.t.Fatalf("insert rows_affected=%v", out["rows_affected"])
		}
	}
	return id
}

func (h *harness) selectAll(connID string) string {
	h.t.Helper()
	prep := h.must("prepare", map[string]any{"connection_id": connID, "sql": "  SELECT id, name FROM items WHERE id >= ? ORDER BY id ;"})
	stmtID := prep["statement_id"].(string)
	out := h.must("execute_statement", map[string]any{"connection_id": connID, "statement_id": stmtID, "bind_values": []any{json.Number("1")}})
	info, ok := out["column_info"].(map[string]any)
	if !ok || !reflect.DeepEqual(info["names"], []string{"id", "name"}) {
		h.t.Fatalf("unexpected column info %v", out["column_info"])
	}
	return stmtID
}

func (h *harness) fetch(connID, stmtID string) (any, bool) {
	h.t.Helper()
	out := h.must("fetch_row", map[string]any{"connection_id": connID, "statement_id": stmtID})
	return out["row"], out["finished"].(bool)
}

func TestFetchRowsInOrder(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(3)
	stmtID := h.selectAll(connID)
	for i := 1; i <= 3; i++ {
		row, finished := h.fetch(connID, stmtID)
		want := []any{int64(i), fmt.Sprintf("item-%d", i)}
		if finished || !reflect.DeepEqual(row, want) {
			t.Fatalf("row %d: got %v finished=%v", i, row, finished)
		}
	}
	row, finished := h.fetch(connID, stmtID)
	if !finished || row != nil {
		t.Fatalf("expected end of data, got %v %v", row, finished)
	}
	row, finished = h.fetch(connID, stmtID)
	if !finished || row != nil {
		t.Fatalf("finished statement should stay finished")
	}
}

func TestFetchHashAndFetchAll(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(4)
	stmtID := h.selectAll(connID)
	out := h.must("fetch_row", map[string]any{"connection_id": connID, "statement_id": stmtID, "format": "hash"})
	if !reflect.DeepEqual(out["row"], map[string]any{"id": int64(1), "name": "item-1"}) {
		t.Fatalf("unexpected hash row %v", out["row"])
	}
	all := h.must("fetch_all", []any{connID, stmtID})
	if all["count"] != 3 {
		t.Fatalf("fetch_all count=%v", all["count"])
	}
	rows := all["rows"].([]any)
	if !reflect.DeepEqual(rows[0], []any{int64(2), "item-2"}) || !reflect.DeepEqual(rows[2], []any{int64(4), "item-4"}) {
		t.Fatalf("unexpected rows %v", rows)
	}
	if _, err := call(h.adapter, "fetch_row", map[string]any{"statement_id": stmtID, "format": "xml"}); errorKind(err) != api.ErrInvalidParams {
		t.Fatalf("expected invalid_params for format, got %v", err)
	}
}

func TestRestorationRoundTrip(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(5)

	// Uninterrupted reference run.
	ref := h.selectAll(connID)
	var want []any
	for {
		row, finished := h.fetch(connID, ref)
		if finished {
			break
		}
		want = append(want, row)
	}

	stmtID := h.selectAll(connID)
	var got []any
	for i := 0; i < 2; i++ {
		row, _ := h.fetch(connID, stmtID)
		got = append(got, row)
	}
	h.restart()
	for {
		row, finished := h.fetch(connID, stmtID)
		if finished {
			break
		}
		got = append(got, row)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("restored run differs\n got: %v\nwant: %v", got, want)
	}
}

func TestPendingRowSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(3)
	stmtID := h.selectAll(connID)
	h.restart()

	row, _ := h.fetch(connID, stmtID)
	if !reflect.DeepEqual(row, []any{int64(1), "item-1"}) {
		t.Fatalf("first fetch after restart should return the probed row, got %v", row)
	}
	row, _ = h.fetch(connID, stmtID)
	if !reflect.DeepEqual(row, []any{int64(2), "item-2"}) {
		t.Fatalf("second fetch should return the next row, got %v", row)
	}
}

func TestDisconnectInvalidatesStatements(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(2)
	stmtID := h.selectAll(connID)
	h.must("disconnect", map[string]any{"connection_id": connID})

	_, err := call(h.adapter, "fetch_row", map[string]any{"connection_id": connID, "statement_id": stmtID})
	if errorKind(err) != api.ErrInvalidStatementID {
		t.Fatalf("expected invalid_statement_id, got %v", err)
	}
	h.restart()
	_, err = call(h.adapter, "fetch_row", map[string]any{"statement_id": stmtID})
	if errorKind(err) != api.ErrInvalidStatementID {
		t.Fatalf("statement record should be gone after restart, got %v", err)
	}
	_, err = call(h.adapter, "ping", map[string]any{"connection_id": connID})
	if errorKind(err) != api.ErrInvalidConnectionID {
		t.Fatalf("expected invalid_connection_id, got %v", err)
	}
}

func TestConnectCachedIgnoresPassword(t *testing.T) {
	h := newHarness(t)
	params := func(pw string) map[string]any {
		return map[string]any{"dsn": h.dsn(), "username": "scott", "password": pw, "options": map[string]any{"AutoCommit": json.Number("1")}}
	}
	first := h.must("connect_cached", params("pw-a"))
	second := h.must("connect_cached", params("pw-b"))
	if first["connection_id"] != second["connection_id"] {
		t.Fatalf("password change fragmented the cache: %v vs %v", first["connection_id"], second["connection_id"])
	}
	if first["cached"] != false || second["cached"] != true {
		t.Fatalf("unexpected cached flags %v %v", first["cached"], second["cached"])
	}
	other := h.must("connect_cached", map[string]any{"dsn": h.dsn(), "username": "scott", "options": map[string]any{"AutoCommit": false}})
	if other["connection_id"] == first["connection_id"] {
		t.Fatalf("different flags must not share a cached connection")
	}

	h.must("disconnect", map[string]any{"connection_id": first["connection_id"]})
	third := h.must("connect_cached", params("pw-a"))
	if third["cached"] != false || third["connection_id"] == first["connection_id"] {
		t.Fatalf("disconnected connection returned from cache")
	}
	if stats := h.adapter.Cache().Stats(); stats.Hits != 1 {
		t.Fatalf("expected one cache hit, got %+v", stats)
	}
}

func TestRestoreFailedWithDifferentSealer(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(1)
	if err := h.adapter.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	k, err := secret.NewKryptograf(filepath.Join(t.TempDir(), "keys.pem"))
	if err != nil {
		t.Fatalf("kryptograf: %v", err)
	}
	h.adapter, h.backend = h.open(k)
	_, err = call(h.adapter, "ping", map[string]any{"connection_id": connID})
	if errorKind(err) != api.ErrRestoreFailed {
		t.Fatalf("expected restore_failed, got %v", err)
	}
	_, err = call(h.adapter, "ping", map[string]any{"connection_id": connID})
	if errorKind(err) != api.ErrInvalidConnectionID {
		t.Fatalf("stale record should be deleted, got %v", err)
	}
}

func TestTransactions(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(0)
	count := func() int64 {
		stmt := h.must("prepare", map[string]any{"connection_id": connID, "sql": "SELECT COUNT(*) FROM items"})
		h.must("execute_statement", map[string]any{"connection_id": connID, "statement_id": stmt["statement_id"]})
		row, _ := h.fetch(connID, stmt["statement_id"].(string))
		h.must("finish_statement", map[string]any{"connection_id": connID, "statement_id": stmt["statement_id"]})
		return row.([]any)[0].(int64)
	}

	h.must("begin_transaction", connID)
	h.must("execute_immediate", map[string]any{"connection_id": connID, "sql": "INSERT INTO items (id, name) VALUES (1, 'a')"})
	out := h.must("rollback", connID)
	if out["rolled_back"] != true {
		t.Fatalf("rollback reported %v", out)
	}
	if n := count(); n != 0 {
		t.Fatalf("rollback kept %d rows", n)
	}

	h.must("begin_transaction", connID)
	h.must("execute_immediate", map[string]any{"connection_id": connID, "sql": "INSERT INTO items (id, name) VALUES (2, 'b')"})
	h.must("commit", connID)
	if n := count(); n != 1 {
		t.Fatalf("commit lost rows: %d", n)
	}
	if out := h.must("commit", connID); out["committed"] != false {
		t.Fatalf("commit without a transaction should report false")
	}
}

func TestExecuteNonQueryStatement(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(3)
	prep := h.must("prepare", map[string]any{"connection_id": connID, "sql": "UPDATE items SET name = :name WHERE id > :min"})
	out := h.must("execute_statement", map[string]any{
		"connection_id": connID,
		"statement_id":  prep["statement_id"],
		"bind_params":   map[string]any{":name": map[string]any{"value": "renamed"}, ":min": map[string]any{"value": json.Number("1")}},
	})
	if out["rows_affected"] != int64(2) || out["column_info"] != nil {
		t.Fatalf("unexpected execute result %v", out)
	}
	row, finished := h.fetch(connID, prep["statement_id"].(string))
	if !finished || row != nil {
		t.Fatalf("non-query statement should be finished")
	}
	_, err := call(h.adapter, "fetch_row", map[string]any{"statement_id": "nope"})
	if errorKind(err) != api.ErrInvalidStatementID {
		t.Fatalf("expected invalid_statement_id, got %v", err)
	}
	stmt := h.must("prepare", map[string]any{"connection_id": connID, "sql": "SELECT 1"})
	_, err = call(h.adapter, "fetch_row", map[string]any{"statement_id": stmt["statement_id"]})
	if errorKind(err) != api.ErrInvalidParams {
		t.Fatalf("fetch before execute should fail with invalid_params, got %v", err)
	}
}

func TestCleanupSweepsCache(t *testing.T) {
	h := newHarness(t)
	h.must("connect_cached", map[string]any{"dsn": h.dsn(), "username": "scott"})
	counts, err := h.adapter.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if counts["cache_purged"] != 0 || counts["durable_connections"] != 1 {
		t.Fatalf("unexpected cleanup counts %v", counts)
	}
	conns := h.adapter.Connections(context.Background()).(map[string]any)
	if _, ok := conns["cache_entries"]; !ok {
		t.Fatalf("connections view missing cache entries: %v", conns)
	}
}

func TestCachedConnectionInUseSurvivesIdleSweep(t *testing.T) {
	clk := clock.NewManual(time.Now())
	h := newHarnessWithClock(t, clk)
	params := map[string]any{"dsn": h.dsn(), "username": "scott"}
	id := h.must("connect_cached", params)["connection_id"].(string)

	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Minute)
		h.must("ping", map[string]any{"connection_id": id})
	}
	clk.Advance(time.Minute)
	counts, err := h.adapter.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if counts["cache_purged"] != 0 {
		t.Fatalf("connection used a minute ago was purged: %v", counts)
	}
	h.must("ping", map[string]any{"connection_id": id})
	again := h.must("connect_cached", params)
	if again["connection_id"] != id || again["cached"] != true {
		t.Fatalf("expected cache hit on %s, got %v", id, again)
	}

	clk.Advance(31 * time.Minute)
	counts, err = h.adapter.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if counts["cache_purged"] != 1 {
		t.Fatalf("idle connection not purged: %v", counts)
	}
}

func TestBufferedSessionInterleavesStatements(t *testing.T) {
	h := newHarness(t)
	connID := h.seed(3)
	conn, err := h.adapter.Store().Connection(context.Background(), connID)
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	lc := conn.Live.(*liveConn)
	// Same mode as pg and pgpp sessions.
	lc.bufferRows = true

	first := h.selectAll(connID)
	second := h.selectAll(connID)
	if n := lc.openCursors.Load(); n != 0 {
		t.Fatalf("buffered session holds %d open cursors", n)
	}
	h.must("ping", map[string]any{"connection_id": connID})
	h.must("execute_immediate", map[string]any{"connection_id": connID, "sql": "INSERT INTO items (id, name) VALUES (4, 'item-4')"})

	for i := 1; i <= 3; i++ {
		want := []any{int64(i), fmt.Sprintf("item-%d", i)}
		for _, stmtID := range []string{first, second} {
			row, finished := h.fetch(connID, stmtID)
			if finished || !reflect.DeepEqual(row, want) {
				t.Fatalf("statement %s row %d: got %v finished=%v", stmtID, i, row, finished)
			}
		}
		h.must("ping", map[string]any{"connection_id": connID})
	}
	for _, stmtID := range []string{first, second} {
		if _, finished := h.fetch(connID, stmtID); !finished {
			t.Fatalf("statement %s should be finished", stmtID)
		}
	}
}

func TestOpenCursorSurvivesCacheHit(t *testing.T) {
	h := newHarness(t)
	h.seed(3)
	params := map[string]any{"dsn": h.dsn(), "username": "scott"}
	id := h.must("connect_cached", params)["connection_id"].(string)
	stmtID := h.selectAll(id)
	row, _ := h.fetch(id, stmtID)
	if !reflect.DeepEqual(row, []any{int64(1), "item-1"}) {
		t.Fatalf("unexpected first row %v", row)
	}
	conn, err := h.adapter.Store().Connection(context.Background(), id)
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	if n := conn.Live.(*liveConn).openCursors.Load(); n != 1 {
		t.Fatalf("expected one open cursor, got %d", n)
	}

	again := h.must("connect_cached", params)
	if again["connection_id"] != id || again["cached"] != true {
		t.Fatalf("cache hit with an open cursor evicted the connection: %v", again)
	}
	row, _ = h.fetch(id, stmtID)
	if !reflect.DeepEqual(row, []any{int64(2), "item-2"}) {
		t.Fatalf("cursor lost after cache hit, got %v", row)
	}
	h.must("fetch_all", map[string]any{"connection_id": id, "statement_id": stmtID})
	if n := conn.Live.(*liveConn).openCursors.Load(); n != 0 {
		t.Fatalf("cursor not released after fetch_all: %d", n)
	}
}
