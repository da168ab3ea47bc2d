package dbi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"pkt.systems/bridged/internal/records"
)

// liveConn is one database session. All statements of a connection handle run
// on the same *sql.Conn so transactions and session state are shared.
type liveConn struct {
	target Target
	db     *sql.DB
	conn   *sql.Conn
	// bufferRows is set for drivers that cannot run another query on the
	// session while a result set is open. Executed statements read their
	// rows up front instead of holding a cursor.
	bufferRows  bool
	openCursors atomic.Int32

	mu         sync.Mutex
	autoCommit bool
	explicit   bool
	tx         *sql.Tx
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func openConn(ctx context.Context, t Target, user, password string, autoCommit bool) (*liveConn, error) {
	driver, source, err := t.driverSource(user, password)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("dbi: open %s: %w", t.Kind, err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbi: connect %s: %w", t.Identity(), err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("dbi: connect %s: %w", t.Identity(), err)
	}
	return &liveConn{target: t, db: db, conn: conn, autoCommit: autoCommit, bufferRows: !interleavesResultSets(t.Driver)}, nil
}

// interleavesResultSets reports whether driver keeps several result sets
// open on one session. pgx and lib/pq do not.
func interleavesResultSets(driver string) bool {
	switch driver {
	case DriverSQLite, DriverOracle:
		return true
	default:
		return false
	}
}

// Close rolls back an open transaction and releases the session.
func (c *liveConn) Close() error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()
	if tx != nil {
		_ = tx.Rollback()
	}
	err := c.conn.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// querier returns the open transaction or the session. With AutoCommit off
// a transaction is started on first use.
func (c *liveConn) querier(ctx context.Context) (querier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return c.tx, nil
	}
	if c.autoCommit && !c.explicit {
		return c.conn, nil
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dbi: begin transaction: %w", err)
	}
	c.tx = tx
	return tx, nil
}

// inAutoCommit reports whether statements commit on their own.
func (c *liveConn) inAutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit && !c.explicit
}

func (c *liveConn) begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		c.explicit = true
		return nil
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbi: begin transaction: %w", err)
	}
	c.tx = tx
	c.explicit = true
	return nil
}

// finish commits or rolls back the open transaction. It reports whether a
// transaction was open.
func (c *liveConn) finish(commit bool) (bool, error) {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.explicit = false
	c.mu.Unlock()
	if tx == nil {
		return false, nil
	}
	if commit {
		return true, tx.Commit()
	}
	return true, tx.Rollback()
}

// ping runs the liveness query. While a statement holds a cursor on the
// session the query goes to a pooled connection of the same target, so
// the open result set is left alone.
func (c *liveConn) ping(ctx context.Context) error {
	probe := "SELECT 1"
	if c.target.Driver == DriverOracle {
		probe = "SELECT 1 FROM DUAL"
	}
	var one any
	if c.openCursors.Load() > 0 {
		return c.db.QueryRowContext(ctx, probe).Scan(&one)
	}
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx != nil {
		return tx.QueryRowContext(ctx, probe).Scan(&one)
	}
	return c.conn.QueryRowContext(ctx, probe).Scan(&one)
}

// cursor is the result set of an executed statement: either an open
// *sql.Rows or, on sessions with bufferRows, the rows read at execute.
type cursor struct {
	rows     *sql.Rows
	columns  int
	buffered []records.Row
	release  func()
	once     sync.Once
}

// newCursor takes ownership of rows.
func (c *liveConn) newCursor(rows *sql.Rows, columns int) (*cursor, error) {
	if !c.bufferRows {
		c.openCursors.Add(1)
		return &cursor{rows: rows, columns: columns, release: func() { c.openCursors.Add(-1) }}, nil
	}
	defer rows.Close()
	var buffered []records.Row
	for rows.Next() {
		row, err := scanRow(rows, columns)
		if err != nil {
			return nil, err
		}
		buffered = append(buffered, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &cursor{columns: columns, buffered: buffered}, nil
}

func (c *cursor) Close() error {
	var err error
	c.once.Do(func() {
		if c.rows != nil {
			err = c.rows.Close()
		}
		c.buffered = nil
		if c.release != nil {
			c.release()
		}
	})
	return err
}

// next pulls one row. ok is false at the end of the result set.
func (c *cursor) next() (records.Row, bool, error) {
	if c.rows == nil {
		if len(c.buffered) == 0 {
			return nil, false, nil
		}
		row := c.buffered[0]
		c.buffered = c.buffered[1:]
		return row, true, nil
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	row, err := scanRow(c.rows, c.columns)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func scanRow(rows *sql.Rows, n int) (records.Row, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("dbi: scan row: %w", err)
	}
	row := make(records.Row, n)
	for i, v := range vals {
		row[i] = columnValue(v)
	}
	return row, nil
}

// columnValue converts driver values to JSON friendly ones.
func columnValue(v any) any {
	switch x := v.(type) {
	case []byte:
		if utf8.Valid(x) {
			return string(x)
		}
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// bindValue converts a JSON decoded value to a driver argument.
func bindValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", x)
		}
		return f, nil
	case int:
		return int64(x), nil
	case map[string]any:
		if inner, ok := x["value"]; ok && len(x) <= 2 {
			return bindValue(inner)
		}
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported bind value of type %T", v)
	}
}

// bindArgs merges positional values with bind_params. Keys of the form
// ":name" bind by name; integer keys replace or extend positional values.
func bindArgs(values []any, named map[string]any) ([]any, map[string]any, error) {
	positional := make([]any, 0, len(values))
	for i, v := range values {
		bv, err := bindValue(v)
		if err != nil {
			return nil, nil, fmt.Errorf("bind value %d: %w", i+1, err)
		}
		positional = append(positional, bv)
	}
	var byName map[string]any
	keys := sortedKeys(named)
	for _, key := range keys {
		bv, err := bindValue(named[key])
		if err != nil {
			return nil, nil, fmt.Errorf("bind param %s: %w", key, err)
		}
		if idx, err := strconv.Atoi(key); err == nil {
			if idx < 1 {
				return nil, nil, fmt.Errorf("bind param index %d out of range", idx)
			}
			if idx <= len(positional) {
				positional[idx-1] = bv
			} else {
				positional = append(positional, bv)
			}
			continue
		}
		name := strings.TrimLeft(key, ":@$")
		if name == "" {
			return nil, nil, fmt.Errorf("bind param %q has no name", key)
		}
		if byName == nil {
			byName = make(map[string]any)
		}
		byName[name] = bv
	}
	return positional, byName, nil
}

func driverArgs(positional []any, named map[string]any) []any {
	args := make([]any, 0, len(positional)+len(named))
	args = append(args, positional...)
	for _, name := range sortedKeys(named) {
		args = append(args, sql.Named(name, named[name]))
	}
	return args
}

// restoredArgs converts persisted binds, which decode as json.Number, back
// to driver arguments.
func restoredArgs(state records.StatementState) ([]any, error) {
	positional := make([]any, 0, len(state.BindValues))
	for _, v := range state.BindValues {
		bv, err := bindValue(v)
		if err != nil {
			return nil, err
		}
		positional = append(positional, bv)
	}
	var named map[string]any
	if len(state.BindNamed) > 0 {
		named = make(map[string]any, len(state.BindNamed))
		for k, v := range state.BindNamed {
			bv, err := bindValue(v)
			if err != nil {
				return nil, err
			}
			named[k] = bv
		}
	}
	return driverArgs(positional, named), nil
}

// NormalizeQuery trims whitespace and trailing semicolons.
func NormalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	for strings.HasSuffix(q, ";") {
		q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	}
	return q
}

var rowKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "VALUES": true, "PRAGMA": true,
	"SHOW": true, "EXPLAIN": true, "DESCRIBE": true, "DESC": true, "TABLE": true,
}

// returnsRows guesses whether q produces a result set.
func returnsRows(q string) bool {
	trimmed := strings.TrimLeft(q, " \t\r\n(")
	word := trimmed
	if i := strings.IndexAny(trimmed, " \t\r\n(;"); i >= 0 {
		word = trimmed[:i]
	}
	if rowKeywords[strings.ToUpper(word)] {
		return true
	}
	return strings.Contains(strings.ToUpper(q), " RETURNING ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
