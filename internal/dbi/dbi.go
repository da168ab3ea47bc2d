// Package dbi is the "database" module: DBI style connections, prepared
// statements and cursors whose handles survive daemon restarts through the
// handle store.
package dbi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/connpool"
	"pkt.systems/bridged/internal/handles"
	"pkt.systems/bridged/internal/loggingutil"
	"pkt.systems/bridged/internal/records"
	"pkt.systems/bridged/internal/registry"
	"pkt.systems/bridged/internal/secret"
	"pkt.systems/bridged/internal/svcfields"
)

// ModuleName is the registry name of the adapter.
const ModuleName = "database"

// Config configures an Adapter.
type Config struct {
	Backend       records.Backend
	Sealer        secret.Sealer
	RecordTTL     time.Duration
	CacheCapacity int
	CacheIdle     time.Duration
	Clock         clock.Clock
	Logger        pslog.Logger
}

// Adapter owns the handle store and connection cache backing the database
// module.
type Adapter struct {
	store  *handles.Store
	cache  *connpool.Cache
	clock  clock.Clock
	logger pslog.Logger
}

// New builds the adapter, its handle store and its connection cache.
func New(cfg Config) (*Adapter, error) {
	a := &Adapter{
		clock:  clock.Ensure(cfg.Clock),
		logger: svcfields.WithSubsystem(cfg.Logger, "bridged.dbi"),
	}
	store, err := handles.New(handles.Config{
		Backend:  cfg.Backend,
		Sealer:   cfg.Sealer,
		Restorer: a,
		TTL:      cfg.RecordTTL,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.store = store
	a.cache = connpool.New(connpool.Config{
		Capacity:    cfg.CacheCapacity,
		IdleTimeout: cfg.CacheIdle,
		Probe:       a.probe,
		Evict:       a.evict,
		LastUsed:    store.LastUsed,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	return a, nil
}

// Store exposes the handle store.
func (a *Adapter) Store() *handles.Store { return a.store }

// Cache exposes the connection cache.
func (a *Adapter) Cache() *connpool.Cache { return a.cache }

// Module returns the registry entry for the database functions.
func (a *Adapter) Module() registry.Module {
	return registry.Module{
		Name: ModuleName,
		Functions: []registry.Function{
			{Name: "connect", Params: []string{"dsn", "username", "password", "options"}, Description: "Open a connection", Handler: a.connect},
			{Name: "connect_cached", Params: []string{"dsn", "username", "password", "options"}, Description: "Open or reuse a cached connection", Handler: a.connectCached},
			{Name: "ping", Params: []string{"connection_id"}, Description: "Check a connection", Handler: a.ping},
			{Name: "prepare", Params: []string{"connection_id", "sql"}, Description: "Prepare a statement", Handler: a.prepare},
			{Name: "execute_statement", Params: []string{"connection_id", "statement_id", "bind_values", "bind_params"}, Description: "Execute a prepared statement", Handler: a.executeStatement},
			{Name: "fetch_row", Params: []string{"connection_id", "statement_id", "format"}, Description: "Fetch the next row", Handler: a.fetchRow},
			{Name: "fetch_all", Params: []string{"connection_id", "statement_id", "format"}, Description: "Fetch all remaining rows", Handler: a.fetchAll},
			{Name: "execute_immediate", Params: []string{"connection_id", "sql", "bind_values"}, Description: "Execute SQL without a statement handle", Handler: a.executeImmediate},
			{Name: "begin_transaction", Params: []string{"connection_id"}, Handler: a.beginTransaction},
			{Name: "commit", Params: []string{"connection_id"}, Handler: a.commit},
			{Name: "rollback", Params: []string{"connection_id"}, Handler: a.rollback},
			{Name: "disconnect", Params: []string{"connection_id"}, Description: "Close a connection and its statements", Handler: a.disconnect},
			{Name: "finish_statement", Params: []string{"connection_id", "statement_id"}, Description: "Close a statement", Handler: a.finishStatement},
		},
		Cleanup:  a.Cleanup,
		Shutdown: a.Shutdown,
	}
}

// Reconnect implements handles.Restorer.
func (a *Adapter) Reconnect(ctx context.Context, state records.ConnectionState, credential string) (io.Closer, error) {
	t, _, err := ParseDSN(state.DSN, state.Username)
	if err != nil {
		return nil, err
	}
	return openConn(ctx, t, state.Username, credential, state.AutoCommit)
}

// Resume implements handles.Restorer. The query is re-executed with the
// recorded binds and the rows already pulled are skipped.
func (a *Adapter) Resume(ctx context.Context, conn *handles.Connection, state records.StatementState) (io.Closer, error) {
	lc, ok := conn.Live.(*liveConn)
	if !ok {
		return nil, fmt.Errorf("dbi: connection %s is not a database session", conn.ID)
	}
	args, err := restoredArgs(state)
	if err != nil {
		return nil, err
	}
	q, err := lc.querier(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, state.Query, args...)
	if err != nil {
		return nil, fmt.Errorf("dbi: re-execute: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	cur, err := lc.newCursor(rows, len(cols))
	if err != nil {
		return nil, fmt.Errorf("dbi: re-execute: %w", err)
	}
	for i := int64(0); i < state.Consumed; i++ {
		_, more, err := cur.next()
		if err != nil {
			_ = cur.Close()
			return nil, err
		}
		if !more {
			a.logger.Warn("bridged.dbi.resume.short_result", "connection_id", conn.ID, "consumed", state.Consumed, "available", i)
			break
		}
	}
	return cur, nil
}

// Connections describes live handles and the cache for system.connections.
func (a *Adapter) Connections(context.Context) any {
	return map[string]any{
		"handles":       a.store.Stats(),
		"cache":         a.cache.Stats(),
		"cache_entries": a.cache.Entries(),
	}
}

// Cleanup purges idle or dead cached connections and expired handles.
func (a *Adapter) Cleanup(ctx context.Context) (map[string]int, error) {
	purged := a.cache.Purge(ctx, true)
	counts := a.store.Sweep(ctx)
	counts["cache_purged"] = purged
	return counts, nil
}

// Shutdown closes every live session and keeps the records for restoration.
func (a *Adapter) Shutdown(context.Context) error {
	a.cache.Clear()
	a.store.Detach()
	return nil
}

func (a *Adapter) probe(ctx context.Context, id string) error {
	conn, err := a.store.Connection(ctx, id)
	if err != nil {
		return err
	}
	lc, ok := conn.Live.(*liveConn)
	if !ok {
		return fmt.Errorf("connection %s is not a database session", id)
	}
	return lc.ping(ctx)
}

func (a *Adapter) evict(ctx context.Context, id, reason string) {
	if err := a.store.RemoveConnection(ctx, id); err != nil {
		a.logger.Warn("bridged.dbi.cache.evict_failed", "connection_id", id, "reason", reason, "error", err)
	}
}

// handleError maps handle store failures to wire error kinds.
func handleError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, handles.ErrUnknownConnection):
		return registry.Wrap(api.ErrInvalidConnectionID, err, "invalid connection id")
	case errors.Is(err, handles.ErrUnknownStatement):
		return registry.Wrap(api.ErrInvalidStatementID, err, "invalid statement id")
	case errors.Is(err, handles.ErrRestoreFailed):
		return registry.Wrap(api.ErrRestoreFailed, err, "restore failed")
	case errors.Is(err, handles.ErrDependencyLost):
		return registry.Wrap(api.ErrDependencyLost, err, "dependency lost")
	default:
		return registry.Wrap(api.ErrInternal, err, "handle store")
	}
}

func (a *Adapter) driverError(conn *handles.Connection, op string, err error) error {
	if conn != nil && conn.State.PrintError {
		a.logger.Warn("bridged.dbi.driver_error", "connection_id", conn.ID, "op", op, "target", conn.State.Target, "error", err)
	}
	return registry.Wrap(api.ErrHandler, err, "%s failed", op)
}

func liveOf(conn *handles.Connection) (*liveConn, error) {
	lc, ok := conn.Live.(*liveConn)
	if !ok {
		return nil, registry.Errorf(api.ErrInternal, "connection %s is not a database session", conn.ID)
	}
	return lc, nil
}

func maskDSN(dsn string) string { return loggingutil.Mask(dsn) }
