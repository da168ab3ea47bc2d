// Package handles owns the live connection and statement handles and their
// durable records. Every handle lookup goes through lookup-or-restore: a
// handle missing from memory is rebuilt from its record, so callers in short
// lived processes can keep using ids across daemon restarts.
package handles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/records"
	"pkt.systems/bridged/internal/secret"
	"pkt.systems/bridged/internal/svcfields"
)

var (
	// ErrUnknownConnection reports an id with no live handle and no usable
	// record. It is terminal.
	ErrUnknownConnection = errors.New("handles: unknown connection id")
	// ErrUnknownStatement is the statement counterpart of ErrUnknownConnection.
	ErrUnknownStatement = errors.New("handles: unknown statement id")
	// ErrRestoreFailed reports a record that existed but could not be turned
	// back into a live resource. The record has been deleted.
	ErrRestoreFailed = errors.New("handles: restore failed")
	// ErrDependencyLost reports a statement whose owning connection vanished.
	ErrDependencyLost = errors.New("handles: owning connection lost")
)

// DefaultTTL is the durable record lifetime.
const DefaultTTL = time.Hour

// touchPersistInterval rate limits last-used writes to connection records.
const touchPersistInterval = time.Minute

// Restorer rebuilds live resources from recorded state.
type Restorer interface {
	// Reconnect opens a live connection for state using credential.
	Reconnect(ctx context.Context, state records.ConnectionState, credential string) (io.Closer, error)
	// Resume re-executes an executed statement on conn and positions the
	// cursor after state.Consumed rows. It is only called for executed,
	// unfinished statements.
	Resume(ctx context.Context, conn *Connection, state records.StatementState) (io.Closer, error)
}

// Config configures a Store.
type Config struct {
	Backend  records.Backend
	Sealer   secret.Sealer
	Restorer Restorer
	TTL      time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Store is safe for concurrent use. The connection map and the statement map
// each have their own mutex and no method holds both at once.
type Store struct {
	backend  records.Backend
	sealer   secret.Sealer
	restorer Restorer
	ttl      time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *storeMetrics

	connMu sync.Mutex
	conns  map[string]*Connection

	stmtMu sync.Mutex
	stmts  map[string]*Statement
}

// New constructs a Store. When the backend reports external removals the
// matching live handles are dropped.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("handles: record backend required")
	}
	if cfg.Restorer == nil {
		return nil, fmt.Errorf("handles: restorer required")
	}
	if cfg.Sealer == nil {
		cfg.Sealer = secret.XOR{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "bridged.handles")
	s := &Store{
		backend:  cfg.Backend,
		sealer:   cfg.Sealer,
		restorer: cfg.Restorer,
		ttl:      cfg.TTL,
		clock:    clock.Ensure(cfg.Clock),
		logger:   logger,
		conns:    make(map[string]*Connection),
		stmts:    make(map[string]*Statement),
	}
	s.metrics = newStoreMetrics(logger, s)
	if n, ok := cfg.Backend.(records.RemovalNotifier); ok {
		n.OnRemoved(s.externalRemoval)
	}
	return s, nil
}

// TTL returns the record lifetime applied to new handles.
func (s *Store) TTL() time.Duration { return s.ttl }

// Sealer returns the credential sealer.
func (s *Store) Sealer() secret.Sealer { return s.sealer }

// NewID returns a random handle id.
func NewID() string { return uuid.NewString() }

// AddConnection registers a freshly opened connection and writes its record.
// live is closed if the record cannot be written.
func (s *Store) AddConnection(ctx context.Context, live io.Closer, state records.ConnectionState, credential string) (*Connection, error) {
	id := NewID()
	sealed, err := s.sealer.Seal(ctx, id, credential)
	if err != nil {
		_ = live.Close()
		return nil, fmt.Errorf("handles: seal credential: %w", err)
	}
	state.SealedCredential = sealed
	state.Sealer = s.sealer.Name()
	now := s.clock.Now()
	rec := records.NewConnection(id, state, now, s.ttl)
	if err := s.backend.Put(ctx, rec); err != nil {
		_ = live.Close()
		_ = s.sealer.Forget(ctx, id)
		return nil, fmt.Errorf("handles: persist connection: %w", err)
	}
	conn := newConnection(rec, live)
	s.connMu.Lock()
	s.conns[id] = conn
	s.connMu.Unlock()
	s.logger.Debug("bridged.handles.connection.created", "connection_id", id, "driver", state.Driver, "target", state.Target)
	return conn, nil
}

// AddStatement registers a prepared statement on connectionID and writes its
// record.
func (s *Store) AddStatement(ctx context.Context, connectionID string, state records.StatementState) (*Statement, error) {
	state.ConnectionID = connectionID
	id := NewID()
	rec := records.NewStatement(id, state, s.clock.Now(), s.ttl)
	if err := s.backend.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("handles: persist statement: %w", err)
	}
	st := newStatement(rec, nil)
	s.stmtMu.Lock()
	s.stmts[id] = st
	s.stmtMu.Unlock()
	return st, nil
}

// Connection returns the live connection for id, restoring it from its
// record when it is not in memory.
func (s *Store) Connection(ctx context.Context, id string) (*Connection, error) {
	now := s.clock.Now()
	s.connMu.Lock()
	conn, ok := s.conns[id]
	s.connMu.Unlock()
	if ok {
		if conn.Expired(now) {
			_ = s.RemoveConnection(ctx, id)
			return nil, fmt.Errorf("%w: %s expired", ErrUnknownConnection, id)
		}
		if conn.touch(now, touchPersistInterval) {
			if err := s.SaveConnection(ctx, conn); err != nil {
				s.logger.Debug("bridged.handles.connection.touch_failed", "connection_id", id, "error", err)
			}
		}
		return conn, nil
	}
	return s.restoreConnection(ctx, id)
}

// LastUsed reports when the live connection id was last looked up. It never
// restores; ok is false when id is not held in memory.
func (s *Store) LastUsed(id string) (time.Time, bool) {
	s.connMu.Lock()
	conn, ok := s.conns[id]
	s.connMu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return conn.LastUsed(), true
}

func (s *Store) restoreConnection(ctx context.Context, id string) (*Connection, error) {
	rec, err := s.backend.Get(ctx, records.KindConnection, id)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) || errors.Is(err, records.ErrExpired) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
		}
		return nil, fmt.Errorf("handles: load connection %s: %w", id, err)
	}
	state := *rec.Connection
	credential, err := s.openCredential(ctx, id, state)
	if err == nil {
		var live io.Closer
		live, err = s.restorer.Reconnect(ctx, state, credential)
		if err == nil {
			conn := newConnection(rec, live)
			conn.touch(s.clock.Now(), touchPersistInterval)
			return s.installConnection(ctx, conn), nil
		}
	}
	s.metrics.restore(ctx, records.KindConnection, "failed")
	s.logger.Warn("bridged.handles.connection.restore_failed", "connection_id", id, "driver", state.Driver, "target", state.Target, "error", err)
	_ = s.backend.Delete(ctx, records.KindConnection, id)
	_ = s.sealer.Forget(ctx, id)
	return nil, fmt.Errorf("%w: connection %s: %v", ErrRestoreFailed, id, err)
}

func (s *Store) openCredential(ctx context.Context, id string, state records.ConnectionState) (string, error) {
	if state.Sealer != "" && state.Sealer != s.sealer.Name() {
		return "", fmt.Errorf("credential sealed with %q but daemon uses %q", state.Sealer, s.sealer.Name())
	}
	return s.sealer.Open(ctx, id, state.SealedCredential)
}

// installConnection inserts conn unless another restoration won the race, in
// which case conn is closed and the winner returned.
func (s *Store) installConnection(ctx context.Context, conn *Connection) *Connection {
	s.connMu.Lock()
	existing, ok := s.conns[conn.ID]
	if !ok {
		s.conns[conn.ID] = conn
	}
	s.connMu.Unlock()
	if ok {
		_ = conn.Live.Close()
		s.metrics.restore(ctx, records.KindConnection, "duplicate")
		return existing
	}
	s.metrics.restore(ctx, records.KindConnection, "ok")
	s.logger.Info("bridged.handles.connection.restored", "connection_id", conn.ID, "driver", conn.State.Driver, "target", conn.State.Target)
	return conn
}

// Statement resolves a statement and its owning connection. When
// connectionID is not empty it must match the statement owner.
func (s *Store) Statement(ctx context.Context, connectionID, id string) (*Statement, *Connection, error) {
	now := s.clock.Now()
	s.stmtMu.Lock()
	st, ok := s.stmts[id]
	s.stmtMu.Unlock()
	if ok {
		if connectionID != "" && st.ConnectionID != connectionID {
			return nil, nil, fmt.Errorf("%w: %s does not belong to connection %s", ErrUnknownStatement, id, connectionID)
		}
		if st.Expired(now) {
			_ = s.RemoveStatement(ctx, id)
			return nil, nil, fmt.Errorf("%w: %s expired", ErrUnknownStatement, id)
		}
		conn, err := s.Connection(ctx, st.ConnectionID)
		if err != nil {
			if errors.Is(err, ErrUnknownConnection) {
				_ = s.RemoveStatement(ctx, id)
				return nil, nil, fmt.Errorf("%w: statement %s: %v", ErrDependencyLost, id, err)
			}
			return nil, nil, err
		}
		st.touch(now)
		return st, conn, nil
	}
	return s.restoreStatement(ctx, connectionID, id)
}

func (s *Store) restoreStatement(ctx context.Context, connectionID, id string) (*Statement, *Connection, error) {
	rec, err := s.backend.Get(ctx, records.KindStatement, id)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) || errors.Is(err, records.ErrExpired) {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStatement, id)
		}
		return nil, nil, fmt.Errorf("handles: load statement %s: %w", id, err)
	}
	if connectionID != "" && rec.Owner != connectionID {
		return nil, nil, fmt.Errorf("%w: %s does not belong to connection %s", ErrUnknownStatement, id, connectionID)
	}
	conn, err := s.Connection(ctx, rec.Owner)
	if err != nil {
		if errors.Is(err, ErrUnknownConnection) {
			_ = s.backend.Delete(ctx, records.KindStatement, id)
			s.metrics.restore(ctx, records.KindStatement, "dependency_lost")
			return nil, nil, fmt.Errorf("%w: statement %s: %v", ErrDependencyLost, id, err)
		}
		return nil, nil, err
	}

	state := *rec.Statement
	var cursor io.Closer
	if state.Executed && !state.Finished {
		cursor, err = s.restorer.Resume(ctx, conn, state)
		if err != nil {
			s.metrics.restore(ctx, records.KindStatement, "failed")
			s.logger.Warn("bridged.handles.statement.restore_failed", "statement_id", id, "connection_id", rec.Owner, "error", err)
			_ = s.backend.Delete(ctx, records.KindStatement, id)
			return nil, nil, fmt.Errorf("%w: statement %s: %v", ErrRestoreFailed, id, err)
		}
	}
	st := newStatement(rec, cursor)
	st.touch(s.clock.Now())

	if !s.hasConnection(conn.ID) {
		if cursor != nil {
			_ = cursor.Close()
		}
		s.metrics.restore(ctx, records.KindStatement, "dependency_lost")
		return nil, nil, fmt.Errorf("%w: connection %s closed during restore of statement %s", ErrDependencyLost, conn.ID, id)
	}

	s.stmtMu.Lock()
	existing, dup := s.stmts[id]
	if !dup {
		s.stmts[id] = st
	}
	s.stmtMu.Unlock()
	if dup {
		if cursor != nil {
			_ = cursor.Close()
		}
		s.metrics.restore(ctx, records.KindStatement, "duplicate")
		return existing, conn, nil
	}
	s.metrics.restore(ctx, records.KindStatement, "ok")
	s.logger.Info("bridged.handles.statement.restored", "statement_id", id, "connection_id", conn.ID, "consumed", state.Consumed, "pending", state.PendingRow != nil)
	return st, conn, nil
}

func (s *Store) hasConnection(id string) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_, ok := s.conns[id]
	return ok
}

// SaveStatement writes the statement's current state to its record.
func (s *Store) SaveStatement(ctx context.Context, st *Statement) error {
	rec := st.record(s.clock.Now())
	if err := s.backend.Put(ctx, rec); err != nil {
		return fmt.Errorf("handles: persist statement %s: %w", st.ID, err)
	}
	return nil
}

// SaveConnection writes the connection's current flags to its record and
// refreshes its last-used time. The lifetime is not extended.
func (s *Store) SaveConnection(ctx context.Context, conn *Connection) error {
	rec := conn.record(s.clock.Now())
	if err := s.backend.Put(ctx, rec); err != nil {
		return fmt.Errorf("handles: persist connection %s: %w", conn.ID, err)
	}
	return nil
}

// RemoveStatement closes and forgets a statement, including its record.
func (s *Store) RemoveStatement(ctx context.Context, id string) error {
	s.stmtMu.Lock()
	st, ok := s.stmts[id]
	delete(s.stmts, id)
	s.stmtMu.Unlock()
	if ok {
		st.closeCursor()
	}
	return s.backend.Delete(ctx, records.KindStatement, id)
}

// RemoveConnection closes a connection and deletes its record together with
// every statement, live or durable, owned by it.
func (s *Store) RemoveConnection(ctx context.Context, id string) error {
	s.connMu.Lock()
	conn, ok := s.conns[id]
	delete(s.conns, id)
	s.connMu.Unlock()

	var errs []error
	for _, stmtID := range s.dropLiveStatements(id) {
		if err := s.backend.Delete(ctx, records.KindStatement, stmtID); err != nil {
			errs = append(errs, err)
		}
	}
	owned, err := s.backend.List(ctx, records.KindStatement)
	if err != nil {
		errs = append(errs, err)
	}
	for _, rec := range records.OwnedBy(owned, id) {
		if err := s.backend.Delete(ctx, records.KindStatement, rec.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if ok && conn.Live != nil {
		if err := conn.Live.Close(); err != nil {
			s.logger.Debug("bridged.handles.connection.close_error", "connection_id", id, "error", err)
		}
	}
	if err := s.backend.Delete(ctx, records.KindConnection, id); err != nil {
		errs = append(errs, err)
	}
	_ = s.sealer.Forget(ctx, id)
	if ok {
		s.logger.Debug("bridged.handles.connection.removed", "connection_id", id)
	}
	return errors.Join(errs...)
}

func (s *Store) dropLiveStatements(connectionID string) []string {
	s.stmtMu.Lock()
	var dropped []*Statement
	for sid, st := range s.stmts {
		if st.ConnectionID == connectionID {
			dropped = append(dropped, st)
			delete(s.stmts, sid)
		}
	}
	s.stmtMu.Unlock()
	ids := make([]string, 0, len(dropped))
	for _, st := range dropped {
		st.closeCursor()
		ids = append(ids, st.ID)
	}
	return ids
}

// HasLiveConnection reports whether id is currently held in memory.
func (s *Store) HasLiveConnection(id string) bool { return s.hasConnection(id) }

// Detach closes every live handle while keeping their records so a later
// process can restore them.
func (s *Store) Detach() {
	s.stmtMu.Lock()
	stmts := s.stmts
	s.stmts = make(map[string]*Statement)
	s.stmtMu.Unlock()
	for _, st := range stmts {
		st.closeCursor()
	}
	s.connMu.Lock()
	conns := s.conns
	s.conns = make(map[string]*Connection)
	s.connMu.Unlock()
	for _, conn := range conns {
		if conn.Live != nil {
			_ = conn.Live.Close()
		}
	}
	if len(conns)+len(stmts) > 0 {
		s.logger.Info("bridged.handles.detached", "connections", len(conns), "statements", len(stmts))
	}
}

// Sweep removes expired live handles and purges expired records. It returns
// counters for the maintenance log.
func (s *Store) Sweep(ctx context.Context) map[string]int {
	now := s.clock.Now()
	out := map[string]int{}

	s.connMu.Lock()
	var expiredConns []string
	for id, c := range s.conns {
		if c.Expired(now) {
			expiredConns = append(expiredConns, id)
		}
	}
	s.connMu.Unlock()
	for _, id := range expiredConns {
		_ = s.RemoveConnection(ctx, id)
	}
	out["expired_connections"] = len(expiredConns)

	s.stmtMu.Lock()
	var expiredStmts []string
	for id, st := range s.stmts {
		if st.Expired(now) {
			expiredStmts = append(expiredStmts, id)
		}
	}
	s.stmtMu.Unlock()
	for _, id := range expiredStmts {
		_ = s.RemoveStatement(ctx, id)
	}
	out["expired_statements"] = len(expiredStmts)

	for _, kind := range records.Kinds {
		recs, err := s.backend.List(ctx, kind)
		if err != nil {
			s.logger.Warn("bridged.handles.sweep.list_failed", "kind", string(kind), "error", err)
			continue
		}
		out["durable_"+string(kind)+"s"] = len(recs)
	}
	return out
}

// Stats reports live handle counts.
type Stats struct {
	Connections int `json:"connections"`
	Statements  int `json:"statements"`
}

// Stats returns live handle counts.
func (s *Store) Stats() Stats {
	s.connMu.Lock()
	c := len(s.conns)
	s.connMu.Unlock()
	s.stmtMu.Lock()
	st := len(s.stmts)
	s.stmtMu.Unlock()
	return Stats{Connections: c, Statements: st}
}

// externalRemoval drops the live handle of a record deleted by another
// process.
func (s *Store) externalRemoval(kind records.Kind, id string) {
	switch kind {
	case records.KindConnection:
		s.connMu.Lock()
		conn, ok := s.conns[id]
		delete(s.conns, id)
		s.connMu.Unlock()
		if ok && conn.Live != nil {
			_ = conn.Live.Close()
		}
		s.dropLiveStatements(id)
	case records.KindStatement:
		s.stmtMu.Lock()
		st, ok := s.stmts[id]
		delete(s.stmts, id)
		s.stmtMu.Unlock()
		if ok {
			st.closeCursor()
		}
	}
}
