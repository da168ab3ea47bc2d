package handles

import (
	"io"
	"sync"
	"time"

	"pkt.systems/bridged/internal/records"
)

// Connection is a live connection handle. Live is owned by the Store and is
// closed when the handle is removed.
type Connection struct {
	ID        string
	Live      io.Closer
	State     records.ConnectionState
	CreatedAt time.Time
	ExpiresAt time.Time

	mu        sync.Mutex
	lastUsed  time.Time
	persisted time.Time
}

func newConnection(rec records.Record, live io.Closer) *Connection {
	return &Connection{
		ID:        rec.ID,
		Live:      live,
		State:     *rec.Connection,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		lastUsed:  rec.LastUsedAt,
		persisted: rec.LastUsedAt,
	}
}

// Expired reports whether the handle lifetime has passed.
func (c *Connection) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// LastUsed returns the time of the most recent lookup.
func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// touch records a use at now. It reports whether the durable record is due
// for a last-used refresh, which happens at most once per every interval.
func (c *Connection) touch(now time.Time, every time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = now
	if now.Sub(c.persisted) < every {
		return false
	}
	c.persisted = now
	return true
}

func (c *Connection) record(now time.Time) records.Record {
	state := c.State
	rec := records.Record{
		Version:    records.Version,
		Kind:       records.KindConnection,
		ID:         c.ID,
		CreatedAt:  c.CreatedAt,
		ExpiresAt:  c.ExpiresAt,
		Connection: &state,
	}
	rec.Touch(now)
	return rec
}

// Statement is a live statement handle. Its state and cursor are guarded by
// an internal mutex; operations on the cursor itself are not serialised.
type Statement struct {
	ID           string
	ConnectionID string
	CreatedAt    time.Time
	ExpiresAt    time.Time

	mu       sync.Mutex
	state    records.StatementState
	cursor   io.Closer
	lastUsed time.Time
}

func newStatement(rec records.Record, cursor io.Closer) *Statement {
	return &Statement{
		ID:           rec.ID,
		ConnectionID: rec.Owner,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		state:        *rec.Statement,
		cursor:       cursor,
		lastUsed:     rec.LastUsedAt,
	}
}

// Expired reports whether the handle lifetime has passed.
func (st *Statement) Expired(now time.Time) bool {
	return !st.ExpiresAt.IsZero() && !now.Before(st.ExpiresAt)
}

// State returns a copy of the statement state.
func (st *Statement) State() records.StatementState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Cursor returns the live result cursor, nil before execution.
func (st *Statement) Cursor() io.Closer {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cursor
}

// Update applies fn to the statement state.
func (st *Statement) Update(fn func(*records.StatementState)) {
	st.mu.Lock()
	fn(&st.state)
	st.mu.Unlock()
}

// SetCursor installs a new cursor, closing the previous one.
func (st *Statement) SetCursor(c io.Closer) {
	st.mu.Lock()
	prev := st.cursor
	st.cursor = c
	st.mu.Unlock()
	if prev != nil && prev != c {
		_ = prev.Close()
	}
}

// TakePending removes and returns the pending row. The consumed counter is
// left alone because the row was already pulled from the driver.
func (st *Statement) TakePending() (records.Row, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state.PendingRow == nil {
		return nil, false
	}
	row := *st.state.PendingRow
	st.state.PendingRow = nil
	return row, true
}

// SetPending stores row in the single pending slot.
func (st *Statement) SetPending(row records.Row) {
	st.mu.Lock()
	r := row
	st.state.PendingRow = &r
	st.mu.Unlock()
}

// HasPending reports whether a pending row is held.
func (st *Statement) HasPending() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.PendingRow != nil
}

func (st *Statement) touch(now time.Time) {
	st.mu.Lock()
	st.lastUsed = now
	st.mu.Unlock()
}

func (st *Statement) closeCursor() {
	st.SetCursor(nil)
}

func (st *Statement) record(now time.Time) records.Record {
	st.mu.Lock()
	state := st.state
	st.mu.Unlock()
	rec := records.Record{
		Version:   records.Version,
		Kind:      records.KindStatement,
		ID:        st.ID,
		Owner:     st.ConnectionID,
		CreatedAt: st.CreatedAt,
		ExpiresAt: st.ExpiresAt,
		Statement: &state,
	}
	rec.Touch(now)
	return rec
}
