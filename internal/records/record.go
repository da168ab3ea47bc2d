// Package records is the durable mirror of live handles. A Record carries
// everything needed to rebuild a connection or statement in a later process.
// Records have a fixed lifetime measured from creation; touching a record
// refreshes LastUsedAt only.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the record schema version written by this build.
const Version = 1

// Kind distinguishes connection and statement records.
type Kind string

const (
	KindConnection Kind = "connection"
	KindStatement  Kind = "statement"
)

// Kinds lists every record kind.
var Kinds = []Kind{KindConnection, KindStatement}

var (
	// ErrNotFound reports a record that does not exist, or existed with an
	// unreadable or unsupported encoding and was discarded.
	ErrNotFound = errors.New("records: not found")
	// ErrExpired reports a record past its lifetime. The record is deleted
	// when this is returned.
	ErrExpired = errors.New("records: expired")
)

// ConnectionState is what a connection needs to reconnect.
type ConnectionState struct {
	Driver           string `json:"driver"`
	DSN              string `json:"dsn"`
	Target           string `json:"target"`
	Username         string `json:"username"`
	SealedCredential string `json:"sealed_credential,omitempty"`
	Sealer           string `json:"sealer"`
	AuthMode         string `json:"auth_mode,omitempty"`
	AutoCommit       bool   `json:"auto_commit"`
	RaiseError       bool   `json:"raise_error"`
	PrintError       bool   `json:"print_error"`
}

// Row is one result row in column order.
type Row []any

// StatementState is what a statement needs to resume its result set.
type StatementState struct {
	ConnectionID string         `json:"connection_id"`
	Query        string         `json:"query"`
	BindValues   []any          `json:"bind_values,omitempty"`
	BindNamed    map[string]any `json:"bind_named,omitempty"`
	Executed     bool           `json:"executed"`
	Finished     bool           `json:"finished"`
	// Consumed counts rows already pulled from the driver, including a
	// pending row.
	Consumed   int64    `json:"consumed"`
	PendingRow *Row     `json:"pending_row,omitempty"`
	Columns    []string `json:"columns,omitempty"`
	ColumnType []string `json:"column_types,omitempty"`
}

// Record is the durable document for one handle.
type Record struct {
	Version    int              `json:"version"`
	Kind       Kind             `json:"kind"`
	ID         string           `json:"id"`
	Owner      string           `json:"owner,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	LastUsedAt time.Time        `json:"last_used_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Connection *ConnectionState `json:"connection,omitempty"`
	Statement  *StatementState  `json:"statement,omitempty"`
}

// NewConnection builds a connection record created at now.
func NewConnection(id string, state ConnectionState, now time.Time, ttl time.Duration) Record {
	return Record{
		Version:    Version,
		Kind:       KindConnection,
		ID:         id,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(ttl),
		Connection: &state,
	}
}

// NewStatement builds a statement record owned by state.ConnectionID.
func NewStatement(id string, state StatementState, now time.Time, ttl time.Duration) Record {
	return Record{
		Version:    Version,
		Kind:       KindStatement,
		ID:         id,
		Owner:      state.ConnectionID,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(ttl),
		Statement:  &state,
	}
}

// Expired reports whether the record lifetime has passed at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Touch refreshes LastUsedAt without extending the lifetime.
func (r *Record) Touch(now time.Time) {
	r.LastUsedAt = now
}

// Validate checks the invariants every stored record must hold.
func (r Record) Validate() error {
	if r.Version != Version {
		return fmt.Errorf("records: unsupported version %d", r.Version)
	}
	if r.ID == "" {
		return fmt.Errorf("records: id required")
	}
	switch r.Kind {
	case KindConnection:
		if r.Connection == nil {
			return fmt.Errorf("records: connection %s has no state", r.ID)
		}
	case KindStatement:
		if r.Statement == nil {
			return fmt.Errorf("records: statement %s has no state", r.ID)
		}
		if r.Owner == "" || r.Owner != r.Statement.ConnectionID {
			return fmt.Errorf("records: statement %s owner mismatch", r.ID)
		}
	default:
		return fmt.Errorf("records: unknown kind %q", r.Kind)
	}
	return nil
}

// Encode serialises a record.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// Decode parses a record. Numbers decode as json.Number so bind values and
// pending rows keep their precision.
func Decode(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("records: decode: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}
