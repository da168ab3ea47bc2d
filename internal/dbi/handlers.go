package dbi

import (
	"context"
	"database/sql"
	"strings"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/connpool"
	"pkt.systems/bridged/internal/handles"
	"pkt.systems/bridged/internal/records"
	"pkt.systems/bridged/internal/registry"
)

type connectRequest struct {
	target   Target
	user     string
	password string
	flags    flags
}

type flags struct {
	AutoCommit bool
	RaiseError bool
	PrintError bool
}

func parseFlags(options map[string]any) (flags, error) {
	f := flags{AutoCommit: true, PrintError: true}
	for key, val := range options {
		var dst *bool
		switch strings.ToLower(key) {
		case "autocommit":
			dst = &f.AutoCommit
		case "raiseerror":
			dst = &f.RaiseError
		case "printerror":
			dst = &f.PrintError
		default:
			continue
		}
		b, err := registry.Truthy(val, key)
		if err != nil {
			return flags{}, err
		}
		*dst = b
	}
	return f, nil
}

func connectArgs(args registry.Args) (connectRequest, error) {
	dsn, err := args.String("dsn")
	if err != nil {
		return connectRequest{}, err
	}
	username, err := args.StringOr("username", "")
	if err != nil {
		return connectRequest{}, err
	}
	password, err := args.StringOr("password", "")
	if err != nil {
		return connectRequest{}, err
	}
	options, err := args.Map("options")
	if err != nil {
		return connectRequest{}, err
	}
	f, err := parseFlags(options)
	if err != nil {
		return connectRequest{}, err
	}
	t, user, err := ParseDSN(dsn, username)
	if err != nil {
		return connectRequest{}, registry.Wrap(api.ErrInvalidParams, err, "invalid dsn")
	}
	// Credentials embedded in the DSN are moved out so records never carry
	// them in clear text.
	if v, ok := t.Params["password"]; ok {
		if password == "" {
			password = v
		}
		delete(t.Params, "password")
	}
	for _, k := range []string{"user", "username"} {
		if v, ok := t.Params[k]; ok {
			if user == "" {
				user = v
			}
			delete(t.Params, k)
		}
	}
	return connectRequest{target: t, user: user, password: password, flags: f}, nil
}

func (r connectRequest) cacheKey() connpool.Key {
	return connpool.Key{
		Driver:     r.target.Driver,
		Target:     r.target.Identity(),
		Username:   r.user,
		AutoCommit: r.flags.AutoCommit,
		RaiseError: r.flags.RaiseError,
		PrintError: r.flags.PrintError,
	}
}

func (a *Adapter) open(ctx context.Context, req connectRequest) (*handles.Connection, error) {
	live, err := openConn(ctx, req.target, req.user, req.password, req.flags.AutoCommit)
	if err != nil {
		a.logger.Warn("bridged.dbi.connect.failed", "driver", req.target.Driver, "target", maskDSN(req.target.Identity()), "user", req.user, "error", err)
		return nil, registry.Wrap(api.ErrHandler, err, "connect failed")
	}
	authMode := "password"
	if req.password == "" {
		authMode = "none"
	}
	state := records.ConnectionState{
		Driver:     req.target.Driver,
		DSN:        req.target.DSN(),
		Target:     req.target.Identity(),
		Username:   req.user,
		AuthMode:   authMode,
		AutoCommit: req.flags.AutoCommit,
		RaiseError: req.flags.RaiseError,
		PrintError: req.flags.PrintError,
	}
	conn, err := a.store.AddConnection(ctx, live, state, req.password)
	if err != nil {
		return nil, registry.Wrap(api.ErrInternal, err, "register connection")
	}
	a.logger.Info("bridged.dbi.connected", "connection_id", conn.ID, "driver", state.Driver, "target", maskDSN(state.Target), "user", state.Username)
	return conn, nil
}

func (a *Adapter) connect(ctx context.Context, args registry.Args) (any, error) {
	req, err := connectArgs(args)
	if err != nil {
		return nil, err
	}
	conn, err := a.open(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"connection_id": conn.ID, "db_type": req.target.Driver}, nil
}

func (a *Adapter) connectCached(ctx context.Context, args registry.Args) (any, error) {
	req, err := connectArgs(args)
	if err != nil {
		return nil, err
	}
	key := req.cacheKey()
	if id, ok := a.cache.Get(ctx, key); ok {
		if _, err := a.store.Connection(ctx, id); err == nil {
			a.logger.Debug("bridged.dbi.cache.hit", "connection_id", id, "key", key.String())
			return map[string]any{"connection_id": id, "db_type": req.target.Driver, "cached": true}, nil
		}
		a.cache.Forget(id)
	}
	conn, err := a.open(ctx, req)
	if err != nil {
		return nil, err
	}
	a.cache.Put(ctx, key, conn.ID)
	return map[string]any{"connection_id": conn.ID, "db_type": req.target.Driver, "cached": false}, nil
}

func (a *Adapter) connection(ctx context.Context, args registry.Args) (*handles.Connection, *liveConn, error) {
	id, err := args.String("connection_id")
	if err != nil {
		return nil, nil, err
	}
	conn, err := a.store.Connection(ctx, id)
	if err != nil {
		return nil, nil, handleError(err)
	}
	lc, err := liveOf(conn)
	if err != nil {
		return nil, nil, err
	}
	return conn, lc, nil
}

func (a *Adapter) statement(ctx context.Context, args registry.Args) (*handles.Statement, *handles.Connection, error) {
	connID, err := args.StringOr("connection_id", "")
	if err != nil {
		return nil, nil, err
	}
	stmtID, err := args.String("statement_id")
	if err != nil {
		return nil, nil, err
	}
	st, conn, err := a.store.Statement(ctx, connID, stmtID)
	if err != nil {
		return nil, nil, handleError(err)
	}
	return st, conn, nil
}

func (a *Adapter) ping(ctx context.Context, args registry.Args) (any, error) {
	conn, lc, err := a.connection(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := lc.ping(ctx); err != nil {
		return nil, a.driverError(conn, "ping", err)
	}
	return map[string]any{"alive": true}, nil
}

func (a *Adapter) prepare(ctx context.Context, args registry.Args) (any, error) {
	conn, _, err := a.connection(ctx, args)
	if err != nil {
		return nil, err
	}
	query, err := args.String("sql")
	if err != nil {
		return nil, err
	}
	query = NormalizeQuery(query)
	if query == "" {
		return nil, registry.Errorf(api.ErrInvalidParams, "sql is empty")
	}
	st, err := a.store.AddStatement(ctx, conn.ID, records.StatementState{Query: query})
	if err != nil {
		return nil, registry.Wrap(api.ErrInternal, err, "register statement")
	}
	return map[string]any{"statement_id": st.ID}, nil
}

func (a *Adapter) executeStatement(ctx context.Context, args registry.Args) (any, error) {
	st, conn, err := a.statement(ctx, args)
	if err != nil {
		return nil, err
	}
	lc, err := liveOf(conn)
	if err != nil {
		return nil, err
	}
	values, err := args.Slice("bind_values")
	if err != nil {
		return nil, err
	}
	named, err := args.Map("bind_params")
	if err != nil {
		return nil, err
	}
	positional, byName, err := bindArgs(values, named)
	if err != nil {
		return nil, registry.Wrap(api.ErrInvalidParams, err, "invalid binds")
	}
	q, err := lc.querier(ctx)
	if err != nil {
		return nil, a.driverError(conn, "execute", err)
	}
	query := st.State().Query
	bound := driverArgs(positional, byName)

	result := map[string]any{"rows_affected": int64(0), "column_info": nil}
	if returnsRows(query) {
		rows, err := q.QueryContext(ctx, query, bound...)
		if err != nil {
			return nil, a.driverError(conn, "execute", err)
		}
		cols, err := rows.Columns()
		if err != nil {
			_ = rows.Close()
			return nil, a.driverError(conn, "execute", err)
		}
		types := columnTypes(rows)
		cur, err := lc.newCursor(rows, len(cols))
		if err != nil {
			return nil, a.driverError(conn, "execute", err)
		}
		// Probe one row so the result shape is known; it is delivered by
		// the next fetch.
		row, more, err := cur.next()
		if err != nil {
			_ = cur.Close()
			return nil, a.driverError(conn, "execute", err)
		}
		if more {
			st.SetCursor(cur)
		} else {
			_ = cur.Close()
			st.SetCursor(nil)
		}
		st.Update(func(s *records.StatementState) {
			s.Executed = true
			s.Finished = !more
			s.Consumed = 0
			s.PendingRow = nil
			if more {
				s.Consumed = 1
				r := row
				s.PendingRow = &r
			}
			s.Columns = cols
			s.ColumnType = types
			s.BindValues = positional
			s.BindNamed = byName
		})
		result["column_info"] = map[string]any{"count": len(cols), "names": cols, "types": types}
	} else {
		res, err := q.ExecContext(ctx, query, bound...)
		if err != nil {
			return nil, a.driverError(conn, "execute", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = -1
		}
		result["rows_affected"] = n
		st.SetCursor(nil)
		st.Update(func(s *records.StatementState) {
			s.Executed = true
			s.Finished = true
			s.Consumed = 0
			s.PendingRow = nil
			s.Columns = nil
			s.ColumnType = nil
			s.BindValues = positional
			s.BindNamed = byName
		})
	}
	if err := a.store.SaveStatement(ctx, st); err != nil {
		return nil, registry.Wrap(api.ErrInternal, err, "persist statement")
	}
	return result, nil
}

func columnTypes(rows *sql.Rows) []string {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil
	}
	out := make([]string, len(cts))
	for i, ct := range cts {
		out[i] = ct.DatabaseTypeName()
	}
	return out
}

func rowFormat(args registry.Args) (string, error) {
	format, err := args.StringOr("format", "array")
	if err != nil {
		return "", err
	}
	switch format {
	case "array", "hash":
		return format, nil
	default:
		return "", registry.Errorf(api.ErrInvalidParams, "format must be array or hash, got %q", format)
	}
}

func shapeRow(format string, columns []string, row records.Row) any {
	if format != "hash" {
		return []any(row)
	}
	out := make(map[string]any, len(row))
	for i, v := range row {
		if i < len(columns) {
			out[columns[i]] = v
		}
	}
	return out
}

func (a *Adapter) fetchRow(ctx context.Context, args registry.Args) (any, error) {
	st, conn, err := a.statement(ctx, args)
	if err != nil {
		return nil, err
	}
	format, err := rowFormat(args)
	if err != nil {
		return nil, err
	}
	state := st.State()
	if !state.Executed {
		return nil, registry.Errorf(api.ErrInvalidParams, "statement %s has not been executed", st.ID)
	}
	if row, ok := st.TakePending(); ok {
		if err := a.store.SaveStatement(ctx, st); err != nil {
			return nil, registry.Wrap(api.ErrInternal, err, "persist statement")
		}
		return map[string]any{"row": shapeRow(format, state.Columns, row), "finished": false}, nil
	}
	if state.Finished {
		return map[string]any{"row": nil, "finished": true}, nil
	}
	cur, ok := st.Cursor().(*cursor)
	if !ok || cur == nil {
		return nil, registry.Errorf(api.ErrInternal, "statement %s has no open cursor", st.ID)
	}
	row, more, err := cur.next()
	if err != nil {
		return nil, a.driverError(conn, "fetch", err)
	}
	if !more {
		st.SetCursor(nil)
		st.Update(func(s *records.StatementState) { s.Finished = true })
	} else {
		st.Update(func(s *records.StatementState) { s.Consumed++ })
	}
	if err := a.store.SaveStatement(ctx, st); err != nil {
		return nil, registry.Wrap(api.ErrInternal, err, "persist statement")
	}
	if !more {
		return map[string]any{"row": nil, "finished": true}, nil
	}
	return map[string]any{"row": shapeRow(format, state.Columns, row), "finished": false}, nil
}

func (a *Adapter) fetchAll(ctx context.Context, args registry.Args) (any, error) {
	st, conn, err := a.statement(ctx, args)
	if err != nil {
		return nil, err
	}
	format, err := rowFormat(args)
	if err != nil {
		return nil, err
	}
	state := st.State()
	if !state.Executed {
		return nil, registry.Errorf(api.ErrInvalidParams, "statement %s has not been executed", st.ID)
	}
	rows := []any{}
	if row, ok := st.TakePending(); ok {
		rows = append(rows, shapeRow(format, state.Columns, row))
	}
	var pulled int64
	if cur, ok := st.Cursor().(*cursor); ok && cur != nil && !state.Finished {
		for {
			row, more, err := cur.next()
			if err != nil {
				st.Update(func(s *records.StatementState) { s.Consumed += pulled })
				_ = a.store.SaveStatement(ctx, st)
				return nil, a.driverError(conn, "fetch", err)
			}
			if !more {
				break
			}
			pulled++
			rows = append(rows, shapeRow(format, state.Columns, row))
		}
	}
	st.SetCursor(nil)
	st.Update(func(s *records.StatementState) {
		s.Consumed += pulled
		s.Finished = true
	})
	if err := a.store.SaveStatement(ctx, st); err != nil {
		return nil, registry.Wrap(api.ErrInternal, err, "persist statement")
	}
	return map[string]any{"rows": rows, "count": len(rows)}, nil
}

func (a *Adapter) executeImmediate(ctx context.Context, args registry.Args) (any, error) {
	conn, lc, err := a.connection(ctx, args)
	if err != nil {
		return nil, err
	}
	query, err := args.String("sql")
	if err != nil {
		return nil, err
	}
	query = NormalizeQuery(query)
	if query == "" {
		return nil, registry.Errorf(api.ErrInvalidParams, "sql is empty")
	}
	values, err := args.Slice("bind_values")
	if err != nil {
		return nil, err
	}
	positional, _, err := bindArgs(values, nil)
	if err != nil {
		return nil, registry.Wrap(api.ErrInvalidParams, err, "invalid binds")
	}
	q, err := lc.querier(ctx)
	if err != nil {
		return nil, a.driverError(conn, "execute_immediate", err)
	}
	res, err := q.ExecContext(ctx, query, positional...)
	if err != nil {
		return nil, a.driverError(conn, "execute_immediate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = -1
	}
	return map[string]any{"rows_affected": n}, nil
}

func (a *Adapter) beginTransaction(ctx context.Context, args registry.Args) (any, error) {
	conn, lc, err := a.connection(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := lc.begin(ctx); err != nil {
		return nil, a.driverError(conn, "begin_transaction", err)
	}
	return map[string]any{"in_transaction": true}, nil
}

func (a *Adapter) commit(ctx context.Context, args registry.Args) (any, error) {
	conn, lc, err := a.connection(ctx, args)
	if err != nil {
		return nil, err
	}
	open, err := lc.finish(true)
	if err != nil {
		return nil, a.driverError(conn, "commit", err)
	}
	return map[string]any{"committed": open}, nil
}

func (a *Adapter) rollback(ctx context.Context, args registry.Args) (any, error) {
	conn, lc, err := a.connection(ctx, args)
	if err != nil {
		return nil, err
	}
	open, err := lc.finish(false)
	if err != nil {
		return nil, a.driverError(conn, "rollback", err)
	}
	return map[string]any{"rolled_back": open}, nil
}

func (a *Adapter) disconnect(ctx context.Context, args registry.Args) (any, error) {
	id, err := args.String("connection_id")
	if err != nil {
		return nil, err
	}
	a.cache.Forget(id)
	if err := a.store.RemoveConnection(ctx, id); err != nil {
		return nil, registry.Wrap(api.ErrInternal, err, "remove connection")
	}
	return map[string]any{"disconnected": true}, nil
}

func (a *Adapter) finishStatement(ctx context.Context, args registry.Args) (any, error) {
	id, err := args.String("statement_id")
	if err != nil {
		return nil, err
	}
	if err := a.store.RemoveStatement(ctx, id); err != nil {
		return nil, registry.Wrap(api.ErrInternal, err, "remove statement")
	}
	return map[string]any{"finished": true}, nil
}
