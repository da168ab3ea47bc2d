// Package client is the Go SDK for a bridged daemon. Each call opens one
// connection to the daemon's socket, writes one JSON request and reads one
// JSON response.
//
//	cli, err := client.New("unix:///tmp/bridged.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var conn struct {
//	    ConnectionID string `json:"connection_id"`
//	}
//	err = cli.Invoke(ctx, "database", "connect_cached", map[string]any{
//	    "dsn":      "dbi:SQLite:dbname=/var/lib/app.db",
//	    "username": "",
//	    "password": "",
//	}, &conn)
//
// Failure responses surface as *ResponseError; ErrorKind extracts the wire
// error kind (for example invalid_statement_id or restore_failed).
package client
