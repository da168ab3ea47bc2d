// Package bridged exposes the Go APIs behind a local RPC bridge daemon. The
// daemon keeps database connections and prepared statements alive on behalf
// of short-lived client processes: each client connects, sends one JSON
// request, reads one JSON response and disconnects. Handles survive between
// calls and across daemon restarts because every connection and statement is
// mirrored to a durable record store and restored lazily on first use.
//
// # Running a server
//
// The server listens on a Unix socket by default (`Config.Listen`, default
// /tmp/bridged.sock) and falls back to loopback TCP where sockets are not
// available. The socket is created with 0600 permissions.
//
//	cfg := bridged.Config{
//	    Listen:  "/run/bridged.sock",
//	    Records: "disk:///var/lib/bridged",
//	}
//	srv, err := bridged.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("bridged: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer wraps the same steps for tests and sidecars and returns once
// the listener is ready:
//
//	srv, stop, err := bridged.StartServer(ctx, bridged.Config{Records: "mem://"})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Request pipeline
//
// Every connection goes through the same stages:
//
//  1. The resource governor admits or paces the connection based on RSS, CPU,
//     request rate and concurrency.
//  2. The request document is read up to Config.MaxRequestBytes and decoded.
//  3. The validator checks structure, sizes, the module/function whitelist,
//     injection patterns and optional CEL policies. Findings become security
//     events in the audit ring.
//  4. The dispatcher invokes the handler, records latency in the performance
//     window and wraps the result in a Response.
//
// The `test` and `system` modules are always registered. `system` exposes
// health, performance, connections, cleanup and shutdown.
//
// # Durable handles
//
// Config.Records selects where handle records live: `mem://` for tests,
// `disk:///path` for a single host and `redis://host:port/db` to share records
// between daemons. Stored passwords are sealed by Config.CredentialSealer
// (xor, kryptograf or keyring).
//
// # Client SDK
//
// The Go client (`pkt.systems/bridged/client`) dials one connection per call:
//
//	cli, err := client.New("unix:///run/bridged.sock")
//	if err != nil { log.Fatal(err) }
//	var conn struct{ ConnectionID string `json:"connection_id"` }
//	err = cli.Invoke(ctx, "database", "connect", map[string]any{
//	    "dsn": "dbi:SQLite:dbname=/tmp/app.db",
//	}, &conn)
//
// # Configuration
//
// The bridged binary reads flags, BRIDGED_* environment variables and an
// optional YAML file ($HOME/.bridged/config.yaml, generated by
// `bridged config gen`). Logging is structured and configured through
// BRIDGED_LOG_* variables.
package bridged
