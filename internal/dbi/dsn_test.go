package dbi

import (
	"reflect"
	"testing"
)

func TestParseDSN(t *testing.T) {
	cases := []struct {
		name     string
		dsn      string
		user     string
		wantUser string
		identity string
		driver   string
	}{
		{name: "sqlite pairs", dsn: "dbi:SQLite:dbname=/var/db/app.db", user: "x", wantUser: "x", identity: "/var/db/app.db", driver: DriverSQLite},
		{name: "sqlite bare", dsn: "dbi:SQLite:/tmp/a.db", wantUser: "", identity: "/tmp/a.db", driver: DriverSQLite},
		{name: "pg", dsn: "dbi:Pg:dbname=shop;host=db1;port=5433", user: "app", wantUser: "app", identity: "db1:5433/shop", driver: DriverPg},
		{name: "pgpp", dsn: "dbi:PgPP:database=shop", wantUser: "", identity: "localhost/shop", driver: DriverPgPP},
		{name: "oracle pairs", dsn: "dbi:Oracle:host=ora1;port=2210;service_name=APP.EXAMPLE", user: "scott", wantUser: "scott", identity: "ora1:2210/APP.EXAMPLE", driver: DriverOracle},
		{name: "oracle sid", dsn: "dbi:Oracle:ora1:1522:XE", user: "scott", wantUser: "scott", identity: "ora1:1522/XE", driver: DriverOracle},
		{name: "oracle tns", dsn: "dbi:Ora:PRODDB", user: "scott", wantUser: "scott", identity: "PRODDB", driver: DriverOracle},
		{name: "oracle user at tns", dsn: "dbi:Oracle:", user: "scott@PRODDB", wantUser: "scott", identity: "PRODDB", driver: DriverOracle},
		{name: "bare easy connect", dsn: "ora1:2210/APP", user: "scott", wantUser: "scott", identity: "ora1:2210/APP", driver: DriverOracle},
		{name: "bare tns", dsn: "PRODDB", user: "scott", wantUser: "scott", identity: "PRODDB", driver: DriverOracle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target, user, err := ParseDSN(tc.dsn, tc.user)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if user != tc.wantUser || target.Identity() != tc.identity || target.Driver != tc.driver {
				t.Fatalf("got user=%q identity=%q driver=%q", user, target.Identity(), target.Driver)
			}
			again, _, err := ParseDSN(target.DSN(), user)
			if err != nil {
				t.Fatalf("reparse %q: %v", target.DSN(), err)
			}
			if again.Identity() != target.Identity() {
				t.Fatalf("DSN round trip changed identity: %q -> %q", target.Identity(), again.Identity())
			}
		})
	}
}

func TestParseDSNErrors(t *testing.T) {
	for _, dsn := range []string{"", "dbi:", "dbi:mysql:db=x", "dbi:SQLite:", "dbi:Pg:host=x", "dbi:Oracle:", "dbi:Pg:dbname=x;port=abc"} {
		if _, _, err := ParseDSN(dsn, "scott"); err == nil {
			t.Fatalf("expected error for %q", dsn)
		}
	}
}

func TestPgConnStringQuotes(t *testing.T) {
	got := pgConnString(map[string]string{"dbname": "shop", "host": "db1", "password": "leak"}, "app", `it's`)
	want := `dbname='shop' host='db1' user='app' password='it\'s'`
	if got != want {
		t.Fatalf("got %s", got)
	}
}

func TestNormalizeQuery(t *testing.T) {
	if got := NormalizeQuery("  SELECT 1 ;; \n"); got != "SELECT 1" {
		t.Fatalf("got %q", got)
	}
	cases := []struct {
		query string
		rows  bool
	}{
		{"SELECT 1", true},
		{"with x as (select 1) select * from x", true},
		{"(SELECT 1)", true},
		{"INSERT INTO t VALUES (1)", false},
		{"DELETE FROM t RETURNING id", true},
		{"UPDATE t SET a = 1", false},
		{"PRAGMA table_info(t)", true},
	}
	for _, tc := range cases {
		if returnsRows(tc.query) != tc.rows {
			t.Fatalf("returnsRows(%q) != %v", tc.query, tc.rows)
		}
	}
}

func TestBindArgs(t *testing.T) {
	positional, named, err := bindArgs(
		[]any{"a", float64(2)},
		map[string]any{"1": map[string]any{"value": "A"}, "3": true, ":name": map[string]any{"value": "n"}},
	)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !reflect.DeepEqual(positional, []any{"A", float64(2), true}) {
		t.Fatalf("positional %v", positional)
	}
	if !reflect.DeepEqual(named, map[string]any{"name": "n"}) {
		t.Fatalf("named %v", named)
	}
	if _, _, err := bindArgs(nil, map[string]any{"0": 1}); err == nil {
		t.Fatalf("index 0 should be rejected")
	}
}
