package dbi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	go_ora "github.com/sijms/go-ora/v2"
)

// Canonical driver kinds.
const (
	DriverSQLite = "sqlite"
	DriverPg     = "pg"
	DriverPgPP   = "pgpp"
	DriverOracle = "oracle"
)

const defaultOraclePort = 1521

// Target is a parsed DBI data source.
type Target struct {
	// Kind is the driver segment as written in the DSN (SQLite, Pg, Oracle...).
	Kind    string
	Driver  string
	Params  map[string]string
	Path    string
	Host    string
	Port    int
	Service string
	SID     string
	TNS     string
}

// ParseDSN parses a DBI style data source. username may carry an Oracle
// connect identifier as user@TNS; the returned user has it stripped and a
// minimal Oracle DSN is completed from it.
func ParseDSN(dsn, username string) (Target, string, error) {
	dsn = strings.TrimSpace(dsn)
	user := username
	if i := strings.Index(username, "@"); i >= 0 {
		user = username[:i]
		if isMinimalOracle(dsn) {
			dsn = username[i+1:]
		}
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "dbi:") {
		if dsn == "" {
			return Target{}, "", fmt.Errorf("dbi: empty dsn")
		}
		t, err := parseOracle("Oracle", dsn, true)
		return t, user, err
	}
	parts := strings.SplitN(dsn, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return Target{}, "", fmt.Errorf("dbi: malformed dsn %q", dsn)
	}
	kind := parts[1]
	rest := ""
	if len(parts) == 3 {
		rest = parts[2]
	}
	switch strings.ToLower(kind) {
	case "sqlite":
		t, err := parseSQLite(kind, rest)
		return t, user, err
	case "pg":
		t, err := parsePg(kind, DriverPg, rest)
		return t, user, err
	case "pgpp":
		t, err := parsePg(kind, DriverPgPP, rest)
		return t, user, err
	case "oracle", "ora":
		t, err := parseOracle(kind, rest, false)
		return t, user, err
	default:
		return Target{}, "", fmt.Errorf("dbi: unsupported driver %q", kind)
	}
}

func isMinimalOracle(dsn string) bool {
	switch strings.ToLower(strings.TrimSpace(dsn)) {
	case "dbi:oracle:", "dbi:oracle", "dbi:ora:", "dbi:ora":
		return true
	}
	return false
}

func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func firstOf(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := params[k]; v != "" {
			return v
		}
	}
	return ""
}

func parseSQLite(kind, rest string) (Target, error) {
	t := Target{Kind: kind, Driver: DriverSQLite, Params: map[string]string{}}
	if strings.Contains(rest, "=") {
		t.Params = parsePairs(rest)
		t.Path = firstOf(t.Params, "dbname", "database", "db")
	} else {
		t.Path = strings.TrimSpace(rest)
	}
	if t.Path == "" {
		return Target{}, fmt.Errorf("dbi: SQLite dsn needs dbname")
	}
	return t, nil
}

func parsePg(kind, driver, rest string) (Target, error) {
	t := Target{Kind: kind, Driver: driver, Params: parsePairs(rest)}
	t.Service = firstOf(t.Params, "dbname", "database", "db")
	t.Host = firstOf(t.Params, "host", "hostaddr")
	if p := t.Params["port"]; p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Target{}, fmt.Errorf("dbi: invalid port %q", p)
		}
		t.Port = port
	}
	if t.Service == "" {
		return Target{}, fmt.Errorf("dbi: %s dsn needs dbname", kind)
	}
	return t, nil
}

func parseOracle(kind, rest string, bare bool) (Target, error) {
	t := Target{Kind: kind, Driver: DriverOracle, Params: map[string]string{}}
	rest = strings.TrimSpace(rest)
	switch {
	case rest == "":
		return Target{}, fmt.Errorf("dbi: Oracle dsn needs a connect identifier")
	case !bare && strings.Contains(rest, "="):
		t.Params = parsePairs(rest)
		t.Host = t.Params["host"]
		t.Service = t.Params["service_name"]
		t.SID = t.Params["sid"]
		if p := t.Params["port"]; p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return Target{}, fmt.Errorf("dbi: invalid port %q", p)
			}
			t.Port = port
		}
		if t.Service == "" && t.SID == "" {
			t.TNS = firstOf(t.Params, "tns", "dbname")
		}
	case strings.HasPrefix(rest, "("):
		t.TNS = rest
	case strings.Contains(rest, "/"):
		hostPort, service, _ := strings.Cut(rest, "/")
		host, port, err := splitHostPort(hostPort)
		if err != nil {
			return Target{}, err
		}
		t.Host, t.Port, t.Service = host, port, service
	case !bare && strings.Count(rest, ":") == 2:
		fields := strings.Split(rest, ":")
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return Target{}, fmt.Errorf("dbi: invalid port %q", fields[1])
		}
		t.Host, t.Port, t.SID = fields[0], port, fields[2]
	default:
		t.TNS = rest
	}
	if t.Host != "" && t.Port == 0 {
		t.Port = defaultOraclePort
	}
	if t.Host == "" && t.TNS == "" {
		return Target{}, fmt.Errorf("dbi: Oracle dsn has no host or connect identifier")
	}
	return t, nil
}

func splitHostPort(s string) (string, int, error) {
	host, p, ok := strings.Cut(s, ":")
	if !ok {
		return host, defaultOraclePort, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("dbi: invalid port %q", p)
	}
	return host, port, nil
}

// Identity names the database a target points at, without credentials.
func (t Target) Identity() string {
	switch t.Driver {
	case DriverSQLite:
		return t.Path
	case DriverPg, DriverPgPP:
		host := t.Host
		if host == "" {
			host = "localhost"
		}
		if t.Port > 0 {
			host = host + ":" + strconv.Itoa(t.Port)
		}
		return host + "/" + t.Service
	default:
		if t.TNS != "" {
			return t.TNS
		}
		name := t.Service
		if name == "" {
			name = t.SID
		}
		return t.Host + ":" + strconv.Itoa(t.Port) + "/" + name
	}
}

// DSN renders the target back to the DBI form persisted in records.
func (t Target) DSN() string {
	switch t.Driver {
	case DriverSQLite:
		return "dbi:" + t.Kind + ":dbname=" + t.Path
	case DriverPg, DriverPgPP:
		return "dbi:" + t.Kind + ":" + joinPairs(t.Params)
	default:
		switch {
		case len(t.Params) > 0:
			return "dbi:" + t.Kind + ":" + joinPairs(t.Params)
		case t.TNS != "":
			return "dbi:" + t.Kind + ":" + t.TNS
		case t.SID != "":
			return fmt.Sprintf("dbi:%s:%s:%d:%s", t.Kind, t.Host, t.Port, t.SID)
		default:
			return fmt.Sprintf("dbi:%s:%s:%d/%s", t.Kind, t.Host, t.Port, t.Service)
		}
	}
}

func joinPairs(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}

// driverSource returns the database/sql driver name and data source string.
func (t Target) driverSource(user, password string) (string, string, error) {
	switch t.Driver {
	case DriverSQLite:
		return "sqlite", t.Path, nil
	case DriverPg:
		return "pgx", pgConnString(t.Params, user, password), nil
	case DriverPgPP:
		return "postgres", pgConnString(t.Params, user, password), nil
	case DriverOracle:
		if t.Host == "" {
			return "oracle", go_ora.BuildJDBC(user, password, t.TNS, nil), nil
		}
		var opts map[string]string
		service := t.Service
		if service == "" && t.SID != "" {
			opts = map[string]string{"SID": t.SID}
		}
		return "oracle", go_ora.BuildUrl(t.Host, t.Port, service, user, password, opts), nil
	default:
		return "", "", fmt.Errorf("dbi: unsupported driver %q", t.Driver)
	}
}

func pgConnString(params map[string]string, user, password string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		switch k {
		case "user", "username", "password":
			continue
		case "database", "db":
			if params["dbname"] != "" {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		name := k
		if k == "database" || k == "db" {
			name = "dbname"
		}
		b.WriteString(name + "=" + pgQuote(params[k]) + " ")
	}
	if user != "" {
		b.WriteString("user=" + pgQuote(user) + " ")
	}
	if password != "" {
		b.WriteString("password=" + pgQuote(password) + " ")
	}
	return strings.TrimSpace(b.String())
}

func pgQuote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
