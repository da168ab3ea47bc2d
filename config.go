package bridged

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/bridged/internal/connpool"
	"pkt.systems/bridged/internal/handles"
	"pkt.systems/bridged/internal/pathutil"
	"pkt.systems/bridged/internal/secret"
	"pkt.systems/bridged/internal/validate"
)

const (
	// DefaultSocket is the endpoint on Unix-family systems.
	DefaultSocket = "/tmp/bridged.sock"
	// DefaultWindowsListen is the loopback endpoint used where Unix sockets
	// are not the norm. Port 0 picks an ephemeral port.
	DefaultWindowsListen = "127.0.0.1:0"
	// DefaultMaxConnections is the live connection ceiling enforced at accept.
	DefaultMaxConnections = 100
	// DefaultMaxRequestBytes caps one request document.
	DefaultMaxRequestBytes = 10 * humanize.MByte
	// DefaultReadTimeout aborts a client that stops sending.
	DefaultReadTimeout = 30 * time.Second
	// DefaultConnectionTimeout is how long a cached database connection may
	// sit idle.
	DefaultConnectionTimeout = connpool.DefaultIdleTimeout
	// DefaultCleanupInterval is the stale sweep cadence.
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultHealthInterval is the health log cadence.
	DefaultHealthInterval = 60 * time.Second
	// DefaultSampleInterval is the RSS/CPU sampling cadence.
	DefaultSampleInterval = 5 * time.Second
	// DefaultShutdownGrace bounds how long in-flight handlers may run after
	// shutdown starts.
	DefaultShutdownGrace = 5 * time.Second
	// DefaultMaxMemoryBytes is the RSS hard limit.
	DefaultMaxMemoryBytes = humanize.GiByte
	// DefaultMaxCPUPercent is the CPU hard limit.
	DefaultMaxCPUPercent = 90.0
	// DefaultMaxRequestsPerMinute is the rate hard limit.
	DefaultMaxRequestsPerMinute = 1000
	// DefaultMaxConcurrent is the concurrency hard limit.
	DefaultMaxConcurrent = 100
	// DefaultRecordTTL is the durable record lifetime.
	DefaultRecordTTL = handles.DefaultTTL
	// DefaultCredentialSealer keeps records readable by older deployments.
	DefaultCredentialSealer = secret.NameXOR
	// DefaultCacheCapacity is the connection cache ceiling.
	DefaultCacheCapacity = connpool.DefaultCapacity
	// DefaultAuditNATSSubject is the subject SecurityEvents are published on.
	DefaultAuditNATSSubject = "bridged.audit"
)

// DefaultListen returns the platform endpoint default.
func DefaultListen() string {
	if runtime.GOOS == "windows" {
		return DefaultWindowsListen
	}
	return DefaultSocket
}

// DefaultRecords returns the default durable record location.
func DefaultRecords() string {
	return "disk://" + filepath.ToSlash(filepath.Join(os.TempDir(), "bridged-handles"))
}

// Config captures the tunables for a bridged server.
type Config struct {
	// Listen is a socket path, or host:port when ListenProto is tcp.
	Listen      string
	ListenProto string
	// Debug >= 1 attaches diagnostic traces to failure responses.
	Debug int

	MaxConnections    int
	MaxRequestBytes   int64
	ReadTimeout       time.Duration
	ConnectionTimeout time.Duration
	CleanupInterval   time.Duration
	HealthInterval    time.Duration
	SampleInterval    time.Duration
	ShutdownGrace     time.Duration

	MaxMemoryBytes       uint64
	MaxCPUPercent        float64
	MaxRequestsPerMinute int
	MaxConcurrent        int

	MaxStringLength int
	MaxArrayLength  int
	MaxObjectDepth  int
	MaxParams       int
	// LenientValidation downgrades injection findings to warnings.
	LenientValidation bool
	// PolicyFile is an optional YAML file of CEL parameter policies.
	PolicyFile string

	// Records is the durable record backend URL (mem://, disk:///path,
	// redis://host:port/db).
	Records   string
	RecordTTL time.Duration
	// RecordWatch enables fsnotify on disk records so externally removed
	// files invalidate live handles.
	RecordWatch bool

	CredentialSealer  string
	CredentialKeyFile string
	KeyringBackends   []string
	KeyringFileDir    string
	KeyringPassword   string

	CacheCapacity int

	AuditLog         string
	AuditNATSURL     string
	AuditNATSSubject string

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects impossible values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen()
	}
	if c.ListenProto == "" {
		c.ListenProto = "unix"
		if runtime.GOOS == "windows" || (strings.Contains(c.Listen, ":") && !strings.ContainsAny(c.Listen, `/\`)) {
			c.ListenProto = "tcp"
		}
	}
	switch c.ListenProto {
	case "unix":
		p, err := pathutil.ExpandUserAndEnv(c.Listen)
		if err != nil {
			return fmt.Errorf("config: expand socket path: %w", err)
		}
		c.Listen = p
	case "tcp":
	default:
		return fmt.Errorf("config: listen proto must be %q or %q", "unix", "tcp")
	}
	if c.Debug < 0 {
		return fmt.Errorf("config: debug level must be >= 0")
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if c.MaxCPUPercent == 0 {
		c.MaxCPUPercent = DefaultMaxCPUPercent
	} else if c.MaxCPUPercent < 0 {
		return fmt.Errorf("config: max cpu percent must be > 0")
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxStringLength <= 0 {
		c.MaxStringLength = validate.DefaultMaxStringLength
	}
	if c.MaxArrayLength <= 0 {
		c.MaxArrayLength = validate.DefaultMaxArrayLength
	}
	if c.MaxObjectDepth <= 0 {
		c.MaxObjectDepth = validate.DefaultMaxObjectDepth
	}
	if c.MaxParams <= 0 {
		c.MaxParams = validate.DefaultMaxParams
	}
	if strings.TrimSpace(c.Records) == "" {
		c.Records = DefaultRecords()
	}
	if c.RecordTTL == 0 {
		c.RecordTTL = DefaultRecordTTL
	} else if c.RecordTTL < 0 {
		return fmt.Errorf("config: record ttl must be > 0")
	}
	c.CredentialSealer = strings.ToLower(strings.TrimSpace(c.CredentialSealer))
	if c.CredentialSealer == "" {
		c.CredentialSealer = DefaultCredentialSealer
	}
	switch c.CredentialSealer {
	case secret.NameXOR, secret.NameKeyring:
	case secret.NameKryptograf:
		if strings.TrimSpace(c.CredentialKeyFile) == "" {
			dir, err := DefaultConfigDir()
			if err != nil {
				return fmt.Errorf("config: resolve credential key file: %w", err)
			}
			c.CredentialKeyFile = filepath.Join(dir, "credentials.pem")
		}
		p, err := pathutil.ExpandUserAndEnv(c.CredentialKeyFile)
		if err != nil {
			return fmt.Errorf("config: expand credential key file: %w", err)
		}
		c.CredentialKeyFile = p
	default:
		return fmt.Errorf("config: unknown credential sealer %q (options: xor, kryptograf, keyring)", c.CredentialSealer)
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.AuditLog != "" {
		p, err := pathutil.ExpandUserAndEnv(c.AuditLog)
		if err != nil {
			return fmt.Errorf("config: expand audit log: %w", err)
		}
		c.AuditLog = p
	}
	if c.AuditNATSSubject == "" {
		c.AuditNATSSubject = DefaultAuditNATSSubject
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.bridged).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("BRIDGED_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bridged"), nil
}

// DefaultConfigFile returns the default YAML config file location.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
