package bridged

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/bridged/internal/secret"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MaxRequestBytes != DefaultMaxRequestBytes || cfg.CacheCapacity != DefaultCacheCapacity {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.CredentialSealer != DefaultCredentialSealer || cfg.RecordTTL != DefaultRecordTTL {
		t.Fatalf("record defaults not applied: %+v", cfg)
	}
	if cfg.CleanupInterval != DefaultCleanupInterval || cfg.ShutdownGrace != DefaultShutdownGrace {
		t.Fatalf("interval defaults not applied: %+v", cfg)
	}
	if cfg.Records == "" || cfg.AuditNATSSubject != DefaultAuditNATSSubject {
		t.Fatalf("records/audit defaults not applied: %+v", cfg)
	}
}

func TestConfigValidateKeepsDisabledIntervals(t *testing.T) {
	cfg := Config{CleanupInterval: -1, HealthInterval: -time.Second, SampleInterval: 2 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.CleanupInterval >= 0 || cfg.HealthInterval >= 0 {
		t.Fatalf("negative intervals must stay disabled: %+v", cfg)
	}
	if cfg.SampleInterval != 2*time.Second {
		t.Fatalf("explicit interval overwritten: %v", cfg.SampleInterval)
	}
}

func TestConfigValidateInfersTCP(t *testing.T) {
	cfg := Config{Listen: "127.0.0.1:7654"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenProto != "tcp" {
		t.Fatalf("expected tcp, got %q", cfg.ListenProto)
	}
	cfg = Config{Listen: "/run/bridged.sock"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenProto != "unix" {
		t.Fatalf("expected unix, got %q", cfg.ListenProto)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "sealer", cfg: Config{CredentialSealer: "rot13"}},
		{name: "proto", cfg: Config{ListenProto: "udp"}},
		{name: "profiling", cfg: Config{EnableProfilingMetrics: true}},
		{name: "debug", cfg: Config{Debug: -1}},
		{name: "ttl", cfg: Config{RecordTTL: -time.Second}},
		{name: "cpu", cfg: Config{MaxCPUPercent: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error for %+v", tc.cfg)
			}
		})
	}
}

func TestConfigKryptografKeyFileDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BRIDGED_CONFIG_DIR", dir)
	cfg := Config{CredentialSealer: strings.ToUpper(secret.NameKryptograf)}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.CredentialSealer != secret.NameKryptograf {
		t.Fatalf("sealer not normalised: %q", cfg.CredentialSealer)
	}
	if want := filepath.Join(dir, "credentials.pem"); cfg.CredentialKeyFile != want {
		t.Fatalf("key file = %q, want %q", cfg.CredentialKeyFile, want)
	}
}

func TestDefaultConfigFileHonoursOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BRIDGED_CONFIG_DIR", dir)
	got, err := DefaultConfigFile()
	if err != nil {
		t.Fatalf("default config file: %v", err)
	}
	if got != filepath.Join(dir, "config.yaml") {
		t.Fatalf("unexpected config file %q", got)
	}
}
