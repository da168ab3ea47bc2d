package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/bridged"
	"pkt.systems/bridged/internal/validate"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage bridged configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.bridged/config.yaml"
	if p, err := bridged.DefaultConfigFile(); err == nil {
		defaultOutput = p
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default bridged configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				p, err := bridged.DefaultConfigFile()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = p
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen               string   `yaml:"listen"`
	ListenProto          string   `yaml:"listen-proto"`
	Debug                int      `yaml:"debug"`
	MaxConnections       int      `yaml:"max-connections"`
	MaxRequestSize       string   `yaml:"max-request-size"`
	ReadTimeout          string   `yaml:"read-timeout"`
	ConnectionTimeout    string   `yaml:"connection-timeout"`
	CleanupInterval      string   `yaml:"cleanup-interval"`
	HealthInterval       string   `yaml:"health-interval"`
	SampleInterval       string   `yaml:"sample-interval"`
	ShutdownGrace        string   `yaml:"shutdown-grace"`
	MaxMemory            string   `yaml:"max-memory"`
	MaxCPUPercent        float64  `yaml:"max-cpu-percent"`
	MaxRequestsPerMinute int      `yaml:"max-requests-per-minute"`
	MaxConcurrent        int      `yaml:"max-concurrent"`
	MaxStringLength      int      `yaml:"max-string-length"`
	MaxArrayLength       int      `yaml:"max-array-length"`
	MaxObjectDepth       int      `yaml:"max-object-depth"`
	MaxParams            int      `yaml:"max-params"`
	LenientValidation    bool     `yaml:"lenient-validation"`
	PolicyFile           string   `yaml:"policy-file"`
	Records              string   `yaml:"records"`
	RecordTTL            string   `yaml:"record-ttl"`
	RecordWatch          bool     `yaml:"record-watch"`
	CredentialSealer     string   `yaml:"credential-sealer"`
	CredentialKeyFile    string   `yaml:"credential-key-file"`
	KeyringBackends      []string `yaml:"keyring-backends"`
	KeyringFileDir       string   `yaml:"keyring-file-dir"`
	CacheCapacity        int      `yaml:"cache-capacity"`
	AuditLog             string   `yaml:"audit-log"`
	AuditNATSURL         string   `yaml:"audit-nats-url"`
	AuditNATSSubject     string   `yaml:"audit-nats-subject"`
	MetricsListen        string   `yaml:"metrics-listen"`
	PprofListen          string   `yaml:"pprof-listen"`
	ProfilingMetrics     bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint         string   `yaml:"otlp-endpoint"`
	LogLevel             string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:               bridged.DefaultListen(),
		MaxConnections:       bridged.DefaultMaxConnections,
		MaxRequestSize:       humanizeBytes(bridged.DefaultMaxRequestBytes),
		ReadTimeout:          bridged.DefaultReadTimeout.String(),
		ConnectionTimeout:    bridged.DefaultConnectionTimeout.String(),
		CleanupInterval:      bridged.DefaultCleanupInterval.String(),
		HealthInterval:       bridged.DefaultHealthInterval.String(),
		SampleInterval:       bridged.DefaultSampleInterval.String(),
		ShutdownGrace:        bridged.DefaultShutdownGrace.String(),
		MaxMemory:            humanizeBytes(bridged.DefaultMaxMemoryBytes),
		MaxCPUPercent:        bridged.DefaultMaxCPUPercent,
		MaxRequestsPerMinute: bridged.DefaultMaxRequestsPerMinute,
		MaxConcurrent:        bridged.DefaultMaxConcurrent,
		MaxStringLength:      validate.DefaultMaxStringLength,
		MaxArrayLength:       validate.DefaultMaxArrayLength,
		MaxObjectDepth:       validate.DefaultMaxObjectDepth,
		MaxParams:            validate.DefaultMaxParams,
		Records:              bridged.DefaultRecords(),
		RecordTTL:            bridged.DefaultRecordTTL.String(),
		CredentialSealer:     bridged.DefaultCredentialSealer,
		CacheCapacity:        bridged.DefaultCacheCapacity,
		AuditNATSSubject:     bridged.DefaultAuditNATSSubject,
		LogLevel:             "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
