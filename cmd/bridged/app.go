package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/bridged"
	"pkt.systems/bridged/internal/pathutil"
	"pkt.systems/bridged/internal/svcfields"
	"pkt.systems/bridged/internal/validate"
	"pkt.systems/bridged/internal/version"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BRIDGED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "bridged")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	ran, err := root.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if ran == root {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := bridged.DefaultConfigFile(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg bridged.Config

	cmd := &cobra.Command{
		Use:           "bridged",
		Short:         "bridged is a local RPC bridge that keeps database handles alive on behalf of short-lived clients",
		SilenceErrors: true,
		Version:       version.Current(),
		Example: `
  # Serve on the default socket with durable records under /var/lib/bridged
  bridged --records disk:///var/lib/bridged

  # Share handle records between hosts through Redis
  BRIDGED_RECORDS=redis://localhost:6379/0 bridged

  # Seal stored credentials with a kryptograf key file
  bridged --credential-sealer kryptograf --credential-key-file ~/.bridged/credentials.pem

  # Ask a running daemon for its health
  bridged status
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "bridged.lifecycle").Info(
				"welcome to bridged",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"version", version.Current(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := bridged.NewServer(cfg, bridged.WithLogger(logger))
			if err != nil {
				return err
			}
			go func() {
				select {
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
					defer cancel()
					if err := server.Shutdown(shutdownCtx); err != nil {
						cliLogger.Error("shutdown failed", "error", err)
					}
				case <-server.Done():
				}
			}()

			startErr := server.Start()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
			defer cancel()
			shutdownErr := server.Shutdown(shutdownCtx)
			if startErr != nil {
				return startErr
			}
			return shutdownErr
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.bridged/config.yaml)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.StringP("server", "s", "", "daemon endpoint used by client commands (unix path, unix://path, tcp://host:port; defaults to --listen)")
	persistentFlags.Duration("timeout", 30*time.Second, "client call timeout")

	flags := cmd.Flags()
	flags.String("listen", bridged.DefaultListen(), "socket path, or host:port with --listen-proto tcp")
	flags.String("listen-proto", "", "listen network (unix or tcp; inferred from --listen when empty)")
	flags.Int("debug", 0, "attach diagnostic traces to failure responses when >= 1")
	flags.Int("max-connections", bridged.DefaultMaxConnections, "maximum live client connections")
	flags.String("max-request-size", humanizeBytes(bridged.DefaultMaxRequestBytes), "maximum request document size")
	flags.Duration("read-timeout", bridged.DefaultReadTimeout, "abort clients that stop sending for this long")
	flags.Duration("connection-timeout", bridged.DefaultConnectionTimeout, "idle time before a cached database connection is purged")
	flags.Duration("cleanup-interval", bridged.DefaultCleanupInterval, "stale handle sweep interval (negative disables)")
	flags.Duration("health-interval", bridged.DefaultHealthInterval, "health log interval (negative disables)")
	flags.Duration("sample-interval", bridged.DefaultSampleInterval, "resource sampling interval (negative disables)")
	flags.Duration("shutdown-grace", bridged.DefaultShutdownGrace, "time in-flight requests get to finish on shutdown")
	flags.String("max-memory", humanizeBytes(bridged.DefaultMaxMemoryBytes), "RSS hard limit")
	flags.Float64("max-cpu-percent", bridged.DefaultMaxCPUPercent, "CPU hard limit in percent")
	flags.Int("max-requests-per-minute", bridged.DefaultMaxRequestsPerMinute, "request rate hard limit")
	flags.Int("max-concurrent", bridged.DefaultMaxConcurrent, "concurrent request hard limit")
	flags.Int("max-string-length", validate.DefaultMaxStringLength, "longest accepted string parameter")
	flags.Int("max-array-length", validate.DefaultMaxArrayLength, "longest accepted array parameter")
	flags.Int("max-object-depth", validate.DefaultMaxObjectDepth, "deepest accepted params nesting")
	flags.Int("max-params", validate.DefaultMaxParams, "most accepted top-level parameters")
	flags.Bool("lenient-validation", false, "report injection findings as warnings instead of rejecting")
	flags.String("policy-file", "", "YAML file of CEL parameter policies (optional)")
	flags.String("records", bridged.DefaultRecords(), "durable handle record store (mem://, disk:///path, redis://host:port/db)")
	flags.Duration("record-ttl", bridged.DefaultRecordTTL, "lifetime of durable handle records")
	flags.Bool("record-watch", false, "invalidate live handles when disk records are removed externally")
	flags.String("credential-sealer", bridged.DefaultCredentialSealer, "how stored passwords are sealed (xor, kryptograf, keyring)")
	flags.String("credential-key-file", "", "kryptograf key file (defaults to $HOME/.bridged/credentials.pem)")
	flags.StringSlice("keyring-backends", nil, "keyring backends to try (keychain, secret-service, kwallet, file, ...)")
	flags.String("keyring-file-dir", "", "directory for the file keyring backend")
	flags.String("keyring-password", "", "password for the file keyring backend")
	flags.Int("cache-capacity", bridged.DefaultCacheCapacity, "maximum cached database connections")
	flags.String("audit-log", "", "append security events to this file (optional)")
	flags.String("audit-nats-url", "", "publish security events to this NATS server (optional)")
	flags.String("audit-nats-subject", bridged.DefaultAuditNATSSubject, "NATS subject for security events")
	flags.String("metrics-listen", "", "Prometheus and health listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	lookupFlag := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookupFlag(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("BRIDGED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level", "server", "timeout",
		"listen", "listen-proto", "debug", "max-connections", "max-request-size", "read-timeout", "connection-timeout",
		"cleanup-interval", "health-interval", "sample-interval", "shutdown-grace",
		"max-memory", "max-cpu-percent", "max-requests-per-minute", "max-concurrent",
		"max-string-length", "max-array-length", "max-object-depth", "max-params", "lenient-validation", "policy-file",
		"records", "record-ttl", "record-watch",
		"credential-sealer", "credential-key-file", "keyring-backends", "keyring-file-dir", "keyring-password",
		"cache-capacity", "audit-log", "audit-nats-url", "audit-nats-subject",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	}
	for _, name := range names {
		bindFlag(name)
	}
	if err := viper.BindEnv("listen", "BRIDGED_LISTEN", "BRIDGED_SOCKET"); err != nil {
		panic(err)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newCallCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func bindConfig(cfg *bridged.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = strings.ToLower(strings.TrimSpace(viper.GetString("listen-proto")))
	cfg.Debug = viper.GetInt("debug")
	cfg.MaxConnections = viper.GetInt("max-connections")
	if size := viper.GetString("max-request-size"); size != "" {
		n, err := humanize.ParseBytes(size)
		if err != nil {
			return fmt.Errorf("parse max-request-size: %w", err)
		}
		cfg.MaxRequestBytes = int64(n)
	}
	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	cfg.ConnectionTimeout = viper.GetDuration("connection-timeout")
	cfg.CleanupInterval = viper.GetDuration("cleanup-interval")
	cfg.HealthInterval = viper.GetDuration("health-interval")
	cfg.SampleInterval = viper.GetDuration("sample-interval")
	cfg.ShutdownGrace = viper.GetDuration("shutdown-grace")
	if mem := viper.GetString("max-memory"); mem != "" {
		n, err := humanize.ParseBytes(mem)
		if err != nil {
			return fmt.Errorf("parse max-memory: %w", err)
		}
		cfg.MaxMemoryBytes = n
	}
	cfg.MaxCPUPercent = viper.GetFloat64("max-cpu-percent")
	cfg.MaxRequestsPerMinute = viper.GetInt("max-requests-per-minute")
	cfg.MaxConcurrent = viper.GetInt("max-concurrent")
	cfg.MaxStringLength = viper.GetInt("max-string-length")
	cfg.MaxArrayLength = viper.GetInt("max-array-length")
	cfg.MaxObjectDepth = viper.GetInt("max-object-depth")
	cfg.MaxParams = viper.GetInt("max-params")
	cfg.LenientValidation = viper.GetBool("lenient-validation")
	if viper.IsSet("strict-validation") {
		cfg.LenientValidation = !viper.GetBool("strict-validation")
	}
	cfg.PolicyFile = viper.GetString("policy-file")
	cfg.Records = viper.GetString("records")
	cfg.RecordTTL = viper.GetDuration("record-ttl")
	cfg.RecordWatch = viper.GetBool("record-watch")
	cfg.CredentialSealer = viper.GetString("credential-sealer")
	cfg.CredentialKeyFile = viper.GetString("credential-key-file")
	cfg.KeyringBackends = viper.GetStringSlice("keyring-backends")
	cfg.KeyringFileDir = viper.GetString("keyring-file-dir")
	cfg.KeyringPassword = viper.GetString("keyring-password")
	cfg.CacheCapacity = viper.GetInt("cache-capacity")
	cfg.AuditLog = viper.GetString("audit-log")
	cfg.AuditNATSURL = viper.GetString("audit-nats-url")
	cfg.AuditNATSSubject = viper.GetString("audit-nats-subject")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
