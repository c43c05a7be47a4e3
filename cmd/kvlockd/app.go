package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/kvlockd"
	"pkt.systems/kvlockd/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("KVLOCKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "kvlockd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kvlockd",
		Short:         "kvlockd replicates key-value lock state across a cluster of daemons",
		SilenceErrors: true,
		Example: `
  # Three-node cluster, node 1
  kvlockd --node-id 1 --members /etc/kvlockd/members.yaml --listen :9631

  # Same, with metrics and the lock report on :9632
  kvlockd --node-id 1 --members members.yaml --metrics-listen :9632

  # Configuration through the environment
  KVLOCKD_NODE_ID=2 KVLOCKD_MEMBERS=members.yaml kvlockd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			}

			cfg := kvlockd.Config{
				NodeID:         viper.GetUint64("node-id"),
				Datacenter:     viper.GetString("datacenter"),
				Listen:         viper.GetString("listen"),
				MembersFile:    viper.GetString("members"),
				ResendInterval: viper.GetDuration("resend-interval"),
				RetryTick:      viper.GetDuration("retry-tick"),
				MetricsListen:  viper.GetString("metrics-listen"),
				PprofListen:    viper.GetString("pprof-listen"),
				Logger:         logger,
			}

			server, err := kvlockd.NewServer(cfg)
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return err
			}
			cliLogger.Info("kvlockd running",
				"pid", os.Getpid(),
				"node", cfg.NodeID,
			)

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.Uint64("node-id", 0, "this daemon's node id (required, unique across the cluster)")
	flags.String("datacenter", "", "restrict replica placement to this datacenter (empty spans all)")
	flags.String("listen", kvlockd.DefaultListen, "UDP listen address for protocol traffic")
	flags.StringP("members", "m", "", "path to the YAML membership file (reloaded on change)")
	flags.Duration("resend-interval", kvlockd.DefaultResendInterval, "quiet time before a replica's lock request is re-sent")
	flags.Duration("retry-tick", kvlockd.DefaultRetryTick, "cadence of the retry timer driving outstanding requests")
	flags.String("metrics-listen", kvlockd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint plus /debug/locks; empty disables)")
	flags.String("pprof-listen", kvlockd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("KVLOCKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"node-id", "datacenter", "listen", "members",
		"resend-interval", "retry-tick",
		"metrics-listen", "pprof-listen", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newCheckConfigCommand())
	cmd.AddCommand(newPlaceCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
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

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
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
