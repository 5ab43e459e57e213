package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-dot/internal/dns/common/log"
	"github.com/haukened/rr-dot/internal/dns/config"
	"github.com/haukened/rr-dot/internal/dns/gateways/transport"
	"github.com/haukened/rr-dot/internal/dns/gateways/upstream"
	"github.com/haukened/rr-dot/internal/dns/server"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "rr-dotd"

	defaultProbeTimeout = 10 * time.Second
)

// Application holds all the components of the DNS proxy
type Application struct {
	config *config.AppConfig
	logger log.Logger
	relay  *upstream.Relay
	server *server.Server
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Plaintext DNS to DNS-over-TLS forwarding proxy",
		Long: `Plaintext DNS to DNS-over-TLS forwarding proxy.

It listens for DNS queries over UDP and TCP on HOST:PORT and
relays each one to a single upstream resolver over TLS, returning
the answer in the transport the client used.

Settings are read from an optional YAML, JSON or TOML file and
then from the environment: HOST and PORT for the listeners, DOT_*
for everything else.
`,
		Example: `  HOST=127.0.0.1 PORT=5353 DOT_UPSTREAM=1.1.1.1:853 rr-dotd`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cmd.ErrOrStderr(), configFile)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (overrides "+config.ConfigFileEnv+")")
	cmd.AddCommand(newProbeCommand(&configFile), newVersionCommand())
	return cmd
}

func newProbeCommand(configFile *string) *cobra.Command {
	var (
		name    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send one A query through the configured upstream and print the answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), *configFile, name, timeout)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&name, "name", "", "name to resolve (defaults to DOT_PROBE_NAME)")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultProbeTimeout, "overall probe timeout")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}

// serve runs the proxy until SIGINT or SIGTERM.
func serve(ctx context.Context, console io.Writer, configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(console, "Configuration error: %v\n", err)
		return err
	}

	logger, closeLog, err := newLogger(cfg, console)
	if err != nil {
		fmt.Fprintf(console, "Logging configuration error: %v\n", err)
		return err
	}
	defer func() { _ = closeLog() }()

	logger.Info(map[string]any{
		"version":   version,
		"env":       cfg.Env,
		"log_level": cfg.LogLevel,
		"listen":    cfg.ListenAddr(),
		"upstream":  cfg.ActiveUpstream(),
		"reuse":     cfg.UpstreamReuse,
	}, "Starting RR-DOT proxy")

	app, err := buildApplication(cfg, logger)
	if err != nil {
		logger.Error(map[string]any{"error": err.Error()}, "Failed to build application")
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error(map[string]any{"error": err.Error()}, "Proxy failed")
		return err
	}

	logger.Info(nil, "RR-DOT proxy stopped gracefully")
	return nil
}

// probe resolves one name through the configured upstream and prints the answer section.
func probe(ctx context.Context, out, console io.Writer, configFile, name string, timeout time.Duration) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logger, closeLog, err := newLogger(cfg, console)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	relay, err := buildRelay(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = relay.Close() }()

	if name == "" {
		name = cfg.ProbeName
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	answer, err := relay.Probe(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, ";; upstream %s\n", cfg.ActiveUpstream())
	for _, rr := range answer.Answer {
		fmt.Fprintln(out, rr.String())
	}
	return nil
}

// loadConfig reads the environment, plus path when the --config flag was given.
func loadConfig(path string) (*config.AppConfig, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func newLogger(cfg *config.AppConfig, console io.Writer) (log.Logger, func() error, error) {
	return log.New(log.Options{
		Env:        cfg.Env,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Console:    console,
	})
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig, logger log.Logger) (*Application, error) {
	relay, err := buildRelay(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream relay: %w", err)
	}

	srv, err := server.New(server.Options{
		Addr:   cfg.ListenAddr(),
		Relay:  relay,
		Logger: logger,
		Transport: transport.Options{
			IdleTimeout:   cfg.ClientIdleTimeout,
			MaxConns:      cfg.TCPMaxConns,
			StrictFraming: cfg.StrictFraming,
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		_ = relay.Close()
		return nil, fmt.Errorf("failed to build server: %w", err)
	}

	return &Application{
		config: cfg,
		logger: logger,
		relay:  relay,
		server: srv,
	}, nil
}

// buildRelay creates the DNS-over-TLS relay for the active upstream.
func buildRelay(cfg *config.AppConfig, logger log.Logger) (*upstream.Relay, error) {
	var roots *x509.CertPool
	if cfg.UpstreamCAFile != "" {
		pool, err := upstream.LoadRootCAs(cfg.UpstreamCAFile)
		if err != nil {
			return nil, err
		}
		roots = pool
	}

	relay, err := upstream.NewRelay(upstream.Options{
		Endpoint: upstream.Endpoint{
			Address:    cfg.ActiveUpstream(),
			ServerName: cfg.UpstreamServerName,
		},
		Logger:           logger,
		Timeout:          cfg.UpstreamTimeout,
		Reuse:            cfg.UpstreamReuse,
		PoolSize:         cfg.UpstreamPoolSize,
		SessionCacheSize: cfg.SessionCacheSize,
		RootCAs:          roots,
	})
	if err != nil {
		return nil, err
	}

	logger.Info(map[string]any{
		"upstream":    relay.Endpoint().Address,
		"server_name": relay.Endpoint().ServerName,
		"timeout":     cfg.UpstreamTimeout.String(),
		"reuse":       cfg.UpstreamReuse,
	}, "Upstream DNS-over-TLS relay configured")
	return relay, nil
}

// Run probes the upstream when configured, then serves until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	defer func() { _ = app.relay.Close() }()

	if app.config.Probe {
		probeCtx, cancel := context.WithTimeout(ctx, app.config.UpstreamTimeout)
		answer, err := app.relay.Probe(probeCtx, app.config.ProbeName)
		cancel()
		if err != nil {
			return fmt.Errorf("startup probe failed: %w", err)
		}
		app.logger.Info(map[string]any{
			"name":    app.config.ProbeName,
			"answers": len(answer.Answer),
		}, "Upstream probe succeeded")
	}

	return app.server.Run(ctx)
}
