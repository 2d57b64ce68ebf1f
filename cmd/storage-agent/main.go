// Command storage-agent serves bundle persist and retrieve requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/JaneliaSciComp/jacs-storage/internal/agent"
	"github.com/JaneliaSciComp/jacs-storage/internal/agentid"
	"github.com/JaneliaSciComp/jacs-storage/internal/auth"
	"github.com/JaneliaSciComp/jacs-storage/internal/bundle"
	"github.com/JaneliaSciComp/jacs-storage/internal/config"
	"github.com/JaneliaSciComp/jacs-storage/internal/dao"
	"github.com/JaneliaSciComp/jacs-storage/internal/log"
	"github.com/JaneliaSciComp/jacs-storage/internal/sqlite"
)

const (
	// DefaultConfigPath is read when present and --config is not given.
	DefaultConfigPath = "~/.config/jacs-storage/agent.yaml"
	// DefaultLedgerPath is the default sqlite ledger location.
	DefaultLedgerPath = "~/.local/share/jacs-storage/ledger.db"
	// DefaultPIDFile is the default path for the agent PID file.
	DefaultPIDFile = "~/.local/share/jacs-storage/storage-agent.pid"
)

// expandPath expands the ~ in a path to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[1:])
}

// writePIDFile writes the current process ID to the PID file.
func writePIDFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	return nil
}

// removePIDFile removes the PID file.
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// setupLogging applies the level and output format.
func setupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	switch format {
	case "", "json":
	case "console":
		log.UseConsole()
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", format)
	}
	return nil
}

// loadConfig merges defaults, the config file and command-line flags.
func loadConfig(c *cli.Context) (agent.Config, *config.File, error) {
	cfg := agent.DefaultConfig()
	cfg.LedgerPath = expandPath(DefaultLedgerPath)

	path := c.String("config")
	if path == "" {
		if _, err := os.Stat(expandPath(DefaultConfigPath)); err == nil {
			path = DefaultConfigPath
		}
	}
	var file *config.File
	if path != "" {
		f, err := config.Load(expandPath(path))
		if err != nil {
			return cfg, nil, err
		}
		file = f
		cfg.ApplyFile(f)
	}

	if c.IsSet("bind") {
		cfg.BindAddress = c.String("bind")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("root") {
		cfg.RootDir = c.String("root")
	}
	if c.IsSet("ledger") {
		cfg.LedgerPath = c.String("ledger")
	}
	if c.IsSet("auth-secret") {
		cfg.AuthSecret = c.String("auth-secret")
	}
	if c.IsSet("shutdown-timeout") {
		cfg.ShutdownTimeout = c.Duration("shutdown-timeout")
	}
	cfg.RootDir = expandPath(cfg.RootDir)
	cfg.LedgerPath = expandPath(cfg.LedgerPath)
	return cfg, file, nil
}

// runAgent runs the storage agent until SIGINT or SIGTERM.
func runAgent(c *cli.Context) error {
	cfg, file, err := loadConfig(c)
	if err != nil {
		return err
	}

	level, format := c.String("log-level"), c.String("log-format")
	if file != nil && !c.IsSet("log-level") && file.LogLevel != "" {
		level = file.LogLevel
	}
	if file != nil && !c.IsSet("log-format") && file.LogFormat != "" {
		format = file.LogFormat
	}
	if err := setupLogging(level, format); err != nil {
		return err
	}

	pidFile := expandPath(c.String("pid-file"))
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer removePIDFile(pidFile)

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	}()

	var opts []agent.Option

	// Open the ledger
	if cfg.LedgerPath != "" {
		db, err := sqlite.OpenLedger(ctx, cfg.LedgerPath)
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := agentid.Ensure(ctx, db)
		if err != nil {
			return err
		}
		opts = append(opts,
			agent.WithAgentID(id),
			agent.WithAllocations(dao.NewAllocationDAO(db)),
			agent.WithEvents(dao.NewEventDAO(db)),
		)
	} else {
		log.Warn().Msg("No ledger configured, allocations will not be recorded")
		opts = append(opts, agent.WithAgentID(agentid.Generate()))
	}

	// Configure storage
	var bundleOpts []bundle.Option
	if cfg.S3 != nil {
		store, err := bundle.NewS3Store(ctx, *cfg.S3)
		if err != nil {
			return err
		}
		bundleOpts = append(bundleOpts, bundle.WithS3(store))
	}
	if cfg.AuthSecret == "" && len(cfg.StaticTokens) == 0 {
		log.Warn().Msg("No auth secret or static tokens configured, every persist and retrieve will be rejected")
	}

	a := agent.New(cfg, bundle.NewProvider(cfg.RootDir, bundleOpts...), opts...)
	log.Info().Str("agent", a.ID()).Str("root", cfg.RootDir).Str("ledger", cfg.LedgerPath).Msg("Storage agent starting")
	return a.ListenAndServe(ctx)
}

// issueToken prints a signed token for a subject.
func issueToken(c *cli.Context) error {
	secret := c.String("auth-secret")
	if secret == "" {
		cfg, _, err := loadConfig(c)
		if err != nil {
			return err
		}
		secret = cfg.AuthSecret
	}
	if secret == "" {
		return cli.Exit("an auth secret is required (--auth-secret or config file)", 1)
	}

	token, err := auth.IssueToken([]byte(secret), c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML configuration file",
		EnvVars: []string{"JACS_STORAGE_CONFIG"},
	}
	secretFlag := &cli.StringFlag{
		Name:    "auth-secret",
		Usage:   "HS256 secret used to validate bearer tokens",
		EnvVars: []string{"JACS_STORAGE_AUTH_SECRET"},
	}

	return &cli.App{
		Name:  "storage-agent",
		Usage: "JACS storage agent",
		Flags: []cli.Flag{
			configFlag,
			secretFlag,
			&cli.StringFlag{
				Name:    "bind",
				Aliases: []string{"b"},
				Usage:   "Address to bind to",
				Value:   "0.0.0.0",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   10000,
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Maximum number of concurrent bundle transfers",
				Value:   8,
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Directory relative locations resolve against",
			},
			&cli.StringFlag{
				Name:  "ledger",
				Usage: "Path to the sqlite allocation ledger (empty disables it)",
				Value: DefaultLedgerPath,
			},
			&cli.StringFlag{
				Name:  "pid-file",
				Usage: "Path to the PID file",
				Value: DefaultPIDFile,
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "How long in-flight transfers may finish on shutdown",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (json, console)",
				Value: "json",
			},
		},
		Action: runAgent,
		Commands: []*cli.Command{
			{
				Name:  "issue-token",
				Usage: "Print a signed bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "subject",
						Aliases:  []string{"s"},
						Usage:    "Token subject, recorded as the owner of persisted bundles",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 24 * time.Hour,
					},
				},
				Action: issueToken,
			},
			ledgerCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("Storage agent failed")
		os.Exit(1)
	}
}
