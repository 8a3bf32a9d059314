package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-web/config"
	"library-web/httpapi"
	"library-web/library"
	"library-web/logging"
	"library-web/metrics"
	"library-web/scheduler"
	"library-web/session"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "library",
		Short:         "Library management service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(serveCmd(), migrateCmd(), memberCmd(), catalogCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger every command shares.
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openManager(cfg *config.Config, log logrus.FieldLogger, m *metrics.Collector) (*library.LibraryManager, error) {
	mgr, err := library.OpenLibraryManager(cfg.Database.Driver, cfg.Database.DSN,
		library.WithLogger(log),
		library.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return mgr, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the late-fee scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	m := metrics.NewCollector("library")

	mgr, err := openManager(cfg, log, m)
	if err != nil {
		return err
	}
	defer mgr.Close()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	guard := session.NewGuard(store, mgr,
		session.WithTimeout(cfg.Session.Timeout),
		session.WithLogger(log),
		session.WithMetrics(m),
	)

	if cfg.LateFees.Enabled {
		sched, err := scheduler.New(cfg.LateFees.Schedule, mgr, 0, log)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	srv := httpapi.NewServer(mgr, guard, log, m, httpapi.Options{
		CookieName:   cfg.Session.CookieName,
		CookieSecure: cfg.Session.CookieSecure,
		SignInRate:   cfg.HTTP.SignInRate,
		SignInBurst:  cfg.HTTP.SignInBurst,
	})
	log.WithFields(logrus.Fields{
		"driver":  cfg.Database.Driver,
		"store":   cfg.Session.Store,
		"timeout": cfg.Session.Timeout.String(),
	}).Info("library service starting")
	return srv.ListenAndServe(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout)
}

func openStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.Session.Store != config.StoreRedis {
		return session.NewMemoryStore(), func() {}, nil
	}
	client, err := session.DialRedis(ctx, cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	store := session.NewRedisStore(client, cfg.Session.RedisPrefix, cfg.Session.TTL)
	return store, func() { client.Close() }, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			// Opening the database applies pending migrations.
			mgr, err := openManager(cfg, log, nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			version, err := mgr.DB().CurrentSchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Schema is at version %d.\n", version)
			return nil
		},
	}
}

// readPassword reads a password from the terminal without echoing it.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(bytePassword)), nil
}

// promptNewPassword asks twice and requires both entries to match.
func promptNewPassword() (string, error) {
	password, err := readPassword("Enter password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) < library.MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", library.MinPasswordLength)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}
