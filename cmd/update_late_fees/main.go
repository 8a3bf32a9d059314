// Command update_late_fees recomputes the late fee of every active loan once
// and exits. It is meant to be run from cron when the service's own
// scheduler is disabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"library-web/config"
	"library-web/library"
	"library-web/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}

	manager, err := library.OpenLibraryManager(cfg.Database.Driver, cfg.Database.DSN, library.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("open database")
		os.Exit(1)
	}
	defer manager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	res, err := manager.SweepLateFees(ctx)
	if err != nil {
		manager.Close()
		os.Exit(1)
	}
	fmt.Printf("Examined %d loans, updated %d, skipped %d.\n", res.Examined, res.Updated, res.Skipped)
}
