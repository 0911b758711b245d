package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/database"
	"clinicbooking/internal/export"
	"clinicbooking/internal/logging"
	"clinicbooking/internal/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	now := time.Now().UTC()
	var (
		configPath = flag.String("config", envOr("CONFIG_PATH", "configs/config.yaml"), "path to config.yaml")
		fromFlag   = flag.String("from", now.AddDate(0, 0, -30).Format(models.DateLayout), "first day, inclusive (YYYY-MM-DD)")
		toFlag     = flag.String("to", now.Format(models.DateLayout), "last day, inclusive (YYYY-MM-DD)")
		outPath    = flag.String("out", "", "output .xlsx path (default exports/ledger_<from>_<to>.xlsx)")
	)
	flag.Parse()

	from, err := time.Parse(models.DateLayout, *fromFlag)
	if err != nil {
		return fmt.Errorf("parse -from: %w", err)
	}
	to, err := time.Parse(models.DateLayout, *toFlag)
	if err != nil {
		return fmt.Errorf("parse -to: %w", err)
	}
	if *outPath == "" {
		*outPath = fmt.Sprintf("exports/ledger_%s_%s.xlsx", *fromFlag, *toFlag)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	db, err := database.NewDB(cfg.Database.Path, logger, database.Options{BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// -to names a whole day
	n, err := export.NewLedgerExporter(db, logger).Export(ctx, from, to.AddDate(0, 0, 1), *outPath)
	if err != nil {
		return err
	}

	fmt.Printf("Ledger written: %s (%d payments)\n", *outPath, n)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
