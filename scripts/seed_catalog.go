package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/database"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Catalog config.CatalogConfig `yaml:"catalog"`
}

// Loads services, clinics and fees from a YAML file into the database without starting the API.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		catalogPath = flag.String("catalog", "configs/catalog.yaml", "path to a yaml file with a top-level catalog key")
		dbPath      = flag.String("db", "./data/clinic.db", "path to sqlite db")
	)
	flag.Parse()

	data, err := os.ReadFile(*catalogPath)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	catalog := file.Catalog
	if len(catalog.Services) == 0 && len(catalog.Clinics) == 0 && catalog.Fees == nil {
		return fmt.Errorf("no catalog entries in %s", *catalogPath)
	}
	if err = config.ValidateCatalog(catalog); err != nil {
		return err
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err = db.SeedCatalog(ctx, catalog.Services, catalog.Clinics, catalog.Fees); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	fmt.Printf("done: services=%d clinics=%d fees=%t\n", len(catalog.Services), len(catalog.Clinics), catalog.Fees != nil)
	return nil
}
