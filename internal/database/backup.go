package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/metrics"

	"github.com/rs/zerolog"
)

const (
	backupPrefix     = "clinicbooking_"
	backupSuffix     = ".db"
	backupStampFmt   = "20060102_150405.000"
	defaultBackupInt = 24 * time.Hour
)

// BackupService snapshots the booking store so payments and bookings survive a lost disk.
type BackupService struct {
	db     *DB
	cfg    config.BackupConfig
	logger *zerolog.Logger
	now    func() time.Time
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	return &BackupService{db: db, cfg: cfg, logger: logger, now: time.Now}
}

func (s *BackupService) interval() time.Duration {
	if s.cfg.Schedule == "" {
		return defaultBackupInt
	}
	d, err := time.ParseDuration(s.cfg.Schedule)
	if err != nil || d <= 0 {
		s.logger.Warn().Err(err).Str("schedule", s.cfg.Schedule).Msg("Invalid backup schedule, using 24h")
		return defaultBackupInt
	}
	return d
}

// Start takes a snapshot immediately and then on every tick until ctx is done.
func (s *BackupService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("Backup service is disabled")
		return
	}

	interval := s.interval()
	s.logger.Info().Dur("interval", interval).Str("storage_path", s.cfg.StoragePath).Msg("Backup service started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce snapshots the store and prunes expired snapshots. Failures are logged and counted.
func (s *BackupService) RunOnce(ctx context.Context) {
	_, err := s.PerformBackup(ctx)
	metrics.ObserveBackup(err)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Backup failed")
		}
		return
	}
	if _, err := s.CleanupOldBackups(); err != nil {
		s.logger.Error().Err(err).Msg("Backup cleanup failed")
	}
}

// PerformBackup writes a consistent snapshot of the live database and returns its path. The
// snapshot is checked before it gets its final name, so a listed backup is always usable.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.cfg.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := backupPrefix + s.now().UTC().Format(backupStampFmt) + backupSuffix
	finalPath := filepath.Join(s.cfg.StoragePath, name)
	partialPath := finalPath + ".partial"
	defer os.Remove(partialPath)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, partialPath); err != nil {
		if s.db.Path() == memoryPath {
			return "", fmt.Errorf("vacuum into %s: %w", partialPath, err)
		}
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, falling back to checkpoint and copy")
		if err := s.checkpointAndCopy(ctx, partialPath); err != nil {
			return "", err
		}
	}

	if err := verifySnapshot(ctx, partialPath); err != nil {
		return "", err
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		return "", fmt.Errorf("finalize backup: %w", err)
	}

	s.logger.Info().Str("path", finalPath).Msg("Backup completed")
	return finalPath, nil
}

// checkpointAndCopy folds the WAL into the main file before copying it. Writes racing the copy
// can still tear it; verifySnapshot catches that.
func (s *BackupService) checkpointAndCopy(ctx context.Context, dst string) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}

	source, err := os.Open(s.db.Path())
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		return fmt.Errorf("copy database: %w", err)
	}
	return destination.Close()
}

func verifySnapshot(ctx context.Context, path string) error {
	snap, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer snap.Close()

	var result string
	if err := snap.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return fmt.Errorf("check snapshot: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("snapshot %s failed integrity check: %s", filepath.Base(path), result)
	}

	var bookings int
	if err := snap.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings`).Scan(&bookings); err != nil {
		return fmt.Errorf("snapshot %s is missing the bookings table: %w", filepath.Base(path), err)
	}
	return nil
}

// CleanupOldBackups removes snapshots older than the retention window, judged by the stamp in
// their name. The newest snapshot is always kept, and foreign files are left alone. It returns
// how many files it removed.
func (s *BackupService) CleanupOldBackups() (int, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(s.cfg.StoragePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	type snapshot struct {
		name  string
		taken time.Time
	}
	var snapshots []snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		taken, ok := parseBackupName(e.Name())
		if !ok {
			continue
		}
		snapshots = append(snapshots, snapshot{name: e.Name(), taken: taken})
	}
	if len(snapshots) < 2 {
		return 0, nil
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].taken.After(snapshots[j].taken) })
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	removed := 0
	for _, snap := range snapshots[1:] {
		if !snap.taken.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.StoragePath, snap.name)); err != nil {
			s.logger.Warn().Err(err).Str("file", snap.name).Msg("Failed to delete old backup")
			continue
		}
		s.logger.Info().Str("file", snap.name).Msg("Deleted old backup")
		removed++
	}
	return removed, nil
}

func parseBackupName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	taken, err := time.Parse(backupStampFmt, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return taken, true
}
