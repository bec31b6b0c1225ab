package infra

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lxdroid/waydroidd/internal/domain"
)

const (
	dataArchiveName = "waydroid_data.tar.gz"
	appsArchiveName = "waydroid_apps.tar.gz"
)

// Controller is the slice of the supervisor the backup manager needs to
// quiesce the container around an archive run.
type Controller interface {
	GetState() domain.ContainerState
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// BackupManager archives the container data directory and the exported
// desktop entries into timestamped backup directories.
type BackupManager struct {
	backupRoot string
	dataPath   string
	appsPath   string
	store      domain.StateStore
	controller Controller
	logger     *zap.Logger
}

// NewBackupManager creates a backup manager over the default waydroid
// paths, writing backups under ~/Documents/WaydroidBackups.
func NewBackupManager(store domain.StateStore, controller Controller, logger *zap.Logger) *BackupManager {
	home, _ := os.UserHomeDir()
	return &BackupManager{
		backupRoot: filepath.Join(home, "Documents", "WaydroidBackups"),
		dataPath:   DefaultDataPath,
		appsPath:   filepath.Join(home, ".local", "share", "applications", "waydroid"),
		store:      store,
		controller: controller,
		logger:     logger,
	}
}

// NewBackupManagerWithPaths creates a backup manager with custom paths
// (for testing).
func NewBackupManagerWithPaths(
	backupRoot, dataPath, appsPath string,
	store domain.StateStore,
	controller Controller,
	logger *zap.Logger,
) *BackupManager {
	return &BackupManager{
		backupRoot: backupRoot,
		dataPath:   dataPath,
		appsPath:   appsPath,
		store:      store,
		controller: controller,
		logger:     logger,
	}
}

// Backup archives container data into a new timestamped directory. A
// running container is stopped for the duration and started again
// afterwards. Records last_backup_time on success.
func (b *BackupManager) Backup(ctx context.Context) (string, error) {
	stamp := time.Now().Format("2006-01-02_15-04-05")
	backupDir := filepath.Join(b.backupRoot, "waydroid_backup_"+stamp)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	resume, err := b.quiesce(ctx)
	if err != nil {
		return "", err
	}
	defer resume()

	archived := 0
	if _, err := os.Stat(b.dataPath); err == nil {
		if err := tarDir(ctx, filepath.Join(backupDir, dataArchiveName), b.dataPath); err != nil {
			return "", fmt.Errorf("failed to archive container data: %w", err)
		}
		archived++
	}
	if _, err := os.Stat(b.appsPath); err == nil {
		if err := tarDir(ctx, filepath.Join(backupDir, appsArchiveName), b.appsPath); err != nil {
			return "", fmt.Errorf("failed to archive app entries: %w", err)
		}
		archived++
	}
	if archived == 0 {
		return "", fmt.Errorf("nothing to back up: %s and %s are both absent", b.dataPath, b.appsPath)
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := b.store.SetPreference(domain.PrefLastBackupTime, now); err != nil {
		b.logger.Warn("failed to record backup time", zap.Error(err))
	}

	b.logger.Info("backup completed", zap.String("dir", backupDir))
	return backupDir, nil
}

// Restore unpacks a backup directory, defaulting to the newest one when
// none is named. A running container is stopped for the duration.
func (b *BackupManager) Restore(ctx context.Context, backupDir string) error {
	if backupDir == "" {
		latest, err := b.latestBackup()
		if err != nil {
			return err
		}
		backupDir = latest
	}

	dataArchive := filepath.Join(backupDir, dataArchiveName)
	appsArchive := filepath.Join(backupDir, appsArchiveName)
	_, dataErr := os.Stat(dataArchive)
	_, appsErr := os.Stat(appsArchive)
	if dataErr != nil && appsErr != nil {
		return fmt.Errorf("no valid backup archives in %s: %w", backupDir, domain.ErrNotFound)
	}

	resume, err := b.quiesce(ctx)
	if err != nil {
		return err
	}
	defer resume()

	if dataErr == nil {
		if err := untar(ctx, dataArchive, filepath.Dir(b.dataPath)); err != nil {
			return fmt.Errorf("failed to restore container data: %w", err)
		}
	}
	if appsErr == nil {
		if err := os.MkdirAll(filepath.Dir(b.appsPath), 0755); err != nil {
			return err
		}
		if err := untar(ctx, appsArchive, filepath.Dir(b.appsPath)); err != nil {
			return fmt.Errorf("failed to restore app entries: %w", err)
		}
	}

	b.logger.Info("restore completed", zap.String("dir", backupDir))
	return nil
}

// ListBackups returns backup directory paths, newest first.
func (b *BackupManager) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(b.backupRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(b.backupRoot, entry.Name()))
		}
	}
	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	return dirs, nil
}

func (b *BackupManager) latestBackup() (string, error) {
	dirs, err := b.ListBackups()
	if err != nil {
		return "", err
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no backups under %s: %w", b.backupRoot, domain.ErrNotFound)
	}
	return dirs[0], nil
}

// quiesce stops a running container and returns a func that brings it
// back. A container that was already down comes back as a no-op.
func (b *BackupManager) quiesce(ctx context.Context) (func(), error) {
	if b.controller == nil || b.controller.GetState() != domain.StateRunning {
		return func() {}, nil
	}

	if err := b.controller.Stop(ctx); err != nil {
		return nil, fmt.Errorf("failed to stop container for backup: %w", err)
	}
	return func() {
		if err := b.controller.Start(ctx); err != nil {
			b.logger.Error("failed to restart container after backup", zap.Error(err))
		}
	}, nil
}

func tarDir(ctx context.Context, archive, dir string) error {
	return runTar(ctx, "czf", archive, "-C", filepath.Dir(dir), filepath.Base(dir))
}

func untar(ctx context.Context, archive, destDir string) error {
	return runTar(ctx, "xzf", archive, "-C", destDir)
}

func runTar(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "tar", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tar %v: %w: %s", args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
