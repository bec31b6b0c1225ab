package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lxdroid/waydroidd/internal/domain"
	"github.com/lxdroid/waydroidd/internal/infra"
	"github.com/lxdroid/waydroidd/internal/usecase"
)

// Config holds service configuration.
type Config struct {
	DataDir        string        // settings database location
	CommandTimeout time.Duration // external tool timeout
	ToolPath       string        // override waydroid binary (tests)
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:        filepath.Join(home, ".local", "share", "waydroidd"),
		CommandTimeout: infra.DefaultCommandTimeout,
	}
}

// Service owns the assembled core: store, supervisor, registry, monitor
// and backup manager. The host application (or the CLI) holds one
// Service and calls its operations.
type Service struct {
	store      domain.StateStore
	supervisor *usecase.Supervisor
	registry   *usecase.Registry
	monitor    *Monitor
	backups    *infra.BackupManager
	logger     *zap.Logger
}

// NewService wires all components against the real infrastructure.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	keys := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := keys.EnsureKey()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain store key: %w", err)
	}

	store, err := infra.NewSQLStore(cfg.DataDir, key)
	if err != nil {
		return nil, err
	}

	var runner domain.CommandRunner
	if cfg.ToolPath != "" {
		runner = infra.NewExecutorWithTool(cfg.ToolPath, cfg.CommandTimeout)
	} else {
		runner = infra.NewExecutor(cfg.CommandTimeout)
	}

	supervisor := usecase.NewSupervisor(store, runner, logger.Named("supervisor"))
	scanner := infra.NewDesktopScanner()
	registry := usecase.NewRegistry(store, scanner, logger.Named("registry"))
	monitor := NewMonitor(store, infra.NewProcessSampler(), supervisor, registry, logger.Named("monitor"))
	backups := infra.NewBackupManager(store, supervisor, logger.Named("backup"))

	return &Service{
		store:      store,
		supervisor: supervisor,
		registry:   registry,
		monitor:    monitor,
		backups:    backups,
		logger:     logger,
	}, nil
}

// Run starts the supervisor drain loop and the monitor tick loop and
// blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	go func() {
		if err := s.supervisor.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("supervisor exited", zap.Error(err))
		}
	}()
	go s.reconcileOnRunning(ctx)

	if s.autoStart() {
		s.logger.Info("auto_start enabled, starting container")
		if err := s.supervisor.Start(ctx); err != nil {
			s.logger.Warn("auto start failed", zap.Error(err))
		}
	}

	err := s.monitor.Run(ctx)
	if closeErr := s.store.Close(); closeErr != nil {
		s.logger.Warn("failed to close store", zap.Error(closeErr))
	}
	return err
}

// reconcileOnRunning refreshes the app registry each time the container
// settles into Running, so a fresh start or restart shows its apps
// without waiting for the next monitor tick.
func (s *Service) reconcileOnRunning(ctx context.Context) {
	states := s.supervisor.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-states:
			if state != domain.StateRunning {
				continue
			}
			if err := s.registry.ReconcileFromScan(); err != nil {
				s.logger.Warn("post-start reconciliation failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) autoStart() bool {
	value, err := s.store.GetPreference(domain.PrefAutoStart)
	if err != nil {
		return false
	}
	return value == "true" || value == "1"
}

// Supervisor exposes the lifecycle operations.
func (s *Service) Supervisor() *usecase.Supervisor { return s.supervisor }

// Registry exposes the app visibility operations.
func (s *Service) Registry() *usecase.Registry { return s.registry }

// Monitor exposes the latest-sample poll/subscribe surface.
func (s *Service) Monitor() *Monitor { return s.monitor }

// Backups exposes data backup and restore.
func (s *Service) Backups() *infra.BackupManager { return s.backups }

// Store exposes preference reads and writes and the audit log queries.
func (s *Service) Store() domain.StateStore { return s.store }
