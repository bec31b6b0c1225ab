package usecase

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lxdroid/waydroidd/internal/domain"
)

// staleThreshold is how many consecutive reconciliations an app may be
// missing before it is flagged stale. Two passes debounce transient scan
// failures.
const staleThreshold = 2

// Registry maintains the set of installed apps and their drawer
// visibility. It never mutates ContainerState; reachability questions go
// to the supervisor.
type Registry struct {
	store   domain.StateStore
	scanner domain.AppScanner
	logger  *zap.Logger
}

// NewRegistry creates an app visibility registry.
func NewRegistry(store domain.StateStore, scanner domain.AppScanner, logger *zap.Logger) *Registry {
	return &Registry{store: store, scanner: scanner, logger: logger}
}

// ListApps returns registry entries in insertion order. Stale entries are
// excluded unless includeStale is set.
func (r *Registry) ListApps(includeStale bool) ([]domain.AppEntry, error) {
	return r.store.ListApps(includeStale)
}

// SetVisible toggles the drawer visibility of a registered package and
// mirrors the flag into the exported desktop entries. Unregistered
// packages fail with ErrNotFound and leave the registry unchanged.
func (r *Registry) SetVisible(packageName string, visible bool) error {
	entry, err := r.store.GetApp(packageName)
	if err != nil {
		return err
	}

	entry.Visible = visible
	if err := r.store.UpsertApp(*entry); err != nil {
		return fmt.Errorf("failed to persist visibility: %w", err)
	}

	// Host-side mirror is best effort; the registry row is authoritative
	// and the next reconciliation re-applies it.
	if err := r.scanner.SetHidden(packageName, !visible); err != nil {
		r.logger.Warn("failed to mirror visibility to desktop entries",
			zap.String("package", packageName), zap.Error(err))
	}

	r.logger.Info("app visibility updated",
		zap.String("package", packageName), zap.Bool("visible", visible))
	return nil
}

// Reconcile synchronizes the registry with one observed app list. New
// packages are inserted visible; packages missing for staleThreshold
// consecutive passes are flagged stale. User-set visibility survives an
// app disappearing and coming back.
func (r *Registry) Reconcile(observed []domain.ObservedApp) error {
	known, err := r.store.ListApps(true)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	seen := make(map[string]domain.ObservedApp, len(observed))
	for _, app := range observed {
		seen[app.PackageName] = app
	}

	registered := make(map[string]bool, len(known))
	for _, entry := range known {
		registered[entry.PackageName] = true

		app, present := seen[entry.PackageName]
		if present {
			if entry.MissCount != 0 || entry.Stale || entry.AppName != app.AppName {
				entry.MissCount = 0
				entry.Stale = false
				entry.AppName = app.AppName
				if err := r.store.UpsertApp(entry); err != nil {
					return fmt.Errorf("reconcile: %w", err)
				}
			}
			continue
		}

		entry.MissCount++
		if entry.MissCount >= staleThreshold && !entry.Stale {
			entry.Stale = true
			r.logger.Info("app flagged stale",
				zap.String("package", entry.PackageName),
				zap.Int("miss_count", entry.MissCount))
		}
		if err := r.store.UpsertApp(entry); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}

	for _, app := range observed {
		if registered[app.PackageName] {
			continue
		}
		entry := domain.AppEntry{
			PackageName: app.PackageName,
			AppName:     app.AppName,
			Visible:     true,
			InstallDate: time.Now(),
		}
		if err := r.store.UpsertApp(entry); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		r.logger.Info("app discovered",
			zap.String("package", app.PackageName),
			zap.String("name", app.AppName))
	}

	return nil
}

// ReconcileFromScan runs one reconciliation against the live desktop
// entry scan. Scan failures are returned so the caller can defer to the
// next scheduled pass.
func (r *Registry) ReconcileFromScan() error {
	observed, err := r.scanner.Scan()
	if err != nil {
		return fmt.Errorf("app scan failed: %w", err)
	}
	return r.Reconcile(observed)
}
