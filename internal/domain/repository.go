package domain

import "context"

// StateStore is the durable store backing all components. Four logical
// tables: preferences, apps, resource_logs, container_logs. Schema
// creation is idempotent and never clobbers existing rows.
type StateStore interface {
	// GetPreference returns the stored value, or the registered default
	// when the key was never written. Unknown keys return ErrNotFound.
	GetPreference(key string) (string, error)

	// SetPreference upserts a key. Writing an existing key replaces it.
	SetPreference(key, value string) error

	// ListApps returns registry entries in insertion order. Stale
	// entries are excluded unless includeStale is set.
	ListApps(includeStale bool) ([]AppEntry, error)

	// GetApp returns the entry for a package, or ErrNotFound.
	GetApp(packageName string) (*AppEntry, error)

	// UpsertApp inserts or updates one registry entry.
	UpsertApp(entry AppEntry) error

	// AppendResourceSample appends one sample row and trims the table to
	// the retention limit.
	AppendResourceSample(sample ResourceSample) error

	// RecentResourceSamples returns up to limit samples, newest first.
	RecentResourceSamples(limit int) ([]ResourceSample, error)

	// AppendContainerLog appends one audit trail row.
	AppendContainerLog(entry ContainerLogEntry) error

	// RecentContainerLogs returns up to limit entries, newest first.
	RecentContainerLogs(limit int) ([]ContainerLogEntry, error)

	// Close releases the underlying database connection.
	Close() error
}

// Result is the normalized outcome of one external tool invocation.
type Result struct {
	OK     bool
	Output string
	Err    error // *ExecError when OK is false
}

// CommandRunner wraps the external container tool. It never touches the
// StateStore and never blocks past its configured timeout.
type CommandRunner interface {
	// Execute runs the tool with the given subcommand arguments.
	Execute(ctx context.Context, args ...string) Result

	// ObservedRunning reports whether the tool itself considers the
	// container session to be up. Used for drift detection.
	ObservedRunning(ctx context.Context) (bool, error)
}

// Sampler collects resource usage for the running container.
type Sampler interface {
	// Sample returns CPU%, RAM bytes and storage bytes for the
	// container's process group and data mount.
	Sample(ctx context.Context) (ResourceSample, error)
}

// AppScanner enumerates the apps the container currently exposes and
// mirrors visibility changes to the host launcher.
type AppScanner interface {
	// Scan returns the currently exported apps.
	Scan() ([]ObservedApp, error)

	// SetHidden mirrors a visibility flag to the host side (NoDisplay in
	// the exported desktop entries). Best effort; the registry row is
	// authoritative.
	SetHidden(packageName string, hidden bool) error
}
