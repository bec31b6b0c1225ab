// Package infra implements infrastructure concerns (store, executor,
// sampler, desktop entries, backups).
package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/lxdroid/waydroidd/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.IsEncrypted

const (
	settingsDBName = "settings.db"

	// resourceLogRetention caps the resource_logs table; only the newest
	// rows are kept after each append.
	resourceLogRetention = 100
)

// SQLStore implements domain.StateStore on a SQLCipher encrypted SQLite
// database. All four logical tables live in one file so a single handle
// serves every component.
type SQLStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLStore opens (or creates) the encrypted settings database in
// dataDir. The key is used as the SQLCipher passphrase via PRAGMA key.
func NewSQLStore(dataDir string, key []byte) (*SQLStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, settingsDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	s := &SQLStore{db: db, dbPath: dbPath}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.seedDefaults(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}

	return s, nil
}

// createTables creates the schema if it doesn't exist. Safe to run
// against an already-populated database.
func (s *SQLStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS apps (
		package_name TEXT PRIMARY KEY,
		app_name TEXT NOT NULL,
		visible INTEGER NOT NULL DEFAULT 1,
		stale INTEGER NOT NULL DEFAULT 0,
		miss_count INTEGER NOT NULL DEFAULT 0,
		last_used INTEGER,
		install_date INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS resource_logs (
		timestamp INTEGER NOT NULL,
		cpu_usage REAL NOT NULL,
		ram_usage REAL NOT NULL,
		storage_usage REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS container_logs (
		timestamp INTEGER NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// seedDefaults writes first-run preference values without clobbering
// anything a previous run already set.
func (s *SQLStore) seedDefaults() error {
	for key, value := range domain.DefaultPreferences() {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO preferences (key, value) VALUES (?, ?)`,
			key, value)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetPreference returns the stored value, falling back to the registered
// default for keys that were never written.
func (s *SQLStore) GetPreference(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		if def, ok := domain.DefaultPreferences()[key]; ok {
			return def, nil
		}
		return "", fmt.Errorf("preference %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return value, nil
}

// SetPreference upserts a key; writing an existing key replaces its value.
func (s *SQLStore) SetPreference(key, value string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO preferences (key, value) VALUES (?, ?)`,
		key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// ListApps returns registry entries in insertion order. rowid is stable
// because upserts never replace the row (ON CONFLICT DO UPDATE).
func (s *SQLStore) ListApps(includeStale bool) ([]domain.AppEntry, error) {
	query := `SELECT package_name, app_name, visible, stale, miss_count, last_used, install_date
		FROM apps`
	if !includeStale {
		query += ` WHERE stale = 0`
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var apps []domain.AppEntry
	for rows.Next() {
		entry, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, entry)
	}
	return apps, rows.Err()
}

// GetApp returns the entry for a package, or ErrNotFound.
func (s *SQLStore) GetApp(packageName string) (*domain.AppEntry, error) {
	row := s.db.QueryRow(
		`SELECT package_name, app_name, visible, stale, miss_count, last_used, install_date
		FROM apps WHERE package_name = ?`, packageName)

	entry, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("app %q: %w", packageName, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return &entry, nil
}

// UpsertApp inserts or updates one registry entry. The update path keeps
// the original rowid so insertion order survives reconciliation.
func (s *SQLStore) UpsertApp(entry domain.AppEntry) error {
	var lastUsed interface{}
	if entry.LastUsed != nil {
		lastUsed = entry.LastUsed.Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO apps (package_name, app_name, visible, stale, miss_count, last_used, install_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(package_name) DO UPDATE SET
			app_name = excluded.app_name,
			visible = excluded.visible,
			stale = excluded.stale,
			miss_count = excluded.miss_count,
			last_used = excluded.last_used`,
		entry.PackageName, entry.AppName, boolToInt(entry.Visible),
		boolToInt(entry.Stale), entry.MissCount, lastUsed, entry.InstallDate.Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// AppendResourceSample appends one sample and trims the table to the
// newest resourceLogRetention rows.
func (s *SQLStore) AppendResourceSample(sample domain.ResourceSample) error {
	_, err := s.db.Exec(
		`INSERT INTO resource_logs (timestamp, cpu_usage, ram_usage, storage_usage)
		VALUES (?, ?, ?, ?)`,
		sample.Timestamp.UnixNano(), sample.CPUUsage, sample.RAMUsage, sample.StorageUsage)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	_, err = s.db.Exec(
		`DELETE FROM resource_logs WHERE rowid NOT IN
		(SELECT rowid FROM resource_logs ORDER BY timestamp DESC LIMIT ?)`,
		resourceLogRetention)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// RecentResourceSamples returns up to limit samples, newest first.
func (s *SQLStore) RecentResourceSamples(limit int) ([]domain.ResourceSample, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, cpu_usage, ram_usage, storage_usage
		FROM resource_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var samples []domain.ResourceSample
	for rows.Next() {
		var ts int64
		var sample domain.ResourceSample
		if err := rows.Scan(&ts, &sample.CPUUsage, &sample.RAMUsage, &sample.StorageUsage); err != nil {
			return nil, err
		}
		sample.Timestamp = time.Unix(0, ts)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// AppendContainerLog appends one audit trail row.
func (s *SQLStore) AppendContainerLog(entry domain.ContainerLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO container_logs (timestamp, action, status, message)
		VALUES (?, ?, ?, ?)`,
		entry.Timestamp.UnixNano(), string(entry.Action), string(entry.Status), entry.Message)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// RecentContainerLogs returns up to limit entries, newest first.
func (s *SQLStore) RecentContainerLogs(limit int) ([]domain.ContainerLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, action, status, message
		FROM container_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []domain.ContainerLogEntry
	for rows.Next() {
		var ts int64
		var action, status string
		var entry domain.ContainerLogEntry
		if err := rows.Scan(&ts, &action, &status, &entry.Message); err != nil {
			return nil, err
		}
		entry.Timestamp = time.Unix(0, ts)
		entry.Action = domain.Action(action)
		entry.Status = domain.LogStatus(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanApp(row scanner) (domain.AppEntry, error) {
	var entry domain.AppEntry
	var visible, stale int
	var lastUsed sql.NullInt64
	var installDate int64

	err := row.Scan(&entry.PackageName, &entry.AppName, &visible, &stale,
		&entry.MissCount, &lastUsed, &installDate)
	if err != nil {
		return entry, err
	}

	entry.Visible = visible != 0
	entry.Stale = stale != 0
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0)
		entry.LastUsed = &t
	}
	entry.InstallDate = time.Unix(installDate, 0)
	return entry, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLStore implements domain.StateStore.
var _ domain.StateStore = (*SQLStore)(nil)
