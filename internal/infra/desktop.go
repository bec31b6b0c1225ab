package infra

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lxdroid/waydroidd/internal/domain"
)

// launchMarker identifies desktop entries exported by the container.
const launchMarker = "waydroid app launch"

// DesktopScanner implements domain.AppScanner over the .desktop entries
// the container exports into the host launcher directory.
type DesktopScanner struct {
	appsDir string
}

// NewDesktopScanner creates a scanner over the default export directory
// (~/.local/share/applications/waydroid).
func NewDesktopScanner() *DesktopScanner {
	home, _ := os.UserHomeDir()
	return &DesktopScanner{
		appsDir: filepath.Join(home, ".local", "share", "applications", "waydroid"),
	}
}

// NewDesktopScannerWithDir creates a scanner over a custom directory
// (for testing).
func NewDesktopScannerWithDir(dir string) *DesktopScanner {
	return &DesktopScanner{appsDir: dir}
}

// Scan parses every exported .desktop file into an observed app. Files
// without a package name or display name are skipped.
func (d *DesktopScanner) Scan() ([]domain.ObservedApp, error) {
	entries, err := os.ReadDir(d.appsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Container has exported nothing yet
		}
		return nil, err
	}

	var apps []domain.ObservedApp
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".desktop") {
			continue
		}
		app, ok := d.parseDesktopFile(filepath.Join(d.appsDir, entry.Name()))
		if ok {
			apps = append(apps, app)
		}
	}
	return apps, nil
}

// parseDesktopFile extracts the display name and the launch target
// package from one desktop entry.
func (d *DesktopScanner) parseDesktopFile(path string) (domain.ObservedApp, bool) {
	f, err := os.Open(path)
	if err != nil {
		return domain.ObservedApp{}, false
	}
	defer f.Close()

	var app domain.ObservedApp
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Name="):
			if app.AppName == "" {
				app.AppName = strings.TrimPrefix(line, "Name=")
			}
		case strings.HasPrefix(line, "Exec="):
			execCmd := strings.TrimPrefix(line, "Exec=")
			if strings.Contains(execCmd, launchMarker) {
				fields := strings.Fields(execCmd)
				app.PackageName = fields[len(fields)-1]
			}
		}
	}

	return app, app.PackageName != "" && app.AppName != ""
}

// SetHidden rewrites the NoDisplay property in every desktop entry that
// launches the package. Missing entries are not an error; the registry
// row stays authoritative and the next export re-applies the flag.
func (d *DesktopScanner) SetHidden(packageName string, hidden bool) error {
	entries, err := os.ReadDir(d.appsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".desktop") {
			continue
		}
		path := filepath.Join(d.appsDir, entry.Name())
		app, ok := d.parseDesktopFile(path)
		if !ok || app.PackageName != packageName {
			continue
		}
		if err := setNoDisplay(path, hidden); err != nil {
			return fmt.Errorf("failed to update %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// setNoDisplay rewrites (or appends) the NoDisplay line, writing through
// a temp file and renaming so a crash never leaves a truncated entry.
func setNoDisplay(path string, hidden bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	noDisplay := fmt.Sprintf("NoDisplay=%t", hidden)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "NoDisplay=") {
			lines[i] = noDisplay
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, noDisplay)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure DesktopScanner implements domain.AppScanner.
var _ domain.AppScanner = (*DesktopScanner)(nil)
