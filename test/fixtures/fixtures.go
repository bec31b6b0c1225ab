// Package fixtures provides test doubles shared by the integration
// suite: a scriptable waydroid stand-in and desktop entry builders.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFakeWaydroid writes an executable shell script that behaves like
// the waydroid tool well enough for lifecycle tests. Session state is
// kept in a file next to the script so status reflects earlier
// start/stop calls. Returns the tool path and the state file path; tests
// can rewrite the state file to simulate the container dying or
// appearing behind the daemon's back.
func WriteFakeWaydroid(dir string) (toolPath, stateFile string, err error) {
	stateFile = filepath.Join(dir, "session.state")
	toolPath = filepath.Join(dir, "waydroid")

	script := fmt.Sprintf(`#!/bin/sh
state="%s"
case "$*" in
  "session start") echo RUNNING >"$state" ;;
  "session stop") echo STOPPED >"$state" ;;
  "container freeze") : ;;
  "container unfreeze") : ;;
  "status")
    if grep -q RUNNING "$state" 2>/dev/null; then
      printf 'Session:\tRUNNING\n'
    else
      printf 'Session:\tSTOPPED\n'
    fi
    ;;
  *) echo "unknown command: $*" >&2; exit 1 ;;
esac
`, stateFile)

	if err = os.WriteFile(toolPath, []byte(script), 0755); err != nil {
		return "", "", err
	}
	return toolPath, stateFile, nil
}

// WriteBrokenWaydroid writes a tool whose session start always fails the
// way a missing binder module does. Everything else reports stopped.
func WriteBrokenWaydroid(dir string) (string, error) {
	toolPath := filepath.Join(dir, "waydroid")
	script := `#!/bin/sh
case "$*" in
  "session start") echo "ERROR: Binder node not found" >&2; exit 1 ;;
  "status") printf 'Session:\tSTOPPED\n' ;;
  *) : ;;
esac
`
	if err := os.WriteFile(toolPath, []byte(script), 0755); err != nil {
		return "", err
	}
	return toolPath, nil
}

// WriteDesktopEntry writes an exported container app entry into dir the
// way the session exports them.
func WriteDesktopEntry(dir, packageName, appName string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	content := fmt.Sprintf(`[Desktop Entry]
Type=Application
Name=%s
Exec=waydroid app launch %s
Icon=%s
`, appName, packageName, packageName)
	return os.WriteFile(filepath.Join(dir, packageName+".desktop"), []byte(content), 0644)
}

// RemoveDesktopEntry deletes an exported entry, simulating an app
// uninstall inside the container.
func RemoveDesktopEntry(dir, packageName string) error {
	return os.Remove(filepath.Join(dir, packageName+".desktop"))
}
