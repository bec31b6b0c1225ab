//go:build integration

package integration

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/lxdroid/waydroidd/internal/domain"
	"github.com/lxdroid/waydroidd/internal/infra"
	"github.com/lxdroid/waydroidd/internal/usecase"
	"github.com/lxdroid/waydroidd/test/fixtures"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

var _ = Describe("Container lifecycle", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		store     *infra.SQLStore
		sup       *usecase.Supervisor
		stateFile string
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		toolPath, sf, err := fixtures.WriteFakeWaydroid(dir)
		Expect(err).NotTo(HaveOccurred())
		stateFile = sf

		store, err = infra.NewSQLStore(GinkgoT().TempDir(), testKey())
		Expect(err).NotTo(HaveOccurred())

		runner := infra.NewExecutorWithTool(toolPath, 5*time.Second)
		sup = usecase.NewSupervisor(store, runner, zap.NewNop())

		ctx, cancel = context.WithCancel(context.Background())
		go func() {
			defer GinkgoRecover()
			_ = sup.Run(ctx)
		}()
	})

	AfterEach(func() {
		cancel()
		Expect(store.Close()).To(Succeed())
	})

	It("walks a full start/freeze/unfreeze/stop cycle and logs each step", func() {
		Expect(sup.Start(ctx)).To(Succeed())
		Expect(sup.GetState()).To(Equal(domain.StateRunning))

		Expect(sup.Freeze(ctx)).To(Succeed())
		Expect(sup.GetState()).To(Equal(domain.StateFrozen))

		Expect(sup.Unfreeze(ctx)).To(Succeed())
		Expect(sup.GetState()).To(Equal(domain.StateRunning))

		Expect(sup.Stop(ctx)).To(Succeed())
		Expect(sup.GetState()).To(Equal(domain.StateStopped))

		entries, err := store.RecentContainerLogs(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(4))
		for _, entry := range entries {
			Expect(entry.Status).To(Equal(domain.LogSuccess))
		}
		// Newest first.
		Expect(entries[0].Action).To(Equal(domain.ActionStop))
		Expect(entries[3].Action).To(Equal(domain.ActionStart))
	})

	It("restarts with a single log entry", func() {
		Expect(sup.Start(ctx)).To(Succeed())
		Expect(sup.Restart(ctx)).To(Succeed())
		Expect(sup.GetState()).To(Equal(domain.StateRunning))

		entries, err := store.RecentContainerLogs(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Action).To(Equal(domain.ActionRestart))
	})

	It("rejects freeze while stopped without touching the tool", func() {
		err := sup.Freeze(ctx)
		Expect(err).To(MatchError(domain.ErrInvalidTransition))
		Expect(sup.GetState()).To(Equal(domain.StateStopped))

		entries, err := store.RecentContainerLogs(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})

	It("detects the container dying behind its back", func() {
		Expect(sup.Start(ctx)).To(Succeed())

		// Kill the session outside the daemon.
		Expect(os.WriteFile(stateFile, []byte("STOPPED\n"), 0644)).To(Succeed())
		sup.CheckDrift()

		Eventually(sup.GetState, 2*time.Second, 20*time.Millisecond).
			Should(Equal(domain.StateStopped))

		entries, err := store.RecentContainerLogs(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries[0].Message).To(ContainSubstring("drift"))
	})

	It("adopts a container started outside the daemon", func() {
		Expect(os.WriteFile(stateFile, []byte("RUNNING\n"), 0644)).To(Succeed())
		sup.CheckDrift()

		Eventually(sup.GetState, 2*time.Second, 20*time.Millisecond).
			Should(Equal(domain.StateRunning))
	})
})

var _ = Describe("Container lifecycle with a broken tool", func() {
	It("surfaces stderr and settles Failed, then recovers on retry", func() {
		dir := GinkgoT().TempDir()
		toolPath, err := fixtures.WriteBrokenWaydroid(dir)
		Expect(err).NotTo(HaveOccurred())

		store, err := infra.NewSQLStore(GinkgoT().TempDir(), testKey())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		runner := infra.NewExecutorWithTool(toolPath, 5*time.Second)
		sup := usecase.NewSupervisor(store, runner, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			defer GinkgoRecover()
			_ = sup.Run(ctx)
		}()

		err = sup.Start(ctx)
		Expect(err).To(HaveOccurred())
		Expect(sup.GetState()).To(Equal(domain.StateFailed))

		entries, lerr := store.RecentContainerLogs(10)
		Expect(lerr).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Status).To(Equal(domain.LogFailure))
		Expect(entries[0].Message).To(ContainSubstring("Binder node not found"))

		// The tool comes back; retry from Failed succeeds.
		fixedPath, _, err := fixtures.WriteFakeWaydroid(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(fixedPath).To(Equal(toolPath))

		Expect(sup.Start(ctx)).To(Succeed())
		Expect(sup.GetState()).To(Equal(domain.StateRunning))
	})
})

var _ = Describe("App registry over exported desktop entries", func() {
	var (
		desktopDir string
		store      *infra.SQLStore
		reg        *usecase.Registry
	)

	BeforeEach(func() {
		desktopDir = filepath.Join(GinkgoT().TempDir(), "applications", "waydroid")
		Expect(fixtures.WriteDesktopEntry(desktopDir, "org.fdroid.fdroid", "F-Droid")).To(Succeed())
		Expect(fixtures.WriteDesktopEntry(desktopDir, "com.aurora.store", "Aurora Store")).To(Succeed())

		var err error
		store, err = infra.NewSQLStore(GinkgoT().TempDir(), testKey())
		Expect(err).NotTo(HaveOccurred())

		scanner := infra.NewDesktopScannerWithDir(desktopDir)
		reg = usecase.NewRegistry(store, scanner, zap.NewNop())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("imports exported entries and keeps them across an uninstall debounce", func() {
		Expect(reg.ReconcileFromScan()).To(Succeed())

		apps, err := reg.ListApps(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(apps).To(HaveLen(2))

		Expect(fixtures.RemoveDesktopEntry(desktopDir, "com.aurora.store")).To(Succeed())

		// One missed scan keeps the app listed.
		Expect(reg.ReconcileFromScan()).To(Succeed())
		apps, err = reg.ListApps(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(apps).To(HaveLen(2))

		// The second miss retires it.
		Expect(reg.ReconcileFromScan()).To(Succeed())
		apps, err = reg.ListApps(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(apps).To(HaveLen(1))
		Expect(apps[0].PackageName).To(Equal("org.fdroid.fdroid"))
	})

	It("mirrors visibility into the desktop entry", func() {
		Expect(reg.ReconcileFromScan()).To(Succeed())
		Expect(reg.SetVisible("org.fdroid.fdroid", false)).To(Succeed())

		data, err := os.ReadFile(filepath.Join(desktopDir, "org.fdroid.fdroid.desktop"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("NoDisplay=true"))

		apps, err := reg.ListApps(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(apps).To(HaveLen(2))
		for _, app := range apps {
			if app.PackageName == "org.fdroid.fdroid" {
				Expect(app.Visible).To(BeFalse())
			}
		}
	})
})

var _ = Describe("Backup and restore around a live container", func() {
	It("quiesces the container, archives, and brings it back", func() {
		root := GinkgoT().TempDir()
		toolPath, _, err := fixtures.WriteFakeWaydroid(root)
		Expect(err).NotTo(HaveOccurred())

		dataPath := filepath.Join(root, "waydroid")
		Expect(os.MkdirAll(filepath.Join(dataPath, "data"), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dataPath, "data", "settings.db"), []byte("db"), 0644)).To(Succeed())

		appsPath := filepath.Join(root, "applications", "waydroid")
		Expect(fixtures.WriteDesktopEntry(appsPath, "org.fdroid.fdroid", "F-Droid")).To(Succeed())

		store, err := infra.NewSQLStore(GinkgoT().TempDir(), testKey())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		runner := infra.NewExecutorWithTool(toolPath, 5*time.Second)
		sup := usecase.NewSupervisor(store, runner, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			defer GinkgoRecover()
			_ = sup.Run(ctx)
		}()
		Expect(sup.Start(ctx)).To(Succeed())

		mgr := infra.NewBackupManagerWithPaths(
			filepath.Join(root, "backups"), dataPath, appsPath,
			store, sup, zap.NewNop(),
		)

		backupDir, err := mgr.Backup(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(sup.GetState()).To(Equal(domain.StateRunning), "container must be back after the backup")

		recorded, err := store.GetPreference(domain.PrefLastBackupTime)
		Expect(err).NotTo(HaveOccurred())
		Expect(recorded).NotTo(Equal("0"))

		// Wipe the live data and restore.
		Expect(os.RemoveAll(dataPath)).To(Succeed())
		Expect(mgr.Restore(ctx, backupDir)).To(Succeed())

		data, err := os.ReadFile(filepath.Join(dataPath, "data", "settings.db"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("db"))
	})
})
