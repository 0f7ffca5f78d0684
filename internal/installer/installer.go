// Package installer manages the on-disk install root for provider SDK
// packages. Installs run through the system package runner (bun or npm) with
// a deadline, retries, and process-local dedup per package.
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/link-assistant/agent/internal/agenterr"
	"github.com/link-assistant/agent/internal/xsync"
)

const (
	// latestRefresh is how long a "latest" install stays current before it
	// is re-installed.
	latestRefresh = 24 * time.Hour

	// installDeadline bounds a single install attempt.
	installDeadline = 60 * time.Second

	maxAttempts = 3
)

// backoff returns the linear wait before retry attempt n (1-based).
func backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 5 * time.Second
}

// manifest mirrors the package.json kept next to the install root. The
// Dependencies map records pkg → version; InstallTime records pkg → unix
// millis of the last successful install.
type manifest struct {
	Dependencies map[string]string `json:"dependencies"`
	InstallTime  map[string]int64  `json:"_installTime,omitempty"`
}

// Installer installs npm packages under Root/node_modules.
type Installer struct {
	Root string
	// Runner is the package manager argv prefix, e.g. ["npm", "install"].
	// Tests and dry-run mode replace it.
	Runner []string
	// DryRun skips the actual install and records the package as present.
	DryRun bool

	group *xsync.Group
	locks *xsync.KeyedMutex
	now   func() time.Time
}

func New(root string) *Installer {
	return &Installer{
		Root:   root,
		Runner: []string{"npm", "install", "--no-save", "--prefix"},
		group:  xsync.NewGroup(),
		locks:  xsync.NewKeyedMutex(),
		now:    time.Now,
	}
}

// Install ensures pkg@version is present and returns its installed path.
// Concurrent installs of the same pkg share one in-flight install.
func (i *Installer) Install(ctx context.Context, pkg, version string) (string, error) {
	key := pkg + "@" + version
	path, err := i.group.Do(key, func() (any, error) {
		return i.install(ctx, pkg, version)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (i *Installer) install(ctx context.Context, pkg, version string) (string, error) {
	i.locks.Lock(pkg)
	defer i.locks.Unlock(pkg)

	m, err := i.readManifest()
	if err != nil {
		return "", err
	}

	installed := m.Dependencies[pkg]
	installedAt := time.UnixMilli(m.InstallTime[pkg])

	if installed != "" {
		if version != "latest" && installed == version {
			return i.pkgPath(pkg), nil
		}
		if version == "latest" && i.now().Sub(installedAt) < latestRefresh {
			return i.pkgPath(pkg), nil
		}
	}

	if i.DryRun {
		return i.pkgPath(pkg), i.record(m, pkg, version)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := i.runInstall(ctx, pkg, version); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if attempt < maxAttempts {
				select {
				case <-time.After(backoff(attempt)):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			continue
		}
		return i.pkgPath(pkg), i.record(m, pkg, version)
	}
	return "", agenterr.Wrap(agenterr.KindInstallFailed, lastErr,
		"install %s@%s failed after %d attempts", pkg, version, maxAttempts)
}

func (i *Installer) runInstall(ctx context.Context, pkg, version string) error {
	ctx, cancel := context.WithTimeout(ctx, installDeadline)
	defer cancel()

	if err := os.MkdirAll(i.Root, 0o755); err != nil {
		return err
	}
	spec := pkg
	if version != "latest" {
		spec = pkg + "@" + version
	}
	args := append(append([]string{}, i.Runner[1:]...), i.Root, spec)
	cmd := exec.CommandContext(ctx, i.Runner[0], args...)
	cmd.Dir = i.Root
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return agenterr.New(agenterr.KindTimeout, "install %s timed out after %s", spec, installDeadline)
		}
		return fmt.Errorf("install %s: %w: %s", spec, err, truncate(string(out), 500))
	}
	return nil
}

func (i *Installer) record(m *manifest, pkg, version string) error {
	m.Dependencies[pkg] = version
	m.InstallTime[pkg] = i.now().UnixMilli()
	return i.writeManifest(m)
}

func (i *Installer) pkgPath(pkg string) string {
	return filepath.Join(i.Root, "node_modules", pkg)
}

func (i *Installer) manifestPath() string {
	return filepath.Join(i.Root, "package.json")
}

func (i *Installer) readManifest() (*manifest, error) {
	m := &manifest{
		Dependencies: make(map[string]string),
		InstallTime:  make(map[string]int64),
	}
	data, err := os.ReadFile(i.manifestPath())
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		// A corrupt manifest is treated as empty; the next install rewrites it.
		return &manifest{
			Dependencies: make(map[string]string),
			InstallTime:  make(map[string]int64),
		}, nil
	}
	if m.Dependencies == nil {
		m.Dependencies = make(map[string]string)
	}
	if m.InstallTime == nil {
		m.InstallTime = make(map[string]int64)
	}
	return m, nil
}

func (i *Installer) writeManifest(m *manifest) error {
	if err := os.MkdirAll(i.Root, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(i.manifestPath(), data, 0o644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
