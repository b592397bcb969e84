// Package installer owns the runtime root directory: it serializes access
// with a lock file, records which plugin occupies which directory, and
// converges the root to exactly the set of currently declared plugins.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/portalforge/plugctl/internal/log"
	"github.com/portalforge/plugctl/internal/oci"
)

const (
	// HashFileName marks a directory as plugctl-managed and records the
	// declaration hash it was installed from.
	HashFileName = "dynamic-plugin-config.hash"
	// MergedConfigName is the merged configuration document consumed by the
	// host application.
	MergedConfigName = "app-config.dynamic-plugins.yaml"
	// LockFileName serializes concurrent invocations against one root.
	LockFileName = "install-dynamic-plugins.lock"
)

// Install describes one plugin directory the root must contain after Commit.
type Install struct {
	// Dest is the directory name inside the root.
	Dest string
	// StagedDir is the freshly fetched content to move into place; empty
	// when the already installed copy is kept.
	StagedDir string
	// Hash is the declaration hash written to HashFileName.
	Hash string
	// ImageDigest, when non-empty, is written to the OCI digest file.
	ImageDigest string
}

// Installer converges one runtime root.
type Installer struct {
	root     string
	lockPath string
}

// New creates an Installer for root, creating the directory if needed.
func New(root string) (*Installer, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating runtime root: %w", err)
	}
	return &Installer{
		root:     root,
		lockPath: filepath.Join(root, LockFileName),
	}, nil
}

// Root returns the runtime root path.
func (i *Installer) Root() string {
	return i.root
}

// AcquireLock takes the root lock, waiting for a concurrent invocation to
// release it. The context bounds the wait.
func (i *Installer) AcquireLock(ctx context.Context) error {
	for {
		f, err := os.OpenFile(i.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			log.Debug("created lock file", "path", i.lockPath)
			i.sweepStaging()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		log.Info("waiting for lock release", "path", i.lockPath)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// ReleaseLock removes the lock file.
func (i *Installer) ReleaseLock() {
	if err := os.Remove(i.lockPath); err != nil && !os.IsNotExist(err) {
		log.Warn("removing lock file", "path", i.lockPath, "error", err)
	}
}

// Scan indexes the plugctl-managed directories currently in the root,
// mapping directory name to the recorded declaration hash. Directories
// without a hash file belong to someone else and are ignored.
func (i *Installer) Scan() (map[string]string, error) {
	entries, err := os.ReadDir(i.root)
	if err != nil {
		return nil, err
	}

	installed := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(i.root, entry.Name(), HashFileName))
		if err != nil {
			continue
		}
		installed[entry.Name()] = strings.TrimSpace(string(data))
	}
	return installed, nil
}

// StagingDir returns a per-process staging directory inside the root, so the
// final rename into place never crosses filesystems.
func (i *Installer) StagingDir() string {
	return filepath.Join(i.root, fmt.Sprintf(".staging-%d", os.Getpid()))
}

// Commit applies the converge step: every staged install replaces whatever
// occupied its destination, every managed directory not in the desired set is
// pruned, and the merged config is written last. Nothing here fetches, so a
// Commit either starts (after all fetches succeeded) or the root is left
// untouched.
func (i *Installer) Commit(installs []Install, mergedConfig []byte) error {
	desired := make(map[string]bool, len(installs))
	for _, install := range installs {
		desired[install.Dest] = true
	}

	for _, install := range installs {
		if install.StagedDir == "" {
			continue
		}
		target := filepath.Join(i.root, install.Dest)
		if _, err := os.Lstat(target); err == nil {
			log.Debug("removing previous plugin directory", "path", target)
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("removing previous install of %s: %w", install.Dest, err)
			}
		}
		if err := os.Rename(install.StagedDir, target); err != nil {
			return fmt.Errorf("installing %s: %w", install.Dest, err)
		}
		if err := os.WriteFile(filepath.Join(target, HashFileName), []byte(install.Hash+"\n"), 0644); err != nil {
			return fmt.Errorf("recording hash for %s: %w", install.Dest, err)
		}
		if install.ImageDigest != "" {
			if err := os.WriteFile(filepath.Join(target, oci.DigestFileName), []byte(install.ImageDigest+"\n"), 0644); err != nil {
				return fmt.Errorf("recording image digest for %s: %w", install.Dest, err)
			}
		}
	}

	// Prune managed directories that are no longer declared.
	installed, err := i.Scan()
	if err != nil {
		return err
	}
	for dir := range installed {
		if desired[dir] {
			continue
		}
		log.Info("removing previously installed dynamic plugin", "directory", dir)
		if err := os.RemoveAll(filepath.Join(i.root, dir)); err != nil {
			return fmt.Errorf("pruning %s: %w", dir, err)
		}
	}

	if err := i.WriteMergedConfig(mergedConfig); err != nil {
		return err
	}

	return os.RemoveAll(i.StagingDir())
}

// WriteMergedConfig atomically replaces the merged configuration document.
func (i *Installer) WriteMergedConfig(data []byte) error {
	target := filepath.Join(i.root, MergedConfigName)
	tmp, err := os.CreateTemp(i.root, ".config-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// CleanStaging removes any leftover staging directory, e.g. after a failed
// fetch pass.
func (i *Installer) CleanStaging() {
	if err := os.RemoveAll(i.StagingDir()); err != nil {
		log.Warn("removing staging directory", "error", err)
	}
}

// sweepStaging removes staging directories left behind by crashed runs. The
// pid suffix belongs to a process that no longer holds the lock, so once the
// lock is ours they are all garbage.
func (i *Installer) sweepStaging() {
	stale, err := filepath.Glob(filepath.Join(i.root, ".staging-*"))
	if err != nil {
		return
	}
	for _, dir := range stale {
		log.Info("removing stale staging directory", "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("removing stale staging directory", "path", dir, "error", err)
		}
	}
}
