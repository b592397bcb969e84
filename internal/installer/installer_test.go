package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stagePlugin(t *testing.T, staging, dest, content string) string {
	t.Helper()
	dir := filepath.Join(staging, dest)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(content), 0644))
	return dir
}

func TestCommitInstallsAndRecordsHash(t *testing.T) {
	root := t.TempDir()
	inst, err := New(filepath.Join(root, "dynamic-plugins-root"))
	require.NoError(t, err)

	staged := stagePlugin(t, inst.StagingDir(), "plugin-a", "v1")
	err = inst.Commit([]Install{{Dest: "plugin-a", StagedDir: staged, Hash: "hash-a"}}, []byte("config: {}\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(inst.Root(), "plugin-a", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	installed, err := inst.Scan()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"plugin-a": "hash-a"}, installed)

	config, err := os.ReadFile(filepath.Join(inst.Root(), MergedConfigName))
	require.NoError(t, err)
	assert.Equal(t, "config: {}\n", string(config))

	_, err = os.Stat(inst.StagingDir())
	assert.True(t, os.IsNotExist(err), "staging dir should be removed after commit")
}

func TestCommitReplacesExistingDirectory(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)

	staged := stagePlugin(t, inst.StagingDir(), "plugin-a", "v1")
	require.NoError(t, inst.Commit([]Install{{Dest: "plugin-a", StagedDir: staged, Hash: "h1"}}, nil))

	// Leave a file from the old version that the new version doesn't have.
	require.NoError(t, os.WriteFile(filepath.Join(inst.Root(), "plugin-a", "stale.js"), []byte("old"), 0644))

	staged = stagePlugin(t, inst.StagingDir(), "plugin-a", "v2")
	require.NoError(t, inst.Commit([]Install{{Dest: "plugin-a", StagedDir: staged, Hash: "h2"}}, nil))

	data, err := os.ReadFile(filepath.Join(inst.Root(), "plugin-a", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	_, err = os.Stat(filepath.Join(inst.Root(), "plugin-a", "stale.js"))
	assert.True(t, os.IsNotExist(err), "replace must never merge old and new content")
}

func TestCommitPrunesUndeclaredPlugins(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)

	stagedA := stagePlugin(t, inst.StagingDir(), "plugin-a", "a")
	stagedB := stagePlugin(t, inst.StagingDir(), "plugin-b", "b")
	require.NoError(t, inst.Commit([]Install{
		{Dest: "plugin-a", StagedDir: stagedA, Hash: "ha"},
		{Dest: "plugin-b", StagedDir: stagedB, Hash: "hb"},
	}, nil))

	// Second run declares only plugin-a, and keeps it as installed (no staged dir).
	require.NoError(t, inst.Commit([]Install{{Dest: "plugin-a", Hash: "ha"}}, nil))

	installed, err := inst.Scan()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"plugin-a": "ha"}, installed)
	_, err = os.Stat(filepath.Join(inst.Root(), "plugin-b"))
	assert.True(t, os.IsNotExist(err), "undeclared plugin must be pruned")
}

func TestCommitLeavesUnmanagedDirectoriesAlone(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)

	foreign := filepath.Join(inst.Root(), "not-ours")
	require.NoError(t, os.MkdirAll(foreign, 0755))

	require.NoError(t, inst.Commit(nil, []byte("")))

	_, err = os.Stat(foreign)
	assert.NoError(t, err, "directories without a hash file are not managed by the installer")
}

func TestCommitWritesDigestFile(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)

	staged := stagePlugin(t, inst.StagingDir(), "plugin-a", "a")
	require.NoError(t, inst.Commit([]Install{
		{Dest: "plugin-a", StagedDir: staged, Hash: "ha", ImageDigest: "abc123"},
	}, nil))

	data, err := os.ReadFile(filepath.Join(inst.Root(), "plugin-a", "dynamic-plugin-image.hash"))
	require.NoError(t, err)
	assert.Equal(t, "abc123\n", string(data))
}

func TestScanIgnoresFilesAndUnmanagedDirs(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(inst.Root(), "some-file"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(inst.Root(), "unmanaged"), 0755))

	installed, err := inst.Scan()
	require.NoError(t, err)
	assert.Empty(t, installed)
}

func TestAcquireLockBlocksUntilReleased(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, inst.AcquireLock(context.Background()))

	second, err := New(inst.Root())
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		acquired <- second.AcquireLock(context.Background())
	}()

	select {
	case err := <-acquired:
		t.Fatalf("second AcquireLock returned %v while lock was held", err)
	case <-time.After(100 * time.Millisecond):
	}

	inst.ReleaseLock()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second AcquireLock did not proceed after release")
	}
	second.ReleaseLock()
}

func TestAcquireLockSweepsStaleStaging(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)

	// A crashed run under another pid left its staging behind.
	stale := filepath.Join(inst.Root(), ".staging-99999")
	require.NoError(t, os.MkdirAll(filepath.Join(stale, "plugin-a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "plugin-a", "index.js"), []byte("x"), 0644))

	require.NoError(t, inst.AcquireLock(context.Background()))
	defer inst.ReleaseLock()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale staging directories must be swept under the lock")
}

func TestAcquireLockHonorsContext(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, inst.AcquireLock(context.Background()))
	defer inst.ReleaseLock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	second, err := New(inst.Root())
	require.NoError(t, err)
	err = second.AcquireLock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriteMergedConfigAtomicReplace(t *testing.T) {
	inst, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, inst.WriteMergedConfig([]byte("first: 1\n")))
	require.NoError(t, inst.WriteMergedConfig([]byte("second: 2\n")))

	data, err := os.ReadFile(filepath.Join(inst.Root(), MergedConfigName))
	require.NoError(t, err)
	assert.Equal(t, "second: 2\n", string(data))

	entries, err := os.ReadDir(inst.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".config-", "temp files must not survive")
	}
}
