package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/portalforge/plugctl/internal/archive"
	"github.com/portalforge/plugctl/internal/fetch"
	"github.com/portalforge/plugctl/internal/installer"
	"github.com/portalforge/plugctl/internal/log"
	"github.com/portalforge/plugctl/internal/manifest"
	"github.com/portalforge/plugctl/internal/merge"
	"github.com/portalforge/plugctl/internal/npm"
	"github.com/portalforge/plugctl/internal/oci"
	"github.com/portalforge/plugctl/internal/resolve"
)

var (
	installCacheDir      string
	installLocalStore    string
	installConcurrency   int
	installFetchTimeout  time.Duration
	installSkipIntegrity bool
	installMaxEntrySize  int64
)

var installCmd = &cobra.Command{
	Use:   "install <manifest-path> [runtime-root]",
	Short: "Converge the runtime root to the plugins declared in the manifest",
	Long: `Install downloads, extracts, and installs every enabled plugin from the
manifest into the runtime root, merges plugin configuration fragments into
app-config.dynamic-plugins.yaml, and removes plugins that are no longer
declared.

The runtime root defaults to $DYNAMIC_PLUGINS_ROOT when the second argument
is omitted. A missing manifest file is not an error: it installs zero plugins
and leaves an empty merged config.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().StringVar(&installCacheDir, "cache-dir", "", "tarball cache directory (default: user cache dir)")
	installCmd.Flags().StringVar(&installLocalStore, "local-store", ".", "base directory for ./ package paths")
	installCmd.Flags().IntVar(&installConcurrency, "concurrency", 1, "number of parallel plugin fetches")
	installCmd.Flags().DurationVar(&installFetchTimeout, "fetch-timeout", 5*time.Minute, "wall-clock timeout per plugin fetch (0 disables)")
	installCmd.Flags().BoolVar(&installSkipIntegrity, "skip-integrity-check", false, "skip tarball integrity verification (env: SKIP_INTEGRITY_CHECK)")
	installCmd.Flags().Int64Var(&installMaxEntrySize, "max-entry-size", 0, "maximum size of a single archive entry in bytes (env: MAX_ENTRY_SIZE)")
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manifestPath := args[0]
	root, err := runtimeRoot(args)
	if err != nil {
		return err
	}

	skipIntegrity := installSkipIntegrity
	if os.Getenv("SKIP_INTEGRITY_CHECK") == "true" {
		skipIntegrity = true
	}
	if skipIntegrity {
		log.Warn("integrity checks are disabled for this run")
	}
	maxEntrySize := installMaxEntrySize
	if maxEntrySize == 0 {
		if env := os.Getenv("MAX_ENTRY_SIZE"); env != "" {
			if maxEntrySize, err = strconv.ParseInt(env, 10, 64); err != nil {
				return fmt.Errorf("invalid MAX_ENTRY_SIZE %q: %w", env, err)
			}
		}
	}
	if maxEntrySize == 0 {
		maxEntrySize = archive.DefaultMaxEntrySize
	}
	cacheDir := installCacheDir
	if cacheDir == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("determining cache directory: %w", err)
		}
		cacheDir = filepath.Join(userCache, "plugctl")
	}

	manifestAbsent := false
	m, err := manifest.Load(manifestPath)
	if errdefs.IsNotFound(err) {
		fmt.Printf("No %s file found, installing zero dynamic plugins\n", manifestPath)
		manifestAbsent = true
		m = &manifest.Manifest{}
	} else if err != nil {
		return err
	}

	plans, err := resolve.Build(m, resolve.Options{LocalStoreDir: installLocalStore})
	if err != nil {
		return err
	}

	inst, err := installer.New(root)
	if err != nil {
		return err
	}
	if err := inst.AcquireLock(ctx); err != nil {
		return err
	}
	defer inst.ReleaseLock()

	installed, err := inst.Scan()
	if err != nil {
		return err
	}

	fetcher := &fetch.Fetcher{
		NPM: npm.NewClient(npm.Options{
			Registry:           os.Getenv("NPM_REGISTRY"),
			Token:              os.Getenv("NPM_TOKEN"),
			CacheDir:           cacheDir,
			MaxEntrySize:       maxEntrySize,
			SkipIntegrityCheck: skipIntegrity,
		}),
		Concurrency: installConcurrency,
		Timeout:     installFetchTimeout,
	}
	if needsOCI(plans) {
		downloader, err := oci.NewDownloader(maxEntrySize)
		if err != nil {
			return err
		}
		defer downloader.Close()
		fetcher.OCI = downloader
	}

	results, err := fetcher.Materialize(ctx, plans, installed, root, inst.StagingDir())
	if err != nil {
		inst.CleanStaging()
		return err
	}

	config, err := mergedConfig(plans, manifestAbsent || m.Empty)
	if err != nil {
		return err
	}

	installs := make([]installer.Install, len(results))
	fetched := 0
	for i, r := range results {
		installs[i] = installer.Install{
			Dest:        r.Plan.Dest,
			StagedDir:   r.StagedDir,
			Hash:        r.Plan.Hash,
			ImageDigest: r.ImageDigest,
		}
		if !r.Skipped() {
			fetched++
		}
	}
	if err := inst.Commit(installs, config); err != nil {
		return err
	}

	fmt.Printf("Installed %d dynamic plugins into %s (%d fetched, %d up to date)\n",
		len(installs), root, fetched, len(installs)-fetched)
	return nil
}

// runtimeRoot resolves the destination directory from the positional argument
// or the DYNAMIC_PLUGINS_ROOT environment variable.
func runtimeRoot(args []string) (string, error) {
	if len(args) > 1 {
		return args[1], nil
	}
	if root := os.Getenv("DYNAMIC_PLUGINS_ROOT"); root != "" {
		return root, nil
	}
	return "", fmt.Errorf("no runtime root given: pass it as the second argument or set DYNAMIC_PLUGINS_ROOT")
}

func needsOCI(plans []resolve.Plan) bool {
	for _, p := range plans {
		if p.Kind == resolve.KindOCI {
			return true
		}
	}
	return false
}

// mergedConfig renders the global config document. An absent or empty
// manifest yields an empty file so the host sees an explicit "nothing
// configured" marker rather than a stale document.
func mergedConfig(plans []resolve.Plan, noManifest bool) ([]byte, error) {
	if noManifest {
		return []byte{}, nil
	}
	fragments := make([]merge.Fragment, 0, len(plans))
	for _, p := range plans {
		fragments = append(fragments, merge.Fragment{Package: p.Package, Config: p.Config})
	}
	data, err := yaml.Marshal(merge.Merge(fragments))
	if err != nil {
		return nil, fmt.Errorf("rendering merged config: %w", err)
	}
	return data, nil
}
