// Package fetch materializes resolved plugin plans into a staging area,
// applying the pull-policy skip logic so up-to-date plugins are not
// re-downloaded.
package fetch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/sync/errgroup"

	"github.com/portalforge/plugctl/internal/log"
	"github.com/portalforge/plugctl/internal/manifest"
	"github.com/portalforge/plugctl/internal/npm"
	"github.com/portalforge/plugctl/internal/oci"
	"github.com/portalforge/plugctl/internal/resolve"
)

// Result is the outcome of materializing one plan.
type Result struct {
	Plan resolve.Plan
	// StagedDir holds the freshly fetched content, or "" when the installed
	// copy was kept.
	StagedDir string
	// ImageDigest is the remote image digest for freshly fetched OCI
	// plugins; recorded next to the install for later Always-policy checks.
	ImageDigest string
}

// Skipped reports whether the installed copy was reused.
func (r Result) Skipped() bool {
	return r.StagedDir == ""
}

// Fetcher coordinates the per-kind fetch backends.
type Fetcher struct {
	// NPM downloads registry packages.
	NPM *npm.Client
	// OCI extracts plugins from container images; nil when the plan has no
	// OCI entries.
	OCI *oci.Downloader
	// Concurrency bounds parallel fetches (minimum 1).
	Concurrency int
	// Timeout bounds each individual fetch; 0 disables the bound.
	Timeout time.Duration
}

// Materialize stages every plan under stagingRoot. installed maps destination
// directory names to the hash recorded by a previous run (from the installer
// scan of root); plans whose hash matches are skipped according to their pull
// policy. Fetches run concurrently up to Concurrency; the first failure
// cancels the rest and no partial result is returned, so a failed run never
// touches the runtime root.
func (f *Fetcher) Materialize(ctx context.Context, plans []resolve.Plan, installed map[string]string, root, stagingRoot string) ([]Result, error) {
	results := make([]Result, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	limit := f.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, plan := range plans {
		g.Go(func() error {
			fetchCtx := gctx
			if f.Timeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(gctx, f.Timeout)
				defer cancel()
			}
			result, err := f.materializeOne(fetchCtx, plan, installed[plan.Dest], root, stagingRoot)
			if err != nil {
				return fmt.Errorf("plugin %s: %w", plan.Package, err)
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (f *Fetcher) materializeOne(ctx context.Context, plan resolve.Plan, installedHash, root, stagingRoot string) (Result, error) {
	result := Result{Plan: plan}

	skip, err := f.shouldSkip(ctx, plan, installedHash, root)
	if err != nil {
		return Result{}, err
	}
	if skip {
		log.Info("skipping already installed dynamic plugin", "package", plan.Package)
		return result, nil
	}

	log.Info("installing dynamic plugin", "package", plan.Package, "kind", string(plan.Kind))
	stageDir := filepath.Join(stagingRoot, plan.Dest)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return Result{}, err
	}

	switch plan.Kind {
	case resolve.KindNPM:
		if err := f.NPM.Fetch(ctx, plan.FetchRef, plan.Version, plan.Integrity, stageDir); err != nil {
			return Result{}, err
		}

	case resolve.KindOCI:
		if err := f.OCI.Fetch(ctx, plan.FetchRef, plan.InnerPath, stageDir); err != nil {
			return Result{}, err
		}
		digest, err := f.OCI.Digest(ctx, plan.FetchRef)
		if err != nil {
			return Result{}, err
		}
		result.ImageDigest = digest

	case resolve.KindLocal:
		if err := copyTree(plan.FetchRef, stageDir); err != nil {
			return Result{}, err
		}

	default:
		return Result{}, fmt.Errorf("%w: unknown source kind %q", errdefs.ErrInvalidArgument, plan.Kind)
	}

	result.StagedDir = stageDir
	return result, nil
}

// shouldSkip decides whether the installed copy is current. The hash must
// match the plan exactly; on top of that, IfNotPresent always keeps the
// installed copy, while Always re-fetches unless the OCI image digest is
// unchanged.
func (f *Fetcher) shouldSkip(ctx context.Context, plan resolve.Plan, installedHash, root string) (bool, error) {
	if installedHash == "" || installedHash != plan.Hash {
		return false, nil
	}
	if plan.ForceDownload {
		return false, nil
	}
	if plan.PullPolicy == manifest.PullIfNotPresent {
		return true, nil
	}

	// PullAlways: only OCI has a cheap remote identity to compare.
	if plan.Kind != resolve.KindOCI {
		return false, nil
	}
	localDigest, err := os.ReadFile(filepath.Join(root, plan.Dest, oci.DigestFileName))
	if err != nil {
		return false, nil
	}
	remoteDigest, err := f.OCI.Digest(ctx, plan.FetchRef)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(string(localDigest)) == remoteDigest {
		log.Debug("image digest unchanged", "package", plan.Package)
		return true, nil
	}
	return false, nil
}

// copyTree copies a pre-built local plugin into the staging area. Symlinks
// are preserved; everything else must be a regular file or directory.
func copyTree(src, dest string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: local package directory %s does not exist", errdefs.ErrUnavailable, src)
		}
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return fmt.Errorf("%w: local package contains non-regular file %s", errdefs.ErrUnavailable, path)
		}
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := in.WriteTo(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
