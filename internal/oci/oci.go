// Package oci materializes plugins published as layers of container images.
// Images are copied to the local filesystem with skopeo and the plugin
// directory is extracted from the first layer.
package oci

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/portalforge/plugctl/internal/archive"
	"github.com/portalforge/plugctl/internal/log"
)

// DigestFileName is written into each installed OCI plugin directory so a
// later run with pullPolicy Always can compare against the remote digest.
const DigestFileName = "dynamic-plugin-image.hash"

// Downloader fetches plugin content from container images. One image copy is
// shared by all plugins extracted from it during a run.
type Downloader struct {
	skopeo       string
	tmpDir       string
	maxEntrySize int64

	mu       sync.Mutex
	tarballs map[string]string // image ref -> layer tarball path
}

// NewDownloader locates skopeo and prepares a scratch directory. A missing
// skopeo binary satisfies errdefs.IsUnavailable so the run aborts before any
// other fetch work starts.
func NewDownloader(maxEntrySize int64) (*Downloader, error) {
	skopeo, err := exec.LookPath("skopeo")
	if err != nil {
		return nil, fmt.Errorf("%w: skopeo executable not found in PATH", errdefs.ErrUnavailable)
	}
	tmpDir, err := os.MkdirTemp("", "plugctl-oci-*")
	if err != nil {
		return nil, err
	}
	return &Downloader{
		skopeo:       skopeo,
		tmpDir:       tmpDir,
		maxEntrySize: maxEntrySize,
		tarballs:     make(map[string]string),
	}, nil
}

// Close removes the scratch directory holding downloaded image copies.
func (d *Downloader) Close() error {
	return os.RemoveAll(d.tmpDir)
}

// Fetch extracts innerPath from the image at ref (a "docker://" reference)
// into stageDir.
func (d *Downloader) Fetch(ctx context.Context, ref, innerPath, stageDir string) error {
	tarball, err := d.imageTarball(ctx, ref)
	if err != nil {
		return err
	}

	f, err := os.Open(tarball)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := archive.Extract(f, stageDir, archive.ExtractOptions{
		Prefix:       innerPath,
		MaxEntrySize: d.maxEntrySize,
		LenientLinks: true,
	}); err != nil {
		return fmt.Errorf("image %s: %w", ref, err)
	}

	// An image that does not contain the advertised path yields an empty
	// staging dir; treat that as a bad reference rather than installing
	// nothing silently.
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: image %s contains no files under %q", errdefs.ErrDataLoss, ref, innerPath)
	}
	return nil
}

// Digest returns the image digest (hex, without the algorithm prefix) as
// reported by the registry.
func (d *Downloader) Digest(ctx context.Context, ref string) (string, error) {
	out, err := d.run(ctx, "inspect", ref)
	if err != nil {
		return "", err
	}

	var info struct {
		Digest string `json:"Digest"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return "", fmt.Errorf("%w: parsing skopeo inspect output for %s: %v", errdefs.ErrUnavailable, ref, err)
	}
	_, digest, found := strings.Cut(info.Digest, ":")
	if !found {
		return "", fmt.Errorf("%w: unexpected digest %q for %s", errdefs.ErrUnavailable, info.Digest, ref)
	}
	return digest, nil
}

// imageTarball copies the image to the scratch directory once per run and
// returns the path of its first layer blob, which carries the plugin content.
// Copies are serialized so concurrent fetches from the same image share one
// download.
func (d *Downloader) imageTarball(ctx context.Context, ref string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if path, ok := d.tarballs[ref]; ok {
		return path, nil
	}

	sum := sha256.Sum256([]byte(ref))
	localDir := filepath.Join(d.tmpDir, hex.EncodeToString(sum[:]))
	log.Info("copying image to local filesystem", "image", ref)
	if _, err := d.run(ctx, "copy", ref, "dir:"+localDir); err != nil {
		return "", err
	}

	manifestData, err := os.ReadFile(filepath.Join(localDir, "manifest.json"))
	if err != nil {
		return "", fmt.Errorf("%w: reading manifest for %s: %v", errdefs.ErrUnavailable, ref, err)
	}
	var imageManifest struct {
		Layers []struct {
			Digest string `json:"digest"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(manifestData, &imageManifest); err != nil {
		return "", fmt.Errorf("%w: parsing manifest for %s: %v", errdefs.ErrUnavailable, ref, err)
	}
	if len(imageManifest.Layers) == 0 {
		return "", fmt.Errorf("%w: image %s has no layers", errdefs.ErrUnavailable, ref)
	}

	_, blobName, found := strings.Cut(imageManifest.Layers[0].Digest, ":")
	if !found {
		return "", fmt.Errorf("%w: unexpected layer digest %q in %s", errdefs.ErrUnavailable, imageManifest.Layers[0].Digest, ref)
	}
	path := filepath.Join(localDir, blobName)
	d.tarballs[ref] = path
	return path, nil
}

func (d *Downloader) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.skopeo, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: skopeo %s: %v: %s", errdefs.ErrUnavailable, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
