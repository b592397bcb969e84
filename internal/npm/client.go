// Package npm downloads plugin tarballs from an npm registry into a local
// cache and extracts them into staging directories.
package npm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/containerd/errdefs"

	"github.com/portalforge/plugctl/internal/archive"
	"github.com/portalforge/plugctl/internal/log"
	"github.com/portalforge/plugctl/internal/name"
)

// DefaultRegistry is the public npm registry.
const DefaultRegistry = "https://registry.npmjs.org"

// Options configures a Client.
type Options struct {
	// Registry is the registry base URL (default DefaultRegistry, override
	// NPM_REGISTRY).
	Registry string
	// Token, when set, is sent as a bearer token (NPM_TOKEN).
	Token string
	// CacheDir holds downloaded tarballs keyed by (package, version).
	CacheDir string
	// MaxEntrySize caps archive entries during extraction.
	MaxEntrySize int64
	// SkipIntegrityCheck disables tarball integrity verification.
	SkipIntegrityCheck bool
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client talks to one npm registry.
type Client struct {
	registry      string
	token         string
	cacheDir      string
	maxEntrySize  int64
	skipIntegrity bool
	http          *http.Client
}

// NewClient creates a registry client.
func NewClient(opts Options) *Client {
	registry := opts.Registry
	if registry == "" {
		registry = DefaultRegistry
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		registry:      registry,
		token:         opts.Token,
		cacheDir:      opts.CacheDir,
		maxEntrySize:  opts.MaxEntrySize,
		skipIntegrity: opts.SkipIntegrityCheck,
		http:          httpClient,
	}
}

// Fetch materializes pkg@version into stageDir: resolve the version against
// the registry, download the tarball into the cache (skipped when the exact
// (package, version) artifact is already cached), verify its integrity, and
// extract it. integrity, when non-empty, overrides the registry-advertised
// hash.
func (c *Client) Fetch(ctx context.Context, pkg, version, integrity, stageDir string) error {
	resolved, dist, err := c.resolveVersion(ctx, pkg, version)
	if err != nil {
		return err
	}

	tarball, cached, err := c.ensureTarball(ctx, pkg, resolved, dist.Tarball)
	if err != nil {
		return err
	}
	if cached {
		log.Debug("tarball cache hit", "package", pkg, "version", resolved)
	}

	if c.skipIntegrity {
		log.Warn("skipping integrity check", "package", pkg)
	} else {
		expected := integrity
		if expected == "" {
			expected = dist.Integrity
		}
		if expected == "" {
			return fmt.Errorf("%w: no integrity hash provided for package %s", errdefs.ErrFailedPrecondition, pkg)
		}
		if err := checkIntegrity(tarball, expected); err != nil {
			return fmt.Errorf("package %s: %w", pkg, err)
		}
	}

	f, err := os.Open(tarball)
	if err != nil {
		return err
	}
	defer f.Close()

	// npm tarballs root all content under "package/".
	if err := archive.Extract(f, stageDir, archive.ExtractOptions{
		Prefix:             "package/",
		MissingPrefixFatal: true,
		MaxEntrySize:       c.maxEntrySize,
	}); err != nil {
		return fmt.Errorf("package %s: %w", pkg, err)
	}
	return nil
}

type distInfo struct {
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity"`
}

type packument struct {
	DistTags map[string]string `json:"dist-tags"`
	Versions map[string]struct {
		Dist distInfo `json:"dist"`
	} `json:"versions"`
}

// resolveVersion resolves the requested version (exact version, dist-tag, or
// semver range; "latest" when empty) to a concrete published version.
func (c *Client) resolveVersion(ctx context.Context, pkg, requested string) (string, distInfo, error) {
	doc, err := c.packument(ctx, pkg)
	if err != nil {
		return "", distInfo{}, err
	}

	if requested == "" {
		requested = "latest"
	}
	if tagged, ok := doc.DistTags[requested]; ok {
		requested = tagged
	}
	if info, ok := doc.Versions[requested]; ok {
		return requested, info.Dist, nil
	}

	constraint, err := semver.NewConstraint(requested)
	if err != nil {
		return "", distInfo{}, fmt.Errorf("%w: package %s: invalid version %q: %v", errdefs.ErrInvalidArgument, pkg, requested, err)
	}

	var candidates []*semver.Version
	for v := range doc.Versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if constraint.Check(sv) {
			candidates = append(candidates, sv)
		}
	}
	if len(candidates) == 0 {
		return "", distInfo{}, fmt.Errorf("%w: package %s has no published version satisfying %q", errdefs.ErrUnavailable, pkg, requested)
	}
	sort.Sort(semver.Collection(candidates))
	best := candidates[len(candidates)-1].Original()
	return best, doc.Versions[best].Dist, nil
}

func (c *Client) packument(ctx context.Context, pkg string) (*packument, error) {
	resp, err := c.get(ctx, c.registry+"/"+url.PathEscape(pkg))
	if err != nil {
		return nil, fmt.Errorf("%w: fetching metadata for package %s: %v", errdefs.ErrUnavailable, pkg, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: package %s not found in registry %s", errdefs.ErrUnavailable, pkg, c.registry)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: registry returned %s for package %s", errdefs.ErrUnavailable, resp.Status, pkg)
	}

	var doc packument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata for package %s: %v", errdefs.ErrUnavailable, pkg, err)
	}
	return &doc, nil
}

// ensureTarball returns the cached tarball path for (pkg, version),
// downloading it first when absent. The cache is content-addressed by name
// and version, not by hash: a version bump is what invalidates it.
func (c *Client) ensureTarball(ctx context.Context, pkg, version, tarballURL string) (path string, cached bool, err error) {
	dir, err := name.ForNPM(pkg)
	if err != nil {
		return "", false, err
	}
	cachePath := filepath.Join(c.cacheDir, "npm", fmt.Sprintf("%s-%s.tgz", dir, version))

	if _, err := os.Stat(cachePath); err == nil {
		return cachePath, true, nil
	}
	if tarballURL == "" {
		return "", false, fmt.Errorf("%w: registry advertises no tarball for %s@%s", errdefs.ErrUnavailable, pkg, version)
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return "", false, err
	}

	log.Debug("downloading tarball", "package", pkg, "version", version, "url", tarballURL)
	resp, err := c.get(ctx, tarballURL)
	if err != nil {
		return "", false, fmt.Errorf("%w: downloading %s@%s: %v", errdefs.ErrUnavailable, pkg, version, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: downloading %s@%s: registry returned %s", errdefs.ErrUnavailable, pkg, version, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(cachePath), ".download-*")
	if err != nil {
		return "", false, err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", false, fmt.Errorf("%w: downloading %s@%s: %v", errdefs.ErrUnavailable, pkg, version, err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, err
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return "", false, err
	}
	return cachePath, false, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}
