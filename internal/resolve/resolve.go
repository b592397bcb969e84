// Package resolve turns manifest entries into an immutable fetch plan: source
// kind, fetch location, destination directory, and the change-detection hash
// used by the installer to skip up-to-date plugins.
package resolve

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"

	"github.com/portalforge/plugctl/internal/manifest"
	"github.com/portalforge/plugctl/internal/name"
)

// Kind classifies where a plugin's files come from.
type Kind string

const (
	// KindLocal copies from a pre-built store on disk.
	KindLocal Kind = "local"
	// KindNPM downloads a tarball from an npm registry.
	KindNPM Kind = "npm"
	// KindOCI extracts a directory from a container image layer.
	KindOCI Kind = "oci"
)

// Plan is the resolved fetch plan for one enabled plugin.
type Plan struct {
	// Package is the manifest identifier, unchanged.
	Package string `json:"package"`
	// Kind is the source classification.
	Kind Kind `json:"kind"`
	// Version is the requested npm version or range ("latest" by default).
	Version string `json:"version,omitempty"`
	// Integrity is the expected tarball integrity, when declared.
	Integrity string `json:"integrity,omitempty"`
	// PullPolicy is the effective policy after kind-specific defaulting.
	PullPolicy manifest.PullPolicy `json:"pullPolicy"`
	// ForceDownload re-fetches regardless of installed state.
	ForceDownload bool `json:"forceDownload,omitempty"`
	// FetchRef is the source location: npm package name, absolute local
	// path, or a skopeo "docker://" image reference.
	FetchRef string `json:"fetchRef"`
	// InnerPath is the directory inside the OCI image layer to extract.
	InnerPath string `json:"innerPath,omitempty"`
	// Dest is the directory name inside the runtime root.
	Dest string `json:"dest"`
	// Hash identifies this plugin's declaration for change detection; it is
	// written to the installed directory and compared on later runs.
	Hash string `json:"-"`
	// Config is the fragment merged into the global app config.
	Config map[string]any `json:"-"`
}

// Options configures plan building.
type Options struct {
	// LocalStoreDir is the base directory that "./" packages resolve
	// against. Defaults to the current working directory, matching how the
	// manifest is authored alongside the pre-built store.
	LocalStoreDir string
}

// Build resolves every enabled manifest entry. Destination names must be
// unique across the plan; a collision aborts with an error satisfying
// errdefs.IsConflict before anything is fetched.
func Build(m *manifest.Manifest, opts Options) ([]Plan, error) {
	localStore := opts.LocalStoreDir
	if localStore == "" {
		localStore = "."
	}

	plans := make([]Plan, 0, len(m.Entries))
	claimed := make(map[string]string) // dest dir -> package
	for _, entry := range m.Enabled() {
		plan, err := planFor(entry, localStore)
		if err != nil {
			return nil, err
		}
		if other, ok := claimed[plan.Dest]; ok {
			return nil, fmt.Errorf("%w: packages %s and %s both resolve to directory %q",
				errdefs.ErrConflict, other, plan.Package, plan.Dest)
		}
		claimed[plan.Dest] = plan.Package
		plans = append(plans, plan)
	}
	return plans, nil
}

func planFor(entry manifest.Entry, localStore string) (Plan, error) {
	plan := Plan{
		Package:       entry.Package,
		Version:       entry.Version,
		Integrity:     entry.Integrity,
		PullPolicy:    entry.PullPolicy,
		ForceDownload: entry.ForceDownload,
		Config:        entry.PluginConfig,
	}

	var err error
	switch {
	case strings.HasPrefix(entry.Package, "./"):
		plan.Kind = KindLocal
		plan.FetchRef, err = filepath.Abs(filepath.Join(localStore, entry.Package[2:]))
		if err != nil {
			return Plan{}, fmt.Errorf("resolving local package %s: %w", entry.Package, err)
		}
		if plan.Dest, err = name.ForLocal(entry.Package); err != nil {
			return Plan{}, err
		}

	case strings.HasPrefix(entry.Package, "oci://"):
		plan.Kind = KindOCI
		if err := resolveOCI(&plan, entry); err != nil {
			return Plan{}, err
		}

	default:
		plan.Kind = KindNPM
		plan.FetchRef = entry.Package
		if plan.Dest, err = name.ForNPM(entry.Package); err != nil {
			return Plan{}, err
		}
	}

	if plan.PullPolicy == "" {
		plan.PullPolicy = manifest.PullIfNotPresent
	}

	if plan.Hash, err = configHash(plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func resolveOCI(plan *Plan, entry manifest.Entry) error {
	ref := strings.TrimPrefix(entry.Package, "oci://")
	image, inner, found := strings.Cut(ref, "!")
	if !found || inner == "" {
		return fmt.Errorf("%w: OCI package %s must have the form oci://image!path", errdefs.ErrInvalidArgument, entry.Package)
	}

	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return fmt.Errorf("%w: OCI package %s: invalid image reference: %v", errdefs.ErrInvalidArgument, entry.Package, err)
	}
	plan.FetchRef = "docker://" + named.String()
	plan.InnerPath = strings.Trim(inner, "/")

	if plan.Dest, err = name.ForOCI(inner); err != nil {
		return err
	}

	// Floating "latest" images default to checking the remote digest each run.
	if plan.PullPolicy == "" {
		if tagged, ok := named.(reference.Tagged); ok && tagged.Tag() == "latest" {
			plan.PullPolicy = manifest.PullAlways
		}
	}
	return nil
}

// hashInput is the canonical form hashed for change detection. The config
// fragment is deliberately excluded: config changes alone never force a
// re-download, only a re-merge.
type hashInput struct {
	Package       string         `json:"package"`
	Kind          Kind           `json:"kind"`
	Version       string         `json:"version"`
	Integrity     string         `json:"integrity"`
	PullPolicy    string         `json:"pullPolicy"`
	ForceDownload bool           `json:"forceDownload"`
	LocalInfo     map[string]any `json:"localInfo,omitempty"`
}

func configHash(plan Plan) (string, error) {
	input := hashInput{
		Package:       plan.Package,
		Kind:          plan.Kind,
		Version:       plan.Version,
		Integrity:     plan.Integrity,
		PullPolicy:    string(plan.PullPolicy),
		ForceDownload: plan.ForceDownload,
	}
	if plan.Kind == KindLocal {
		input.LocalInfo = localPackageInfo(plan.FetchRef)
	}

	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("hashing plan for %s: %w", plan.Package, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// localPackageInfo folds the local package's package.json content and
// modification times (plus lock-file mtimes) into the hash, so edits to a
// pre-built plugin re-materialize it on the next run. Read failures are
// recorded in the hash rather than returned: an unreadable package should
// look "changed", not break resolution.
func localPackageInfo(dir string) map[string]any {
	info := make(map[string]any)

	packageJSON := filepath.Join(dir, "package.json")
	data, err := os.ReadFile(packageJSON)
	if err != nil {
		if st, statErr := os.Stat(dir); statErr == nil {
			info["directoryMtime"] = st.ModTime().UnixNano()
		} else {
			info["error"] = statErr.Error()
		}
		return info
	}
	info["packageJSON"] = string(data)
	if st, err := os.Stat(packageJSON); err == nil {
		info["packageJSONMtime"] = st.ModTime().UnixNano()
	}

	for _, lock := range []string{"package-lock.json", "yarn.lock"} {
		if st, err := os.Stat(filepath.Join(dir, lock)); err == nil {
			info[lock+"Mtime"] = st.ModTime().UnixNano()
		}
	}
	return info
}
