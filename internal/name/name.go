// Package name derives runtime-root directory names from plugin package
// identifiers.
//
// Normalization is deterministic, so repeated runs resolve a package to the
// same directory and overwrite rather than duplicate. It is not injective by
// construction ("-" is legal inside npm names), so the resolver rejects plans
// where two packages normalize to the same directory.
package name

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/containerd/errdefs"
)

// Directory names must be a single safe path element: no separators, no "@",
// no leading dot or dash.
var validDir = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ForNPM returns the directory name for an npm package: the scope "@" is
// stripped and the scope separator becomes "-", so "@scope/plugin" maps to
// "scope-plugin".
func ForNPM(pkg string) (string, error) {
	raw := strings.TrimPrefix(pkg, "@")
	if err := checkSegments(pkg, raw); err != nil {
		return "", err
	}
	return validate(pkg, strings.ReplaceAll(raw, "/", "-"))
}

// ForLocal returns the directory name for a "./" package: the base name of
// the referenced directory.
func ForLocal(pkg string) (string, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(pkg, "./"), "/")
	if err := checkSegments(pkg, trimmed); err != nil {
		return "", err
	}
	return validate(pkg, path.Base(trimmed))
}

// ForOCI returns the directory name for the path component of an
// "oci://image!path" reference. Nested paths inside the image are flattened
// the same way npm scopes are.
func ForOCI(innerPath string) (string, error) {
	trimmed := strings.Trim(innerPath, "/")
	if err := checkSegments(innerPath, trimmed); err != nil {
		return "", err
	}
	return validate(innerPath, strings.ReplaceAll(trimmed, "/", "-"))
}

// checkSegments rejects identifiers whose path segments are empty or start
// with a dot, before flattening hides them: "a/.hidden" and "a/../b" must
// never reach the filesystem, even though the flattened forms "a-.hidden"
// and "a-..-b" would pass the directory-name check.
func checkSegments(pkg, raw string) error {
	for _, segment := range strings.Split(raw, "/") {
		if segment == "" || strings.HasPrefix(segment, ".") {
			return fmt.Errorf("%w: package %q contains invalid path segment %q", errdefs.ErrInvalidArgument, pkg, segment)
		}
	}
	return nil
}

func validate(pkg, dir string) (string, error) {
	if !validDir.MatchString(dir) {
		return "", fmt.Errorf("%w: package %q yields invalid directory name %q", errdefs.ErrInvalidArgument, pkg, dir)
	}
	return dir, nil
}
