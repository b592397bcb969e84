package npm

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/containerd/errdefs"
)

// checkIntegrity verifies a tarball against a subresource-integrity string of
// the form "<algorithm>-<base64 digest>". Supported algorithms are sha256,
// sha384, and sha512.
func checkIntegrity(path, integrity string) error {
	algorithm, encoded, found := strings.Cut(integrity, "-")
	if !found {
		return fmt.Errorf("%w: integrity %q must have the form <algorithm>-<hash>", errdefs.ErrFailedPrecondition, integrity)
	}

	var h hash.Hash
	switch algorithm {
	case "sha256":
		h = sha256.New()
	case "sha384":
		h = sha512.New384()
	case "sha512":
		h = sha512.New()
	default:
		return fmt.Errorf("%w: unsupported integrity algorithm %q (use sha256, sha384, or sha512)", errdefs.ErrFailedPrecondition, algorithm)
	}

	expected, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: integrity hash %q is not valid base64", errdefs.ErrFailedPrecondition, encoded)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	actual := h.Sum(nil)
	if base64.StdEncoding.EncodeToString(actual) != base64.StdEncoding.EncodeToString(expected) {
		return fmt.Errorf("%w: tarball hash %s-%s does not match declared integrity %s",
			errdefs.ErrFailedPrecondition, algorithm, base64.StdEncoding.EncodeToString(actual), integrity)
	}
	return nil
}
