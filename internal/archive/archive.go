// Package archive extracts plugin tarballs (gzipped tar) with the guards the
// installer relies on: entry size caps, path traversal rejection, and link
// containment.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/gzip"

	"github.com/portalforge/plugctl/internal/log"
)

// DefaultMaxEntrySize caps individual archive entries at 20MB unless
// overridden (MAX_ENTRY_SIZE). Oversized entries are treated as zip bombs.
const DefaultMaxEntrySize int64 = 20 * 1000 * 1000

// ExtractOptions configures extraction.
type ExtractOptions struct {
	// Prefix is stripped from entry names before writing. Entries outside
	// the prefix are skipped, unless MissingPrefixFatal is set (npm archives
	// must root everything under "package/").
	Prefix string
	// MissingPrefixFatal turns an out-of-prefix regular file into an error.
	MissingPrefixFatal bool
	// MaxEntrySize caps individual entry sizes; 0 means DefaultMaxEntrySize.
	MaxEntrySize int64
	// LenientLinks downgrades links pointing outside the archive from an
	// error to a logged skip (container layers routinely carry them).
	LenientLinks bool
}

// Extract unpacks the gzipped tar stream r into dest. Any failure satisfies
// errdefs.IsDataLoss so callers can classify it as a corrupt archive.
func Extract(r io.Reader, dest string, opts ExtractOptions) error {
	maxSize := opts.MaxEntrySize
	if maxSize <= 0 {
		maxSize = DefaultMaxEntrySize
	}

	destReal, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: opening archive: %v", errdefs.ErrDataLoss, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading archive: %v", errdefs.ErrDataLoss, err)
		}

		entryName, ok := stripPrefix(hdr.Name, opts.Prefix)
		if !ok {
			if opts.MissingPrefixFatal && hdr.Typeflag == tar.TypeReg {
				return fmt.Errorf("%w: archive entry %q is outside the expected %q prefix", errdefs.ErrDataLoss, hdr.Name, opts.Prefix)
			}
			continue
		}
		if entryName == "" {
			continue
		}
		if !filepath.IsLocal(entryName) {
			return fmt.Errorf("%w: archive entry %q escapes the destination", errdefs.ErrDataLoss, hdr.Name)
		}
		if hdr.Size > maxSize {
			return fmt.Errorf("%w: archive entry %q exceeds the size limit (%d > %d bytes)", errdefs.ErrDataLoss, hdr.Name, hdr.Size, maxSize)
		}

		target := filepath.Join(destReal, filepath.FromSlash(entryName))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}

		case tar.TypeSymlink, tar.TypeLink:
			contained, linkTarget := containLink(destReal, entryName, hdr.Linkname, opts.Prefix, hdr.Typeflag == tar.TypeLink)
			if !contained {
				if opts.LenientLinks {
					log.Warn("skipping archive link pointing outside the archive",
						"entry", hdr.Name, "target", hdr.Linkname)
					continue
				}
				return fmt.Errorf("%w: archive link %q points outside the archive: %s", errdefs.ErrDataLoss, hdr.Name, hdr.Linkname)
			}
			if err := writeLink(target, linkTarget, hdr.Typeflag == tar.TypeLink); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: archive entry %q has unsupported type %q", errdefs.ErrDataLoss, hdr.Name, hdr.Typeflag)
		}
	}
}

func stripPrefix(entry, prefix string) (string, bool) {
	entry = strings.TrimPrefix(entry, "./")
	if prefix == "" {
		return entry, true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if entry == prefix {
		return "", true
	}
	rest, ok := strings.CutPrefix(entry, prefix+"/")
	if !ok {
		return "", false
	}
	return rest, true
}

// containLink decides whether a link entry stays inside the extraction root.
// Symlink targets are relative to the entry's directory; hardlink targets are
// archive paths and go through the same prefix stripping as entries.
func containLink(destReal, entryName, linkname, prefix string, hardlink bool) (bool, string) {
	if hardlink {
		stripped, ok := stripPrefix(linkname, prefix)
		if !ok || stripped == "" || !filepath.IsLocal(stripped) {
			return false, ""
		}
		return true, filepath.Join(destReal, filepath.FromSlash(stripped))
	}

	if filepath.IsAbs(linkname) {
		return false, ""
	}
	resolved := filepath.Join(filepath.Dir(entryName), filepath.FromSlash(linkname))
	if !filepath.IsLocal(resolved) {
		return false, ""
	}
	return true, linkname
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0400)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

func writeLink(target, linkTarget string, hardlink bool) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	// Replace any entry written earlier in the stream.
	os.Remove(target)
	if hardlink {
		// Fails when the archive orders the link before its target.
		if err := os.Link(linkTarget, target); err != nil {
			return fmt.Errorf("%w: creating hardlink %q: %v", errdefs.ErrDataLoss, target, err)
		}
		return nil
	}
	if err := os.Symlink(linkTarget, target); err != nil {
		return fmt.Errorf("%w: creating symlink %q: %v", errdefs.ErrDataLoss, target, err)
	}
	return nil
}
