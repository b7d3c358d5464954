package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Apply extracts a gzipped layer tar into the build root, honoring
// whiteout tombstones. It is used to materialize base images and to
// advance the filesystem on cache hits without re-executing the
// instruction. Entry paths are joined with the root safely so a
// hostile layer cannot escape it. Ownership in headers is recorded
// state, not applied state: no chown is attempted.
func Apply(r io.Reader, root string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open layer gzip: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		hdr, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			return nil
		}
		if nextErr != nil {
			return fmt.Errorf("failed to read layer tar: %w", nextErr)
		}
		if err := applyEntry(tr, hdr, root); err != nil {
			return err
		}
	}
}

func applyEntry(tr *tar.Reader, hdr *tar.Header, root string) error {
	name := path.Clean(filepath.ToSlash(hdr.Name))

	// Opaque whiteout: the directory's prior contents are discarded
	// wholesale. The directory itself stays; the layer's own entries
	// for it follow in the tar.
	if path.Base(name) == WhiteoutOpaque {
		dir, joinErr := securejoin.SecureJoin(root, path.Dir(name))
		if joinErr != nil {
			return fmt.Errorf("failed to resolve opaque whiteout %s: %w", name, joinErr)
		}
		entries, readErr := os.ReadDir(dir)
		if errors.Is(readErr, iofs.ErrNotExist) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to apply opaque whiteout %s: %w", name, readErr)
		}
		for _, entry := range entries {
			if rmErr := os.RemoveAll(filepath.Join(dir, entry.Name())); rmErr != nil {
				return fmt.Errorf("failed to apply opaque whiteout %s: %w", name, rmErr)
			}
		}
		return nil
	}

	// Whiteout tombstone: delete the shadowed path.
	if base := path.Base(name); strings.HasPrefix(base, WhiteoutPrefix) {
		shadowed := path.Join(path.Dir(name), strings.TrimPrefix(base, WhiteoutPrefix))
		target, joinErr := securejoin.SecureJoin(root, shadowed)
		if joinErr != nil {
			return fmt.Errorf("failed to resolve whiteout %s: %w", shadowed, joinErr)
		}
		if rmErr := os.RemoveAll(target); rmErr != nil {
			return fmt.Errorf("failed to apply whiteout %s: %w", shadowed, rmErr)
		}
		return nil
	}

	target, err := securejoin.SecureJoin(root, name)
	if err != nil {
		return fmt.Errorf("failed to resolve layer path %s: %w", name, err)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if mkErr := os.MkdirAll(target, iofs.FileMode(hdr.Mode).Perm()|0o700); mkErr != nil {
			return fmt.Errorf("failed to create dir %s: %w", name, mkErr)
		}
	case tar.TypeSymlink:
		if mkErr := os.MkdirAll(filepath.Dir(target), 0o755); mkErr != nil {
			return fmt.Errorf("failed to create parent of %s: %w", name, mkErr)
		}
		if rmErr := os.RemoveAll(target); rmErr != nil {
			return fmt.Errorf("failed to replace %s: %w", name, rmErr)
		}
		if lnErr := os.Symlink(hdr.Linkname, target); lnErr != nil {
			return fmt.Errorf("failed to create symlink %s: %w", name, lnErr)
		}
	case tar.TypeReg:
		if mkErr := os.MkdirAll(filepath.Dir(target), 0o755); mkErr != nil {
			return fmt.Errorf("failed to create parent of %s: %w", name, mkErr)
		}
		f, openErr := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, iofs.FileMode(hdr.Mode).Perm()|0o600)
		if openErr != nil {
			return fmt.Errorf("failed to create %s: %w", name, openErr)
		}
		if _, copyErr := io.Copy(f, tr); copyErr != nil {
			f.Close()
			return fmt.Errorf("failed to extract %s: %w", name, copyErr)
		}
		if closeErr := f.Close(); closeErr != nil {
			return fmt.Errorf("failed to close %s: %w", name, closeErr)
		}
	case tar.TypeLink:
		source, joinErr := securejoin.SecureJoin(root, hdr.Linkname)
		if joinErr != nil {
			return fmt.Errorf("failed to resolve hardlink source %s: %w", hdr.Linkname, joinErr)
		}
		if rmErr := os.RemoveAll(target); rmErr != nil {
			return fmt.Errorf("failed to replace %s: %w", name, rmErr)
		}
		if lnErr := os.Link(source, target); lnErr != nil {
			return fmt.Errorf("failed to create hardlink %s: %w", name, lnErr)
		}
	default:
		// Devices and FIFOs cannot be created without privileges.
	}
	return nil
}
