package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// WhiteoutPrefix marks a deletion tombstone inside a layer tar. A
// whiteout entry named "dir/.wh.name" records that "dir/name" was
// deleted relative to the parent state.
const WhiteoutPrefix = ".wh."

// WhiteoutOpaque marks its directory as opaque: everything the parent
// state held under it is discarded before the layer's own entries
// apply. Base images produced by overlay snapshotters carry these.
const WhiteoutOpaque = WhiteoutPrefix + WhiteoutPrefix + "opq"

// Layer is an immutable content-addressed diff produced by one build
// instruction.
type Layer struct {
	// Descriptor addresses the compressed layer blob.
	Descriptor ocispec.Descriptor

	// DiffID is the digest of the uncompressed tar, recorded in the
	// image config rootfs.
	DiffID digest.Digest

	// Empty is true for instructions with no filesystem effect. Empty
	// layers appear in build metadata but contribute nothing to the
	// manifest.
	Empty bool
}

// WriteLayer serializes a diff as a deterministic gzipped tar stream:
// entries in sorted path order, timestamps zeroed, ownership already
// remapped in the manifest records. Both the compressed digest (for the
// descriptor) and the uncompressed digest (for the config DiffID) are
// computed in one pass.
func WriteLayer(root string, diff *Diff, manifest Manifest, w io.Writer) (*Layer, error) {
	if diff.Empty() {
		return &Layer{Empty: true}, nil
	}

	compressed := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(compressed, w)}
	gzw := gzip.NewWriter(counter)
	uncompressed := sha256.New()
	tw := tar.NewWriter(io.MultiWriter(uncompressed, gzw))

	for _, p := range diff.Deleted {
		name := path.Join(path.Dir(p), WhiteoutPrefix+path.Base(p))
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0,
			ModTime:  time.Unix(0, 0),
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write whiteout for %s: %w", p, err)
		}
	}

	for _, p := range diff.Changed {
		rec, ok := manifest[p]
		if !ok {
			return nil, fmt.Errorf("changed path %s missing from manifest", p)
		}
		if err := writeEntry(tw, root, p, rec); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close layer tar: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close layer gzip: %w", err)
	}

	return &Layer{
		Descriptor: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.NewDigest(digest.SHA256, compressed),
			Size:      counter.n,
		},
		DiffID: digest.NewDigest(digest.SHA256, uncompressed),
	}, nil
}

// writeEntry writes one changed path into the layer tar.
func writeEntry(tw *tar.Writer, root, p string, rec Record) error {
	hdr := &tar.Header{
		Name:    p,
		Mode:    int64(rec.Mode.Perm()),
		Uid:     rec.UID,
		Gid:     rec.GID,
		ModTime: time.Unix(0, 0),
		Format:  tar.FormatPAX,
	}

	switch {
	case rec.Mode.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name = p + "/"
	case rec.Mode&iofs.ModeSymlink != 0:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = rec.LinkTarget
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = rec.Size
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", p, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	f, err := os.Open(filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return fmt.Errorf("failed to open %s for layer: %w", p, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to copy %s into layer: %w", p, err)
	}
	return nil
}

// countingWriter tracks the compressed byte count for the descriptor.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil {
		return n, fmt.Errorf("layer write: %w", err)
	}
	return n, nil
}
