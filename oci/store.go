// Package oci stores build outputs as content-addressed OCI blobs and
// assembles them into image manifests. A LayoutStore materializes an
// OCI image layout directory that standard tooling (and the registry
// push path) can consume directly.
package oci

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// BlobStore is the minimal content-addressed storage contract. Writes
// are verified against the expected digest; a mismatch fails the Put
// and leaves no blob behind.
type BlobStore interface {
	// Put stores the blob read from r under expected. It fails if the
	// content's digest does not equal expected.
	Put(ctx context.Context, expected digest.Digest, r io.Reader) error

	// Get opens the blob stored under d for reading.
	Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error)

	// Exists reports whether a blob is stored under d.
	Exists(ctx context.Context, d digest.Digest) (bool, error)
}

// LayoutStore is a BlobStore backed by an OCI image layout directory:
// blobs under blobs/<algorithm>/<hex>, plus oci-layout and index.json
// files. It is safe for concurrent use.
type LayoutStore struct {
	root string

	mu    sync.Mutex
	index ocispec.Index
}

// NewLayoutStore opens or creates an OCI layout directory at root.
// An existing index.json is loaded so manifests tagged by earlier
// invocations remain resolvable.
func NewLayoutStore(root string) (*LayoutStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create layout directory: %w", err)
	}

	layout, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal layout marker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, ocispec.ImageLayoutFile), layout, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write layout marker: %w", err)
	}

	s := &LayoutStore{
		root:  root,
		index: ocispec.Index{Versioned: specs.Versioned{SchemaVersion: 2}},
	}

	data, err := os.ReadFile(filepath.Join(root, "index.json"))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.index); err != nil {
			return nil, fmt.Errorf("failed to parse existing index.json: %w", err)
		}
	case os.IsNotExist(err):
		if err := s.writeIndex(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to read index.json: %w", err)
	}

	return s, nil
}

// Root returns the layout directory path.
func (s *LayoutStore) Root() string {
	return s.root
}

// Put stores a blob, verifying its content against expected. The blob
// is staged in a temporary file and renamed into place only after
// verification, so a failed or cancelled Put leaves no partial blob.
func (s *LayoutStore) Put(ctx context.Context, expected digest.Digest, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", expected, err)
	}

	final := s.blobPath(expected)
	if _, err := os.Stat(final); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, ".blob-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(hasher, tmp), r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}

	actual := digest.NewDigest(digest.SHA256, hasher)
	if actual != expected {
		return fmt.Errorf("blob digest mismatch: expected %s, got %s", expected, actual)
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

// PutBytes stores an in-memory blob and returns its digest.
func (s *LayoutStore) PutBytes(ctx context.Context, data []byte) (digest.Digest, error) {
	d := digest.FromBytes(data)
	if err := s.Put(ctx, d, bytesReader(data)); err != nil {
		return "", err
	}
	return d, nil
}

// Get opens the blob stored under d.
func (s *LayoutStore) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", d, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", d, err)
	}
	return f, nil
}

// Exists reports whether a blob is stored under d.
func (s *LayoutStore) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.blobPath(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob %s: %w", d, err)
}

// Tag records desc in index.json under the given reference name so the
// layout can be resolved by standard OCI tooling.
func (s *LayoutStore) Tag(desc ocispec.Descriptor, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc.Annotations = map[string]string{ocispec.AnnotationRefName: ref}

	kept := s.index.Manifests[:0]
	for _, m := range s.index.Manifests {
		if m.Annotations[ocispec.AnnotationRefName] != ref {
			kept = append(kept, m)
		}
	}
	s.index.Manifests = append(kept, desc)
	return s.writeIndex()
}

// Manifests returns the descriptors currently recorded in index.json.
func (s *LayoutStore) Manifests() []ocispec.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ocispec.Descriptor, len(s.index.Manifests))
	copy(out, s.index.Manifests)
	return out
}

func (s *LayoutStore) writeIndex() error {
	data, err := canonicalJSON(s.index)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.root, "index.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write index.json: %w", err)
	}
	return nil
}

func (s *LayoutStore) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), d.Encoded())
}
