package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/input-output-hk/catalyst-forge-build/oci"
	"github.com/input-output-hk/catalyst-forge-build/snapshot"
)

// InconsistencyError reports that a cached layer's stored content no
// longer matches the digest recorded for it. The entry is evicted
// before the error is returned; the caller re-executes the step.
type InconsistencyError struct {
	Fingerprint digest.Digest
	Expected    digest.Digest
	Actual      digest.Digest
}

// Error implements the error interface.
func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("cache entry %s is inconsistent: layer digest %s, stored content %s",
		e.Fingerprint, e.Expected, e.Actual)
}

// Cache persists fingerprint-to-layer mappings. Layer blobs live in a
// content-addressed BlobStore; the mapping itself is a small JSON
// entry per fingerprint. Safe for concurrent use across parallel
// stage builds.
type Cache struct {
	root  string
	blobs oci.BlobStore
	group singleflight.Group
}

// entry is the persisted form of one cache mapping.
type entry struct {
	Fingerprint string         `json:"fingerprint"`
	Layer       snapshot.Layer `json:"layer"`
}

// Open creates or opens a cache rooted at dir, storing layer blobs in
// blobs.
func Open(dir string, blobs oci.BlobStore) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "entries"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{root: dir, blobs: blobs}, nil
}

// Lookup returns the layer cached under fp, or ok=false on a miss.
// Non-empty layers are verified against their recorded digest before
// being trusted; a mismatch evicts the entry and returns an
// InconsistencyError.
func (c *Cache) Lookup(ctx context.Context, fp digest.Digest) (*snapshot.Layer, bool, error) {
	data, err := os.ReadFile(c.entryPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupt entry; drop it and treat as a miss.
		c.evict(fp)
		return nil, false, nil
	}

	if e.Layer.Empty {
		return &e.Layer, true, nil
	}

	actual, err := c.redigest(ctx, e.Layer.Descriptor.Digest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.evict(fp)
			return nil, false, nil
		}
		return nil, false, err
	}
	if actual != e.Layer.Descriptor.Digest {
		c.evict(fp)
		return nil, false, &InconsistencyError{
			Fingerprint: fp,
			Expected:    e.Layer.Descriptor.Digest,
			Actual:      actual,
		}
	}

	return &e.Layer, true, nil
}

// Store records layer under fp. content supplies the layer blob and
// must be nil exactly when the layer is empty. The blob is committed
// before the entry file, so a crash between the two leaves a harmless
// orphan blob rather than a dangling entry.
func (c *Cache) Store(ctx context.Context, fp digest.Digest, layer *snapshot.Layer, content io.Reader) error {
	if !layer.Empty {
		if content == nil {
			return fmt.Errorf("non-empty layer %s stored without content", layer.Descriptor.Digest)
		}
		if err := c.blobs.Put(ctx, layer.Descriptor.Digest, content); err != nil {
			return fmt.Errorf("failed to store layer blob: %w", err)
		}
	}

	data, err := json.Marshal(entry{Fingerprint: fp.String(), Layer: *layer})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(c.root, "entries"), ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to create cache entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.entryPath(fp)); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// Open returns the blob content for a cached non-empty layer.
func (c *Cache) OpenLayer(ctx context.Context, layer *snapshot.Layer) (io.ReadCloser, error) {
	return c.blobs.Get(ctx, layer.Descriptor.Digest)
}

// Once deduplicates concurrent misses for the same fingerprint:
// exactly one caller runs fn, and every other caller for that
// fingerprint blocks and receives the same layer. fn must store the
// layer in the cache before returning.
func (c *Cache) Once(fp digest.Digest, fn func() (*snapshot.Layer, error)) (*snapshot.Layer, bool, error) {
	v, err, shared := c.group.Do(fp.String(), func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*snapshot.Layer), shared, nil
}

func (c *Cache) redigest(ctx context.Context, d digest.Digest) (digest.Digest, error) {
	rc, err := c.blobs.Get(ctx, d)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return "", fmt.Errorf("failed to hash cached layer: %w", err)
	}
	return digest.NewDigest(digest.SHA256, hasher), nil
}

func (c *Cache) evict(fp digest.Digest) {
	os.Remove(c.entryPath(fp))
}

func (c *Cache) entryPath(fp digest.Digest) string {
	return filepath.Join(c.root, "entries", fp.Encoded()+".json")
}
