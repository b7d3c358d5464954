package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// AssemblyError reports that a build produced nothing to package: no
// layers and no base image content.
type AssemblyError struct {
	Reason string
}

// Error implements the error interface.
func (e *AssemblyError) Error() string {
	return fmt.Sprintf("cannot assemble image: %s", e.Reason)
}

// Image is the input to Assemble: the ordered layer descriptors, their
// matching uncompressed DiffIDs, and the accumulated configuration.
// Layers and DiffIDs are parallel slices in manifest order, base image
// layers first.
type Image struct {
	Layers  []ocispec.Descriptor
	DiffIDs []digest.Digest
	Config  ocispec.Image
}

// Result describes an assembled image.
type Result struct {
	// Manifest is the descriptor of the stored image manifest. Its
	// digest is the image's identity.
	Manifest ocispec.Descriptor

	// ConfigDigest is the digest of the stored image configuration.
	ConfigDigest digest.Digest
}

// Assemble writes the image configuration and manifest for img into
// store and returns the manifest descriptor. Serialization is
// canonical, so identical layer sequences and configurations always
// produce identical manifest digests.
func Assemble(ctx context.Context, store *LayoutStore, img Image) (*Result, error) {
	if len(img.Layers) == 0 {
		return nil, &AssemblyError{Reason: "no layers and no base image"}
	}
	if len(img.Layers) != len(img.DiffIDs) {
		return nil, fmt.Errorf("layer descriptor count %d does not match diff ID count %d",
			len(img.Layers), len(img.DiffIDs))
	}

	config := img.Config
	config.RootFS = ocispec.RootFS{
		Type:    "layers",
		DiffIDs: img.DiffIDs,
	}

	configJSON, err := canonicalJSON(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image config: %w", err)
	}
	configDigest, err := store.PutBytes(ctx, configJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to store image config: %w", err)
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configJSON)),
		},
		Layers: img.Layers,
	}

	manifestJSON, err := canonicalJSON(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	manifestDigest, err := store.PutBytes(ctx, manifestJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to store manifest: %w", err)
	}

	return &Result{
		Manifest: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    manifestDigest,
			Size:      int64(len(manifestJSON)),
		},
		ConfigDigest: configDigest,
	}, nil
}

// canonicalJSON marshals v deterministically. Go only sorts keys for
// map types, so the value is round-tripped through untyped maps before
// the final marshal.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, err
	}
	return json.Marshal(plain)
}

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}
