package oci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	tarfs "github.com/nlepage/go-tarfs"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ScratchRef is the reserved base reference for an empty filesystem.
const ScratchRef = "scratch"

// BaseImage is a resolved build base: its configuration plus ordered
// layer descriptors and DiffIDs. open yields each layer's compressed
// content for extraction and for splicing into the output image.
type BaseImage struct {
	Config  ocispec.Image
	Layers  []ocispec.Descriptor
	DiffIDs []digest.Digest

	open func(d digest.Digest) (io.ReadCloser, error)
}

// Scratch returns the empty base image.
func Scratch() *BaseImage {
	return &BaseImage{}
}

// IsScratch reports whether the base has no content at all.
func (b *BaseImage) IsScratch() bool {
	return len(b.Layers) == 0 && b.open == nil
}

// OpenLayer opens the compressed content of one of the base's layers.
func (b *BaseImage) OpenLayer(d digest.Digest) (io.ReadCloser, error) {
	if b.open == nil {
		return nil, fmt.Errorf("base image has no layer blobs")
	}
	return b.open(d)
}

// CopyBlobs stores every base layer blob into store so the assembled
// image's manifest references are resolvable from the output layout.
func (b *BaseImage) CopyBlobs(ctx context.Context, store BlobStore) error {
	for _, layer := range b.Layers {
		ok, err := store.Exists(ctx, layer.Digest)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		src, err := b.OpenLayer(layer.Digest)
		if err != nil {
			return fmt.Errorf("failed to open base layer %s: %w", layer.Digest, err)
		}
		err = store.Put(ctx, layer.Digest, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("failed to copy base layer %s: %w", layer.Digest, err)
		}
	}
	return nil
}

// LoadTar resolves a base image from an OCI image layout tar archive,
// such as the output of "docker save" in OCI mode or a previous build.
func LoadTar(tarPath string) (*BaseImage, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open base image tar: %w", err)
	}
	tfs, err := tarfs.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read base image tar: %w", err)
	}
	base, err := loadLayoutFS(tfs)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("invalid base image %s: %w", tarPath, err)
	}
	// The tar stays open for the life of the BaseImage; layer reads go
	// through the tarfs index.
	return base, nil
}

// LoadLayout resolves a base image from an OCI image layout directory.
func LoadLayout(dir string) (*BaseImage, error) {
	base, err := loadLayoutFS(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("invalid base image layout %s: %w", dir, err)
	}
	return base, nil
}

func loadLayoutFS(fsys fs.FS) (*BaseImage, error) {
	index, err := readLayoutJSON[ocispec.Index](fsys, "index.json")
	if err != nil {
		return nil, err
	}

	var manifestDesc *ocispec.Descriptor
	for i, m := range index.Manifests {
		if m.MediaType == ocispec.MediaTypeImageManifest {
			manifestDesc = &index.Manifests[i]
			break
		}
	}
	if manifestDesc == nil {
		return nil, fmt.Errorf("no image manifest in index")
	}

	manifest, err := readLayoutJSON[ocispec.Manifest](fsys, layoutBlobPath(manifestDesc.Digest))
	if err != nil {
		return nil, err
	}
	config, err := readLayoutJSON[ocispec.Image](fsys, layoutBlobPath(manifest.Config.Digest))
	if err != nil {
		return nil, err
	}

	return &BaseImage{
		Config:  config,
		Layers:  manifest.Layers,
		DiffIDs: config.RootFS.DiffIDs,
		open: func(d digest.Digest) (io.ReadCloser, error) {
			return fsys.Open(layoutBlobPath(d))
		},
	}, nil
}

func readLayoutJSON[T any](fsys fs.FS, p string) (out T, err error) {
	f, err := fsys.Open(p)
	if err != nil {
		return out, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return out, fmt.Errorf("failed to read %s: %w", p, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return out, nil
}

func layoutBlobPath(d digest.Digest) string {
	return path.Join("blobs", d.Algorithm().String(), d.Encoded())
}
