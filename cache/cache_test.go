package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
	"github.com/input-output-hk/catalyst-forge-build/oci"
	"github.com/input-output-hk/catalyst-forge-build/snapshot"
)

func newTestCache(t *testing.T) (*Cache, *oci.LayoutStore) {
	t.Helper()
	store, err := oci.NewLayoutStore(t.TempDir())
	require.NoError(t, err)
	c, err := Open(t.TempDir(), store)
	require.NoError(t, err)
	return c, store
}

func testLayer(content []byte) *snapshot.Layer {
	return &snapshot.Layer{
		Descriptor: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromBytes(content),
			Size:      int64(len(content)),
		},
		DiffID: digest.FromBytes(content),
	}
}

func TestLookupMiss(t *testing.T) {
	c, _ := newTestCache(t)

	_, ok, err := c.Lookup(context.Background(), digest.FromString("never stored"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreAndLookup(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	content := []byte("layer blob")
	layer := testLayer(content)
	fp := digest.FromString("fp-1")

	require.NoError(t, c.Store(ctx, fp, layer, bytes.NewReader(content)))

	got, ok, err := c.Lookup(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, layer.Descriptor.Digest, got.Descriptor.Digest)
	assert.Equal(t, layer.DiffID, got.DiffID)
}

func TestStoreEmptyLayer(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	fp := digest.FromString("fp-empty")
	require.NoError(t, c.Store(ctx, fp, &snapshot.Layer{Empty: true}, nil))

	got, ok, err := c.Lookup(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Empty)
}

func TestLookupDetectsCorruption(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	content := []byte("layer blob")
	layer := testLayer(content)
	fp := digest.FromString("fp-corrupt")
	require.NoError(t, c.Store(ctx, fp, layer, bytes.NewReader(content)))

	// Flip the stored blob behind the cache's back.
	blobPath := filepath.Join(store.Root(), "blobs",
		layer.Descriptor.Digest.Algorithm().String(), layer.Descriptor.Digest.Encoded())
	require.NoError(t, os.WriteFile(blobPath, []byte("tampered"), 0o644))

	_, ok, err := c.Lookup(ctx, fp)
	require.Error(t, err)
	assert.False(t, ok)

	var inconsistent *InconsistencyError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, fp, inconsistent.Fingerprint)

	// The entry is evicted, so the next lookup is an ordinary miss.
	_, ok, err = c.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnceDeduplicatesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)

	var executions atomic.Int32
	fp := digest.FromString("fp-shared")
	layer := testLayer([]byte("blob"))

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*snapshot.Layer, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _, err := c.Once(fp, func() (*snapshot.Layer, error) {
			executions.Add(1)
			close(inFlight)
			<-release
			return layer, nil
		})
		assert.NoError(t, err)
		results[0] = got
	}()

	// The remaining callers join only while the first execution is in
	// flight, so they must all share its result.
	<-inFlight
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, _, err := c.Once(fp, func() (*snapshot.Layer, error) {
				return layer, nil
			})
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}

	// Give the joiners a moment to reach the singleflight group before
	// the first execution completes.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), executions.Load(), "concurrent misses must share one execution")
	for _, got := range results {
		assert.Equal(t, layer.Descriptor.Digest, got.Descriptor.Digest)
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	df, err := dockerfile.ParseString("FROM scratch\nRUN echo hi > /x\n")
	require.NoError(t, err)
	inst := df.Stages[0].Instructions[0]

	base := digest.FromString("base image")
	args := map[string]string{"VERSION": "1.0", "REGION": "eu"}

	a := NewFingerprinter(base, args).Next(inst, nil)
	b := NewFingerprinter(base, args).Next(inst, nil)
	assert.Equal(t, a, b, "identical inputs must produce identical fingerprints")
}

func TestFingerprintChaining(t *testing.T) {
	df, err := dockerfile.ParseString("FROM scratch\nRUN echo one\nRUN echo two\n")
	require.NoError(t, err)
	changed, err := dockerfile.ParseString("FROM scratch\nRUN echo ONE\nRUN echo two\n")
	require.NoError(t, err)

	base := digest.FromString("base")

	orig := NewFingerprinter(base, nil)
	fp1 := orig.Next(df.Stages[0].Instructions[0], nil)
	fp2 := orig.Next(df.Stages[0].Instructions[1], nil)

	edited := NewFingerprinter(base, nil)
	efp1 := edited.Next(changed.Stages[0].Instructions[0], nil)
	efp2 := edited.Next(changed.Stages[0].Instructions[1], nil)

	assert.NotEqual(t, fp1, efp1, "editing an instruction changes its fingerprint")
	assert.NotEqual(t, fp2, efp2, "and the change propagates to every later step")
}

func TestFingerprintSensitiveToSourcesArgsAndBase(t *testing.T) {
	df, err := dockerfile.ParseString("FROM scratch\nCOPY f /y\n")
	require.NoError(t, err)
	inst := df.Stages[0].Instructions[0]
	base := digest.FromString("base")

	plain := NewFingerprinter(base, nil).Next(inst, []digest.Digest{digest.FromString("v1")})
	editedSource := NewFingerprinter(base, nil).Next(inst, []digest.Digest{digest.FromString("v2")})
	assert.NotEqual(t, plain, editedSource, "source content changes invalidate COPY steps")

	withArg := NewFingerprinter(base, map[string]string{"X": "1"}).Next(inst, []digest.Digest{digest.FromString("v1")})
	assert.NotEqual(t, plain, withArg, "any build-arg change invalidates the stage")

	otherBase := NewFingerprinter(digest.FromString("base2"), nil).Next(inst, []digest.Digest{digest.FromString("v1")})
	assert.NotEqual(t, plain, otherBase)
}
