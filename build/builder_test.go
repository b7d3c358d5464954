package build

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"encoding/json"

	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-build/cache"
	"github.com/input-output-hk/catalyst-forge-build/errors"
	"github.com/input-output-hk/catalyst-forge-build/oci"
	"github.com/input-output-hk/catalyst-forge-build/runner"
)

// testHarness bundles the collaborators one build needs.
type testHarness struct {
	store *oci.LayoutStore
	cache *cache.Cache
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := oci.NewLayoutStore(t.TempDir())
	require.NoError(t, err)
	c, err := cache.Open(t.TempDir(), store)
	require.NoError(t, err)
	return &testHarness{store: store, cache: c}
}

func (h *testHarness) builder(t *testing.T, files map[string]string, opts ...Option) *Builder {
	t.Helper()
	memfs := billy.NewInMemoryFS()
	require.NoError(t, memfs.MkdirAll("ctx", 0o755))
	for p, content := range files {
		require.NoError(t, memfs.WriteFile(filepath.Join("ctx", p), []byte(content), 0o644))
	}
	opts = append([]Option{
		WithStore(h.store),
		WithCache(h.cache),
		WithContextFS(memfs),
		WithIsolation(runner.IsolationProcess),
		WithWorkDir(t.TempDir()),
	}, opts...)
	b, err := New(opts...)
	require.NoError(t, err)
	return b
}

// layerEntries reads a stored layer blob and returns its tar entries.
func layerEntries(t *testing.T, store *oci.LayoutStore, d digest.Digest) map[string]string {
	t.Helper()
	rc, err := store.Get(context.Background(), d)
	require.NoError(t, err)
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			content, err := io.ReadAll(tr)
			require.NoError(t, err)
			entries[hdr.Name] = string(content)
		} else {
			entries[hdr.Name] = ""
		}
	}
	return entries
}

func readManifest(t *testing.T, store *oci.LayoutStore, res *Result) (ocispec.Manifest, error) {
	t.Helper()
	return readBlobJSON[ocispec.Manifest](t, store, res.Manifest.Digest)
}

func readConfig(t *testing.T, store *oci.LayoutStore, res *Result) (ocispec.Image, error) {
	t.Helper()
	return readBlobJSON[ocispec.Image](t, store, res.ConfigDigest)
}

func readBlobJSON[T any](t *testing.T, store *oci.LayoutStore, d digest.Digest) (out T, err error) {
	t.Helper()
	rc, err := store.Get(context.Background(), d)
	if err != nil {
		return out, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func TestBuildTwoLayerScenario(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, map[string]string{"f": "hello"})

	res, err := b.Build(context.Background(),
		"FROM scratch\nRUN echo hi > x\nCOPY f /y\n", "ctx")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Executions)
	assert.Equal(t, 0, res.Stats.CacheHits)
	assert.Equal(t, StageCompleted, res.Stages["0"])

	manifest, err := readManifest(t, h.store, res)
	require.NoError(t, err)
	require.Len(t, manifest.Layers, 2)

	first := layerEntries(t, h.store, manifest.Layers[0].Digest)
	assert.Equal(t, "hi\n", first["x"])

	second := layerEntries(t, h.store, manifest.Layers[1].Digest)
	assert.Equal(t, "hello", second["y"])
}

func TestWarmCacheRebuild(t *testing.T) {
	h := newHarness(t)
	text := "FROM scratch\nRUN echo hi > x\nCOPY f /y\n"
	files := map[string]string{"f": "hello"}

	cold, err := h.builder(t, files).Build(context.Background(), text, "ctx")
	require.NoError(t, err)
	require.Equal(t, 2, cold.Stats.Executions)

	warm, err := h.builder(t, files).Build(context.Background(), text, "ctx")
	require.NoError(t, err)

	assert.Equal(t, 0, warm.Stats.Executions, "warm rebuild must execute nothing")
	assert.Equal(t, 2, warm.Stats.CacheHits)
	assert.Equal(t, cold.Manifest.Digest, warm.Manifest.Digest,
		"warm rebuild must reproduce the cold manifest digest")
}

func TestBuildMissingCopySource(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, map[string]string{"f": "hello"})

	res, err := b.Build(context.Background(),
		"FROM scratch\nCOPY missing.txt /y\n", "ctx")
	require.Error(t, err)

	assert.Equal(t, errors.CodeSourceNotFound, errors.CodeOf(err))

	var buildErr *errors.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "0", buildErr.Stage)
	assert.Equal(t, 0, buildErr.Instruction)

	assert.Equal(t, StageFailed, res.Stages["0"])
	assert.Empty(t, h.store.Manifests(), "no manifest may be published on failure")
}

func TestCacheSensitivity(t *testing.T) {
	h := newHarness(t)

	_, err := h.builder(t, nil).Build(context.Background(),
		"FROM scratch\nRUN echo one > a\nRUN echo two > b\n", "ctx")
	require.NoError(t, err)

	res, err := h.builder(t, nil).Build(context.Background(),
		"FROM scratch\nRUN echo one > a\nRUN echo TWO > b\n", "ctx")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.CacheHits, "the unchanged first step stays cached")
	assert.Equal(t, 1, res.Stats.Executions, "the edited step re-executes")
}

func TestContextChangeInvalidatesCopy(t *testing.T) {
	h := newHarness(t)
	text := "FROM scratch\nCOPY f /y\n"

	_, err := h.builder(t, map[string]string{"f": "v1"}).Build(context.Background(), text, "ctx")
	require.NoError(t, err)

	res, err := h.builder(t, map[string]string{"f": "v2"}).Build(context.Background(), text, "ctx")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Executions, "changed source content must invalidate the COPY")
}

func TestDeadStageElimination(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil)

	// The unused stage would fail if it ever ran.
	text := "FROM scratch AS unused\nRUN exit 1\n" +
		"FROM scratch\nRUN echo hi > x\n"

	res, err := b.Build(context.Background(), text, "ctx")
	require.NoError(t, err)

	assert.Equal(t, StageSkipped, res.Stages["unused"])
	assert.Equal(t, 1, res.Stats.SkippedStages)
	assert.Equal(t, 1, res.Stats.Executions)
}

func TestMultiStageCopyFrom(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil)

	text := "FROM scratch AS producer\n" +
		"RUN mkdir out && echo artifact > out/bin\n" +
		"FROM scratch\n" +
		"COPY --from=producer /out/bin /app\n"

	res, err := b.Build(context.Background(), text, "ctx")
	require.NoError(t, err)

	manifest, err := readManifest(t, h.store, res)
	require.NoError(t, err)
	require.Len(t, manifest.Layers, 1, "only the final stage's layers appear in the manifest")

	entries := layerEntries(t, h.store, manifest.Layers[0].Digest)
	assert.Equal(t, "artifact\n", entries["app"])

	assert.Equal(t, StageCompleted, res.Stages["producer"])
	assert.Equal(t, StageCompleted, res.Stages["1"])
}

func TestCopyFromWaitsForSlowProducer(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil)

	// The producer finishes well after the consumer is scheduled, so
	// the consumer only sees the artifact if it waits for the producer
	// to complete before resolving --from sources.
	text := "FROM scratch AS producer\n" +
		"RUN sleep 0.5 && mkdir out && echo artifact > out/bin\n" +
		"FROM scratch\n" +
		"COPY --from=producer /out/bin /app\n"

	res, err := b.Build(context.Background(), text, "ctx")
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, res.Stages["producer"])
	assert.Equal(t, StageCompleted, res.Stages["1"])

	manifest, err := readManifest(t, h.store, res)
	require.NoError(t, err)
	require.Len(t, manifest.Layers, 1)
	entries := layerEntries(t, h.store, manifest.Layers[0].Digest)
	assert.Equal(t, "artifact\n", entries["app"])
}

func TestConfigHistory(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil)

	res, err := b.Build(context.Background(),
		"FROM scratch\nRUN echo hi > x\nENV A=b\nRUN true\n", "ctx")
	require.NoError(t, err)

	config, err := readConfig(t, h.store, res)
	require.NoError(t, err)
	require.Len(t, config.History, 3, "one history entry per instruction")

	assert.Equal(t, "RUN echo hi > x", config.History[0].CreatedBy)
	assert.False(t, config.History[0].EmptyLayer)
	assert.Equal(t, "ENV A=b", config.History[1].CreatedBy)
	assert.True(t, config.History[1].EmptyLayer, "metadata steps produce no layer")
	assert.True(t, config.History[2].EmptyLayer, "a RUN with no filesystem change produces no layer")

	nonEmpty := 0
	for _, entry := range config.History {
		if !entry.EmptyLayer {
			nonEmpty++
		}
	}
	assert.Len(t, config.RootFS.DiffIDs, nonEmpty, "history must line up with the rootfs diff IDs")
}

func TestStageInheritance(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil)

	text := "FROM scratch AS base\n" +
		"RUN echo lower > base.txt\n" +
		"ENV LAYERED=yes\n" +
		"FROM base\n" +
		"RUN echo upper > top.txt\n"

	res, err := b.Build(context.Background(), text, "ctx")
	require.NoError(t, err)

	manifest, err := readManifest(t, h.store, res)
	require.NoError(t, err)
	require.Len(t, manifest.Layers, 2, "a derived stage keeps its parent's layers")

	config, err := readConfig(t, h.store, res)
	require.NoError(t, err)
	assert.Contains(t, config.Config.Env, "LAYERED=yes", "config carries over from the parent stage")
}

func TestMetadataOnlyBuildFailsAssembly(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil)

	_, err := b.Build(context.Background(), "FROM scratch\nENV A=b\n", "ctx")
	require.Error(t, err)
	assert.Equal(t, errors.CodeAssemblyFailed, errors.CodeOf(err))
}

func TestStepTimeout(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil, WithStepTimeout(100*time.Millisecond))

	_, err := b.Build(context.Background(), "FROM scratch\nRUN sleep 30\n", "ctx")
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.CodeOf(err))
}

func TestParseFailure(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil)

	_, err := b.Build(context.Background(), "FROM scratch\nBOGUS hi\n", "ctx")
	require.Error(t, err)
	assert.Equal(t, errors.CodeParseFailed, errors.CodeOf(err))
}

func TestTargetSelection(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil, WithTarget("early"))

	text := "FROM scratch AS early\nRUN echo a > a.txt\n" +
		"FROM scratch\nRUN echo b > b.txt\n"

	res, err := b.Build(context.Background(), text, "ctx")
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, res.Stages["early"])
	assert.Equal(t, StageSkipped, res.Stages["1"])

	manifest, err := readManifest(t, h.store, res)
	require.NoError(t, err)
	entries := layerEntries(t, h.store, manifest.Layers[0].Digest)
	assert.Contains(t, entries, "a.txt")
}

func TestTagRecordsManifest(t *testing.T) {
	h := newHarness(t)
	b := h.builder(t, nil, WithTag("example.com/app:v1"))

	res, err := b.Build(context.Background(), "FROM scratch\nRUN echo hi > x\n", "ctx")
	require.NoError(t, err)

	manifests := h.store.Manifests()
	require.Len(t, manifests, 1)
	assert.Equal(t, res.Manifest.Digest, manifests[0].Digest)
}
