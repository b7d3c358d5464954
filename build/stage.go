package build

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/input-output-hk/catalyst-forge-build/buildctx"
	"github.com/input-output-hk/catalyst-forge-build/cache"
	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
	"github.com/input-output-hk/catalyst-forge-build/oci"
	"github.com/input-output-hk/catalyst-forge-build/runner"
	"github.com/input-output-hk/catalyst-forge-build/snapshot"
)

// execution is the shared state of one Build invocation.
type execution struct {
	builder *Builder
	log     *slog.Logger
	df      *dockerfile.Dockerfile
	bctx    *buildctx.Context
	cache   *cache.Cache
	store   *oci.LayoutStore
	workDir string
	stages  []*stageBuild
}

// stageBuild tracks one stage's progress. done is closed when the
// stage reaches a terminal status; dependents wait on it.
type stageBuild struct {
	stage  *dockerfile.Stage
	status StageStatus
	done   chan struct{}
	err    error

	root    string
	config  ocispec.Image
	lastFP  digest.Digest
	layers  []ocispec.Descriptor
	diffIDs []digest.Digest

	// ownLayers are the non-base layers, in manifest order, whose
	// blobs live in the cache rather than the output store.
	ownLayers []*snapshot.Layer

	executions int
	cacheHits  int
}

func newStageBuild(s *dockerfile.Stage) *stageBuild {
	return &stageBuild{stage: s, done: make(chan struct{})}
}

func (e *execution) runStage(ctx context.Context, sb *stageBuild) error {
	defer close(sb.done)

	name := sb.stage.DisplayName()
	log := e.log.With(slog.String("stage", name))

	fail := func(instruction int, err error) error {
		sb.status = StageFailed
		sb.err = toBuildError(name, instruction, err)
		log.Error("stage failed",
			slog.Int("instruction", instruction),
			slog.String("error", err.Error()))
		return sb.err
	}

	sb.status = StageRunning
	log.Info("stage started", slog.String("base", sb.stage.BaseRef))

	// Every dependency must be terminal before any instruction runs:
	// the base stage's filesystem is copied wholesale, and COPY --from
	// reads source roots and fingerprints that are only stable once the
	// producing stage has completed.
	for _, dep := range stageDeps(e.df, sb.stage) {
		if err := e.await(ctx, e.stages[dep]); err != nil {
			return fail(-1, err)
		}
	}

	root, err := os.MkdirTemp(e.workDir, "stage-*")
	if err != nil {
		return fail(-1, err)
	}
	sb.root = root

	seed, err := e.materializeBase(ctx, sb)
	if err != nil {
		return fail(-1, err)
	}

	snap := snapshot.NewSnapshotter(root, snapshot.RootMappings())
	if err := snap.Reset(); err != nil {
		return fail(-1, err)
	}

	run := runner.New(root, e.bctx, e.stageSource(), &sb.config,
		runner.WithIsolation(e.builder.opts.Isolation),
		runner.WithIDMappings(snapshot.RootMappings()),
		runner.WithStdoutWriter(e.builder.opts.Stdout),
		runner.WithStderrWriter(e.builder.opts.Stderr),
	)

	fpr := cache.NewFingerprinter(seed, e.df.ResolvedArgs())
	for i, inst := range sb.stage.Instructions {
		fp := fpr.Next(inst, e.sourceDigests(sb, inst))
		if err := e.step(ctx, sb, snap, run, inst, fp, log.With(slog.Int("instruction", i))); err != nil {
			return fail(i, err)
		}
	}

	sb.lastFP = fpr.Current()
	sb.status = StageCompleted
	log.Info("stage completed", slog.Int("layers", len(sb.layers)))
	return nil
}

// step runs one instruction through the cache-or-execute path.
func (e *execution) step(
	ctx context.Context,
	sb *stageBuild,
	snap *snapshot.Snapshotter,
	run *runner.Runner,
	inst *dockerfile.Instruction,
	fp digest.Digest,
	log *slog.Logger,
) error {
	stepCtx := ctx
	if d := e.builder.opts.StepTimeout; d > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	// Metadata instructions only touch the config; they are cheap and
	// replayed on every build rather than cached.
	if !inst.Kind.MutatesFilesystem() {
		if err := run.Apply(stepCtx, inst); err != nil {
			return err
		}
		sb.recordHistory(inst, true)
		return nil
	}

	if layer, ok, err := e.cache.Lookup(stepCtx, fp); err != nil {
		var inconsistent *cache.InconsistencyError
		if !stderrors.As(err, &inconsistent) {
			return err
		}
		// The entry was evicted; re-execute below.
		log.Warn("cache entry inconsistent, re-executing",
			slog.String("fingerprint", fp.String()))
	} else if ok {
		sb.cacheHits++
		log.Info("cache hit", slog.String("kind", inst.Kind.String()))
		return e.advanceCached(stepCtx, sb, snap, inst, layer, fp)
	}

	ran := false
	layer, _, err := e.cache.Once(fp, func() (*snapshot.Layer, error) {
		ran = true
		return e.executeAndSnapshot(stepCtx, sb, snap, run, inst, fp)
	})
	if err != nil {
		return err
	}
	if !ran {
		// A parallel stage built this exact layer first; adopt it the
		// same way a cache hit is adopted.
		sb.cacheHits++
		return e.advanceCached(stepCtx, sb, snap, inst, layer, fp)
	}

	sb.executions++
	if !layer.Empty {
		sb.appendLayer(layer)
	}
	sb.recordHistory(inst, layer.Empty)
	return nil
}

// executeAndSnapshot runs the instruction, diffs the root, and commits
// the resulting layer to the cache. The layer tar is staged in a
// temporary file, so cancellation mid-write never stores a partial
// layer.
func (e *execution) executeAndSnapshot(
	ctx context.Context,
	sb *stageBuild,
	snap *snapshot.Snapshotter,
	run *runner.Runner,
	inst *dockerfile.Instruction,
	fp digest.Digest,
) (*snapshot.Layer, error) {
	if err := run.Apply(ctx, inst); err != nil {
		return nil, err
	}

	diff, manifest, err := snap.Diff()
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(e.workDir, ".layer-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	layer, err := snapshot.WriteLayer(sb.root, diff, manifest, tmp)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if layer.Empty {
		return layer, e.cache.Store(ctx, fp, layer, nil)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := e.cache.Store(ctx, fp, layer, tmp); err != nil {
		return nil, err
	}
	return layer, nil
}

// advanceCached applies a cached layer's content to the build root so
// later instructions and COPY --from consumers see the right state.
func (e *execution) advanceCached(
	ctx context.Context,
	sb *stageBuild,
	snap *snapshot.Snapshotter,
	inst *dockerfile.Instruction,
	layer *snapshot.Layer,
	fp digest.Digest,
) error {
	sb.recordHistory(inst, layer.Empty)
	if layer.Empty {
		return nil
	}

	rc, err := e.cache.OpenLayer(ctx, layer)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := snapshot.Apply(rc, sb.root); err != nil {
		return fmt.Errorf("failed to apply cached layer %s: %w", layer.Descriptor.Digest, err)
	}
	if err := snap.Reset(); err != nil {
		return err
	}

	sb.appendLayer(layer)
	return nil
}

func (sb *stageBuild) appendLayer(layer *snapshot.Layer) {
	sb.layers = append(sb.layers, layer.Descriptor)
	sb.diffIDs = append(sb.diffIDs, layer.DiffID)
	sb.ownLayers = append(sb.ownLayers, layer)
}

// recordHistory appends the instruction to the config's history. Steps
// that produce no layer are marked so the history lines up with the
// rootfs diff IDs.
func (sb *stageBuild) recordHistory(inst *dockerfile.Instruction, empty bool) {
	sb.config.History = append(sb.config.History, ocispec.History{
		CreatedBy:  inst.Raw,
		EmptyLayer: empty,
	})
}

// materializeBase prepares the stage's starting filesystem and config
// and returns the fingerprint chain seed for its content identity.
func (e *execution) materializeBase(ctx context.Context, sb *stageBuild) (digest.Digest, error) {
	if sb.stage.BaseStage >= 0 {
		// runStage already awaited the parent.
		parent := e.stages[sb.stage.BaseStage]
		if err := copyDirTree(parent.root, sb.root); err != nil {
			return "", fmt.Errorf("failed to inherit stage %s filesystem: %w", parent.stage.DisplayName(), err)
		}
		sb.config = cloneConfig(parent.config)
		sb.layers = append(sb.layers, parent.layers...)
		sb.diffIDs = append(sb.diffIDs, parent.diffIDs...)
		sb.ownLayers = append(sb.ownLayers, parent.ownLayers...)
		return parent.lastFP, nil
	}

	if sb.stage.BaseRef == oci.ScratchRef {
		sb.config = ocispec.Image{
			Platform: ocispec.Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH},
		}
		return digest.FromString(oci.ScratchRef), nil
	}

	base, err := e.builder.opts.Resolver(ctx, sb.stage.BaseRef)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base image %q: %w", sb.stage.BaseRef, err)
	}
	if err := base.CopyBlobs(ctx, e.store); err != nil {
		return "", err
	}
	for _, desc := range base.Layers {
		rc, err := base.OpenLayer(desc.Digest)
		if err != nil {
			return "", fmt.Errorf("failed to open base layer %s: %w", desc.Digest, err)
		}
		err = snapshot.Apply(rc, sb.root)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("failed to extract base layer %s: %w", desc.Digest, err)
		}
	}

	sb.config = cloneConfig(base.Config)
	sb.layers = append(sb.layers, base.Layers...)
	sb.diffIDs = append(sb.diffIDs, base.DiffIDs...)
	return baseIdentity(base), nil
}

// await blocks until dep reaches a terminal status. A failed
// dependency fails the waiter without starting its instructions.
func (e *execution) await(ctx context.Context, dep *stageBuild) error {
	select {
	case <-dep.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if dep.err != nil {
		return fmt.Errorf("stage %s failed: %w", dep.stage.DisplayName(), dep.err)
	}
	if dep.status != StageCompleted {
		return fmt.Errorf("stage %s did not complete", dep.stage.DisplayName())
	}
	return nil
}

// stageSource resolves COPY --from references to completed stage
// roots. Dependencies were awaited before the stage started, so a
// lookup never blocks.
func (e *execution) stageSource() runner.StageSource {
	return func(ref string) (string, bool) {
		sb := e.stageByRef(ref)
		if sb == nil || sb.status != StageCompleted {
			return "", false
		}
		return sb.root, true
	}
}

func (e *execution) stageByRef(ref string) *stageBuild {
	if s := e.df.StageByName(ref); s != nil {
		return e.stages[s.Index]
	}
	if idx, err := strconv.Atoi(ref); err == nil && idx >= 0 && idx < len(e.stages) {
		return e.stages[idx]
	}
	return nil
}

// sourceDigests returns the content identity of every COPY/ADD source
// so the fingerprint changes when the copied content does. Stage
// sources contribute the source stage's final fingerprint; missing
// context sources contribute nothing and fail at execution instead.
func (e *execution) sourceDigests(sb *stageBuild, inst *dockerfile.Instruction) []digest.Digest {
	if inst.Kind != dockerfile.KindCopy && inst.Kind != dockerfile.KindAdd {
		return nil
	}

	if from, ok := inst.Flag("from"); ok {
		if src := e.stageByRef(from); src != nil {
			return []digest.Digest{src.lastFP}
		}
		return nil
	}
	if len(inst.Args) < 2 {
		return nil
	}

	var digests []digest.Digest
	for _, src := range inst.Args[:len(inst.Args)-1] {
		matches, err := e.bctx.Resolve(src)
		if err != nil {
			continue
		}
		for _, rel := range matches {
			if d, err := e.bctx.Digest(rel); err == nil {
				digests = append(digests, d)
			}
		}
	}
	return digests
}

// publishLayers copies the target stage's own layer blobs from the
// cache into the output store. Base layers were copied when the base
// was materialized.
func (e *execution) publishLayers(ctx context.Context, sb *stageBuild) error {
	for _, layer := range sb.ownLayers {
		ok, err := e.store.Exists(ctx, layer.Descriptor.Digest)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		rc, err := e.cache.OpenLayer(ctx, layer)
		if err != nil {
			return fmt.Errorf("failed to read layer %s from cache: %w", layer.Descriptor.Digest, err)
		}
		err = e.store.Put(ctx, layer.Descriptor.Digest, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to publish layer %s: %w", layer.Descriptor.Digest, err)
		}
	}
	return nil
}

// cloneConfig deep-copies an image config via JSON so stages never
// share mutable slices or maps.
func cloneConfig(in ocispec.Image) ocispec.Image {
	data, err := json.Marshal(in)
	if err != nil {
		return in
	}
	var out ocispec.Image
	if err := json.Unmarshal(data, &out); err != nil {
		return in
	}
	return out
}

// baseIdentity derives the fingerprint seed for an external base from
// its layer DiffIDs.
func baseIdentity(base *oci.BaseImage) digest.Digest {
	ids := make([]string, len(base.DiffIDs))
	for i, d := range base.DiffIDs {
		ids[i] = d.String()
	}
	data, _ := json.Marshal(ids)
	return digest.FromBytes(data)
}

// copyDirTree replicates src into dest, preserving modes and symlink
// targets. Hard links are copied as independent files.
func copyDirTree(src, dest string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFileContents(p, target, info.Mode().Perm())
		default:
			// Sockets and devices never survive snapshots either.
			return nil
		}
	})
}

func copyFileContents(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
