// Package build orchestrates Dockerfile builds: it parses the
// Dockerfile, schedules stages, drives the per-instruction
// execute-snapshot-cache loop, and hands the final stage's layers to
// the assembler. Stages that do not feed the target are never started.
package build

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/input-output-hk/catalyst-forge-build/buildctx"
	"github.com/input-output-hk/catalyst-forge-build/cache"
	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
	"github.com/input-output-hk/catalyst-forge-build/errors"
	"github.com/input-output-hk/catalyst-forge-build/oci"
	"github.com/input-output-hk/catalyst-forge-build/runner"
)

// StageStatus is a stage's position in its lifecycle.
type StageStatus int

const (
	StagePending StageStatus = iota
	StageRunning
	StageCompleted
	StageFailed
	StageSkipped
)

// String returns the lowercase status name.
func (s StageStatus) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRunning:
		return "running"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	case StageSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Stats counts the work a build performed. A warm-cache rebuild shows
// zero executions.
type Stats struct {
	// Executions is the number of filesystem instructions that actually
	// ran (RUN commands and COPY/ADD operations).
	Executions int

	// CacheHits is the number of filesystem instructions satisfied from
	// the layer cache.
	CacheHits int

	// SkippedStages counts stages eliminated because nothing reachable
	// from the target references them.
	SkippedStages int
}

// Result describes a completed build.
type Result struct {
	// BuildID correlates log lines for this invocation.
	BuildID string

	// Manifest is the assembled image manifest descriptor. Its digest
	// is the image identity.
	Manifest ocispec.Descriptor

	// ConfigDigest addresses the stored image configuration.
	ConfigDigest digest.Digest

	// Stages maps each stage's display name to its final status.
	Stages map[string]StageStatus

	Stats Stats
}

// Builder runs Dockerfile builds. A Builder is safe for sequential
// reuse; each Build call is independent.
type Builder struct {
	opts *Options
	log  *slog.Logger
}

// New creates a Builder. An output store is required.
func New(opts ...Option) (*Builder, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Store == nil {
		return nil, fmt.Errorf("an output store is required")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Resolver == nil {
		options.Resolver = func(_ context.Context, ref string) (*oci.BaseImage, error) {
			return nil, fmt.Errorf("no resolver configured for base image %q", ref)
		}
	}
	return &Builder{opts: options, log: options.Logger}, nil
}

// Build parses dockerfileText, builds the target stage against the
// build context rooted at contextRoot, and assembles the result into
// the output store. On failure no manifest is stored.
func (b *Builder) Build(ctx context.Context, dockerfileText, contextRoot string) (*Result, error) {
	buildID := uuid.NewString()
	log := b.log.With(slog.String("build_id", buildID))

	df, err := dockerfile.ParseStringWithOptions(dockerfileText, &dockerfile.ParseOptions{
		BuildArgs: b.opts.BuildArgs,
	})
	if err != nil {
		return nil, errors.New(errors.CodeParseFailed, "", -1, err)
	}

	target := df.Target(b.opts.Target)
	if target == nil {
		return nil, errors.New(errors.CodeParseFailed, b.opts.Target, -1,
			fmt.Errorf("target stage %q is not declared", b.opts.Target))
	}

	bctx, err := buildctx.Load(contextRoot, &buildctx.Options{Filesystem: b.opts.ContextFS})
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "", -1, err)
	}

	workDir := b.opts.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "forge-build-*")
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "", -1, err)
		}
		defer os.RemoveAll(workDir)
	}

	layerCache := b.opts.Cache
	if layerCache == nil {
		layerCache, err = cache.Open(workDir, b.opts.Store)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "", -1, err)
		}
	}

	exec := &execution{
		builder: b,
		log:     log,
		df:      df,
		bctx:    bctx,
		cache:   layerCache,
		store:   b.opts.Store,
		workDir: workDir,
		stages:  make([]*stageBuild, len(df.Stages)),
	}
	for i, s := range df.Stages {
		exec.stages[i] = newStageBuild(s)
	}

	needed := reachable(df, target)
	result := &Result{
		BuildID: buildID,
		Stages:  make(map[string]StageStatus, len(df.Stages)),
	}

	var group errgroup.Group
	for i := range exec.stages {
		sb := exec.stages[i]
		if !needed[i] {
			sb.status = StageSkipped
			close(sb.done)
			result.Stats.SkippedStages++
			continue
		}
		group.Go(func() error {
			return exec.runStage(ctx, sb)
		})
	}

	waitErr := group.Wait()
	for _, sb := range exec.stages {
		result.Stages[sb.stage.DisplayName()] = sb.status
		result.Stats.Executions += sb.executions
		result.Stats.CacheHits += sb.cacheHits
	}

	targetBuild := exec.stages[target.Index]
	if targetBuild.err != nil {
		log.Error("build failed",
			slog.String("stage", target.DisplayName()),
			slog.String("error", targetBuild.err.Error()))
		return result, targetBuild.err
	}
	if waitErr != nil {
		// A stage the target does not depend on failed; the target
		// itself completed, so the build still fails but with the
		// sibling's error surfaced.
		return result, waitErr
	}

	if err := exec.publishLayers(ctx, targetBuild); err != nil {
		return result, errors.New(errors.CodeInternal, target.DisplayName(), -1, err)
	}

	assembled, err := oci.Assemble(ctx, b.opts.Store, oci.Image{
		Layers:  targetBuild.layers,
		DiffIDs: targetBuild.diffIDs,
		Config:  targetBuild.config,
	})
	if err != nil {
		return result, toBuildError(target.DisplayName(), -1, err)
	}
	if b.opts.Tag != "" {
		if err := b.opts.Store.Tag(assembled.Manifest, b.opts.Tag); err != nil {
			return result, errors.New(errors.CodeInternal, target.DisplayName(), -1, err)
		}
	}

	result.Manifest = assembled.Manifest
	result.ConfigDigest = assembled.ConfigDigest
	log.Info("build completed",
		slog.String("digest", assembled.Manifest.Digest.String()),
		slog.Int("executions", result.Stats.Executions),
		slog.Int("cache_hits", result.Stats.CacheHits))
	return result, nil
}

// stageDeps returns the indices of every earlier stage that s uses as
// a base or as a COPY --from source.
func stageDeps(df *dockerfile.Dockerfile, s *dockerfile.Stage) []int {
	var deps []int
	seen := map[int]bool{}
	add := func(idx int) {
		if idx >= 0 && !seen[idx] {
			seen[idx] = true
			deps = append(deps, idx)
		}
	}

	add(s.BaseStage)
	for _, inst := range s.Instructions {
		from, ok := inst.Flag("from")
		if !ok {
			continue
		}
		if ref := df.StageByName(from); ref != nil {
			add(ref.Index)
		} else if idx, err := strconv.Atoi(from); err == nil {
			add(idx)
		}
	}
	return deps
}

// reachable marks every stage the target transitively depends on.
func reachable(df *dockerfile.Dockerfile, target *dockerfile.Stage) map[int]bool {
	marked := map[int]bool{}
	var visit func(idx int)
	visit = func(idx int) {
		if marked[idx] {
			return
		}
		marked[idx] = true
		for _, dep := range stageDeps(df, df.Stages[idx]) {
			visit(dep)
		}
	}
	visit(target.Index)
	return marked
}

// toBuildError wraps err as a BuildError with the code matching its
// concrete type.
func toBuildError(stage string, instruction int, err error) *errors.BuildError {
	var alreadyWrapped *errors.BuildError
	if stderrors.As(err, &alreadyWrapped) {
		return alreadyWrapped
	}

	code := errors.CodeInternal
	var (
		execErr     *runner.ExecutionError
		notFoundErr *runner.SourceNotFoundError
		cacheErr    *cache.InconsistencyError
		asmErr      *oci.AssemblyError
		parseErr    *dockerfile.ParseError
	)
	switch {
	case stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded):
		code = errors.CodeCancelled
	case stderrors.As(err, &execErr):
		code = errors.CodeExecutionFailed
	case stderrors.As(err, &notFoundErr):
		code = errors.CodeSourceNotFound
	case stderrors.As(err, &cacheErr):
		code = errors.CodeCacheInconsistent
	case stderrors.As(err, &asmErr):
		code = errors.CodeAssemblyFailed
	case stderrors.As(err, &parseErr):
		code = errors.CodeParseFailed
	}
	return errors.New(code, stage, instruction, err)
}
