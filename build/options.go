package build

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"

	"github.com/input-output-hk/catalyst-forge-build/cache"
	"github.com/input-output-hk/catalyst-forge-build/oci"
	"github.com/input-output-hk/catalyst-forge-build/runner"
)

// BaseResolver resolves an external base image reference (anything
// that is not "scratch" or an earlier stage) to its content. The
// default resolver rejects every reference; callers supply one that
// maps references to local OCI layouts or pulled images.
type BaseResolver func(ctx context.Context, ref string) (*oci.BaseImage, error)

// Options configures a Builder.
type Options struct {
	// Store receives the assembled image: layer blobs, config and
	// manifest. Required.
	Store *oci.LayoutStore

	// Cache holds fingerprint-to-layer mappings across builds. When
	// nil, a throwaway cache is created under the work directory so a
	// single invocation still deduplicates identical stages.
	Cache *cache.Cache

	// Target selects the stage to build. Empty means the final stage.
	Target string

	// BuildArgs override ARG defaults at invocation time.
	BuildArgs map[string]string

	// Tag names the assembled manifest in the store's index.
	Tag string

	// Logger receives structured build progress. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// StepTimeout bounds each instruction's execution. Zero means no
	// per-step limit.
	StepTimeout time.Duration

	// ContextFS overrides the filesystem the build context is loaded
	// from. Defaults to the host filesystem.
	ContextFS fs.Filesystem

	// WorkDir hosts the per-stage build roots. Defaults to a fresh
	// temporary directory removed when the build finishes.
	WorkDir string

	// Resolver maps external FROM references to base images.
	Resolver BaseResolver

	// Isolation selects the RUN confinement mode.
	Isolation runner.Isolation

	// Stdout and Stderr receive live RUN output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithStore sets the output store for the assembled image.
func WithStore(s *oci.LayoutStore) Option {
	return func(o *Options) { o.Store = s }
}

// WithCache sets the persistent layer cache.
func WithCache(c *cache.Cache) Option {
	return func(o *Options) { o.Cache = c }
}

// WithTarget selects the stage to build instead of the final one.
func WithTarget(name string) Option {
	return func(o *Options) { o.Target = name }
}

// WithBuildArgs sets invocation-time ARG overrides.
func WithBuildArgs(args map[string]string) Option {
	return func(o *Options) { o.BuildArgs = args }
}

// WithTag names the assembled manifest in the store index.
func WithTag(tag string) Option {
	return func(o *Options) { o.Tag = tag }
}

// WithLogger sets the structured logger for build progress.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithStepTimeout bounds each instruction's execution time.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Options) { o.StepTimeout = d }
}

// WithContextFS overrides the filesystem the build context is read
// from. Useful for hermetic tests with an in-memory filesystem.
func WithContextFS(fsys fs.Filesystem) Option {
	return func(o *Options) { o.ContextFS = fsys }
}

// WithWorkDir hosts per-stage build roots under dir instead of a
// temporary directory.
func WithWorkDir(dir string) Option {
	return func(o *Options) { o.WorkDir = dir }
}

// WithBaseResolver maps external FROM references to base images.
func WithBaseResolver(r BaseResolver) Option {
	return func(o *Options) { o.Resolver = r }
}

// WithIsolation selects the RUN confinement mode.
func WithIsolation(mode runner.Isolation) Option {
	return func(o *Options) { o.Isolation = mode }
}

// WithOutput sets the writers that receive live RUN output.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *Options) {
		o.Stdout = stdout
		o.Stderr = stderr
	}
}
