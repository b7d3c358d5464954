// Package runner applies single build instructions to a private
// build-root directory tree. Metadata instructions mutate only the
// accumulated image configuration; filesystem instructions mutate the
// build root. Nothing here ever requires elevated privileges: isolation
// comes from the private root plus UID/GID remapping recorded at
// snapshot time, not from kernel container features.
package runner

import (
	"context"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/input-output-hk/catalyst-forge-build/buildctx"
	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
	"github.com/input-output-hk/catalyst-forge-build/snapshot"
)

// StageSource resolves a stage reference from COPY --from to the
// retained build root of that completed stage.
type StageSource func(ref string) (root string, ok bool)

// Runner executes instructions against one stage's build root. It is
// owned by a single stage build and is not safe for concurrent use.
type Runner struct {
	root    string
	context *buildctx.Context
	stages  StageSource
	config  *ocispec.Image
	options *Options
}

// Isolation selects how RUN commands are confined to the build root.
type Isolation int

const (
	// IsolationUserNS runs the command chrooted into the build root
	// inside an unprivileged user namespace, with the runner's UID/GID
	// mapping table installed. This is the default and requires no
	// elevated privileges.
	IsolationUserNS Isolation = iota

	// IsolationProcess runs the command with only the working directory
	// set inside the build root. Absolute paths escape the root, so this
	// mode is for trusted commands and for hosts without user-namespace
	// support.
	IsolationProcess
)

// Options configures instruction execution behavior.
type Options struct {
	// StdoutWriter and StderrWriter receive live RUN output in addition
	// to the captured buffers. Nil writers are ignored.
	StdoutWriter io.Writer
	StderrWriter io.Writer

	// Env entries are appended to the image-config environment for every
	// RUN command.
	Env []string

	// Isolation selects the RUN confinement mode.
	Isolation Isolation

	// Mappings is the UID/GID remapping table installed in the user
	// namespace under IsolationUserNS.
	Mappings snapshot.IDMappings
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithStdoutWriter sets a passthrough writer for RUN stdout.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *Options) { o.StdoutWriter = w }
}

// WithStderrWriter sets a passthrough writer for RUN stderr.
func WithStderrWriter(w io.Writer) Option {
	return func(o *Options) { o.StderrWriter = w }
}

// WithExtraEnv appends environment entries for RUN commands.
func WithExtraEnv(env ...string) Option {
	return func(o *Options) { o.Env = append(o.Env, env...) }
}

// WithIsolation selects the RUN confinement mode.
func WithIsolation(mode Isolation) Option {
	return func(o *Options) { o.Isolation = mode }
}

// WithIDMappings sets the UID/GID remapping table for IsolationUserNS.
func WithIDMappings(m snapshot.IDMappings) Option {
	return func(o *Options) { o.Mappings = m }
}

// New creates a Runner for the given build root. The build context may
// be nil for Dockerfiles without COPY/ADD; stages may be nil when no
// earlier stage roots are retained.
func New(root string, bctx *buildctx.Context, stages StageSource, config *ocispec.Image, opts ...Option) *Runner {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return &Runner{
		root:    root,
		context: bctx,
		stages:  stages,
		config:  config,
		options: options,
	}
}

// Config returns the accumulated image configuration.
func (r *Runner) Config() *ocispec.Image {
	return r.config
}

// Apply applies one instruction's effect: filesystem mutation for RUN,
// COPY and ADD, configuration mutation for everything else.
func (r *Runner) Apply(ctx context.Context, inst *dockerfile.Instruction) error {
	switch inst.Kind {
	case dockerfile.KindRun:
		return r.run(ctx, inst)
	case dockerfile.KindCopy, dockerfile.KindAdd:
		return r.copy(ctx, inst)
	case dockerfile.KindEnv, dockerfile.KindWorkdir, dockerfile.KindExpose,
		dockerfile.KindCmd, dockerfile.KindEntrypoint, dockerfile.KindUser,
		dockerfile.KindLabel, dockerfile.KindStopsignal, dockerfile.KindArg:
		return r.applyMetadata(inst)
	default:
		return fmt.Errorf("runner: unsupported instruction %s", inst.Name)
	}
}
