package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/input-output-hk/catalyst-forge-build/build"
	"github.com/input-output-hk/catalyst-forge-build/cache"
	"github.com/input-output-hk/catalyst-forge-build/errors"
	"github.com/input-output-hk/catalyst-forge-build/oci"
	"github.com/input-output-hk/catalyst-forge-build/runner"
)

var buildFlags struct {
	file         string
	target       string
	tag          string
	output       string
	cacheDir     string
	buildArgs    []string
	buildArgFile string
	bases        []string
	stepTimeout  time.Duration
	isolation    string
	noCache      bool
}

var buildCmd = &cobra.Command{
	Use:   "build [flags] [CONTEXT]",
	Short: "Build an image from a Dockerfile",
	Long: `Build reads the Dockerfile, executes its instructions against the build
context directory (default "."), and writes the image to an OCI layout
directory. External FROM references must be mapped to local OCI layout
tars or directories with --base.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contextDir := "."
		if len(args) == 1 {
			contextDir = args[0]
		}
		cmd.SilenceUsage = true
		return runBuild(cmd.Context(), contextDir)
	},
}

func init() {
	f := buildCmd.Flags()
	f.StringVarP(&buildFlags.file, "file", "f", "", "Dockerfile path (default CONTEXT/Dockerfile)")
	f.StringVar(&buildFlags.target, "target", "", "stage to build (default: the final stage)")
	f.StringVarP(&buildFlags.tag, "tag", "t", "", "reference to record in the output index")
	f.StringVarP(&buildFlags.output, "output", "o", "image", "OCI layout output directory")
	f.StringVar(&buildFlags.cacheDir, "cache-dir", "", "layer cache directory (default under the XDG cache home)")
	f.StringArrayVar(&buildFlags.buildArgs, "build-arg", nil, "ARG override as NAME=VALUE (repeatable)")
	f.StringVar(&buildFlags.buildArgFile, "build-arg-file", "", "YAML file of ARG overrides")
	f.StringArrayVar(&buildFlags.bases, "base", nil, "base image mapping as REF=PATH, where PATH is an OCI layout tar or directory (repeatable)")
	f.DurationVar(&buildFlags.stepTimeout, "step-timeout", 0, "per-instruction execution timeout")
	f.StringVar(&buildFlags.isolation, "isolation", "userns", "RUN isolation mode: userns or process")
	f.BoolVar(&buildFlags.noCache, "no-cache", false, "ignore the persistent layer cache")

	rootCmd.AddCommand(buildCmd)
}

func runBuild(ctx context.Context, contextDir string) error {
	dockerfilePath := buildFlags.file
	if dockerfilePath == "" {
		dockerfilePath = filepath.Join(contextDir, "Dockerfile")
	}
	content, err := os.ReadFile(dockerfilePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dockerfilePath, err)
	}

	buildArgs, err := collectBuildArgs()
	if err != nil {
		return err
	}

	store, err := oci.NewLayoutStore(buildFlags.output)
	if err != nil {
		return err
	}

	isolation, err := parseIsolation(buildFlags.isolation)
	if err != nil {
		return err
	}

	opts := []build.Option{
		build.WithStore(store),
		build.WithTarget(buildFlags.target),
		build.WithBuildArgs(buildArgs),
		build.WithTag(buildFlags.tag),
		build.WithStepTimeout(buildFlags.stepTimeout),
		build.WithBaseResolver(baseResolver(buildFlags.bases)),
		build.WithIsolation(isolation),
		build.WithOutput(os.Stdout, os.Stderr),
	}
	if !buildFlags.noCache {
		cacheDir := buildFlags.cacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join(xdg.CacheHome, "forge-build")
		}
		blobDir, err := oci.NewLayoutStore(filepath.Join(cacheDir, "blobs"))
		if err != nil {
			return fmt.Errorf("failed to open cache blob store: %w", err)
		}
		layerCache, err := cache.Open(cacheDir, blobDir)
		if err != nil {
			return fmt.Errorf("failed to open layer cache: %w", err)
		}
		opts = append(opts, build.WithCache(layerCache))
	}

	builder, err := build.New(opts...)
	if err != nil {
		return err
	}

	res, err := builder.Build(ctx, string(content), contextDir)
	if err != nil {
		var buildErr *errors.BuildError
		if stderrors.As(err, &buildErr) {
			return fmt.Errorf("build failed: %s (stage %q, instruction %d): %w",
				buildErr.Code, buildErr.Stage, buildErr.Instruction, err)
		}
		return err
	}

	fmt.Println(res.Manifest.Digest)
	return nil
}

// collectBuildArgs merges --build-arg-file entries with --build-arg
// flags; flags win.
func collectBuildArgs() (map[string]string, error) {
	args := map[string]string{}

	if buildFlags.buildArgFile != "" {
		data, err := os.ReadFile(buildFlags.buildArgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read build-arg file: %w", err)
		}
		if err := yaml.Unmarshal(data, &args); err != nil {
			return nil, fmt.Errorf("failed to parse build-arg file: %w", err)
		}
	}

	for _, kv := range buildFlags.buildArgs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid build-arg %q: expected NAME=VALUE", kv)
		}
		args[name] = value
	}
	return args, nil
}

// baseResolver maps --base REF=PATH flags to a resolver over local OCI
// layouts. "scratch" is handled by the builder itself.
func baseResolver(mappings []string) build.BaseResolver {
	paths := map[string]string{}
	for _, m := range mappings {
		if ref, p, ok := strings.Cut(m, "="); ok {
			paths[ref] = p
		}
	}

	return func(_ context.Context, ref string) (*oci.BaseImage, error) {
		p, ok := paths[ref]
		if !ok {
			return nil, fmt.Errorf("no --base mapping for %q", ref)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return oci.LoadLayout(p)
		}
		return oci.LoadTar(p)
	}
}

func parseIsolation(mode string) (runner.Isolation, error) {
	switch mode {
	case "userns":
		return runner.IsolationUserNS, nil
	case "process":
		return runner.IsolationProcess, nil
	default:
		return 0, fmt.Errorf("unknown isolation mode %q", mode)
	}
}
