package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-build/buildctx"
	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
)

func instruction(t *testing.T, line string) *dockerfile.Instruction {
	t.Helper()
	df, err := dockerfile.ParseString("FROM scratch\n" + line + "\n")
	require.NoError(t, err)
	require.Len(t, df.Stages[0].Instructions, 1)
	return df.Stages[0].Instructions[0]
}

func newTestRunner(t *testing.T, files map[string]string, opts ...Option) *Runner {
	t.Helper()
	var bctx *buildctx.Context
	if files != nil {
		memfs := billy.NewInMemoryFS()
		for p, content := range files {
			require.NoError(t, memfs.WriteFile(filepath.Join("ctx", p), []byte(content), 0o644))
		}
		var err error
		bctx, err = buildctx.Load("ctx", &buildctx.Options{Filesystem: memfs})
		require.NoError(t, err)
	}
	opts = append([]Option{WithIsolation(IsolationProcess)}, opts...)
	return New(t.TempDir(), bctx, nil, &ocispec.Image{}, opts...)
}

func TestApplyMetadata(t *testing.T) {
	r := newTestRunner(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, instruction(t, "ENV FOO=bar BAZ=qux")))
	require.NoError(t, r.Apply(ctx, instruction(t, "WORKDIR /app")))
	require.NoError(t, r.Apply(ctx, instruction(t, "WORKDIR sub")))
	require.NoError(t, r.Apply(ctx, instruction(t, "EXPOSE 8080 9090/udp")))
	require.NoError(t, r.Apply(ctx, instruction(t, "LABEL team=platform")))
	require.NoError(t, r.Apply(ctx, instruction(t, "USER builder")))
	require.NoError(t, r.Apply(ctx, instruction(t, "ENTRYPOINT [\"/app/serve\"]")))
	require.NoError(t, r.Apply(ctx, instruction(t, "CMD [\"--port\", \"8080\"]")))
	require.NoError(t, r.Apply(ctx, instruction(t, "STOPSIGNAL SIGTERM")))

	cfg := r.Config().Config
	assert.Contains(t, cfg.Env, "FOO=bar")
	assert.Contains(t, cfg.Env, "BAZ=qux")
	assert.Equal(t, "/app/sub", cfg.WorkingDir)
	assert.Contains(t, cfg.ExposedPorts, "8080/tcp")
	assert.Contains(t, cfg.ExposedPorts, "9090/udp")
	assert.Equal(t, "platform", cfg.Labels["team"])
	assert.Equal(t, "builder", cfg.User)
	assert.Equal(t, []string{"/app/serve"}, cfg.Entrypoint)
	assert.Equal(t, []string{"--port", "8080"}, cfg.Cmd)
	assert.Equal(t, "SIGTERM", cfg.StopSignal)
}

func TestEnvReplacesExisting(t *testing.T) {
	r := newTestRunner(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, instruction(t, "ENV FOO=one")))
	require.NoError(t, r.Apply(ctx, instruction(t, "ENV FOO=two")))

	assert.Equal(t, []string{"FOO=two"}, r.Config().Config.Env)
}

func TestEntrypointResetsCmd(t *testing.T) {
	r := newTestRunner(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, instruction(t, "CMD [\"old\"]")))
	require.NoError(t, r.Apply(ctx, instruction(t, "ENTRYPOINT [\"/app\"]")))

	assert.Nil(t, r.Config().Config.Cmd)
}

func TestRunCreatesFile(t *testing.T) {
	r := newTestRunner(t, nil, WithExtraEnv("PATH=/usr/bin:/bin"))

	err := r.Apply(context.Background(), instruction(t, "RUN echo hi > x"))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(r.root, "x"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(got))
}

func TestRunNonZeroExit(t *testing.T) {
	r := newTestRunner(t, nil, WithExtraEnv("PATH=/usr/bin:/bin"))

	err := r.Apply(context.Background(), instruction(t, "RUN exit 3"))
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
}

func TestRunBestEffort(t *testing.T) {
	r := newTestRunner(t, nil, WithExtraEnv("PATH=/usr/bin:/bin"))

	err := r.Apply(context.Background(), instruction(t, "RUN --best-effort exit 3"))
	assert.NoError(t, err, "best-effort commands never fail the stage")
}

func TestRunCancellation(t *testing.T) {
	r := newTestRunner(t, nil, WithExtraEnv("PATH=/usr/bin:/bin"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Apply(ctx, instruction(t, "RUN sleep 30"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation must kill the process group promptly")
}

func TestCopyFromContext(t *testing.T) {
	r := newTestRunner(t, map[string]string{"f": "hello"})

	require.NoError(t, r.Apply(context.Background(), instruction(t, "COPY f /y")))

	got, err := os.ReadFile(filepath.Join(r.root, "y"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestCopyDirectoryFromContext(t *testing.T) {
	r := newTestRunner(t, map[string]string{
		"app/main.go": "package main",
		"app/sub/x":   "x",
	})

	require.NoError(t, r.Apply(context.Background(), instruction(t, "COPY app /src/")))

	got, err := os.ReadFile(filepath.Join(r.root, "src", "app", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(got))

	got, err = os.ReadFile(filepath.Join(r.root, "src", "app", "sub", "x"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestCopyMissingSource(t *testing.T) {
	r := newTestRunner(t, map[string]string{"f": "hello"})

	err := r.Apply(context.Background(), instruction(t, "COPY missing.txt /y"))
	require.Error(t, err)

	var notFound *SourceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing.txt", notFound.Source)
}

func TestCopyFromStage(t *testing.T) {
	stageRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(stageRoot, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stageRoot, "bin", "app"), []byte("ELF"), 0o755))

	stages := func(ref string) (string, bool) {
		if ref == "build" {
			return stageRoot, true
		}
		return "", false
	}

	df, err := dockerfile.ParseString("FROM scratch AS build\nFROM scratch\n" +
		"COPY --from=build /bin/app /app\n" +
		"COPY --from=build /nope /x\n")
	require.NoError(t, err)
	final := df.Stages[1].Instructions

	r := New(t.TempDir(), nil, stages, &ocispec.Image{}, WithIsolation(IsolationProcess))

	require.NoError(t, r.Apply(context.Background(), final[0]))

	got, err := os.ReadFile(filepath.Join(r.root, "app"))
	require.NoError(t, err)
	assert.Equal(t, "ELF", string(got))

	err = r.Apply(context.Background(), final[1])
	var notFound *SourceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "build", notFound.From)
}
