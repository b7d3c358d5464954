package buildctx

import (
	"testing"

	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T, files map[string]string) *billy.FS {
	t.Helper()
	memfs := billy.NewInMemoryFS()
	for p, content := range files {
		require.NoError(t, memfs.WriteFile(p, []byte(content), 0o644))
	}
	return memfs
}

func TestLoadAndResolve(t *testing.T) {
	memfs := newTestFS(t, map[string]string{
		"ctx/app/main.go":   "package main",
		"ctx/app/util.go":   "package main // util",
		"ctx/docs/notes.md": "notes",
		"ctx/f":             "hello",
	})

	c, err := Load("ctx", &Options{Filesystem: memfs})
	require.NoError(t, err)

	matches, err := c.Resolve("f")
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, matches)

	matches, err = c.Resolve("app/*.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/main.go", "app/util.go"}, matches)

	matches, err = c.Resolve("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, matches, "directory sources resolve to the directory itself")

	matches, err = c.Resolve("missing.txt")
	require.NoError(t, err)
	assert.Empty(t, matches, "missing sources resolve to nothing")
}

func TestLoadMissingRoot(t *testing.T) {
	memfs := billy.NewInMemoryFS()
	_, err := Load("nope", &Options{Filesystem: memfs})
	require.Error(t, err)
}

func TestDockerignoreExclusions(t *testing.T) {
	memfs := newTestFS(t, map[string]string{
		"ctx/.dockerignore": "# ignore secrets\nsecrets/\n*.log\n",
		"ctx/secrets/key":   "hunter2",
		"ctx/build.log":     "noisy",
		"ctx/main.go":       "package main",
	})

	c, err := Load("ctx", &Options{Filesystem: memfs})
	require.NoError(t, err)

	excluded, err := c.Excluded("secrets/key")
	require.NoError(t, err)
	assert.True(t, excluded)

	excluded, err = c.Excluded("build.log")
	require.NoError(t, err)
	assert.True(t, excluded)

	excluded, err = c.Excluded(".dockerignore")
	require.NoError(t, err)
	assert.True(t, excluded, "the ignore file itself is never copyable")

	matches, err := c.Resolve(".")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, matches, "exclusions apply before any COPY can see the tree")
}

func TestExtraExcludes(t *testing.T) {
	memfs := newTestFS(t, map[string]string{
		"ctx/a.txt": "a",
		"ctx/b.txt": "b",
	})

	c, err := Load("ctx", &Options{Filesystem: memfs, ExtraExcludes: []string{"b.txt"}})
	require.NoError(t, err)

	matches, err := c.Resolve("*.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, matches)
}

func TestDigestDeterminism(t *testing.T) {
	files := map[string]string{
		"ctx/app/main.go": "package main",
		"ctx/app/sub/x":   "x",
	}

	c1, err := Load("ctx", &Options{Filesystem: newTestFS(t, files)})
	require.NoError(t, err)
	c2, err := Load("ctx", &Options{Filesystem: newTestFS(t, files)})
	require.NoError(t, err)

	d1, err := c1.Digest("app")
	require.NoError(t, err)
	d2, err := c2.Digest("app")
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "identical trees must digest identically")

	// Changing one file changes the tree digest.
	changed := newTestFS(t, map[string]string{
		"ctx/app/main.go": "package main // changed",
		"ctx/app/sub/x":   "x",
	})
	c3, err := Load("ctx", &Options{Filesystem: changed})
	require.NoError(t, err)
	d3, err := c3.Digest("app")
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}
