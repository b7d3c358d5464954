// Package buildctx provides the build context: the set of files
// available to COPY and ADD instructions. Exclusion patterns from a
// .dockerignore file are applied before any instruction can observe the
// tree, and source content digests are exposed for cache fingerprinting.
package buildctx

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	fs "github.com/input-output-hk/catalyst-forge-libs/fs"
	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"
	"github.com/moby/patternmatcher"
	"github.com/opencontainers/go-digest"
)

// IgnoreFile is the exclusion list consulted at load time.
const IgnoreFile = ".dockerignore"

// Context is a read-only view over the files a build may copy from.
// It is safe for concurrent use once loaded.
type Context struct {
	fsys    fs.Filesystem
	root    string
	matcher *patternmatcher.PatternMatcher
}

// Options configures context loading.
type Options struct {
	// Filesystem allows injecting a custom filesystem implementation.
	// If nil, defaults to billy.NewBaseOSFS().
	Filesystem fs.Filesystem

	// ExtraExcludes are exclusion patterns applied in addition to the
	// context's .dockerignore file.
	ExtraExcludes []string
}

// Load opens the build context rooted at root and parses its
// .dockerignore file, if present.
func Load(root string, opts *Options) (*Context, error) {
	if opts == nil {
		opts = &Options{}
	}
	fsys := opts.Filesystem
	if fsys == nil {
		fsys = billy.NewBaseOSFS()
	}

	if exists, err := fsys.Exists(root); err != nil {
		return nil, fmt.Errorf("failed to check context root: %w", err)
	} else if !exists {
		return nil, fmt.Errorf("build context %s does not exist", root)
	}

	patterns := append([]string(nil), opts.ExtraExcludes...)
	ignorePath := filepath.Join(root, IgnoreFile)
	if exists, err := fsys.Exists(ignorePath); err == nil && exists {
		content, readErr := fsys.ReadFile(ignorePath)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read %s: %w", IgnoreFile, readErr)
		}
		patterns = append(patterns, parseIgnoreFile(string(content))...)
	}

	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid exclusion patterns: %w", err)
	}

	return &Context{
		fsys:    fsys,
		root:    root,
		matcher: matcher,
	}, nil
}

// parseIgnoreFile splits .dockerignore content into patterns, dropping
// comments and blank lines.
func parseIgnoreFile(content string) []string {
	var patterns []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(line, "/"))
	}
	return patterns
}

// Excluded reports whether the context-relative path is masked by an
// exclusion pattern. The ignore file itself is always masked.
func (c *Context) Excluded(rel string) (bool, error) {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == IgnoreFile {
		return true, nil
	}
	matched, err := c.matcher.MatchesOrParentMatches(rel)
	if err != nil {
		return false, fmt.Errorf("failed to match %q: %w", rel, err)
	}
	return matched, nil
}

// Resolve expands a COPY/ADD source into the context-relative paths it
// names. Exact paths and shell glob patterns are supported; excluded
// paths are never returned. The result is sorted for determinism.
func (c *Context) Resolve(src string) ([]string, error) {
	src = path.Clean(filepath.ToSlash(src))
	if src == "/" || src == "." {
		src = "."
	}
	src = strings.TrimPrefix(src, "/")

	var matches []string
	walkErr := c.fsys.Walk(c.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", p, err)
		}
		rel, relErr := filepath.Rel(c.root, p)
		if relErr != nil {
			return fmt.Errorf("failed to relativize %s: %w", p, relErr)
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		excluded, exclErr := c.Excluded(rel)
		if exclErr != nil {
			return exclErr
		}
		if excluded {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesSource(src, rel) {
			matches = append(matches, rel)
			if info.IsDir() {
				// The whole directory is copied; no need to record
				// children individually.
				return filepath.SkipDir
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Strings(matches)
	return matches, nil
}

// matchesSource reports whether rel is named by the source spec.
func matchesSource(src, rel string) bool {
	if src == "." {
		return true
	}
	if src == rel {
		return true
	}
	matched, err := path.Match(src, rel)
	return err == nil && matched
}

// Stat returns file info for a context-relative path.
func (c *Context) Stat(rel string) (os.FileInfo, error) {
	info, err := c.fsys.Stat(filepath.Join(c.root, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	return info, nil
}

// Open opens a context-relative file for reading.
func (c *Context) Open(rel string) (fs.File, error) {
	f, err := c.fsys.Open(filepath.Join(c.root, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	return f, nil
}

// Walk walks the subtree below a context-relative path, skipping
// excluded entries. The walk function receives context-relative paths.
func (c *Context) Walk(rel string, fn filepath.WalkFunc) error {
	start := filepath.Join(c.root, rel)
	err := c.fsys.Walk(start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		sub, relErr := filepath.Rel(c.root, p)
		if relErr != nil {
			return fmt.Errorf("failed to relativize %s: %w", p, relErr)
		}
		sub = filepath.ToSlash(sub)
		if sub != "." {
			excluded, exclErr := c.Excluded(sub)
			if exclErr != nil {
				return exclErr
			}
			if excluded {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		return fn(sub, info, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to walk context: %w", err)
	}
	return nil
}

// Digest computes a deterministic content digest for a context-relative
// path. Files hash their content and mode; directories hash the sorted
// digests of their non-excluded children. COPY fingerprints incorporate
// this so source changes invalidate the cache.
func (c *Context) Digest(rel string) (digest.Digest, error) {
	info, err := c.Stat(rel)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if !info.IsDir() {
		f, openErr := c.Open(rel)
		if openErr != nil {
			return "", openErr
		}
		defer f.Close()
		fmt.Fprintf(h, "file %s %o\n", path.Clean(rel), info.Mode().Perm())
		if _, copyErr := io.Copy(h, f); copyErr != nil {
			return "", fmt.Errorf("failed to hash %s: %w", rel, copyErr)
		}
		return digest.NewDigest(digest.SHA256, h), nil
	}

	fmt.Fprintf(h, "dir %s\n", path.Clean(rel))
	walkErr := c.Walk(rel, func(sub string, subInfo os.FileInfo, _ error) error {
		if subInfo.IsDir() || sub == rel {
			return nil
		}
		sd, dErr := c.Digest(sub)
		if dErr != nil {
			return dErr
		}
		fmt.Fprintf(h, "%s %s\n", sub, sd)
		return nil
	})
	if walkErr != nil {
		return "", walkErr
	}
	return digest.NewDigest(digest.SHA256, h), nil
}
