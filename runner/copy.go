package runner

import (
	"context"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
)

// SourceNotFoundError indicates a COPY or ADD source path does not
// exist in the build context or referenced stage at copy time.
type SourceNotFoundError struct {
	// Source is the path as written in the instruction.
	Source string

	// From is the stage reference for cross-stage copies, empty for
	// build-context copies.
	From string
}

// Error implements the error interface.
func (e *SourceNotFoundError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("copy source %q not found in stage %q", e.Source, e.From)
	}
	return fmt.Sprintf("copy source %q not found in build context", e.Source)
}

// copy applies a COPY or ADD instruction. Sources come from the build
// context, or from an earlier stage's retained root when --from is
// present. Destinations are always joined safely under the build root.
func (r *Runner) copy(ctx context.Context, inst *dockerfile.Instruction) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("copy cancelled: %w", err)
	}
	if len(inst.Args) < 2 {
		return fmt.Errorf("%s requires at least one source and a destination", inst.Name)
	}

	sources := inst.Args[:len(inst.Args)-1]
	dest := inst.Args[len(inst.Args)-1]
	if !path.IsAbs(dest) {
		dest = path.Join("/", r.config.Config.WorkingDir, dest)
	}
	// Trailing separator or multiple sources force a directory target.
	destIsDir := strings.HasSuffix(inst.Args[len(inst.Args)-1], "/") || len(sources) > 1

	if from, ok := inst.Flag("from"); ok {
		return r.copyFromStage(from, sources, dest, destIsDir)
	}
	return r.copyFromContext(sources, dest, destIsDir)
}

// copyFromContext copies build-context sources into the build root.
func (r *Runner) copyFromContext(sources []string, dest string, destIsDir bool) error {
	if r.context == nil {
		return &SourceNotFoundError{Source: sources[0]}
	}

	for _, src := range sources {
		matches, err := r.context.Resolve(src)
		if err != nil {
			return fmt.Errorf("failed to resolve copy source %q: %w", src, err)
		}
		if len(matches) == 0 {
			return &SourceNotFoundError{Source: src}
		}

		manyTargets := destIsDir || len(matches) > 1
		for _, rel := range matches {
			info, statErr := r.context.Stat(rel)
			if statErr != nil {
				return statErr
			}
			target := dest
			if manyTargets {
				target = path.Join(dest, path.Base(rel))
			}
			if info.IsDir() {
				if err := r.copyContextDir(rel, target); err != nil {
					return err
				}
				continue
			}
			if err := r.copyContextFile(rel, target, info.Mode()); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyContextDir copies a context directory tree under dest.
func (r *Runner) copyContextDir(rel, dest string) error {
	return r.context.Walk(rel, func(sub string, info iofs.FileInfo, _ error) error {
		inner := strings.TrimPrefix(sub, rel)
		target := path.Join(dest, inner)
		if info.IsDir() {
			full, err := securejoin.SecureJoin(r.root, target)
			if err != nil {
				return fmt.Errorf("failed to resolve %q: %w", target, err)
			}
			if err := os.MkdirAll(full, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			return nil
		}
		return r.copyContextFile(sub, target, info.Mode())
	})
}

// copyContextFile copies one context file to a build-root path.
func (r *Runner) copyContextFile(rel, dest string, mode iofs.FileMode) error {
	full, err := securejoin.SecureJoin(r.root, dest)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", dest, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", dest, err)
	}

	src, err := r.context.Open(rel)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy %s: %w", rel, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dest, err)
	}
	return nil
}

// copyFromStage copies from an earlier stage's retained root. This is a
// read-only cross-stage dependency; the source root is never modified.
func (r *Runner) copyFromStage(from string, sources []string, dest string, destIsDir bool) error {
	if r.stages == nil {
		return &SourceNotFoundError{Source: sources[0], From: from}
	}
	srcRoot, ok := r.stages(from)
	if !ok {
		return &SourceNotFoundError{Source: sources[0], From: from}
	}

	for _, src := range sources {
		matches, err := resolveInRoot(srcRoot, src)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return &SourceNotFoundError{Source: src, From: from}
		}

		manyTargets := destIsDir || len(matches) > 1
		for _, rel := range matches {
			source := filepath.Join(srcRoot, filepath.FromSlash(rel))
			target := dest
			if manyTargets {
				target = path.Join(dest, path.Base(rel))
			}
			if err := r.copyTree(source, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveInRoot expands a source spec against a stage root, supporting
// exact paths and shell globs. Results are root-relative and sorted.
func resolveInRoot(root, src string) ([]string, error) {
	src = strings.TrimPrefix(path.Clean(filepath.ToSlash(src)), "/")
	if src == "" || src == "." {
		return []string{"."}, nil
	}

	exact := filepath.Join(root, filepath.FromSlash(src))
	if _, err := os.Lstat(exact); err == nil {
		return []string{src}, nil
	}

	pattern := filepath.Join(root, filepath.FromSlash(src))
	globbed, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid copy pattern %q: %w", src, err)
	}
	matches := make([]string, 0, len(globbed))
	for _, g := range globbed {
		rel, relErr := filepath.Rel(root, g)
		if relErr != nil {
			return nil, fmt.Errorf("failed to relativize %s: %w", g, relErr)
		}
		matches = append(matches, filepath.ToSlash(rel))
	}
	sort.Strings(matches)
	return matches, nil
}

// copyTree copies a file, symlink or directory tree from an absolute
// source path into the build root at dest.
func (r *Runner) copyTree(source, dest string) error {
	info, err := os.Lstat(source)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", source, err)
	}

	full, err := securejoin.SecureJoin(r.root, dest)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", dest, err)
	}

	switch {
	case info.Mode()&iofs.ModeSymlink != 0:
		target, linkErr := os.Readlink(source)
		if linkErr != nil {
			return fmt.Errorf("failed to read symlink %s: %w", source, linkErr)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", dest, err)
		}
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("failed to replace %s: %w", dest, err)
		}
		if err := os.Symlink(target, full); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", dest, err)
		}
	case info.IsDir():
		entries, readErr := os.ReadDir(source)
		if readErr != nil {
			return fmt.Errorf("failed to read dir %s: %w", source, readErr)
		}
		if err := os.MkdirAll(full, info.Mode().Perm()|0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dest, err)
		}
		for _, e := range entries {
			if err := r.copyTree(filepath.Join(source, e.Name()), path.Join(dest, e.Name())); err != nil {
				return err
			}
		}
	default:
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", dest, err)
		}
		src, openErr := os.Open(source)
		if openErr != nil {
			return fmt.Errorf("failed to open %s: %w", source, openErr)
		}
		defer src.Close()
		dst, createErr := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o600)
		if createErr != nil {
			return fmt.Errorf("failed to create %s: %w", dest, createErr)
		}
		if _, copyErr := io.Copy(dst, src); copyErr != nil {
			dst.Close()
			return fmt.Errorf("failed to copy %s: %w", source, copyErr)
		}
		if closeErr := dst.Close(); closeErr != nil {
			return fmt.Errorf("failed to close %s: %w", dest, closeErr)
		}
	}
	return nil
}
