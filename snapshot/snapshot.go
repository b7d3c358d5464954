// Package snapshot computes filesystem diffs between points in a build
// and serializes them as content-addressed image layers. Comparison is
// by content hash and metadata; wall-clock timestamps are normalized
// away so that independent builds of identical inputs produce
// byte-identical layers.
package snapshot

import (
	"crypto/sha256"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/opencontainers/go-digest"
)

// Record describes one path in a filesystem scan. Timestamps are
// deliberately absent: they never participate in comparison.
type Record struct {
	Mode       iofs.FileMode
	UID        int
	GID        int
	Digest     digest.Digest // content hash; empty for dirs and symlinks
	LinkTarget string        // symlink target; empty otherwise
	Size       int64
}

// Manifest maps slash-separated root-relative paths to their records.
type Manifest map[string]Record

// Diff is the set of paths that changed between two scans.
type Diff struct {
	// Added and Modified paths, present in the new state.
	Changed []string

	// Deleted paths, present only in the old state. They serialize as
	// whiteout tombstones so a deleted-then-recreated path in a later
	// layer is distinguishable from one never touched.
	Deleted []string
}

// Empty reports whether the diff carries no entries.
func (d *Diff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Deleted) == 0
}

// Snapshotter scans a build-root directory and diffs successive states.
// It is owned by a single stage's build loop and is not safe for
// concurrent use.
type Snapshotter struct {
	root     string
	mappings IDMappings
	prev     Manifest
}

// NewSnapshotter creates a Snapshotter for the build root. The initial
// reference point is empty; call Reset after materializing a base image
// so its content does not appear in the first diff.
func NewSnapshotter(root string, mappings IDMappings) *Snapshotter {
	return &Snapshotter{
		root:     root,
		mappings: mappings,
		prev:     Manifest{},
	}
}

// Root returns the build-root directory.
func (s *Snapshotter) Root() string {
	return s.root
}

// Reset re-scans the root and makes the result the new reference point.
func (s *Snapshotter) Reset() error {
	m, err := s.Scan()
	if err != nil {
		return err
	}
	s.prev = m
	return nil
}

// Scan records the current state of every path under the root.
func (s *Snapshotter) Scan() (Manifest, error) {
	manifest := Manifest{}
	err := filepath.WalkDir(s.root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", p, err)
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return fmt.Errorf("failed to relativize %s: %w", p, relErr)
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return fmt.Errorf("failed to stat %s: %w", p, infoErr)
		}

		rec := Record{
			Mode: info.Mode(),
			Size: info.Size(),
		}
		uid, gid := ownership(info)
		rec.UID = s.mappings.MapUID(uid)
		rec.GID = s.mappings.MapGID(gid)

		switch {
		case info.Mode()&iofs.ModeSymlink != 0:
			target, linkErr := os.Readlink(p)
			if linkErr != nil {
				return fmt.Errorf("failed to read symlink %s: %w", p, linkErr)
			}
			rec.LinkTarget = target
		case info.Mode().IsRegular():
			dgst, hashErr := hashFile(p)
			if hashErr != nil {
				return hashErr
			}
			rec.Digest = dgst
		case info.IsDir():
			// mode and ownership only
		default:
			// Sockets, devices and pipes cannot be represented in a
			// layer produced without privileges; skip them.
			return nil
		}

		manifest[rel] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// Diff scans the root and computes the change set against the previous
// reference point, which then advances to the new state.
func (s *Snapshotter) Diff() (*Diff, Manifest, error) {
	curr, err := s.Scan()
	if err != nil {
		return nil, nil, err
	}

	diff := &Diff{}
	for p, rec := range curr {
		old, existed := s.prev[p]
		if !existed || !equalRecords(old, rec) {
			diff.Changed = append(diff.Changed, p)
		}
	}
	for p := range s.prev {
		if _, still := curr[p]; !still {
			diff.Deleted = append(diff.Deleted, p)
		}
	}
	sort.Strings(diff.Changed)
	sort.Strings(diff.Deleted)

	s.prev = curr
	return diff, curr, nil
}

func equalRecords(a, b Record) bool {
	return a.Mode == b.Mode &&
		a.UID == b.UID &&
		a.GID == b.GID &&
		a.Digest == b.Digest &&
		a.LinkTarget == b.LinkTarget
}

func hashFile(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", p, err)
	}
	return digest.NewDigest(digest.SHA256, h), nil
}

// ownership extracts host uid/gid from file info, falling back to the
// current user where the platform does not expose them.
func ownership(info iofs.FileInfo) (int, int) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return os.Getuid(), os.Getgid()
}
