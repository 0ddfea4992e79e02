// Package index keeps the in-memory directory cache: a map from every known
// directory to its immediate children. It is derived entirely from the store
// and can be rebuilt at any time.
//
// An Index is not safe for concurrent use; its owner serializes access.
package index

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/internal/store"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

// Index maps directory paths to their children.
type Index struct {
	dirs map[string][]string
}

// New returns an index that knows only the root.
func New() *Index {
	return &Index{dirs: map[string][]string{vpath.Root: nil}}
}

// IsDir reports whether path is a known directory. The root always is.
func (ix *Index) IsDir(path string) bool {
	_, ok := ix.dirs[path]
	return ok
}

// EnsureDir registers path as a directory with no children if it is not
// already known.
func (ix *Index) EnsureDir(path string) {
	if _, ok := ix.dirs[path]; !ok {
		ix.dirs[path] = nil
	}
}

// Children returns a copy of the immediate children of dir.
func (ix *Index) Children(dir string) []string {
	return slices.Clone(ix.dirs[dir])
}

// Has reports whether path is listed under its parent.
func (ix *Index) Has(path string) bool {
	if path == vpath.Root {
		return true
	}
	return slices.Contains(ix.dirs[vpath.Parent(path)], path)
}

// AddChild appends child to dir's list, registering dir if needed.
func (ix *Index) AddChild(dir, child string) {
	kids := ix.dirs[dir]
	if slices.Contains(kids, child) {
		return
	}
	ix.dirs[dir] = append(kids, child)
}

// RemoveChild removes child from dir's list.
func (ix *Index) RemoveChild(dir, child string) {
	kids, ok := ix.dirs[dir]
	if !ok {
		return
	}
	if i := slices.Index(kids, child); i >= 0 {
		ix.dirs[dir] = slices.Delete(kids, i, i+1)
	}
}

// DropDir forgets path and every directory below it. The root is never
// dropped, only emptied.
func (ix *Index) DropDir(path string) {
	if path == vpath.Root {
		ix.dirs = map[string][]string{vpath.Root: nil}
		return
	}
	for d := range ix.dirs {
		if vpath.Within(d, path) {
			delete(ix.dirs, d)
		}
	}
}

// Len returns the number of known directories, including the root.
func (ix *Index) Len() int {
	return len(ix.dirs)
}

// List returns the descendants of path in depth-first order: each child is
// yielded before its own children. Only immediate children are produced
// unless recursive is set. The sequence reads the index as it is when
// iterated, so each call starts over.
func (ix *Index) List(path string, recursive bool) iter.Seq[string] {
	return func(yield func(string) bool) {
		ix.walk(path, recursive, yield)
	}
}

func (ix *Index) walk(dir string, recursive bool, yield func(string) bool) bool {
	for _, child := range ix.dirs[dir] {
		if !yield(child) {
			return false
		}
		if recursive && ix.IsDir(child) {
			if !ix.walk(child, true, yield) {
				return false
			}
		}
	}
	return true
}

// Snapshot returns a copy of the mapping with every child list sorted.
func (ix *Index) Snapshot() map[string][]string {
	out := make(map[string][]string, len(ix.dirs))
	for d, kids := range ix.dirs {
		out[d] = slices.Sorted(slices.Values(kids))
	}
	return out
}

// Rebuild replaces the mapping with one derived from a full store scan. If
// the scan fails the previous mapping is kept. Entries whose parent is not a
// stored directory are left out so that IsDir stays exact.
func (ix *Index) Rebuild(ctx context.Context, s store.Store) error {
	start := time.Now()

	dirs := map[string][]string{vpath.Root: nil}
	children := make(map[string][]string)
	err := s.Scan(ctx, func(p string, e *store.Entry) error {
		if p == vpath.Root {
			return nil
		}
		parent := vpath.Parent(p)
		children[parent] = append(children[parent], p)
		if e.IsDir() {
			if _, ok := dirs[p]; !ok {
				dirs[p] = nil
			}
		}
		return nil
	})
	if err != nil {
		metrics.RecordIndexRebuild(time.Since(start), false)
		return fmt.Errorf("rebuild index: %w", err)
	}

	orphans := 0
	for _, parent := range slices.Sorted(maps.Keys(children)) {
		kids := children[parent]
		if _, ok := dirs[parent]; !ok {
			orphans += len(kids)
			logging.Warn("index: entries under a missing directory",
				zap.String("parent", parent), zap.Int("count", len(kids)))
			continue
		}
		slices.Sort(kids)
		dirs[parent] = kids
	}

	ix.dirs = dirs
	metrics.RecordIndexRebuild(time.Since(start), true)
	metrics.SetIndexSize(len(dirs))
	if orphans > 0 {
		metrics.RecordIndexOrphans(orphans)
	}
	return nil
}
