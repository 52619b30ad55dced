// Package foldercache implements a persistent, mtime-keyed file cache:
// a {file path → FileOnDisk} map over one or more folder trees,
// rehashing only files whose (mtime, size) changed since the prior
// run. Roots are walked in parallel, one goroutine per root.
package foldercache

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sanguine-rose/availability/engerr"
	"github.com/sanguine-rose/availability/hash"
	"github.com/sanguine-rose/availability/memo"
	"github.com/sanguine-rose/availability/pathnorm"
	"golang.org/x/sync/errgroup"
)

// hashWorkers bounds how many candidate files rehash concurrently
// within one Scan. A folder's candidate list isn't known until the
// walk finishes, so per-file hashing can't be registered as scheduler
// tasks up front the way per-archive hashing is; this in-package
// worker pool keeps hashing from serializing behind a single goroutine
// without threading the scheduler through FolderCache.
var hashWorkers = runtime.GOMAXPROCS(0)

// FileOnDisk is one entry of the cache. Identity is Path.
type FileOnDisk struct {
	Path    string
	ModTime int64 // UnixNano, for exact comparison and msgpack portability.
	Size    int64
	Hash    hash.Hash
}

// FolderToCache names one root to scan, with exclude glob patterns
// relative to root.
type FolderToCache struct {
	Root     string
	Excludes []string
}

// Cache enumerates every regular file under its configured roots and
// maintains a persistent, validated {path → FileOnDisk} map, rehashing
// only what changed.
type Cache struct {
	name    string
	folders []FolderToCache
	memo    *memo.Memo

	mu          sync.RWMutex
	filesByPath map[string]FileOnDisk
	ready       bool
}

// New constructs a Cache identified by name (used to namespace its
// memo prefix, so a downloads cache and a github cache sharing one
// cachedir don't collide).
func New(name string, folders []FolderToCache, m *memo.Memo) *Cache {
	return &Cache{name: name, folders: folders, memo: m}
}

func (c *Cache) prefix() string { return "sanguine.foldercache." + c.name }

func excluded(rel string, excludes []string) bool {
	for _, pattern := range excludes {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, pattern+"/") {
			return true
		}
	}
	return false
}

// candidate is one file discovered on disk, prior to hash comparison.
type candidate struct {
	path    string
	modTime int64
	size    int64
}

func (c *Cache) enumerate(folder FolderToCache) ([]candidate, error) {
	var out []candidate
	err := filepath.WalkDir(folder.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// A file disappearing mid-walk is not a hard failure:
			// skip it, keep walking.
			if os.IsNotExist(err) {
				return nil
			}
			return engerr.Wrap(engerr.IoError, "walk "+p, err)
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return engerr.Wrap(engerr.IoError, "stat "+p, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(folder.Root, p)
		if err != nil {
			return engerr.Wrap(engerr.IoError, "relativize "+p, err)
		}
		if excluded(pathnorm.Path(rel), folder.Excludes) {
			return nil
		}

		out = append(out, candidate{
			path:    pathnorm.Path(p),
			modTime: info.ModTime().UnixNano(),
			size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan loads the prior map, walks every root in parallel, rehashes
// only files whose (mtime, size) differ from the prior entry (or that
// are new), and persists the new map. The prior-map load/save goes
// through memo.Put/Get rather than memo.Compute: the map genuinely
// changes on every run (that's the whole point), so gating the write
// on an unchanging params/input-file snapshot would pin it to whatever
// was stored on the very first scan. Rehashing runs on a bounded
// worker pool (hashWorkers), fanned out per candidate, so a large
// changed set never serializes behind one goroutine.
func (c *Cache) Scan() error {
	var prior map[string]FileOnDisk
	c.memo.Get(c.prefix(), &prior)

	var mu sync.Mutex
	var allCandidates []candidate
	g := new(errgroup.Group)
	for _, folder := range c.folders {
		folder := folder
		g.Go(func() error {
			found, err := c.enumerate(folder)
			if err != nil {
				return err
			}
			mu.Lock()
			allCandidates = append(allCandidates, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	result := make(map[string]FileOnDisk, len(allCandidates))
	var resultMu sync.Mutex
	hg := new(errgroup.Group)
	hg.SetLimit(hashWorkers)
	for _, cand := range allCandidates {
		cand := cand
		if old, ok := prior[cand.path]; ok && old.ModTime == cand.modTime && old.Size == cand.size {
			resultMu.Lock()
			result[cand.path] = old
			resultMu.Unlock()
			continue
		}
		hg.Go(func() error {
			size, h, err := hash.File(cand.path)
			if err != nil {
				// A file disappearing between enumeration and hashing is
				// dropped from the map, not a failure.
				if engErr, ok := err.(*engerr.Error); ok && (engErr.Kind == engerr.IoError || engErr.Kind == engerr.NotAFile) {
					if _, statErr := os.Lstat(cand.path); os.IsNotExist(statErr) {
						return nil
					}
				}
				return err
			}
			resultMu.Lock()
			result[cand.path] = FileOnDisk{Path: cand.path, ModTime: cand.modTime, Size: size, Hash: h}
			resultMu.Unlock()
			return nil
		})
	}
	if err := hg.Wait(); err != nil {
		return err
	}

	if err := c.memo.Put(c.prefix(), result); err != nil {
		return err
	}

	c.mu.Lock()
	c.filesByPath = result
	c.ready = true
	c.mu.Unlock()

	return nil
}

// AllFiles returns every file currently known to the cache. Safe to
// call only after Scan has returned; callers that depend on the map
// subscribe to the cache's ready event via the scheduler's dependency
// edges rather than polling Ready.
func (c *Cache) AllFiles() []FileOnDisk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FileOnDisk, 0, len(c.filesByPath))
	for _, f := range c.filesByPath {
		out = append(out, f)
	}
	return out
}

// Ready reports whether Scan has completed at least once.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}
