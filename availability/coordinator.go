// Package availability wires the Hasher, FolderCache, Catalog, and
// Scheduler components into the availability engine's coordinator: it
// owns a downloads FolderCache, one github FolderCache covering every
// tracked folder, a Catalog, and the scheduler handle, and answers the
// retriever query.
package availability

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sanguine-rose/availability/archive"
	"github.com/sanguine-rose/availability/catalog"
	"github.com/sanguine-rose/availability/engerr"
	"github.com/sanguine-rose/availability/foldercache"
	"github.com/sanguine-rose/availability/hash"
	"github.com/sanguine-rose/availability/memo"
	"github.com/sanguine-rose/availability/pathnorm"
	"github.com/sanguine-rose/availability/retriever"
	"github.com/sanguine-rose/availability/scheduler"
)

// maxRetrieverDepth bounds archivedRetrievers recursion. An
// archive-hash cycle is cryptographically infeasible (an archive
// cannot contain itself), but the cap keeps a corrupted catalog from
// recursing unbounded.
const maxRetrieverDepth = 16

// GithubFolder names one version-controlled asset tree tracked by
// author/project identity.
type GithubFolder struct {
	LocalFolder string
	Author      string
	Project     string
}

// NewGithubFolder resolves Author/Project from localFolder's checked-
// out "origin" remote (githuborigin.go), failing engerr.MissingOrigin
// if the folder isn't a git checkout with a recognizable GitHub
// remote.
func NewGithubFolder(localFolder string) (GithubFolder, error) {
	author, project, ok := githubOrigin(localFolder)
	if !ok {
		return GithubFolder{}, engerr.New(engerr.MissingOrigin, "cannot resolve github origin for "+localFolder)
	}
	return GithubFolder{LocalFolder: localFolder, Author: author, Project: project}, nil
}

// Coordinator owns the engine's caches, catalog, and task wiring, and
// answers the retriever query once Ready.
type Coordinator struct {
	downloadsCache *foldercache.Cache
	githubCache    *foldercache.Cache
	githubFolders  []GithubFolder
	catalog        *catalog.Catalog
	memo           *memo.Memo
	hasher         *archive.Hasher
	registry       *archive.Registry
	journalPath    string

	mu           sync.RWMutex
	githubByHash map[hash.Hash][]foldercache.FileOnDisk
	ready        bool
	cacheData    memo.CacheData
	warnings     []error
}

// New constructs a Coordinator. downloads lists download-folder roots;
// githubFolders lists tracked version-controlled asset trees;
// journalPath is the archives journal (known-archives.json); cacheData
// is the memo validity bookkeeping persisted across CLI runs
// (memo.SaveCacheData/LoadCacheData). Pass memo.CacheData{} on a first
// run with nothing yet on disk.
func New(m *memo.Memo, registry *archive.Registry, scratchDir string, downloads []string, githubFolders []GithubFolder, journalPath string, cacheData memo.CacheData) *Coordinator {
	downloadFolders := make([]foldercache.FolderToCache, len(downloads))
	for i, d := range downloads {
		downloadFolders[i] = foldercache.FolderToCache{Root: d}
	}
	githubCacheFolders := make([]foldercache.FolderToCache, len(githubFolders))
	for i, g := range githubFolders {
		githubCacheFolders[i] = foldercache.FolderToCache{Root: g.LocalFolder}
	}

	if cacheData == nil {
		cacheData = memo.CacheData{}
	}
	return &Coordinator{
		downloadsCache: foldercache.New("downloads", downloadFolders, m),
		githubCache:    foldercache.New("github", githubCacheFolders, m),
		githubFolders:  githubFolders,
		catalog:        catalog.New(),
		memo:           m,
		hasher:         archive.NewHasher(registry, scratchDir),
		registry:       registry,
		journalPath:    journalPath,
		cacheData:      cacheData,
	}
}

// CacheData returns the current memo validity bookkeeping, merged with
// every overwrite produced so far. Callers persist this after Run via
// memo.SaveCacheData so the next invocation's catalog.Load can
// actually hit instead of permanently missing.
func (c *Coordinator) CacheData() memo.CacheData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(memo.CacheData, len(c.cacheData))
	for k, v := range c.cacheData {
		out[k] = v
	}
	return out
}

// Catalog exposes the underlying catalog for direct inspection (tests,
// CLI summary output).
func (c *Coordinator) Catalog() *catalog.Catalog { return c.catalog }

// Ready reports whether the coordinator has finished its startup
// pipeline.
func (c *Coordinator) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Warnings returns the non-fatal problems encountered during the
// pipeline (corrupt archives omitted from the catalog, files with
// unsupported formats). The caller decides how to log them.
func (c *Coordinator) Warnings() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]error, len(c.warnings))
	copy(out, c.warnings)
	return out
}

func (c *Coordinator) warn(err error) {
	c.mu.Lock()
	c.warnings = append(c.warnings, err)
	c.mu.Unlock()
}

const (
	taskDownloadsScan  = "sanguine.available.downloads.scan"
	taskGithubScan     = "sanguine.available.github.scan"
	taskCatalogLoad    = "sanguine.available.catalog.load"
	taskStartHashing   = "sanguine.available.starthashing"
	taskDoneHashing    = "sanguine.available.donehashing"
	taskHashOwnPrefix  = "sanguine.available.hashown."
	taskStartOrigins   = "sanguine.available.startorigins"
	taskOriginsCompute = "sanguine.available.origins.compute"
	taskOriginsIngest  = "sanguine.available.origins.ingest"
	taskCatalogSave    = "sanguine.available.catalog.save"
	taskReady          = "sanguine.available.ready"
)

// StartTasks registers the full startup task graph onto p: the two
// cache scans and the catalog load run first, hashing fans out over
// every uncataloged archive, origins are ingested from .meta sidecars,
// and the final ready task builds the github index once hashing, the
// github scan, and origins ingestion are complete. The catalog is
// persisted by a separate save task that origins ingestion launches.
func (c *Coordinator) StartTasks(p *scheduler.Parallel) error {
	if err := p.AddTask(taskDownloadsScan, nil, func(any) (any, error) {
		return nil, c.downloadsCache.Scan()
	}, nil); err != nil {
		return err
	}
	if err := p.AddTask(taskGithubScan, nil, func(any) (any, error) {
		return nil, c.githubCache.Scan()
	}, nil); err != nil {
		return err
	}
	if err := p.AddOwnTask(taskCatalogLoad, nil,
		scheduler.DataDeps{Writes: []string{"catalog.archives", "catalog.origins"}},
		func(*scheduler.Parallel, []any) error {
			c.mu.Lock()
			current := c.cacheData
			c.mu.Unlock()
			overwrites, err := c.catalog.Load(c.memo, current, c.journalPath)
			if err != nil {
				return err
			}
			c.mu.Lock()
			for k, v := range overwrites {
				c.cacheData[k] = v
			}
			c.mu.Unlock()
			return nil
		}); err != nil {
		return err
	}
	if err := p.AddPlaceholder(taskReady); err != nil {
		return err
	}

	if err := p.AddOwnTask(taskStartHashing, []string{taskDownloadsScan, taskCatalogLoad},
		scheduler.DataDeps{Reads: []string{"catalog.archives"}}, c.startHashingOwnTask); err != nil {
		return err
	}
	return p.AddOwnTask(taskStartOrigins, []string{taskDownloadsScan},
		scheduler.DataDeps{}, c.startOriginsOwnTask)
}

func (c *Coordinator) startHashingOwnTask(p *scheduler.Parallel, _ []any) error {
	for _, f := range c.downloadsCache.AllFiles() {
		ext := strings.ToLower(filepath.Ext(f.Path))
		if archive.TopLevelSkip(ext) {
			continue
		}
		if _, ok := c.catalog.ArchiveByHash(f.Hash, true); ok {
			continue
		}
		if !c.registry.Registered(f.Path) {
			// Unknown extension: a warning, not a failure. No hash task
			// is scheduled for it.
			c.warn(engerr.New(engerr.UnknownExtension, "no archive handler for "+f.Path))
			continue
		}
		if err := c.scheduleHash(p, f.Path, f.Hash, f.Size); err != nil {
			return err
		}
	}
	// donehashing's own body performs the placeholder replace itself:
	// "ready" cannot list taskDoneHashing as a dependency, since
	// taskDoneHashing doesn't exist yet when StartTasks reserves the
	// placeholder. Doing the replace from here means
	// "ready" is wired in causally after every hashown.* task has
	// already completed, with no dependency-graph chicken-and-egg.
	return p.AddOwnTask(taskDoneHashing, []string{taskHashOwnPrefix + "*"}, scheduler.DataDeps{},
		func(sched *scheduler.Parallel, _ []any) error { return c.finishStartup(sched) })
}

func (c *Coordinator) scheduleHash(p *scheduler.Parallel, path string, h hash.Hash, size int64) error {
	hashTaskName := "sanguine.available.hash." + path
	if err := p.AddTask(hashTaskName, nil, func(any) (any, error) {
		ar, err := c.hasher.HashArchive(path, h, size)
		if err != nil {
			// A corrupt or unextractable archive is omitted from the
			// catalog; the rest of the batch keeps hashing. Anything
			// else (an I/O failure, say) fails the task for real.
			var ee *engerr.Error
			if errors.As(err, &ee) && ee.Kind == engerr.ArchiveCorrupt {
				c.warn(err)
				return nil, nil
			}
			return nil, err
		}
		return ar, nil
	}, nil); err != nil {
		return err
	}
	// No DataDeps declared: each per-archive own task touches only its
	// own archive hash, never overlapping with a sibling's, and own
	// tasks are serialized on the coordinator thread regardless, so
	// there is nothing here for two concurrently-eligible hash-own
	// tasks to race on.
	return p.AddOwnTask(taskHashOwnPrefix+path, []string{hashTaskName}, scheduler.DataDeps{},
		func(_ *scheduler.Parallel, outs []any) error {
			ar, ok := outs[0].(archive.Archive)
			if !ok {
				// The pure task swallowed a corrupt archive; nothing to
				// insert.
				return nil
			}
			return c.catalog.InsertArchive(ar)
		})
}

// finishStartup replaces the "ready" placeholder with the real
// closing task: build the github-by-hash index and flip Ready().
// Invoked from taskDoneHashing's own body, so by construction it only
// runs once every hashown.* task has completed; persisting the
// catalog belongs to the separate save task launched by origins
// ingestion.
func (c *Coordinator) finishStartup(p *scheduler.Parallel) error {
	return p.ReplacePlaceholder(taskReady, []string{taskGithubScan, taskOriginsIngest},
		scheduler.DataDeps{Reads: []string{"catalog.archives"}},
		func(*scheduler.Parallel, []any) error {
			index := map[hash.Hash][]foldercache.FileOnDisk{}
			for _, f := range c.githubCache.AllFiles() {
				index[f.Hash] = append(index[f.Hash], f)
			}
			c.mu.Lock()
			c.githubByHash = index
			c.ready = true
			c.mu.Unlock()
			return nil
		})
}

// RetrieversByHash returns the set of feasible retrievers for a
// content hash, archived recipes first, then github ones. An empty
// result is legal.
func (c *Coordinator) RetrieversByHash(h hash.Hash) ([]retriever.Retriever, error) {
	if h == hash.Zero {
		return []retriever.Retriever{retriever.ZeroRetriever{}}, nil
	}
	archived, err := c.archivedRetrievers(h, 0)
	if err != nil {
		return nil, err
	}
	out := make([]retriever.Retriever, 0, len(archived))
	for _, r := range archived {
		out = append(out, r)
	}
	for _, r := range c.githubRetrievers(h) {
		out = append(out, r)
	}
	return out, nil
}

// archivedRetrievers finds every archive member matching h, emitting a
// one-step retriever per match plus, for every way the enclosing
// archive can itself be recovered, a longer chained retriever.
func (c *Coordinator) archivedRetrievers(h hash.Hash, depth int) ([]retriever.ArchiveRetriever, error) {
	if depth > maxRetrieverDepth {
		return nil, engerr.New(engerr.RetrieverDepthExceeded, "archive retriever recursion exceeded depth limit")
	}
	refs := c.catalog.FilesByHash(h)
	if len(refs) == 0 {
		return nil, nil
	}

	var out []retriever.ArchiveRetriever
	for _, ref := range refs {
		steps := stepsFor(ref)
		out = append(out, retriever.ArchiveRetriever{Hash: h, Size: ref.FileInArchive.Size, Steps: steps})

		nested, err := c.archivedRetrievers(ref.Archive.ArchiveHash, depth+1)
		if err != nil {
			return nil, err
		}
		for _, nr := range nested {
			combined := make([]retriever.ArchiveStep, 0, len(nr.Steps)+len(steps))
			combined = append(combined, nr.Steps...)
			combined = append(combined, steps...)
			out = append(out, retriever.ArchiveRetriever{Hash: h, Size: ref.FileInArchive.Size, Steps: combined})
		}
	}
	return out, nil
}

// stepsFor builds the extraction chain for one archive member. A
// member at nesting depth n yields n steps: every intermediate
// intra-path prefix names a nested archive recorded alongside the
// member in the same Archive, so each layer's hash and size are
// recovered from the enclosing record. Each step's IntraPath is the
// single segment within its immediate enclosing archive.
func stepsFor(ref catalog.FileRef) []retriever.ArchiveStep {
	ip := ref.FileInArchive.IntraPath
	flat := []retriever.ArchiveStep{{
		FileHash:    ref.FileInArchive.Hash,
		FileSize:    ref.FileInArchive.Size,
		ArchiveHash: ref.Archive.ArchiveHash,
		ArchiveSize: ref.Archive.ArchiveSize,
		IntraPath:   ip,
	}}
	if len(ip) == 1 {
		return flat
	}

	byPath := make(map[string]archive.FileInArchive, len(ref.Archive.Files))
	for _, fi := range ref.Archive.Files {
		byPath[pathnorm.Join(fi.IntraPath)] = fi
	}

	steps := make([]retriever.ArchiveStep, 0, len(ip))
	enclosingHash, enclosingSize := ref.Archive.ArchiveHash, ref.Archive.ArchiveSize
	for i := 1; i <= len(ip); i++ {
		var fi archive.FileInArchive
		if i == len(ip) {
			fi = ref.FileInArchive
		} else {
			nested, ok := byPath[pathnorm.Join(ip[:i])]
			if !ok {
				// An intermediate layer is missing from the record;
				// the flat single-step recipe still locates the member.
				return flat
			}
			fi = nested
		}
		steps = append(steps, retriever.ArchiveStep{
			FileHash:    fi.Hash,
			FileSize:    fi.Size,
			ArchiveHash: enclosingHash,
			ArchiveSize: enclosingSize,
			IntraPath:   []string{ip[i-1]},
		})
		enclosingHash, enclosingSize = fi.Hash, fi.Size
	}
	return steps
}

// githubRetrievers maps h to the tracked version-controlled files
// carrying the same content, resolving each back to the folder that
// owns it.
func (c *Coordinator) githubRetrievers(h hash.Hash) []retriever.GithubRetriever {
	c.mu.RLock()
	files := c.githubByHash[h]
	c.mu.RUnlock()

	var out []retriever.GithubRetriever
	for _, f := range files {
		for _, gf := range c.githubFolders {
			// Cached paths were normalized at ingress; the configured
			// folder root must go through the same normalization before
			// the prefix match.
			root := pathnorm.Path(gf.LocalFolder)
			if !strings.HasPrefix(f.Path, root) {
				continue
			}
			intra := strings.TrimPrefix(f.Path, root)
			out = append(out, retriever.GithubRetriever{
				Hash:      h,
				Size:      f.Size,
				Author:    gf.Author,
				Project:   gf.Project,
				IntraPath: strings.Split(strings.TrimPrefix(intra, "/"), "/"),
			})
			break
		}
	}
	return out
}
