// Package catalog implements the in-memory index over all known
// archives: two maps (archive-by-hash, file-by-hash with archive
// back-refs) plus file-origin records, loaded from and persisted to
// the journal.
package catalog

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sanguine-rose/availability/archive"
	"github.com/sanguine-rose/availability/engerr"
	"github.com/sanguine-rose/availability/hash"
	"github.com/sanguine-rose/availability/journal"
	"github.com/sanguine-rose/availability/memo"
)

// FileOrigin explains where a file originally came from: a URL, an
// expected hash to verify against, and an optional human prompt for
// origins that require manual confirmation. Attached to archive
// hashes, not file-in-archive hashes.
type FileOrigin struct {
	Kind         string
	URL          string
	ExpectedHash hash.Hash
	Prompt       string
}

// FileRef pairs an Archive with one of its members, as returned by
// FilesByHash.
type FileRef struct {
	Archive       archive.Archive
	FileInArchive archive.FileInArchive
}

// Catalog holds the archive and file indexes, guarded by a mutex so the
// read path may run concurrently with the coordinator's shutdown
// sequence; all mutation happens from the single coordinator thread
// and takes the same lock.
type Catalog struct {
	mu                  sync.RWMutex
	archivesByHash      map[hash.Hash]archive.Archive
	archivedFilesByHash map[hash.Hash][]FileRef
	origins             map[hash.Hash][]FileOrigin
}

// New constructs an empty Catalog.
func New() *Catalog {
	return &Catalog{
		archivesByHash:      map[hash.Hash]archive.Archive{},
		archivedFilesByHash: map[hash.Hash][]FileRef{},
		origins:             map[hash.Hash][]FileOrigin{},
	}
}

// InsertArchive adds a fully-hashed archive. Re-inserting an archive
// hash already present fails with engerr.DuplicateArchive.
func (c *Catalog) InsertArchive(ar archive.Archive) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.archivesByHash[ar.ArchiveHash]; exists {
		return engerr.New(engerr.DuplicateArchive, "archive "+ar.ArchiveHash.String()+" already in catalog")
	}
	c.archivesByHash[ar.ArchiveHash] = ar
	for _, fi := range ar.Files {
		c.archivedFilesByHash[fi.Hash] = append(c.archivedFilesByHash[fi.Hash], FileRef{Archive: ar, FileInArchive: fi})
	}
	return nil
}

// ArchiveByHash returns the archive for h. If partialOK, an archive
// known only by origin (not yet hashed) is returned too, as a stub
// with no Files.
func (c *Catalog) ArchiveByHash(h hash.Hash, partialOK bool) (archive.Archive, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ar, ok := c.archivesByHash[h]; ok {
		return ar, true
	}
	if partialOK {
		if _, ok := c.origins[h]; ok {
			return archive.Archive{ArchiveHash: h}, true
		}
	}
	return archive.Archive{}, false
}

// FilesByHash returns every (Archive, FileInArchive) pair whose member
// hash is h.
func (c *Catalog) FilesByHash(h hash.Hash) []FileRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := c.archivedFilesByHash[h]
	out := make([]FileRef, len(refs))
	copy(out, refs)
	return out
}

// AddOrigin records a file-origin for archiveHash.
func (c *Catalog) AddOrigin(archiveHash hash.Hash, origin FileOrigin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.origins[archiveHash] = append(c.origins[archiveHash], origin)
}

// Origins returns every origin recorded for archiveHash.
func (c *Catalog) Origins(archiveHash hash.Hash) []FileOrigin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FileOrigin, len(c.origins[archiveHash]))
	copy(out, c.origins[archiveHash])
	return out
}

// AllArchives returns every fully-hashed archive currently known,
// sorted by archive hash.
func (c *Catalog) AllArchives() []archive.Archive {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]archive.Archive, 0, len(c.archivesByHash))
	for _, ar := range c.archivesByHash {
		out = append(out, ar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchiveHash.String() < out[j].ArchiveHash.String() })
	return out
}

const loadPrefix = "sanguine.catalog.load"

// fullArchivesPrefix keys the full-fidelity archive blob Save writes
// and Load reads back (memo.Put/Get, unconditional write-through).
// The text journal at journalPath stores only truncated file hashes;
// it is the diff-friendly export format, not the reload source for the
// full-width hashes the in-memory maps are keyed by. This blob is the
// actual reload source.
const fullArchivesPrefix = "sanguine.catalog.fullarchives"

// Load populates the catalog from the journal file at journalPath.
// journalPath doubles as both the memo's sole input-file dependency
// and its params for loadPrefix, so any edit to the journal, whether
// its content or its own existence, invalidates that memo entry. If
// journalPath does not exist yet (first run, no prior journal), Load
// succeeds with an empty catalog.
//
// Decoding the text journal only recovers truncated file hashes, so it
// is used here purely to detect journal corruption
// (engerr.JournalParseError) and as a reference shape to validate the
// separately pickled full-fidelity archives (fullArchivesPrefix)
// against: if re-encoding that pickle reproduces the journal bytes on
// disk exactly, nothing has changed since the run that wrote both, and
// the pickle's full hashes are trusted. Otherwise (no pickle yet, or
// the journal changed independently of it — e.g. a hand-edit or a VCS
// merge) Load falls back to the journal's own truncated hashes, widened
// to full width, for every archive in the journal.
func (c *Catalog) Load(m *memo.Memo, cacheData memo.CacheData, journalPath string) (memo.CacheData, error) {
	raw, err := os.ReadFile(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return memo.CacheData{}, nil
		}
		return nil, engerr.Wrap(engerr.IoError, "read journal "+journalPath, err)
	}

	decoded, overwrites, err := memo.Compute(m, cacheData, loadPrefix, []string{journalPath}, journalPath,
		func(any) ([]archive.Archive, error) {
			return journal.Decode(bytes.NewReader(raw))
		})
	if err != nil {
		return nil, err
	}

	archives := decoded
	var full []archive.Archive
	if m.Get(fullArchivesPrefix, &full) {
		var reencoded bytes.Buffer
		if err := journal.Encode(&reencoded, full); err == nil && bytes.Equal(reencoded.Bytes(), raw) {
			archives = full
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ar := range archives {
		if _, exists := c.archivesByHash[ar.ArchiveHash]; exists {
			return nil, engerr.New(engerr.DuplicateArchive, "archive "+ar.ArchiveHash.String()+" duplicated while loading journal")
		}
		c.archivesByHash[ar.ArchiveHash] = ar
		for _, fi := range ar.Files {
			c.archivedFilesByHash[fi.Hash] = append(c.archivedFilesByHash[fi.Hash], FileRef{Archive: ar, FileInArchive: fi})
		}
	}
	return overwrites, nil
}

// Save writes every fully-hashed archive to journalPath, atomically,
// and writes the full-fidelity archives (full, untruncated file
// hashes) to m's blob store under fullArchivesPrefix so the next
// Load can recover them instead of only the journal's truncated
// hashes. The journal write is a direct write-through, not routed
// through memo.Compute: the journal is loadPrefix's own input
// dependency for Load, so writing it directly (rather than via
// memo.Compute) is what makes the next run's Load see a changed
// journal exactly when the catalog changed. The full-archives pickle
// uses memo.Put instead, since it has no separate input file to gate
// on — its validity is established by Load re-deriving the journal
// bytes it would produce and comparing them to what's on disk.
func (c *Catalog) Save(m *memo.Memo, journalPath string) error {
	archives := c.AllArchives()
	var buf bytes.Buffer
	if err := journal.Encode(&buf, archives); err != nil {
		return err
	}
	if err := m.Put(fullArchivesPrefix, archives); err != nil {
		return err
	}

	dir := filepath.Dir(journalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return engerr.Wrap(engerr.IoError, "mkdir "+dir, err)
	}
	tmp, err := os.CreateTemp(dir, "known-archives-*.json.tmp")
	if err != nil {
		return engerr.Wrap(engerr.IoError, "create temp journal file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return engerr.Wrap(engerr.IoError, "write "+tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return engerr.Wrap(engerr.IoError, "close "+tmpName, err)
	}
	if err := os.Rename(tmpName, journalPath); err != nil {
		os.Remove(tmpName)
		return engerr.Wrap(engerr.IoError, "rename to "+journalPath, err)
	}
	return nil
}
