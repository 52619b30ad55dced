package archive

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sanguine-rose/availability/engerr"
	"github.com/sanguine-rose/availability/hash"
	"github.com/sanguine-rose/availability/pathnorm"
)

// FileInArchive is one member of an Archive. IntraPath is the member's
// path relative to its enclosing archive's extraction root, one segment
// per nesting level.
type FileInArchive struct {
	Hash      hash.Hash
	Size      int64
	IntraPath []string
}

// Archive is the fully-hashed record for one archive file, recursively
// expanded.
type Archive struct {
	ArchiveHash hash.Hash
	ArchiveSize int64
	Files       []FileInArchive
}

func sortKey(intraPath []string) string { return pathnorm.Join(intraPath) }

// sortFiles sorts Files by the lexicographic join of IntraPath and
// deduplicates by IntraPath.
func sortFiles(files []FileInArchive) []FileInArchive {
	sort.Slice(files, func(i, j int) bool { return sortKey(files[i].IntraPath) < sortKey(files[j].IntraPath) })
	out := files[:0:0]
	var lastKey string
	first := true
	for _, f := range files {
		k := sortKey(f.IntraPath)
		if !first && k == lastKey {
			continue
		}
		out = append(out, f)
		lastKey = k
		first = false
	}
	return out
}

// scratchCounter hands out unique scratch-directory suffixes across
// concurrent hash tasks.
var scratchCounter int64

func nextScratchSuffix() string {
	return strconv.FormatInt(atomic.AddInt64(&scratchCounter, 1), 10)
}

// Hasher extracts archives (recursively, including archives nested in
// archives) and hashes every member: it walks each extraction scratch
// directory, hashes every regular file, and recurses into members
// whose extension has a registered handler, accumulating one flat
// FileInArchive list with an ever-deepening IntraPath.
type Hasher struct {
	registry   *Registry
	scratchDir string
}

// NewHasher constructs a Hasher whose scratch subdirectories are
// created under scratchDir.
func NewHasher(registry *Registry, scratchDir string) *Hasher {
	return &Hasher{registry: registry, scratchDir: scratchDir}
}

// topLevelSkip lists extensions skipped at the top level only: .meta
// sidecars carry no payload to hash, and .7z is deferred (unsupported
// BCJ2 filter chain).
var topLevelSkip = map[string]bool{
	".meta": true,
	".7z":   true,
}

// TopLevelSkip reports whether ext (lowercased, with leading dot)
// should be skipped when scanning the downloads folder, without being
// treated as an unknown-extension warning.
func TopLevelSkip(ext string) bool {
	return topLevelSkip[ext]
}

// HashArchive extracts archivePath into a fresh scratch directory,
// hashes every member, recursing into nested archives, and returns the
// populated Archive. A corrupt archive returns engerr.ArchiveCorrupt
// and no Archive; the caller must not let that fail the whole batch.
func (h *Hasher) HashArchive(archivePath string, archiveHash hash.Hash, archiveSize int64) (Archive, error) {
	handler := h.registry.HandlerFor(archivePath)
	if handler == nil {
		return Archive{}, engerr.New(engerr.UnknownExtension, "no handler for "+archivePath)
	}

	scratch := filepath.Join(h.scratchDir, "scratch-"+nextScratchSuffix())
	if err := os.MkdirAll(scratch, 0700); err != nil {
		return Archive{}, engerr.Wrap(engerr.IoError, "mkdir scratch dir", err)
	}
	defer os.RemoveAll(scratch)

	ar := Archive{ArchiveHash: archiveHash, ArchiveSize: archiveSize}
	if err := h.extractAndWalk(handler, archivePath, scratch, nil, &ar); err != nil {
		return Archive{}, err
	}

	ar.Files = sortFiles(ar.Files)
	return ar, nil
}

// extractAndWalk extracts archivePath into scratch, then walks it,
// hashing every regular file and recursing into nested archives.
// parentIntraPath is the IntraPath prefix of the archive being walked
// (nil at the top level).
func (h *Hasher) extractAndWalk(handler Handler, archivePath, scratch string, parentIntraPath []string, ar *Archive) error {
	if err := handler.ExtractAll(archivePath, scratch); err != nil {
		return engerr.Wrap(engerr.ArchiveCorrupt, "extract "+archivePath, err)
	}

	return filepath.Walk(scratch, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return engerr.Wrap(engerr.IoError, "walk "+p, err)
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(scratch, p)
		if err != nil {
			return engerr.Wrap(engerr.IoError, "relativize "+p, err)
		}
		segment := pathnorm.IntraPathSegment(rel)
		intraPath := append(append([]string{}, parentIntraPath...), segment)

		size, fhash, err := hash.File(p)
		if err != nil {
			return err
		}
		ar.Files = append(ar.Files, FileInArchive{Hash: fhash, Size: size, IntraPath: intraPath})

		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".meta" {
			// .meta sidecars are never recursed into, even nested.
			return nil
		}
		nested := h.registry.HandlerFor(p)
		if nested == nil {
			// Unknown extension at any level: ignored, not fatal.
			return nil
		}

		childScratch := filepath.Join(h.scratchDir, "scratch-"+nextScratchSuffix())
		if err := os.MkdirAll(childScratch, 0700); err != nil {
			return engerr.Wrap(engerr.IoError, "mkdir nested scratch dir", err)
		}
		defer os.RemoveAll(childScratch)

		return h.extractAndWalk(nested, p, childScratch, intraPath, ar)
	})
}
