package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sanguine-rose/availability/archive"
	"github.com/sanguine-rose/availability/hash"
	"github.com/sanguine-rose/availability/memo"
)

func newArchive(t *testing.T, archiveHash string, files ...archive.FileInArchive) archive.Archive {
	t.Helper()
	return archive.Archive{ArchiveHash: hash.Bytes([]byte(archiveHash)), ArchiveSize: 100, Files: files}
}

func TestInsertArchiveAndQuery(t *testing.T) {
	c := New()
	x := archive.FileInArchive{Hash: hash.Bytes([]byte("X")), Size: 10, IntraPath: []string{"x.txt"}}
	ar := newArchive(t, "B", x)
	if err := c.InsertArchive(ar); err != nil {
		t.Fatalf("InsertArchive: %v", err)
	}

	got, ok := c.ArchiveByHash(ar.ArchiveHash, false)
	if !ok || got.ArchiveHash != ar.ArchiveHash {
		t.Fatalf("ArchiveByHash miss")
	}

	refs := c.FilesByHash(x.Hash)
	if len(refs) != 1 {
		t.Fatalf("got %d refs, want 1", len(refs))
	}
	if refs[0].Archive.ArchiveHash != ar.ArchiveHash || refs[0].FileInArchive.IntraPath[0] != "x.txt" {
		t.Fatalf("wrong ref: %+v", refs[0])
	}
}

func TestInsertArchiveRejectsDuplicate(t *testing.T) {
	c := New()
	ar := newArchive(t, "B")
	if err := c.InsertArchive(ar); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := c.InsertArchive(ar); err == nil {
		t.Fatalf("expected DuplicateArchive on second insert")
	}
}

func TestArchiveByHashPartialOK(t *testing.T) {
	c := New()
	h := hash.Bytes([]byte("tentative"))
	if _, ok := c.ArchiveByHash(h, true); ok {
		t.Fatalf("expected miss before any origin recorded")
	}
	c.AddOrigin(h, FileOrigin{Kind: "url", URL: "https://example.invalid/archive.zip"})

	if _, ok := c.ArchiveByHash(h, false); ok {
		t.Fatalf("expected miss without partialOK")
	}
	ar, ok := c.ArchiveByHash(h, true)
	if !ok {
		t.Fatalf("expected partial hit")
	}
	if len(ar.Files) != 0 {
		t.Fatalf("expected stub archive with no files")
	}
}

func TestLoadMissingJournalIsEmptyNotError(t *testing.T) {
	c := New()
	m, err := memo.New(t.TempDir())
	if err != nil {
		t.Fatalf("memo.New: %v", err)
	}
	_, err = c.Load(m, memo.CacheData{}, filepath.Join(t.TempDir(), "known-archives.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.AllArchives()) != 0 {
		t.Fatalf("expected empty catalog")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	c := New()
	x := archive.FileInArchive{Hash: hash.Bytes([]byte("X")), Size: 10, IntraPath: []string{"x.txt"}}
	ar := newArchive(t, "B", x)
	if err := c.InsertArchive(ar); err != nil {
		t.Fatalf("InsertArchive: %v", err)
	}

	dir := t.TempDir()
	journalPath := filepath.Join(dir, "known-archives.json")
	m, err := memo.New(t.TempDir())
	if err != nil {
		t.Fatalf("memo.New: %v", err)
	}
	if err := c.Save(m, journalPath); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(journalPath); err != nil {
		t.Fatalf("expected journal file to exist: %v", err)
	}

	c2 := New()
	if _, err := c2.Load(m, memo.CacheData{}, journalPath); err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded := c2.AllArchives()
	if len(loaded) != 1 {
		t.Fatalf("got %d archives after reload, want 1", len(loaded))
	}
	if loaded[0].ArchiveHash != ar.ArchiveHash {
		t.Fatalf("archive hash mismatch after reload")
	}
}

// TestLoadRecoversFullFidelityFileHash guards against the journal's
// truncated file hash column silently becoming the in-memory identity
// on reload: the text journal only stores half-width hashes, but the
// in-memory maps are keyed by full hashes, so a reloaded
// catalog's FilesByHash must still be queryable by the *full* member
// hash, not by the truncated-and-zero-widened one Save/Load persist in
// the human-readable file.
func TestLoadRecoversFullFidelityFileHash(t *testing.T) {
	c := New()
	x := archive.FileInArchive{Hash: hash.Bytes([]byte("a distinctive file body")), Size: 10, IntraPath: []string{"x.txt"}}
	ar := newArchive(t, "B", x)
	if err := c.InsertArchive(ar); err != nil {
		t.Fatalf("InsertArchive: %v", err)
	}

	dir := t.TempDir()
	journalPath := filepath.Join(dir, "known-archives.json")
	m, err := memo.New(t.TempDir())
	if err != nil {
		t.Fatalf("memo.New: %v", err)
	}
	if err := c.Save(m, journalPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2 := New()
	if _, err := c2.Load(m, memo.CacheData{}, journalPath); err != nil {
		t.Fatalf("Load: %v", err)
	}

	refs := c2.FilesByHash(x.Hash)
	if len(refs) != 1 {
		t.Fatalf("FilesByHash(full hash) after reload: got %d refs, want 1 (full hash not recovered)", len(refs))
	}
	if refs[0].FileInArchive.Hash != x.Hash {
		t.Fatalf("reloaded file hash = %s, want full hash %s", refs[0].FileInArchive.Hash, x.Hash)
	}

	truncWidened := x.Hash.Truncate()
	var widened hash.Hash
	copy(widened[:], truncWidened[:])
	if truncWidened != x.Hash.Truncate() {
		t.Fatalf("sanity: truncated hash changed")
	}
	if widened == x.Hash {
		t.Fatalf("test fixture's hash happens to equal its own truncated-widened form; pick different content")
	}
	if len(c2.FilesByHash(widened)) != 0 {
		t.Fatalf("reloaded catalog is keyed by the lossy truncated-widened hash instead of the full hash")
	}
}

func TestLoadSkipsReparseWhenJournalUnchanged(t *testing.T) {
	c := New()
	ar := newArchive(t, "B", archive.FileInArchive{Hash: hash.Bytes([]byte("X")), Size: 10, IntraPath: []string{"x.txt"}})
	if err := c.InsertArchive(ar); err != nil {
		t.Fatalf("InsertArchive: %v", err)
	}
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "known-archives.json")
	m, err := memo.New(t.TempDir())
	if err != nil {
		t.Fatalf("memo.New: %v", err)
	}
	if err := c.Save(m, journalPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2 := New()
	overwrites, err := c2.Load(m, memo.CacheData{}, journalPath)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	cacheData := memo.CacheData{}
	for k, v := range overwrites {
		cacheData[k] = v
	}

	c3 := New()
	if _, err := c3.Load(m, cacheData, journalPath); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if len(c3.AllArchives()) != 1 {
		t.Fatalf("expected one archive loaded from memoized journal read")
	}
}
