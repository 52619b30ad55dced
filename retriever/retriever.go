// Package retriever defines the Retriever sum type: a recipe for
// materializing a file by content hash, either the distinguished
// empty file, a direct fetch from a tracked version-controlled folder,
// or a chain of nested archive extractions. The sum is a closed
// interface with three concrete implementations, since the query side
// only ever needs to enumerate the three known shapes.
package retriever

import "github.com/sanguine-rose/availability/hash"

// Retriever is implemented by every recipe kind. The marker method
// keeps the sum type closed to this package.
type Retriever interface {
	isRetriever()
}

// ZeroRetriever recovers the distinguished empty-file hash without
// touching any archive or tracked folder.
type ZeroRetriever struct{}

func (ZeroRetriever) isRetriever() {}

// GithubRetriever recovers a file that lives as-is under a tracked,
// version-controlled folder.
type GithubRetriever struct {
	Hash      hash.Hash
	Size      int64
	Author    string
	Project   string
	IntraPath []string
}

func (GithubRetriever) isRetriever() {}

// ArchiveStep is one layer of "open archive X, locate intra-path P."
type ArchiveStep struct {
	FileHash    hash.Hash
	FileSize    int64
	ArchiveHash hash.Hash
	ArchiveSize int64
	IntraPath   []string
}

// ArchiveRetriever recovers a file by extracting the outermost
// archive, then applying nested steps in order. Invariant:
// consecutive steps chain — Steps[i].FileHash == Steps[i+1].ArchiveHash
// — and Steps is never empty.
type ArchiveRetriever struct {
	Hash  hash.Hash
	Size  int64
	Steps []ArchiveStep
}

func (ArchiveRetriever) isRetriever() {}

// Valid reports whether r satisfies the ArchiveRetriever chaining
// invariant. Exported for use by tests and by callers that assemble an
// ArchiveRetriever by hand.
func (r ArchiveRetriever) Valid() bool {
	if len(r.Steps) == 0 {
		return false
	}
	for i := 0; i+1 < len(r.Steps); i++ {
		if r.Steps[i].FileHash != r.Steps[i+1].ArchiveHash {
			return false
		}
	}
	return true
}
