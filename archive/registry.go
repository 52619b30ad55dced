// Package archive implements the archive handler registry and the
// recursive archive hasher. Handlers are format plugins keyed by file
// extension; the registry is populated explicitly at construction time
// from a static slice of Handlers and is immutable afterwards.
package archive

import (
	"strings"
	"sync"

	"github.com/sanguine-rose/availability/engerr"
)

// Handler is the archive format plugin contract.
type Handler interface {
	// Extensions returns the lowercase, leading-dot extensions this
	// handler claims (e.g. ".zip").
	Extensions() []string

	// ExtractAll extracts every member of archivePath into targetDir,
	// which exists and is empty on entry. It fails with
	// engerr.ArchiveCorrupt or engerr.UnsupportedFormat.
	ExtractAll(archivePath, targetDir string) error
}

// MemberExtractor is an optional capability: extracting a subset of
// members by name, returning the extracted path for each requested
// member or "" if that member was missing.
type MemberExtractor interface {
	Extract(archivePath string, members []string, targetDir string) ([]string, error)
}

// Registry maps a file extension to the handler responsible for it.
// Constructed once at process init and immutable thereafter;
// registration happens inside NewRegistry before the Registry is
// shared, and lookups take a read lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds a Registry from a static list of handlers. A
// conflict, two handlers claiming the same extension, is a
// configuration error reported immediately: at most one handler per
// extension.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: map[string]Handler{}}
	for _, h := range handlers {
		for _, ext := range h.Extensions() {
			ext = strings.ToLower(ext)
			if existing, ok := r.handlers[ext]; ok {
				return nil, engerr.New(engerr.UnsupportedFormat,
					"extension "+ext+" claimed by more than one handler ("+
						describe(existing)+" and "+describe(h)+")")
			}
			r.handlers[ext] = h
		}
	}
	return r, nil
}

func describe(h Handler) string {
	return strings.Join(h.Extensions(), ",")
}

// HandlerFor returns the handler registered for path's extension
// (case-insensitive), or nil if none is registered. Matching is by
// longest registered suffix, not filepath.Ext: compound extensions
// like TarHandler's ".tar.gz"/".tar.zst" have more than one dot, and
// filepath.Ext only ever returns the last dot-segment (".gz"), which
// would never match them.
func (r *Registry) HandlerFor(path string) Handler {
	lower := strings.ToLower(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best Handler
	bestLen := -1
	for ext, h := range r.handlers {
		if len(ext) <= bestLen || !strings.HasSuffix(lower, ext) {
			continue
		}
		best, bestLen = h, len(ext)
	}
	return best
}

// Registered reports whether path's extension has a handler.
func (r *Registry) Registered(path string) bool {
	return r.HandlerFor(path) != nil
}
