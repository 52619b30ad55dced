// Package memo implements a binary memo: a cached computation keyed by
// its input files' mtimes and its canonicalized parameters. A memo is
// reusable iff the params match and every input file's (path, mtime)
// pair matches the stored snapshot; the payload is a schema-versioned
// msgpack blob stored in a sharded on-disk layout (blobstore.go).
package memo

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sanguine-rose/availability/engerr"
	"github.com/vmihailenco/msgpack/v5"
)

// schemaVersion guards against reading a memo payload written by an
// incompatible version of this package; a mismatch is treated as a
// miss rather than a corruption.
const schemaVersion uint16 = 1

// FileSnapshot records one input file's path and modification time at
// the moment it was last found valid.
type FileSnapshot struct {
	Path    string
	ModTime time.Time
}

// CacheData is the flat, namespaced metadata map holding
// "<prefix>.files" and "<prefix>.params" entries, shared across every
// memo call operating out of one cachedir.
type CacheData map[string]any

// Memo memoizes computations under one cache directory.
type Memo struct {
	blobs *blobStore
}

// New constructs a Memo backed by cachedir.
func New(cachedir string) (*Memo, error) {
	store, err := newBlobStore(cachedir)
	if err != nil {
		return nil, err
	}
	return &Memo{blobs: store}, nil
}

type payload struct {
	Schema uint16
	Result msgpack.RawMessage
}

func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func snapshot(paths []string) ([]FileSnapshot, error) {
	out := make([]FileSnapshot, 0, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, engerr.Wrap(engerr.IoError, "stat "+p, err)
		}
		out = append(out, FileSnapshot{Path: p, ModTime: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func sameSnapshot(a, b []FileSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || !a[i].ModTime.Equal(b[i].ModTime) {
			return false
		}
	}
	return true
}

func storedFiles(cacheData CacheData, prefix string) []FileSnapshot {
	v, ok := cacheData[prefix+".files"]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []FileSnapshot:
		out := make([]FileSnapshot, len(t))
		copy(out, t)
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
		return out
	default:
		return nil
	}
}

// Compute reuses a prior result if params canonicalize identically
// and every input file's (path, mtime) matches the stored snapshot;
// otherwise it recomputes,
// verifying that none of the input files changed mtime mid-compute
// (RaceError otherwise), and persists the new result.
//
// It returns the result, and the CacheData overwrites the caller must
// merge into its in-memory CacheData (empty on a cache hit).
func Compute[T any](m *Memo, cacheData CacheData, prefix string, inputFiles []string, params any, compute func(any) (T, error)) (T, CacheData, error) {
	var zero T

	wantParamsJSON, err := canonicalJSON(params)
	if err != nil {
		return zero, nil, engerr.Wrap(engerr.IoError, "canonicalize params for "+prefix, err)
	}

	gotParamsJSON, _ := cacheData[prefix+".params"].(string)
	sameParams := params == nil || gotParamsJSON == wantParamsJSON

	currentFiles, err := snapshot(inputFiles)
	if err != nil {
		return zero, nil, err
	}
	sameFiles := sameSnapshot(storedFiles(cacheData, prefix), currentFiles)

	if sameParams && sameFiles {
		if raw, ok := m.blobs.read(prefix); ok {
			var p payload
			if err := msgpack.Unmarshal(raw, &p); err == nil && p.Schema == schemaVersion {
				var result T
				if err := msgpack.Unmarshal(p.Result, &result); err == nil {
					return result, CacheData{}, nil
				}
			}
			// corrupt or stale-schema payload: fall through and treat as a miss.
		}
	}

	result, err := compute(params)
	if err != nil {
		return zero, nil, err
	}

	recheck, err := snapshot(inputFiles)
	if err != nil {
		return zero, nil, err
	}
	if !sameSnapshot(currentFiles, recheck) {
		return zero, nil, engerr.New(engerr.RaceError, "input file(s) for "+prefix+" changed mtime during compute")
	}

	resultBytes, err := msgpack.Marshal(result)
	if err != nil {
		return zero, nil, engerr.Wrap(engerr.IoError, "marshal result for "+prefix, err)
	}
	payloadBytes, err := msgpack.Marshal(payload{Schema: schemaVersion, Result: resultBytes})
	if err != nil {
		return zero, nil, engerr.Wrap(engerr.IoError, "marshal payload for "+prefix, err)
	}
	if err := m.blobs.write(prefix, payloadBytes); err != nil {
		return zero, nil, err
	}

	overwrites := CacheData{prefix + ".files": currentFiles}
	if params != nil {
		overwrites[prefix+".params"] = wantParamsJSON
	}
	return result, overwrites, nil
}

// Put writes v under prefix unconditionally, bypassing the
// params/mtime validity check that guards Compute. Some components
// (FolderCache's own {path → FileOnDisk} map, for one) need plain
// write-through persistence: the value changes every run by
// definition, so gating the write on "did params or input files
// change" would pin the blob to whatever was stored on the very first
// call. Compute stays the right tool whenever a genuine, separate
// input artifact (a journal file, a config) governs validity.
func (m *Memo) Put(prefix string, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return engerr.Wrap(engerr.IoError, "marshal value for "+prefix, err)
	}
	payloadBytes, err := msgpack.Marshal(payload{Schema: schemaVersion, Result: b})
	if err != nil {
		return engerr.Wrap(engerr.IoError, "marshal payload for "+prefix, err)
	}
	return m.blobs.write(prefix, payloadBytes)
}

// Get reads back a value written by Put. It reports false if nothing
// is stored for prefix, or if what's stored is unreadable (corrupt or
// written by an incompatible schema version) — both treated as a
// plain miss, matching Compute's handling of a bad blob.
func (m *Memo) Get(prefix string, out any) bool {
	raw, ok := m.blobs.read(prefix)
	if !ok {
		return false
	}
	var p payload
	if err := msgpack.Unmarshal(raw, &p); err != nil || p.Schema != schemaVersion {
		return false
	}
	return msgpack.Unmarshal(p.Result, out) == nil
}

// SaveCacheData persists cacheData to path. The engine loads and saves
// this map across separate CLI invocations so Compute's validity check
// can hit on anything but the very first run; unlike the blob store
// (keyed per prefix, inside cachedir), this bookkeeping map is the
// caller's to carry, so it gets its own small file rather than living
// in the blob store.
func SaveCacheData(path string, cacheData CacheData) error {
	b, err := msgpack.Marshal(cacheData)
	if err != nil {
		return engerr.Wrap(engerr.IoError, "marshal cache data", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return engerr.Wrap(engerr.IoError, "write cache data "+path, err)
	}
	return nil
}

// LoadCacheData reads back cache data written by SaveCacheData. A
// missing file (first run, nothing persisted yet) is not an error: it
// returns an empty CacheData, so Compute's calls simply all miss, as
// on any other first run. Only the two key shapes Compute itself
// produces — "<prefix>.files" as []FileSnapshot, "<prefix>.params" as
// a string — are decoded to their concrete type, matching
// storedFiles' type switch; any other shape is dropped rather than
// left as an undecodable msgpack.RawMessage, which Compute would never
// recognize anyway and would otherwise just be a silent miss.
func LoadCacheData(path string) (CacheData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CacheData{}, nil
		}
		return nil, engerr.Wrap(engerr.IoError, "read cache data "+path, err)
	}
	var generic map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &generic); err != nil {
		return nil, engerr.Wrap(engerr.IoError, "unmarshal cache data", err)
	}
	out := make(CacheData, len(generic))
	for k, v := range generic {
		switch {
		case strings.HasSuffix(k, ".files"):
			var files []FileSnapshot
			if err := msgpack.Unmarshal(v, &files); err == nil {
				out[k] = files
			}
		case strings.HasSuffix(k, ".params"):
			var s string
			if err := msgpack.Unmarshal(v, &s); err == nil {
				out[k] = s
			}
		}
	}
	return out, nil
}
