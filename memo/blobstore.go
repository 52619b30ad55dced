package memo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sanguine-rose/availability/engerr"
	"github.com/zeebo/blake3"
)

// blobStore is a sharded on-disk byte store: blobs live under
// dir/<hash[:3]>/<hash[3:]> so one directory never holds every blob in
// the cache. The key is a memo prefix string (a memo cache can
// accumulate one file per cache/catalog prefix, easily in the
// thousands for a large install), so the shard key is a hash of the
// prefix.
type blobStore struct {
	dir string
}

func newBlobStore(dir string) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, engerr.Wrap(engerr.IoError, "mkdir "+dir, err)
	}
	return &blobStore{dir: dir}, nil
}

func (b *blobStore) path(prefix string) string {
	sum := blake3.Sum256([]byte(prefix))
	str := fmt.Sprintf("%x", sum)
	return filepath.Join(b.dir, str[:3], str[3:]+".msgpack")
}

// read returns the raw bytes stored for prefix, or (nil, false) if
// absent or corrupt in a way that makes it unreadable; the caller
// treats both as a cache miss.
func (b *blobStore) read(prefix string) ([]byte, bool) {
	content, err := os.ReadFile(b.path(prefix))
	if err != nil {
		return nil, false
	}
	return content, true
}

// write atomically stores content for prefix.
func (b *blobStore) write(prefix string, content []byte) error {
	p := b.path(prefix)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return engerr.Wrap(engerr.IoError, "mkdir "+filepath.Dir(p), err)
	}

	f, err := os.CreateTemp(filepath.Dir(p), "tmp-*")
	if err != nil {
		return engerr.Wrap(engerr.IoError, "create temp file", err)
	}
	tmpName := f.Name()
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmpName)
		return engerr.Wrap(engerr.IoError, "write "+tmpName, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return engerr.Wrap(engerr.IoError, "close "+tmpName, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return engerr.Wrap(engerr.IoError, "rename to "+p, err)
	}
	return nil
}
