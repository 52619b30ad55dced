// Package hash computes stable, deterministic BLAKE3-256 content
// hashes over file bytes, independent of filesystem metadata, for use
// as catalog keys.
package hash

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/sanguine-rose/availability/engerr"
	"github.com/zeebo/blake3"
)

// Size is the number of bytes in a full Hash.
const Size = 32

// Hash is a content hash, produced by File or Bytes.
type Hash [Size]byte

// String renders the hash as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value (not a real digest).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Truncate returns the first half of the hash, as used in the journal
// to keep lines short.
func (h Hash) Truncate() TruncatedHash {
	var t TruncatedHash
	copy(t[:], h[:Size/2])
	return t
}

// TruncatedHash is the first half of a Hash, used only in the textual
// journal.
type TruncatedHash [Size / 2]byte

func (t TruncatedHash) String() string {
	return hex.EncodeToString(t[:])
}

// ParseTruncated parses a hex string produced by TruncatedHash.String.
func ParseTruncated(s string) (TruncatedHash, error) {
	var t TruncatedHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, engerr.Wrap(engerr.JournalParseError, "malformed truncated hash "+s, err)
	}
	if len(b) != len(t) {
		return t, engerr.New(engerr.JournalParseError, "truncated hash "+s+" has wrong length")
	}
	copy(t[:], b)
	return t, nil
}

// Parse parses a full hex-encoded hash.
func Parse(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, engerr.Wrap(engerr.JournalParseError, "malformed hash "+s, err)
	}
	if len(b) != len(h) {
		return h, engerr.New(engerr.JournalParseError, "hash "+s+" has wrong length")
	}
	copy(h[:], b)
	return h, nil
}

// Zero is the distinguished hash of the empty file.
var Zero = Bytes(nil)

// Bytes hashes an in-memory byte slice.
func Bytes(b []byte) Hash {
	sum := blake3.Sum256(b)
	return Hash(sum)
}

// File hashes the full contents of a regular file at path. It fails
// with NotAFile for directories and symlinks (symlinks are never
// followed) and with IoError on any read failure.
func File(path string) (size int64, h Hash, err error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, h, engerr.Wrap(engerr.IoError, "stat "+path, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return 0, h, engerr.New(engerr.NotAFile, "symlink "+path)
	}
	if fi.IsDir() {
		return 0, h, engerr.New(engerr.NotAFile, "directory "+path)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, h, engerr.Wrap(engerr.IoError, "open "+path, err)
	}
	defer f.Close()

	hasher := blake3.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return 0, h, engerr.Wrap(engerr.IoError, "read "+path, err)
	}

	var sum [Size]byte
	copy(sum[:], hasher.Sum(nil))
	return n, Hash(sum), nil
}
