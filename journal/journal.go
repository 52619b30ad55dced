// Package journal implements the archives journal codec: a
// human-readable, line-oriented, diff-friendly encoding of a list of
// archive.Archive records. Each body line encodes one member file as
// i/j/a/x/h/s key:value pairs; rows for one archive are adjacent, and
// the decoder detects archive boundaries by an (a, x) change.
package journal

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/sanguine-rose/availability/archive"
	"github.com/sanguine-rose/availability/engerr"
	"github.com/sanguine-rose/availability/hash"
	"github.com/sanguine-rose/availability/pathnorm"
)

const (
	headerLine = "# sanguine availability engine archives journal v1"
	legendLine = "archives: // Legend: i=intra_archive_path, j=intra_archive_path2, a=archive_hash, x=archive_size, h=file_hash, s=file_size"
	footerLine = "# end of sanguine availability engine archives journal"
)

func sortKey(intraPath []string) string { return pathnorm.Join(intraPath) }

// Encode writes archives to w in the contractual, byte-reproducible
// order: archives sorted by ArchiveHash, files within an archive
// sorted by the lexicographic join of IntraPath. These orderings make
// the file reproducible byte-for-byte from the same catalog.
func Encode(w io.Writer, archives []archive.Archive) error {
	sorted := make([]archive.Archive, len(archives))
	copy(sorted, archives)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ArchiveHash.String() < sorted[j].ArchiveHash.String()
	})

	bw := bufio.NewWriter(w)
	writeLine := func(s string) error {
		_, err := bw.WriteString(s + "\n")
		return err
	}
	if err := writeLine(headerLine); err != nil {
		return engerr.Wrap(engerr.IoError, "write journal header", err)
	}
	if err := writeLine("  " + legendLine); err != nil {
		return engerr.Wrap(engerr.IoError, "write journal legend", err)
	}

	for _, ar := range sorted {
		files := make([]archive.FileInArchive, len(ar.Files))
		copy(files, ar.Files)
		sort.Slice(files, func(i, j int) bool { return sortKey(files[i].IntraPath) < sortKey(files[j].IntraPath) })
		for _, fi := range files {
			line, err := encodeRow(ar, fi)
			if err != nil {
				return err
			}
			if err := writeLine(line); err != nil {
				return engerr.Wrap(engerr.IoError, "write journal row", err)
			}
		}
	}

	if err := writeLine(footerLine); err != nil {
		return engerr.Wrap(engerr.IoError, "write journal footer", err)
	}
	return bw.Flush()
}

func encodeRow(ar archive.Archive, fi archive.FileInArchive) (string, error) {
	if len(fi.IntraPath) == 0 || len(fi.IntraPath) > 2 {
		return "", engerr.New(engerr.JournalParseError,
			"journal encoding supports intra-path depth 1 or 2 only, got "+strconv.Itoa(len(fi.IntraPath)))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "i:%q", fi.IntraPath[0])
	if len(fi.IntraPath) > 1 {
		fmt.Fprintf(&b, " j:%q", fi.IntraPath[1])
	}
	fmt.Fprintf(&b, " a:%q x:%d h:%q s:%d", ar.ArchiveHash.String(), ar.ArchiveSize, fi.Hash.Truncate().String(), fi.Size)
	return b.String(), nil
}

// row is the parsed key:value set of one body line.
type row struct {
	i, j, a, h string
	x, s       int64
	lineno     int
}

func parseRow(line string, lineno int) (row, error) {
	var r row
	r.lineno = lineno
	fields, err := tokenize(line)
	if err != nil {
		return row{}, engerr.Wrap(engerr.JournalParseError, fmt.Sprintf("line %d: %v", lineno, err), err)
	}
	seen := map[string]bool{}
	for _, f := range fields {
		key, value, ok := strings.Cut(f, ":")
		if !ok {
			return row{}, engerr.New(engerr.JournalParseError, fmt.Sprintf("line %d: malformed field %q", lineno, f))
		}
		seen[key] = true
		switch key {
		case "i":
			r.i, err = unquote(value)
		case "j":
			r.j, err = unquote(value)
		case "a":
			r.a, err = unquote(value)
		case "h":
			r.h, err = unquote(value)
		case "x":
			r.x, err = strconv.ParseInt(value, 10, 64)
		case "s":
			r.s, err = strconv.ParseInt(value, 10, 64)
		default:
			return row{}, engerr.New(engerr.JournalParseError, fmt.Sprintf("line %d: unknown field %q", lineno, key))
		}
		if err != nil {
			return row{}, engerr.Wrap(engerr.JournalParseError, fmt.Sprintf("line %d: bad value for %q", lineno, key), err)
		}
	}
	for _, mandatory := range []string{"i", "a", "x", "h", "s"} {
		if !seen[mandatory] {
			return row{}, engerr.New(engerr.JournalParseError, fmt.Sprintf("line %d: missing mandatory field %q", lineno, mandatory))
		}
	}
	return r, nil
}

// tokenize splits a row line into "key:value" or `key:"quoted value"`
// fields on whitespace, respecting quotes.
func tokenize(line string) ([]string, error) {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == ' ' && !inQuotes:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out, nil
}

func unquote(s string) (string, error) {
	v, err := strconv.Unquote(s)
	if err != nil {
		return "", err
	}
	return v, nil
}

// Decode parses a journal previously written by Encode. Malformed
// lines fail with engerr.JournalParseError and no partial result;
// recovery is not attempted.
func Decode(r io.Reader) ([]archive.Archive, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineno := 0

	nextLine := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		lineno++
		return sc.Text(), true
	}

	header, ok := nextLine()
	if !ok || header != headerLine {
		return nil, engerr.New(engerr.JournalParseError, fmt.Sprintf("line %d: expected header %q, got %q", lineno, headerLine, header))
	}
	legend, ok := nextLine()
	if !ok || strings.TrimSpace(legend) != legendLine {
		return nil, engerr.New(engerr.JournalParseError, fmt.Sprintf("line %d: expected archives legend line", lineno))
	}

	var archives []archive.Archive
	var current *archive.Archive

	for {
		line, ok := nextLine()
		if !ok {
			return nil, engerr.New(engerr.JournalParseError, "journal truncated: missing footer")
		}
		if line == footerLine {
			break
		}
		r, err := parseRow(line, lineno)
		if err != nil {
			return nil, err
		}
		ah, err := hash.Parse(r.a)
		if err != nil {
			return nil, engerr.Wrap(engerr.JournalParseError, fmt.Sprintf("line %d: bad archive hash", lineno), err)
		}
		fh, err := hash.ParseTruncated(r.h)
		if err != nil {
			return nil, engerr.Wrap(engerr.JournalParseError, fmt.Sprintf("line %d: bad file hash", lineno), err)
		}

		if current == nil || current.ArchiveHash != ah || current.ArchiveSize != r.x {
			if current != nil {
				archives = append(archives, *current)
			}
			current = &archive.Archive{ArchiveHash: ah, ArchiveSize: r.x}
		}

		intraPath := []string{r.i}
		if r.j != "" {
			intraPath = append(intraPath, r.j)
		}
		current.Files = append(current.Files, archive.FileInArchive{
			// Widened from the journal's truncated hash; this is a
			// degraded fallback shape only, used when no full-fidelity
			// pickle is available to recover the real hash from (see
			// catalog.Load). Never used as a catalog key when the pickle
			// is present and valid.
			Hash:      truncatedAsHash(fh),
			Size:      r.s,
			IntraPath: intraPath,
		})
	}
	if current != nil {
		archives = append(archives, *current)
	}

	seen := map[hash.Hash]bool{}
	for _, ar := range archives {
		if seen[ar.ArchiveHash] {
			return nil, engerr.New(engerr.JournalParseError, "duplicate archive hash "+ar.ArchiveHash.String()+" in journal")
		}
		seen[ar.ArchiveHash] = true
	}

	if err := sc.Err(); err != nil {
		return nil, engerr.Wrap(engerr.JournalParseError, "scan journal", err)
	}
	return archives, nil
}

// truncatedAsHash widens a truncated file hash back to full Hash
// width, zero-padding the low half. The journal is a diff-friendly
// summary, not the full-fidelity catalog: catalog.Load prefers the
// full hashes from its separately stored archives and uses these
// widened hashes only when that store does not match the journal.
func truncatedAsHash(t hash.TruncatedHash) hash.Hash {
	var h hash.Hash
	copy(h[:], t[:])
	return h
}
