package availability

import (
	"bufio"
	"os"
	"strings"

	"github.com/sanguine-rose/availability/catalog"
	"github.com/sanguine-rose/availability/engerr"
	"github.com/sanguine-rose/availability/foldercache"
	"github.com/sanguine-rose/availability/hash"
	"github.com/sanguine-rose/availability/scheduler"
)

// sidecar pairs one .meta file with the downloaded archive it sits
// next to. The archive's own content hash doubles as the origin's
// expected hash: a retriever that re-downloads from the origin must
// produce exactly these bytes.
type sidecar struct {
	MetaPath    string
	ArchiveHash hash.Hash
}

// originRecord is originsCompute's output: one parsed origin, keyed by
// the archive hash it belongs to.
type originRecord struct {
	ArchiveHash hash.Hash
	Origin      catalog.FileOrigin
}

// startOriginsOwnTask pairs every .meta sidecar in the downloads cache
// with its adjacent archive and fans the parse out as a pure task; the
// ingest task absorbs the parsed records into the catalog.
func (c *Coordinator) startOriginsOwnTask(p *scheduler.Parallel, _ []any) error {
	byPath := map[string]foldercache.FileOnDisk{}
	files := c.downloadsCache.AllFiles()
	for _, f := range files {
		byPath[f.Path] = f
	}

	var sidecars []sidecar
	for _, f := range files {
		if !strings.HasSuffix(f.Path, ".meta") {
			continue
		}
		ar, ok := byPath[strings.TrimSuffix(f.Path, ".meta")]
		if !ok {
			// A sidecar with no adjacent archive describes nothing we
			// can catalog.
			c.warn(engerr.New(engerr.MissingOrigin, "orphaned sidecar "+f.Path))
			continue
		}
		sidecars = append(sidecars, sidecar{MetaPath: f.Path, ArchiveHash: ar.Hash})
	}

	if err := p.AddTask(taskOriginsCompute, nil, c.originsCompute, sidecars); err != nil {
		return err
	}
	return p.AddOwnTask(taskOriginsIngest, []string{taskOriginsCompute},
		scheduler.DataDeps{Writes: []string{"catalog.origins"}}, c.originsIngestOwnTask)
}

func (c *Coordinator) originsCompute(args any) (any, error) {
	sidecars, _ := args.([]sidecar)
	var out []originRecord
	for _, s := range sidecars {
		origin, err := parseMetaFile(s.MetaPath)
		if err != nil {
			c.warn(err)
			continue
		}
		origin.ExpectedHash = s.ArchiveHash
		out = append(out, originRecord{ArchiveHash: s.ArchiveHash, Origin: origin})
	}
	return out, nil
}

// originsIngestOwnTask adds the parsed origins to the catalog, then
// launches the single catalog-save task, gated on hashing being done
// so the save sees every inserted archive.
func (c *Coordinator) originsIngestOwnTask(p *scheduler.Parallel, outs []any) error {
	records, _ := outs[0].([]originRecord)
	for _, r := range records {
		c.catalog.AddOrigin(r.ArchiveHash, r.Origin)
	}
	return p.AddOwnTask(taskCatalogSave, []string{taskDoneHashing, taskOriginsIngest},
		scheduler.DataDeps{Reads: []string{"catalog.archives", "catalog.origins"}},
		func(*scheduler.Parallel, []any) error {
			return c.catalog.Save(c.memo, c.journalPath)
		})
}

// parseMetaFile reads a downloaded archive's .meta sidecar: a small
// ini-style file of key=value lines (section headers are skipped).
// Recognized keys are url, repository, and prompt; a sidecar carrying
// neither url nor repository names no usable origin.
func parseMetaFile(path string) (catalog.FileOrigin, error) {
	f, err := os.Open(path)
	if err != nil {
		return catalog.FileOrigin{}, engerr.Wrap(engerr.MissingOrigin, "open sidecar "+path, err)
	}
	defer f.Close()

	origin := catalog.FileOrigin{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "url":
			origin.URL = strings.Trim(value, `"`)
		case "repository":
			origin.Kind = value
		case "prompt":
			origin.Prompt = value
		}
	}
	if err := sc.Err(); err != nil {
		return catalog.FileOrigin{}, engerr.Wrap(engerr.MissingOrigin, "read sidecar "+path, err)
	}
	if origin.URL == "" && origin.Kind == "" {
		return catalog.FileOrigin{}, engerr.New(engerr.MissingOrigin, "sidecar "+path+" names no origin")
	}
	if origin.Kind == "" {
		origin.Kind = "url"
	}
	return origin, nil
}
