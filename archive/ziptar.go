package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/sanguine-rose/availability/engerr"
)

// ZipHandler extracts .zip archives with the standard library's
// archive/zip. No BCJ2-style filter chain to worry about, unlike .7z,
// which stays deliberately unregistered.
type ZipHandler struct{}

func (ZipHandler) Extensions() []string { return []string{".zip"} }

func (ZipHandler) ExtractAll(archivePath, targetDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return engerr.Wrap(engerr.ArchiveCorrupt, "open zip "+archivePath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(targetDir, filepath.FromSlash(f.Name))
		if err := extractZipEntry(f, dest); err != nil {
			return engerr.Wrap(engerr.ArchiveCorrupt, "extract "+f.Name+" from "+archivePath, err)
		}
	}
	return nil
}

// Extract extracts just the named members into targetDir, returning
// the extracted path for each requested member or "" for members the
// archive does not contain.
func (ZipHandler) Extract(archivePath string, members []string, targetDir string) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, engerr.Wrap(engerr.ArchiveCorrupt, "open zip "+archivePath, err)
	}
	defer r.Close()

	byName := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		if !f.FileInfo().IsDir() {
			byName[f.Name] = f
		}
	}
	out := make([]string, len(members))
	for i, name := range members {
		f, ok := byName[name]
		if !ok {
			continue
		}
		dest := filepath.Join(targetDir, filepath.FromSlash(f.Name))
		if err := extractZipEntry(f, dest); err != nil {
			return nil, engerr.Wrap(engerr.ArchiveCorrupt, "extract "+f.Name+" from "+archivePath, err)
		}
		out[i] = dest
	}
	return out, nil
}

func extractZipEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// TarHandler extracts .tar, .tar.gz/.tgz, and .tar.zst archives. Plain
// tar and gzip use the standard library; zstd uses
// github.com/klauspost/compress/zstd, since the standard library has
// no zstd decoder.
type TarHandler struct{}

func (TarHandler) Extensions() []string {
	return []string{".tar", ".tar.gz", ".tgz", ".tar.zst"}
}

func (TarHandler) ExtractAll(archivePath, targetDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return engerr.Wrap(engerr.ArchiveCorrupt, "open "+archivePath, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch ext := strings.ToLower(filepath.Ext(archivePath)); {
	case ext == ".gz" || ext == ".tgz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return engerr.Wrap(engerr.ArchiveCorrupt, "gzip "+archivePath, err)
		}
		defer gz.Close()
		r = gz
	case ext == ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return engerr.Wrap(engerr.ArchiveCorrupt, "zstd "+archivePath, err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return engerr.Wrap(engerr.ArchiveCorrupt, "read tar entry in "+archivePath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest := filepath.Join(targetDir, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return engerr.Wrap(engerr.IoError, "mkdir for "+dest, err)
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return engerr.Wrap(engerr.IoError, "create "+dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return engerr.Wrap(engerr.ArchiveCorrupt, "extract "+hdr.Name+" from "+archivePath, err)
		}
		out.Close()
	}
	return nil
}

// BsaHandler recognizes Bethesda .bsa archives but does not implement
// extraction. Registering the extension lets the coordinator log a
// clear, specific "unsupported format" warning instead of silently
// treating .bsa files as unknown extensions.
type BsaHandler struct{}

func (BsaHandler) Extensions() []string { return []string{".bsa"} }

func (BsaHandler) ExtractAll(archivePath, targetDir string) error {
	return engerr.New(engerr.UnsupportedFormat, ".bsa extraction is not implemented: "+archivePath)
}
