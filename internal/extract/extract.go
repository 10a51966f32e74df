// Package extract splits a validated envelope archive into its metadata
// document and the scanned PDFs.
package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultMaxEntryBytes caps a single decompressed entry.
const DefaultMaxEntryBytes = 100 << 20

var (
	// ErrUnsupportedEntry reports an entry that is neither .json nor .pdf.
	ErrUnsupportedEntry = errors.New("extract: unsupported entry")
	// ErrMalformed reports an archive that cannot be read.
	ErrMalformed = errors.New("extract: malformed archive")
	// ErrEntryTooLarge reports an entry over the configured limit.
	ErrEntryTooLarge = errors.New("extract: entry too large")
)

// PDF is one scanned document in archive order.
type PDF struct {
	Name string
	Data []byte
}

// Contents is the classified archive. Metadata is nil when the archive had
// no .json entry.
type Contents struct {
	Metadata     []byte
	MetadataName string
	PDFs         []PDF
}

// FileNames lists the PDF names in archive order.
func (c Contents) FileNames() []string {
	names := make([]string, len(c.PDFs))
	for i, p := range c.PDFs {
		names[i] = p.Name
	}
	return names
}

// Extractor reads envelope archives.
type Extractor struct {
	MaxEntryBytes int64
}

// Extract classifies every entry of archive using DefaultMaxEntryBytes.
func Extract(archive []byte) (Contents, error) {
	return Extractor{}.Extract(archive)
}

// Extract classifies every entry of archive. Metadata comes from the last
// .json entry. On any error the zero Contents is returned.
func (e Extractor) Extract(archive []byte) (Contents, error) {
	limit := e.MaxEntryBytes
	if limit <= 0 {
		limit = DefaultMaxEntryBytes
	}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return Contents{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var out Contents
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		ext := strings.ToLower(path.Ext(name))
		if ext != ".json" && ext != ".pdf" {
			return Contents{}, fmt.Errorf("%w: %q", ErrUnsupportedEntry, f.Name)
		}
		data, err := readLimited(f, limit)
		if err != nil {
			return Contents{}, err
		}
		if ext == ".json" {
			out.Metadata = data
			out.MetadataName = name
			continue
		}
		out.PDFs = append(out.PDFs, PDF{Name: name, Data: data})
	}
	return out, nil
}

func readLimited(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%w: %q is %s (limit %s)", ErrEntryTooLarge, f.Name,
			humanize.IBytes(f.UncompressedSize64), humanize.IBytes(uint64(limit)))
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrMalformed, f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ErrMalformed, f.Name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %q exceeds %s", ErrEntryTooLarge, f.Name, humanize.IBytes(uint64(limit)))
	}
	return data, nil
}
