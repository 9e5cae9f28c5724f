// Package zip bundles export artifacts into a single archive.
package zip

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Entry is one file inside an export archive.
type Entry struct {
	Filename string
	MIME     string
	Data     []byte
}

// Archive writes entries into a zip archive. Duplicate or empty names are
// rejected, and every entry carries modified so output is reproducible.
func Archive(entries []Entry, modified time.Time) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errors.New("zip: no entries")
	}
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		name := path.Clean(strings.TrimLeft(strings.ReplaceAll(entry.Filename, "\\", "/"), "/"))
		if name == "." || name == "" || name == ".." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("zip: invalid entry name %q", entry.Filename)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("zip: duplicate entry %q", name)
		}
		seen[name] = struct{}{}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified.UTC(),
			Comment:  entry.MIME,
		})
		if err != nil {
			return nil, fmt.Errorf("zip: create %s: %w", name, err)
		}
		if _, err := w.Write(entry.Data); err != nil {
			return nil, fmt.Errorf("zip: write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip: close: %w", err)
	}
	return buf.Bytes(), nil
}
