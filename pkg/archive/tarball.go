package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"time"
)

// Entry is one file inside a tarball
type Entry struct {
	Name    string
	Content []byte
}

// pack writes entries into a gzip-compressed tar stream, preserving order
func pack(entries []Entry, modTime time.Time) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for _, entry := range entries {
		hdr := &tar.Header{
			Name:    entry.Name,
			Mode:    0644,
			Size:    int64(len(entry.Content)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing tar header for %s: %w", entry.Name, err)
		}
		if _, err := tw.Write(entry.Content); err != nil {
			return nil, fmt.Errorf("writing tar entry %s: %w", entry.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack reads a tar.gz produced by pack, preserving entry order.
// Mostly useful for tests and diagnostics.
func Unpack(data []byte) ([]Entry, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	var entries []Entry
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar stream: %w", err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(tr); err != nil {
			return nil, fmt.Errorf("reading tar entry %s: %w", hdr.Name, err)
		}
		entries = append(entries, Entry{Name: hdr.Name, Content: buf.Bytes()})
	}
	return entries, nil
}
