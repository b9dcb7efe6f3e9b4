// Package blob stores uploaded videos and hands workers a local copy.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Store persists an upload and later resolves its location to a file the
// frame sampler can read.
type Store interface {
	// Put stores r for videoID and returns the location recorded in
	// UploadAccepted.FilePath.
	Put(ctx context.Context, videoID, filename string, r io.Reader) (string, error)
	// Fetch makes location available on local disk. The cleanup func must
	// be called once the caller is done with the file.
	Fetch(ctx context.Context, location string) (*Source, func() error, error)
}

// Source is a stored upload available on local disk.
type Source struct {
	Path     string
	MimeType string
}

// ObjectName builds the stored name "{videoID}_{filename}", keeping only
// the base name of the client supplied filename.
func ObjectName(videoID, filename string) string {
	return videoID + "_" + SafeFileName(filename)
}

// SafeFileName strips directories and characters that are awkward in paths
// or object keys.
func SafeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		return "upload"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// fetchToTemp copies r into a temp file and returns a cleanup that removes it.
func fetchToTemp(r io.Reader, pattern string) (*Source, func() error, error) {
	temp, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(temp, r); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return nil, nil, fmt.Errorf("copy content to disk: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return nil, nil, fmt.Errorf("close temp file: %w", err)
	}

	mimeType, err := DetectMime(temp.Name())
	if err != nil {
		os.Remove(temp.Name())
		return nil, nil, err
	}
	cleanup := func() error {
		return os.Remove(temp.Name())
	}
	return &Source{Path: temp.Name(), MimeType: mimeType}, cleanup, nil
}

// DetectMime sniffs the first 512 bytes of path.
func DetectMime(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for mime detect: %w", err)
	}
	defer file.Close()

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read for mime detect: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}
