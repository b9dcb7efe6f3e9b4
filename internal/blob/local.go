package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFS keeps uploads as plain files under Root.
type LocalFS struct {
	Root string
}

func NewLocalFS(root string) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalFS{Root: abs}, nil
}

// Put writes to a temp name and renames so a partial upload is never
// visible at the final path.
func (l *LocalFS) Put(ctx context.Context, videoID, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs := filepath.Join(l.Root, ObjectName(videoID, filename))
	tmp, err := os.CreateTemp(l.Root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit upload: %w", err)
	}
	return abs, nil
}

// Fetch returns the stored file in place; cleanup is a no-op because the
// upload outlives the job.
func (l *LocalFS) Fetch(ctx context.Context, location string) (*Source, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(location); err != nil {
		return nil, nil, fmt.Errorf("stat upload: %w", err)
	}
	mimeType, err := DetectMime(location)
	if err != nil {
		return nil, nil, err
	}
	return &Source{Path: location, MimeType: mimeType}, func() error { return nil }, nil
}
