// Package converters wraps the external media tools used to inspect a video
// and sample still frames from it.
package converters

import (
	"context"
	"path/filepath"
	"strings"
)

// Sampler probes a video and extracts frames at a fixed interval.
type Sampler interface {
	// Name returns the sampler name (e.g. "ffmpeg").
	Name() string

	// Probe returns duration and resolution without decoding frames.
	Probe(ctx context.Context, input string) (*MediaInfo, error)

	// ExtractFrames writes one frame every interval seconds into outDir and
	// returns their paths in frame order.
	ExtractFrames(ctx context.Context, input, outDir string, interval float64) ([]string, error)
}

// MediaInfo contains metadata about a video file
type MediaInfo struct {
	Duration float64 // seconds
	Width    int
	Height   int
	Size     int64 // bytes
}

var videoTypes = map[string]string{
	"video/mp4":       ".mp4",
	"video/x-msvideo": ".avi",
}

// SupportedMimeTypes returns the accepted upload container types.
func SupportedMimeTypes() []string {
	return []string{"video/mp4", "video/x-msvideo"}
}

// IsSupportedVideo reports whether a declared content type, a sniffed
// content type or a filename extension identifies a supported container.
// The sniffed type wins when it is recognised.
func IsSupportedVideo(declared, sniffed, filename string) bool {
	sniffed = normalizeMime(sniffed)
	if _, ok := videoTypes[sniffed]; ok {
		return true
	}
	if sniffed != "" && sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, "video/") {
		return false
	}
	if _, ok := videoTypes[normalizeMime(declared)]; ok {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range videoTypes {
		if e == ext {
			return true
		}
	}
	return false
}

func normalizeMime(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if m == "video/avi" || m == "video/msvideo" {
		return "video/x-msvideo"
	}
	return m
}
