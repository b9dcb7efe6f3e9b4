// cmd/scan-file runs the analysis pipeline on a local video without a bus
// or job store, printing the QR codes it finds.
//
// Usage:
//
//	./scan-file -input clip.mp4
//	./scan-file -input clip.mp4 -all     # every raw detection
//	./scan-file -input clip.mp4 -probe   # show metadata only
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tendant/video-qr-scanner/internal/blob"
	"github.com/tendant/video-qr-scanner/internal/converters"
	"github.com/tendant/video-qr-scanner/internal/img"
	"github.com/tendant/video-qr-scanner/internal/logging"
	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/internal/worker"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

func main() {
	input := flag.String("input", "", "Input video path (required)")
	probe := flag.Bool("probe", false, "Show file metadata only (don't scan)")
	all := flag.Bool("all", false, "Print every raw detection instead of unique codes")
	asJSON := flag.Bool("json", false, "Print detections as JSON")
	maxDim := flag.Int("max-dim", 1920, "Downscale frames larger than this before decoding (0 = never)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall timeout")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}
	path, err := filepath.Abs(*input)
	if err != nil {
		log.Fatalf("❌ Bad input path: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Fatalf("❌ Input file not found: %s", path)
	}

	mimeType, err := blob.DetectMime(path)
	if err != nil {
		log.Fatalf("❌ Failed to detect file type: %v", err)
	}
	if !converters.IsSupportedVideo("", mimeType, path) {
		log.Fatalf("❌ Unsupported file type %s\n\nSupported formats:\n%s", mimeType, formatSupportedTypes())
	}

	sampler := converters.NewFFmpegSampler()
	if !sampler.Available() {
		log.Fatalf("❌ ffmpeg/ffprobe not found on PATH")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *probe {
		fmt.Println("\n📊 File Metadata:")
		fmt.Println(strings.Repeat("-", 40))
		info, err := sampler.Probe(ctx, path)
		if err != nil {
			log.Fatalf("❌ Failed to probe file: %v", err)
		}
		printMediaInfo(mimeType, info)
		return
	}

	logOut := io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	logger := logging.New(logOut, "tint", "debug")

	frameDir, err := os.MkdirTemp("", "scan-file-*")
	if err != nil {
		log.Fatalf("❌ Failed to create frame directory: %v", err)
	}
	defer os.RemoveAll(frameDir)

	out := &capture{}
	w := worker.New(worker.Config{FrameDir: frameDir}, out, &blob.LocalFS{Root: filepath.Dir(path)},
		sampler, img.NewQRDecoder(*maxDim), worker.WithLogger(logger))

	fmt.Printf("\n🔎 Scanning %s...\n", filepath.Base(path))
	start := time.Now()
	err = w.Process(ctx, schema.UploadAccepted{VideoID: "local", FilePath: path, UploadedAt: start})
	if err != nil {
		log.Fatalf("❌ Scan interrupted: %v", err)
	}
	if out.failed != nil {
		log.Fatalf("❌ Scan failed (%s): %s", out.failed.FailureType, out.failed.Message)
	}
	if out.completed == nil {
		log.Fatalf("❌ Scan produced no result")
	}

	dets := out.completed.Detections
	if !*all {
		dets = process.Deduplicate(dets)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(dets)
		return
	}

	fmt.Printf("\n✅ %s\n", process.SummaryMessage(out.completed.Detections))
	fmt.Println(strings.Repeat("-", 40))
	for _, d := range dets {
		fmt.Printf("%8.3fs  frame %-6d %s\n", d.TimestampSeconds, d.FrameNumber, d.Content)
	}
	fmt.Printf("\n⏱️  Time: %v\n\n", time.Since(start).Round(time.Millisecond))
}

// capture stands in for the bus and keeps the worker's terminal messages.
type capture struct {
	mu        sync.Mutex
	completed *schema.AnalysisCompleted
	failed    *schema.StatusChanged
}

func (c *capture) Publish(ctx context.Context, subject string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg := v.(type) {
	case schema.AnalysisCompleted:
		c.completed = &msg
	case schema.StatusChanged:
		if msg.Status == schema.StatusFailed {
			c.failed = &msg
		}
	}
	return nil
}

func printMediaInfo(mimeType string, info *converters.MediaInfo) {
	fmt.Printf("MIME Type: %s\n", mimeType)
	if info.Width > 0 && info.Height > 0 {
		fmt.Printf("Dimensions: %dx%d pixels\n", info.Width, info.Height)
	}
	if info.Duration > 0 {
		interval := worker.SampleInterval(info.Duration)
		fmt.Printf("Duration: %.2f seconds (%s)\n", info.Duration, formatDuration(info.Duration))
		fmt.Printf("Sampling: every %.1fs (~%d frames)\n", interval, int(info.Duration/interval))
	}
	if info.Size > 0 {
		fmt.Printf("File Size: %s\n", humanize.Bytes(uint64(info.Size)))
	}
}

// formatDuration formats seconds into MM:SS format
func formatDuration(seconds float64) string {
	mins := int(seconds) / 60
	secs := int(seconds) % 60
	return fmt.Sprintf("%02d:%02d", mins, secs)
}

func formatSupportedTypes() string {
	var b strings.Builder
	for _, t := range converters.SupportedMimeTypes() {
		fmt.Fprintf(&b, "  • %s\n", t)
	}
	return b.String()
}
