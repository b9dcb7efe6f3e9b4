package converters

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestParseProbeOutput(t *testing.T) {
	out := "width=1280\nheight=720\nduration=90.040000\nduration=90.100000\nsize=1048576\n"
	info := parseProbeOutput(out)
	if info.Width != 1280 || info.Height != 720 {
		t.Fatalf("resolution = %dx%d", info.Width, info.Height)
	}
	if info.Duration != 90.04 {
		t.Fatalf("duration = %v, want stream duration 90.04", info.Duration)
	}
	if info.Size != 1048576 {
		t.Fatalf("size = %d", info.Size)
	}
}

func TestParseProbeOutputFallsBackToFormatDuration(t *testing.T) {
	info := parseProbeOutput("width=640\nheight=480\nduration=N/A\nduration=12.5\nsize=10\n")
	if info.Duration != 12.5 {
		t.Fatalf("duration = %v, want 12.5", info.Duration)
	}
}

func TestListFramesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_000010.png", "frame_000002.png", "frame_000001.png", "other.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	frames, err := ListFrames(dir)
	if err != nil {
		t.Fatalf("ListFrames: %v", err)
	}
	want := []string{"frame_000001.png", "frame_000002.png", "frame_000010.png"}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, w := range want {
		if filepath.Base(frames[i]) != w {
			t.Fatalf("frame %d = %s, want %s", i, filepath.Base(frames[i]), w)
		}
	}
}

func TestIsSupportedVideo(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		sniffed  string
		filename string
		want     bool
	}{
		{"sniffed mp4", "", "video/mp4", "clip.bin", true},
		{"sniffed avi", "", "video/avi", "clip", true},
		{"declared mp4 with unknown sniff", "video/mp4", "application/octet-stream", "clip.mp4", true},
		{"extension only", "", "", "clip.AVI", true},
		{"sniffed image rejected", "video/mp4", "image/png", "clip.mp4", false},
		{"webm not accepted", "video/webm", "video/webm", "clip.webm", false},
		{"text", "text/plain", "text/plain; charset=utf-8", "notes.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSupportedVideo(tt.declared, tt.sniffed, tt.filename); got != tt.want {
				t.Fatalf("IsSupportedVideo(%q, %q, %q) = %v, want %v", tt.declared, tt.sniffed, tt.filename, got, tt.want)
			}
		})
	}
}

func TestFFmpegSamplerExtractFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	s := NewFFmpegSampler()
	if !s.Available() {
		t.Skip("ffmpeg/ffprobe not installed")
	}

	dir := t.TempDir()
	input := filepath.Join(dir, "test.mp4")
	gen := exec.Command("ffmpeg", "-v", "error", "-f", "lavfi", "-i", "testsrc=duration=3:size=320x240:rate=10", "-pix_fmt", "yuv420p", "-y", input)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot generate test video: %v: %s", err, out)
	}

	ctx := context.Background()
	info, err := s.Probe(ctx, input)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Width != 320 || info.Height != 240 {
		t.Fatalf("resolution = %dx%d", info.Width, info.Height)
	}

	frames, err := s.ExtractFrames(ctx, input, filepath.Join(dir, "frames"), 1.0)
	if err != nil {
		t.Fatalf("ExtractFrames: %v", err)
	}
	if len(frames) < 3 || len(frames) > 4 {
		t.Fatalf("got %d frames for a 3s clip at 1s interval", len(frames))
	}
}

func TestFFmpegSamplerProbeMissingFile(t *testing.T) {
	s := NewFFmpegSampler()
	if _, err := s.Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
