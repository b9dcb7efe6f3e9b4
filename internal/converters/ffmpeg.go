package converters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FFmpegSampler shells out to ffprobe and ffmpeg.
type FFmpegSampler struct {
	ffmpeg  string
	ffprobe string
}

func NewFFmpegSampler() *FFmpegSampler {
	return &FFmpegSampler{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
}

func (f *FFmpegSampler) Name() string {
	return "ffmpeg"
}

// Available reports whether both binaries are on PATH.
func (f *FFmpegSampler) Available() bool {
	if _, err := exec.LookPath(f.ffmpeg); err != nil {
		return false
	}
	_, err := exec.LookPath(f.ffprobe)
	return err == nil
}

// Probe returns metadata about the video file
func (f *FFmpegSampler) Probe(ctx context.Context, input string) (*MediaInfo, error) {
	if _, err := os.Stat(input); err != nil {
		return nil, fmt.Errorf("probe input: %w", err)
	}
	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration",
		"-show_entries", "format=duration,size",
		"-of", "default=noprint_wrappers=1",
		input,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, string(output))
	}

	info := parseProbeOutput(string(output))
	if info.Duration <= 0 {
		return nil, fmt.Errorf("ffprobe reported no duration for %s", input)
	}
	return info, nil
}

// parseProbeOutput reads ffprobe key=value lines. The stream duration is
// preferred; container duration fills in when the stream reports N/A.
func parseProbeOutput(output string) *MediaInfo {
	info := &MediaInfo{}
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]

		switch key {
		case "width":
			if w, err := strconv.Atoi(value); err == nil {
				info.Width = w
			}
		case "height":
			if h, err := strconv.Atoi(value); err == nil {
				info.Height = h
			}
		case "duration":
			if d, err := strconv.ParseFloat(value, 64); err == nil && info.Duration == 0 {
				info.Duration = d
			}
		case "size":
			if s, err := strconv.ParseInt(value, 10, 64); err == nil {
				info.Size = s
			}
		}
	}
	return info
}

// ExtractFrames samples one frame every interval seconds as PNG files
// named frame_000001.png, frame_000002.png and so on.
func (f *FFmpegSampler) ExtractFrames(ctx context.Context, input, outDir string, interval float64) ([]string, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}
	if _, err := exec.LookPath(f.ffmpeg); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}

	// -vf fps=1/N: one output frame per N seconds of input
	// -vsync vfr: drop duplicated frames the fps filter would pad
	args := []string{
		"-v", "error",
		"-i", input,
		"-vf", "fps=1/" + strconv.FormatFloat(interval, 'f', -1, 64),
		"-vsync", "vfr",
		"-y",
		filepath.Join(outDir, "frame_%06d.png"),
	}

	cmd := exec.CommandContext(ctx, f.ffmpeg, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(out))
	}

	return ListFrames(outDir)
}

// ListFrames returns the frame_*.png files in dir sorted by name, which is
// frame order.
func ListFrames(dir string) ([]string, error) {
	frames, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	sort.Strings(frames)
	return frames, nil
}
