package process

import (
	"fmt"
	"sort"
	"time"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

// CompletedResult is the aggregated outcome of one successful analysis.
// Detections hold one entry per raw per-frame decode and may repeat content.
type CompletedResult struct {
	VideoID     string
	CompletedAt time.Time
	Detections  []schema.Detection
}

func ResultFromCompleted(msg schema.AnalysisCompleted) CompletedResult {
	dets := make([]schema.Detection, len(msg.Detections))
	copy(dets, msg.Detections)
	return CompletedResult{
		VideoID:     msg.VideoID,
		CompletedAt: msg.CompletedAt.UTC(),
		Detections:  dets,
	}
}

// Deduplicate keeps the earliest occurrence of each distinct content and
// returns them ordered by timestamp, then frame number.
func Deduplicate(dets []schema.Detection) []schema.Detection {
	earliest := make(map[string]schema.Detection, len(dets))
	for _, d := range dets {
		prev, ok := earliest[d.Content]
		if !ok || d.TimestampSeconds < prev.TimestampSeconds ||
			(d.TimestampSeconds == prev.TimestampSeconds && d.FrameNumber < prev.FrameNumber) {
			earliest[d.Content] = d
		}
	}

	out := make([]schema.Detection, 0, len(earliest))
	for _, d := range earliest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampSeconds != out[j].TimestampSeconds {
			return out[i].TimestampSeconds < out[j].TimestampSeconds
		}
		if out[i].FrameNumber != out[j].FrameNumber {
			return out[i].FrameNumber < out[j].FrameNumber
		}
		return out[i].Content < out[j].Content
	})
	return out
}

// UniqueCount is the number of distinct content values, not raw detections.
func UniqueCount(dets []schema.Detection) int {
	seen := make(map[string]struct{}, len(dets))
	for _, d := range dets {
		seen[d.Content] = struct{}{}
	}
	return len(seen)
}

// SummaryMessage is the status note written when a result is stored.
func SummaryMessage(dets []schema.Detection) string {
	n := UniqueCount(dets)
	switch n {
	case 0:
		return "Processing completed with no QR codes detected"
	case 1:
		return "Processing completed with 1 unique QR code detected"
	default:
		return fmt.Sprintf("Processing completed with %d unique QR codes detected", n)
	}
}

// CompletedJob is the final status record derived from a stored result. It is
// stamped with CompletedAt so replaying the same result yields the same record.
func CompletedJob(res CompletedResult) VideoJob {
	return VideoJob{
		ID:        res.VideoID,
		Status:    schema.StatusCompleted,
		Message:   SummaryMessage(res.Detections),
		UpdatedAt: res.CompletedAt.UTC(),
	}
}
