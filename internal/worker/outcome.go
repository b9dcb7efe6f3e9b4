package worker

import (
	"math"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

// FrameOutcome is the result of decoding one sampled frame: either the
// decoded payloads or the reason the frame was skipped.
type FrameOutcome struct {
	FrameNumber int
	Path        string
	Contents    []string
	SkipReason  string
}

func (o FrameOutcome) Skipped() bool { return o.SkipReason != "" }

// Aggregate turns successful outcomes into detections, one per decoded
// payload, in frame order. Skipped frames are filtered out.
func Aggregate(outcomes []FrameOutcome, interval float64) []schema.Detection {
	dets := make([]schema.Detection, 0)
	for _, o := range outcomes {
		if o.Skipped() {
			continue
		}
		ts := frameTimestamp(o.FrameNumber, interval)
		for _, c := range o.Contents {
			dets = append(dets, schema.Detection{
				Content:          c,
				FrameNumber:      o.FrameNumber,
				TimestampSeconds: ts,
				FramePath:        o.Path,
			})
		}
	}
	return dets
}

// frameTimestamp is frameNumber x interval rounded to the millisecond.
func frameTimestamp(frameNumber int, interval float64) float64 {
	return math.Round(float64(frameNumber)*interval*1000) / 1000
}
