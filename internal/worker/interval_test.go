package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

func TestSampleInterval(t *testing.T) {
	tests := []struct {
		duration float64
		want     float64
	}{
		{30, 0.5},
		{60, 0.5},
		{60.1, 1.0},
		{90, 1.0},
		{180, 1.0},
		{300, 1.0},
		{600, 2.0},
		{900, 2.0},
		{3600, 5.0},
	}
	for _, tt := range tests {
		if got := SampleInterval(tt.duration); got != tt.want {
			t.Errorf("SampleInterval(%v) = %v, want %v", tt.duration, got, tt.want)
		}
	}
}

func TestAggregateFiltersSkippedFrames(t *testing.T) {
	outcomes := []FrameOutcome{
		{FrameNumber: 0, Path: "f0", Contents: []string{"A"}},
		{FrameNumber: 1, Path: "f1", SkipReason: "corrupt"},
		{FrameNumber: 2, Path: "f2"},
		{FrameNumber: 3, Path: "f3", Contents: []string{"A", "B"}},
	}
	dets := Aggregate(outcomes, 0.5)
	if len(dets) != 3 {
		t.Fatalf("got %d detections, want 3", len(dets))
	}
	if dets[1].FrameNumber != 3 || dets[1].TimestampSeconds != 1.5 || dets[1].FramePath != "f3" {
		t.Fatalf("unexpected detection: %+v", dets[1])
	}
}

func TestFrameTimestampRounding(t *testing.T) {
	if got := frameTimestamp(3, 0.1); got != 0.3 {
		t.Fatalf("frameTimestamp(3, 0.1) = %v, want 0.3", got)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want schema.FailureType
	}{
		{nil, ""},
		{errNoFrames, schema.FailureTypePermanent},
		{context.DeadlineExceeded, schema.FailureTypeRetryable},
		{errors.New("dial tcp: connection refused"), schema.FailureTypeRetryable},
		{errors.New("stat /x.mp4: no such file or directory"), schema.FailureTypePermanent},
		{errors.New("something odd"), schema.FailureTypeRetryable},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestMemoryLeaseExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLease(time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "v"); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := l.Acquire(ctx, "v"); ok {
		t.Fatal("second acquire should be refused")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := l.Acquire(ctx, "v"); !ok {
		t.Fatal("expired lease should be re-acquirable")
	}
}

func TestLeaseKey(t *testing.T) {
	if got := leaseKey("3f2a-9c.x"); got != "video.3f2a-9c_x" {
		t.Fatalf("leaseKey = %q", got)
	}
}
