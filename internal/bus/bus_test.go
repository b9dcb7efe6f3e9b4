package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		malformed bool
	}{
		{"valid processing", `{"video_id":"v1","status":"Processing","updated_at":"2024-01-01T00:00:00Z"}`, false},
		{"not json", `{"video_id":`, true},
		{"missing id", `{"status":"Processing","updated_at":"2024-01-01T00:00:00Z"}`, true},
		{"queued is not a bus status", `{"video_id":"v1","status":"Queued","updated_at":"2024-01-01T00:00:00Z"}`, true},
		{"missing timestamp", `{"video_id":"v1","status":"Failed"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg schema.StatusChanged
			err := Decode([]byte(tt.payload), &msg)
			if got := errors.Is(err, ErrMalformed); got != tt.malformed {
				t.Fatalf("malformed = %v, want %v (err=%v)", got, tt.malformed, err)
			}
		})
	}
}

func TestDurableName(t *testing.T) {
	got := durableName("qr-workers", "videos.upload.accepted")
	if got != "qr-workers_videos_upload_accepted" {
		t.Fatalf("durableName = %q", got)
	}
}

func TestRetryStopsAfterAttempts(t *testing.T) {
	p := RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	calls := 0
	err := retry(context.Background(), p, func() error {
		calls++
		return errors.New("nats unavailable")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	p := RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	calls := 0
	err := retry(context.Background(), p, func() error {
		calls++
		if calls < 2 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
