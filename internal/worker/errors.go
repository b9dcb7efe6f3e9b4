package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

// JobError is a job-level failure with a known classification.
type JobError struct {
	Type    schema.FailureType
	Message string
}

func (e JobError) Error() string { return e.Message }

var errNoFrames = JobError{Type: schema.FailureTypePermanent, Message: "no frames extracted"}

func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var jobErr JobError
	if errors.As(err, &jobErr) {
		return jobErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.FailureTypeRetryable
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "context deadline exceeded") {
		return schema.FailureTypeRetryable
	}

	if strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "Invalid data found") ||
		strings.Contains(errStr, "no duration") ||
		strings.Contains(errStr, "unsupported") {
		return schema.FailureTypePermanent
	}

	return schema.FailureTypeRetryable
}
