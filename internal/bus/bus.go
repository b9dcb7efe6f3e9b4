// Package bus carries the pipeline's JSON messages between the ingest,
// worker and projector processes with at-least-once delivery.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Handler processes one delivery. Returning an error asks the bus to
// redeliver the message later; returning nil acknowledges it.
type Handler func(ctx context.Context, data []byte) error

// Bus is implemented by the JetStream and in-memory backends.
type Bus interface {
	// Publish encodes v as JSON and delivers it durably to subject.
	Publish(ctx context.Context, subject string, v any) error
	// Subscribe attaches h to subject. Subscribers sharing a group compete
	// for messages; each distinct group receives every message. The
	// subscription ends when ctx is cancelled.
	Subscribe(ctx context.Context, subject, group string, h Handler) error
	Close() error
}

// ErrMalformed marks a payload that can never be processed. Handlers
// should log and acknowledge it instead of asking for redelivery.
var ErrMalformed = errors.New("malformed message")

var validate = validator.New()

// Decode unmarshals data into v and checks its validate tags.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
