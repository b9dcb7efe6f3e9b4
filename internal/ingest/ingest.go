// Package ingest accepts uploaded videos: validate, store the file, record
// the Queued status and announce the job on the bus.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tendant/video-qr-scanner/internal/converters"
	"github.com/tendant/video-qr-scanner/internal/metrics"
	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

const (
	RuleEmpty           = "empty"
	RuleTooLarge        = "too-large"
	RuleUnsupportedType = "unsupported-type"
)

// ValidationError rejects an upload before anything is stored.
type ValidationError struct {
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "invalid upload: " + e.Rule
	}
	return fmt.Sprintf("invalid upload: %s: %s", e.Rule, e.Detail)
}

// Upload is one file handed to Submit. Size may be -1 when unknown.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type Receipt struct {
	VideoID string        `json:"video_id"`
	Status  schema.Status `json:"status"`
	Message string        `json:"message"`
}

type BlobPutter interface {
	Put(ctx context.Context, videoID, filename string, r io.Reader) (string, error)
}

type JobWriter interface {
	UpsertJob(ctx context.Context, job process.VideoJob) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type Config struct {
	MaxSize int64
	Subject string
}

type Service struct {
	cfg     Config
	blobs   BlobPutter
	jobs    JobWriter
	pub     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

func NewService(cfg Config, blobs BlobPutter, jobs JobWriter, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.Subject == "" {
		cfg.Subject = schema.SubjectUploadAccepted
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		blobs:   blobs,
		jobs:    jobs,
		pub:     pub,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Submit validates and queues one upload. Only *ValidationError is returned
// without side effects; a publish failure after the status is recorded is
// logged and the job stays Queued for the republish tool.
func (s *Service) Submit(ctx context.Context, up Upload) (Receipt, error) {
	body, err := s.validate(up)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			s.metrics.UploadRejected(ve.Rule)
			s.logger.Info("upload rejected", "filename", up.Filename, "rule", ve.Rule, "detail", ve.Detail)
		}
		return Receipt{}, err
	}

	videoID := s.newID()
	logger := s.logger.With("video_id", videoID)

	location, err := s.blobs.Put(ctx, videoID, up.Filename, body)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			s.metrics.UploadRejected(ve.Rule)
			return Receipt{}, err
		}
		logger.Error("store upload failed", "err", err)
		return Receipt{}, fmt.Errorf("store upload: %w", err)
	}

	now := s.now().UTC()
	job := process.NewVideoJob(videoID, location, now)
	if _, err := s.jobs.UpsertJob(ctx, job); err != nil {
		logger.Error("record queued status failed", "err", err)
		return Receipt{}, fmt.Errorf("record status: %w", err)
	}

	msg := schema.UploadAccepted{VideoID: videoID, FilePath: location, UploadedAt: now}
	if err := s.pub.Publish(ctx, s.cfg.Subject, msg); err != nil {
		logger.Error("publish upload accepted failed, job left queued", "subject", s.cfg.Subject, "err", err)
	}

	s.metrics.UploadAccepted()
	logger.Info("upload accepted", "filename", up.Filename, "location", location, "size", humanize.Bytes(uint64(max(up.Size, 0))))
	return Receipt{VideoID: videoID, Status: job.Status, Message: job.Message}, nil
}

// validate checks size and container type and returns a reader positioned
// at the start of the upload.
func (s *Service) validate(up Upload) (io.Reader, error) {
	if up.Body == nil || up.Size == 0 {
		return nil, &ValidationError{Rule: RuleEmpty}
	}
	if s.cfg.MaxSize > 0 && up.Size > s.cfg.MaxSize {
		return nil, &ValidationError{
			Rule:   RuleTooLarge,
			Detail: fmt.Sprintf("%s exceeds %s", humanize.Bytes(uint64(up.Size)), humanize.Bytes(uint64(s.cfg.MaxSize))),
		}
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, &ValidationError{Rule: RuleEmpty}
	}

	sniffed := http.DetectContentType(head)
	if !converters.IsSupportedVideo(up.ContentType, sniffed, up.Filename) {
		return nil, &ValidationError{
			Rule:   RuleUnsupportedType,
			Detail: fmt.Sprintf("%s (declared %q)", sniffed, up.ContentType),
		}
	}

	body := io.MultiReader(bytes.NewReader(head), up.Body)
	if up.Size < 0 && s.cfg.MaxSize > 0 {
		body = &limitedReader{r: body, remaining: s.cfg.MaxSize, max: s.cfg.MaxSize}
	}
	return body, nil
}

// limitedReader fails with a too-large ValidationError once more than max
// bytes have been read.
type limitedReader struct {
	r         io.Reader
	remaining int64
	max       int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, &ValidationError{Rule: RuleTooLarge, Detail: "exceeds " + humanize.Bytes(uint64(l.max))}
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, &ValidationError{Rule: RuleTooLarge, Detail: "exceeds " + humanize.Bytes(uint64(l.max))}
	}
	return n, err
}
