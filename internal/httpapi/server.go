// Package httpapi exposes upload, status and results over HTTP, plus the
// websocket push channel, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/tendant/video-qr-scanner/internal/ingest"
	"github.com/tendant/video-qr-scanner/internal/metrics"
	"github.com/tendant/video-qr-scanner/internal/query"
)

// multipart framing allowance on top of the file size limit
const formOverhead = 1 << 20

type Ingester interface {
	Submit(ctx context.Context, up ingest.Upload) (ingest.Receipt, error)
}

type Querier interface {
	GetStatus(ctx context.Context, videoID string) (query.StatusView, error)
	GetResults(ctx context.Context, videoID string, unique bool) (query.ResultsView, error)
}

type Server struct {
	Ingest        Ingester
	Query         Querier
	Push          http.Handler
	Metrics       *metrics.Metrics
	Limiter       *rate.Limiter
	MaxUploadSize int64
	Logger        *slog.Logger
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	if s.Push != nil {
		r.Method(http.MethodGet, "/ws", s.Push)
	}

	r.Route("/api/videos", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/{id}/status", s.handleStatus)
		r.Get("/{id}/results", s.handleResults)
	})
	return r
}

func (s Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.Limiter != nil && !s.Limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeErr(w, http.StatusTooManyRequests, errors.New("upload rate limit exceeded"))
		return
	}
	if s.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadSize+formOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	part, err := filePart(mr)
	if err != nil {
		var ve *ingest.ValidationError
		if errors.As(err, &ve) || isTooLarge(err) {
			writeUploadErr(w, err)
			return
		}
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	defer part.Close()

	receipt, err := s.Ingest.Submit(r.Context(), ingest.Upload{
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Size:        partSize(part),
		Body:        part,
	})
	if err != nil {
		var ve *ingest.ValidationError
		if !errors.As(err, &ve) && !isTooLarge(err) {
			s.logger().Error("upload failed", "err", err)
		}
		writeUploadErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// filePart advances to the "file" form field.
func filePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, &ingest.ValidationError{Rule: ingest.RuleEmpty, Detail: "missing file field"}
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

// partSize honours an explicit per-part Content-Length; most clients omit it.
func partSize(part *multipart.Part) int64 {
	if v := part.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return -1
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeUploadErr(w http.ResponseWriter, err error) {
	var ve *ingest.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error(), "rule": ve.Rule})
	case isTooLarge(err):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "rule": ingest.RuleTooLarge})
	default:
		writeErr(w, http.StatusInternalServerError, errors.New("upload failed"))
	}
}

func (s Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.Query.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s Server) handleResults(w http.ResponseWriter, r *http.Request) {
	unique, _ := strconv.ParseBool(r.URL.Query().Get("unique"))
	view, err := s.Query.GetResults(r.Context(), chi.URLParam(r, "id"), unique)
	if err != nil {
		s.writeQueryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s Server) writeQueryErr(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	s.logger().Error("query failed", "err", err)
	writeErr(w, http.StatusInternalServerError, errors.New("query failed"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
