package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dsjohal14/seglog/internal/wal"
)

// Handler contains HTTP handlers for the API
type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger,
	}
}

// Router builds the chi router for the API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/logs/{log}", func(r chi.Router) {
		r.Post("/records", h.Append)
		r.Get("/records", h.Read)
		r.Get("/segments", h.Segments)
		r.Post("/rollover", h.Rollover)
		r.Post("/cleanup", h.Cleanup)
		r.Post("/flush", h.Flush)
	})
	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Append writes the raw request body as one record and returns the assigned
// sequence ID and timestamp.
func (h *Handler) Append(w http.ResponseWriter, r *http.Request) {
	l, ok := h.log(w, r)
	if !ok {
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", "bad_request")
		return
	}
	seq, ts, err := l.Append(r.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, wal.ErrPayloadTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error(), "payload_too_large")
		case errors.Is(err, wal.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error(), "closed")
		default:
			h.logger.Error().Err(err).Msg("append failed")
			writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		}
		return
	}
	writeJSON(w, http.StatusOK, AppendResponse{SequenceID: seq, Timestamp: ts})
}

// Read streams records as newline-delimited JSON. Query parameters: seq or ts
// select the start position, limit caps delivery, watch keeps the stream
// open across new appends and rollovers.
func (h *Handler) Read(w http.ResponseWriter, r *http.Request) {
	l, ok := h.log(w, r)
	if !ok {
		return
	}

	opts, err := readOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}

	cur, err := l.Read(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("read failed to open")
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	defer func() { _ = cur.Close() }()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for cur.Next(r.Context()) {
		rec := cur.Record()
		err := enc.Encode(RecordResponse{
			SequenceID: rec.Sequence,
			Timestamp:  rec.Timestamp,
			Payload:    rec.Payload(),
		})
		rec.Release()
		if err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := cur.Err(); err != nil && !errors.Is(err, r.Context().Err()) {
		h.logger.Warn().Err(err).Msg("read stream terminated")
	}
}

// Segments returns header snapshots for every tracked segment.
func (h *Handler) Segments(w http.ResponseWriter, r *http.Request) {
	l, ok := h.log(w, r)
	if !ok {
		return
	}
	infos, err := l.Segments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	out := make([]SegmentResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, SegmentResponse{
			Path:           info.Path,
			Active:         info.Active,
			FirstSequence:  info.Header.FirstSequence,
			LastSequence:   info.Header.LastSequence,
			FirstTimestamp: info.Header.FirstTimestamp,
			LastTimestamp:  info.Header.LastTimestamp,
			MessageCount:   info.Header.MessageCount,
			SizeBytes:      info.Header.SizeBytes,
			ReadOnly:       info.Header.ReadOnly,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Rollover seals the active segment and starts a new one.
func (h *Handler) Rollover(w http.ResponseWriter, r *http.Request) {
	h.engineOp(w, r, (*wal.Log).Rollover)
}

// Cleanup applies the retention policy immediately.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	h.engineOp(w, r, (*wal.Log).Cleanup)
}

// Flush forces the active segment to disk.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	h.engineOp(w, r, (*wal.Log).Flush)
}

func (h *Handler) engineOp(w http.ResponseWriter, r *http.Request, op func(*wal.Log, context.Context) error) {
	l, ok := h.log(w, r)
	if !ok {
		return
	}
	if err := op(l, r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) log(w http.ResponseWriter, r *http.Request) (*wal.Log, bool) {
	name := chi.URLParam(r, "log")
	l, err := h.svc.Log(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_log")
		return nil, false
	}
	return l, true
}

func readOptionsFromQuery(r *http.Request) (wal.ReadOptions, error) {
	var opts wal.ReadOptions
	q := r.URL.Query()

	if v := q.Get("seq"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return opts, err
		}
		opts.Position = wal.SequencePosition(seq)
	} else if v := q.Get("ts"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, err
		}
		opts.Position = wal.TimestampPosition(ts)
	}

	opts.Limit = -1
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, err
		}
		opts.Limit = limit
	}

	if v := q.Get("watch"); v != "" {
		watch, err := strconv.ParseBool(v)
		if err != nil {
			return opts, err
		}
		opts.Watch = watch
	}
	return opts, nil
}

// Helper functions used across all handlers

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with the given status code
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
