package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/stage"
	"github.com/nv-mldev/email-agent/internal/storage"
)

const maxRequestBodySize = 1 << 20

// RecordStore is the read side of the record store used by the API.
type RecordStore interface {
	List(ctx context.Context, f storage.ListFilter) ([]pipeline.Record, error)
	Get(ctx context.Context, id int64) (pipeline.Record, error)
	CountByStatus(ctx context.Context) (map[pipeline.Status]int, error)
	Ping(ctx context.Context) error
}

type Poller interface {
	PollOnce(ctx context.Context) (int, error)
}

type Redriver interface {
	Redrive(ctx context.Context, id int64) (pipeline.Record, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, id int64, in stage.Confirmation) (pipeline.Record, error)
}

type EventSource interface {
	Subscribe(ctx context.Context) (<-chan pipeline.Event, error)
}

type AppDeps struct {
	Store     RecordStore
	Poller    Poller // optional; /api/fetch answers 503 without it
	Redriver  Redriver
	Confirmer Confirmer
	Events    EventSource  // optional; /ws is not mounted without it
	Blobs     http.Handler // optional; serves signed filesystem blob URLs
	Token     string       // empty disables authentication
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	if deps.Blobs != nil {
		r.Mount("/blobs", http.StripPrefix("/blobs", deps.Blobs))
	}

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/api/records", handleListRecords(deps))
		r.Get("/api/records/{id}", handleGetRecord(deps))
		r.Get("/api/stats", handleStats(deps))
		r.Post("/api/fetch", handleFetch(deps))
		r.Post("/api/records/{id}/confirm", handleConfirm(deps))
		r.Post("/api/records/{id}/redrive", handleRedrive(deps))
		if deps.Events != nil {
			r.Handle("/ws", eventsHandler(deps.Events))
		}
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Store.Ping(ctx); err != nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "record store unreachable: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

// RecordSummary is a list row; the full record is served by the detail route.
type RecordSummary struct {
	ID                int64           `json:"id"`
	InternetMessageID string          `json:"internet_message_id"`
	Sender            string          `json:"sender"`
	Subject           string          `json:"subject"`
	Role              string          `json:"role"`
	Status            pipeline.Status `json:"status"`
	BusinessID        string          `json:"business_id,omitempty"`
	Attachments       int             `json:"attachments"`
	SummaryError      string          `json:"summary_error,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
	StatusUpdatedAt   time.Time       `json:"status_updated_at"`
}

func summarize(r pipeline.Record) RecordSummary {
	return RecordSummary{
		ID:                r.ID,
		InternetMessageID: r.InternetMessageID,
		Sender:            r.Sender,
		Subject:           r.Subject,
		Role:              string(r.Role),
		Status:            r.Status,
		BusinessID:        r.BusinessID,
		Attachments:       len(r.Attachments),
		SummaryError:      r.SummaryError,
		ErrorMessage:      r.ErrorMessage,
		ReceivedAt:        r.ReceivedAt,
		StatusUpdatedAt:   r.StatusUpdatedAt,
	}
}

func handleListRecords(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.ListFilter{
			Limit:  parseIntParam(r, "limit", 20, 100),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		if s := r.URL.Query().Get("status"); s != "" {
			status, err := pipeline.ParseStatus(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			f.Status = status
		}

		records, err := deps.Store.List(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}
		out := make([]RecordSummary, 0, len(records))
		for _, rec := range records {
			out = append(out, summarize(rec))
		}
		writeJSON(w, out)
	}
}

func handleGetRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordID(w, r)
		if !ok {
			return
		}
		rec, err := deps.Store.Get(r.Context(), id)
		if err != nil {
			recordError(w, err)
			return
		}
		writeJSON(w, rec)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountByStatus(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count records: %v", err)
			return
		}
		out := make(map[string]int, len(counts))
		for _, s := range pipeline.Statuses() {
			out[string(s)] = counts[s]
		}
		writeJSON(w, out)
	}
}

func handleFetch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Poller == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "mailbox polling is not configured")
			return
		}
		n, err := deps.Poller.PollOnce(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "poll failed after %d new emails: %v", n, err)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "new_emails": n})
	}
}

func handleConfirm(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordID(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var in stage.Confirmation
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		rec, err := deps.Confirmer.Confirm(r.Context(), id, in)
		if err != nil {
			recordError(w, err)
			return
		}
		writeJSON(w, rec)
	}
}

func handleRedrive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordID(w, r)
		if !ok {
			return
		}
		rec, err := deps.Redriver.Redrive(r.Context(), id)
		if err != nil {
			recordError(w, err)
			return
		}
		writeJSON(w, summarize(rec))
	}
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid record id %q", chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
