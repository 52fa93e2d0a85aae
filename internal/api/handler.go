package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"MailPacer/internal/accounts"
	"MailPacer/internal/csvparser"
	"MailPacer/internal/delivery"
	"MailPacer/internal/dispatch"
	"MailPacer/internal/models"
	"MailPacer/internal/pacer"
)

// maxBody caps request bodies, inline attachments included.
const maxBody = 32 << 20

type Handler struct {
	Service    *dispatch.Service
	Accounts   *accounts.Pool
	CSVMaxRows int
	// AttachmentRoot is the only directory file attachments may be read
	// from. Empty disables file attachments.
	AttachmentRoot string
	Log            *zap.Logger
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/batches", h.SubmitBatch)
	mux.HandleFunc("GET /v1/jobs/{id}", h.JobStatus)
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.CancelJob)

	mux.HandleFunc("POST /v1/queue/pause", h.PauseQueue)
	mux.HandleFunc("POST /v1/queue/resume", h.ResumeQueue)
	mux.HandleFunc("GET /v1/queue/stats", h.QueueStats)
	mux.HandleFunc("GET /v1/deliveries", h.ListDeliveries)

	mux.HandleFunc("GET /v1/accounts", h.ListAccounts)
	mux.HandleFunc("POST /v1/accounts", h.AddAccount)
	mux.HandleFunc("PUT /v1/accounts/{id}", h.UpdateAccount)
	mux.HandleFunc("DELETE /v1/accounts/{id}", h.RemoveAccount)
	mux.HandleFunc("POST /v1/accounts/reload", h.ReloadAccounts)

	mux.HandleFunc("GET /healthz", h.Health)
	return mux
}

type pacingRequest struct {
	MinDelaySeconds   float64 `json:"min_delay_seconds"`
	MaxDelaySeconds   float64 `json:"max_delay_seconds"`
	PerMessage        bool    `json:"per_message"`
	RateLimit         int     `json:"rate_limit"`
	RateWindowSeconds float64 `json:"rate_window_seconds"`
}

func (p pacingRequest) config() *pacer.Config {
	return &pacer.Config{
		MinDelay:   seconds(p.MinDelaySeconds),
		MaxDelay:   seconds(p.MaxDelaySeconds),
		PerMessage: p.PerMessage,
		RateLimit:  p.RateLimit,
		RateWindow: seconds(p.RateWindowSeconds),
	}
}

type batchRequest struct {
	Recipients []dispatch.Recipient `json:"recipients"`
	// RecipientsCSV is a CSV document with an Email column; it is appended
	// to Recipients.
	RecipientsCSV string              `json:"recipients_csv"`
	Subject       string              `json:"subject"`
	Body          string              `json:"body"`
	Attachments   []models.Attachment `json:"attachments"`
	Source        string              `json:"source"`
	Priority      int                 `json:"priority"`
	MaxAttempts   int                 `json:"max_attempts"`
	Pacing        *pacingRequest      `json:"pacing"`
}

func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}

	attachments, err := confineAttachments(h.AttachmentRoot, req.Attachments)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recipients := req.Recipients
	if strings.TrimSpace(req.RecipientsCSV) != "" {
		rows, err := csvparser.ParseRecipientRows(strings.NewReader(req.RecipientsCSV), h.CSVMaxRows)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, row := range rows {
			recipients = append(recipients, dispatch.Recipient{
				Email:     row.Email,
				FirstName: row.FirstName,
				LastName:  row.LastName,
				Data:      row.Fields,
			})
		}
		if req.Source == "" {
			req.Source = dispatch.SourceBulk
		}
	}

	batch := dispatch.BatchRequest{
		Recipients:  recipients,
		Subject:     req.Subject,
		Body:        req.Body,
		Attachments: attachments,
		Source:      req.Source,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if req.Pacing != nil {
		batch.Pacing = req.Pacing.config()
	}

	res, err := h.Service.Submit(r.Context(), batch)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.Service.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "cancelled": ok})
}

func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Pause(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Resume(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, total, err := h.Service.History(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	f = f.Normalize()
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"limit":   f.Limit,
		"offset":  f.Offset,
	})
}

func listFilter(r *http.Request) (delivery.ListFilter, error) {
	q := r.URL.Query()
	f := delivery.ListFilter{
		Status: models.DeliveryStatus(q.Get("status")),
		Email:  q.Get("email"),
		Source: q.Get("source"),
	}

	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, errors.New("limit must be an integer")
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, errors.New("offset must be an integer")
	}
	if f.From, err = timeParam(q.Get("from")); err != nil {
		return f, errors.New("from must be an RFC 3339 timestamp")
	}
	if f.To, err = timeParam(q.Get("to")); err != nil {
		return f, errors.New("to must be an RFC 3339 timestamp")
	}
	return f, nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Health(r.Context()); err != nil {
		h.Log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "accounts": h.Accounts.Len()})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps service errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, accounts.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, accounts.ErrAccountExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, accounts.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrQueueUnavailable):
		h.Log.Error("queue unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.Log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
