package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/chat_downloader/internal/downloader"
	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/rules"
	"github.com/italolelis/chat_downloader/internal/storage"
)

// Downloads is the operator surface of the download manager.
type Downloads interface {
	Get(ctx context.Context, id int64) (*storage.DownloadRecord, error)
	List(ctx context.Context, filter storage.Filter) ([]storage.DownloadRecord, error)
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) (*storage.DownloadRecord, error)
	Cancel(ctx context.Context, id int64) error
	SetPriority(ctx context.Context, id int64, priority int) (*storage.DownloadRecord, error)
	TogglePriority(ctx context.Context, id int64) (*storage.DownloadRecord, error)
	Delete(ctx context.Context, id int64) error
}

// Download is the JSON view of a download record.
type Download struct {
	ID         int64     `json:"id"`
	Origin     string    `json:"origin"`
	ChatID     int64     `json:"chat_id"`
	MessageID  int64     `json:"message_id"`
	RuleID     int64     `json:"rule_id,omitempty"`
	FileID     string    `json:"file_id,omitempty"`
	FileName   string    `json:"file_name"`
	TargetPath string    `json:"target_path"`
	SizeBytes  int64     `json:"size_bytes"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	Progress   float64   `json:"progress"`
	Throughput float64   `json:"throughput"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newDownload(rec storage.DownloadRecord) Download {
	d := Download{
		ID:         rec.ID,
		Origin:     string(rec.Origin),
		ChatID:     rec.OriginRef.ChatID,
		MessageID:  rec.OriginRef.MessageID,
		RuleID:     rec.OriginRef.RuleID,
		FileName:   rec.FileName,
		TargetPath: rec.TargetPath,
		SizeBytes:  rec.SizeBytes,
		Status:     string(rec.Status),
		Priority:   rec.Priority,
		Progress:   rec.Progress,
		Throughput: rec.Throughput,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}

	if rec.Content != nil {
		d.FileID = rec.Content.FileID
	}

	return d
}

// Message is the JSON view of a logged inbound message.
type Message struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	MessageID  int64     `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text,omitempty"`
	HasMedia   bool      `json:"has_media"`
	FileName   string    `json:"file_name,omitempty"`
	MediaType  string    `json:"media_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIHandler serves the download and rule management endpoints.
type APIHandler struct {
	username  string
	password  string
	downloads Downloads
	rules     rules.Repository
	messages  storage.MessageLog
}

// APIOption configures an APIHandler.
type APIOption func(*APIHandler)

// WithMessages serves the inbound message log under /messages.
func WithMessages(log storage.MessageLog) APIOption {
	return func(h *APIHandler) {
		h.messages = log
	}
}

// NewAPIHandler creates the management API. Empty credentials disable basic auth.
func NewAPIHandler(username, password string, downloads Downloads, repo rules.Repository, opts ...APIOption) *APIHandler {
	h := &APIHandler{
		username:  username,
		password:  password,
		downloads: downloads,
		rules:     repo,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" || h.password != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.ListDownloads)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetDownload)
			r.Delete("/", h.DeleteDownload)
			r.Post("/pause", h.PauseDownload)
			r.Post("/resume", h.ResumeDownload)
			r.Post("/cancel", h.CancelDownload)
			r.Post("/priority", h.SetPriority)
		})
	})

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Post("/", h.CreateRule)
		r.Put("/{id}", h.UpdateRule)
		r.Patch("/{id}", h.UpdateRule)
		r.Delete("/{id}", h.DeleteRule)
	})

	if h.messages != nil {
		r.Get("/messages", h.ListMessages)
	}

	return r
}

// ListDownloads accepts optional status (repeatable), origin and limit query parameters.
func (h *APIHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter storage.Filter

	for _, raw := range query["status"] {
		status := storage.Status(raw)
		if !status.Valid() {
			writeError(w, r, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))

			return
		}

		filter.Statuses = append(filter.Statuses, status)
	}

	if origin := query.Get("origin"); origin != "" {
		filter.Origin = storage.Origin(origin)
		if filter.Origin != storage.OriginDirect && filter.Origin != storage.OriginRule {
			writeError(w, r, http.StatusBadRequest, "unknown origin "+strconv.Quote(origin))

			return
		}
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")

			return
		}

		filter.Limit = limit
	}

	records, err := h.downloads.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	out := make([]Download, 0, len(records))
	for _, rec := range records {
		out = append(out, newDownload(rec))
	}

	writeJSON(w, r, http.StatusOK, out)
}

func (h *APIHandler) GetDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	rec, err := h.downloads.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownload(*rec))
}

func (h *APIHandler) PauseDownload(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.downloads.Pause)
}

func (h *APIHandler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.downloads.Cancel)
}

func (h *APIHandler) ResumeDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	rec, err := h.downloads.Resume(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownload(*rec))
}

// SetPriority sets the priority from a {"priority": n} body. An empty body
// toggles between normal and high priority.
func (h *APIHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	var (
		rec *storage.DownloadRecord
		err error
	)

	if req.Priority == nil {
		rec, err = h.downloads.TogglePriority(r.Context(), id)
	} else {
		rec, err = h.downloads.SetPriority(r.Context(), id, *req.Priority)
	}

	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownload(*rec))
}

func (h *APIHandler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.downloads.Delete)
}

// act runs an action that returns no record. Stopping a running transfer is
// asynchronous, hence 202.
func (h *APIHandler) act(w http.ResponseWriter, r *http.Request, action func(context.Context, int64) error) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := action(r.Context(), id); err != nil {
		h.fail(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *APIHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.rules.List(r.Context())
	if err != nil {
		h.fail(w, r, err)

		return
	}

	if list == nil {
		list = []rules.Rule{}
	}

	writeJSON(w, r, http.StatusOK, list)
}

func (h *APIHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	rule.ID = 0
	rule.Normalize()

	if err := rule.Validate(); err != nil {
		h.fail(w, r, err)

		return
	}

	id, err := h.rules.Create(r.Context(), &rule)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	rule.ID = id

	writeJSON(w, r, http.StatusCreated, rule)
}

// UpdateRule replaces a rule on PUT and merges the given fields into it on PATCH.
func (h *APIHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	existing, err := h.rules.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	rule := *existing
	if r.Method == http.MethodPut {
		rule = rules.Rule{CreatedAt: existing.CreatedAt}
	}

	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	rule.ID = id
	rule.CreatedAt = existing.CreatedAt
	rule.Normalize()

	if err := rule.Validate(); err != nil {
		h.fail(w, r, err)

		return
	}

	if err := h.rules.Update(r.Context(), &rule); err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, rule)
}

func (h *APIHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := h.rules.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMessages returns the newest logged messages; limit defaults to the store's cap.
func (h *APIHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	var limit int

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")

			return
		}

		limit = n
	}

	list, err := h.messages.ListMessages(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, Message{
			ID:         m.ID,
			ChatID:     m.ChatID,
			MessageID:  m.MessageID,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Text:       m.Text,
			HasMedia:   m.HasMedia,
			FileName:   m.FileName,
			MediaType:  m.MediaType,
			CreatedAt:  m.CreatedAt,
		})
	}

	writeJSON(w, r, http.StatusOK, out)
}

func (h *APIHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="chat_downloader"`)
			writeError(w, r, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if username != h.username || password != h.password {
			writeError(w, r, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// fail maps domain errors onto status codes.
func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, rules.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, downloader.ErrInvalidState), errors.Is(err, downloader.ErrDuplicate):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, rules.ErrInvalidRule):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid id")

		return 0, false
	}

	return id, true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}
