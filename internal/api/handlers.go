package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"contoso.com/enterprise-chat-agent/internal/core"
	"contoso.com/enterprise-chat-agent/internal/store"
	"contoso.com/enterprise-chat-agent/internal/tools"
)

const maxBodyBytes = 1 << 20

type APIHandler struct {
	chatService *core.ChatService
	pageLimit   int
	logger      *slog.Logger
}

// NewAPIHandler serves the chat API. pageLimit caps the messages returned by one
// history request.
func NewAPIHandler(cs *core.ChatService, pageLimit int, logger *slog.Logger) *APIHandler {
	if pageLimit <= 0 {
		pageLimit = store.DefaultMessageLimit
	}
	return &APIHandler{chatService: cs, pageLimit: pageLimit, logger: logger}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// internalError logs err and answers 500 with a generic message.
func (h *APIHandler) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.logger.ErrorContext(r.Context(), message, "error", err, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, message)
}

type CreateThreadRequest struct {
	UserID   string         `json:"user_id"`
	Title    *string        `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

func (h *APIHandler) CreateThreadHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			// An unreadable body creates an anonymous thread.
			req = CreateThreadRequest{}
		}
	}

	thread, err := h.chatService.CreateThread(r.Context(), core.CreateThreadParams{
		UserID:   req.UserID,
		Title:    req.Title,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.internalError(w, r, "Failed to create thread", err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (h *APIHandler) GetThreadHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	thread, err := h.chatService.GetThread(r.Context(), threadID)
	if errors.Is(err, core.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, "Thread not found")
		return
	} else if err != nil {
		h.internalError(w, r, "Failed to get thread", err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

type UpdateThreadRequest struct {
	Title  *string       `json:"title"`
	Status *store.Status `json:"status"`
}

func (h *APIHandler) UpdateThreadHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req UpdateThreadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status: must be active, archived or deleted")
		return
	}

	thread, err := h.chatService.UpdateThread(r.Context(), threadID, store.ThreadUpdate{
		Title:  req.Title,
		Status: req.Status,
	})
	switch {
	case errors.Is(err, core.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, "Thread not found")
	case errors.Is(err, store.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.internalError(w, r, "Failed to update thread", err)
	default:
		writeJSON(w, http.StatusOK, thread)
	}
}

func (h *APIHandler) DeleteThreadHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	err := h.chatService.DeleteThread(r.Context(), threadID)
	if errors.Is(err, core.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, "Thread not found")
		return
	} else if err != nil {
		h.internalError(w, r, "Failed to delete thread", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req PostMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		// A missing thread is reported before a bad body.
		if _, err := h.chatService.GetThread(r.Context(), threadID); errors.Is(err, core.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "Thread not found")
		} else if err != nil {
			h.internalError(w, r, "Failed to get thread", err)
		} else {
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
		}
		return
	}

	// PostMessage checks the thread before the content.
	reply, err := h.chatService.PostMessage(r.Context(), threadID, req.Content)
	switch {
	case errors.Is(err, core.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, "Thread not found")
	case errors.Is(err, core.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "Missing 'content' in request body")
	case err != nil:
		h.internalError(w, r, "Failed to process message", err)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

type MessagesResponse struct {
	Messages          []store.Message `json:"messages"`
	ContinuationToken string          `json:"continuation_token,omitempty"`
}

func (h *APIHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	query := r.URL.Query()

	limit := h.pageLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit: must be a positive integer")
			return
		}
		limit = min(n, h.pageLimit)
	}

	page, err := h.chatService.GetMessages(r.Context(), threadID, limit, query.Get("continuation_token"))
	switch {
	case errors.Is(err, core.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, "Thread not found")
	case errors.Is(err, store.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, "Invalid continuation token")
	case err != nil:
		h.internalError(w, r, "Failed to get messages", err)
	default:
		writeJSON(w, http.StatusOK, MessagesResponse{
			Messages:          page.Messages,
			ContinuationToken: page.ContinuationToken,
		})
	}
}

type ToolsResponse struct {
	Tools []tools.Tool `json:"tools"`
}

func (h *APIHandler) ListToolsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ToolsResponse{Tools: h.chatService.Tools()})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chatService.Health(r.Context()))
}
