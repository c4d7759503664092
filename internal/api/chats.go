package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/store"
)

// maxRequestBody caps JSON request bodies at 1 MB.
const maxRequestBody = 1024 * 1024

// TurnStream is the consumer view of a running turn: ordered events
// followed, after the channel closes, by the finished record.
type TurnStream interface {
	Events() <-chan engine.Event
	Record() *engine.TurnRecord
}

// TurnStarter runs one conversational turn and streams its events.
type TurnStarter interface {
	StartTurn(ctx context.Context, chatID, agentID uuid.UUID, question string) (TurnStream, error)
}

// EngineStarter adapts *engine.Engine to TurnStarter.
type EngineStarter struct {
	Engine *engine.Engine
}

func (s EngineStarter) StartTurn(ctx context.Context, chatID, agentID uuid.UUID, question string) (TurnStream, error) {
	return s.Engine.StartTurn(ctx, chatID, agentID, question)
}

// ChatStore is the slice of chat persistence the API needs.
type ChatStore interface {
	CreateChat(ctx context.Context, agentID uuid.UUID, title string) (*store.Chat, error)
	GetChat(ctx context.Context, chatID uuid.UUID) (*store.Chat, error)
	ListChats(ctx context.Context, limit, offset int) ([]store.Chat, error)
	ListMessages(ctx context.Context, chatID uuid.UUID) ([]store.StoredMessage, error)
}

type chatHandler struct {
	engine TurnStarter
	store  ChatStore
	logger log.Logger
}

type createChatRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
	Title   string    `json:"title"`
}

func (h *chatHandler) createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}

	chat, err := h.store.CreateChat(r.Context(), req.AgentID, strings.TrimSpace(req.Title))
	if err != nil {
		if errors.Is(err, engine.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "no agent with that id")
			return
		}
		h.logger.Error("creating chat", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create chat")
		return
	}

	_ = writeJSON(w, http.StatusCreated, chat)
}

func (h *chatHandler) listChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	chats, err := h.store.ListChats(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("listing chats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list chats")
		return
	}

	_ = writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (h *chatHandler) getChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "chat_not_found", "no chat with that id")
			return
		}
		h.logger.Error("loading chat", "error", err, "chat_id", chatID)
		writeError(w, http.StatusInternalServerError, "internal", "could not load chat")
		return
	}

	messages, err := h.store.ListMessages(r.Context(), chatID)
	if err != nil {
		h.logger.Error("loading messages", "error", err, "chat_id", chatID)
		writeError(w, http.StatusInternalServerError, "internal", "could not load messages")
		return
	}

	_ = writeJSON(w, http.StatusOK, map[string]any{
		"chat":     chat,
		"messages": messages,
	})
}

type askRequest struct {
	Message string `json:"message"`
}

type askResponse struct {
	Answer    string            `json:"answer"`
	Steps     []engine.TurnStep `json:"steps"`
	Usage     engine.Usage      `json:"usage"`
	Truncated bool              `json:"truncated"`
}

// ask runs a turn synchronously: the event stream is drained and only the
// finished record is returned.
func (h *chatHandler) ask(w http.ResponseWriter, r *http.Request) {
	stream, ok := h.startTurn(w, r)
	if !ok {
		return
	}

	for range stream.Events() {
	}

	rec := stream.Record()
	if rec == nil {
		writeError(w, http.StatusInternalServerError, "internal", "turn produced no record")
		return
	}
	if rec.Failed {
		writeError(w, http.StatusBadGateway, "turn_failed", rec.Error)
		return
	}

	_ = writeJSON(w, http.StatusOK, askResponse{
		Answer:    rec.Answer,
		Steps:     rec.Steps,
		Usage:     rec.Usage,
		Truncated: rec.Truncated,
	})
}

// stream runs a turn and relays its events over SSE. Each engine event is
// one "message" frame carrying a JSON object; a final "end" frame follows
// the terminal event.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	stream, ok := h.startTurn(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range stream.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("encoding event", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
			// Client is gone; r.Context() cancellation stops the turn.
			return
		}
		flusher.Flush()
	}

	_, _ = fmt.Fprint(w, "event: end\ndata: {}\n\n")
	flusher.Flush()
}

// startTurn parses the request, resolves the chat and kicks off the turn.
// On failure it writes the error response and returns ok=false.
func (h *chatHandler) startTurn(w http.ResponseWriter, r *http.Request) (TurnStream, bool) {
	chatID, ok := pathUUID(w, r, "id")
	if !ok {
		return nil, false
	}

	var req askRequest
	if !decodeBody(w, r, &req) {
		return nil, false
	}
	question := strings.TrimSpace(req.Message)
	if question == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return nil, false
	}

	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "chat_not_found", "no chat with that id")
			return nil, false
		}
		h.logger.Error("loading chat", "error", err, "chat_id", chatID)
		writeError(w, http.StatusInternalServerError, "internal", "could not load chat")
		return nil, false
	}

	stream, err := h.engine.StartTurn(r.Context(), chat.ID, chat.AgentID, question)
	if err != nil {
		if errors.Is(err, engine.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "agent no longer exists")
			return nil, false
		}
		h.logger.Error("starting turn", "error", err, "chat_id", chatID)
		writeError(w, http.StatusInternalServerError, "internal", "could not start turn")
		return nil, false
	}
	return stream, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
