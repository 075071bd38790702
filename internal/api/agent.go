package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pikabot/pikabot/internal/actor"
)

// maxRequestBytes bounds how much of a request body is decoded.
const maxRequestBytes = 1 << 20 // 1MB

// AgentHandler handles the per-agent control endpoints.
type AgentHandler struct {
	*Handler
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(base *Handler) *AgentHandler {
	return &AgentHandler{Handler: base}
}

// RegisterRoutes registers agent routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/agents/{agentID}", func(r chi.Router) {
		r.Post("/init", h.Init)
		r.Get("/status", h.Status)
		r.Post("/welcome", h.Welcome)
	})
}

// Init creates the agent or idempotently refreshes an existing one.
func (h *AgentHandler) Init(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req actor.InitRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := h.table.Get(r.Context(), agentID)
	if err != nil {
		slog.Error("Failed to resolve agent actor", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "agent unavailable")
		return
	}

	view, err := a.Init(r.Context(), req)
	if err != nil {
		slog.Warn("Agent init rejected", "agent_id", agentID, "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, view)
}

// Status returns the agent's current state, reactivating a dormant session.
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	a, err := h.table.Find(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, actor.ErrNotInitialized) {
			Error(w, http.StatusNotFound, "agent not found")
			return
		}
		slog.Error("Failed to resolve agent actor", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "agent unavailable")
		return
	}

	view, err := a.Status(r.Context())
	if err != nil {
		if errors.Is(err, actor.ErrNotInitialized) {
			Error(w, http.StatusNotFound, "agent not found")
			return
		}
		slog.Error("Agent status failed", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	JSON(w, http.StatusOK, view)
}

// Welcome joins the agent into a membership group.
func (h *AgentHandler) Welcome(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req actor.WelcomeRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GroupID == "" {
		Error(w, http.StatusBadRequest, "group_id is required")
		return
	}

	a, err := h.table.Find(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, actor.ErrNotInitialized) {
			Error(w, http.StatusNotFound, "agent not found")
			return
		}
		slog.Error("Failed to resolve agent actor", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "agent unavailable")
		return
	}

	view, err := a.ProcessWelcome(r.Context(), req)
	if err != nil {
		if errors.Is(err, actor.ErrNotInitialized) {
			Error(w, http.StatusNotFound, "agent not found")
			return
		}
		slog.Warn("Welcome rejected", "agent_id", agentID, "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, view)
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes)).Decode(v)
}
