package intercom

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"intercom-orchestrator/internal/bridge"
	"intercom-orchestrator/internal/platform/metrics"
)

// DefaultPollTimeout bounds a participant long-poll: the request resolves
// with the current snapshot no later than this.
const DefaultPollTimeout = 25 * time.Second

// Handler exposes the orchestrator HTTP surface using go-chi.
type Handler struct {
	facade      *Facade
	manager     *Manager
	log         *slog.Logger
	metrics     *metrics.Metrics
	pollTimeout time.Duration
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests). pollTimeout <= 0 selects DefaultPollTimeout.
func NewHandler(facade *Facade, manager *Manager, log *slog.Logger, m *metrics.Metrics, pollTimeout time.Duration) *Handler {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Handler{facade: facade, manager: manager, log: log, metrics: m, pollTimeout: pollTimeout}
}

// Register mounts every route on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/production", func(r chi.Router) {
		r.Post("/", h.CreateProduction)
		r.Get("/", h.ListProductions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetProduction)
			r.Patch("/", h.UpdateProduction)
			r.Delete("/", h.DeleteProduction)
			r.Post("/line", h.AddLine)
			r.Route("/line/{lineId}", func(r chi.Router) {
				r.Get("/", h.GetLine)
				r.Patch("/", h.UpdateLine)
				r.Delete("/", h.DeleteLine)
				r.Post("/participants", h.Participants)
			})
		})
	})
	r.Post("/session", h.CreateSession)
	r.Patch("/session/{sessionId}", h.CompleteSession)
	r.Delete("/session/{sessionId}", h.DeleteSession)
	r.Get("/heartbeat/{sessionId}", h.Heartbeat)
}

type lineRequest struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name"`
	ProgramOutputLine bool   `json:"programOutputLine,omitempty"`
}

type productionRequest struct {
	Name  string        `json:"name"`
	Lines []lineRequest `json:"lines,omitempty"`
}

type sessionRequest struct {
	ProductionID int64  `json:"productionId"`
	LineID       string `json:"lineId"`
	Username     string `json:"username"`
	Whip         bool   `json:"whip,omitempty"`
}

type answerRequest struct {
	SDPAnswer string `json:"sdpAnswer"`
}

// CreateProduction handles POST /production.
func (h *Handler) CreateProduction(w http.ResponseWriter, r *http.Request) {
	var req productionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	lines := make([]*Line, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, &Line{ID: l.ID, Name: l.Name, ProgramOutputLine: l.ProgramOutputLine})
	}
	p, err := h.manager.CreateProduction(req.Name, lines)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("production created", slog.Int64("production_id", p.ID), slog.String("name", p.Name))
	h.writeJSON(w, http.StatusCreated, p)
}

// ListProductions handles GET /production.
func (h *Handler) ListProductions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.ListProductions())
}

// GetProduction handles GET /production/{id}.
func (h *Handler) GetProduction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productionID(w, r)
	if !ok {
		return
	}
	p, err := h.manager.GetProduction(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// UpdateProduction handles PATCH /production/{id}.
func (h *Handler) UpdateProduction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productionID(w, r)
	if !ok {
		return
	}
	var req productionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	p, err := h.manager.UpdateProduction(id, req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// DeleteProduction handles DELETE /production/{id}.
func (h *Handler) DeleteProduction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productionID(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeleteProduction(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddLine handles POST /production/{id}/line.
func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productionID(w, r)
	if !ok {
		return
	}
	var req lineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	line, err := h.manager.AddLine(id, &Line{ID: req.ID, Name: req.Name, ProgramOutputLine: req.ProgramOutputLine})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, line)
}

// GetLine handles GET /production/{id}/line/{lineId}.
func (h *Handler) GetLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productionID(w, r)
	if !ok {
		return
	}
	line, err := h.manager.GetLine(id, chi.URLParam(r, "lineId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, line)
}

// UpdateLine handles PATCH /production/{id}/line/{lineId}.
func (h *Handler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productionID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name              *string `json:"name,omitempty"`
		ProgramOutputLine *bool   `json:"programOutputLine,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	line, err := h.manager.UpdateLine(id, chi.URLParam(r, "lineId"), req.Name, req.ProgramOutputLine)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, line)
}

// DeleteLine handles DELETE /production/{id}/line/{lineId}.
func (h *Handler) DeleteLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productionID(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeleteLine(id, chi.URLParam(r, "lineId")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateSession handles POST /session: establish a session and return the
// offer, 201 {sessionId, sdp}.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LineID == "" || req.Username == "" {
		http.Error(w, "productionId, lineId and username are required", http.StatusBadRequest)
		return
	}
	offer, err := h.facade.NewSession(r.Context(), req.ProductionID, req.LineID, req.Username, req.Whip)
	if err != nil {
		if errors.Is(err, bridge.ErrIncompleteDescription) {
			h.log.Error("no offer could be produced", slog.String("error", err.Error()))
			http.Error(w, ErrNoOffer.Error(), http.StatusBadRequest)
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, offer)
}

// CompleteSession handles PATCH /session/{sessionId}: apply the client's
// answer, 204 on success, 410 for an unknown session.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SDPAnswer == "" {
		http.Error(w, "sdpAnswer is required", http.StatusBadRequest)
		return
	}
	if err := h.facade.CompleteSession(r.Context(), chi.URLParam(r, "sessionId"), req.SDPAnswer); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSession handles DELETE /session/{sessionId}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.RemoveSession(r.Context(), chi.URLParam(r, "sessionId")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles GET /heartbeat/{sessionId}: 200 "ok" for a live
// session, 410 once it is gone.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.facade.Heartbeat(chi.URLParam(r, "sessionId")) {
		http.Error(w, ErrSessionNotFound.Error(), http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Participants handles POST /production/{id}/line/{lineId}/participants:
// long-poll that resolves on the next participant change or the poll
// timeout, either way with the current snapshot.
func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productionID(w, r)
	if !ok {
		return
	}
	participants, err := h.facade.AwaitParticipants(r.Context(), id, chi.URLParam(r, "lineId"), h.pollTimeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, participants)
}

func (h *Handler) productionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid production id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response", slog.String("error", err.Error()))
	}
}

// writeError maps domain errors onto the HTTP status codes of the API:
// unknown productions and lines are 404, unknown sessions 410 (they never
// come back), conflicts 400, and everything else, bridge failures included,
// degrades to a 500 with a descriptive message.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var apiErr *bridge.APIError
	switch {
	case errors.Is(err, ErrProductionNotFound), errors.Is(err, ErrLineNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, ErrDuplicateLineName), errors.Is(err, ErrLineHasParticipants):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, bridge.ErrAnswerNoAudio),
		errors.Is(err, bridge.ErrAnswerNoCredentials),
		errors.Is(err, bridge.ErrAnswerNoFingerprint):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &apiErr):
		h.log.Error("bridge call failed",
			slog.Int("upstream_status", apiErr.Status),
			slog.String("error", apiErr.Error()))
		if h.metrics != nil {
			h.metrics.IncBridgeFailures()
		}
		http.Error(w, "bridge request failed", http.StatusInternalServerError)
	default:
		h.log.Error("request failed", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
