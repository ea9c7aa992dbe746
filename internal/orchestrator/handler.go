package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hls-publisher/internal/hls"
)

// Handler exposes the stream intake endpoints using go-chi.
type Handler struct {
	orch *Orchestrator
	log  *slog.Logger
}

// NewHandler returns a Handler that starts jobs on orch.
func NewHandler(orch *Orchestrator, log *slog.Logger) *Handler {
	return &Handler{orch: orch, log: log}
}

// Mount registers the /livestreams routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/livestreams", func(r chi.Router) {
		r.Post("/", h.StartStream)
		r.Get("/", h.ListStreams)
		r.Get("/{stream}", h.GetStream)
		r.Delete("/{stream}", h.StopStream)
	})
}

// StartStream handles POST /livestreams.
// Body: { "rtmpUrl": "rtmp://host/live/key", "streamName": "My Stream" }.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrInvalidRequest.Error()})
		return
	}

	job, err := h.orch.Start(r.Context(), req.RTMPURL, req.StreamName)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.Is(err, ErrStreamActive):
			h.log.Info("start rejected, stream active", slog.String("stream", string(hls.Sanitize(req.StreamName))))
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		case errors.Is(err, ErrShuttingDown):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		default:
			h.log.Error("start stream failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{Stream: job.MasterKey})
}

// ListStreams handles GET /livestreams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	jobs := h.orch.Jobs()
	out := make([]JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStream handles GET /livestreams/{stream}. The path value is sanitized the
// same way as the intake name.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	job, ok := h.orch.Job(hls.Sanitize(chi.URLParam(r, "stream")))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: ErrJobNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

// StopStream handles DELETE /livestreams/{stream}.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.Stop(hls.Sanitize(chi.URLParam(r, "stream")))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
