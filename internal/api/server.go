package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haven-labs/haven-audio/internal/assembly"
	"github.com/haven-labs/haven-audio/internal/blob"
	"github.com/haven-labs/haven-audio/internal/jobstore"
)

// Server exposes the assembly engine over HTTP: job submission and polling,
// signed result downloads and the per-user voice registry. Operational
// endpoints (health probes, metrics) are mounted by the runtime on the same
// router.
type Server struct {
	manager *assembly.Manager
	store   *jobstore.Store
	blobs   *blob.Store
	log     *slog.Logger
}

func NewServer(manager *assembly.Manager, store *jobstore.Store, blobs *blob.Store, logger *slog.Logger) *Server {
	return &Server{
		manager: manager,
		store:   store,
		blobs:   blobs,
		log:     logger.With(slog.String("component", "api")),
	}
}

// Routes builds the chi router for the public API surface.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/assembly/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
			r.Get("/{jobID}/result", s.handleJobResult)
		})
		r.Route("/users/{userID}/voice", func(r chi.Router) {
			r.Get("/", s.handleGetVoice)
			r.Put("/", s.handleSetVoice)
		})
	})

	r.Get("/files/*", s.handleDownload)

	return r
}

type submitRequest struct {
	UserID       string          `json:"userId"`
	SessionID    string          `json:"sessionId,omitempty"`
	Instructions json.RawMessage `json:"assemblyInstructions"`
}

type submitResponse struct {
	Success           bool    `json:"success"`
	JobID             string  `json:"jobId"`
	Message           string  `json:"message"`
	EstimatedDuration float64 `json:"estimatedDuration"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.manager.Submit(r.Context(), req.UserID, req.SessionID, req.Instructions)
	if err != nil {
		if errors.Is(err, assembly.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, "submit job", err)
		return
	}

	estimate := 0.0
	if instr, perr := assembly.ParseInstructions(req.Instructions); perr == nil {
		estimate = s.manager.EstimateDuration(instr)
	}

	s.writeJSON(w, http.StatusOK, submitResponse{
		Success:           true,
		JobID:             job.ID,
		Message:           "Audio assembly started",
		EstimatedDuration: estimate,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := s.store.ListJobs(r.Context(), userID, limit)
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []jobstore.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type resultResponse struct {
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, "get job", err)
		return
	}
	if job.Status != jobstore.StatusCompleted || job.ResultAudioPath == "" {
		s.writeError(w, http.StatusConflict, "job has no result yet")
		return
	}

	url, expires := s.blobs.SignedURL(job.ResultAudioPath)
	s.writeJSON(w, http.StatusOK, resultResponse{
		JobID:     job.ID,
		URL:       url,
		ExpiresAt: expires,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	objectPath := chi.URLParam(r, "*")
	q := r.URL.Query()

	if err := s.blobs.Verify(objectPath, q.Get("expires"), q.Get("sig")); err != nil {
		s.writeError(w, http.StatusForbidden, "invalid or expired link")
		return
	}

	data, err := s.blobs.Get(objectPath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.internalError(w, "read blob", err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Warn("download write failed", slog.String("error", err.Error()))
	}
}

type voicePayload struct {
	VoiceID string `json:"voice_id"`
}

func (s *Server) handleGetVoice(w http.ResponseWriter, r *http.Request) {
	voiceID, err := s.store.UserVoice(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.internalError(w, "get user voice", err)
		return
	}
	if voiceID == "" {
		s.writeError(w, http.StatusNotFound, "no voice registered")
		return
	}
	s.writeJSON(w, http.StatusOK, voicePayload{VoiceID: voiceID})
}

func (s *Server) handleSetVoice(w http.ResponseWriter, r *http.Request) {
	var payload voicePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.VoiceID == "" {
		s.writeError(w, http.StatusBadRequest, "voice_id is required")
		return
	}
	if err := s.store.SetUserVoice(r.Context(), chi.URLParam(r, "userID"), payload.VoiceID); err != nil {
		s.internalError(w, "set user voice", err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", slog.String("error", err.Error()))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
