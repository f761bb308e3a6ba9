package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"chatcore/auth"
	"chatcore/queue"
)

// JobsAPI exposes job submission and status polling over HTTP.
type JobsAPI struct {
	client *queue.Client
	log    zerolog.Logger
}

func NewJobsAPI(client *queue.Client, log zerolog.Logger) *JobsAPI {
	return &JobsAPI{client: client, log: log}
}

type submitRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit handles POST /jobs.
func (a *JobsAPI) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}

	jobID, err := a.client.Enqueue(r.Context(), req.Kind, req.Payload)
	if err != nil {
		if errors.Is(err, queue.ErrQueueUnavailable) {
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		a.log.Error().Err(err).Str("kind", req.Kind).Msg("enqueue failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{JobID: jobID})
}

// Status handles GET /jobs/{id}.
func (a *JobsAPI) Status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := a.client.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		a.log.Error().Err(err).Str("job", id).Msg("status lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// NewMux wires all HTTP routes.
func NewMux(wsHandler http.HandlerFunc, jobs *JobsAPI, a *auth.Auth) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", wsHandler)
	mux.HandleFunc("POST /jobs", jobs.Submit)
	mux.HandleFunc("GET /jobs/{id}", jobs.Status)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	// Dev-only token endpoint; the real issuer lives outside this service.
	mux.HandleFunc("GET /token", func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("user")
		if clientID == "" {
			clientID = "user123"
		}
		token, err := a.Issue(clientID)
		if err != nil {
			http.Error(w, "failed to create token", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(token))
	})
	return mux
}
