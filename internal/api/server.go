// Package api is the serving tier: upload and job endpoints, the webhook
// receivers the worker calls back into, and the SSE stream for live
// status updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ladle/internal/config"
	"ladle/internal/jobs"
	"ladle/internal/notify"
	"ladle/internal/recipes"
	"ladle/internal/stream"
)

// Enqueuer hands a job reference to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg jobs.QueueMessage) error
}

// Publisher is the publish side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, ev jobs.StatusEvent) error
}

// BlobStore stores uploaded images.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

type Server struct {
	Store    jobs.Store
	Queue    Enqueuer
	Bus      Publisher
	Registry *stream.Registry
	Blobs    BlobStore
	Recipes  *recipes.Store

	MaxUploadBytes int64
}

var allowedExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/upload", s.handleUpload)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleJobEvents)
	r.Post("/jobs/{id}/retry", s.handleRetryJob)

	r.Post(config.StatusWebhookPath, s.handleUpdateStatus)
	r.Post(config.RecipeWebhookPath, s.handleRecordRecipe)

	r.Get("/recipes", s.handleListRecipes)
	r.Get("/recipes/{jobID}", s.handleGetRecipe)

	return r
}

type uploadResult struct {
	Filename string `json:"filename"`
	JobID    string `json:"job_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge,
				fmt.Errorf("upload exceeds the %d byte limit", s.MaxUploadBytes))
			return
		}
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeErr(w, http.StatusBadRequest, errors.New("no files provided"))
		return
	}

	results := make([]uploadResult, 0, len(files))
	accepted := false
	for _, header := range files {
		res := s.acceptUpload(ctx, header)
		if res.Error == "" {
			accepted = true
		}
		results = append(results, res)
	}

	status := http.StatusCreated
	if !accepted {
		// No job was created or every enqueue failed; let the caller retry.
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"results": results})
}

// acceptUpload stores one image, creates the job record, and enqueues it.
// The record is committed before the enqueue, so a failed enqueue leaves a
// pending job the reaper will pick up rather than a silently dropped one.
func (s *Server) acceptUpload(ctx context.Context, header *multipart.FileHeader) uploadResult {
	res := uploadResult{Filename: header.Filename}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	contentType, ok := allowedExtensions[ext]
	if !ok {
		res.Error = fmt.Sprintf("invalid file type: %s", header.Filename)
		return res
	}
	file, err := header.Open()
	if err != nil {
		res.Error = "could not read the upload"
		return res
	}
	defer file.Close()

	id := uuid.NewString()
	key := "uploads/" + id + ext
	if err := s.Blobs.Put(ctx, key, file, contentType); err != nil {
		log.Error().Err(err).Str("jobId", id).Msg("failed to store the upload")
		res.Error = "could not store the upload"
		return res
	}

	now := time.Now().UTC()
	job := &jobs.Job{
		ID:        id,
		State:     jobs.StatePending,
		ImageKey:  key,
		Message:   "Upload received. Queued for processing...",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.Create(ctx, job); err != nil {
		log.Error().Err(err).Str("jobId", id).Msg("failed to create the job record")
		res.Error = "could not create the job"
		return res
	}

	if err := s.Queue.Enqueue(ctx, jobs.QueueMessage{JobID: id, ImageKey: key}); err != nil {
		log.Error().Err(err).Str("jobId", id).Msg("failed to enqueue the job")
		res.Error = "queue unavailable, the job will be retried"
		res.JobID = id
		return res
	}

	log.Info().Str("jobId", id).Str("key", key).Msg("job enqueued")
	res.JobID = id
	return res
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRetryJob resets a terminally failed job back to pending and
// re-enqueues it. The attempt budget starts over.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	job, err := s.Store.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if job.State != jobs.StateFailed {
		writeErr(w, http.StatusConflict, fmt.Errorf("job is %s, only failed jobs can be retried", job.State))
		return
	}

	updated, err := s.Store.Transition(ctx, id, jobs.Expect{State: jobs.StateFailed, AttemptCount: job.AttemptCount}, func(j *jobs.Job) {
		j.State = jobs.StatePending
		j.AttemptCount = 0
		j.Result = nil
		j.ErrorReason = ""
		j.Message = "Queued for reprocessing..."
		j.CompletedAt = nil
	})
	if errors.Is(err, jobs.ErrConflict) {
		writeErr(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.Bus.Publish(ctx, updated.Event(false)); err != nil {
		log.Error().Err(err).Str("jobId", id).Msg("failed to publish the retry event")
	}

	if err := s.Queue.Enqueue(ctx, jobs.QueueMessage{JobID: updated.ID, ImageKey: updated.ImageKey}); err != nil {
		log.Error().Err(err).Str("jobId", id).Msg("failed to enqueue the retried job")
		writeErr(w, http.StatusBadGateway, errors.New("queue unavailable, the job will be retried"))
		return
	}
	writeJSON(w, http.StatusAccepted, updated)
}

// handleUpdateStatus receives worker status webhooks and publishes them
// to the event bus. It returns immediately; client delivery happens on
// the subscription side. Receiving the same revision twice is harmless,
// subscribers de-duplicate.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var ev jobs.StatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
		return
	}
	if ev.JobID == "" || ev.Revision <= 0 {
		writeErr(w, http.StatusBadRequest, errors.New("event is missing job_id or revision"))
		return
	}
	if err := s.Bus.Publish(r.Context(), ev); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRecordRecipe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var payload notify.RecipePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode recipe: %w", err))
		return
	}
	if payload.JobID == "" || payload.Title == "" {
		writeErr(w, http.StatusBadRequest, errors.New("recipe is missing job_id or title"))
		return
	}

	rec := &recipes.Recipe{
		JobID:        payload.JobID,
		Title:        payload.Title,
		PrepTime:     string(payload.PrepTime),
		CookTime:     string(payload.CookTime),
		Servings:     string(payload.Servings),
		Notes:        string(payload.Notes),
		Instructions: payload.Instructions,
	}
	for _, ing := range payload.Ingredients {
		rec.Ingredients = append(rec.Ingredients, recipes.Ingredient{
			Item:     ing.Item,
			Quantity: ing.Quantity,
			Unit:     ing.Unit,
		})
	}
	if job, err := s.Store.Get(ctx, payload.JobID); err == nil {
		rec.ImageKey = job.ImageKey
	}

	if err := s.Recipes.Record(ctx, rec); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	log.Info().Str("jobId", payload.JobID).Str("title", payload.Title).Msg("recipe recorded")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		limit = v
	}
	list, err := s.Recipes.List(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipes": list})
}

func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Recipes.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeErr(w, http.StatusNotFound, errors.New("recipe not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
