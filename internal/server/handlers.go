package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"slices"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/clipstitch/internal/clip"
	"github.com/maauso/clipstitch/internal/job"
	"github.com/maauso/clipstitch/internal/planner"
	"github.com/maauso/clipstitch/internal/preview"
	"github.com/maauso/clipstitch/internal/stitch"
)

// defaultMaxUploadBytes bounds request bodies. Base64 inflates uploads by a
// third, so this admits roughly 190 MiB of media.
const defaultMaxUploadBytes = 256 << 20

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service            *job.Service
	validator          *validator.Validate
	logger             *slog.Logger
	enableAsyncProcess bool
	maxUploadBytes     int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncProcessing enables or disables background processing.
// When disabled, CreateJob only creates the job and returns immediately
// without starting background processing.
func WithAsyncProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsyncProcess = enabled
	}
}

// WithMaxUploadBytes limits request body size. Non-positive values keep the
// default.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *job.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:            service,
		validator:          newValidator(),
		logger:             logger,
		enableAsyncProcess: true,
		maxUploadBytes:     defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// newValidator registers the "transition" tag, which accepts any known
// transition kind name.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("transition", func(fl validator.FieldLevel) bool {
		_, err := clip.ParseKind(fl.Field().String())
		return err == nil
	})
	return v
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ListTransitions handles GET /transitions requests.
func (h *Handlers) ListTransitions(w http.ResponseWriter, r *http.Request) {
	kinds := clip.Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	writeJSON(w, http.StatusOK, TransitionsResponse{Transitions: names})
}

// CreateJob handles POST /jobs requests.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	input, err := createJobInput(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	createdJob, err := h.service.CreateJob(r.Context(), input)
	if err != nil {
		h.logger.Error("failed to create job",
			slog.String("error", err.Error()),
		)
		h.writeServiceError(w, err, "failed to create job", "JOB_CREATION_FAILED")
		return
	}

	// Processing outlives the request.
	if h.enableAsyncProcess {
		go func(ctx context.Context, jobID string) {
			_, processErr := h.service.ProcessExistingJob(ctx, jobID)
			if processErr != nil {
				h.logger.Error("background processing failed",
					slog.String("job_id", jobID),
					slog.String("error", processErr.Error()),
				)
			}
		}(context.WithoutCancel(r.Context()), createdJob.ID)
	}

	h.logger.Info("job created",
		slog.String("job_id", createdJob.ID),
		slog.Int("clips", len(req.Clips)),
	)

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     createdJob.ID,
		Status: string(createdJob.Status),
	})
}

func createJobInput(req CreateJobRequest) (job.CreateJobInput, error) {
	input := job.CreateJobInput{
		Clips:               make([]job.ClipInput, 0, len(req.Clips)),
		BackgroundAudioName: req.BackgroundAudioName,
		UseBackgroundAudio:  req.UseBackgroundAudio,
		PushToS3:            req.PushToS3,
	}

	for i, c := range req.Clips {
		data, err := base64.StdEncoding.DecodeString(c.DataBase64)
		if err != nil {
			return job.CreateJobInput{}, fmt.Errorf("clips[%d]: invalid base64", i)
		}
		in := job.ClipInput{Data: data, Name: c.Name}
		if c.Transition != nil {
			kind, err := clip.ParseKind(c.Transition.Kind)
			if err != nil {
				return job.CreateJobInput{}, fmt.Errorf("clips[%d]: %w", i, err)
			}
			in.Transition = &clip.Transition{Kind: kind, Duration: c.Transition.Duration}
		}
		input.Clips = append(input.Clips, in)
	}

	if req.BackgroundAudioBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.BackgroundAudioBase64)
		if err != nil {
			return job.CreateJobInput{}, errors.New("background audio: invalid base64")
		}
		input.BackgroundAudio = data
	}
	return input, nil
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	foundJob, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	resp := jobResponse(foundJob)

	if foundJob.Status == job.StatusCompleted && resp.VideoURL == "" && foundJob.OutputPath != "" {
		videoData, err := os.ReadFile(foundJob.OutputPath)
		if err != nil {
			h.logger.Error("failed to read output video",
				slog.String("job_id", jobID),
				slog.String("path", foundJob.OutputPath),
				slog.String("error", err.Error()),
			)
			// Don't fail the request, just log and omit video
		} else {
			resp.VideoBase64 = base64.StdEncoding.EncodeToString(videoData)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// DeleteJob handles DELETE /jobs/{id} requests. A running job is cancelled
// first.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := h.service.DeleteJob(r.Context(), jobID); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to delete job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to delete job", "JOB_DELETE_FAILED")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Preview handles POST /preview requests and responds with a PNG frame.
// X-Preview-Filtered is "false" when the region could not be applied and
// the raw frame was returned instead.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.DataBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64", "VALIDATION_ERROR")
		return
	}

	out, err := h.service.Preview(r.Context(), job.PreviewInput{
		Data:      data,
		Name:      req.Name,
		Timestamp: req.Timestamp,
		Mode:      planner.PreviewMode(req.Mode),
		Region:    region(req.Region),
	})
	if err != nil {
		h.logger.Warn("preview failed",
			slog.String("mode", req.Mode),
			slog.String("error", err.Error()),
		)
		h.writeServiceError(w, err, "failed to generate preview", "PREVIEW_FAILED")
		return
	}

	w.Header().Set("X-Preview-Filtered", strconv.FormatBool(out.Filtered))
	writeBytes(w, out.Mime, "", out.Data)
}

// Edit handles POST /edits/{op} requests and responds with the edited media.
func (h *Handlers) Edit(w http.ResponseWriter, r *http.Request) {
	op := job.EditOp(r.PathValue("op"))
	if !slices.Contains(job.EditOps(), op) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown edit operation %q", op), "UNKNOWN_EDIT")
		return
	}

	var req EditRequest
	if !h.decode(w, r, &req) {
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.DataBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64", "VALIDATION_ERROR")
		return
	}

	input := job.EditInput{
		Op:          op,
		Data:        data,
		Name:        req.Name,
		Start:       req.Start,
		End:         req.End,
		BarRatio:    req.BarRatio,
		Color:       req.Color,
		AudioFormat: planner.AudioFormat(req.AudioFormat),
	}
	if req.Region != nil {
		input.Region = region(*req.Region)
	}
	if input.AudioFormat == "" {
		input.AudioFormat = planner.AudioMP3
	}

	out, err := h.service.Edit(r.Context(), input)
	if err != nil {
		h.logger.Warn("edit failed",
			slog.String("op", string(op)),
			slog.String("error", err.Error()),
		)
		h.writeServiceError(w, err, "failed to apply edit", "EDIT_FAILED")
		return
	}

	writeBytes(w, out.Mime, out.Name, out.Data)
}

func region(r RegionRequest) planner.Region {
	return planner.Region{X: r.X, Y: r.Y, W: r.W, H: r.H}
}

// decode reads a size-limited JSON body into dst and validates it. It writes
// the error response and returns false on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "PAYLOAD_TOO_LARGE")
			return false
		}
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP statuses. Unrecognized
// errors become 500 with the fallback message and code.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error, fallback, fallbackCode string) {
	var execErr *stitch.ExecutionError

	switch {
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, clip.ErrTooFewClips),
		errors.Is(err, job.ErrTooManyClips),
		errors.Is(err, job.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_CLIPS")
	case errors.Is(err, job.ErrUnsupportedMedia):
		writeError(w, http.StatusUnsupportedMediaType, err.Error(), "UNSUPPORTED_MEDIA")
	case errors.Is(err, planner.ErrInvalidRange),
		errors.Is(err, planner.ErrInvalidRegion),
		errors.Is(err, planner.ErrInvalidBarRatio),
		errors.Is(err, planner.ErrUnsupportedAudioFormat),
		errors.Is(err, planner.ErrMissingRegion),
		errors.Is(err, planner.ErrUnboundedSilence):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMETERS")
	case errors.Is(err, preview.ErrPreviewGenerationFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "PREVIEW_GENERATION_FAILED")
	case errors.As(err, &execErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  err.Error(),
			Code:   "ENGINE_EXECUTION_FAILED",
			Advice: execErr.Advice(),
		})
	case errors.Is(err, stitch.ErrEngineReadFailed):
		writeError(w, http.StatusInternalServerError, err.Error(), "ENGINE_READ_FAILED")
	default:
		writeError(w, http.StatusInternalServerError, fallback, fallbackCode)
	}
}

func jobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:         j.ID,
		Status:     string(j.Status),
		Progress:   j.Progress,
		Strategy:   j.Strategy,
		ClipCount:  len(j.Composition.Clips),
		Error:      j.Error,
		OutputMime: j.OutputMime,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	if j.Status == job.StatusCompleted && j.PushToS3 {
		resp.VideoURL = j.OutputURL
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeBytes writes a binary response, as an attachment when filename is set.
func writeBytes(w http.ResponseWriter, contentType, filename string, data []byte) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("failed to write response body", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
