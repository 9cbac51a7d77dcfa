package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/imagereel/internal/audio"
	"github.com/maauso/imagereel/internal/job"
	"github.com/maauso/imagereel/internal/media"
)

const (
	// defaultMaxUploadBytes bounds a POST /videos body when no limit is set.
	defaultMaxUploadBytes = 200 << 20
	// multipartMemory is how much of a form is buffered before spilling
	// file parts to disk.
	multipartMemory = 32 << 20
	// videoStreamAllowance is added to a synchronous composition's write
	// deadline for sending the video.
	videoStreamAllowance = 5 * time.Minute
)

// MusicLister lists the background music tracks.
type MusicLister interface {
	List(ctx context.Context) ([]audio.Track, error)
}

// ProcessCounter reports running encoder processes.
type ProcessCounter interface {
	Count() int
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	composer       *job.Composer
	music          MusicLister
	processes      ProcessCounter
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadBytes int64
	enableAsync    bool
	encoderTimeout time.Duration
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncProcessing enables or disables background processing of
// asynchronous submissions. When disabled, an async request only creates
// the job.
func WithAsyncProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsync = enabled
	}
}

// WithMusicLister serves GET /music from l.
func WithMusicLister(l MusicLister) HandlerOption {
	return func(h *Handlers) {
		h.music = l
	}
}

// WithProcessCounter reports running encoder processes on GET /health.
func WithProcessCounter(c ProcessCounter) HandlerOption {
	return func(h *Handlers) {
		h.processes = c
	}
}

// WithMaxUploadBytes limits the size of a POST /videos body.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// WithEncoderTimeout sets the per-invocation encoder deadline. Synchronous
// compositions extend the response write deadline by it for every
// invocation they may run.
func WithEncoderTimeout(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d >= 0 {
			h.encoderTimeout = d
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(composer *job.Composer, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		composer:       composer,
		validator:      validator.New(),
		logger:         logger,
		maxUploadBytes: defaultMaxUploadBytes,
		enableAsync:    true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.processes != nil {
		resp.ActiveProcesses = h.processes.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMusic handles GET /music requests.
func (h *Handlers) ListMusic(w http.ResponseWriter, r *http.Request) {
	resp := MusicResponse{Tracks: []audio.Track{}}
	if h.music != nil {
		tracks, err := h.music.List(r.Context())
		if err != nil {
			h.logger.Error("failed to list music",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list music", "MUSIC_LIST_FAILED")
			return
		}
		if tracks != nil {
			resp.Tracks = tracks
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateVideo handles POST /videos requests. The body is a multipart form
// with repeated "images" file parts. Synchronous requests receive the video
// (or, with push_to_s3, its URL); async requests receive 202 and a job id.
func (h *Handlers) CreateVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), "PAYLOAD_TOO_LARGE")
			return
		}
		h.logger.Warn("failed to parse multipart form",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid multipart form", "INVALID_FORM")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["images"]
	req, err := parseCreateVideoForm(r.MultipartForm.Value, len(files))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	images, closeAll, err := openImages(files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_FORM")
		return
	}

	input := job.ComposeInput{
		Images:           images,
		DurationPerImage: req.DurationPerImage,
		FPS:              req.FPS,
		Width:            req.Width,
		Height:           req.Height,
		Profile:          media.Profile(req.PerformanceMode),
		MusicTrack:       req.Music,
		PushToS3:         req.PushToS3,
	}

	// Submit consumes the uploads into the job's work directory.
	created, err := h.composer.Submit(r.Context(), input)
	closeAll()
	if err != nil {
		var jobID string
		if created != nil {
			jobID = created.ID
		}
		h.writeJobError(w, jobID, err)
		return
	}

	if req.Async {
		if h.enableAsync {
			if err := h.composer.Start(r.Context(), created.ID); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
					Error: err.Error(),
					Code:  "SHUTTING_DOWN",
					JobID: created.ID,
				})
				return
			}
		}
		h.logger.Info("job accepted",
			slog.String("job_id", created.ID),
			slog.Int("images", req.ImageCount),
		)
		writeJSON(w, http.StatusAccepted, CreateVideoResponse{
			ID:     created.ID,
			Status: string(created.Status),
		})
		return
	}

	w.Header().Set("X-Job-ID", created.ID)
	if err := http.NewResponseController(w).SetWriteDeadline(h.writeDeadline(req.ImageCount)); err != nil {
		h.logger.Debug("write deadline not extended",
			slog.String("job_id", created.ID),
			slog.String("error", err.Error()),
		)
	}

	out, err := h.composer.Run(r.Context(), created.ID)
	if err != nil {
		h.writeJobError(w, created.ID, err)
		return
	}

	if req.PushToS3 {
		writeJSON(w, http.StatusOK, CreateVideoResponse{
			ID:              out.JobID,
			Status:          string(out.Status),
			VideoURL:        out.VideoURL,
			DurationSeconds: out.Duration,
		})
		return
	}
	h.serveVideo(w, r, out.JobID, out.VideoPath)
}

// writeDeadline covers a synchronous composition of n images: one probe, n
// encodes, the concat and the mux, plus time to stream the result. The zero
// time means no deadline.
func (h *Handlers) writeDeadline(n int) time.Time {
	if h.encoderTimeout == 0 {
		return time.Time{}
	}
	invocations := time.Duration(n + 3)
	return time.Now().Add(invocations*h.encoderTimeout + videoStreamAllowance)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	found, ok := h.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(found))
}

// GetJobVideo handles GET /jobs/{id}/video requests. It streams the retained
// output, which after a mux failure is the silent video.
func (h *Handlers) GetJobVideo(w http.ResponseWriter, r *http.Request) {
	found, ok := h.lookupJob(w, r)
	if !ok {
		return
	}
	if found.OutputPath == "" {
		writeError(w, http.StatusNotFound, "job has no video", "VIDEO_NOT_FOUND")
		return
	}
	if !found.IsTerminal() {
		writeError(w, http.StatusConflict, "job is still running", "JOB_IN_PROGRESS")
		return
	}
	h.serveVideo(w, r, found.ID, found.OutputPath)
}

// DeleteJobVideo handles DELETE /jobs/{id}/video requests.
func (h *Handlers) DeleteJobVideo(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	err := h.composer.DeleteOutput(r.Context(), jobID)
	switch {
	case err == nil:
		h.logger.Info("job video deleted", slog.String("job_id", jobID))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrNoOutput):
		writeError(w, http.StatusNotFound, "job has no video", "VIDEO_NOT_FOUND")
	case errors.Is(err, job.ErrJobActive):
		writeError(w, http.StatusConflict, "job is still running", "JOB_IN_PROGRESS")
	default:
		h.logger.Error("failed to delete job video",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to delete video", "VIDEO_DELETE_FAILED")
	}
}

func (h *Handlers) lookupJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return nil, false
	}

	found, err := h.composer.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return nil, false
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return nil, false
	}
	return found, true
}

// writeJobError maps a composition failure to a response. Input errors are
// the client's fault; every other kind is a server-side failure.
func (h *Handlers) writeJobError(w http.ResponseWriter, jobID string, err error) {
	kind := job.KindOf(err)
	if kind == "" {
		h.logger.Error("failed to create job",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "failed to create job",
			Code:  "JOB_CREATION_FAILED",
			JobID: jobID,
		})
		return
	}

	status := http.StatusInternalServerError
	if kind == job.KindInput {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, ErrorResponse{
		Error: err.Error(),
		Code:  kind.Code(),
		JobID: jobID,
	})
}

func (h *Handlers) serveVideo(w http.ResponseWriter, r *http.Request, jobID, path string) {
	f, err := os.Open(path) // #nosec G304 - path comes from the job record
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "video file is gone", "VIDEO_NOT_FOUND")
			return
		}
		h.logger.Error("failed to open video",
			slog.String("job_id", jobID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read video", "VIDEO_READ_FAILED")
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read video", "VIDEO_READ_FAILED")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".mp4"))
	w.Header().Set("X-Job-ID", jobID)
	http.ServeContent(w, r, jobID+".mp4", info.ModTime(), f)
}

// parseCreateVideoForm converts the scalar form values. Range checks are
// left to the validator.
func parseCreateVideoForm(values map[string][]string, imageCount int) (CreateVideoRequest, error) {
	get := func(key string) string {
		if v := values[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	req := CreateVideoRequest{
		ImageCount:      imageCount,
		Music:           get("music"),
		PerformanceMode: strings.ToLower(get("performance_mode")),
	}

	var err error
	if req.DurationPerImage, err = parseFloat(get("duration_per_image"), "duration_per_image"); err != nil {
		return req, err
	}
	if req.FPS, err = parseInt(get("fps"), "fps"); err != nil {
		return req, err
	}
	if req.Width, err = parseInt(get("width"), "width"); err != nil {
		return req, err
	}
	if req.Height, err = parseInt(get("height"), "height"); err != nil {
		return req, err
	}
	if req.PushToS3, err = parseBool(get("push_to_s3"), "push_to_s3"); err != nil {
		return req, err
	}
	if req.Async, err = parseBool(get("async"), "async"); err != nil {
		return req, err
	}
	return req, nil
}

func parseFloat(s, field string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", field)
	}
	return v, nil
}

func parseInt(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	return v, nil
}

func parseBool(s, field string) (bool, error) {
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", field)
	}
	return v, nil
}

// openImages opens every uploaded part in form order. The returned func
// closes them all.
func openImages(files []*multipart.FileHeader) ([]job.ImageInput, func(), error) {
	opened := make([]io.Closer, 0, len(files))
	closeAll := func() {
		for _, c := range opened {
			_ = c.Close()
		}
	}

	images := make([]job.ImageInput, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open image %q: %w", fh.Filename, err)
		}
		opened = append(opened, f)
		images = append(images, job.ImageInput{Filename: fh.Filename, Data: f})
	}
	return images, closeAll, nil
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:               j.ID,
		Status:           string(j.Status),
		ImageCount:       j.ImageCount,
		SegmentsEncoded:  len(j.Segments),
		DurationPerImage: j.DurationPerImage,
		DurationSeconds:  j.ExpectedDuration(),
		FPS:              j.FPS,
		Width:            j.Width,
		Height:           j.Height,
		PerformanceMode:  string(j.Profile),
		Music:            j.MusicTrack,
		PushToS3:         j.PushToS3,
		HasVideo:         j.OutputPath != "",
		VideoURL:         j.VideoURL,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
	if j.ErrorKind != "" {
		resp.ErrorCode = j.ErrorKind.Code()
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		resp.CompletedAt = &completed
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

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
