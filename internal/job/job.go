// Package job provides the composition job aggregate, its state machine,
// persistence ports and the Composer service that drives a job from
// uploaded images to a finished video.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/imagereel/internal/job/id"
	"github.com/maauso/imagereel/internal/media"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusCreated is a registered job whose inputs are not yet ordered.
	StatusCreated Status = "CREATED"
	// StatusOrderingResolved means the images have their final order.
	StatusOrderingResolved Status = "ORDERING_RESOLVED"
	// StatusSegmentsInProgress means segments are being encoded.
	StatusSegmentsInProgress Status = "SEGMENTS_IN_PROGRESS"
	// StatusSegmentsComplete means every image has an encoded segment.
	StatusSegmentsComplete Status = "SEGMENTS_COMPLETE"
	// StatusConcatenating means the concat demuxer is running.
	StatusConcatenating Status = "CONCATENATING"
	// StatusConcatenated means the silent video exists.
	StatusConcatenated Status = "CONCATENATED"
	// StatusMuxingAudio means the music track is being muxed in.
	StatusMuxingAudio Status = "MUXING_AUDIO"
	// StatusMuxed means the final video has its audio track.
	StatusMuxed Status = "MUXED"
	// StatusDone is the successful terminal state.
	StatusDone Status = "DONE"
	// StatusFailed is the unsuccessful terminal state.
	StatusFailed Status = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed. Failed is
// reachable from every non-terminal state and is handled in canTransition.
var validTransitions = map[Status][]Status{
	StatusCreated:            {StatusOrderingResolved},
	StatusOrderingResolved:   {StatusSegmentsInProgress},
	StatusSegmentsInProgress: {StatusSegmentsComplete},
	StatusSegmentsComplete:   {StatusConcatenating},
	StatusConcatenating:      {StatusConcatenated},
	StatusConcatenated:       {StatusMuxingAudio, StatusDone},
	StatusMuxingAudio:        {StatusMuxed},
	StatusMuxed:              {StatusDone},
	StatusDone:               {},
	StatusFailed:             {},
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	if to == StatusFailed {
		return !from.IsTerminal()
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one image-to-video composition.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// Segments are the encoded clips, in resolver order.
	Segments []media.Segment
	// ImageCount is the number of images submitted.
	ImageCount int
	// DurationPerImage is how long each image is shown, in seconds.
	DurationPerImage float64
	// FPS is the output frame rate.
	FPS int
	// Width and Height are the output size. Zero means inherit from the
	// first image.
	Width  int
	Height int
	// Profile selects the encode quality/speed trade-off.
	Profile media.Profile
	// MusicTrack is the library track muxed in, if any.
	MusicTrack string
	// PushToS3 indicates whether to upload the result to S3.
	PushToS3 bool
	// WorkDir is the job's isolated scratch directory.
	WorkDir string
	// OutputPath is the final (or retained silent) video.
	OutputPath string
	// VideoURL is the S3 URL if PushToS3 was true.
	VideoURL string
	// Error and ErrorKind describe a failure.
	Error     string
	ErrorKind ErrorKind
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time
}

// New creates a new Job with a generated ID in the CREATED state.
func New() *Job {
	return NewWithID(id.Generate())
}

// NewWithID creates a new Job with the specified ID in the CREATED state.
func NewWithID(jobID string) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Status:    StatusCreated,
		Profile:   media.ProfileNormal,
		Segments:  make([]media.Segment, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusOrderingResolved:
		j.StartedAt = j.UpdatedAt
	case StatusDone, StatusFailed:
		j.CompletedAt = j.UpdatedAt
	}

	return nil
}

// Fail records err and moves the job to FAILED.
// Returns ErrInvalidTransition if the job is already terminal.
func (j *Job) Fail(kind ErrorKind, errMsg string) error {
	j.mu.Lock()
	if j.Status.IsTerminal() {
		j.mu.Unlock()
		return ErrInvalidTransition
	}
	j.Error = errMsg
	j.ErrorKind = kind
	j.mu.Unlock()
	return j.TransitionTo(StatusFailed)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// AddSegment appends an encoded segment.
func (j *Job) AddSegment(seg media.Segment) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Segments = append(j.Segments, seg)
	j.UpdatedAt = time.Now()
}

// SetDimensions records the resolved output size.
func (j *Job) SetDimensions(width, height int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Width = width
	j.Height = height
	j.UpdatedAt = time.Now()
}

// SetWorkDir records the scratch directory.
func (j *Job) SetWorkDir(dir string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.WorkDir = dir
	j.UpdatedAt = time.Now()
}

// SetOutput sets the output video path and optional S3 URL.
func (j *Job) SetOutput(videoPath, videoURL string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = videoPath
	j.VideoURL = videoURL
	j.UpdatedAt = time.Now()
}

// ClearOutput clears the output video path and URL.
// This is used when deleting the job's video file.
func (j *Job) ClearOutput() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = ""
	j.VideoURL = ""
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status.IsTerminal()
}

// ExpectedDuration is the nominal video length: one slot per image.
func (j *Job) ExpectedDuration() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return float64(j.ImageCount) * j.DurationPerImage
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	segments := make([]media.Segment, len(j.Segments))
	copy(segments, j.Segments)

	return &Job{
		ID:               j.ID,
		Status:           j.Status,
		Segments:         segments,
		ImageCount:       j.ImageCount,
		DurationPerImage: j.DurationPerImage,
		FPS:              j.FPS,
		Width:            j.Width,
		Height:           j.Height,
		Profile:          j.Profile,
		MusicTrack:       j.MusicTrack,
		PushToS3:         j.PushToS3,
		WorkDir:          j.WorkDir,
		OutputPath:       j.OutputPath,
		VideoURL:         j.VideoURL,
		Error:            j.Error,
		ErrorKind:        j.ErrorKind,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
}
