// Package server provides the HTTP API of imagereel.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/imagereel/internal/audio"
)

// CreateVideoRequest holds the scalar fields of a POST /videos multipart
// form after parsing. The images travel as file parts.
type CreateVideoRequest struct {
	// ImageCount is the number of "images" file parts.
	ImageCount int `validate:"min=1"`
	// DurationPerImage is how long each image is shown, in seconds.
	DurationPerImage float64 `validate:"gt=0,lte=3600"`
	// FPS is the output frame rate.
	FPS int `validate:"min=1,max=120"`
	// Width and Height are optional; both or neither must be set.
	Width  int `validate:"required_with=Height,omitempty,min=1,max=8192"`
	Height int `validate:"required_with=Width,omitempty,min=1,max=8192"`
	// Music is an optional track name from GET /music.
	Music string `validate:"omitempty,max=255"`
	// PerformanceMode selects the encode profile.
	PerformanceMode string `validate:"omitempty,oneof=normal low"`
	// PushToS3 uploads the final video and returns its URL instead of the bytes.
	PushToS3 bool
	// Async returns 202 immediately and runs the job in the background.
	Async bool
}

// CreateVideoResponse is returned for asynchronous submissions and for
// videos published to S3.
type CreateVideoResponse struct {
	// ID is the job identifier.
	ID string `json:"id"`
	// Status is the job state when the response was written.
	Status string `json:"status"`
	// VideoURL is the S3 URL of the output video, if published.
	VideoURL string `json:"video_url,omitempty"`
	// DurationSeconds is the nominal video length.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	ImageCount       int        `json:"image_count"`
	SegmentsEncoded  int        `json:"segments_encoded"`
	DurationPerImage float64    `json:"duration_per_image"`
	DurationSeconds  float64    `json:"duration_seconds"`
	FPS              int        `json:"fps"`
	Width            int        `json:"width,omitempty"`
	Height           int        `json:"height,omitempty"`
	PerformanceMode  string     `json:"performance_mode"`
	Music            string     `json:"music,omitempty"`
	PushToS3         bool       `json:"push_to_s3"`
	HasVideo         bool       `json:"has_video"`
	VideoURL         string     `json:"video_url,omitempty"`
	Error            string     `json:"error,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// MusicResponse lists the tracks available for background music.
type MusicResponse struct {
	Tracks []audio.Track `json:"tracks"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// JobID is set when the failure belongs to a created job.
	JobID string `json:"job_id,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// ActiveProcesses is the number of running encoder processes.
	ActiveProcesses int `json:"active_processes"`
}
