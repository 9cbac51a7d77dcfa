// Package media drives the external encoder: still-image segment encoding,
// concat-demuxer manifests, lossless concatenation and audio muxing.
package media

import "context"

// Processor defines the encoder operations the composition pipeline needs.
// Implementations should use ffmpeg or similar tools for media manipulation.
type Processor interface {
	// ProbeDimensions returns the pixel size of an image or video.
	ProbeDimensions(ctx context.Context, path string) (width, height int, err error)

	// EncodeSegment holds spec.ImagePath on screen for spec.DurationSeconds
	// and writes an H.264 clip to spec.OutputPath.
	EncodeSegment(ctx context.Context, spec SegmentSpec) error

	// Concat merges the clips listed in a concat manifest into output using
	// stream copy.
	Concat(ctx context.Context, manifestPath, output string) error

	// MuxAudio adds audioPath to the silent videoPath. The picture is copied,
	// the audio re-encoded, and the result ends with the shorter stream.
	MuxAudio(ctx context.Context, videoPath, audioPath, output string) error

	// GetMediaDuration returns the duration in seconds of a media file.
	GetMediaDuration(ctx context.Context, path string) (float64, error)
}

// Verify interface implementation at compile time.
var _ Processor = (*FFmpegProcessor)(nil)
