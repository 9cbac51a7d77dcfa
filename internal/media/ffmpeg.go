package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/maauso/imagereel/internal/process"
)

// Static errors for media operations.
var (
	// ErrInvalidDimensions is returned when the provided dimensions are not positive.
	ErrInvalidDimensions = errors.New("invalid dimensions: width and height must be positive")
	// ErrNoVideoPaths is returned when no video paths are provided for joining.
	ErrNoVideoPaths = errors.New("no video paths provided")
	// ErrInvalidDuration is returned when duration is not positive.
	ErrInvalidDuration = errors.New("invalid duration: must be positive")
	// ErrInvalidFPS is returned when the frame rate is not positive.
	ErrInvalidFPS = errors.New("invalid fps: must be positive")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
)

// Runner executes a prepared command and waits for it to exit.
// *process.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd *exec.Cmd) error
}

// FFmpegProcessor implements Processor using the ffmpeg and ffprobe CLIs.
type FFmpegProcessor struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
	runner      Runner
}

// Option configures an FFmpegProcessor.
type Option func(*FFmpegProcessor)

// WithFFprobePath overrides the ffprobe binary.
func WithFFprobePath(path string) Option {
	return func(p *FFmpegProcessor) {
		if path != "" {
			p.ffprobePath = path
		}
	}
}

// WithRunner routes every invocation through r, typically a *process.Manager.
func WithRunner(r Runner) Option {
	return func(p *FFmpegProcessor) {
		if r != nil {
			p.runner = r
		}
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
// Without WithRunner invocations go through a private process.Manager.
func NewFFmpegProcessor(ffmpegPath string, opts ...Option) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &FFmpegProcessor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: "ffprobe",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.runner == nil {
		p.runner = process.NewManager()
	}
	return p
}

// FFmpegPath returns the ffmpeg binary in use.
func (p *FFmpegProcessor) FFmpegPath() string { return p.ffmpegPath }

// FFprobePath returns the ffprobe binary in use.
func (p *FFmpegProcessor) FFprobePath() string { return p.ffprobePath }

// EncodeSegment turns one still image into a fixed-duration H.264 clip.
func (p *FFmpegProcessor) EncodeSegment(ctx context.Context, spec SegmentSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return p.runFFmpeg(ctx, SegmentArgs(spec))
}

// Concat joins the clips listed in manifestPath into output without
// re-encoding.
func (p *FFmpegProcessor) Concat(ctx context.Context, manifestPath, output string) error {
	return p.runFFmpeg(ctx, ConcatArgs(manifestPath, output))
}

// MuxAudio combines a silent video with a music track. The output lasts as
// long as the shorter of the two.
func (p *FFmpegProcessor) MuxAudio(ctx context.Context, videoPath, audioPath, output string) error {
	return p.runFFmpeg(ctx, MuxArgs(videoPath, audioPath, output))
}

// ProbeDimensions returns the width and height of the first video stream of
// path. Still images are reported as a single-frame video stream.
func (p *FFmpegProcessor) ProbeDimensions(ctx context.Context, path string) (int, int, error) {
	out, err := p.runFFprobe(ctx,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path,
	)
	if err != nil {
		return 0, 0, err
	}
	return parseDimensions(out)
}

// GetMediaDuration returns the duration in seconds of a media file.
// It uses ffprobe to extract the duration metadata.
func (p *FFmpegProcessor) GetMediaDuration(ctx context.Context, path string) (float64, error) {
	out, err := p.runFFprobe(ctx,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

// parseDimensions reads ffprobe "WxH" output.
func parseDimensions(out string) (int, int, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	ws, hs, ok := strings.Cut(line, "x")
	if !ok {
		return 0, 0, fmt.Errorf("parse dimensions from %q", out)
	}
	w, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil {
		return 0, 0, fmt.Errorf("parse width: %w", err)
	}
	h, err := strconv.Atoi(strings.TrimRight(strings.TrimSpace(hs), "x"))
	if err != nil {
		return 0, 0, fmt.Errorf("parse height: %w", err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, w, h)
	}
	return w, h, nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.Command(p.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := p.runner.Run(ctx, cmd); err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

func (p *FFmpegProcessor) runFFprobe(ctx context.Context, args ...string) (string, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.Command(p.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := p.runner.Run(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}
	return stdout.String(), nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
