package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/maauso/imagereel/internal/process"
)

// skipIfNoFFmpeg skips the test if ffmpeg or ffprobe is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not found in PATH, skipping test", bin)
		}
	}
}

// createTestImage creates a simple test image using ffmpeg.
func createTestImage(t *testing.T, path string, width, height int, color string) {
	t.Helper()

	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:s=%dx%d:d=1", color, width, height),
		"-frames:v", "1",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test image: %v\noutput: %s", err, output)
	}
}

// createTestAudio creates a sine tone of the given duration.
func createTestAudio(t *testing.T, path string, duration float64) {
	t.Helper()

	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("sine=frequency=440:sample_rate=48000:duration=%.2f", duration),
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test audio: %v\noutput: %s", err, output)
	}
}

func newTestProcessor(t *testing.T) (*FFmpegProcessor, *process.Manager) {
	t.Helper()
	m := process.NewManager()
	return NewFFmpegProcessor("", WithRunner(m)), m
}

func encodeTestSegment(t *testing.T, p *FFmpegProcessor, dir string, index int, color string, duration float64) string {
	t.Helper()

	img := filepath.Join(dir, fmt.Sprintf("img_%d.png", index))
	createTestImage(t, img, 64, 48, color)

	out := filepath.Join(dir, SegmentFileName(index))
	err := p.EncodeSegment(context.Background(), SegmentSpec{
		ImagePath:       img,
		OutputPath:      out,
		DurationSeconds: duration,
		FPS:             30,
		Width:           64,
		Height:          48,
		Params:          ParamsFor(ProfileLow),
	})
	if err != nil {
		t.Fatalf("EncodeSegment failed: %v", err)
	}
	return out
}

func TestNewFFmpegProcessor(t *testing.T) {
	t.Run("default path", func(t *testing.T) {
		p := NewFFmpegProcessor("")
		if p.ffmpegPath != "ffmpeg" {
			t.Errorf("expected default path 'ffmpeg', got %q", p.ffmpegPath)
		}
		if p.ffprobePath != "ffprobe" {
			t.Errorf("expected default path 'ffprobe', got %q", p.ffprobePath)
		}
		if p.runner == nil {
			t.Error("expected a default runner")
		}
	})

	t.Run("custom paths", func(t *testing.T) {
		p := NewFFmpegProcessor("/usr/local/bin/ffmpeg", WithFFprobePath("/usr/local/bin/ffprobe"))
		if p.FFmpegPath() != "/usr/local/bin/ffmpeg" {
			t.Errorf("expected custom path, got %q", p.FFmpegPath())
		}
		if p.FFprobePath() != "/usr/local/bin/ffprobe" {
			t.Errorf("expected custom ffprobe path, got %q", p.FFprobePath())
		}
	})
}

func TestEncodeSegment(t *testing.T) {
	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	p, m := newTestProcessor(t)

	t.Run("produces clip with requested size and duration", func(t *testing.T) {
		src := filepath.Join(tmpDir, "landscape.png")
		dst := filepath.Join(tmpDir, SegmentFileName(0))
		createTestImage(t, src, 100, 50, "red")

		err := p.EncodeSegment(context.Background(), SegmentSpec{
			ImagePath:       src,
			OutputPath:      dst,
			DurationSeconds: 2,
			FPS:             30,
			Width:           64,
			Height:          64,
			Params:          ParamsFor(ProfileNormal),
		})
		if err != nil {
			t.Fatalf("EncodeSegment failed: %v", err)
		}

		verifyImageDimensions(t, dst, 64, 64)
		assertDuration(t, dst, 2)
		verifyStreamTags(t, dst, map[string]string{
			"codec_name":      "h264",
			"pix_fmt":         "yuv420p",
			"color_space":     "bt709",
			"color_primaries": "bt709",
			"color_transfer":  "iec61966-2-1",
			"color_range":     "pc",
		})
	})

	t.Run("odd dimensions are rounded to even", func(t *testing.T) {
		src := filepath.Join(tmpDir, "odd.png")
		dst := filepath.Join(tmpDir, "odd.mp4")
		createTestImage(t, src, 33, 21, "blue")

		err := p.EncodeSegment(context.Background(), SegmentSpec{
			ImagePath:       src,
			OutputPath:      dst,
			DurationSeconds: 1,
			FPS:             25,
			Width:           33,
			Height:          21,
			Params:          ParamsFor(ProfileLow),
		})
		if err != nil {
			t.Fatalf("EncodeSegment failed: %v", err)
		}
		verifyImageDimensions(t, dst, 34, 22)
	})

	t.Run("non-existent source", func(t *testing.T) {
		err := p.EncodeSegment(context.Background(), SegmentSpec{
			ImagePath:       "/nonexistent/image.png",
			OutputPath:      filepath.Join(tmpDir, "missing.mp4"),
			DurationSeconds: 1,
			FPS:             30,
			Width:           64,
			Height:          64,
			Params:          ParamsFor(ProfileNormal),
		})
		var ffErr *FFmpegError
		if !errors.As(err, &ffErr) {
			t.Fatalf("expected FFmpegError, got %T (%v)", err, err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		src := filepath.Join(tmpDir, "cancel_src.png")
		createTestImage(t, src, 64, 64, "green")

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-1*time.Second))
		defer cancel()

		err := p.EncodeSegment(ctx, SegmentSpec{
			ImagePath:       src,
			OutputPath:      filepath.Join(tmpDir, "cancel.mp4"),
			DurationSeconds: 1,
			FPS:             30,
			Width:           64,
			Height:          64,
			Params:          ParamsFor(ProfileNormal),
		})
		if err == nil {
			t.Error("expected error for timed out context, got nil")
		}
	})

	if m.Count() != 0 {
		t.Errorf("expected no tracked processes after encodes, got %d", m.Count())
	}
}

func TestConcat(t *testing.T) {
	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	p, _ := newTestProcessor(t)

	colors := []string{"red", "green", "blue"}
	var segments []string
	for i, c := range colors {
		segments = append(segments, encodeTestSegment(t, p, tmpDir, i, c, 2))
	}

	manifest := filepath.Join(tmpDir, "concat.txt")
	if err := WriteManifest(manifest, segments); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	output := filepath.Join(tmpDir, "joined.mp4")
	if err := p.Concat(context.Background(), manifest, output); err != nil {
		t.Fatalf("Concat failed: %v", err)
	}

	// N segments of d seconds each.
	assertDuration(t, output, float64(len(colors))*2)
	verifyImageDimensions(t, output, 64, 48)
}

func TestMuxAudio_ShortestStream(t *testing.T) {
	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	p, _ := newTestProcessor(t)

	var segments []string
	for i := 0; i < 2; i++ {
		segments = append(segments, encodeTestSegment(t, p, tmpDir, i, "white", 2))
	}
	manifest := filepath.Join(tmpDir, "concat.txt")
	if err := WriteManifest(manifest, segments); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}
	video := filepath.Join(tmpDir, "silent.mp4")
	if err := p.Concat(context.Background(), manifest, video); err != nil {
		t.Fatalf("Concat failed: %v", err)
	}

	tests := []struct {
		name     string
		audioSec float64
		wantSec  float64
	}{
		{"music shorter than video", 1.5, 1.5},
		{"music longer than video", 6, 4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			audio := filepath.Join(tmpDir, fmt.Sprintf("music_%.1f.wav", tc.audioSec))
			createTestAudio(t, audio, tc.audioSec)

			out := filepath.Join(tmpDir, fmt.Sprintf("muxed_%.1f.mp4", tc.audioSec))
			if err := p.MuxAudio(context.Background(), video, audio, out); err != nil {
				t.Fatalf("MuxAudio failed: %v", err)
			}

			// -shortest cuts on packet boundaries and AAC adds priming samples.
			assertDurationWithin(t, out, tc.wantSec, 0.5)
			verifyAudioStream(t, out)
		})
	}
}

func TestProbeDimensions(t *testing.T) {
	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	p, _ := newTestProcessor(t)

	img := filepath.Join(tmpDir, "probe.png")
	createTestImage(t, img, 320, 240, "yellow")

	w, h, err := p.ProbeDimensions(context.Background(), img)
	if err != nil {
		t.Fatalf("ProbeDimensions failed: %v", err)
	}
	if w != 320 || h != 240 {
		t.Errorf("expected 320x240, got %dx%d", w, h)
	}

	_, _, err = p.ProbeDimensions(context.Background(), filepath.Join(tmpDir, "missing.png"))
	if !errors.Is(err, ErrFFprobeExecution) {
		t.Errorf("expected ErrFFprobeExecution, got %v", err)
	}
}

func TestFFmpegError(t *testing.T) {
	err := &FFmpegError{
		Args:   []string{"-i", "input.mp4", "output.mp4"},
		Stderr: "Error: file not found",
		Err:    fmt.Errorf("exit status 1"),
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "ffmpeg error") {
		t.Error("error string should contain 'ffmpeg error'")
	}
	if !strings.Contains(errStr, "input.mp4") {
		t.Error("error string should contain args")
	}
	if !strings.Contains(errStr, "file not found") {
		t.Error("error string should contain stderr")
	}
	if err.Unwrap() == nil {
		t.Error("Unwrap should return the underlying error")
	}
}

func verifyImageDimensions(t *testing.T, path string, expectedW, expectedH int) {
	t.Helper()

	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("ffprobe failed: %v", err)
	}

	var w, h int
	n, err := fmt.Sscanf(string(output), "%dx%d", &w, &h)
	if err != nil || n != 2 {
		t.Fatalf("failed to parse dimensions from ffprobe output: %s", output)
	}

	if w != expectedW || h != expectedH {
		t.Errorf("expected dimensions %dx%d, got %dx%d", expectedW, expectedH, w, h)
	}
}

func verifyStreamTags(t *testing.T, path string, want map[string]string) {
	t.Helper()

	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,pix_fmt,color_space,color_primaries,color_transfer,color_range",
		"-of", "default=noprint_wrappers=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("ffprobe failed: %v", err)
	}

	got := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			got[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("stream %s = %q, want %q", k, got[k], v)
		}
	}
}

func verifyAudioStream(t *testing.T, path string) {
	t.Helper()

	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,sample_rate,channels",
		"-of", "csv=p=0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("ffprobe failed: %v", err)
	}
	if got := strings.TrimSpace(string(output)); got != "aac,44100,2" {
		t.Errorf("audio stream = %q, want %q", got, "aac,44100,2")
	}
}

func getVideoDuration(t *testing.T, path string) float64 {
	t.Helper()

	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("ffprobe failed: %v", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		t.Fatalf("failed to parse duration: %v", err)
	}
	return d
}

// assertDuration allows for encoder rounding of about one frame.
func assertDuration(t *testing.T, path string, want float64) {
	t.Helper()
	assertDurationWithin(t, path, want, 0.15)
}

func assertDurationWithin(t *testing.T, path string, want, tolerance float64) {
	t.Helper()
	got := getVideoDuration(t, path)
	if math.Abs(got-want) > tolerance {
		t.Errorf("duration of %s = %.3f, want %.3f (±%.2f)", filepath.Base(path), got, want, tolerance)
	}
}
