package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maauso/imagereel/internal/bootstrap"
	"github.com/maauso/imagereel/internal/job"
	"github.com/maauso/imagereel/internal/media"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// errNoImagesFound is returned when the source directory holds no images.
var errNoImagesFound = errors.New("no images found")

type composeOptions struct {
	output   string
	duration float64
	fps      int
	width    int
	height   int
	music    string
	mode     string
	pushToS3 bool
	tempDir  string
}

type composeResult struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	Images          int     `json:"images"`
	DurationSeconds float64 `json:"duration_seconds"`
	Output          string  `json:"output"`
	VideoURL        string  `json:"video_url,omitempty"`
}

func newComposeCommand(ctx *commandContext) *cobra.Command {
	opts := composeOptions{}

	cmd := &cobra.Command{
		Use:   "compose <image-dir>",
		Short: "Compose the images of a directory into a video",
		Long: "Orders the images of a directory by natural filename order, holds each on screen\n" +
			"for --duration seconds and writes an H.264 MP4, optionally with a music track.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompose(cmd, ctx, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "output.mp4", "Destination video file")
	cmd.Flags().Float64VarP(&opts.duration, "duration", "d", 3, "Seconds each image stays on screen")
	cmd.Flags().IntVar(&opts.fps, "fps", 30, "Output frame rate")
	cmd.Flags().IntVar(&opts.width, "width", 0, "Output width (default: first image)")
	cmd.Flags().IntVar(&opts.height, "height", 0, "Output height (default: first image)")
	cmd.Flags().StringVarP(&opts.music, "music", "m", "", "Music track name from the music library")
	cmd.Flags().StringVar(&opts.mode, "mode", string(media.ProfileNormal), "Performance mode: normal or low")
	cmd.Flags().BoolVar(&opts.pushToS3, "push-to-s3", false, "Upload the video to the configured S3 bucket")
	cmd.Flags().StringVar(&opts.tempDir, "temp-dir", "", "Staging directory (default: a private temporary directory)")

	return cmd
}

func runCompose(cmd *cobra.Command, cc *commandContext, dir string, opts composeOptions) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}

	images, err := collectImages(dir)
	if err != nil {
		return err
	}

	// A private staging root keeps the CLI clear of a running server's lock.
	runCfg := *cfg
	if opts.tempDir != "" {
		runCfg.TempDir = opts.tempDir
	} else {
		tmp, err := os.MkdirTemp("", "imagereel-cli-")
		if err != nil {
			return fmt.Errorf("create staging directory: %w", err)
		}
		defer func() { _ = os.RemoveAll(tmp) }()
		runCfg.TempDir = tmp
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cc.logger(cmd.ErrOrStderr())
	deps, err := bootstrap.NewDependencies(runCtx, &runCfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Close() }()

	inputs := make([]job.ImageInput, 0, len(images))
	var opened []*os.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, path := range images {
		f, err := os.Open(path) // #nosec G304 - listed from the user's directory
		if err != nil {
			return fmt.Errorf("open image: %w", err)
		}
		opened = append(opened, f)
		inputs = append(inputs, job.ImageInput{Filename: filepath.Base(path), Data: f})
	}

	out, err := deps.Composer.Compose(runCtx, job.ComposeInput{
		Images:           inputs,
		DurationPerImage: opts.duration,
		FPS:              opts.fps,
		Width:            opts.width,
		Height:           opts.height,
		Profile:          media.Profile(strings.ToLower(opts.mode)),
		MusicTrack:       opts.music,
		PushToS3:         opts.pushToS3,
	})
	// Deliver whatever was produced, including the silent video of a
	// failed mux.
	if out != nil && out.VideoPath != "" {
		if copyErr := copyFile(out.VideoPath, opts.output); copyErr != nil {
			return errors.Join(err, fmt.Errorf("write %s: %w", opts.output, copyErr))
		}
	}
	if err != nil {
		if out != nil && out.VideoPath != "" {
			return fmt.Errorf("%w (partial result written to %s)", err, opts.output)
		}
		return err
	}

	result := composeResult{
		JobID:           out.JobID,
		Status:          string(out.Status),
		Images:          len(images),
		DurationSeconds: out.Duration,
		Output:          opts.output,
		VideoURL:        out.VideoURL,
	}
	if cc.jsonOutput {
		return writeJSON(cmd, result)
	}

	rows := [][]string{
		{"Job", result.JobID},
		{"Images", strconv.Itoa(result.Images)},
		{"Duration", formatSeconds(result.DurationSeconds)},
		{"Output", result.Output},
	}
	if result.VideoURL != "" {
		rows = append(rows, []string{"URL", result.VideoURL})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
	return nil
}

// collectImages returns the image files directly inside dir. Hidden files
// and subdirectories are skipped; ordering is left to the composer.
func collectImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image directory: %w", err)
	}

	var images []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		images = append(images, filepath.Join(dir, name))
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w in %s", errNoImagesFound, dir)
	}
	return images, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) // #nosec G304 - composer output path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	out, err := os.Create(dst) // #nosec G304 - user-chosen destination
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
