package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/maauso/imagereel/internal/media"
	"github.com/maauso/imagereel/internal/ordering"
	"github.com/maauso/imagereel/internal/process"
	"github.com/maauso/imagereel/internal/storage"
)

const (
	manifestFileName = "concat.txt"
	muxedFileName    = "muxed.mp4"
)

var (
	// ErrNotPending is returned by Run for jobs that were not submitted or
	// have already run.
	ErrNotPending = errors.New("job is not awaiting execution")
	// ErrMissingFilename is returned for images uploaded without a name.
	ErrMissingFilename = errors.New("image has no filename")
	// ErrMusicUnavailable is returned when a track is requested but no
	// music library is configured.
	ErrMusicUnavailable = errors.New("music library is not configured")
	// ErrNoOutput is returned when a job has no retained video.
	ErrNoOutput = errors.New("job has no output video")
	// ErrJobActive is returned when an operation needs a finished job.
	ErrJobActive = errors.New("job is still running")
	// ErrShuttingDown is returned by Start once Shutdown has been called.
	ErrShuttingDown = errors.New("composer is shutting down")
)

// MusicLibrary resolves a track name to a file path.
type MusicLibrary interface {
	Resolve(name string) (string, error)
}

// ImageInput is one uploaded image. Filename is the client's name and
// drives ordering; Data is consumed during Submit.
type ImageInput struct {
	Filename string
	Data     io.Reader
}

// ComposeInput contains the parameters of a composition request.
type ComposeInput struct {
	Images           []ImageInput
	DurationPerImage float64
	FPS              int
	// Width and Height must both be set or both be zero (inherit from the
	// first image).
	Width      int
	Height     int
	Profile    media.Profile
	MusicTrack string
	PushToS3   bool
}

// ComposeOutput contains the result of a composition.
type ComposeOutput struct {
	JobID     string
	Status    Status
	VideoPath string
	VideoURL  string
	// Duration is the nominal length: image count times duration per image.
	Duration float64
}

type stagedImage struct {
	filename string
	path     string
}

type pendingJob struct {
	images    []stagedImage
	musicPath string
}

// Composer drives composition jobs: it stages uploads into an isolated work
// directory, orders them, encodes one segment per image, concatenates the
// segments, muxes the music track and publishes the result.
type Composer struct {
	processor media.Processor
	store     storage.Storage
	repo      Repository
	music     MusicLibrary
	resolver  *ordering.Resolver
	logger    *slog.Logger
	s3Prefix  string

	mu      sync.Mutex
	pending map[string]pendingJob
	closed  bool

	// background runs started by Start; bgCtx is cancelled by Shutdown.
	background sync.WaitGroup
	bgCtx      context.Context
	bgCancel   context.CancelFunc
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithMusicLibrary enables background music.
func WithMusicLibrary(lib MusicLibrary) ComposerOption {
	return func(c *Composer) {
		c.music = lib
	}
}

// WithResolver sets the natural order resolver. The default collates with
// the root locale.
func WithResolver(r *ordering.Resolver) ComposerOption {
	return func(c *Composer) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ComposerOption {
	return func(c *Composer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithS3Prefix sets the object key prefix for published videos.
func WithS3Prefix(prefix string) ComposerOption {
	return func(c *Composer) {
		c.s3Prefix = prefix
	}
}

// NewComposer creates a Composer.
func NewComposer(processor media.Processor, store storage.Storage, repo Repository, opts ...ComposerOption) *Composer {
	c := &Composer{
		processor: processor,
		store:     store,
		repo:      repo,
		resolver:  new(ordering.Resolver),
		logger:    slog.Default(),
		s3Prefix:  "videos/",
		pending:   make(map[string]pendingJob),
	}
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose runs a whole composition synchronously.
func (c *Composer) Compose(ctx context.Context, in ComposeInput) (*ComposeOutput, error) {
	j, err := c.Submit(ctx, in)
	if err != nil {
		if j != nil {
			return outputOf(j), err
		}
		return nil, err
	}
	return c.Run(ctx, j.ID)
}

// Submit validates the request, creates the job and stages the images into
// its work directory. The returned job is in CREATED and can be executed
// with Run. Input errors fail the job and are returned as *Error with
// KindInput; the failed job is returned alongside.
func (c *Composer) Submit(ctx context.Context, in ComposeInput) (*Job, error) {
	j := New()
	j.ImageCount = len(in.Images)
	j.DurationPerImage = in.DurationPerImage
	j.FPS = in.FPS
	j.Width = in.Width
	j.Height = in.Height
	j.MusicTrack = in.MusicTrack
	j.PushToS3 = in.PushToS3
	if in.Profile != "" {
		j.Profile = in.Profile
	}

	log := c.logger.With(slog.String("job_id", j.ID))
	log.Info("creating composition job",
		slog.Int("images", len(in.Images)),
		slog.Float64("duration_per_image", in.DurationPerImage),
		slog.Int("fps", in.FPS),
		slog.String("profile", string(j.Profile)),
		slog.String("music", in.MusicTrack),
		slog.Bool("push_to_s3", in.PushToS3),
	)

	if err := c.repo.Save(ctx, j); err != nil {
		log.Error("failed to save job", slog.String("error", err.Error()))
		return nil, fmt.Errorf("save job: %w", err)
	}

	profile, err := validateInput(in)
	if err != nil {
		return j.Clone(), c.abort(ctx, j, newError(KindInput, "invalid request", err), log)
	}
	j.Profile = profile

	var musicPath string
	if in.MusicTrack != "" {
		if c.music == nil {
			return j.Clone(), c.abort(ctx, j, newError(KindInput, "music track requested", ErrMusicUnavailable), log)
		}
		musicPath, err = c.music.Resolve(in.MusicTrack)
		if err != nil {
			return j.Clone(), c.abort(ctx, j, newError(KindInput, "resolve music track", err), log)
		}
	}

	workDir, err := c.store.CreateWorkDir(ctx, j.ID)
	if err != nil {
		return j.Clone(), c.abort(ctx, j, newError(KindInput, "create work directory", err), log)
	}
	j.SetWorkDir(workDir)

	staged := make([]stagedImage, 0, len(in.Images))
	for i, img := range in.Images {
		path, err := c.store.SaveTemp(ctx, workDir, img.Filename, img.Data)
		if err != nil {
			return j.Clone(), c.abort(ctx, j, newError(KindInput, fmt.Sprintf("stage image %d (%s)", i, img.Filename), err), log)
		}
		staged = append(staged, stagedImage{filename: img.Filename, path: path})
	}

	c.mu.Lock()
	c.pending[j.ID] = pendingJob{images: staged, musicPath: musicPath}
	c.mu.Unlock()

	c.save(ctx, j, log)
	return j.Clone(), nil
}

// Run executes a submitted job to a terminal state. The work directory is
// removed on every path; a produced video is kept.
func (c *Composer) Run(ctx context.Context, jobID string) (*ComposeOutput, error) {
	c.mu.Lock()
	p, ok := c.pending[jobID]
	delete(c.pending, jobID)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, jobID)
	}

	j, err := c.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	log := c.logger.With(slog.String("job_id", jobID))
	ctx = process.WithJobID(ctx, jobID)

	defer func() {
		if err := c.cleanupWorkDir(context.WithoutCancel(ctx), j.WorkDir); err != nil {
			log.Warn("failed to remove work directory",
				slog.String("kind", string(KindCleanup)),
				slog.String("work_dir", j.WorkDir),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := c.pipeline(ctx, j, p, log); err != nil {
		if ctx.Err() != nil && err.Kind != KindInput {
			err = newError(KindInterrupted, "job interrupted", err)
		}
		c.fail(ctx, j, err, log)
		return outputOf(j), err
	}

	log.Info("composition finished",
		slog.String("output", j.OutputPath),
		slog.Float64("duration", j.ExpectedDuration()),
	)
	return outputOf(j), nil
}

// Start runs a submitted job in the background. Values carried by ctx are
// kept but its cancellation is not; Shutdown cancels every background run
// and waits for it to reach a terminal state.
func (c *Composer) Start(ctx context.Context, jobID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.discard(ctx, jobID)
		return ErrShuttingDown
	}
	c.background.Add(1)
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.bgCtx, cancel)
	go func() {
		defer c.background.Done()
		defer cancel()
		defer stop()
		if _, err := c.Run(runCtx, jobID); err != nil {
			c.logger.Error("background composition failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Shutdown rejects new background runs, cancels the running ones and waits
// until they have recorded their final state or ctx is done.
func (c *Composer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.bgCancel()

	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background jobs: %w", ctx.Err())
	}
}

// discard fails a submitted job that will never run.
func (c *Composer) discard(ctx context.Context, jobID string) {
	c.mu.Lock()
	_, ok := c.pending[jobID]
	delete(c.pending, jobID)
	c.mu.Unlock()
	if !ok {
		return
	}
	j, err := c.repo.FindByID(ctx, jobID)
	if err != nil {
		return
	}
	log := c.logger.With(slog.String("job_id", jobID))
	_ = c.abort(ctx, j, newError(KindInterrupted, "job not started", ErrShuttingDown), log)
}

// RecoverInterrupted reconciles the history left by a previous run. Jobs
// that never reached a terminal state are failed with KindInterrupted, and
// output paths whose file is gone are cleared. It returns the number of
// jobs it changed.
func RecoverInterrupted(ctx context.Context, repo Repository) (int, error) {
	jobs, err := repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	changed := 0
	for _, j := range jobs {
		dirty := false
		if !j.IsTerminal() {
			if err := j.Fail(KindInterrupted, "interrupted by a restart"); err != nil {
				return changed, fmt.Errorf("fail job %s: %w", j.ID, err)
			}
			dirty = true
		}
		if j.OutputPath != "" {
			if _, err := os.Stat(j.OutputPath); errors.Is(err, os.ErrNotExist) {
				j.SetOutput("", j.VideoURL)
				dirty = true
			}
		}
		if !dirty {
			continue
		}
		if err := repo.Save(ctx, j); err != nil {
			return changed, fmt.Errorf("save job %s: %w", j.ID, err)
		}
		changed++
	}
	return changed, nil
}

func (c *Composer) pipeline(ctx context.Context, j *Job, p pendingJob, log *slog.Logger) *Error {
	// 1. Order the images.
	names := make([]string, len(p.images))
	byName := make(map[string][]string, len(p.images))
	for i, img := range p.images {
		names[i] = img.filename
		byName[img.filename] = append(byName[img.filename], img.path)
	}
	assets, err := c.resolver.Resolve(names)
	if err != nil {
		return newError(KindInput, "resolve image order", err)
	}
	// Equal filenames keep their upload order, so popping from the front
	// pairs each asset with the right staged file.
	ordered := make([]string, len(assets))
	for i, a := range assets {
		ordered[i] = byName[a.Filename][0]
		byName[a.Filename] = byName[a.Filename][1:]
	}
	log.Debug("image order resolved", slog.Any("order", ordering.Filenames(assets)))
	if err := c.advance(ctx, j, StatusOrderingResolved, log); err != nil {
		return err
	}

	// 2. Output size.
	width, height := j.Width, j.Height
	if width == 0 && height == 0 {
		width, height, err = c.processor.ProbeDimensions(ctx, ordered[0])
		if err != nil {
			return newError(probeFailureKind(err), fmt.Sprintf("probe dimensions of %s", assets[0].Filename), err)
		}
	}
	width, height = media.EvenDimensions(width, height)
	j.SetDimensions(width, height)

	// 3. Encode segments, one at a time.
	if err := c.advance(ctx, j, StatusSegmentsInProgress, log); err != nil {
		return err
	}
	params := media.ParamsFor(j.Profile)
	for i, asset := range assets {
		seg := media.Segment{
			Index:           i,
			Source:          asset,
			ImagePath:       ordered[i],
			Path:            filepath.Join(j.WorkDir, media.SegmentFileName(i)),
			DurationSeconds: j.DurationPerImage,
			Params:          params,
		}
		log.Debug("encoding segment",
			slog.Int("index", i),
			slog.String("image", asset.Filename),
		)
		if err := c.processor.EncodeSegment(ctx, seg.Spec(j.FPS, width, height)); err != nil {
			c.removeSegments(ctx, j, log, seg.Path)
			return newError(KindEncode, fmt.Sprintf("encode segment %d (%s)", i, asset.Filename), err)
		}
		j.AddSegment(seg)
		c.save(ctx, j, log)
	}
	if err := c.advance(ctx, j, StatusSegmentsComplete, log); err != nil {
		return err
	}

	// 4. Concatenate.
	segmentPaths := make([]string, len(j.Segments))
	for i, seg := range j.Segments {
		segmentPaths[i] = seg.Path
	}
	manifest := filepath.Join(j.WorkDir, manifestFileName)
	if err := media.WriteManifest(manifest, segmentPaths); err != nil {
		c.removeSegments(ctx, j, log, manifest)
		return newError(KindConcat, "write concat manifest", err)
	}
	if err := c.advance(ctx, j, StatusConcatenating, log); err != nil {
		return err
	}
	output := c.store.OutputPath(j.ID)
	concatErr := c.processor.Concat(ctx, manifest, output)
	c.removeSegments(ctx, j, log, manifest)
	if concatErr != nil {
		c.removeFiles(ctx, log, output)
		return newError(KindConcat, "concatenate segments", concatErr)
	}
	j.SetOutput(output, "")
	if err := c.advance(ctx, j, StatusConcatenated, log); err != nil {
		return err
	}

	// 5. Music.
	if p.musicPath != "" {
		if err := c.advance(ctx, j, StatusMuxingAudio, log); err != nil {
			return err
		}
		muxed := filepath.Join(j.WorkDir, muxedFileName)
		if err := c.processor.MuxAudio(ctx, output, p.musicPath, muxed); err != nil {
			c.removeFiles(ctx, log, muxed)
			log.Warn("audio mux failed, keeping silent video", slog.String("output", output))
			return newError(KindMux, "mux audio track", err)
		}
		if err := os.Rename(muxed, output); err != nil {
			c.removeFiles(ctx, log, muxed)
			return newError(KindMux, "replace silent video", err)
		}
		if err := c.advance(ctx, j, StatusMuxed, log); err != nil {
			return err
		}
	}

	// 6. Publish.
	if j.PushToS3 {
		url, err := c.publish(ctx, j.ID, output)
		if err != nil {
			return newError(KindUpload, "upload video", err)
		}
		j.SetOutput(output, url)
		log.Info("video uploaded", slog.String("url", url))
	}

	return c.advance(ctx, j, StatusDone, log)
}

func (c *Composer) publish(ctx context.Context, jobID, path string) (string, error) {
	f, err := c.store.LoadTemp(ctx, path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return c.store.UploadToS3(ctx, c.s3Prefix+jobID+".mp4", f)
}

// GetJob retrieves a job by ID.
func (c *Composer) GetJob(ctx context.Context, id string) (*Job, error) {
	return c.repo.FindByID(ctx, id)
}

// ListJobs returns the recorded jobs, newest first.
func (c *Composer) ListJobs(ctx context.Context) ([]*Job, error) {
	return c.repo.List(ctx)
}

// DeleteOutput removes a job's retained video and clears it from the job.
func (c *Composer) DeleteOutput(ctx context.Context, id string) error {
	j, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !j.IsTerminal() {
		return ErrJobActive
	}
	if j.OutputPath == "" {
		return ErrNoOutput
	}
	if err := c.store.CleanupTemp(ctx, []string{j.OutputPath}); err != nil {
		return fmt.Errorf("remove output video: %w", err)
	}
	j.ClearOutput()
	if err := c.repo.Save(ctx, j); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (c *Composer) advance(ctx context.Context, j *Job, status Status, log *slog.Logger) *Error {
	if err := j.TransitionTo(status); err != nil {
		return newError(KindInternal, fmt.Sprintf("transition %s -> %s", j.GetStatus(), status), err)
	}
	log.Debug("job state changed", slog.String("status", string(status)))
	c.save(ctx, j, log)
	return nil
}

// save persists j even if ctx is already cancelled.
func (c *Composer) save(ctx context.Context, j *Job, log *slog.Logger) {
	if err := c.repo.Save(context.WithoutCancel(ctx), j); err != nil {
		log.Error("failed to save job", slog.String("error", err.Error()))
	}
}

func (c *Composer) fail(ctx context.Context, j *Job, err *Error, log *slog.Logger) {
	log.Error("composition failed",
		slog.String("kind", string(err.Kind)),
		slog.String("error", err.Error()),
	)
	if ferr := j.Fail(err.Kind, err.Error()); ferr != nil {
		log.Warn("could not mark job failed", slog.String("error", ferr.Error()))
	}
	c.save(ctx, j, log)
}

// abort fails a job during Submit and removes whatever was staged.
func (c *Composer) abort(ctx context.Context, j *Job, err *Error, log *slog.Logger) error {
	c.fail(ctx, j, err, log)
	if cerr := c.cleanupWorkDir(context.WithoutCancel(ctx), j.WorkDir); cerr != nil {
		log.Warn("failed to remove work directory",
			slog.String("kind", string(KindCleanup)),
			slog.String("error", cerr.Error()),
		)
	}
	return err
}

// removeSegments deletes every recorded segment plus extra paths. Failures
// are logged only.
func (c *Composer) removeSegments(ctx context.Context, j *Job, log *slog.Logger, extra ...string) {
	paths := make([]string, 0, len(j.Segments)+len(extra))
	for _, seg := range j.Segments {
		paths = append(paths, seg.Path)
	}
	c.removeFiles(ctx, log, append(paths, extra...)...)
}

func (c *Composer) removeFiles(ctx context.Context, log *slog.Logger, paths ...string) {
	if err := c.store.CleanupTemp(context.WithoutCancel(ctx), paths); err != nil {
		log.Warn("failed to remove temporary files",
			slog.String("kind", string(KindCleanup)),
			slog.String("error", err.Error()),
		)
	}
}

// cleanupWorkDir removes a job work directory. Calling it again, or with an
// empty dir, is a no-op.
func (c *Composer) cleanupWorkDir(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	return c.store.RemoveWorkDir(ctx, dir)
}

// probeFailureKind blames the image only when ffprobe ran and rejected it.
// Failures to start, kills and deadlines are encoder-side.
func probeFailureKind(err error) ErrorKind {
	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, process.ErrTerminated),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindEncode
	case errors.As(err, &exitErr):
		return KindInput
	case errors.Is(err, media.ErrFFprobeExecution):
		return KindEncode
	default:
		return KindInput
	}
}

func validateInput(in ComposeInput) (media.Profile, error) {
	if len(in.Images) == 0 {
		return "", ordering.ErrNoImages
	}
	for i, img := range in.Images {
		if img.Filename == "" {
			return "", fmt.Errorf("%w: image %d", ErrMissingFilename, i)
		}
	}
	if in.DurationPerImage <= 0 || math.IsNaN(in.DurationPerImage) || math.IsInf(in.DurationPerImage, 0) {
		return "", fmt.Errorf("%w: got %v", media.ErrInvalidDuration, in.DurationPerImage)
	}
	if in.FPS <= 0 {
		return "", fmt.Errorf("%w: got %d", media.ErrInvalidFPS, in.FPS)
	}
	if in.Width < 0 || in.Height < 0 || (in.Width == 0) != (in.Height == 0) {
		return "", fmt.Errorf("%w: width=%d, height=%d", media.ErrInvalidDimensions, in.Width, in.Height)
	}
	return media.ParseProfile(string(in.Profile))
}

func outputOf(j *Job) *ComposeOutput {
	snap := j.Clone()
	return &ComposeOutput{
		JobID:     snap.ID,
		Status:    snap.Status,
		VideoPath: snap.OutputPath,
		VideoURL:  snap.VideoURL,
		Duration:  float64(snap.ImageCount) * snap.DurationPerImage,
	}
}
