package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/maauso/imagereel/internal/ordering"
)

// Profile is a named compression-quality / encode-speed trade-off.
type Profile string

const (
	// ProfileNormal balances quality and size.
	ProfileNormal Profile = "normal"
	// ProfileLow favours speed and size over quality.
	ProfileLow Profile = "low"
)

// ErrUnknownProfile is returned when a profile name is not recognised.
var ErrUnknownProfile = errors.New("unknown performance profile")

// ParseProfile converts a request value into a Profile. An empty value is
// treated as ProfileNormal.
func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case "", ProfileNormal:
		return ProfileNormal, nil
	case ProfileLow:
		return ProfileLow, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProfile, s)
	}
}

// Fixed encoder settings shared by every segment.
const (
	VideoCodec     = "libx264"
	PixelFormat    = "yuv420p"
	ColorSpace     = "bt709"
	ColorPrimaries = "bt709"
	ColorTransfer  = "iec61966-2-1" // sRGB
	ColorRange     = "pc"
)

// Audio mux settings.
const (
	AudioCodec      = "aac"
	AudioBitrate    = "192k"
	AudioSampleRate = 44100
	AudioChannels   = 2
)

// EncodeParams are the profile-dependent x264 settings for a segment.
type EncodeParams struct {
	Profile Profile
	CRF     int
	Preset  string
}

// ParamsFor returns the encode parameters for a profile. Unknown profiles
// get the normal settings.
func ParamsFor(p Profile) EncodeParams {
	if p == ProfileLow {
		return EncodeParams{Profile: ProfileLow, CRF: 30, Preset: "ultrafast"}
	}
	return EncodeParams{Profile: ProfileNormal, CRF: 23, Preset: "fast"}
}

// Segment is one encoded clip of a composition, in resolver order.
type Segment struct {
	Index           int
	Source          ordering.ImageAsset
	ImagePath       string
	Path            string
	DurationSeconds float64
	Params          EncodeParams
}

// Spec returns the encode request for the segment at the given frame rate
// and size.
func (s Segment) Spec(fps, width, height int) SegmentSpec {
	return SegmentSpec{
		ImagePath:       s.ImagePath,
		OutputPath:      s.Path,
		DurationSeconds: s.DurationSeconds,
		FPS:             fps,
		Width:           width,
		Height:          height,
		Params:          s.Params,
	}
}

// SegmentSpec describes one image-to-clip encode.
type SegmentSpec struct {
	ImagePath       string
	OutputPath      string
	DurationSeconds float64
	FPS             int
	Width           int
	Height          int
	Params          EncodeParams
}

// Validate checks the numeric fields of the spec.
func (s SegmentSpec) Validate() error {
	if s.DurationSeconds <= 0 {
		return fmt.Errorf("%w: got %.3f", ErrInvalidDuration, s.DurationSeconds)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidFPS, s.FPS)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, s.Width, s.Height)
	}
	return nil
}

// SegmentFileName returns the zero-padded file name for the segment at index,
// so a plain directory listing is already in order.
func SegmentFileName(index int) string {
	return fmt.Sprintf("segment_%05d.mp4", index)
}

// EvenDimensions rounds width and height up to the next even value, as
// required by 4:2:0 chroma subsampling.
func EvenDimensions(w, h int) (int, int) {
	return w + w%2, h + h%2
}

// SegmentArgs builds the ffmpeg arguments that hold a still image for the
// requested duration.
func SegmentArgs(s SegmentSpec) []string {
	w, h := EvenDimensions(s.Width, s.Height)
	fps := fmt.Sprintf("%d", s.FPS)

	// scale into the box, pad to exact size, square pixels, 4:2:0
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black,setsar=1,format=%s",
		w, h, w, h, PixelFormat,
	)

	return []string{
		"-y",
		"-loop", "1",
		"-framerate", fps,
		"-i", s.ImagePath,
		"-t", strconv.FormatFloat(s.DurationSeconds, 'f', -1, 64),
		"-vf", filter,
		"-r", fps,
		"-c:v", VideoCodec,
		"-preset", s.Params.Preset,
		"-crf", fmt.Sprintf("%d", s.Params.CRF),
		"-tune", "stillimage",
		"-pix_fmt", PixelFormat,
		"-colorspace", ColorSpace,
		"-color_primaries", ColorPrimaries,
		"-color_trc", ColorTransfer,
		"-color_range", ColorRange,
		"-an",
		s.OutputPath,
	}
}

// ConcatArgs builds the concat-demuxer invocation. Streams are copied, so
// every segment must share codec, resolution and frame rate.
func ConcatArgs(manifestPath, output string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0", // manifest holds absolute paths
		"-i", manifestPath,
		"-c", "copy",
		output,
	}
}

// MuxArgs builds the invocation that adds a music track to a silent video.
// The picture is copied untouched and the output ends with the shorter stream.
func MuxArgs(videoPath, audioPath, output string) []string {
	return []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", AudioCodec,
		"-b:a", AudioBitrate,
		"-ar", fmt.Sprintf("%d", AudioSampleRate),
		"-ac", fmt.Sprintf("%d", AudioChannels),
		"-shortest",
		"-movflags", "+faststart",
		output,
	}
}
