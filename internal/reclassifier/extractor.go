package reclassifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/corvidio/sentinel/internal/apperr"
)

// FrameExtractor pulls still frames out of a video clip on disk. The
// shipped implementation shells out to ffmpeg/ffprobe via os/exec: this
// repository's dependency set has no Go video-decode library, so one-shot
// external-binary transforms are the idiom for any media decode work here.
type FrameExtractor interface {
	Duration(ctx context.Context, clipPath string) (time.Duration, error)
	ExtractFrame(ctx context.Context, clipPath string, at time.Duration) ([]byte, error)
}

// FFmpegExtractor is the shipped FrameExtractor.
type FFmpegExtractor struct {
	FfmpegPath  string
	FfprobePath string
}

// NewFFmpegExtractor builds an extractor; empty paths fall back to the bare
// binary names resolved via PATH.
func NewFFmpegExtractor(ffmpegPath, ffprobePath string) *FFmpegExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegExtractor{FfmpegPath: ffmpegPath, FfprobePath: ffprobePath}
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration asks ffprobe for the clip's duration.
func (f *FFmpegExtractor) Duration(ctx context.Context, clipPath string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		clipPath,
	}
	cmd := exec.CommandContext(ctx, f.FfprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, apperr.Newf("ffprobe failed: %v (%s)", err, stderr.String()).
			Component("reclassifier").AsKind(apperr.KindInternal).Build()
	}

	var probe ffprobeFormat
	if err := json.Unmarshal(stdout.Bytes(), &probe); err != nil {
		return 0, apperr.New(err).Component("reclassifier").AsKind(apperr.KindInternal).Build()
	}
	seconds, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, apperr.Newf("ffprobe returned no duration").Component("reclassifier").AsKind(apperr.KindInternal).Build()
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ExtractFrame decodes the single frame at timestamp at and returns it as
// JPEG bytes, captured straight off ffmpeg's stdout rather than via a temp
// file.
func (f *FFmpegExtractor) ExtractFrame(ctx context.Context, clipPath string, at time.Duration) ([]byte, error) {
	args := []string{
		"-hide_banner",
		"-ss", fmt.Sprintf("%.3f", at.Seconds()),
		"-i", clipPath,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	}
	cmd := exec.CommandContext(ctx, f.FfmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, apperr.Newf("ffmpeg frame extraction failed: %v (%s)", err, stderr.String()).
			Component("reclassifier").AsKind(apperr.KindInternal).Build()
	}
	if stdout.Len() == 0 {
		return nil, apperr.Newf("ffmpeg produced no frame at %s", at).Component("reclassifier").AsKind(apperr.KindInternal).Build()
	}
	return stdout.Bytes(), nil
}
