package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegLoader decodes any format ffmpeg understands by piping raw
// little-endian s16 PCM from its stdout.
type FFmpegLoader struct {
	ffmpegPath string
	numThreads int
}

// NewFFmpegLoader creates a new FFmpegLoader.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found in PATH).
func NewFFmpegLoader(ffmpegPath string, numThreads int) *FFmpegLoader {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegLoader{ffmpegPath: ffmpegPath, numThreads: numThreads}
}

// Load implements Loader.
func (l *FFmpegLoader) Load(ctx context.Context, src string, opts LoadOpts) ([]float32, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	args := l.args(src, opts)
	out, err := l.runFFmpeg(ctx, args)
	if err != nil {
		return nil, err
	}
	return decodeS16LE(out), nil
}

// args builds the ffmpeg command line for src.
func (l *FFmpegLoader) args(src string, opts LoadOpts) []string {
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error"}
	if l.numThreads > 0 {
		args = append(args, "-threads", strconv.Itoa(l.numThreads))
	}
	args = append(args, "-i", src)

	var filters []string
	if opts.Channel > 0 {
		filters = append(filters, fmt.Sprintf("pan=mono|c0=c%d", opts.Channel))
	}
	if f := opts.speed(); f != 1 {
		// asetrate relabels whatever rate it receives, so bring the source
		// to rate first, relabel it as rate·f, then resample back to rate.
		filters = append(filters,
			fmt.Sprintf("aresample=%d", opts.SampleRate),
			fmt.Sprintf("asetrate=%s", strconv.FormatFloat(float64(opts.SampleRate)*f, 'f', -1, 64)),
			fmt.Sprintf("aresample=%d", opts.SampleRate),
		)
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	return append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(opts.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-",
	)
}

// runFFmpeg executes ffmpeg with the given arguments and returns its stdout.
// The returned error carries stderr output if the command fails.
func (l *FFmpegLoader) runFFmpeg(ctx context.Context, args []string) ([]byte, error) {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, l.ffmpegPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return nil, &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

func decodeS16LE(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(b[2*i:]))
		out[i] = float32(v) / math.MaxInt16
	}
	return out
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

// FFprobe implements Prober using the ffprobe CLI.
type FFprobe struct {
	ffprobePath string
}

// NewFFprobe creates a new FFprobe.
// If ffprobePath is empty, it defaults to "ffprobe" (found in PATH).
func NewFFprobe(ffprobePath string) *FFprobe {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFprobe{ffprobePath: ffprobePath}
}

// Duration returns the duration in seconds of an audio file.
func (p *FFprobe) Duration(ctx context.Context, src string) (float64, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		src,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return parseDuration(stdout.String())
}

func parseDuration(out string) (float64, error) {
	var duration float64
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%f", &duration); err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

// Verify interface implementation at compile time.
var (
	_ Loader = (*FFmpegLoader)(nil)
	_ Prober = (*FFprobe)(nil)
)
