// Package media reads and writes video files: GIF encoding in process and
// MP4 encoding or frame decoding through an external ffmpeg.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxStderrBytes = 8 * 1024

// ErrFFmpegNotFound is returned when no ffmpeg binary can be located.
var ErrFFmpegNotFound = errors.New("ffmpeg not found")

// FFmpeg runs ffmpeg and ffprobe as subprocesses.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	logger  zerolog.Logger
}

// NewFFmpeg resolves the ffmpeg binary, preferring the configured path.
// ffprobe is looked up next to it, then on PATH.
func NewFFmpeg(preferred string, logger zerolog.Logger) (*FFmpeg, error) {
	bin, err := resolve(preferred, "ffmpeg")
	if err != nil {
		return nil, err
	}
	probe := filepath.Join(filepath.Dir(bin), "ffprobe")
	if _, err := os.Stat(probe); err != nil {
		probe, _ = exec.LookPath("ffprobe")
	}
	return &FFmpeg{ffmpeg: bin, ffprobe: probe, logger: logger}, nil
}

func resolve(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: configured binary %q", ErrFFmpegNotFound, preferred)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w on PATH", ErrFFmpegNotFound)
	}
	return p, nil
}

// EncodeMP4 writes frames as an H.264 MP4 at fps. All frames must share the
// size of the first.
func (f *FFmpeg) EncodeMP4(ctx context.Context, out string, frames []*image.RGBA, fps int) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to encode")
	}
	b := frames[0].Bounds()
	w, h := b.Dx(), b.Dy()
	raw := make([]byte, 0, len(frames)*w*h*3)
	for i, fr := range frames {
		if fr.Bounds().Dx() != w || fr.Bounds().Dy() != h {
			return fmt.Errorf("frame %d is %v, want %dx%d", i, fr.Bounds(), w, h)
		}
		raw = appendRGB(raw, fr)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}

	_, err := f.run(ctx, f.ffmpeg, bytes.NewReader(raw),
		"-y", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		out,
	)
	return err
}

func appendRGB(dst []byte, img *image.RGBA) []byte {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst = append(dst, row[4*x], row[4*x+1], row[4*x+2])
		}
	}
	return dst
}

// VideoInfo describes the first video stream of a file.
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64
}

// Probe reads the size and frame rate of path with ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, path string) (VideoInfo, error) {
	if f.ffprobe == "" {
		return VideoInfo{}, fmt.Errorf("ffprobe not found")
	}
	out, err := f.run(ctx, f.ffprobe, nil,
		"-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate",
		"-of", "csv=p=0", path,
	)
	if err != nil {
		return VideoInfo{}, err
	}
	return parseProbe(strings.TrimSpace(string(out)))
}

func parseProbe(line string) (VideoInfo, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return VideoInfo{}, fmt.Errorf("unexpected ffprobe output %q", line)
	}
	var info VideoInfo
	var err error
	if info.Width, err = strconv.Atoi(parts[0]); err != nil {
		return info, fmt.Errorf("ffprobe width: %w", err)
	}
	if info.Height, err = strconv.Atoi(parts[1]); err != nil {
		return info, fmt.Errorf("ffprobe height: %w", err)
	}
	num, den, found := strings.Cut(parts[2], "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return info, fmt.Errorf("ffprobe frame rate: %w", err)
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil || d == 0 {
			return info, fmt.Errorf("ffprobe frame rate %q", parts[2])
		}
	}
	info.FPS = n / d
	return info, nil
}

// DecodeFrames decodes every frame of path scaled to width x height.
func (f *FFmpeg) DecodeFrames(ctx context.Context, path string, width, height int) ([]*image.RGBA, error) {
	out, err := f.run(ctx, f.ffmpeg, nil,
		"-v", "error", "-i", path,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-f", "rawvideo", "-pix_fmt", "rgb24", "-",
	)
	if err != nil {
		return nil, err
	}
	frameSize := width * height * 3
	if len(out)%frameSize != 0 {
		return nil, fmt.Errorf("decoded %d bytes, not a multiple of the %d byte frame", len(out), frameSize)
	}
	frames := make([]*image.RGBA, 0, len(out)/frameSize)
	for off := 0; off < len(out); off += frameSize {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		for i := 0; i < width*height; i++ {
			copy(img.Pix[4*i:4*i+3], out[off+3*i:off+3*i+3])
			img.Pix[4*i+3] = 255
		}
		frames = append(frames, img)
	}
	return frames, nil
}

func (f *FFmpeg) run(ctx context.Context, bin string, stdin io.Reader, args ...string) ([]byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}

	if err := cmd.Run(); err != nil {
		f.logger.Warn().
			Str("bin", filepath.Base(bin)).
			Dur("elapsed", time.Since(start)).
			Str("stderr_tail", stderr.String()).
			Msg("media command failed")
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, strings.TrimSpace(stderr.String()))
	}
	f.logger.Debug().Str("bin", filepath.Base(bin)).Dur("elapsed", time.Since(start)).Msg("media command finished")
	return stdout.Bytes(), nil
}

// limitedWriter keeps only the last limit bytes written to it.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
