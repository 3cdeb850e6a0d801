package dataset

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/go-sigdiffusion/media"
	"github.com/tsawler/go-sigdiffusion/vision/preprocessing"
)

// FPSFile optionally holds the frame rate of a frame directory.
const FPSFile = "fps"

var (
	videoExts = []string{".mp4", ".avi", ".mov", ".webm", ".flv", ".mjpeg", ".mkv"}
	imageExts = []string{".png", ".jpg", ".jpeg", ".bmp", ".webp"}
)

// Clip is a decoded video.
type Clip struct {
	Frames []image.Image
	FPS    float64
}

// Len returns the number of frames.
func (c *Clip) Len() int { return len(c.Frames) }

// ClipReader decodes a clip so that it can be center cropped to width x
// height. Frames may be larger than the target.
type ClipReader interface {
	ReadClip(path string, width, height int) (*Clip, error)
}

// FileReader reads directories of numbered frame images directly and
// everything else through ffmpeg.
type FileReader struct {
	FFmpeg *media.FFmpeg
	// DefaultFPS is used for frame directories without an fps file.
	DefaultFPS float64
	Timeout    time.Duration
}

// ReadClip implements ClipReader.
func (r *FileReader) ReadClip(path string, width, height int) (*Clip, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return r.readDir(path)
	}
	if r.FFmpeg == nil {
		return nil, fmt.Errorf("%s: decoding video files needs ffmpeg", path)
	}

	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	vi, err := r.FFmpeg.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	w, h := coverSize(vi.Width, vi.Height, width, height)
	frames, err := r.FFmpeg.DecodeFrames(ctx, path, w, h)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	clip := &Clip{FPS: vi.FPS, Frames: make([]image.Image, len(frames))}
	for i, f := range frames {
		clip.Frames[i] = f
	}
	return clip, nil
}

func (r *FileReader) readDir(dir string) (*Clip, error) {
	files, err := listFiles(dir, imageExts, false)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frames in %s", dir)
	}
	clip := &Clip{FPS: r.DefaultFPS}
	if b, err := os.ReadFile(filepath.Join(dir, FPSFile)); err == nil {
		fps, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		if err != nil || fps <= 0 {
			return nil, fmt.Errorf("%s: bad fps file %q", dir, strings.TrimSpace(string(b)))
		}
		clip.FPS = fps
	}
	for _, f := range files {
		img, err := preprocessing.LoadImage(f)
		if err != nil {
			return nil, err
		}
		clip.Frames = append(clip.Frames, img)
	}
	return clip, nil
}

// coverSize scales w x h so that it covers tw x th, rounded up to even
// sizes for the decoder.
func coverSize(w, h, tw, th int) (int, int) {
	if w <= 0 || h <= 0 {
		return tw, th
	}
	sw, sh := tw, th
	if w*th > h*tw {
		sw = (w*th + h - 1) / h
	} else {
		sh = (h*tw + w - 1) / w
	}
	return sw + sw%2, sh + sh%2
}

func hasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// listFiles returns the files under dir with one of exts, sorted.
func listFiles(dir string, exts []string, recursive bool) ([]string, error) {
	var out []string
	if !recursive {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && hasExt(e.Name(), exts) {
				out = append(out, filepath.Join(dir, e.Name()))
			}
		}
		sort.Strings(out)
		return out, nil
	}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && hasExt(path, exts) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// resolvePath joins relative paths onto base.
func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
