package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/media"
	"github.com/tsawler/go-sigdiffusion/signal"
	"github.com/tsawler/go-sigdiffusion/tensor"
	"github.com/tsawler/go-sigdiffusion/vision/preprocessing"
)

// ArtifactReporter records rendered samples with an experiment tracker.
type ArtifactReporter interface {
	LogArtifact(step int, kind, path string) error
}

// Evaluator renders sample clips for (start image, signal) pairs.
type Evaluator struct {
	Pipeline *Pipeline
	Data     config.ValidationData
	// FFmpeg encodes the MP4 next to each GIF. Nil writes GIFs only.
	FFmpeg *media.FFmpeg
	// Reporter may be nil.
	Reporter ArtifactReporter
	// Preview writes the clips; without it samples are generated only.
	Preview bool
	Logger  zerolog.Logger
}

// NewEvaluator wires an evaluator for vd. A missing ffmpeg disables MP4
// output with a warning.
func NewEvaluator(p *Pipeline, vd config.ValidationData, preview bool, reporter ArtifactReporter, logger zerolog.Logger) *Evaluator {
	e := &Evaluator{Pipeline: p, Data: vd, Reporter: reporter, Preview: preview, Logger: logger}
	if vd.WriteMP4 {
		ff, err := media.NewFFmpeg(vd.FFmpegPath, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("mp4 output disabled")
		} else {
			e.FFmpeg = ff
		}
	}
	return e
}

// Frames converts decoded video (1,F,3,H,W) or (F,3,H,W) to images.
func Frames(video *tensor.Tensor) ([]*image.RGBA, error) {
	shape := video.Shape
	if len(shape) == 5 {
		if shape[0] != 1 {
			return nil, fmt.Errorf("%w: expected a single clip, got batch %d", tensor.ErrShapeMismatch, shape[0])
		}
		shape = shape[1:]
	}
	if len(shape) != 4 || shape[1] != 3 {
		return nil, fmt.Errorf("%w: expected (F,3,H,W), got %v", tensor.ErrShapeMismatch, video.Shape)
	}
	f, h, w := shape[0], shape[2], shape[3]
	size := 3 * h * w
	frames := make([]*image.RGBA, f)
	for i := range frames {
		img, err := preprocessing.FromCHW(video.Data[i*size:(i+1)*size], w, h)
		if err != nil {
			return nil, err
		}
		frames[i] = img
	}
	return frames, nil
}

// LoadStartImage reads an image and resizes it to the pixel budget of
// width x height, keeping its aspect ratio. It returns (3,H,W) in [-1,1].
func LoadStartImage(path string, width, height int) (*tensor.Tensor, error) {
	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := AspectSize(b.Dx(), b.Dy(), width, height)
	return tensor.NewTensor([]int{3, h, w}, preprocessing.ToCHW(preprocessing.Resize(img, w, h)))
}

// Render generates one clip and, in preview mode, writes it to outFile
// (a .gif) plus an .mp4 next to it.
func (e *Evaluator) Render(ctx context.Context, imagePath, signalPath, outFile string, step int, rng *rand.Rand) error {
	vd := e.Data
	img, err := LoadStartImage(imagePath, vd.Width, vd.Height)
	if err != nil {
		return fmt.Errorf("start image: %w", err)
	}
	track, err := signal.LoadTrack(signalPath)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if e.Pipeline.Encoders == nil {
		return errors.New("pipeline has no signal encoders")
	}
	sig, err := SignalWindow(track, e.Pipeline.Encoders.Dims.Samples)
	if err != nil {
		return err
	}

	video, err := e.Pipeline.Sample(ctx, img, sig, SampleOptions{
		NumFrames:         vd.NumFrames,
		NumInferenceSteps: vd.NumInferenceSteps,
		ForwardSteps:      vd.NumInferenceSteps,
		GuidanceScale:     vd.GuidanceScale,
		Sampler:           vd.Scheduler,
	}, rng)
	if err != nil {
		return err
	}
	if !e.Preview {
		return nil
	}

	frames, err := Frames(video)
	if err != nil {
		return err
	}
	fps := vd.FPS
	if fps <= 0 {
		fps = 8
	}
	if err := media.WriteGIF(outFile, frames, fps); err != nil {
		return err
	}
	e.report(step, "gif", outFile)
	if e.FFmpeg != nil {
		mp4 := strings.TrimSuffix(outFile, filepath.Ext(outFile)) + ".mp4"
		if err := e.FFmpeg.EncodeMP4(ctx, mp4, frames, fps); err != nil {
			e.Logger.Warn().Err(err).Str("file", mp4).Msg("mp4 encoding failed")
		} else {
			e.report(step, "mp4", mp4)
		}
	}
	return nil
}

func (e *Evaluator) report(step int, kind, path string) {
	if e.Reporter == nil {
		return
	}
	if err := e.Reporter.LogArtifact(step, kind, path); err != nil {
		e.Logger.Warn().Err(err).Str("file", path).Msg("tracker rejected artifact")
	}
}

// OutputFile names sample t of a start image: <outDir>/<image name>/<step+t>.gif.
func OutputFile(outDir, imagePath string, step int) string {
	name := filepath.Base(imagePath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(outDir, name, strconv.Itoa(step)+".gif")
}

// BatchEval renders iters clips for every (image, signal) pair and returns
// the written GIF paths.
func (e *Evaluator) BatchEval(ctx context.Context, outDir string, globalStep, iters int, rng *rand.Rand) ([]string, error) {
	vd := e.Data
	if len(vd.PromptImage) != len(vd.Signal) {
		return nil, fmt.Errorf("%d prompt images but %d signals", len(vd.PromptImage), len(vd.Signal))
	}
	if iters <= 0 {
		iters = 1
	}
	var written []string
	for i, imagePath := range vd.PromptImage {
		for t := 0; t < iters; t++ {
			out := OutputFile(outDir, imagePath, globalStep+t)
			if err := e.Render(ctx, imagePath, vd.Signal[i], out, globalStep+t, rng); err != nil {
				return written, fmt.Errorf("sample %s: %w", out, err)
			}
			e.Logger.Info().Str("file", out).Msg("save file")
			written = append(written, out)
		}
	}
	return written, nil
}
