package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageProcessor turns decoded images into normalized network input with
// buffer reuse. It is safe for concurrent use.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	width, height   int
	crop            bool
}

// NewImageProcessor creates a processor producing width x height frames.
// With crop set the image is scaled to cover the target and center cropped,
// otherwise it is stretched to the target size.
func NewImageProcessor(width, height int, crop bool) *ImageProcessor {
	return &ImageProcessor{width: width, height: height, crop: crop}
}

// ProcessedImage is a CHW float32 image in [-1,1].
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeImage decodes any registered format: PNG, JPEG, GIF, BMP or WebP.
func DecodeImage(reader io.Reader) (image.Image, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// LoadImage opens and decodes the image at path.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := DecodeImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeAndPreprocess decodes an image and preprocesses it.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, err := DecodeImage(reader)
	if err != nil {
		return nil, err
	}
	return p.Process(img), nil
}

// Process resizes img to the target size and returns it in CHW layout
// normalized with x/127.5 - 1.
func (p *ImageProcessor) Process(img image.Image) *ProcessedImage {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.width || p.tempImageBuffer.Bounds().Dy() != p.height {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	src := img.Bounds()
	if p.crop {
		src = coverRect(src, p.width, p.height)
	}
	draw.CatmullRom.Scale(p.tempImageBuffer, p.tempImageBuffer.Bounds(), img, src, draw.Src, nil)

	return &ProcessedImage{
		Data:     ToCHW(p.tempImageBuffer),
		Width:    p.width,
		Height:   p.height,
		Channels: 3,
	}
}

// coverRect returns the centered sub-rectangle of b with the aspect ratio
// of w x h.
func coverRect(b image.Rectangle, w, h int) image.Rectangle {
	bw, bh := b.Dx(), b.Dy()
	if bw*h > bh*w {
		cw := bh * w / h
		x0 := b.Min.X + (bw-cw)/2
		return image.Rect(x0, b.Min.Y, x0+cw, b.Max.Y)
	}
	ch := bw * h / w
	y0 := b.Min.Y + (bh-ch)/2
	return image.Rect(b.Min.X, y0, b.Max.X, y0+ch)
}

// Resize scales img to exactly w x h.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToCHW converts an RGBA image to CHW float32 in [-1,1].
func ToCHW(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			data[idx] = float32(c.R)/127.5 - 1
			data[plane+idx] = float32(c.G)/127.5 - 1
			data[2*plane+idx] = float32(c.B)/127.5 - 1
		}
	}
	return data
}

// FromCHW converts CHW float32 data in [-1,1] back to an RGBA image.
// Values outside the range are clamped.
func FromCHW(data []float32, w, h int) (*image.RGBA, error) {
	plane := w * h
	if len(data) != 3*plane {
		return nil, fmt.Errorf("expected %d values for a %dx%d RGB frame, got %d", 3*plane, w, h, len(data))
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(data[idx]),
				G: toByte(data[plane+idx]),
				B: toByte(data[2*plane+idx]),
				A: 255,
			})
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	f := (v + 1) * 127.5
	if f != f || f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f + 0.5)
}

// PreprocessBatch preprocesses image files concurrently
func PreprocessBatch(imagePaths []string, width, height int, crop bool, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errors := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(width, height, crop)

			for j := range jobs {
				img, err := LoadImage(j.path)
				if err != nil {
					errors[j.index] = err
					continue
				}
				results[j.index] = processor.Process(img)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errors {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}

	return results, nil
}
