package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// createMockPNG creates a solid colored PNG image for testing
func createMockPNG(width, height int, c color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	err := png.Encode(&buf, img)
	return buf.Bytes(), err
}

func TestDecodeAndPreprocess(t *testing.T) {
	processor := NewImageProcessor(16, 8, true)

	t.Run("SolidPNG", func(t *testing.T) {
		data, err := createMockPNG(40, 40, color.RGBA{255, 0, 0, 255})
		if err != nil {
			t.Fatal(err)
		}
		out, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("DecodeAndPreprocess: %v", err)
		}
		if out.Width != 16 || out.Height != 8 || out.Channels != 3 || len(out.Data) != 3*16*8 {
			t.Fatalf("unexpected output %dx%dx%d len %d", out.Width, out.Height, out.Channels, len(out.Data))
		}
		plane := 16 * 8
		for i := 0; i < plane; i++ {
			if math.Abs(float64(out.Data[i])-1) > 1e-6 {
				t.Fatalf("red channel %d = %v, want 1", i, out.Data[i])
			}
			if math.Abs(float64(out.Data[plane+i])+1) > 1e-6 {
				t.Fatalf("green channel %d = %v, want -1", i, out.Data[plane+i])
			}
		}
	})

	t.Run("JPEG", func(t *testing.T) {
		img := image.NewRGBA(image.Rect(0, 0, 20, 10))
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			t.Fatal(err)
		}
		if _, err := processor.DecodeAndPreprocess(&buf); err != nil {
			t.Fatalf("jpeg decode: %v", err)
		}
	})

	t.Run("InvalidData", func(t *testing.T) {
		if _, err := processor.DecodeAndPreprocess(bytes.NewReader([]byte("not an image"))); err == nil {
			t.Error("expected error for invalid image data")
		}
	})
}

func TestCoverRect(t *testing.T) {
	tests := []struct {
		name   string
		bounds image.Rectangle
		w, h   int
		want   image.Rectangle
	}{
		{"wide source", image.Rect(0, 0, 200, 100), 1, 1, image.Rect(50, 0, 150, 100)},
		{"tall source", image.Rect(0, 0, 100, 200), 1, 1, image.Rect(0, 50, 100, 150)},
		{"same aspect", image.Rect(0, 0, 160, 90), 16, 9, image.Rect(0, 0, 160, 90)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := coverRect(tt.bounds, tt.w, tt.h); got != tt.want {
				t.Errorf("coverRect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCHWRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(40 * x), uint8(100 * y), 7, 255})
		}
	}
	back, err := FromCHW(ToCHW(img), 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back.Pix, img.Pix) {
		t.Errorf("round trip changed pixels: %v vs %v", back.Pix, img.Pix)
	}

	if _, err := FromCHW(make([]float32, 5), 3, 2); err == nil {
		t.Error("expected length error")
	}
}

func TestFromCHWClamps(t *testing.T) {
	data := []float32{2, -3, float32(math.NaN())}
	img, err := FromCHW(data, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	c := img.RGBAAt(0, 0)
	if c.R != 255 || c.G != 0 || c.B != 0 {
		t.Errorf("clamped pixel = %v", c)
	}
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 4; i++ {
		data, err := createMockPNG(12, 12, color.RGBA{uint8(i * 50), 0, 0, 255})
		if err != nil {
			t.Fatal(err)
		}
		p := filepath.Join(dir, string(rune('a'+i))+".png")
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	results, err := PreprocessBatch(paths, 8, 8, false, 2)
	if err != nil {
		t.Fatalf("PreprocessBatch: %v", err)
	}
	if len(results) != len(paths) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		want := float32(i*50)/127.5 - 1
		if math.Abs(float64(r.Data[0]-want)) > 1e-5 {
			t.Errorf("image %d first value %v, want %v", i, r.Data[0], want)
		}
	}

	if _, err := PreprocessBatch(append(paths, filepath.Join(dir, "missing.png")), 8, 8, false, 2); err == nil {
		t.Error("expected error for missing file")
	}
}
