package media

import (
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// GIFDelay converts fps into a GIF frame delay in 1/100 s, matching a
// per-frame duration of int(1000/fps) milliseconds.
func GIFDelay(fps int) int {
	if fps <= 0 {
		fps = 8
	}
	return max(1, (1000/fps)/10)
}

// EncodeGIF dithers frames onto the Plan 9 palette.
func EncodeGIF(frames []*image.RGBA, fps int) (*gif.GIF, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to encode")
	}
	out := &gif.GIF{LoopCount: 0}
	delay := GIFDelay(fps)
	for _, fr := range frames {
		pal := image.NewPaletted(fr.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(pal, fr.Bounds(), fr, fr.Bounds().Min)
		out.Image = append(out.Image, pal)
		out.Delay = append(out.Delay, delay)
	}
	return out, nil
}

// WriteGIF writes frames as a looping GIF at fps.
func WriteGIF(path string, frames []*image.RGBA, fps int) error {
	g, err := EncodeGIF(frames, fps)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gif.EncodeAll(f, g); err != nil {
		f.Close()
		return fmt.Errorf("encode gif: %w", err)
	}
	return f.Close()
}
