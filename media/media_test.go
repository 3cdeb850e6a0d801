package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/gif"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func solidFrames(n, w, h int) []*image.RGBA {
	frames := make([]*image.RGBA, n)
	for i := range frames {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for p := 0; p < w*h; p++ {
			img.Pix[4*p] = uint8(30 * i)
			img.Pix[4*p+3] = 255
		}
		frames[i] = img
	}
	return frames
}

func TestGIFDelay(t *testing.T) {
	tests := []struct {
		fps  int
		want int
	}{
		{8, 12},
		{10, 10},
		{25, 4},
		{0, 12},
		{1000, 1},
	}
	for _, tt := range tests {
		if got := GIFDelay(tt.fps); got != tt.want {
			t.Errorf("GIFDelay(%d) = %d, want %d", tt.fps, got, tt.want)
		}
	}
}

func TestWriteGIF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip", "0.gif")
	if err := WriteGIF(path, solidFrames(5, 16, 8), 8); err != nil {
		t.Fatalf("WriteGIF: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(g.Image) != 5 {
		t.Errorf("got %d frames, want 5", len(g.Image))
	}
	if g.LoopCount != 0 {
		t.Errorf("loop count %d, want 0", g.LoopCount)
	}
	for i, d := range g.Delay {
		if d != 12 {
			t.Errorf("frame %d delay %d, want 12", i, d)
		}
	}

	if err := WriteGIF(path, nil, 8); err == nil {
		t.Error("expected error for empty clip")
	}
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    VideoInfo
		wantErr bool
	}{
		{"fraction", "640,360,30000/1001", VideoInfo{640, 360, 30000.0 / 1001}, false},
		{"integer", "320,240,25", VideoInfo{320, 240, 25}, false},
		{"zero denominator", "320,240,25/0", VideoInfo{}, true},
		{"short", "320,240", VideoInfo{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLimitedWriterKeepsTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 4}
	lw.Write([]byte("abc"))
	lw.Write([]byte("defg"))
	if got := buf.String(); got != "defg" {
		t.Errorf("tail = %q, want %q", got, "defg")
	}
}

func TestNewFFmpegConfiguredMissing(t *testing.T) {
	_, err := NewFFmpeg("/nonexistent/ffmpeg-binary", zerolog.Nop())
	if !errors.Is(err, ErrFFmpegNotFound) {
		t.Errorf("expected ErrFFmpegNotFound, got %v", err)
	}
}

func TestMP4RoundTrip(t *testing.T) {
	ff, err := NewFFmpeg("", zerolog.Nop())
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	out := filepath.Join(t.TempDir(), "clip.mp4")
	if err := ff.EncodeMP4(context.Background(), out, solidFrames(4, 16, 16), 8); err != nil {
		if strings.Contains(err.Error(), "libx264") {
			t.Skip("ffmpeg built without libx264")
		}
		t.Fatalf("EncodeMP4: %v", err)
	}
	frames, err := ff.DecodeFrames(context.Background(), out, 16, 16)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(frames) != 4 {
		t.Errorf("decoded %d frames, want 4", len(frames))
	}
	if c := frames[0].RGBAAt(0, 0); c.A != 255 {
		t.Errorf("alpha = %d", c.A)
	}
}
