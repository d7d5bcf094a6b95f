// Package watermark stamps previews of paid pictures.
package watermark

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

const (
	DefaultOpacity = 0.5
	// MaxPixels bounds decoded images; larger inputs are rejected before
	// any drawing happens.
	MaxPixels = 50_000_000
)

// Watermarker overlays a mark scaled to fit each input image.
type Watermarker struct {
	mark    image.Image
	opacity float64
}

func New(mark image.Image, opacity float64) *Watermarker {
	if opacity <= 0 || opacity > 1 {
		opacity = DefaultOpacity
	}
	if mark == nil {
		mark = defaultMark()
	}
	return &Watermarker{mark: mark, opacity: opacity}
}

// Load reads the mark from a PNG file. An empty path uses the built-in mark.
func Load(path string, opacity float64) (*Watermarker, error) {
	if path == "" {
		return New(nil, opacity), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open watermark: %w", err)
	}
	defer f.Close()
	mark, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode watermark: %w", err)
	}
	return New(mark, opacity), nil
}

// Apply decodes src, stamps it and returns PNG bytes.
func (w *Watermarker) Apply(src io.Reader) ([]byte, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, svcerrors.Validation("failed to read image")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, svcerrors.Validation("unsupported image format")
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, svcerrors.Validation("image dimensions too large")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, svcerrors.Validation("unsupported image format")
	}

	var out bytes.Buffer
	if err := png.Encode(&out, w.Stamp(img)); err != nil {
		return nil, svcerrors.Internal("failed to encode image", err)
	}
	return out.Bytes(), nil
}

// Stamp draws the mark centered over img, scaled to fit while keeping its
// aspect ratio.
func (w *Watermarker) Stamp(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)

	target := fitRect(w.mark.Bounds(), dst.Bounds())
	if target.Empty() {
		return dst
	}
	alpha := image.NewUniform(color.Alpha{A: uint8(w.opacity * 255)})
	draw.CatmullRom.Scale(dst, target, w.mark, w.mark.Bounds(), draw.Over, &draw.Options{
		SrcMask: alpha,
	})
	return dst
}

// fitRect returns the largest rectangle with src's aspect ratio centered in
// dst.
func fitRect(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return image.Rectangle{}
	}
	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// defaultMark is a diagonal band pattern used when no mark file is set.
func defaultMark() image.Image {
	const size = 256
	m := image.NewNRGBA(image.Rect(0, 0, size, size))
	band := color.NRGBA{R: 255, G: 255, B: 255, A: 200}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if (x+y)%64 < 16 {
				m.SetNRGBA(x, y, band)
			}
		}
	}
	return m
}
