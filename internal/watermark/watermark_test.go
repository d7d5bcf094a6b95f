package watermark

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestApplyKeepsDimensionsAndChangesPixels(t *testing.T) {
	mark := solid(10, 10, color.White)
	w := New(mark, 0.5)
	src := solid(40, 20, color.Black)

	out, err := w.Apply(bytes.NewReader(encodePNG(t, src)))
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 40, decoded.Bounds().Dx())
	assert.Equal(t, 20, decoded.Bounds().Dy())

	// The mark is fitted to a centered 20x20 square: the center is blended,
	// the left edge is untouched.
	r, _, _, _ := decoded.At(20, 10).RGBA()
	assert.Greater(t, r, uint32(0x4000))
	assert.Less(t, r, uint32(0xC000))
	r, _, _, _ = decoded.At(2, 10).RGBA()
	assert.Zero(t, r)
}

func TestApplyRejectsNonImage(t *testing.T) {
	_, err := New(nil, 0).Apply(strings.NewReader("definitely not an image"))
	assert.ErrorIs(t, err, svcerrors.ErrValidation)
}

func TestFitRect(t *testing.T) {
	assert.Equal(t, image.Rect(10, 0, 30, 20), fitRect(image.Rect(0, 0, 5, 5), image.Rect(0, 0, 40, 20)))
	assert.Equal(t, image.Rect(0, 5, 20, 15), fitRect(image.Rect(0, 0, 4, 2), image.Rect(0, 0, 20, 20)))
	assert.True(t, fitRect(image.Rectangle{}, image.Rect(0, 0, 1, 1)).Empty())
}

func TestLoadWithoutPathUsesDefaultMark(t *testing.T) {
	w, err := Load("", 0.3)
	require.NoError(t, err)
	assert.NotNil(t, w.mark)
	assert.InDelta(t, 0.3, w.opacity, 1e-9)
}
