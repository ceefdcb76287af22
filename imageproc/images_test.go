package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/advanced-controlnet/ml/backend/cpu"
)

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	img.Set(1, 0, color.NRGBA{G: 255, B: 255, A: 255})
	return img
}

func TestDecode(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, testImage()))

	ctx := cpu.NewContext()
	hint, err := Decode(ctx, &b, image.Point{})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 1, 2}, hint.Shape())
	assert.Equal(t, []float32{1, 0, 0, 1, 0, 1}, hint.Floats())
}

func TestDecodeResize(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, testImage()))

	hint, err := Decode(cpu.NewContext(), &b, image.Point{X: 4, Y: 2})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 2, 4}, hint.Shape())
	assert.Equal(t, []float32{1, 1, 0, 0, 1, 1, 0, 0}, hint.Floats()[:8])
}

func TestCompositeTransparent(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	hint, err := Hint(cpu.NewContext(), img)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, hint.Floats())
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "hint.png")
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, testImage()))
	require.NoError(t, f.Close())

	hint, err := Load(cpu.NewContext(), p, image.Point{})
	require.NoError(t, err)
	assert.Equal(t, 2, hint.Dim(3))

	_, err = Decode(cpu.NewContext(), strings.NewReader("not an image"), image.Point{})
	require.Error(t, err)

	_, err = Resize(testImage(), image.Point{X: 1, Y: 1}, 42)
	require.Error(t, err)
}
