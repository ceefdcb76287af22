// Package imageproc turns hint images into conditioning tensors.
package imageproc

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"golang.org/x/image/draw"

	"github.com/jmorganca/advanced-controlnet/ml"
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// Composite returns an image with the alpha channel removed by drawing over
// a black background, the colour of "no signal" in most hint images.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.Black}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) (image.Image, error) {
	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		return nil, fmt.Errorf("unknown resize method %d", method)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst, nil
}

// Channels returns the r, g, b planes of img scaled to [0, 1], channel first.
func Channels(img image.Image) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()

	out := make([]float32, 3*n)
	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out[i] = float32(r>>8) / 255
			out[n+i] = float32(g>>8) / 255
			out[2*n+i] = float32(b>>8) / 255
			i++
		}
	}

	return out
}

// Hint converts img to a [1, 3, height, width] tensor in [0, 1].
func Hint(ctx ml.Context, img image.Image) (ml.Tensor, error) {
	img = Composite(img)
	bounds := img.Bounds()
	return ctx.FromFloatSlice(Channels(img), 1, 3, bounds.Dy(), bounds.Dx())
}

// Decode reads a PNG or JPEG hint image. A non-zero size resizes it with
// nearest neighbour sampling so edge maps stay binary.
func Decode(ctx ml.Context, r io.Reader, size image.Point) (ml.Tensor, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if size.X > 0 && size.Y > 0 && size != img.Bounds().Size() {
		if img, err = Resize(img, size, ResizeNearestNeighbor); err != nil {
			return nil, err
		}
	}

	t, err := Hint(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s hint: %w", format, err)
	}

	return t, nil
}

// Load reads the hint image at path.
func Load(ctx ml.Context, path string, size image.Point) (ml.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(ctx, f, size)
}
