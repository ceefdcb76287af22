package ml

import (
	"fmt"
	"math"
)

const (
	CropDisabled = "disabled"
	CropCenter   = "center"
)

// Upscale resizes an NCHW tensor to width x height using nearest-exact
// sampling. With CropCenter the source is first cropped to the aspect ratio
// of the target so the image is not stretched.
func Upscale(ctx Context, t Tensor, width, height int, crop string) (Tensor, error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("upscale: expected NCHW tensor, got shape %v", shape)
	}

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("upscale: invalid size %dx%d", width, height)
	}

	n, c, oldHeight, oldWidth := shape[0], shape[1], shape[2], shape[3]

	var x0, y0 int
	if crop == CropCenter {
		oldAspect := float64(oldWidth) / float64(oldHeight)
		newAspect := float64(width) / float64(height)
		switch {
		case oldAspect > newAspect:
			x0 = int(math.RoundToEven((float64(oldWidth) - float64(oldWidth)*(newAspect/oldAspect)) / 2))
		case oldAspect < newAspect:
			y0 = int(math.RoundToEven((float64(oldHeight) - float64(oldHeight)*(oldAspect/newAspect)) / 2))
		}
	}

	srcHeight, srcWidth := oldHeight-2*y0, oldWidth-2*x0
	rows := nearestExact(srcHeight, height)
	cols := nearestExact(srcWidth, width)

	src := t.Floats()
	dst := make([]float32, n*c*height*width)
	for b := range n * c {
		plane := src[b*oldHeight*oldWidth:]
		out := dst[b*height*width:]
		for y, sy := range rows {
			for x, sx := range cols {
				out[y*width+x] = plane[(sy+y0)*oldWidth+sx+x0]
			}
		}
	}

	resized, err := ctx.FromFloatSlice(dst, n, c, height, width)
	if err != nil {
		return nil, err
	}

	return resized.Cast(ctx, t.DType()), nil
}

// nearestExact maps each output index to its source index, sampling at
// pixel centres.
func nearestExact(in, out int) []int {
	scale := float64(in) / float64(out)
	idx := make([]int, out)
	for i := range idx {
		idx[i] = min(int(math.Floor((float64(i)+0.5)*scale)), in-1)
	}

	return idx
}

// BroadcastBatch tiles t along the batch dimension so it matches a batch of
// size target made of batched groups (for example unconditional and
// conditional halves). A single-image batch is returned unchanged.
func BroadcastBatch(ctx Context, t Tensor, target, batched int) (Tensor, error) {
	current := t.Dim(0)
	if current == 1 {
		return t, nil
	}

	if batched < 1 {
		batched = 1
	}

	perBatch := target / batched
	t, err := t.Slice(ctx, 0, 0, min(perBatch, current))
	if err != nil {
		return nil, err
	}

	if have := t.Dim(0); perBatch > have {
		tiled := t
		for range perBatch/have - 1 {
			if tiled, err = tiled.Concat(ctx, t, 0); err != nil {
				return nil, err
			}
		}

		if rem := perBatch % have; rem > 0 {
			tail, err := t.Slice(ctx, 0, 0, rem)
			if err != nil {
				return nil, err
			}

			if tiled, err = tiled.Concat(ctx, tail, 0); err != nil {
				return nil, err
			}
		}

		t = tiled
	}

	if t.Dim(0) == target {
		return t, nil
	}

	return t.Repeat(ctx, 0, batched)
}
