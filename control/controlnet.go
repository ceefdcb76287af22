package control

import (
	"fmt"

	"github.com/jmorganca/advanced-controlnet/keyframe"
	"github.com/jmorganca/advanced-controlnet/ml"
)

// ControlNet wraps a ControlNet style network. Its residuals feed the
// denoiser's output and middle blocks.
type ControlNet struct {
	Base

	Model ControlModel

	// GlobalAveragePooling replaces every residual with its spatial mean.
	// Shuffle networks only encode global style.
	GlobalAveragePooling bool

	patcher *ml.Patcher
}

func NewControlNet(model ControlModel, keyframes *keyframe.TimestepKeyframeGroup, globalAveragePooling bool, devices ml.DeviceManager) *ControlNet {
	c := &ControlNet{
		Base:                 newBase(keyframes, devices),
		Model:                model,
		GlobalAveragePooling: globalAveragePooling,
	}

	c.patcher = ml.NewPatcher(model, c.computeDevice(), c.offloadDevice())
	return c
}

func (c *ControlNet) Kind() Kind {
	return KindControlNet
}

func (c *ControlNet) Config() *Base {
	return &c.Base
}

func (c *ControlNet) Copy() Controller {
	n := NewControlNet(c.Model, c.Keyframes, c.GlobalAveragePooling, c.Devices)
	n.Base = c.Base
	n.Keyframes = c.Keyframes.Clone()
	if c.TimestepRange != nil {
		r := *c.TimestepRange
		n.TimestepRange = &r
	}
	return n
}

func (c *ControlNet) Models() []*ml.Patcher {
	return []*ml.Patcher{c.patcher}
}

func (c *ControlNet) Control(ctx ml.Context, st *State, prev Map, step Step) (Map, error) {
	if gated, err := c.gated(step); err != nil {
		return Map{}, err
	} else if gated {
		return prev, nil
	}

	outputDType := step.X.DType()
	if _, err := c.prepareHint(ctx, st, step, c.Model.DType(), 0); err != nil {
		return Map{}, err
	}

	kf := c.keyframe(step)
	weights := kf.ControlNetWeightsOrDefault()

	control, err := c.forward(ctx, st, step)
	if err != nil {
		return Map{}, err
	}

	autocast := ctx.AutocastEnabled()
	out := Map{Middle: []ml.Tensor{}, Output: []ml.Tensor{}}
	for i, x := range control {
		middle := i == len(control)-1

		if c.GlobalAveragePooling {
			if x, err = globalAveragePool(ctx, x); err != nil {
				return Map{}, err
			}
		}

		if kf.LatentKeyframes != nil {
			if x, err = c.maskBatch(ctx, x, kf.LatentKeyframes); err != nil {
				return Map{}, err
			}
		}

		if x, err = c.scale(ctx, x, weights, i, outputDType, autocast); err != nil {
			return Map{}, err
		}

		if middle {
			if x, err = merge(ctx, x, at(prev.Middle, 0)); err != nil {
				return Map{}, fmt.Errorf("middle: %w", err)
			}
			out.Middle = append(out.Middle, x)
		} else {
			if x, err = merge(ctx, x, at(prev.Output, i)); err != nil {
				return Map{}, fmt.Errorf("output %d: %w", i, err)
			}
			out.Output = append(out.Output, x)
		}
	}

	out.Input = prev.Input
	return out, nil
}

// forward runs the network once, under autocast when it holds half
// precision weights.
func (c *ControlNet) forward(ctx ml.Context, st *State, step Step) ([]ml.Tensor, error) {
	if c.Model.DType().IsHalf() {
		restore := ctx.Autocast(true)
		defer restore()
	}

	context, err := step.Cond.context(ctx)
	if err != nil {
		return nil, err
	}

	control, err := c.Model.Forward(ctx, step.X, st.hint, step.Timestep, context, step.Cond.ADM)
	if err != nil {
		return nil, fmt.Errorf("controlnet forward: %w", err)
	}

	return control, nil
}

// maskBatch zeroes the residual for every batch slot that has no latent
// keyframe. Slot i of the first half and its pair in the second half are
// treated together.
func (c *ControlNet) maskBatch(ctx ml.Context, x ml.Tensor, latents *keyframe.LatentKeyframeGroup) (ml.Tensor, error) {
	n := x.Dim(0)
	half := n / 2

	factors := make([]float32, n)
	for i := range factors {
		factors[i] = 1
	}

	for i := range half {
		kf, ok := latents.Get(i)
		switch {
		case !ok:
			factors[i], factors[half+i] = 0, 0
		case c.ApplyLatentStrength:
			factors[i], factors[half+i] = float32(kf.Strength), float32(kf.Strength)
		}
	}

	return x.ScaleRows(ctx, factors)
}

func globalAveragePool(ctx ml.Context, x ml.Tensor) (ml.Tensor, error) {
	height, width := x.Dim(2), x.Dim(3)
	pooled, err := x.Mean(ctx, 2, 3).Repeat(ctx, 2, height)
	if err != nil {
		return nil, err
	}

	return pooled.Repeat(ctx, 3, width)
}

// merge adds prev to x when there is an upstream contribution.
func merge(ctx ml.Context, x, prev ml.Tensor) (ml.Tensor, error) {
	if prev == nil {
		return x, nil
	}

	return x.Add(ctx, prev)
}
