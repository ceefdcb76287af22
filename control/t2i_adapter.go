package control

import (
	"fmt"
	"log/slog"

	"github.com/jmorganca/advanced-controlnet/keyframe"
	"github.com/jmorganca/advanced-controlnet/ml"
)

// T2IAdapter wraps a T2I-Adapter style network. Its features feed the
// denoiser's input blocks only and are computed once per hint resolution.
type T2IAdapter struct {
	Base

	Model AdapterModel

	// ChannelsIn is the number of image channels the network consumes.
	ChannelsIn int
}

func NewT2IAdapter(model AdapterModel, keyframes *keyframe.TimestepKeyframeGroup, channelsIn int, devices ml.DeviceManager) *T2IAdapter {
	return &T2IAdapter{
		Base:       newBase(keyframes, devices),
		Model:      model,
		ChannelsIn: channelsIn,
	}
}

func (a *T2IAdapter) Kind() Kind {
	return KindT2IAdapter
}

func (a *T2IAdapter) Config() *Base {
	return &a.Base
}

func (a *T2IAdapter) Copy() Controller {
	n := NewT2IAdapter(a.Model, a.Keyframes, a.ChannelsIn, a.Devices)
	n.Base = a.Base
	n.Keyframes = a.Keyframes.Clone()
	if a.TimestepRange != nil {
		r := *a.TimestepRange
		n.TimestepRange = &r
	}
	return n
}

// Models is empty: the adapter is moved to the compute device only for the
// duration of its forward pass.
func (a *T2IAdapter) Models() []*ml.Patcher {
	return nil
}

func (a *T2IAdapter) Control(ctx ml.Context, st *State, prev Map, step Step) (Map, error) {
	if gated, err := a.gated(step); err != nil {
		return Map{}, err
	} else if gated {
		return prev, nil
	}

	resized, err := a.prepareHint(ctx, st, step, ml.DTypeF32, a.ChannelsIn)
	if err != nil {
		return Map{}, err
	}

	if resized {
		st.controlInput = nil
	}

	if st.controlInput == nil {
		if err := a.forward(ctx, st); err != nil {
			return Map{}, err
		}
	}

	kf := a.keyframe(step)
	weights := kf.T2IAdapterWeightsOrDefault()

	outputDType := step.X.DType()
	autocast := ctx.AutocastEnabled()

	input := make([]ml.Tensor, 0, 3*len(st.controlInput))
	for i, ci := range st.controlInput {
		x, err := a.scale(ctx, ci, weights, i, outputDType, autocast)
		if err != nil {
			return Map{}, err
		}

		if prev.Input != nil {
			// adapter stages are stored coarsest first, three slots each
			if x, err = merge(ctx, x, at(prev.Input, len(prev.Input)-i*3-3)); err != nil {
				return Map{}, fmt.Errorf("input %d: %w", i, err)
			}
		}

		input = append([]ml.Tensor{x, nil, nil}, input...)
	}

	if prev.Input != nil {
		for i := range input {
			if input[i] == nil {
				input[i] = at(prev.Input, i)
			}
		}
	}

	return Map{Input: input, Middle: prev.Middle, Output: prev.Output}, nil
}

// forward computes the adapter features for the cached hint with the network
// resident on the compute device only for the call.
func (a *T2IAdapter) forward(ctx ml.Context, st *State) error {
	slog.Debug("computing adapter features", "hint", st.hint)
	return ml.OnDevice(a.Model, a.computeDevice(), a.offloadDevice(), func() error {
		features, err := a.Model.Forward(ctx, st.hint)
		if err != nil {
			return fmt.Errorf("adapter forward: %w", err)
		}

		st.controlInput = features
		return nil
	})
}
