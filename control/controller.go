package control

import (
	"errors"
	"fmt"

	"github.com/jmorganca/advanced-controlnet/keyframe"
	"github.com/jmorganca/advanced-controlnet/logutil"
	"github.com/jmorganca/advanced-controlnet/ml"
)

// ErrLayerWeight is returned when a network produces more layers than there
// are layer weights.
var ErrLayerWeight = errors.New("no weight for layer")

type Kind int

const (
	KindControlNet Kind = iota
	KindT2IAdapter
)

func (k Kind) String() string {
	switch k {
	case KindControlNet:
		return "controlnet"
	case KindT2IAdapter:
		return "t2i-adapter"
	default:
		return "unknown"
	}
}

// ControlModel is a ControlNet style guidance network. Forward returns one
// residual per denoiser output block followed by the middle block residual.
type ControlModel interface {
	ml.Module
	Forward(ctx ml.Context, x, hint, timesteps, context, y ml.Tensor) ([]ml.Tensor, error)
}

// AdapterModel is a T2I-Adapter style guidance network. Forward returns one
// feature map per resolution stage, finest first.
type AdapterModel interface {
	ml.Module
	Forward(ctx ml.Context, hint ml.Tensor) ([]ml.Tensor, error)
}

// Controller computes one stage of a chain. Control merges the stage's
// contribution into prev, the combined output of every earlier stage.
// Controllers are configuration only; per-chain caches live in State.
type Controller interface {
	Kind() Kind
	Config() *Base
	Control(ctx ml.Context, st *State, prev Map, step Step) (Map, error)

	// Copy returns a controller with the same configuration. Networks are
	// shared read-only; keyframe groups are cloned.
	Copy() Controller

	// Models returns the device placement handles this controller owns.
	Models() []*ml.Patcher
}

// State is the mutable cache of one chain stage.
type State struct {
	// hint is the conditioning image resized to the current resolution.
	hint ml.Tensor

	// controlInput is the adapter output for hint. It is invalidated
	// whenever hint is resized.
	controlInput []ml.Tensor
}

// Reset drops every cached tensor.
func (s *State) Reset() {
	s.hint = nil
	s.controlInput = nil
}

// Base is the configuration shared by every controller kind.
type Base struct {
	// Hint is the original conditioning image, NCHW in pixel space.
	Hint     ml.Tensor
	Strength float64

	// PercentRange is the [start, end] progress range in which the
	// controller is active. It is converted to TimestepRange by PreRun.
	PercentRange [2]float64

	// TimestepRange is the active (high, low) range in denoiser timestep
	// units. Nil means always active.
	TimestepRange *[2]float64

	Keyframes *keyframe.TimestepKeyframeGroup

	// Selection picks the active timestep keyframe each step.
	Selection keyframe.Selection

	// ApplyLatentStrength multiplies the batch slots listed in the active
	// latent keyframes by their strength. Otherwise listed slots are only
	// kept and unlisted slots zeroed.
	ApplyLatentStrength bool

	Devices ml.DeviceManager
}

func newBase(keyframes *keyframe.TimestepKeyframeGroup, devices ml.DeviceManager) Base {
	if keyframes == nil {
		keyframes = keyframe.NewTimestepKeyframeGroup()
	}

	return Base{
		Strength:     1,
		PercentRange: [2]float64{0, 1},
		Keyframes:    keyframes,
		Devices:      devices,
	}
}

// SetHint sets the conditioning image, the strength and the progress range
// the controller is active in.
func (b *Base) SetHint(hint ml.Tensor, strength float64, percentRange [2]float64) {
	b.Hint = hint
	b.Strength = strength
	b.PercentRange = percentRange
}

// PreRun converts the percent range to denoiser timesteps.
func (b *Base) PreRun(percentToTimestep func(float64) float64) {
	b.TimestepRange = &[2]float64{
		percentToTimestep(b.PercentRange[0]),
		percentToTimestep(b.PercentRange[1]),
	}
}

func (b *Base) computeDevice() ml.DeviceID {
	if b.Devices == nil {
		return ml.CPU
	}

	return b.Devices.ComputeDevice()
}

func (b *Base) offloadDevice() ml.DeviceID {
	if b.Devices == nil {
		return ml.CPU
	}

	return b.Devices.OffloadDevice()
}

// gated reports whether the step falls outside the active timestep range.
func (b *Base) gated(step Step) (bool, error) {
	if b.TimestepRange == nil {
		return false, nil
	}

	t, err := step.timestep()
	if err != nil {
		return false, err
	}

	return t > b.TimestepRange[0] || t < b.TimestepRange[1], nil
}

func (b *Base) keyframe(step Step) keyframe.TimestepKeyframe {
	return b.Keyframes.Select(b.Selection, step.Percent)
}

// prepareHint resizes the hint to the latent resolution when it changed and
// broadcasts it across the batch. It reports whether a resize happened.
func (b *Base) prepareHint(ctx ml.Context, st *State, step Step, dtype ml.DType, channelsIn int) (bool, error) {
	if b.Hint == nil {
		return false, errors.New("controller has no hint")
	}

	width, height := step.X.Dim(3)*8, step.X.Dim(2)*8

	var resized bool
	if st.hint == nil || st.hint.Dim(2) != height || st.hint.Dim(3) != width {
		hint, err := ml.Upscale(ctx, b.Hint, width, height, ml.CropCenter)
		if err != nil {
			return false, fmt.Errorf("resize hint: %w", err)
		}

		hint = hint.Cast(ctx, dtype)
		if channelsIn == 1 && hint.Dim(1) > 1 {
			hint = hint.Mean(ctx, 1)
		}

		logutil.Trace("resized hint", "width", width, "height", height, "hint", hint)
		st.hint = hint
		resized = true
	}

	if batch := step.X.Dim(0); batch != st.hint.Dim(0) {
		hint, err := ml.BroadcastBatch(ctx, st.hint, batch, step.BatchedNumber)
		if err != nil {
			return false, fmt.Errorf("broadcast hint: %w", err)
		}
		st.hint = hint
	}

	return resized, nil
}

// scale applies strength and the layer weight, then casts to the output
// type unless autocast handles it.
func (b *Base) scale(ctx ml.Context, x ml.Tensor, weights []float64, i int, dtype ml.DType, autocast bool) (ml.Tensor, error) {
	if i >= len(weights) {
		return nil, fmt.Errorf("%w %d (have %d)", ErrLayerWeight, i, len(weights))
	}

	x = x.Scale(ctx, b.Strength*weights[i])
	if x.DType() != dtype && !autocast {
		x = x.Cast(ctx, dtype)
	}

	return x, nil
}
