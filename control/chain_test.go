package control

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/advanced-controlnet/keyframe"
	"github.com/jmorganca/advanced-controlnet/ml"
	"github.com/jmorganca/advanced-controlnet/ml/backend/cpu"
)

func TestChainMixedKinds(t *testing.T) {
	ctx := cpu.NewContext()

	t.Run("controlnet then adapter", func(t *testing.T) {
		c, _ := newProbeControlNet(t, ctx, nil, 1, 1)
		a, _ := newProbeAdapter(t, ctx, nil, 1, 2, 3, 4)

		out, err := NewChain(c, a).Get(ctx, newStep(t, ctx, 500, 2, 4, 8, 8))
		require.NoError(t, err)

		require.Len(t, out.Input, 12)
		requireAll(t, 1, out.Output[0])
		requireAll(t, 1, out.Middle[0])
	})

	t.Run("adapter then controlnet", func(t *testing.T) {
		a, _ := newProbeAdapter(t, ctx, nil, 1, 2, 3, 4)
		c, _ := newProbeControlNet(t, ctx, nil, 1, 1)

		out, err := NewChain(a, c).Get(ctx, newStep(t, ctx, 500, 2, 4, 8, 8))
		require.NoError(t, err)

		require.Len(t, out.Input, 12)
		requireAll(t, 4, out.Input[0])
		requireAll(t, 1, out.Output[0])
	})

	t.Run("adapter then adapter", func(t *testing.T) {
		first, _ := newProbeAdapter(t, ctx, nil, 1, 2, 3, 4)
		second, _ := newProbeAdapter(t, ctx, nil, 10, 20, 30, 40)

		out, err := NewChain(first, second).Get(ctx, newStep(t, ctx, 500, 2, 4, 8, 8))
		require.NoError(t, err)

		require.Len(t, out.Input, 12)
		requireAll(t, 44, out.Input[0])
		requireAll(t, 33, out.Input[3])
		requireAll(t, 22, out.Input[6])
		requireAll(t, 11, out.Input[9])
		assert.Nil(t, out.Input[1])
	})
}

func TestChainGatedStagePassesThrough(t *testing.T) {
	ctx := cpu.NewContext()
	first, _ := newProbeControlNet(t, ctx, nil, 1, 1)
	second, model := newProbeControlNet(t, ctx, nil, 5, 5)
	second.TimestepRange = &[2]float64{100, 0}

	out, err := NewChain(first, second).Get(ctx, newStep(t, ctx, 500, 2, 4, 2, 2))
	require.NoError(t, err)

	requireAll(t, 1, out.Output[0])
	assert.Zero(t, model.Calls)
}

func TestChainErrorNamesStage(t *testing.T) {
	ctx := cpu.NewContext()
	first, _ := newProbeControlNet(t, ctx, nil, 1, 1)
	second, _ := newProbeControlNet(t, ctx, nil, 1, 1)
	second.Hint = nil

	_, err := NewChain(first, second).Get(ctx, newStep(t, ctx, 500, 2, 4, 2, 2))
	require.ErrorContains(t, err, "controlnet 1:")
}

func TestChainAccessors(t *testing.T) {
	ctx := cpu.NewContext()
	c, _ := newProbeControlNet(t, ctx, nil, 1)
	a, _ := newProbeAdapter(t, ctx, nil, 1)

	chain := NewChain(c).Append(a)
	assert.Equal(t, 2, chain.Len())
	assert.Same(t, c, chain.Controller(0))
	assert.Same(t, a, chain.Controller(1))
	assert.Nil(t, chain.Controller(2))
	assert.Nil(t, chain.Previous(0))
	assert.Same(t, c, chain.Previous(1))

	models := chain.Models()
	require.Len(t, models, 1)
	assert.Same(t, c.Model, models[0].Module)
	assert.Equal(t, gpu, models[0].LoadDevice)
}

func TestChainPreRun(t *testing.T) {
	ctx := cpu.NewContext()
	c, _ := newProbeControlNet(t, ctx, nil, 1, 1)
	c.PercentRange = [2]float64{0.2, 0.8}

	chain := NewChain(c)
	chain.PreRun(func(p float64) float64 { return 1000 * (1 - p) })

	require.NotNil(t, c.TimestepRange)
	assert.InDelta(t, 800, c.TimestepRange[0], 1e-9)
	assert.InDelta(t, 200, c.TimestepRange[1], 1e-9)

	out, err := chain.Get(ctx, newStep(t, ctx, 900, 2, 4, 2, 2))
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())

	out, err = chain.Get(ctx, newStep(t, ctx, 500, 2, 4, 2, 2))
	require.NoError(t, err)
	assert.False(t, out.IsEmpty())
}

func TestChainCopy(t *testing.T) {
	ctx := cpu.NewContext()
	a, model := newProbeAdapter(t, ctx, nil, 1, 2, 3, 4)
	a.TimestepRange = &[2]float64{1000, 0}
	a.Strength = 0.5

	chain := NewChain(a)
	_, err := chain.Get(ctx, newStep(t, ctx, 500, 2, 4, 8, 8))
	require.NoError(t, err)

	cp := chain.Copy()
	assert.NotEqual(t, chain.ID, cp.ID)
	require.Equal(t, 1, cp.Len())

	b, ok := cp.Controller(0).(*T2IAdapter)
	require.True(t, ok)
	assert.NotSame(t, a, b)
	assert.Equal(t, 0.5, b.Strength)
	assert.Same(t, a.Model, b.Model)

	b.TimestepRange[1] = 100
	assert.Equal(t, 0.0, a.TimestepRange[1], "copies do not share the timestep range")
	assert.NotSame(t, a.Keyframes, b.Keyframes)

	_, err = cp.Get(ctx, newStep(t, ctx, 500, 2, 4, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, 2, model.Calls, "copies start with an empty cache")
}

func TestChainCopyKeyframes(t *testing.T) {
	ctx := cpu.NewContext()
	c, _ := newProbeControlNet(t, ctx, nil, 1, 1)
	a, _ := newProbeAdapter(t, ctx, nil, 1, 1, 1, 1)

	chain := NewChain(c, a)
	cp := chain.Copy()
	cp.Controller(0).Config().Keyframes.Add(keyframe.TimestepKeyframe{ControlNetWeights: []float64{0, 0}})
	cp.Controller(1).Config().Keyframes.Add(keyframe.TimestepKeyframe{T2IAdapterWeights: []float64{0, 0, 0, 0}})

	out, err := chain.Get(ctx, newStep(t, ctx, 500, 2, 4, 8, 8))
	require.NoError(t, err)
	requireAll(t, 1, out.Output[0])
	requireAll(t, 1, out.Middle[0])
	requireAll(t, 1, out.Input[0])

	out, err = cp.Get(ctx, newStep(t, ctx, 500, 2, 4, 8, 8))
	require.NoError(t, err)
	requireAll(t, 0, out.Output[0])
	requireAll(t, 0, out.Input[0])

	kf, _ := chain.Controller(0).Config().Keyframes.Index(0)
	assert.Nil(t, kf.ControlNetWeights)
	kf, _ = chain.Controller(1).Config().Keyframes.Index(0)
	assert.Nil(t, kf.T2IAdapterWeights)
}

type stuckModel struct {
	ProbeControlModel
}

func (m *stuckModel) To(d ml.DeviceID) error {
	if d == gpu {
		return errors.New("out of memory")
	}

	return m.ProbeControlModel.To(d)
}

func TestChainLoad(t *testing.T) {
	ctx := cpu.NewContext()
	c, model := newProbeControlNet(t, ctx, nil, 1, 1)
	a, adapter := newProbeAdapter(t, ctx, nil, 1, 1, 1, 1)
	chain := NewChain(c, a)

	offload, err := chain.Load()
	require.NoError(t, err)
	assert.Equal(t, gpu, model.Device)
	assert.Equal(t, ml.CPU, adapter.Device, "adapters are placed per forward pass")

	_, err = chain.Get(ctx, newStep(t, ctx, 500, 2, 4, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, gpu, model.ForwardDevice)

	require.NoError(t, offload())
	assert.Equal(t, ml.CPU, model.Device)
	assert.Equal(t, gpu, chain.Models()[0].LoadDevice)
	assert.Equal(t, ml.CPU, chain.Models()[0].Device())

	t.Run("failure offloads loaded models", func(t *testing.T) {
		first, model := newProbeControlNet(t, ctx, nil, 1)
		stuck := NewControlNet(&stuckModel{}, nil, false, testDevices{})

		_, err := NewChain(first, stuck).Load()
		require.ErrorContains(t, err, "out of memory")
		assert.Equal(t, ml.CPU, model.Device)
	})
}
