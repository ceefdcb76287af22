package control

import (
	"github.com/jmorganca/advanced-controlnet/ml"
)

// ProbeControlModel is a ControlNet stand-in that returns one residual per
// value, each shaped like the latent and filled with that value. The last
// value is the middle block residual.
type ProbeControlModel struct {
	Values    []float32
	Precision ml.DType

	Calls int

	// Device is where the model currently lives; ForwardDevice is where it
	// was during the last forward pass.
	Device        ml.DeviceID
	ForwardDevice ml.DeviceID
}

func (m *ProbeControlModel) DType() ml.DType {
	return m.Precision
}

func (m *ProbeControlModel) To(d ml.DeviceID) error {
	m.Device = d
	return nil
}

func (m *ProbeControlModel) Forward(ctx ml.Context, x, hint, timesteps, context, y ml.Tensor) ([]ml.Tensor, error) {
	m.Calls++
	m.ForwardDevice = m.Device
	return fill(ctx, m.Values, m.Precision, x.Shape()...)
}

// ProbeAdapterModel is a T2I-Adapter stand-in that returns one feature map
// per value at successively halved resolutions.
type ProbeAdapterModel struct {
	Values []float32

	Calls int

	// Device is where the model currently lives; ForwardDevice is where it
	// was during the last forward pass.
	Device        ml.DeviceID
	ForwardDevice ml.DeviceID
}

func (m *ProbeAdapterModel) DType() ml.DType {
	return ml.DTypeF32
}

func (m *ProbeAdapterModel) To(d ml.DeviceID) error {
	m.Device = d
	return nil
}

func (m *ProbeAdapterModel) Forward(ctx ml.Context, hint ml.Tensor) ([]ml.Tensor, error) {
	m.Calls++
	m.ForwardDevice = m.Device

	n, height, width := hint.Dim(0), max(hint.Dim(2)/8, 1), max(hint.Dim(3)/8, 1)
	features := make([]ml.Tensor, len(m.Values))
	for i, v := range m.Values {
		t, err := fill(ctx, []float32{v}, ml.DTypeF32, n, 1, height, width)
		if err != nil {
			return nil, err
		}
		features[i] = t[0]
		height, width = max(height/2, 1), max(width/2, 1)
	}

	return features, nil
}

func fill(ctx ml.Context, values []float32, dtype ml.DType, shape ...int) ([]ml.Tensor, error) {
	out := make([]ml.Tensor, len(values))
	for i, v := range values {
		s := make([]float32, ml.Elements(shape...))
		for j := range s {
			s[j] = v
		}

		t, err := ctx.FromFloatSlice(s, shape...)
		if err != nil {
			return nil, err
		}
		out[i] = t.Cast(ctx, dtype)
	}

	return out, nil
}
