// Package control composes the guidance produced by a chain of ControlNet and
// T2I-Adapter style controllers into the residuals consumed by a denoiser.
package control

import (
	"fmt"

	"github.com/jmorganca/advanced-controlnet/ml"
)

// Map holds the per-layer residuals for the denoiser's input, middle and
// output blocks. A nil slice means the key is absent; a nil element means
// there is no contribution at that layer.
type Map struct {
	Input  []ml.Tensor
	Middle []ml.Tensor
	Output []ml.Tensor
}

// IsEmpty reports whether no key is present.
func (m Map) IsEmpty() bool {
	return m.Input == nil && m.Middle == nil && m.Output == nil
}

// at returns s[i], or nil when i is outside s.
func at(s []ml.Tensor, i int) ml.Tensor {
	if i < 0 || i >= len(s) {
		return nil
	}

	return s[i]
}

// Conditioning is the text and class conditioning passed to the denoiser.
type Conditioning struct {
	// CrossAttn is concatenated along dimension 1 to form the attention
	// context.
	CrossAttn []ml.Tensor

	// ADM is the optional class / pooled embedding.
	ADM ml.Tensor
}

func (c Conditioning) context(ctx ml.Context) (ml.Tensor, error) {
	if len(c.CrossAttn) == 0 {
		return nil, nil
	}

	out := c.CrossAttn[0]
	for _, t := range c.CrossAttn[1:] {
		var err error
		if out, err = out.Concat(ctx, t, 1); err != nil {
			return nil, fmt.Errorf("cross attention context: %w", err)
		}
	}

	return out, nil
}

// Step is a single denoising step.
type Step struct {
	// X is the noisy latent, NCHW at 1/8 of pixel resolution.
	X ml.Tensor

	// Timestep holds the denoiser timestep for each batch item. Higher
	// values are earlier, noisier steps.
	Timestep ml.Tensor

	Cond Conditioning

	// BatchedNumber is the number of groups packed in the batch, for
	// example 2 when unconditional and conditional samples share a batch.
	BatchedNumber int

	// Percent is the progress through the schedule in [0, 1]. It is only
	// used when keyframes are selected by schedule.
	Percent float64
}

func (s Step) timestep() (float64, error) {
	if s.Timestep == nil {
		return 0, fmt.Errorf("step has no timestep")
	}

	ts := s.Timestep.Floats()
	if len(ts) == 0 {
		return 0, fmt.Errorf("step has an empty timestep")
	}

	return float64(ts[0]), nil
}
