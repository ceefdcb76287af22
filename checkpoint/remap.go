package checkpoint

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// diffusersKeys maps diffusers ControlNet parameter names to their original
// names. Only the guidance specific blocks are mapped; the UNet body is left
// to the network factory.
func diffusersKeys(sd *StateDict) map[string]string {
	keys := map[string]string{
		"controlnet_mid_block.weight": "middle_block_out.0.weight",
		"controlnet_mid_block.bias":   "middle_block_out.0.bias",
	}

	suffixes := []string{".weight", ".bias"}

	for n := 0; ; n++ {
		in := fmt.Sprintf("controlnet_down_blocks.%d.weight", n)
		if !sd.Has(in) {
			break
		}

		for _, s := range suffixes {
			keys[fmt.Sprintf("controlnet_down_blocks.%d%s", n, s)] = fmt.Sprintf("zero_convs.%d.0%s", n, s)
		}
	}

	for n := 0; ; n++ {
		in := "controlnet_cond_embedding.conv_in"
		if n > 0 {
			in = fmt.Sprintf("controlnet_cond_embedding.blocks.%d", n-1)
		}

		last := !sd.Has(in + ".weight")
		if last {
			in = "controlnet_cond_embedding.conv_out"
		}

		for _, s := range suffixes {
			keys[in+s] = fmt.Sprintf("input_hint_block.%d%s", n*2, s)
		}

		if last {
			break
		}
	}

	return keys
}

// RemapDiffusers renames the guidance blocks of a diffusers ControlNet to
// their original names. It returns the names that were not remapped; those
// tensors are kept unchanged.
func RemapDiffusers(sd *StateDict) []string {
	keys := diffusersKeys(sd)

	var leftovers []string
	for _, name := range sd.Keys() {
		to, ok := keys[name]
		if !ok {
			leftovers = append(leftovers, name)
			continue
		}

		sd.Rename(name, to)
	}

	return leftovers
}

// ApplyDifference adds the matching base model parameter to every
// control_model tensor of a difference ControlNet.
func ApplyDifference(sd, base *StateDict) (int, error) {
	var n int
	for _, name := range sd.Keys() {
		rest, ok := strings.CutPrefix(name, controlNetPrefix)
		if !ok {
			continue
		}

		b, ok := base.Get("diffusion_model." + rest)
		if !ok {
			continue
		}

		t, _ := sd.Get(name)
		if !slices.Equal(t.Shape, b.Shape) {
			return n, fmt.Errorf("%s: shape %v does not match base %v", name, t.Shape, b.Shape)
		}

		sd.Set(&Tensor{
			Name:  name,
			DType: t.DType,
			Shape: t.Shape,
			load: func() ([]float32, error) {
				delta, err := t.Floats()
				if err != nil {
					return nil, err
				}

				weights, err := b.Floats()
				if err != nil {
					return nil, err
				}

				out := make([]float32, len(delta))
				for i := range out {
					out[i] = delta[i] + weights[i]
				}
				return out, nil
			},
		})
		n++
	}

	slog.Debug("applied difference controlnet", "tensors", n)
	return n, nil
}
