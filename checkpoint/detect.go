package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

var (
	// ErrUnrecognized is returned for checkpoints that hold neither a
	// ControlNet nor a T2I-Adapter.
	ErrUnrecognized = errors.New("checkpoint does not contain controlnet or t2i adapter data")

	// ErrControlLoRA is returned for ControlLoRA checkpoints, which are
	// detected but not supported.
	ErrControlLoRA = errors.New("control lora checkpoints are not supported")
)

type Format int

const (
	FormatUnknown Format = iota
	FormatControlLoRA
	FormatControlNet
	FormatControlNetDiffusers
	FormatT2IAdapterLight
	FormatT2IAdapterFull
)

func (f Format) String() string {
	switch f {
	case FormatControlLoRA:
		return "control-lora"
	case FormatControlNet:
		return "controlnet"
	case FormatControlNetDiffusers:
		return "controlnet-diffusers"
	case FormatT2IAdapterLight:
		return "t2i-adapter-light"
	case FormatT2IAdapterFull:
		return "t2i-adapter"
	default:
		return "unknown"
	}
}

// IsControlNet reports whether f builds a ControlNet style controller.
func (f Format) IsControlNet() bool {
	return f == FormatControlNet || f == FormatControlNetDiffusers
}

// IsT2IAdapter reports whether f builds a T2I-Adapter style controller.
func (f Format) IsT2IAdapter() bool {
	return f == FormatT2IAdapterLight || f == FormatT2IAdapterFull
}

// AdapterConfig describes the topology of a T2I-Adapter network.
type AdapterConfig struct {
	Cin        int
	Channels   []int
	ResBlocks  int
	KernelSize int
	UseConv    bool
}

// Descriptor is what Detect learns about a checkpoint.
type Descriptor struct {
	Name   string
	Format Format

	// Prefix is prepended to every network parameter name.
	Prefix string

	// HintChannels is the number of image channels a ControlNet consumes.
	HintChannels int

	// ZeroConvs is the number of output block residuals a ControlNet
	// produces, not counting the middle block.
	ZeroConvs int

	// Difference marks ControlNets stored as a delta against a base model.
	Difference bool

	GlobalAveragePooling bool

	Adapter AdapterConfig

	// ChannelsIn is the number of image channels a T2I-Adapter consumes.
	ChannelsIn int

	UseFP16 bool
}

// Outputs is the number of guidance tensors the network produces per step.
func (d Descriptor) Outputs() int {
	switch {
	case d.Format.IsControlNet():
		return d.ZeroConvs + 1
	case d.Format.IsT2IAdapter():
		return len(d.Adapter.Channels)
	default:
		return 0
	}
}

func (d Descriptor) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", d.Name),
		slog.String("format", d.Format.String()),
	}

	switch {
	case d.Format.IsControlNet():
		attrs = append(attrs,
			slog.Int("hint_channels", d.HintChannels),
			slog.Int("outputs", d.Outputs()),
			slog.Bool("difference", d.Difference),
			slog.Bool("global_average_pooling", d.GlobalAveragePooling))
	case d.Format.IsT2IAdapter():
		attrs = append(attrs,
			slog.Int("cin", d.Adapter.Cin),
			slog.Any("channels", d.Adapter.Channels),
			slog.Int("channels_in", d.ChannelsIn))
	}

	return slog.GroupValue(attrs...)
}

const (
	controlNetPrefix = "control_model."
	adapterPrefix    = "adapter."
)

// globalAveragePoolingSuffixes mark shuffle ControlNets, which only encode
// global style.
var globalAveragePoolingSuffixes = []string{
	"_shuffle.pth",
	"_shuffle.safetensors",
	"_shuffle_fp16.safetensors",
}

// Detect identifies the network stored in sd. name is the checkpoint file
// name.
func Detect(name string, sd *StateDict) (Descriptor, error) {
	d := Descriptor{Name: filepath.Base(name)}

	switch {
	case sd.Has("lora_controlnet"):
		d.Format = FormatControlLoRA
		return d, ErrControlLoRA
	case sd.Has("controlnet_cond_embedding.conv_in.weight"):
		d.Format = FormatControlNetDiffusers
		d.HintChannels = dim(sd, "controlnet_cond_embedding.conv_in.weight", 1)
		d.ZeroConvs = count(sd, "controlnet_down_blocks.%d.weight")
	case sd.Has(controlNetPrefix + "zero_convs.0.0.weight"):
		d.Format = FormatControlNet
		d.Prefix = controlNetPrefix
		d.Difference = sd.Has("difference")
	case sd.Has("zero_convs.0.0.weight"):
		d.Format = FormatControlNet
	default:
		return detectAdapter(d, sd)
	}

	if d.Format == FormatControlNet {
		hint := d.Prefix + "input_hint_block.0.weight"
		shape := sd.Shape(hint)
		if len(shape) < 2 {
			return d, fmt.Errorf("%w: missing %s", ErrUnrecognized, hint)
		}

		d.HintChannels = shape[1]
		d.ZeroConvs = count(sd, d.Prefix+"zero_convs.%d.0.weight")
	}

	for _, suffix := range globalAveragePoolingSuffixes {
		if strings.HasSuffix(name, suffix) {
			d.GlobalAveragePooling = true
		}
	}

	return d, nil
}

func detectAdapter(d Descriptor, sd *StateDict) (Descriptor, error) {
	if sd.HasPrefix(adapterPrefix) {
		d.Prefix = adapterPrefix
		sd = sd.Sub(adapterPrefix)
	}

	switch {
	case sd.Has("body.0.in_conv.weight"):
		d.Format = FormatT2IAdapterLight
		d.Adapter = AdapterConfig{
			Cin:       dim(sd, "body.0.in_conv.weight", 1),
			Channels:  []int{320, 640, 1280, 1280},
			ResBlocks: 4,
		}
	case sd.Has("conv_in.weight"):
		channel := dim(sd, "conv_in.weight", 0)
		d.Format = FormatT2IAdapterFull
		d.Adapter = AdapterConfig{
			Cin:        dim(sd, "conv_in.weight", 1),
			Channels:   []int{channel, channel * 2, channel * 4, channel * 4},
			ResBlocks:  2,
			KernelSize: dim(sd, "body.0.block2.weight", 2),
		}

		for _, k := range sd.Keys() {
			if strings.HasSuffix(k, "down_opt.op.weight") {
				d.Adapter.UseConv = true
				break
			}
		}
	default:
		return d, ErrUnrecognized
	}

	d.ChannelsIn = d.Adapter.Cin / 64
	return d, nil
}

// count returns how many consecutive indices from 0 format to a present key.
func count(sd *StateDict, format string) int {
	var n int
	for sd.Has(fmt.Sprintf(format, n)) {
		n++
	}

	return n
}

func dim(sd *StateDict, name string, n int) int {
	if t, ok := sd.Get(name); ok {
		return t.Dim(n)
	}

	return 0
}
