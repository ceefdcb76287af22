package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/advanced-controlnet/control"
	"github.com/jmorganca/advanced-controlnet/keyframe"
	"github.com/jmorganca/advanced-controlnet/ml"
)

// Open reads the state dict of a checkpoint, choosing the reader by file
// extension.
func Open(path string) (*StateDict, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return ReadSafetensors(path)
	case ".pth", ".pt", ".ckpt", ".bin":
		return ReadTorch(path)
	default:
		return nil, fmt.Errorf("unknown checkpoint format: %s", filepath.Base(path))
	}
}

// Factory constructs networks from detected checkpoints. The state dict
// holds parameter names as stored after remapping; d.Prefix tells the
// factory what to strip.
type Factory interface {
	NewControlNet(d Descriptor, sd *StateDict) (control.ControlModel, error)
	NewT2IAdapter(d Descriptor, sd *StateDict) (control.AdapterModel, error)
}

// Loader builds controllers from checkpoint files.
type Loader struct {
	Factory Factory
	Devices ml.DeviceManager

	// Dir resolves relative checkpoint paths.
	Dir string

	// Base is the diffusion model state dict that difference ControlNets
	// are applied to.
	Base *StateDict

	Selection           keyframe.Selection
	ApplyLatentStrength bool

	// MaxParallel bounds concurrent loads in LoadAll. Zero means no limit.
	MaxParallel int
}

func (l *Loader) resolve(path string) string {
	if l.Dir == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(l.Dir, path)
}

// Load reads the checkpoint at path and returns a controller for it.
// Unrecognised checkpoints are logged and reported as ErrUnrecognized.
func (l *Loader) Load(ctx context.Context, path string, keyframes *keyframe.TimestepKeyframeGroup) (control.Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path = l.resolve(path)
	sd, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}

	d, err := Detect(path, sd)
	if errors.Is(err, ErrUnrecognized) {
		slog.Error("error checkpoint does not contain controlnet or t2i adapter data", "path", path)
		return nil, err
	} else if err != nil {
		return nil, err
	}

	d.UseFP16 = l.Devices != nil && l.Devices.ShouldUseFP16()
	slog.Info("loading checkpoint", "checkpoint", d, "size", humanize.IBytes(sd.Size()))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ctl control.Controller
	switch {
	case d.Format.IsControlNet():
		ctl, err = l.controlNet(d, sd, keyframes)
	case d.Format.IsT2IAdapter():
		ctl, err = l.t2iAdapter(d, sd, keyframes)
	default:
		err = ErrUnrecognized
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	base := ctl.Config()
	base.Selection = l.Selection
	base.ApplyLatentStrength = l.ApplyLatentStrength
	return ctl, nil
}

func (l *Loader) controlNet(d Descriptor, sd *StateDict, keyframes *keyframe.TimestepKeyframeGroup) (control.Controller, error) {
	if d.Format == FormatControlNetDiffusers {
		if leftovers := RemapDiffusers(sd); len(leftovers) > 0 {
			slog.Debug("leftover keys", "count", len(leftovers), "keys", leftovers)
		}
	}

	if d.Difference {
		if l.Base == nil {
			slog.Warn("loaded a difference controlnet without a model, it will very likely not work", "name", d.Name)
		} else if _, err := ApplyDifference(sd, l.Base); err != nil {
			return nil, err
		}
	}

	model, err := l.Factory.NewControlNet(d, sd)
	if err != nil {
		return nil, err
	}

	return control.NewControlNet(model, keyframes, d.GlobalAveragePooling, l.Devices), nil
}

func (l *Loader) t2iAdapter(d Descriptor, sd *StateDict, keyframes *keyframe.TimestepKeyframeGroup) (control.Controller, error) {
	if d.Prefix != "" {
		sd = sd.Sub(d.Prefix)
	}

	model, err := l.Factory.NewT2IAdapter(d, sd)
	if err != nil {
		return nil, err
	}

	return control.NewT2IAdapter(model, keyframes, d.ChannelsIn, l.Devices), nil
}

// LoadAll loads paths concurrently and returns their controllers in path
// order. Unrecognised and ControlLoRA checkpoints are skipped.
func (l *Loader) LoadAll(ctx context.Context, paths []string, keyframes *keyframe.TimestepKeyframeGroup) ([]control.Controller, error) {
	g, ctx := errgroup.WithContext(ctx)
	if l.MaxParallel > 0 {
		g.SetLimit(l.MaxParallel)
	}

	controllers := make([]control.Controller, len(paths))
	for i, path := range paths {
		g.Go(func() error {
			ctl, err := l.Load(ctx, path, keyframes)
			switch {
			case errors.Is(err, ErrUnrecognized):
				return nil
			case errors.Is(err, ErrControlLoRA):
				slog.Warn("skipping unsupported checkpoint", "path", path, "error", err)
				return nil
			case err != nil:
				return err
			}

			controllers[i] = ctl
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := controllers[:0]
	for _, ctl := range controllers {
		if ctl != nil {
			out = append(out, ctl)
		}
	}

	return out, nil
}

// ProbeFactory builds constant probe networks shaped after the detected
// checkpoint. It is used to dry run a chain without real weights.
type ProbeFactory struct {
	Value float32
}

func (f ProbeFactory) NewControlNet(d Descriptor, _ *StateDict) (control.ControlModel, error) {
	precision := ml.DTypeF32
	if d.UseFP16 {
		precision = ml.DTypeF16
	}

	return &control.ProbeControlModel{Values: f.values(d.Outputs()), Precision: precision}, nil
}

func (f ProbeFactory) NewT2IAdapter(d Descriptor, _ *StateDict) (control.AdapterModel, error) {
	return &control.ProbeAdapterModel{Values: f.values(d.Outputs())}, nil
}

func (f ProbeFactory) values(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = f.Value
	}

	return v
}
