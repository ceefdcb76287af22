package cmd

import (
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/advanced-controlnet/checkpoint"
	"github.com/jmorganca/advanced-controlnet/control"
	"github.com/jmorganca/advanced-controlnet/envconfig"
	"github.com/jmorganca/advanced-controlnet/imageproc"
	"github.com/jmorganca/advanced-controlnet/keyframe"
	"github.com/jmorganca/advanced-controlnet/ml"
	"github.com/jmorganca/advanced-controlnet/ml/backend/cpu"
	"github.com/jmorganca/advanced-controlnet/schedule"
)

func NewProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run one guidance step through a chain of probe networks",
		Long: `Run one guidance step through a chain of probe networks.

Probe networks return constant residuals, so the printed means show how
strength, layer weights, latent keyframes and timestep gating combine.
Checkpoints given with --checkpoint are detected and replaced by probe
networks of the same shape.`,
		Args: cobra.NoArgs,
		RunE: probeHandler,
	}

	cmd.Flags().Int("controlnet", 1, "Number of probe ControlNets")
	cmd.Flags().Int("adapter", 0, "Number of probe T2I-Adapters")
	cmd.Flags().StringSlice("checkpoint", nil, "Checkpoints to add to the chain")
	cmd.Flags().String("schedule", "", "Keyframe schedule file")
	cmd.Flags().String("hint", "", "Hint image (default: blank image)")
	cmd.Flags().Float32("value", 1, "Residual value returned by probe networks")
	cmd.Flags().Float64("strength", 1, "Controller strength")
	cmd.Flags().Int("batch", 2, "Latent batch size")
	cmd.Flags().Int("height", 8, "Latent height")
	cmd.Flags().Int("width", 8, "Latent width")
	cmd.Flags().Float64("timestep", 500, "Denoiser timestep")
	cmd.Flags().Float64("percent", 0, "Sampling progress used for schedule keyframe selection")
	cmd.Flags().String("range", "", "Active timestep range as HIGH:LOW")
	cmd.Flags().Bool("dump", false, "Print the values of every residual")
	return cmd
}

func parseRange(s string) (*[2]float64, error) {
	if s == "" {
		return nil, nil
	}

	high, low, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("invalid range %q, expected HIGH:LOW", s)
	}

	h, err := strconv.ParseFloat(strings.TrimSpace(high), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", s, err)
	}

	l, err := strconv.ParseFloat(strings.TrimSpace(low), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", s, err)
	}

	if h < l {
		return nil, fmt.Errorf("invalid range %q, high is below low", s)
	}

	return &[2]float64{h, l}, nil
}

func probeValues(n int, v float32) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = v
	}

	return values
}

func fillTensor(ctx ml.Context, v float32, shape ...int) (ml.Tensor, error) {
	return ctx.FromFloatSlice(probeValues(ml.Elements(shape...), v), shape...)
}

func probeHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	numControlNets, _ := flags.GetInt("controlnet")
	numAdapters, _ := flags.GetInt("adapter")
	checkpoints, _ := flags.GetStringSlice("checkpoint")
	schedulePath, _ := flags.GetString("schedule")
	hintPath, _ := flags.GetString("hint")
	value, _ := flags.GetFloat32("value")
	strength, _ := flags.GetFloat64("strength")
	batch, _ := flags.GetInt("batch")
	height, _ := flags.GetInt("height")
	width, _ := flags.GetInt("width")
	timestep, _ := flags.GetFloat64("timestep")
	percent, _ := flags.GetFloat64("percent")
	rangeFlag, _ := flags.GetString("range")
	dump, _ := flags.GetBool("dump")

	if batch <= 0 || height <= 0 || width <= 0 {
		return fmt.Errorf("batch, height and width must be greater than zero")
	}

	timestepRange, err := parseRange(rangeFlag)
	if err != nil {
		return err
	}

	selection := keyframe.SelectFirst
	if envconfig.KeyframeSchedule {
		selection = keyframe.SelectSchedule
	}

	keyframes := keyframe.NewTimestepKeyframeGroup()
	if schedulePath != "" {
		f, err := schedule.Load(schedulePath)
		if err != nil {
			return err
		}

		keyframes = f.Group()
		if f.Selection != "" {
			selection = f.Mode()
		}
	}

	ctx := cpu.NewContext()
	defer ctx.Close()

	devices := cpu.DeviceManager{FP16: envconfig.FP16}
	chain := control.NewChain()

	if len(checkpoints) > 0 {
		loader := checkpoint.Loader{
			Factory:     checkpoint.ProbeFactory{Value: value},
			Devices:     devices,
			Dir:         envconfig.Models,
			MaxParallel: envconfig.MaxLoaders,
		}

		controllers, err := loader.LoadAll(cmd.Context(), checkpoints, keyframes)
		if err != nil {
			return err
		}

		for _, c := range controllers {
			chain.Append(c)
		}
	}

	precision := ml.DTypeF32
	if devices.ShouldUseFP16() {
		precision = ml.DTypeF16
	}

	for range numControlNets {
		model := &control.ProbeControlModel{Values: probeValues(keyframe.ControlNetLayers, value), Precision: precision}
		chain.Append(control.NewControlNet(model, keyframes, false, devices))
	}

	for range numAdapters {
		model := &control.ProbeAdapterModel{Values: probeValues(keyframe.T2IAdapterLayers, value)}
		chain.Append(control.NewT2IAdapter(model, keyframes, 3, devices))
	}

	if chain.Len() == 0 {
		return fmt.Errorf("no controllers to probe")
	}

	var hint ml.Tensor
	if hintPath != "" {
		hint, err = imageproc.Load(ctx, hintPath, image.Point{})
	} else {
		hint, err = fillTensor(ctx, 1, 1, 3, height*8, width*8)
	}
	if err != nil {
		return err
	}

	// adapter features keep the hint batch, so give the hint the latent batch
	if hint.Dim(0) == 1 && batch > 1 {
		if hint, err = hint.Repeat(ctx, 0, batch); err != nil {
			return err
		}
	}

	for i := range chain.Len() {
		base := chain.Controller(i).Config()
		base.SetHint(hint, strength, [2]float64{0, 1})
		base.TimestepRange = timestepRange
		base.Selection = selection
		base.ApplyLatentStrength = envconfig.LatentStrength
	}

	x, err := fillTensor(ctx, 0, batch, 4, height, width)
	if err != nil {
		return err
	}

	ts, err := fillTensor(ctx, float32(timestep), batch)
	if err != nil {
		return err
	}

	crossAttn, err := fillTensor(ctx, 0, batch, 1, 8)
	if err != nil {
		return err
	}

	batchedNumber := 1
	if batch%2 == 0 {
		batchedNumber = 2
	}

	offload, err := chain.Load()
	if err != nil {
		return err
	}
	defer func() {
		if err := offload(); err != nil {
			slog.Warn("failed to offload controllers", "chain", chain.ID, "error", err)
		}
	}()

	slog.Debug("probing chain", "chain", chain.ID, "controllers", chain.Len(), "selection", selection)

	out, err := chain.Get(ctx, control.Step{
		X:             x,
		Timestep:      ts,
		Cond:          control.Conditioning{CrossAttn: []ml.Tensor{crossAttn}},
		BatchedNumber: batchedNumber,
		Percent:       percent,
	})
	if err != nil {
		return err
	}
	defer chain.Cleanup()

	if out.IsEmpty() {
		fmt.Fprintln(cmd.OutOrStdout(), "no guidance: every controller is outside its timestep range")
		return nil
	}

	entries := []struct {
		key     string
		tensors []ml.Tensor
	}{
		{"input", out.Input},
		{"middle", out.Middle},
		{"output", out.Output},
	}

	var data [][]string
	for _, entry := range entries {
		for i, t := range entry.tensors {
			data = append(data, describe(entry.key, i, t))
		}
	}

	table := newTable(cmd.OutOrStdout(), "KEY", "INDEX", "SHAPE", "DTYPE", "MEAN")
	table.AppendBulk(data)
	table.Render()

	if dump {
		for _, entry := range entries {
			for i, t := range entry.tensors {
				if t != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s %d\n%s\n", entry.key, i, ml.Dump(t))
				}
			}
		}
	}

	return nil
}

func describe(key string, i int, t ml.Tensor) []string {
	if t == nil {
		return []string{key, strconv.Itoa(i), "-", "-", "-"}
	}

	var sum float64
	values := t.Floats()
	for _, v := range values {
		sum += float64(v)
	}

	mean := 0.0
	if len(values) > 0 {
		mean = sum / float64(len(values))
	}

	return []string{
		key,
		strconv.Itoa(i),
		fmt.Sprint(t.Shape()),
		t.DType().String(),
		strconv.FormatFloat(mean, 'f', 4, 64),
	}
}
