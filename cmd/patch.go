package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmorganca/advanced-controlnet/checkpoint"
)

func NewPatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch DIFFERENCE BASE",
		Short: "Apply a difference ControlNet to its base model",
		Long: `Apply a difference ControlNet to its base model.

Difference ControlNets store their weights relative to a diffusion model.
patch adds the matching base model weights and writes a standalone
ControlNet that loads without the base model.`,
		Args: cobra.ExactArgs(2),
		RunE: patchHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Output file (default: DIFFERENCE with a _patched suffix)")
	return cmd
}

func patchHandler(cmd *cobra.Command, args []string) error {
	path := resolve(args[0])
	sd, err := checkpoint.Open(path)
	if err != nil {
		return err
	}

	d, err := checkpoint.Detect(path, sd)
	if err != nil {
		return err
	}

	if !d.Format.IsControlNet() || !d.Difference {
		return fmt.Errorf("%s is not a difference controlnet", d.Name)
	}

	base, err := checkpoint.Open(resolve(args[1]))
	if err != nil {
		return err
	}

	// full checkpoints nest the diffusion model under model.
	if base.HasPrefix("model.diffusion_model.") {
		base = base.Sub("model.")
	}

	n, err := checkpoint.ApplyDifference(sd, base)
	if err != nil {
		return err
	}

	if n == 0 {
		slog.Warn("no controlnet weights matched the base model", "base", args[1])
	}

	sd.Delete("difference")

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = strings.TrimSuffix(path, filepath.Ext(path)) + "_patched.safetensors"
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := checkpoint.WriteSafetensors(f, sd); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(output), err)
	}

	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "patched %d tensors, wrote %s (%s)\n", n, output, humanize.IBytes(sd.Size()))
	return nil
}
