package cmd

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmorganca/advanced-controlnet/checkpoint"
)

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT...",
		Short: "Detect the network stored in checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	var data [][]string
	for _, arg := range args {
		path := resolve(arg)
		sd, err := checkpoint.Open(path)
		if err != nil {
			return err
		}

		d, err := checkpoint.Detect(path, sd)
		if err != nil && !errors.Is(err, checkpoint.ErrUnrecognized) && !errors.Is(err, checkpoint.ErrControlLoRA) {
			return err
		} else if err != nil {
			slog.Warn("unsupported checkpoint", "path", path, "error", err)
		}

		hint, cin := "-", "-"
		switch {
		case d.Format.IsControlNet():
			hint = strconv.Itoa(d.HintChannels)
		case d.Format.IsT2IAdapter():
			cin = strconv.Itoa(d.ChannelsIn)
		}

		data = append(data, []string{
			d.Name,
			d.Format.String(),
			hint,
			cin,
			strconv.FormatBool(d.GlobalAveragePooling),
			strconv.Itoa(sd.Len()),
			humanize.IBytes(sd.Size()),
		})
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "FORMAT", "HINT CH", "ADAPTER CIN", "POOLING", "TENSORS", "SIZE")
	table.AppendBulk(data)
	table.Render()
	return nil
}
