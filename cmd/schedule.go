package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/advanced-controlnet/keyframe"
	"github.com/jmorganca/advanced-controlnet/schedule"
)

func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule FILE",
		Short: "Validate and show a keyframe schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  scheduleHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Write the schedule in another format (yaml, json, cbor)")
	return cmd
}

func scheduleHandler(cmd *cobra.Command, args []string) error {
	f, err := schedule.Load(args[0])
	if err != nil {
		return err
	}

	if output, _ := cmd.Flags().GetString("output"); output != "" {
		return schedule.Encode(cmd.OutOrStdout(), schedule.Format(strings.ToLower(output)), f)
	}

	var data [][]string
	for _, kf := range f.Group().Keyframes() {
		data = append(data, []string{
			strconv.FormatFloat(kf.StartPercent, 'f', -1, 64),
			weights(kf.ControlNetWeights),
			weights(kf.T2IAdapterWeights),
			latents(kf.LatentKeyframes),
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "selection: %s\n", f.Mode())
	table := newTable(cmd.OutOrStdout(), "START", "CONTROLNET WEIGHTS", "ADAPTER WEIGHTS", "LATENTS")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func weights(w []float64) string {
	if len(w) == 0 {
		return "default"
	}

	s := make([]string, len(w))
	for i, v := range w {
		s[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}

	return strings.Join(s, ",")
}

func latents(g *keyframe.LatentKeyframeGroup) string {
	if g == nil {
		return "all"
	}

	if g.IsEmpty() {
		return "none"
	}

	var s []string
	for _, l := range g.Keyframes() {
		s = append(s, fmt.Sprintf("%d=%s", l.BatchIndex, strconv.FormatFloat(l.Strength, 'f', -1, 64)))
	}

	return strings.Join(s, ",")
}
