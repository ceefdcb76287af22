package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/advanced-controlnet/envconfig"
	"github.com/jmorganca/advanced-controlnet/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "advanced-controlnet",
		Short: "Compose ControlNet and T2I-Adapter guidance",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewInspectCmd(),
		NewPatchCmd(),
		NewScheduleCmd(),
		NewProbeCmd(),
		NewConfigCmd(),
	)

	return rootCmd
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

// resolve finds path as given or inside the checkpoint directory.
func resolve(path string) string {
	if _, err := os.Stat(path); err == nil || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(envconfig.Models, path)
}

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		Args:  cobra.NoArgs,
		RunE:  configHandler,
	}

	cmd.Flags().Bool("example", false, "Print an example configuration file")
	return cmd
}

func configHandler(cmd *cobra.Command, args []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		_, err := fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return err
	}

	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var data [][]string
	for _, k := range keys {
		v := vars[k]
		data = append(data, []string{v.Name, strings.TrimSpace(fmt.Sprintf("%v", v.Value)), v.Description})
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "VALUE", "DESCRIPTION")
	table.AppendBulk(data)
	table.Render()
	return nil
}
