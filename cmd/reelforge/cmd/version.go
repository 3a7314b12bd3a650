package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/jmylchreest/reelforge/internal/version"
	"github.com/spf13/cobra"
)

var versionJSON bool

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit, and build date of reelforge.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := version.GetInfo()
		out := cmd.OutOrStdout()
		if versionJSON {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintln(out, version.Short())
		fmt.Fprintf(out, "  commit:   %s\n", info.Commit)
		fmt.Fprintf(out, "  built:    %s\n", info.Date)
		fmt.Fprintf(out, "  go:       %s\n", info.GoVersion)
		fmt.Fprintf(out, "  platform: %s\n", info.Platform)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "output version information as JSON")
	rootCmd.AddCommand(versionCmd)
}
