package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jake-scott/net2-doors/version"
)

var _versionCmdOpts struct {
	asJSON bool
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version number of the tool",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doVersion(); err != nil {
			return err
		}

		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&_versionCmdOpts.asJSON, "json", false, "Return version as JSON")

	rootCmd.AddCommand(versionCmd)
}

type versionResult struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
}

func doVersion() error {
	if _versionCmdOpts.asJSON {
		return printJSON(versionResult{
			Version:   version.Version,
			GoVersion: runtime.Version(),
		})
	}

	fmt.Printf("net2-doors version %s\n", version.Version)
	return nil
}
