package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mcphub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcphub %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
