package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the lightbox version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("lightbox " + Version)
	},
}
