package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of gear",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("gear version 0.3.0")
	},
}
