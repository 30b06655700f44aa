package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm MODULE",
	Short: "Print the bytecode of a module",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		prog, err := loadModule(args[0])
		if err != nil {
			log.Fatal().Err(err).Msg("Couldn't load module")
		}
		if exports := prog.Exports(); len(exports) != 0 {
			fmt.Fprintln(os.Stdout, color.Cyan.Sprint("Exports: "+strings.Join(exports, ", ")))
		}
		prog.DebugPrint(os.Stdout)
	},
}
