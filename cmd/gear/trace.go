package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gear-lang/gear/gc"
	"github.com/gear-lang/gear/interp"
	"github.com/gear-lang/gear/vm"
)

var traceCallFlag string

var traceCmd = &cobra.Command{
	Use:   "trace MODULE",
	Short: "Run a module, printing the machine state before every instruction",
	Long: `trace runs the module's top-level code (and optionally one function with no
arguments) on a bare machine. Natives are not bound, so calling one fails.`,
	Args: cobra.ExactArgs(1),
	Run:  traceCommand,
}

func init() {
	traceCmd.Flags().StringVar(&traceCallFlag, "call", "", "Function to call after the top-level code")
}

type tracer struct {
	w io.Writer
}

func (t tracer) OnStep(m *interp.Machine, f *interp.StackFrame, op vm.Op) {
	fmt.Fprintln(t.w, color.Gray.Sprint("*******"))
	stack := make([]string, len(f.Stack))
	for i, v := range f.Stack {
		stack[i] = interp.FormatValue(v)
	}
	fmt.Fprintf(t.w, "Frame: %s (depth %d)\n", m.Program.FunctionName(f.PC), m.Depth())
	fmt.Fprintf(t.w, "Stack: [%s]\n", strings.Join(stack, ", "))
	for _, k := range f.SortedNames() {
		fmt.Fprintf(t.w, "  %s = %s\n", k, interp.FormatValue(f.Variables[k]))
	}
	fmt.Fprintf(t.w, "NextOp: %s %s\n", color.Cyan.Sprint(op), color.Gray.Sprintf("(line %d)", op.Line))
}

func traceCommand(cmd *cobra.Command, args []string) {
	prog, err := loadModule(args[0])
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't load module")
	}
	heap := gc.NewHeap(gc.DefaultConfig())
	defer heap.Close()
	m := interp.NewMachine(prog, heap, nil)
	heap.SetRoots(m)
	if err := m.Link(); err != nil {
		log.Fatal().Err(err).Msg("Couldn't link module")
	}
	m.SetHook(tracer{w: os.Stdout})

	if err := m.RunMain(); err != nil {
		log.Fatal().Err(err).Msg("Top-level code failed")
	}
	if traceCallFlag != "" {
		fn, ok := m.Lookup(traceCallFlag)
		if !ok {
			log.Fatal().Str("function", traceCallFlag).Msg("No such function")
		}
		v, err := m.Invoke(fn, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("Call failed")
		}
		fmt.Println(color.Green.Sprint("Returned ") + interp.FormatValue(v))
	}
	fmt.Println("Finished")
}
