package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gookit/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gear-lang/gear"
	"github.com/gear-lang/gear/config"
)

var (
	configFlag    string
	callFlag      string
	debugPortFlag int
	debugAddrFlag string
	waitFlag      bool
	statsFlag     bool
)

var runCmd = &cobra.Command{
	Use:   "run MODULE [ARGS...]",
	Short: "Load a module and optionally call one of its functions",
	Args:  cobra.MinimumNArgs(1),
	Run:   runCommand,
}

func init() {
	runCmd.Flags().StringVar(&configFlag, "config", "", "TOML runtime configuration")
	runCmd.Flags().StringVar(&callFlag, "call", "", "Function to call with ARGS after the module loads")
	runCmd.Flags().IntVar(&debugPortFlag, "debug-port", -1, "Start the debug server on this port (0 picks one)")
	runCmd.Flags().StringVar(&debugAddrFlag, "debug-addr", "", "Debug server address (overrides the configuration)")
	runCmd.Flags().BoolVar(&waitFlag, "wait", false, "Wait for a debugger to attach before running")
	runCmd.Flags().BoolVar(&statsFlag, "stats", false, "Print heap statistics on exit")
}

func runCommand(cmd *cobra.Command, args []string) {
	cfg := config.Default()
	if configFlag != "" {
		var err error
		cfg, err = config.Load(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Couldn't load configuration")
		}
		if !cmd.Flags().Changed("log-level") {
			zerolog.SetGlobalLevel(cfg.LogLevel())
		}
	}
	if debugPortFlag >= 0 {
		cfg.Debug.Enabled = true
		cfg.Debug.Port = debugPortFlag
	}
	if debugAddrFlag != "" {
		cfg.Debug.Address = debugAddrFlag
	}
	if waitFlag {
		cfg.Debug.Wait = true
	}
	if cfg.Debug.Enabled {
		fmt.Fprintln(os.Stderr, color.Cyan.Sprintf("Debug server on %s:%d", cfg.Debug.Address, cfg.Debug.Port))
	}

	rt, err := gear.NewFromFile(args[0], gear.WithConfig(cfg), gear.WithNative("print", printNative))
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't load module")
	}
	defer rt.Release()
	rt.SetErrorCallback(func(e *gear.Error) {
		log.Debug().Str("kind", e.Kind.String()).Msg(e.Msg)
	})
	log.Info().Str("module", rt.ModuleHash().String()).Str("runtime", rt.ID().String()).Msg("module loaded")

	if callFlag != "" {
		if err := callFunction(rt, callFlag, args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, color.Red.Sprint(err))
			os.Exit(1)
		}
	}
	if statsFlag {
		printStats(rt)
	}
}

func callFunction(rt *gear.Runtime, name string, args []string) error {
	if len(args) > gear.ParamCount {
		return fmt.Errorf("at most %d arguments", gear.ParamCount)
	}
	for i, a := range args {
		if err := setArg(rt, gear.ParamRegister(i), a); err != nil {
			return err
		}
	}
	if err := rt.CallByName(name, len(args)); err != nil {
		return err
	}
	out, err := rt.GetString(gear.ReturnRegister)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// setArg guesses the type of a command line argument.
func setArg(rt *gear.Runtime, r gear.Register, s string) error {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return rt.SetInt(r, i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return rt.SetFloat(r, f)
	}
	switch s {
	case "true", "True":
		return rt.SetBool(r, true)
	case "false", "False":
		return rt.SetBool(r, false)
	case "null", "None":
		return rt.SetNull(r)
	}
	return rt.SetString(r, s)
}

func printNative(rt *gear.Runtime, argc int) error {
	parts := make([]string, argc)
	for i := range parts {
		s, err := rt.GetString(gear.ParamRegister(i))
		if err != nil {
			return err
		}
		parts[i] = s
	}
	fmt.Println(strings.Join(parts, " "))
	return rt.SetNull(gear.ReturnRegister)
}

func printStats(rt *gear.Runtime) {
	s := rt.HeapStats()
	fmt.Fprintln(os.Stderr, color.Bold.Sprint("Heap"))
	fmt.Fprintf(os.Stderr, "  phase:   %s\n", s.Phase)
	fmt.Fprintf(os.Stderr, "  cycles:  %d\n", s.Cycles)
	fmt.Fprintf(os.Stderr, "  live:    %d objects, %d bytes\n", s.LiveObjects, s.LiveBytes)
	fmt.Fprintf(os.Stderr, "  freed:   %d objects, %d bytes\n", s.FreedObjects, s.FreedBytes)
	fmt.Fprintf(os.Stderr, "  next gc: %d bytes\n", s.NextGC)
}
