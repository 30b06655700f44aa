package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gear-lang/gear/cas"
	"github.com/gear-lang/gear/vm"
)

var outputFlag string

var compileCmd = &cobra.Command{
	Use:   "compile SOURCE",
	Short: "Compile a source file to a module image",
	Args:  cobra.ExactArgs(1),
	Run:   compileCommand,
}

func init() {
	compileCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Image path (defaults to SOURCE with a .gear extension)")
}

func compileCommand(cmd *cobra.Command, args []string) {
	src := args[0]
	prog, err := loadModule(src)
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't compile module")
	}
	var buf bytes.Buffer
	if err := vm.EncodeProgram(&buf, prog); err != nil {
		log.Fatal().Err(err).Msg("Couldn't encode module")
	}
	out := outputFlag
	if out == "" {
		out = strings.TrimSuffix(src, filepath.Ext(src)) + ".gear"
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		log.Fatal().Err(err).Msg("Couldn't write image")
	}
	log.Debug().Str("output", out).Int("bytes", buf.Len()).Msg("image written")
	fmt.Fprintf(os.Stderr, "%s %s %s\n",
		color.Green.Sprint("compiled"),
		out,
		color.Gray.Sprint(cas.Fingerprint(buf.Bytes()).String()))
}

// loadModule reads a module image, or compiles a source file.
func loadModule(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte("GEAR")) {
		return vm.UnmarshalProgram(data)
	}
	p, err := vm.LoadFile(filepath.Base(path), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	p.Source = filepath.Base(path)
	return p, nil
}
