package vm

import (
	"io"
	"strings"

	"go.starlark.net/syntax"
)

func LoadFile(name string, r io.Reader) (*Program, error) {
	opts := syntax.FileOptions{}
	f, err := opts.Parse(name, r, 0)
	if err != nil {
		return nil, err
	}
	return Compile(f)
}

// CompileLiteral compiles source held in a string.
func CompileLiteral(code string) (*Program, error) {
	return LoadFile("<literal>", strings.NewReader(code))
}
