package vm

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestdataModules(t *testing.T) {
	filepath.WalkDir("testdata", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".star") {
			return nil
		}
		name := filepath.Base(path)
		t.Run(name, fileTest(path))
		return nil
	})
}

func fileTest(path string) func(t *testing.T) {
	return func(t *testing.T) {
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		p, err := LoadFile(path, f)
		require.NoError(t, err)
		require.NoError(t, p.Validate())

		var listing bytes.Buffer
		p.DebugPrint(&listing)
		assert.Contains(t, listing.String(), "*** <main>")

		img, err := MarshalProgram(p)
		require.NoError(t, err)
		back, err := UnmarshalProgram(img)
		require.NoError(t, err)
		if diff := cmp.Diff(p, back, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("image round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSpecials(t *testing.T) {
	p, err := CompileLiteral(`
extern("log", "now")
Event = struct(name="", at=0, ok=True, ratio=-0.5)
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "now"}, p.Natives)
	ev, ok := p.LookupType("Event")
	require.True(t, ok)
	assert.Equal(t, []FieldDef{
		{Name: "name", Default: StrValue("")},
		{Name: "at", Default: IntValue(0)},
		{Name: "ok", Default: BoolTrue},
		{Name: "ratio", Default: FloatValue(-0.5)},
	}, ev.Fields)
}

func TestClosureCaptures(t *testing.T) {
	p, err := CompileLiteral(`
def outer(a, b=2):
    c = a + b
    def inner(x):
        return x + c + a
    return inner
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer"}, p.Exports())

	var inner *Function
	for _, f := range p.Code {
		if strings.HasSuffix(f.Name, "inner") {
			inner = f
		}
	}
	require.NotNil(t, inner)
	assert.ElementsMatch(t, []string{"a", "c"}, inner.Captures)

	ptr, ok := p.Resolve("outer")
	require.True(t, ok)
	outer := p.GetFunction(ptr)
	assert.Equal(t, []FunctionParam{{Name: "a"}, {Name: "b", Default: IntValue(2)}}, outer.Params)
}

func TestLineNumbers(t *testing.T) {
	p, err := CompileLiteral("x = 1\n\ny = x + 2\n")
	require.NoError(t, err)
	var lines []int
	for i := range p.Main.Bytecode {
		if l := p.Main.LineAt(i); l != 0 && (len(lines) == 0 || lines[len(lines)-1] != l) {
			lines = append(lines, l)
		}
	}
	assert.Equal(t, []int{1, 3}, lines)
	assert.Zero(t, p.Main.LineAt(-1))
	assert.Zero(t, p.Main.LineAt(len(p.Main.Bytecode)))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		msg  string
	}{
		{"dict literal", "x = {}", "Dicts are unsupported"},
		{"keyword argument", "def f(a):\n    return a\nf(a=1)", "Keyword arguments"},
		{"extern in function", "def f():\n    extern(\"g\")", "only allowed at the top level"},
		{"extern needs strings", "extern(1)", "literal strings"},
		{"duplicate native", "extern(\"a\", \"a\")", "declared twice"},
		{"positional struct field", "T = struct(1)", "name=default"},
		{"duplicate field", "T = struct(a=1, a=2)", "twice"},
		{"duplicate function", "def f():\n    pass\ndef f():\n    pass", "defined twice"},
		{"break outside loop", "break", "outside of a loop"},
		{"comprehension", "x = [i for i in []]", "Comprehensions"},
		{"slice step", "x = [1][::2]", "Slice step"},
		{"reassign None", "None = 1", "not allowed"},
		{"non-literal default", "def f(a=[]):\n    pass", "Only literals"},
		{"name collision", "extern(\"f\")\ndef f():\n    pass", "collides"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileLiteral(tt.code)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
