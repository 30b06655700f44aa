package vm

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

type Op struct {
	Code Opcode
	Arg  Value
	Name string
	Line int32
}

func (o Op) String() string {
	var parts []string
	parts = append(parts, o.Code.String())
	if o.Name != "" {
		parts = append(parts, o.Name)
	}
	if o.Arg != nil {
		if s, ok := o.Arg.(StrValue); ok {
			parts = append(parts, fmt.Sprintf("%q", string(s)))
		} else {
			parts = append(parts, ToString(o.Arg))
		}
	}
	return strings.Join(parts, " ")
}

// Program is a compiled module. It is immutable once built and may be shared
// between runtimes.
type Program struct {
	Source string
	// Definitions maps a function name to its CodeID.
	Definitions map[string]int
	Code        []*Function
	Main        *Function
	// Natives lists the names declared with extern().
	Natives []string
	Types   []*TypeDesc
}

func (p *Program) DebugPrint(w io.Writer) {
	fmt.Fprintf(w, "Source: %s\n", p.Source)
	if len(p.Natives) != 0 {
		fmt.Fprintf(w, "Natives: %s\n", strings.Join(p.Natives, ", "))
	}
	for _, t := range p.Types {
		var fields []string
		for _, f := range t.Fields {
			fields = append(fields, fmt.Sprintf("%s=%s", f.Name, ToString(f.Default)))
		}
		fmt.Fprintf(w, "Type %s(%s)\n", t.Name, strings.Join(fields, ", "))
	}
	fmt.Fprintln(w, "*** <main>")
	p.Main.DebugPrint(w)
	for i, f := range p.Code {
		fmt.Fprintf(w, "*** %d: %s\n", i+1, f.Name)
		f.DebugPrint(w)
	}
}

var ErrEndOfCode = errors.New("End of code block")

func (p *Program) GetFunction(ptr ExecPtr) *Function {
	id := ptr.CodeID()
	if id == 0 {
		return p.Main
	}
	if id > len(p.Code) {
		return nil
	}
	return p.Code[id-1]
}

func (p *Program) GetInstruction(ptr ExecPtr) (Op, error) {
	f := p.GetFunction(ptr)
	if f == nil {
		return Op{}, fmt.Errorf("no code block %d", ptr.CodeID())
	}
	if len(f.Bytecode) <= ptr.Offset() {
		return Op{}, ErrEndOfCode
	}
	return f.Bytecode[ptr.Offset()], nil
}

func (p *Program) Resolve(name string) (ExecPtr, bool) {
	if v, ok := p.Definitions[name]; ok {
		return NewExecPtr(v), true
	}
	return 0, false
}

// FunctionName returns the declared name of the function at ptr.
func (p *Program) FunctionName(ptr ExecPtr) string {
	f := p.GetFunction(ptr)
	if f == nil {
		return "?"
	}
	return f.Name
}

func (p *Program) LookupType(name string) (*TypeDesc, bool) {
	for _, t := range p.Types {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Exports lists every top-level function name, sorted.
func (p *Program) Exports() []string {
	var out []string
	for k := range p.Definitions {
		if !strings.Contains(k, ".") {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type Function struct {
	Name     string
	Bytecode []Op
	Params   []FunctionParam
	// Captures names the enclosing function's variables copied into a
	// closure when it is created.
	Captures []string
}

func (f *Function) DebugPrint(w io.Writer) {
	if len(f.Params) != 0 {
		var ps []string
		for _, p := range f.Params {
			if p.Default != nil {
				ps = append(ps, fmt.Sprintf("%s=%s", p.Name, ToString(p.Default)))
			} else {
				ps = append(ps, p.Name)
			}
		}
		fmt.Fprintf(w, "  params: %s\n", strings.Join(ps, ", "))
	}
	if len(f.Captures) != 0 {
		fmt.Fprintf(w, "  captures: %s\n", strings.Join(f.Captures, ", "))
	}
	for i, b := range f.Bytecode {
		fmt.Fprintf(w, "  %03d: %-4d %s\n", i, b.Line, b)
	}
}

// LineAt returns the source line of the instruction at offset, or 0.
func (f *Function) LineAt(offset int) int {
	if offset < 0 || offset >= len(f.Bytecode) {
		return 0
	}
	return int(f.Bytecode[offset].Line)
}

type ExecPtr uint64

func (ptr ExecPtr) String() string {
	return fmt.Sprintf("%d:%d", ptr.CodeID(), ptr.Offset())
}

func (ptr ExecPtr) Offset() int {
	return int(0xFFFFFFFF & ptr)
}

func (ptr ExecPtr) CodeID() int {
	return int(ptr >> 32)
}

func (ptr ExecPtr) Inc() ExecPtr {
	return ptr + 1
}

func (ptr ExecPtr) SetOffset(off int) ExecPtr {
	return ExecPtr((ptr.CodeID() << 32) | int(0xFFFFFFFF&off))
}

func NewExecPtr(block int) ExecPtr {
	return ExecPtr(block << 32)
}

type FunctionParam struct {
	Name    string
	Default Value
}
