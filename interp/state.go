package interp

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/gear-lang/gear/gc"
	"github.com/gear-lang/gear/vm"
)

// Host runs native callbacks. The embedding layer owns the parameter
// window, so the machine hands it the callee and its arguments and gets
// back whatever the callback left in the return slot.
type Host interface {
	InvokeNative(fn *vm.NativeFn, args []vm.Value) (vm.Value, error)
}

// StepHook observes every instruction before it executes. It runs on the
// mutator goroutine and may block to pause execution.
type StepHook interface {
	OnStep(m *Machine, frame *StackFrame, op vm.Op)
}

type hookBox struct {
	h StepHook
}

// Machine is the call stack and symbol state of one runtime. It is not
// safe for concurrent use; only the collector worker runs alongside it.
type Machine struct {
	Program  *vm.Program
	Heap     *gc.Heap
	Globals  *StackFrame
	Frames   StackFrames
	MaxDepth int
	Host     Host

	strings  map[string]*vm.String
	defaults map[*vm.TypeDesc][]vm.Value
	natives  map[string]*vm.NativeFn
	hook     atomic.Pointer[hookBox]
}

func NewMachine(prog *vm.Program, heap *gc.Heap, host Host) *Machine {
	m := &Machine{
		Program:  prog,
		Heap:     heap,
		Host:     host,
		Globals:  &StackFrame{PC: vm.NewExecPtr(0)},
		strings:  make(map[string]*vm.String),
		defaults: make(map[*vm.TypeDesc][]vm.Value),
		natives:  make(map[string]*vm.NativeFn),
	}
	for _, n := range prog.Natives {
		m.natives[n] = &vm.NativeFn{Name: n}
	}
	return m
}

// Link interns every constant in the program so running code never
// allocates for a literal.
func (m *Machine) Link() error {
	intern := func(f *vm.Function) error {
		for _, op := range f.Bytecode {
			if _, err := m.constant(op.Arg); err != nil {
				return err
			}
		}
		for _, p := range f.Params {
			if _, err := m.constant(p.Default); err != nil {
				return err
			}
		}
		return nil
	}
	if err := intern(m.Program.Main); err != nil {
		return err
	}
	for _, f := range m.Program.Code {
		if err := intern(f); err != nil {
			return err
		}
	}
	for _, t := range m.Program.Types {
		vals := make([]vm.Value, len(t.Fields))
		for i, fd := range t.Fields {
			v, err := m.constant(fd.Default)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		m.defaults[t] = vals
	}
	return nil
}

// constant turns a compiled operand into its runtime form.
func (m *Machine) constant(v vm.Value) (vm.Value, error) {
	s, ok := v.(vm.StrValue)
	if !ok {
		if v == nil {
			return vm.Null, nil
		}
		return v, nil
	}
	if o, ok := m.strings[string(s)]; ok {
		return o, nil
	}
	o, err := m.Heap.NewString(string(s))
	if err != nil {
		return nil, err
	}
	m.strings[string(s)] = o
	return o, nil
}

// RunMain executes the module's top-level code, which defines its globals.
func (m *Machine) RunMain() error {
	m.Globals.PC = vm.NewExecPtr(0)
	_, err := m.run(m.Globals)
	m.Globals.Stack = nil
	return err
}

func (m *Machine) SetHook(h StepHook) {
	if h == nil {
		m.hook.Store(nil)
		return
	}
	m.hook.Store(&hookBox{h: h})
}

// Native returns the callback slot for a declared or host-added native.
func (m *Machine) Native(name string) (*vm.NativeFn, bool) {
	n, ok := m.natives[name]
	return n, ok
}

// DeclareNative adds a native slot the module did not declare.
func (m *Machine) DeclareNative(name string) *vm.NativeFn {
	if n, ok := m.natives[name]; ok {
		return n
	}
	n := &vm.NativeFn{Name: name}
	m.natives[name] = n
	return n
}

// Lookup resolves a name the way top-level code would see it.
func (m *Machine) Lookup(name string) (vm.Value, bool) {
	if v, ok := m.Globals.Variables[name]; ok {
		return v, true
	}
	return m.resolveStatic(name)
}

func (m *Machine) resolveStatic(name string) (vm.Value, bool) {
	if ptr, ok := m.Program.Resolve(name); ok {
		return vm.FnPtrValue(ptr), true
	}
	if n, ok := m.natives[name]; ok {
		return n, true
	}
	if t, ok := m.Program.LookupType(name); ok {
		return t, true
	}
	if isBuiltin(name) {
		return vm.BuiltinValue{Name: name}, true
	}
	return nil, false
}

// VisitRoots reports everything the interpreter can reach directly: the
// globals, each frame's operand stack, locals and live iterators, and the
// interned constants.
func (m *Machine) VisitRoots(visit func(vm.Value)) {
	visitFrame := func(f *StackFrame) {
		for _, v := range f.Stack {
			visit(v)
		}
		for _, v := range f.Variables {
			visit(v)
		}
		for _, it := range f.IteratorStack {
			it.Iter.VisitRoots(visit)
		}
	}
	visitFrame(m.Globals)
	for _, f := range m.Frames {
		if f != m.Globals {
			visitFrame(f)
		}
	}
	for _, s := range m.strings {
		visit(s)
	}
	for _, vals := range m.defaults {
		for _, v := range vals {
			visit(v)
		}
	}
}

// Pop panics with ErrStackUnderrun on an empty stack. Validated
// programs never do that; run turns the panic back into an error.
func (f *StackFrame) Pop() vm.Value {
	v := f.Peek()
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

func (f *StackFrame) Peek() vm.Value {
	if len(f.Stack) == 0 {
		panic(ErrStackUnderrun)
	}
	return f.Stack[len(f.Stack)-1]
}

func (f *StackFrame) Push(v vm.Value) {
	f.Stack = append(f.Stack, v)
}

func (f *StackFrame) StoreVar(key string, value vm.Value) {
	if f.Variables == nil {
		f.Variables = make(map[string]vm.Value)
	}
	f.Variables[key] = value
}

func (f *StackFrame) Has(key string) bool {
	_, ok := f.Variables[key]
	return ok
}

// Depth is the number of frames on the call stack, native markers
// included.
func (m *Machine) Depth() int {
	return len(m.Frames)
}

// Backtrace describes the call stack, innermost frame first.
func (m *Machine) Backtrace() []FrameInfo {
	out := make([]FrameInfo, 0, len(m.Frames))
	for i := len(m.Frames) - 1; i >= 0; i-- {
		f := m.Frames[i]
		info := FrameInfo{Depth: i, PC: f.PC}
		if f.Native != nil {
			info.Native = true
			info.Function = f.Native.Name
		} else {
			info.Function = m.Program.FunctionName(f.PC)
			if fn := m.Program.GetFunction(f.PC); fn != nil {
				info.Line = fn.LineAt(f.PC.Offset())
			}
		}
		out = append(out, info)
	}
	return out
}

// Frame returns the frame at the given depth, zero being the outermost.
func (m *Machine) Frame(depth int) (*StackFrame, bool) {
	if depth < 0 || depth >= len(m.Frames) {
		return nil, false
	}
	return m.Frames[depth], true
}

// FormatValue renders a value for inspection, showing list and object
// contents a few levels deep.
func FormatValue(v vm.Value) string {
	var sb strings.Builder
	formatValue(&sb, v, 2)
	return sb.String()
}

func formatValue(sb *strings.Builder, v vm.Value, depth int) {
	switch val := v.(type) {
	case *vm.String:
		fmt.Fprintf(sb, "%q", val.String())
	case vm.StrValue:
		fmt.Fprintf(sb, "%q", string(val))
	case *vm.List:
		if depth == 0 {
			fmt.Fprintf(sb, "[... %d items]", val.Len())
			return
		}
		sb.WriteString("[")
		for i, elem := range val.Elems() {
			if i > 0 {
				sb.WriteString(", ")
			}
			if i >= 5 {
				fmt.Fprintf(sb, "... (%d more)", val.Len()-i)
				break
			}
			formatValue(sb, elem, depth-1)
		}
		sb.WriteString("]")
	case *vm.Object:
		sb.WriteString(val.TypeName())
		if depth == 0 {
			sb.WriteString("{...}")
			return
		}
		sb.WriteString("{")
		names := val.FieldNames()
		for i, k := range names {
			if i > 0 {
				sb.WriteString(", ")
			}
			fv, _ := val.Field(k)
			sb.WriteString(k)
			sb.WriteString(": ")
			formatValue(sb, fv, depth-1)
		}
		sb.WriteString("}")
	default:
		sb.WriteString(vm.ToString(v))
	}
}

// SortedNames returns the variable names of a frame in order.
func (f *StackFrame) SortedNames() []string {
	keys := make([]string, 0, len(f.Variables))
	for k := range f.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
