package interp

import (
	"fmt"

	"github.com/gear-lang/gear/vm"
)

type StackFrame struct {
	Stack         []vm.Value
	PC            vm.ExecPtr
	Variables     map[string]vm.Value
	IteratorStack []*IteratorState
	// Native is set on the marker frame pushed while a host callback runs.
	Native *vm.NativeFn
}

type StackFrames []*StackFrame

func (s *StackFrames) PopStack() *StackFrame {
	f := s.CurrentStack()
	*s = (*s)[:len(*s)-1]
	return f
}

func (s *StackFrames) Append(f *StackFrame) {
	*s = append(*s, f)
}

func (s StackFrames) CurrentStack() *StackFrame {
	return s[len(s)-1]
}

type IteratorState struct {
	Start    vm.ExecPtr
	End      vm.ExecPtr
	Iter     Iterator
	VarNames []string
}

type Iterator interface {
	Next() bool
	Var1() vm.Value
	Var2() vm.Value
	// VisitRoots reports every value the iterator holds; they stay reachable
	// for the life of the loop.
	VisitRoots(visit func(vm.Value))
}

type StepResult int

const (
	ContinueStep StepResult = iota
	ReturnStep
	EndStep
	CallStep
	MethodCallStep
	ErrorStep
)

func (r StepResult) String() string {
	switch r {
	case ContinueStep:
		return "Continue"
	case ReturnStep:
		return "Return"
	case EndStep:
		return "End"
	case CallStep:
		return "Call"
	case MethodCallStep:
		return "MethodCall"
	case ErrorStep:
		return "Error"
	}
	return fmt.Sprintf("Unknown(%d)", int(r))
}

// FrameInfo is a read-only description of one call stack entry.
type FrameInfo struct {
	Depth    int
	Function string
	Line     int
	PC       vm.ExecPtr
	Native   bool
}
