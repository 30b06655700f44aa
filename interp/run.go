package interp

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/gear-lang/gear/vm"
)

// run executes start until it returns. Calls to compiled code push frames
// here without recursing; anything else goes through Invoke. On error the
// frames this run pushed are discarded.
func (m *Machine) run(start *StackFrame) (val vm.Value, err error) {
	base := len(m.Frames)
	m.Frames.Append(start)
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok || !errors.Is(e, ErrStackUnderrun) {
				panic(r)
			}
			val, err = nil, e
		}
		if err != nil {
			m.Frames = m.Frames[:base]
		}
	}()
	for {
		m.Heap.Safepoint()
		if hb := m.hook.Load(); hb != nil {
			frame := m.Frames.CurrentStack()
			if op, err := m.Program.GetInstruction(frame.PC); err == nil {
				hb.h.OnStep(m, frame, op)
			}
		}
		res, n, err := m.Step()
		if err != nil {
			log.Trace().Err(err).Int("depth", len(m.Frames)).Msg("run: step error")
			return nil, err
		}
		switch res {
		case ContinueStep:
			continue
		case ReturnStep, EndStep:
			f := m.Frames.PopStack()
			var v vm.Value = vm.Null
			if res == ReturnStep {
				v = f.Pop()
			}
			if len(m.Frames) == base {
				return v, nil
			}
			caller := m.Frames.CurrentStack()
			caller.Push(v)
			caller.PC = caller.PC.Inc()
		case CallStep:
			caller := m.Frames.CurrentStack()
			fn := caller.Pop()
			args := popArgs(caller, n)
			if err := m.call(caller, fn, args); err != nil {
				return nil, err
			}
		case MethodCallStep:
			caller := m.Frames.CurrentStack()
			op, _ := m.Program.GetInstruction(caller.PC)
			recv := caller.Pop()
			args := popArgs(caller, n)
			v, err := m.callMethod(recv, op.Name, args)
			if err != nil {
				return nil, err
			}
			caller.Push(v)
			caller.PC = caller.PC.Inc()
		}
	}
}

// call pushes a frame for compiled callees and completes every other call
// in place.
func (m *Machine) call(caller *StackFrame, fn vm.Value, args []vm.Value) error {
	switch fn.(type) {
	case vm.FnPtrValue, *vm.Closure:
		if err := m.checkDepth(); err != nil {
			return err
		}
		f, err := m.BuildCallFrame(fn, args)
		if err != nil {
			return err
		}
		m.Frames.Append(f)
		log.Trace().Int("stack_depth", len(m.Frames)).Msg("run: pushed call frame")
		return nil
	}
	v, err := m.Invoke(fn, args)
	if err != nil {
		return err
	}
	caller.Push(v)
	caller.PC = caller.PC.Inc()
	return nil
}

func popArgs(frame *StackFrame, n int) []vm.Value {
	if n < 0 || n > len(frame.Stack) {
		panic(ErrStackUnderrun)
	}
	args := make([]vm.Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = frame.Pop()
	}
	return args
}
