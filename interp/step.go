package interp

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gear-lang/gear/vm"
)

var (
	ErrStackOverflow = errors.New("stack overflow")
	ErrUnboundNative = errors.New("native function is not implemented")
	ErrUnknownSymbol = errors.New("no such symbol")
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrDivideByZero  = errors.New("division by zero")
	ErrStackUnderrun = errors.New("operand stack underrun")
)

// Step executes one instruction of the innermost frame.
func (m *Machine) Step() (StepResult, int, error) {
	if len(m.Frames) == 0 {
		log.Trace().Msg("Step: empty stack, returning error")
		return ErrorStep, 0, errors.New("No stack frame")
	}
	frame := m.Frames.CurrentStack()
	inst, err := m.Program.GetInstruction(frame.PC)
	if err != nil {
		if errors.Is(err, vm.ErrEndOfCode) {
			log.Trace().Str("pc", frame.PC.String()).Msg("Step: end of code")
			return EndStep, 0, nil
		}
		return ErrorStep, 0, err
	}

	log.Trace().
		Str("opcode", inst.Code.String()).
		Str("pc", frame.PC.String()).
		Str("name", inst.Name).
		Int("stack_depth", len(frame.Stack)).
		Msg("Step: executing instruction")

	switch inst.Code {
	case vm.NOP:
	case vm.POP:
		frame.Pop()
	case vm.PUSH:
		v, err := m.constant(inst.Arg)
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(v)
	case vm.SETVAL:
		val := frame.Pop()
		m.setVar(frame, inst.Name, val)
		log.Trace().Str("variable", inst.Name).Str("value", vm.ToString(val)).Msg("  SETVAL")
	case vm.GETVAL:
		v, err := m.resolveVar(frame, inst.Name)
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(v)
	case vm.SWAP:
		a := frame.Pop()
		b := frame.Pop()
		frame.Push(a)
		frame.Push(b)
	case vm.DUP:
		a := frame.Pop()
		frame.Push(a)
		frame.Push(a)
	case vm.GETATTR:
		obj := frame.Pop()
		val, err := getAttribute(obj, inst.Name)
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(val)
	case vm.SETATTR:
		// Stack: C A -> A.name = C
		obj := frame.Pop()
		val := frame.Pop()
		if err := m.setAttribute(obj, inst.Name, val); err != nil {
			return ErrorStep, 0, err
		}
	case vm.GETINDEX:
		key := frame.Pop()
		coll := frame.Pop()
		val, err := m.getIndex(coll, key)
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(val)
	case vm.SETINDEX:
		// Stack: C A B -> A[B] = C
		key := frame.Pop()
		coll := frame.Pop()
		val := frame.Pop()
		if err := m.setIndex(coll, key, val); err != nil {
			return ErrorStep, 0, err
		}
	case vm.NOT:
		a := frame.Pop()
		frame.Push(vm.BoolValue(!a.AsBool()))
	case vm.ADD:
		b := frame.Pop()
		a := frame.Pop()
		v, err := m.add(a, b)
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(v)
	case vm.SUBTRACT, vm.MULTIPLY, vm.DIVIDE, vm.MODULO, vm.FLOOR_DIVIDE:
		b := frame.Pop()
		a := frame.Pop()
		v, err := numericOp(inst.Code, a, b)
		if err != nil {
			log.Trace().Str("op", inst.Code.String()).Err(err).Msg("  NUMERIC_OP: error")
			return ErrorStep, 0, err
		}
		frame.Push(v)
	case vm.EQ:
		b := frame.Pop()
		a := frame.Pop()
		frame.Push(vm.BoolValue(vm.Equal(a, b)))
	case vm.LT, vm.LTE:
		b := frame.Pop()
		a := frame.Pop()
		c, ok := vm.Compare(a, b)
		if !ok {
			return ErrorStep, 0, fmt.Errorf("%w: can't compare %s to %s", ErrTypeMismatch, vm.TypeName(a), vm.TypeName(b))
		}
		if inst.Code == vm.LT {
			frame.Push(vm.BoolValue(c < 0))
		} else {
			frame.Push(vm.BoolValue(c <= 0))
		}
	case vm.IN:
		// Stack: item collection -> bool
		coll := frame.Pop()
		item := frame.Pop()
		found, err := contains(coll, item)
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(vm.BoolValue(found))
	case vm.SLICE:
		endVal := frame.Pop()
		startVal := frame.Pop()
		coll := frame.Pop()
		v, err := m.slice(coll, startVal, endVal)
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(v)
	case vm.JMP:
		frame.PC = frame.PC.SetOffset(int(inst.Arg.(vm.IntValue)))
		return ContinueStep, 0, nil
	case vm.JFALSE:
		cond := frame.Pop()
		if !cond.AsBool() {
			frame.PC = frame.PC.SetOffset(int(inst.Arg.(vm.IntValue)))
			return ContinueStep, 0, nil
		}
	case vm.RETURN:
		return ReturnStep, 0, nil
	case vm.BUILD_LIST:
		list, err := m.Heap.NewList(popArgs(frame, int(inst.Arg.(vm.IntValue))))
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(list)
	case vm.CALL:
		return CallStep, int(inst.Arg.(vm.IntValue)), nil
	case vm.CALL_METHOD:
		return MethodCallStep, int(inst.Arg.(vm.IntValue)), nil
	case vm.MAKE_CLOSURE:
		id := int(inst.Arg.(vm.IntValue))
		fn := m.Program.Code[id-1]
		captures := make([]vm.Value, len(fn.Captures))
		for i, name := range fn.Captures {
			v, ok := frame.Variables[name]
			if !ok {
				// A nested function referring to itself before its own
				// definition completes.
				v = vm.Null
			}
			captures[i] = v
		}
		c, err := m.Heap.NewClosure(vm.FnPtrValue(vm.NewExecPtr(id)), fn.Name, captures)
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Push(c)
	case vm.ITER_START, vm.ITER_START_2:
		names := []string{inst.Name}
		if inst.Code == vm.ITER_START_2 {
			names = strings.Split(inst.Name, ",")
		}
		// The iterable stays on the stack until the iterator holds it:
		// building the iterator can allocate and start a collection.
		iter, err := m.newIterator(frame.Peek(), len(names))
		if err != nil {
			return ErrorStep, 0, err
		}
		frame.Pop()
		endLabel := frame.PC.SetOffset(int(inst.Arg.(vm.IntValue)))
		state := &IteratorState{
			Start:    frame.PC.Inc(),
			End:      endLabel,
			Iter:     iter,
			VarNames: names,
		}
		if !iter.Next() {
			frame.PC = endLabel
			log.Trace().Str("end_pc", endLabel.String()).Msg("  ITER_START: empty iterable, jumping to end")
			return ContinueStep, 0, nil
		}
		frame.IteratorStack = append(frame.IteratorStack, state)
		m.storeLoopVars(frame, state)
	case vm.ITER_NEXT:
		if len(frame.IteratorStack) == 0 {
			return ErrorStep, 0, fmt.Errorf("ITER_NEXT with empty iterator stack")
		}
		state := frame.IteratorStack[len(frame.IteratorStack)-1]
		if !state.Iter.Next() {
			frame.IteratorStack = frame.IteratorStack[:len(frame.IteratorStack)-1]
			frame.PC = state.End
			return ContinueStep, 0, nil
		}
		m.storeLoopVars(frame, state)
		frame.PC = state.Start
		return ContinueStep, 0, nil
	case vm.ITER_END:
		if len(frame.IteratorStack) == 0 {
			return ErrorStep, 0, fmt.Errorf("ITER_END with empty iterator stack")
		}
		state := frame.IteratorStack[len(frame.IteratorStack)-1]
		frame.IteratorStack = frame.IteratorStack[:len(frame.IteratorStack)-1]
		frame.PC = state.End
		return ContinueStep, 0, nil
	default:
		return ErrorStep, 0, fmt.Errorf("Unhandled step instruction %s", inst.Code)
	}
	frame.PC = frame.PC.Inc()
	return ContinueStep, 0, nil
}

func (m *Machine) storeLoopVars(frame *StackFrame, state *IteratorState) {
	m.setVar(frame, state.VarNames[0], state.Iter.Var1())
	if len(state.VarNames) == 2 {
		m.setVar(frame, state.VarNames[1], state.Iter.Var2())
	}
}

// setVar writes an existing local, then an existing global, and otherwise
// creates a local.
func (m *Machine) setVar(frame *StackFrame, name string, val vm.Value) {
	if frame.Has(name) || frame == m.Globals || !m.Globals.Has(name) {
		frame.StoreVar(name, val)
		return
	}
	m.Globals.StoreVar(name, val)
}

func (m *Machine) resolveVar(frame *StackFrame, name string) (vm.Value, error) {
	if v, ok := frame.Variables[name]; ok {
		return v, nil
	}
	if v, ok := m.Globals.Variables[name]; ok {
		return v, nil
	}
	if v, ok := m.resolveStatic(name); ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: No such variable defined: %s", ErrUnknownSymbol, name)
}

func (m *Machine) newIterator(iterable vm.Value, vars int) (Iterator, error) {
	switch val := iterable.(type) {
	case *vm.List:
		return NewListIterator(val, vars), nil
	case *vm.Object:
		it := &FieldIterator{Object: val, Index: -1, VarCount: vars}
		for _, name := range val.FieldNames() {
			s, err := m.constant(vm.StrValue(name))
			if err != nil {
				return nil, err
			}
			it.Keys = append(it.Keys, s)
		}
		return it, nil
	}
	return nil, fmt.Errorf("%w: Cannot iterate over %s", ErrTypeMismatch, vm.TypeName(iterable))
}

func (m *Machine) add(a, b vm.Value) (vm.Value, error) {
	switch av := a.(type) {
	case vm.IntValue, vm.FloatValue:
		return numericOp(vm.ADD, a, b)
	case *vm.String:
		if bv, ok := b.(*vm.String); ok {
			return m.Heap.NewString(av.String() + bv.String())
		}
	case *vm.List:
		if bv, ok := b.(*vm.List); ok {
			return m.Heap.NewList(append(av.Elems(), bv.Elems()...))
		}
	}
	return nil, fmt.Errorf("%w: Trying to add two disparate types: %s + %s", ErrTypeMismatch, vm.TypeName(a), vm.TypeName(b))
}

func numericOp(op vm.Opcode, a, b vm.Value) (vm.Value, error) {
	switch av := a.(type) {
	case vm.FloatValue:
		switch bv := b.(type) {
		case vm.FloatValue:
			return floatOp(op, float64(av), float64(bv))
		case vm.IntValue:
			return floatOp(op, float64(av), float64(bv))
		}
	case vm.IntValue:
		switch bv := b.(type) {
		case vm.FloatValue:
			return floatOp(op, float64(av), float64(bv))
		case vm.IntValue:
			return intOp(op, int64(av), int64(bv))
		}
	}
	return nil, fmt.Errorf("%w: Trying to do a numeric operation between a %s and a %s", ErrTypeMismatch, vm.TypeName(a), vm.TypeName(b))
}

func floatOp(op vm.Opcode, a, b float64) (vm.Value, error) {
	switch op {
	case vm.ADD:
		return vm.FloatValue(a + b), nil
	case vm.SUBTRACT:
		return vm.FloatValue(a - b), nil
	case vm.MULTIPLY:
		return vm.FloatValue(a * b), nil
	}
	if b == 0 {
		return nil, ErrDivideByZero
	}
	switch op {
	case vm.DIVIDE:
		return vm.FloatValue(a / b), nil
	case vm.MODULO:
		r := math.Mod(a, b)
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return vm.FloatValue(r), nil
	case vm.FLOOR_DIVIDE:
		return vm.FloatValue(math.Floor(a / b)), nil
	}
	panic("Unhandled floatOp code")
}

func intOp(op vm.Opcode, a, b int64) (vm.Value, error) {
	switch op {
	case vm.ADD:
		return vm.IntValue(a + b), nil
	case vm.SUBTRACT:
		return vm.IntValue(a - b), nil
	case vm.MULTIPLY:
		return vm.IntValue(a * b), nil
	}
	if b == 0 {
		return nil, ErrDivideByZero
	}
	switch op {
	case vm.DIVIDE:
		return vm.FloatValue(float64(a) / float64(b)), nil
	case vm.MODULO:
		r := a % b
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return vm.IntValue(r), nil
	case vm.FLOOR_DIVIDE:
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return vm.IntValue(q), nil
	}
	panic("Unhandled intOp code")
}

func contains(coll, item vm.Value) (bool, error) {
	switch c := coll.(type) {
	case *vm.List:
		for _, elem := range c.Elems() {
			if vm.Equal(item, elem) {
				return true, nil
			}
		}
		return false, nil
	case *vm.String:
		s, ok := item.(*vm.String)
		if !ok {
			return false, fmt.Errorf("%w: can only check for string in string, got %s", ErrTypeMismatch, vm.TypeName(item))
		}
		return strings.Contains(c.String(), s.String()), nil
	case *vm.Object:
		s, ok := item.(*vm.String)
		if !ok {
			return false, fmt.Errorf("%w: field names are strings, got %s", ErrTypeMismatch, vm.TypeName(item))
		}
		_, found := c.Field(s.String())
		return found, nil
	}
	return false, fmt.Errorf("%w: 'in' unsupported for %s", ErrTypeMismatch, vm.TypeName(coll))
}

func sliceBounds(n int, startVal, endVal vm.Value) (int, int, error) {
	bound := func(v vm.Value, def int) (int, error) {
		if _, ok := v.(vm.NullValue); ok {
			return def, nil
		}
		i, ok := v.(vm.IntValue)
		if !ok {
			return 0, fmt.Errorf("%w: slice index must be an integer or None, got %s", ErrTypeMismatch, vm.TypeName(v))
		}
		x := int(i)
		if x < 0 {
			x += n
		}
		return min(max(x, 0), n), nil
	}
	start, err := bound(startVal, 0)
	if err != nil {
		return 0, 0, err
	}
	end, err := bound(endVal, n)
	if err != nil {
		return 0, 0, err
	}
	if start > end {
		start = end
	}
	return start, end, nil
}

func (m *Machine) slice(coll, startVal, endVal vm.Value) (vm.Value, error) {
	switch c := coll.(type) {
	case *vm.List:
		elems := c.Elems()
		start, end, err := sliceBounds(len(elems), startVal, endVal)
		if err != nil {
			return nil, err
		}
		out := make([]vm.Value, end-start)
		copy(out, elems[start:end])
		return m.Heap.NewList(out)
	case *vm.String:
		s := c.String()
		start, end, err := sliceBounds(len(s), startVal, endVal)
		if err != nil {
			return nil, err
		}
		return m.Heap.NewString(s[start:end])
	}
	return nil, fmt.Errorf("%w: SLICE requires a list or string, got %s", ErrTypeMismatch, vm.TypeName(coll))
}

func index(key vm.Value, n int) (int, error) {
	idx, ok := key.(vm.IntValue)
	if !ok {
		return 0, fmt.Errorf("%w: index must be an integer, got %s", ErrTypeMismatch, vm.TypeName(key))
	}
	i := int(idx)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("Index %d out of bounds for length %d", int(idx), n)
	}
	return i, nil
}

func (m *Machine) getIndex(coll, key vm.Value) (vm.Value, error) {
	switch c := coll.(type) {
	case *vm.List:
		i, err := index(key, c.Len())
		if err != nil {
			return nil, err
		}
		v, _ := c.At(i)
		return v, nil
	case *vm.String:
		s := c.String()
		i, err := index(key, len(s))
		if err != nil {
			return nil, err
		}
		return m.Heap.NewString(s[i : i+1])
	case *vm.Object:
		k, ok := key.(*vm.String)
		if !ok {
			return nil, fmt.Errorf("%w: field names are strings, got %s", ErrTypeMismatch, vm.TypeName(key))
		}
		return getAttribute(c, k.String())
	}
	return nil, fmt.Errorf("%w: Cannot index %s", ErrTypeMismatch, vm.TypeName(coll))
}

func (m *Machine) setIndex(coll, key, val vm.Value) error {
	switch c := coll.(type) {
	case *vm.List:
		i, err := index(key, c.Len())
		if err != nil {
			return err
		}
		m.Heap.StoreIndex(c, i, val)
		return nil
	case *vm.Object:
		k, ok := key.(*vm.String)
		if !ok {
			return fmt.Errorf("%w: field names are strings, got %s", ErrTypeMismatch, vm.TypeName(key))
		}
		return m.setAttribute(c, k.String(), val)
	}
	return fmt.Errorf("%w: Cannot assign into %s", ErrTypeMismatch, vm.TypeName(coll))
}

func getAttribute(obj vm.Value, name string) (vm.Value, error) {
	o, ok := obj.(*vm.Object)
	if !ok {
		return nil, fmt.Errorf("%w: Cannot get attribute %s on type %s", ErrTypeMismatch, name, vm.TypeName(obj))
	}
	v, ok := o.Field(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no field %s", ErrUnknownSymbol, o.TypeName(), name)
	}
	return v, nil
}

// setAttribute only writes fields the object already has; instances of
// declared types have a fixed shape.
func (m *Machine) setAttribute(obj vm.Value, name string, val vm.Value) error {
	o, ok := obj.(*vm.Object)
	if !ok {
		return fmt.Errorf("%w: Cannot set attribute %s on type %s", ErrTypeMismatch, name, vm.TypeName(obj))
	}
	if _, ok := o.Field(name); !ok && o.Type != nil {
		return fmt.Errorf("%w: %s has no field %s", ErrUnknownSymbol, o.TypeName(), name)
	}
	m.Heap.StoreField(o, name, val)
	return nil
}
