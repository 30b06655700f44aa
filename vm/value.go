package vm

import (
	"fmt"
	"strconv"
)

// Value is the closed set of things a register, a variable or an operand
// stack slot can hold. Primitives are plain Go values and are copied;
// heap objects are pointers and are shared.
type Value interface {
	isValue()
	AsBool() bool
}

type NullValue struct{}

var Null = NullValue{}

func (NullValue) isValue()     {}
func (NullValue) AsBool() bool { return false }

type BoolValue bool

const (
	BoolTrue  = BoolValue(true)
	BoolFalse = BoolValue(false)
)

func (BoolValue) isValue()       {}
func (b BoolValue) AsBool() bool { return bool(b) }

type IntValue int64

func (IntValue) isValue()       {}
func (i IntValue) AsBool() bool { return i != 0 }

type FloatValue float64

func (FloatValue) isValue()     {}
func (FloatValue) AsBool() bool { return true }

// StrValue is a string literal as it appears in compiled code. It never
// reaches a running program: linking interns it as a heap *String.
type StrValue string

func (StrValue) isValue()     {}
func (StrValue) AsBool() bool { return true }

// FnPtrValue points at the entry of a compiled function.
type FnPtrValue ExecPtr

func (FnPtrValue) isValue()     {}
func (FnPtrValue) AsBool() bool { return true }

// BuiltinValue names a function provided by the interpreter itself.
type BuiltinValue struct {
	Name string
}

func (BuiltinValue) isValue()     {}
func (BuiltinValue) AsBool() bool { return true }

// HostFunc is the body of a native function. Arguments and the result are
// exchanged through the runtime's parameter window.
type HostFunc func(argc int) error

// NativeFn is a host callback slot. The slot is shared by every value that
// refers to it, so binding Impl late is visible everywhere.
type NativeFn struct {
	Name string
	Impl HostFunc
}

func (*NativeFn) isValue()     {}
func (*NativeFn) AsBool() bool { return true }

func (n *NativeFn) Bound() bool {
	return n.Impl != nil
}

// TypeDesc describes an exported object type. Calling it constructs an
// instance.
type TypeDesc struct {
	Name   string
	Fields []FieldDef
}

type FieldDef struct {
	Name    string
	Default Value
}

func (*TypeDesc) isValue()     {}
func (*TypeDesc) AsBool() bool { return true }

func TypeName(v Value) string {
	switch t := v.(type) {
	case nil, NullValue:
		return "null"
	case BoolValue:
		return "bool"
	case IntValue:
		return "int"
	case FloatValue:
		return "float"
	case StrValue, *String:
		return "string"
	case FnPtrValue, *Closure:
		return "function"
	case BuiltinValue:
		return "builtin"
	case *NativeFn:
		return "native"
	case *TypeDesc:
		return "type"
	case *Object:
		return t.TypeName()
	case *List:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}

// IsCallable reports whether v may be the target of a call.
func IsCallable(v Value) bool {
	switch v.(type) {
	case FnPtrValue, *Closure, BuiltinValue, *NativeFn, *TypeDesc:
		return true
	}
	return false
}

// ToString renders the canonical text of a value. Objects render as their
// type name; no user code is involved.
func ToString(v Value) string {
	switch t := v.(type) {
	case nil, NullValue:
		return "null"
	case BoolValue:
		if t {
			return "true"
		}
		return "false"
	case IntValue:
		return strconv.FormatInt(int64(t), 10)
	case FloatValue:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case StrValue:
		return string(t)
	case *String:
		return t.String()
	case *Object:
		return t.TypeName()
	case *List:
		return "list"
	case *Closure:
		return fmt.Sprintf("<function %s>", t.Name)
	case FnPtrValue:
		return fmt.Sprintf("<function %s>", ExecPtr(t))
	case BuiltinValue:
		return fmt.Sprintf("<builtin %s>", t.Name)
	case *NativeFn:
		return fmt.Sprintf("<native %s>", t.Name)
	case *TypeDesc:
		return fmt.Sprintf("<type %s>", t.Name)
	}
	return fmt.Sprintf("%v", v)
}

// Equal compares by value for primitives and strings and by identity for
// every other heap object.
func Equal(a, b Value) bool {
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	switch x := a.(type) {
	case NullValue:
		_, ok := b.(NullValue)
		return ok
	case BuiltinValue:
		y, ok := b.(BuiltinValue)
		return ok && x.Name == y.Name
	case FnPtrValue:
		y, ok := b.(FnPtrValue)
		return ok && x == y
	}
	if ha, ok := a.(HeapObject); ok {
		if hb, ok := b.(HeapObject); ok {
			return ha == hb
		}
		return false
	}
	return a == b
}

// Compare orders numbers, strings and bools. The second result is false for
// values with no ordering.
func Compare(a, b Value) (int, bool) {
	switch x := a.(type) {
	case IntValue:
		switch y := b.(type) {
		case IntValue:
			return cmp3(x, y), true
		case FloatValue:
			return cmp3(FloatValue(x), y), true
		}
	case FloatValue:
		switch y := b.(type) {
		case IntValue:
			return cmp3(x, FloatValue(y)), true
		case FloatValue:
			return cmp3(x, y), true
		}
	case BoolValue:
		if y, ok := b.(BoolValue); ok {
			return cmp3(boolInt(x), boolInt(y)), true
		}
	case *String:
		if s, ok := stringOf(b); ok {
			return cmp3(x.String(), s), true
		}
	case StrValue:
		if s, ok := stringOf(b); ok {
			return cmp3(string(x), s), true
		}
	}
	return 0, false
}

func stringOf(v Value) (string, bool) {
	switch s := v.(type) {
	case *String:
		return s.String(), true
	case StrValue:
		return string(s), true
	}
	return "", false
}

func boolInt(b BoolValue) int {
	if b {
		return 1
	}
	return 0
}

func cmp3[T int | IntValue | FloatValue | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
