package interp

import (
	"github.com/gear-lang/gear/vm"
)

// ListIterator walks a list by position. Elements appended during the loop
// are visited.
type ListIterator struct {
	List     *vm.List
	Index    int
	VarCount int
	cur      vm.Value
}

func NewListIterator(l *vm.List, vars int) *ListIterator {
	return &ListIterator{List: l, Index: -1, VarCount: vars}
}

func (s *ListIterator) Next() bool {
	s.Index++
	v, ok := s.List.At(s.Index)
	if !ok {
		s.cur = nil
		return false
	}
	s.cur = v
	return true
}

// Var1 is the element for one-variable loops and the index for two.
func (s *ListIterator) Var1() vm.Value {
	if s.VarCount == 1 {
		return s.cur
	}
	return vm.IntValue(s.Index)
}

func (s *ListIterator) Var2() vm.Value {
	if s.VarCount == 2 {
		return s.cur
	}
	return vm.Null
}

func (s *ListIterator) VisitRoots(visit func(vm.Value)) {
	visit(s.List)
}

// FieldIterator walks an object's fields in declaration order, yielding
// the name and then the value.
type FieldIterator struct {
	Object   *vm.Object
	Keys     []vm.Value
	Index    int
	VarCount int
}

func (d *FieldIterator) Next() bool {
	d.Index++
	return d.Index < len(d.Keys)
}

func (d *FieldIterator) Var1() vm.Value {
	return d.Keys[d.Index]
}

func (d *FieldIterator) Var2() vm.Value {
	if d.VarCount != 2 {
		return vm.Null
	}
	name := d.Keys[d.Index].(*vm.String).String()
	v, ok := d.Object.Field(name)
	if !ok {
		return vm.Null
	}
	return v
}

func (d *FieldIterator) VisitRoots(visit func(vm.Value)) {
	visit(d.Object)
	for _, k := range d.Keys {
		visit(k)
	}
}
