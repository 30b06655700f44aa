package vm

import (
	"sync"
	"sync/atomic"
)

// Color is the tri-color mark of a heap object.
type Color uint32

const (
	White Color = iota
	Gray
	Black
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Gray:
		return "gray"
	case Black:
		return "black"
	}
	return "unknown"
}

// Header is the collector's view of a heap object. The mark is read and
// written by both the mutator and the marking worker, so it is atomic.
type Header struct {
	color atomic.Uint32
	freed atomic.Bool
	size  int64
}

func (h *Header) GCHeader() *Header { return h }

// Init sets the birth color and accounted size. It must run before the
// object is published.
func (h *Header) Init(c Color, size int64) {
	h.color.Store(uint32(c))
	h.size = size
}

func (h *Header) Color() Color { return Color(h.color.Load()) }
func (h *Header) SetColor(c Color) { h.color.Store(uint32(c)) }
func (h *Header) Size() int64 { return h.size }
func (h *Header) Freed() bool { return h.freed.Load() }
func (h *Header) MarkFreed() { h.freed.Store(true) }

// Shade turns a white object gray and reports whether this call did it.
func (h *Header) Shade() bool {
	return h.color.CompareAndSwap(uint32(White), uint32(Gray))
}

// HeapObject is any value whose storage is owned by the collector.
type HeapObject interface {
	Value
	GCHeader() *Header
	TypeName() string
	// Trace calls visit for every heap object directly referenced.
	Trace(visit func(HeapObject))
	// Release drops the object's body once the sweeper has found it dead.
	Release()
}

func traceValue(v Value, visit func(HeapObject)) {
	if h, ok := v.(HeapObject); ok {
		visit(h)
	}
}

// String is an immutable heap string.
type String struct {
	Header
	s string
}

func MakeString(s string) *String {
	return &String{s: s}
}

func (*String) isValue() {}
func (*String) AsBool() bool { return true }
func (*String) TypeName() string { return "string" }
func (*String) Trace(func(HeapObject)) {}
func (s *String) String() string { return s.s }
func (s *String) Len() int { return len(s.s) }
func (s *String) Release() { s.s = "" }

// Object is an instance of a TypeDesc (or an anonymous bag of fields when
// Type is nil). Fields are guarded by mu because the marking worker reads
// them while the mutator writes.
type Object struct {
	Header
	Type   *TypeDesc
	mu     sync.Mutex
	fields map[string]Value
	order  []string
}

func MakeObject(t *TypeDesc) *Object {
	return &Object{
		Type:   t,
		fields: make(map[string]Value),
	}
}

func (*Object) isValue() {}
func (*Object) AsBool() bool { return true }

func (o *Object) TypeName() string {
	if o.Type == nil {
		return "object"
	}
	return o.Type.Name
}

func (o *Object) Field(name string) (Value, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.fields[name]
	return v, ok
}

// Swap stores v under name and returns the previous value (Null if the
// field did not exist). Mutators go through gc.Heap.StoreField, which
// wraps this with the write barrier.
func (o *Object) Swap(name string, v Value) Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	old, ok := o.fields[name]
	if !ok {
		o.order = append(o.order, name)
		old = Null
	}
	o.fields[name] = v
	return old
}

// FieldNames returns field names in declaration then insertion order.
func (o *Object) FieldNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

func (o *Object) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.fields)
}

func (o *Object) Trace(visit func(HeapObject)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, v := range o.fields {
		traceValue(v, visit)
	}
}

func (o *Object) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fields = nil
	o.order = nil
}

// List is a mutable sequence.
type List struct {
	Header
	mu    sync.Mutex
	elems []Value
}

func MakeList(elems []Value) *List {
	return &List{elems: elems}
}

func (*List) isValue() {}
func (*List) AsBool() bool { return true }
func (*List) TypeName() string { return "list" }

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.elems)
}

func (l *List) At(i int) (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.elems) {
		return nil, false
	}
	return l.elems[i], true
}

// Swap replaces element i and returns the previous element.
func (l *List) Swap(i int, v Value) (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.elems) {
		return nil, false
	}
	old := l.elems[i]
	l.elems[i] = v
	return old, true
}

func (l *List) Push(v Value) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.elems = append(l.elems, v)
}

// Elems returns a copy of the current elements.
func (l *List) Elems() []Value {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Value, len(l.elems))
	copy(out, l.elems)
	return out
}

func (l *List) Trace(visit func(HeapObject)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.elems {
		traceValue(v, visit)
	}
}

func (l *List) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.elems = nil
}

// Closure is a compiled function together with the values it captured when
// it was created. Captures never change after construction.
type Closure struct {
	Header
	Fn       FnPtrValue
	Name     string
	Captures []Value
}

func MakeClosure(fn FnPtrValue, name string, captures []Value) *Closure {
	return &Closure{Fn: fn, Name: name, Captures: captures}
}

func (*Closure) isValue() {}
func (*Closure) AsBool() bool { return true }
func (*Closure) TypeName() string { return "function" }

func (c *Closure) Trace(visit func(HeapObject)) {
	for _, v := range c.Captures {
		traceValue(v, visit)
	}
}

func (c *Closure) Release() {
	c.Captures = nil
}
