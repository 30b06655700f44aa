// Package gc owns every reference-typed allocation of a runtime and
// reclaims unreachable objects with a concurrent tri-color collector.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gear-lang/gear/vm"
)

type Phase uint32

const (
	Idle Phase = iota
	Marking
	Sweeping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Marking:
		return "marking"
	case Sweeping:
		return "sweeping"
	}
	return fmt.Sprintf("Phase(%d)", uint32(p))
}

var ErrOutOfMemory = errors.New("heap exhausted")

type Config struct {
	// InitialThreshold is the live byte count that triggers the first cycle.
	InitialThreshold int64
	// GrowthPercent sets the next trigger relative to what survived.
	GrowthPercent int
	// MaxHeapBytes bounds live bytes; zero means unbounded.
	MaxHeapBytes int64
	// MarkSlice is how many objects the worker traces before yielding.
	MarkSlice int
	// BarrierBuffer sizes the channel carrying shaded objects to the worker.
	BarrierBuffer int
}

func DefaultConfig() Config {
	return Config{
		InitialThreshold: 4 << 20,
		GrowthPercent:    100,
		MarkSlice:        256,
		BarrierBuffer:    1024,
	}
}

// RootSource enumerates every value the mutator can reach without going
// through the heap. It is only called on the mutator goroutine.
type RootSource interface {
	VisitRoots(visit func(vm.Value))
}

type Stats struct {
	Phase        Phase
	Cycles       int64
	LiveObjects  int64
	LiveBytes    int64
	FreedObjects int64
	FreedBytes   int64
	NextGC       int64
}

// Heap is used from a single mutator goroutine; the marking worker is the
// only other party and talks to it through atomics and channels.
type Heap struct {
	cfg   Config
	roots RootSource
	phase atomic.Uint32

	// mu guards the allocation list and orders birth colors against the
	// worker's sweep snapshot.
	mu      sync.Mutex
	objects []vm.HeapObject

	liveBytes    atomic.Int64
	liveObjects  atomic.Int64
	nextGC       atomic.Int64
	cycles       atomic.Int64
	freedObjects atomic.Int64
	freedBytes   atomic.Int64

	c        *collector
	inflight chan struct{}
	closed   bool
}

func NewHeap(cfg Config) *Heap {
	def := DefaultConfig()
	if cfg.InitialThreshold <= 0 {
		cfg.InitialThreshold = def.InitialThreshold
	}
	if cfg.GrowthPercent <= 0 {
		cfg.GrowthPercent = def.GrowthPercent
	}
	if cfg.MarkSlice <= 0 {
		cfg.MarkSlice = def.MarkSlice
	}
	if cfg.BarrierBuffer <= 0 {
		cfg.BarrierBuffer = def.BarrierBuffer
	}
	h := &Heap{cfg: cfg}
	h.nextGC.Store(cfg.InitialThreshold)
	ctx, cancel := context.WithCancel(context.Background())
	h.c = newCollector(h, ctx, cancel)
	h.c.start()
	return h
}

func (h *Heap) SetRoots(r RootSource) {
	h.roots = r
}

func (h *Heap) Phase() Phase {
	return Phase(h.phase.Load())
}

func (h *Heap) Stats() Stats {
	return Stats{
		Phase:        h.Phase(),
		Cycles:       h.cycles.Load(),
		LiveObjects:  h.liveObjects.Load(),
		LiveBytes:    h.liveBytes.Load(),
		FreedObjects: h.freedObjects.Load(),
		FreedBytes:   h.freedBytes.Load(),
		NextGC:       h.nextGC.Load(),
	}
}

// Close stops the worker and drops every object. The heap is unusable
// afterwards.
func (h *Heap) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.c.stop()
	h.mu.Lock()
	for _, o := range h.objects {
		o.GCHeader().MarkFreed()
	}
	h.objects = nil
	h.mu.Unlock()
	h.liveBytes.Store(0)
	h.liveObjects.Store(0)
}

const (
	objectOverhead = 48
	slotSize       = 16
)

func (h *Heap) NewString(s string) (*vm.String, error) {
	o := vm.MakeString(s)
	if err := h.register(o, objectOverhead+int64(len(s))); err != nil {
		return nil, err
	}
	return o, nil
}

// NewObject allocates an instance of t with the given field values in
// declaration order. Missing values take the descriptor's defaults, which
// must already be runtime values.
func (h *Heap) NewObject(t *vm.TypeDesc, values []vm.Value) (*vm.Object, error) {
	o := vm.MakeObject(t)
	n := 0
	if t != nil {
		n = len(t.Fields)
	}
	if err := h.register(o, objectOverhead+int64(2*slotSize*n)); err != nil {
		return nil, err
	}
	if t != nil {
		for i, f := range t.Fields {
			v := f.Default
			if i < len(values) {
				v = values[i]
			}
			h.StoreField(o, f.Name, v)
		}
	}
	return o, nil
}

func (h *Heap) NewList(elems []vm.Value) (*vm.List, error) {
	l := vm.MakeList(elems)
	if err := h.register(l, listSize(int64(cap(elems)))); err != nil {
		return nil, err
	}
	h.shadeAll(elems)
	return l, nil
}

func (h *Heap) NewClosure(fn vm.FnPtrValue, name string, captures []vm.Value) (*vm.Closure, error) {
	c := vm.MakeClosure(fn, name, captures)
	if err := h.register(c, objectOverhead+int64(slotSize*len(captures))); err != nil {
		return nil, err
	}
	h.shadeAll(captures)
	return c, nil
}

// MaxListLen bounds the length of a single list regardless of the heap
// limit.
const MaxListLen = 1 << 26

func listSize(n int64) int64 {
	return objectOverhead + slotSize*n
}

// ReserveList checks that a list of n elements could be allocated now,
// collecting first if the heap limit is in the way. Callers building a
// large element slice use it before paying for the slice.
func (h *Heap) ReserveList(n int64) error {
	if n < 0 || n > MaxListLen {
		return fmt.Errorf("%w: list of %d elements exceeds %d", ErrOutOfMemory, n, MaxListLen)
	}
	if h.closed {
		return fmt.Errorf("%w: heap is closed", ErrOutOfMemory)
	}
	return h.fits(listSize(n))
}

func (h *Heap) fits(size int64) error {
	if limit := h.cfg.MaxHeapBytes; limit > 0 && h.liveBytes.Load()+size > limit {
		h.Collect()
		if live := h.liveBytes.Load(); live+size > limit {
			return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, size, live, limit)
		}
	}
	return nil
}

func (h *Heap) register(o vm.HeapObject, size int64) error {
	if h.closed {
		return fmt.Errorf("%w: heap is closed", ErrOutOfMemory)
	}
	h.Safepoint()
	if err := h.fits(size); err != nil {
		return err
	}
	if h.Phase() == Idle && h.liveBytes.Load()+size >= h.nextGC.Load() {
		h.startCycle()
	}
	h.mu.Lock()
	color := vm.White
	if h.Phase() != Idle {
		color = vm.Black
	}
	o.GCHeader().Init(color, size)
	h.objects = append(h.objects, o)
	h.mu.Unlock()
	h.liveBytes.Add(size)
	h.liveObjects.Add(1)
	return nil
}

// StoreField is the barriered write of an object field.
func (h *Heap) StoreField(o *vm.Object, name string, v vm.Value) {
	old := o.Swap(name, v)
	h.barrier(old, v)
}

// StoreIndex is the barriered write of a list element.
func (h *Heap) StoreIndex(l *vm.List, i int, v vm.Value) bool {
	old, ok := l.Swap(i, v)
	if !ok {
		return false
	}
	h.barrier(old, v)
	return true
}

func (h *Heap) Append(l *vm.List, v vm.Value) {
	l.Push(v)
	h.barrier(nil, v)
}

// barrier shades both the overwritten and the stored reference while a
// cycle is marking, so neither can be lost by a concurrent trace.
func (h *Heap) barrier(old, val vm.Value) {
	if h.Phase() != Marking {
		return
	}
	h.shade(old)
	h.shade(val)
}

func (h *Heap) shadeAll(vals []vm.Value) {
	if h.Phase() != Marking {
		return
	}
	for _, v := range vals {
		h.shade(v)
	}
}

func (h *Heap) shade(v vm.Value) {
	if o, ok := v.(vm.HeapObject); ok && o.GCHeader().Shade() {
		h.c.barrier <- o
	}
}

// Safepoint lets the mutator end the mark phase once the worker has run
// out of gray objects. The interpreter polls it periodically.
func (h *Heap) Safepoint() {
	if h.Phase() == Marking && h.c.drained.Load() {
		h.finishMarking()
	}
}

func (h *Heap) finishMarking() {
	h.phase.Store(uint32(Sweeping))
	h.c.terminate <- struct{}{}
}

func (h *Heap) startCycle() {
	if h.closed || h.Phase() != Idle {
		return
	}
	if h.inflight != nil {
		<-h.inflight
		h.inflight = nil
	}
	h.c.drained.Store(false)
	h.phase.Store(uint32(Marking))
	var roots []vm.HeapObject
	if h.roots != nil {
		h.roots.VisitRoots(func(v vm.Value) {
			if o, ok := v.(vm.HeapObject); ok && o.GCHeader().Shade() {
				roots = append(roots, o)
			}
		})
	}
	done := make(chan struct{})
	h.inflight = done
	h.c.cycles <- cycleStart{roots: roots, done: done}
}

// finishCycle blocks until the in-flight cycle, if any, has swept.
func (h *Heap) finishCycle() {
	done := h.inflight
	if done == nil {
		return
	}
	for h.Phase() == Marking {
		if h.c.drained.Load() {
			h.finishMarking()
			break
		}
		<-h.c.drainedNote
	}
	<-done
	h.inflight = nil
}

// Collect runs a full cycle to completion before returning.
func (h *Heap) Collect() {
	if h.closed {
		return
	}
	h.finishCycle()
	h.startCycle()
	h.finishCycle()
}

// Resident reports the number of objects on the allocation list.
func (h *Heap) Resident() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}
