// Package gear embeds the Gear virtual machine. A Runtime holds one loaded
// module together with its heap, register table and call stack; the host
// passes values in and out through registers and invokes script functions
// by handle or by name.
//
// A Runtime is driven by one goroutine at a time. The only concurrency
// inside it is the garbage collector's marking worker.
package gear

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gear-lang/gear/cas"
	"github.com/gear-lang/gear/config"
	"github.com/gear-lang/gear/debug"
	"github.com/gear-lang/gear/gc"
	"github.com/gear-lang/gear/interp"
	"github.com/gear-lang/gear/vm"
)

type Runtime struct {
	id   uuid.UUID
	cfg  config.Config
	prog *vm.Program
	hash cas.Hash
	heap *gc.Heap
	m    *interp.Machine
	regs registerTable

	errCallback func(*Error)
	lastErr     *Error

	debug    *debug.Server
	released bool
}

type options struct {
	cfg     config.Config
	store   *cas.LRUCache
	natives map[string]NativeFunc
}

type Option func(*options)

func WithConfig(c config.Config) Option {
	return func(o *options) { o.cfg = c }
}

// WithModuleStore shares decoded programs between runtimes loading the
// same image.
func WithModuleStore(store *cas.LRUCache) Option {
	return func(o *options) { o.store = store }
}

// WithNative implements a native before the module's top-level code runs,
// so that code may already call it.
func WithNative(name string, fn NativeFunc) Option {
	return func(o *options) {
		if o.natives == nil {
			o.natives = make(map[string]NativeFunc)
		}
		o.natives[name] = fn
	}
}

// NewFromFile loads a compiled module image, or compiles a source file.
func NewFromFile(path string, opts ...Option) (*Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: LoadFailure, Msg: err.Error(), cause: err}
	}
	return newRuntime(filepath.Base(path), data, opts)
}

// NewFromMemory is NewFromFile for a module already in memory.
func NewFromMemory(buf []byte, opts ...Option) (*Runtime, error) {
	return newRuntime("<memory>", buf, opts)
}

func newRuntime(name string, data []byte, opts []Option) (*Runtime, error) {
	o := options{cfg: config.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, &Error{Kind: LoadFailure, Msg: err.Error(), cause: err}
	}
	prog, hash, err := loadProgram(name, data, o.store)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		id:   uuid.New(),
		cfg:  o.cfg,
		prog: prog,
		hash: hash,
		heap: gc.NewHeap(heapConfig(o.cfg.GC)),
		regs: newRegisterTable(o.cfg.Runtime.CheckRegisters),
	}
	rt.m = interp.NewMachine(prog, rt.heap, rt)
	rt.m.MaxDepth = o.cfg.Runtime.MaxCallDepth
	rt.heap.SetRoots(rt)

	logger := log.With().Str("runtime", rt.id.String()).Str("module", hash.String()).Logger()
	if err := rt.m.Link(); err != nil {
		rt.heap.Close()
		return nil, classify(err)
	}
	for name, fn := range o.natives {
		rt.ImplementFunction(name, fn)
	}
	if d := o.cfg.Debug; d.Enabled {
		if err := rt.StartDebugServer(d.Address, d.Port, d.Wait); err != nil {
			rt.heap.Close()
			return nil, err
		}
	}
	if err := rt.m.RunMain(); err != nil {
		logger.Debug().Err(err).Msg("module initialisation failed")
		rt.Release()
		return nil, classify(err)
	}
	logger.Debug().Str("source", prog.Source).Msg("runtime ready")
	return rt, nil
}

// loadProgram decodes an image, or compiles anything that is not one.
func loadProgram(name string, data []byte, store *cas.LRUCache) (*vm.Program, cas.Hash, error) {
	if bytes.HasPrefix(data, []byte("GEAR")) {
		if store != nil {
			p, h, err := store.Load(data)
			if err != nil {
				return nil, 0, &Error{Kind: LoadFailure, Msg: err.Error(), cause: err}
			}
			return p, h, nil
		}
		p, err := vm.UnmarshalProgram(data)
		if err != nil {
			return nil, 0, &Error{Kind: LoadFailure, Msg: err.Error(), cause: err}
		}
		return p, cas.Fingerprint(data), nil
	}

	p, err := vm.LoadFile(name, bytes.NewReader(data))
	if err != nil {
		return nil, 0, &Error{Kind: LoadFailure, Msg: fmt.Sprintf("compile %s: %v", name, err), cause: err}
	}
	p.Source = name
	var h cas.Hash
	if store != nil {
		h, err = cas.StoreProgram(store, p)
	} else {
		var img []byte
		img, err = vm.MarshalProgram(p)
		h = cas.Fingerprint(img)
	}
	if err != nil {
		return nil, 0, &Error{Kind: LoadFailure, Msg: err.Error(), cause: err}
	}
	return p, h, nil
}

func heapConfig(c config.GCConfig) gc.Config {
	out := gc.DefaultConfig()
	if c.InitialThreshold > 0 {
		out.InitialThreshold = c.InitialThreshold
	}
	if c.GrowthPercent > 0 {
		out.GrowthPercent = c.GrowthPercent
	}
	if c.MarkSlice > 0 {
		out.MarkSlice = c.MarkSlice
	}
	if c.BarrierBuffer > 0 {
		out.BarrierBuffer = c.BarrierBuffer
	}
	out.MaxHeapBytes = c.MaxHeapBytes
	return out
}

// Release stops the debug server and drops every heap object. The Runtime
// must not be used afterwards.
func (rt *Runtime) Release() {
	if rt.released {
		return
	}
	rt.StopDebugServer()
	rt.heap.Close()
	rt.regs = registerTable{}
	rt.m.Frames = nil
	rt.released = true
	log.Debug().Str("runtime", rt.id.String()).Msg("runtime released")
}

// VisitRoots reports every allocated register and everything the
// interpreter holds directly.
func (rt *Runtime) VisitRoots(visit func(vm.Value)) {
	rt.regs.visit(visit)
	rt.m.VisitRoots(visit)
}

// Collect runs a full collection cycle before returning.
func (rt *Runtime) Collect() {
	rt.heap.Collect()
}

func (rt *Runtime) HeapStats() gc.Stats {
	return rt.heap.Stats()
}

func (rt *Runtime) ID() uuid.UUID {
	return rt.id
}

// ModuleHash is the fingerprint of the loaded module image.
func (rt *Runtime) ModuleHash() cas.Hash {
	return rt.hash
}

// Exports lists the module's top-level functions.
func (rt *Runtime) Exports() []string {
	return rt.prog.Exports()
}

// fail raises err and returns it as an error, or nil.
func (rt *Runtime) fail(err error) error {
	if e := rt.raise(err); e != nil {
		return e
	}
	return nil
}
