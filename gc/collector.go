package gc

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gear-lang/gear/vm"
)

type cycleStart struct {
	roots []vm.HeapObject
	done  chan struct{}
}

// collector is the marking and sweeping worker. It runs on its own
// goroutine for the lifetime of the heap.
type collector struct {
	h *Heap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles    chan cycleStart
	barrier   chan vm.HeapObject
	terminate chan struct{}

	// drained is set while the worker has nothing gray left; drainedNote
	// wakes a mutator blocked in finishCycle.
	drained     atomic.Bool
	drainedNote chan struct{}

	gray []vm.HeapObject
}

func newCollector(h *Heap, ctx context.Context, cancel context.CancelFunc) *collector {
	return &collector{
		h:           h,
		ctx:         ctx,
		cancel:      cancel,
		cycles:      make(chan cycleStart, 1),
		barrier:     make(chan vm.HeapObject, h.cfg.BarrierBuffer),
		terminate:   make(chan struct{}, 1),
		drainedNote: make(chan struct{}, 1),
	}
}

func (c *collector) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *collector) stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *collector) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case cs := <-c.cycles:
			began := time.Now()
			if !c.mark(cs.roots) {
				return
			}
			freed, freedBytes := c.sweep()
			close(cs.done)
			log.Debug().
				Int64("cycle", c.h.cycles.Load()).
				Int("roots", len(cs.roots)).
				Int64("freed", freed).
				Int64("freed_bytes", freedBytes).
				Int64("live_bytes", c.h.liveBytes.Load()).
				Int64("next_gc", c.h.nextGC.Load()).
				Dur("elapsed", time.Since(began)).
				Msg("gc: cycle complete")
		}
	}
}

// mark traces from the gray roots until the mutator ends the phase. It
// returns false if the heap was closed mid-cycle.
func (c *collector) mark(roots []vm.HeapObject) bool {
	c.gray = append(c.gray[:0], roots...)
	for {
		c.drainBarrier()
		if len(c.gray) > 0 {
			c.markSlice()
			runtime.Gosched()
			continue
		}
		c.drained.Store(true)
		select {
		case c.drainedNote <- struct{}{}:
		default:
		}
		select {
		case <-c.ctx.Done():
			return false
		case o := <-c.barrier:
			c.drained.Store(false)
			c.gray = append(c.gray, o)
		case <-c.terminate:
			// The phase is Sweeping now, so nothing new enters the
			// barrier channel; finish whatever is still queued.
			for {
				c.drainBarrier()
				if len(c.gray) == 0 {
					break
				}
				c.markSlice()
			}
			c.drained.Store(false)
			return true
		}
	}
}

func (c *collector) drainBarrier() {
	for {
		select {
		case o := <-c.barrier:
			c.gray = append(c.gray, o)
		default:
			return
		}
	}
}

func (c *collector) markSlice() {
	for i := 0; i < c.h.cfg.MarkSlice && len(c.gray) > 0; i++ {
		o := c.gray[len(c.gray)-1]
		c.gray = c.gray[:len(c.gray)-1]
		o.Trace(func(child vm.HeapObject) {
			if child.GCHeader().Shade() {
				c.gray = append(c.gray, child)
			}
		})
		o.GCHeader().SetColor(vm.Black)
	}
}

func (c *collector) sweep() (int64, int64) {
	h := c.h
	h.mu.Lock()
	snapshot := h.objects
	h.objects = nil
	h.mu.Unlock()

	var freed, freedBytes int64
	survivors := make([]vm.HeapObject, 0, len(snapshot))
	for _, o := range snapshot {
		hd := o.GCHeader()
		if hd.Color() == vm.White {
			o.Release()
			hd.MarkFreed()
			freed++
			freedBytes += hd.Size()
			continue
		}
		hd.SetColor(vm.White)
		survivors = append(survivors, o)
	}

	live := h.liveBytes.Add(-freedBytes)
	h.liveObjects.Add(-freed)
	h.freedObjects.Add(freed)
	h.freedBytes.Add(freedBytes)
	next := live * int64(100+h.cfg.GrowthPercent) / 100
	if next < h.cfg.InitialThreshold {
		next = h.cfg.InitialThreshold
	}
	h.nextGC.Store(next)
	h.cycles.Add(1)

	h.mu.Lock()
	// Objects born while sweeping were born black and are not in the
	// snapshot; they start the next cycle white like everything else.
	for _, o := range h.objects {
		o.GCHeader().SetColor(vm.White)
	}
	h.objects = append(survivors, h.objects...)
	h.phase.Store(uint32(Idle))
	h.mu.Unlock()
	return freed, freedBytes
}
