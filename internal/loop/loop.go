// Package loop implements the engine's single dispatch surface: a
// cooperative, single-threaded event loop that serializes every mutation of
// engine state. Every producer (market data, venue fills, strategy signals,
// timers) funnels through the same priority-ordered dispatch point instead
// of each owning its own ad hoc select loop.
package loop

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Priority controls scheduling order within the loop. Critical events are
// always dispatched ahead of any non-Critical event already queued.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// ErrQueueFull is returned by Post for non-Critical events when the loop's
// buffered queue is saturated. Producers are expected to back off.
var ErrQueueFull = errors.New("loop: queue full")

// ErrShutdown is returned by Post once the loop has been shut down.
var ErrShutdown = errors.New("loop: shut down")

// Event is any typed payload posted to the loop. Handlers type-switch or
// type-assert on the concrete type carried here.
type Event struct {
	Payload  any
	Priority Priority
	Tags     map[string]string
}

// Handler processes one dispatched event. A Filter decides which events a
// Handler receives.
type Handler func(Event)
type Filter func(Event) bool

type registration struct {
	filter  Filter
	handler Handler
}

// item is the internal heap element: priority first, then a monotonic
// sequence number so ties resolve FIFO within a priority band.
type item struct {
	ev  Event
	pri Priority
	seq uint64
}

type priorityHeap []item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].pri != h[j].pri {
		return h[i].pri > h[j].pri // higher priority first
	}
	return h[i].seq < h[j].seq // FIFO within a priority
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// defaultCapacity bounds the non-Critical portion of the queue; Critical
// events are always admitted through a small reserved headroom so a loop
// saturated with Normal/Low traffic can never starve risk-critical work.
const (
	defaultCapacity  = 8192
	criticalHeadroom = 256
)

// Loop is a single-threaded, priority-ordered event dispatcher. All state
// mutation in the engine happens inside handlers invoked from Loop.Run, so
// there is never more than one logical thread of execution touching shared
// engine state at a time.
type Loop struct {
	mu       sync.Mutex
	cond     *sync.Cond
	q        priorityHeap
	seq      uint64
	capacity int

	regs   []registration
	regsMu sync.RWMutex

	errCh chan HandlerError

	shutdownOnce sync.Once
	done         chan struct{}
	failStopped  atomic.Bool

	logger *slog.Logger
}

// HandlerError is reported on ErrCh when a handler panics or the loop
// itself reaches fail-stop. It never interrupts the loop's dispatch of
// other handlers.
type HandlerError struct {
	Event Event
	Err   error
}

// New constructs a Loop. capacity <= 0 uses the default.
func New(logger *slog.Logger, capacity int) *Loop {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	l := &Loop{
		capacity: capacity,
		done:     make(chan struct{}),
		errCh:    make(chan HandlerError, 256),
		logger:   logger.With("component", "loop"),
	}
	l.cond = sync.NewCond(&l.mu)
	heap.Init(&l.q)
	return l
}

// RegisterHandler adds a handler invoked, in registration order, for every
// event matching filter. Registration is not itself dispatched through the
// loop and must happen before Run (or be synchronized externally).
func (l *Loop) RegisterHandler(filter Filter, handler Handler) {
	l.regsMu.Lock()
	defer l.regsMu.Unlock()
	l.regs = append(l.regs, registration{filter: filter, handler: handler})
}

// Post enqueues an event. Critical events are always admitted (drawing on a
// small reserved headroom above capacity); non-Critical events observe
// ErrQueueFull as back-pressure once the queue is saturated. If Critical
// admission itself fails (capacity plus the headroom is already queued),
// the loop transitions to fail-stop and Post returns ErrShutdown.
func (l *Loop) Post(payload any, pri Priority, tags map[string]string) error {
	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		return ErrShutdown
	default:
	}

	limit := l.capacity
	if pri == Critical {
		limit = l.capacity + criticalHeadroom
	}
	if len(l.q) >= limit {
		l.mu.Unlock()
		if pri == Critical {
			l.failStop("critical event admission failed: queue saturated even with headroom")
			return ErrShutdown
		}
		return ErrQueueFull
	}

	l.seq++
	heap.Push(&l.q, item{ev: Event{Payload: payload, Priority: pri, Tags: tags}, pri: pri, seq: l.seq})
	l.mu.Unlock()
	l.cond.Signal()
	return nil
}

// Run drains the queue until Shutdown is called. Intended to be run on its
// own goroutine; it is itself synchronous and single-threaded — handlers
// never run concurrently with each other.
func (l *Loop) Run() {
	for {
		l.mu.Lock()
		for len(l.q) == 0 {
			select {
			case <-l.done:
				l.mu.Unlock()
				return
			default:
			}
			l.cond.Wait()
		}
		it := heap.Pop(&l.q).(item)
		l.mu.Unlock()

		select {
		case <-l.done:
			return
		default:
		}

		l.dispatch(it.ev)
	}
}

func (l *Loop) dispatch(ev Event) {
	l.regsMu.RLock()
	regs := l.regs
	l.regsMu.RUnlock()

	for _, r := range regs {
		if !r.filter(ev) {
			continue
		}
		l.invoke(r, ev)
	}
}

func (l *Loop) invoke(r registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			err, ok := rec.(error)
			if !ok {
				err = errFromRecover(rec)
			}
			l.reportError(HandlerError{Event: ev, Err: err})
		}
	}()
	r.handler(ev)
}

func (l *Loop) reportError(he HandlerError) {
	select {
	case l.errCh <- he:
	default:
		l.logger.Error("handler error channel full, dropping", "err", he.Err)
	}
}

// ErrCh surfaces handler panics/errors without stopping the loop.
func (l *Loop) ErrCh() <-chan HandlerError { return l.errCh }

// failStop transitions the loop to a terminal error state and shuts it down.
func (l *Loop) failStop(reason string) {
	if !l.failStopped.CompareAndSwap(false, true) {
		return
	}
	l.logger.Error("loop entering fail-stop", "reason", reason)
	l.reportError(HandlerError{Err: errFailStop(reason)})
	l.Shutdown()
}

// FailStopped reports whether the loop reached a terminal fail-stop state.
func (l *Loop) FailStopped() bool { return l.failStopped.Load() }

// Shutdown stops Run from accepting further dispatch. Safe to call multiple
// times and from any goroutine.
func (l *Loop) Shutdown() {
	l.shutdownOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
}

type errFailStop string

func (e errFailStop) Error() string { return "fail-stop: " + string(e) }

func errFromRecover(rec any) error {
	return errFailStop(toMessage(rec))
}

func toMessage(rec any) string {
	if s, ok := rec.(string); ok {
		return s
	}
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	return "panic"
}
