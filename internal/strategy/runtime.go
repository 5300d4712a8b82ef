package strategy

import (
	"fmt"
	"sync"

	"github.com/tradecore/engine/pkg/types"
)

// Status is a strategy instance's lifecycle state.
type Status string

const (
	Loaded  Status = "LOADED"
	Running Status = "RUNNING"
	Paused  Status = "PAUSED"
	Stopped Status = "STOPPED"
	Errored Status = "ERROR"
)

// Runnable is any strategy the runtime can drive: Tick is invoked once per
// refresh interval while Running, CancelAll on Stop, on Pause and when Tick
// returns an error.
type Runnable interface {
	Tick() error
	CancelAll()
}

// ParameterUpdater is implemented by strategies that support hot parameter
// swaps: the runtime validates nothing itself, the strategy rejects a
// params value it cannot apply and atomically installs one it can.
type ParameterUpdater interface {
	UpdateParameters(params any) error
}

// MarketEventConsumer is implemented by strategies that want push delivery
// of market events for their declared symbols, in addition to (or instead
// of) pulling book state on Tick.
type MarketEventConsumer interface {
	Symbols() []types.SymbolId
	OnMarketEvent(ev types.MarketEvent)
}

// FillObserver is implemented by strategies that react to executions of
// their own orders.
type FillObserver interface {
	OnFill(side types.OrderSide, price, qty float64, tsNs int64)
}

type instance struct {
	mu      sync.Mutex
	id      string
	status  Status
	strat   Runnable
	lastErr error
}

// Registry holds named, independently controllable strategy instances
// supporting hot load/start/stop/pause/resume/unload.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance
}

// NewRegistry constructs an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*instance)}
}

// Load registers a strategy instance under id in the Loaded state. Loading
// over an existing, non-terminal id is rejected.
func (r *Registry) Load(id string, strat Runnable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[id]; ok && existing.status != Stopped && existing.status != Errored {
		return fmt.Errorf("strategy %q already loaded (status=%s)", id, existing.status)
	}
	r.instances[id] = &instance{id: id, status: Loaded, strat: strat}
	return nil
}

// Start transitions a Loaded or Paused instance to Running.
func (r *Registry) Start(id string) error {
	inst, err := r.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != Loaded && inst.status != Paused {
		return fmt.Errorf("strategy %q cannot start from status %s", id, inst.status)
	}
	inst.status = Running
	return nil
}

// Pause transitions a Running instance to Paused, cancelling its open
// orders so a paused strategy carries no live market exposure.
func (r *Registry) Pause(id string) error {
	inst, err := r.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != Running {
		return fmt.Errorf("strategy %q cannot pause from status %s", id, inst.status)
	}
	inst.strat.CancelAll()
	inst.status = Paused
	return nil
}

// Resume transitions a Paused instance back to Running. Alias of Start
// kept distinct so callers can express intent explicitly.
func (r *Registry) Resume(id string) error {
	return r.Start(id)
}

// Stop transitions any non-terminal instance to Stopped, cancelling its
// open orders.
func (r *Registry) Stop(id string) error {
	inst, err := r.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status == Stopped {
		return nil
	}
	inst.strat.CancelAll()
	inst.status = Stopped
	return nil
}

// Unload removes a Stopped or Errored instance from the registry.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("strategy %q not found", id)
	}
	inst.mu.Lock()
	status := inst.status
	inst.mu.Unlock()
	if status != Stopped && status != Errored {
		return fmt.Errorf("strategy %q must be stopped before unload (status=%s)", id, status)
	}
	delete(r.instances, id)
	return nil
}

// Tick runs one refresh cycle for every Running instance. An error from a
// strategy's Tick transitions it to Errored (and cancels its orders)
// rather than propagating, so one faulty strategy cannot halt the runtime.
func (r *Registry) Tick() {
	r.mu.RLock()
	insts := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.mu.RUnlock()

	for _, inst := range insts {
		inst.mu.Lock()
		if inst.status != Running {
			inst.mu.Unlock()
			continue
		}
		strat := inst.strat
		inst.mu.Unlock()

		if err := strat.Tick(); err != nil {
			inst.mu.Lock()
			inst.status = Errored
			inst.lastErr = err
			inst.mu.Unlock()
			strat.CancelAll()
		}
	}
}

// UpdateParameters hot-swaps a strategy's parameter set. The target must
// implement ParameterUpdater; validation and the atomic swap happen inside
// the strategy's own UpdateParameters.
func (r *Registry) UpdateParameters(id string, params any) error {
	inst, err := r.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	strat := inst.strat
	inst.mu.Unlock()

	updater, ok := strat.(ParameterUpdater)
	if !ok {
		return fmt.Errorf("strategy %q does not support parameter updates", id)
	}
	return updater.UpdateParameters(params)
}

// Deliver pushes a market event to every Running strategy that consumes
// market events and declares the event's symbol.
func (r *Registry) Deliver(ev types.MarketEvent) {
	r.mu.RLock()
	insts := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.mu.RUnlock()

	for _, inst := range insts {
		inst.mu.Lock()
		running := inst.status == Running
		strat := inst.strat
		inst.mu.Unlock()
		if !running {
			continue
		}
		consumer, ok := strat.(MarketEventConsumer)
		if !ok {
			continue
		}
		for _, s := range consumer.Symbols() {
			if s == ev.Symbol {
				consumer.OnMarketEvent(ev)
				break
			}
		}
	}
}

// Instance returns the underlying strategy registered under id, for callers
// that need one of the optional capability interfaces (FillObserver etc.).
func (r *Registry) Instance(id string) (Runnable, bool) {
	inst, err := r.get(id)
	if err != nil {
		return nil, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.strat, true
}

// Status reports an instance's current lifecycle state.
func (r *Registry) Status(id string) (Status, error) {
	inst, err := r.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status, nil
}

// List returns every registered strategy id and its current status.
func (r *Registry) List() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.instances))
	for id, inst := range r.instances {
		inst.mu.Lock()
		out[id] = inst.status
		inst.mu.Unlock()
	}
	return out
}

func (r *Registry) get(id string) (*instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("strategy %q not found", id)
	}
	return inst, nil
}
