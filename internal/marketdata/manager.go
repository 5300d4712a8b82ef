// Package marketdata aggregates subscriptions, drives venue WS adapters,
// and normalizes raw venue messages into types.MarketEvent. Subscriptions
// are deduplicated per (venue, symbol, event_type) by refcount, so the
// venue sees one subscribe no matter how many internal consumers ask.
package marketdata

import (
	"sync"
	"time"

	"github.com/tradecore/engine/internal/orderbook"
	"github.com/tradecore/engine/pkg/types"
)

// SubKey identifies one deduplicated subscription.
type SubKey struct {
	Venue     types.Venue
	Symbol    types.SymbolId
	EventType types.MarketEventType
}

// ConnState is a venue connection's lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Degraded
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Degraded:
		return "DEGRADED"
	default:
		return "DISCONNECTED"
	}
}

// Adapter is the minimal venue market-data surface the manager drives:
// issuing subscribe/unsubscribe and a resnapshot request for book streams.
// Concrete adapters (one per venue) implement this over their own
// WS/REST client; the manager itself never speaks wire formats.
type Adapter interface {
	Subscribe(key SubKey) error
	Unsubscribe(key SubKey) error
	RequestResnapshot(symbol types.SymbolId) error
}

// QualityMetrics tracks per-venue market-data health.
type QualityMetrics struct {
	LatencyNsEWMA float64
	MessageCount  uint64
	GapCount      uint64
	Reconnects    uint64
}

// Manager owns the subscription registry, venue adapter lifecycle, and
// per-venue books, publishing normalized events through Emit.
type Manager struct {
	mu sync.Mutex

	refcounts map[SubKey]int
	adapters  map[types.Venue]Adapter
	connState map[types.Venue]ConnState
	metrics   map[types.Venue]*QualityMetrics

	books map[bookKey]*orderbook.Book

	tickSize  float64
	replayCap int

	// Emit publishes a normalized MarketEvent; wired by the engine shell to
	// post onto the event loop.
	Emit func(types.MarketEvent)
}

type bookKey struct {
	venue  types.Venue
	symbol types.SymbolId
}

// NewManager constructs an empty manager. tickSize/replayCap parameterize
// every book the manager lazily creates.
func NewManager(tickSize float64, replayCap int) *Manager {
	return &Manager{
		refcounts: make(map[SubKey]int),
		adapters:  make(map[types.Venue]Adapter),
		connState: make(map[types.Venue]ConnState),
		metrics:   make(map[types.Venue]*QualityMetrics),
		books:     make(map[bookKey]*orderbook.Book),
		tickSize:  tickSize,
		replayCap: replayCap,
		Emit:      func(types.MarketEvent) {},
	}
}

// RegisterAdapter wires a concrete venue adapter into the manager.
func (m *Manager) RegisterAdapter(venue types.Venue, a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[venue] = a
	m.connState[venue] = Disconnected
	m.metrics[venue] = &QualityMetrics{}
}

// Subscribe increments the refcount for (venue, symbol, event_type),
// issuing a venue subscribe only on the 0->1 transition.
func (m *Manager) Subscribe(key SubKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refcounts[key]++
	if m.refcounts[key] == 1 {
		if a, ok := m.adapters[key.Venue]; ok {
			return a.Subscribe(key)
		}
	}
	return nil
}

// Unsubscribe decrements the refcount, issuing a venue unsubscribe only on
// the 1->0 transition.
func (m *Manager) Unsubscribe(key SubKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refcounts[key] <= 0 {
		return nil
	}
	m.refcounts[key]--
	if m.refcounts[key] == 0 {
		delete(m.refcounts, key)
		if a, ok := m.adapters[key.Venue]; ok {
			return a.Unsubscribe(key)
		}
	}
	return nil
}

// RefCount reports the current subscriber count for a key (test/inspection hook).
func (m *Manager) RefCount(key SubKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcounts[key]
}

// SetConnState transitions a venue's connection state and emits a
// SubscriptionStatus event. On transition into Connected after a prior
// disconnect, callers should re-issue all active subscriptions and force a
// resnapshot for every book subscription; see Reconnect.
func (m *Manager) SetConnState(venue types.Venue, state ConnState, nowNs int64) {
	m.mu.Lock()
	prev := m.connState[venue]
	m.connState[venue] = state
	if state == Connecting && prev == Connected {
		if mm, ok := m.metrics[venue]; ok {
			mm.Reconnects++
		}
	}
	m.mu.Unlock()

	m.Emit(types.MarketEvent{
		Type: types.EventSubscriptionStatus, Venue: venue, TsRecv: nowNs,
		SubStatus: &types.SubscriptionStatusPayload{Status: state.String()},
	})
}

// ConnState reports a venue's current connection state.
func (m *Manager) ConnState(venue types.Venue) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connState[venue]
}

// Reconnect re-issues every active subscription for a venue and forces a
// resnapshot on every book subscription, since any deltas missed while
// disconnected make the mirrored depth untrustworthy.
func (m *Manager) Reconnect(venue types.Venue) error {
	m.mu.Lock()
	a, ok := m.adapters[venue]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	keys := make([]SubKey, 0, len(m.refcounts))
	for k := range m.refcounts {
		if k.Venue == venue {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := a.Subscribe(k); err != nil {
			return err
		}
		if k.EventType == types.EventBookSnapshot || k.EventType == types.EventBookDelta {
			if err := a.RequestResnapshot(k.Symbol); err != nil {
				return err
			}
		}
	}
	return nil
}

// Book returns (creating if necessary) the book mirror for (venue, symbol).
func (m *Manager) Book(venue types.Venue, symbol types.SymbolId) *orderbook.Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := bookKey{venue, symbol}
	b, ok := m.books[k]
	if !ok {
		b = orderbook.New(venue, symbol, m.tickSize, m.replayCap)
		m.books[k] = b
	}
	return b
}

// HandleBookSnapshot applies a venue snapshot and republishes it as a
// normalized event.
func (m *Manager) HandleBookSnapshot(venue types.Venue, symbol types.SymbolId, payload types.BookSnapshotPayload, tsExch, tsRecv int64) {
	b := m.Book(venue, symbol)
	b.ApplySnapshot(payload.Bids, payload.Asks, payload.Sequence, tsRecv)
	m.recordQuality(venue, tsExch, tsRecv, false)

	m.Emit(types.MarketEvent{Type: types.EventBookSnapshot, Venue: venue, Symbol: symbol, TsExch: tsExch, TsRecv: tsRecv, Snapshot: &payload})
}

// HandleBookDelta applies an incremental update and, on gap detection,
// requests a resnapshot from the owning adapter.
func (m *Manager) HandleBookDelta(venue types.Venue, symbol types.SymbolId, payload types.BookDeltaPayload, tsExch, tsRecv int64) {
	b := m.Book(venue, symbol)
	result := b.ApplyDelta(payload.Bids, payload.Asks, payload.PrevSequence, payload.Sequence, tsRecv)

	gap := result == orderbook.GapDetected
	m.recordQuality(venue, tsExch, tsRecv, gap)

	if gap {
		m.mu.Lock()
		a, ok := m.adapters[venue]
		m.mu.Unlock()
		if ok {
			_ = a.RequestResnapshot(symbol)
		}
	}

	m.Emit(types.MarketEvent{Type: types.EventBookDelta, Venue: venue, Symbol: symbol, TsExch: tsExch, TsRecv: tsRecv, Delta: &payload})
}

func (m *Manager) recordQuality(venue types.Venue, tsExch, tsRecv int64, gap bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.metrics[venue]
	if !ok {
		mm = &QualityMetrics{}
		m.metrics[venue] = mm
	}
	mm.MessageCount++
	if gap {
		mm.GapCount++
	}
	if tsExch > 0 {
		latency := float64(tsRecv - tsExch)
		const alpha = 0.2
		if mm.LatencyNsEWMA == 0 {
			mm.LatencyNsEWMA = latency
		} else {
			mm.LatencyNsEWMA = alpha*latency + (1-alpha)*mm.LatencyNsEWMA
		}
	}
}

// Metrics returns a copy of the current quality metrics for a venue.
func (m *Manager) Metrics(venue types.Venue) QualityMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm, ok := m.metrics[venue]; ok {
		return *mm
	}
	return QualityMetrics{}
}

// ReconnectBackoff computes exponential backoff with jitter, capped at max.
func ReconnectBackoff(attempt int, base, max time.Duration, jitter func() time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if jitter != nil {
		d += jitter()
	}
	return d
}
