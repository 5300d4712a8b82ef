// Package orderbook maintains per-venue-per-symbol order book mirrors with
// snapshot+delta merging and sequence-gap recovery. Books track aggregated
// level quantities only — this is a market-data mirror, not a matching
// engine, so there are no per-order queues.
//
// Price levels are keyed by an integer tick (price/TickSize, rounded)
// rather than by the raw float64, so level equality never depends on exact
// double comparison.
package orderbook

import (
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

func decimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// State reflects whether a book's depth can be trusted.
type State int

const (
	Valid State = iota
	Stale
)

// bufferedDelta is a delta received while the book is Stale, held until a
// resnapshot arrives.
type bufferedDelta struct {
	prevSeq uint64
	seq     uint64
	bids    []types.PriceLevel
	asks    []types.PriceLevel
}

// Book is the order-book mirror for one (venue, symbol) pair.
type Book struct {
	mu sync.RWMutex

	venue  types.Venue
	symbol types.SymbolId
	tick   float64

	bids map[int64]float64 // tick -> qty
	asks map[int64]float64

	bidKeysSorted []int64 // cached, descending
	askKeysSorted []int64 // cached, ascending
	dirty         bool

	sequence     uint64
	state        State
	lastUpdateNs int64

	replayBuf []bufferedDelta
	replayCap int
}

// New constructs an empty book. tick is the price quantization unit used to
// key levels (e.g. 0.01); replayCap bounds how many deltas are buffered
// while Stale before the oldest are discarded.
func New(venue types.Venue, symbol types.SymbolId, tick float64, replayCap int) *Book {
	if tick <= 0 {
		tick = 1e-8
	}
	if replayCap <= 0 {
		replayCap = 256
	}
	return &Book{
		venue:     venue,
		symbol:    symbol,
		tick:      tick,
		bids:      make(map[int64]float64),
		asks:      make(map[int64]float64),
		state:     Stale, // no data yet; first snapshot makes it Valid
		replayCap: replayCap,
	}
}

func (b *Book) priceToTick(p float64) int64 {
	return int64(math.Round(p / b.tick))
}

func (b *Book) tickToPrice(t int64) float64 {
	return float64(t) * b.tick
}

// Sequence returns the book's current sequence number.
func (b *Book) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// State reports whether the book is Valid or Stale.
func (b *Book) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// ApplySnapshot replaces the book's full depth and establishes a baseline
// sequence. Any deltas buffered while Stale with prev_sequence >= this
// snapshot's sequence are replayed in order; older ones are discarded.
func (b *Book) ApplySnapshot(bids, asks []types.PriceLevel, sequence uint64, tsNs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[int64]float64, len(bids))
	b.asks = make(map[int64]float64, len(asks))
	for _, lvl := range bids {
		qty, _ := lvl.Qty.Float64()
		price, _ := lvl.Price.Float64()
		if qty > 0 {
			b.bids[b.priceToTick(price)] = qty
		}
	}
	for _, lvl := range asks {
		qty, _ := lvl.Qty.Float64()
		price, _ := lvl.Price.Float64()
		if qty > 0 {
			b.asks[b.priceToTick(price)] = qty
		}
	}
	b.sequence = sequence
	b.state = Valid
	b.dirty = true
	b.lastUpdateNs = tsNs

	replay := b.replayBuf
	b.replayBuf = nil
	for _, d := range replay {
		if d.prevSeq >= b.sequence {
			b.applyDeltaLocked(d.bids, d.asks, d.prevSeq, d.seq, tsNs)
		}
	}
}

// DeltaResult reports the outcome of ApplyDelta.
type DeltaResult int

const (
	Applied DeltaResult = iota
	Buffered
	GapDetected
)

// ApplyDelta applies an incremental update. A delta is accepted only if
// prevSequence matches the book's current sequence; on mismatch the book
// transitions to Stale (caller should trigger a resnapshot) and the delta
// is buffered (bounded) for replay once a fresh snapshot arrives.
func (b *Book) ApplyDelta(bids, asks []types.PriceLevel, prevSequence, sequence uint64, tsNs int64) DeltaResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Stale {
		b.bufferLocked(prevSequence, sequence, bids, asks)
		return Buffered
	}
	if prevSequence != b.sequence {
		b.state = Stale
		b.bufferLocked(prevSequence, sequence, bids, asks)
		return GapDetected
	}
	b.applyDeltaLocked(bids, asks, prevSequence, sequence, tsNs)
	return Applied
}

func (b *Book) bufferLocked(prevSeq, seq uint64, bids, asks []types.PriceLevel) {
	if len(b.replayBuf) >= b.replayCap {
		b.replayBuf = b.replayBuf[1:]
	}
	b.replayBuf = append(b.replayBuf, bufferedDelta{prevSeq: prevSeq, seq: seq, bids: bids, asks: asks})
}

func (b *Book) applyDeltaLocked(bids, asks []types.PriceLevel, _ uint64, sequence uint64, tsNs int64) {
	for _, lvl := range bids {
		qty, _ := lvl.Qty.Float64()
		price, _ := lvl.Price.Float64()
		tick := b.priceToTick(price)
		if qty <= 0 {
			delete(b.bids, tick)
		} else {
			b.bids[tick] = qty
		}
	}
	for _, lvl := range asks {
		qty, _ := lvl.Qty.Float64()
		price, _ := lvl.Price.Float64()
		tick := b.priceToTick(price)
		if qty <= 0 {
			delete(b.asks, tick)
		} else {
			b.asks[tick] = qty
		}
	}
	b.sequence = sequence
	b.dirty = true
	b.lastUpdateNs = tsNs
}

func (b *Book) rebuildSortedLocked() {
	if !b.dirty {
		return
	}
	b.bidKeysSorted = b.bidKeysSorted[:0]
	for k := range b.bids {
		b.bidKeysSorted = append(b.bidKeysSorted, k)
	}
	sort.Slice(b.bidKeysSorted, func(i, j int) bool { return b.bidKeysSorted[i] > b.bidKeysSorted[j] })

	b.askKeysSorted = b.askKeysSorted[:0]
	for k := range b.asks {
		b.askKeysSorted = append(b.askKeysSorted, k)
	}
	sort.Slice(b.askKeysSorted, func(i, j int) bool { return b.askKeysSorted[i] < b.askKeysSorted[j] })
	b.dirty = false
}

// Top returns at most n levels per side, bids descending, asks ascending.
func (b *Book) Top(n int) (bids, asks []types.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuildSortedLocked()

	for i, k := range b.bidKeysSorted {
		if i >= n {
			break
		}
		bids = append(bids, levelFromTick(b.tickToPrice(k), b.bids[k]))
	}
	for i, k := range b.askKeysSorted {
		if i >= n {
			break
		}
		asks = append(asks, levelFromTick(b.tickToPrice(k), b.asks[k]))
	}
	return bids, asks
}

func levelFromTick(price, qty float64) types.PriceLevel {
	return types.PriceLevel{
		Price: decimalFromFloat(price),
		Qty:   decimalFromFloat(qty),
	}
}

// BestBidAsk returns the best bid and ask prices. ok is false if either
// side is empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuildSortedLocked()
	if len(b.bidKeysSorted) == 0 || len(b.askKeysSorted) == 0 {
		return 0, 0, false
	}
	return b.tickToPrice(b.bidKeysSorted[0]), b.tickToPrice(b.askKeysSorted[0]), true
}

// Mid returns (bestBid+bestAsk)/2.
func (b *Book) Mid() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Spread returns bestAsk-bestBid.
func (b *Book) Spread() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	return ask - bid, true
}

func (b *Book) Venue() types.Venue    { return b.venue }
func (b *Book) Symbol() types.SymbolId { return b.symbol }
