// Package clock provides the engine's single source of time and identifier
// generation. A process-wide handle is constructed once in the application
// shell and passed by reference into every component that needs it — there
// is no package-level singleton, per the engine's no-global-state design.
package clock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock produces monotonic nanosecond timestamps and monotone identifiers.
// The real implementation wraps time.Now; tests inject a Fake.
type Clock interface {
	NowNs() int64
	NextVenueOrderID() uint64
	// VenueOrderCounter reads the current counter value without consuming an
	// id; SeedVenueOrderCounter rewinds or fast-forwards it (warm restart).
	VenueOrderCounter() uint64
	SeedVenueOrderCounter(v uint64)
	NewSnapshotID() string
}

// System is the production Clock, backed by wall-clock time.
type System struct {
	counter uint64
}

// NewSystem returns a Clock backed by time.Now, with the venue-order-id
// counter seeded to seed (0 if this is a cold start, or the persisted
// counter on warm restart).
func NewSystem(seed uint64) *System {
	return &System{counter: seed}
}

func (s *System) NowNs() int64 {
	return time.Now().UnixNano()
}

func (s *System) NextVenueOrderID() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}

func (s *System) VenueOrderCounter() uint64 {
	return atomic.LoadUint64(&s.counter)
}

func (s *System) SeedVenueOrderCounter(v uint64) {
	atomic.StoreUint64(&s.counter, v)
}

func (s *System) NewSnapshotID() string {
	return uuid.NewString()
}

// Fake is a deterministic Clock for tests: NowNs is manually advanced and
// identifier generation is sequential, not random.
type Fake struct {
	nowNs   int64
	counter uint64
	seq     uint64
}

func NewFake(startNs int64) *Fake {
	return &Fake{nowNs: startNs}
}

func (f *Fake) NowNs() int64 {
	return f.nowNs
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.nowNs += int64(d)
}

// Set pins the fake clock to an absolute nanosecond timestamp.
func (f *Fake) Set(ns int64) {
	f.nowNs = ns
}

func (f *Fake) NextVenueOrderID() uint64 {
	f.counter++
	return f.counter
}

func (f *Fake) VenueOrderCounter() uint64 {
	return f.counter
}

func (f *Fake) SeedVenueOrderCounter(v uint64) {
	f.counter = v
}

func (f *Fake) NewSnapshotID() string {
	f.seq++
	return fmt.Sprintf("fake-snapshot-%d", f.seq)
}

// ValidClientOrderID reports whether a client order id satisfies the
// engine's syntactic requirements: non-empty, bounded length, and drawn
// from an alphanumeric-plus-punctuation charset that is safe to embed in
// NDJSON and file names.
func ValidClientOrderID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}
