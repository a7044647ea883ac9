package breakpoint

import (
	"sync"
	"sync/atomic"

	"github.com/aivorynet/ipa-go/pkg/frame"
)

// Default table geometry.
const (
	DefaultPageSize = 256
	DefaultCapacity = 1024
)

// Site is where a line event happened.
type Site struct {
	Thread frame.ThreadID
	Line   int
	File   string
	Code   frame.CodeHandle
}

// Match identifies the record that fired during a scan.
type Match struct {
	Slot     int
	ID       int
	Location int
}

// Condition evaluates a breakpoint condition. Returning false suppresses the
// hit for that record only.
type Condition func(expr string) bool

// Registry is a fixed capacity table of breakpoints that grows page by page.
//
// Insert, Update and Remove must only be called while no other goroutine is
// scanning; the front-end owns that precondition (it mutates breakpoints
// while the traced program is stopped). Scan may run on any number of
// goroutines at once. Slots never move and are never compacted, so a scanner
// that is mid-iteration when a slot is removed simply sees it as free.
type Registry struct {
	pageSize int
	capacity int
	pages    []atomic.Pointer[page]

	// top is the number of slots in allocated pages.
	top int

	// used is the number of slots ever handed out; scans stop there.
	used atomic.Int64

	// hitMu guards record hit counts. It may be shared with the owner of the
	// registry so that hit counts and the owner's hit signal move together.
	hitMu *sync.Mutex
}

type page struct {
	slots []record
}

// Option configures a Registry.
type Option func(*Registry)

// WithPageSize sets the number of slots added each time the table grows.
func WithPageSize(n int) Option {
	return func(r *Registry) {
		r.pageSize = n
	}
}

// WithCapacity sets the hard ceiling on the number of slots. It is rounded up
// to a whole number of pages.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		r.capacity = n
	}
}

// WithHitMutex makes the registry account hits under mu.
func WithHitMutex(mu *sync.Mutex) Option {
	return func(r *Registry) {
		r.hitMu = mu
	}
}

// NewRegistry creates a registry with its first page allocated.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		pageSize: DefaultPageSize,
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.pageSize <= 0 {
		r.pageSize = DefaultPageSize
	}
	if r.capacity < r.pageSize {
		r.capacity = r.pageSize
	}
	if rem := r.capacity % r.pageSize; rem != 0 {
		r.capacity += r.pageSize - rem
	}
	if r.hitMu == nil {
		r.hitMu = &sync.Mutex{}
	}

	r.pages = make([]atomic.Pointer[page], r.capacity/r.pageSize)
	r.grow()
	return r
}

// PageSize returns the growth step of the table.
func (r *Registry) PageSize() int { return r.pageSize }

// Capacity returns the hard ceiling on the number of slots.
func (r *Registry) Capacity() int { return r.capacity }

// Top returns the number of slots currently allocated.
func (r *Registry) Top() int { return r.top }

func (r *Registry) grow() {
	r.pages[r.top/r.pageSize].Store(&page{slots: make([]record, r.pageSize)})
	r.top += r.pageSize
}

// slot returns the record at index i, or nil when i lies outside the
// allocated pages.
func (r *Registry) slot(i int) *record {
	if i < 0 || i >= r.capacity {
		return nil
	}
	p := r.pages[i/r.pageSize].Load()
	if p == nil {
		return nil
	}
	return &p.slots[i%r.pageSize]
}

// Insert stores a breakpoint and returns its slot index.
//
// Never used slots below the high-water mark are handed out first. Once they
// are exhausted the first freed slot is reused, and only when there is none
// does the table grow by a page. ErrCapacityExceeded is returned when the
// table is at its ceiling with no free slot.
func (r *Registry) Insert(s Spec) (int, error) {
	if err := s.validate(); err != nil {
		return -1, err
	}

	slot := int(r.used.Load())
	switch {
	case slot < r.top:
		r.used.Add(1)
	default:
		slot = r.freeSlot()
		if slot >= 0 {
			break
		}
		if r.top >= r.capacity {
			return -1, ErrCapacityExceeded
		}
		slot = r.top
		r.grow()
		r.used.Add(1)
	}

	r.slot(slot).set(s)
	return slot, nil
}

func (r *Registry) freeSlot() int {
	for i := 0; i < r.top; i++ {
		if r.slot(i).id.Load() == 0 {
			return i
		}
	}
	return -1
}

// Update overwrites every field of the breakpoint in slot and resets its hit
// count and code cache. The slot must have been returned by Insert; Update
// panics for slots outside the allocated pages.
func (r *Registry) Update(slot int, s Spec) error {
	if err := s.validate(); err != nil {
		return err
	}
	r.slot(slot).set(s)
	return nil
}

// Remove frees slot if it is occupied. The table is never compacted.
func (r *Registry) Remove(slot int) bool {
	rec := r.slot(slot)
	if rec == nil || rec.id.Load() <= 0 {
		return false
	}
	rec.id.Store(0)
	return true
}

// InvalidateCode drops every cached reference to the code unit h. Runtimes
// call it when a unit is unloaded or reloaded.
func (r *Registry) InvalidateCode(h frame.CodeHandle) {
	if h == 0 {
		return
	}
	n := int(r.used.Load())
	for i := 0; i < n; i++ {
		r.slot(i).code.CompareAndSwap(uint64(h), 0)
	}
}

// Get returns a snapshot of slot.
func (r *Registry) Get(slot int) (Info, bool) {
	rec := r.slot(slot)
	if rec == nil {
		return Info{}, false
	}
	id := rec.id.Load()
	if id == 0 {
		return Info{}, false
	}

	r.hitMu.Lock()
	hits := rec.hitCount
	r.hitMu.Unlock()

	return Info{
		Slot: slot,
		Spec: Spec{
			ID:          int(id),
			Location:    rec.location,
			Thread:      rec.thread,
			Condition:   rec.condition,
			IgnoreCount: rec.ignoreCount,
			State:       rec.state(),
			Line:        rec.line,
			File:        rec.file,
		},
		HitCount: hits,
		Code:     frame.CodeHandle(rec.code.Load()),
	}, true
}

// List returns snapshots of all occupied slots in slot order.
func (r *Registry) List() []Info {
	n := int(r.used.Load())
	result := make([]Info, 0, n)
	for i := 0; i < n; i++ {
		if info, ok := r.Get(i); ok {
			result = append(result, info)
		}
	}
	return result
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	n := int(r.used.Load())
	count := 0
	for i := 0; i < n; i++ {
		if r.slot(i).id.Load() != 0 {
			count++
		}
	}
	return count
}

// Scan looks for a breakpoint that fires for a line event at site.
//
// Predicates run cheapest first: occupied, enabled, thread, line, cached code
// unit, file length, file bytes. A record that is cooling down is ticked on
// every pass that visits it and never fires on that pass. A matching record
// counts a hit; with an ignore count set it only fires when its hit count
// reaches the ignore count, which resets the count. A record with a condition
// fires only when cond reports true. Scanning stops at the first record that
// fires.
func (r *Registry) Scan(site Site, cond Condition) (Match, bool) {
	n := int(r.used.Load())
	for i := 0; i < n; i++ {
		rec := r.slot(i)

		id := rec.id.Load()
		if id == 0 {
			continue
		}
		switch StateKind(rec.kind.Load()) {
		case StateEnabled:
		case StateCoolingDown:
			rec.tick()
			continue
		default:
			continue
		}
		if rec.thread != 0 && rec.thread != site.Thread {
			continue
		}
		if rec.line != site.Line {
			continue
		}

		code := frame.CodeHandle(rec.code.Load())
		if code != 0 && site.Code != 0 && code != site.Code {
			continue
		}
		if rec.fileLen != len(site.File) || rec.file != site.File {
			continue
		}
		if code == 0 && site.Code != 0 {
			rec.code.CompareAndSwap(0, uint64(site.Code))
		}

		if !r.countHit(rec) {
			continue
		}

		if rec.condition != "" && (cond == nil || !cond(rec.condition)) {
			continue
		}

		return Match{Slot: i, ID: int(id), Location: rec.location}, true
	}
	return Match{}, false
}

// countHit records a match and reports whether the ignore count lets it fire.
func (r *Registry) countHit(rec *record) bool {
	r.hitMu.Lock()
	defer r.hitMu.Unlock()

	rec.hitCount++
	if rec.ignoreCount == 0 {
		return true
	}
	if rec.hitCount == rec.ignoreCount {
		rec.hitCount = 0
		return true
	}
	return false
}
