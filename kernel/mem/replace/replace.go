// Package replace implements the page-replacement manager: it tracks
// every page eligible for eviction and picks a victim when the swap
// manager needs one, behind a single interface that can switch between
// four algorithms at runtime.
package replace

import (
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

// Algorithm selects which eviction policy FindVictim uses.
type Algorithm int

const (
	LRU Algorithm = iota
	FIFO
	Clock
	EnhancedLRU
)

func (a Algorithm) String() string {
	switch a {
	case LRU:
		return "LRU"
	case FIFO:
		return "FIFO"
	case Clock:
		return "CLOCK"
	case EnhancedLRU:
		return "ENHANCED_LRU"
	default:
		return "UNKNOWN"
	}
}

// descriptor is the per-page bookkeeping every algorithm reads from and
// writes to; only the ordering structure used to pick a victim differs
// between algorithms.
type descriptor struct {
	Locked      bool
	Dirty       bool
	Accessed    bool
	AccessCount int
	insertedAt  uint64
	lastAccess  uint64
}

// Stats counts hits and misses independently per algorithm, so switching
// algorithms never loses or conflates history.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Manager tracks eviction candidates. A single descriptor table and candidate ordering are
// shared across algorithm switches; only the victim-selection logic and
// per-algorithm stats differ.
type Manager struct {
	lock sync.Spinlock

	algo        Algorithm
	descriptors map[mem.Frame]*descriptor
	order       []mem.Frame // membership + ordering; see each algorithm's comment for how it's read
	clockHand   int
	clock       uint64

	stats map[Algorithm]*Stats
}

// New creates a page-replacement manager starting in LRU mode.
func New() *Manager {
	return &Manager{
		algo:        LRU,
		descriptors: make(map[mem.Frame]*descriptor),
		stats: map[Algorithm]*Stats{
			LRU:         {},
			FIFO:        {},
			Clock:       {},
			EnhancedLRU: {},
		},
	}
}

// SetAlgorithm switches the active eviction policy. Every tracked
// descriptor and the per-algorithm stats survive the switch untouched.
func (m *Manager) SetAlgorithm(a Algorithm) {
	m.lock.Acquire()
	defer m.lock.Release()
	m.algo = a
}

func (m *Manager) Algorithm() Algorithm {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.algo
}

// AutoTune switches the active algorithm according to a fixed memory
// pressure threshold table, and reports which algorithm it selected.
func (m *Manager) AutoTune(pressurePercent int) Algorithm {
	var a Algorithm
	switch {
	case pressurePercent < 50:
		a = LRU
	case pressurePercent < 80:
		a = EnhancedLRU
	case pressurePercent < 95:
		a = Clock
	default:
		a = FIFO
	}
	m.SetAlgorithm(a)
	return a
}

// AddPage starts tracking f as an eviction candidate.
func (m *Manager) AddPage(f mem.Frame) {
	m.lock.Acquire()
	defer m.lock.Release()

	if _, ok := m.descriptors[f]; ok {
		return
	}
	m.descriptors[f] = &descriptor{insertedAt: m.clock, lastAccess: m.clock}
	m.order = append(m.order, f)
	m.clock++
}

// RemovePage stops tracking f (it was actually evicted, or freed outright).
func (m *Manager) RemovePage(f mem.Frame) {
	m.lock.Acquire()
	defer m.lock.Release()
	m.removeFromOrder(f)
	delete(m.descriptors, f)
}

func (m *Manager) removeFromOrder(f mem.Frame) {
	for i, o := range m.order {
		if o == f {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.clockHand > i {
				m.clockHand--
			}
			return
		}
	}
}

// NoteAccess records a reference to f, reporting whether f was already
// tracked (a hit) or not (a miss); the current algorithm's stats are
// updated accordingly. Under LRU, a hit also moves f to the
// most-recently-used end of the ordering.
func (m *Manager) NoteAccess(f mem.Frame) (hit bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	d, ok := m.descriptors[f]
	st := m.stats[m.algo]
	if !ok {
		st.Misses++
		return false
	}
	st.Hits++

	d.Accessed = true
	d.AccessCount++
	d.lastAccess = m.clock
	m.clock++

	if m.algo == LRU {
		m.removeFromOrder(f)
		m.order = append(m.order, f)
	}

	return true
}

func (m *Manager) MarkDirty(f mem.Frame) {
	m.lock.Acquire()
	defer m.lock.Release()
	if d, ok := m.descriptors[f]; ok {
		d.Dirty = true
	}
}

func (m *Manager) MarkClean(f mem.Frame) {
	m.lock.Acquire()
	defer m.lock.Release()
	if d, ok := m.descriptors[f]; ok {
		d.Dirty = false
	}
}

// SetLocked pins or unpins f; a locked page is never returned by
// FindVictim.
func (m *Manager) SetLocked(f mem.Frame, locked bool) {
	m.lock.Acquire()
	defer m.lock.Release()
	if d, ok := m.descriptors[f]; ok {
		d.Locked = locked
	}
}

// FindVictim picks an eviction candidate under the active algorithm
// without removing it from tracking; the caller removes it explicitly via
// RemovePage once the eviction actually completes. Returns
// (mem.InvalidFrame, false) if every tracked page is locked.
func (m *Manager) FindVictim() (mem.Frame, bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	switch m.algo {
	case LRU, FIFO:
		return m.victimFromFront()
	case Clock:
		return m.victimClock()
	case EnhancedLRU:
		return m.victimEnhancedLRU()
	default:
		return mem.InvalidFrame, false
	}
}

// victimFromFront serves both LRU and FIFO: in both, order[0] is the
// oldest entry (LRU keeps it that way by moving accessed pages to the
// back; FIFO never reorders at all), so both simply scan from the front
// for the first unlocked candidate.
func (m *Manager) victimFromFront() (mem.Frame, bool) {
	for _, f := range m.order {
		if !m.descriptors[f].Locked {
			return f, true
		}
	}
	return mem.InvalidFrame, false
}

// victimClock walks the ring from clockHand, giving every accessed page a
// second chance (clearing its Accessed bit and advancing past it) before
// settling on the first page found with a clear Accessed bit. Locked pages
// are skipped without being granted or losing a second chance.
func (m *Manager) victimClock() (mem.Frame, bool) {
	n := len(m.order)
	if n == 0 {
		return mem.InvalidFrame, false
	}

	for scanned := 0; scanned < 2*n; scanned++ {
		if m.clockHand >= len(m.order) {
			m.clockHand = 0
			if len(m.order) == 0 {
				return mem.InvalidFrame, false
			}
		}

		f := m.order[m.clockHand]
		d := m.descriptors[f]
		if d.Locked {
			m.clockHand++
			continue
		}
		if d.Accessed {
			d.Accessed = false
			m.clockHand++
			continue
		}
		return f, true
	}
	return mem.InvalidFrame, false
}

// victimEnhancedLRU scores every unlocked candidate by age, access
// frequency, and dirty state, returning the lowest-scoring (most evictable)
// one, breaking ties in favor of whichever was seen first.
func (m *Manager) victimEnhancedLRU() (mem.Frame, bool) {
	var best mem.Frame
	var bestScore int64
	found := false

	for _, f := range m.order {
		d := m.descriptors[f]
		if d.Locked {
			continue
		}

		age := int64(m.clock - d.lastAccess)
		accessCount := d.AccessCount
		if accessCount < 1 {
			accessCount = 1
		}
		score := (age >> 10) + int64(1000/accessCount)
		if d.Dirty {
			score += 500
		}
		if d.Accessed {
			score -= 100
		}

		if !found || score < bestScore {
			best, bestScore, found = f, score, true
		}
	}

	return best, found
}

// StatsFor returns a copy of the hit/miss counters for algorithm a.
func (m *Manager) StatsFor(a Algorithm) Stats {
	m.lock.Acquire()
	defer m.lock.Release()
	return *m.stats[a]
}

// Tracked reports how many pages are currently under management.
func (m *Manager) Tracked() int {
	m.lock.Acquire()
	defer m.lock.Release()
	return len(m.order)
}
