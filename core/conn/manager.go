// Package conn tracks the connections owned by one net thread: a
// generation-tagged slot arena keyed by UID, and the per-connection
// profile that reads, parses and writes.
package conn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/searchktools/fast-reactor/core/poller"
)

// UID identifies a connection slot. The low 32 bits are the slot index and
// the high 32 bits its generation, so a UID whose slot was freed and
// reused no longer resolves. Index 0 is reserved; UID 0 is never issued.
type UID uint64

func makeUID(gen, index uint32) UID {
	return UID(uint64(gen)<<32 | uint64(index))
}

func (u UID) Index() uint32      { return uint32(u) }
func (u UID) Generation() uint32 { return uint32(u >> 32) }

func (u UID) String() string {
	return fmt.Sprintf("%d.%d", u.Index(), u.Generation())
}

// DefaultChunkSize is the number of slots added when the free list runs dry
const DefaultChunkSize = 64

var (
	ErrStaleUID           = errors.New("conn: unknown or stale uid")
	ErrTooManyConnections = errors.New("conn: connection limit reached")
	ErrManagerClosed      = errors.New("conn: manager closed")
)

type slot struct {
	gen     uint32
	profile *Profile
}

// Manager owns the connections of one net thread. Other threads only
// ever call Add on it (accept sharding); everything else runs on the
// owner. One mutex serializes all slot changes.
type Manager struct {
	mu     sync.Mutex
	poller poller.Poller
	slots  []slot
	free   []uint32
	live   int
	chunk  int
	max    int
	closed bool
}

// NewManager creates a manager registering connections with p.
// maxConnections <= 0 means unlimited.
func NewManager(p poller.Poller, maxConnections, chunkSize int) *Manager {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	m := &Manager{
		poller: p,
		chunk:  chunkSize,
		max:    maxConnections,
		// slot 0 is reserved
		slots: make([]slot, 1, 1+chunkSize),
	}
	m.growLocked()
	return m
}

func (m *Manager) growLocked() {
	start := len(m.slots)
	for i := 0; i < m.chunk; i++ {
		m.slots = append(m.slots, slot{})
	}
	// Lowest indices are handed out first.
	for i := len(m.slots) - 1; i >= start; i-- {
		m.free = append(m.free, uint32(i))
	}
}

// Add takes ownership of p, assigns its UID and registers its descriptor
// for edge-triggered read and write readiness.
func (m *Manager) Add(p *Profile) (UID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrManagerClosed
	}
	if m.max > 0 && m.live >= m.max {
		return 0, ErrTooManyConnections
	}
	if len(m.free) == 0 {
		m.growLocked()
	}

	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	s := &m.slots[idx]
	uid := makeUID(s.gen, idx)
	p.uid = uid

	if m.poller != nil {
		interest := poller.Readable | poller.Writable | poller.EdgeTriggered
		if err := m.poller.Register(p.fd, interest, uint64(uid)); err != nil {
			m.free = append(m.free, idx)
			return 0, fmt.Errorf("register fd %d: %w", p.fd, err)
		}
	}

	s.profile = p
	m.live++
	return uid, nil
}

func (m *Manager) lookupLocked(uid UID) (*slot, bool) {
	idx := uid.Index()
	if idx == 0 || int(idx) >= len(m.slots) {
		return nil, false
	}
	s := &m.slots[idx]
	if s.profile == nil || s.gen != uid.Generation() {
		return nil, false
	}
	return s, true
}

// Get returns the live profile for uid
func (m *Manager) Get(uid UID) (*Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.lookupLocked(uid)
	if !ok {
		return nil, false
	}
	return s.profile, true
}

// Remove deregisters and closes the connection and frees its slot. It
// fails only for unknown or stale UIDs.
func (m *Manager) Remove(uid UID) error {
	m.mu.Lock()
	s, ok := m.lookupLocked(uid)
	if !ok {
		m.mu.Unlock()
		return ErrStaleUID
	}
	p := s.profile
	s.profile = nil
	s.gen++
	m.free = append(m.free, uid.Index())
	m.live--
	m.mu.Unlock()

	if m.poller != nil {
		_ = m.poller.Remove(p.fd)
	}
	// The slot is released either way; a failed close leaves nothing to retry.
	_ = p.close()
	return nil
}

// SweepTimeouts removes every connection whose deadline is before now.
// Long-lived protocols are exempt. It returns the removed UIDs.
func (m *Manager) SweepTimeouts(now time.Time) []UID {
	var expired []UID
	m.mu.Lock()
	for i := 1; i < len(m.slots); i++ {
		p := m.slots[i].profile
		if p == nil || p.LongLived() || p.deadline.IsZero() {
			continue
		}
		if p.deadline.Before(now) {
			expired = append(expired, p.uid)
		}
	}
	m.mu.Unlock()

	removed := expired[:0]
	for _, uid := range expired {
		if m.Remove(uid) == nil {
			removed = append(removed, uid)
		}
	}
	return removed
}

// Len returns the number of live connections
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Cap returns the current slot capacity, the reserved slot excluded
func (m *Manager) Cap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots) - 1
}

// UIDs returns a snapshot of the live connection ids
func (m *Manager) UIDs() []UID {
	m.mu.Lock()
	defer m.mu.Unlock()

	uids := make([]UID, 0, m.live)
	for i := 1; i < len(m.slots); i++ {
		if p := m.slots[i].profile; p != nil {
			uids = append(uids, p.uid)
		}
	}
	return uids
}

// Each calls fn for every live connection until fn returns false. fn runs
// without the lock held, on a snapshot.
func (m *Manager) Each(fn func(*Profile) bool) {
	m.mu.Lock()
	profiles := make([]*Profile, 0, m.live)
	for i := 1; i < len(m.slots); i++ {
		if p := m.slots[i].profile; p != nil {
			profiles = append(profiles, p)
		}
	}
	m.mu.Unlock()

	for _, p := range profiles {
		if !fn(p) {
			return
		}
	}
}

// Close removes every connection and refuses further Adds. Once it
// returns no Add is registering with the poller, so the owner may close it.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, uid := range m.UIDs() {
		_ = m.Remove(uid)
	}
}
