// Package balancer picks upstream web servers for the reverse proxy and
// tracks their health from heartbeats.
package balancer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoCandidates    = errors.New("balancer: no candidates")
	ErrInvalidClientIP = errors.New("balancer: invalid client ip")
	ErrUnknownRule     = errors.New("balancer: unknown rule")
)

// Rule selects the balancing algorithm.
type Rule uint8

const (
	Poll Rule = iota
	Weight
	IPHash
)

func (r Rule) String() string {
	switch r {
	case Poll:
		return "poll"
	case Weight:
		return "weight"
	case IPHash:
		return "iphash"
	}
	return "unknown"
}

// ParseRule maps a configuration value to a Rule.
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poll", "":
		return Poll, nil
	case "weight":
		return Weight, nil
	case "iphash":
		return IPHash, nil
	}
	return Poll, fmt.Errorf("%w: %q", ErrUnknownRule, s)
}

// WebServerProfile describes one upstream candidate.
type WebServerProfile struct {
	IP     string
	Port   int
	Weight int

	Down          bool
	Overload      bool
	LastHeartbeat time.Time
	Backlog       int
}

func (w WebServerProfile) Addr() string {
	return net.JoinHostPort(w.IP, strconv.Itoa(w.Port))
}

// LoadBalancer is shared by every NetThread of a proxy. All methods are safe
// for concurrent use.
type LoadBalancer struct {
	mu         sync.Mutex
	rule       Rule
	candidates []WebServerProfile
	cursor     int
	residual   int
	maxBacklog int
}

// New copies candidates. A candidate is marked overloaded once a heartbeat
// reports a backlog of at least maxBacklog; 0 disables the check.
func New(rule Rule, candidates []WebServerProfile, maxBacklog int) *LoadBalancer {
	cs := make([]WebServerProfile, len(candidates))
	copy(cs, candidates)
	return &LoadBalancer{
		rule:       rule,
		candidates: cs,
		cursor:     -1,
		maxBacklog: maxBacklog,
	}
}

func (b *LoadBalancer) Rule() Rule {
	return b.rule
}

// Select returns a copy of the chosen candidate. Down and overloaded
// candidates are not skipped; callers retry on connect failure.
func (b *LoadBalancer) Select(clientIP string) (WebServerProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.candidates)
	if n == 0 {
		return WebServerProfile{}, ErrNoCandidates
	}

	switch b.rule {
	case Weight:
		if b.residual > 0 && b.cursor >= 0 {
			b.residual--
			return b.candidates[b.cursor], nil
		}
		b.advance()
		b.residual = max(b.candidates[b.cursor].Weight-1, 0)
	case IPHash:
		ip := net.ParseIP(clientIP).To4()
		if ip == nil {
			return WebServerProfile{}, fmt.Errorf("%w: %q", ErrInvalidClientIP, clientIP)
		}
		b.cursor = int(binary.BigEndian.Uint32(ip) % uint32(n))
		b.residual = 0
	default:
		b.advance()
	}
	return b.candidates[b.cursor], nil
}

// advance moves the cursor to the next candidate with a positive weight,
// scanning at most one full lap. With no positive weight it settles on the
// first candidate.
func (b *LoadBalancer) advance() {
	n := len(b.candidates)
	for i := 0; i < n; i++ {
		b.cursor = (b.cursor + 1) % n
		if b.candidates[b.cursor].Weight > 0 {
			return
		}
	}
	b.cursor = 0
}

func (b *LoadBalancer) find(ip string, port int) int {
	for i := range b.candidates {
		if b.candidates[i].IP == ip && b.candidates[i].Port == port {
			return i
		}
	}
	return -1
}

// ReportDown marks a candidate down. It reports whether the candidate exists.
func (b *LoadBalancer) ReportDown(ip string, port int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(ip, port)
	if i < 0 {
		return false
	}
	b.candidates[i].Down = true
	return true
}

// ReceiveHeartbeat records a heartbeat from a candidate, bringing it back up.
func (b *LoadBalancer) ReceiveHeartbeat(hb Heartbeat) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(hb.IP, hb.Port)
	if i < 0 {
		return false
	}
	c := &b.candidates[i]
	c.Down = false
	c.Backlog = hb.Backlog
	c.LastHeartbeat = hb.Timestamp
	if c.LastHeartbeat.IsZero() {
		c.LastHeartbeat = time.Now()
	}
	c.Overload = b.maxBacklog > 0 && hb.Backlog >= b.maxBacklog
	return true
}

// Candidates returns a snapshot of all candidates.
func (b *LoadBalancer) Candidates() []WebServerProfile {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]WebServerProfile, len(b.candidates))
	copy(out, b.candidates)
	return out
}
