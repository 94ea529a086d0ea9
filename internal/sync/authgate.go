package sync

import (
	stdsync "sync"
	"time"
)

// Authentication rate limits: the first attempts must be spaced out, and a
// burst of failures triggers a long cool-down.
const (
	maxQuickAttempts = 3
	attemptSpacing   = 5 * time.Second
	authCoolDown     = 10 * time.Minute
)

// authState is the per-peer attempt history.
type authState struct {
	failures    int
	lastAttempt time.Time
}

// AuthGate rate-limits PIN verification attempts per peer. Allow must be
// consulted before every verification; RecordFailure and RecordSuccess feed
// the history back.
type AuthGate struct {
	mu    stdsync.Mutex
	peers map[uint64]*authState
	now   func() time.Time // injectable for tests
}

// NewAuthGate creates an empty gate.
func NewAuthGate() *AuthGate {
	return &AuthGate{
		peers: make(map[uint64]*authState),
		now:   time.Now,
	}
}

// Allow reports whether a peer may attempt authentication now. Within the
// first attempts each try must be at least attemptSpacing after the last;
// once the failure burst is exhausted only the cool-down resets the gate.
func (g *AuthGate) Allow(peerID uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.peers[peerID]
	if !ok {
		return true
	}

	since := g.now().Sub(st.lastAttempt)

	if st.failures >= maxQuickAttempts {
		if since < authCoolDown {
			return false
		}

		st.failures = 0

		return true
	}

	return since >= attemptSpacing
}

// RecordFailure notes a failed attempt for a peer.
func (g *AuthGate) RecordFailure(peerID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.peers[peerID]
	if !ok {
		st = &authState{}
		g.peers[peerID] = st
	}

	st.failures++
	st.lastAttempt = g.now()
}

// RecordSuccess clears a peer's attempt history.
func (g *AuthGate) RecordSuccess(peerID uint64) {
	g.mu.Lock()
	delete(g.peers, peerID)
	g.mu.Unlock()
}
