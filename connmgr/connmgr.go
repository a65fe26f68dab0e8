/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package connmgr maintains pooled transport sessions to peers. Every peer has
a circuit breaker and a transport quality estimate; acquisition fails fast
while a breaker is open so packet workers never stall on a dead peer.
*/
package connmgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/registry"
	"github.com/facebook/mixnet/stats"
)

// ConnState is the lifecycle position of one session.
type ConnState int

// Session states.
const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateDraining
	StateBroken
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateBroken:
		return "broken"
	}
	return "unknown"
}

// ewmaWeight is the smoothing factor for RTT and success ratio estimates.
const ewmaWeight = 0.2

// Session is one framed transport connection to a peer. Sessions are
// single-owner between Acquire and Release.
type Session struct {
	Peer protocol.PeerID

	conn     net.Conn
	seq      uint32
	state    ConnState
	lastUsed time.Time
}

// Send writes one frame, stamping the per-connection sequence number.
func (s *Session) Send(f *protocol.Frame, deadline time.Time) error {
	f.Seq = s.seq
	s.seq++
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := s.conn.Write(protocol.MarshalFrame(f))
	return err
}

// Receive reads one frame off the session.
func (s *Session) Receive(deadline time.Time) (*protocol.Frame, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return protocol.ReadFrame(s.conn)
}

// Close tears the transport down.
func (s *Session) Close() error {
	s.state = StateBroken
	return s.conn.Close()
}

// quality is the EWMA transport estimate for one peer.
type quality struct {
	rtt     float64 // milliseconds, 0 until first sample
	success float64
}

type peerState struct {
	idle    []*Session
	open    int
	breaker *Breaker
	quality quality
}

// Dialer opens a transport connection; swapped out in tests.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Options tune the manager.
type Options struct {
	// MaxSessionsPerPeer bounds pooled plus active sessions per peer.
	MaxSessionsPerPeer int
	// MaxOutbound bounds total outbound sessions.
	MaxOutbound int
	// ConnectTimeout bounds session establishment.
	ConnectTimeout time.Duration
	// IdleTimeout reaps sessions unused for longer.
	IdleTimeout time.Duration
	// BreakerWindow, BreakerThreshold and BreakerTimeout parameterize
	// per-peer circuit breakers.
	BreakerWindow    int
	BreakerThreshold float64
	BreakerTimeout   time.Duration
}

// Manager owns all outbound transport sessions.
type Manager struct {
	mu    sync.Mutex
	peers map[protocol.PeerID]*peerState

	opts   Options
	reg    *registry.Registry
	dial   Dialer
	clock  clock.Clock
	stats  stats.Stats
	closed bool
}

// New creates a manager resolving peer addresses through the registry.
func New(opts Options, reg *registry.Registry, clk clock.Clock, st stats.Stats) *Manager {
	m := &Manager{
		peers: make(map[protocol.PeerID]*peerState),
		opts:  opts,
		reg:   reg,
		clock: clk,
		stats: st,
	}
	m.dial = func(ctx context.Context, address string) (net.Conn, error) {
		d := net.Dialer{Timeout: opts.ConnectTimeout}
		return d.DialContext(ctx, "tcp", address)
	}
	return m
}

// SetDialer replaces the transport dialer. Tests use this to fake peers.
func (m *Manager) SetDialer(d Dialer) {
	m.dial = d
}

func (m *Manager) peer(id protocol.PeerID) *peerState {
	ps, ok := m.peers[id]
	if !ok {
		ps = &peerState{
			breaker: NewBreaker(m.opts.BreakerWindow, m.opts.BreakerThreshold, m.opts.BreakerTimeout),
		}
		m.peers[id] = ps
	}
	return ps
}

// Acquire returns an open session to the peer, reusing a pooled one when
// possible. It fails fast with ErrPeerUnavailable while the peer's breaker
// is open; a dial failure feeds the breaker.
func (m *Manager) Acquire(ctx context.Context, id protocol.PeerID) (*Session, error) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: manager draining", protocol.ErrPeerUnavailable)
	}
	ps := m.peer(id)
	if !ps.breaker.Allow(now) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: breaker open for %s", protocol.ErrPeerUnavailable, id)
	}
	if n := len(ps.idle); n > 0 {
		s := ps.idle[n-1]
		ps.idle = ps.idle[:n-1]
		s.state = StateOpen
		s.lastUsed = now
		m.mu.Unlock()
		return s, nil
	}
	if ps.open >= m.opts.MaxSessionsPerPeer {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session limit for %s", protocol.ErrResource, id)
	}
	total := 0
	for _, p := range m.peers {
		total += p.open
	}
	if m.opts.MaxOutbound > 0 && total >= m.opts.MaxOutbound {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: outbound connection limit", protocol.ErrResource)
	}
	info := m.reg.Lookup(id)
	if info == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown peer %s", protocol.ErrPeerUnavailable, id)
	}
	ps.open++
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	conn, err := m.dial(dialCtx, info.Address)
	if err != nil {
		m.mu.Lock()
		ps.open--
		m.mu.Unlock()
		m.Fail(id)
		return nil, fmt.Errorf("%w: dialing %s: %v", protocol.ErrPeerUnavailable, info.Address, err)
	}
	m.publishOpen()
	return &Session{Peer: id, conn: conn, state: StateOpen, lastUsed: now}, nil
}

// Release returns a healthy session to the pool and records the attempt as a
// success with the observed round trip.
func (m *Manager) Release(s *Session, rtt time.Duration) {
	now := m.clock.Now()
	m.mu.Lock()
	ps := m.peer(s.Peer)
	ps.breaker.Success(now)
	q := &ps.quality
	ms := float64(rtt.Milliseconds())
	if q.rtt == 0 {
		q.rtt = ms
	} else {
		q.rtt = (1-ewmaWeight)*q.rtt + ewmaWeight*ms
	}
	q.success = (1-ewmaWeight)*q.success + ewmaWeight
	closed := m.closed
	s.lastUsed = now
	if !closed && len(ps.idle) < m.opts.MaxSessionsPerPeer {
		s.state = StateIdle
		ps.idle = append(ps.idle, s)
		m.mu.Unlock()
		return
	}
	ps.open--
	m.mu.Unlock()
	_ = s.Close()
	m.publishOpen()
}

// Discard closes a session after a transport failure and feeds the breaker.
func (m *Manager) Discard(s *Session) {
	m.mu.Lock()
	ps := m.peer(s.Peer)
	ps.open--
	m.mu.Unlock()
	_ = s.Close()
	m.Fail(s.Peer)
	m.publishOpen()
}

// Fail records a failed attempt against the peer without an open session,
// e.g. a dial failure.
func (m *Manager) Fail(id protocol.PeerID) {
	now := m.clock.Now()
	m.mu.Lock()
	ps := m.peer(id)
	tripped := ps.breaker.Failure(now)
	ps.quality.success = (1 - ewmaWeight) * ps.quality.success
	m.mu.Unlock()
	if tripped {
		log.Warningf("Circuit breaker opened for peer %s", id)
		if m.stats != nil {
			m.stats.IncBreakerTrips()
		}
	}
}

// BreakerState exposes the peer's breaker position.
func (m *Manager) BreakerState(id protocol.PeerID) BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer(id).breaker.State()
}

// Quality returns the peer's EWMA RTT (ms) and success ratio.
func (m *Manager) Quality(id protocol.PeerID) (rtt, success float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.peer(id).quality
	return q.rtt, q.success
}

// Candidates assembles balancer candidates from the given peers.
func (m *Manager) Candidates(infos []*protocol.NodeInfo) []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candidate, 0, len(infos))
	for _, info := range infos {
		c := Candidate{Info: info}
		if ps, ok := m.peers[info.ID]; ok {
			if ps.breaker.State() == BreakerOpen {
				continue
			}
			c.OpenConns = ps.open
			c.RTT = ps.quality.rtt
			c.Success = ps.quality.success
		}
		out = append(out, c)
	}
	return out
}

// ReapIdle closes sessions idle past the threshold.
func (m *Manager) ReapIdle() {
	now := m.clock.Now()
	var victims []*Session
	m.mu.Lock()
	for _, ps := range m.peers {
		kept := ps.idle[:0]
		for _, s := range ps.idle {
			if now.Sub(s.lastUsed) > m.opts.IdleTimeout {
				victims = append(victims, s)
				ps.open--
			} else {
				kept = append(kept, s)
			}
		}
		ps.idle = kept
	}
	m.mu.Unlock()
	for _, s := range victims {
		_ = s.Close()
	}
	if len(victims) > 0 {
		m.publishOpen()
	}
}

// Drain marks every pooled session draining and closes it. New Acquire
// calls fail fast afterwards.
func (m *Manager) Drain() {
	m.mu.Lock()
	m.closed = true
	var all []*Session
	for _, ps := range m.peers {
		for _, s := range ps.idle {
			s.state = StateDraining
			all = append(all, s)
		}
		ps.open -= len(ps.idle)
		ps.idle = nil
	}
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
	m.publishOpen()
}

func (m *Manager) publishOpen() {
	if m.stats == nil {
		return
	}
	m.mu.Lock()
	total := 0
	for _, ps := range m.peers {
		total += ps.open
	}
	m.mu.Unlock()
	m.stats.SetOpenConnections(int64(total))
}
