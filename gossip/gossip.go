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
Package gossip keeps the peer registry synchronized with the rest of the
network. Discovery bootstraps over UDP against configured seed nodes;
steady-state rounds exchange topology deltas with a reputation-weighted
random fanout over the framed TCP transport.
*/
package gossip

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/mixnet/connmgr"
	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/registry"
	"github.com/facebook/mixnet/stats"
)

// Options tune the synchronizer.
type Options struct {
	// Interval is the steady-state gossip period.
	Interval time.Duration
	// Fanout is how many peers are contacted per round.
	Fanout int
	// Timeout bounds one exchange.
	Timeout time.Duration
	// MaxResponse caps records per response.
	MaxResponse int
	// Alpha and Beta are the reputation learning rates.
	Alpha float64
	Beta  float64
	// BootstrapPeers are UDP discovery addresses.
	BootstrapPeers []string
	// MaxBootstrapAttempts bounds discovery retries per seed.
	MaxBootstrapAttempts int
	// Backoff paces bootstrap retries.
	Backoff BackoffConfig
}

// Gossiper runs discovery and steady-state topology sync.
type Gossiper struct {
	opts  Options
	reg   *registry.Registry
	conns *connmgr.Manager
	clk   clock.Clock
	stats stats.Stats
	rng   *rand.Rand

	// self returns the node's current signed NodeInfo for bootstrap
	// announcements.
	self func() *protocol.NodeInfo
}

// New creates a gossiper. The self callback supplies the announcement
// record; the rng drives fanout sampling.
func New(opts Options, reg *registry.Registry, conns *connmgr.Manager, clk clock.Clock, self func() *protocol.NodeInfo, rng *rand.Rand, st stats.Stats) *Gossiper {
	if opts.MaxResponse <= 0 {
		opts.MaxResponse = 64
	}
	if opts.MaxBootstrapAttempts <= 0 {
		opts.MaxBootstrapAttempts = 5
	}
	if opts.Backoff.Step == 0 {
		opts.Backoff = BackoffConfig{Step: 2, MaxValue: 60}
	}
	return &Gossiper{opts: opts, reg: reg, conns: conns, clk: clk, self: self, rng: rng, stats: st}
}

// Bootstrap announces the local node to every configured seed over UDP and
// applies the returned records. Failure is surfaced but never fatal; the
// node keeps serving peers it already knows.
func (g *Gossiper) Bootstrap(ctx context.Context) error {
	var lastErr error
	for _, addr := range g.opts.BootstrapPeers {
		if err := g.bootstrapOne(ctx, addr); err != nil {
			log.Warningf("Bootstrap against %s failed: %v", addr, err)
			lastErr = err
		}
	}
	return lastErr
}

func (g *Gossiper) bootstrapOne(ctx context.Context, addr string) error {
	bo := newBackoff(g.opts.Backoff)
	var lastErr error
	for attempt := 0; attempt < g.opts.MaxBootstrapAttempts; attempt++ {
		if attempt > 0 {
			wait := bo.inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.clk.After(wait):
			}
		}
		if err := g.exchangeUDP(addr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// exchangeUDP performs one bootstrap request/response on a fresh socket.
// Each datagram carries exactly one frame.
func (g *Gossiper) exchangeUDP(addr string) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := protocol.EncodeNodeInfos([]*protocol.NodeInfo{g.self()})
	frame := packFrame(protocol.MsgRouteDiscovery, payload)
	if err := conn.SetDeadline(time.Now().Add(g.opts.Timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(protocol.MarshalFrame(frame)); err != nil {
		return err
	}

	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	resp, err := protocol.ParseFrame(buf[:n])
	if err != nil {
		return err
	}
	raw, err := unpackFrame(resp)
	if err != nil {
		return err
	}
	sync, err := DecodeSyncResponse(raw)
	if err != nil {
		return err
	}
	now := g.clk.Now()
	for _, info := range sync.Infos {
		g.reg.Upsert(info, now)
	}
	log.Infof("Bootstrap from %s delivered %d peers", addr, len(sync.Infos))
	return nil
}

// Run executes steady-state rounds until the context is cancelled.
func (g *Gossiper) Run(ctx context.Context) {
	ticker := g.clk.Ticker(g.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.round(ctx)
		}
	}
}

// round contacts a reputation-and-freshness weighted sample of peers.
func (g *Gossiper) round(ctx context.Context) {
	targets := g.pickTargets()
	if len(targets) == 0 {
		return
	}
	if g.stats != nil {
		g.stats.IncGossipRounds()
	}
	for _, t := range targets {
		if err := g.Exchange(ctx, t.ID); err != nil {
			log.Debugf("Gossip with %s failed: %v", t.ID, err)
			g.reg.Penalize(t.ID, g.opts.Beta)
			if g.stats != nil {
				g.stats.IncGossipFailures()
			}
			continue
		}
		g.reg.Reward(t.ID, g.opts.Alpha)
		g.reg.Touch(t.ID, g.clk.Now())
	}
}

// pickTargets samples fanout peers without replacement, weighted by
// reputation and how recently the peer was seen.
func (g *Gossiper) pickTargets() []*protocol.NodeInfo {
	peers := g.reg.All()
	if len(peers) == 0 {
		return nil
	}
	now := g.clk.Now()
	weights := make([]float64, len(peers))
	for i, p := range peers {
		age := now.Sub(p.LastSeen).Hours()
		if age < 0 {
			age = 0
		}
		weights[i] = (0.1 + p.Reputation) / (1 + age)
	}

	count := g.opts.Fanout
	if count > len(peers) {
		count = len(peers)
	}
	out := make([]*protocol.NodeInfo, 0, count)
	for len(out) < count {
		var total float64
		for _, w := range weights {
			total += w
		}
		if total <= 0 {
			break
		}
		target := g.rng.Float64() * total
		var cum float64
		for i, w := range weights {
			if w == 0 {
				continue
			}
			cum += w
			if cum >= target {
				out = append(out, peers[i])
				weights[i] = 0
				break
			}
		}
	}
	return out
}

// Exchange performs one digest-then-delta exchange with a peer over the
// framed transport.
func (g *Gossiper) Exchange(ctx context.Context, id protocol.PeerID) error {
	sess, err := g.conns.Acquire(ctx, id)
	if err != nil {
		return err
	}
	start := g.clk.Now()
	deadline := time.Now().Add(g.opts.Timeout)

	digest, _ := g.reg.Snapshot()
	req := &SyncRequest{Digest: digest, Max: uint32(g.opts.MaxResponse), Ranges: g.reg.RangeDigests()}
	frame := packFrame(protocol.MsgTopologySync, EncodeSyncRequest(req))
	if err := sess.Send(frame, deadline); err != nil {
		g.conns.Discard(sess)
		return err
	}
	resp, err := sess.Receive(deadline)
	if err != nil {
		g.conns.Discard(sess)
		return err
	}
	g.conns.Release(sess, g.clk.Now().Sub(start))

	raw, err := unpackFrame(resp)
	if err != nil {
		return err
	}
	applied, err := g.ApplySyncResponse(raw)
	if err != nil {
		return err
	}
	if applied > 0 {
		log.Debugf("Gossip with %s applied %d records", id, applied)
	}
	return nil
}

// ApplySyncResponse admits every record of a sync response through the
// registry and returns how many were accepted. Out-of-order arrivals are
// resolved by the records' monotonic counters, not wire order.
func (g *Gossiper) ApplySyncResponse(raw []byte) (int, error) {
	sync, err := DecodeSyncResponse(raw)
	if err != nil {
		return 0, err
	}
	now := g.clk.Now()
	applied := 0
	for _, info := range sync.Infos {
		if res := g.reg.Upsert(info, now); res.Outcome != registry.Rejected {
			applied++
		}
	}
	return applied, nil
}

// HandleSync answers a peer's sync request frame: equal digests end the
// exchange, otherwise the records the requester is missing are returned via
// the sorted-prefix diff, capped at the requester's limit. The reply frame
// carries the request's type and compresses large deltas.
func (g *Gossiper) HandleSync(f *protocol.Frame) (*protocol.Frame, error) {
	payload, err := unpackFrame(f)
	if err != nil {
		return nil, err
	}
	req, err := DecodeSyncRequest(payload)
	if err != nil {
		return nil, err
	}
	digest, _ := g.reg.Snapshot()
	resp := &SyncResponse{Digest: digest}
	if req.Digest != digest {
		resp.Infos = g.missingFor(req)
	}
	out := packFrame(f.Type, EncodeSyncResponse(resp))
	out.Seq = f.Seq
	return out, nil
}

// HandleBootstrap answers a UDP discovery request frame: the sender's record
// is admitted and a capped sample of the registry is returned.
func (g *Gossiper) HandleBootstrap(f *protocol.Frame) (*protocol.Frame, error) {
	payload, err := unpackFrame(f)
	if err != nil {
		return nil, err
	}
	infos, err := protocol.DecodeNodeInfos(payload)
	if err != nil {
		return nil, err
	}
	now := g.clk.Now()
	for _, info := range infos {
		g.reg.Upsert(info, now)
	}
	digest, _ := g.reg.Snapshot()
	all := g.reg.All()
	if len(all) > g.opts.MaxResponse {
		all = all[:g.opts.MaxResponse]
	}
	out := packFrame(protocol.MsgRouteDiscovery, EncodeSyncResponse(&SyncResponse{Digest: digest, Infos: all}))
	out.Seq = f.Seq
	return out, nil
}

// missingFor walks both sides' sorted prefix ranges and returns this node's
// records from the ranges whose digests diverge, capped at the requester's
// limit. Matching ranges ship nothing; the requester resolves duplicates
// inside a shipped range through Upsert's counter check.
func (g *Gossiper) missingFor(req *SyncRequest) []*protocol.NodeInfo {
	mine := g.reg.RangeDigests()
	out := make([]*protocol.NodeInfo, 0)
	// both range lists are sorted by prefix; merge-walk them
	j := 0
	for _, m := range mine {
		for j < len(req.Ranges) && req.Ranges[j].Prefix < m.Prefix {
			j++
		}
		if j < len(req.Ranges) && req.Ranges[j].Prefix == m.Prefix && req.Ranges[j].Hash == m.Hash {
			continue
		}
		for _, info := range g.reg.ByIDPrefix(m.Prefix) {
			out = append(out, info)
			if len(out) >= int(req.Max) {
				return out
			}
		}
	}
	return out
}
