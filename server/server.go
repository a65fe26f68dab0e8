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
Package server wires the mixnode together: it owns the clock, the random
source and the long-term keys, runs the framed TCP data plane and the UDP
discovery plane, and supervises the packet workers, gossip and maintenance
tasks through one lifecycle.
*/
package server

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	sd "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/facebook/mixnet/bufpool"
	"github.com/facebook/mixnet/config"
	"github.com/facebook/mixnet/connmgr"
	"github.com/facebook/mixnet/drain"
	"github.com/facebook/mixnet/gossip"
	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/ratelimit"
	"github.com/facebook/mixnet/registry"
	"github.com/facebook/mixnet/routing"
	"github.com/facebook/mixnet/sphinx"
	"github.com/facebook/mixnet/stats"
)

// Server is the mixnode supervisor.
type Server struct {
	Config *config.Config
	Stats  stats.Stats
	Checks []drain.Drain
	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock

	signKey     ed25519.PrivateKey
	sphinxPriv  [32]byte
	sphinxPub   [32]byte
	selfID      protocol.PeerID
	selfCounter uint64

	reg      *registry.Registry
	pool     *bufpool.Pool
	limiter  *ratelimit.Limiter
	conns    *connmgr.Manager
	selector *routing.Selector
	proc     *sphinx.Processor
	gossiper *gossip.Gossiper
	balancer *connmgr.Balancer

	queue      chan *sphinx.Packet
	pktLimiter *rate.Limiter
	drained    int32
	inbound    int32
	inflight   int32

	tcpLn net.Listener
	udpLn *net.UDPConn

	// ctx governs intake (listeners, gossip, cover, maintenance);
	// workerCtx keeps the packet workers alive through the shutdown drain
	// window so queued packets can still finish their mix.
	ctx          context.Context
	cancel       context.CancelFunc
	workerCtx    context.Context
	workerCancel context.CancelFunc
	stopOnce     sync.Once
}

// Setup loads keys and constructs every component in dependency order. It
// is separated from Start so tests can drive a fully built server without
// binding real listeners through Start's supervision loop.
func (s *Server) Setup() error {
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	c := s.Config

	var err error
	s.signKey, err = LoadOrCreateSigningKey(c.KeyFile)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	copy(s.selfID[:], s.signKey.Public().(ed25519.PublicKey))
	s.sphinxPriv, err = LoadOrCreateSphinxKey(c.SphinxKeyFile)
	if err != nil {
		return fmt.Errorf("loading sphinx key: %w", err)
	}
	s.sphinxPub, err = sphinx.PublicKey(s.sphinxPriv)
	if err != nil {
		return fmt.Errorf("deriving sphinx public key: %w", err)
	}

	region, err := protocol.ParseRegion(c.Region)
	if err != nil {
		return err
	}
	policy, err := connmgr.ParsePolicy(c.RegionPolicy)
	if err != nil {
		return err
	}

	// C1 memory pool
	s.pool = bufpool.New(c.MemoryPoolSize, s.Stats)

	// C2 registry, restored from the persisted snapshot when present
	s.reg = registry.New(registry.Options{
		SkewTolerance: time.Minute,
		Self:          s.selfID,
	}, s.Stats)
	if c.SnapshotFile != "" {
		n, err := s.reg.LoadSnapshot(c.SnapshotFile, s.Clock.Now())
		if err != nil {
			log.Errorf("Loading peer snapshot: %v", err)
		} else if n > 0 {
			log.Infof("Restored %d peers from snapshot", n)
		}
	}

	// C3 rate limiter
	s.limiter = ratelimit.New(ratelimit.Options{
		GlobalRPS:          c.GlobalRPS,
		GlobalBurst:        int(c.GlobalRPS),
		RefillRate:         c.RPSPerSource,
		BaseCapacity:       float64(c.BurstPerSource),
		MinCapacity:        1,
		MaxCapacity:        float64(c.BurstPerSource) * 2,
		ViolationWindow:    time.Minute,
		ViolationThreshold: c.ViolationThreshold,
		BanDuration:        c.BanDuration,
		Whitelist:          c.Whitelist,
		LoadFactor:         ratelimit.SystemLoadFactor,
	}, s.Stats)

	// C4 connection manager
	s.conns = connmgr.New(connmgr.Options{
		MaxSessionsPerPeer: 4,
		MaxOutbound:        c.MaxOutboundConns,
		ConnectTimeout:     c.ConnectionTimeout,
		IdleTimeout:        5 * time.Minute,
		BreakerWindow:      10,
		BreakerThreshold:   c.CBThreshold,
		BreakerTimeout:     c.CBTimeout,
	}, s.reg, s.Clock, s.Stats)
	s.balancer = connmgr.NewBalancer(policy, region, 0.1, rand.New(rand.NewSource(seedFromCrypto())))

	// C5 path selector
	s.selector = routing.New(s.signKey, s.reg, c.ReputationFloor, c.SelectionCacheSize, s.Stats)

	// C6 sphinx processor
	s.proc = sphinx.NewProcessor(s.sphinxPriv, c.MixDelayMean, c.MixDelayCeiling(), c.EnableSIMD, s.Stats)

	// C7 gossip
	s.gossiper = gossip.New(gossip.Options{
		Interval:       c.GossipInterval,
		Fanout:         c.GossipFanout,
		Timeout:        c.GossipTimeout,
		MaxResponse:    64,
		Alpha:          c.Alpha,
		Beta:           c.Beta,
		BootstrapPeers: c.BootstrapPeers,
	}, s.reg, s.conns, s.Clock, s.SelfInfo, rand.New(rand.NewSource(seedFromCrypto())), s.Stats)

	s.queue = make(chan *sphinx.Packet, c.QueueSize)
	// packet-plane cap, independent of the per-source limiter
	s.pktLimiter = rate.NewLimiter(rate.Limit(c.MaxPacketRate), int(c.MaxPacketRate))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.workerCtx, s.workerCancel = context.WithCancel(context.Background())
	return nil
}

// seedFromCrypto seeds the process random sources from the system entropy
// pool; workers reseed their thread-local sources from this on start.
func seedFromCrypto() int64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// SelfInfo builds the node's signed announcement record. Each call bumps
// the monotonic counter so replacements always win against stale gossip.
func (s *Server) SelfInfo() *protocol.NodeInfo {
	region, _ := protocol.ParseRegion(s.Config.Region)
	n := &protocol.NodeInfo{
		ID:           s.selfID,
		Address:      s.Config.AdvertiseAddress,
		Region:       region,
		Capabilities: protocol.CapMixnode,
		SphinxKey:    s.sphinxPub,
		Stake:        s.Config.Stake,
		Counter:      atomic.AddUint64(&s.selfCounter, 1),
		LastSeen:     s.Clock.Now(),
		Reputation:   1,
	}
	n.Sign(s.signKey)
	return n
}

// Start binds the listeners and runs the node until Stop or a fatal error.
// Component start order: pool and registry are ready from Setup, then rate
// limiter (passive), transport listeners, packet workers, gossip.
func (s *Server) Start() error {
	c := s.Config

	var err error
	s.tcpLn, err = net.Listen("tcp", c.ListenAddr())
	if err != nil {
		return fmt.Errorf("binding data listener: %w", err)
	}
	log.Infof("Binding on %s", c.ListenAddr())
	udpAddr, err := net.ResolveUDPAddr("udp", c.DiscoveryAddr())
	if err != nil {
		return err
	}
	s.udpLn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("binding discovery listener: %w", err)
	}
	log.Infof("Binding discovery on %s", c.DiscoveryAddr())

	g, ctx := errgroup.WithContext(s.ctx)

	for i := 0; i < c.WorkerThreads; i++ {
		id := i
		g.Go(func() error {
			s.packetWorker(s.workerCtx, id)
			return nil
		})
	}
	g.Go(func() error {
		// any cancellation funnels through the ordered shutdown so the
		// workers always get their drain window
		<-ctx.Done()
		s.Stop()
		return nil
	})
	g.Go(func() error { return s.acceptLoop(ctx) })
	g.Go(func() error { return s.discoveryLoop(ctx) })
	g.Go(func() error {
		// discovery first, then steady-state rounds
		if err := s.gossiper.Bootstrap(ctx); err != nil {
			log.Warningf("Bootstrap incomplete: %v", err)
		}
		s.gossiper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.maintenanceLoop(ctx)
		return nil
	})
	if c.CoverTrafficRatio > 0 {
		g.Go(func() error {
			s.coverLoop(ctx)
			return nil
		})
	}

	// systemd readiness; unsupported environments just return false
	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Debugf("sd_notify not available: %v (supported=%v)", err, ok)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop quiesces in reverse start order: gossip and cover stop scheduling,
// workers drain up to the deadline, sessions close draining, then registry
// state is snapshotted.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Infof("Shutting down")
		// stop intake first: no new frames, no new gossip or cover
		s.cancel()
		if s.tcpLn != nil {
			_ = s.tcpLn.Close()
		}
		if s.udpLn != nil {
			_ = s.udpLn.Close()
		}

		// let the workers drain the queue up to the deadline; the idle
		// condition must hold across two polls so a packet between dequeue
		// and its in-flight mark is not missed
		deadline := s.Clock.Now().Add(s.Config.DrainDeadline)
		idle := 0
		for s.Clock.Now().Before(deadline) {
			if len(s.queue) == 0 && atomic.LoadInt32(&s.inflight) == 0 {
				idle++
				if idle >= 2 {
					break
				}
			} else {
				idle = 0
			}
			s.Clock.Sleep(10 * time.Millisecond)
		}

		// past the deadline the remainder is dropped: a mix delay cut short
		// must never turn into an early forward
		s.workerCancel()
		for {
			select {
			case <-s.queue:
				if s.Stats != nil {
					s.Stats.IncPacketsDropped(stats.DropReasonShutdown)
				}
				continue
			default:
			}
			break
		}

		s.conns.Drain()
		if s.Config.SnapshotFile != "" {
			if err := s.reg.SaveSnapshot(s.Config.SnapshotFile); err != nil {
				log.Errorf("Saving peer snapshot: %v", err)
			}
		}
		if s.Config.PidFile != "" {
			if err := s.Config.DeletePidFile(); err != nil && !os.IsNotExist(err) {
				log.Errorf("Removing pid file: %v", err)
			}
		}
	})
}

// fatal is called when an internal invariant is violated; the panic counter
// is bumped and the node shuts down in order rather than limping on with
// poisoned state.
func (s *Server) fatal(r interface{}) {
	log.Errorf("Invariant violation: %v", r)
	if s.Stats != nil {
		s.Stats.IncPanics()
	}
	go s.Stop()
}

// acceptLoop admits inbound data-plane connections up to the configured cap.
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if max := int32(s.Config.MaxInboundConns); max > 0 && atomic.LoadInt32(&s.inbound) >= max {
			_ = conn.Close()
			if s.Stats != nil {
				s.Stats.IncPacketsDropped(stats.DropReasonRateLimit)
			}
			continue
		}
		atomic.AddInt32(&s.inbound, 1)
		go func() {
			defer atomic.AddInt32(&s.inbound, -1)
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads framed messages off one inbound connection and
// dispatches them. Any malformed frame marks the connection broken.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.Config.ReadTimeout)); err != nil {
			return
		}
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				// corrupt peer: count and cut the connection
				if s.Stats != nil {
					s.Stats.IncProtocolViolations()
				}
				log.Debugf("Dropping connection from %s: %v", ip, err)
			}
			return
		}

		verdict := s.limiter.Check(ip, s.Clock.Now())
		if verdict.Decision != ratelimit.Allowed {
			if s.Stats != nil {
				s.Stats.IncPacketsDropped(stats.DropReasonRateLimit)
			}
			continue
		}

		if s.Stats != nil {
			s.Stats.IncRX(f.Type)
		}
		s.dispatchFrame(conn, f)
	}
}

// dispatchFrame routes one admitted frame to the owning component.
func (s *Server) dispatchFrame(conn net.Conn, f *protocol.Frame) {
	switch f.Type {
	case protocol.MsgSphinxPacket, protocol.MsgCoverTraffic:
		if !s.pktLimiter.Allow() {
			if s.Stats != nil {
				s.Stats.IncPacketsDropped(stats.DropReasonRateLimit)
			}
			return
		}
		pkt, err := sphinx.Parse(f.Payload)
		if err != nil {
			if s.Stats != nil {
				s.Stats.IncProtocolViolations()
				s.Stats.IncPacketsDropped(stats.DropReasonProtocol)
			}
			return
		}
		select {
		case s.queue <- pkt:
		default:
			if s.Stats != nil {
				s.Stats.IncPacketsDropped(stats.DropReasonQueue)
			}
		}
	case protocol.MsgTopologySync, protocol.MsgPeerExchange:
		resp, err := s.gossiper.HandleSync(f)
		if err != nil {
			if s.Stats != nil {
				s.Stats.IncProtocolViolations()
			}
			return
		}
		s.reply(conn, resp)
	case protocol.MsgHealthCheck:
		s.reply(conn, &protocol.Frame{Version: protocol.Version, Type: f.Type, Seq: f.Seq})
	case protocol.MsgRouteDiscovery, protocol.MsgSecurityAlert, protocol.MsgMetricsReport:
		// not served on the data plane
		log.Debugf("Ignoring %s on TCP", f.Type)
	default:
		if s.Stats != nil {
			s.Stats.IncPacketsDropped(stats.DropReasonUnknown)
		}
	}
}

func (s *Server) reply(conn net.Conn, out *protocol.Frame) {
	out.Version = protocol.Version
	if err := conn.SetWriteDeadline(time.Now().Add(s.Config.ReadTimeout)); err != nil {
		return
	}
	if _, err := conn.Write(protocol.MarshalFrame(out)); err != nil {
		log.Debugf("Failed to reply on %s: %v", conn.RemoteAddr(), err)
		return
	}
	if s.Stats != nil {
		s.Stats.IncTX(out.Type)
	}
}

// discoveryLoop serves bootstrap requests; each datagram is exactly one
// frame.
func (s *Server) discoveryLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		n, raddr, err := s.udpLn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		f, err := protocol.ParseFrame(buf[:n])
		if err != nil {
			if s.Stats != nil {
				s.Stats.IncProtocolViolations()
			}
			continue
		}
		if f.Type != protocol.MsgRouteDiscovery {
			continue
		}
		if s.Stats != nil {
			s.Stats.IncRX(f.Type)
		}
		resp, err := s.gossiper.HandleBootstrap(f)
		if err != nil {
			if s.Stats != nil {
				s.Stats.IncProtocolViolations()
			}
			continue
		}
		resp.Version = protocol.Version
		if _, err := s.udpLn.WriteToUDP(protocol.MarshalFrame(resp), raddr); err != nil {
			log.Debugf("Bootstrap reply to %s failed: %v", raddr, err)
			continue
		}
		if s.Stats != nil {
			s.Stats.IncTX(f.Type)
		}
	}
}

// maintenanceLoop owns the periodic chores: registry prune, idle session
// reap, drain checks, metric snapshots and balancer-driven peer exchange.
func (s *Server) maintenanceLoop(ctx context.Context) {
	prune := s.Clock.Ticker(s.Config.TopologyRefresh)
	defer prune.Stop()
	drainT := s.Clock.Ticker(s.Config.DrainInterval)
	defer drainT.Stop()
	metrics := s.Clock.Ticker(s.Config.MetricInterval)
	defer metrics.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			removed := s.reg.Prune(s.Clock.Now(), s.Config.PeerTimeout)
			if removed > 0 {
				log.Infof("Pruned %d stale peers", removed)
			}
			s.conns.ReapIdle()
			s.exchangeWithBest(ctx)
		case <-drainT.C:
			s.runDrainChecks()
		case <-metrics.C:
			if s.Stats != nil {
				s.Stats.Snapshot()
			}
		}
	}
}

// exchangeWithBest runs one extra gossip exchange with the peer the
// configured load balancing policy ranks best, keeping topology fresh along
// the paths traffic actually prefers.
func (s *Server) exchangeWithBest(ctx context.Context) {
	cands := s.conns.Candidates(s.reg.Eligible(s.Config.ReputationFloor))
	i := s.balancer.Pick(cands)
	if i < 0 {
		return
	}
	if err := s.gossiper.Exchange(ctx, cands[i].Info.ID); err != nil {
		log.Debugf("Peer exchange with %s failed: %v", cands[i].Info.ID, err)
	}
}

func (s *Server) runDrainChecks() {
	for _, check := range s.Checks {
		if check.Check() {
			if atomic.CompareAndSwapInt32(&s.drained, 0, 1) {
				log.Warningf("Drain check engaged, pausing cover traffic")
				if s.Stats != nil {
					s.Stats.SetDrain(1)
				}
			}
			return
		}
	}
	if atomic.CompareAndSwapInt32(&s.drained, 1, 0) {
		log.Infof("Drain check cleared")
		if s.Stats != nil {
			s.Stats.SetDrain(0)
		}
	}
}

// Drained reports whether a drain check is currently engaged.
func (s *Server) Drained() bool {
	return atomic.LoadInt32(&s.drained) == 1
}
