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

package server

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/sphinx"
	"github.com/facebook/mixnet/stats"
)

// packetWorker pulls sphinx packets off the shared queue, peels one layer,
// applies the mix delay and forwards. Each worker carries its own random
// source, reseeded from the process source on start.
func (s *Server) packetWorker(ctx context.Context, id int) {
	defer func() {
		if r := recover(); r != nil {
			s.fatal(r)
		}
	}()
	rng := rand.New(rand.NewSource(seedFromCrypto()))
	log.Debugf("Packet worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.queue:
			if s.Stats != nil {
				s.Stats.SetMaxWorkerQueue(id, int64(len(s.queue)))
			}
			atomic.AddInt32(&s.inflight, 1)
			s.processPacket(ctx, pkt, rng)
			atomic.AddInt32(&s.inflight, -1)
		}
	}
}

// processPacket runs the full per-hop pipeline for one packet.
func (s *Server) processPacket(ctx context.Context, pkt *sphinx.Packet, rng *rand.Rand) {
	res, err := s.proc.Process(pkt)
	if err != nil {
		// crypto failures stay silent towards the peer
		if s.Stats != nil {
			s.Stats.IncPacketsDropped(stats.DropReasonCrypto)
		}
		return
	}

	if !res.Forward {
		// final hop: delivery to the local sink is out of scope beyond
		// the counter
		if s.Stats != nil {
			s.Stats.IncPacketsFinal()
		}
		return
	}

	// the mix delay wakes early on shutdown and the packet is dropped;
	// retrying a partial mix would leak timing
	delay := s.proc.SampleDelay(rng)
	if s.Stats != nil {
		s.Stats.ObserveMixDelay(delay)
	}
	select {
	case <-ctx.Done():
		if s.Stats != nil {
			s.Stats.IncPacketsDropped(stats.DropReasonShutdown)
		}
		return
	case <-s.Clock.After(delay):
	}

	s.forward(ctx, res)
}

// forward dispatches a processed packet to its next hop. Failure feeds the
// breaker and drops the packet once; retransmission belongs to the client.
func (s *Server) forward(ctx context.Context, res *sphinx.Result) {
	info := s.reg.LookupByAddress(res.NextAddr)
	if info == nil {
		log.Debugf("Next hop %s is not a known peer", res.NextAddr)
		if s.Stats != nil {
			s.Stats.IncPacketsDropped(stats.DropReasonDispatch)
		}
		return
	}

	sess, err := s.conns.Acquire(ctx, info.ID)
	if err != nil {
		if s.Stats != nil {
			s.Stats.IncPacketsDropped(stats.DropReasonDispatch)
		}
		return
	}

	buf := s.pool.Get(res.Packet.Class)
	defer s.pool.Put(buf)
	n, err := res.Packet.Marshal(buf.B)
	if err != nil {
		s.conns.Release(sess, 0)
		if s.Stats != nil {
			s.Stats.IncPacketsDropped(stats.DropReasonDispatch)
		}
		return
	}

	start := s.Clock.Now()
	frame := &protocol.Frame{Version: protocol.Version, Type: protocol.MsgSphinxPacket, Payload: buf.B[:n]}
	if err := sess.Send(frame, time.Now().Add(s.Config.ReadTimeout)); err != nil {
		s.conns.Discard(sess)
		if s.Stats != nil {
			s.Stats.IncPacketsDropped(stats.DropReasonDispatch)
		}
		return
	}
	rtt := s.Clock.Now().Sub(start)
	s.conns.Release(sess, rtt)

	if s.Stats != nil {
		s.Stats.IncTX(protocol.MsgSphinxPacket)
		s.Stats.IncPacketsForwarded()
		s.Stats.ObserveForwardLatency(rtt)
	}
}
