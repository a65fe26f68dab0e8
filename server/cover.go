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
	cryptorand "crypto/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/mixnet/bufpool"
	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/routing"
	"github.com/facebook/mixnet/sphinx"
)

// coverPayloadSize keeps cover payloads in the small size class.
const coverPayloadSize = 256

// coverInterval derives the origination period from the configured ratio:
// a ratio of 0.1 with a 50ms mean delay emits one cover packet per 500ms.
func (s *Server) coverInterval() time.Duration {
	interval := time.Duration(float64(s.Config.MixDelayMean) / s.Config.CoverTrafficRatio)
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// coverLoop injects synthetic packets along selector-chosen paths. Cover
// packets use the same construction and the same wire type as forwarded
// traffic, which is what makes them indistinguishable in transit. A failed
// selection simply waits for the next tick.
func (s *Server) coverLoop(ctx context.Context) {
	ticker := s.Clock.Ticker(s.coverInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Drained() {
				continue
			}
			if err := s.sendCover(ctx); err != nil {
				log.Debugf("Cover packet not sent: %v", err)
			}
		}
	}
}

// epoch is the selection epoch: paths stay stable within one topology
// refresh window and rotate with it.
func (s *Server) epoch() uint64 {
	return uint64(s.Clock.Now().Unix()) / uint64(s.Config.TopologyRefresh.Seconds())
}

func (s *Server) sendCover(ctx context.Context) error {
	req := &routing.PathRequest{Hops: s.Config.PathLength, Exclude: []protocol.PeerID{s.selfID}}
	if _, err := cryptorand.Read(req.Fingerprint[:]); err != nil {
		return err
	}
	path, err := s.selector.SelectPath(req, s.epoch())
	if err != nil {
		return err
	}

	route := make([]sphinx.RouteHop, len(path.Hops))
	for i, h := range path.Hops {
		route[i] = sphinx.RouteHop{Address: h.Node.Address, SphinxKey: h.Node.SphinxKey}
	}
	payload := make([]byte, coverPayloadSize)
	if _, err := cryptorand.Read(payload); err != nil {
		return err
	}
	pkt, err := sphinx.BuildPacket(bufpool.ClassSmall, route, payload, cryptorand.Reader)
	if err != nil {
		return err
	}

	res := &sphinx.Result{Forward: true, NextAddr: route[0].Address, Packet: pkt}
	s.forward(ctx, res)
	if s.Stats != nil {
		s.Stats.IncCoverTraffic()
	}
	return nil
}
