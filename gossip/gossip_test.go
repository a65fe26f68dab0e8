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

package gossip

import (
	"crypto/ed25519"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/registry"
)

var testNow = time.Unix(1700000000, 0)

func signedPeer(t testing.TB, region protocol.Region) *protocol.NodeInfo {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	n := &protocol.NodeInfo{
		Address:      "192.0.2.7:4000",
		Region:       region,
		Capabilities: protocol.CapMixnode,
		Stake:        100,
		Counter:      1,
		LastSeen:     testNow,
		Reputation:   0.5,
	}
	copy(n.ID[:], pub)
	n.Sign(priv)
	return n
}

func testGossiper(t testing.TB, seed int64) *Gossiper {
	reg := registry.New(registry.Options{SkewTolerance: time.Minute}, nil)
	mck := clock.NewMock()
	mck.Set(testNow)
	self := signedPeer(t, protocol.RegionEurope)
	return New(Options{
		Interval:    time.Second,
		Fanout:      2,
		Timeout:     time.Second,
		MaxResponse: 64,
		Alpha:       0.1,
		Beta:        0.2,
	}, reg, nil, mck, func() *protocol.NodeInfo { return self }, rand.New(rand.NewSource(seed)), nil)
}

// exchangeOnce runs one request/response cycle: a asks b, then applies b's
// answer.
func exchangeOnce(t testing.TB, a, b *Gossiper) {
	digest, _ := a.reg.Snapshot()
	req := &SyncRequest{Digest: digest, Max: 64, Ranges: a.reg.RangeDigests()}
	resp, err := b.HandleSync(packFrame(protocol.MsgTopologySync, EncodeSyncRequest(req)))
	require.NoError(t, err)
	raw, err := unpackFrame(resp)
	require.NoError(t, err)
	_, err = a.ApplySyncResponse(raw)
	require.NoError(t, err)
}

func TestSyncRequestRoundTrip(t *testing.T) {
	req := &SyncRequest{Max: 10}
	req.Digest[0] = 0xAB
	for i := 0; i < 3; i++ {
		rd := registry.RangeDigest{Prefix: byte(i * 7), Count: uint32(i + 1)}
		rd.Hash[0] = byte(i + 1)
		req.Ranges = append(req.Ranges, rd)
	}
	got, err := DecodeSyncRequest(EncodeSyncRequest(req))
	require.NoError(t, err)
	require.Equal(t, req.Digest, got.Digest)
	require.Equal(t, req.Max, got.Max)
	require.Equal(t, req.Ranges, got.Ranges)
}

func TestSyncRequestEmptyRanges(t *testing.T) {
	got, err := DecodeSyncRequest(EncodeSyncRequest(&SyncRequest{Max: 3}))
	require.NoError(t, err)
	require.Empty(t, got.Ranges)
	require.Equal(t, uint32(3), got.Max)
}

func TestSyncResponseRoundTrip(t *testing.T) {
	resp := &SyncResponse{Infos: []*protocol.NodeInfo{signedPeer(t, protocol.RegionAsia)}}
	resp.Digest[5] = 0x42
	got, err := DecodeSyncResponse(EncodeSyncResponse(resp))
	require.NoError(t, err)
	require.Equal(t, resp.Digest, got.Digest)
	require.Len(t, got.Infos, 1)
	require.True(t, got.Infos[0].VerifySignature())
}

func TestCompressionRoundTrip(t *testing.T) {
	// enough records to cross the compression threshold
	resp := &SyncResponse{}
	for i := 0; i < 30; i++ {
		resp.Infos = append(resp.Infos, signedPeer(t, protocol.RegionAfrica))
	}
	payload := EncodeSyncResponse(resp)
	require.Greater(t, len(payload), compressThreshold)

	f := packFrame(protocol.MsgTopologySync, payload)
	require.NotZero(t, f.Flags&protocol.FlagCompressed)

	// survives the wire
	parsed, err := protocol.ParseFrame(protocol.MarshalFrame(f))
	require.NoError(t, err)
	raw, err := unpackFrame(parsed)
	require.NoError(t, err)
	require.Equal(t, payload, raw)
}

func TestSmallPayloadNotCompressed(t *testing.T) {
	f := packFrame(protocol.MsgTopologySync, []byte("tiny"))
	require.Zero(t, f.Flags&protocol.FlagCompressed)
}

func TestHandleSyncEqualDigests(t *testing.T) {
	a := testGossiper(t, 1)
	b := testGossiper(t, 2)
	p := signedPeer(t, protocol.RegionAsia)
	require.Equal(t, registry.Added, a.reg.Upsert(p, testNow).Outcome)
	require.Equal(t, registry.Added, b.reg.Upsert(p, testNow).Outcome)

	digest, _ := a.reg.Snapshot()
	f, err := b.HandleSync(packFrame(protocol.MsgTopologySync, EncodeSyncRequest(&SyncRequest{Digest: digest, Max: 64, Ranges: a.reg.RangeDigests()})))
	require.NoError(t, err)
	raw, err := unpackFrame(f)
	require.NoError(t, err)
	resp, err := DecodeSyncResponse(raw)
	require.NoError(t, err)
	require.Empty(t, resp.Infos, "equal digests must not ship records")
}

func TestHandleSyncSendsMissing(t *testing.T) {
	a := testGossiper(t, 1)
	b := testGossiper(t, 2)
	onlyB := signedPeer(t, protocol.RegionAsia)
	require.Equal(t, registry.Added, b.reg.Upsert(onlyB, testNow).Outcome)

	exchangeOnce(t, a, b)
	require.NotNil(t, a.reg.Lookup(onlyB.ID))
}

func TestHandleSyncRespectsMax(t *testing.T) {
	b := testGossiper(t, 2)
	for i := 0; i < 20; i++ {
		require.Equal(t, registry.Added, b.reg.Upsert(signedPeer(t, protocol.RegionAsia), testNow).Outcome)
	}
	f, err := b.HandleSync(packFrame(protocol.MsgTopologySync, EncodeSyncRequest(&SyncRequest{Max: 5})))
	require.NoError(t, err)
	raw, err := unpackFrame(f)
	require.NoError(t, err)
	resp, err := DecodeSyncResponse(raw)
	require.NoError(t, err)
	require.Len(t, resp.Infos, 5)
}

func TestHandleSyncShipsOnlyDifferingRanges(t *testing.T) {
	a := testGossiper(t, 1)
	b := testGossiper(t, 2)
	for i := 0; i < 30; i++ {
		p := signedPeer(t, protocol.RegionAsia)
		require.Equal(t, registry.Added, a.reg.Upsert(p, testNow).Outcome)
		require.Equal(t, registry.Added, b.reg.Upsert(p, testNow).Outcome)
	}
	extra := signedPeer(t, protocol.RegionOceania)
	require.Equal(t, registry.Added, b.reg.Upsert(extra, testNow).Outcome)

	digest, _ := a.reg.Snapshot()
	req := &SyncRequest{Digest: digest, Max: 64, Ranges: a.reg.RangeDigests()}
	resp := handleSyncOnce(t, b, req)

	// only the range holding the extra record ships, not the whole registry
	require.Less(t, len(resp.Infos), b.reg.Count())
	found := false
	for _, info := range resp.Infos {
		require.Equal(t, extra.ID[0], info.ID[0], "record outside the diverging range shipped")
		if info.ID == extra.ID {
			found = true
		}
	}
	require.True(t, found, "missing record not shipped")
}

// handleSyncOnce runs one HandleSync round and decodes the reply.
func handleSyncOnce(t *testing.T, g *Gossiper, req *SyncRequest) *SyncResponse {
	f, err := g.HandleSync(packFrame(protocol.MsgTopologySync, EncodeSyncRequest(req)))
	require.NoError(t, err)
	raw, err := unpackFrame(f)
	require.NoError(t, err)
	resp, err := DecodeSyncResponse(raw)
	require.NoError(t, err)
	return resp
}

func TestConvergence(t *testing.T) {
	// three nodes with disjoint knowledge of six peers each
	nodes := []*Gossiper{testGossiper(t, 1), testGossiper(t, 2), testGossiper(t, 3)}
	for _, g := range nodes {
		for i := 0; i < 6; i++ {
			require.Equal(t, registry.Added, g.reg.Upsert(signedPeer(t, protocol.Region(i%6)), testNow).Outcome)
		}
	}

	// a few rounds of pairwise exchanges in both directions
	for round := 0; round < 3; round++ {
		for i := range nodes {
			for j := range nodes {
				if i != j {
					exchangeOnce(t, nodes[i], nodes[j])
				}
			}
		}
	}

	for i, g := range nodes {
		require.Equal(t, 18, g.reg.Count(), "node %d did not converge", i)
	}
	d0, _ := nodes[0].reg.Snapshot()
	d1, _ := nodes[1].reg.Snapshot()
	require.Equal(t, d0, d1)
}

func TestHandleBootstrapAdmitsAndAnswers(t *testing.T) {
	g := testGossiper(t, 1)
	known := signedPeer(t, protocol.RegionOceania)
	require.Equal(t, registry.Added, g.reg.Upsert(known, testNow).Outcome)

	joiner := signedPeer(t, protocol.RegionAsia)
	f, err := g.HandleBootstrap(packFrame(protocol.MsgRouteDiscovery, protocol.EncodeNodeInfos([]*protocol.NodeInfo{joiner})))
	require.NoError(t, err)

	// joiner was admitted
	require.NotNil(t, g.reg.Lookup(joiner.ID))

	// response carries the registry content
	raw, err := unpackFrame(f)
	require.NoError(t, err)
	resp, err := DecodeSyncResponse(raw)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(resp.Infos), 2)
}

func TestPickTargetsWeighted(t *testing.T) {
	g := testGossiper(t, 7)
	good := signedPeer(t, protocol.RegionEurope)
	require.Equal(t, registry.Added, g.reg.Upsert(good, testNow).Outcome)
	for i := 0; i < 4; i++ {
		bad := signedPeer(t, protocol.RegionAsia)
		require.Equal(t, registry.Added, g.reg.Upsert(bad, testNow).Outcome)
		for j := 0; j < 10; j++ {
			g.reg.Penalize(bad.ID, 0.5)
		}
	}
	g.reg.Reward(good.ID, 0.9)

	hits := 0
	for i := 0; i < 200; i++ {
		for _, target := range g.pickTargets() {
			if target.ID == good.ID {
				hits++
			}
		}
	}
	// the high-reputation peer is sampled far more often than 2/5 baseline
	require.Greater(t, hits, 100)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	bo := newBackoff(BackoffConfig{Step: 2, MaxValue: 10})
	require.Equal(t, 2*time.Second, bo.inc())
	require.Equal(t, 4*time.Second, bo.inc())
	require.Equal(t, 8*time.Second, bo.inc())
	require.Equal(t, 10*time.Second, bo.inc())
	bo.reset()
	require.Equal(t, 2*time.Second, bo.inc())
}
