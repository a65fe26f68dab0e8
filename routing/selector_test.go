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

package routing

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/registry"
)

var testNow = time.Unix(1700000000, 0)

// populate fills a registry with count peers spread over five regions with
// stakes 1..count, mirroring the reference selection scenario.
func populate(t *testing.T, count int) *registry.Registry {
	reg := registry.New(registry.Options{SkewTolerance: time.Minute}, nil)
	regions := []protocol.Region{
		protocol.RegionNorthAmerica, protocol.RegionEurope, protocol.RegionAsia,
		protocol.RegionOceania, protocol.RegionSouthAmerica,
	}
	for i := 0; i < count; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		n := &protocol.NodeInfo{
			Address:      "192.0.2.1:1000",
			Region:       regions[i%len(regions)],
			Capabilities: protocol.CapMixnode,
			Stake:        uint64(i + 1),
			Counter:      1,
			LastSeen:     testNow,
			Reputation:   0.9,
		}
		copy(n.ID[:], pub)
		n.Sign(priv)
		require.Equal(t, registry.Added, reg.Upsert(n, testNow).Outcome)
	}
	return reg
}

func testSelector(t *testing.T, peers int) *Selector {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return New(priv, populate(t, peers), 0.2, 16, nil)
}

func TestSelectPathWellFormed(t *testing.T) {
	s := testSelector(t, 20)
	p, err := s.SelectPath(&PathRequest{Hops: 3}, 1)
	require.NoError(t, err)
	require.Len(t, p.Hops, 3)

	seenIDs := make(map[protocol.PeerID]bool)
	seenRegions := make(map[protocol.Region]bool)
	for _, h := range p.Hops {
		require.False(t, seenIDs[h.Node.ID], "duplicate peer in path")
		seenIDs[h.Node.ID] = true
		require.False(t, seenRegions[h.Node.Region], "repeated region without relaxation")
		seenRegions[h.Node.Region] = true
	}
	require.False(t, p.Relaxed)
	require.Greater(t, p.Diversity, 0.0)
}

func TestSelectPathDeterministic(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	reg := populate(t, 20)

	a := New(priv, reg, 0.2, 16, nil)
	b := New(priv, reg, 0.2, 16, nil)

	req := &PathRequest{Hops: 3}
	p1, err := a.SelectPath(req, 42)
	require.NoError(t, err)
	// separate selector: no cache sharing, same registry snapshot
	p2, err := b.SelectPath(&PathRequest{Hops: 3}, 42)
	require.NoError(t, err)
	require.Equal(t, p1.PeerIDs(), p2.PeerIDs())
}

func TestSelectPathEpochChangesPath(t *testing.T) {
	s := testSelector(t, 20)
	p1, err := s.SelectPath(&PathRequest{Hops: 3}, 1)
	require.NoError(t, err)

	different := false
	for epoch := uint64(2); epoch < 12; epoch++ {
		p, err := s.SelectPath(&PathRequest{Hops: 3}, epoch)
		require.NoError(t, err)
		if !equalIDs(p1.PeerIDs(), p.PeerIDs()) {
			different = true
			break
		}
	}
	require.True(t, different, "ten epochs never changed the path")
}

func equalIDs(a, b []protocol.PeerID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSelectPathProofsVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s := New(priv, populate(t, 20), 0.2, 16, nil)

	req := &PathRequest{Hops: 3}
	req.Fingerprint[0] = 0xAA
	p, err := s.SelectPath(req, 7)
	require.NoError(t, err)
	for i, h := range p.Hops {
		require.True(t, VerifyHop(pub, req.Fingerprint, i, 7, h.Proof), "hop %d proof", i)
		// a proof never verifies for a different epoch
		require.False(t, VerifyHop(pub, req.Fingerprint, i, 8, h.Proof))
	}
}

func TestSelectPathExcludes(t *testing.T) {
	s := testSelector(t, 20)
	p1, err := s.SelectPath(&PathRequest{Hops: 3}, 3)
	require.NoError(t, err)

	req := &PathRequest{Hops: 3, Exclude: p1.PeerIDs()}
	p2, err := s.SelectPath(req, 3)
	require.NoError(t, err)
	for _, id := range p2.PeerIDs() {
		for _, banned := range p1.PeerIDs() {
			require.NotEqual(t, banned, id)
		}
	}
}

func TestSelectPathRelaxesRegions(t *testing.T) {
	// only two regions available for a 3-hop path
	reg := registry.New(registry.Options{SkewTolerance: time.Minute}, nil)
	regions := []protocol.Region{protocol.RegionEurope, protocol.RegionAsia}
	for i := 0; i < 6; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		n := &protocol.NodeInfo{
			Address:      "192.0.2.1:1000",
			Region:       regions[i%2],
			Capabilities: protocol.CapMixnode,
			Stake:        10,
			Counter:      1,
			LastSeen:     testNow,
			Reputation:   0.9,
		}
		copy(n.ID[:], pub)
		n.Sign(priv)
		require.Equal(t, registry.Added, reg.Upsert(n, testNow).Outcome)
	}
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s := New(priv, reg, 0.2, 16, nil)

	p, err := s.SelectPath(&PathRequest{Hops: 3}, 1)
	require.NoError(t, err)
	require.True(t, p.Relaxed)
	require.Len(t, p.Hops, 3)
	// the relaxation never allows the same region twice in a row
	for i := 1; i < len(p.Hops); i++ {
		require.NotEqual(t, p.Hops[i-1].Node.Region, p.Hops[i].Node.Region)
	}
}

func TestSelectPathNoEligibleNodes(t *testing.T) {
	s := testSelector(t, 2)
	_, err := s.SelectPath(&PathRequest{Hops: 5}, 1)
	require.True(t, errors.Is(err, protocol.ErrSelection))
}

func TestSelectPathHonorsReputationFloor(t *testing.T) {
	reg := populate(t, 20)
	// tank everyone's reputation below the floor
	for _, n := range reg.All() {
		for i := 0; i < 20; i++ {
			reg.Penalize(n.ID, 0.5)
		}
	}
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s := New(priv, reg, 0.2, 16, nil)
	_, err = s.SelectPath(&PathRequest{Hops: 3}, 1)
	require.True(t, errors.Is(err, protocol.ErrSelection))
}

func TestSelectionCached(t *testing.T) {
	s := testSelector(t, 20)
	p1, err := s.SelectPath(&PathRequest{Hops: 3}, 9)
	require.NoError(t, err)
	p2, err := s.SelectPath(&PathRequest{Hops: 3}, 9)
	require.NoError(t, err)
	require.Same(t, p1, p2)
}

func TestDiversityScoreOrdering(t *testing.T) {
	mk := func(regions ...protocol.Region) *Path {
		p := &Path{}
		for _, r := range regions {
			p.Hops = append(p.Hops, Hop{Node: &protocol.NodeInfo{Region: r}})
		}
		return p
	}
	spread := diversityScore(mk(protocol.RegionEurope, protocol.RegionAsia, protocol.RegionSouthAmerica))
	repeat := diversityScore(mk(protocol.RegionEurope, protocol.RegionAsia, protocol.RegionEurope))
	same := diversityScore(mk(protocol.RegionEurope, protocol.RegionEurope, protocol.RegionEurope))
	require.Greater(t, spread, repeat)
	require.Greater(t, repeat, same)
}
