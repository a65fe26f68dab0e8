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

package protocol

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testNodeInfo(t *testing.T) (*NodeInfo, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	n := &NodeInfo{
		Address:      "192.0.2.10:4444",
		Region:       RegionEurope,
		Capabilities: CapMixnode,
		Stake:        1000,
		Counter:      1,
		LastSeen:     time.Unix(1700000000, 0),
		Reputation:   0.5,
	}
	copy(n.ID[:], pub)
	n.Sign(priv)
	return n, priv
}

func TestNodeInfoSignVerify(t *testing.T) {
	n, _ := testNodeInfo(t)
	require.True(t, n.VerifySignature())

	// any field change invalidates the signature
	n.Stake++
	require.False(t, n.VerifySignature())
}

func TestNodeInfoRoundTrip(t *testing.T) {
	n, _ := testNodeInfo(t)
	b := n.Encode()
	got, used, err := DecodeNodeInfo(b)
	require.NoError(t, err)
	require.Equal(t, len(b), used)
	require.Equal(t, n.ID, got.ID)
	require.Equal(t, n.Address, got.Address)
	require.Equal(t, n.Region, got.Region)
	require.Equal(t, n.Stake, got.Stake)
	require.Equal(t, n.Counter, got.Counter)
	require.True(t, got.VerifySignature())
}

func TestNodeInfoTruncated(t *testing.T) {
	n, _ := testNodeInfo(t)
	b := n.Encode()
	_, _, err := DecodeNodeInfo(b[:40])
	require.Error(t, err)
}

func TestNodeInfosSequence(t *testing.T) {
	a, _ := testNodeInfo(t)
	b, _ := testNodeInfo(t)
	encoded := EncodeNodeInfos([]*NodeInfo{a, b})
	got, err := DecodeNodeInfos(encoded)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, a.ID, got[0].ID)
	require.Equal(t, b.ID, got[1].ID)
}

func TestNodeInfosEmpty(t *testing.T) {
	got, err := DecodeNodeInfos(EncodeNodeInfos(nil))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestNodeInfoEncodePropertyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	rapid.Check(t, func(rt *rapid.T) {
		n := &NodeInfo{
			Address:      rapid.StringOfN(rapid.RuneFrom([]rune("abcdef0123456789.:")), 0, 64, -1).Draw(rt, "addr"),
			Region:       Region(rapid.IntRange(0, int(regionCount)-1).Draw(rt, "region")),
			Capabilities: Capability(rapid.IntRange(0, 7).Draw(rt, "caps")),
			Stake:        rapid.Uint64().Draw(rt, "stake"),
			Counter:      rapid.Uint64().Draw(rt, "counter"),
			LastSeen:     time.Unix(0, rapid.Int64Range(0, 1<<60).Draw(rt, "seen")),
			Reputation:   rapid.Float64Range(0, 1).Draw(rt, "rep"),
		}
		copy(n.ID[:], pub)
		n.Sign(priv)

		got, used, err := DecodeNodeInfo(n.Encode())
		if err != nil {
			rt.Fatalf("decode failed: %v", err)
		}
		if used != n.EncodedSize() {
			rt.Fatalf("size mismatch: used %d want %d", used, n.EncodedSize())
		}
		if !got.VerifySignature() {
			rt.Fatalf("signature did not survive round trip")
		}
		if got.Counter != n.Counter || got.Stake != n.Stake || got.Address != n.Address {
			rt.Fatalf("fields did not survive round trip")
		}
	})
}
