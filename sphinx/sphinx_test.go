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

package sphinx

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/facebook/mixnet/bufpool"
	"github.com/facebook/mixnet/protocol"
)

type testNode struct {
	priv [32]byte
	pub  [32]byte
	proc *Processor
	addr string
}

func newTestNode(t *testing.T, addr string, simd bool) *testNode {
	priv, pub, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	return &testNode{
		priv: priv,
		pub:  pub,
		proc: NewProcessor(priv, 50*time.Millisecond, 500*time.Millisecond, simd, nil),
		addr: addr,
	}
}

func buildTestRoute(t *testing.T, nodes []*testNode) []RouteHop {
	route := make([]RouteHop, len(nodes))
	for i, n := range nodes {
		route[i] = RouteHop{Address: n.addr, SphinxKey: n.pub}
	}
	return route
}

func TestForwardThreeHops(t *testing.T) {
	nodes := []*testNode{
		newTestNode(t, "192.0.2.1:8080", true),
		newTestNode(t, "192.0.2.2:8080", true),
		newTestNode(t, "192.0.2.3:8080", true),
	}
	payload := []byte("anonymous message through the mix")
	pkt, err := BuildPacket(bufpool.ClassSmall, buildTestRoute(t, nodes), payload, nil)
	require.NoError(t, err)

	// hop 0 forwards to hop 1
	res, err := nodes[0].proc.Process(pkt)
	require.NoError(t, err)
	require.True(t, res.Forward)
	require.Equal(t, "192.0.2.2:8080", res.NextAddr)

	// hop 1 forwards to hop 2
	res, err = nodes[1].proc.Process(res.Packet)
	require.NoError(t, err)
	require.True(t, res.Forward)
	require.Equal(t, "192.0.2.3:8080", res.NextAddr)

	// hop 2 is the final hop and recovers the payload
	res, err = nodes[2].proc.Process(res.Packet)
	require.NoError(t, err)
	require.False(t, res.Forward)
	require.Equal(t, payload, res.Payload)
}

func TestSizeInvariance(t *testing.T) {
	for _, class := range []bufpool.Class{bufpool.ClassSmall, bufpool.ClassMedium, bufpool.ClassLarge, bufpool.ClassJumbo} {
		nodes := []*testNode{
			newTestNode(t, "192.0.2.1:8080", true),
			newTestNode(t, "192.0.2.2:8080", true),
			newTestNode(t, "192.0.2.3:8080", true),
		}
		pkt, err := BuildPacket(class, buildTestRoute(t, nodes), []byte("x"), nil)
		require.NoError(t, err)

		in := make([]byte, class.Size())
		n, err := pkt.Marshal(in)
		require.NoError(t, err)
		require.Equal(t, class.Size(), n)

		res, err := nodes[0].proc.Process(pkt)
		require.NoError(t, err)
		out := make([]byte, class.Size())
		n, err = res.Packet.Marshal(out)
		require.NoError(t, err)
		require.Equal(t, class.Size(), n, "forwarded size differs for %s", class)
	}
}

func TestStructuralUnlinkability(t *testing.T) {
	nodes := []*testNode{
		newTestNode(t, "192.0.2.1:8080", true),
		newTestNode(t, "192.0.2.2:8080", true),
		newTestNode(t, "192.0.2.3:8080", true),
	}
	pkt, err := BuildPacket(bufpool.ClassMedium, buildTestRoute(t, nodes), []byte("watch me change"), nil)
	require.NoError(t, err)

	res, err := nodes[0].proc.Process(pkt)
	require.NoError(t, err)
	out := res.Packet

	require.NotEqual(t, pkt.EphPub, out.EphPub, "ephemeral key must be blinded")
	require.NotEqual(t, pkt.MAC, out.MAC, "MAC must change per hop")
	require.NotEqual(t, pkt.Routing, out.Routing)

	// payload bytes change in (essentially) every position
	same := 0
	for i := range pkt.Payload {
		if pkt.Payload[i] == out.Payload[i] {
			same++
		}
	}
	require.Less(t, same, len(pkt.Payload)/16, "payload barely changed")
}

func TestBadMACDropped(t *testing.T) {
	nodes := []*testNode{
		newTestNode(t, "192.0.2.1:8080", true),
		newTestNode(t, "192.0.2.2:8080", true),
	}
	pkt, err := BuildPacket(bufpool.ClassSmall, buildTestRoute(t, nodes), []byte("tamper"), nil)
	require.NoError(t, err)

	pkt.MAC[3] ^= 0xFF
	_, err = nodes[0].proc.Process(pkt)
	require.True(t, errors.Is(err, protocol.ErrCrypto))
}

func TestTamperedRoutingDropped(t *testing.T) {
	nodes := []*testNode{newTestNode(t, "192.0.2.1:8080", true)}
	pkt, err := BuildPacket(bufpool.ClassSmall, buildTestRoute(t, nodes), []byte("tamper"), nil)
	require.NoError(t, err)

	pkt.Routing[100] ^= 0x01
	_, err = nodes[0].proc.Process(pkt)
	require.True(t, errors.Is(err, protocol.ErrCrypto))
}

func TestWrongNodeCannotPeel(t *testing.T) {
	owner := newTestNode(t, "192.0.2.1:8080", true)
	thief := newTestNode(t, "192.0.2.9:8080", true)
	pkt, err := BuildPacket(bufpool.ClassSmall, []RouteHop{{Address: owner.addr, SphinxKey: owner.pub}}, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = thief.proc.Process(pkt)
	require.True(t, errors.Is(err, protocol.ErrCrypto))
}

func TestSingleHopFinal(t *testing.T) {
	n := newTestNode(t, "192.0.2.1:8080", true)
	payload := []byte("direct delivery")
	pkt, err := BuildPacket(bufpool.ClassSmall, buildTestRoute(t, []*testNode{n}), payload, nil)
	require.NoError(t, err)

	res, err := n.proc.Process(pkt)
	require.NoError(t, err)
	require.False(t, res.Forward)
	require.Equal(t, payload, res.Payload)
}

func TestMaxHopsRoute(t *testing.T) {
	nodes := make([]*testNode, MaxHops)
	for i := range nodes {
		nodes[i] = newTestNode(t, "192.0.2.1:8080", true)
	}
	payload := []byte("deep route")
	pkt, err := BuildPacket(bufpool.ClassLarge, buildTestRoute(t, nodes), payload, nil)
	require.NoError(t, err)

	for i := 0; i < MaxHops-1; i++ {
		res, err := nodes[i].proc.Process(pkt)
		require.NoError(t, err, "hop %d", i)
		require.True(t, res.Forward, "hop %d", i)
		pkt = res.Packet
	}
	res, err := nodes[MaxHops-1].proc.Process(pkt)
	require.NoError(t, err)
	require.False(t, res.Forward)
	require.Equal(t, payload, res.Payload)
}

func TestRouteTooLong(t *testing.T) {
	nodes := make([]*testNode, MaxHops+1)
	for i := range nodes {
		nodes[i] = newTestNode(t, "a", true)
	}
	_, err := BuildPacket(bufpool.ClassSmall, buildTestRoute(t, nodes), []byte("x"), nil)
	require.Error(t, err)
}

func TestScalarAndSIMDTransformsAgree(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var key [32]byte
		copy(key[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "key"))
		data := rapid.SliceOfN(rapid.Byte(), 1, 4096).Draw(rt, "data")

		a := make([]byte, len(data))
		copy(a, data)
		b := make([]byte, len(data))
		copy(b, data)

		xorPayload(&key, a)
		xorPayloadScalar(&key, b)
		for i := range a {
			if a[i] != b[i] {
				rt.Fatalf("transforms diverge at byte %d", i)
			}
		}
	})
}

func TestBatchEqualsSequential(t *testing.T) {
	node := newTestNode(t, "192.0.2.1:8080", true)
	scalarNode := &testNode{priv: node.priv, pub: node.pub, addr: node.addr}
	scalarNode.proc = NewProcessor(node.priv, 50*time.Millisecond, 500*time.Millisecond, false, nil)

	pkts := make([]*Packet, 8)
	for i := range pkts {
		p, err := BuildPacket(bufpool.ClassSmall, []RouteHop{{Address: node.addr, SphinxKey: node.pub}}, []byte{byte(i)}, nil)
		require.NoError(t, err)
		pkts[i] = p
	}

	batch, errs := node.proc.ProcessBatch(pkts)
	for i := range pkts {
		require.NoError(t, errs[i])
		single, err := scalarNode.proc.Process(pkts[i])
		require.NoError(t, err)
		require.Equal(t, single.Payload, batch[i].Payload, "packet %d", i)
	}
}

func TestPacketMarshalParseRoundTrip(t *testing.T) {
	n := newTestNode(t, "192.0.2.1:8080", true)
	pkt, err := BuildPacket(bufpool.ClassMedium, buildTestRoute(t, []*testNode{n}), []byte("roundtrip"), nil)
	require.NoError(t, err)

	buf := make([]byte, bufpool.ClassMedium.Size())
	_, err = pkt.Marshal(buf)
	require.NoError(t, err)

	got, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, pkt.EphPub, got.EphPub)
	require.Equal(t, pkt.MAC, got.MAC)
	require.Equal(t, pkt.Routing, got.Routing)
	require.Equal(t, pkt.Payload, got.Payload)

	res, err := n.proc.Process(got)
	require.NoError(t, err)
	require.Equal(t, []byte("roundtrip"), res.Payload)
}

func TestParseRejectsOddSizes(t *testing.T) {
	_, err := Parse(make([]byte, 1500))
	require.True(t, errors.Is(err, protocol.ErrProtocol))
}

func TestSampleDelayBounds(t *testing.T) {
	proc := NewProcessor([32]byte{}, 50*time.Millisecond, 500*time.Millisecond, true, nil)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		d := proc.SampleDelay(rng)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestSampleDelayMean(t *testing.T) {
	proc := NewProcessor([32]byte{}, 50*time.Millisecond, 10*time.Second, true, nil)
	rng := rand.New(rand.NewSource(42))
	var sum time.Duration
	const n = 20000
	for i := 0; i < n; i++ {
		sum += proc.SampleDelay(rng)
	}
	mean := sum / n
	require.InDelta(t, float64(50*time.Millisecond), float64(mean), float64(5*time.Millisecond))
}
