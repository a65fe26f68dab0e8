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
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/facebook/mixnet/bufpool"
	"github.com/facebook/mixnet/protocol"
)

// RouteHop is one hop of a route under construction: where the packet goes
// and the key it is wrapped for.
type RouteHop struct {
	Address   string
	SphinxKey [32]byte
}

// payloadLenPrefix is the 4-byte big-endian plaintext length prefix the
// final hop uses to strip padding.
const payloadLenPrefix = 4

// BuildPacket wraps payload for the given route and returns the packet to
// hand to the first hop. The mixnode uses this for cover traffic; clients
// use the identical construction, which is what makes cover packets
// indistinguishable on the wire.
func BuildPacket(class bufpool.Class, route []RouteHop, payload []byte, rng io.Reader) (*Packet, error) {
	if rng == nil {
		rng = rand.Reader
	}
	k := len(route)
	if k < 1 || k > MaxHops {
		return nil, fmt.Errorf("%w: route of %d hops", protocol.ErrProtocol, k)
	}
	for _, h := range route {
		if len(h.Address) > maxAddrSize {
			return nil, fmt.Errorf("%w: address %q too long", protocol.ErrProtocol, h.Address)
		}
	}
	if len(payload)+payloadLenPrefix > PayloadLen(class) {
		return nil, fmt.Errorf("%w: payload %d exceeds class %s", protocol.ErrProtocol, len(payload), class)
	}

	// ephemeral keypair for the whole route
	var ephPriv [32]byte
	if _, err := io.ReadFull(rng, ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub0, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", protocol.ErrCrypto, err)
	}

	// per-hop shared secrets and key schedules; the shared secret at hop i
	// reflects every blinding applied by hops 0..i-1
	keys := make([]*hopKeys, k)
	ephPubs := make([][]byte, k)
	ephPubs[0] = ephPub0
	blinds := make([]*[32]byte, 0, k)
	for i := 0; i < k; i++ {
		shared, err := sharedSecret(ephPriv[:], route[i].SphinxKey[:])
		if err != nil {
			return nil, err
		}
		for _, b := range blinds {
			if shared, err = sharedSecret(b[:], shared); err != nil {
				return nil, err
			}
		}
		keys[i] = deriveKeys(shared)
		blinds = append(blinds, &keys[i].blind)
		if i+1 < k {
			next, err := blindPoint(&keys[i].blind, ephPubs[i])
			if err != nil {
				return nil, err
			}
			ephPubs[i+1] = next
		}
	}

	// filler: the accumulated keystream tails every hop will append
	streams := make([][]byte, k)
	for i := range streams {
		streams[i] = keystream(keys[i], RoutingLen+recordSize)
	}
	var filler []byte
	for i := 0; i < k-1; i++ {
		filler = append(filler, make([]byte, recordSize)...)
		tail := streams[i][RoutingLen+recordSize-len(filler):]
		for j := range filler {
			filler[j] ^= tail[j]
		}
	}

	// innermost blob: final record, random padding, then the filler
	plainLen := RoutingLen - len(filler)
	final := routingRecord{rtype: RouteFinal}
	rec := final.encode()
	plain := make([]byte, plainLen)
	copy(plain, rec[:])
	if _, err := io.ReadFull(rng, plain[recordSize:]); err != nil {
		return nil, err
	}
	blob := make([]byte, 0, RoutingLen)
	for j := range plain {
		plain[j] ^= streams[k-1][j]
	}
	blob = append(blob, plain...)
	blob = append(blob, filler...)
	mac := headerMAC(keys[k-1], ephPubs[k-1], blob)

	// wrap outwards
	for i := k - 2; i >= 0; i-- {
		r := routingRecord{rtype: RouteForward, addr: route[i+1].Address, nextMAC: mac}
		encoded := r.encode()
		next := make([]byte, RoutingLen)
		copy(next, encoded[:])
		copy(next[recordSize:], blob[:RoutingLen-recordSize])
		for j := range next {
			next[j] ^= streams[i][j]
		}
		blob = next
		mac = headerMAC(keys[i], ephPubs[i], blob)
	}

	// payload: length prefix, plaintext, random padding, then one stream
	// layer per hop
	body := make([]byte, PayloadLen(class))
	body[0] = byte(len(payload) >> 24)
	body[1] = byte(len(payload) >> 16)
	body[2] = byte(len(payload) >> 8)
	body[3] = byte(len(payload))
	copy(body[payloadLenPrefix:], payload)
	if _, err := io.ReadFull(rng, body[payloadLenPrefix+len(payload):]); err != nil {
		return nil, err
	}
	for i := k - 1; i >= 0; i-- {
		xorPayload(&keys[i].payload, body)
	}

	p := &Packet{Class: class, Payload: body}
	copy(p.EphPub[:], ephPubs[0])
	p.MAC = mac
	copy(p.Routing[:], blob)
	return p, nil
}
