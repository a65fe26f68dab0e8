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
	"fmt"

	"github.com/facebook/mixnet/bufpool"
	"github.com/facebook/mixnet/protocol"
)

// Wire geometry. See the package documentation for the full layout.
const (
	ephKeySize = 32
	macSize    = 16
	// recordSize is one hop record: type, address length, address, next MAC.
	recordSize = 1 + 1 + maxAddrSize + macSize
	// maxAddrSize bounds the next-hop "host:port" address; a fully expanded
	// "[ipv6]:port" (47 bytes) does not fit.
	maxAddrSize = 45
	// routeRecords bounds the route length a header can carry.
	routeRecords = 6
	// RoutingLen is the routing blob size.
	RoutingLen = recordSize * routeRecords
	// HeaderLen is the full header: ephemeral key, MAC, routing blob.
	HeaderLen = ephKeySize + macSize + RoutingLen
)

// MaxHops is the longest route a single header supports: the final record
// occupies one slot.
const MaxHops = routeRecords - 1

// RouteType tags a decrypted hop record.
type RouteType byte

// Route types.
const (
	RouteForward RouteType = 0x01
	RouteFinal   RouteType = 0x02
)

// Packet is a parsed sphinx packet. The class never changes as the packet
// crosses the mix: PayloadLen(class) is constant per class.
type Packet struct {
	Class   bufpool.Class
	EphPub  [ephKeySize]byte
	MAC     [macSize]byte
	Routing [RoutingLen]byte
	Payload []byte
}

// PayloadLen is the payload capacity of a size class.
func PayloadLen(c bufpool.Class) int {
	return c.Size() - HeaderLen
}

// Parse reads a packet from a full class-sized buffer. The buffer length
// must be exactly a known class size.
func Parse(b []byte) (*Packet, error) {
	c, ok := bufpool.ClassFor(len(b))
	if !ok || c.Size() != len(b) {
		return nil, fmt.Errorf("%w: packet size %d is not a size class", protocol.ErrProtocol, len(b))
	}
	p := &Packet{Class: c, Payload: make([]byte, len(b)-HeaderLen)}
	off := 0
	copy(p.EphPub[:], b[off:off+ephKeySize])
	off += ephKeySize
	copy(p.MAC[:], b[off:off+macSize])
	off += macSize
	copy(p.Routing[:], b[off:off+RoutingLen])
	off += RoutingLen
	copy(p.Payload, b[off:])
	return p, nil
}

// Marshal writes the packet into dst, which must hold the full class size.
func (p *Packet) Marshal(dst []byte) (int, error) {
	total := p.Class.Size()
	if len(dst) < total {
		return 0, fmt.Errorf("%w: buffer %d below class size %d", protocol.ErrResource, len(dst), total)
	}
	if len(p.Payload) != PayloadLen(p.Class) {
		return 0, fmt.Errorf("%w: payload %d does not fill class %s", protocol.ErrProtocol, len(p.Payload), p.Class)
	}
	off := 0
	copy(dst[off:], p.EphPub[:])
	off += ephKeySize
	copy(dst[off:], p.MAC[:])
	off += macSize
	copy(dst[off:], p.Routing[:])
	off += RoutingLen
	copy(dst[off:], p.Payload)
	return total, nil
}

// routingRecord is one decrypted 63-byte hop record.
type routingRecord struct {
	rtype   RouteType
	addr    string
	nextMAC [macSize]byte
}

func (r *routingRecord) encode() [recordSize]byte {
	var b [recordSize]byte
	b[0] = byte(r.rtype)
	b[1] = byte(len(r.addr))
	copy(b[2:2+maxAddrSize], r.addr)
	copy(b[2+maxAddrSize:], r.nextMAC[:])
	return b
}

func decodeRecord(b []byte) (*routingRecord, error) {
	r := &routingRecord{rtype: RouteType(b[0])}
	if r.rtype != RouteForward && r.rtype != RouteFinal {
		return nil, fmt.Errorf("%w: unknown route type 0x%02x", protocol.ErrCrypto, b[0])
	}
	addrLen := int(b[1])
	if addrLen > maxAddrSize {
		return nil, fmt.Errorf("%w: route address length %d", protocol.ErrCrypto, addrLen)
	}
	r.addr = string(b[2 : 2+addrLen])
	copy(r.nextMAC[:], b[2+maxAddrSize:recordSize])
	return r, nil
}
