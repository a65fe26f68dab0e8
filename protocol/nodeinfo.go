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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// PeerID is the 32-byte ed25519 public key of a peer's long-term signing
// identity. It is the primary key everywhere in the mixnode.
type PeerID [32]byte

// String returns a shortened hex form for logs.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:8])
}

// Bytes returns the full key material.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// PublicKey converts the ID back into a verification key.
func (p PeerID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(p[:])
}

// Region is a declared geographic region tag.
type Region uint8

// Known regions.
const (
	RegionNorthAmerica Region = iota
	RegionEurope
	RegionAsia
	RegionOceania
	RegionSouthAmerica
	RegionAfrica
	regionCount
)

var regionToString = map[Region]string{
	RegionNorthAmerica: "north-america",
	RegionEurope:       "europe",
	RegionAsia:         "asia",
	RegionOceania:      "oceania",
	RegionSouthAmerica: "south-america",
	RegionAfrica:       "africa",
}

func (r Region) String() string {
	s, ok := regionToString[r]
	if !ok {
		return fmt.Sprintf("region-%d", int(r))
	}
	return s
}

// Valid reports whether the tag is one of the known regions.
func (r Region) Valid() bool {
	return r < regionCount
}

// ParseRegion maps a configuration string to a region tag.
func ParseRegion(s string) (Region, error) {
	for r, name := range regionToString {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown region %q", s)
}

// Regions returns all known region tags in declaration order.
func Regions() []Region {
	all := make([]Region, 0, regionCount)
	for r := Region(0); r < regionCount; r++ {
		all = append(all, r)
	}
	return all
}

// Capability is a bitmask of roles a peer advertises.
type Capability uint8

// Capabilities.
const (
	CapBootstrap Capability = 1 << 0
	CapMixnode   Capability = 1 << 1
	CapGateway   Capability = 1 << 2
)

// Has reports whether all bits of other are set.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	s := ""
	if c.Has(CapBootstrap) {
		s += "bootstrap|"
	}
	if c.Has(CapMixnode) {
		s += "mixnode|"
	}
	if c.Has(CapGateway) {
		s += "gateway|"
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}

// NodeInfo is the signed, self-describing record a peer publishes about
// itself. The signature is by the peer's own key over every other field, so a
// record is admissible on its own without trusting the gossip path it
// arrived through. Counter is a per-peer monotonic record version: a
// replacement must carry a strictly greater value.
type NodeInfo struct {
	ID           PeerID
	Address      string
	Region       Region
	Capabilities Capability
	// SphinxKey is the node's X25519 public key for onion key agreement,
	// distinct from the ed25519 signing identity.
	SphinxKey  [32]byte
	Stake      uint64
	Counter    uint64
	LastSeen   time.Time
	Reputation float64
	Signature  [ed25519.SignatureSize]byte
}

const (
	nodeInfoFixedSize = 32 + 2 + 1 + 1 + 32 + 8 + 8 + 8 + 8 + ed25519.SignatureSize
	maxAddressLen     = 255
)

// EncodedSize returns the exact wire size of the record.
func (n *NodeInfo) EncodedSize() int {
	return nodeInfoFixedSize + len(n.Address)
}

// signingBytes is the record encoding minus the trailing signature.
func (n *NodeInfo) signingBytes() []byte {
	b := n.Encode()
	return b[:len(b)-ed25519.SignatureSize]
}

// Encode writes the record in fixed field order: id, address, region,
// capabilities, sphinx key, stake, counter, last-seen, reputation, signature.
func (n *NodeInfo) Encode() []byte {
	b := make([]byte, 0, n.EncodedSize())
	b = append(b, n.ID[:]...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(n.Address)))
	b = append(b, n.Address...)
	b = append(b, byte(n.Region), byte(n.Capabilities))
	b = append(b, n.SphinxKey[:]...)
	b = binary.BigEndian.AppendUint64(b, n.Stake)
	b = binary.BigEndian.AppendUint64(b, n.Counter)
	b = binary.BigEndian.AppendUint64(b, uint64(n.LastSeen.UnixNano()))
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(n.Reputation))
	b = append(b, n.Signature[:]...)
	return b
}

// DecodeNodeInfo parses one record from the head of b and returns the number
// of bytes consumed.
func DecodeNodeInfo(b []byte) (*NodeInfo, int, error) {
	if len(b) < nodeInfoFixedSize {
		return nil, 0, fmt.Errorf("%w: node info record truncated at %d bytes", ErrProtocol, len(b))
	}
	n := &NodeInfo{}
	off := 0
	copy(n.ID[:], b[off:off+32])
	off += 32
	addrLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if addrLen > maxAddressLen {
		return nil, 0, fmt.Errorf("%w: address length %d above limit", ErrProtocol, addrLen)
	}
	if len(b) < nodeInfoFixedSize+addrLen {
		return nil, 0, fmt.Errorf("%w: node info record truncated in address", ErrProtocol)
	}
	n.Address = string(b[off : off+addrLen])
	off += addrLen
	n.Region = Region(b[off])
	n.Capabilities = Capability(b[off+1])
	off += 2
	copy(n.SphinxKey[:], b[off:off+32])
	off += 32
	n.Stake = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	n.Counter = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	n.LastSeen = time.Unix(0, int64(binary.BigEndian.Uint64(b[off:off+8])))
	off += 8
	n.Reputation = math.Float64frombits(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	copy(n.Signature[:], b[off:off+ed25519.SignatureSize])
	off += ed25519.SignatureSize
	return n, off, nil
}

// Sign stamps the record with the peer's long-term key. The key must
// correspond to n.ID.
func (n *NodeInfo) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, n.signingBytes())
	copy(n.Signature[:], sig)
}

// VerifySignature checks the self-signature against the embedded ID.
func (n *NodeInfo) VerifySignature() bool {
	return ed25519.Verify(n.ID.PublicKey(), n.signingBytes(), n.Signature[:])
}

// Copy returns an independent copy of the record.
func (n *NodeInfo) Copy() *NodeInfo {
	c := *n
	return &c
}

// EncodeNodeInfos writes a length-prefixed sequence of records. This is both
// the gossip delta payload and the persisted registry snapshot format.
func EncodeNodeInfos(infos []*NodeInfo) []byte {
	b := make([]byte, 0, 4+len(infos)*128)
	b = binary.BigEndian.AppendUint32(b, uint32(len(infos)))
	for _, n := range infos {
		rec := n.Encode()
		b = binary.BigEndian.AppendUint16(b, uint16(len(rec)))
		b = append(b, rec...)
	}
	return b
}

// DecodeNodeInfos parses a length-prefixed sequence of records.
func DecodeNodeInfos(b []byte) ([]*NodeInfo, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: node info sequence truncated", ErrProtocol)
	}
	count := binary.BigEndian.Uint32(b[0:4])
	if count > MaxFrameLength/nodeInfoFixedSize {
		return nil, fmt.Errorf("%w: node info sequence count %d above limit", ErrProtocol, count)
	}
	off := 4
	infos := make([]*NodeInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < off+2 {
			return nil, fmt.Errorf("%w: node info sequence truncated at record %d", ErrProtocol, i)
		}
		recLen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if len(b) < off+recLen {
			return nil, fmt.Errorf("%w: node info sequence truncated in record %d", ErrProtocol, i)
		}
		n, used, err := DecodeNodeInfo(b[off : off+recLen])
		if err != nil {
			return nil, err
		}
		if used != recLen {
			return nil, fmt.Errorf("%w: record %d length mismatch", ErrProtocol, i)
		}
		infos = append(infos, n)
		off += recLen
	}
	return infos, nil
}
