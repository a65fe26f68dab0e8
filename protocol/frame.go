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
Package protocol implements the mixnet wire format: framed messages shared by
the TCP data plane and the UDP discovery plane, the NodeInfo record codec, and
the error taxonomy used across components.
*/
package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Magic prefixes every frame on the wire, big-endian "NYMX".
const Magic uint32 = 0x4E594D58

// Version is the only wire version this node speaks.
const Version byte = 1

// MaxFrameLength bounds the length field of a single frame. Anything larger
// is a protocol violation regardless of transport.
const MaxFrameLength = 1 << 20

const (
	// prefix is magic(4) + version(1) + length(4)
	framePrefixSize = 9
	// body overhead is type(1) + flags(1) + seq(4)
	frameBodyOverhead = 6
	frameCRCSize      = 4
)

// MsgType describes the frame payload
type MsgType uint8

// Message types recognized on the wire. Unknown types are dropped.
const (
	MsgSphinxPacket   MsgType = 0x01
	MsgTopologySync   MsgType = 0x02
	MsgHealthCheck    MsgType = 0x03
	MsgRouteDiscovery MsgType = 0x04
	MsgCoverTraffic   MsgType = 0x05
	MsgPeerExchange   MsgType = 0x06
	MsgSecurityAlert  MsgType = 0x07
	MsgMetricsReport  MsgType = 0x08
)

var msgTypeToString = map[MsgType]string{
	MsgSphinxPacket:   "SPHINX_PACKET",
	MsgTopologySync:   "TOPOLOGY_SYNC",
	MsgHealthCheck:    "HEALTH_CHECK",
	MsgRouteDiscovery: "ROUTE_DISCOVERY",
	MsgCoverTraffic:   "COVER_TRAFFIC",
	MsgPeerExchange:   "PEER_EXCHANGE",
	MsgSecurityAlert:  "SECURITY_ALERT",
	MsgMetricsReport:  "METRICS_REPORT",
}

func (t MsgType) String() string {
	s, ok := msgTypeToString[t]
	if !ok {
		return fmt.Sprintf("UNKNOWN_TYPE_%d", int(t))
	}
	return s
}

// Known reports whether the type is one this node dispatches.
func (t MsgType) Known() bool {
	_, ok := msgTypeToString[t]
	return ok
}

// Frame flags
const (
	// FlagCompressed marks a zstd-compressed payload. Only honored on
	// gossip messages: topology sync, peer exchange and route discovery
	// (bootstrap).
	FlagCompressed byte = 1 << 0
	// FlagFinalHop marks a locally terminated sphinx packet. Never set on
	// the wire, used between server and sink.
	FlagFinalHop byte = 1 << 1
)

// Frame is a single wire message. The length field covers everything after
// itself: type, flags, sequence number, payload and the trailing CRC. The CRC
// covers the entire frame from magic through payload.
type Frame struct {
	Version byte
	Type    MsgType
	Flags   byte
	Seq     uint32
	Payload []byte
}

// MarshalFrame encodes the frame into a fresh buffer.
func MarshalFrame(f *Frame) []byte {
	total := framePrefixSize + frameBodyOverhead + len(f.Payload) + frameCRCSize
	b := make([]byte, total)
	binary.BigEndian.PutUint32(b[0:4], Magic)
	b[4] = f.Version
	binary.BigEndian.PutUint32(b[5:9], uint32(frameBodyOverhead+len(f.Payload)+frameCRCSize))
	b[9] = byte(f.Type)
	b[10] = f.Flags
	binary.BigEndian.PutUint32(b[11:15], f.Seq)
	copy(b[15:], f.Payload)
	crc := crc32.ChecksumIEEE(b[:total-frameCRCSize])
	binary.BigEndian.PutUint32(b[total-frameCRCSize:], crc)
	return b
}

// ParseFrame decodes a complete frame from b. The whole buffer must contain
// exactly one frame; this is the UDP datagram contract. Failures wrap
// ErrProtocol and the caller is expected to drop the frame and count it.
func ParseFrame(b []byte) (*Frame, error) {
	if len(b) < framePrefixSize+frameBodyOverhead+frameCRCSize {
		return nil, fmt.Errorf("%w: truncated frame of %d bytes", ErrProtocol, len(b))
	}
	if m := binary.BigEndian.Uint32(b[0:4]); m != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08X", ErrProtocol, m)
	}
	version := b[4]
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrProtocol, version)
	}
	length := binary.BigEndian.Uint32(b[5:9])
	if length > MaxFrameLength {
		return nil, fmt.Errorf("%w: oversize frame length %d", ErrProtocol, length)
	}
	if int(length) != len(b)-framePrefixSize {
		return nil, fmt.Errorf("%w: frame length %d does not match %d available bytes", ErrProtocol, length, len(b)-framePrefixSize)
	}
	if length < frameBodyOverhead+frameCRCSize {
		return nil, fmt.Errorf("%w: frame length %d below minimum", ErrProtocol, length)
	}
	crcWant := binary.BigEndian.Uint32(b[len(b)-frameCRCSize:])
	crcGot := crc32.ChecksumIEEE(b[:len(b)-frameCRCSize])
	if crcWant != crcGot {
		return nil, fmt.Errorf("%w: CRC mismatch, want 0x%08X got 0x%08X", ErrProtocol, crcWant, crcGot)
	}
	payload := make([]byte, int(length)-frameBodyOverhead-frameCRCSize)
	copy(payload, b[15:len(b)-frameCRCSize])
	return &Frame{
		Version: version,
		Type:    MsgType(b[9]),
		Flags:   b[10],
		Seq:     binary.BigEndian.Uint32(b[11:15]),
		Payload: payload,
	}, nil
}

// ReadFrame reads one frame off a stream. It validates the prefix before
// committing to read the remainder so a corrupt peer cannot make us allocate
// more than MaxFrameLength.
func ReadFrame(r io.Reader) (*Frame, error) {
	prefix := make([]byte, framePrefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	if m := binary.BigEndian.Uint32(prefix[0:4]); m != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08X", ErrProtocol, m)
	}
	if prefix[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrProtocol, prefix[4])
	}
	length := binary.BigEndian.Uint32(prefix[5:9])
	if length > MaxFrameLength || length < frameBodyOverhead+frameCRCSize {
		return nil, fmt.Errorf("%w: bad frame length %d", ErrProtocol, length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	return ParseFrame(append(prefix, rest...))
}
