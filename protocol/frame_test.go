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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{
		Version: Version,
		Type:    MsgSphinxPacket,
		Flags:   0,
		Seq:     42,
		Payload: []byte("onion layers all the way down"),
	}
	b := MarshalFrame(f)
	got, err := ParseFrame(b)
	require.NoError(t, err)
	require.Equal(t, f.Type, got.Type)
	require.Equal(t, f.Seq, got.Seq)
	require.Equal(t, f.Payload, got.Payload)
}

func TestFrameEmptyPayload(t *testing.T) {
	f := &Frame{Version: Version, Type: MsgHealthCheck, Seq: 1}
	got, err := ParseFrame(MarshalFrame(f))
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}

func TestFrameBadMagic(t *testing.T) {
	b := MarshalFrame(&Frame{Version: Version, Type: MsgHealthCheck})
	binary.BigEndian.PutUint32(b[0:4], 0xDEADBEEF)
	_, err := ParseFrame(b)
	require.True(t, errors.Is(err, ErrProtocol))
}

func TestFrameBadVersion(t *testing.T) {
	b := MarshalFrame(&Frame{Version: Version, Type: MsgHealthCheck})
	b[4] = 99
	// version change also breaks the CRC, but version must be checked first
	_, err := ParseFrame(b)
	require.True(t, errors.Is(err, ErrProtocol))
	require.Contains(t, err.Error(), "version")
}

func TestFrameCorruptPayload(t *testing.T) {
	b := MarshalFrame(&Frame{Version: Version, Type: MsgTopologySync, Payload: []byte("digest")})
	b[len(b)-6] ^= 0xFF
	_, err := ParseFrame(b)
	require.True(t, errors.Is(err, ErrProtocol))
	require.Contains(t, err.Error(), "CRC")
}

func TestFrameTruncated(t *testing.T) {
	b := MarshalFrame(&Frame{Version: Version, Type: MsgPeerExchange, Payload: []byte("peers")})
	_, err := ParseFrame(b[:len(b)-3])
	require.True(t, errors.Is(err, ErrProtocol))
}

func TestFrameOversize(t *testing.T) {
	b := MarshalFrame(&Frame{Version: Version, Type: MsgSphinxPacket, Payload: []byte("x")})
	binary.BigEndian.PutUint32(b[5:9], MaxFrameLength+1)
	_, err := ParseFrame(b)
	require.True(t, errors.Is(err, ErrProtocol))
}

func TestReadFrameFromStream(t *testing.T) {
	one := MarshalFrame(&Frame{Version: Version, Type: MsgSphinxPacket, Seq: 7, Payload: []byte("first")})
	two := MarshalFrame(&Frame{Version: Version, Type: MsgTopologySync, Seq: 8, Payload: []byte("second")})
	r := bytes.NewReader(append(one, two...))

	f1, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, MsgSphinxPacket, f1.Type)
	require.Equal(t, []byte("first"), f1.Payload)

	f2, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, MsgTopologySync, f2.Type)
	require.Equal(t, uint32(8), f2.Seq)
}

func TestMsgTypeKnown(t *testing.T) {
	for _, mt := range []MsgType{
		MsgSphinxPacket, MsgTopologySync, MsgHealthCheck, MsgRouteDiscovery,
		MsgCoverTraffic, MsgPeerExchange, MsgSecurityAlert, MsgMetricsReport,
	} {
		require.True(t, mt.Known(), mt.String())
	}
	require.False(t, MsgType(0x7F).Known())
}
