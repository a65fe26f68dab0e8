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
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/registry"
)

// compressThreshold is the payload size above which sync payloads are
// zstd compressed.
const compressThreshold = 1024

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// syncRangeSize is the encoded size of one range digest: prefix, count, hash.
const syncRangeSize = 1 + 4 + 32

// SyncRequest opens a topology exchange: the requester's overall digest and
// its per-prefix range digests over the sorted PeerID space, plus the
// response cap. Ranges replace a full ID list; the responder ships records
// only for the ranges whose digests diverge.
type SyncRequest struct {
	Digest [32]byte
	Max    uint32
	Ranges []registry.RangeDigest
}

// EncodeSyncRequest writes digest, max, range count, then the sorted ranges.
func EncodeSyncRequest(r *SyncRequest) []byte {
	b := make([]byte, 0, 32+4+2+len(r.Ranges)*syncRangeSize)
	b = append(b, r.Digest[:]...)
	b = binary.BigEndian.AppendUint32(b, r.Max)
	b = binary.BigEndian.AppendUint16(b, uint16(len(r.Ranges)))
	for _, rd := range r.Ranges {
		b = append(b, rd.Prefix)
		b = binary.BigEndian.AppendUint32(b, rd.Count)
		b = append(b, rd.Hash[:]...)
	}
	return b
}

// DecodeSyncRequest parses a sync request payload.
func DecodeSyncRequest(b []byte) (*SyncRequest, error) {
	if len(b) < 38 {
		return nil, fmt.Errorf("%w: sync request of %d bytes", protocol.ErrProtocol, len(b))
	}
	r := &SyncRequest{}
	copy(r.Digest[:], b[:32])
	r.Max = binary.BigEndian.Uint32(b[32:36])
	count := int(binary.BigEndian.Uint16(b[36:38]))
	if count > 256 || count*syncRangeSize != len(b)-38 {
		return nil, fmt.Errorf("%w: sync request range count %d", protocol.ErrProtocol, count)
	}
	r.Ranges = make([]registry.RangeDigest, count)
	off := 38
	for i := range r.Ranges {
		r.Ranges[i].Prefix = b[off]
		r.Ranges[i].Count = binary.BigEndian.Uint32(b[off+1 : off+5])
		copy(r.Ranges[i].Hash[:], b[off+5:off+syncRangeSize])
		off += syncRangeSize
	}
	return r, nil
}

// SyncResponse carries the responder's digest and the records the requester
// is missing. The same shape serves as the bootstrap response.
type SyncResponse struct {
	Digest [32]byte
	Infos  []*protocol.NodeInfo
}

// EncodeSyncResponse writes digest then the record sequence.
func EncodeSyncResponse(r *SyncResponse) []byte {
	b := make([]byte, 0, 32+len(r.Infos)*160)
	b = append(b, r.Digest[:]...)
	return append(b, protocol.EncodeNodeInfos(r.Infos)...)
}

// DecodeSyncResponse parses a sync response payload.
func DecodeSyncResponse(b []byte) (*SyncResponse, error) {
	if len(b) < 32 {
		return nil, fmt.Errorf("%w: sync response of %d bytes", protocol.ErrProtocol, len(b))
	}
	r := &SyncResponse{}
	copy(r.Digest[:], b[:32])
	infos, err := protocol.DecodeNodeInfos(b[32:])
	if err != nil {
		return nil, err
	}
	r.Infos = infos
	return r, nil
}

// packFrame builds a gossip frame, compressing large payloads.
func packFrame(t protocol.MsgType, payload []byte) *protocol.Frame {
	f := &protocol.Frame{Version: protocol.Version, Type: t}
	if len(payload) > compressThreshold {
		f.Flags |= protocol.FlagCompressed
		f.Payload = zstdEncoder.EncodeAll(payload, nil)
		return f
	}
	f.Payload = payload
	return f
}

// unpackFrame returns the frame payload, decompressing when flagged.
func unpackFrame(f *protocol.Frame) ([]byte, error) {
	if f.Flags&protocol.FlagCompressed == 0 {
		return f.Payload, nil
	}
	out, err := zstdDecoder.DecodeAll(f.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing payload: %v", protocol.ErrProtocol, err)
	}
	if len(out) > protocol.MaxFrameLength {
		return nil, fmt.Errorf("%w: decompressed payload of %d bytes", protocol.ErrProtocol, len(out))
	}
	return out, nil
}
