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
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/crypto/chacha20"

	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/stats"
)

// Result is the outcome of processing one packet. Forward results carry the
// rewritten packet and its destination; final results carry the unpadded
// plaintext.
type Result struct {
	Forward  bool
	NextAddr string
	Packet   *Packet
	Payload  []byte
}

// Processor peels one onion layer per packet. It holds the node's X25519
// secret; the signing identity stays with the supervisor.
type Processor struct {
	priv [32]byte

	mean    time.Duration
	ceiling time.Duration
	simd    bool
	stats   stats.Stats
}

// NewProcessor creates a processor. mean parameterizes the exponential mix
// delay, capped at ceiling. simd selects the vectorized payload transform;
// both transforms produce identical bytes.
func NewProcessor(priv [32]byte, mean, ceiling time.Duration, simd bool, st stats.Stats) *Processor {
	return &Processor{priv: priv, mean: mean, ceiling: ceiling, simd: simd, stats: st}
}

// xorPayload removes or adds one payload stream layer using the platform
// accelerated cipher.
func xorPayload(key *[32]byte, data []byte) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		panic(err)
	}
	c.XORKeyStream(data, data)
}

// xorPayloadScalar is the reference transform: same keystream, applied with
// a plain byte loop. Kept bit-identical to xorPayload; the equality is a
// tested invariant.
func xorPayloadScalar(key *[32]byte, data []byte) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		panic(err)
	}
	ks := make([]byte, len(data))
	c.XORKeyStream(ks, ks)
	for i := range data {
		data[i] ^= ks[i]
	}
}

func (pr *Processor) payloadTransform(key *[32]byte, data []byte) {
	if pr.simd {
		xorPayload(key, data)
		return
	}
	xorPayloadScalar(key, data)
}

// Process performs the per-hop transform: key agreement, MAC check, header
// shift, payload unwrap, ephemeral blinding. MAC failures return ErrCrypto
// and the caller drops silently. The input packet is not modified.
func (pr *Processor) Process(p *Packet) (*Result, error) {
	shared, err := sharedSecret(pr.priv[:], p.EphPub[:])
	if err != nil {
		return nil, err
	}
	keys := deriveKeys(shared)

	expected := headerMAC(keys, p.EphPub[:], p.Routing[:])
	if !macEqual(expected[:], p.MAC[:]) {
		if pr.stats != nil {
			pr.stats.IncCryptoFailures()
		}
		return nil, fmt.Errorf("%w: header MAC mismatch", protocol.ErrCrypto)
	}

	// decrypt and shift the routing blob; the appended keystream tail keeps
	// the blob length constant
	stream := keystream(keys, RoutingLen+recordSize)
	shifted := make([]byte, RoutingLen+recordSize)
	copy(shifted, p.Routing[:])
	for i := range shifted {
		shifted[i] ^= stream[i]
	}
	rec, err := decodeRecord(shifted[:recordSize])
	if err != nil {
		if pr.stats != nil {
			pr.stats.IncCryptoFailures()
		}
		return nil, err
	}

	body := make([]byte, len(p.Payload))
	copy(body, p.Payload)
	pr.payloadTransform(&keys.payload, body)

	if rec.rtype == RouteFinal {
		n := binary.BigEndian.Uint32(body[:payloadLenPrefix])
		if int(n) > len(body)-payloadLenPrefix {
			if pr.stats != nil {
				pr.stats.IncCryptoFailures()
			}
			return nil, fmt.Errorf("%w: final payload length %d", protocol.ErrCrypto, n)
		}
		return &Result{Payload: body[payloadLenPrefix : payloadLenPrefix+int(n)]}, nil
	}

	blinded, err := blindPoint(&keys.blind, p.EphPub[:])
	if err != nil {
		return nil, err
	}
	out := &Packet{Class: p.Class, MAC: rec.nextMAC, Payload: body}
	copy(out.EphPub[:], blinded)
	copy(out.Routing[:], shifted[recordSize:])
	return &Result{Forward: true, NextAddr: rec.addr, Packet: out}, nil
}

// ProcessBatch processes a queued batch in one pass. Grouping keeps the
// per-packet transform identical; batch output equals packet-at-a-time
// output byte for byte.
func (pr *Processor) ProcessBatch(pkts []*Packet) ([]*Result, []error) {
	results := make([]*Result, len(pkts))
	errs := make([]error, len(pkts))
	for i, p := range pkts {
		results[i], errs[i] = pr.Process(p)
	}
	return results, errs
}

// SampleDelay draws a mix delay from the exponential distribution with the
// configured mean, hard capped at the ceiling. The rng is worker local.
func (pr *Processor) SampleDelay(rng *rand.Rand) time.Duration {
	d := time.Duration(rng.ExpFloat64() * float64(pr.mean))
	if d > pr.ceiling {
		d = pr.ceiling
	}
	return d
}
