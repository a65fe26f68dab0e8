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
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"

	"github.com/facebook/mixnet/protocol"
)

// Key derivation domain contexts. Distinct contexts keep the MAC, header
// stream, payload and blinding keys independent even though they share one
// ECDH output.
const (
	ctxMACKey     = "mixnet/sphinx/v1/mac"
	ctxStreamKey  = "mixnet/sphinx/v1/header-stream"
	ctxPayloadKey = "mixnet/sphinx/v1/payload"
	ctxBlindKey   = "mixnet/sphinx/v1/blind"
)

// hopKeys is the per-hop key schedule derived from one shared secret.
type hopKeys struct {
	mac     [32]byte
	stream  [32]byte
	payload [32]byte
	blind   [32]byte
}

func deriveKeys(shared []byte) *hopKeys {
	k := &hopKeys{}
	blake3.DeriveKey(ctxMACKey, shared, k.mac[:])
	blake3.DeriveKey(ctxStreamKey, shared, k.stream[:])
	blake3.DeriveKey(ctxPayloadKey, shared, k.payload[:])
	blake3.DeriveKey(ctxBlindKey, shared, k.blind[:])
	return k
}

// sharedSecret is the raw X25519 agreement between a scalar and a point.
func sharedSecret(scalar, point []byte) ([]byte, error) {
	s, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", protocol.ErrCrypto, err)
	}
	return s, nil
}

// blindPoint multiplies a public point by the blinding scalar; the same
// operation is performed by the sender during construction and by the node
// when rewriting the header, which is what keeps successive ephemeral keys
// unlinkable yet consistent.
func blindPoint(blind *[32]byte, point []byte) ([]byte, error) {
	return sharedSecret(blind[:], point)
}

// headerMAC authenticates the ephemeral key and routing blob under the MAC key.
func headerMAC(k *hopKeys, ephPub []byte, blob []byte) [macSize]byte {
	h, err := blake3.NewKeyed(k.mac[:])
	if err != nil {
		// key is always 32 bytes
		panic(err)
	}
	_, _ = h.Write(ephPub)
	_, _ = h.Write(blob)
	var mac [macSize]byte
	copy(mac[:], h.Sum(nil))
	return mac
}

// macEqual compares MACs without a secret-dependent early exit.
func macEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// keystream produces n bytes of the header stream for the hop.
func keystream(k *hopKeys, n int) []byte {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(k.stream[:], nonce[:])
	if err != nil {
		panic(err)
	}
	out := make([]byte, n)
	c.XORKeyStream(out, out)
	return out
}

// PublicKey derives the X25519 public key for an existing private scalar.
func PublicKey(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: public key derivation: %v", protocol.ErrCrypto, err)
	}
	copy(pub[:], p)
	return pub, nil
}

// GenerateKeyPair creates a fresh X25519 node key pair.
func GenerateKeyPair(r io.Reader) (priv, pub [32]byte, err error) {
	if r == nil {
		r = rand.Reader
	}
	if _, err = io.ReadFull(r, priv[:]); err != nil {
		return
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], p)
	return
}
