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
Package sphinx implements the onion packet processor: one decryption layer is
peeled per hop, the header is rewritten for the next hop, and the packet
leaves with the same size class it arrived in.

On-wire layout, identical on every node (offsets from packet start):

	[0:32)    ephemeral X25519 public key
	[32:48)   header MAC (keyed BLAKE3, truncated to 16 bytes)
	[48:426)  routing blob, 378 bytes (six 63-byte hop records)
	[426:N)   payload, N = size class total (1024/2048/4096/8192)

A decrypted 63-byte hop record is:

	[0:1)    route type (forward or final)
	[1:2)    next hop address length
	[2:47)   next hop address, zero padded
	[47:63)  MAC for the next hop's header

Cryptographic suite: X25519 key agreement; BLAKE3 derive-key for the MAC,
stream, payload and blinding keys (distinct domain contexts); ChaCha20 for
the header blob and payload layers. The header MAC covers the ephemeral key
and the routing blob; payloads are opaque at intermediate hops and carry no
per-hop AEAD, matching the header-MAC-only integrity model.

The routing blob is processed Sphinx style: the blob is extended with zeros,
XORed against a keystream one record longer than itself, the first record is
consumed and the remainder becomes the next hop's blob. The filler scheme in
construction makes the appended keystream tail exactly what the next MAC
expects, so the size never changes and the tail stays indistinguishable from
random.
*/
package sphinx
