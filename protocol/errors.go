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

import "errors"

// Error taxonomy shared by all mixnode components. Data-path code wraps these
// with fmt.Errorf("...: %w", ...) so callers can classify with errors.Is
// while counters stay the only externally visible effect.
var (
	// ErrCrypto covers bad MACs, bad signatures and decryption failures.
	ErrCrypto = errors.New("crypto failure")
	// ErrProtocol covers malformed frames, unknown versions and oversize messages.
	ErrProtocol = errors.New("protocol violation")
	// ErrResource covers exhausted pools and depleted token buckets.
	ErrResource = errors.New("resource exhaustion")
	// ErrPeerUnavailable covers open breakers, failed dials and timeouts.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrSelection is returned when no eligible peer exists for a hop.
	ErrSelection = errors.New("no eligible nodes")
	// ErrPersistence covers snapshot I/O failures.
	ErrPersistence = errors.New("persistence failure")
)
