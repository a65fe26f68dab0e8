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

package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"runtime"

	"github.com/facebook/mixnet/sphinx"
)

// checkKeyFilePermissions verifies that a key file is not readable by group
// or others.
func checkKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadOrCreateSigningKey loads the node's long-term ed25519 identity from a
// seed file or creates a new one.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := checkKeyFilePermissions(path); err != nil {
			return nil, err
		}
		if len(data) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key file %s holds %d bytes, want %d", path, len(data), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(data), nil
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("failed to save signing key to %s: %w", path, err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// LoadOrCreateSphinxKey loads the node's X25519 onion key from a file or
// creates a new one.
func LoadOrCreateSphinxKey(path string) (priv [32]byte, err error) {
	if data, rerr := os.ReadFile(path); rerr == nil {
		if err = checkKeyFilePermissions(path); err != nil {
			return
		}
		if len(data) != 32 {
			err = fmt.Errorf("sphinx key file %s holds %d bytes, want 32", path, len(data))
			return
		}
		copy(priv[:], data)
		return
	}

	priv, _, err = sphinx.GenerateKeyPair(nil)
	if err != nil {
		return
	}
	err = os.WriteFile(path, priv[:], 0600)
	if err != nil {
		err = fmt.Errorf("failed to save sphinx key to %s: %w", path, err)
	}
	return
}
