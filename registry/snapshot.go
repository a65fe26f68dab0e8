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

package registry

import (
	"fmt"
	"os"
	"time"

	"github.com/facebook/mixnet/protocol"
)

// SaveSnapshot persists every admitted record, including monotonic counters
// and last-seen, as a length-prefixed sequence. The write is atomic via temp
// file and rename so a crash never leaves a torn snapshot.
func (r *Registry) SaveSnapshot(path string) error {
	data := protocol.EncodeNodeInfos(r.All())
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("%w: writing snapshot: %v", protocol.ErrPersistence, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming snapshot: %v", protocol.ErrPersistence, err)
	}
	return nil
}

// LoadSnapshot reads a persisted snapshot and replays every record through
// Upsert, so stale or tampered records are filtered exactly like gossip
// input. Returns the number of admitted records. A missing file is not an
// error.
func (r *Registry) LoadSnapshot(path string, now time.Time) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: reading snapshot: %v", protocol.ErrPersistence, err)
	}
	infos, err := protocol.DecodeNodeInfos(data)
	if err != nil {
		return 0, fmt.Errorf("%w: decoding snapshot: %v", protocol.ErrPersistence, err)
	}
	admitted := 0
	for _, n := range infos {
		if res := r.Upsert(n, now); res.Outcome != Rejected {
			admitted++
		}
	}
	return admitted, nil
}
