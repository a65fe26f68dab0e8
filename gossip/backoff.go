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
	"math"
	"time"
)

// BackoffConfig parameterizes bootstrap retry pacing.
type BackoffConfig struct {
	// Step is the base delay in seconds.
	Step int
	// MaxValue caps the delay in seconds.
	MaxValue int
}

type backoff struct {
	cfg BackoffConfig
	// state
	counter int
	value   time.Duration
}

func (b *backoff) reset() {
	b.value = 0
	b.counter = 0
}

func (b *backoff) inc() time.Duration {
	b.counter++
	b.value = time.Duration(math.Pow(float64(b.cfg.Step), float64(b.counter))) * time.Second
	if b.value > time.Duration(b.cfg.MaxValue)*time.Second {
		b.value = time.Duration(b.cfg.MaxValue) * time.Second
	}
	return b.value
}

func newBackoff(cfg BackoffConfig) *backoff {
	return &backoff{cfg: cfg}
}
