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

package connmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewBreaker(5, 0.6, 30*time.Second)
	require.Equal(t, BreakerClosed, b.State())

	// 3 failures out of 5 is 0.6
	b.Failure(now)
	b.Failure(now)
	b.Success(now)
	b.Success(now)
	require.Equal(t, BreakerClosed, b.State())
	tripped := b.Failure(now)
	require.True(t, tripped)
	require.Equal(t, BreakerOpen, b.State())
	require.False(t, b.Allow(now))
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewBreaker(4, 0.5, 10*time.Second)
	for i := 0; i < 4; i++ {
		b.Failure(now)
	}
	require.Equal(t, BreakerOpen, b.State())

	// before the cooldown nothing is admitted
	require.False(t, b.Allow(now.Add(5*time.Second)))

	// after the cooldown exactly one probe goes through
	probeTime := now.Add(11 * time.Second)
	require.True(t, b.Allow(probeTime))
	require.Equal(t, BreakerHalfOpen, b.State())
	require.False(t, b.Allow(probeTime))

	// successful probe closes
	b.Success(probeTime)
	require.Equal(t, BreakerClosed, b.State())
	require.True(t, b.Allow(probeTime))
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewBreaker(2, 0.5, 10*time.Second)
	b.Failure(now)
	b.Failure(now)
	require.Equal(t, BreakerOpen, b.State())

	probe := now.Add(11 * time.Second)
	require.True(t, b.Allow(probe))
	b.Failure(probe)
	require.Equal(t, BreakerOpen, b.State())

	// cooldown doubled to 20s
	require.False(t, b.Allow(probe.Add(15*time.Second)))
	require.True(t, b.Allow(probe.Add(21*time.Second)))
}

func TestBreakerCooldownCeiling(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewBreaker(2, 0.5, time.Minute)
	b.Failure(now)
	b.Failure(now)

	// many failed probes never push the cooldown past the ceiling
	probe := now
	for i := 0; i < 20; i++ {
		probe = probe.Add(cooldownCeiling + time.Second)
		require.True(t, b.Allow(probe), "probe %d", i)
		b.Failure(probe)
	}
	require.True(t, b.Allow(probe.Add(cooldownCeiling+time.Second)))
}
