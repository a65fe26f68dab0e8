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

package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/mixnet/stats"
)

func TestClassSizes(t *testing.T) {
	require.Equal(t, 1024, ClassSmall.Size())
	require.Equal(t, 2048, ClassMedium.Size())
	require.Equal(t, 4096, ClassLarge.Size())
	require.Equal(t, 8192, ClassJumbo.Size())
}

func TestClassFor(t *testing.T) {
	c, ok := ClassFor(100)
	require.True(t, ok)
	require.Equal(t, ClassSmall, c)

	c, ok = ClassFor(1025)
	require.True(t, ok)
	require.Equal(t, ClassMedium, c)

	c, ok = ClassFor(8192)
	require.True(t, ok)
	require.Equal(t, ClassJumbo, c)

	_, ok = ClassFor(8193)
	require.False(t, ok)
}

func TestGetPutRecycles(t *testing.T) {
	p := New(16, stats.NewJSONStats())
	b := p.Get(ClassMedium)
	require.Len(t, b.B, ClassMedium.Size())
	require.Equal(t, ClassMedium, b.Class())

	copy(b.B, []byte("sensitive routing material"))
	p.Put(b)

	got := p.Get(ClassMedium)
	// zeroized before re-entering the pool
	for i, v := range got.B {
		require.Zero(t, v, "byte %d not zeroized", i)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	p := New(4, nil)
	b := p.Get(ClassSmall)
	p.Put(b)
	require.Panics(t, func() { p.Put(b) })
}

func TestMissCounting(t *testing.T) {
	p := New(4, nil)
	before := p.Allocated()
	_ = p.Get(ClassJumbo)
	require.Equal(t, before+1, p.Allocated())
}

func TestClassesAreIndependent(t *testing.T) {
	p := New(4, nil)
	small := p.Get(ClassSmall)
	p.Put(small)
	// a large Get must not hand back the recycled small buffer
	large := p.Get(ClassLarge)
	require.Equal(t, ClassLarge.Size(), len(large.B))
}
