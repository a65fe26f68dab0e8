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
Package bufpool recycles packet buffers in four fixed size classes. Buffers
are zeroized before they re-enter a pool, so a recycled buffer can never leak
a previous packet's key material or payload into the next one.
*/
package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/facebook/mixnet/stats"
)

// Class is a packet size class. All nodes agree on the on-wire size of each
// class, which is what makes sphinx packets indistinguishable within a class.
type Class uint8

// Size classes.
const (
	ClassSmall Class = iota
	ClassMedium
	ClassLarge
	ClassJumbo
	classCount
)

var classSizes = [classCount]int{1024, 2048, 4096, 8192}

var classNames = [classCount]string{"small", "medium", "large", "jumbo"}

// Size returns the total on-wire packet size of the class.
func (c Class) Size() int {
	return classSizes[c]
}

func (c Class) String() string {
	if c >= classCount {
		return fmt.Sprintf("class-%d", int(c))
	}
	return classNames[c]
}

// Valid reports whether c is a real size class.
func (c Class) Valid() bool {
	return c < classCount
}

// ClassFor returns the smallest class that fits n bytes.
func ClassFor(n int) (Class, bool) {
	for c := ClassSmall; c < classCount; c++ {
		if n <= classSizes[c] {
			return c, true
		}
	}
	return 0, false
}

// Buffer is a single-owner packet buffer. B always has the full class size;
// the pooled flag is the one-bit tag that catches double frees.
type Buffer struct {
	B []byte

	class  Class
	pooled uint32
}

// Class returns the size class the buffer belongs to.
func (b *Buffer) Class() Class {
	return b.class
}

// refillBatch is how many buffers are moved from the shared free list into
// the per-P cache on a miss.
const refillBatch = 8

// Pool is a set of size-classed free lists. A sync.Pool sits in front of
// each shared list to keep the common path off the mutex; the shared list
// bounds total retained memory.
type Pool struct {
	front [classCount]sync.Pool
	free  [classCount]chan *Buffer
	stats stats.Stats

	allocated int64
}

// New creates a pool retaining up to perClass buffers in each class's shared
// free list.
func New(perClass int, st stats.Stats) *Pool {
	p := &Pool{stats: st}
	for c := range p.free {
		p.free[c] = make(chan *Buffer, perClass)
	}
	return p
}

// Get returns a buffer of the class, recycled if possible. The returned
// buffer is owned exclusively by the caller until Put.
func (p *Pool) Get(c Class) *Buffer {
	if v := p.front[c].Get(); v != nil {
		b := v.(*Buffer)
		atomic.StoreUint32(&b.pooled, 0)
		return b
	}
	// replenish the per-P cache from the shared list in a batch
	var first *Buffer
refill:
	for i := 0; i < refillBatch; i++ {
		select {
		case b := <-p.free[c]:
			if first == nil {
				atomic.StoreUint32(&b.pooled, 0)
				first = b
			} else {
				p.front[c].Put(b)
			}
		default:
			break refill
		}
	}
	if first != nil {
		return first
	}
	if p.stats != nil {
		p.stats.IncPoolMiss(c.String())
	}
	atomic.AddInt64(&p.allocated, 1)
	return &Buffer{B: make([]byte, c.Size()), class: c}
}

// Put zeroizes the buffer and returns it to its class's pool. Putting the
// same buffer twice is an invariant violation and panics; the supervisor
// treats that as a poisoned state and shuts down in order.
func (p *Pool) Put(b *Buffer) {
	if !atomic.CompareAndSwapUint32(&b.pooled, 0, 1) {
		panic(fmt.Sprintf("bufpool: double free of %s buffer", b.class))
	}
	for i := range b.B {
		b.B[i] = 0
	}
	select {
	case p.free[b.class] <- b:
	default:
		p.front[b.class].Put(b)
	}
}

// Allocated returns the number of buffers created outside the pools.
func (p *Pool) Allocated() int64 {
	return atomic.LoadInt64(&p.allocated)
}
