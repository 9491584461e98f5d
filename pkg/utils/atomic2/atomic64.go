// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package atomic2

import "sync/atomic"

type Int64 struct {
	v int64
}

func (a *Int64) Int64() int64 {
	return atomic.LoadInt64(&a.v)
}

func (a *Int64) Set(v int64) {
	atomic.StoreInt64(&a.v, v)
}

func (a *Int64) CompareAndSwap(o, n int64) bool {
	return atomic.CompareAndSwapInt64(&a.v, o, n)
}

func (a *Int64) Swap(v int64) int64 {
	return atomic.SwapInt64(&a.v, v)
}

func (a *Int64) Add(v int64) int64 {
	return atomic.AddInt64(&a.v, v)
}

func (a *Int64) Incr() int64 {
	return a.Add(1)
}

func (a *Int64) Decr() int64 {
	return a.Add(-1)
}

// Uint64 is a wrapping counter, used for round-robin seeds.
type Uint64 struct {
	v uint64
}

func (a *Uint64) Uint64() uint64 {
	return atomic.LoadUint64(&a.v)
}

func (a *Uint64) Incr() uint64 {
	return atomic.AddUint64(&a.v, 1)
}
