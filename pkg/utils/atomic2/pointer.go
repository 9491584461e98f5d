// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package atomic2

import "sync/atomic"

// Pointer holds a *T that is replaced as a whole, never field by field.
type Pointer[T any] struct {
	p atomic.Pointer[T]
}

func (a *Pointer[T]) Get() *T {
	return a.p.Load()
}

func (a *Pointer[T]) Set(v *T) {
	a.p.Store(v)
}

func (a *Pointer[T]) Swap(v *T) *T {
	return a.p.Swap(v)
}

func (a *Pointer[T]) CompareAndSwap(o, n *T) bool {
	return a.p.CompareAndSwap(o, n)
}
