// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package atomic2_test

import (
	"sync"
	"testing"

	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
)

func TestInt64(t *testing.T) {
	var a atomic2.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				a.Incr()
			}
		}()
	}
	wg.Wait()
	assert.Must(a.Int64() == 16000)
	assert.Must(a.Decr() == 15999)
	assert.Must(a.Swap(1) == 15999)
	assert.Must(a.CompareAndSwap(1, 2) && a.Int64() == 2)

	var u atomic2.Uint64
	assert.Must(u.Incr() == 1 && u.Uint64() == 1)
}

func TestBool(t *testing.T) {
	var b atomic2.Bool
	assert.Must(b.IsFalse())
	b.Set(true)
	assert.Must(b.IsTrue())
	assert.Must(b.Swap(false))
	assert.Must(b.CompareAndSwap(false, true) && b.IsTrue())
}

func TestPointer(t *testing.T) {
	var p atomic2.Pointer[int]
	assert.Must(p.Get() == nil)
	one, two := 1, 2
	p.Set(&one)
	assert.Must(p.Swap(&two) == &one)
	assert.Must(*p.Get() == 2)
}
