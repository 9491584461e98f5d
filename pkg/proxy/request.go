// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"sync"

	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
)

type Request struct {
	Seq   int64
	Multi []*redis.Resp
	Batch *Batch

	OpStr    string
	OpFlag   OpFlag
	KeyIndex int

	Database int32
	UnixNano int64

	Resp *redis.Resp
	Err  error

	Coalesce func() error
}

func (r *Request) setInfo(info OpInfo) {
	r.OpStr, r.OpFlag, r.KeyIndex = info.Name, info.Flag, info.KeyIndex
}

// MakeSubRequest returns n requests sharing the batch and metadata of r.
func (r *Request) MakeSubRequest(n int) []Request {
	sub := make([]Request, n)
	for i := range sub {
		x := &sub[i]
		x.Seq = r.Seq
		x.Batch = r.Batch
		x.OpStr, x.OpFlag, x.KeyIndex = r.OpStr, r.OpFlag, r.KeyIndex
		x.Database = r.Database
		x.UnixNano = r.UnixNano
	}
	return sub
}

// Batch counts outstanding parts of one client request. notify runs once,
// on the transition to zero.
type Batch struct {
	wait    sync.WaitGroup
	pending atomic2.Int64
	notify  func()
}

func NewBatch(notify func()) *Batch {
	return &Batch{notify: notify}
}

func (b *Batch) Add(n int) {
	b.wait.Add(n)
	b.pending.Add(int64(n))
}

func (b *Batch) Done() {
	if b.pending.Add(-1) == 0 && b.notify != nil {
		b.notify()
	}
	b.wait.Done()
}

func (b *Batch) Wait() {
	b.wait.Wait()
}

func (b *Batch) Pending() int64 {
	return b.pending.Int64()
}
