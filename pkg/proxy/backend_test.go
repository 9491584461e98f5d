// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/timesize"
)

const testBufsize = 128 * 1024

func newTestConfig() *Config {
	config := NewDefaultConfig()
	config.ProxyAddr = "127.0.0.1:0"
	config.AdminAddr = "127.0.0.1:0"
	config.BackendPingPeriod = 0
	config.BackendRetryMin = timesize.Duration(time.Millisecond * 10)
	config.BackendRetryMax = timesize.Duration(time.Millisecond * 100)
	config.BackendSendTimeout = timesize.Duration(time.Second)
	config.BackendRecvTimeout = timesize.Duration(time.Minute)
	return config
}

// fakeBackend accepts connections and hands each one to serve.
type fakeBackend struct {
	l net.Listener

	accepted atomic2.Int64
	commands atomic2.Int64
}

func newFakeBackend(serve func(b *fakeBackend, c *redis.Conn)) *fakeBackend {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.MustNoError(err)
	b := &fakeBackend{l: l}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			b.accepted.Incr()
			go serve(b, redis.NewConn(c, testBufsize, testBufsize))
		}
	}()
	return b
}

func (b *fakeBackend) Addr() string {
	return b.l.Addr().String()
}

func (b *fakeBackend) Close() {
	b.l.Close()
}

// serveEcho answers every command with its position on the conn.
func serveEcho(b *fakeBackend, c *redis.Conn) {
	defer c.Close()
	for i := 0; ; i++ {
		if _, err := c.DecodeMultiBulk(); err != nil {
			return
		}
		b.commands.Incr()
		if err := c.Encode(redis.NewString([]byte(strconv.Itoa(i))), true); err != nil {
			return
		}
	}
}

func serveSilent(b *fakeBackend, c *redis.Conn) {
	defer c.Close()
	io.Copy(io.Discard, c.Sock)
}

func waitConnected(bc *BackendConn) {
	for i := 0; i < 500 && !bc.IsConnected(); i++ {
		time.Sleep(time.Millisecond * 10)
	}
	assert.Must(bc.IsConnected())
}

func TestBackendPipeline(t *testing.T) {
	s := newFakeBackend(serveEcho)
	defer s.Close()

	config := newTestConfig()
	config.BackendMaxPipeline = 20480

	bc := NewBackendConn(s.Addr(), 0, config)
	defer bc.Close()

	var array = make([]*Request, 16384)
	var batch = NewBatch(nil)
	for i := range array {
		array[i] = &Request{Multi: redis.NewCommand("GET", i), Batch: batch}
		assert.MustNoError(bc.PushBack(array[i]))
	}
	batch.Wait()

	for i, r := range array {
		assert.MustNoError(r.Err)
		assert.Must(r.Resp != nil)
		assert.Must(string(r.Resp.Value) == strconv.Itoa(i))
	}
	assert.Must(bc.Pending() == 0)
}

func TestBackendBackpressure(t *testing.T) {
	s := newFakeBackend(serveSilent)
	defer s.Close()

	config := newTestConfig()
	config.BackendMaxPipeline = 2

	bc := NewBackendConn(s.Addr(), 0, config)
	waitConnected(bc)

	var batch = NewBatch(nil)
	for i := 0; i < 2; i++ {
		assert.MustNoError(bc.PushBack(&Request{Multi: redis.NewCommand("GET", i), Batch: batch}))
	}
	r := &Request{Multi: redis.NewCommand("GET", 2), Batch: batch}
	err := bc.PushBack(r)
	assert.Must(err == ErrBackpressure)
	assert.Must(IsBackpressureError(err))
	assert.Must(bc.Pending() == 2)
	assert.Must(batch.Pending() == 2)

	bc.Close()
	<-bc.Done()

	batch.Wait()
	assert.Must(bc.Pending() == 0)
	assert.Must(bc.State() == stateStale)
	assert.Must(bc.PushBack(r) == ErrBackendClosed)
}

func TestBackendMidPipelineFailure(t *testing.T) {
	s := newFakeBackend(func(b *fakeBackend, c *redis.Conn) {
		defer c.Close()
		if b.accepted.Int64() != 1 {
			serveEcho(b, c)
			return
		}
		for i := 0; i < 3; i++ {
			_, err := c.DecodeMultiBulk()
			assert.MustNoError(err)
			b.commands.Incr()
		}
	})
	defer s.Close()

	config := newTestConfig()
	bc := NewBackendConn(s.Addr(), 0, config)
	defer bc.Close()
	waitConnected(bc)

	var array = make([]*Request, 3)
	var batch = NewBatch(nil)
	for i := range array {
		array[i] = &Request{Multi: redis.NewCommand("SET", i, i), Batch: batch}
		assert.MustNoError(bc.PushBack(array[i]))
	}
	batch.Wait()

	for _, r := range array {
		assert.Must(r.Resp == nil)
		assert.Must(r.Err != nil)
		assert.Must(IsNetworkError(r.Err))
	}

	// failed requests are never resent on the new conn
	time.Sleep(config.BackendRetryMax.Duration() * 3)
	assert.Must(s.commands.Int64() == 3)

	waitConnected(bc)
	r := &Request{Multi: redis.NewCommand("GET", "k"), Batch: NewBatch(nil)}
	assert.MustNoError(bc.PushBack(r))
	r.Batch.Wait()
	assert.MustNoError(r.Err)
	assert.Must(s.commands.Int64() == 4)
}

func TestBackendBackoff(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.MustNoError(err)
	addr := l.Addr().String()
	l.Close()

	config := newTestConfig()
	config.BackendRetryMin = timesize.Duration(time.Second)
	config.BackendRetryMax = timesize.Duration(time.Second)

	bc := NewBackendConn(addr, 0, config)
	defer bc.Close()

	for i := 0; i < 500 && bc.State() != stateDisconnected; i++ {
		time.Sleep(time.Millisecond * 10)
	}
	assert.Must(bc.State() == stateDisconnected)
	assert.Must(bc.PushBack(&Request{Multi: redis.NewCommand("PING")}) == ErrBackendBackoff)
}

func TestSharedBackendConnPool(t *testing.T) {
	s := newFakeBackend(serveEcho)
	defer s.Close()

	config := newTestConfig()
	config.BackendNumberDatabases = 4

	p := newSharedBackendConnPool(config, 2)
	defer p.Close()

	assert.Must(p.Len() == 0)
	assert.Must(p.Get(s.Addr()) == nil)
	assert.Must(!p.Healthy(s.Addr()))

	shared := p.Retain(s.Addr())
	assert.Must(p.Retain(s.Addr()) == shared)
	assert.Must(p.Len() == 1)
	assert.Must(shared.BackendConn(4, 0, true) == nil)
	assert.Must(shared.BackendConn(-1, 0, true) == nil)

	r := &Request{Multi: redis.NewCommand("GET", "a"), Database: 3, Batch: NewBatch(nil)}
	assert.MustNoError(p.Submit(s.Addr(), r, 0))
	r.Batch.Wait()
	assert.MustNoError(r.Err)

	var n int
	shared.forEach(func(bc *BackendConn) {
		assert.Must(bc.Database() == 3)
		n++
	})
	assert.Must(n == 2)
	assert.Must(p.Healthy(s.Addr()))

	assert.Must(p.Cleanup(time.Hour) == 0)
	assert.Must(p.Evict(map[string]bool{s.Addr(): true}) == 0)
	assert.Must(p.Evict(nil) == 1)
	assert.Must(p.Len() == 0)
}

func TestSharedBackendConnCleanup(t *testing.T) {
	s := newFakeBackend(serveEcho)
	defer s.Close()

	config := newTestConfig()
	p := newSharedBackendConnPool(config, 1)
	defer p.Close()

	r := &Request{Multi: redis.NewCommand("GET", "a"), Batch: NewBatch(nil)}
	assert.MustNoError(p.Submit(s.Addr(), r, 0))
	r.Batch.Wait()

	time.Sleep(time.Millisecond * 50)
	assert.Must(p.Cleanup(time.Millisecond*10) == 1)
	assert.Must(p.Len() == 0)
}

func TestBackendKeepAliveTimeout(t *testing.T) {
	s := newFakeBackend(serveSilent)
	defer s.Close()

	config := newTestConfig()
	config.BackendRecvTimeout = timesize.Duration(time.Millisecond * 200)
	config.BackendRetryMin = timesize.Duration(time.Millisecond * 300)
	config.BackendRetryMax = timesize.Duration(time.Millisecond * 300)

	bc := NewBackendConn(s.Addr(), 0, config)
	defer bc.Close()
	waitConnected(bc)

	assert.Must(bc.KeepAlive())
	assert.Must(bc.Pending() == 1)
	assert.Must(!bc.KeepAlive())

	// the unanswered PING breaks the conn like any other read failure
	waitUntil(func() bool { return bc.State() == stateDisconnected })
	assert.Must(bc.Pending() == 0)
	assert.Must(bc.PushBack(&Request{Multi: redis.NewCommand("PING")}) == ErrBackendBackoff)

	waitUntil(func() bool { return bc.IsConnected() && s.accepted.Int64() == 2 })

	r := &Request{Multi: redis.NewCommand("GET", "a"), Batch: NewBatch(nil)}
	assert.MustNoError(bc.PushBack(r))
	r.Batch.Wait()
	assert.Must(IsNetworkError(r.Err))
	assert.Must(strings.Contains(r.Err.Error(), "no reply within"))
}

func TestBackendProtocolError(t *testing.T) {
	s := newFakeBackend(func(b *fakeBackend, c *redis.Conn) {
		if b.accepted.Int64() != 1 {
			serveEcho(b, c)
			return
		}
		defer c.Close()
		for i := 0; i < 3; i++ {
			if _, err := c.DecodeMultiBulk(); err != nil {
				return
			}
			b.commands.Incr()
		}
		c.Sock.Write([]byte("?what\r\n"))
		io.Copy(io.Discard, c.Sock)
	})
	defer s.Close()

	bc := NewBackendConn(s.Addr(), 0, newTestConfig())
	defer bc.Close()
	waitConnected(bc)

	var array = make([]*Request, 3)
	var batch = NewBatch(nil)
	for i := range array {
		array[i] = &Request{Multi: redis.NewCommand("GET", i), Batch: batch}
		assert.MustNoError(bc.PushBack(array[i]))
	}
	batch.Wait()

	for _, r := range array {
		assert.Must(r.Resp == nil)
		assert.Must(KindOf(r.Err) == KindProtocol)
	}

	waitUntil(func() bool { return bc.IsConnected() && s.accepted.Int64() == 2 })
	r := &Request{Multi: redis.NewCommand("GET", "k"), Batch: NewBatch(nil)}
	assert.MustNoError(bc.PushBack(r))
	r.Batch.Wait()
	assert.MustNoError(r.Err)
	assert.Must(string(r.Resp.Value) == "0")
}

func TestSharedBackendConnRetainOnce(t *testing.T) {
	p := newSharedBackendConnPool(newTestConfig(), 1)
	defer p.Close()

	const n = 64
	var shared [n]*sharedBackendConn
	var start = make(chan struct{})
	var wg sync.WaitGroup
	for i := range shared {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			shared[i] = p.Retain("127.0.0.1:1")
		}(i)
	}
	close(start)
	wg.Wait()

	for _, x := range shared {
		assert.Must(x != nil && x == shared[0])
	}
	assert.Must(p.Len() == 1)
}

func TestSharedBackendConnCleanupRace(t *testing.T) {
	s := newFakeBackend(serveEcho)
	defer s.Close()

	p := newSharedBackendConnPool(newTestConfig(), 1)
	defer p.Close()

	shared := p.Retain(s.Addr())
	r := &Request{Multi: redis.NewCommand("GET", "a"), Batch: NewBatch(nil)}
	assert.MustNoError(shared.PushBack(r, 0))
	r.Batch.Wait()
	assert.MustNoError(r.Err)

	time.Sleep(time.Millisecond * 20)
	assert.Must(p.Cleanup(time.Nanosecond) == 1)
	assert.Must(p.Len() == 0)

	// a caller still holding the cleaned up entry gets a fresh one
	r = &Request{Multi: redis.NewCommand("GET", "b"), Batch: NewBatch(nil)}
	assert.MustNoError(shared.PushBack(r, 0))
	r.Batch.Wait()
	assert.MustNoError(r.Err)
	assert.Must(p.Len() == 1)
	assert.Must(p.Get(s.Addr()) != shared)

	// an evicted address is not brought back
	shared = p.Get(s.Addr())
	assert.Must(p.Evict(nil) == 1)
	r = &Request{Multi: redis.NewCommand("GET", "c"), Batch: NewBatch(nil)}
	assert.Must(shared.PushBack(r, 0) == ErrBackendClosed)
	assert.Must(p.Len() == 0)
}
