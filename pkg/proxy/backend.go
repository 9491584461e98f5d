// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
	"github.com/pikaproxy/pika-proxy/pkg/utils/math2"
)

const (
	stateConnected = iota + 1
	stateConnecting
	stateDisconnected
	stateStale
)

func stateString(v int64) string {
	switch v {
	case stateConnected:
		return "connected"
	case stateConnecting:
		return "connecting"
	case stateDisconnected:
		return "disconnected"
	case stateStale:
		return "stale"
	}
	return "unknown"
}

// BackendConn is one pipelined connection to (addr, database). Requests are
// written in arrival order and replies are matched to them in the same
// order. A broken connection fails every request it holds and reconnects
// after a backoff delay; it never resends a request.
type BackendConn struct {
	addr     string
	database int32
	config   *Config

	input chan *Request
	retry DelayExp2

	state    atomic2.Int64
	pending  atomic2.Int64
	lastUsed atomic2.Int64

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBackendConn(addr string, database int32, config *Config) *BackendConn {
	bc := &BackendConn{
		addr: addr, database: database, config: config,
		input: make(chan *Request, config.BackendMaxPipeline),
		done:  make(chan struct{}),
	}
	bc.retry.Min = config.BackendRetryMin.Duration()
	bc.retry.Max = config.BackendRetryMax.Duration()
	bc.ctx, bc.cancel = context.WithCancel(context.Background())
	bc.state.Set(stateConnecting)
	bc.lastUsed.Set(time.Now().UnixNano())

	go bc.run()
	return bc
}

func (bc *BackendConn) Addr() string {
	return bc.addr
}

func (bc *BackendConn) Database() int32 {
	return bc.database
}

func (bc *BackendConn) State() int64 {
	return bc.state.Int64()
}

func (bc *BackendConn) IsConnected() bool {
	return bc.state.Int64() == stateConnected
}

// Pending is the number of accepted requests not yet resolved.
func (bc *BackendConn) Pending() int64 {
	return bc.pending.Int64()
}

func (bc *BackendConn) IdleFor() time.Duration {
	return time.Since(time.Unix(0, bc.lastUsed.Int64()))
}

// Close stops the run loop. Requests still queued are failed with
// ErrBackendClosed; Close returns without waiting for that.
func (bc *BackendConn) Close() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return
	}
	bc.closed = true
	bc.cancel()
}

// Done is closed once the run loop has exited and resolved every request.
func (bc *BackendConn) Done() <-chan struct{} {
	return bc.done
}

// PushBack queues r. An error means r was not queued and its batch, if
// any, was left untouched.
func (bc *BackendConn) PushBack(r *Request) error {
	return bc.pushBack(r, true)
}

func (bc *BackendConn) pushBack(r *Request, touch bool) error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.closed {
		return ErrBackendClosed
	}
	if bc.state.Int64() == stateDisconnected {
		return ErrBackendBackoff
	}
	if bc.pending.Incr() > int64(bc.config.BackendMaxPipeline) {
		bc.pending.Decr()
		return ErrBackpressure
	}
	if touch {
		bc.lastUsed.Set(time.Now().UnixNano())
	}
	if r.Batch != nil {
		r.Batch.Add(1)
	}
	bc.input <- r
	return nil
}

// KeepAlive sends a PING on an idle, connected conn.
func (bc *BackendConn) KeepAlive() bool {
	if bc.state.Int64() != stateConnected || bc.pending.Int64() != 0 {
		return false
	}
	m := &Request{OpStr: "PING"}
	m.Multi = []*redis.Resp{
		redis.NewBulkBytes([]byte("PING")),
	}
	return bc.pushBack(m, false) == nil
}

func (bc *BackendConn) run() {
	defer close(bc.done)
	log.Warnf("backend conn [%p] to %s, db-%d start service", bc, bc.addr, bc.database)

	for round := 0; bc.ctx.Err() == nil; round++ {
		bc.state.Set(stateConnecting)
		err := bc.loopWriter(round)
		if bc.ctx.Err() != nil {
			break
		}
		bc.state.Set(stateDisconnected)
		delay := bc.retry.Next()
		log.WarnErrorf(err, "backend conn [%p] to %s, db-%d writer-[%d] exit, retry in %s",
			bc, bc.addr, bc.database, round, delay)
		bc.backoff(delay, err)
	}

	bc.state.Set(stateStale)
	for {
		select {
		case r := <-bc.input:
			bc.setResponse(r, nil, ErrBackendClosed)
		default:
			log.Warnf("backend conn [%p] to %s, db-%d stop and exit", bc, bc.addr, bc.database)
			return
		}
	}
}

// backoff waits for delay, failing whatever arrives in the meantime.
func (bc *BackendConn) backoff(delay time.Duration, err error) {
	if err = newError(KindNetwork, err); err == nil {
		err = ErrBackendBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case r := <-bc.input:
			bc.setResponse(r, nil, err)
		case <-timer.C:
			return
		case <-bc.ctx.Done():
			return
		}
	}
}

func (bc *BackendConn) loopReader(c *redis.Conn, tasks <-chan *Request, broken, exit chan<- struct{}, round int) {
	var err error
	defer func() {
		defer close(exit)
		c.Close()
		close(broken)
		for r := range tasks {
			bc.setResponse(r, nil, err)
		}
		log.WarnErrorf(err, "backend conn [%p] to %s, db-%d reader-[%d] exit",
			bc, bc.addr, bc.database, round)
	}()
	for r := range tasks {
		resp, e := c.Decode()
		if e != nil {
			err = bc.readerError(e)
			bc.setResponse(r, nil, err)
			return
		}
		bc.setResponse(r, resp, nil)
	}
	err = ErrBackendClosed
}

func (bc *BackendConn) readerError(err error) error {
	switch {
	case bc.ctx.Err() != nil:
		return ErrBackendClosed
	case redis.IsProtocolError(err):
		return newError(KindProtocol, err)
	case redis.IsTimeout(err):
		return newError(KindNetwork, errors.Errorf("no reply within %s: %s", bc.config.BackendRecvTimeout.Duration(), err))
	default:
		return newError(KindNetwork, err)
	}
}

var errReaderBroken = errors.New("backend reader is broken")

func (bc *BackendConn) loopWriter(round int) (err error) {
	c, err := bc.dial()
	if err != nil {
		return err
	}
	bc.state.Set(stateConnected)
	bc.retry.Reset()
	log.Warnf("backend conn [%p] to %s, db-%d writer-[%d] connected", bc, bc.addr, bc.database, round)

	tasks := make(chan *Request, bc.config.BackendMaxPipeline)
	broken, exit := make(chan struct{}), make(chan struct{})
	go bc.loopReader(c, tasks, broken, exit, round)

	defer func() {
		c.Close()
		close(tasks)
		<-exit
	}()

	p := c.FlushEncoder()
	p.MaxInterval = time.Millisecond
	p.MaxBuffered = math2.MinInt(256, bc.config.BackendMaxPipeline)

	for {
		select {
		case <-bc.ctx.Done():
			return nil
		case <-broken:
			return errReaderBroken
		case r := <-bc.input:
			if err := p.EncodeMultiBulk(r.Multi); err != nil {
				return bc.setResponse(r, nil, newError(KindNetwork, err))
			}
			if err := p.Flush(len(bc.input) == 0); err != nil {
				return bc.setResponse(r, nil, newError(KindNetwork, err))
			}
			tasks <- r
		}
	}
}

func (bc *BackendConn) dial() (*redis.Conn, error) {
	ctx, cancel := context.WithTimeout(bc.ctx, bc.config.BackendDialTimeout.Duration())
	defer cancel()

	var d net.Dialer
	sock, err := d.DialContext(ctx, "tcp", bc.addr)
	if err != nil {
		return nil, newError(KindNetwork, errors.Trace(err))
	}
	c := redis.NewConn(sock,
		bc.config.bufsize(bc.config.BackendRecvBufsize),
		bc.config.bufsize(bc.config.BackendSendBufsize),
	)
	c.ReaderTimeout = bc.config.BackendRecvTimeout.Duration()
	c.WriterTimeout = bc.config.BackendSendTimeout.Duration()
	c.SetKeepAlivePeriod(bc.config.BackendKeepAlivePeriod.Duration())

	if err := bc.verifyAuth(c, bc.config.ProductAuth); err != nil {
		c.Close()
		return nil, err
	}
	if err := bc.selectDatabase(c, bc.database); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (bc *BackendConn) expectOK(c *redis.Conn, multi []*redis.Resp) error {
	resp, err := c.Do(multi)
	switch {
	case err != nil:
		return newError(KindNetwork, err)
	case resp == nil:
		return ErrRespIsRequired
	case resp.IsError():
		return newError(KindNetwork, errors.Errorf("error resp: %s", resp.Value))
	case resp.IsString():
		return nil
	default:
		return newError(KindProtocol, errors.Errorf("error resp: should be string, but got %s", resp.Type))
	}
}

func (bc *BackendConn) verifyAuth(c *redis.Conn, auth string) error {
	if auth == "" {
		return nil
	}
	return bc.expectOK(c, redis.NewCommand("AUTH", auth))
}

func (bc *BackendConn) selectDatabase(c *redis.Conn, database int32) error {
	if database == 0 {
		return nil
	}
	return bc.expectOK(c, redis.NewCommand("SELECT", database))
}

func (bc *BackendConn) setResponse(r *Request, resp *redis.Resp, err error) error {
	r.Resp, r.Err = resp, err
	bc.pending.Decr()
	if r.Batch != nil {
		r.Batch.Done()
	}
	return err
}

// sharedBackendConn holds the parallel conns to one address, one group per
// database, created on first use.
type sharedBackendConn struct {
	addr string
	pool *sharedBackendConnPool

	mu      sync.Mutex
	conns   [][]*BackendConn
	closed  bool
	retired bool
}

func newSharedBackendConn(addr string, pool *sharedBackendConnPool) *sharedBackendConn {
	return &sharedBackendConn{
		addr: addr, pool: pool,
		conns: make([][]*BackendConn, pool.config.BackendNumberDatabases),
	}
}

func (s *sharedBackendConn) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// BackendConn picks one of the parallel conns for database, preferring a
// connected one. When none is connected it returns the first one if must
// is set and nil otherwise.
func (s *sharedBackendConn) BackendConn(database int32, seed uint, must bool) *BackendConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || database < 0 || int(database) >= len(s.conns) {
		return nil
	}
	parallel := s.conns[database]
	if parallel == nil {
		parallel = make([]*BackendConn, s.pool.parallel)
		for i := range parallel {
			parallel[i] = NewBackendConn(s.addr, database, s.pool.config)
		}
		s.conns[database] = parallel
	}
	for i := 0; i < len(parallel); i++ {
		bc := parallel[(seed+uint(i))%uint(len(parallel))]
		if bc.IsConnected() {
			return bc
		}
	}
	if !must {
		return nil
	}
	return parallel[0]
}

// PushBack queues r on a conn for r.Database. A conn closed by an idle
// cleanup after it was picked is replaced once; an evicted address is not
// brought back.
func (s *sharedBackendConn) PushBack(r *Request, seed uint) error {
	err := s.pushBack(r, seed)
	if err != ErrBackendClosed {
		return err
	}
	s.mu.Lock()
	closed, retired := s.closed, s.retired
	s.mu.Unlock()
	switch {
	case !closed:
		return s.pushBack(r, seed)
	case retired:
		return s.pool.Retain(s.addr).pushBack(r, seed)
	}
	return err
}

func (s *sharedBackendConn) pushBack(r *Request, seed uint) error {
	bc := s.BackendConn(r.Database, seed, true)
	if bc == nil {
		return ErrBackendClosed
	}
	return bc.PushBack(r)
}

// Healthy reports whether any conn to the address is connected.
func (s *sharedBackendConn) Healthy() bool {
	var healthy bool
	s.forEach(func(bc *BackendConn) {
		healthy = healthy || bc.IsConnected()
	})
	return healthy
}

func (s *sharedBackendConn) forEach(fn func(bc *BackendConn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, parallel := range s.conns {
		for _, bc := range parallel {
			fn(bc)
		}
	}
}

func (s *sharedBackendConn) KeepAlive() {
	s.forEach(func(bc *BackendConn) {
		bc.KeepAlive()
	})
}

// cleanup closes database groups that stayed idle for longer than d and
// reports whether no group is left.
func (s *sharedBackendConn) cleanup(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var alive int
	for db, parallel := range s.conns {
		if parallel == nil {
			continue
		}
		idle := true
		for _, bc := range parallel {
			idle = idle && bc.Pending() == 0 && bc.IdleFor() > d
		}
		if !idle {
			alive++
			continue
		}
		for _, bc := range parallel {
			bc.Close()
		}
		s.conns[db] = nil
		log.Warnf("backend %s, db-%d idle for %s, closed", s.addr, db, d)
	}
	return alive == 0
}

func (s *sharedBackendConn) Close() {
	s.close(false)
}

func (s *sharedBackendConn) close(retired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed, s.retired = true, retired
	for _, parallel := range s.conns {
		for _, bc := range parallel {
			bc.Close()
		}
	}
}

type sharedBackendConnPool struct {
	config   *Config
	parallel int

	mu   sync.RWMutex
	pool map[string]*sharedBackendConn
}

func newSharedBackendConnPool(config *Config, parallel int) *sharedBackendConnPool {
	return &sharedBackendConnPool{
		config: config, parallel: math2.MaxInt(1, parallel),
		pool: make(map[string]*sharedBackendConn),
	}
}

func (p *sharedBackendConnPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pool)
}

func (p *sharedBackendConnPool) Get(addr string) *sharedBackendConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool[addr]
}

// Retain returns the shared conn for addr, creating it if absent. At most
// one is created per address however many callers race here.
func (p *sharedBackendConnPool) Retain(addr string) *sharedBackendConn {
	if s := p.Get(addr); s != nil {
		return s
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.pool[addr]; s != nil {
		return s
	}
	s := newSharedBackendConn(addr, p)
	p.pool[addr] = s
	return s
}

// Submit queues r on a conn to addr for the request's database.
func (p *sharedBackendConnPool) Submit(addr string, r *Request, seed uint) error {
	return p.Retain(addr).PushBack(r, seed)
}

func (p *sharedBackendConnPool) Healthy(addr string) bool {
	if s := p.Get(addr); s != nil {
		return s.Healthy()
	}
	return false
}

// Evict closes every address not in keep and returns how many went away.
func (p *sharedBackendConnPool) Evict(keep map[string]bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for addr, s := range p.pool {
		if keep[addr] {
			continue
		}
		s.Close()
		delete(p.pool, addr)
		n++
	}
	return n
}

func (p *sharedBackendConnPool) Cleanup(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for addr, s := range p.pool {
		if s.cleanup(d) {
			s.close(true)
			delete(p.pool, addr)
			n++
		}
	}
	return n
}

func (p *sharedBackendConnPool) KeepAlive() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.pool {
		s.KeepAlive()
	}
}

func (p *sharedBackendConnPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, s := range p.pool {
		s.Close()
		delete(p.pool, addr)
	}
}
