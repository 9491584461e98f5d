// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
	"github.com/pikaproxy/pika-proxy/pkg/utils"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
	"github.com/pikaproxy/pika-proxy/pkg/utils/math2"
)

const (
	SessionConnected = iota
	SessionAuthorizing
	SessionServing
	SessionDraining
	SessionClosed
)

var (
	ErrTooManySessions = errors.New("too many sessions")
	ErrDrainTimeout    = errors.New("drain in-flight requests timeout")
)

var RespOK = redis.NewString([]byte("OK"))

type Session struct {
	Conn *redis.Conn

	Ops        atomic2.Int64
	CreateUnix int64
	LastOpUnix atomic2.Int64

	state atomic2.Int64

	database   int32
	authorized bool
	quit       bool
	seq        int64
	exit       sync.Once
	start      sync.Once

	config *Config
	stats  *Stats

	// completed requests waiting to be written, in any order
	completed struct {
		mu     sync.Mutex
		list   []*Request
		signal chan struct{}
	}

	// decoded requests whose reply is not written yet
	inflight struct {
		mu      sync.Mutex
		cond    *sync.Cond
		n       int
		drain   bool
		closing bool
	}
}

func (s *Session) String() string {
	o := &struct {
		Ops        int64  `json:"ops"`
		CreateUnix int64  `json:"create"`
		LastOpUnix int64  `json:"lastop,omitempty"`
		RemoteAddr string `json:"remote"`
		State      int64  `json:"state"`
	}{
		s.Ops.Int64(), s.CreateUnix, s.LastOpUnix.Int64(),
		s.Conn.RemoteAddr(), s.state.Int64(),
	}
	b, _ := json.Marshal(o)
	return string(b)
}

func NewSession(sock net.Conn, config *Config, stats *Stats) *Session {
	c := redis.NewConn(sock,
		config.bufsize(config.SessionRecvBufsize),
		config.bufsize(config.SessionSendBufsize),
	)
	c.ReaderTimeout = config.SessionRecvTimeout.Duration()
	c.WriterTimeout = config.SessionSendTimeout.Duration()
	c.SetKeepAlivePeriod(config.SessionKeepAlivePeriod.Duration())

	s := &Session{
		Conn: c, config: config, stats: stats,
		CreateUnix: time.Now().Unix(),
	}
	s.completed.signal = make(chan struct{}, 1)
	s.inflight.cond = sync.NewCond(&s.inflight.mu)
	s.authorized = config.SessionAuth == ""
	s.state.Set(SessionConnected)
	log.Infof("session [%p] create: %s", s, s)
	return s
}

func (s *Session) State() int64 {
	return s.state.Int64()
}

func (s *Session) CloseReaderWithError(err error) error {
	s.exit.Do(func() {
		if err != nil {
			log.Infof("session [%p] closed: %s, error: %s", s, s, err)
		} else {
			log.Infof("session [%p] closed: %s, quit", s, s)
		}
	})
	return s.Conn.CloseReader()
}

func (s *Session) CloseWithError(err error) error {
	s.exit.Do(func() {
		if err != nil {
			log.Infof("session [%p] closed: %s, error: %s", s, s, err)
		} else {
			log.Infof("session [%p] closed: %s, quit", s, s)
		}
	})
	s.state.Set(SessionClosed)
	s.inflight.mu.Lock()
	s.inflight.closing = true
	s.inflight.cond.Broadcast()
	s.inflight.mu.Unlock()
	return s.Conn.Close()
}

func (s *Session) Start(d *Router) {
	s.start.Do(func() {
		if int(s.stats.incrSessions()) > s.config.ProxyMaxClients {
			s.stats.decrSessions()
			go func() {
				s.Conn.Encode(redis.NewErrorf("ERR max number of clients reached"), true)
				s.CloseWithError(ErrTooManySessions)
				s.stats.incrOpFails(nil, nil)
			}()
			return
		}

		if !d.isOnline() {
			s.stats.decrSessions()
			go func() {
				s.Conn.Encode(redis.NewErrorf("ERR router is not online"), true)
				s.CloseWithError(ErrRouterNotOnline)
				s.stats.incrOpFails(nil, nil)
			}()
			return
		}

		if s.authorized {
			s.state.Set(SessionServing)
		} else {
			s.state.Set(SessionAuthorizing)
		}
		readerExit := make(chan struct{})

		go func() {
			s.loopWriter(readerExit)
			s.stats.decrSessions()
		}()

		go func() {
			defer close(readerExit)
			s.loopReader(d)
		}()
	})
}

// acquire blocks the reader while the pipeline is full, or after a
// backpressure error until every in-flight reply is written.
func (s *Session) acquire() bool {
	s.inflight.mu.Lock()
	defer s.inflight.mu.Unlock()
	for !s.inflight.closing {
		switch {
		case s.inflight.n >= s.config.SessionMaxPipeline:
		case s.inflight.drain && s.inflight.n != 0:
		default:
			s.inflight.drain = false
			s.inflight.n++
			return true
		}
		s.inflight.cond.Wait()
	}
	return false
}

func (s *Session) release(n int) {
	s.inflight.mu.Lock()
	defer s.inflight.mu.Unlock()
	s.inflight.n -= n
	s.inflight.cond.Broadcast()
}

func (s *Session) holdOnBackpressure() {
	s.inflight.mu.Lock()
	defer s.inflight.mu.Unlock()
	s.inflight.drain = true
}

func (s *Session) inflightCount() int {
	s.inflight.mu.Lock()
	defer s.inflight.mu.Unlock()
	return s.inflight.n
}

// complete runs once per request, when every part of it has resolved.
func (s *Session) complete(r *Request) {
	s.completed.mu.Lock()
	s.completed.list = append(s.completed.list, r)
	s.completed.mu.Unlock()
	select {
	case s.completed.signal <- struct{}{}:
	default:
	}
}

func (s *Session) takeCompleted() []*Request {
	s.completed.mu.Lock()
	defer s.completed.mu.Unlock()
	list := s.completed.list
	s.completed.list = nil
	return list
}

func (s *Session) loopReader(d *Router) (err error) {
	defer func() {
		s.CloseReaderWithError(err)
	}()

	breakOnFailure := s.config.SessionBreakOnFailure

	for !s.quit {
		if !s.acquire() {
			return nil
		}
		multi, err := s.Conn.DecodeMultiBulk()
		if err != nil {
			s.release(1)
			return err
		}

		start := time.Now()
		s.LastOpUnix.Set(start.Unix())
		s.Ops.Incr()

		r := &Request{Seq: s.seq, Multi: multi, Database: s.database, UnixNano: start.UnixNano()}
		r.Batch = NewBatch(func() { s.complete(r) })
		r.Batch.Add(1)
		s.seq++

		if err := s.handleRequest(r, d); err != nil {
			r.Resp = redis.NewErrorf("ERR handle request, %s", err)
			r.Coalesce = nil
			s.stats.incrOpFails(r, err)
			if IsBackpressureError(err) {
				s.holdOnBackpressure()
			}
			if breakOnFailure {
				r.Batch.Done()
				return err
			}
		}
		r.Batch.Done()
	}
	return nil
}

type reorderHeap struct {
	*binaryheap.Heap
}

func newReorderHeap() *reorderHeap {
	return &reorderHeap{binaryheap.NewWith(func(a, b interface{}) int {
		x, y := a.(*Request).Seq, b.(*Request).Seq
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})}
}

// popNext returns the request numbered seq once it is at the top.
func (h *reorderHeap) popNext(seq int64) *Request {
	v, ok := h.Peek()
	if !ok || v.(*Request).Seq != seq {
		return nil
	}
	h.Pop()
	return v.(*Request)
}

// loopWriter writes replies strictly by sequence number. Once the reader is
// gone it keeps going until every in-flight reply is written or the drain
// timeout passes.
func (s *Session) loopWriter(readerExit <-chan struct{}) (err error) {
	defer func() {
		s.CloseWithError(err)
	}()

	breakOnFailure := s.config.SessionBreakOnFailure

	p := s.Conn.FlushEncoder()
	p.MaxInterval = time.Millisecond
	p.MaxBuffered = math2.MaxInt(1, s.config.SessionMaxPipeline/2)

	var (
		heap  = newReorderHeap()
		next  int64
		drain <-chan time.Time
	)
	for {
		select {
		case <-s.completed.signal:
		case <-readerExit:
			readerExit = nil
			s.state.Set(SessionDraining)
			t := time.NewTimer(s.config.SessionDrainTimeout.Duration())
			defer t.Stop()
			drain = t.C
		case <-drain:
			return ErrDrainTimeout
		}

		for _, r := range s.takeCompleted() {
			heap.Push(r)
		}
		var written int
		for r := heap.popNext(next); r != nil; r = heap.popNext(next) {
			next++
			written++
			if err := s.writeResponse(p, r, breakOnFailure); err != nil {
				s.release(written)
				return err
			}
		}
		if err := p.Flush(true); err != nil {
			s.release(written)
			return s.stats.incrOpFails(nil, err)
		}
		s.release(written)

		if readerExit == nil && s.inflightCount() == 0 {
			return nil
		}
	}
}

func (s *Session) writeResponse(p *redis.FlushEncoder, r *Request, breakOnFailure bool) error {
	resp, err := s.handleResponse(r)
	if err != nil {
		resp = redis.NewErrorf("ERR handle response, %s", err)
		if breakOnFailure {
			s.Conn.Encode(resp, true)
			return s.stats.incrOpFails(r, err)
		}
	}
	if err := redis.CheckDepth(resp); err != nil {
		resp = redis.NewErrorf("ERR handle response, %s", err)
	}
	if err := p.Encode(resp); err != nil {
		return s.stats.incrOpFails(r, err)
	}
	s.stats.incrOpStats(r, resp.Type)
	return nil
}

func (s *Session) handleResponse(r *Request) (*redis.Resp, error) {
	if r.Coalesce != nil {
		if err := r.Coalesce(); err != nil {
			return nil, err
		}
	}
	if err := r.Err; err != nil {
		return nil, err
	} else if r.Resp == nil {
		return nil, ErrRespIsRequired
	}
	return r.Resp, nil
}

func (s *Session) handleRequest(r *Request, d *Router) error {
	info, err := getOpInfo(r.Multi)
	if err != nil {
		return err
	}
	r.setInfo(info)

	if r.OpFlag.IsNotAllowed() {
		return errors.Errorf("command '%s' is not allowed", r.OpStr)
	}

	switch r.OpStr {
	case "QUIT":
		return s.handleQuit(r)
	case "AUTH":
		return s.handleAuth(r)
	}

	if !s.authorized {
		r.Resp = redis.NewErrorf("NOAUTH Authentication required")
		return nil
	}

	switch r.OpStr {
	case "SELECT":
		return s.handleSelect(r)
	case "PING":
		return s.handleRequestPing(r, d)
	case "ECHO":
		return s.handleRequestEcho(r)
	case "INFO":
		return s.handleRequestInfo(r, d)
	case "MGET":
		return s.handleRequestMGet(r, d)
	case "MSET":
		return s.handleRequestMSet(r, d)
	case "DEL":
		return s.handleRequestDel(r, d)
	case "EXISTS":
		return s.handleRequestExists(r, d)
	case "SLOTSINFO":
		return s.handleRequestSlotsInfo(r, d)
	case "SLOTSSCAN":
		return s.handleRequestSlotsScan(r, d)
	case "SLOTSMAPPING":
		return s.handleRequestSlotsMapping(r, d)
	case "SLOTSHASHKEY":
		return s.handleRequestSlotsHashKey(r)
	default:
		return d.dispatch(r)
	}
}

func (s *Session) handleQuit(r *Request) error {
	s.quit = true
	r.Resp = RespOK
	return nil
}

func (s *Session) handleAuth(r *Request) error {
	if len(r.Multi) != 2 {
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for 'AUTH' command")
		return nil
	}
	switch {
	case s.config.SessionAuth == "":
		r.Resp = redis.NewErrorf("ERR Client sent AUTH, but no password is set")
	case s.config.SessionAuth != string(r.Multi[1].Value):
		s.authorized = false
		s.state.Set(SessionAuthorizing)
		r.Resp = redis.NewErrorf("ERR invalid password")
	default:
		s.authorized = true
		s.state.Set(SessionServing)
		r.Resp = RespOK
	}
	return nil
}

func (s *Session) handleSelect(r *Request) error {
	if len(r.Multi) != 2 {
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for 'SELECT' command")
		return nil
	}
	switch db, err := strconv.Atoi(string(r.Multi[1].Value)); {
	case err != nil:
		r.Resp = redis.NewErrorf("ERR invalid DB index")
	case db < 0 || db >= int(s.config.BackendNumberDatabases):
		r.Resp = redis.NewErrorf("ERR invalid DB index, only accept DB [0,%d)", s.config.BackendNumberDatabases)
	default:
		r.Resp = RespOK
		s.database = int32(db)
	}
	return nil
}

// forwardToAddr strips the address argument of a debug command and sends
// the rest to that backend.
func (s *Session) forwardToAddr(r *Request, d *Router) error {
	addr := string(r.Multi[1].Value)
	r.Multi = append(r.Multi[:1:1], r.Multi[2:]...)
	found, err := d.dispatchAddr(r, addr)
	if err != nil {
		return err
	}
	if !found {
		r.Resp = redis.NewErrorf("ERR backend server '%s' not found", addr)
	}
	return nil
}

func (s *Session) handleRequestPing(r *Request, d *Router) error {
	if len(r.Multi) == 1 {
		r.Resp = redis.NewString([]byte("PONG"))
		return nil
	}
	return s.forwardToAddr(r, d)
}

func (s *Session) handleRequestEcho(r *Request) error {
	if len(r.Multi) != 2 {
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for 'ECHO' command")
		return nil
	}
	r.Resp = redis.NewBulkBytes(r.Multi[1].Value)
	return nil
}

func (s *Session) handleRequestInfo(r *Request, d *Router) error {
	if len(r.Multi) == 1 {
		var b strings.Builder
		b.WriteString("# Proxy\r\n")
		b.WriteString("version:" + utils.Version + "\r\n")
		b.WriteString("product:" + s.config.ProductName + "\r\n")
		b.WriteString("db:" + strconv.Itoa(int(s.database)) + "\r\n")
		b.WriteString("ops:" + strconv.FormatInt(s.stats.OpTotal(), 10) + "\r\n")
		b.WriteString("qps:" + strconv.FormatInt(s.stats.OpQPS(), 10) + "\r\n")
		b.WriteString("sessions:" + strconv.FormatInt(s.stats.SessionsAlive(), 10) + "\r\n")
		b.WriteString("switched:" + strconv.FormatBool(d.HasSwitched()) + "\r\n")
		r.Resp = redis.NewBulkBytes([]byte(b.String()))
		return nil
	}
	return s.forwardToAddr(r, d)
}

// splitKeys fans a multi-key command out as one sub-request per step
// arguments, each routed on its own key.
func (s *Session) splitKeys(r *Request, d *Router, step int) ([]Request, error) {
	nblks := len(r.Multi) - 1
	sub := r.MakeSubRequest(nblks / step)
	for i := range sub {
		sub[i].Multi = append([]*redis.Resp{r.Multi[0]}, r.Multi[i*step+1:i*step+1+step]...)
		if err := d.dispatch(&sub[i]); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func subResp(sub []Request, i int) (*redis.Resp, error) {
	if err := sub[i].Err; err != nil {
		return nil, err
	}
	if sub[i].Resp == nil {
		return nil, ErrRespIsRequired
	}
	return sub[i].Resp, nil
}

func (s *Session) handleRequestMGet(r *Request, d *Router) error {
	var nkeys = len(r.Multi) - 1
	switch {
	case nkeys == 0:
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for 'MGET' command")
		return nil
	case nkeys == 1:
		return d.dispatch(r)
	}
	sub, err := s.splitKeys(r, d, 1)
	if err != nil {
		return err
	}
	r.Coalesce = func() error {
		var array = make([]*redis.Resp, len(sub))
		for i := range sub {
			resp, err := subResp(sub, i)
			switch {
			case err != nil:
				return err
			case resp.IsArray() && len(resp.Array) == 1:
				array[i] = resp.Array[0]
			default:
				return errors.Errorf("bad mget resp: %s array.len = %d", resp.Type, len(resp.Array))
			}
		}
		r.Resp = redis.NewArray(array)
		return nil
	}
	return nil
}

func (s *Session) handleRequestMSet(r *Request, d *Router) error {
	var nblks = len(r.Multi) - 1
	switch {
	case nblks == 0 || nblks%2 != 0:
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for 'MSET' command")
		return nil
	case nblks == 2:
		return d.dispatch(r)
	}
	sub, err := s.splitKeys(r, d, 2)
	if err != nil {
		return err
	}
	r.Coalesce = func() error {
		for i := range sub {
			resp, err := subResp(sub, i)
			switch {
			case err != nil:
				return err
			case resp.IsString():
				r.Resp = resp
			default:
				return errors.Errorf("bad mset resp: %s value.len = %d", resp.Type, len(resp.Value))
			}
		}
		return nil
	}
	return nil
}

// handleRequestCount covers DEL and EXISTS, whose replies add up.
func (s *Session) handleRequestCount(r *Request, d *Router) error {
	var nkeys = len(r.Multi) - 1
	switch {
	case nkeys == 0:
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for '%s' command", r.OpStr)
		return nil
	case nkeys == 1:
		return d.dispatch(r)
	}
	sub, err := s.splitKeys(r, d, 1)
	if err != nil {
		return err
	}
	r.Coalesce = func() error {
		var n int64
		for i := range sub {
			resp, err := subResp(sub, i)
			if err != nil {
				return err
			}
			v, err := resp.Int()
			if err != nil || !resp.IsInt() {
				return errors.Errorf("bad %s resp: %s value = %q", strings.ToLower(r.OpStr), resp.Type, resp.Value)
			}
			n += v
		}
		r.Resp = redis.NewIntValue(n)
		return nil
	}
	return nil
}

func (s *Session) handleRequestDel(r *Request, d *Router) error {
	return s.handleRequestCount(r, d)
}

func (s *Session) handleRequestExists(r *Request, d *Router) error {
	return s.handleRequestCount(r, d)
}

func (s *Session) handleRequestSlotsInfo(r *Request, d *Router) error {
	if len(r.Multi) != 2 {
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for 'SLOTSINFO' command")
		return nil
	}
	return s.forwardToAddr(r, d)
}

func parseSlotId(b []byte) (int, *redis.Resp) {
	switch id, err := strconv.Atoi(string(b)); {
	case err != nil:
		return 0, redis.NewErrorf("ERR parse slotnum '%s' failed, %s", b, err)
	case id < 0 || id >= MaxSlotNum:
		return 0, redis.NewErrorf("ERR parse slotnum '%s' failed, out of range", b)
	default:
		return id, nil
	}
}

func (s *Session) handleRequestSlotsScan(r *Request, d *Router) error {
	if len(r.Multi) <= 2 {
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for 'SLOTSSCAN' command")
		return nil
	}
	id, resp := parseSlotId(r.Multi[1].Value)
	if resp != nil {
		r.Resp = resp
		return nil
	}
	return d.dispatchSlot(r, id)
}

func (s *Session) handleRequestSlotsHashKey(r *Request) error {
	array := make([]*redis.Resp, 0, len(r.Multi)-1)
	for _, m := range r.Multi[1:] {
		array = append(array, redis.NewIntValue(int64(HashSlot(m.Value))))
	}
	r.Resp = redis.NewArray(array)
	return nil
}

// slotToResp flattens replica groups into one string, groups separated by
// ';' and addresses by ',', so a full mapping stays two arrays deep.
func slotToResp(m *models.Slot) *redis.Resp {
	if m == nil {
		return redis.NewArray(nil)
	}
	groups := make([]string, 0, len(m.ReplicaGroups))
	for _, g := range m.ReplicaGroups {
		groups = append(groups, strings.Join(g, ","))
	}
	return redis.NewArray([]*redis.Resp{
		redis.NewString([]byte(strconv.Itoa(m.Id))),
		redis.NewString([]byte(m.BackendAddr)),
		redis.NewString([]byte(m.MigrateFrom)),
		redis.NewString([]byte(strings.Join(groups, ";"))),
	})
}

func (s *Session) handleRequestSlotsMapping(r *Request, d *Router) error {
	switch len(r.Multi) {
	case 1:
		slots := d.GetSlots()
		array := make([]*redis.Resp, len(slots))
		for i, m := range slots {
			array[i] = slotToResp(m)
		}
		r.Resp = redis.NewArray(array)
	case 2:
		id, resp := parseSlotId(r.Multi[1].Value)
		if resp == nil {
			resp = slotToResp(d.GetSlot(id))
		}
		r.Resp = resp
	default:
		r.Resp = redis.NewErrorf("ERR wrong number of arguments for 'SLOTSMAPPING' command")
	}
	return nil
}
