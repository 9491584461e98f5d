// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
	"github.com/pikaproxy/pika-proxy/pkg/utils"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
)

type opStats struct {
	opstr  string
	calls  atomic2.Int64
	nsecs  atomic2.Int64
	fails  atomic2.Int64
	errors atomic2.Int64
}

func (s *opStats) OpStats() *OpStats {
	o := &OpStats{
		OpStr: s.opstr,
		Calls: s.calls.Int64(),
		Usecs: s.nsecs.Int64() / 1e3,
		Fails: s.fails.Int64(),

		RedisErrType: s.errors.Int64(),
	}
	if o.Calls != 0 {
		o.UsecsPercall = o.Usecs / o.Calls
	}
	return o
}

type OpStats struct {
	OpStr        string `json:"opstr"`
	Calls        int64  `json:"calls"`
	Usecs        int64  `json:"usecs"`
	UsecsPercall int64  `json:"usecs_percall"`
	Fails        int64  `json:"fails"`
	RedisErrType int64  `json:"redis_errtype"`
}

type SysUsage struct {
	Now time.Time `json:"now"`
	CPU float64   `json:"cpu"`
	*utils.Usage
}

// Stats counts operations and sessions of one proxy.
type Stats struct {
	mu    sync.RWMutex
	opmap map[string]*opStats

	total  atomic2.Int64
	fails  atomic2.Int64
	errors atomic2.Int64
	qps    atomic2.Int64

	sessions struct {
		total atomic2.Int64
		alive atomic2.Int64
	}

	sample struct {
		at    time.Time
		total int64
		usage *utils.Usage
	}
	usage atomic2.Pointer[SysUsage]
}

func NewStats() *Stats {
	s := &Stats{opmap: make(map[string]*opStats, 128)}
	s.sample.at = time.Now()
	return s
}

func (s *Stats) getOpStats(opstr string, create bool) *opStats {
	s.mu.RLock()
	e := s.opmap[opstr]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.opmap[opstr]; e == nil {
		e = &opStats{opstr: opstr}
		s.opmap[opstr] = e
	}
	return e
}

// incrOpStats records one reply written for r.
func (s *Stats) incrOpStats(r *Request, t redis.RespType) {
	s.total.Incr()
	e := s.getOpStats(r.OpStr, true)
	e.calls.Incr()
	e.nsecs.Add(time.Now().UnixNano() - r.UnixNano)
	if t == redis.TypeError {
		e.errors.Incr()
		s.errors.Incr()
	}
}

// incrOpFails records a request that failed inside the proxy. r is nil
// when the failure happened before a command was known.
func (s *Stats) incrOpFails(r *Request, err error) error {
	s.fails.Incr()
	if r != nil && r.OpStr != "" {
		s.getOpStats(r.OpStr, true).fails.Incr()
	}
	return err
}

func (s *Stats) OpTotal() int64 {
	return s.total.Int64()
}

func (s *Stats) OpFails() int64 {
	return s.fails.Int64()
}

func (s *Stats) OpRedisErrors() int64 {
	return s.errors.Int64()
}

func (s *Stats) OpQPS() int64 {
	return s.qps.Int64()
}

func (s *Stats) GetOpStatsAll() []*OpStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*OpStats, 0, len(s.opmap))
	for _, e := range s.opmap {
		all = append(all, e.OpStats())
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].OpStr < all[j].OpStr
	})
	return all
}

func (s *Stats) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opmap = make(map[string]*opStats, 128)
	s.total.Set(0)
	s.fails.Set(0)
	s.errors.Set(0)
}

func (s *Stats) incrSessions() int64 {
	s.sessions.total.Incr()
	return s.sessions.alive.Incr()
}

func (s *Stats) decrSessions() {
	s.sessions.alive.Decr()
}

func (s *Stats) SessionsTotal() int64 {
	return s.sessions.total.Int64()
}

func (s *Stats) SessionsAlive() int64 {
	return s.sessions.alive.Int64()
}

// sampleOnce refreshes qps and cpu usage from the deltas since the last
// call. The proxy runs it once a second.
func (s *Stats) sampleOnce() {
	now := time.Now()
	total := s.total.Int64()
	elapsed := now.Sub(s.sample.at)
	if elapsed <= 0 {
		return
	}
	delta := math.Max(0, float64(total-s.sample.total))
	s.qps.Set(int64(delta*float64(time.Second)/float64(elapsed) + 0.5))

	x := &SysUsage{Now: now}
	if usage, err := utils.GetUsage(); err == nil {
		if last := s.sample.usage; last != nil {
			x.CPU = float64(usage.CPUTime-last.CPUTime) / float64(elapsed)
		}
		x.Usage = usage
		s.sample.usage = usage
	}
	s.usage.Set(x)
	s.sample.at, s.sample.total = now, total
}

func (s *Stats) GetSysUsage() *SysUsage {
	return s.usage.Get()
}

type RuntimeStats struct {
	General struct {
		Alloc   uint64 `json:"alloc"`
		Sys     uint64 `json:"sys"`
		Lookups uint64 `json:"lookups"`
		Mallocs uint64 `json:"mallocs"`
		Frees   uint64 `json:"frees"`
	} `json:"general"`

	Heap struct {
		Alloc   uint64 `json:"alloc"`
		Sys     uint64 `json:"sys"`
		Idle    uint64 `json:"idle"`
		Inuse   uint64 `json:"inuse"`
		Objects uint64 `json:"objects"`
	} `json:"heap"`

	GC struct {
		Num          uint32  `json:"num"`
		CPUFraction  float64 `json:"cpu_fraction"`
		TotalPauseMs uint64  `json:"total_pausems"`
	} `json:"gc"`

	NumProcs      int   `json:"num_procs"`
	NumGoroutines int   `json:"num_goroutines"`
	NumCgoCall    int64 `json:"num_cgo_call"`
}

func GetRuntimeStats() *RuntimeStats {
	var r runtime.MemStats
	runtime.ReadMemStats(&r)

	x := &RuntimeStats{}
	x.General.Alloc = r.Alloc
	x.General.Sys = r.Sys
	x.General.Lookups = r.Lookups
	x.General.Mallocs = r.Mallocs
	x.General.Frees = r.Frees
	x.Heap.Alloc = r.HeapAlloc
	x.Heap.Sys = r.HeapSys
	x.Heap.Idle = r.HeapIdle
	x.Heap.Inuse = r.HeapInuse
	x.Heap.Objects = r.HeapObjects
	x.GC.Num = r.NumGC
	x.GC.CPUFraction = r.GCCPUFraction
	x.GC.TotalPauseMs = r.PauseTotalNs / uint64(time.Millisecond)
	x.NumProcs = runtime.GOMAXPROCS(0)
	x.NumGoroutines = runtime.NumGoroutine()
	x.NumCgoCall = runtime.NumCgoCall()
	return x
}
