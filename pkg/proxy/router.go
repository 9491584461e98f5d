// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"sort"
	"sync"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

type Router struct {
	mu sync.Mutex

	table *SlotTable
	pool  struct {
		primary *sharedBackendConnPool
		replica *sharedBackendConnPool
	}
	policy ReplicaPolicy
	config *Config

	online atomic2.Bool
	closed atomic2.Bool

	counter atomic2.Uint64
}

func NewRouter(config *Config) *Router {
	s := &Router{config: config, table: NewSlotTable(), policy: &RoundRobin{}}
	s.pool.primary = newSharedBackendConnPool(config, config.BackendPrimaryParallel)
	s.pool.replica = newSharedBackendConnPool(config, config.BackendReplicaParallel)
	return s
}

// SetReplicaPolicy replaces the round robin default. Call before Start.
func (s *Router) SetReplicaPolicy(p ReplicaPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

func (s *Router) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.IsTrue() {
		return
	}
	s.online.Set(true)
}

func (s *Router) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.IsTrue() {
		return
	}
	s.online.Set(false)
	s.closed.Set(true)
	s.pool.primary.Close()
	s.pool.replica.Close()
}

func (s *Router) isOnline() bool {
	return s.online.IsTrue() && s.closed.IsFalse()
}

func (s *Router) HasSwitched() bool {
	return s.table.HasSwitched()
}

func (s *Router) GetSlots() []*models.Slot {
	return s.table.Snapshot()
}

func (s *Router) GetSlot(id int) *models.Slot {
	if m := s.table.Get(id); m != nil {
		return m.Clone()
	}
	return nil
}

func (s *Router) FillSlot(m *models.Slot) error {
	return s.FillSlots([]*models.Slot{m})
}

// FillSlots replaces the given records. Every record is checked before any
// is stored.
func (s *Router) FillSlots(slots []*models.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.IsTrue() {
		return ErrClosedProxy
	}
	for _, m := range slots {
		switch {
		case m == nil || m.Id < 0 || m.Id >= MaxSlotNum:
			return ErrInvalidSlotId
		case m.Locked && m.MigrateFrom == "":
			return ErrLockedNoFrom
		}
	}
	for _, m := range slots {
		if err := s.table.Fill(m); err != nil {
			return err
		}
		log.Debugf("fill slot %04d, backend.addr = %s, migrate.from = %s, locked = %t, replicas = %v",
			m.Id, m.BackendAddr, m.MigrateFrom, m.Locked, m.ReplicaGroups)
	}
	s.refreshBackends()
	return nil
}

// SwitchMasters promotes new primaries slot by slot and reports the result
// of each id.
func (s *Router) SwitchMasters(masters map[int]string) ([]SwitchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.IsTrue() {
		return nil, ErrClosedProxy
	}
	results := s.table.SwitchMasters(masters)
	for _, r := range results {
		if r.Applied {
			log.Warnf("slot %04d switch master to %s", r.Id, r.Addr)
		} else {
			log.Warnf("slot %04d switch master to %s failed: %s", r.Id, r.Addr, r.Error)
		}
	}
	s.refreshBackends()
	return results, nil
}

// refreshBackends drops pool entries no slot references any more and warms
// up the ones every slot points at.
func (s *Router) refreshBackends() {
	primary := make(map[string]bool)
	replica := make(map[string]bool)
	for i := 0; i < MaxSlotNum; i++ {
		m := s.table.Get(i)
		if m.BackendAddr != "" {
			primary[m.BackendAddr] = true
		}
		if m.MigrateFrom != "" {
			primary[m.MigrateFrom] = true
		}
		if s.config.BackendPrimaryOnly || m.ForwardMethod != models.ForwardReplicaReads {
			continue
		}
		for _, g := range m.ReplicaGroups {
			for _, addr := range g {
				replica[addr] = true
			}
		}
	}
	if n := s.pool.primary.Evict(primary); n != 0 {
		log.Warnf("router evict %d primary backends", n)
	}
	if n := s.pool.replica.Evict(replica); n != 0 {
		log.Warnf("router evict %d replica backends", n)
	}
	for addr := range primary {
		s.pool.primary.Retain(addr).BackendConn(0, 0, false)
	}
	for addr := range replica {
		s.pool.replica.Retain(addr).BackendConn(0, 0, false)
	}
}

func (s *Router) KeepAlive() error {
	if s.closed.IsTrue() {
		return ErrClosedProxy
	}
	s.pool.primary.KeepAlive()
	s.pool.replica.KeepAlive()
	return nil
}

// Cleanup closes backend conns left idle for longer than the configured
// retention.
func (s *Router) Cleanup() int {
	d := s.config.BackendIdleRetention.Duration()
	return s.pool.primary.Cleanup(d) + s.pool.replica.Cleanup(d)
}

func (s *Router) seed() uint {
	return uint(s.counter.Incr())
}

func (s *Router) dispatch(r *Request) error {
	if r.OpFlag.IsNotAllowed() {
		return ErrNotAllowed
	}
	if !s.isOnline() {
		return ErrRouterNotOnline
	}
	key := getHashKey(r.Multi, r.KeyIndex)
	id := 0
	if r.KeyIndex != 0 {
		id = HashSlot(key)
	}
	return s.forward(s.table.Get(id), r, key)
}

func (s *Router) dispatchSlot(r *Request, id int) error {
	if !s.isOnline() {
		return ErrRouterNotOnline
	}
	slot := s.table.Get(id)
	if slot == nil {
		return ErrInvalidSlotId
	}
	return s.forward(slot, r, nil)
}

// dispatchAddr sends r to addr directly when addr is a known backend.
func (s *Router) dispatchAddr(r *Request, addr string) (bool, error) {
	if !s.isOnline() {
		return false, ErrRouterNotOnline
	}
	if bc := s.pool.primary.Get(addr); bc != nil {
		return true, bc.PushBack(r, s.seed())
	}
	if bc := s.pool.replica.Get(addr); bc != nil {
		return true, bc.PushBack(r, s.seed())
	}
	return false, nil
}

type BackendConnStats struct {
	Database int32  `json:"db"`
	State    string `json:"state"`
	Pending  int64  `json:"pending"`
}

// BackendStats summarizes the conns to one backend address.
type BackendStats struct {
	Addr    string              `json:"addr"`
	Replica bool                `json:"replica,omitempty"`
	Conns   []*BackendConnStats `json:"conns"`
}

func (s *Router) BackendStats() []*BackendStats {
	var list []*BackendStats
	collect := func(p *sharedBackendConnPool, replica bool) {
		p.mu.RLock()
		defer p.mu.RUnlock()
		for addr, shared := range p.pool {
			x := &BackendStats{Addr: addr, Replica: replica}
			shared.forEach(func(bc *BackendConn) {
				x.Conns = append(x.Conns, &BackendConnStats{
					Database: bc.Database(),
					State:    stateString(bc.State()),
					Pending:  bc.Pending(),
				})
			})
			list = append(list, x)
		}
	}
	collect(s.pool.primary, false)
	collect(s.pool.replica, true)
	sort.Slice(list, func(i, j int) bool {
		if list[i].Replica != list[j].Replica {
			return !list[i].Replica
		}
		return list[i].Addr < list[j].Addr
	})
	return list
}
