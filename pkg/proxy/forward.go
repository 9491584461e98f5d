// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"net"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

// ReplicaPolicy picks the replica that serves a read, or "" to fall back
// to the primary.
type ReplicaPolicy interface {
	Pick(slot *models.Slot, healthy func(addr string) bool) string
}

// RoundRobin rotates over the healthy replicas of all groups in turn.
type RoundRobin struct {
	next atomic2.Uint64
}

func (p *RoundRobin) Pick(slot *models.Slot, healthy func(addr string) bool) string {
	var n int
	for _, g := range slot.ReplicaGroups {
		n += len(g)
	}
	if n == 0 {
		return ""
	}
	start := p.next.Incr()
	for i := 0; i < n; i++ {
		addr := replicaAt(slot.ReplicaGroups, int((start+uint64(i))%uint64(n)))
		if healthy(addr) {
			return addr
		}
	}
	return ""
}

func replicaAt(groups [][]string, i int) string {
	for _, g := range groups {
		if i < len(g) {
			return g[i]
		}
		i -= len(g)
	}
	return ""
}

const migrateTimeoutMs = 3000

// migrateKey asks the migration source to move the key's tag to the slot's
// new owner and waits for the answer. Whatever the source replies, moved
// or absent, the caller then forwards once to the destination.
func (s *Router) migrateKey(slot *models.Slot, r *Request, key []byte) error {
	host, port, err := net.SplitHostPort(slot.BackendAddr)
	if err != nil {
		return newError(KindValidation, errors.Trace(err))
	}
	m := &Request{
		OpStr:    "SLOTSMGRTTAGONE",
		Multi:    redis.NewCommand("SLOTSMGRTTAGONE", host, port, migrateTimeoutMs, key),
		Batch:    NewBatch(nil),
		Database: r.Database,
	}
	if err := s.pool.primary.Submit(slot.MigrateFrom, m, s.seed()); err != nil {
		return err
	}
	m.Batch.Wait()

	switch {
	case m.Err != nil:
		return m.Err
	case m.Resp == nil:
		return ErrRespIsRequired
	case m.Resp.IsError():
		return errors.Errorf("migrate key %q from %s failed: %s", key, slot.MigrateFrom, m.Resp.Value)
	}
	return nil
}

// forward sends r to the owner of slot. Reads go to a replica when the
// slot allows it and one is healthy.
func (s *Router) forward(slot *models.Slot, r *Request, key []byte) error {
	if slot.BackendAddr == "" {
		return ErrSlotNotReady
	}
	if slot.Locked && key != nil {
		if err := s.migrateKey(slot, r, key); err != nil {
			return err
		}
	}
	if addr := s.pickReplica(slot, r); addr != "" {
		return s.pool.replica.Submit(addr, r, s.seed())
	}
	return s.pool.primary.Submit(slot.BackendAddr, r, s.seed())
}

func (s *Router) pickReplica(slot *models.Slot, r *Request) string {
	switch {
	case s.config.BackendPrimaryOnly:
		return ""
	case slot.Locked || slot.ForwardMethod != models.ForwardReplicaReads:
		return ""
	case !r.OpFlag.IsReadOnly():
		return ""
	}
	return s.policy.Pick(slot, s.pool.replica.Healthy)
}
