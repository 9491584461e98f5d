// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package models

const MaxSlotNum = 1024

const (
	ForwardPrimaryOnly = iota
	ForwardReplicaReads
)

// Slot is the registry record of one hash slot.
type Slot struct {
	Id     int  `json:"id"`
	Locked bool `json:"locked,omitempty"`

	BackendAddr        string `json:"backend_addr,omitempty"`
	BackendAddrGroupId int    `json:"backend_addr_group_id,omitempty"`
	MigrateFrom        string `json:"migrate_from,omitempty"`
	MigrateFromGroupId int    `json:"migrate_from_group_id,omitempty"`

	ForwardMethod int        `json:"forward_method,omitempty"`
	ReplicaGroups [][]string `json:"replica_groups,omitempty"`
}

func (s *Slot) Encode() []byte {
	return jsonEncode(s)
}

func (s *Slot) Decode(b []byte) error {
	return jsonDecode(s, b)
}

// Clone deep-copies s so the replica lists are not shared.
func (s *Slot) Clone() *Slot {
	x := *s
	if s.ReplicaGroups != nil {
		x.ReplicaGroups = make([][]string, len(s.ReplicaGroups))
		for i, g := range s.ReplicaGroups {
			x.ReplicaGroups[i] = append([]string(nil), g...)
		}
	}
	return &x
}

func (s *Slot) Equal(o *Slot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Id != o.Id || s.Locked != o.Locked || s.ForwardMethod != o.ForwardMethod ||
		s.BackendAddr != o.BackendAddr || s.BackendAddrGroupId != o.BackendAddrGroupId ||
		s.MigrateFrom != o.MigrateFrom || s.MigrateFromGroupId != o.MigrateFromGroupId {
		return false
	}
	if len(s.ReplicaGroups) != len(o.ReplicaGroups) {
		return false
	}
	for i := range s.ReplicaGroups {
		a, b := s.ReplicaGroups[i], o.ReplicaGroups[i]
		if len(a) != len(b) {
			return false
		}
		for j := range a {
			if a[j] != b[j] {
				return false
			}
		}
	}
	return true
}

// Addrs lists every backend address the slot references.
func (s *Slot) Addrs() []string {
	var addrs []string
	if s.BackendAddr != "" {
		addrs = append(addrs, s.BackendAddr)
	}
	if s.MigrateFrom != "" {
		addrs = append(addrs, s.MigrateFrom)
	}
	for _, g := range s.ReplicaGroups {
		addrs = append(addrs, g...)
	}
	return addrs
}

// Masters maps slot ids to promoted primaries. Epoch grows with every
// failover the control plane publishes.
type Masters struct {
	Epoch   int64          `json:"epoch"`
	Masters map[int]string `json:"masters"`
}

func (m *Masters) Encode() []byte {
	return jsonEncode(m)
}

func (m *Masters) Decode(b []byte) error {
	return jsonDecode(m, b)
}
