// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"sort"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

// SlotTable holds one immutable record per slot. Writers swap whole
// records, so readers never lock and never see a partial update.
type SlotTable struct {
	slots    [MaxSlotNum]atomic2.Pointer[models.Slot]
	switched atomic2.Bool
}

func NewSlotTable() *SlotTable {
	t := &SlotTable{}
	for i := range t.slots {
		t.slots[i].Set(&models.Slot{Id: i})
	}
	return t
}

// Get returns the current record of slot id, or nil if id is out of range.
// The record is shared and must not be modified.
func (t *SlotTable) Get(id int) *models.Slot {
	if id < 0 || id >= MaxSlotNum {
		return nil
	}
	return t.slots[id].Get()
}

func (t *SlotTable) Fill(m *models.Slot) error {
	switch {
	case m == nil:
		return ErrInvalidSlotId
	case m.Id < 0 || m.Id >= MaxSlotNum:
		return newError(KindValidation, errors.Errorf("invalid slot id = %d", m.Id))
	case m.Locked && m.MigrateFrom == "":
		return ErrLockedNoFrom
	}
	t.slots[m.Id].Set(m.Clone())
	return nil
}

type SwitchResult struct {
	Id      int    `json:"id"`
	Addr    string `json:"addr"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// SwitchMasters points each listed slot at a new primary and keeps every
// other field. Entries are applied one by one; a rejected entry does not
// undo the others.
func (t *SlotTable) SwitchMasters(masters map[int]string) []SwitchResult {
	ids := make([]int, 0, len(masters))
	for id := range masters {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	results := make([]SwitchResult, 0, len(ids))
	for _, id := range ids {
		r := SwitchResult{Id: id, Addr: masters[id]}
		switch {
		case id < 0 || id >= MaxSlotNum:
			r.Error = ErrInvalidSlotId.Error()
		case r.Addr == "":
			r.Error = "empty master address"
		default:
			for {
				old := t.slots[id].Get()
				x := old.Clone()
				x.BackendAddr = r.Addr
				if t.slots[id].CompareAndSwap(old, x) {
					break
				}
			}
			r.Applied = true
			t.switched.Set(true)
		}
		results = append(results, r)
	}
	return results
}

func (t *SlotTable) HasSwitched() bool {
	return t.switched.IsTrue()
}

// Snapshot returns copies of every record.
func (t *SlotTable) Snapshot() []*models.Slot {
	slots := make([]*models.Slot, MaxSlotNum)
	for i := range slots {
		slots[i] = t.slots[i].Get().Clone()
	}
	return slots
}
