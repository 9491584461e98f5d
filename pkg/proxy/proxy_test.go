// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"testing"
	"time"

	redigo "github.com/garyburd/redigo/redis"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils"
	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

func init() {
	log.SetLevel(log.LevelError)
}

func openProxy(config *Config) (*Proxy, *ApiClient) {
	s, err := New(config)
	assert.MustNoError(err)
	c := NewApiClient(s.Model().AdminAddr)
	c.SetXAuth(config.ProductName, config.ProductAuth, s.Model().Token)
	return s, c
}

func TestModel(x *testing.T) {
	config := newTestConfig()
	s, c := openProxy(config)
	defer s.Close()

	p, err := c.Model()
	assert.MustNoError(err)
	assert.Must(p.Token == s.Model().Token)
	assert.Must(p.ProductName == config.ProductName)
	assert.Must(p.ProxyAddr == s.Model().ProxyAddr)

	o, err := c.Overview()
	assert.MustNoError(err)
	assert.Must(o.Version == utils.Version)
	assert.Must(o.Model.Token == p.Token)
	assert.Must(len(o.Slots) == MaxSlotNum)
	assert.Must(o.Stats != nil && !o.Stats.Online)
}

func TestStats(x *testing.T) {
	config := newTestConfig()
	s, c := openProxy(config)
	defer s.Close()

	bad := NewApiClient(s.Model().AdminAddr)
	bad.SetXAuth(config.ProductName, config.ProductAuth, "")
	_, err := bad.Stats(StatsFull)
	assert.Must(err != nil)
	assert.Must(bad.XPing() != nil)

	assert.MustNoError(c.XPing())
	stats, err := c.Stats(StatsRuntime)
	assert.MustNoError(err)
	assert.Must(!stats.Online && !stats.Closed)
	assert.Must(stats.Runtime != nil)
	assert.Must(stats.Ops.Cmd == nil)

	assert.MustNoError(c.ResetStats())
	assert.MustNoError(c.LogLevel(log.LevelError))
}

func verifySlots(c *ApiClient, expect map[int]*models.Slot) {
	slots, err := c.Slots()
	assert.MustNoError(err)
	assert.Must(len(slots) == MaxSlotNum)

	for i, slot := range expect {
		assert.Must(slots[i].Id == i)
		assert.Must(slot.Locked == slots[i].Locked)
		assert.Must(slot.BackendAddr == slots[i].BackendAddr)
		assert.Must(slot.MigrateFrom == slots[i].MigrateFrom)

		m, err := c.Slot(i)
		assert.MustNoError(err)
		assert.Must(m.Equal(slots[i]))
	}
}

func TestFillSlots(x *testing.T) {
	s, c := openProxy(newTestConfig())
	defer s.Close()

	expect := make(map[int]*models.Slot)
	for i := 0; i < 16; i++ {
		slot := &models.Slot{
			Id:          i,
			Locked:      i%2 == 0,
			BackendAddr: "127.0.0.1:1",
			MigrateFrom: "127.0.0.1:2",
		}
		assert.MustNoError(c.FillSlots(slot))
		expect[i] = slot
	}
	verifySlots(c, expect)

	slots := []*models.Slot{}
	for i := 0; i < 16; i++ {
		slot := &models.Slot{
			Id:          i,
			BackendAddr: "127.0.0.1:3",
		}
		slots = append(slots, slot)
		expect[i] = slot
	}
	assert.MustNoError(c.FillSlots(slots...))
	verifySlots(c, expect)

	assert.Must(c.FillSlots(&models.Slot{Id: 1, Locked: true}) != nil)
	assert.Must(c.FillSlots(&models.Slot{Id: MaxSlotNum}) != nil)
	_, err := c.Slot(MaxSlotNum)
	assert.Must(err != nil)
	verifySlots(c, expect)
}

func TestSwitchMasters(x *testing.T) {
	s, c := openProxy(newTestConfig())
	defer s.Close()

	assert.MustNoError(c.FillSlots(&models.Slot{Id: 3, BackendAddr: "127.0.0.1:1"}))
	results, err := c.SwitchMasters(map[int]string{3: "127.0.0.1:2", 4: ""})
	assert.MustNoError(err)
	assert.Must(len(results) == 2)
	assert.Must(results[0].Id == 3 && results[0].Applied)
	assert.Must(results[1].Id == 4 && !results[1].Applied && results[1].Error != "")

	m, err := c.Slot(3)
	assert.MustNoError(err)
	assert.Must(m.BackendAddr == "127.0.0.1:2")

	stats, err := c.Stats(0)
	assert.MustNoError(err)
	assert.Must(stats.Switched)
}

func TestStartAndShutdown(x *testing.T) {
	backend, kv := newKVBackend(0)
	defer backend.Close()

	s, c := openProxy(newTestConfig())
	defer s.Close()

	slots := make([]*models.Slot, MaxSlotNum)
	for i := range slots {
		slots[i] = &models.Slot{Id: i, BackendAddr: backend.Addr()}
	}
	assert.MustNoError(c.FillSlots(slots...))

	client, err := redigo.Dial("tcp", s.Model().ProxyAddr)
	assert.MustNoError(err)
	_, err = client.Do("PING")
	assert.Must(err != nil)
	client.Close()

	assert.MustNoError(c.Start())
	assert.Must(s.IsOnline())

	client, err = redigo.Dial("tcp", s.Model().ProxyAddr)
	assert.MustNoError(err)
	defer client.Close()

	ok, err := redigo.String(client.Do("SET", "hello", "world"))
	assert.MustNoError(err)
	assert.Must(ok == "OK")
	assert.Must(string(kv.get("hello")) == "world")

	v, err := redigo.String(client.Do("GET", "hello"))
	assert.MustNoError(err)
	assert.Must(v == "world")

	stats, err := c.Stats(StatsFull)
	assert.MustNoError(err)
	assert.Must(stats.Online)
	assert.Must(stats.Ops.Total >= 2)
	assert.Must(stats.Sessions.Alive == 1)
	assert.Must(len(stats.Backends) == 1 && stats.Backends[0].Addr == backend.Addr())

	assert.MustNoError(c.Shutdown())
	for i := 0; i < 100 && !s.IsClosed(); i++ {
		time.Sleep(time.Millisecond * 10)
	}
	assert.Must(s.IsClosed())
	assert.Must(s.Start() == ErrClosedProxy)
	assert.Must(c.Start() != nil)
}
