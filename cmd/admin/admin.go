// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package main

import (
	"sort"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

type cmdAdmin struct {
	product string
}

func (t *cmdAdmin) Main(d map[string]interface{}) {
	t.product, _ = utils.Argument(d, "--product")

	switch {
	case utils.ArgumentBool(d, "--config-dump"):
		t.handleConfigDump(d)
	case d["--config-restore"] != nil:
		t.handleConfigRestore(d)
	case utils.ArgumentBool(d, "--slots-assign"):
		t.handleSlotsAssign(d)
	case d["--switch-masters"] != nil:
		t.handleSwitchMasters(d)
	case utils.ArgumentBool(d, "--list-proxy"):
		t.handleListProxy(d)
	}
}

func (t *cmdAdmin) newStore(d map[string]interface{}) *models.Store {
	if err := models.ValidateProduct(t.product); err != nil {
		log.PanicErrorf(err, "invalid product name")
	}

	var name, addr, auth string
	for _, s := range []string{"zookeeper", "etcd", "filesystem"} {
		if v, ok := utils.Argument(d, "--"+s); ok {
			name, addr = s, v
			auth, _ = d["--"+s+"-auth"].(string)
		}
	}
	if name == "" {
		log.Panicf("invalid coordinator")
	}

	c, err := models.NewClient(name, addr, auth, time.Minute)
	if err != nil {
		log.PanicErrorf(err, "create '%s' client to '%s' failed", name, addr)
	}
	return models.NewStore(c, t.product)
}

type ConfigDump struct {
	Slots   []*models.Slot  `json:"slots,omitempty"`
	Masters *models.Masters `json:"masters,omitempty"`
	Proxy   []*models.Proxy `json:"proxy,omitempty"`
}

func (t *cmdAdmin) handleConfigDump(d map[string]interface{}) {
	store := t.newStore(d)
	defer store.Close()

	slots, err := store.SlotMappings()
	if err != nil {
		log.PanicErrorf(err, "list slots failed")
	}
	masters, err := store.LoadMasters()
	if err != nil {
		log.PanicErrorf(err, "load masters failed")
	}
	proxy, err := store.ListProxy()
	if err != nil {
		log.PanicErrorf(err, "list proxy failed")
	}

	config := &ConfigDump{Slots: slots, Masters: masters}
	for _, p := range proxy {
		config.Proxy = append(config.Proxy, p)
	}
	sort.Slice(config.Proxy, func(i, j int) bool {
		return config.Proxy[i].Token < config.Proxy[j].Token
	})
	printJson(config)
}

func (t *cmdAdmin) handleConfigRestore(d map[string]interface{}) {
	file, _ := utils.Argument(d, "--config-restore")

	config := &ConfigDump{}
	readJson(file, config)

	for _, m := range config.Slots {
		if m.Id < 0 || m.Id >= models.MaxSlotNum {
			log.Panicf("invalid slot id = %d", m.Id)
		}
		if m.Locked && m.MigrateFrom == "" {
			log.Panicf("slot-%04d is locked without migrate_from", m.Id)
		}
	}

	if !utils.ArgumentBool(d, "--confirm") {
		printJson(config)
		return
	}

	store := t.newStore(d)
	defer store.Close()

	for _, m := range config.Slots {
		if err := store.UpdateSlot(m); err != nil {
			log.PanicErrorf(err, "restore slot-%04d failed", m.Id)
		}
	}
	if config.Masters != nil {
		if err := store.UpdateMasters(config.Masters); err != nil {
			log.PanicErrorf(err, "restore masters failed")
		}
	}
	log.Warnf("restore %d slots of product %s", len(config.Slots), t.product)
}

func (t *cmdAdmin) handleSlotsAssign(d map[string]interface{}) {
	beg, _ := utils.ArgumentInteger(d, "--beg")
	end, _ := utils.ArgumentInteger(d, "--end")
	addr, _ := utils.Argument(d, "--addr")

	if beg < 0 || end >= models.MaxSlotNum || beg > end {
		log.Panicf("invalid slot range [%d,%d]", beg, end)
	}

	var slots []*models.Slot
	for i := beg; i <= end; i++ {
		slots = append(slots, &models.Slot{Id: i, BackendAddr: addr})
	}

	if !utils.ArgumentBool(d, "--confirm") {
		printJson(slots)
		return
	}

	store := t.newStore(d)
	defer store.Close()

	for _, m := range slots {
		if err := store.UpdateSlot(m); err != nil {
			log.PanicErrorf(err, "update slot-%04d failed", m.Id)
		}
	}
	log.Warnf("assign slots [%d,%d] to %s", beg, end, addr)
}

func (t *cmdAdmin) handleSwitchMasters(d map[string]interface{}) {
	file, _ := utils.Argument(d, "--switch-masters")

	var masters map[int]string
	readJson(file, &masters)

	store := t.newStore(d)
	defer store.Close()

	m, err := store.LoadMasters()
	if err != nil {
		log.PanicErrorf(err, "load masters failed")
	}
	var epoch int64
	if m != nil {
		epoch = m.Epoch
	}

	next := &models.Masters{Epoch: epoch + 1, Masters: masters}
	if err := store.UpdateMasters(next); err != nil {
		log.PanicErrorf(err, "update masters failed")
	}
	log.Warnf("publish masters epoch = %d, %d slots", next.Epoch, len(masters))
}

func (t *cmdAdmin) handleListProxy(d map[string]interface{}) {
	store := t.newStore(d)
	defer store.Close()

	proxy, err := store.ListProxy()
	if err != nil {
		log.PanicErrorf(err, "list proxy failed")
	}
	printJson(proxy)
}
