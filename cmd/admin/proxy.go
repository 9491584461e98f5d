// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/proxy"
	"github.com/pikaproxy/pika-proxy/pkg/utils"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

type cmdProxy struct {
	addr string
	auth string
}

func (t *cmdProxy) Main(d map[string]interface{}) {
	t.addr, _ = utils.Argument(d, "--proxy")
	t.auth, _ = d["--auth"].(string)

	switch {
	default:
		t.handleOverview(d)
	case utils.ArgumentBool(d, "--start"):
		t.handleStart(d)
	case utils.ArgumentBool(d, "--shutdown"):
		t.handleShutdown(d)
	case d["--log-level"] != nil:
		t.handleLogLevel(d)
	case d["--fillslots"] != nil:
		t.handleFillSlots(d)
	case d["--switchmasters"] != nil:
		t.handleSwitchMasters(d)
	case utils.ArgumentBool(d, "--reset-stats"):
		t.handleResetStats(d)
	}
}

func (t *cmdProxy) newProxyClient(xauth bool) *proxy.ApiClient {
	c := proxy.NewApiClient(t.addr)

	if !xauth {
		return c
	}

	log.Debugf("call rpc model to proxy %s", t.addr)
	p, err := c.Model()
	if err != nil {
		log.PanicErrorf(err, "call rpc model to proxy %s failed", t.addr)
	}
	c.SetXAuth(p.ProductName, t.auth, p.Token)

	log.Debugf("call rpc xping to proxy %s", t.addr)
	if err := c.XPing(); err != nil {
		log.PanicErrorf(err, "call rpc xping failed")
	}
	return c
}

func printJson(v interface{}) {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		log.PanicErrorf(err, "json marshal failed")
	}
	fmt.Println(string(b))
}

func readJson(file string, v interface{}) {
	b, err := os.ReadFile(file)
	if err != nil {
		log.PanicErrorf(err, "read file '%s' failed", file)
	}
	if err := json.Unmarshal(b, v); err != nil {
		log.PanicErrorf(err, "decode file '%s' failed", file)
	}
}

func (t *cmdProxy) handleOverview(d map[string]interface{}) {
	c := t.newProxyClient(false)

	log.Debugf("call rpc overview to proxy %s", t.addr)
	o, err := c.Overview()
	if err != nil {
		log.PanicErrorf(err, "call rpc overview to proxy %s failed", t.addr)
	}

	switch {
	case utils.ArgumentBool(d, "config"):
		printJson(o.Config)
	case utils.ArgumentBool(d, "model"):
		printJson(o.Model)
	case utils.ArgumentBool(d, "slots"):
		printJson(o.Slots)
	case utils.ArgumentBool(d, "stats"):
		printJson(o.Stats)
	default:
		printJson(o)
	}
}

func (t *cmdProxy) handleStart(d map[string]interface{}) {
	c := t.newProxyClient(true)

	log.Debugf("call rpc start to proxy %s", t.addr)
	if err := c.Start(); err != nil {
		log.PanicErrorf(err, "call rpc start to proxy %s failed", t.addr)
	}
}

func (t *cmdProxy) handleShutdown(d map[string]interface{}) {
	c := t.newProxyClient(true)

	log.Debugf("call rpc shutdown to proxy %s", t.addr)
	if err := c.Shutdown(); err != nil {
		log.PanicErrorf(err, "call rpc shutdown to proxy %s failed", t.addr)
	}
}

func (t *cmdProxy) handleLogLevel(d map[string]interface{}) {
	c := t.newProxyClient(true)

	s, _ := utils.Argument(d, "--log-level")
	v, ok := log.ParseLevel(s)
	if !ok {
		log.Panicf("option --log-level = %s", s)
	}

	log.Debugf("call rpc loglevel to proxy %s", t.addr)
	if err := c.LogLevel(v); err != nil {
		log.PanicErrorf(err, "call rpc loglevel to proxy %s failed", t.addr)
	}
}

func (t *cmdProxy) handleFillSlots(d map[string]interface{}) {
	c := t.newProxyClient(true)

	file, _ := utils.Argument(d, "--fillslots")
	var slots []*models.Slot
	readJson(file, &slots)

	for _, m := range slots {
		if m.Id < 0 || m.Id >= models.MaxSlotNum {
			log.Panicf("invalid slot id = %d", m.Id)
		}
	}
	if utils.ArgumentBool(d, "--locked") {
		for _, m := range slots {
			m.Locked = true
		}
	}

	log.Debugf("call rpc fillslots to proxy %s", t.addr)
	if err := c.FillSlots(slots...); err != nil {
		log.PanicErrorf(err, "call rpc fillslots to proxy %s failed", t.addr)
	}
}

func (t *cmdProxy) handleSwitchMasters(d map[string]interface{}) {
	c := t.newProxyClient(true)

	file, _ := utils.Argument(d, "--switchmasters")
	var masters map[int]string
	readJson(file, &masters)

	log.Debugf("call rpc switchmasters to proxy %s", t.addr)
	results, err := c.SwitchMasters(masters)
	if err != nil {
		log.PanicErrorf(err, "call rpc switchmasters to proxy %s failed", t.addr)
	}
	printJson(results)
}

func (t *cmdProxy) handleResetStats(d map[string]interface{}) {
	c := t.newProxyClient(true)

	log.Debugf("call rpc resetstats to proxy %s", t.addr)
	if err := c.ResetStats(); err != nil {
		log.PanicErrorf(err, "call rpc resetstats to proxy %s failed", t.addr)
	}
}
