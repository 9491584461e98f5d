// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"testing"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	fsclient "github.com/pikaproxy/pika-proxy/pkg/models/fs"
	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
	"github.com/pikaproxy/pika-proxy/pkg/utils/timesize"
)

func waitUntil(fn func() bool) {
	for i := 0; i < 500 && !fn(); i++ {
		time.Sleep(time.Millisecond * 10)
	}
	assert.Must(fn())
}

func openTestStore(dir, product string) *models.Store {
	c, err := fsclient.New(dir)
	assert.MustNoError(err)
	return models.NewStore(c, product)
}

func TestTopologyFollowsStore(t *testing.T) {
	dir := t.TempDir()

	config := newTestConfig()
	config.CoordinatorName = "filesystem"
	config.CoordinatorAddr = dir
	config.CoordinatorPollPeriod = timesize.Duration(time.Second)

	store := openTestStore(dir, config.ProductName)
	defer store.Close()
	for i := 0; i < 4; i++ {
		assert.MustNoError(store.UpdateSlot(&models.Slot{Id: i, BackendAddr: "127.0.0.1:1"}))
	}

	s, err := New(config)
	assert.MustNoError(err)
	defer s.Close()

	waitUntil(s.IsOnline)
	for i := 0; i < 4; i++ {
		assert.Must(s.Router().GetSlot(i).BackendAddr == "127.0.0.1:1")
	}
	assert.Must(s.Router().GetSlot(4).BackendAddr == "")

	proxies, err := store.ListProxy()
	assert.MustNoError(err)
	assert.Must(proxies[s.Model().Token] != nil)

	assert.MustNoError(store.UpdateSlot(&models.Slot{Id: 2, BackendAddr: "127.0.0.1:2"}))
	waitUntil(func() bool {
		return s.Router().GetSlot(2).BackendAddr == "127.0.0.1:2"
	})

	assert.MustNoError(store.UpdateMasters(&models.Masters{Epoch: 1, Masters: map[int]string{1: "127.0.0.1:3"}}))
	waitUntil(func() bool {
		return s.Router().GetSlot(1).BackendAddr == "127.0.0.1:3"
	})
	assert.Must(s.Router().HasSwitched())

	// an unchanged slot record does not undo the switch
	time.Sleep(config.CoordinatorPollPeriod.Duration() * 2)
	assert.Must(s.Router().GetSlot(1).BackendAddr == "127.0.0.1:3")

	token := s.Model().Token
	assert.MustNoError(s.Close())
	proxies, err = store.ListProxy()
	assert.MustNoError(err)
	assert.Must(proxies[token] == nil)
}

func TestTopologyReload(t *testing.T) {
	dir := t.TempDir()

	config := newTestConfig()
	s, err := New(config)
	assert.MustNoError(err)
	defer s.Close()

	store := openTestStore(dir, config.ProductName)
	topo := NewTopology(openTestStore(dir, config.ProductName), s)
	defer topo.Close()

	n, err := topo.Reload()
	assert.MustNoError(err)
	assert.Must(n == MaxSlotNum)

	n, err = topo.Reload()
	assert.MustNoError(err)
	assert.Must(n == 0)

	assert.MustNoError(store.UpdateSlot(&models.Slot{Id: 9, BackendAddr: "127.0.0.1:1"}))
	n, err = topo.Reload()
	assert.MustNoError(err)
	assert.Must(n == 1)
	assert.Must(s.Router().GetSlot(9).BackendAddr == "127.0.0.1:1")

	assert.MustNoError(store.UpdateMasters(&models.Masters{Epoch: 2, Masters: map[int]string{9: "127.0.0.1:2"}}))
	_, err = topo.Reload()
	assert.MustNoError(err)
	assert.Must(s.Router().GetSlot(9).BackendAddr == "127.0.0.1:2")

	// stale epochs are ignored
	s.Router().FillSlot(&models.Slot{Id: 9, BackendAddr: "127.0.0.1:1"})
	assert.MustNoError(store.UpdateMasters(&models.Masters{Epoch: 1, Masters: map[int]string{9: "127.0.0.1:4"}}))
	_, err = topo.Reload()
	assert.MustNoError(err)
	assert.Must(s.Router().GetSlot(9).BackendAddr == "127.0.0.1:1")

	assert.MustNoError(store.UpdateSlot(&models.Slot{Id: 10, Locked: true}))
	_, err = topo.Reload()
	assert.Must(err == ErrLockedNoFrom)

	assert.MustNoError(topo.Close())
	_, err = topo.Reload()
	assert.Must(err == ErrClosedProxy)
	store.Close()
}

func closedWithin(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	case <-time.After(time.Second * 5):
		return false
	}
}

func TestTopologyWatchStop(t *testing.T) {
	c := newMemClient()
	c.watchable = true
	store := models.NewStore(c, "demo")
	topo := NewTopology(store, nil)

	w, stop := topo.watch()
	c.expire(store.SlotDir())
	assert.Must(closedWithin(w))

	// the masters watcher has not fired and must still be released
	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	assert.Must(closedWithin(stopped))
	stop()

	// without watch support the signal never fires and stop is a no-op
	plain := NewTopology(models.NewStore(newMemClient(), "demo"), nil)
	w, stop = plain.watch()
	stop()
	select {
	case <-w:
		assert.Must(false)
	default:
	}
}
