// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"sync"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
	"github.com/pikaproxy/pika-proxy/pkg/utils/math2"
)

// Topology keeps a proxy in step with the slot records of a coordinator.
// Store records are compared with the last loaded copy, so a master
// switch applied locally stays until the record itself changes.
type Topology struct {
	mu sync.Mutex

	store *models.Store
	proxy *Proxy

	slots []*models.Slot
	epoch int64

	exit   chan struct{}
	once   sync.Once
	closed atomic2.Bool
}

func NewTopology(store *models.Store, proxy *Proxy) *Topology {
	return &Topology{store: store, proxy: proxy, exit: make(chan struct{})}
}

// Close never waits on a running Reload; the store fails any call made
// after it is closed.
func (t *Topology) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Set(true)
		close(t.exit)

		if token := t.proxy.Model().Token; token != "" {
			if err := t.store.DeleteProxy(token); err != nil {
				log.WarnErrorf(err, "topology remove proxy %s failed", token)
			}
		}
		err = t.store.Close()
	})
	return err
}

func (t *Topology) isClosed() bool {
	return t.closed.IsTrue()
}

// Reload applies the slot records that changed since the last call and
// any masters record with a newer epoch. It returns the number of slots
// refilled.
func (t *Topology) Reload() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return 0, ErrClosedProxy
	}

	slots, err := t.store.SlotMappings()
	if err != nil {
		return 0, err
	}
	var changed []*models.Slot
	for i, m := range slots {
		if t.slots == nil || !m.Equal(t.slots[i]) {
			changed = append(changed, m)
		}
	}
	if len(changed) != 0 {
		if err := t.proxy.FillSlots(changed); err != nil {
			return 0, err
		}
	}
	t.slots = slots

	masters, err := t.store.LoadMasters()
	if err != nil {
		return len(changed), err
	}
	if masters != nil && masters.Epoch > t.epoch {
		if _, err := t.proxy.SwitchMasters(masters.Masters); err != nil {
			return len(changed), err
		}
		log.Warnf("topology apply masters epoch = %d", masters.Epoch)
		t.epoch = masters.Epoch
	}
	return len(changed), nil
}

// watch returns a channel closed on the first change under the slot dir
// or the masters record. stop ends the watchers and waits for them.
func (t *Topology) watch() (signal <-chan struct{}, stop func()) {
	c := t.store.Client()
	fired, done := make(chan struct{}), make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	for _, p := range []string{t.store.SlotDir(), t.store.MastersPath()} {
		w, err := c.Watch(p)
		if err != nil {
			log.Debugf("topology watch %s failed, %s", p, err)
			continue
		}
		wg.Add(1)
		go func(w <-chan struct{}) {
			defer wg.Done()
			select {
			case <-w:
				once.Do(func() { close(fired) })
			case <-done:
			case <-t.exit:
			}
		}(w)
	}
	var stopOnce sync.Once
	return fired, func() {
		stopOnce.Do(func() { close(done) })
		wg.Wait()
	}
}

// Run registers the proxy, loads the table, brings the proxy online and
// then follows changes until Close.
func (t *Topology) Run() {
	if err := t.store.UpdateProxy(t.proxy.Model()); err != nil {
		log.WarnErrorf(err, "topology register proxy failed")
	}

	period := math2.MaxDuration(time.Second, t.proxy.Config().CoordinatorPollPeriod.Duration())
	var ticker = time.NewTicker(period)
	defer ticker.Stop()

	var delay = &DelayExp2{Min: 100 * time.Millisecond, Max: period}
	var started bool
	var w <-chan struct{}
	var stop = func() {}
	defer func() { stop() }()
	for !t.isClosed() {
		if w == nil {
			w, stop = t.watch()
		}
		n, err := t.Reload()
		switch {
		case err != nil && errors.Equal(err, ErrClosedProxy):
			return
		case err != nil:
			log.WarnErrorf(err, "topology reload failed")
			select {
			case <-t.exit:
				return
			case <-time.After(delay.Next()):
			}
			continue
		}
		delay.Reset()
		if n != 0 {
			log.Warnf("topology refill %d slots", n)
		}
		if !started {
			if err := t.proxy.Start(); err != nil {
				log.WarnErrorf(err, "topology start proxy failed")
				return
			}
			started = true
		}
		select {
		case <-t.exit:
			return
		case <-w:
			stop()
			w = nil
		case <-ticker.C:
		}
	}
}
