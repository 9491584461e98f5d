// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

// memClient keeps nodes in memory; expire drops a node and fires its watch
// the way a lost coordinator session or a change would.
type memClient struct {
	mu      sync.Mutex
	nodes   map[string][]byte
	watches map[string]chan struct{}
	creates int
	fails   int
	closed  bool

	watchable bool
}

func newMemClient() *memClient {
	return &memClient{nodes: make(map[string][]byte), watches: make(map[string]chan struct{})}
}

func (c *memClient) Create(path string, data []byte) error  { return c.Update(path, data) }
func (c *memClient) Read(path string, must bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[path], nil
}
func (c *memClient) List(path string, must bool) ([]string, error) { return nil, nil }
func (c *memClient) Watch(path string) (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.watchable {
		return nil, errors.New("not supported")
	}
	w := make(chan struct{})
	c.watches[path] = w
	return w, nil
}

func (c *memClient) Update(path string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[path] = data
	return nil
}

func (c *memClient) Delete(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, path)
	return nil
}

func (c *memClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memClient) CreateEphemeral(path string, data []byte) (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return nil, errors.New("session is not ready")
	}
	c.nodes[path] = data
	c.creates++
	w := make(chan struct{})
	c.watches[path] = w
	return w, nil
}

func (c *memClient) expire(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, path)
	if w := c.watches[path]; w != nil {
		close(w)
		delete(c.watches, path)
	}
}

func (c *memClient) stat(path string) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[path]
	return ok, c.creates
}

func TestJodis(t *testing.T) {
	model := &models.Proxy{
		Token: "t1", ProxyAddr: "127.0.0.1:19000", AdminAddr: "127.0.0.1:11080",
		ProductName: "demo",
	}
	model.JodisPath = models.JodisPath(model.ProductName, model.Token)
	assert.Must(model.JodisPath == "/jodis/demo/proxy-t1")

	c := newMemClient()
	j := NewJodis(c, model)
	assert.Must(j.Path() == model.JodisPath)

	var m map[string]string
	assert.MustNoError(json.Unmarshal([]byte(j.Data()), &m))
	assert.Must(m["addr"] == model.ProxyAddr && m["state"] == "online")

	j.Start()
	j.Start()
	waitUntil(j.IsRegistered)
	waitUntil(func() bool {
		ok, n := c.stat(j.Path())
		return ok && n == 1
	})

	c.expire(j.Path())
	waitUntil(func() bool {
		ok, n := c.stat(j.Path())
		return ok && n == 2
	})

	assert.MustNoError(j.Close())
	ok, _ := c.stat(j.Path())
	assert.Must(!ok && c.closed)
	assert.Must(!j.IsRegistered() && j.IsClosed())

	_, err := j.Register()
	assert.Must(err == ErrClosedJodis)
}

func TestJodisRetry(t *testing.T) {
	model := &models.Proxy{Token: "t2", ProxyAddr: "127.0.0.1:19000", ProductName: "demo"}
	model.JodisPath = models.JodisPath(model.ProductName, model.Token)

	c := newMemClient()
	c.fails = 3
	j := NewJodis(c, model)
	j.retry.Min, j.retry.Max = time.Millisecond*10, time.Millisecond*40
	j.Start()

	waitUntil(j.IsRegistered)
	ok, n := c.stat(j.Path())
	assert.Must(ok && n == 1)
	assert.MustNoError(j.Close())

	// Close does not wait out a pending retry delay.
	c = newMemClient()
	c.fails = 1 << 20
	j = NewJodis(c, model)
	j.retry.Min, j.retry.Max = time.Hour, time.Hour
	j.Start()
	waitUntil(func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.fails < 1<<20
	})
	assert.MustNoError(j.Close())
	assert.Must(j.IsClosed() && !j.IsRegistered())
}
