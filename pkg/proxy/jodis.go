// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

var ErrClosedJodis = errors.New("use of closed jodis")

// jodisEntry is what client-side discovery reads from the node.
type jodisEntry struct {
	Addr       string `json:"addr"`
	Admin      string `json:"admin"`
	Start      string `json:"start"`
	Token      string `json:"token"`
	DataCenter string `json:"datacenter"`
	State      string `json:"state"`
}

// Jodis keeps an ephemeral node for the proxy under /jodis/<product>. The
// node goes away with the coordinator session and is created again with
// exponential backoff until Close.
type Jodis struct {
	mu sync.Mutex

	path string
	data []byte

	client     models.Client
	started    bool
	closed     bool
	registered bool

	ctx    context.Context
	cancel context.CancelFunc
	retry  DelayExp2
}

func NewJodis(c models.Client, p *models.Proxy) *Jodis {
	b, err := json.MarshalIndent(&jodisEntry{
		Addr: p.ProxyAddr, Admin: p.AdminAddr, Start: p.StartTime,
		Token: p.Token, DataCenter: p.DataCenter, State: "online",
	}, "", "    ")
	if err != nil {
		log.PanicErrorf(err, "encode jodis entry failed")
	}
	j := &Jodis{path: p.JodisPath, data: b, client: c}
	j.retry.Min, j.retry.Max = time.Second, time.Second*30
	j.ctx, j.cancel = context.WithCancel(context.Background())
	return j
}

func (j *Jodis) Path() string {
	return j.path
}

func (j *Jodis) Data() string {
	return string(j.data)
}

func (j *Jodis) IsClosed() bool {
	return j.ctx.Err() != nil
}

// IsRegistered reports whether the last attempt created the node.
func (j *Jodis) IsRegistered() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.registered && !j.closed
}

// Close stops re-registration, removes the node and closes the client.
func (j *Jodis) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.cancel()

	if j.registered {
		if err := j.client.Delete(j.path); err != nil {
			log.WarnErrorf(err, "jodis remove node %s failed", j.path)
		} else {
			log.Warnf("jodis remove node %s", j.path)
		}
	}
	return j.client.Close()
}

// Register creates the node and returns a channel closed when it expires.
func (j *Jodis) Register() (<-chan struct{}, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosedJodis
	}
	w, err := j.client.CreateEphemeral(j.path, j.data)
	j.registered = err == nil
	if err != nil {
		return nil, err
	}
	log.Warnf("jodis create node %s", j.path)
	return w, nil
}

func (j *Jodis) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started || j.closed {
		return
	}
	j.started = true
	go j.serve()
}

func (j *Jodis) serve() {
	for !j.IsClosed() {
		w, err := j.Register()
		if err != nil {
			if errors.Equal(err, ErrClosedJodis) {
				return
			}
			delay := j.retry.Next()
			log.WarnErrorf(err, "jodis create node %s failed, retry in %s", j.path, delay)
			if !sleepContext(j.ctx, delay) {
				return
			}
			continue
		}
		j.retry.Reset()

		select {
		case <-j.ctx.Done():
			return
		case <-w:
			log.Warnf("jodis node %s expired", j.path)
		}
	}
}
