// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package etcdclient

import (
	"strings"
	"sync"
	"time"

	"github.com/coreos/etcd/client"
	"golang.org/x/net/context"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

var (
	ErrClosedClient = errors.New("use of closed etcd client")
	ErrNotDir       = errors.New("etcd: not a dir")
	ErrNotFile      = errors.New("etcd: not a file")
)

type Client struct {
	mu   sync.Mutex
	kapi client.KeysAPI

	closed  bool
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func endpoints(addrlist string) []string {
	var list []string
	for _, s := range strings.Split(addrlist, ",") {
		switch {
		case s == "":
		case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
			list = append(list, s)
		default:
			list = append(list, "http://"+s)
		}
	}
	return list
}

func New(addrlist string, auth string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = time.Second * 5
	}
	config := client.Config{
		Endpoints:               endpoints(addrlist),
		Transport:               client.DefaultTransport,
		HeaderTimeoutPerRequest: timeout,
	}
	if auth != "" {
		user, pass, ok := strings.Cut(auth, ":")
		if !ok || user == "" {
			return nil, errors.Errorf("invalid etcd auth, expect user:password")
		}
		config.Username, config.Password = user, pass
	}
	c, err := client.New(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	x := &Client{kapi: client.NewKeysAPI(c), timeout: timeout}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	return x, nil
}

func errorCode(err error) int {
	if e, ok := errors.Cause(err).(client.Error); ok {
		return e.Code
	}
	return 0
}

func isErrNoNode(err error) bool {
	return err != nil && errorCode(err) == client.ErrorCodeKeyNotFound
}

// call runs fn holding the client lock with a per-request deadline.
func (c *Client) call(op, path string, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Trace(ErrClosedClient)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Debugf("etcdclient - %s node %s failed: %s", op, path, err)
		return errors.Trace(err)
	}
	log.Debugf("etcdclient - %s node %s OK", op, path)
	return nil
}

func (c *Client) Create(path string, data []byte) error {
	return c.call("create", path, func(ctx context.Context) error {
		_, err := c.kapi.Set(ctx, path, string(data), &client.SetOptions{PrevExist: client.PrevNoExist})
		return err
	})
}

func (c *Client) Update(path string, data []byte) error {
	return c.call("update", path, func(ctx context.Context) error {
		_, err := c.kapi.Set(ctx, path, string(data), &client.SetOptions{PrevExist: client.PrevIgnore})
		return err
	})
}

func (c *Client) Delete(path string) error {
	return c.call("delete", path, func(ctx context.Context) error {
		_, err := c.kapi.Delete(ctx, path, nil)
		if isErrNoNode(err) {
			return nil
		}
		return err
	})
}

func (c *Client) Read(path string, must bool) ([]byte, error) {
	var data []byte
	err := c.call("read", path, func(ctx context.Context) error {
		r, err := c.kapi.Get(ctx, path, &client.GetOptions{Quorum: true})
		switch {
		case isErrNoNode(err) && !must:
			return nil
		case err != nil:
			return err
		case r.Node.Dir:
			return ErrNotFile
		}
		data = []byte(r.Node.Value)
		return nil
	})
	return data, err
}

func (c *Client) List(path string, must bool) ([]string, error) {
	var paths []string
	err := c.call("list", path, func(ctx context.Context) error {
		r, err := c.kapi.Get(ctx, path, &client.GetOptions{Quorum: true, Sort: true})
		switch {
		case isErrNoNode(err) && !must:
			return nil
		case err != nil:
			return err
		case !r.Node.Dir:
			return ErrNotDir
		}
		for _, node := range r.Node.Nodes {
			paths = append(paths, node.Key)
		}
		return nil
	})
	return paths, err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.cancel()
	}
	return nil
}

// Watch fires once on the next change at or below path.
func (c *Client) Watch(path string) (<-chan struct{}, error) {
	var index uint64
	err := c.call("watch", path, func(ctx context.Context) error {
		r, err := c.kapi.Get(ctx, path, &client.GetOptions{Quorum: true})
		switch {
		case isErrNoNode(err):
			if e, ok := errors.Cause(err).(client.Error); ok {
				index = e.Index
			}
			return nil
		case err != nil:
			return err
		}
		index = r.Index
		return nil
	})
	if err != nil {
		return nil, err
	}
	signal := make(chan struct{})
	go func() {
		defer close(signal)
		w := c.kapi.Watcher(path, &client.WatcherOptions{AfterIndex: index, Recursive: true})
		for {
			r, err := w.Next(c.ctx)
			if err != nil {
				log.Debugf("etcdclient - watch node %s failed: %s", path, err)
				return
			}
			if r.Action != "get" {
				return
			}
		}
	}()
	return signal, nil
}

// CreateEphemeral creates a node with a ttl and keeps refreshing it. The
// returned channel is closed once a refresh fails.
func (c *Client) CreateEphemeral(path string, data []byte) (<-chan struct{}, error) {
	err := c.call("create-ephemeral", path, func(ctx context.Context) error {
		_, err := c.kapi.Set(ctx, path, string(data), &client.SetOptions{PrevExist: client.PrevNoExist, TTL: c.timeout})
		return err
	})
	if err != nil {
		return nil, err
	}
	signal := make(chan struct{})
	go func() {
		defer close(signal)
		ticker := time.NewTicker(c.timeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
			}
			err := c.call("refresh-ephemeral", path, func(ctx context.Context) error {
				_, err := c.kapi.Set(ctx, path, "", &client.SetOptions{PrevExist: client.PrevExist, Refresh: true, TTL: c.timeout})
				return err
			})
			if err != nil {
				return
			}
		}
	}()
	return signal, nil
}
