// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package zkclient

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

var ErrClosedClient = errors.New("use of closed zk client")

type zkLogger struct{}

func (zkLogger) Printf(format string, v ...interface{}) {
	log.Infof("zookeeper - %s", fmt.Sprintf(format, v...))
}

type Client struct {
	mu   sync.Mutex
	conn *zk.Conn

	addrlist string
	username string
	password string
	timeout  time.Duration

	dialAt time.Time
	closed bool
}

func New(addrlist string, auth string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = time.Second * 5
	}
	c := &Client{addrlist: addrlist, timeout: timeout}
	if auth != "" {
		user, pass, ok := strings.Cut(auth, ":")
		if !ok || user == "" {
			return nil, errors.Errorf("invalid zookeeper auth, expect user:password")
		}
		c.username, c.password = user, pass
	}
	if err := c.redial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) redial() error {
	c.dialAt = time.Now()
	conn, events, err := zk.Connect(strings.Split(c.addrlist, ","), c.timeout)
	if err != nil {
		return errors.Trace(err)
	}
	conn.SetLogger(zkLogger{})
	if c.username != "" {
		auth := fmt.Sprintf("%s:%s", c.username, c.password)
		if err := conn.AddAuth("digest", []byte(auth)); err != nil {
			conn.Close()
			return errors.Trace(err)
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn

	go func() {
		for e := range events {
			log.Debugf("zkclient - event: %+v", e)
		}
	}()
	log.Infof("zkclient - connected to %s", c.addrlist)
	return nil
}

func (c *Client) acl(perm int32) []zk.ACL {
	if c.username != "" {
		return zk.DigestACL(perm, c.username, c.password)
	}
	return zk.WorldACL(perm)
}

// call runs fn on the live connection. A session level failure triggers a
// redial, at most once per second; node errors are returned as they are.
func (c *Client) call(op, p string, fn func(conn *zk.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Trace(ErrClosedClient)
	}
	err := fn(c.conn)
	if err == nil {
		log.Debugf("zkclient - %s node %s OK", op, p)
		return nil
	}
	log.Debugf("zkclient - %s node %s failed: %s", op, p, err)
	switch errors.Cause(err) {
	case zk.ErrNoNode, zk.ErrNodeExists, zk.ErrNotEmpty, zk.ErrBadVersion:
	default:
		if time.Since(c.dialAt) > time.Second {
			if err := c.redial(); err != nil {
				log.WarnErrorf(err, "zkclient - redial failed")
			}
		}
	}
	return errors.Trace(err)
}

func (c *Client) mkdir(conn *zk.Conn, p string) error {
	if p == "" || p == "/" {
		return nil
	}
	exists, _, err := conn.Exists(p)
	if err != nil || exists {
		return err
	}
	if err := c.mkdir(conn, path.Dir(p)); err != nil {
		return err
	}
	if _, err := conn.Create(p, []byte{}, 0, c.acl(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
		return err
	}
	return nil
}

func (c *Client) create(conn *zk.Conn, p string, data []byte, flag int32) error {
	if err := c.mkdir(conn, path.Dir(p)); err != nil {
		return err
	}
	_, err := conn.Create(p, data, flag, c.acl(zk.PermAdmin|zk.PermRead|zk.PermWrite))
	return err
}

func (c *Client) Create(p string, data []byte) error {
	return c.call("create", p, func(conn *zk.Conn) error {
		return c.create(conn, p, data, 0)
	})
}

func (c *Client) Update(p string, data []byte) error {
	return c.call("update", p, func(conn *zk.Conn) error {
		exists, _, err := conn.Exists(p)
		if err != nil {
			return err
		}
		if !exists {
			err := c.create(conn, p, data, 0)
			if err != zk.ErrNodeExists {
				return err
			}
		}
		_, err = conn.Set(p, data, -1)
		return err
	})
}

func (c *Client) Delete(p string) error {
	return c.call("delete", p, func(conn *zk.Conn) error {
		if err := conn.Delete(p, -1); err != nil && err != zk.ErrNoNode {
			return err
		}
		return nil
	})
}

func (c *Client) Read(p string, must bool) ([]byte, error) {
	var data []byte
	err := c.call("read", p, func(conn *zk.Conn) error {
		b, _, err := conn.Get(p)
		switch {
		case err == zk.ErrNoNode && !must:
			return nil
		case err != nil:
			return err
		}
		data = b
		return nil
	})
	return data, err
}

func (c *Client) List(p string, must bool) ([]string, error) {
	var paths []string
	err := c.call("list", p, func(conn *zk.Conn) error {
		nodes, _, err := conn.Children(p)
		switch {
		case err == zk.ErrNoNode && !must:
			return nil
		case err != nil:
			return err
		}
		sort.Strings(nodes)
		for _, node := range nodes {
			paths = append(paths, path.Join(p, node))
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
		c.conn.Close()
	}
	return nil
}

func notify(p string, w <-chan zk.Event) <-chan struct{} {
	signal := make(chan struct{})
	go func() {
		defer close(signal)
		e := <-w
		log.Debugf("zkclient - node %s changed: %s", p, e.Type)
	}()
	return signal
}

// Watch fires once when the data of path changes. A directory also fires
// when its children change.
func (c *Client) Watch(p string) (<-chan struct{}, error) {
	var signal <-chan struct{}
	err := c.call("watch", p, func(conn *zk.Conn) error {
		exists, _, w, err := conn.ExistsW(p)
		if err != nil {
			return err
		}
		if !exists {
			signal = notify(p, w)
			return nil
		}
		_, _, cw, err := conn.ChildrenW(p)
		if err != nil {
			return err
		}
		s1, s2 := notify(p, w), notify(p, cw)
		merged := make(chan struct{})
		go func() {
			defer close(merged)
			select {
			case <-s1:
			case <-s2:
			}
		}()
		signal = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signal, nil
}

// CreateEphemeral creates a node bound to the zookeeper session. The returned
// channel is closed once the node goes away.
func (c *Client) CreateEphemeral(p string, data []byte) (<-chan struct{}, error) {
	var signal <-chan struct{}
	err := c.call("create-ephemeral", p, func(conn *zk.Conn) error {
		if err := c.create(conn, p, data, zk.FlagEphemeral); err != nil {
			return err
		}
		_, _, w, err := conn.GetW(p)
		if err != nil {
			return err
		}
		signal = notify(p, w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signal, nil
}
