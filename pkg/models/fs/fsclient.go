// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package fsclient

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

var (
	ErrClosedClient = errors.New("use of closed fs client")
	ErrNotSupported = errors.New("not supported by fs client")
)

// Client keeps registry nodes as plain files under RootDir/data. A flock on
// RootDir/data.lck serializes writers from different processes.
type Client struct {
	mu sync.Mutex

	RootDir  string
	DataDir  string
	TempDir  string
	LockFile string

	closed bool
}

func New(dir string) (*Client, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{
		RootDir:  root,
		DataDir:  filepath.Join(root, "data"),
		TempDir:  filepath.Join(root, "temp"),
		LockFile: filepath.Join(root, "data.lck"),
	}, nil
}

func (c *Client) realpath(p string) string {
	return filepath.Join(c.DataDir, filepath.FromSlash(path.Clean("/"+p)))
}

func (c *Client) do(exclusive bool, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Trace(ErrClosedClient)
	}
	if !exclusive {
		return fn()
	}
	unlock, err := c.flock()
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (c *Client) flock() (func(), error) {
	if err := os.MkdirAll(c.RootDir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	f, err := os.OpenFile(c.LockFile, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	return func() {
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
			log.WarnErrorf(err, "fsclient - unlock %s failed", c.LockFile)
		}
		f.Close()
	}, nil
}

func (c *Client) writeFile(file string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(c.TempDir, 0755); err != nil {
		return errors.Trace(err)
	}
	f, err := os.CreateTemp(c.TempDir, fmt.Sprintf("%s.", filepath.Base(file)))
	if err != nil {
		return errors.Trace(err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	if err := f.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(f.Name(), file))
}

func (c *Client) Create(p string, data []byte) error {
	return c.do(true, func() error {
		file := c.realpath(p)
		if _, err := os.Stat(file); err == nil {
			return errors.Errorf("fsclient - create %s: node already exists", p)
		} else if !os.IsNotExist(err) {
			return errors.Trace(err)
		}
		log.Debugf("fsclient - create node %s", p)
		return c.writeFile(file, data)
	})
}

func (c *Client) Update(p string, data []byte) error {
	return c.do(true, func() error {
		log.Debugf("fsclient - update node %s", p)
		return c.writeFile(c.realpath(p), data)
	})
}

func (c *Client) Delete(p string) error {
	return c.do(true, func() error {
		log.Debugf("fsclient - delete node %s", p)
		if err := os.RemoveAll(c.realpath(p)); err != nil {
			return errors.Trace(err)
		}
		return nil
	})
}

func (c *Client) Read(p string, must bool) ([]byte, error) {
	var data []byte
	err := c.do(false, func() error {
		b, err := os.ReadFile(c.realpath(p))
		switch {
		case err == nil:
			data = b
			return nil
		case os.IsNotExist(err) && !must:
			return nil
		default:
			return errors.Trace(err)
		}
	})
	return data, err
}

// List returns the full paths of the children of p, sorted.
func (c *Client) List(p string, must bool) ([]string, error) {
	var paths []string
	err := c.do(false, func() error {
		entries, err := os.ReadDir(c.realpath(p))
		switch {
		case os.IsNotExist(err) && !must:
			return nil
		case err != nil:
			return errors.Trace(err)
		}
		for _, e := range entries {
			paths = append(paths, path.Join(p, e.Name()))
		}
		sort.Strings(paths)
		return nil
	})
	return paths, err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) Watch(p string) (<-chan struct{}, error) {
	return nil, errors.Trace(ErrNotSupported)
}

func (c *Client) CreateEphemeral(p string, data []byte) (<-chan struct{}, error) {
	return nil, errors.Trace(ErrNotSupported)
}
