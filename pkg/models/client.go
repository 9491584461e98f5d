// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package models

import (
	"time"

	etcdclient "github.com/pikaproxy/pika-proxy/pkg/models/etcd"
	fsclient "github.com/pikaproxy/pika-proxy/pkg/models/fs"
	zkclient "github.com/pikaproxy/pika-proxy/pkg/models/zk"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

// Client is the registry the proxy reads its topology from and registers
// itself in. Watch returns a channel closed on the next change of path.
type Client interface {
	Create(path string, data []byte) error
	Update(path string, data []byte) error
	Delete(path string) error

	Read(path string, must bool) ([]byte, error)
	List(path string, must bool) ([]string, error)

	Close() error

	Watch(path string) (<-chan struct{}, error)

	CreateEphemeral(path string, data []byte) (<-chan struct{}, error)
}

func NewClient(coordinator string, addrlist string, auth string, timeout time.Duration) (Client, error) {
	switch coordinator {
	case "zk", "zookeeper":
		return zkclient.New(addrlist, auth, timeout)
	case "etcd":
		return etcdclient.New(addrlist, auth, timeout)
	case "fs", "filesystem":
		return fsclient.New(addrlist)
	}
	return nil, errors.Errorf("invalid coordinator name = %s", coordinator)
}
