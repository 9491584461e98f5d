// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package models

import (
	"fmt"
	"path"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/sync2"
)

const RootDir = "/pika3"

func ProductDir(product string) string {
	return path.Join(RootDir, product)
}

func JodisDir(product string) string {
	return path.Join("/jodis", product)
}

func JodisPath(product string, token string) string {
	return path.Join(JodisDir(product), "proxy-"+token)
}

// Store lays out one product's records on top of a Client.
type Store struct {
	client  Client
	product string
}

func NewStore(client Client, product string) *Store {
	return &Store{client: client, product: product}
}

func (s *Store) Client() Client {
	return s.client
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) SlotDir() string {
	return path.Join(ProductDir(s.product), "slots")
}

func (s *Store) SlotPath(id int) string {
	return path.Join(s.SlotDir(), fmt.Sprintf("slot-%04d", id))
}

func (s *Store) MastersPath() string {
	return path.Join(ProductDir(s.product), "masters")
}

func (s *Store) ProxyDir() string {
	return path.Join(ProductDir(s.product), "proxy")
}

func (s *Store) ProxyPath(token string) string {
	return path.Join(s.ProxyDir(), "proxy-"+token)
}

// SlotMappings reads every slot; ids without a record come back empty.
func (s *Store) SlotMappings() ([]*Slot, error) {
	const workers = 16

	var fut sync2.Future
	for w := 0; w < workers; w++ {
		fut.Add()
		go func(w int) {
			var err error
			for i := w; i < MaxSlotNum && err == nil; i += workers {
				err = s.readSlot(i, &fut)
			}
			fut.Done(fmt.Sprintf("worker-%d", w), err)
		}(w)
	}

	slots := make([]*Slot, MaxSlotNum)
	for key, v := range fut.Wait() {
		switch x := v.(type) {
		case error:
			return nil, x
		case *Slot:
			slots[x.Id] = x
		case nil:
		default:
			return nil, errors.Errorf("unexpected value of %s", key)
		}
	}
	return slots, nil
}

func (s *Store) readSlot(id int, fut *sync2.Future) error {
	b, err := s.client.Read(s.SlotPath(id), false)
	if err != nil {
		return err
	}
	m := &Slot{Id: id}
	if b != nil {
		if err := m.Decode(b); err != nil {
			return err
		}
		if m.Id != id {
			return errors.Errorf("slot-%04d holds id = %d", id, m.Id)
		}
	}
	fut.Add()
	fut.Done(fmt.Sprintf("slot-%04d", id), m)
	return nil
}

func (s *Store) UpdateSlot(m *Slot) error {
	if m.Id < 0 || m.Id >= MaxSlotNum {
		return errors.Errorf("invalid slot id = %d", m.Id)
	}
	return s.client.Update(s.SlotPath(m.Id), m.Encode())
}

// LoadMasters returns nil when no failover has been published.
func (s *Store) LoadMasters() (*Masters, error) {
	b, err := s.client.Read(s.MastersPath(), false)
	if err != nil || b == nil {
		return nil, err
	}
	m := &Masters{}
	if err := m.Decode(b); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) UpdateMasters(m *Masters) error {
	return s.client.Update(s.MastersPath(), m.Encode())
}

func (s *Store) ListProxy() (map[string]*Proxy, error) {
	paths, err := s.client.List(s.ProxyDir(), false)
	if err != nil {
		return nil, err
	}
	proxy := make(map[string]*Proxy, len(paths))
	for _, p := range paths {
		b, err := s.client.Read(p, true)
		if err != nil {
			return nil, err
		}
		x := &Proxy{}
		if err := x.Decode(b); err != nil {
			return nil, err
		}
		proxy[x.Token] = x
	}
	return proxy, nil
}

func (s *Store) UpdateProxy(p *Proxy) error {
	return s.client.Update(s.ProxyPath(p.Token), p.Encode())
}

func (s *Store) DeleteProxy(token string) error {
	return s.client.Delete(s.ProxyPath(token))
}
