// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package sync2

import "sync"

// Future collects values keyed by name from a known number of producers.
type Future struct {
	mu   sync.Mutex
	wait sync.WaitGroup
	vals map[string]interface{}
}

func (f *Future) Add() {
	f.wait.Add(1)
}

func (f *Future) Done(key string, val interface{}) {
	f.mu.Lock()
	if f.vals == nil {
		f.vals = make(map[string]interface{})
	}
	f.vals[key] = val
	f.mu.Unlock()
	f.wait.Done()
}

func (f *Future) Wait() map[string]interface{} {
	f.wait.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vals
}
