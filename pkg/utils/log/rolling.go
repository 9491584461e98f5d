// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package log

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

type RollingPeriod int

const (
	HourlyRolling RollingPeriod = iota
	DailyRolling
)

func (p RollingPeriod) layout() string {
	if p == HourlyRolling {
		return "2006-01-02-15"
	}
	return "2006-01-02"
}

// rollingFile reopens base.<stamp> whenever the period stamp changes.
type rollingFile struct {
	mu     sync.Mutex
	closed bool

	base   string
	period RollingPeriod
	stamp  string
	file   *os.File

	now func() time.Time
}

var ErrClosedRollingFile = errors.New("rolling file is closed")

func NewRollingFile(base string, period RollingPeriod) (io.WriteCloser, error) {
	if _, name := filepath.Split(base); name == "" {
		return nil, errors.Errorf("invalid base path = %q, file name is required", base)
	}
	if dir := filepath.Dir(base); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return &rollingFile{base: base, period: period, now: time.Now}, nil
}

func (r *rollingFile) rotate() error {
	stamp := r.now().Format(r.period.layout())
	if r.file != nil && stamp == r.stamp {
		return nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(r.base+"."+stamp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return errors.Trace(err)
	}
	r.file, r.stamp = f, stamp
	return nil
}

func (r *rollingFile) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errors.Trace(ErrClosedRollingFile)
	}
	if err := r.rotate(); err != nil {
		return 0, err
	}
	n, err := r.file.Write(b)
	return n, errors.Trace(err)
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return errors.Trace(err)
}
