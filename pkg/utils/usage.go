// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package utils

import (
	"syscall"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

// Usage is a snapshot of process resource counters.
type Usage struct {
	CPUTime time.Duration `json:"cpu_time"`
	MaxRSS  int64         `json:"max_rss"`
}

func GetUsage() (*Usage, error) {
	var u syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &u); err != nil {
		return nil, errors.Trace(err)
	}
	return &Usage{
		CPUTime: time.Duration(u.Utime.Nano() + u.Stime.Nano()),
		MaxRSS:  u.Maxrss * 1024,
	}, nil
}
