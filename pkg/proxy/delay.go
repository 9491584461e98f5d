// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"context"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/utils/math2"
)

// DelayExp2 is capped exponential backoff: Min, then doubling up to Max.
// It only computes delays; callers decide how to wait.
type DelayExp2 struct {
	Min, Max time.Duration

	Value    time.Duration
	Attempts int
}

func (d *DelayExp2) Next() time.Duration {
	if d.Value == 0 {
		d.Value = d.Min
	} else {
		d.Value = math2.MinMaxDuration(d.Value*2, d.Min, d.Max)
	}
	d.Attempts++
	return d.Value
}

func (d *DelayExp2) Reset() {
	d.Value = 0
	d.Attempts = 0
}

// sleepContext waits for d or until ctx is done, reporting which came first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
