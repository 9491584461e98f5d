// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package timesize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

var ErrBadTimeSize = errors.New("invalid timesize")

// Duration is a time.Duration that reads "30s" or a bare number of seconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	v := time.Duration(d)
	if v == 0 {
		return []byte("0"), nil
	}
	abs := v
	if abs < 0 {
		abs = -abs
	}
	for _, u := range []struct {
		name string
		unit time.Duration
	}{
		{"h", time.Hour}, {"m", time.Minute}, {"s", time.Second},
		{"ms", time.Millisecond}, {"us", time.Microsecond},
	} {
		if abs%u.unit == 0 {
			return []byte(fmt.Sprintf("%d%s", int64(v/u.unit), u.name)), nil
		}
	}
	return []byte(v.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func Parse(s string) (time.Duration, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, errors.Trace(ErrBadTimeSize)
	}
	if n, err := strconv.ParseInt(t, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(strings.ReplaceAll(t, " ", ""))
	if err != nil {
		return 0, errors.Errorf("%s: %q", ErrBadTimeSize, s)
	}
	return v, nil
}
