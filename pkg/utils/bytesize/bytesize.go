// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

// Package bytesize parses and prints sizes such as "64kb" or "1.5mb".
package bytesize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

const (
	B  = 1
	KB = 1 << (10 * (iota))
	MB
	GB
	TB
	PB
)

var units = []struct {
	name string
	size int64
}{
	{"pb", PB}, {"tb", TB}, {"gb", GB}, {"mb", MB}, {"kb", KB},
	{"p", PB}, {"t", TB}, {"g", GB}, {"m", MB}, {"k", KB}, {"b", B},
}

var ErrBadByteSize = errors.New("invalid bytesize")

type Int64 int64

func (b Int64) Int64() int64 {
	return int64(b)
}

func (b Int64) AsInt() int {
	return int(b)
}

// MarshalText prints the largest unit that divides b exactly.
func (b Int64) MarshalText() ([]byte, error) {
	v := int64(b)
	if v == 0 {
		return []byte("0"), nil
	}
	abs := v
	if abs < 0 {
		abs = -abs
	}
	for _, u := range units[:5] {
		if abs%u.size == 0 {
			return []byte(fmt.Sprintf("%d%s", v/u.size, u.name)), nil
		}
	}
	return []byte(strconv.FormatInt(v, 10)), nil
}

func (b *Int64) UnmarshalText(text []byte) error {
	n, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = Int64(n)
	return nil
}

func Parse(s string) (int64, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return 0, errors.Trace(ErrBadByteSize)
	}
	size := int64(B)
	for _, u := range units {
		if strings.HasSuffix(t, u.name) {
			size, t = u.size, strings.TrimSpace(strings.TrimSuffix(t, u.name))
			break
		}
	}
	if n, err := strconv.ParseInt(t, 10, 64); err == nil {
		return n * size, nil
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, errors.Errorf("%s: %q", ErrBadByteSize, s)
	}
	return int64(f * float64(size)), nil
}
