// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package timesize

import (
	"testing"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
)

func TestParse(t *testing.T) {
	var cases = map[string]time.Duration{
		"0":     0,
		"5":     5 * time.Second,
		"0.5":   500 * time.Millisecond,
		"10ms":  10 * time.Millisecond,
		"30s":   30 * time.Second,
		" 2m ":  2 * time.Minute,
		"1h30m": 90 * time.Minute,
	}
	for s, v := range cases {
		d, err := Parse(s)
		assert.MustNoError(err)
		assert.Mustf(d == v, "parse %q = %s, want %s", s, d, v)
	}
	for _, s := range []string{"", "abc", "10xs"} {
		_, err := Parse(s)
		assert.Mustf(err != nil, "parse %q should fail", s)
	}
}

func TestMarshalText(t *testing.T) {
	var cases = map[Duration]string{
		0:                                 "0",
		Duration(time.Hour):               "1h",
		Duration(90 * time.Second):        "90s",
		Duration(1500 * time.Millisecond): "1500ms",
		Duration(3 * time.Minute):         "3m",
	}
	for d, s := range cases {
		b, err := d.MarshalText()
		assert.MustNoError(err)
		assert.Mustf(string(b) == s, "marshal %s = %s, want %s", time.Duration(d), b, s)
	}
}
