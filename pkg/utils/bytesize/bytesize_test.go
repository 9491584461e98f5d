// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package bytesize

import (
	"testing"

	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
)

func TestParse(t *testing.T) {
	var cases = map[string]int64{
		"0":      0,
		"100":    100,
		"10b":    10,
		"1k":     KB,
		"64kb":   64 * KB,
		" 2 MB ": 2 * MB,
		"1.5mb":  MB + MB/2,
		"3gb":    3 * GB,
		"-1kb":   -KB,
	}
	for s, v := range cases {
		n, err := Parse(s)
		assert.MustNoError(err)
		assert.Mustf(n == v, "parse %q = %d, want %d", s, n, v)
	}
	for _, s := range []string{"", "kb", "12xb", "1.2.3k"} {
		_, err := Parse(s)
		assert.Mustf(err != nil, "parse %q should fail", s)
	}
}

func TestMarshalText(t *testing.T) {
	var cases = map[Int64]string{
		0:           "0",
		1000:        "1000",
		KB:          "1kb",
		64 * KB:     "64kb",
		16 * MB:     "16mb",
		-2 * GB:     "-2gb",
		MB + KB + 1: "1049601",
	}
	for v, s := range cases {
		b, err := v.MarshalText()
		assert.MustNoError(err)
		assert.Mustf(string(b) == s, "marshal %d = %s, want %s", v, b, s)
	}
}
