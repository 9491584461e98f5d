// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package redis

import (
	"bytes"
	"testing"

	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
)

func testEncodeAndCheck(t *testing.T, r *Resp, expect string) {
	b, err := EncodeToBytes(r)
	assert.MustNoError(err)
	assert.Mustf(string(b) == expect, "encode %q, want %q", b, expect)
}

func TestEncodeString(t *testing.T) {
	testEncodeAndCheck(t, NewString([]byte("OK")), "+OK\r\n")
	testEncodeAndCheck(t, NewErrorf("ERR %s", "bad"), "-ERR bad\r\n")
}

func TestEncodeInt(t *testing.T) {
	for _, v := range []int64{-1 << 40, -1025, -1024, -1, 0, 1, 65535, 1 << 50} {
		r := NewIntValue(v)
		n, err := r.Int()
		assert.MustNoError(err)
		assert.Must(n == v)
		testEncodeAndCheck(t, r, ":"+string(itob(v))+"\r\n")
	}
}

func TestEncodeBulkBytes(t *testing.T) {
	testEncodeAndCheck(t, NewBulkBytes(nil), "$-1\r\n")
	testEncodeAndCheck(t, NewBulkBytes([]byte{}), "$0\r\n\r\n")
	testEncodeAndCheck(t, NewBulkBytes([]byte("a\r\nb")), "$4\r\na\r\nb\r\n")
}

func TestEncodeArray(t *testing.T) {
	testEncodeAndCheck(t, NewArray(nil), "*-1\r\n")
	testEncodeAndCheck(t, NewArray([]*Resp{}), "*0\r\n")
	testEncodeAndCheck(t, NewArray([]*Resp{
		NewIntValue(0),
		NewArray([]*Resp{NewBulkBytes([]byte("x"))}),
	}), "*2\r\n:0\r\n*1\r\n$1\r\nx\r\n")
}

func TestEncodeRejectsDeepNesting(t *testing.T) {
	deep := NewArray([]*Resp{
		NewArray([]*Resp{
			NewArray([]*Resp{NewIntValue(1)}),
		}),
	})
	var b bytes.Buffer
	e := NewEncoderSize(&b, 64)
	err := e.Encode(deep, true)
	assert.Must(IsProtocolError(err))
	assert.Must(b.Len() == 0)

	// rejected replies do not poison the encoder
	assert.MustNoError(e.Encode(NewString([]byte("OK")), true))
	assert.Must(b.String() == "+OK\r\n")
}

func TestRoundTrip(t *testing.T) {
	multi := NewCommand("SET", "key", []byte{}, 12)
	b, err := EncodeMultiBulkToBytes(multi)
	assert.MustNoError(err)
	assert.Must(string(b) == "*4\r\n$3\r\nSET\r\n$3\r\nkey\r\n$0\r\n\r\n$2\r\n12\r\n")

	back, err := DecodeMultiBulkFromBytes(b)
	assert.MustNoError(err)
	assert.Must(len(back) == len(multi))
	for i := range multi {
		assert.Must(bytes.Equal(back[i].Value, multi[i].Value))
	}
	assert.Must(back[2].Value != nil)

	replies := []*Resp{
		NewBulkBytes(nil),
		NewBulkBytes([]byte{}),
		NewArray([]*Resp{NewBulkBytes(nil), NewString([]byte("PONG"))}),
	}
	for _, r := range replies {
		b, err := EncodeToBytes(r)
		assert.MustNoError(err)
		x, err := DecodeFromBytes(b)
		assert.MustNoError(err)
		assert.Must(x.Type == r.Type)
		assert.Must((x.Value == nil) == (r.Value == nil))
		assert.Must(len(x.Array) == len(r.Array))
	}
}
