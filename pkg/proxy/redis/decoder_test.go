// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package redis

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

func TestDecodeInvalidReplies(t *testing.T) {
	test := []string{
		"*hello\r\n",
		"*-100\r\n",
		"*3\r\nhi",
		"*3\r\nhi\r\n",
		"*4\r\n$1",
		"*4\r\n$1\r",
		"*4\r\n$1\n",
		"*2\r\n$3\r\nget\r\n$what?\r\nx\r\n",
		"*4\r\n$3\r\nget\r\n$1\r\nx\r\n",
		"*2\r\n$3\r\nget\r\n$1\r\nx",
		"*2\r\n$3\r\nget\r\n$100\r\nx\r\n",
		"$6\r\nfoobar\r",
		"$0\rn\r\n",
		"$-1\n",
		"*0",
		"+OK\n",
		"-Error message\r",
		"?what\r\n",
	}
	for _, s := range test {
		_, err := DecodeFromBytes([]byte(s))
		assert.Mustf(err != nil, "decode %q should fail", s)
	}
}

func TestDecodeProtocolErrorKind(t *testing.T) {
	_, err := DecodeFromBytes([]byte("$abc\r\n"))
	assert.Must(IsProtocolError(err))

	_, err = DecodeFromBytes([]byte("$3\r\nab"))
	assert.Must(!IsProtocolError(err))
	assert.Must(errors.Cause(err) == io.ErrUnexpectedEOF)
}

func TestDecodeReplies(t *testing.T) {
	r, err := DecodeFromBytes([]byte("+OK\r\n"))
	assert.MustNoError(err)
	assert.Must(r.IsString() && string(r.Value) == "OK")

	r, err = DecodeFromBytes([]byte("-ERR oops\r\n"))
	assert.MustNoError(err)
	assert.Must(r.IsError() && string(r.Value) == "ERR oops")

	r, err = DecodeFromBytes([]byte(":-42\r\n"))
	assert.MustNoError(err)
	n, err := r.Int()
	assert.MustNoError(err)
	assert.Must(n == -42)

	r, err = DecodeFromBytes([]byte("$-1\r\n"))
	assert.MustNoError(err)
	assert.Must(r.IsBulkBytes() && r.Value == nil)

	r, err = DecodeFromBytes([]byte("$0\r\n\r\n"))
	assert.MustNoError(err)
	assert.Must(r.IsBulkBytes() && r.Value != nil && len(r.Value) == 0)

	r, err = DecodeFromBytes([]byte("*2\r\n*1\r\n:1\r\n$1\r\na\r\n"))
	assert.MustNoError(err)
	assert.Must(r.IsArray() && len(r.Array) == 2)
	assert.Must(r.Array[0].IsArray() && len(r.Array[0].Array) == 1)
	assert.Must(string(r.Array[1].Value) == "a")

	r, err = DecodeFromBytes([]byte("*-1\r\n"))
	assert.MustNoError(err)
	assert.Must(r.IsArray() && r.Array == nil)
}

func TestDecodeMultiBulk(t *testing.T) {
	multi, err := DecodeMultiBulkFromBytes([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n"))
	assert.MustNoError(err)
	assert.Must(len(multi) == 3)
	assert.Must(string(multi[0].Value) == "SET")
	assert.Must(string(multi[1].Value) == "k")
	assert.Must(multi[2].Value != nil && len(multi[2].Value) == 0)

	multi, err = DecodeMultiBulkFromBytes([]byte("*0\r\n"))
	assert.MustNoError(err)
	assert.Must(multi != nil && len(multi) == 0)

	_, err = DecodeMultiBulkFromBytes([]byte("*1\r\n:1\r\n"))
	assert.Must(IsProtocolError(err))

	_, err = DecodeMultiBulkFromBytes([]byte("*-1\r\n"))
	assert.Must(IsProtocolError(err))
}

func TestDecodeInline(t *testing.T) {
	test := []string{
		"hello world\r\n",
		"hello world    \r\n",
		"    hello world    \r\n",
		"\r\n\r\nhello    world\r\n",
	}
	for _, s := range test {
		multi, err := DecodeMultiBulkFromBytes([]byte(s))
		assert.MustNoError(err)
		assert.Must(len(multi) == 2)
		assert.Must(string(multi[0].Value) == "hello")
		assert.Must(string(multi[1].Value) == "world")
	}
}

func TestDecodePipeline(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n")
	}
	d := NewDecoderSize(bytes.NewReader([]byte(b.String())), 64)
	for i := 0; i < 100; i++ {
		multi, err := d.DecodeMultiBulk()
		assert.MustNoError(err)
		assert.Must(len(multi) == 2)
	}
	_, err := d.DecodeMultiBulk()
	assert.Must(errors.Cause(err) == io.EOF)

	// errors stick
	_, err = d.DecodeMultiBulk()
	assert.Must(errors.Cause(err) == io.EOF)
}

func BenchmarkDecodeMultiBulk(b *testing.B) {
	p := []byte("*3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$5\r\nworld\r\n")
	for i := 0; i < b.N; i++ {
		d := NewDecoder(bufio.NewReader(bytes.NewReader(p)))
		if _, err := d.DecodeMultiBulk(); err != nil {
			b.Fatal(err)
		}
	}
}
