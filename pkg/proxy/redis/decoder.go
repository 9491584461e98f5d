// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package redis

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

const (
	MaxBulkBytesLen = 512 * 1024 * 1024
	MaxArrayLen     = 1024 * 1024
	MaxNestedDepth  = 64
)

var (
	ErrBadCRLFEnd      = &ProtocolError{"bad CRLF end"}
	ErrBadBulkBytesLen = &ProtocolError{"bad bulk bytes len"}
	ErrBadArrayLen     = &ProtocolError{"bad array len"}
	ErrBadMultiBulk    = &ProtocolError{"bad multi-bulk for request"}
	ErrTooDeep         = &ProtocolError{"nested too deep"}
)

// IsProtocolError tells framing errors apart from I/O errors.
func IsProtocolError(err error) bool {
	_, ok := errors.Cause(err).(*ProtocolError)
	return ok
}

type Decoder struct {
	br *bufio.Reader

	Err error
}

func NewDecoder(br *bufio.Reader) *Decoder {
	return &Decoder{br: br}
}

func NewDecoderSize(r io.Reader, size int) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, size)
	}
	return &Decoder{br: br}
}

// Decode reads one reply of any shape. Errors are sticky.
func (d *Decoder) Decode() (*Resp, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	r, err := d.decodeResp(0)
	if err != nil {
		d.Err = err
	}
	return r, err
}

// DecodeMultiBulk reads one client request: an array of bulk strings or an
// inline command line. Empty inline lines are skipped; "*0" yields an empty
// slice so the caller can reject it.
func (d *Decoder) DecodeMultiBulk() ([]*Resp, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	multi, err := d.decodeMultiBulk()
	if err != nil {
		d.Err = err
	}
	return multi, err
}

func (d *Decoder) Buffered() int {
	return d.br.Buffered()
}

func Decode(br *bufio.Reader) (*Resp, error) {
	return NewDecoder(br).Decode()
}

func DecodeFromBytes(p []byte) (*Resp, error) {
	return Decode(bufio.NewReader(bytes.NewReader(p)))
}

func DecodeMultiBulkFromBytes(p []byte) ([]*Resp, error) {
	return NewDecoder(bufio.NewReader(bytes.NewReader(p))).DecodeMultiBulk()
}

func (d *Decoder) decodeResp(depth int) (*Resp, error) {
	if depth > MaxNestedDepth {
		return nil, errors.Trace(ErrTooDeep)
	}
	b, err := d.br.ReadByte()
	if err != nil {
		return nil, errors.Trace(err)
	}
	r := &Resp{Type: RespType(b)}
	switch r.Type {
	case TypeString, TypeError, TypeInt:
		r.Value, err = d.decodeTextBytes()
	case TypeBulkBytes:
		r.Value, err = d.decodeBulkBytes()
	case TypeArray:
		r.Array, err = d.decodeArray(depth)
	default:
		return nil, errors.Trace(newProtocolError("bad resp type %s", r.Type))
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Decoder) decodeTextBytes() ([]byte, error) {
	b, err := d.br.ReadBytes('\n')
	if err != nil {
		return nil, errors.Trace(err)
	}
	n := len(b) - 2
	if n < 0 || b[n] != '\r' {
		return nil, errors.Trace(ErrBadCRLFEnd)
	}
	return b[:n], nil
}

func (d *Decoder) decodeInt() (int64, error) {
	b, err := d.decodeTextBytes()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, errors.Trace(newProtocolError("bad int %q", b))
	}
	return n, nil
}

func (d *Decoder) decodeBulkBytes() ([]byte, error) {
	n, err := d.decodeInt()
	if err != nil {
		return nil, err
	}
	switch {
	case n < -1 || n > MaxBulkBytesLen:
		return nil, errors.Trace(ErrBadBulkBytesLen)
	case n == -1:
		return nil, nil
	}
	b := make([]byte, n+2)
	if _, err := io.ReadFull(d.br, b); err != nil {
		return nil, errors.Trace(err)
	}
	if b[n] != '\r' || b[n+1] != '\n' {
		return nil, errors.Trace(ErrBadCRLFEnd)
	}
	return b[:n:n], nil
}

func (d *Decoder) decodeArray(depth int) ([]*Resp, error) {
	n, err := d.decodeInt()
	if err != nil {
		return nil, err
	}
	switch {
	case n < -1 || n > MaxArrayLen:
		return nil, errors.Trace(ErrBadArrayLen)
	case n == -1:
		return nil, nil
	}
	array := make([]*Resp, n)
	for i := range array {
		if array[i], err = d.decodeResp(depth + 1); err != nil {
			return nil, err
		}
	}
	return array, nil
}

func (d *Decoder) decodeMultiBulk() ([]*Resp, error) {
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if RespType(b) != TypeArray {
			if err := d.br.UnreadByte(); err != nil {
				return nil, errors.Trace(err)
			}
			multi, err := d.decodeInline()
			if err != nil || len(multi) != 0 {
				return multi, err
			}
			continue
		}
		n, err := d.decodeInt()
		if err != nil {
			return nil, err
		}
		if n < 0 || n > MaxArrayLen {
			return nil, errors.Trace(ErrBadArrayLen)
		}
		multi := make([]*Resp, n)
		for i := range multi {
			r, err := d.decodeResp(1)
			if err != nil {
				return nil, err
			}
			if r.Type != TypeBulkBytes {
				return nil, errors.Trace(ErrBadMultiBulk)
			}
			multi[i] = r
		}
		return multi, nil
	}
}

func (d *Decoder) decodeInline() ([]*Resp, error) {
	b, err := d.decodeTextBytes()
	if err != nil {
		return nil, err
	}
	fields := bytes.Fields(b)
	multi := make([]*Resp, len(fields))
	for i, f := range fields {
		multi[i] = NewBulkBytes(f)
	}
	return multi, nil
}
