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

// MaxReplyArrayDepth is the deepest array nesting the reply encoder accepts.
const MaxReplyArrayDepth = 2

var ErrNestedTooDeep = &ProtocolError{"reply array nested too deep"}

var itoaCache [1024 + 64*1024][]byte

func init() {
	for i := range itoaCache {
		itoaCache[i] = []byte(strconv.Itoa(i - 1024))
	}
}

func itob(n int64) []byte {
	if i := n + 1024; i >= 0 && i < int64(len(itoaCache)) {
		return itoaCache[i]
	}
	return strconv.AppendInt(nil, n, 10)
}

type Encoder struct {
	bw *bufio.Writer

	Err error
}

func NewEncoder(bw *bufio.Writer) *Encoder {
	return &Encoder{bw: bw}
}

func NewEncoderSize(w io.Writer, size int) *Encoder {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(w, size)
	}
	return &Encoder{bw: bw}
}

// CheckDepth rejects replies whose arrays nest deeper than
// MaxReplyArrayDepth.
func CheckDepth(r *Resp) error {
	if arrayDepth(r) > MaxReplyArrayDepth {
		return errors.Trace(ErrNestedTooDeep)
	}
	return nil
}

func arrayDepth(r *Resp) int {
	if r == nil || r.Type != TypeArray {
		return 0
	}
	max := 0
	for _, x := range r.Array {
		if d := arrayDepth(x); d > max {
			max = d
		}
	}
	return max + 1
}

// Encode writes one reply. A reply rejected by CheckDepth leaves the stream
// untouched and does not poison the encoder.
func (e *Encoder) Encode(r *Resp, flush bool) error {
	if e.Err != nil {
		return e.Err
	}
	if err := CheckDepth(r); err != nil {
		return err
	}
	return e.done(e.encodeResp(r), flush)
}

// EncodeMultiBulk writes one request as an array of bulk strings.
func (e *Encoder) EncodeMultiBulk(multi []*Resp, flush bool) error {
	if e.Err != nil {
		return e.Err
	}
	err := e.encodeHeader(TypeArray, int64(len(multi)))
	for i := 0; err == nil && i < len(multi); i++ {
		err = e.encodeBulkBytes(multi[i].Value)
	}
	return e.done(err, flush)
}

func (e *Encoder) Flush() error {
	if e.Err != nil {
		return e.Err
	}
	return e.done(nil, true)
}

func (e *Encoder) done(err error, flush bool) error {
	if err == nil && flush {
		err = errors.Trace(e.bw.Flush())
	}
	if err != nil {
		e.Err = err
	}
	return err
}

func Encode(w io.Writer, r *Resp) error {
	return NewEncoderSize(w, 1024).Encode(r, true)
}

func EncodeToBytes(r *Resp) ([]byte, error) {
	var b bytes.Buffer
	err := Encode(&b, r)
	return b.Bytes(), err
}

func EncodeMultiBulkToBytes(multi []*Resp) ([]byte, error) {
	var b bytes.Buffer
	err := NewEncoderSize(&b, 1024).EncodeMultiBulk(multi, true)
	return b.Bytes(), err
}

func (e *Encoder) encodeResp(r *Resp) error {
	switch r.Type {
	case TypeString, TypeError, TypeInt:
		if err := e.bw.WriteByte(byte(r.Type)); err != nil {
			return errors.Trace(err)
		}
		return e.encodeLine(r.Value)
	case TypeBulkBytes:
		return e.encodeBulkBytes(r.Value)
	case TypeArray:
		if r.Array == nil {
			return e.encodeHeader(TypeArray, -1)
		}
		if err := e.encodeHeader(TypeArray, int64(len(r.Array))); err != nil {
			return err
		}
		for _, x := range r.Array {
			if err := e.encodeResp(x); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Trace(newProtocolError("bad resp type %s", r.Type))
}

func (e *Encoder) encodeLine(b []byte) error {
	if _, err := e.bw.Write(b); err != nil {
		return errors.Trace(err)
	}
	_, err := e.bw.WriteString("\r\n")
	return errors.Trace(err)
}

func (e *Encoder) encodeHeader(t RespType, n int64) error {
	if err := e.bw.WriteByte(byte(t)); err != nil {
		return errors.Trace(err)
	}
	return e.encodeLine(itob(n))
}

func (e *Encoder) encodeBulkBytes(b []byte) error {
	if b == nil {
		return e.encodeHeader(TypeBulkBytes, -1)
	}
	if err := e.encodeHeader(TypeBulkBytes, int64(len(b))); err != nil {
		return err
	}
	return e.encodeLine(b)
}
