// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package redis

import (
	"bufio"
	"net"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

// Conn pairs a socket with a decoder and encoder. Read and write deadlines
// are refreshed before each socket call when the timeouts are non-zero.
type Conn struct {
	Sock net.Conn

	*Decoder
	*Encoder

	ReaderTimeout time.Duration
	WriterTimeout time.Duration

	LastWrite time.Time
}

func DialTimeout(addr string, timeout time.Duration, rbuf, wbuf int) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewConn(c, rbuf, wbuf), nil
}

func NewConn(sock net.Conn, rbuf, wbuf int) *Conn {
	c := &Conn{Sock: sock}
	c.Decoder = NewDecoder(bufio.NewReaderSize(&connReader{c}, rbuf))
	c.Encoder = NewEncoder(bufio.NewWriterSize(&connWriter{c}, wbuf))
	return c
}

func (c *Conn) LocalAddr() string {
	return c.Sock.LocalAddr().String()
}

func (c *Conn) RemoteAddr() string {
	return c.Sock.RemoteAddr().String()
}

func (c *Conn) Close() error {
	return c.Sock.Close()
}

func (c *Conn) CloseReader() error {
	if t, ok := c.Sock.(*net.TCPConn); ok {
		return t.CloseRead()
	}
	return c.Close()
}

func (c *Conn) SetKeepAlivePeriod(d time.Duration) error {
	t, ok := c.Sock.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := t.SetKeepAlive(d != 0); err != nil {
		return errors.Trace(err)
	}
	if d != 0 {
		return errors.Trace(t.SetKeepAlivePeriod(d))
	}
	return nil
}

// Do sends one command and waits for its reply, for out-of-band calls
// such as AUTH on connect or a migration command.
func (c *Conn) Do(multi []*Resp) (*Resp, error) {
	if err := c.EncodeMultiBulk(multi, true); err != nil {
		return nil, err
	}
	return c.Decode()
}

func (c *Conn) FlushEncoder() *FlushEncoder {
	return &FlushEncoder{Conn: c}
}

type connReader struct {
	*Conn
}

func (r *connReader) Read(b []byte) (int, error) {
	var deadline time.Time
	if r.ReaderTimeout != 0 {
		deadline = time.Now().Add(r.ReaderTimeout)
	}
	if err := r.Sock.SetReadDeadline(deadline); err != nil {
		return 0, errors.Trace(err)
	}
	n, err := r.Sock.Read(b)
	return n, errors.Trace(err)
}

type connWriter struct {
	*Conn
}

func (w *connWriter) Write(b []byte) (int, error) {
	var deadline time.Time
	if w.WriterTimeout != 0 {
		deadline = time.Now().Add(w.WriterTimeout)
	}
	if err := w.Sock.SetWriteDeadline(deadline); err != nil {
		return 0, errors.Trace(err)
	}
	n, err := w.Sock.Write(b)
	w.LastWrite = time.Now()
	return n, errors.Trace(err)
}

func IsTimeout(err error) bool {
	e, ok := errors.Cause(err).(net.Error)
	return ok && e.Timeout()
}

// FlushEncoder batches writes and flushes once MaxBuffered messages are
// pending or MaxInterval has passed since the last socket write.
type FlushEncoder struct {
	Conn *Conn

	MaxInterval time.Duration
	MaxBuffered int

	nbuffered int
}

func (p *FlushEncoder) NeedFlush() bool {
	if p.nbuffered == 0 {
		return false
	}
	return p.nbuffered > p.MaxBuffered || time.Since(p.Conn.LastWrite) > p.MaxInterval
}

func (p *FlushEncoder) Flush(force bool) error {
	if !force && !p.NeedFlush() {
		return nil
	}
	if err := p.Conn.Encoder.Flush(); err != nil {
		return err
	}
	p.nbuffered = 0
	return nil
}

func (p *FlushEncoder) Encode(r *Resp) error {
	if err := p.Conn.Encode(r, false); err != nil {
		return err
	}
	p.nbuffered++
	return nil
}

func (p *FlushEncoder) EncodeMultiBulk(multi []*Resp) error {
	if err := p.Conn.EncodeMultiBulk(multi, false); err != nil {
		return err
	}
	p.nbuffered++
	return nil
}
