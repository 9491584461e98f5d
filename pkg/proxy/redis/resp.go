// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package redis

import (
	"fmt"
	"strconv"
)

type RespType byte

const (
	TypeString    RespType = '+'
	TypeError     RespType = '-'
	TypeInt       RespType = ':'
	TypeBulkBytes RespType = '$'
	TypeArray     RespType = '*'
)

func (t RespType) String() string {
	switch t {
	case TypeString:
		return "<string>"
	case TypeError:
		return "<error>"
	case TypeInt:
		return "<int>"
	case TypeBulkBytes:
		return "<bulkbytes>"
	case TypeArray:
		return "<array>"
	}
	if c := byte(t); c > 0x20 && c < 0x7f {
		return fmt.Sprintf("<unknown-%c>", c)
	}
	return fmt.Sprintf("<unknown-0x%02x>", byte(t))
}

// Resp is one decoded value. A nil Value on a bulk string and a nil Array
// on an array encode as the null forms ($-1 and *-1).
type Resp struct {
	Type RespType

	Value []byte
	Array []*Resp
}

func (r *Resp) IsString() bool    { return r.Type == TypeString }
func (r *Resp) IsError() bool     { return r.Type == TypeError }
func (r *Resp) IsInt() bool       { return r.Type == TypeInt }
func (r *Resp) IsBulkBytes() bool { return r.Type == TypeBulkBytes }
func (r *Resp) IsArray() bool     { return r.Type == TypeArray }

// Int parses the textual value of an integer reply.
func (r *Resp) Int() (int64, error) {
	if r.Type != TypeInt {
		return 0, newProtocolError("expect %s, but got %s", TypeInt, r.Type)
	}
	return strconv.ParseInt(string(r.Value), 10, 64)
}

func NewString(value []byte) *Resp {
	return &Resp{Type: TypeString, Value: value}
}

func NewError(value []byte) *Resp {
	return &Resp{Type: TypeError, Value: value}
}

func NewErrorf(format string, args ...interface{}) *Resp {
	return NewError([]byte(fmt.Sprintf(format, args...)))
}

func NewInt(value []byte) *Resp {
	return &Resp{Type: TypeInt, Value: value}
}

func NewIntValue(n int64) *Resp {
	return NewInt(strconv.AppendInt(nil, n, 10))
}

func NewBulkBytes(value []byte) *Resp {
	return &Resp{Type: TypeBulkBytes, Value: value}
}

func NewArray(array []*Resp) *Resp {
	return &Resp{Type: TypeArray, Array: array}
}

// NewCommand builds a request of bulk strings.
func NewCommand(cmd string, args ...interface{}) []*Resp {
	multi := make([]*Resp, 0, len(args)+1)
	multi = append(multi, NewBulkBytes([]byte(cmd)))
	for _, a := range args {
		switch x := a.(type) {
		case []byte:
			multi = append(multi, NewBulkBytes(x))
		case string:
			multi = append(multi, NewBulkBytes([]byte(x)))
		default:
			multi = append(multi, NewBulkBytes([]byte(fmt.Sprint(x))))
		}
	}
	return multi
}

// ProtocolError reports malformed wire data.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func newProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
