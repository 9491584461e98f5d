// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindProtocol
	KindValidation
	KindBackpressure
	KindInitialize
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindBackpressure:
		return "backpressure"
	case KindInitialize:
		return "initialize"
	}
	return "unknown"
}

// Error tags a failure with the kind that decides how far it propagates.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == kind {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of err. Untagged framing errors count as
// protocol errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if redis.IsProtocolError(err) {
		return KindProtocol
	}
	return KindUnknown
}

func IsNetworkError(err error) bool      { return KindOf(err) == KindNetwork }
func IsProtocolError(err error) bool     { return KindOf(err) == KindProtocol }
func IsValidationError(err error) bool   { return KindOf(err) == KindValidation }
func IsBackpressureError(err error) bool { return KindOf(err) == KindBackpressure }

var (
	ErrEmptyRequest  = &Error{KindProtocol, errors.New("empty command array")}
	ErrBadOpStrLen   = &Error{KindProtocol, errors.New("bad command length, command name is empty")}
	ErrNotAllowed    = &Error{KindValidation, errors.New("command is not allowed")}
	ErrInvalidSlotId = &Error{KindValidation, errors.New("invalid slot id")}
	ErrLockedNoFrom  = &Error{KindValidation, errors.New("locked slot requires migrate_from")}
	ErrBackpressure  = &Error{KindBackpressure, errors.New("too many pipelined requests")}

	ErrBackendClosed  = &Error{KindNetwork, errors.New("backend conn is closed")}
	ErrBackendBackoff = &Error{KindNetwork, errors.New("backend conn is reconnecting")}
	ErrSlotNotReady   = &Error{KindNetwork, errors.New("slot is not ready, backend address is empty")}

	ErrClosedProxy     = errors.New("use of closed proxy")
	ErrRouterNotOnline = errors.New("router is not online")
	ErrRespIsRequired  = errors.New("resp is required")
)
