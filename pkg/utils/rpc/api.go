// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
	"github.com/pikaproxy/pika-proxy/pkg/utils/trace"
)

// StatusRemoteError marks a body holding a serialized RemoteError.
const StatusRemoteError = 800

var client = &http.Client{
	Transport: &http.Transport{
		DialContext:     (&net.Dialer{Timeout: time.Second}).DialContext,
		IdleConnTimeout: time.Minute,
	},
	Timeout: time.Minute,
}

type RemoteError struct {
	Cause string
	Stack trace.Stack
}

func (e *RemoteError) Error() string {
	return e.Cause
}

func (e *RemoteError) TracedError() error {
	return &errors.TracedError{
		Cause: errors.New("[Remote Error] " + e.Cause),
		Stack: e.Stack,
	}
}

func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	if e, ok := err.(*RemoteError); ok {
		return e
	}
	return &RemoteError{Cause: err.Error(), Stack: errors.Stack(err)}
}

func marshalJson(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "    ")
}

func requestJson(method, url string, args, reply interface{}) error {
	var body io.Reader
	if args != nil {
		b, err := marshalJson(args)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	rsp, err := client.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer rsp.Body.Close()

	b, err := io.ReadAll(rsp.Body)
	log.Debugf("call rpc [%s] %s in %v", method, url, time.Since(start))
	if err != nil {
		return errors.Trace(err)
	}

	switch rsp.StatusCode {
	case http.StatusOK:
		if reply == nil || len(b) == 0 {
			return nil
		}
		return errors.Trace(json.Unmarshal(b, reply))
	case StatusRemoteError:
		if len(b) == 0 {
			return errors.Errorf("remote error is empty")
		}
		e := &RemoteError{}
		if err := json.Unmarshal(b, e); err != nil {
			return errors.Trace(err)
		}
		return e.TracedError()
	default:
		return errors.Errorf("[%d] %s - %s", rsp.StatusCode, http.StatusText(rsp.StatusCode), url)
	}
}

func ApiGetJson(url string, reply interface{}) error {
	return requestJson(http.MethodGet, url, nil, reply)
}

func ApiPutJson(url string, args, reply interface{}) error {
	return requestJson(http.MethodPut, url, args, reply)
}

func ApiPostJson(url string, args interface{}) error {
	return requestJson(http.MethodPost, url, args, nil)
}

// ApiResponseError and ApiResponseJson produce martini (status, body) pairs.
func ApiResponseError(err error) (int, string) {
	if err == nil {
		return StatusRemoteError, ""
	}
	b, err := marshalJson(NewRemoteError(err))
	if err != nil {
		return StatusRemoteError, ""
	}
	return StatusRemoteError, string(b)
}

func ApiResponseJson(v interface{}) (int, string) {
	b, err := marshalJson(v)
	if err != nil {
		return ApiResponseError(errors.Trace(err))
	}
	return http.StatusOK, string(b)
}

func EncodeURL(host string, format string, args ...interface{}) string {
	u := url.URL{Scheme: "http", Host: host, Path: fmt.Sprintf(format, args...)}
	return u.String()
}
