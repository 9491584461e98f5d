// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

// Package assert aborts the process on violated invariants. Tests use it in
// place of t.Fatal so failures carry a stack.
package assert

import "github.com/pikaproxy/pika-proxy/pkg/utils/log"

func Must(ok bool) {
	if !ok {
		log.Panicf("assertion failed")
	}
}

func Mustf(ok bool, format string, args ...interface{}) {
	if !ok {
		log.Panicf("assertion failed: "+format, args...)
	}
}

func MustNoError(err error) {
	if err != nil {
		log.PanicErrorf(err, "error happens, assertion failed")
	}
}
