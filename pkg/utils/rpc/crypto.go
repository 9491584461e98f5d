// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package rpc

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sort"
	"strings"
)

// NewToken derives a host-stable identifier from the hardware addresses of
// local interfaces and the given segments.
func NewToken(segs ...string) string {
	var macs []string
	ifs, _ := net.Interfaces()
	for _, i := range ifs {
		if s := i.HardwareAddr.String(); s != "" {
			macs = append(macs, s)
		}
	}
	sort.Strings(macs)

	var b strings.Builder
	b.WriteString("Pika-Token@[" + strings.Join(macs, " ") + "]")
	for _, s := range segs {
		b.WriteString("-{" + s + "}")
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NewXAuth derives the admin API credential from product name and auth.
func NewXAuth(segs ...string) string {
	var b strings.Builder
	b.WriteString("Pika-XAuth")
	for _, s := range segs {
		b.WriteString("-[" + s + "]")
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
