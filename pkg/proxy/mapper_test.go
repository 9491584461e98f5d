// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"bytes"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
)

func TestGetOpStr(t *testing.T) {
	var m = map[string]string{
		"get":     "GET",
		"aBc":     "ABC",
		"おはよ":     "おはよ",
		"ni hao!": "NI HAO!",
		"":        "",
	}
	for k, v := range m {
		var multi = []*redis.Resp{redis.NewBulkBytes([]byte(k))}
		info, err := getOpInfo(multi)
		if v != "" {
			assert.MustNoError(err)
			assert.Must(info.Name == v)
		} else {
			assert.Must(err == ErrBadOpStrLen)
		}
	}
}

func TestGetOpInfoErrors(t *testing.T) {
	_, err := getOpInfo(nil)
	assert.Must(err == ErrEmptyRequest)

	_, err = getOpInfo([]*redis.Resp{})
	assert.Must(err == ErrEmptyRequest)

	_, err = getOpInfo([]*redis.Resp{redis.NewBulkBytes(nil)})
	assert.Must(err == ErrBadOpStrLen)

	for _, n := range []int{MaxOpStrLen, MaxOpStrLen + 1, 4096} {
		name := bytes.Repeat([]byte("x"), n)
		info, err := getOpInfo(redis.NewCommand(string(name), "k"))
		assert.MustNoError(err)
		assert.Must(info.Name == strings.Repeat("X", n))
		assert.Must(info.Flag == FlagMayWrite && info.KeyIndex == 1)
	}
}

func TestClassify(t *testing.T) {
	var tests = []struct {
		name       string
		notAllowed bool
		readOnly   bool
		index      int
	}{
		{"get", false, true, 1},
		{"Set", false, false, 1},
		{"hscan", false, false, 1},
		{"zunionstore", false, false, 3},
		{"keys", true, true, 0},
		{"flushall", true, false, 0},
		{"multi", true, true, 0},
		{"ping", false, true, 0},
		{"slotsscan", false, false, 0},
		{"unknowncmd", false, false, 1},
		{strings.Repeat("long", 32), false, false, 1},
	}
	for _, e := range tests {
		info := classify([]byte(e.name))
		assert.Must(info.Flag.IsNotAllowed() == e.notAllowed)
		assert.Must(info.Flag.IsReadOnly() == e.readOnly)
		assert.Must(info.Flag.IsMasterOnly() == !e.readOnly)
		assert.Must(info.KeyIndex == e.index)
	}
}

func TestClassifyTotal(t *testing.T) {
	for name, info := range opTable {
		assert.Must(classify([]byte(name)) == info)
		assert.Must(info.KeyIndex >= 0)
		if info.Flag.IsNotAllowed() {
			assert.Must(info.KeyIndex == 0)
		}
	}
}

func TestHashTag(t *testing.T) {
	var keys = [][]byte{
		[]byte("{user1000}.following"),
		[]byte("{user1000}.followers"),
		[]byte("prefix{user1000}"),
		[]byte("user1000"),
	}
	for _, key := range keys {
		assert.Must(Hash(key) == crc32.ChecksumIEEE([]byte("user1000")))
		assert.Must(HashSlot(key) == HashSlot([]byte("user1000")))
	}

	for _, key := range []string{"foo{", "foo}", "}foo{", "foo"} {
		assert.Must(Hash([]byte(key)) == crc32.ChecksumIEEE([]byte(key)))
	}

	assert.Must(Hash([]byte("{}")) == crc32.ChecksumIEEE(nil))
	assert.Must(Hash([]byte("a{b}c{d}")) == crc32.ChecksumIEEE([]byte("b")))
}

func TestHashSlotRange(t *testing.T) {
	for i := 0; i < 10000; i++ {
		key := []byte{byte(i), byte(i >> 8), 'k'}
		id := HashSlot(key)
		assert.Must(id >= 0 && id < MaxSlotNum)
		assert.Must(HashSlot(key) == id)
	}
}

func TestGetHashKey(t *testing.T) {
	multi := redis.NewCommand("GET", "foo")
	assert.Must(string(getHashKey(multi, 1)) == "foo")
	assert.Must(getHashKey(multi, 0) == nil)
	assert.Must(getHashKey(multi, 2) == nil)
	assert.Must(getHashKey(multi, -1) == nil)
}
