// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"bytes"
	"hash/crc32"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/proxy/redis"
)

const MaxSlotNum = models.MaxSlotNum

type OpFlag uint32

const (
	FlagWrite OpFlag = 1 << iota
	FlagMasterOnly
	FlagMayWrite
	FlagNotAllow
)

func (f OpFlag) IsNotAllowed() bool {
	return f&FlagNotAllow != 0
}

// IsReadOnly reports commands that may be served by a replica.
func (f OpFlag) IsReadOnly() bool {
	return f&(FlagWrite|FlagMayWrite|FlagMasterOnly) == 0
}

func (f OpFlag) IsMasterOnly() bool {
	return !f.IsReadOnly()
}

type OpInfo struct {
	Name string
	Flag OpFlag

	// KeyIndex is the argument hashed for slot selection, 0 if none.
	KeyIndex int
}

var opTable = make(map[string]OpInfo, 256)

// MaxOpStrLen is the longest name classify uppercases on the stack.
const MaxOpStrLen = 64

func register(flag OpFlag, index int, names ...string) {
	for _, name := range names {
		opTable[name] = OpInfo{Name: name, Flag: flag, KeyIndex: index}
	}
}

func init() {
	register(0, 1,
		"BITCOUNT", "BITPOS", "DUMP", "EXISTS", "GEODIST", "GEOHASH", "GEOPOS",
		"GET", "GETBIT", "GETRANGE", "HEXISTS", "HGET", "HGETALL", "HKEYS",
		"HLEN", "HMGET", "HSTRLEN", "HVALS", "LINDEX", "LLEN", "LRANGE", "MGET",
		"PFCOUNT", "PTTL", "SCARD", "SDIFF", "SINTER", "SISMEMBER", "SMEMBERS",
		"SRANDMEMBER", "STRLEN", "SUBSTR", "SUNION", "TTL", "TYPE", "ZCARD",
		"ZCOUNT", "ZLEXCOUNT", "ZRANGE", "ZRANGEBYLEX", "ZRANGEBYSCORE",
		"ZRANK", "ZREVRANGE", "ZREVRANGEBYLEX", "ZREVRANGEBYSCORE", "ZREVRANK",
		"ZSCORE",
	)
	register(FlagWrite, 1,
		"APPEND", "BITFIELD", "DECR", "DECRBY", "DEL", "EXPIRE", "EXPIREAT",
		"GEOADD", "GEORADIUS", "GEORADIUSBYMEMBER", "GETSET", "HDEL",
		"HINCRBY", "HINCRBYFLOAT", "HMSET", "HSET", "HSETNX", "INCR", "INCRBY",
		"INCRBYFLOAT", "LINSERT", "LPOP", "LPUSH", "LPUSHX", "LREM", "LSET",
		"LTRIM", "MSET", "PERSIST", "PEXPIRE", "PEXPIREAT", "PFADD", "PFDEBUG",
		"PFMERGE", "PSETEX", "RPOP", "RPOPLPUSH", "RPUSH", "RPUSHX", "SADD",
		"SDIFFSTORE", "SET", "SETBIT", "SETEX", "SETNX", "SETRANGE",
		"SINTERSTORE", "SLOTSRESTORE", "SMOVE", "SORT", "SPOP", "SREM",
		"SUNIONSTORE", "TOUCH", "UNLINK", "ZADD", "ZINCRBY", "ZREM",
		"ZREMRANGEBYLEX", "ZREMRANGEBYRANK", "ZREMRANGEBYSCORE",
	)
	register(FlagWrite, 3, "ZINTERSTORE", "ZUNIONSTORE", "EVAL", "EVALSHA")
	register(FlagMasterOnly, 1, "HSCAN", "SSCAN", "ZSCAN")
	register(FlagMasterOnly, 0, "SLOTSSCAN")

	// handled by the session or forwarded without a key
	register(0, 0,
		"AUTH", "COMMAND", "ECHO", "INFO", "PFSELFTEST", "PING", "PUBSUB",
		"QUIT", "ROLE", "SELECT", "SLOTSHASHKEY", "SLOTSINFO", "SLOTSMAPPING",
	)

	register(FlagNotAllow, 0,
		"ASKING", "BGREWRITEAOF", "BGSAVE", "CLIENT", "CLUSTER", "CONFIG",
		"DBSIZE", "DEBUG", "DISCARD", "EXEC", "HOST:", "KEYS", "LASTSAVE",
		"LATENCY", "MONITOR", "MULTI", "OBJECT", "POST", "PSUBSCRIBE", "PSYNC",
		"PUBLISH", "PUNSUBSCRIBE", "RANDOMKEY", "READONLY", "READWRITE",
		"REPLCONF", "SAVE", "SCRIPT", "SHUTDOWN", "SLAVEOF", "SLOTSCHECK",
		"SLOTSMGRT-ASYNC-CANCEL", "SLOTSMGRT-ASYNC-FENCE",
		"SLOTSMGRT-ASYNC-STATUS", "SLOWLOG", "SUBSCRIBE", "SYNC", "TIME",
		"UNSUBSCRIBE", "UNWATCH", "WAIT", "WATCH",
	)
	register(FlagWrite|FlagNotAllow, 0,
		"BITOP", "BLPOP", "BRPOP", "BRPOPLPUSH", "FLUSHALL", "FLUSHDB",
		"MIGRATE", "MOVE", "MSETNX", "RENAME", "RENAMENX", "RESTORE",
		"RESTORE-ASKING", "SLOTSDEL", "SLOTSMGRTONE", "SLOTSMGRTSLOT",
		"SLOTSMGRTTAGONE", "SLOTSMGRTTAGSLOT", "SLOTSMGRTONE-ASYNC",
		"SLOTSMGRTSLOT-ASYNC", "SLOTSMGRTTAGONE-ASYNC",
		"SLOTSMGRTTAGSLOT-ASYNC", "SLOTSMGRT-EXEC-WRAPPER",
		"SLOTSRESTORE-ASYNC", "SLOTSRESTORE-ASYNC-AUTH",
		"SLOTSRESTORE-ASYNC-ACK",
	)
	register(FlagMasterOnly|FlagNotAllow, 0, "SCAN")
}

var upper [256]byte

func init() {
	for i := range upper {
		upper[i] = byte(i)
		if i >= 'a' && i <= 'z' {
			upper[i] = byte(i - 'a' + 'A')
		}
	}
}

// classify maps a command name onto its table entry. Unknown names are
// forwarded to the primary with the first argument as key.
func classify(name []byte) OpInfo {
	var buf [MaxOpStrLen]byte
	var op []byte
	if len(name) <= len(buf) {
		op = buf[:len(name)]
	} else {
		op = make([]byte, len(name))
	}
	for i, c := range name {
		op[i] = upper[c]
	}
	if info, ok := opTable[string(op)]; ok {
		return info
	}
	return OpInfo{Name: string(op), Flag: FlagMayWrite, KeyIndex: 1}
}

func getOpInfo(multi []*redis.Resp) (OpInfo, error) {
	if len(multi) == 0 {
		return OpInfo{}, ErrEmptyRequest
	}
	name := multi[0].Value
	if len(name) == 0 {
		return OpInfo{}, ErrBadOpStrLen
	}
	return classify(name), nil
}

// Hash returns the crc32 of key, or of its {tag} when one is present.
func Hash(key []byte) uint32 {
	if beg := bytes.IndexByte(key, '{'); beg >= 0 {
		if end := bytes.IndexByte(key[beg+1:], '}'); end >= 0 {
			key = key[beg+1 : beg+1+end]
		}
	}
	return crc32.ChecksumIEEE(key)
}

func HashSlot(key []byte) int {
	return int(Hash(key) % MaxSlotNum)
}

func getHashKey(multi []*redis.Resp, index int) []byte {
	if index <= 0 || index >= len(multi) {
		return nil
	}
	return multi[index].Value
}
