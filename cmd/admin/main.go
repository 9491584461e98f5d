// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package main

import (
	"github.com/docopt/docopt-go"

	"github.com/pikaproxy/pika-proxy/pkg/utils"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

func main() {
	const usage = `
Usage:
	pika-admin [-v] --proxy=ADDR [--auth=AUTH] [config|model|stats|slots]
	pika-admin [-v] --proxy=ADDR [--auth=AUTH]  --start
	pika-admin [-v] --proxy=ADDR [--auth=AUTH]  --shutdown
	pika-admin [-v] --proxy=ADDR [--auth=AUTH]  --log-level=LEVEL
	pika-admin [-v] --proxy=ADDR [--auth=AUTH]  --fillslots=FILE [--locked]
	pika-admin [-v] --proxy=ADDR [--auth=AUTH]  --switchmasters=FILE
	pika-admin [-v] --proxy=ADDR [--auth=AUTH]  --reset-stats
	pika-admin [-v] --product=NAME (--zookeeper=ADDR [--zookeeper-auth=USR:PWD]|--etcd=ADDR [--etcd-auth=USR:PWD]|--filesystem=ROOT) --config-dump
	pika-admin [-v] --product=NAME (--zookeeper=ADDR [--zookeeper-auth=USR:PWD]|--etcd=ADDR [--etcd-auth=USR:PWD]|--filesystem=ROOT) --config-restore=FILE [--confirm]
	pika-admin [-v] --product=NAME (--zookeeper=ADDR [--zookeeper-auth=USR:PWD]|--etcd=ADDR [--etcd-auth=USR:PWD]|--filesystem=ROOT) --slots-assign --beg=ID --end=ID --addr=ADDR [--confirm]
	pika-admin [-v] --product=NAME (--zookeeper=ADDR [--zookeeper-auth=USR:PWD]|--etcd=ADDR [--etcd-auth=USR:PWD]|--filesystem=ROOT) --switch-masters=FILE
	pika-admin [-v] --product=NAME (--zookeeper=ADDR [--zookeeper-auth=USR:PWD]|--etcd=ADDR [--etcd-auth=USR:PWD]|--filesystem=ROOT) --list-proxy

Options:
	-a AUTH, --auth=AUTH
	-x ADDR, --addr=ADDR
`

	d, err := docopt.Parse(usage, nil, true, "", false)
	if err != nil {
		log.PanicErrorf(err, "parse arguments failed")
	}
	log.SetLevel(log.LevelInfo)

	if utils.ArgumentBool(d, "-v") {
		log.SetLevel(log.LevelDebug)
	}

	switch {
	case d["--proxy"] != nil:
		new(cmdProxy).Main(d)
	default:
		new(cmdAdmin).Main(d)
	}
}
