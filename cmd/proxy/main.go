// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/proxy"
	"github.com/pikaproxy/pika-proxy/pkg/utils"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

func main() {
	const usage = `
Usage:
	pika-proxy [--ncpu=N] [--config=CONF] [--log=FILE] [--log-level=LEVEL] [--host-admin=ADDR] [--host-proxy=ADDR] [--product_name=NAME] [--product_auth=AUTH] [--filesystem=ROOT|--zookeeper=ADDR|--etcd=ADDR] [--fillslots=FILE] [--pidfile=FILE]
	pika-proxy  --default-config
	pika-proxy  --version

Options:
	--ncpu=N                    set runtime.GOMAXPROCS to N, default is runtime.NumCPU().
	-c CONF, --config=CONF      run with the specific configuration.
	-l FILE, --log=FILE         set path/name of daliy rotated log file.
	--log-level=LEVEL           set the log-level, should be INFO,WARN,DEBUG or ERROR, default is INFO.
	--filesystem=ROOT           load slots and masters from a local directory.
	--zookeeper=ADDR            load slots and masters from zookeeper.
	--etcd=ADDR                 load slots and masters from etcd.
	--fillslots=FILE            fill the slot table from a json file and go online.
	--pidfile=FILE              write the process id into FILE.
`

	d, err := docopt.Parse(usage, nil, true, "", false)
	if err != nil {
		log.PanicErrorf(err, "parse arguments failed")
	}

	switch {

	case utils.ArgumentBool(d, "--default-config"):
		fmt.Println(proxy.DefaultConfig)
		return

	case utils.ArgumentBool(d, "--version"):
		fmt.Println("version:", utils.Version)
		fmt.Println("compile:", utils.Compile)
		return

	}

	if s, ok := utils.Argument(d, "--log"); ok {
		w, err := log.NewRollingFile(s, log.DailyRolling)
		if err != nil {
			log.PanicErrorf(err, "open log file %s failed", s)
		} else {
			log.StdLog = log.New(w, "")
		}
	}
	log.SetLevel(log.LevelInfo)

	if s, ok := utils.Argument(d, "--log-level"); ok {
		if !log.SetLevelString(s) {
			log.Panicf("option --log-level = %s", s)
		}
	}

	if n, ok := utils.ArgumentInteger(d, "--ncpu"); ok {
		runtime.GOMAXPROCS(n)
	} else {
		runtime.GOMAXPROCS(runtime.NumCPU())
	}
	log.Warnf("set ncpu = %d", runtime.GOMAXPROCS(0))

	config := proxy.NewDefaultConfig()
	if s, ok := utils.Argument(d, "--config"); ok {
		if err := config.LoadFromFile(s); err != nil {
			log.PanicErrorf(err, "load config %s failed", s)
		}
	}
	if s, ok := utils.Argument(d, "--host-admin"); ok {
		config.HostAdmin = s
		log.Warnf("option --host-admin = %s", s)
	}
	if s, ok := utils.Argument(d, "--host-proxy"); ok {
		config.HostProxy = s
		log.Warnf("option --host-proxy = %s", s)
	}
	if s, ok := utils.Argument(d, "--product_name"); ok {
		config.ProductName = s
		log.Warnf("option --product_name = %s", s)
	}
	if s, ok := utils.Argument(d, "--product_auth"); ok {
		config.ProductAuth = s
		log.Warnf("option --product_auth = %s", s)
	}

	for _, name := range []string{"filesystem", "zookeeper", "etcd"} {
		if s, ok := utils.Argument(d, "--"+name); ok {
			config.CoordinatorName = name
			config.CoordinatorAddr = s
			log.Warnf("option --%s = %s", name, s)
		}
	}
	if err := config.Validate(); err != nil {
		log.PanicErrorf(err, "invalid config")
	}

	var slots []*models.Slot
	if s, ok := utils.Argument(d, "--fillslots"); ok {
		if config.CoordinatorName != "" {
			log.Panicf("option --fillslots conflicts with coordinator %s", config.CoordinatorName)
		}
		slots = loadSlots(s)
	}

	s, err := proxy.New(config)
	if err != nil {
		log.PanicErrorf(err, "create proxy with config file failed\n%s", config)
	}
	defer s.Close()

	log.Warnf("create proxy with config\n%s", config)

	if f, ok := utils.Argument(d, "--pidfile"); ok {
		if err := os.WriteFile(f, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			log.PanicErrorf(err, "write pidfile = '%s' failed", f)
		}
		defer func() {
			if err := os.Remove(f); err != nil {
				log.WarnErrorf(err, "remove pidfile = '%s' failed", f)
			}
		}()
	}

	go func() {
		defer s.Close()
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

		sig := <-c
		log.Warnf("[%p] proxy receive signal = '%v'", s, sig)
	}()

	switch {
	case slots != nil:
		if err := s.FillSlots(slots); err != nil {
			log.PanicErrorf(err, "fill slots failed")
		}
		goOnline(s)
	case config.CoordinatorName == "":
		goOnline(s)
	}

	for !s.IsClosed() {
		time.Sleep(time.Second)
	}

	log.Warnf("[%p] proxy exiting ...", s)
}

func loadSlots(file string) []*models.Slot {
	b, err := os.ReadFile(file)
	if err != nil {
		log.PanicErrorf(err, "read slots file %s failed", file)
	}
	var slots []*models.Slot
	if err := json.Unmarshal(b, &slots); err != nil {
		log.PanicErrorf(err, "decode slots file %s failed", file)
	}
	log.Warnf("load %d slots from %s", len(slots), file)
	return slots
}

func goOnline(s *proxy.Proxy) {
	if err := s.Start(); err != nil {
		log.PanicErrorf(err, "start proxy failed")
	}
	log.Warnf("[%p] proxy is online", s)
}
