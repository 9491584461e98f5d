// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
)

func TestDefaultConfig(t *testing.T) {
	c := NewDefaultConfig()
	assert.MustNoError(c.Validate())
	assert.Must(c.ProductName == "pika-demo")
	assert.Must(c.BackendNumberDatabases == 16)
	assert.Must(c.SessionDrainTimeout.Duration() == time.Second*3)
	assert.Must(c.CoordinatorPollPeriod.Duration() == time.Second*5)
	assert.Must(c.bufsize(0) == 4096)
	assert.Must(c.String() != "")
}

func TestConfigValidate(t *testing.T) {
	var tests = []func(c *Config){
		func(c *Config) { c.ProxyAddr = "" },
		func(c *Config) { c.AdminAddr = "no-port" },
		func(c *Config) { c.CoordinatorName = "consul" },
		func(c *Config) { c.CoordinatorName, c.CoordinatorAddr = "etcd", "" },
		func(c *Config) { c.JodisName = "filesystem" },
		func(c *Config) { c.ProductName = "bad name" },
		func(c *Config) { c.BackendMaxPipeline = 0 },
		func(c *Config) { c.BackendNumberDatabases = 0 },
		func(c *Config) { c.BackendRetryMax = c.BackendRetryMin - 1 },
		func(c *Config) { c.SessionMaxPipeline = 0 },
		func(c *Config) { c.SessionDrainTimeout = -1 },
	}
	for _, fn := range tests {
		c := NewDefaultConfig()
		fn(c)
		err := c.Validate()
		assert.Must(err != nil)
		assert.Must(KindOf(err) == KindInitialize)
	}
}

func TestConfigLoadFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "proxy.toml")
	content := `
product_name = "from-file"
backend_primary_only = true
session_drain_timeout = "10s"
`
	assert.MustNoError(os.WriteFile(file, []byte(content), 0644))

	c := NewDefaultConfig()
	assert.MustNoError(c.LoadFromFile(file))
	assert.Must(c.ProductName == "from-file")
	assert.Must(c.BackendPrimaryOnly)
	assert.Must(c.SessionDrainTimeout.Duration() == time.Second*10)
}
