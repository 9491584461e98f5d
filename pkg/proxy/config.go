// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"bytes"
	"net"

	"github.com/BurntSushi/toml"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils/bytesize"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
	"github.com/pikaproxy/pika-proxy/pkg/utils/timesize"
)

const DefaultConfig = `
##################################################
#                                                #
#                   Pika-Proxy                   #
#                                                #
##################################################

# Set product {name/auth}. The auth is sent to every backend on connect.
product_name = "pika-demo"
product_auth = ""

# Set auth for client sessions.
session_auth = ""

# Set bind address for admin(rpc), tcp only.
admin_addr = "0.0.0.0:11080"

# Set bind address for proxy, proto_type can be "tcp", "tcp4", "tcp6", "unix" or "unixpacket".
proto_type = "tcp4"
proxy_addr = "0.0.0.0:19000"

# Set registry the slot table is loaded from and watched on.
# Only accept "zookeeper", "etcd" or "filesystem".
coordinator_name = ""
coordinator_addr = ""
coordinator_auth = ""
coordinator_poll_period = "5s"

# Set jodis address & session timeout, only accept "zookeeper" & "etcd".
jodis_name = ""
jodis_addr = ""
jodis_auth = ""
jodis_timeout = "20s"

# Set datacenter of proxy.
proxy_datacenter = ""

# Set max number of alive sessions.
proxy_max_clients = 1000

# Set backend ping period, 0 to disable.
backend_ping_period = "5s"

# Set backend recv buffer size & timeout.
backend_recv_bufsize = "128kb"
backend_recv_timeout = "30s"

# Set backend send buffer & timeout.
backend_send_bufsize = "128kb"
backend_send_timeout = "30s"

# Set backend pipeline buffer size.
backend_max_pipeline = 20480

# Set backend never read replica groups, default is false.
backend_primary_only = false

# Set backend parallel connections per server.
backend_primary_parallel = 1
backend_replica_parallel = 1

# Set backend tcp keepalive period. 0 to disable.
backend_keepalive_period = "75s"

# Set number of databases of backend.
backend_number_databases = 16

# Set backend dial timeout and reconnect backoff bounds.
backend_dial_timeout = "5s"
backend_retry_min = "100ms"
backend_retry_max = "5s"

# Close backend connections idle for longer than this, 0 to keep forever.
backend_idle_retention = "10m"

# If there is no request from client for a long time, the connection will be closed. (0 to disable)
# Set session recv buffer size & timeout.
session_recv_bufsize = "128kb"
session_recv_timeout = "30m"

# Set session send buffer size & timeout.
session_send_bufsize = "64kb"
session_send_timeout = "30s"

# Make sure this is higher than the max number of requests for each pipeline request, or your client may be blocked.
# Set session pipeline buffer size.
session_max_pipeline = 10000

# Set session tcp keepalive period. (0 to disable)
session_keepalive_period = "75s"

# Set session to be sensitive to failures. Default is false, instead of closing socket, proxy will send an error response to client.
session_break_on_failure = false

# Time a closing session waits for in-flight requests.
session_drain_timeout = "3s"

# Set metrics server (such as http://localhost:28000), proxy will report json formatted metrics to specified server in a predefined period.
metrics_report_server = ""
metrics_report_period = "1s"

# Set influxdb server (such as http://localhost:8086), proxy will report metrics to influxdb.
metrics_report_influxdb_server = ""
metrics_report_influxdb_period = "1s"
metrics_report_influxdb_username = ""
metrics_report_influxdb_password = ""
metrics_report_influxdb_database = ""

# Set statsd server (such as localhost:8125), proxy will report metrics to statsd.
metrics_report_statsd_server = ""
metrics_report_statsd_period = "1s"
metrics_report_statsd_prefix = ""
`

type Config struct {
	ProtoType string `toml:"proto_type" json:"proto_type"`
	ProxyAddr string `toml:"proxy_addr" json:"proxy_addr"`
	AdminAddr string `toml:"admin_addr" json:"admin_addr"`

	HostProxy string `toml:"-" json:"-"`
	HostAdmin string `toml:"-" json:"-"`

	CoordinatorName       string            `toml:"coordinator_name" json:"coordinator_name"`
	CoordinatorAddr       string            `toml:"coordinator_addr" json:"coordinator_addr"`
	CoordinatorAuth       string            `toml:"coordinator_auth" json:"-"`
	CoordinatorPollPeriod timesize.Duration `toml:"coordinator_poll_period" json:"coordinator_poll_period"`

	JodisName    string            `toml:"jodis_name" json:"jodis_name"`
	JodisAddr    string            `toml:"jodis_addr" json:"jodis_addr"`
	JodisAuth    string            `toml:"jodis_auth" json:"-"`
	JodisTimeout timesize.Duration `toml:"jodis_timeout" json:"jodis_timeout"`

	ProductName string `toml:"product_name" json:"product_name"`
	ProductAuth string `toml:"product_auth" json:"-"`
	SessionAuth string `toml:"session_auth" json:"-"`

	ProxyDataCenter string `toml:"proxy_datacenter" json:"proxy_datacenter"`
	ProxyMaxClients int    `toml:"proxy_max_clients" json:"proxy_max_clients"`

	BackendPingPeriod      timesize.Duration `toml:"backend_ping_period" json:"backend_ping_period"`
	BackendRecvBufsize     bytesize.Int64    `toml:"backend_recv_bufsize" json:"backend_recv_bufsize"`
	BackendRecvTimeout     timesize.Duration `toml:"backend_recv_timeout" json:"backend_recv_timeout"`
	BackendSendBufsize     bytesize.Int64    `toml:"backend_send_bufsize" json:"backend_send_bufsize"`
	BackendSendTimeout     timesize.Duration `toml:"backend_send_timeout" json:"backend_send_timeout"`
	BackendMaxPipeline     int               `toml:"backend_max_pipeline" json:"backend_max_pipeline"`
	BackendPrimaryOnly     bool              `toml:"backend_primary_only" json:"backend_primary_only"`
	BackendPrimaryParallel int               `toml:"backend_primary_parallel" json:"backend_primary_parallel"`
	BackendReplicaParallel int               `toml:"backend_replica_parallel" json:"backend_replica_parallel"`
	BackendKeepAlivePeriod timesize.Duration `toml:"backend_keepalive_period" json:"backend_keepalive_period"`
	BackendNumberDatabases int32             `toml:"backend_number_databases" json:"backend_number_databases"`
	BackendDialTimeout     timesize.Duration `toml:"backend_dial_timeout" json:"backend_dial_timeout"`
	BackendRetryMin        timesize.Duration `toml:"backend_retry_min" json:"backend_retry_min"`
	BackendRetryMax        timesize.Duration `toml:"backend_retry_max" json:"backend_retry_max"`
	BackendIdleRetention   timesize.Duration `toml:"backend_idle_retention" json:"backend_idle_retention"`

	SessionRecvBufsize     bytesize.Int64    `toml:"session_recv_bufsize" json:"session_recv_bufsize"`
	SessionRecvTimeout     timesize.Duration `toml:"session_recv_timeout" json:"session_recv_timeout"`
	SessionSendBufsize     bytesize.Int64    `toml:"session_send_bufsize" json:"session_send_bufsize"`
	SessionSendTimeout     timesize.Duration `toml:"session_send_timeout" json:"session_send_timeout"`
	SessionMaxPipeline     int               `toml:"session_max_pipeline" json:"session_max_pipeline"`
	SessionKeepAlivePeriod timesize.Duration `toml:"session_keepalive_period" json:"session_keepalive_period"`
	SessionBreakOnFailure  bool              `toml:"session_break_on_failure" json:"session_break_on_failure"`
	SessionDrainTimeout    timesize.Duration `toml:"session_drain_timeout" json:"session_drain_timeout"`

	MetricsReportServer           string            `toml:"metrics_report_server" json:"metrics_report_server"`
	MetricsReportPeriod           timesize.Duration `toml:"metrics_report_period" json:"metrics_report_period"`
	MetricsReportInfluxdbServer   string            `toml:"metrics_report_influxdb_server" json:"metrics_report_influxdb_server"`
	MetricsReportInfluxdbPeriod   timesize.Duration `toml:"metrics_report_influxdb_period" json:"metrics_report_influxdb_period"`
	MetricsReportInfluxdbUsername string            `toml:"metrics_report_influxdb_username" json:"metrics_report_influxdb_username"`
	MetricsReportInfluxdbPassword string            `toml:"metrics_report_influxdb_password" json:"-"`
	MetricsReportInfluxdbDatabase string            `toml:"metrics_report_influxdb_database" json:"metrics_report_influxdb_database"`
	MetricsReportStatsdServer     string            `toml:"metrics_report_statsd_server" json:"metrics_report_statsd_server"`
	MetricsReportStatsdPeriod     timesize.Duration `toml:"metrics_report_statsd_period" json:"metrics_report_statsd_period"`
	MetricsReportStatsdPrefix     string            `toml:"metrics_report_statsd_prefix" json:"metrics_report_statsd_prefix"`
}

func NewDefaultConfig() *Config {
	c := &Config{}
	if _, err := toml.Decode(DefaultConfig, c); err != nil {
		log.PanicErrorf(err, "decode toml failed")
	}
	if err := c.Validate(); err != nil {
		log.PanicErrorf(err, "validate config failed")
	}
	return c
}

func (c *Config) LoadFromFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return errors.Trace(err)
	}
	return c.Validate()
}

func (c *Config) String() string {
	var b bytes.Buffer
	e := toml.NewEncoder(&b)
	e.Indent = "    "
	e.Encode(c)
	return b.String()
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return &Error{KindInitialize, errors.Errorf("invalid "+format, args...)}
	}
	if c.ProtoType == "" {
		return invalid("proto_type")
	}
	if c.ProxyAddr == "" {
		return invalid("proxy_addr")
	}
	if c.AdminAddr == "" {
		return invalid("admin_addr")
	}
	if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
		return invalid("admin_addr = %s, %s", c.AdminAddr, err)
	}
	switch c.CoordinatorName {
	case "", "zk", "zookeeper", "etcd", "fs", "filesystem":
	default:
		return invalid("coordinator_name = %s", c.CoordinatorName)
	}
	if c.CoordinatorName != "" && c.CoordinatorAddr == "" {
		return invalid("coordinator_addr")
	}
	switch c.JodisName {
	case "", "zk", "zookeeper", "etcd":
	default:
		return invalid("jodis_name = %s", c.JodisName)
	}
	if c.JodisName != "" && c.JodisAddr == "" {
		return invalid("jodis_addr")
	}
	if c.ProductName == "" || models.ValidateProduct(c.ProductName) != nil {
		return invalid("product_name = %q", c.ProductName)
	}
	if c.ProxyMaxClients < 0 {
		return invalid("proxy_max_clients")
	}

	const MaxInt = bytesize.Int64(^uint(0) >> 1)

	if d := c.BackendRecvBufsize; d < 0 || d > MaxInt {
		return invalid("backend_recv_bufsize")
	}
	if d := c.BackendSendBufsize; d < 0 || d > MaxInt {
		return invalid("backend_send_bufsize")
	}
	if c.BackendMaxPipeline <= 0 {
		return invalid("backend_max_pipeline")
	}
	if c.BackendPrimaryParallel <= 0 {
		return invalid("backend_primary_parallel")
	}
	if c.BackendReplicaParallel <= 0 {
		return invalid("backend_replica_parallel")
	}
	if c.BackendNumberDatabases < 1 {
		return invalid("backend_number_databases")
	}
	if c.BackendRetryMin <= 0 || c.BackendRetryMax < c.BackendRetryMin {
		return invalid("backend_retry_min/backend_retry_max")
	}
	if c.BackendDialTimeout <= 0 {
		return invalid("backend_dial_timeout")
	}
	for name, d := range map[string]timesize.Duration{
		"backend_ping_period":      c.BackendPingPeriod,
		"backend_recv_timeout":     c.BackendRecvTimeout,
		"backend_send_timeout":     c.BackendSendTimeout,
		"backend_keepalive_period": c.BackendKeepAlivePeriod,
		"backend_idle_retention":   c.BackendIdleRetention,
		"session_recv_timeout":     c.SessionRecvTimeout,
		"session_send_timeout":     c.SessionSendTimeout,
		"session_keepalive_period": c.SessionKeepAlivePeriod,
		"session_drain_timeout":    c.SessionDrainTimeout,
		"metrics_report_period":    c.MetricsReportPeriod,
		"coordinator_poll_period":  c.CoordinatorPollPeriod,
	} {
		if d < 0 {
			return invalid(name)
		}
	}
	if d := c.SessionRecvBufsize; d <= 0 || d > MaxInt {
		return invalid("session_recv_bufsize")
	}
	if d := c.SessionSendBufsize; d <= 0 || d > MaxInt {
		return invalid("session_send_bufsize")
	}
	if c.SessionMaxPipeline <= 0 {
		return invalid("session_max_pipeline")
	}
	return nil
}

func (c *Config) bufsize(v bytesize.Int64) int {
	if v <= 0 {
		return 4096
	}
	return v.AsInt()
}
