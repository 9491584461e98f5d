// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"strings"
	"time"

	influxdbClient "github.com/influxdata/influxdb/client/v2"
	statsdClient "gopkg.in/alexcesaro/statsd.v2"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
	"github.com/pikaproxy/pika-proxy/pkg/utils/math2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/rpc"
)

func (p *Proxy) startMetricsReporter(d time.Duration, do, cleanup func() error) {
	go func() {
		if cleanup != nil {
			defer cleanup()
		}
		var ticker = time.NewTicker(d)
		defer ticker.Stop()
		var delay = &DelayExp2{Min: time.Second, Max: 15 * time.Second}
		for {
			select {
			case <-p.exit.C:
				return
			case <-ticker.C:
			}
			if err := do(); err != nil {
				log.WarnErrorf(err, "report metrics failed")
				select {
				case <-p.exit.C:
					return
				case <-time.After(delay.Next()):
				}
			} else {
				delay.Reset()
			}
		}
	}()
}

// metricsFields flattens the counters every reporter pushes.
func (p *Proxy) metricsFields() map[string]interface{} {
	stats := p.Stats(StatsRuntime | StatsBackends)

	var connected, total int
	for _, b := range stats.Backends {
		for _, c := range b.Conns {
			total++
			if c.State == stateString(stateConnected) {
				connected++
			}
		}
	}
	fields := map[string]interface{}{
		"ops_total":                stats.Ops.Total,
		"ops_fails":                stats.Ops.Fails,
		"ops_redis_errors":         stats.Ops.Redis.Errors,
		"ops_qps":                  stats.Ops.QPS,
		"sessions_total":           stats.Sessions.Total,
		"sessions_alive":           stats.Sessions.Alive,
		"backends_total":           total,
		"backends_connected":       connected,
		"runtime_gc_num":           stats.Runtime.GC.Num,
		"runtime_gc_total_pausems": stats.Runtime.GC.TotalPauseMs,
		"runtime_num_procs":        stats.Runtime.NumProcs,
		"runtime_num_goroutines":   stats.Runtime.NumGoroutines,
		"runtime_num_cgo_call":     stats.Runtime.NumCgoCall,
		"runtime_heap_alloc":       stats.Runtime.Heap.Alloc,
	}
	if u := stats.Rusage; u != nil {
		fields["rusage_cpu"] = u.CPU
		if u.Usage != nil {
			fields["rusage_mem"] = u.MaxRSS
		}
	}
	return fields
}

func (p *Proxy) startMetricsJson() {
	server := p.config.MetricsReportServer
	period := p.config.MetricsReportPeriod.Duration()
	if server == "" {
		return
	}
	period = math2.MaxDuration(time.Second, period)

	p.startMetricsReporter(period, func() error {
		return rpc.ApiPostJson(server, p.Overview(StatsRuntime))
	}, nil)
}

func (p *Proxy) startMetricsInfluxdb() {
	server := p.config.MetricsReportInfluxdbServer
	period := p.config.MetricsReportInfluxdbPeriod.Duration()
	if server == "" {
		return
	}
	period = math2.MaxDuration(time.Second, period)

	c, err := influxdbClient.NewHTTPClient(influxdbClient.HTTPConfig{
		Addr:     server,
		Username: p.config.MetricsReportInfluxdbUsername,
		Password: p.config.MetricsReportInfluxdbPassword,
		Timeout:  time.Second * 5,
	})
	if err != nil {
		log.WarnErrorf(err, "create influxdb client failed")
		return
	}

	database := p.config.MetricsReportInfluxdbDatabase

	p.startMetricsReporter(period, func() error {
		b, err := influxdbClient.NewBatchPoints(influxdbClient.BatchPointsConfig{
			Database:  database,
			Precision: "ns",
		})
		if err != nil {
			return errors.Trace(err)
		}
		model := p.Model()

		tags := map[string]string{
			"token":        model.Token,
			"product_name": model.ProductName,
			"admin_addr":   model.AdminAddr,
			"proxy_addr":   model.ProxyAddr,
			"hostname":     model.Hostname,
		}
		point, err := influxdbClient.NewPoint("pika_proxy_usage", tags, p.metricsFields(), time.Now())
		if err != nil {
			return errors.Trace(err)
		}
		b.AddPoint(point)
		return c.Write(b)
	}, func() error {
		return c.Close()
	})
}

func (p *Proxy) startMetricsStatsd() {
	server := p.config.MetricsReportStatsdServer
	period := p.config.MetricsReportStatsdPeriod.Duration()
	if server == "" {
		return
	}
	period = math2.MaxDuration(time.Second, period)

	c, err := statsdClient.New(statsdClient.Address(server))
	if err != nil {
		log.WarnErrorf(err, "create statsd client failed")
		return
	}

	var (
		prefix   = p.config.MetricsReportStatsdPrefix
		replacer = strings.NewReplacer(".", "_", ":", "_")
	)

	p.startMetricsReporter(period, func() error {
		model := p.Model()

		var segs []string
		if prefix != "" {
			segs = append(segs, prefix)
		}
		segs = append(segs, model.ProductName,
			replacer.Replace(model.AdminAddr),
			replacer.Replace(model.ProxyAddr),
		)
		for key, value := range p.metricsFields() {
			c.Gauge(strings.Join(append(segs, key), "."), value)
		}
		return nil
	}, func() error {
		c.Close()
		return nil
	})
}
