// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package proxy

import (
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pikaproxy/pika-proxy/pkg/models"
	"github.com/pikaproxy/pika-proxy/pkg/utils"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
	"github.com/pikaproxy/pika-proxy/pkg/utils/math2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/rpc"
)

type Proxy struct {
	mu sync.Mutex

	xauth string
	model *models.Proxy

	exit struct {
		C chan struct{}
	}
	online bool
	closed bool

	config *Config
	router *Router
	stats  *Stats

	lproxy net.Listener
	ladmin net.Listener

	xjodis *Jodis
	xtopom *Topology
}

func New(config *Config) (*Proxy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Proxy{}
	s.config = config
	s.exit.C = make(chan struct{})
	s.router = NewRouter(config)
	s.stats = NewStats()

	s.model = &models.Proxy{
		StartTime: time.Now().String(),
	}
	s.model.ProductName = config.ProductName
	s.model.DataCenter = config.ProxyDataCenter
	s.model.Pid = os.Getpid()
	s.model.Pwd, _ = os.Getwd()
	if b, err := exec.Command("uname", "-a").Output(); err != nil {
		log.WarnErrorf(err, "run command uname failed")
	} else {
		s.model.Sys = strings.TrimSpace(string(b))
	}
	s.model.Hostname = utils.Hostname()

	if err := s.setup(config); err != nil {
		s.Close()
		return nil, err
	}

	log.Warnf("[%p] create new proxy:\n%s", s, s.model.Encode())

	go s.serveAdmin()
	go s.serveProxy()

	go s.loopStats()
	s.startMetricsJson()
	s.startMetricsInfluxdb()
	s.startMetricsStatsd()

	return s, nil
}

// resolveAddr turns a listener address into one peers can dial. An
// unspecified host is replaced by override, or by the hostname.
func resolveAddr(addr net.Addr, override string) string {
	if addr.Network() == "unix" || addr.Network() == "unixpacket" {
		return addr.String()
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	switch ip := net.ParseIP(host); {
	case override != "":
		host = override
	case ip == nil || ip.IsUnspecified():
		host = utils.Hostname()
	}
	return net.JoinHostPort(host, port)
}

func (s *Proxy) setup(config *Config) error {
	proto := config.ProtoType
	if l, err := net.Listen(proto, config.ProxyAddr); err != nil {
		return &Error{KindInitialize, errors.Trace(err)}
	} else {
		s.lproxy = l
		s.model.ProtoType = proto
		s.model.ProxyAddr = resolveAddr(l.Addr(), config.HostProxy)
	}

	if l, err := net.Listen("tcp", config.AdminAddr); err != nil {
		return &Error{KindInitialize, errors.Trace(err)}
	} else {
		s.ladmin = l
		s.model.AdminAddr = resolveAddr(l.Addr(), config.HostAdmin)
	}

	s.model.Token = rpc.NewToken(
		config.ProductName,
		s.lproxy.Addr().String(),
		s.ladmin.Addr().String(),
	)
	s.xauth = rpc.NewXAuth(
		config.ProductName,
		config.ProductAuth,
		s.model.Token,
	)

	if config.JodisName != "" {
		c, err := models.NewClient(config.JodisName, config.JodisAddr, config.JodisAuth, config.JodisTimeout.Duration())
		if err != nil {
			return &Error{KindInitialize, err}
		}
		s.model.JodisPath = models.JodisPath(config.ProductName, s.model.Token)
		s.xjodis = NewJodis(c, s.model)
	}

	if config.CoordinatorName != "" {
		c, err := models.NewClient(config.CoordinatorName, config.CoordinatorAddr, config.CoordinatorAuth, time.Minute)
		if err != nil {
			return &Error{KindInitialize, err}
		}
		s.xtopom = NewTopology(models.NewStore(c, config.ProductName), s)
	}
	return nil
}

func (s *Proxy) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosedProxy
	}
	if s.online {
		return nil
	}
	s.online = true
	s.router.Start()
	if s.xjodis != nil {
		s.xjodis.Start()
	}
	return nil
}

func (s *Proxy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.exit.C)

	if s.xjodis != nil {
		s.xjodis.Close()
	}
	if s.xtopom != nil {
		s.xtopom.Close()
	}
	if s.ladmin != nil {
		s.ladmin.Close()
	}
	if s.lproxy != nil {
		s.lproxy.Close()
	}
	if s.router != nil {
		s.router.Close()
	}
	return nil
}

func (s *Proxy) XAuth() string {
	return s.xauth
}

func (s *Proxy) Model() *models.Proxy {
	return s.model
}

func (s *Proxy) Config() *Config {
	return s.config
}

func (s *Proxy) Router() *Router {
	return s.router
}

func (s *Proxy) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online && !s.closed
}

func (s *Proxy) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Proxy) Slots() []*models.Slot {
	return s.router.GetSlots()
}

func (s *Proxy) FillSlot(m *models.Slot) error {
	if s.IsClosed() {
		return ErrClosedProxy
	}
	return s.router.FillSlot(m)
}

func (s *Proxy) FillSlots(slots []*models.Slot) error {
	if s.IsClosed() {
		return ErrClosedProxy
	}
	return s.router.FillSlots(slots)
}

func (s *Proxy) SwitchMasters(masters map[int]string) ([]SwitchResult, error) {
	if s.IsClosed() {
		return nil, ErrClosedProxy
	}
	return s.router.SwitchMasters(masters)
}

func (s *Proxy) serveAdmin() {
	if s.IsClosed() {
		return
	}
	defer s.Close()

	log.Warnf("[%p] admin start service on %s", s, s.ladmin.Addr())

	eh := make(chan error, 1)
	go func(l net.Listener) {
		h := http.NewServeMux()
		h.Handle("/", newApiServer(s))
		hs := &http.Server{Handler: h}
		eh <- hs.Serve(l)
	}(s.ladmin)

	select {
	case <-s.exit.C:
		log.Warnf("[%p] admin shutdown", s)
	case err := <-eh:
		log.ErrorErrorf(err, "[%p] admin exit on error", s)
	}
}

func (s *Proxy) serveProxy() {
	if s.IsClosed() {
		return
	}
	defer s.Close()

	log.Warnf("[%p] proxy start service on %s", s, s.lproxy.Addr())

	eh := make(chan error, 1)
	go func(l net.Listener) (err error) {
		defer func() {
			eh <- err
		}()
		for {
			c, err := s.acceptConn(l)
			if err != nil {
				return err
			}
			NewSession(c, s.config, s.stats).Start(s.router)
		}
	}(s.lproxy)

	if d := s.config.BackendPingPeriod.Duration(); d != 0 {
		go s.keepAlive(d)
	}
	if d := s.config.BackendIdleRetention.Duration(); d != 0 {
		go s.cleanup(d)
	}
	if s.xtopom != nil {
		go s.xtopom.Run()
	}

	select {
	case <-s.exit.C:
		log.Warnf("[%p] proxy shutdown", s)
	case err := <-eh:
		log.ErrorErrorf(err, "[%p] proxy exit on error", s)
	}
}

func (s *Proxy) keepAlive(d time.Duration) {
	var ticker = time.NewTicker(math2.MaxDuration(d, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-s.exit.C:
			return
		case <-ticker.C:
			s.router.KeepAlive()
		}
	}
}

func (s *Proxy) cleanup(d time.Duration) {
	var ticker = time.NewTicker(math2.MinMaxDuration(d/4, time.Second, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-s.exit.C:
			return
		case <-ticker.C:
			if n := s.router.Cleanup(); n != 0 {
				log.Warnf("[%p] proxy cleanup %d idle backends", s, n)
			}
		}
	}
}

func (s *Proxy) loopStats() {
	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.exit.C:
			return
		case <-ticker.C:
			s.stats.sampleOnce()
		}
	}
}

func (s *Proxy) acceptConn(l net.Listener) (net.Conn, error) {
	var delay = &DelayExp2{Min: 10 * time.Millisecond, Max: 500 * time.Millisecond}
	for {
		c, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.WarnErrorf(err, "[%p] proxy accept new connection failed", s)
				time.Sleep(delay.Next())
				continue
			}
		}
		return c, err
	}
}

type Overview struct {
	Version string         `json:"version"`
	Compile string         `json:"compile"`
	Config  *Config        `json:"config,omitempty"`
	Model   *models.Proxy  `json:"model,omitempty"`
	Stats   *ProxyStats    `json:"stats,omitempty"`
	Slots   []*models.Slot `json:"slots,omitempty"`
}

type ProxyStats struct {
	Online   bool `json:"online"`
	Closed   bool `json:"closed"`
	Switched bool `json:"switched"`

	Ops struct {
		Total int64      `json:"total"`
		Fails int64      `json:"fails"`
		Redis struct {
			Errors int64 `json:"errors"`
		} `json:"redis"`
		QPS int64      `json:"qps"`
		Cmd []*OpStats `json:"cmd,omitempty"`
	} `json:"ops"`

	Sessions struct {
		Total int64 `json:"total"`
		Alive int64 `json:"alive"`
	} `json:"sessions"`

	Backends []*BackendStats `json:"backends,omitempty"`

	Rusage *SysUsage `json:"rusage,omitempty"`

	Runtime *RuntimeStats `json:"runtime,omitempty"`
}

type StatsFlags uint32

const (
	StatsCmds = StatsFlags(1 << iota)
	StatsBackends
	StatsRuntime

	StatsFull = StatsFlags(^uint32(0))
)

func (s StatsFlags) HasBit(m StatsFlags) bool {
	return (s & m) != 0
}

func (s *Proxy) Overview(flags StatsFlags) *Overview {
	o := &Overview{
		Version: utils.Version,
		Compile: utils.Compile,
		Config:  s.Config(),
		Model:   s.Model(),
		Stats:   s.Stats(flags),
	}
	if flags.HasBit(StatsBackends) {
		o.Slots = s.Slots()
	}
	return o
}

func (s *Proxy) Stats(flags StatsFlags) *ProxyStats {
	stats := &ProxyStats{}
	stats.Online = s.IsOnline()
	stats.Closed = s.IsClosed()
	stats.Switched = s.router.HasSwitched()

	stats.Ops.Total = s.stats.OpTotal()
	stats.Ops.Fails = s.stats.OpFails()
	stats.Ops.Redis.Errors = s.stats.OpRedisErrors()
	stats.Ops.QPS = s.stats.OpQPS()

	if flags.HasBit(StatsCmds) {
		stats.Ops.Cmd = s.stats.GetOpStatsAll()
	}

	stats.Sessions.Total = s.stats.SessionsTotal()
	stats.Sessions.Alive = s.stats.SessionsAlive()

	if flags.HasBit(StatsBackends) {
		stats.Backends = s.router.BackendStats()
	}
	stats.Rusage = s.stats.GetSysUsage()

	if flags.HasBit(StatsRuntime) {
		stats.Runtime = GetRuntimeStats()
	}
	return stats
}
