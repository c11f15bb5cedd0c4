// Package health implements the active backend prober: one periodic
// loop per rule that concurrently probes every backend in its pool and
// applies single-failure/single-success hysteresis (spec.md §4.5).
//
// Grounded on the ticker-driven goroutine lifecycle in
// ws/internal/shared/monitoring/system_monitor.go (context + cancel +
// WaitGroup, zerolog field logging) and the per-shard independent probe
// pattern in ws/internal/multi/loadbalancer.go's handleHealth.
package health

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/layer4lb/internal/metrics"
	"github.com/adred-codev/layer4lb/internal/pool"
)

// Mode selects the probe protocol.
type Mode string

const (
	ModeTCP  Mode = "tcp"
	ModeHTTP Mode = "http"
)

// Config configures one rule's HealthChecker.
type Config struct {
	Mode         Mode
	Interval     time.Duration
	ProbeTimeout time.Duration
	HTTPPath     string // used only when Mode == ModeHTTP
}

// Checker runs one probe loop for a single BackendPool.
type Checker struct {
	ruleName string
	pool     *pool.BackendPool
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WithMetrics binds a metrics registry the checker updates its
// per-backend health gauge on. Returns c for chaining after New.
func (c *Checker) WithMetrics(m *metrics.Registry) *Checker {
	c.metrics = m
	return c
}

// New creates a Checker bound to pool p. Call Start to begin probing.
func New(ruleName string, p *pool.BackendPool, cfg Config, logger zerolog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.HTTPPath == "" {
		cfg.HTTPPath = "/"
	}
	return &Checker{
		ruleName: ruleName,
		pool:     p,
		cfg:      cfg,
		logger:   logger.With().Str("component", "health").Str("rule", ruleName).Logger(),
	}
}

// Start launches the probe loop in a background goroutine. Start does
// not guard against a second call, which would launch a second loop;
// Supervisor only starts a Checker once per rule generation.
func (c *Checker) Start(parent context.Context) {
	c.ctx, c.cancel = context.WithCancel(parent)
	c.wg.Add(1)
	go c.loop()
}

// Stop cancels the probe loop and waits for it to exit, used by
// hot-reload when a rule is removed or its health_check block changes.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
}

func (c *Checker) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.probeAll()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probeAll()
		}
	}
}

// probeAll fires one goroutine per backend so a slow or hung backend
// never delays the others (spec.md §4.5: "one slow backend does not
// block others").
func (c *Checker) probeAll() {
	backends := c.pool.Backends()
	var wg sync.WaitGroup
	wg.Add(len(backends))
	for _, b := range backends {
		b := b
		go func() {
			defer wg.Done()
			c.probeOne(b)
		}()
	}
	wg.Wait()
}

func (c *Checker) probeOne(b *pool.Backend) {
	var ok bool
	switch c.cfg.Mode {
	case ModeHTTP:
		ok = c.probeHTTP(b.Address)
	default:
		ok = c.probeTCP(b.Address)
	}

	c.pool.SetHealth(b.Address, ok)
	if !ok {
		c.logger.Debug().Str("backend", b.Address).Msg("probe failed, marked unhealthy")
	}
	if c.metrics != nil {
		healthVal := 0.0
		if ok {
			healthVal = 1.0
		}
		c.metrics.BackendHealthy.WithLabelValues(c.ruleName, b.Address).Set(healthVal)
	}
}

func (c *Checker) probeTCP(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, c.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Checker) probeHTTP(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, c.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.ProbeTimeout)
	_ = conn.SetDeadline(deadline)

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", c.cfg.HTTPPath, addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}

	reader := textproto.NewReader(bufio.NewReader(conn))
	statusLine, err := reader.ReadLine()
	if err != nil {
		return false
	}

	var httpVer string
	var status int
	var reason string
	if _, err := fmt.Sscanf(statusLine, "HTTP/%s %d %s", &httpVer, &status, &reason); err != nil {
		return false
	}
	return status == 200
}
