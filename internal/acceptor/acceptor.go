// Package acceptor runs the multi-worker accept fan-out for one rule's
// listen address: each worker owns its own SO_REUSEPORT-bound listener
// and spawns a ProxyPipeline goroutine per accepted connection, never
// blocking its own accept loop on the connection it just handed off
// (spec.md §4.7).
//
// Grounded on the manual-fd, maximum-throughput listener construction in
// go-server/pkg/websocket/netpoll.go, reworked onto golang.org/x/sys/unix
// via internal/socketopts instead of raw syscall numbers.
package acceptor

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/layer4lb/internal/proxy"
	"github.com/adred-codev/layer4lb/internal/socketopts"
)

// Group owns every acceptor worker for a single rule's listen address.
type Group struct {
	ruleName string
	addr     string
	workers  int
	deps     atomic.Pointer[proxy.Dependencies]
	logger   zerolog.Logger

	listeners []net.Listener
	wg        sync.WaitGroup
}

// New creates a Group. workers <= 0 defaults to runtime.NumCPU(),
// mirroring spec.md §4.7's default; the caller may override via the
// NUM_ACCEPTORS environment knob before constructing the Group.
func New(ruleName, addr string, workers int, deps proxy.Dependencies, logger zerolog.Logger) *Group {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g := &Group{
		ruleName: ruleName,
		addr:     addr,
		workers:  workers,
		logger:   logger.With().Str("component", "acceptor").Str("rule", ruleName).Logger(),
	}
	g.deps.Store(&deps)
	return g
}

// UpdateDependencies swaps the Dependencies every subsequently accepted
// connection on this Group will use, without interrupting the running
// accept loops or any connection already in its ProxyPipeline (spec.md
// §4.8: "update their pool's backend list, TLS material, and limiter
// parameters in place").
func (g *Group) UpdateDependencies(deps proxy.Dependencies) {
	g.deps.Store(&deps)
}

// Start binds one listener per worker and launches its accept loop.
// Each listener is bound independently with SO_REUSEPORT so the kernel
// load-balances incoming SYNs across workers (spec.md §4.7).
func (g *Group) Start(ctx context.Context) error {
	for i := 0; i < g.workers; i++ {
		ln, err := socketopts.Listen(ctx, g.addr)
		if err != nil {
			g.Stop()
			return err
		}
		g.listeners = append(g.listeners, ln)

		g.wg.Add(1)
		go g.acceptLoop(ctx, ln, i)
	}
	g.logger.Info().Str("addr", g.addr).Int("workers", g.workers).Msg("acceptor group started")
	return nil
}

func (g *Group) acceptLoop(ctx context.Context, ln net.Listener, worker int) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			g.logger.Debug().Err(err).Int("worker", worker).Msg("accept error")
			continue
		}
		go proxy.Handle(conn, *g.deps.Load())
	}
}

// Stop closes every worker's listener and waits for the accept loops to
// exit. In-flight ProxyPipeline goroutines are not waited on here — they
// drain independently per spec.md §4.8's "let old sessions drain".
func (g *Group) Stop() {
	for _, ln := range g.listeners {
		_ = ln.Close()
	}
	g.wg.Wait()
}
