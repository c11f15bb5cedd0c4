// Package proxy implements the per-connection ProxyPipeline: admission,
// optional client TLS, backend pick, dial, optional backend TLS, and the
// bidirectional half-closing copy loop (spec.md §4.6).
//
// Grounded on the guaranteed-release defer idiom in
// ws/internal/multi/proxy.go's SlotAwareProxy.ServeHTTP (acquire only
// after the step that can fail, release exactly once via defer) and the
// zerolog field-logging style used throughout the ws tree.
package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/layer4lb/internal/config"
	"github.com/adred-codev/layer4lb/internal/limiter"
	"github.com/adred-codev/layer4lb/internal/metrics"
	"github.com/adred-codev/layer4lb/internal/pool"
	"github.com/adred-codev/layer4lb/internal/socketopts"
)

// Dependencies bundles everything one rule's pipelines need, built once
// by the Supervisor and shared by every accepted connection.
//
// Bandwidth limiting uses four independent handles, exactly as spec.md
// §4.3/§4.6's data model specifies ("four RateLimitedStream limiter
// handles: client-read, client-write, backend-read, backend-write") —
// one ShardedLimiter per direction per leg, each charged exactly once.
// Collapsing read and write onto a single shared limiter would debit
// the same bucket twice per byte transferred.
type Dependencies struct {
	Pool            *pool.BackendPool
	ConnRateLimiter *limiter.ShardedLimiter[string]

	// ClientReadLimiter caps bytes read from the client (the client
	// leg's configured upload_per_sec — the client is uploading to
	// us), keyed by client IP. Nil disables this handle.
	ClientReadLimiter *limiter.ShardedLimiter[string]
	// ClientWriteLimiter caps bytes written to the client (the client
	// leg's configured download_per_sec), keyed by client IP. Nil
	// disables this handle.
	ClientWriteLimiter *limiter.ShardedLimiter[string]
	// BackendReadLimiter caps bytes read from the backend (the backend
	// leg's configured upload_per_sec — the backend is uploading to
	// us), keyed by backend address. Nil disables this handle.
	BackendReadLimiter *limiter.ShardedLimiter[string]
	// BackendWriteLimiter caps bytes written to the backend (the
	// backend leg's configured download_per_sec), keyed by backend
	// address. Nil disables this handle.
	BackendWriteLimiter *limiter.ShardedLimiter[string]

	Rule    config.RuleConfig
	Logger  zerolog.Logger
	Metrics *metrics.Registry // nil disables all observability updates
}

func (d Dependencies) countResult(result string) {
	if d.Metrics != nil {
		d.Metrics.ConnectionsTotal.WithLabelValues(d.Rule.Name, result).Inc()
	}
}

func (d Dependencies) addBytes(direction string, n int64) {
	if d.Metrics != nil && n > 0 {
		d.Metrics.BytesTotal.WithLabelValues(d.Rule.Name, direction).Add(float64(n))
	}
}

// Handle runs one ProxyPipeline to completion on an accepted client
// connection. It never returns an error to the caller: every failure
// path closes the connection and, where relevant, logs (at info for TLS
// handshake failures, at debug otherwise) — the
// acceptor loop does not need to know why a session ended (spec.md
// §4.6's error classification).
func Handle(clientConn net.Conn, deps Dependencies) {
	defer clientConn.Close()

	clientIP, _, err := net.SplitHostPort(clientConn.RemoteAddr().String())
	if err != nil {
		clientIP = clientConn.RemoteAddr().String()
	}

	// Step 1: admission.
	if deps.ConnRateLimiter != nil {
		if ok, _ := deps.ConnRateLimiter.TryConsume(clientIP, 1); !ok {
			deps.countResult("rate_limited")
			return
		}
	}

	clientStream := net.Conn(clientConn)

	// Step 2: optional client-facing TLS.
	if deps.Rule.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(deps.Rule.TLS.Cert, deps.Rule.TLS.Key)
		if err != nil {
			// Missing cert/key at request time would be a configuration
			// defect that Validate should have already caught at startup;
			// treat it as a closed connection rather than panicking mid-session.
			deps.Logger.Error().Err(err).Str("rule", deps.Rule.Name).Msg("tls cert load failed")
			deps.countResult("tls_error")
			return
		}
		tlsConn := tls.Server(clientStream, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := tlsConn.Handshake(); err != nil {
			deps.Logger.Info().Err(err).Str("client", clientIP).Msg("client tls handshake failed")
			deps.countResult("tls_error")
			return
		}
		clientStream = tlsConn
	}

	// Step 3: backend pick.
	backend, guard, ok := deps.Pool.Pick()
	if !ok {
		deps.countResult("no_backend")
		return
	}
	if deps.Metrics != nil {
		// Registered before guard.Release so it runs after the guard's
		// release on unwind (defers run LIFO) and observes the
		// post-release active count.
		defer func() {
			deps.Metrics.BackendActive.WithLabelValues(deps.Rule.Name, backend.Address).Set(float64(backend.Active()))
		}()
	}
	defer guard.Release()

	if deps.Metrics != nil {
		deps.Metrics.ConnectionsActive.WithLabelValues(deps.Rule.Name).Inc()
		defer deps.Metrics.ConnectionsActive.WithLabelValues(deps.Rule.Name).Dec()
		deps.Metrics.BackendActive.WithLabelValues(deps.Rule.Name, backend.Address).Set(float64(backend.Active()))
	}

	// Step 4: dial with connect_timeout, disable Nagle.
	backendConn, err := net.DialTimeout("tcp", backend.Address, deps.Rule.ConnectTimeout())
	if err != nil {
		deps.Logger.Debug().Err(err).Str("backend", backend.Address).Msg("backend dial failed")
		deps.countResult("dial_error")
		return
	}
	defer backendConn.Close()
	_ = socketopts.SetNoDelay(clientConn)
	_ = socketopts.SetNoDelay(backendConn)

	backendStream := net.Conn(backendConn)

	// Step 5: optional backend TLS.
	if deps.Rule.BackendTLS.Enabled {
		tlsConn := tls.Client(backendStream, &tls.Config{InsecureSkipVerify: deps.Rule.BackendTLS.IgnoreVerify})
		if err := tlsConn.Handshake(); err != nil {
			deps.Logger.Info().Err(err).Str("backend", backend.Address).Msg("backend tls handshake failed")
			deps.countResult("tls_error")
			return
		}
		backendStream = tlsConn
	}

	deps.countResult("ok")

	// Step 6 + 7: wrap with rate limiters and run the bidirectional copy.
	runCopyLoop(clientStream, backendStream, clientIP, backend.Address, deps)
}

// runCopyLoop runs the two half-duplex copy directions concurrently and
// returns once both have terminated, half-closing the opposite write
// side as soon as one direction sees EOF (spec.md §4.6 step 7).
func runCopyLoop(clientStream, backendStream net.Conn, clientIP, backendAddr string, deps Dependencies) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyDirection(clientStream, backendStream, clientIP, backendAddr,
			deps.ClientReadLimiter, deps.BackendWriteLimiter, "client_to_backend", deps)
	}()
	go func() {
		defer wg.Done()
		copyDirection(backendStream, clientStream, backendAddr, clientIP,
			deps.BackendReadLimiter, deps.ClientWriteLimiter, "backend_to_client", deps)
	}()

	wg.Wait()
}

// copyDirection moves bytes from src to dst, throttling the read side
// against readLim (keyed by readKey) and the write side against
// writeLim (keyed by writeKey) independently — each byte is debited
// against exactly one bucket per leg it crosses, never both halves of
// the same transfer against a single shared bucket. Either limiter may
// be nil (that side of bandwidth limiting disabled); when both are nil
// the fast io.Copy path is used. Half-closes dst's write side on src
// EOF (spec.md §4.6 step 7).
func copyDirection(src, dst net.Conn, readKey, writeKey string, readLim, writeLim *limiter.ShardedLimiter[string], direction string, deps Dependencies) {
	defer halfClose(dst)

	if readLim == nil && writeLim == nil {
		n, _ := io.Copy(dst, src)
		deps.addBytes(direction, n)
		return
	}

	var readStream, writeStream *limiter.RateLimitedStream
	if readLim != nil {
		readStream = limiter.NewRateLimitedStream(readLim, readKey)
	}
	if writeLim != nil {
		writeStream = limiter.NewRateLimitedStream(writeLim, writeKey)
	}

	buf := make([]byte, limiter.ChunkSize)
	ctx := context.Background()
	for {
		var n int
		var err error
		if readStream != nil {
			n, err = readStream.ReadFrom(ctx, src, buf)
		} else {
			n, err = src.Read(buf)
		}
		if n > 0 {
			var written int
			var werr error
			if writeStream != nil {
				written, werr = writeStream.WriteTo(ctx, dst, buf[:n])
			} else {
				written, werr = dst.Write(buf[:n])
			}
			deps.addBytes(direction, int64(written))
			if werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// halfClose sends FIN on conn's write side without tearing down the
// read side, letting the opposite direction keep draining until its
// own EOF (spec.md §4.6 step 7). Connections that don't support
// half-close (e.g. a tls.Conn wrapping a non-TCP transport) fall back
// to a plain Close of the whole connection.
func halfClose(conn net.Conn) {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
