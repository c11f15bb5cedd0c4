package proxy

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/layer4lb/internal/config"
	"github.com/adred-codev/layer4lb/internal/limiter"
	"github.com/adred-codev/layer4lb/internal/pool"
)

// startEchoBackend runs a minimal TCP server that echoes every line it
// receives back to the caller, standing in for a real backend.
func startEchoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start echo backend: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				for {
					line, err := reader.ReadString('\n')
					if len(line) > 0 {
						if _, werr := c.Write([]byte(line)); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func newTestDeps(backendAddr string) Dependencies {
	p := pool.NewBackendPool(0)
	p.UpdateBackends([]string{backendAddr})
	p.SetHealth(backendAddr, true)

	return Dependencies{
		Pool:   p,
		Rule:   config.RuleConfig{Name: "test", ConnectTimeoutMS: 1000},
		Logger: zerolog.Nop(),
	}
}

func TestHandle_EchoesDataThroughToBackend(t *testing.T) {
	backendAddr := startEchoBackend(t)
	deps := newTestDeps(backendAddr)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		Handle(serverSide, deps)
		close(done)
	}()

	_, err := clientSide.Write([]byte("hello layer4lb\n"))
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if line != "hello layer4lb\n" {
		t.Errorf("expected echoed line back, got %q", line)
	}

	clientSide.Close()
	<-done
}

func TestHandle_NoHealthyBackendClosesImmediately(t *testing.T) {
	p := pool.NewBackendPool(0)
	deps := Dependencies{
		Pool:   p,
		Rule:   config.RuleConfig{Name: "test", ConnectTimeoutMS: 1000},
		Logger: zerolog.Nop(),
	}

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		Handle(serverSide, deps)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Handle to return promptly when no healthy backend exists")
	}
	clientSide.Close()
}

// TestCopyDirection_ReadAndWriteLimitersChargedIndependently pins the
// fix for double-charging a single shared bucket: a transfer capped at
// B bytes/s on both the read and write handle should take about as long
// as one handle alone would, because each byte is debited against
// exactly one bucket per handle rather than the same bucket twice.
func TestCopyDirection_ReadAndWriteLimitersChargedIndependently(t *testing.T) {
	const rate = 64 * 1024 // bytes/sec
	const payload = 96 * 1024

	readLim := limiter.NewShardedLimiter[string](limiter.Config{Capacity: rate, RefillRate: rate})
	defer readLim.Close()
	writeLim := limiter.NewShardedLimiter[string](limiter.Config{Capacity: rate, RefillRate: rate})
	defer writeLim.Close()

	srcReader, srcWriter := net.Pipe()
	dstReader, dstWriter := net.Pipe()
	defer srcWriter.Close()
	defer dstReader.Close()

	go func() {
		buf := make([]byte, payload)
		_, _ = srcWriter.Write(buf)
		srcWriter.Close()
	}()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := dstReader.Read(buf); err != nil {
				return
			}
		}
	}()

	deps := Dependencies{Rule: config.RuleConfig{Name: "test"}}
	start := time.Now()
	copyDirection(srcReader, dstWriter, "client", "backend", readLim, writeLim, "client_to_backend", deps)
	elapsed := time.Since(start)

	// Each bucket starts full at 64 KiB, so of the six 16 KiB chunks only
	// the last two wait (0.25s each), plus one more wait for the read
	// that returns EOF: about 0.75s. Charging both reads and writes to one
	// shared bucket would need nine such waits, about 2.25s.
	if elapsed > 2200*time.Millisecond {
		t.Errorf("expected transfer to complete well under 2.2s at independent read/write caps, took %v", elapsed)
	}
}

func TestHandle_RateLimiterRejectsOverCap(t *testing.T) {
	backendAddr := startEchoBackend(t)
	deps := newTestDeps(backendAddr)
	deps.ConnRateLimiter = limiter.NewShardedLimiter[string](limiter.Config{Capacity: 0, RefillRate: 0})
	defer deps.ConnRateLimiter.Close()

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		Handle(serverSide, deps)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected admission to reject immediately when the rate limiter has zero capacity")
	}
	clientSide.Close()
}
