package limiter

import (
	"context"
	"io"
	"time"
)

// RateLimitedStream wraps an underlying byte stream half (a plain
// io.Reader or io.Writer — callers wrap both halves of a net.Conn
// separately) with a ShardedLimiter[string] and the limiter key (the
// client IP or backend address). Every Read/Write is clipped to at most
// ChunkSize bytes (or the limiter's capacity, if that is smaller), paid
// for up front, and refunded on short transfers (spec.md §4.3).
//
// A RateLimitedStream has at most one outstanding Read and one
// outstanding Write in flight at a time; nothing here is safe for
// concurrent calls to Read (or to Write) from multiple goroutines,
// mirroring the "only one outstanding read/write operation" invariant
// in spec.md §4.3 ("the underlying transport is split into two
// halves").
type RateLimitedStream struct {
	limiter *ShardedLimiter[string]
	key     string
}

// NewRateLimitedStream constructs a throttled wrapper bound to key.
func NewRateLimitedStream(limiter *ShardedLimiter[string], key string) *RateLimitedStream {
	return &RateLimitedStream{limiter: limiter, key: key}
}

// ReadFrom throttles reads from r into p, blocking (cooperatively, on a
// per-call timer — never a busy spin) until enough tokens are available,
// then performing one underlying Read of at most ChunkSize bytes (or the
// limiter's capacity, if smaller). Short reads refund the unused tokens.
//
// ctx lets the proxy pipeline cancel a blocked wait when the session is
// torn down for an unrelated reason (e.g. the other half hit EOF and
// the pipeline is shutting down).
func (s *RateLimitedStream) ReadFrom(ctx context.Context, r io.Reader, p []byte) (int, error) {
	want := len(p)
	if want > ChunkSize {
		want = ChunkSize
	}
	if c := int(s.limiter.capacity); c > 0 && want > c {
		want = c
	}
	if want == 0 {
		return 0, nil
	}

	if err := s.waitForTokens(ctx, want); err != nil {
		return 0, err
	}

	n, err := r.Read(p[:want])
	if n < want {
		s.limiter.Refund(s.key, float64(want-n))
	}
	return n, err
}

// WriteTo throttles writes of p to w. Tokens are consumed before the
// underlying write; on a short write the unwritten residual is
// refunded. Bytes paid for but lost to a broken pipe (the underlying
// Write returns an error after writing fewer bytes than requested, or
// the connection later resets) are not refunded — they are accounted
// as used, per spec.md §4.3.
func (s *RateLimitedStream) WriteTo(ctx context.Context, w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := p[total:]
		want := len(chunk)
		if want > ChunkSize {
			want = ChunkSize
		}
		if c := int(s.limiter.capacity); c > 0 && want > c {
			want = c
		}

		if err := s.waitForTokens(ctx, want); err != nil {
			return total, err
		}

		n, err := w.Write(chunk[:want])
		if n < want {
			s.limiter.Refund(s.key, float64(want-n))
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// waitForTokens attempts try_consume(want) in a loop: on a bucket-empty
// error it cooperatively sleeps for the computed refill deadline and
// retries (no spin-wait), exactly the state machine spec.md §4.3
// describes as {Idle, Waiting(deadline), Pending(acquired)}.
func (s *RateLimitedStream) waitForTokens(ctx context.Context, want int) error {
	for {
		ok, wait := s.limiter.TryConsume(s.key, float64(want))
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// retry from the top
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
