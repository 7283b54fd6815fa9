package proxy

import (
	"context"
	"io"
	"time"
)

// stallGuardReader wraps an upstream response body and aborts the copy when
// no bytes arrive for the configured window. The overall request deadline
// already bounds total time; this guard catches upstreams that accept the
// request and then trickle-feed or hang mid-body.
type stallGuardReader struct {
	rc      io.ReadCloser
	timeout time.Duration
}

func newStallGuardReader(rc io.ReadCloser, timeout time.Duration) *stallGuardReader {
	return &stallGuardReader{rc: rc, timeout: timeout}
}

// Read returns context.DeadlineExceeded when the underlying read stalls past
// the window.
func (r *stallGuardReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.rc.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(r.timeout):
		return 0, context.DeadlineExceeded
	}
}

func (r *stallGuardReader) Close() error {
	return r.rc.Close()
}
