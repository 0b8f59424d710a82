package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Fetch outcomes besides the status classes returned by StatusClass.
const (
	OutcomeCanceled   = "canceled"
	OutcomeTimeout    = "timeout"
	OutcomeError      = "error"
	OutcomeIncomplete = "incomplete" // 2xx body closed before EOF
)

// InstrumentedTransport records one upstream fetch per request for a source
// ("api", "images"). A fetch with a body is recorded when the caller closes
// the body, with the bytes the caller actually consumed.
type InstrumentedTransport struct {
	next   http.RoundTripper
	source string
}

// NewInstrumentedTransport wraps next, or http.DefaultTransport when next is nil.
func NewInstrumentedTransport(next http.RoundTripper, source string) *InstrumentedTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &InstrumentedTransport{next: next, source: source}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		RecordUpstreamFetch(ctx, t.source, time.Since(start), 0, errorOutcome(ctx, err))
		return nil, err
	}

	class := StatusClass(resp.StatusCode)
	if req.Method == http.MethodHead || resp.Body == nil || resp.Body == http.NoBody {
		RecordUpstreamFetch(ctx, t.source, time.Since(start), 0, class)
		return resp, nil
	}

	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		done: func(n int64, eof bool) {
			outcome := class
			if class == "2xx" && !eof {
				outcome = OutcomeIncomplete
			}
			RecordUpstreamFetch(ctx, t.source, time.Since(start), n, outcome)
		},
	}
	return resp, nil
}

func errorOutcome(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return OutcomeCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeError
}

// meteredBody counts bytes read and reports them once on Close.
type meteredBody struct {
	io.ReadCloser
	n    int64
	eof  bool
	once sync.Once
	done func(n int64, eof bool)
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if err == io.EOF {
		b.eof = true
	}
	return n, err
}

func (b *meteredBody) Close() error {
	b.once.Do(func() { b.done(b.n, b.eof) })
	return b.ReadCloser.Close()
}
