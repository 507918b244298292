package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConnectivity means the collaborator could not be reached at all.
	ErrConnectivity = errors.New("connectivity error")
	// ErrResponseTooLarge means the reply exceeded maxBody and was not buffered.
	ErrResponseTooLarge = errors.New("response too large")
)

// maxBody bounds how much of a response is buffered.
var maxBody int64 = 4 << 20

type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

type TracedClient struct {
	client *http.Client
}

func NewTracedClient(timeout time.Duration) *TracedClient {
	return &TracedClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type TracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	Metrics    *NetworkMetrics
	RequestID  string
}

// OK reports a 2xx status.
func (r *TracedResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsJSON reports whether the response declares a JSON media type.
func (r *TracedResponse) IsJSON() bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/json" || (len(mt) > 5 && mt[len(mt)-5:] == "+json")
}

// tracer collects per-phase timings. The transport fires write-side hooks on
// its write loop and response hooks on its read loop, so every field is
// guarded by mu.
type tracer struct {
	mu      sync.Mutex
	metrics NetworkMetrics

	getConnStart, dnsStart, tcpStart, tlsStart time.Time
	gotConn, wroteHeaders, wroteRequest        time.Time
	firstByte                                  time.Time
}

func (t *tracer) lock(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

func (t *tracer) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(_ string) { t.lock(func() { t.getConnStart = time.Now() }) },
		GotConn: func(info httptrace.GotConnInfo) {
			t.lock(func() {
				t.gotConn = time.Now()
				t.metrics.ConnWait = t.gotConn.Sub(t.getConnStart)
				t.metrics.ConnReused = info.Reused
			})
		},
		DNSStart: func(_ httptrace.DNSStartInfo) { t.lock(func() { t.dnsStart = time.Now() }) },
		DNSDone:  func(_ httptrace.DNSDoneInfo) { t.lock(func() { t.metrics.DNS = time.Since(t.dnsStart) }) },
		ConnectStart: func(_, _ string) {
			t.lock(func() { t.tcpStart = time.Now() })
		},
		ConnectDone: func(_, _ string, _ error) {
			t.lock(func() { t.metrics.TCP = time.Since(t.tcpStart) })
		},
		TLSHandshakeStart: func() { t.lock(func() { t.tlsStart = time.Now() }) },
		TLSHandshakeDone: func(cs tls.ConnectionState, _ error) {
			t.lock(func() {
				t.metrics.TLS = time.Since(t.tlsStart)
				t.metrics.TLSProtocol = cs.NegotiatedProtocol
			})
		},
		WroteHeaders: func() {
			t.lock(func() {
				t.wroteHeaders = time.Now()
				t.metrics.ReqHeaders = t.wroteHeaders.Sub(t.gotConn)
			})
		},
		WroteRequest: func(_ httptrace.WroteRequestInfo) {
			t.lock(func() {
				t.wroteRequest = time.Now()
				t.metrics.ReqBody = t.wroteRequest.Sub(t.wroteHeaders)
			})
		},
		GotFirstResponseByte: func() {
			t.lock(func() {
				t.firstByte = time.Now()
				// The server may answer before the body is fully written.
				if !t.wroteRequest.IsZero() {
					t.metrics.TTFB = t.firstByte.Sub(t.wroteRequest)
				} else if !t.wroteHeaders.IsZero() {
					t.metrics.TTFB = t.firstByte.Sub(t.wroteHeaders)
				}
			})
		},
	}
}

// finish stamps the download and total durations and returns a copy that no
// hook writes to any more.
func (t *tracer) finish(reqStart time.Time) *NetworkMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.firstByte.IsZero() {
		t.metrics.Download = time.Since(t.firstByte)
	}
	t.metrics.Total = time.Since(reqStart)
	m := t.metrics
	return &m
}

// Do sends req and buffers the whole response. Failures to reach the server
// are wrapped in ErrConnectivity; context cancellation is returned as is. A
// body larger than maxBody fails with ErrResponseTooLarge.
func (c *TracedClient) Do(req *http.Request) (*TracedResponse, error) {
	tr := &tracer{}

	requestID := req.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
		req.Header.Set("X-Request-ID", requestID)
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), tr.clientTrace()))
	reqStart := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(req.Context(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, classify(req.Context(), err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("%w: status %d, more than %d bytes", ErrResponseTooLarge, resp.StatusCode, maxBody)
	}

	return &TracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Metrics:    tr.finish(reqStart),
		RequestID:  requestID,
	}, nil
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}

// Warm opens a connection to url ahead of the first real request and returns
// the TLS handshake time (zero for plain http or on failure).
func (c *TracedClient) Warm(ctx context.Context, url string) time.Duration {
	var tlsStart time.Time
	var tlsDuration time.Duration

	trace := &httptrace.ClientTrace{
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone:  func(_ tls.ConnectionState, _ error) { tlsDuration = time.Since(tlsStart) },
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	resp, err := c.client.Do(req)
	if err != nil {
		return 0
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return tlsDuration
}

// Ping reports whether url answers at all, whatever the status code.
func (c *TracedClient) Ping(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	_, err = c.Do(req)
	return err
}
