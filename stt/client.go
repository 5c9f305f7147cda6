package stt

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"parla/log"
)

// tracedClient wraps http.Client with per-request timing so slow uploads
// can be attributed to DNS, TLS or the server.
type tracedClient struct {
	client *http.Client
	apiURL string
}

func newTracedClient(apiURL string) *tracedClient {
	return &tracedClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		apiURL: apiURL,
	}
}

type tracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
}

func (c *tracedClient) Do(req *http.Request) (*tracedResponse, error) {
	var dnsStart, tlsStart, wroteRequest time.Time
	var dnsDur, tlsDur, ttfb time.Duration
	reused := false

	trace := &httptrace.ClientTrace{
		DNSStart:          func(_ httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:           func(_ httptrace.DNSDoneInfo) { dnsDur = time.Since(dnsStart) },
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone:  func(_ tls.ConnectionState, _ error) { tlsDur = time.Since(tlsStart) },
		GotConn:           func(info httptrace.GotConnInfo) { reused = info.Reused },
		WroteRequest:      func(_ httptrace.WroteRequestInfo) { wroteRequest = time.Now() },
		GotFirstResponseByte: func() {
			ttfb = time.Since(wroteRequest)
		},
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	reqStart := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	log.Infof("upload %s: dns=%dms tls=%dms ttfb=%dms total=%dms reused=%v",
		c.apiURL, dnsDur.Milliseconds(), tlsDur.Milliseconds(),
		ttfb.Milliseconds(), time.Since(reqStart).Milliseconds(), reused)

	return &tracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}, nil
}

// Warm pre-establishes the TLS connection so the first real upload does
// not pay the handshake cost.
func (c *tracedClient) Warm() {
	req, err := http.NewRequest(http.MethodHead, c.apiURL, nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
