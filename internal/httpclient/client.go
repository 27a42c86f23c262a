// Package httpclient builds the http.Client used to talk to the remote
// research provider: proxy-aware transport, circuit breaker protection, and
// response-size limiting.
package httpclient

import (
	"net/http"
	"time"

	"github.com/cklxx/deepresearch/internal/logging"
)

// New returns an http.Client configured for outbound provider requests. It
// respects HTTP(S)_PROXY/ALL_PROXY/NO_PROXY by default, but bypasses
// unreachable loopback proxies so local development keeps working.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(logger),
	}
}

// Transport returns an http.Transport clone with the loopback-bypass proxy
// policy applied.
func Transport(logger logging.Logger) *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: proxyFunc(logger)}
	}
	transport := base.Clone()
	transport.Proxy = proxyFunc(logger)
	return transport
}
