// Package client builds the outbound HTTP client shared by image fetching
// and remote background removal.
package client

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// UserAgent identifies outbound requests.
const UserAgent = "fitroom/1.0 (+https://github.com/robalyx/fitroom)"

// userAgentTransport sets a User-Agent on requests that do not carry one.
type userAgentTransport struct {
	next http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent)

	return t.next.RoundTrip(req)
}

// NewHTTPClient returns a client with bounded dial and handshake times.
// Per-request deadlines come from the caller's context. When tracing is
// enabled every request is wrapped in a client span.
func NewHTTPClient(tracing bool) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}

	var rt http.RoundTripper = &userAgentTransport{next: transport}
	if tracing {
		rt = otelhttp.NewTransport(rt)
	}

	return &http.Client{Transport: rt}
}
