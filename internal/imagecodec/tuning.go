package imagecodec

import (
	"net"
	"net/url"
	"strings"
)

// defaultHostParams shrinks downloads from photo CDNs that resize on request.
var defaultHostParams = map[string]url.Values{
	"images.unsplash.com": {"fm": {"jpg"}, "q": {"80"}, "w": {"1024"}},
	"images.pexels.com":   {"auto": {"compress"}, "cs": {"tinysrgb"}, "w": {"1024"}},
	"cdn.shopify.com":     {"width": {"1024"}},
}

// tuneURL forces the configured query parameters for the URL's host.
func tuneURL(raw string, hostParams map[string]url.Values) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	host := strings.ToLower(u.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	params, ok := hostParams[host]
	if !ok {
		return raw
	}

	query := u.Query()
	for key, values := range params {
		query[key] = values
	}

	u.RawQuery = query.Encode()

	return u.String()
}
