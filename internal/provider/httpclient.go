package provider

import (
	"net"
	"net/http"
	"time"
)

// modelHTTPTimeout bounds one model request. Turns have their own,
// usually longer, deadline on top.
const modelHTTPTimeout = 300 * time.Second

// newHTTPClient returns a pooled client for model APIs. Backends talking
// to the same host reuse connections across turns.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = modelHTTPTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
