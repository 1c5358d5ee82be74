package common

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns the client shared by every source and the shipper.
// Per-request deadlines come from the caller's context; timeout is the
// outer bound.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
