package http_retry

import (
	"crypto/tls"
	"net"
	"net/http"

	"github.com/bariiss/hls-offline/config"
)

// DefaultHttpClient is the default http client used for upstream fetches.
// Timeout values can be overridden via environment variables; see config package defaults
var DefaultHttpClient = http.Client{
	Timeout: config.Settings.HTTPClientTimeout,
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout: config.Settings.HTTPDialTimeout,
		}).DialContext,
	},
}
