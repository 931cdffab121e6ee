package utils

import (
	"net"
	"net/http"
	u "net/url"
	"time"

	"github.com/rs/zerolog/log"
)

type HTTPClientConfig struct {
	Timeout   time.Duration // connect + response header bound
	KATimeout time.Duration
	ProxyURL  string
	UserAgent string
}

const ToolUserAgent = "tahmil/1.0"

// NewHTTPClient builds the shared client used by all workers. The timeout
// bounds dialing and response headers, not the body stream; a transfer can
// legitimately sit paused for longer than any sane request timeout.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // for connection reuse
		IdleConnTimeout:       cfg.KATimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       0,
	}
	if cfg.ProxyURL != "" {
		proxyURLParsed, err := u.Parse(cfg.ProxyURL)
		if err != nil {
			log.Error().Err(err).Str("proxy", cfg.ProxyURL).Msg("Invalid proxy URL, proceeding without proxy")
		} else {
			transport.Proxy = http.ProxyURL(proxyURLParsed)
			log.Debug().Str("proxy", cfg.ProxyURL).Msg("Using proxy for connections")
		}
	}
	return &http.Client{
		Transport: transport,
	}
}
