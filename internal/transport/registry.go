// Package transport implements the Transport Registry (spec.md §4.A): it
// owns one HTTP client per network (direct is never used once Tor is
// enabled, per the mandatory clearnet-over-Tor policy) and selects one per
// URL by hostname suffix.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

// Kind identifies which overlay (or lack thereof) a transport routes through.
type Kind string

const (
	KindTor Kind = "tor"
	KindI2P Kind = "i2p"
)

// Health is the transport's reachability state, updated only by the
// overlay health manager (spec.md §3: "health is updated by B, never by
// fetchers").
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthDead
)

// retryStatuses are the HTTP statuses that warrant a retry with backoff,
// per spec.md §4.A.
var retryStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

const (
	retryBaseDelay = time.Second
	retryMaxAttempts = 3
)

// Transport wraps an immutable, concurrency-safe HTTP client for one kind.
type Transport struct {
	Kind   Kind
	Client *http.Client

	health int32 // Health, accessed atomically; only ever written via Registry.SetHealth
}

// Health returns the transport's current health state (non-blocking read,
// per spec.md §4.B "is_healthy").
func (t *Transport) Health() Health {
	return Health(atomic.LoadInt32(&t.health))
}

// Registry owns the per-kind transports and implements Select.
type Registry struct {
	tor       *Transport
	i2p       *Transport
	enableTor bool
	enableI2P bool
	log       zerolog.Logger
}

// New builds the registry's transports from config. Tor is mandatory for
// clearnet once enabled; if disabled, New returns an error rather than
// silently falling back to a direct transport (spec.md §4.A, a
// configuration error per §7).
func New(cfg config.NetworkConfig, log zerolog.Logger) (*Registry, error) {
	if !cfg.EnableTor {
		return nil, fmt.Errorf("transport: tor must be enabled (mandatory for clearnet once the registry starts)")
	}

	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	torClient, err := newSOCKSClient(cfg.TorSOCKSAddr, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: building tor client: %w", err)
	}

	r := &Registry{
		tor:       &Transport{Kind: KindTor, Client: torClient, health: int32(HealthHealthy)},
		enableTor: true,
		enableI2P: cfg.EnableI2P,
		log:       log,
	}

	if cfg.EnableI2P {
		i2pClient, err := newHTTPProxyClient(cfg.I2PHTTPProxyAddr, timeout)
		if err != nil {
			return nil, fmt.Errorf("transport: building i2p client: %w", err)
		}
		r.i2p = &Transport{Kind: KindI2P, Client: i2pClient, health: int32(HealthUnknown)}
	}

	return r, nil
}

// NewFromClients builds a Registry from already-constructed clients,
// bypassing SOCKS5/HTTP-proxy dialing. Used by component tests that need a
// Registry wired to an httptest server instead of a live Tor/I2P proxy.
func NewFromClients(torClient, i2pClient *http.Client, log zerolog.Logger) *Registry {
	r := &Registry{
		tor:       &Transport{Kind: KindTor, Client: torClient, health: int32(HealthHealthy)},
		enableTor: true,
		log:       log,
	}
	if i2pClient != nil {
		r.i2p = &Transport{Kind: KindI2P, Client: i2pClient, health: int32(HealthUnknown)}
		r.enableI2P = true
	}
	return r
}

// newSOCKSClient builds an http.Client dialing through a SOCKS5 proxy
// (Tor's SOCKS listener), with a per-site-sized connection pool, redirect
// following, and the retry policy applied at the RoundTripper level.
func newSOCKSClient(socksAddr string, timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: &retryingRoundTripper{base: transport},
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}, nil
}

// newHTTPProxyClient builds an http.Client that CONNECTs through an HTTP
// proxy (I2P's HTTP outproxy), same pool/retry/redirect policy as Tor.
func newHTTPProxyClient(proxyAddr string, timeout time.Duration) (*http.Client, error) {
	proxyURL, err := url.Parse("http://" + proxyAddr)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyURL(proxyURL),
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: &retryingRoundTripper{base: transport},
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}, nil
}

// Select implements the selection policy of spec.md §4.A. It returns nil
// when no transport can serve the URL.
func (r *Registry) Select(rawURL string) (*Transport, Kind, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", false
	}
	host := strings.ToLower(parsed.Hostname())

	switch {
	case strings.HasSuffix(host, ".onion"):
		if r.enableTor {
			return r.tor, KindTor, true
		}
		return nil, "", false

	case strings.HasSuffix(host, ".i2p"):
		if r.enableI2P && r.i2p.Health() == HealthHealthy {
			return r.i2p, KindI2P, true
		}
		if r.enableTor {
			r.log.Debug().Str("host", host).Msg("i2p unhealthy or disabled, falling back to tor")
			return r.tor, KindTor, true
		}
		return nil, "", false

	default:
		// Mandatory privacy policy: clearnet always routes through Tor
		// once Tor is enabled (New() refuses to build a registry otherwise).
		return r.tor, KindTor, true
	}
}

// SetHealth is called exclusively by the overlay health manager (component
// B); fetchers never call it (spec.md §3).
func (r *Registry) SetHealth(kind Kind, h Health) {
	switch kind {
	case KindTor:
		atomic.StoreInt32(&r.tor.health, int32(h))
	case KindI2P:
		if r.i2p != nil {
			atomic.StoreInt32(&r.i2p.health, int32(h))
		}
	}
}

// Transport returns the underlying transport for a kind, or nil if disabled.
func (r *Registry) Transport(kind Kind) *Transport {
	switch kind {
	case KindTor:
		return r.tor
	case KindI2P:
		return r.i2p
	default:
		return nil
	}
}
