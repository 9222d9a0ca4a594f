// Package request provides the HTTP transport shared by the torrent client adapters
package request

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// JoinURL joins path elements onto base, keeping a query string on the last element.
func JoinURL(base string, paths ...string) (string, error) {
	if len(paths) == 0 {
		return base, nil
	}

	lastPath := paths[len(paths)-1]
	parts := strings.SplitN(lastPath, "?", 2)
	elems := append([]string{}, paths...)
	elems[len(elems)-1] = parts[0]

	joined, err := url.JoinPath(base, elems...)
	if err != nil {
		return "", err
	}

	if len(parts) > 1 {
		return joined + "?" + parts[1], nil
	}

	return joined, nil
}

// query parameters that carry credentials
var sensitiveParams = []string{"passwd", "password", "_sid", "sid", "token", "apikey"}

// redactURL hides userinfo and credential query parameters for logging
func redactURL(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Redacted()
	}
	q := u.Query()
	for _, key := range sensitiveParams {
		if q.Has(key) {
			q.Set(key, "xxxxx")
		}
	}
	clone := *u
	clone.RawQuery = q.Encode()
	return clone.Redacted()
}

type ClientOption func(*Client)

// Client is a single-attempt HTTP client. It never retries on its own;
// callers that need a retry implement it explicitly.
type Client struct {
	client        *http.Client
	rateLimiter   *rate.Limiter
	headers       map[string]string
	headersMu     sync.RWMutex
	timeout       time.Duration
	skipTLSVerify bool
	logger        zerolog.Logger
	proxy         string
	basicAuth     bool
	basicUser     string
	basicPass     string
	useCookies    bool
	name          string
	metrics       *Metrics
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRateLimiter sets a rate limiter
func WithRateLimiter(rl *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithHeaders sets default headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		c.headersMu.Lock()
		for k, v := range headers {
			c.headers[k] = v
		}
		c.headersMu.Unlock()
	}
}

// WithBasicAuth sends HTTP basic auth on every request, empty credentials included
func WithBasicAuth(user, pass string) ClientOption {
	return func(c *Client) {
		c.basicAuth = true
		c.basicUser = user
		c.basicPass = pass
	}
}

// WithCookieJar keeps cookies set by the server between requests
func WithCookieJar() ClientOption {
	return func(c *Client) {
		c.useCookies = true
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.client.Transport = transport
	}
}

func WithProxy(proxyURL string) ClientOption {
	return func(c *Client) {
		c.proxy = proxyURL
	}
}

func WithSkipTLSVerify(skip bool) ClientOption {
	return func(c *Client) {
		c.skipTLSVerify = skip
	}
}

// WithMetrics records every request under the given client name
func WithMetrics(name string, m *Metrics) ClientOption {
	return func(c *Client) {
		c.name = name
		c.metrics = m
	}
}

func (c *Client) SetHeader(key, value string) {
	c.headersMu.Lock()
	c.headers[key] = value
	c.headersMu.Unlock()
}

// Jar returns the cookie jar, or nil when cookies are disabled
func (c *Client) Jar() http.CookieJar {
	return c.client.Jar
}

// Do performs a single HTTP request bounded by the client timeout
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	c.headersMu.RLock()
	for key, value := range c.headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	c.headersMu.RUnlock()

	if c.basicAuth {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	c.metrics.observe(c.name, req.Method, resp, err, time.Since(start))
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = redactURL(req.URL)
		}
		c.logger.Trace().Err(err).Str("method", req.Method).Str("url", redactURL(req.URL)).Msg("request failed")
		return nil, err
	}

	c.logger.Trace().
		Str("method", req.Method).
		Str("url", redactURL(req.URL)).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request done")

	return resp, nil
}

// MakeRequest performs an HTTP request and returns the response body.
// Non-2xx responses are returned as *HTTPError.
func (c *Client) MakeRequest(req *http.Request) ([]byte, error) {
	res, err := c.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := res.Body.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("failed to close response body")
		}
	}()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: res.StatusCode,
			Message:    strings.TrimSpace(string(bodyBytes)),
			Header:     res.Header.Clone(),
		}
	}

	return bodyBytes, nil
}

// Get fetches url and returns the body
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating GET request: %w", err)
	}

	return c.MakeRequest(req)
}

// New creates a new HTTP client with the specified options
func New(options ...ClientOption) *Client {
	client := &Client{
		logger:  log.With().Str("component", "request").Logger(),
		timeout: 60 * time.Second,
		headers: make(map[string]string),
	}

	client.client = &http.Client{}

	for _, option := range options {
		option(client)
	}

	client.client.Timeout = client.timeout

	if client.useCookies {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			client.logger.Error().Err(err).Msg("failed to create cookie jar")
		} else {
			client.client.Jar = jar
		}
	}

	if client.client.Transport == nil {
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: client.skipTLSVerify,
			},
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,

			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,

			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,

			ForceAttemptHTTP2: true,
		}

		if client.proxy != "" {
			if strings.HasPrefix(client.proxy, "socks5://") {
				socksURL, err := url.Parse(client.proxy)
				if err != nil {
					client.logger.Error().Err(err).Msg("failed to parse SOCKS5 proxy URL")
				} else {
					var auth *proxy.Auth
					if socksURL.User != nil {
						password, _ := socksURL.User.Password()
						auth = &proxy.Auth{User: socksURL.User.Username(), Password: password}
					}

					dialer, err := proxy.SOCKS5("tcp", socksURL.Host, auth, proxy.Direct)
					if err != nil {
						client.logger.Error().Err(err).Msg("failed to create SOCKS5 dialer")
					} else if cd, ok := dialer.(proxy.ContextDialer); ok {
						transport.DialContext = cd.DialContext
					} else {
						transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
							return dialer.Dial(network, addr)
						}
					}
				}
			} else {
				proxyURL, err := url.Parse(client.proxy)
				if err != nil {
					client.logger.Error().Err(err).Msg("failed to parse proxy URL")
				} else {
					transport.Proxy = http.ProxyURL(proxyURL)
				}
			}
		} else {
			transport.Proxy = http.ProxyFromEnvironment
		}

		client.client.Transport = transport
	}

	return client
}

var rateLimitRe = regexp.MustCompile(`^\s*(\d+)\s*/\s*(minute|second)\s*$`)

// ParseRateLimit parses "N/minute" or "N/second". Anything else yields nil (no limit).
func ParseRateLimit(rateStr string) *rate.Limiter {
	if rateStr == "" {
		return nil
	}
	matches := rateLimitRe.FindStringSubmatch(rateStr)
	if len(matches) != 3 {
		return nil
	}

	count, err := strconv.Atoi(matches[1])
	if err != nil || count <= 0 {
		return nil
	}

	switch matches[2] {
	case "minute":
		reqsPerSecond := float64(count) / 60.0
		burstSize := int(math.Max(1, float64(count)*0.25))
		return rate.NewLimiter(rate.Limit(reqsPerSecond), burstSize)
	case "second":
		return rate.NewLimiter(rate.Limit(float64(count)), count)
	default:
		return nil
	}
}
