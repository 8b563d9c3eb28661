// Package proxy forwards imposter requests to a real downstream service and
// captures the result as a response.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
)

// Proxy forwards a request to cfg.To and returns what came back
type Proxy interface {
	To(ctx context.Context, cfg *models.ProxyConfig, request models.Request) (*models.Response, error)
}

// Config holds proxy client configuration
type Config struct {
	PreserveHost bool
	Timeout      time.Duration
}

// hop-by-hop headers are not copied back into captured responses
var skippedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

// Client proxies HTTP requests
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new proxy client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.GetLogger()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Don't follow redirects, return them to the client
				return http.ErrUseLastResponse
			},
		},
		logger: logger.Named("proxy"),
	}
}

// To forwards the request and captures the downstream response, stamping
// the elapsed time into _proxyResponseTime
func (c *Client) To(ctx context.Context, cfg *models.ProxyConfig, request models.Request) (*models.Response, error) {
	if cfg == nil || cfg.To == "" {
		return nil, errs.InvalidProxy("proxy target is required", cfg, nil)
	}

	targetURL, err := url.Parse(cfg.To)
	if err != nil || targetURL.Scheme == "" || targetURL.Host == "" {
		return nil, errs.InvalidProxy("invalid proxy target URL "+cfg.To, cfg, err)
	}

	proxyReq, err := c.buildRequest(ctx, targetURL, cfg, request)
	if err != nil {
		return nil, errs.InvalidProxy("failed to create proxy request", cfg, err)
	}

	c.logger.Debug("Proxying request",
		zap.String("method", proxyReq.Method),
		zap.String("target", proxyReq.URL.String()))

	start := time.Now()
	resp, err := c.httpClient.Do(proxyReq)
	if err != nil {
		observability.RecordProxyRequest("error")
		return nil, errs.InvalidProxy("unable to connect to "+cfg.To, cfg, err)
	}
	defer resp.Body.Close() //nolint:errcheck // cleanup

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.RecordProxyRequest("error")
		return nil, errs.InvalidProxy("failed to read proxy response body", cfg, err)
	}
	elapsed := time.Since(start).Milliseconds()
	observability.RecordProxyRequest(fmt.Sprintf("%d", resp.StatusCode))

	headers := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if skippedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
			continue
		}
		items := make([]interface{}, len(values))
		for i, value := range values {
			items[i] = value
		}
		headers[key] = items
	}

	c.logger.Debug("Proxied response",
		zap.Int("status", resp.StatusCode),
		zap.Int64("elapsed_ms", elapsed))

	return &models.Response{
		StatusCode:        resp.StatusCode,
		Headers:           headers,
		Body:              string(body),
		ProxyResponseTime: &elapsed,
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, targetURL *url.URL, cfg *models.ProxyConfig, request models.Request) (*http.Request, error) {
	target := *targetURL
	path := stringField(request, "path")
	if path != "" {
		target.Path = strings.TrimSuffix(targetURL.Path, "/") + path
	}
	target.RawQuery = encodeQuery(request["query"])

	method := stringField(request, "method")
	if method == "" {
		method = http.MethodGet
	}

	proxyReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewBufferString(stringField(request, "body")))
	if err != nil {
		return nil, err
	}

	if headers, ok := request["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			for _, item := range headerValues(value) {
				proxyReq.Header.Add(key, item)
			}
		}
	}
	for key, value := range cfg.InjectHeaders {
		proxyReq.Header.Set(key, value)
	}

	// Set Host header
	if c.config.PreserveHost {
		if host := proxyReq.Header.Get("Host"); host != "" {
			proxyReq.Host = host
		}
	} else {
		proxyReq.Host = targetURL.Host
	}

	if clientIP := getClientIP(request); clientIP != "" {
		proxyReq.Header.Set("X-Forwarded-For", clientIP)
	}
	return proxyReq, nil
}

// getClientIP extracts the client IP from the request
func getClientIP(request models.Request) string {
	if headers, ok := request["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if !strings.EqualFold(key, "X-Forwarded-For") {
				continue
			}
			values := headerValues(value)
			if len(values) > 0 && values[0] != "" {
				// X-Forwarded-For can contain multiple IPs, get the first one
				if idx := strings.Index(values[0], ","); idx != -1 {
					return strings.TrimSpace(values[0][:idx])
				}
				return values[0]
			}
		}
	}
	return stringField(request, "ip")
}

func encodeQuery(raw interface{}) string {
	query, ok := raw.(map[string]interface{})
	if !ok || len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, key := range keys {
		for _, item := range headerValues(query[key]) {
			values.Add(key, item)
		}
	}
	return values.Encode()
}

func headerValues(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(v)}
	}
}

func stringField(request models.Request, key string) string {
	value, ok := request[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// Noop answers every proxy call with an empty response. It is used for
// dry runs where no downstream call may be made.
type Noop struct{}

// To returns an empty response without contacting cfg.To
func (Noop) To(_ context.Context, cfg *models.ProxyConfig, _ models.Request) (*models.Response, error) {
	if cfg == nil || cfg.To == "" {
		return nil, errs.InvalidProxy("proxy target is required", cfg, nil)
	}
	elapsed := int64(0)
	return &models.Response{ProxyResponseTime: &elapsed}, nil
}
