package httpx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errors"
)

// ExecutionMode records which strategy served a request.
type ExecutionMode string

const (
	ModeDirect ExecutionMode = "direct"
	ModeJSONP  ExecutionMode = "jsonp"
	ModeProxy  ExecutionMode = "proxy"
)

// corsVerdict caches the preflight outcome for one endpoint origin.
type corsVerdict struct {
	supported bool
	checkedAt time.Time
}

// verdictTTL bounds how long a preflight verdict is trusted before the
// endpoint is probed again.
const verdictTTL = 5 * time.Minute

// CORSHandler negotiates cross-origin access for browser-facing
// deployments. It tries strategies in a fixed order: a direct request
// when the endpoint grants the configured origin, then JSONP, then a
// proxy, and fails only when every configured route is exhausted.
type CORSHandler struct {
	cfg    config.CORSConfig
	client *Client
	logger *zap.Logger

	verdicts map[string]corsVerdict
	mu       sync.Mutex
}

// NewCORSHandler wraps the executor with CORS negotiation.
func NewCORSHandler(cfg config.CORSConfig, client *Client, logger *zap.Logger) *CORSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CORSHandler{
		cfg:      cfg,
		client:   client,
		logger:   logger.With(zap.String("component", "cors_handler")),
		verdicts: make(map[string]corsVerdict),
	}
}

// Execute runs the request through the strategy chain and reports which
// mode served it.
func (h *CORSHandler) Execute(ctx context.Context, req *Request) (*Response, ExecutionMode, error) {
	if !h.cfg.Enabled {
		resp, err := h.client.Do(ctx, req)
		return resp, ModeDirect, err
	}

	endpoint, err := endpointOrigin(req.URL)
	if err != nil {
		return nil, ModeDirect, err
	}

	if h.endpointSupportsCORS(ctx, endpoint, req.Method) {
		resp, err := h.direct(ctx, req)
		if err == nil {
			return resp, ModeDirect, nil
		}
		if !h.cfg.AutoFallback || !isCORSError(err, resp) {
			return resp, ModeDirect, err
		}
		// The preflight verdict was stale; demote it and fall through to
		// the configured fallbacks.
		h.demote(endpoint)
		h.logger.Warn("direct request failed with CORS error, falling back",
			zap.String("endpoint", endpoint))
	}

	if h.cfg.JSONPFallback && isReadOnly(req.Method) {
		resp, err := h.jsonp(ctx, req)
		if err == nil {
			return resp, ModeJSONP, nil
		}
		h.logger.Warn("JSONP fallback failed", zap.String("endpoint", endpoint), zap.Error(err))
	}

	if h.cfg.ProxyURL != "" {
		resp, err := h.proxy(ctx, req)
		return resp, ModeProxy, err
	}

	return nil, ModeDirect, errors.New(errors.CategoryNetwork, "CORS_NO_FALLBACK",
		"endpoint does not permit cross-origin access and no fallback is configured").
		WithSuggestions(
			"enable Access-Control-Allow-Origin on the endpoint",
			"configure a JSONP callback parameter",
			"route requests through a same-origin proxy",
		)
}

// direct issues the request with the configured Origin header attached.
func (h *CORSHandler) direct(ctx context.Context, req *Request) (*Response, error) {
	clone := *req
	clone.Headers = cloneHeaders(req.Headers)
	if h.cfg.Origin != "" {
		clone.Headers["Origin"] = h.cfg.Origin
	}
	return h.client.Do(ctx, &clone)
}

// jsonp retries the call as a GET with the callback parameter appended
// and strips the function wrapper from the response body.
func (h *CORSHandler) jsonp(ctx context.Context, req *Request) (*Response, error) {
	callbackParam := h.cfg.CallbackParam
	if callbackParam == "" {
		callbackParam = "callback"
	}
	callbackName := fmt.Sprintf("dl_cb_%d", time.Now().UnixNano())

	clone := *req
	clone.Method = http.MethodGet
	clone.Body = nil
	clone.Headers = cloneHeaders(req.Headers)
	clone.Query = cloneQuery(req.Query)
	clone.Query.Set(callbackParam, callbackName)

	resp, err := h.client.Do(ctx, &clone)
	if err != nil {
		return resp, err
	}

	payload, err := stripJSONPWrapper(resp.Body, callbackName)
	if err != nil {
		return resp, err
	}
	resp.Body = payload
	return resp, nil
}

// proxy re-targets the request through the configured same-origin proxy,
// forwarding the original URL as a query parameter.
func (h *CORSHandler) proxy(ctx context.Context, req *Request) (*Response, error) {
	proxyTarget, err := url.Parse(h.cfg.ProxyURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "CORS_PROXY_INVALID", "invalid proxy URL")
	}

	original, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "HTTP_URL_INVALID", "invalid request URL")
	}
	if len(req.Query) > 0 {
		q := original.Query()
		for key, values := range req.Query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		original.RawQuery = q.Encode()
	}

	q := proxyTarget.Query()
	q.Set("url", original.String())
	proxyTarget.RawQuery = q.Encode()

	clone := *req
	clone.URL = proxyTarget.String()
	clone.Query = nil
	return h.client.Do(ctx, &clone)
}

// endpointSupportsCORS returns the cached verdict for the endpoint,
// probing with a preflight request when the cache is cold or expired.
func (h *CORSHandler) endpointSupportsCORS(ctx context.Context, endpoint, method string) bool {
	h.mu.Lock()
	v, ok := h.verdicts[endpoint]
	h.mu.Unlock()
	if ok && time.Since(v.checkedAt) < verdictTTL {
		return v.supported
	}

	supported := h.preflight(ctx, endpoint, method)

	h.mu.Lock()
	h.verdicts[endpoint] = corsVerdict{supported: supported, checkedAt: time.Now()}
	h.mu.Unlock()
	return supported
}

// preflight probes the endpoint with an OPTIONS request the way a
// browser would.
func (h *CORSHandler) preflight(ctx context.Context, endpoint, method string) bool {
	if method == "" {
		method = http.MethodGet
	}

	probe := &Request{
		Method: http.MethodOptions,
		URL:    endpoint,
		Headers: map[string]string{
			"Origin":                        h.cfg.Origin,
			"Access-Control-Request-Method": method,
		},
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := h.client.Do(probeCtx, probe)
	if err != nil || resp == nil {
		return false
	}

	allowed := resp.Headers.Get("Access-Control-Allow-Origin")
	return allowed == "*" || (allowed != "" && strings.EqualFold(allowed, h.cfg.Origin))
}

// demote marks the endpoint as not supporting CORS so subsequent
// requests go straight to the fallbacks.
func (h *CORSHandler) demote(endpoint string) {
	h.mu.Lock()
	h.verdicts[endpoint] = corsVerdict{supported: false, checkedAt: time.Now()}
	h.mu.Unlock()
}

// isCORSError recognizes failures that indicate a cross-origin denial
// rather than an ordinary request failure.
func isCORSError(err error, resp *Response) bool {
	if resp != nil && resp.StatusCode == http.StatusForbidden &&
		resp.Headers.Get("Access-Control-Allow-Origin") == "" {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cors") ||
		strings.Contains(msg, "cross-origin") ||
		strings.Contains(msg, "preflight") ||
		strings.Contains(msg, "access-control-allow-origin")
}

// stripJSONPWrapper extracts the JSON payload from callback(payload).
func stripJSONPWrapper(body []byte, callback string) ([]byte, error) {
	text := strings.TrimSpace(string(body))
	text = strings.TrimSuffix(text, ";")

	open := strings.Index(text, "(")
	end := strings.LastIndex(text, ")")
	if open < 0 || end < open || !strings.HasPrefix(text, callback) {
		return nil, errors.New(errors.CategoryTransformation, "JSONP_MALFORMED",
			"response is not a JSONP callback invocation")
	}
	return []byte(text[open+1 : end]), nil
}

func endpointOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New(errors.CategoryValidation, "HTTP_URL_INVALID", "invalid request URL")
	}
	return u.Scheme + "://" + u.Host, nil
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func cloneQuery(q url.Values) url.Values {
	out := make(url.Values, len(q)+1)
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func isReadOnly(method string) bool {
	return method == "" || method == http.MethodGet || method == http.MethodHead
}
