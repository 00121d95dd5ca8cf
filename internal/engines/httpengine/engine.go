// Package httpengine is the plain HTTP extraction engine. It replays session
// cookies and headers and throttles itself per domain.
package httpengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// Name is the engine name used in learning statistics.
const Name = "http"

const defaultMaxBody = 5 << 20

// Engine implements schemas.Engine over net/http.
type Engine struct {
	cfg      config.NetworkConfig
	client   *http.Client
	provider string
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ schemas.Engine = (*Engine)(nil)

// New creates the engine from network configuration.
func New(cfg config.NetworkConfig, logger *zap.Logger) (*Engine, error) {
	logger = observability.Component(logger, "http_engine")
	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	provider := cfg.Proxy.Provider
	if provider == "" {
		provider = "direct"
	}
	return &Engine{
		cfg:      cfg,
		client:   newClient(cfg, transport),
		provider: provider,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func (e *Engine) Name() string { return Name }

// Attempt fetches target once, waiting for the domain's rate limiter first.
// Only transport failures are errors; any HTTP status is a result.
func (e *Engine) Attempt(ctx context.Context, target string, session *schemas.SessionMaterial) (*schemas.EngineResult, error) {
	domain := schemas.DomainOf(target)
	if err := e.limiter(domain).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	e.decorate(req, session)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	if err := decompress(resp); err != nil {
		return nil, err
	}
	limit := e.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", target, err)
	}

	result := &schemas.EngineResult{
		Engine:     Name,
		Provider:   e.provider,
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Header:     resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
	}
	e.logger.Debug("Fetched.",
		observability.Domain(domain),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (e *Engine) decorate(req *http.Request, session *schemas.SessionMaterial) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}
	if session == nil {
		return
	}
	if session.UserAgent != "" {
		req.Header.Set("User-Agent", session.UserAgent)
	}
	for k, v := range session.Headers {
		req.Header.Set(k, v)
	}
	for _, c := range session.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// limiter returns the token bucket of a domain, creating it on first use.
func (e *Engine) limiter(domain string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[domain]
	if !ok {
		limit := rate.Inf
		if e.cfg.RateLimit > 0 {
			limit = rate.Limit(e.cfg.RateLimit)
		}
		burst := e.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		e.limiters[domain] = l
	}
	return l
}
