// Package browser is the headless Chrome extraction engine. Each attempt runs
// in a fresh incognito browser context so replayed sessions never leak
// between domains.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// Name is the engine name used in learning statistics.
const Name = "browser"

const (
	readyTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// ErrClosed is returned by attempts made after Close.
var ErrClosed = errors.New("browser engine closed")

// Engine drives a single Chrome process shared by all attempts.
type Engine struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc

	startOnce     sync.Once
	startErr      error
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ schemas.Engine = (*Engine)(nil)

// New prepares the allocator. Chrome itself is launched on the first attempt.
func New(cfg config.BrowserConfig, logger *zap.Logger) *Engine {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOptions(cfg)...)
	return &Engine{
		cfg:         cfg,
		logger:      observability.Component(logger, "browser_engine"),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
}

func (e *Engine) Name() string { return Name }

// execOptions translates configuration into chromedp allocator options.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// start launches Chrome once.
func (e *Engine) start() error {
	e.startOnce.Do(func() {
		e.browserCtx, e.browserCancel = chromedp.NewContext(e.allocCtx)
		if err := chromedp.Run(e.browserCtx); err != nil {
			e.startErr = fmt.Errorf("failed to launch browser: %w", err)
			return
		}
		e.logger.Info("Browser launched.")
	})
	if e.startErr == nil && e.browserCtx == nil {
		return ErrClosed
	}
	return e.startErr
}

// Attempt navigates to target in an isolated context after installing the
// session's cookies, headers and user agent.
func (e *Engine) Attempt(ctx context.Context, target string, session *schemas.SessionMaterial) (*schemas.EngineResult, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := e.start(); err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		tabCtx, cancelDeadline = context.WithDeadline(tabCtx, deadline)
		defer cancelDeadline()
	}

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.listen)

	var (
		html     string
		finalURL string
	)
	start := time.Now()
	tasks := chromedp.Tasks{network.Enable()}
	tasks = append(tasks, sessionActions(target, session)...)
	tasks = append(tasks, chromedp.Navigate(target))
	if session != nil && len(session.LocalStorage) > 0 {
		tasks = append(tasks,
			chromedp.Evaluate(localStorageScript(session.LocalStorage), nil),
			chromedp.Reload(),
		)
	}
	tasks = append(tasks,
		chromedp.ActionFunc(func(c context.Context) error {
			readyCtx, readyCancel := context.WithTimeout(c, readyTimeout)
			defer readyCancel()
			if err := chromedp.WaitReady("body", chromedp.ByQuery).Do(readyCtx); err != nil && c.Err() == nil {
				e.logger.Debug("Body never became ready.", zap.String("target", target), zap.Error(err))
			}
			return nil
		}),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(tabCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("browser navigation to %s: %w", target, err)
	}

	status, header := doc.result()
	if status == 0 {
		status = http.StatusOK
	}
	result := &schemas.EngineResult{
		Engine:     Name,
		Provider:   "direct",
		StatusCode: status,
		FinalURL:   finalURL,
		Header:     header,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}
	e.logger.Debug("Rendered.",
		observability.Domain(schemas.DomainOf(target)),
		zap.Int("status", status),
		zap.Int("bytes", len(html)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// Close shuts Chrome down. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Waits for an in-flight launch and prevents later ones.
	e.startOnce.Do(func() {})

	var err error
	if e.browserCtx != nil {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(e.browserCtx) }()
		select {
		case err = <-done:
		case <-time.After(shutdownTimeout):
			e.logger.Warn("Browser shutdown timed out.", zap.Duration("timeout", shutdownTimeout))
		}
		e.browserCancel()
	}
	e.allocCancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// sessionActions installs session material before navigation.
func sessionActions(target string, session *schemas.SessionMaterial) []chromedp.Action {
	if session.IsEmpty() {
		return nil
	}
	var actions []chromedp.Action
	if session.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(session.UserAgent))
	}
	if len(session.Headers) > 0 {
		headers := make(network.Headers, len(session.Headers))
		for k, v := range session.Headers {
			headers[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	for _, c := range session.Cookies {
		actions = append(actions, cookieParams(target, c))
	}
	return actions
}

func cookieParams(target string, c schemas.Cookie) *network.SetCookieParams {
	p := network.SetCookie(c.Name, c.Value).
		WithHTTPOnly(c.HTTPOnly).
		WithSecure(c.Secure)
	if c.Domain != "" {
		p = p.WithDomain(c.Domain)
		path := c.Path
		if path == "" {
			path = "/"
		}
		p = p.WithPath(path)
	} else {
		p = p.WithURL(target)
		if c.Path != "" {
			p = p.WithPath(c.Path)
		}
	}
	if c.Expires != nil {
		expires := cdp.TimeSinceEpoch(*c.Expires)
		p = p.WithExpires(&expires)
	}
	return p
}

func localStorageScript(items map[string]string) string {
	var b strings.Builder
	b.WriteString("(function(){try{")
	for k, v := range items {
		key, _ := json.Marshal(k)
		value, _ := json.Marshal(v)
		fmt.Fprintf(&b, "localStorage.setItem(%s,%s);", key, value)
	}
	b.WriteString("}catch(e){}})()")
	return b.String()
}

// documentResponse captures the main document's status and headers. Redirect
// hops never produce a ResponseReceived event, so the first document response
// is the final one.
type documentResponse struct {
	mu     sync.Mutex
	status int
	header map[string][]string
}

func (d *documentResponse) listen(ev interface{}) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != 0 {
		return
	}
	d.status = int(e.Response.Status)
	d.header = make(map[string][]string, len(e.Response.Headers))
	for k, v := range e.Response.Headers {
		d.header[http.CanonicalHeaderKey(k)] = strings.Split(fmt.Sprint(v), "\n")
	}
}

func (d *documentResponse) result() (int, map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.header
}
