// Package blockdetect classifies raw engine responses into attempt outcomes
// by looking for anti-automation signals in status codes and markup.
package blockdetect

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// defaultMaxScanBytes bounds how much of a body is parsed for markers.
const defaultMaxScanBytes = 512 * 1024

var (
	captchaMarkers = []string{
		"google.com/recaptcha", "recaptcha/api.js", "hcaptcha.com", "challenges.cloudflare.com/turnstile",
	}
	captchaClasses = []string{"g-recaptcha", "h-captcha", "cf-turnstile"}
	challengeIDs   = []string{"challenge-form", "cf-challenge-running", "challenge-platform"}
	loginPaths     = []string{"/login", "/signin", "/sign-in", "/auth/", "/sso/", "/account/login"}
)

// Detector turns an EngineResult into an AttemptOutcome.
type Detector struct {
	maxScan int
	logger  *zap.Logger
}

// New creates a detector. maxScanBytes <= 0 selects the default.
func New(maxScanBytes int, logger *zap.Logger) *Detector {
	if maxScanBytes <= 0 {
		maxScanBytes = defaultMaxScanBytes
	}
	return &Detector{maxScan: maxScanBytes, logger: observability.Component(logger, "blockdetect")}
}

// Signals extracts every block signal present in res.
func (d *Detector) Signals(target string, res *schemas.EngineResult) []schemas.BlockSignal {
	found := make(map[schemas.BlockSignal]bool)
	switch res.StatusCode {
	case http.StatusUnauthorized:
		found[schemas.SignalHTTP401] = true
	case http.StatusForbidden:
		found[schemas.SignalHTTP403] = true
	case http.StatusTooManyRequests:
		found[schemas.SignalHTTP429] = true
	}
	if redirectedToLogin(target, res.FinalURL) {
		found[schemas.SignalLoginWall] = true
	}

	body := res.Body
	if len(body) > d.maxScan {
		body = body[:d.maxScan]
	}
	if looksLikeHTML(res.Header, body) {
		d.scanMarkup(body, found)
	}

	out := make([]schemas.BlockSignal, 0, len(found))
	for sig := range found {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classify decides what the run state machine should do with res.
//
// CAPTCHA and JS challenges, login walls and 401/403 block the run for a
// human. 429 and 5xx are retryable. Other 4xx are hard failures.
func (d *Detector) Classify(target string, res *schemas.EngineResult) schemas.AttemptOutcome {
	signals := d.Signals(target, res)
	has := func(sig schemas.BlockSignal) bool {
		for _, s := range signals {
			if s == sig {
				return true
			}
		}
		return false
	}

	var out schemas.AttemptOutcome
	switch {
	case has(schemas.SignalCaptcha):
		out = d.blocked(target, res, signals, "captcha", schemas.InterventionCaptcha, schemas.PriorityHigh)
	case has(schemas.SignalChallenge):
		out = d.blocked(target, res, signals, "js_challenge", schemas.InterventionCaptcha, schemas.PriorityHigh)
	case has(schemas.SignalLoginWall):
		out = d.blocked(target, res, signals, "login_wall", schemas.InterventionSessionExpired, schemas.PriorityHigh)
	case has(schemas.SignalHTTP401):
		out = d.blocked(target, res, signals, "401", schemas.InterventionSessionExpired, schemas.PriorityHigh)
	case has(schemas.SignalHTTP403):
		out = d.blocked(target, res, signals, "403", schemas.InterventionManualCompletion, schemas.PriorityNormal)
	case has(schemas.SignalHTTP429):
		out = schemas.SoftFailure("429")
	case res.StatusCode >= 500:
		out = schemas.SoftFailure(fmt.Sprintf("http %d", res.StatusCode))
	case res.StatusCode >= 400:
		out = schemas.HardFailure(fmt.Sprintf("http %d", res.StatusCode))
	case len(bytes.TrimSpace(res.Body)) == 0:
		out = schemas.SoftFailure("empty body")
	default:
		out = schemas.Success(res.Engine)
	}
	out.Engine = res.Engine
	out.Provider = res.Provider
	out.Signals = signals

	if out.Kind == schemas.OutcomeBlocked {
		d.logger.Debug("Block detected.",
			observability.Domain(schemas.DomainOf(target)),
			observability.Engine(res.Engine),
			zap.String("reason", out.Reason),
			zap.Int("status", res.StatusCode))
	}
	return out
}

func (d *Detector) blocked(target string, res *schemas.EngineResult, signals []schemas.BlockSignal, reason string, typ schemas.InterventionType, prio schemas.Priority) schemas.AttemptOutcome {
	payload, err := json.Marshal(map[string]any{
		"url":         target,
		"final_url":   res.FinalURL,
		"status_code": res.StatusCode,
		"engine":      res.Engine,
		"signals":     signals,
	})
	if err != nil {
		payload = nil
	}
	out := schemas.Blocked(reason, payload)
	out.InterventionType = typ
	out.Priority = prio
	return out
}

func (d *Detector) scanMarkup(body []byte, found map[schemas.BlockSignal]bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			inspectElement(n, found)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
}

func inspectElement(n *html.Node, found map[schemas.BlockSignal]bool) {
	switch n.Data {
	case "script", "iframe":
		src := strings.ToLower(attr(n, "src"))
		if containsAny(src, captchaMarkers) {
			found[schemas.SignalCaptcha] = true
		}
		if strings.Contains(src, "/cdn-cgi/challenge-platform") {
			found[schemas.SignalChallenge] = true
		}
	case "title":
		if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
			title := strings.ToLower(strings.TrimSpace(n.FirstChild.Data))
			if title == "just a moment..." || strings.Contains(title, "attention required") {
				found[schemas.SignalChallenge] = true
			}
		}
	case "input":
		if strings.EqualFold(attr(n, "type"), "password") {
			found[schemas.SignalLoginWall] = true
		}
	}

	for _, class := range strings.Fields(attr(n, "class")) {
		for _, marker := range captchaClasses {
			if class == marker {
				found[schemas.SignalCaptcha] = true
			}
		}
	}
	if id := attr(n, "id"); id != "" {
		for _, marker := range challengeIDs {
			if id == marker {
				found[schemas.SignalChallenge] = true
			}
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func looksLikeHTML(header map[string][]string, body []byte) bool {
	for k, values := range header {
		if !strings.EqualFold(k, "Content-Type") {
			continue
		}
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), "html") {
				return true
			}
		}
	}
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html")) || bytes.Contains(head, []byte("<head"))
}

// redirectedToLogin reports whether the engine ended up on a login page the
// target itself did not point at.
func redirectedToLogin(target, final string) bool {
	if final == "" {
		return false
	}
	fu, err := url.Parse(final)
	if err != nil {
		return false
	}
	finalPath := strings.ToLower(fu.Path)
	if !containsAny(finalPath+"/", loginPaths) {
		return false
	}
	tu, err := url.Parse(target)
	if err != nil {
		return true
	}
	return !strings.EqualFold(tu.Path, fu.Path)
}
