package httpengine

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
)

func testConfig() config.NetworkConfig {
	return config.NetworkConfig{
		Timeout:   5 * time.Second,
		UserAgent: "scalpel-hitl/test",
		Headers:   map[string]string{"X-Team": "extraction"},
	}
}

func newEngine(t *testing.T, cfg config.NetworkConfig) *Engine {
	t.Helper()
	e, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func TestAttemptReplaysSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "operator-browser", r.UserAgent())
		assert.Equal(t, "extraction", r.Header.Get("X-Team"))
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	e := newEngine(t, testConfig())
	assert.Equal(t, "http", e.Name())

	res, err := e.Attempt(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, err = e.Attempt(context.Background(), server.URL, &schemas.SessionMaterial{
		Cookies:   []schemas.Cookie{{Name: "sid", Value: "abc"}},
		Headers:   map[string]string{"Authorization": "Bearer t"},
		UserAgent: "operator-browser",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "<html>ok</html>", string(res.Body))
	assert.Equal(t, "http", res.Engine)
	assert.Equal(t, "direct", res.Provider)
}

func TestAttemptFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login?next=/data", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<form><input type="password"></form>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	res, err := newEngine(t, testConfig()).Attempt(context.Background(), server.URL+"/data", nil)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/login?next=/data", res.FinalURL)
}

func TestAttemptDecodesCompressedBodies(t *testing.T) {
	const page = "<html><body>compressed</body></html>"

	var brBuf bytes.Buffer
	bw := brotli.NewWriter(&brBuf)
	_, err := bw.Write([]byte(page))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err = gw.Write([]byte(page))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	tests := []struct {
		encoding string
		payload  []byte
	}{
		{"br", brBuf.Bytes()},
		{"gzip", gzBuf.Bytes()},
		{"", []byte(page)},
	}
	for _, tt := range tests {
		t.Run("encoding="+tt.encoding, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
				if tt.encoding != "" {
					w.Header().Set("Content-Encoding", tt.encoding)
				}
				_, _ = w.Write(tt.payload)
			}))
			defer server.Close()

			res, err := newEngine(t, testConfig()).Attempt(context.Background(), server.URL, nil)
			require.NoError(t, err)
			assert.Equal(t, page, string(res.Body))
			assert.Empty(t, http.Header(res.Header).Get("Content-Encoding"))
		})
	}
}

func TestAttemptTruncatesLargeBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 4096))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 100
	res, err := newEngine(t, cfg).Attempt(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Len(t, res.Body, 100)
}

func TestAttemptTransportErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newEngine(t, testConfig()).Attempt(context.Background(), url, nil)
	assert.Error(t, err)
}

func TestRateLimiterIsPerDomain(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 1
	e := newEngine(t, cfg)

	a := e.limiter("a.example")
	assert.Same(t, a, e.limiter("a.example"))
	assert.NotSame(t, a, e.limiter("b.example"))
	assert.True(t, a.Allow())
	assert.False(t, a.Allow(), "burst of one is spent")
	assert.True(t, e.limiter("b.example").Allow(), "other domains are unaffected")
}

func TestRateLimiterHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	e := newEngine(t, cfg)
	require.True(t, e.limiter("127.0.0.1").Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Attempt(ctx, "http://127.0.0.1:1/", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestAttemptGoesThroughConfiguredProxy(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via proxy"))
	}))
	defer target.Close()

	var proxied atomic.Int32
	proxy := goproxy.NewProxyHttpServer()
	proxy.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		proxied.Add(1)
		return r, nil
	})
	proxyServer := httptest.NewServer(proxy)
	defer proxyServer.Close()

	cfg := testConfig()
	cfg.Proxy = config.ProxyConfig{Provider: "residential", URL: proxyServer.URL}
	res, err := newEngine(t, cfg).Attempt(context.Background(), target.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "via proxy", string(res.Body))
	assert.Equal(t, "residential", res.Provider)
	assert.Equal(t, int32(1), proxied.Load())
}

func TestInvalidProxyURL(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.URL = "://bad"
	_, err := New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
