package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Hop-by-hop headers never cross the proxy in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxyHandler forwards any unmatched route to the upstream API. The local
// /api prefix is stripped, so /api/foo?x=1 reaches <target>/foo?x=1. A
// missing target answers 500, an unreachable upstream answers 502; an
// upstream error status is passed through untouched.
func (a *api) proxyHandler() gin.HandlerFunc {
	timeout := a.opts.ProxyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	target := strings.TrimRight(a.opts.ProxyTarget, "/")

	return func(c *gin.Context) {
		if target == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upstream proxy not configured"})
			return
		}

		path := strings.TrimPrefix(c.Request.URL.Path, "/api")
		if path == "" {
			path = "/"
		}
		endpoint := target + path
		if raw := c.Request.URL.RawQuery; raw != "" {
			endpoint += "?" + raw
		}

		req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, endpoint, c.Request.Body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "build proxy request failed"})
			return
		}

		copyHeaders(req.Header, c.Request.Header)
		req.Header.Del("Host")

		resp, err := client.Do(req)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("proxy upstream unreachable")
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unreachable"})
			return
		}
		defer resp.Body.Close()

		header := c.Writer.Header()
		copyHeaders(header, resp.Header)
		// The transport already decompressed the body, so the original
		// encoding and length headers no longer apply.
		header.Del("Content-Encoding")
		header.Del("Content-Length")

		c.Writer.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			a.logger.Debug().Err(err).Msg("proxy body copy interrupted")
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, hop := range hopHeaders {
		if strings.EqualFold(key, hop) {
			return true
		}
	}
	return false
}
