package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// hopHeaders are stripped from proxied responses per RFC 7230 section 6.1.
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

// Resource forwards an authorized request to the upstream gateway, attaching
// the session's access token as a bearer credential.
func (h *Handler) Resource(c *gin.Context) {
	ws, ok := h.sessions.Peek(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "not authenticated"})
		return
	}

	h.sessions.mu.Lock()
	base := h.sessions.cfg.Resource.BaseURL
	h.sessions.mu.Unlock()
	if base == "" {
		c.JSON(http.StatusNotImplemented, gin.H{"status": "error", "error": "no resource gateway configured"})
		return
	}

	target := strings.TrimRight(base, "/") + c.Param("path")
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid upstream request"})
		return
	}
	for key, values := range c.Request.Header {
		if key == "Authorization" || key == "Cookie" {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := ws.controller.AuthorizedDo(req)
	if err != nil {
		if ws.controller.CurrentTokenSet() == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "not authenticated"})
			return
		}
		log.Warnf("resource proxy request failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": "upstream request failed"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Writer.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	for _, key := range hopHeaders {
		header.Del(key)
	}
	c.Status(resp.StatusCode)
	if _, errCopy := io.Copy(c.Writer, resp.Body); errCopy != nil {
		log.Debugf("resource proxy response copy aborted: %v", errCopy)
	}
}
