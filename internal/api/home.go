package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const homePage = `<!DOCTYPE html>
<html>
<head><title>Insurance Demo</title></head>
<body>
<h1>Insurance Demo</h1>
<p>This service fronts the identity provider and the resource gateway.</p>
<ul>
<li><a href="/auth/login">Sign in</a></li>
<li><a href="/auth/session">Session status</a></li>
<li><a href="/health">Health</a></li>
</ul>
</body>
</html>`

// Home serves a minimal landing page so the post-login redirect has
// somewhere sensible to land.
func (h *Handler) Home(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(homePage))
}
