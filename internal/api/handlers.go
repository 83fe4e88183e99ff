package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/auth/wso2"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/buildinfo"
)

// Handler serves the auth facade endpoints. Each browser session owns one
// auth controller; the handler only routes requests to it.
type Handler struct {
	sessions *SessionManager
}

// NewHandler creates a handler backed by the given session manager.
func NewHandler(sessions *SessionManager) *Handler {
	return &Handler{sessions: sessions}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
}

// Login starts the authorization-code flow and redirects the browser to the
// provider's authorization endpoint.
func (h *Handler) Login(c *gin.Context) {
	ws := h.sessions.Session(c)
	authURL, err := ws.controller.StartLogin("")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "failed to start login"})
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

// Callback lands the provider redirect. Absent or stale parameters are a
// silent no-op; either way the browser ends up back at the application root
// with the auth query parameters stripped.
func (h *Handler) Callback(c *gin.Context) {
	ws, ok := h.sessions.Peek(c)
	if !ok {
		c.Redirect(http.StatusFound, "/")
		return
	}
	if err := ws.controller.HandleRedirectLanding(c.Request.Context(), c.Request.URL.String()); err != nil {
		log.Warnf("authorization code exchange failed: %s", wso2.UserFriendlyMessage(err))
	}
	c.Redirect(http.StatusFound, "/")
}

// Session reports the authentication state of the caller's session.
func (h *Handler) Session(c *gin.Context) {
	ws, ok := h.sessions.Peek(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	resp := gin.H{
		"authenticated": false,
		"stepup_state":  ws.controller.StepUpState(),
	}
	if tokens := ws.controller.CurrentTokenSet(); tokens != nil {
		resp["authenticated"] = true
		resp["client_id"] = tokens.ClientIDUsed
		resp["expires_at"] = tokens.ExpiresAt().Format(time.RFC3339)
		resp["expired"] = tokens.Expired()
	}
	c.JSON(http.StatusOK, resp)
}

// Refresh exchanges the session's refresh token for a fresh token set.
func (h *Handler) Refresh(c *gin.Context) {
	ws, ok := h.sessions.Peek(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "not authenticated"})
		return
	}
	if err := ws.controller.Refresh(c.Request.Context()); err != nil {
		status := http.StatusBadGateway
		if wso2.IsRefreshError(err) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"status": "error", "error": wso2.UserFriendlyMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Logout clears the session's tokens and drops the session.
func (h *Handler) Logout(c *gin.Context) {
	if ws, ok := h.sessions.Peek(c); ok {
		ws.controller.Logout()
		h.sessions.Drop(c, ws)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StepUp initiates an email OTP challenge under the step-up client identity.
func (h *Handler) StepUp(c *gin.Context) {
	ws, ok := h.sessions.Peek(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "not authenticated"})
		return
	}
	challenge, err := ws.controller.RequestStepUp(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": wso2.UserFriendlyMessage(err)})
		return
	}
	ws.setChallenge(challenge)
	c.JSON(http.StatusOK, gin.H{
		"status":           "challenge",
		"flow_id":          challenge.FlowID,
		"authenticator_id": challenge.AuthenticatorID,
	})
}

type stepUpVerifyRequest struct {
	Code string `json:"code"`
}

// StepUpVerify submits the user's OTP for the pending challenge.
func (h *Handler) StepUpVerify(c *gin.Context) {
	ws, ok := h.sessions.Peek(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "not authenticated"})
		return
	}
	var req stepUpVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "code is required"})
		return
	}
	challenge := ws.pendingChallenge()
	if challenge == nil {
		c.JSON(http.StatusConflict, gin.H{"status": "error", "error": "no step-up challenge in progress"})
		return
	}

	outcome, err := ws.controller.SubmitStepUpCode(c.Request.Context(), challenge, req.Code)
	if err != nil {
		status := http.StatusBadGateway
		if wso2.IsRecoverable(err) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{
			"status":      "error",
			"error":       wso2.UserFriendlyMessage(err),
			"recoverable": wso2.IsRecoverable(err),
		})
		return
	}
	if !outcome.Completed {
		c.JSON(http.StatusOK, gin.H{
			"status":      "pending",
			"flow_status": outcome.FlowStatus,
		})
		return
	}

	ws.setChallenge(nil)
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"elevated": outcome.TokenSet != nil,
	})
}

// UserInfo fetches the OIDC user-info claims for the session's access token.
func (h *Handler) UserInfo(c *gin.Context) {
	ws, ok := h.sessions.Peek(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "not authenticated"})
		return
	}
	tokens := ws.controller.CurrentTokenSet()
	if tokens == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "not authenticated"})
		return
	}

	h.sessions.mu.Lock()
	svc := h.sessions.svc
	h.sessions.mu.Unlock()

	claims, err := svc.FetchUserInfo(c.Request.Context(), tokens.AccessToken)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": "userinfo request failed"})
		return
	}
	c.JSON(http.StatusOK, claims)
}
