package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/auth/wso2"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/config"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/misc"
	log "github.com/sirupsen/logrus"
)

// Store keys owned by the controller. Each key belongs to exactly one logical
// flow instance at a time, so no read-modify-write atomicity is needed.
const (
	keyFlowState      = "auth.flow_state"
	keyTokenSet       = "auth.token_set"
	usedCodeKeyPrefix = "auth.used_code."
)

// FlowState binds one login attempt to its CSRF state token and PKCE
// verifier. It lives from StartLogin until the code exchange resolves, then
// is removed regardless of outcome.
type FlowState struct {
	State    string `json:"state"`
	ClientID string `json:"clientId"`
	Verifier string `json:"verifier"`
}

// Controller orchestrates the authentication state machine for one logical
// browser session: it owns the current token set, reacts to redirect
// landings with exactly-once code consumption, and exposes authorized calls
// and the step-up sub-flow to the rest of the system.
type Controller struct {
	svc      *wso2.Service
	store    *Store
	provider config.ProviderConfig

	mu         sync.Mutex
	tokens     *wso2.TokenSet
	exchanging bool
	stepUp     *wso2.StepUpFlow

	httpClient *http.Client
}

// NewController creates a controller over the given provider client and
// store, restoring a previously persisted token set when one exists.
func NewController(cfg *config.Config, svc *wso2.Service, store *Store, httpClient *http.Client) *Controller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Controller{
		svc:        svc,
		store:      store,
		provider:   cfg.Provider,
		httpClient: httpClient,
	}
	var persisted wso2.TokenSet
	if store.Load(keyTokenSet, &persisted) && persisted.AccessToken != "" {
		c.tokens = &persisted
	}
	return c
}

// StartLogin builds the authorization URL for a login attempt and persists
// the flow state the redirect landing will validate against. An empty
// clientID uses the primary login client.
func (c *Controller) StartLogin(clientID string) (string, error) {
	if clientID == "" {
		clientID = c.provider.LoginClientID
	}
	login, err := c.svc.BuildLoginURL(clientID)
	if err != nil {
		return "", err
	}
	c.store.Save(keyFlowState, FlowState{
		State:    login.State,
		ClientID: login.ClientID,
		Verifier: login.Verifier,
	})
	return login.URL, nil
}

// HandleRedirectLanding processes the URL the provider redirected back to.
// It is safe to invoke any number of times with the same URL: a (state, code)
// pair is exchanged for tokens at most once. Absent parameters, a state that
// does not match the pending flow, an already-used code, or a concurrent
// in-flight exchange all no-op without error.
func (c *Controller) HandleRedirectLanding(ctx context.Context, rawURL string) error {
	code, state := parseLandingParams(rawURL)
	if code == "" || state == "" {
		return nil
	}

	var flow FlowState
	if !c.store.Load(keyFlowState, &flow) || flow.State != state {
		// A stale or foreign code; deliberately silent so the user is not
		// alarmed by someone else's redirect.
		log.Debugf("redirect landing with unmatched state, ignoring")
		return nil
	}

	marker := usedCodeKey(state, code)
	c.mu.Lock()
	if c.exchanging {
		c.mu.Unlock()
		return nil
	}
	var used bool
	if c.store.Load(marker, &used) && used {
		c.mu.Unlock()
		return nil
	}
	// The marker is written before the network exchange begins so a
	// duplicate invocation racing this one cannot double-submit the code.
	c.store.Save(marker, true)
	c.exchanging = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.exchanging = false
		c.mu.Unlock()
		c.store.Remove(keyFlowState)
	}()

	tokens, err := c.svc.ExchangeCode(ctx, code, flow.Verifier, flow.ClientID)
	if err != nil {
		// Previous tokens, if any, stay untouched.
		return err
	}

	c.setTokens(tokens)
	return nil
}

// CurrentTokenSet returns the session's token set, or nil when the session
// is not authenticated. Token availability is exposed only after the
// exchange that produced it has resolved.
func (c *Controller) CurrentTokenSet() *wso2.TokenSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// Refresh exchanges the session's refresh token for a new token set under
// the client identity that issued it. A RefreshError means the session is
// beyond saving and the user must log in again.
func (c *Controller) Refresh(ctx context.Context) error {
	current := c.CurrentTokenSet()
	if current == nil || current.RefreshToken == "" {
		return fmt.Errorf("session: no refresh token available")
	}
	tokens, err := c.svc.Refresh(ctx, current.RefreshToken, current.ClientIDUsed)
	if err != nil {
		return err
	}
	c.setTokens(tokens)
	return nil
}

// Logout discards the token set and all persisted auth state.
func (c *Controller) Logout() {
	c.mu.Lock()
	c.tokens = nil
	c.stepUp = nil
	c.mu.Unlock()
	c.store.Remove(keyTokenSet)
	c.store.Remove(keyFlowState)
}

// AuthorizedDo performs the request with the session's bearer token
// attached. It is the "authenticated HTTP fetch" capability offered to the
// rest of the system.
func (c *Controller) AuthorizedDo(req *http.Request) (*http.Response, error) {
	tokens := c.CurrentTokenSet()
	if tokens == nil {
		return nil, fmt.Errorf("session: not authenticated")
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	return c.httpClient.Do(req)
}

// RequestStepUp starts a step-up (email OTP) challenge under the step-up
// client identity, forwarding a username hint from the current identity's
// claims when one can be fetched.
func (c *Controller) RequestStepUp(ctx context.Context) (*wso2.ChallengeContext, error) {
	clientID := c.provider.StepUpClientID
	if clientID == "" {
		clientID = c.provider.LoginClientID
	}

	usernameHint := ""
	if tokens := c.CurrentTokenSet(); tokens != nil {
		if claims, err := c.svc.FetchUserInfo(ctx, tokens.AccessToken); err == nil {
			usernameHint = wso2.UsernameFromClaims(claims)
		} else {
			log.Debugf("userinfo fetch for step-up hint failed: %v", err)
		}
	}

	flow := wso2.NewStepUpFlow(c.svc)
	challenge, err := flow.Begin(ctx, clientID, usernameHint)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stepUp = flow
	c.mu.Unlock()
	return challenge, nil
}

// SubmitStepUpCode submits the user's OTP for a pending challenge. When the
// provider completes the flow with an embedded authorization code, the
// resulting token set replaces the session's tokens; a completed outcome
// with a nil TokenSet means no elevation occurred and the caller must check.
func (c *Controller) SubmitStepUpCode(ctx context.Context, challenge *wso2.ChallengeContext, otpCode string) (*wso2.VerifyOutcome, error) {
	c.mu.Lock()
	flow := c.stepUp
	c.mu.Unlock()
	if flow == nil {
		return nil, fmt.Errorf("session: no step-up challenge in progress")
	}

	outcome, err := flow.Verify(ctx, challenge, otpCode)
	if err != nil {
		return nil, err
	}
	if outcome.TokenSet != nil {
		c.setTokens(outcome.TokenSet)
	}
	if outcome.Completed {
		c.mu.Lock()
		c.stepUp = nil
		c.mu.Unlock()
	}
	return outcome, nil
}

// StepUpState reports the lifecycle state of the pending step-up attempt.
func (c *Controller) StepUpState() wso2.ChallengeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stepUp == nil {
		return wso2.StateIdle
	}
	return c.stepUp.State()
}

func (c *Controller) setTokens(tokens *wso2.TokenSet) {
	c.mu.Lock()
	c.tokens = tokens
	c.mu.Unlock()
	c.store.Save(keyTokenSet, tokens)
}

// StripAuthParams removes code/state/session_state from a landing URL so the
// one-time parameters never stay visible or get replayed from history.
func StripAuthParams(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	query.Del("code")
	query.Del("state")
	query.Del("session_state")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func parseLandingParams(rawURL string) (code, state string) {
	callback, err := misc.ParseOAuthCallback(rawURL)
	if err != nil || callback == nil {
		return "", ""
	}
	return callback.Code, callback.State
}

// usedCodeKey derives the durable marker key for a (state, code) pair. The
// code is hashed so arbitrarily long codes map to a bounded key.
func usedCodeKey(state, code string) string {
	sum := sha256.Sum256([]byte(state + "|" + code))
	return usedCodeKeyPrefix + hex.EncodeToString(sum[:8])
}
