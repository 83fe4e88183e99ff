package wso2

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/auth/pkce"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/config"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/misc"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/util"
	log "github.com/sirupsen/logrus"
)

// Service talks the OAuth2/OIDC wire protocol to the identity provider.
// One instance is shared by every session; it holds no per-flow state.
type Service struct {
	provider   config.ProviderConfig
	httpClient *http.Client
}

// NewService creates a provider client. When httpClient is nil a fresh client
// with the configured proxy settings is used.
func NewService(cfg *config.Config, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = util.SetProxy(cfg.ProxyURL, &http.Client{})
	}
	return &Service{
		provider:   cfg.Provider,
		httpClient: httpClient,
	}
}

// Provider returns the provider configuration the service was built with.
func (s *Service) Provider() config.ProviderConfig { return s.provider }

// LoginRequest is the product of BuildLoginURL: the authorization URL to
// redirect the browser to, plus the flow state the orchestrator must persist
// for the redirect landing.
type LoginRequest struct {
	URL      string
	State    string
	ClientID string
	Verifier string
}

// BuildLoginURL generates a fresh PKCE pair and state token and assembles the
// authorization URL for the standard login flow. The caller owns persisting
// the returned flow state; the challenge is derived from the returned
// verifier and never regenerated.
func (s *Service) BuildLoginURL(clientID string) (*LoginRequest, error) {
	codes, err := pkce.Generate()
	if err != nil {
		return nil, fmt.Errorf("wso2: pkce generation failed: %w", err)
	}
	state, err := misc.GenerateRandomState()
	if err != nil {
		return nil, fmt.Errorf("wso2: state generation failed: %w", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {s.provider.RedirectURI},
		"scope":                 {s.provider.Scope},
		"state":                 {state},
		"code_challenge":        {codes.CodeChallenge},
		"code_challenge_method": {"S256"},
	}

	return &LoginRequest{
		URL:      fmt.Sprintf("%s?%s", s.provider.AuthorizeURL, params.Encode()),
		State:    state,
		ClientID: clientID,
		Verifier: codes.CodeVerifier,
	}, nil
}

// BuildStepUpRequest issues a direct (non-redirect) authorization request
// that starts a step-up challenge, optionally carrying the username hint
// extracted from the current identity. It returns the provider's raw JSON
// body; the shape varies across provider versions and is normalized by
// NormalizeChallenge.
func (s *Service) BuildStepUpRequest(ctx context.Context, clientID, usernameHint string) ([]byte, error) {
	state, err := misc.GenerateRandomState()
	if err != nil {
		return nil, fmt.Errorf("wso2: state generation failed: %w", err)
	}

	form := url.Values{
		"client_id":     {clientID},
		"response_type": {"code"},
		"redirect_uri":  {s.provider.RedirectURI},
		"state":         {state},
		"scope":         {s.provider.Scope},
		"response_mode": {"direct"},
	}
	if strings.TrimSpace(usernameHint) != "" {
		form.Set("username", usernameHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provider.AuthorizeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("wso2: failed to create step-up request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wso2: step-up request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wso2: failed to read step-up response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ChallengeInitiationError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}
