package wso2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// tokenResponse mirrors the token endpoint's JSON body for both the
// authorization_code and refresh_token grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ExchangeCode exchanges a one-time authorization code for a token set using
// the authorization_code grant. verifier may be empty for codes obtained from
// a step-up flow, which carries no PKCE binding. The call never retries and
// performs no replay deduplication; both are the orchestrator's
// responsibility.
func (s *Service) ExchangeCode(ctx context.Context, code, verifier, clientID string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {clientID},
		"redirect_uri": {s.provider.RedirectURI},
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	body, status, err := s.postTokenEndpoint(ctx, form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &TokenExchangeError{Status: status, Body: body}
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, &TokenExchangeError{Status: status, Body: body}
	}

	log.Debugf("token exchange succeeded for client %s", clientID)
	return &TokenSet{
		AccessToken:  tokenResp.AccessToken,
		IDToken:      tokenResp.IDToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
		ClientIDUsed: clientID,
		ObtainedAt:   time.Now(),
	}, nil
}

// Refresh exchanges a refresh token for a new token set. An invalid or
// expired refresh token surfaces as a RefreshError; the caller forces a
// re-login rather than retrying.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientID string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("wso2: refresh token is required")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}

	body, status, err := s.postTokenEndpoint(ctx, form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &RefreshError{Status: status, Body: body}
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, &RefreshError{Status: status, Body: body}
	}

	newSet := &TokenSet{
		AccessToken:  tokenResp.AccessToken,
		IDToken:      tokenResp.IDToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
		ClientIDUsed: clientID,
		ObtainedAt:   time.Now(),
	}
	// Some deployments omit the rotated refresh token; keep the old one so
	// the session can refresh again.
	if newSet.RefreshToken == "" {
		newSet.RefreshToken = refreshToken
	}
	return newSet, nil
}

func (s *Service) postTokenEndpoint(ctx context.Context, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("wso2: failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("wso2: token request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("wso2: failed to read token response: %w", err)
	}
	return body, resp.StatusCode, nil
}
