package wso2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// FetchUserInfo retrieves the claims map for an access token from the OIDC
// user-info endpoint.
func (s *Service) FetchUserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if s.provider.UserInfoURL == "" {
		return nil, fmt.Errorf("wso2: userinfo endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.provider.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("wso2: failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wso2: userinfo request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wso2: failed to read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wso2: userinfo request failed with status %d: %s", resp.StatusCode, truncateBody(body))
	}

	claims := make(map[string]any)
	if err = json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("wso2: failed to parse userinfo response: %w", err)
	}
	return claims, nil
}

// usernameClaimPaths are the claim variants probed for a username hint, most
// specific first.
var usernameClaimPaths = []string{"username", "preferred_username", "email", "sub"}

// UsernameFromClaims extracts a username hint for the step-up flow from a
// claims map, or returns empty when none of the known claims are present.
func UsernameFromClaims(claims map[string]any) string {
	if len(claims) == 0 {
		return ""
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return ""
	}
	for _, path := range usernameClaimPaths {
		if res := gjson.GetBytes(raw, path); res.Type == gjson.String && strings.TrimSpace(res.String()) != "" {
			return res.String()
		}
	}
	return ""
}
