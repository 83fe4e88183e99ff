// Package misc provides miscellaneous helpers that do not fit into more
// specific domain packages: OAuth state generation and callback parsing.
package misc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// GenerateRandomState generates a cryptographically secure random state
// parameter for OAuth2 flows to prevent CSRF attacks.
func GenerateRandomState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// OAuthCallback captures the parsed OAuth callback parameters.
type OAuthCallback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseOAuthCallback extracts OAuth parameters from a callback URL. It
// accepts full URLs, bare query strings, and `code=...` fragments, so a
// manually pasted callback works in any of the forms browsers produce.
// It returns nil when the input is empty.
func ParseOAuthCallback(input string) (*OAuthCallback, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, nil
	}

	parsed, err := url.Parse(normalizeCallbackInput(trimmed))
	if err != nil {
		return nil, err
	}

	cb := &OAuthCallback{}
	readParams := func(values url.Values) {
		if cb.Code == "" {
			cb.Code = strings.TrimSpace(values.Get("code"))
		}
		if cb.State == "" {
			cb.State = strings.TrimSpace(values.Get("state"))
		}
		if cb.Error == "" {
			cb.Error = strings.TrimSpace(values.Get("error"))
		}
		if cb.ErrorDescription == "" {
			cb.ErrorDescription = strings.TrimSpace(values.Get("error_description"))
		}
	}
	readParams(parsed.Query())
	if parsed.Fragment != "" {
		// Some providers return parameters in the fragment instead.
		if fragQuery, errFrag := url.ParseQuery(parsed.Fragment); errFrag == nil {
			readParams(fragQuery)
		}
	}

	// A raw `code=...#state` fragment pasted without an URL shell.
	if cb.Code != "" && cb.State == "" && strings.Contains(cb.Code, "#") {
		parts := strings.SplitN(cb.Code, "#", 2)
		cb.Code, cb.State = parts[0], parts[1]
	}
	if cb.Error == "" && cb.ErrorDescription != "" {
		cb.Error, cb.ErrorDescription = cb.ErrorDescription, ""
	}

	if cb.Code == "" && cb.Error == "" {
		return nil, fmt.Errorf("callback URL missing code")
	}
	return cb, nil
}

// normalizeCallbackInput turns partial inputs (bare query strings, host-less
// paths, `code=...` pairs) into something url.Parse accepts.
func normalizeCallbackInput(input string) string {
	if strings.Contains(input, "://") {
		return input
	}
	switch {
	case strings.HasPrefix(input, "?"):
		return "http://localhost" + input
	case strings.ContainsAny(input, "/?#") || strings.Contains(input, ":"):
		return "http://" + input
	case strings.Contains(input, "="):
		return "http://localhost/?" + input
	default:
		return "invalid://"
	}
}
