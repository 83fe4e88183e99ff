package wso2

import "time"

// TokenSet holds the tokens produced by one successful code exchange, step-up
// completion, or refresh. It is replaced wholesale, never mutated in place.
type TokenSet struct {
	// AccessToken authenticates calls to the resource gateway and the
	// user-info endpoint.
	AccessToken string `json:"access_token"`

	// IDToken is the OIDC identity token, when the requested scope includes
	// openid.
	IDToken string `json:"id_token,omitempty"`

	// RefreshToken is used to obtain a new token set when the access token
	// expires.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the provider-reported access token lifetime in seconds.
	ExpiresIn int `json:"expires_in,omitempty"`

	// ClientIDUsed records which OAuth client identity produced this set.
	// Refresh and step-up submission must reuse the identity that issued the
	// token they are extending.
	ClientIDUsed string `json:"client_id_used"`

	// ObtainedAt is when the set was issued, used to derive expiry.
	ObtainedAt time.Time `json:"obtained_at"`
}

// ExpiresAt returns the wall-clock expiry of the access token, or the zero
// time when the provider did not report a lifetime.
func (t *TokenSet) ExpiresAt() time.Time {
	if t == nil || t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.ObtainedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the access token lifetime has elapsed. Sets without
// a reported lifetime never report expired.
func (t *TokenSet) Expired() bool {
	exp := t.ExpiresAt()
	return !exp.IsZero() && time.Now().After(exp)
}
