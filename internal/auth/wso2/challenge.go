package wso2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ChallengeState tracks one step-up attempt through its lifecycle.
type ChallengeState string

const (
	StateIdle           ChallengeState = "IDLE"
	StateRequesting     ChallengeState = "REQUESTING"
	StateChallengeShown ChallengeState = "CHALLENGE_SHOWN"
	StateVerifying      ChallengeState = "VERIFYING"
	StateCompleted      ChallengeState = "COMPLETED"
	StateFailed         ChallengeState = "FAILED"
)

// flowStatusCompleted is the terminal marker the provider sets when the
// authentication flow has finished successfully.
const flowStatusCompleted = "SUCCESS_COMPLETED"

// ChallengeContext is the normalized shape extracted from the provider's
// challenge response. It is owned by the caller for the duration of one OTP
// entry and discarded after verification resolves.
type ChallengeContext struct {
	// FlowID correlates the in-progress multi-step authentication attempt.
	FlowID string `json:"flowId"`
	// AuthenticatorID identifies the challenge method selected within it.
	AuthenticatorID string `json:"authenticatorId"`
	// AuthnHref is the submission URL the provider advertised, or empty when
	// the default flow-execution endpoint should be used.
	AuthnHref string `json:"authnHref,omitempty"`
	// ClientID is the step-up client identity the challenge was started
	// under; the embedded-code exchange must reuse it.
	ClientID string `json:"clientId"`
	// Raw is the provider's unmodified challenge response, kept so callers
	// can render provider-specific hints (masked email address and the like).
	Raw []byte `json:"-"`
}

// extractionRule names one known field-path variant in a challenge response.
// The response schema is provider-version-dependent, so each identifier is
// probed across variants in priority order, most specific first.
type extractionRule struct {
	Name string
	Path string
}

// Probing tables for the three ChallengeContext fields. Order matters.
var (
	flowIDRules = []extractionRule{
		{"flowId", "flowId"},
		{"sessionDataKey", "sessionDataKey"},
		{"sessionDataKey (snake case)", "session_data_key"},
		{"sessionState", "sessionState"},
	}
	authenticatorIDRules = []extractionRule{
		{"nextStep authenticator", "nextStep.authenticators.0.authenticatorId"},
		{"authenticators list id", "authenticators.0.authenticatorId"},
		{"authenticators list short id", "authenticators.0.id"},
		{"direct authenticatorId", "authenticatorId"},
	}
	authnHrefRules = []extractionRule{
		{"authn link", `links.#(rel=="authn").href`},
		{"first link", "links.0.href"},
		{"direct href", "href"},
	}
)

// probe returns the first non-empty string match from the rule table.
func probe(body []byte, rules []extractionRule) (string, string) {
	for _, rule := range rules {
		if res := gjson.GetBytes(body, rule.Path); res.Exists() && res.Type == gjson.String && strings.TrimSpace(res.String()) != "" {
			return res.String(), rule.Name
		}
	}
	return "", ""
}

// NormalizeChallenge extracts a ChallengeContext from an arbitrarily-shaped
// challenge response. Missing flow or authenticator identifiers are terminal:
// the attempt cannot proceed without both.
func NormalizeChallenge(raw []byte) (*ChallengeContext, error) {
	flowID, flowRule := probe(raw, flowIDRules)
	if flowID == "" {
		return nil, &ChallengeNormalizationError{Missing: "flow identifier", Body: raw}
	}
	authenticatorID, authnRule := probe(raw, authenticatorIDRules)
	if authenticatorID == "" {
		return nil, &ChallengeNormalizationError{Missing: "authenticator identifier", Body: raw}
	}
	href, _ := probe(raw, authnHrefRules)

	log.Debugf("challenge normalized: flow via %q, authenticator via %q", flowRule, authnRule)
	return &ChallengeContext{
		FlowID:          flowID,
		AuthenticatorID: authenticatorID,
		AuthnHref:       href,
		Raw:             raw,
	}, nil
}

// VerifyOutcome is the result of one OTP submission.
type VerifyOutcome struct {
	// Completed reports whether the provider marked the flow terminal.
	Completed bool
	// FlowStatus is the provider's raw flow status marker.
	FlowStatus string
	// TokenSet is non-nil only when a terminal response carried an embedded
	// authorization code and the follow-up exchange succeeded. A completed
	// outcome with a nil TokenSet means no privilege elevation occurred.
	TokenSet *TokenSet
	// Raw is the provider's response, returned so callers can re-render
	// intermediate steps of multi-step flows.
	Raw []byte
}

// StepUpFlow drives one step-up (email OTP) attempt:
// IDLE -> REQUESTING -> CHALLENGE_SHOWN -> VERIFYING -> COMPLETED | FAILED.
type StepUpFlow struct {
	svc   *Service
	state ChallengeState
}

// NewStepUpFlow creates an idle step-up attempt bound to the provider client.
func NewStepUpFlow(svc *Service) *StepUpFlow {
	return &StepUpFlow{svc: svc, state: StateIdle}
}

// State returns the attempt's current lifecycle state.
func (f *StepUpFlow) State() ChallengeState { return f.state }

// Begin requests a challenge under the given client identity and normalizes
// the provider response. usernameHint, when non-empty, is forwarded so the
// provider can pre-select the account being stepped up.
func (f *StepUpFlow) Begin(ctx context.Context, clientID, usernameHint string) (*ChallengeContext, error) {
	f.state = StateRequesting
	raw, err := f.svc.BuildStepUpRequest(ctx, clientID, usernameHint)
	if err != nil {
		f.state = StateFailed
		return nil, err
	}
	challenge, err := NormalizeChallenge(raw)
	if err != nil {
		f.state = StateFailed
		return nil, err
	}
	challenge.ClientID = clientID
	f.state = StateChallengeShown
	return challenge, nil
}

// Verify submits the user's OTP code for the challenge. On a terminal
// response carrying an embedded authorization code it performs exactly one
// code exchange under the challenge's client identity, which is how a
// successful OTP levels up the session without a browser redirect.
func (f *StepUpFlow) Verify(ctx context.Context, challenge *ChallengeContext, otpCode string) (*VerifyOutcome, error) {
	if challenge == nil || challenge.FlowID == "" || challenge.AuthenticatorID == "" {
		return nil, fmt.Errorf("wso2: challenge context is incomplete")
	}
	f.state = StateVerifying

	raw, err := f.svc.submitOtp(ctx, challenge, otpCode)
	if err != nil {
		f.state = StateFailed
		return nil, err
	}

	outcome := &VerifyOutcome{
		FlowStatus: gjson.GetBytes(raw, "flowStatus").String(),
		Raw:        raw,
	}
	if outcome.FlowStatus != flowStatusCompleted {
		// Not yet terminal; the caller re-renders the next step.
		f.state = StateChallengeShown
		return outcome, nil
	}

	outcome.Completed = true
	code := gjson.GetBytes(raw, "authData.code").String()
	if code == "" {
		// Completed without an embedded code: no token rotation. Callers
		// must not assume elevation happened.
		log.Warn("step-up flow completed without an embedded authorization code")
		f.state = StateCompleted
		return outcome, nil
	}

	tokens, err := f.svc.ExchangeCode(ctx, code, "", challenge.ClientID)
	if err != nil {
		f.state = StateFailed
		return nil, err
	}
	outcome.TokenSet = tokens
	f.state = StateCompleted
	return outcome, nil
}

// submitOtp POSTs the selected-authenticator payload to the challenge's
// submission URL, falling back to the configured flow-execution endpoint.
func (s *Service) submitOtp(ctx context.Context, challenge *ChallengeContext, otpCode string) ([]byte, error) {
	endpoint := challenge.AuthnHref
	if endpoint == "" {
		endpoint = s.provider.AuthnURL
	}
	if endpoint == "" {
		return nil, fmt.Errorf("wso2: no authn endpoint available for otp submission")
	}

	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "flowId", challenge.FlowID)
	payload, _ = sjson.SetBytes(payload, "selectedAuthenticator.authenticatorId", challenge.AuthenticatorID)
	payload, _ = sjson.SetBytes(payload, "selectedAuthenticator.params.OTPCode", otpCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("wso2: failed to create otp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wso2: otp submission failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wso2: failed to read otp response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &OtpVerificationError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}
