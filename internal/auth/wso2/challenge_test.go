package wso2

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/config"
	"github.com/tidwall/gjson"
)

func testConfig(base string) *config.Config {
	return &config.Config{
		Provider: config.ProviderConfig{
			AuthorizeURL:   base + "/oauth2/authorize",
			TokenURL:       base + "/oauth2/token",
			AuthnURL:       base + "/oauth2/authn",
			UserInfoURL:    base + "/oauth2/userinfo",
			RedirectURI:    "http://localhost:8317/auth/callback",
			Scope:          "openid profile",
			LoginClientID:  "login_client",
			StepUpClientID: "stepup_client",
		},
	}
}

func TestNormalizeChallengeVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		wantFlow    string
		wantAuthn   string
		wantHref    string
		wantMissing string
	}{
		{
			name:      "direct fields",
			body:      `{"flowId":"f-1","authenticatorId":"a-1"}`,
			wantFlow:  "f-1",
			wantAuthn: "a-1",
		},
		{
			name:      "sessionDataKey with authenticators list short id",
			body:      `{"sessionDataKey":"sdk-9","authenticators":[{"id":"email-otp"}]}`,
			wantFlow:  "sdk-9",
			wantAuthn: "email-otp",
		},
		{
			name:      "nextStep authenticator with authn link",
			body:      `{"flowId":"f-2","nextStep":{"authenticators":[{"authenticatorId":"otp-7"}]},"links":[{"rel":"authn","href":"https://is.example.com/flow/authn"}]}`,
			wantFlow:  "f-2",
			wantAuthn: "otp-7",
			wantHref:  "https://is.example.com/flow/authn",
		},
		{
			name:      "snake case session data key",
			body:      `{"session_data_key":"sdk-s","authenticators":[{"authenticatorId":"a-s"}]}`,
			wantFlow:  "sdk-s",
			wantAuthn: "a-s",
		},
		{
			name:      "flowId preferred over sessionDataKey",
			body:      `{"flowId":"primary","sessionDataKey":"fallback","authenticatorId":"a-1"}`,
			wantFlow:  "primary",
			wantAuthn: "a-1",
		},
		{
			name:        "no recognized flow field",
			body:        `{"authenticatorId":"a-1"}`,
			wantMissing: "flow identifier",
		},
		{
			name:        "no recognized authenticator field",
			body:        `{"flowId":"f-1","nextStep":{}}`,
			wantMissing: "authenticator identifier",
		},
		{
			name:        "empty object",
			body:        `{}`,
			wantMissing: "flow identifier",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			challenge, err := NormalizeChallenge([]byte(tt.body))
			if tt.wantMissing != "" {
				var normErr *ChallengeNormalizationError
				if !errors.As(err, &normErr) {
					t.Fatalf("expected ChallengeNormalizationError, got %v", err)
				}
				if normErr.Missing != tt.wantMissing {
					t.Errorf("Missing = %q, want %q", normErr.Missing, tt.wantMissing)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeChallenge() error: %v", err)
			}
			if challenge.FlowID != tt.wantFlow {
				t.Errorf("FlowID = %q, want %q", challenge.FlowID, tt.wantFlow)
			}
			if challenge.AuthenticatorID != tt.wantAuthn {
				t.Errorf("AuthenticatorID = %q, want %q", challenge.AuthenticatorID, tt.wantAuthn)
			}
			if challenge.AuthnHref != tt.wantHref {
				t.Errorf("AuthnHref = %q, want %q", challenge.AuthnHref, tt.wantHref)
			}
		})
	}
}

// stepUpProvider fakes the three provider endpoints a step-up attempt touches.
type stepUpProvider struct {
	server        *httptest.Server
	challengeBody string
	verifyBody    string
	verifyStatus  int
	tokenCalls    atomic.Int32
	lastTokenForm map[string]string
	lastOtpBody   []byte
}

func newStepUpProvider(t *testing.T) *stepUpProvider {
	t.Helper()
	p := &stepUpProvider{verifyStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/authorize", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "expected POST", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(p.challengeBody))
	})
	mux.HandleFunc("/oauth2/authn", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.lastOtpBody = body
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.verifyStatus)
		_, _ = w.Write([]byte(p.verifyBody))
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		_ = r.ParseForm()
		p.lastTokenForm = map[string]string{}
		for k := range r.PostForm {
			p.lastTokenForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"elevated-token","refresh_token":"elevated-refresh","expires_in":3600}`))
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *stepUpProvider) service() *Service {
	return NewService(testConfig(p.server.URL), p.server.Client())
}

func TestStepUpVerifyExchangesEmbeddedCodeOnce(t *testing.T) {
	t.Parallel()

	p := newStepUpProvider(t)
	p.challengeBody = `{"flowId":"f-10","authenticators":[{"id":"email-otp"}]}`
	p.verifyBody = `{"flowStatus":"SUCCESS_COMPLETED","authData":{"code":"embedded-code"}}`

	flow := NewStepUpFlow(p.service())
	challenge, err := flow.Begin(context.Background(), "stepup_client", "alice@example.com")
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if flow.State() != StateChallengeShown {
		t.Errorf("state after Begin = %q, want %q", flow.State(), StateChallengeShown)
	}

	outcome, err := flow.Verify(context.Background(), challenge, "123456")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !outcome.Completed {
		t.Error("outcome not completed")
	}
	if outcome.TokenSet == nil {
		t.Fatal("expected a rotated token set")
	}
	if outcome.TokenSet.ClientIDUsed != "stepup_client" {
		t.Errorf("ClientIDUsed = %q, want stepup_client", outcome.TokenSet.ClientIDUsed)
	}
	if got := p.tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}
	if got := p.lastTokenForm["code"]; got != "embedded-code" {
		t.Errorf("exchanged code = %q, want embedded-code", got)
	}
	if got := p.lastTokenForm["client_id"]; got != "stepup_client" {
		t.Errorf("exchange client_id = %q, want stepup_client", got)
	}
	if flow.State() != StateCompleted {
		t.Errorf("state = %q, want %q", flow.State(), StateCompleted)
	}

	// The submission payload carries the selected authenticator and OTP.
	if got := gjson.GetBytes(p.lastOtpBody, "flowId").String(); got != "f-10" {
		t.Errorf("submitted flowId = %q, want f-10", got)
	}
	if got := gjson.GetBytes(p.lastOtpBody, "selectedAuthenticator.authenticatorId").String(); got != "email-otp" {
		t.Errorf("submitted authenticatorId = %q, want email-otp", got)
	}
	if got := gjson.GetBytes(p.lastOtpBody, "selectedAuthenticator.params.OTPCode").String(); got != "123456" {
		t.Errorf("submitted OTPCode = %q, want 123456", got)
	}
}

func TestStepUpVerifyCompletedWithoutCode(t *testing.T) {
	t.Parallel()

	p := newStepUpProvider(t)
	p.challengeBody = `{"flowId":"f-11","authenticatorId":"email-otp"}`
	p.verifyBody = `{"flowStatus":"SUCCESS_COMPLETED"}`

	flow := NewStepUpFlow(p.service())
	challenge, err := flow.Begin(context.Background(), "stepup_client", "")
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	outcome, err := flow.Verify(context.Background(), challenge, "123456")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !outcome.Completed {
		t.Error("outcome not completed")
	}
	if outcome.TokenSet != nil {
		t.Error("expected no token rotation without an embedded code")
	}
	if got := p.tokenCalls.Load(); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestStepUpVerifyIncompleteFlowReturnsRaw(t *testing.T) {
	t.Parallel()

	p := newStepUpProvider(t)
	p.challengeBody = `{"flowId":"f-12","authenticatorId":"email-otp"}`
	p.verifyBody = `{"flowStatus":"INCOMPLETE","nextStep":{"authenticators":[{"authenticatorId":"sms-otp"}]}}`

	flow := NewStepUpFlow(p.service())
	challenge, err := flow.Begin(context.Background(), "stepup_client", "")
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	outcome, err := flow.Verify(context.Background(), challenge, "123456")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if outcome.Completed {
		t.Error("outcome should not be completed")
	}
	if len(outcome.Raw) == 0 {
		t.Error("expected the raw response for re-rendering")
	}
	if flow.State() != StateChallengeShown {
		t.Errorf("state = %q, want %q", flow.State(), StateChallengeShown)
	}
	if got := p.tokenCalls.Load(); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestStepUpVerifyRejectedOtp(t *testing.T) {
	t.Parallel()

	p := newStepUpProvider(t)
	p.challengeBody = `{"flowId":"f-13","authenticatorId":"email-otp"}`
	p.verifyStatus = http.StatusBadRequest
	p.verifyBody = `{"error":"invalid_otp"}`

	flow := NewStepUpFlow(p.service())
	challenge, err := flow.Begin(context.Background(), "stepup_client", "")
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	_, err = flow.Verify(context.Background(), challenge, "000000")
	var otpErr *OtpVerificationError
	if !errors.As(err, &otpErr) {
		t.Fatalf("expected OtpVerificationError, got %v", err)
	}
	if otpErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", otpErr.Status)
	}
	if !IsRecoverable(err) {
		t.Error("otp rejection should be recoverable")
	}
}

func TestStepUpBeginInitiationError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	flow := NewStepUpFlow(NewService(testConfig(server.URL), server.Client()))
	_, err := flow.Begin(context.Background(), "stepup_client", "")
	var initErr *ChallengeInitiationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected ChallengeInitiationError, got %v", err)
	}
	if initErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", initErr.Status)
	}
	if flow.State() != StateFailed {
		t.Errorf("state = %q, want %q", flow.State(), StateFailed)
	}
}
