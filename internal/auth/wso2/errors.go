// Package wso2 implements the OAuth2/OIDC client protocol against a WSO2
// Identity Server deployment: the PKCE authorization-code flow, the
// response_mode=direct step-up (email OTP) sub-flow, token exchange and
// refresh. It knows nothing about sessions or persistence; orchestration
// lives in the session package.
package wso2

import (
	"errors"
	"fmt"
)

// ChallengeInitiationError indicates the provider rejected the direct
// authorization request that starts a step-up challenge. The raw response
// body is preserved for diagnostics.
type ChallengeInitiationError struct {
	Status int
	Body   []byte
}

func (e *ChallengeInitiationError) Error() string {
	return fmt.Sprintf("step-up initiation failed with status %d: %s", e.Status, truncateBody(e.Body))
}

// ChallengeNormalizationError indicates no flow identifier or no
// authenticator identifier could be located in the challenge response.
// Terminal for the attempt; the user must retry from scratch.
type ChallengeNormalizationError struct {
	Missing string
	Body    []byte
}

func (e *ChallengeNormalizationError) Error() string {
	return fmt.Sprintf("challenge response missing %s: %s", e.Missing, truncateBody(e.Body))
}

// OtpVerificationError indicates the OTP submission was rejected.
// Recoverable; the user may re-enter the code.
type OtpVerificationError struct {
	Status int
	Body   []byte
}

func (e *OtpVerificationError) Error() string {
	return fmt.Sprintf("otp verification failed with status %d: %s", e.Status, truncateBody(e.Body))
}

// TokenExchangeError indicates the token endpoint rejected an
// authorization-code exchange, or returned a body that is not JSON.
type TokenExchangeError struct {
	Status int
	Body   []byte
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, truncateBody(e.Body))
}

// RefreshError indicates a refresh token was rejected. Surfaced to the user
// as a forced re-login; never retried silently.
type RefreshError struct {
	Status int
	Body   []byte
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d: %s", e.Status, truncateBody(e.Body))
}

// IsRefreshError reports whether err is (or wraps) a RefreshError.
func IsRefreshError(err error) bool {
	var refreshErr *RefreshError
	return errors.As(err, &refreshErr)
}

// IsRecoverable reports whether the user can retry the same step without
// restarting the whole flow. Only OTP rejection qualifies.
func IsRecoverable(err error) bool {
	var otpErr *OtpVerificationError
	return errors.As(err, &otpErr)
}

// UserFriendlyMessage maps protocol errors to messages fit for display.
func UserFriendlyMessage(err error) string {
	var (
		initErr     *ChallengeInitiationError
		normErr     *ChallengeNormalizationError
		otpErr      *OtpVerificationError
		exchangeErr *TokenExchangeError
		refreshErr  *RefreshError
	)
	switch {
	case errors.As(err, &initErr):
		return "Could not start the verification challenge. Please try again."
	case errors.As(err, &normErr):
		return "The verification challenge could not be understood. Please restart the operation."
	case errors.As(err, &otpErr):
		return "The code you entered was not accepted. Please check it and try again."
	case errors.As(err, &exchangeErr):
		return "Sign-in could not be completed. Please log in again."
	case errors.As(err, &refreshErr):
		return "Your session has expired. Please log in again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

const maxBodyInError = 512

func truncateBody(body []byte) string {
	if len(body) > maxBodyInError {
		return string(body[:maxBodyInError]) + "..."
	}
	return string(body)
}
