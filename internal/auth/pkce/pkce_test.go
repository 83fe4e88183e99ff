package pkce

import (
	"strings"
	"testing"
)

func TestChallengeForGoldenVector(t *testing.T) {
	t.Parallel()

	// RFC 7636 appendix B reference vector.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := ChallengeFor(verifier); got != want {
		t.Errorf("ChallengeFor() = %q, want %q", got, want)
	}
}

func TestChallengeForDeterministic(t *testing.T) {
	t.Parallel()

	verifiers := []string{
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
		strings.Repeat("a", MinVerifierLength),
		strings.Repeat("~", 128),
	}
	for _, v := range verifiers {
		first := ChallengeFor(v)
		if second := ChallengeFor(v); second != first {
			t.Errorf("ChallengeFor(%q) not deterministic: %q then %q", v, first, second)
		}
		if strings.ContainsAny(first, "+/=") {
			t.Errorf("ChallengeFor(%q) = %q contains non-base64url characters", v, first)
		}
	}
}

func TestGenerateVerifierAlphabetAndLength(t *testing.T) {
	t.Parallel()

	for _, length := range []int{MinVerifierLength, DefaultVerifierLength, 128} {
		codes, err := GenerateWithLength(length)
		if err != nil {
			t.Fatalf("GenerateWithLength(%d) error: %v", length, err)
		}
		if len(codes.CodeVerifier) != length {
			t.Errorf("verifier length = %d, want %d", len(codes.CodeVerifier), length)
		}
		for _, c := range codes.CodeVerifier {
			if !strings.ContainsRune(verifierAlphabet, c) {
				t.Errorf("verifier contains %q outside the unreserved alphabet", c)
			}
		}
		if codes.CodeChallenge != ChallengeFor(codes.CodeVerifier) {
			t.Errorf("challenge not derived from verifier")
		}
	}
}

func TestGenerateWithLengthRejectsShortVerifiers(t *testing.T) {
	t.Parallel()

	if _, err := GenerateWithLength(MinVerifierLength - 1); err == nil {
		t.Fatal("expected error for verifier below RFC minimum")
	}
}

func TestGenerateProducesUniqueVerifiers(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 32; i++ {
		codes, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if _, dup := seen[codes.CodeVerifier]; dup {
			t.Fatalf("duplicate verifier generated: %q", codes.CodeVerifier)
		}
		seen[codes.CodeVerifier] = struct{}{}
	}
}
