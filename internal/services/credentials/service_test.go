package credentials

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/AgentBar-Labs/credit_layer/internal/errors"
	"github.com/AgentBar-Labs/credit_layer/internal/storage/memory"
)

func newTestService() (*Service, *memory.Store) {
	store := memory.New()
	return New(store, bcrypt.MinCost, nil), store
}

func TestIssueAndValidate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	p, token, err := svc.Issue(ctx, "agent-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if p.ID == "" {
		t.Fatal("Issue() returned empty principal ID")
	}
	if !strings.HasPrefix(token, TokenPrefix) {
		t.Fatalf("token %q missing prefix %q", token, TokenPrefix)
	}
	if len(token) != tokenLen {
		t.Fatalf("token length = %d, want %d", len(token), tokenLen)
	}
	if p.CredentialHash == token || strings.Contains(p.CredentialHash, token) {
		t.Fatal("plaintext token leaked into stored hash")
	}

	got, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("Validate() principal = %s, want %s", got.ID, p.ID)
	}
}

func TestValidateMalformed(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := map[string]string{
		"empty":        "",
		"wrong prefix": "xxx_" + strings.Repeat("a", 43),
		"too short":    TokenPrefix + "abc",
		"too long":     TokenPrefix + strings.Repeat("a", 100),
	}
	for name, token := range cases {
		_, err := svc.Validate(ctx, token)
		se := errors.GetServiceError(err)
		if se == nil || se.Code != errors.CodeMissingCredential {
			t.Errorf("%s: Validate(%q) = %v, want %s", name, token, err, errors.CodeMissingCredential)
		}
	}
}

// A tampered variant of a real credential and a random unrelated one must be
// indistinguishable to the caller.
func TestTamperedAndUnrelatedTokensMatch(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, token, err := svc.Issue(ctx, "agent")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	tampered := token[:len(token)-1] + flipChar(token[len(token)-1])
	_, tamperedErr := svc.Validate(ctx, tampered)

	unrelated := TokenPrefix + strings.Repeat("Z", 43)
	_, unrelatedErr := svc.Validate(ctx, unrelated)

	tse := errors.GetServiceError(tamperedErr)
	use := errors.GetServiceError(unrelatedErr)
	if tse == nil || use == nil {
		t.Fatalf("expected service errors, got %v / %v", tamperedErr, unrelatedErr)
	}
	if tse.Code != use.Code {
		t.Fatalf("tampered code %s != unrelated code %s", tse.Code, use.Code)
	}
	if tse.Code != errors.CodeInvalidCredential {
		t.Fatalf("code = %s, want %s", tse.Code, errors.CodeInvalidCredential)
	}
}

func TestTokenUniqueness(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, token, err := svc.Issue(ctx, "agent")
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate token issued: %q", token)
		}
		seen[token] = true
	}
}

func TestRotate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	p, oldToken, err := svc.Issue(ctx, "agent")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	newToken, err := svc.Rotate(ctx, p.ID)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if newToken == oldToken {
		t.Fatal("Rotate() returned the same token")
	}

	if _, err := svc.Validate(ctx, oldToken); err == nil {
		t.Fatal("old token still valid after rotation")
	}
	got, err := svc.Validate(ctx, newToken)
	if err != nil {
		t.Fatalf("Validate(new) error: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("Validate(new) principal = %s, want %s", got.ID, p.ID)
	}
}

func TestRotateUnknownPrincipal(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Rotate(context.Background(), "no-such-id")
	se := errors.GetServiceError(err)
	if se == nil || se.Code != errors.CodeNotFound {
		t.Fatalf("Rotate(unknown) = %v, want %s", err, errors.CodeNotFound)
	}
}

func TestValidateIsReadOnlyAndTouchMarksActivity(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	p, token, err := svc.Issue(ctx, "agent")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if _, err := svc.Validate(ctx, token); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	stored, err := store.GetPrincipal(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrincipal() error: %v", err)
	}
	if stored.Online || !stored.LastSeenAt.IsZero() {
		t.Fatal("Validate() mutated activity state")
	}

	if err := svc.Touch(ctx, p.ID); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	stored, err = store.GetPrincipal(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrincipal() error: %v", err)
	}
	if !stored.Online || stored.LastSeenAt.IsZero() {
		t.Fatal("Touch() did not record activity")
	}
}

func flipChar(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}
