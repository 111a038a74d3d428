package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/growthmind/meshcore/authcore/token"
	"github.com/growthmind/meshcore/errs"
)

type fakeLocal struct{ key []byte }

func (f *fakeLocal) SigningKey() (interface{}, error)      { return f.key, nil }
func (f *fakeLocal) VerificationKey() (interface{}, error) { return f.key, nil }

func newRotator(t *testing.T) (*Rotator, *MemoryRepository) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	repo := NewMemoryRepository(ctx, time.Hour)
	local := &fakeLocal{key: []byte("refresh-secret")}
	rotator := New(Config{Issuer: "meshcore", Lifetime: time.Hour}, local, repo)
	return rotator, repo
}

func newAccessCodec() *token.Codec {
	local := &fakeLocal{key: []byte("refresh-secret")}
	return token.New(token.Config{Issuers: []string{"meshcore"}, AccessLifetime: time.Minute}, local, nil)
}

func TestRotationInvalidatesPreviousRefreshToken(t *testing.T) {
	rotator, _ := newRotator(t)
	accessCodec := newAccessCodec()

	refreshToken, err := rotator.Issue("duong", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	access, newRefresh, err := rotator.Refresh(context.Background(), refreshToken, accessCodec, []string{"ROLE_USER"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if access == "" || newRefresh == "" {
		t.Fatalf("Refresh returned empty tokens")
	}

	verified, err := accessCodec.Verify(context.Background(), access)
	if err != nil {
		t.Fatalf("Verify access token: %v", err)
	}
	if verified.Subject != "duong" {
		t.Fatalf("Subject = %q, want duong", verified.Subject)
	}

	// Presenting the old (now-rotated) refresh token a second time must
	// fail deterministically.
	if _, _, err := rotator.Refresh(context.Background(), refreshToken, accessCodec, []string{"ROLE_USER"}); err == nil {
		t.Fatalf("Refresh with an already-rotated nonce should fail")
	}
}

func TestRefreshRotatesNonceBeforeReturning(t *testing.T) {
	rotator, repo := newRotator(t)
	accessCodec := newAccessCodec()

	refreshToken, err := rotator.Issue("duong", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := rotator.verify(context.Background(), refreshToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if _, _, err := rotator.Refresh(context.Background(), refreshToken, accessCodec, nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	revoked, err := repo.IsRevoked(context.Background(), claims.Nonce)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Fatalf("old nonce should be revoked immediately after rotation")
	}
}

func TestReuseOfRotatedNonceRevokesWholeFamily(t *testing.T) {
	rotator, repo := newRotator(t)
	accessCodec := newAccessCodec()

	firstToken, err := rotator.Issue("duong", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	firstClaims, err := rotator.verify(context.Background(), firstToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	_, secondToken, err := rotator.Refresh(context.Background(), firstToken, accessCodec, nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Reusing the rotated-away firstToken is theft: it must revoke the
	// whole family, killing secondToken too.
	if _, _, err := rotator.Refresh(context.Background(), firstToken, accessCodec, nil); err == nil {
		t.Fatalf("reusing a rotated nonce should fail")
	}

	familyRevoked, err := repo.IsFamilyRevoked(context.Background(), firstClaims.FamilyID)
	if err != nil {
		t.Fatalf("IsFamilyRevoked: %v", err)
	}
	if !familyRevoked {
		t.Fatalf("family should be revoked after nonce reuse")
	}

	if _, _, err := rotator.Refresh(context.Background(), secondToken, accessCodec, nil); err == nil {
		t.Fatalf("descendant token in a revoked family should also fail")
	}
}

func TestRevokeAddsNonceToRevocationList(t *testing.T) {
	rotator, repo := newRotator(t)

	refreshToken, err := rotator.Issue("duong", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := rotator.verify(context.Background(), refreshToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := rotator.Revoke(context.Background(), refreshToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	revoked, err := repo.IsRevoked(context.Background(), claims.Nonce)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Fatalf("nonce should be revoked")
	}
}

func TestVerifyRejectsTokenWithoutRefreshTyp(t *testing.T) {
	rotator, _ := newRotator(t)
	accessCodec := newAccessCodec()

	accessToken, err := accessCodec.IssueAccessToken("duong", nil, "meshcore")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	if _, err := rotator.verify(context.Background(), accessToken); !errs.Is(err, errs.Invalid) {
		t.Fatalf("verify() error = %v, want errs.Invalid", err)
	}
}

func TestMemoryRepositorySweepExpiresEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := NewMemoryRepository(ctx, 10*time.Millisecond)

	if err := repo.Revoke(ctx, "nonce-1", 5*time.Millisecond); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	revoked, err := repo.IsRevoked(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Fatalf("nonce should be revoked immediately after Revoke")
	}

	time.Sleep(30 * time.Millisecond)

	revoked, err = repo.IsRevoked(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatalf("expired nonce should read as not-revoked even before the sweep deletes it")
	}

	repo.mu.RLock()
	_, stillPresent := repo.nonces["nonce-1"]
	repo.mu.RUnlock()
	if stillPresent {
		t.Fatalf("sweep should have deleted the expired nonce")
	}
}
