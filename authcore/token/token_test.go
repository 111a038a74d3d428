package token

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/growthmind/meshcore/errs"
)

// fakeLocal is a LocalKeySource backed by a fixed HMAC secret, standing in
// for authcore/keys.LocalProvider in tests that do not need file I/O.
type fakeLocal struct {
	key      []byte
	noSigner bool
}

func (f *fakeLocal) SigningKey() (interface{}, error) {
	if f.noSigner {
		return nil, errs.New(errs.KeyUnavailable, "no signing key configured")
	}
	return f.key, nil
}

func (f *fakeLocal) VerificationKey() (interface{}, error) {
	return f.key, nil
}

func newCodec(t *testing.T, cfg Config) (*Codec, *fakeLocal) {
	t.Helper()
	local := &fakeLocal{key: []byte("test-secret")}
	return New(cfg, local, nil), local
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	codec, _ := newCodec(t, Config{
		Issuers:        []string{"meshcore"},
		AccessLifetime: time.Minute,
	})

	compact, err := codec.IssueAccessToken("duong", []string{"ROLE_USER"}, "meshcore")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	tok, err := codec.Verify(context.Background(), compact)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if tok.Subject != "duong" {
		t.Fatalf("Subject = %q, want duong", tok.Subject)
	}
	if tok.Issuer != "meshcore" {
		t.Fatalf("Issuer = %q, want meshcore", tok.Issuer)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	codec, _ := newCodec(t, Config{AccessLifetime: -time.Minute})

	compact, err := codec.IssueAccessToken("duong", nil, "meshcore")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	_, err = codec.Verify(context.Background(), compact)
	if !errs.Is(err, errs.Invalid) {
		t.Fatalf("Verify() error = %v, want errs.Invalid", err)
	}
}

func TestVerifyRejectsUnknownIssuer(t *testing.T) {
	codec, _ := newCodec(t, Config{Issuers: []string{"meshcore"}, AccessLifetime: time.Minute})

	compact, err := codec.IssueAccessToken("duong", nil, "someone-else")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	_, err = codec.Verify(context.Background(), compact)
	if !errs.Is(err, errs.Invalid) {
		t.Fatalf("Verify() error = %v, want errs.Invalid", err)
	}
}

func TestVerifyRejectsMalformedCompactToken(t *testing.T) {
	codec, _ := newCodec(t, Config{AccessLifetime: time.Minute})

	_, err := codec.Verify(context.Background(), "not-a-jwt")
	if !errs.Is(err, errs.Malformed) {
		t.Fatalf("Verify() error = %v, want errs.Malformed", err)
	}
}

func TestVerifyEnforcesAudienceWhenEnabled(t *testing.T) {
	codec, local := newCodec(t, Config{
		Audience:       "auth-service-client",
		VerifyAudience: true,
		AccessLifetime: time.Minute,
	})

	// Build a token carrying no audience claim at all by signing directly,
	// since IssueAccessToken never sets "aud".
	signingKey, err := local.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "duong",
		"iss": "meshcore",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}
	jt := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	compact, err := jt.SignedString(signingKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = codec.Verify(context.Background(), compact)
	if !errs.Is(err, errs.Invalid) {
		t.Fatalf("Verify() error = %v, want errs.Invalid (missing audience)", err)
	}
}

func TestDecodeDoesNotVerifySignature(t *testing.T) {
	codec, _ := newCodec(t, Config{AccessLifetime: time.Minute})
	compact, err := codec.IssueAccessToken("duong", []string{"ROLE_ADMIN"}, "meshcore")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	tok, err := Decode(compact)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tok.Subject != "duong" {
		t.Fatalf("Subject = %q, want duong", tok.Subject)
	}
}

func TestVerifyFailsWithoutConfiguredKeySource(t *testing.T) {
	codec := New(Config{AccessLifetime: time.Minute}, nil, nil)
	local := &fakeLocal{key: []byte("secret")}
	tmp := New(Config{AccessLifetime: time.Minute}, local, nil)
	compact, err := tmp.IssueAccessToken("duong", nil, "meshcore")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	_, err = codec.Verify(context.Background(), compact)
	if !errs.Is(err, errs.KeyUnavailable) {
		t.Fatalf("Verify() error = %v, want errs.KeyUnavailable", err)
	}
}

func TestIssueAccessTokenFailsWithoutSigningKey(t *testing.T) {
	local := &fakeLocal{noSigner: true}
	codec := New(Config{AccessLifetime: time.Minute}, local, nil)

	_, err := codec.IssueAccessToken("duong", nil, "meshcore")
	if !errs.Is(err, errs.KeyUnavailable) {
		t.Fatalf("IssueAccessToken() error = %v, want errs.KeyUnavailable", err)
	}
}
