// Package token implements the token codec: structural decoding of a
// compact JWT without verifying its signature, and full verification
// (signature, expiry, issuer, audience) against either a local static
// key or a remote JWK-set keyed by the token's kid header.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/growthmind/meshcore/errs"
)

// Mode names the three provider configurations (local issuer, remote
// only, dual). Nothing in this module reads it: runtime wiring picks the
// providers from the auth config's local-issuer and OIDC flags.
type Mode string

const (
	ModeLocalIssuer Mode = "local_issuer"
	ModeRemoteOnly  Mode = "remote_only"
	ModeDual        Mode = "dual"
)

// Token is the structured view of a decoded compact JWT.
type Token struct {
	Raw       string
	Header    map[string]interface{}
	Claims    jwt.MapClaims
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Decode parses the three dot-separated segments of a compact token and
// populates the structured view WITHOUT verifying the signature. It fails
// with errs.Malformed if the token is not structurally well-formed.
func Decode(compact string) (*Token, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, errs.New(errs.Malformed, "token must have three dot-separated segments")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, "decode header segment", err)
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errs.Wrap(errs.Malformed, "parse header JSON", err)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, "decode claims segment", err)
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, errs.Wrap(errs.Malformed, "parse claims JSON", err)
	}

	t := &Token{Raw: compact, Header: header, Claims: claims}
	if sub, ok := claims["sub"].(string); ok {
		t.Subject = sub
	}
	if iss, ok := claims["iss"].(string); ok {
		t.Issuer = iss
	}
	t.Audience = audienceFrom(claims["aud"])
	if exp, ok := claims["exp"].(float64); ok {
		t.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if iat, ok := claims["iat"].(float64); ok {
		t.IssuedAt = time.Unix(int64(iat), 0)
	}
	return t, nil
}

func audienceFrom(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// LocalKeySource hands out the static signing/verification key pair for
// locally-issued tokens (satisfied by authcore/keys.LocalProvider).
type LocalKeySource interface {
	SigningKey() (interface{}, error)
	VerificationKey() (interface{}, error)
}

// RemoteKeySource resolves a verification key by kid from a remote JWK set
// (satisfied by authcore/keys.RemoteProvider).
type RemoteKeySource interface {
	VerificationKey(ctx context.Context, kid string) (interface{}, error)
}

// Config carries the codec's verification policy.
type Config struct {
	Issuers        []string
	Audience       string
	VerifyAudience bool
	ClockSkew      time.Duration
	AccessLifetime time.Duration
}

// Codec decodes, verifies, and issues compact JWTs.
type Codec struct {
	cfg    Config
	local  LocalKeySource
	remote RemoteKeySource
}

// New builds a Codec. local and/or remote may be nil when a mode does not
// need them (e.g. RemoteOnly leaves local nil).
func New(cfg Config, local LocalKeySource, remote RemoteKeySource) *Codec {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Codec{cfg: cfg, local: local, remote: remote}
}

// Verify checks the signature (selecting the key source by the presence of
// a kid header), expiry, issuer, and — when enabled — audience. Any
// failure yields errs.Invalid with a reason; structural failures yield
// errs.Malformed; key-resolution failures yield errs.KeyUnavailable.
func (c *Codec) Verify(ctx context.Context, compact string) (*Token, error) {
	var keyErr error

	parsed, err := jwt.Parse(compact, func(jt *jwt.Token) (interface{}, error) {
		if kid, _ := jt.Header["kid"].(string); kid != "" {
			if c.remote == nil {
				keyErr = errs.New(errs.KeyUnavailable, "remote verification not configured")
				return nil, keyErr
			}
			key, err := c.remote.VerificationKey(ctx, kid)
			if err != nil {
				keyErr = err
			}
			return key, err
		}
		if c.local == nil {
			keyErr = errs.New(errs.KeyUnavailable, "local verification not configured")
			return nil, keyErr
		}
		key, err := c.local.VerificationKey()
		if err != nil {
			keyErr = err
		}
		return key, err
	}, jwt.WithLeeway(c.cfg.ClockSkew), jwt.WithExpirationRequired())

	if keyErr != nil {
		return nil, keyErr
	}
	if err != nil {
		if strings.Contains(err.Error(), "token is malformed") {
			return nil, errs.Wrap(errs.Malformed, "parse token", err)
		}
		return nil, errs.Wrap(errs.Invalid, "verify signature or expiry", err)
	}
	if !parsed.Valid {
		return nil, errs.New(errs.Invalid, "token failed validation")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errs.New(errs.Invalid, "unexpected claims type")
	}

	decoded, err := Decode(compact)
	if err != nil {
		return nil, err
	}
	decoded.Claims = claims

	if !c.issuerAllowed(decoded.Issuer) {
		return nil, errs.New(errs.Invalid, "issuer not in configured issuer set")
	}
	if c.cfg.VerifyAudience && !containsString(decoded.Audience, c.cfg.Audience) {
		return nil, errs.New(errs.Invalid, "audience does not contain configured client id")
	}

	return decoded, nil
}

func (c *Codec) issuerAllowed(iss string) bool {
	if len(c.cfg.Issuers) == 0 {
		return true
	}
	return containsString(c.cfg.Issuers, iss)
}

func containsString(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}

// IssueAccessToken signs and returns a compact access token for subject
// carrying authorities under the "roles" claim, with exp = now +
// configured access lifetime.
func (c *Codec) IssueAccessToken(subject string, authorities []string, issuer string) (string, error) {
	signingKey, err := c.requireSigningKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(c.cfg.AccessLifetime).Unix(),
		"roles": authorities,
		"typ":   "access",
	}
	return c.sign(claims, signingKey)
}

func (c *Codec) requireSigningKey() (interface{}, error) {
	if c.local == nil {
		return nil, errs.New(errs.KeyUnavailable, "local issuance not configured")
	}
	return c.local.SigningKey()
}

func (c *Codec) sign(claims jwt.MapClaims, signingKey interface{}) (string, error) {
	method := signingMethodFor(signingKey)
	jt := jwt.NewWithClaims(method, claims)
	signed, err := jt.SignedString(signingKey)
	if err != nil {
		return "", errs.Wrap(errs.KeyUnavailable, "sign token", err)
	}
	return signed, nil
}

func signingMethodFor(key interface{}) jwt.SigningMethod {
	switch key.(type) {
	case []byte:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodRS256
	}
}
