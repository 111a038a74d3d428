// Package refresh implements refresh-token rotation: stateless refresh
// tokens carrying a high-entropy nonce and optional family id, rotated
// on every use, with reuse of an already-rotated nonce treated as theft
// and cascading to a full family revocation. Validity lives entirely in
// the signed token; the repository tracks only revoked nonces and
// families, each self-expiring with its token's original lifetime.
package refresh

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/growthmind/meshcore/authcore/token"
	"github.com/growthmind/meshcore/errs"
)

// Claims is the structured view of a refresh token's payload.
type Claims struct {
	Subject   string
	Nonce     string
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Repository tracks revoked nonces and families. Reads must be
// non-blocking for the happy path; writes require mutual exclusion.
type Repository interface {
	IsRevoked(ctx context.Context, nonce string) (bool, error)
	Revoke(ctx context.Context, nonce string, ttl time.Duration) error
	RevokeFamily(ctx context.Context, familyID string, ttl time.Duration) error
	IsFamilyRevoked(ctx context.Context, familyID string) (bool, error)
}

// Rotator issues, verifies, rotates, and revokes refresh tokens.
type Rotator struct {
	local    token.LocalKeySource
	repo     Repository
	issuer   string
	lifetime time.Duration
}

// Config carries the rotator's policy.
type Config struct {
	Issuer   string
	Lifetime time.Duration // default 7 days
}

// New builds a Rotator. local supplies the signing/verification key pair;
// repo backs the revocation list (MemoryRepository or RedisRepository).
func New(cfg Config, local token.LocalKeySource, repo Repository) *Rotator {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 7 * 24 * time.Hour
	}
	return &Rotator{local: local, repo: repo, issuer: cfg.Issuer, lifetime: cfg.Lifetime}
}

// Issue mints a fresh refresh token for subject with a new nonce and,
// when familyID is empty, a freshly generated family id.
func (r *Rotator) Issue(subject, familyID string) (string, error) {
	if familyID == "" {
		familyID = uuid.NewString()
	}
	return r.sign(subject, uuid.NewString(), familyID, time.Now())
}

func (r *Rotator) sign(subject, nonce, familyID string, now time.Time) (string, error) {
	signingKey, err := r.local.SigningKey()
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"sub":       subject,
		"iss":       r.issuer,
		"iat":       now.Unix(),
		"exp":       now.Add(r.lifetime).Unix(),
		"typ":       "refresh",
		"nonce":     nonce,
		"family_id": familyID,
	}
	method := signingMethodFor(signingKey)
	jt := jwt.NewWithClaims(method, claims)
	signed, err := jt.SignedString(signingKey)
	if err != nil {
		return "", errs.Wrap(errs.KeyUnavailable, "sign refresh token", err)
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

// verify checks signature, expiry, and revocation status, returning the
// refresh claims on success.
func (r *Rotator) verify(ctx context.Context, compact string) (*Claims, error) {
	verificationKey, err := r.local.VerificationKey()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.Parse(compact, func(*jwt.Token) (interface{}, error) {
		return verificationKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, errs.Wrap(errs.Invalid, "verify refresh token", err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errs.New(errs.Invalid, "unexpected refresh claims type")
	}
	if typ, _ := mapClaims["typ"].(string); typ != "refresh" {
		return nil, errs.New(errs.Invalid, "token is not a refresh token")
	}

	claims := &Claims{}
	claims.Subject, _ = mapClaims["sub"].(string)
	claims.Nonce, _ = mapClaims["nonce"].(string)
	claims.FamilyID, _ = mapClaims["family_id"].(string)
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0)
	}

	if claims.Nonce == "" {
		return nil, errs.New(errs.Invalid, "refresh token missing nonce")
	}

	if claims.FamilyID != "" {
		familyRevoked, err := r.repo.IsFamilyRevoked(ctx, claims.FamilyID)
		if err != nil {
			return nil, errs.Wrap(errs.Unavailable, "check family revocation", err)
		}
		if familyRevoked {
			return nil, errs.New(errs.Invalid, "refresh token family revoked")
		}
	}

	revoked, err := r.repo.IsRevoked(ctx, claims.Nonce)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "check nonce revocation", err)
	}
	if revoked {
		// Reuse of an already-rotated nonce: treat as theft and revoke
		// the whole family so every descendant token dies with it.
		if claims.FamilyID != "" {
			ttl := time.Until(claims.ExpiresAt)
			if ttl > 0 {
				_ = r.repo.RevokeFamily(ctx, claims.FamilyID, ttl)
			}
		}
		return nil, errs.New(errs.Invalid, "refresh token nonce already rotated")
	}

	return claims, nil
}

// Refresh verifies oldRefreshToken, rotates it (revoking the old nonce
// until its original expiry), and returns a fresh access token (built via
// accessCodec, carrying authorities the caller supplies) and a fresh
// refresh token in the same family.
func (r *Rotator) Refresh(ctx context.Context, oldRefreshToken string, accessCodec *token.Codec, authorities []string) (accessToken, newRefreshToken string, err error) {
	claims, err := r.verify(ctx, oldRefreshToken)
	if err != nil {
		return "", "", err
	}

	ttl := time.Until(claims.ExpiresAt)
	if ttl <= 0 {
		return "", "", errs.New(errs.Invalid, "refresh token expired")
	}
	if err := r.repo.Revoke(ctx, claims.Nonce, ttl); err != nil {
		return "", "", errs.Wrap(errs.Unavailable, "revoke rotated nonce", err)
	}

	newRefreshToken, err = r.sign(claims.Subject, uuid.NewString(), claims.FamilyID, time.Now())
	if err != nil {
		return "", "", err
	}

	accessToken, err = accessCodec.IssueAccessToken(claims.Subject, authorities, r.issuer)
	if err != nil {
		return "", "", err
	}
	return accessToken, newRefreshToken, nil
}

// Revoke adds refreshToken's nonce to the revocation list for its
// remaining lifetime.
func (r *Rotator) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := r.verify(ctx, refreshToken)
	if err != nil {
		return err
	}
	ttl := time.Until(claims.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := r.repo.Revoke(ctx, claims.Nonce, ttl); err != nil {
		return errs.Wrap(errs.Unavailable, "revoke nonce", err)
	}
	return nil
}
