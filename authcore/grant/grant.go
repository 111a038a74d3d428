// Package grant implements the password grant: credential lookup,
// bcrypt verification, and issuance of an access/refresh token pair.
// Failures are reported to the caller as an opaque bad-credentials kind
// with no detail about which check failed, and failure logging is
// rate-limited so a credential-stuffing run cannot flood the log.
package grant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/growthmind/meshcore/authcore/authority"
	"github.com/growthmind/meshcore/authcore/refresh"
	"github.com/growthmind/meshcore/authcore/token"
	"github.com/growthmind/meshcore/cachecore/twotier"
	"github.com/growthmind/meshcore/errs"
	"github.com/growthmind/meshcore/resiliencecore/metrics"
)

// userInfoCache is the named cache partition credential lookups read
// through; its TTL pair comes from the cache configuration.
const userInfoCache = "user-info"

// Credential is the stored view of one subject's login material. Roles
// are free-form here; they are canonicalised to authorities at issuance.
type Credential struct {
	Subject      string   `json:"subject"`
	Username     string   `json:"username"`
	PasswordHash string   `json:"passwordHash"`
	Roles        []string `json:"roles"`
}

// CredentialStore loads credentials by username. Persistence is a
// collaborator concern; implementations typically sit on the service's
// own user table.
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*Credential, error)
}

// TokenPair is the password grant's output.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Service executes password grants against a CredentialStore, issuing
// through the shared codec and rotator. cache may be nil to disable the
// user-info read-through tier.
type Service struct {
	store      CredentialStore
	codec      *token.Codec
	rotator    *refresh.Rotator
	cache      *twotier.Cache
	issuer     string
	failureLog *rate.Limiter
	metrics    *metrics.Registry
	service    string
}

// Instrument wires the issued-tokens counter into reg, labeled with
// service. Call once at bootstrap.
func (s *Service) Instrument(reg *metrics.Registry, service string) {
	s.metrics = reg
	s.service = service
}

func (s *Service) recordIssued() {
	if s.metrics == nil {
		return
	}
	s.metrics.TokensIssued.WithLabelValues(s.service, "access").Inc()
	s.metrics.TokensIssued.WithLabelValues(s.service, "refresh").Inc()
}

// New builds a Service. The failure-log limiter admits a small burst and
// then one line per second, however fast grants are failing.
func New(store CredentialStore, codec *token.Codec, rotator *refresh.Rotator, cache *twotier.Cache, issuer string) *Service {
	return &Service{
		store:      store,
		codec:      codec,
		rotator:    rotator,
		cache:      cache,
		issuer:     issuer,
		failureLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// HashPassword creates a bcrypt hash of the password, for stores that
// persist new credentials.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "hash password", err)
	}
	return string(bytes), nil
}

// PasswordGrant verifies (username, password) and returns a fresh
// access/refresh token pair. Every credential-check failure (unknown
// user, store error, password mismatch) collapses to the same opaque
// bad-credentials error; a token-signing error is returned unchanged.
func (s *Service) PasswordGrant(ctx context.Context, username, password string) (*TokenPair, error) {
	cred, err := s.lookup(ctx, username)
	if err != nil || cred == nil {
		s.logFailure(ctx, username, "unknown user")
		return nil, errs.New(errs.BadCredentials, "invalid username or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		s.logFailure(ctx, username, "password mismatch")
		return nil, errs.New(errs.BadCredentials, "invalid username or password")
	}

	authorities := authority.Normalize(cred.Roles)
	accessToken, err := s.codec.IssueAccessToken(cred.Subject, authorities, s.issuer)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.rotator.Issue(cred.Subject, "")
	if err != nil {
		return nil, err
	}
	s.recordIssued()
	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Refresh rotates oldRefreshToken into a fresh pair, re-resolving the
// subject's authorities from the credential store so a role change takes
// effect on the next rotation rather than surviving for the refresh
// token's full lifetime.
func (s *Service) Refresh(ctx context.Context, username, oldRefreshToken string) (*TokenPair, error) {
	cred, err := s.lookup(ctx, username)
	if err != nil || cred == nil {
		s.logFailure(ctx, username, "unknown user on refresh")
		return nil, errs.New(errs.BadCredentials, "invalid refresh request")
	}

	access, newRefresh, err := s.rotator.Refresh(ctx, oldRefreshToken, s.codec, authority.Normalize(cred.Roles))
	if err != nil {
		return nil, err
	}
	s.recordIssued()
	return &TokenPair{AccessToken: access, RefreshToken: newRefresh}, nil
}

// Logout revokes refreshToken's nonce for its remaining lifetime.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.rotator.Revoke(ctx, refreshToken)
}

// InvalidateUser evicts username from the user-info cache. Mutating
// operations on a credential call this before returning success so the
// next lookup observes the post-mutation record.
func (s *Service) InvalidateUser(ctx context.Context, username string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Evict(ctx, userInfoCache, username)
}

func (s *Service) lookup(ctx context.Context, username string) (*Credential, error) {
	if s.cache != nil {
		if raw, hit, err := s.cache.Get(ctx, userInfoCache, username); err == nil && hit {
			var cred Credential
			if err := json.Unmarshal(raw, &cred); err == nil {
				return &cred, nil
			}
			// An undecodable cached record is dropped and reloaded.
			_ = s.cache.Evict(ctx, userInfoCache, username)
		}
	}

	cred, err := s.store.FindByUsername(ctx, username)
	if err != nil || cred == nil {
		return cred, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(cred); err == nil {
			_ = s.cache.Put(ctx, userInfoCache, username, raw, s.cache.TTL(userInfoCache).L2)
		}
	}
	return cred, nil
}

func (s *Service) logFailure(ctx context.Context, username, why string) {
	if s.failureLog.Allow() {
		logx.WithContext(ctx).Errorf("meshcore: password grant rejected for %q: %s", username, why)
	}
}
