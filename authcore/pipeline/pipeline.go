// Package pipeline sequences authentication providers: local-HMAC,
// local-RSA, and remote-OIDC are tried in the configured order, and the
// first provider that supports the credential's declared token type and
// succeeds wins. The provider list is computed once from configuration
// and frozen at bootstrap, so the pipeline itself holds no mutable
// state beyond the providers and their key caches.
package pipeline

import (
	"context"

	"github.com/growthmind/meshcore/errs"
	"github.com/growthmind/meshcore/resiliencecore/metrics"
)

// TokenType discriminates a credential's declared issuer family.
type TokenType string

const (
	TokenTypeLocalJWT TokenType = "LOCAL_JWT"
	TokenTypeOIDCJWT  TokenType = "OIDC_JWT"
	TokenTypeUnknown  TokenType = ""
)

// Credential is the opaque envelope a caller presents to the pipeline.
type Credential struct {
	Token    string
	Declared TokenType
}

// Principal is the pipeline's output on success.
type Principal struct {
	Subject     string
	Authorities []string
	RawToken    string
	TokenType   TokenType
}

// Provider authenticates one credential family. Supports MUST be a pure
// function of typ; Authenticate returns errs.Unsupported when asked to
// handle a type it does not claim to support (the pipeline treats this as
// "try next provider" rather than a hard failure).
type Provider interface {
	Supports(typ TokenType) bool
	Authenticate(ctx context.Context, cred Credential) (*Principal, error)
}

// Pipeline tries Providers, in order, returning the first successful
// Principal. A non-retryable failure (anything other than
// errs.Unsupported or errs.KeyUnavailable) short-circuits the pipeline.
type Pipeline struct {
	providers []Provider
	metrics   *metrics.Registry
	service   string
}

// New freezes an ordered provider list.
func New(providers ...Provider) *Pipeline {
	return &Pipeline{providers: providers}
}

// Instrument wires the verification-outcome counter into reg, labeled
// with service. Call once at bootstrap.
func (p *Pipeline) Instrument(reg *metrics.Registry, service string) {
	p.metrics = reg
	p.service = service
}

func (p *Pipeline) recordOutcome(err error) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.metrics.TokensVerified.WithLabelValues(p.service, outcome).Inc()
}

func (p *Pipeline) Authenticate(ctx context.Context, cred Credential) (principal *Principal, err error) {
	defer func() { p.recordOutcome(err) }()

	var lastErr error

	for _, provider := range p.providers {
		if !provider.Supports(cred.Declared) {
			continue
		}

		principal, err := provider.Authenticate(ctx, cred)
		if err == nil {
			return principal, nil
		}

		if errs.Is(err, errs.Unsupported) {
			lastErr = err
			continue
		}
		if errs.Is(err, errs.KeyUnavailable) {
			// Retryable upstream failure: let the caller retry the whole
			// pipeline rather than falling through to a worse-fitting
			// provider.
			return nil, err
		}
		return nil, err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errs.New(errs.Unsupported, "no configured provider supports this credential")
}
