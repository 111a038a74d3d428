package pipeline

import (
	"context"

	"github.com/growthmind/meshcore/authcore/authority"
	"github.com/growthmind/meshcore/authcore/token"
	"github.com/growthmind/meshcore/errs"
)

// Verifier is the subset of *token.Codec a Provider needs.
type Verifier interface {
	Verify(ctx context.Context, compact string) (*token.Token, error)
}

// jwtProvider adapts a token.Codec into a Provider for one declared
// TokenType, resolving authorities from the verified claims.
type jwtProvider struct {
	supports Map
	verifier Verifier
	clientID string
}

// Map is kept as a tiny indirection so both single-type (HMAC, RSA) and
// multi-type (a provider that accepts both) providers share one struct.
type Map map[TokenType]struct{}

// NewLocalHMACProvider builds the local-HMAC leg of the pipeline.
func NewLocalHMACProvider(codec *token.Codec, clientID string) Provider {
	return &jwtProvider{supports: Map{TokenTypeLocalJWT: {}}, verifier: codec, clientID: clientID}
}

// NewLocalRSAProvider builds the local-RSA leg of the pipeline.
func NewLocalRSAProvider(codec *token.Codec, clientID string) Provider {
	return &jwtProvider{supports: Map{TokenTypeLocalJWT: {}}, verifier: codec, clientID: clientID}
}

// NewRemoteOIDCProvider builds the remote-OIDC leg of the pipeline.
func NewRemoteOIDCProvider(codec *token.Codec, clientID string) Provider {
	return &jwtProvider{supports: Map{TokenTypeOIDCJWT: {}}, verifier: codec, clientID: clientID}
}

func (p *jwtProvider) Supports(typ TokenType) bool {
	_, ok := p.supports[typ]
	return ok
}

func (p *jwtProvider) Authenticate(ctx context.Context, cred Credential) (*Principal, error) {
	if !p.Supports(cred.Declared) {
		return nil, errs.New(errs.Unsupported, "provider does not support declared token type")
	}

	tok, err := p.verifier.Verify(ctx, cred.Token)
	if err != nil {
		if errs.Is(err, errs.KeyUnavailable) {
			return nil, err
		}
		return nil, errs.Wrap(errs.BadCredentials, "verify token", err)
	}

	authorities := authority.Resolve(tok.Claims, p.clientID)
	return &Principal{
		Subject:     tok.Subject,
		Authorities: authorities,
		RawToken:    cred.Token,
		TokenType:   cred.Declared,
	}, nil
}
