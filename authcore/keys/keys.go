// Package keys supplies signing and verification key material for the
// token codec: a local asymmetric/symmetric key loaded once at process
// start, and a remote JWK set fetched over HTTPS and cached per kid
// (fetch-on-miss, TTL-gated refresh, stale-key fallback on a failed
// refresh), with singleflight so concurrent misses for the same kid
// share one fetch, whose failed HTTP requests are retried with capped
// backoff.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/growthmind/meshcore/errs"
	"github.com/growthmind/meshcore/messagingcore/retry"
)

func ellipticCurve(crv string) (elliptic.Curve, error) {
	switch crv {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported EC curve %q", crv)
	}
}

// LocalProvider hands out a single static key pair for local-issued
// tokens, loaded once from PEM files (asymmetric) or held as raw bytes
// (symmetric/HMAC).
type LocalProvider struct {
	signingKey      interface{}
	verificationKey interface{}
}

// NewLocalHMACProvider wraps a symmetric secret for both signing and
// verification.
func NewLocalHMACProvider(secret []byte) *LocalProvider {
	return &LocalProvider{signingKey: secret, verificationKey: secret}
}

// NewLocalRSAProvider loads an RSA key pair from PEM files. privateKeyPath
// may be empty when this process only verifies (never issues) tokens.
func NewLocalRSAProvider(privateKeyPath, publicKeyPath string) (*LocalProvider, error) {
	p := &LocalProvider{}

	if publicKeyPath != "" {
		pub, err := loadRSAPublicKey(publicKeyPath)
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, "load local public key", err)
		}
		p.verificationKey = pub
	}

	if privateKeyPath != "" {
		priv, err := loadRSAPrivateKey(privateKeyPath)
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, "load local private key", err)
		}
		p.signingKey = priv
	}

	return p, nil
}

// SigningKey returns the key used to issue tokens. Returns an error if
// this provider was never given a private key.
func (p *LocalProvider) SigningKey() (interface{}, error) {
	if p.signingKey == nil {
		return nil, errs.New(errs.KeyUnavailable, "local signing key not configured")
	}
	return p.signingKey, nil
}

// VerificationKey returns the key used to verify locally-issued tokens.
func (p *LocalProvider) VerificationKey() (interface{}, error) {
	if p.verificationKey == nil {
		return nil, errs.New(errs.KeyUnavailable, "local verification key not configured")
	}
	return p.verificationKey, nil
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode PEM: no block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PEM does not contain an RSA private key")
	}
	return key, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode PEM: no block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		cert, certErr := x509.ParseCertificate(block.Bytes)
		if certErr != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		parsed = cert.PublicKey
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PEM does not contain an RSA public key")
	}
	return key, nil
}

// jwkSet/jwk mirror RFC 7517's wire shape for a JSON Web Key Set.
type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k *jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}

func (k *jwk) ecdsaPublicKey() (*ecdsa.PublicKey, error) {
	curve, err := ellipticCurve(k.Crv)
	if err != nil {
		return nil, err
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}, nil
}

// RemoteProvider fetches and caches a remote JWK set over HTTPS, keyed by
// kid, refreshing on cache miss and de-duplicating concurrent misses for
// the same kid with singleflight.
type RemoteProvider struct {
	jwkSetURI  string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.RWMutex
	keysByKid map[string]interface{}
	fetchedAt time.Time

	group       singleflight.Group
	retryPolicy retry.Policy
	retryExec   *retry.Executor
}

// defaultRemoteKeyRetryPolicy caps the backoff applied to remote JWK-set
// fetches: a handful of quick attempts before a miss falls through to
// the stale-key-or-KeyUnavailable path.
func defaultRemoteKeyRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
		EnableDlq:      false,
	}
}

// NewRemoteProvider builds a JWK-set backed provider. ttl defaults to
// 10 minutes when zero is given. retryPolicy governs the capped-backoff
// retry applied to every fetch before a persistent failure surfaces as
// KeyUnavailable; the zero value falls back to
// defaultRemoteKeyRetryPolicy.
func NewRemoteProvider(jwkSetURI string, httpClient *http.Client, ttl time.Duration, retryPolicy retry.Policy) *RemoteProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if retryPolicy.MaxAttempts <= 0 {
		retryPolicy = defaultRemoteKeyRetryPolicy()
	}
	return &RemoteProvider{
		jwkSetURI:   jwkSetURI,
		httpClient:  httpClient,
		ttl:         ttl,
		keysByKid:   make(map[string]interface{}),
		retryPolicy: retryPolicy,
		retryExec:   retry.NewExecutor(),
	}
}

// VerificationKey returns the public key for kid, fetching/refreshing the
// JWK set as needed. Concurrent callers missing on the same kid collapse
// into a single fetch via singleflight; that fetch retries failed HTTP
// requests under the provider's retry policy.
func (p *RemoteProvider) VerificationKey(ctx context.Context, kid string) (interface{}, error) {
	if key, fresh := p.cachedKey(kid); fresh {
		return key, nil
	}

	v, err, _ := p.group.Do(p.jwkSetURI, func() (interface{}, error) {
		return nil, p.retryExec.Execute(ctx, p.retryPolicy, nil, nil, func(ctx context.Context, attempt int) error {
			return p.refresh(ctx)
		})
	})
	_ = v
	if err != nil {
		// Retries exhausted (or the executor wrapped the terminal error as
		// MaxRetriesExceeded since EnableDlq is false here); either way fall
		// through to the stale-key tolerance below rather than treating the
		// retry executor's own wrapping as a new failure mode.
		if kindErr, ok := err.(*errs.Error); ok && kindErr.Kind == errs.MaxRetriesExceeded {
			err = kindErr.Cause
		}
		if key, found := p.cachedKeyAny(kid); found {
			return key, nil // stale key tolerated over a failed refresh
		}
		return nil, errs.Wrap(errs.KeyUnavailable, "fetch remote JWK set", err)
	}

	if key, found := p.cachedKeyAny(kid); found {
		return key, nil
	}
	return nil, errs.New(errs.KeyUnavailable, fmt.Sprintf("kid %q not present in JWK set", kid))
}

func (p *RemoteProvider) cachedKey(kid string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keysByKid[kid]
	stale := time.Since(p.fetchedAt) > p.ttl
	return key, ok && !stale
}

func (p *RemoteProvider) cachedKeyAny(kid string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keysByKid[kid]
	return key, ok
}

func (p *RemoteProvider) refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, p.jwkSetURI, nil)
	if err != nil {
		return fmt.Errorf("build JWK set request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWK set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWK set endpoint returned status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode JWK set: %w", err)
	}

	keys := make(map[string]interface{}, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		switch k.Kty {
		case "RSA":
			if pub, err := k.rsaPublicKey(); err == nil {
				keys[k.Kid] = pub
			}
		case "EC":
			if pub, err := k.ecdsaPublicKey(); err == nil {
				keys[k.Kid] = pub
			}
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWK set contained no usable signing keys")
	}

	p.mu.Lock()
	p.keysByKid = keys
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	return nil
}
