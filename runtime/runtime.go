// Package runtime wires the four cores (auth, messaging, cache,
// resilience/observability) into one frozen, ready-to-use set of
// collaborators, the way a go-zero service builds its svc.ServiceContext
// from a loaded Config: connect the shared stores once, construct every
// dependent component from them, and hand back an immutable struct
// instead of letting callers assemble providers piecemeal.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/growthmind/meshcore/authcore/grant"
	"github.com/growthmind/meshcore/authcore/keys"
	"github.com/growthmind/meshcore/authcore/pipeline"
	"github.com/growthmind/meshcore/authcore/refresh"
	"github.com/growthmind/meshcore/authcore/token"
	"github.com/growthmind/meshcore/cachecore/twotier"
	"github.com/growthmind/meshcore/meshconfig"
	"github.com/growthmind/meshcore/messagingcore/bus"
	"github.com/growthmind/meshcore/messagingcore/dlq"
	"github.com/growthmind/meshcore/messagingcore/retry"
	"github.com/growthmind/meshcore/resiliencecore/breaker"
	"github.com/growthmind/meshcore/resiliencecore/metrics"
	tpcache "github.com/growthmind/meshcore/third_party/cache"
	tpdatabase "github.com/growthmind/meshcore/third_party/database"
)

// streamPartitions is the fixed partition count every Producer/Consumer
// pair in a Runtime shares. It is not exposed in meshconfig.Config (there
// is no messaging-topology group), so Wire fixes it at this constant;
// NewProducer's own fallback for a non-positive count is one partition.
const streamPartitions = 4

// Runtime is the full set of wired collaborators built by Wire. Every
// field is set once at construction and never reassigned; callers share
// the *Runtime across goroutines freely.
type Runtime struct {
	Config meshconfig.Config

	db          *sqlx.DB
	redisHandle *tpcache.RedisClient
	redis       *redis.Client

	Pipeline       *pipeline.Pipeline
	AccessCodec    *token.Codec
	RefreshRotator *refresh.Rotator

	Cache *twotier.Cache

	Producer *bus.Producer
	DLQ      *dlq.Sink

	Metrics *metrics.Registry
	Tracker *metrics.Tracker
	sweeper *metrics.Sweeper
}

// Wire dials Postgres and Redis from cfg and constructs the full
// provider/consumer/breaker set from them, frozen for the process
// lifetime. Callers load cfg once via meshconfig.Load before calling
// Wire.
func Wire(ctx context.Context, cfg meshconfig.Config) (*Runtime, error) {
	db, err := tpdatabase.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	redisHandle, err := tpcache.Connect(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runtime: %w", err)
	}

	rt := &Runtime{
		Config:      cfg,
		db:          db,
		redisHandle: redisHandle,
		redis:       redisHandle.Client(),
	}

	if _, err := db.ExecContext(ctx, dlq.Schema); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("runtime: apply dead-letter schema: %w", err)
	}

	rt.Producer = bus.NewProducer(rt.redis, streamPartitions, cfg.ServiceName)
	rt.DLQ = dlq.New(db, rt.redis, cfg.Retry.DlqTopicSuffix, bus.NewReprocessPublisher(rt.Producer))

	local, err := localKeySource(cfg.Auth)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("runtime: %w", err)
	}
	if local == nil {
		_ = rt.Close()
		return nil, fmt.Errorf("runtime: refresh token rotation requires a local signing key (set auth.local-hmac-secret or auth.local-private/public-key-path, even when auth.local-issuer-enabled is false)")
	}

	accessCodec, pipe, err := wireAuth(cfg, local)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("runtime: %w", err)
	}
	rt.AccessCodec = accessCodec
	rt.Pipeline = pipe

	refreshRepo := refresh.NewRedisRepository(rt.redis, cfg.ServiceName+":refresh:")
	rt.RefreshRotator = refresh.New(refresh.Config{
		Issuer:   cfg.Auth.Issuer,
		Lifetime: cfg.Auth.RefreshTokenLifetime,
	}, local, refreshRepo)

	rt.Cache = twotier.New(rt.redis, cfg.Cache)

	rt.Metrics = metrics.NewRegistry(cfg.Observability.MetricsPrefix, prometheus.DefaultRegisterer)
	rt.Tracker = metrics.NewTracker(rt.Metrics, cfg.ServiceName, nil)
	rt.sweeper = metrics.NewSweeper(cfg.Observability.AlertSweepInterval, rt.Tracker)

	rt.Producer.Instrument(rt.Metrics)
	rt.Cache.Instrument(rt.Metrics, cfg.ServiceName)
	rt.Pipeline.Instrument(rt.Metrics, cfg.ServiceName)

	return rt, nil
}

// localKeySource builds the local signing/verification key source shared
// by the pipeline's local leg and the refresh rotator, preferring an
// explicit HMAC secret (the common local-dev path) over RSA PEM files.
// Built from whatever key material is configured regardless of
// auth.local-issuer-enabled: refresh tokens are always locally signed and
// rotated, even in a deployment where access tokens are
// issued entirely by an OIDC provider. Returns (nil, nil) when no local key
// material is configured at all.
func localKeySource(cfg meshconfig.AuthConfig) (*keys.LocalProvider, error) {
	if cfg.LocalHMACSecret != "" {
		return keys.NewLocalHMACProvider([]byte(cfg.LocalHMACSecret)), nil
	}
	if cfg.LocalPrivateKeyPath != "" || cfg.LocalPublicKeyPath != "" {
		return keys.NewLocalRSAProvider(cfg.LocalPrivateKeyPath, cfg.LocalPublicKeyPath)
	}
	return nil, nil
}

// wireAuth builds the pipeline's active legs and the codec callers use to
// issue new access tokens. The remote leg's JWK-set retry policy is
// derived from cfg.Retry so the same capped-backoff contract governs
// both the event bus's retry executor and the key-fetch path.
func wireAuth(cfg meshconfig.Config, local *keys.LocalProvider) (*token.Codec, *pipeline.Pipeline, error) {
	tokenCfg := token.Config{
		Issuers:        []string{cfg.Auth.Issuer},
		Audience:       cfg.Auth.OIDCClientID,
		VerifyAudience: cfg.Auth.OIDCVerifyAudience,
		ClockSkew:      time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
		AccessLifetime: cfg.Auth.AccessTokenLifetime,
	}

	var providers []pipeline.Provider
	var accessCodec *token.Codec

	if cfg.Auth.LocalIssuerEnabled {
		if local == nil {
			return nil, nil, fmt.Errorf("auth.local-issuer-enabled requires local key material (auth.local-hmac-secret or auth.local-private/public-key-path)")
		}
		localCodec := token.New(tokenCfg, local, nil)
		accessCodec = localCodec

		// Legs in fixed order: HMAC before RSA, OIDC last. When
		// only one kind of key material is configured, local carries it and
		// a single leg suffices; when both are configured, localKeySource
		// preferred the HMAC secret, so the RSA pair gets its own codec and
		// leg behind the HMAC one.
		if cfg.Auth.LocalHMACSecret != "" {
			providers = append(providers, pipeline.NewLocalHMACProvider(localCodec, cfg.Auth.OIDCClientID))
			if cfg.Auth.LocalPrivateKeyPath != "" || cfg.Auth.LocalPublicKeyPath != "" {
				rsaKeys, err := keys.NewLocalRSAProvider(cfg.Auth.LocalPrivateKeyPath, cfg.Auth.LocalPublicKeyPath)
				if err != nil {
					return nil, nil, err
				}
				providers = append(providers, pipeline.NewLocalRSAProvider(token.New(tokenCfg, rsaKeys, nil), cfg.Auth.OIDCClientID))
			}
		} else {
			providers = append(providers, pipeline.NewLocalRSAProvider(localCodec, cfg.Auth.OIDCClientID))
		}
	}

	if cfg.Auth.OIDCEnabled {
		retryPolicy := retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Multiplier:     cfg.Retry.Multiplier,
			JitterFactor:   cfg.Retry.JitterFactor,
			EnableDlq:      false,
		}
		remote := keys.NewRemoteProvider(cfg.Auth.OIDCJWKSetURI, nil, 0, retryPolicy)
		remoteCodec := token.New(tokenCfg, nil, remote)
		if accessCodec == nil {
			accessCodec = remoteCodec
		}
		providers = append(providers, pipeline.NewRemoteOIDCProvider(remoteCodec, cfg.Auth.OIDCClientID))
	}

	if len(providers) == 0 {
		return nil, nil, fmt.Errorf("no auth provider enabled (set auth.local-issuer-enabled or auth.oidc-enabled)")
	}

	return accessCodec, pipeline.New(providers...), nil
}

// Breaker builds a circuit breaker for name, wiring its transitions into
// the Runtime's shared Tracker so every breaker a caller constructs
// through this method feeds the same metrics/alert surface.
//
// BreakerConfig.WindowSize is a call count, but gobreaker's closed-state
// counting window is a time interval, so the count is mapped to a
// WindowSize-second interval (one nominal call per second). The
// minimum-calls and failure-rate gates apply to the exact counts within
// that interval; the interval only bounds how long stale observations
// linger before the window resets.
func (rt *Runtime) Breaker(name string) *breaker.Breaker {
	cfg := rt.Config.Breaker
	return breaker.New(breaker.Config{
		Name:                 name,
		FailureRateThreshold: cfg.FailureRateThreshold,
		MinimumCalls:         uint32(cfg.MinimumCalls),
		WindowSize:           time.Duration(cfg.WindowSize) * time.Second,
		OpenDuration:         cfg.OpenDuration,
		HalfOpenProbeBudget:  uint32(cfg.HalfOpenProbeBudget),
	}, rt.Tracker.OnTransition)
}

// Consumer builds a bus.Consumer sharing this Runtime's Redis connection,
// Producer (for partition/stream topology), and DLQ sink.
func (rt *Runtime) Consumer(group, consumerName string, policy retry.Policy) *bus.Consumer {
	var sink *dlq.Sink
	if policy.EnableDlq {
		sink = rt.DLQ
	}
	c := bus.NewConsumer(rt.redis, rt.Producer, group, consumerName, policy, sink)
	c.Instrument(rt.Metrics)
	return c
}

// Grant builds a password-grant service over store, sharing this
// Runtime's access codec, refresh rotator, and user-info cache.
func (rt *Runtime) Grant(store grant.CredentialStore) *grant.Service {
	svc := grant.New(store, rt.AccessCodec, rt.RefreshRotator, rt.Cache, rt.Config.Auth.Issuer)
	svc.Instrument(rt.Metrics, rt.Config.ServiceName)
	return svc
}

// Start launches the alert sweeper's supervised background loop. It
// returns immediately; the loop runs until ctx is cancelled.
func (rt *Runtime) Start(ctx context.Context) {
	rt.sweeper.Start(ctx)
}

// Close releases the Runtime's store connections. Safe to call once,
// typically via defer right after a successful Wire.
func (rt *Runtime) Close() error {
	var firstErr error
	if rt.redisHandle != nil {
		if err := rt.redisHandle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
