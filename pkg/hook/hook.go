// Package hook wires the challenge phases to the configuration and to the
// environment contract of certbot manual hooks.
package hook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/challenge"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/config"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/cpanel"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/propagation"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/scratch"
)

// AuthEnv is what certbot hands to a manual auth hook.
type AuthEnv struct {
	Domain     string `env:"CERTBOT_DOMAIN,required,notEmpty"`
	Validation string `env:"CERTBOT_VALIDATION,required,notEmpty"`
}

// CleanupEnv is what certbot hands to a manual cleanup hook.
type CleanupEnv struct {
	Domain     string `env:"CERTBOT_DOMAIN,required,notEmpty"`
	Validation string `env:"CERTBOT_VALIDATION"`
}

type Hook struct {
	cfg       *config.Config
	publisher *challenge.Publisher
	auth      *challenge.Authenticator
	retractor *challenge.Retractor
	log       *zap.Logger

	// mu serializes zone changes; cPanel renumbers lines on every removal.
	mu sync.Mutex
}

// New builds all phases from cfg. cfg must have been validated.
func New(cfg *config.Config, log *zap.Logger) (*Hook, error) {
	store, err := scratch.New(cfg.ScratchDir, cfg.Token)
	if err != nil {
		return nil, err
	}

	client := cpanel.New(cfg, log)
	publisher := challenge.NewPublisher(client, store, cfg.RecordTTL, log)
	verifier := propagation.New(cfg, log)

	return &Hook{
		cfg:       cfg,
		publisher: publisher,
		auth:      challenge.NewAuthenticator(publisher, verifier, cfg.PropagationPolicy, log),
		retractor: challenge.NewRetractor(client, store, cfg.Debug, log),
		log:       log,
	}, nil
}

// Auth runs the certbot auth hook: publish, then verify.
func (h *Hook) Auth(ctx context.Context) error {
	e, err := env.ParseAs[AuthEnv]()
	if err != nil {
		return fmt.Errorf("reading certbot environment: %w", err)
	}
	return h.Present(ctx, e.Domain, e.Validation)
}

// Cleanup runs the certbot cleanup hook.
func (h *Hook) Cleanup(ctx context.Context) error {
	e, err := env.ParseAs[CleanupEnv]()
	if err != nil {
		return fmt.Errorf("reading certbot environment: %w", err)
	}
	return h.CleanUp(ctx, e.Domain, e.Validation)
}

// Present publishes value for domain and waits for propagation according
// to the configured policy.
func (h *Hook) Present(ctx context.Context, domain, value string) error {
	h.mu.Lock()
	ch, err := h.publisher.Publish(ctx, domain, value)
	h.mu.Unlock()
	if err != nil {
		return err
	}

	if err := h.auth.Verify(ctx, ch); err != nil {
		return err
	}
	h.log.Info("challenge ready", zap.String("fqdn", ch.FQDN()))
	return nil
}

// CleanUp removes the challenge record of domain holding value, or every
// pending one of domain when value is empty. A record that is already gone
// is not an error.
func (h *Hook) CleanUp(ctx context.Context, domain, value string) error {
	h.mu.Lock()
	res, err := h.retractor.Retract(ctx, domain, value)
	h.mu.Unlock()

	switch {
	case challenge.IsNotFound(err):
		h.log.Info("nothing to clean up", zap.String("domain", domain))
		return nil
	case err != nil:
		return err
	}
	for _, rec := range res.Deleted {
		h.log.Info("challenge removed", zap.String("domain", res.Domain), zap.Int("line", rec.Line))
	}
	return nil
}

// Timeout returns the propagation bound and poll interval.
func (h *Hook) Timeout() (timeout, interval time.Duration) {
	return h.cfg.PropagationTimeout, h.cfg.PropagationInterval
}
