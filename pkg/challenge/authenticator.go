package challenge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/config"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/data"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/propagation"
)

// Authenticator publishes a challenge and waits for it to propagate. What
// a propagation timeout means is decided by its policy.
type Authenticator struct {
	publisher *Publisher
	waiter    Waiter
	policy    config.TimeoutPolicy
	log       *zap.Logger
}

func NewAuthenticator(publisher *Publisher, waiter Waiter, policy config.TimeoutPolicy, log *zap.Logger) *Authenticator {
	if policy == "" {
		policy = config.PolicyWarn
	}
	return &Authenticator{
		publisher: publisher,
		waiter:    waiter,
		policy:    policy,
		log:       log.Named("authenticator"),
	}
}

func (a *Authenticator) Authenticate(ctx context.Context, domain, token string) (*data.Challenge, error) {
	ch, err := a.publisher.Publish(ctx, domain, token)
	if err != nil {
		return nil, err
	}
	return ch, a.Verify(ctx, ch)
}

// Verify waits for ch to be served by the authoritative name servers.
func (a *Authenticator) Verify(ctx context.Context, ch *data.Challenge) error {
	log := a.log.With(zap.String("fqdn", ch.FQDN()), zap.String("policy", string(a.policy)))

	if a.policy == config.PolicySkip {
		log.Info("skipping propagation check")
		return nil
	}

	_, err := a.waiter.Wait(ctx, ch.Zone, ch.FQDN(), ch.Value)
	switch {
	case err == nil:
		return nil
	case propagation.IsTimeout(err) && a.policy == config.PolicyWarn:
		log.Warn("propagation not confirmed, continuing", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("verifying propagation: %w", err)
	}
}
