package challenge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/data"
)

type Publisher struct {
	api   RecordAPI
	store Store
	ttl   int
	log   *zap.Logger
}

func NewPublisher(api RecordAPI, store Store, ttl int, log *zap.Logger) *Publisher {
	return &Publisher{
		api:   api,
		store: store,
		ttl:   ttl,
		log:   log.Named("publisher"),
	}
}

// Publish creates the challenge record of domain and persists token for
// the cleanup run. The create call is not retried.
func (p *Publisher) Publish(ctx context.Context, domain, token string) (*data.Challenge, error) {
	ch, err := data.NewChallenge(domain, p.api.Domain(), token, p.ttl)
	if err != nil {
		return nil, err
	}

	log := p.log.With(
		zap.String("domain", ch.Domain),
		zap.String("zone", ch.Zone),
		zap.String("name", ch.Name),
	)
	log.Info("computed challenge record", zap.String("fqdn", ch.FQDN()), zap.Int("ttl", ch.TTL))

	log.Info("creating TXT record")
	if err := p.api.AddTXT(ctx, ch.Name, ch.Value, ch.TTL); err != nil {
		return nil, fmt.Errorf("creating challenge record: %w", err)
	}

	if err := p.store.Save(ch.Domain, ch.Value); err != nil {
		return nil, fmt.Errorf("persisting challenge value: %w", err)
	}
	log.Info("created TXT record")

	return ch, nil
}
