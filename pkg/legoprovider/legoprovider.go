// Package legoprovider exposes the hook as a lego DNS-01 provider.
package legoprovider

import (
	"context"
	"time"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/data"
)

var (
	_ challenge.Provider        = (*Provider)(nil)
	_ challenge.ProviderTimeout = (*Provider)(nil)
)

type Solver interface {
	Present(ctx context.Context, domain, value string) error
	CleanUp(ctx context.Context, domain, value string) error
	Timeout() (timeout, interval time.Duration)
}

type Provider struct {
	solver Solver
}

func New(solver Solver) *Provider {
	return &Provider{solver: solver}
}

func (p *Provider) Present(domain, _, keyAuth string) error {
	d, value, err := challengeDomain(domain, keyAuth)
	if err != nil {
		return err
	}
	return p.solver.Present(context.Background(), d, value)
}

func (p *Provider) CleanUp(domain, _, keyAuth string) error {
	d, value, err := challengeDomain(domain, keyAuth)
	if err != nil {
		return err
	}
	return p.solver.CleanUp(context.Background(), d, value)
}

func (p *Provider) Timeout() (timeout, interval time.Duration) {
	return p.solver.Timeout()
}

// challengeDomain returns the domain the record is published for, which
// differs from domain when lego followed a CNAME.
func challengeDomain(domain, keyAuth string) (string, string, error) {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	d, err := data.DomainFromFQDN(info.EffectiveFQDN)
	if err != nil {
		return "", "", err
	}
	return data.Normalize(d), info.Value, nil
}
