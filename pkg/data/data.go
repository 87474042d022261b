package data

import (
	"errors"
	"fmt"
	"strings"
)

// ChallengeLabel is the owner label of every DNS-01 challenge record.
const ChallengeLabel = "_acme-challenge"

var (
	ErrEmptyDomain   = errors.New("validation domain is empty")
	ErrOutsideZone   = errors.New("validation domain is not inside the zone")
	ErrMalformedFQDN = errors.New("malformed fqdn")
)

// Challenge is a single DNS-01 TXT record as published to the zone.
type Challenge struct {
	// Domain is the validation domain without trailing dot.
	Domain string
	// Zone is the base zone the record lives in.
	Zone string
	// Name is the record name relative to Zone.
	Name  string
	Value string
	TTL   int
}

// FQDN returns the absolute record name with trailing dot.
func (c *Challenge) FQDN() string {
	return c.Name + "." + c.Zone + "."
}

func NewChallenge(domain, zone, value string, ttl int) (*Challenge, error) {
	domain = Normalize(domain)
	zone = Normalize(zone)

	name, err := RecordName(domain, zone)
	if err != nil {
		return nil, err
	}

	return &Challenge{
		Domain: domain,
		Zone:   zone,
		Name:   name,
		Value:  value,
		TTL:    ttl,
	}, nil
}

// Normalize lowercases a domain and strips surrounding whitespace, the
// trailing dot and a leading wildcard label.
func Normalize(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")
	return strings.TrimPrefix(domain, "*.")
}

// RecordName derives the challenge record name relative to zone, e.g.
// "_acme-challenge" for the zone apex and "_acme-challenge.www" for
// www.<zone>.
func RecordName(domain, zone string) (string, error) {
	domain = Normalize(domain)
	zone = Normalize(zone)

	if domain == "" || zone == "" {
		return "", ErrEmptyDomain
	}
	if domain == zone {
		return ChallengeLabel, nil
	}

	label, ok := strings.CutSuffix(domain, "."+zone)
	if !ok || label == "" || strings.HasPrefix(label, ".") || strings.HasSuffix(label, ".") {
		return "", fmt.Errorf("%w: %s not in %s", ErrOutsideZone, domain, zone)
	}

	return ChallengeLabel + "." + label, nil
}

// DomainFromFQDN turns a challenge fqdn as sent by ACME clients
// ("_acme-challenge.www.example.com.") back into its validation domain.
func DomainFromFQDN(fqdn string) (string, error) {
	name := Normalize(fqdn)
	name = strings.TrimPrefix(name, ChallengeLabel+".")
	if name == "" || name == ChallengeLabel || !strings.Contains(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrMalformedFQDN, fqdn)
	}
	return name, nil
}
